// Package faketools emulates tar, ratarmount and fusermount in-process so
// engine behavior can be tested without FUSE.
//
// Mounting extracts the archive into the mount point. Like the real mount
// tool, the emulator keeps an index per archive and serves a mount from that
// index unless told to rebuild it, so a remount that skips the rebuild after
// a mutation shows stale content.
package faketools

import (
	"archive/tar"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"sync"

	"github.com/wolfeidau/annex-tarmount/process"
)

// Tool names understood by the emulator, matched on the binary base name.
const (
	Tar        = "tar"
	Ratarmount = "ratarmount"
	Fusermount = "fusermount"
)

type failure struct {
	stderr string
	times  int // negative fails forever
}

type entry struct {
	name string
	data []byte
}

// Tools implements process.Runner. It is safe for concurrent use.
type Tools struct {
	mu       sync.Mutex
	calls    [][]string
	failures map[string]*failure
	silent   map[string]bool
	busy     int
	indexes  map[string][]entry // archive path -> entries at last index build
	mounts   map[string]string  // mount point -> archive path
}

// New creates an emulator with nothing mounted.
func New() *Tools {
	return &Tools{
		failures: map[string]*failure{},
		silent:   map[string]bool{},
		indexes:  map[string][]entry{},
		mounts:   map[string]string{},
	}
}

// Fail makes the next times invocations of tool exit with status 1 and the
// given stderr. A negative times fails every invocation.
func (t *Tools) Fail(tool, stderr string, times int) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.failures[tool] = &failure{stderr: stderr, times: times}
}

// Silence makes tool report success without doing anything.
func (t *Tools) Silence(tool string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.silent[tool] = true
}

// Busy makes the next n non-lazy unmounts report a busy target.
func (t *Tools) Busy(n int) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.busy = n
}

// Reset clears injected failures and silenced tools.
func (t *Tools) Reset() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.failures = map[string]*failure{}
	t.silent = map[string]bool{}
	t.busy = 0
}

// Calls returns every invocation so far as name followed by args.
func (t *Tools) Calls() [][]string {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([][]string, len(t.calls))
	for i, c := range t.calls {
		out[i] = slices.Clone(c)
	}
	return out
}

// CallsTo returns the invocations of tool.
func (t *Tools) CallsTo(tool string) [][]string {
	var out [][]string
	for _, c := range t.Calls() {
		if filepath.Base(c[0]) == tool {
			out = append(out, c)
		}
	}
	return out
}

// Mounted reports whether the emulator holds a mount at mountPoint.
func (t *Tools) Mounted(mountPoint string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	_, ok := t.mounts[mountPoint]
	return ok
}

// Run implements process.Runner.
func (t *Tools) Run(_ context.Context, name string, args ...string) (process.Result, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.calls = append(t.calls, append([]string{name}, args...))
	tool := filepath.Base(name)
	if tool == "fusermount3" {
		tool = Fusermount
	}

	if f, ok := t.failures[tool]; ok && f.times != 0 {
		if f.times > 0 {
			f.times--
		}
		return exit(name, args, 1, f.stderr)
	}
	if t.silent[tool] {
		return process.Result{}, nil
	}

	switch tool {
	case Tar:
		return t.tar(name, args)
	case Ratarmount:
		return t.ratarmount(name, args)
	case Fusermount:
		return t.fusermount(name, args)
	default:
		return process.Result{ExitCode: -1}, fmt.Errorf("%w: %s", process.ErrToolNotFound, name)
	}
}

func exit(name string, args []string, code int, stderr string) (process.Result, error) {
	res := process.Result{ExitCode: code, Stderr: []byte(stderr)}
	return res, &process.ExitError{Name: name, Args: args, Result: res}
}

// tar supports: --delete [--no-wildcards] --file ARCHIVE [--] MEMBER...
func (t *Tools) tar(name string, args []string) (process.Result, error) {
	var (
		archive string
		members []string
		del     bool
	)
	for i := 0; i < len(args); i++ {
		switch a := args[i]; {
		case a == "--delete":
			del = true
		case a == "--no-wildcards":
		case a == "--file" || a == "-f":
			if i+1 >= len(args) {
				return exit(name, args, 2, "tar: option requires an argument -- 'f'")
			}
			i++
			archive = args[i]
		case a == "--":
			members = append(members, args[i+1:]...)
			i = len(args)
		case strings.HasPrefix(a, "-"):
			return exit(name, args, 2, "tar: unrecognized option '"+a+"'")
		default:
			members = append(members, a)
		}
	}
	if !del || archive == "" {
		return exit(name, args, 2, "tar: only --delete --file is emulated")
	}

	entries, err := readArchive(archive)
	if err != nil {
		return exit(name, args, 2, fmt.Sprintf("tar: %s: Cannot open: %v", archive, err))
	}

	kept := entries[:0:0]
	found := map[string]bool{}
	for _, e := range entries {
		if slices.Contains(members, e.name) {
			found[e.name] = true
			continue
		}
		kept = append(kept, e)
	}

	var missing []string
	for _, m := range members {
		if !found[m] {
			missing = append(missing, "tar: "+m+": Not found in archive")
		}
	}

	if err := writeArchive(archive, kept); err != nil {
		return exit(name, args, 2, fmt.Sprintf("tar: %s: Cannot write: %v", archive, err))
	}
	if len(missing) > 0 {
		missing = append(missing, "tar: Exiting with failure status due to previous errors")
		return exit(name, args, 2, strings.Join(missing, "\n"))
	}
	return process.Result{}, nil
}

// ratarmount supports: [flags...] [--recreate-index] ARCHIVE MOUNTPOINT
func (t *Tools) ratarmount(name string, args []string) (process.Result, error) {
	if len(args) < 2 {
		return exit(name, args, 1, "ratarmount: expected archive and mount point")
	}
	archive, mountPoint := args[len(args)-2], args[len(args)-1]
	rebuild := slices.Contains(args[:len(args)-2], "--recreate-index")

	if _, ok := t.mounts[mountPoint]; ok {
		return exit(name, args, 1, "fuse: mountpoint is not empty")
	}

	entries, ok := t.indexes[archive]
	if rebuild || !ok {
		var err error
		entries, err = readArchive(archive)
		if err != nil {
			return exit(name, args, 1, fmt.Sprintf("ratarmount: cannot open %s: %v", archive, err))
		}
		t.indexes[archive] = entries
	}

	if err := os.MkdirAll(mountPoint, 0o755); err != nil {
		return exit(name, args, 1, err.Error())
	}
	for _, e := range entries {
		if err := os.WriteFile(filepath.Join(mountPoint, e.name), e.data, 0o444); err != nil {
			return exit(name, args, 1, err.Error())
		}
	}
	t.mounts[mountPoint] = archive
	return process.Result{}, nil
}

// fusermount supports: -u [-z] MOUNTPOINT
func (t *Tools) fusermount(name string, args []string) (process.Result, error) {
	if len(args) == 0 || args[0] != "-u" {
		return exit(name, args, 1, "fusermount: only -u is emulated")
	}
	mountPoint := args[len(args)-1]
	lazy := slices.Contains(args, "-z")

	if _, ok := t.mounts[mountPoint]; !ok {
		return exit(name, args, 1, "fusermount: entry for "+mountPoint+" not found in /etc/mtab")
	}
	if !lazy && t.busy > 0 {
		t.busy--
		return exit(name, args, 1, "fusermount: failed to unmount "+mountPoint+": Device or resource busy")
	}

	if err := clearDir(mountPoint); err != nil {
		return exit(name, args, 1, err.Error())
	}
	delete(t.mounts, mountPoint)
	return process.Result{}, nil
}

func clearDir(dir string) error {
	items, err := os.ReadDir(dir)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil
		}
		return err
	}
	for _, it := range items {
		if err := os.RemoveAll(filepath.Join(dir, it.Name())); err != nil {
			return err
		}
	}
	return nil
}

func readArchive(path string) ([]entry, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer func() { _ = f.Close() }()

	var out []entry
	tr := tar.NewReader(f)
	for {
		hdr, err := tr.Next()
		if errors.Is(err, io.EOF) {
			return out, nil
		}
		if err != nil {
			return nil, err
		}
		if hdr.Typeflag != tar.TypeReg {
			continue
		}
		data, err := io.ReadAll(tr)
		if err != nil {
			return nil, err
		}
		out = append(out, entry{name: hdr.Name, data: data})
	}
}

func writeArchive(path string, entries []entry) error {
	var buf bytes.Buffer
	tw := tar.NewWriter(&buf)
	for _, e := range entries {
		hdr := &tar.Header{Typeflag: tar.TypeReg, Name: e.name, Mode: 0o644, Size: int64(len(e.data))}
		if err := tw.WriteHeader(hdr); err != nil {
			return err
		}
		if _, err := tw.Write(e.data); err != nil {
			return err
		}
	}
	if err := tw.Close(); err != nil {
		return err
	}
	return os.WriteFile(path, buf.Bytes(), 0o644)
}

// Compile-time interface check
var _ process.Runner = (*Tools)(nil)
