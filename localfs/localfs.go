// Package localfs provides the local filesystem primitives the remote
// relies on: directory creation, type checks and atomic file copies.
package localfs

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"

	tarmount "github.com/wolfeidau/annex-tarmount"
)

// ErrFilesystem wraps failures of filesystem operations other than
// "already exists" and "already absent".
var ErrFilesystem = errors.New("filesystem error")

// tempPattern names in-flight copies; they never match a key.
const tempPattern = ".tmp-*"

// FS is the set of filesystem operations used by the remote.
type FS interface {
	// MkdirAll creates path and any missing parents.
	MkdirAll(path string) error

	// IsDir reports whether path exists and is a directory.
	IsDir(path string) (bool, error)

	// IsFile reports whether path exists and is a regular file.
	IsFile(path string) (bool, error)

	// CopyFile copies src to dst atomically: dst either does not change or
	// holds the complete content of src.
	CopyFile(ctx context.Context, src, dst string) (CopyResult, error)
}

// CopyResult describes a completed copy.
type CopyResult struct {
	Size   int64
	Digest tarmount.Digest
}

// Filesystem implements FS using the os package.
type Filesystem struct {
	dirPerm  fs.FileMode
	filePerm fs.FileMode
}

// Option configures a Filesystem.
type Option func(*Filesystem)

// WithFileMode sets the permission bits of files produced by CopyFile.
func WithFileMode(mode fs.FileMode) Option {
	return func(f *Filesystem) {
		f.filePerm = mode
	}
}

// New creates a Filesystem.
func New(opts ...Option) *Filesystem {
	f := &Filesystem{
		dirPerm:  0o755,
		filePerm: 0o644,
	}
	for _, opt := range opts {
		opt(f)
	}
	return f
}

// MkdirAll implements FS.
func (f *Filesystem) MkdirAll(path string) error {
	if err := os.MkdirAll(path, f.dirPerm); err != nil {
		return fmt.Errorf("%w: creating directory %s: %w", ErrFilesystem, path, err)
	}
	return nil
}

// IsDir implements FS.
func (f *Filesystem) IsDir(path string) (bool, error) {
	info, err := os.Stat(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return false, nil
		}
		return false, fmt.Errorf("%w: stat %s: %w", ErrFilesystem, path, err)
	}
	return info.IsDir(), nil
}

// IsFile implements FS.
func (f *Filesystem) IsFile(path string) (bool, error) {
	info, err := os.Stat(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return false, nil
		}
		return false, fmt.Errorf("%w: stat %s: %w", ErrFilesystem, path, err)
	}
	return info.Mode().IsRegular(), nil
}

// CopyFile implements FS. The content is written to a temp file in dst's
// directory, synced, then renamed over dst.
func (f *Filesystem) CopyFile(ctx context.Context, src, dst string) (CopyResult, error) {
	in, err := os.Open(src)
	if err != nil {
		return CopyResult{}, fmt.Errorf("%w: opening %s: %w", ErrFilesystem, src, err)
	}
	defer func() { _ = in.Close() }()

	dir := filepath.Dir(dst)
	tmp, err := os.CreateTemp(dir, tempPattern)
	if err != nil {
		return CopyResult{}, fmt.Errorf("%w: creating temp file: %w", ErrFilesystem, err)
	}
	tmpPath := tmp.Name()

	// Clean up temp file on error
	success := false
	defer func() {
		if !success {
			_ = tmp.Close()
			_ = os.Remove(tmpPath)
		}
	}()

	hr := tarmount.NewHashingReader(in)
	if _, err := io.Copy(tmp, hr); err != nil {
		return CopyResult{}, fmt.Errorf("%w: copying %s: %w", ErrFilesystem, src, err)
	}

	if err := tmp.Chmod(f.filePerm); err != nil {
		return CopyResult{}, fmt.Errorf("%w: setting mode: %w", ErrFilesystem, err)
	}

	if err := tmp.Sync(); err != nil {
		return CopyResult{}, fmt.Errorf("%w: syncing file: %w", ErrFilesystem, err)
	}

	if err := tmp.Close(); err != nil {
		return CopyResult{}, fmt.Errorf("%w: closing temp file: %w", ErrFilesystem, err)
	}

	if err := os.Rename(tmpPath, dst); err != nil {
		return CopyResult{}, fmt.Errorf("%w: renaming temp file: %w", ErrFilesystem, err)
	}

	success = true
	return CopyResult{Size: hr.BytesRead(), Digest: hr.Sum()}, nil
}

// Compile-time interface check
var _ FS = (*Filesystem)(nil)
