// Package mount exposes bucket archives as read-only directory views using
// an external FUSE archive mounter.
//
// A bucket's view moves through Unmounted, Mounted(fresh) and, once its
// archive has been changed, Mounted(stale). The only way out of
// Mounted(stale) is Unmount followed by Mount with the index rebuilt.
package mount

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"os/exec"
	"strings"

	tarmount "github.com/wolfeidau/annex-tarmount"
	"github.com/wolfeidau/annex-tarmount/process"
	"github.com/wolfeidau/annex-tarmount/telemetry"
)

// ErrMount is returned when the mount or unmount tool fails or rejects a
// request.
var ErrMount = errors.New("mount failed")

const (
	// DefaultMountBinary mounts a tar archive as a directory.
	DefaultMountBinary = "ratarmount"

	// DefaultUnmountBinary releases FUSE mounts.
	DefaultUnmountBinary = "fusermount"

	// Fuse3UnmountBinary is the name the unmount tool has on hosts with
	// only fuse3 installed.
	Fuse3UnmountBinary = "fusermount3"

	// RecreateIndexFlag forces the mounter to rebuild its archive index.
	RecreateIndexFlag = "--recreate-index"
)

// Manager mounts and unmounts bucket archives.
type Manager struct {
	runner     process.Runner
	mountBin   string
	unmountBin string
	mountArgs  []string
	ready      func(path string) error
	logger     *slog.Logger
}

// Option configures a Manager.
type Option func(*Manager)

// WithMountBinary sets the archive mount tool.
func WithMountBinary(path string) Option {
	return func(m *Manager) {
		if path != "" {
			m.mountBin = path
		}
	}
}

// WithUnmountBinary sets the FUSE unmount tool.
func WithUnmountBinary(path string) Option {
	return func(m *Manager) {
		if path != "" {
			m.unmountBin = path
		}
	}
}

// WithMountArgs adds flags passed to the mount tool before the archive path.
func WithMountArgs(args ...string) Option {
	return func(m *Manager) {
		m.mountArgs = append(m.mountArgs, args...)
	}
}

// WithReadyCheck replaces the check run after the mount tool returns. It
// must return nil once path serves the archive. A nil check disables it.
func WithReadyCheck(check func(path string) error) Option {
	return func(m *Manager) {
		m.ready = check
	}
}

// WithLogger sets the logger for the manager.
func WithLogger(logger *slog.Logger) Option {
	return func(m *Manager) {
		m.logger = logger
	}
}

// NewManager creates a Manager that runs the mount tools through runner.
// Without WithUnmountBinary the unmount tool is looked up on PATH.
func NewManager(runner process.Runner, opts ...Option) *Manager {
	m := &Manager{
		runner:     runner,
		mountBin:   DefaultMountBinary,
		unmountBin: resolveUnmountBinary(exec.LookPath),
		ready:      waitForFUSE,
		logger:     slog.Default(),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Mount exposes the bucket archive under its mount point. With rebuildIndex
// the mount tool discards any cached index, which is required whenever the
// archive changed since the index was built.
func (m *Manager) Mount(ctx context.Context, b tarmount.Bucket, rebuildIndex bool) error {
	if err := os.MkdirAll(b.MountPoint, 0o755); err != nil {
		return fmt.Errorf("%w: creating mount point %s: %w", ErrMount, b.MountPoint, err)
	}

	args := append([]string{}, m.mountArgs...)
	if rebuildIndex {
		args = append(args, RecreateIndexFlag)
	}
	args = append(args, b.Archive, b.MountPoint)

	if _, err := m.runner.Run(ctx, m.mountBin, args...); err != nil {
		m.removeMountPoint(ctx, b)
		return fmt.Errorf("%w: mounting %s at %s: %w", ErrMount, b.Archive, b.MountPoint, err)
	}

	if m.ready != nil {
		if err := m.ready(b.MountPoint); err != nil {
			// Best effort: do not leave a half-registered mount behind.
			_, _ = m.runner.Run(ctx, m.unmountBin, "-u", "-z", b.MountPoint)
			m.removeMountPoint(ctx, b)
			return fmt.Errorf("%w: %s: %w", ErrMount, b.MountPoint, err)
		}
	}

	telemetry.RecordMount(ctx, rebuildIndex)
	m.logger.DebugContext(ctx, "mounted archive",
		"archive", b.Archive,
		"mount_point", b.MountPoint,
		"rebuild_index", rebuildIndex,
	)
	return nil
}

// Unmount releases the bucket's view and removes its mount point. A busy
// target is detached lazily rather than failing the caller.
func (m *Manager) Unmount(ctx context.Context, b tarmount.Bucket) error {
	res, err := m.runner.Run(ctx, m.unmountBin, "-u", b.MountPoint)
	if err != nil {
		var exitErr *process.ExitError
		if !errors.As(err, &exitErr) {
			return fmt.Errorf("%w: unmounting %s: %w", ErrMount, b.MountPoint, err)
		}

		out := strings.ToLower(res.Output())
		switch {
		case isBusy(out):
			m.logger.WarnContext(ctx, "mount point busy, detaching lazily",
				"mount_point", b.MountPoint,
			)
			if _, err := m.runner.Run(ctx, m.unmountBin, "-u", "-z", b.MountPoint); err != nil {
				return fmt.Errorf("%w: lazy unmount of %s: %w", ErrMount, b.MountPoint, err)
			}
		case isNotMounted(out):
			m.logger.DebugContext(ctx, "mount point was not mounted",
				"mount_point", b.MountPoint,
			)
		default:
			return fmt.Errorf("%w: unmounting %s: %w", ErrMount, b.MountPoint, err)
		}
	}

	if err := os.Remove(b.MountPoint); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("%w: removing mount point %s: %w", ErrMount, b.MountPoint, err)
	}

	m.logger.DebugContext(ctx, "unmounted archive", "mount_point", b.MountPoint)
	return nil
}

// IsMounted reports whether the bucket's mount point exists as a directory.
// A mount point that exists but cannot be stat'ed, such as a FUSE mount
// whose process died, also counts so that it gets unmounted.
func (m *Manager) IsMounted(b tarmount.Bucket) bool {
	info, err := os.Stat(b.MountPoint)
	if err != nil {
		return !errors.Is(err, fs.ErrNotExist)
	}
	return info.IsDir()
}

func (m *Manager) removeMountPoint(ctx context.Context, b tarmount.Bucket) {
	if err := os.Remove(b.MountPoint); err != nil && !errors.Is(err, fs.ErrNotExist) {
		m.logger.WarnContext(ctx, "failed to remove mount point",
			"mount_point", b.MountPoint,
			"error", err,
		)
	}
}

// resolveUnmountBinary picks fusermount, or fusermount3 when only that is
// on PATH. If neither is found the default name is kept so the failure
// surfaces from the first unmount.
func resolveUnmountBinary(lookPath func(string) (string, error)) string {
	for _, name := range []string{DefaultUnmountBinary, Fuse3UnmountBinary} {
		if _, err := lookPath(name); err == nil {
			return name
		}
	}
	return DefaultUnmountBinary
}

func isBusy(out string) bool {
	return strings.Contains(out, "busy")
}

func isNotMounted(out string) bool {
	return strings.Contains(out, "not found in /etc/mtab") ||
		strings.Contains(out, "not mounted") ||
		strings.Contains(out, "no such file or directory")
}
