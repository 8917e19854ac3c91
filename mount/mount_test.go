package mount

import (
	"context"
	"errors"
	"os"
	"os/exec"
	"path/filepath"
	"slices"
	"testing"

	"github.com/stretchr/testify/require"
	tarmount "github.com/wolfeidau/annex-tarmount"
	"github.com/wolfeidau/annex-tarmount/process"
)

// scriptedRunner replies to each call with the next scripted result.
type scriptedRunner struct {
	calls   [][]string
	replies []reply
}

type reply struct {
	stderr string
	code   int
}

func (r *scriptedRunner) Run(_ context.Context, name string, args ...string) (process.Result, error) {
	r.calls = append(r.calls, append([]string{name}, args...))
	if len(r.replies) == 0 {
		return process.Result{}, nil
	}
	next := r.replies[0]
	r.replies = r.replies[1:]
	res := process.Result{Stderr: []byte(next.stderr), ExitCode: next.code}
	if next.code != 0 {
		return res, &process.ExitError{Name: name, Args: args, Result: res}
	}
	return res, nil
}

func noReady(string) error { return nil }

func newBucket(t *testing.T) tarmount.Bucket {
	t.Helper()
	return tarmount.NewBucket(t.TempDir(), "a")
}

func TestMount_Arguments(t *testing.T) {
	b := newBucket(t)
	r := &scriptedRunner{}
	m := NewManager(r, WithReadyCheck(noReady))

	require.NoError(t, m.Mount(context.Background(), b, false))
	require.Equal(t, [][]string{{"ratarmount", b.Archive, b.MountPoint}}, r.calls)
	require.True(t, m.IsMounted(b))
}

func TestMount_RebuildIndex(t *testing.T) {
	b := newBucket(t)
	r := &scriptedRunner{}
	m := NewManager(r,
		WithMountBinary("/opt/bin/ratarmount"),
		WithMountArgs("--index-folders", "/var/cache/idx"),
		WithReadyCheck(noReady),
	)

	require.NoError(t, m.Mount(context.Background(), b, true))
	require.Equal(t, [][]string{{
		"/opt/bin/ratarmount", "--index-folders", "/var/cache/idx", RecreateIndexFlag, b.Archive, b.MountPoint,
	}}, r.calls)
}

func TestMount_ToolFailureRemovesMountPoint(t *testing.T) {
	b := newBucket(t)
	r := &scriptedRunner{replies: []reply{{stderr: "fuse: device not found", code: 1}}}
	m := NewManager(r, WithReadyCheck(noReady))

	err := m.Mount(context.Background(), b, false)
	require.ErrorIs(t, err, ErrMount)

	var exitErr *process.ExitError
	require.True(t, errors.As(err, &exitErr))
	require.False(t, m.IsMounted(b))
}

func TestMount_ReadyCheckFailure(t *testing.T) {
	b := newBucket(t)
	r := &scriptedRunner{}
	m := NewManager(r,
		WithUnmountBinary(DefaultUnmountBinary),
		WithReadyCheck(func(string) error { return errors.New("never ready") }),
	)

	err := m.Mount(context.Background(), b, false)
	require.ErrorIs(t, err, ErrMount)
	require.Len(t, r.calls, 2)
	require.Equal(t, []string{"fusermount", "-u", "-z", b.MountPoint}, r.calls[1])
	require.False(t, m.IsMounted(b))
}

func TestUnmount_RemovesMountPoint(t *testing.T) {
	b := newBucket(t)
	require.NoError(t, os.Mkdir(b.MountPoint, 0o755))
	r := &scriptedRunner{}
	m := NewManager(r, WithUnmountBinary("fusermount3"))

	require.NoError(t, m.Unmount(context.Background(), b))
	require.Equal(t, [][]string{{"fusermount3", "-u", b.MountPoint}}, r.calls)
	require.False(t, m.IsMounted(b))
}

func TestUnmount_BusyFallsBackToLazy(t *testing.T) {
	b := newBucket(t)
	require.NoError(t, os.Mkdir(b.MountPoint, 0o755))
	r := &scriptedRunner{replies: []reply{
		{stderr: "fusermount: failed to unmount " + b.MountPoint + ": Device or resource busy", code: 1},
		{},
	}}
	m := NewManager(r, WithUnmountBinary(DefaultUnmountBinary))

	require.NoError(t, m.Unmount(context.Background(), b))
	require.Equal(t, [][]string{
		{"fusermount", "-u", b.MountPoint},
		{"fusermount", "-u", "-z", b.MountPoint},
	}, r.calls)
	require.False(t, m.IsMounted(b))
}

func TestUnmount_LazyFailure(t *testing.T) {
	b := newBucket(t)
	require.NoError(t, os.Mkdir(b.MountPoint, 0o755))
	r := &scriptedRunner{replies: []reply{
		{stderr: "Device or resource busy", code: 1},
		{stderr: "permission denied", code: 1},
	}}
	m := NewManager(r, WithUnmountBinary(DefaultUnmountBinary))

	err := m.Unmount(context.Background(), b)
	require.ErrorIs(t, err, ErrMount)
	require.True(t, m.IsMounted(b))
}

func TestUnmount_NotMountedStillRemovesDir(t *testing.T) {
	b := newBucket(t)
	require.NoError(t, os.Mkdir(b.MountPoint, 0o755))
	r := &scriptedRunner{replies: []reply{
		{stderr: "fusermount: entry for " + b.MountPoint + " not found in /etc/mtab", code: 1},
	}}
	m := NewManager(r, WithUnmountBinary(DefaultUnmountBinary))

	require.NoError(t, m.Unmount(context.Background(), b))
	require.Len(t, r.calls, 1)
	require.False(t, m.IsMounted(b))
}

func TestUnmount_OtherFailure(t *testing.T) {
	b := newBucket(t)
	require.NoError(t, os.Mkdir(b.MountPoint, 0o755))
	r := &scriptedRunner{replies: []reply{{stderr: "fusermount: permission denied", code: 1}}}
	m := NewManager(r, WithUnmountBinary(DefaultUnmountBinary))

	err := m.Unmount(context.Background(), b)
	require.ErrorIs(t, err, ErrMount)
	require.True(t, m.IsMounted(b))
}

func TestUnmount_NonEmptyMountPoint(t *testing.T) {
	b := newBucket(t)
	require.NoError(t, os.Mkdir(b.MountPoint, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(b.MountPoint, "leftover"), []byte("x"), 0o644))
	m := NewManager(&scriptedRunner{})

	err := m.Unmount(context.Background(), b)
	require.ErrorIs(t, err, ErrMount)
}

func TestIsMounted(t *testing.T) {
	b := newBucket(t)
	m := NewManager(&scriptedRunner{})
	require.False(t, m.IsMounted(b))

	require.NoError(t, os.WriteFile(b.MountPoint, nil, 0o644))
	require.False(t, m.IsMounted(b))

	require.NoError(t, os.Remove(b.MountPoint))
	require.NoError(t, os.Mkdir(b.MountPoint, 0o755))
	require.True(t, m.IsMounted(b))
}

func TestResolveUnmountBinary(t *testing.T) {
	tests := []struct {
		name      string
		installed []string
		want      string
	}{
		{"fuse2", []string{"fusermount"}, "fusermount"},
		{"both prefer fuse2", []string{"fusermount", "fusermount3"}, "fusermount"},
		{"fuse3 only", []string{"fusermount3"}, "fusermount3"},
		{"neither", nil, "fusermount"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			lookPath := func(name string) (string, error) {
				if slices.Contains(tt.installed, name) {
					return "/usr/bin/" + name, nil
				}
				return "", exec.ErrNotFound
			}
			require.Equal(t, tt.want, resolveUnmountBinary(lookPath))
		})
	}
}
