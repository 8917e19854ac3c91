package remote

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"
	tarmount "github.com/wolfeidau/annex-tarmount"
	"github.com/wolfeidau/annex-tarmount/archive"
	"github.com/wolfeidau/annex-tarmount/diag"
	"github.com/wolfeidau/annex-tarmount/internal/faketools"
	"github.com/wolfeidau/annex-tarmount/mount"
)

type memorySink struct {
	mu   sync.Mutex
	recs []diag.Record
}

func (s *memorySink) Append(_ context.Context, rec diag.Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.recs = append(s.recs, rec)
	return nil
}

func (s *memorySink) records() []diag.Record {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]diag.Record(nil), s.recs...)
}

type harness struct {
	engine *Engine
	tools  *faketools.Tools
	sink   *memorySink
	root   string
}

func newHarness(t *testing.T, addressLength int) *harness {
	t.Helper()
	h := &harness{
		tools: faketools.New(),
		sink:  &memorySink{},
		root:  t.TempDir(),
	}
	h.engine = h.prepare(t, addressLength)
	t.Cleanup(func() { _ = h.engine.Close(context.Background()) })
	return h
}

func (h *harness) prepare(t *testing.T, addressLength int) *Engine {
	t.Helper()
	e, err := Prepare(context.Background(), Config{Directory: h.root, AddressLength: addressLength},
		WithRunner(h.tools),
		WithMountOptions(mount.WithReadyCheck(nil), mount.WithUnmountBinary(mount.DefaultUnmountBinary)),
		WithDiagnostics(h.sink),
		WithSessionID("test-session"),
	)
	require.NoError(t, err)
	return e
}

func (h *harness) bucket(t *testing.T, key string) tarmount.Bucket {
	t.Helper()
	b, err := h.engine.Bucket(key)
	require.NoError(t, err)
	return b
}

func (h *harness) entries(t *testing.T, b tarmount.Bucket) []string {
	t.Helper()
	names, err := archive.NewStore(h.tools).Entries(context.Background(), b)
	require.NoError(t, err)
	return names
}

func writeFile(t *testing.T, data string) string {
	t.Helper()
	p := filepath.Join(t.TempDir(), "content file")
	require.NoError(t, os.WriteFile(p, []byte(data), 0o600))
	return p
}

func TestStore_SharedBucketScenario(t *testing.T) {
	h := newHarness(t, 1)
	ctx := context.Background()

	first := "SHA256E-s10--abc123.bin"
	second := "SHA256E-s10--aabbcc.bin"

	require.NoError(t, h.engine.Store(ctx, first, writeFile(t, "0123456789")))

	b := h.bucket(t, first)
	require.Equal(t, "a", b.Address)
	require.Equal(t, filepath.Join(h.root, "a.tar"), b.Archive)
	require.Equal(t, []string{first}, h.entries(t, b))

	require.NoError(t, h.engine.Store(ctx, second, writeFile(t, "abcdefghij")))
	require.Equal(t, "a", h.bucket(t, second).Address)
	require.Equal(t, []string{first, second}, h.entries(t, b))

	for _, key := range []string{first, second} {
		present, err := h.engine.CheckPresent(ctx, key)
		require.NoError(t, err)
		require.True(t, present, key)
	}
}

func TestCheckPresent_NoArchive(t *testing.T) {
	h := newHarness(t, 1)

	present, err := h.engine.CheckPresent(context.Background(), "SHA256E-s10--abc123.bin")
	require.NoError(t, err)
	require.False(t, present)

	// No archive means nothing to mount
	require.Empty(t, h.tools.Calls())
	_, statErr := os.Stat(filepath.Join(h.root, "a.tar"))
	require.True(t, os.IsNotExist(statErr))
}

func TestCheckPresent_OtherKeyInBucket(t *testing.T) {
	h := newHarness(t, 1)
	ctx := context.Background()

	require.NoError(t, h.engine.Store(ctx, "SHA256E-s1--a1", writeFile(t, "x")))

	present, err := h.engine.CheckPresent(ctx, "SHA256E-s1--a2")
	require.NoError(t, err)
	require.False(t, present)
}

func TestStore_Idempotent(t *testing.T) {
	h := newHarness(t, 1)
	ctx := context.Background()
	key := "SHA256E-s5--e3b0c4.txt"
	src := writeFile(t, "hello")

	require.NoError(t, h.engine.Store(ctx, key, src))
	info, err := os.Stat(h.bucket(t, key).Archive)
	require.NoError(t, err)

	require.NoError(t, h.engine.Store(ctx, key, src))
	again, err := os.Stat(h.bucket(t, key).Archive)
	require.NoError(t, err)
	require.Equal(t, info.Size(), again.Size())
	require.Equal(t, []string{key}, h.entries(t, h.bucket(t, key)))

	present, err := h.engine.CheckPresent(ctx, key)
	require.NoError(t, err)
	require.True(t, present)
}

func TestStoreRetrieve_RoundTrip(t *testing.T) {
	for _, length := range []int{1, 2} {
		t.Run(fmt.Sprintf("address_length=%d", length), func(t *testing.T) {
			h := newHarness(t, length)
			ctx := context.Background()

			contents := map[string]string{
				"SHA256E-s11--9f86d081.txt": "hello world",
				"SHA256E-s3--9a0b.bin":      "abc",
				"MD5-s4--0cc175b9":          "\x00\x01\x02\x03",
				"WORM-s0-m1--e":             "",
			}
			for key, data := range contents {
				require.NoError(t, h.engine.Store(ctx, key, writeFile(t, data)))
			}

			dstDir := t.TempDir()
			for key, data := range contents {
				dst := filepath.Join(dstDir, "out "+key)
				require.NoError(t, h.engine.Retrieve(ctx, key, dst))
				got, err := os.ReadFile(dst)
				require.NoError(t, err)
				require.Equal(t, data, string(got), key)
			}
		})
	}
}

func TestStore_BucketsByAddressLength(t *testing.T) {
	h := newHarness(t, 2)
	ctx := context.Background()

	require.NoError(t, h.engine.Store(ctx, "SHA256E-s3--9f86d0.txt", writeFile(t, "abc")))
	require.NoError(t, h.engine.Store(ctx, "SHA256E-s3--9a0000.txt", writeFile(t, "def")))

	require.FileExists(t, filepath.Join(h.root, "9f.tar"))
	require.FileExists(t, filepath.Join(h.root, "9a.tar"))
}

func TestStore_RebuildsIndexAfterAppend(t *testing.T) {
	h := newHarness(t, 1)
	ctx := context.Background()

	require.NoError(t, h.engine.Store(ctx, "SHA256E-s1--a1", writeFile(t, "1")))
	require.NoError(t, h.engine.Store(ctx, "SHA256E-s1--a2", writeFile(t, "2")))

	mounts := h.tools.CallsTo(faketools.Ratarmount)
	require.Len(t, mounts, 2)
	require.NotContains(t, mounts[0], mount.RecreateIndexFlag)
	require.Contains(t, mounts[1], mount.RecreateIndexFlag)
}

func TestStore_NewSessionSeesExistingArchive(t *testing.T) {
	h := newHarness(t, 1)
	ctx := context.Background()

	require.NoError(t, h.engine.Store(ctx, "SHA256E-s1--a1", writeFile(t, "1")))
	require.NoError(t, h.engine.Close(ctx))

	next := h.prepare(t, 1)
	t.Cleanup(func() { _ = next.Close(context.Background()) })

	require.NoError(t, next.Store(ctx, "SHA256E-s1--a2", writeFile(t, "2")))
	for _, key := range []string{"SHA256E-s1--a1", "SHA256E-s1--a2"} {
		present, err := next.CheckPresent(ctx, key)
		require.NoError(t, err)
		require.True(t, present, key)
	}
}

func TestRemove_AbsentKey(t *testing.T) {
	h := newHarness(t, 1)
	ctx := context.Background()

	// No archive at all
	require.NoError(t, h.engine.Remove(ctx, "SHA256E-s1--a1"))

	// Archive exists but holds other keys
	require.NoError(t, h.engine.Store(ctx, "SHA256E-s1--a1", writeFile(t, "1")))
	require.NoError(t, h.engine.Remove(ctx, "SHA256E-s1--a2"))
	require.Empty(t, h.tools.CallsTo(faketools.Tar))
}

func TestRemove_WhileMounted(t *testing.T) {
	h := newHarness(t, 1)
	ctx := context.Background()
	key := "SHA256E-s10--abc123.bin"
	other := "SHA256E-s10--aabbcc.bin"

	require.NoError(t, h.engine.Store(ctx, key, writeFile(t, "0123456789")))
	require.NoError(t, h.engine.Store(ctx, other, writeFile(t, "abcdefghij")))

	b := h.bucket(t, key)
	require.True(t, h.tools.Mounted(b.MountPoint))

	require.NoError(t, h.engine.Remove(ctx, key))

	present, err := h.engine.CheckPresent(ctx, key)
	require.NoError(t, err)
	require.False(t, present)

	present, err = h.engine.CheckPresent(ctx, other)
	require.NoError(t, err)
	require.True(t, present)
	require.Equal(t, []string{other}, h.entries(t, b))

	// unmount, delete, remount with a rebuilt index
	calls := h.tools.Calls()
	tail := calls[len(calls)-3:]
	require.Equal(t, []string{"fusermount", "-u", b.MountPoint}, tail[0])
	require.Equal(t, []string{"tar", "--delete", "--no-wildcards", "--file", b.Archive, "--", key}, tail[1])
	require.Equal(t, []string{"ratarmount", mount.RecreateIndexFlag, b.Archive, b.MountPoint}, tail[2])

	// The archive is kept even when it still has entries
	require.FileExists(t, b.Archive)
}

func TestRemove_LastKeyKeepsArchive(t *testing.T) {
	h := newHarness(t, 1)
	ctx := context.Background()
	key := "SHA256E-s1--a1"

	require.NoError(t, h.engine.Store(ctx, key, writeFile(t, "1")))
	require.NoError(t, h.engine.Remove(ctx, key))

	b := h.bucket(t, key)
	require.FileExists(t, b.Archive)
	require.Empty(t, h.entries(t, b))

	// The key can be stored again
	require.NoError(t, h.engine.Store(ctx, key, writeFile(t, "again")))
	dst := filepath.Join(t.TempDir(), "dst")
	require.NoError(t, h.engine.Retrieve(ctx, key, dst))
	got, err := os.ReadFile(dst)
	require.NoError(t, err)
	require.Equal(t, "again", string(got))
}

func TestRemove_BusyMountDetachesLazily(t *testing.T) {
	h := newHarness(t, 1)
	ctx := context.Background()
	key := "SHA256E-s1--a1"

	require.NoError(t, h.engine.Store(ctx, key, writeFile(t, "1")))
	b := h.bucket(t, key)

	h.tools.Busy(1)
	require.NoError(t, h.engine.Remove(ctx, key))

	require.Contains(t, h.tools.CallsTo(faketools.Fusermount), []string{"fusermount", "-u", "-z", b.MountPoint})
	present, err := h.engine.CheckPresent(ctx, key)
	require.NoError(t, err)
	require.False(t, present)
}

func TestRetrieve_MissingKey(t *testing.T) {
	h := newHarness(t, 1)
	ctx := context.Background()
	dst := filepath.Join(t.TempDir(), "dst")

	err := h.engine.Retrieve(ctx, "SHA256E-s1--a1", dst)
	require.ErrorIs(t, err, ErrKeyNotFound)
	_, statErr := os.Stat(dst)
	require.True(t, os.IsNotExist(statErr))

	// An existing destination is left alone as well
	require.NoError(t, h.engine.Store(ctx, "SHA256E-s1--a2", writeFile(t, "2")))
	require.NoError(t, os.WriteFile(dst, []byte("untouched"), 0o644))

	err = h.engine.Retrieve(ctx, "SHA256E-s1--a1", dst)
	require.ErrorIs(t, err, ErrKeyNotFound)
	got, err := os.ReadFile(dst)
	require.NoError(t, err)
	require.Equal(t, "untouched", string(got))

	entries, err := os.ReadDir(filepath.Dir(dst))
	require.NoError(t, err)
	require.Len(t, entries, 1)
}

func TestRetrieve_DestinationDirMissing(t *testing.T) {
	h := newHarness(t, 1)
	ctx := context.Background()

	require.NoError(t, h.engine.Store(ctx, "SHA256E-s1--a1", writeFile(t, "1")))
	err := h.engine.Retrieve(ctx, "SHA256E-s1--a1", filepath.Join(t.TempDir(), "nodir", "dst"))
	require.ErrorIs(t, err, ErrFilesystem)
}

func TestStore_SilentMountToolIsInconsistent(t *testing.T) {
	h := newHarness(t, 1)
	h.tools.Silence(faketools.Ratarmount)

	err := h.engine.Store(context.Background(), "SHA256E-s1--a1", writeFile(t, "1"))
	require.ErrorIs(t, err, ErrStorageConsistency)
}

func TestRemove_SilentTarIsInconsistent(t *testing.T) {
	h := newHarness(t, 1)
	ctx := context.Background()
	key := "SHA256E-s1--a1"

	require.NoError(t, h.engine.Store(ctx, key, writeFile(t, "1")))
	h.tools.Silence(faketools.Tar)

	err := h.engine.Remove(ctx, key)
	require.ErrorIs(t, err, ErrRemovalConsistency)
}

func TestStore_InconsistentViewIsUnmounted(t *testing.T) {
	h := newHarness(t, 1)
	ctx := context.Background()
	key := "SHA256E-s1--a1"
	b := h.bucket(t, key)

	h.tools.Silence(faketools.Ratarmount)
	err := h.engine.Store(ctx, key, writeFile(t, "1"))
	require.ErrorIs(t, err, ErrStorageConsistency)
	require.False(t, h.engine.mounts.IsMounted(b))

	h.tools.Reset()
	present, err := h.engine.CheckPresent(ctx, key)
	require.NoError(t, err)
	require.True(t, present)

	// A retried store sees the appended entry and does not append it again.
	require.NoError(t, h.engine.Store(ctx, key, writeFile(t, "1")))
	require.Equal(t, []string{key}, h.entries(t, b))

	mounts := h.tools.CallsTo(faketools.Ratarmount)
	require.Contains(t, mounts[len(mounts)-1], mount.RecreateIndexFlag)
}

func TestRemove_InconsistentViewIsUnmounted(t *testing.T) {
	h := newHarness(t, 1)
	ctx := context.Background()
	key := "SHA256E-s1--a1"
	b := h.bucket(t, key)

	require.NoError(t, h.engine.Store(ctx, key, writeFile(t, "1")))
	h.tools.Silence(faketools.Tar)

	err := h.engine.Remove(ctx, key)
	require.ErrorIs(t, err, ErrRemovalConsistency)
	require.False(t, h.engine.mounts.IsMounted(b))
	require.False(t, h.tools.Mounted(b.MountPoint))

	h.tools.Reset()
	require.NoError(t, h.engine.Remove(ctx, key))
	require.Empty(t, h.entries(t, b))

	present, err := h.engine.CheckPresent(ctx, key)
	require.NoError(t, err)
	require.False(t, present)
}

func TestStore_InconsistentViewUnmountFailureIsJoined(t *testing.T) {
	h := newHarness(t, 1)
	h.tools.Silence(faketools.Ratarmount)
	h.tools.Fail(faketools.Fusermount, "fusermount: failed to unmount: Operation not permitted", -1)

	err := h.engine.Store(context.Background(), "SHA256E-s1--a1", writeFile(t, "1"))
	require.ErrorIs(t, err, ErrStorageConsistency)
	require.ErrorIs(t, err, ErrMount)
}

func TestStore_MountFailureIsRecorded(t *testing.T) {
	h := newHarness(t, 1)
	ctx := context.Background()
	key := "SHA256E-s1--a1"
	h.tools.Fail(faketools.Ratarmount, "fuse: device not found, try 'modprobe fuse' first", 1)

	err := h.engine.Store(ctx, key, writeFile(t, "1"))
	require.ErrorIs(t, err, ErrMount)
	require.Contains(t, err.Error(), "modprobe fuse")

	b := h.bucket(t, key)
	_, statErr := os.Stat(b.MountPoint)
	require.True(t, os.IsNotExist(statErr))

	recs := h.sink.records()
	require.Len(t, recs, 1)
	require.Equal(t, "store", recs[0].Op)
	require.Equal(t, "a", recs[0].Address)
	require.Equal(t, key, recs[0].Key)
	require.Equal(t, "test-session", recs[0].SessionID)
	require.Equal(t, 1, recs[0].ExitCode)
	require.Contains(t, recs[0].Stderr, "device not found")
	require.False(t, recs[0].Time.IsZero())

	// The entry was appended, so a later check mounts and finds it
	present, err := h.engine.CheckPresent(ctx, key)
	require.NoError(t, err)
	require.True(t, present)
}

func TestRemove_TarFailureLeavesBucketUnmounted(t *testing.T) {
	h := newHarness(t, 1)
	ctx := context.Background()
	key := "SHA256E-s1--a1"

	require.NoError(t, h.engine.Store(ctx, key, writeFile(t, "1")))
	h.tools.Fail(faketools.Tar, "tar: a.tar: Cannot open: Permission denied", 1)

	err := h.engine.Remove(ctx, key)
	require.ErrorIs(t, err, ErrArchiveWrite)

	b := h.bucket(t, key)
	require.False(t, h.tools.Mounted(b.MountPoint))
	_, statErr := os.Stat(b.MountPoint)
	require.True(t, os.IsNotExist(statErr))

	recs := h.sink.records()
	require.Len(t, recs, 1)
	require.Equal(t, "remove", recs[0].Op)
	require.Contains(t, recs[0].Command, "--delete")

	present, err := h.engine.CheckPresent(ctx, key)
	require.NoError(t, err)
	require.True(t, present)
}

func TestRemove_UnmountRejected(t *testing.T) {
	h := newHarness(t, 1)
	ctx := context.Background()
	key := "SHA256E-s1--a1"

	require.NoError(t, h.engine.Store(ctx, key, writeFile(t, "1")))
	h.tools.Fail(faketools.Fusermount, "fusermount: permission denied", 1)

	err := h.engine.Remove(ctx, key)
	require.ErrorIs(t, err, ErrMount)
	require.Empty(t, h.tools.CallsTo(faketools.Tar))
}

func TestMalformedKey(t *testing.T) {
	h := newHarness(t, 1)
	ctx := context.Background()

	require.ErrorIs(t, h.engine.Store(ctx, "", writeFile(t, "x")), tarmount.ErrMalformedKey)
	_, err := h.engine.CheckPresent(ctx, "SHA256E-s1--")
	require.ErrorIs(t, err, tarmount.ErrMalformedKey)
	require.ErrorIs(t, h.engine.Remove(ctx, "SHA256E-s1--a/b"), tarmount.ErrMalformedKey)
	require.Empty(t, h.tools.Calls())
}

func TestClose_UnmountsSessionMounts(t *testing.T) {
	h := newHarness(t, 1)
	ctx := context.Background()

	require.NoError(t, h.engine.Store(ctx, "SHA256E-s1--a1", writeFile(t, "1")))
	require.NoError(t, h.engine.Store(ctx, "SHA256E-s1--b1", writeFile(t, "2")))

	require.NoError(t, h.engine.Close(ctx))
	for _, addr := range []string{"a", "b"} {
		b := tarmount.NewBucket(h.root, addr)
		require.False(t, h.tools.Mounted(b.MountPoint))
		require.NoDirExists(t, b.MountPoint)
		require.FileExists(t, b.Archive)
	}

	// Nothing left to do on a second close
	require.NoError(t, h.engine.Close(ctx))
}

func TestConcurrentStores(t *testing.T) {
	h := newHarness(t, 1)
	ctx := context.Background()

	var keys []string
	for _, prefix := range []string{"a", "b", "c"} {
		for i := 0; i < 5; i++ {
			keys = append(keys, fmt.Sprintf("SHA256E-s1--%s%d", prefix, i))
		}
	}

	var wg sync.WaitGroup
	errs := make(chan error, len(keys))
	for _, key := range keys {
		key := key
		src := writeFile(t, key)
		wg.Add(1)
		go func() {
			defer wg.Done()
			errs <- h.engine.Store(ctx, key, src)
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		require.NoError(t, err)
	}

	for _, key := range keys {
		present, err := h.engine.CheckPresent(ctx, key)
		require.NoError(t, err)
		require.True(t, present, key)
	}
}

func TestAvailability(t *testing.T) {
	h := newHarness(t, 1)
	require.Equal(t, "local", h.engine.Availability())
	require.Equal(t, "test-session", h.engine.SessionID())
}
