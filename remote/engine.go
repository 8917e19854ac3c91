// Package remote implements the storage engine behind the special remote.
//
// Keys are sharded into buckets by address. Each bucket is one append-only
// tar archive, queried through a read-only mount of that archive. Every
// mutation runs unmount, mutate, remount with a rebuilt index, and is then
// re-verified through the same presence check readers use.
package remote

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"slices"
	"sync"
	"time"

	tarmount "github.com/wolfeidau/annex-tarmount"
	"github.com/wolfeidau/annex-tarmount/archive"
	"github.com/wolfeidau/annex-tarmount/diag"
	"github.com/wolfeidau/annex-tarmount/localfs"
	"github.com/wolfeidau/annex-tarmount/process"
	"github.com/wolfeidau/annex-tarmount/telemetry"
)

// Availability is the only availability the remote declares.
const Availability = "local"

// Archiver mutates bucket archives.
type Archiver interface {
	Append(ctx context.Context, b tarmount.Bucket, key, src string) (archive.Entry, error)
	DeleteEntry(ctx context.Context, b tarmount.Bucket, key string) error
}

// Mounter manages the mounted view of bucket archives.
type Mounter interface {
	Mount(ctx context.Context, b tarmount.Bucket, rebuildIndex bool) error
	Unmount(ctx context.Context, b tarmount.Bucket) error
	IsMounted(b tarmount.Bucket) bool
}

// Engine serves store, retrieve, checkpresent and remove for one root
// directory. It is safe for concurrent use; operations on the same bucket
// are serialized.
type Engine struct {
	cfg       Config
	fs        localfs.FS
	archives  Archiver
	mounts    Mounter
	sink      diag.Sink
	sessionID string
	logger    *slog.Logger

	mu      sync.Mutex
	locks   map[string]*sync.Mutex
	mounted map[string]tarmount.Bucket
	// stale holds addresses whose archive may differ from its cached index.
	stale map[string]bool
}

func newEngine(cfg Config, o *options) *Engine {
	return &Engine{
		cfg:       cfg,
		fs:        o.fs,
		archives:  o.archiver,
		mounts:    o.mounter,
		sink:      o.sink,
		sessionID: o.sessionID,
		logger:    o.logger,
		locks:     make(map[string]*sync.Mutex),
		mounted:   make(map[string]tarmount.Bucket),
		stale:     make(map[string]bool),
	}
}

// Config returns the session configuration.
func (e *Engine) Config() Config {
	return e.cfg
}

// SessionID returns the id attached to diagnostic records.
func (e *Engine) SessionID() string {
	return e.sessionID
}

// Availability returns the availability the remote declares.
func (e *Engine) Availability() string {
	return Availability
}

// Bucket returns the bucket key belongs to.
func (e *Engine) Bucket(key string) (tarmount.Bucket, error) {
	addr, err := tarmount.Address(key, e.cfg.AddressLength)
	if err != nil {
		return tarmount.Bucket{}, err
	}
	return tarmount.NewBucket(e.cfg.Directory, addr), nil
}

// Store adds the content of src under key. Storing a key that is already
// present does nothing; content is never overwritten.
func (e *Engine) Store(ctx context.Context, key, src string) (err error) {
	ctx, b, outcome, done, err := e.begin(ctx, telemetry.OpStore, key)
	if err != nil {
		done(err)
		return err
	}
	defer func() { done(err) }()

	unlock := e.lock(b.Address)
	defer unlock()

	present, err := e.checkPresent(ctx, b, key)
	if err != nil {
		return err
	}
	if present {
		*outcome = telemetry.OutcomeNoop
		return nil
	}

	err = e.mutate(ctx, b, key, func() error {
		_, err := e.archives.Append(ctx, b, key, src)
		return err
	})
	if err != nil {
		return err
	}

	present, err = e.checkPresent(ctx, b, key)
	if err != nil {
		return err
	}
	if !present {
		telemetry.RecordConsistencyFailure(ctx, telemetry.OpStore)
		return e.discardView(ctx, b, key,
			fmt.Errorf("%w: %s after appending to %s", ErrStorageConsistency, key, b.Archive))
	}
	return nil
}

// Retrieve copies the content stored under key to dst. dst is replaced
// atomically and is not touched when key is absent.
func (e *Engine) Retrieve(ctx context.Context, key, dst string) (err error) {
	ctx, b, _, done, err := e.begin(ctx, telemetry.OpRetrieve, key)
	if err != nil {
		done(err)
		return err
	}
	defer func() { done(err) }()

	unlock := e.lock(b.Address)
	defer unlock()

	present, err := e.checkPresent(ctx, b, key)
	if err != nil {
		return err
	}
	if !present {
		return fmt.Errorf("%w: %s", ErrKeyNotFound, key)
	}

	res, err := e.fs.CopyFile(ctx, b.EntryPath(key), dst)
	if err != nil {
		return err
	}
	telemetry.RecordArchiveBytes(ctx, "retrieve", res.Size)
	e.logger.DebugContext(ctx, "retrieved key",
		"key", key,
		"size", res.Size,
		"digest", res.Digest.ShortString(),
	)
	return nil
}

// CheckPresent reports whether key is stored. A missing archive means the
// key is absent. The bucket may be mounted as a side effect.
func (e *Engine) CheckPresent(ctx context.Context, key string) (present bool, err error) {
	ctx, b, _, done, err := e.begin(ctx, telemetry.OpCheckPresent, key)
	if err != nil {
		done(err)
		return false, err
	}
	defer func() { done(err) }()

	unlock := e.lock(b.Address)
	defer unlock()

	return e.checkPresent(ctx, b, key)
}

// Remove deletes key. Removing an absent key does nothing.
func (e *Engine) Remove(ctx context.Context, key string) (err error) {
	ctx, b, outcome, done, err := e.begin(ctx, telemetry.OpRemove, key)
	if err != nil {
		done(err)
		return err
	}
	defer func() { done(err) }()

	unlock := e.lock(b.Address)
	defer unlock()

	present, err := e.checkPresent(ctx, b, key)
	if err != nil {
		return err
	}
	if !present {
		*outcome = telemetry.OutcomeNoop
		return nil
	}

	err = e.mutate(ctx, b, key, func() error {
		return e.archives.DeleteEntry(ctx, b, key)
	})
	if err != nil {
		return err
	}

	present, err = e.checkPresent(ctx, b, key)
	if err != nil {
		return err
	}
	if present {
		telemetry.RecordConsistencyFailure(ctx, telemetry.OpRemove)
		return e.discardView(ctx, b, key,
			fmt.Errorf("%w: %s after deleting from %s", ErrRemovalConsistency, key, b.Archive))
	}
	return nil
}

// Close unmounts every bucket mounted during this session.
func (e *Engine) Close(ctx context.Context) error {
	e.mu.Lock()
	addrs := make([]string, 0, len(e.mounted))
	for addr := range e.mounted {
		addrs = append(addrs, addr)
	}
	e.mu.Unlock()
	slices.Sort(addrs)

	var errs []error
	for _, addr := range addrs {
		b := tarmount.NewBucket(e.cfg.Directory, addr)
		unlock := e.lock(addr)
		if e.mounts.IsMounted(b) {
			if err := e.unmount(ctx, b, ""); err != nil {
				errs = append(errs, err)
			}
		} else {
			e.forget(addr)
		}
		unlock()
	}
	return errors.Join(errs...)
}

// begin resolves the bucket for key and returns a function that records
// the outcome of the operation. outcome may be changed to mark a no-op.
func (e *Engine) begin(ctx context.Context, op, key string) (context.Context, tarmount.Bucket, *string, func(error), error) {
	start := time.Now()
	ctx = telemetry.WithOperation(ctx, op)
	outcome := telemetry.OutcomeSuccess

	b, err := e.Bucket(key)
	if err == nil {
		ctx = telemetry.WithAddress(ctx, b.Address)
	}

	done := func(err error) {
		duration := time.Since(start)
		if err != nil {
			outcome = telemetry.OutcomeError
			e.logger.WarnContext(ctx, "operation failed",
				"op", op,
				"key", key,
				"address", b.Address,
				"duration", duration,
				"error", err,
			)
		} else {
			e.logger.DebugContext(ctx, "operation complete",
				"op", op,
				"key", key,
				"address", b.Address,
				"outcome", outcome,
				"duration", duration,
			)
		}
		telemetry.RecordOperation(ctx, op, outcome, duration)
	}
	return ctx, b, &outcome, done, err
}

// checkPresent reports whether key is visible in the bucket's mounted view,
// mounting the bucket if needed. The caller holds the bucket lock.
func (e *Engine) checkPresent(ctx context.Context, b tarmount.Bucket, key string) (bool, error) {
	exists, err := e.fs.IsFile(b.Archive)
	if err != nil {
		return false, err
	}
	if !exists {
		return false, nil
	}
	if err := e.ensureMounted(ctx, b, key); err != nil {
		return false, err
	}
	return e.fs.IsFile(b.EntryPath(key))
}

// mutate runs change with the bucket unmounted, then mounts it again. The
// index is rebuilt whenever a view or index of the old archive may exist.
// If change fails the bucket is left unmounted.
func (e *Engine) mutate(ctx context.Context, b tarmount.Bucket, key string, change func() error) error {
	existed, err := e.fs.IsFile(b.Archive)
	if err != nil {
		return err
	}

	wasMounted := e.mounts.IsMounted(b)
	if wasMounted {
		if err := e.unmount(ctx, b, key); err != nil {
			return err
		}
	}

	if err := change(); err != nil {
		e.recordFailure(ctx, b, key, err)
		return err
	}
	e.markStale(b.Address)

	return e.mount(ctx, b, key, wasMounted || existed)
}

// discardView unmounts a view that failed its post-mutation check so no
// later operation reads it, and forces the next mount to rebuild the index.
func (e *Engine) discardView(ctx context.Context, b tarmount.Bucket, key string, cause error) error {
	e.markStale(b.Address)
	if err := e.unmount(ctx, b, key); err != nil {
		return errors.Join(cause, err)
	}
	return cause
}

func (e *Engine) ensureMounted(ctx context.Context, b tarmount.Bucket, key string) error {
	if e.mounts.IsMounted(b) {
		return nil
	}
	return e.mount(ctx, b, key, e.isStale(b.Address))
}

func (e *Engine) mount(ctx context.Context, b tarmount.Bucket, key string, rebuildIndex bool) error {
	if err := e.mounts.Mount(ctx, b, rebuildIndex); err != nil {
		e.recordFailure(ctx, b, key, err)
		return err
	}
	e.mu.Lock()
	e.mounted[b.Address] = b
	delete(e.stale, b.Address)
	e.mu.Unlock()
	return nil
}

func (e *Engine) unmount(ctx context.Context, b tarmount.Bucket, key string) error {
	if err := e.mounts.Unmount(ctx, b); err != nil {
		e.recordFailure(ctx, b, key, err)
		return err
	}
	e.forget(b.Address)
	return nil
}

func (e *Engine) markStale(addr string) {
	e.mu.Lock()
	e.stale[addr] = true
	e.mu.Unlock()
}

func (e *Engine) isStale(addr string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.stale[addr]
}

func (e *Engine) forget(addr string) {
	e.mu.Lock()
	delete(e.mounted, addr)
	e.mu.Unlock()
}

// recordFailure keeps the captured output of a failed tool invocation.
func (e *Engine) recordFailure(ctx context.Context, b tarmount.Bucket, key string, err error) {
	rec, ok := diag.FromError(telemetry.OperationFromContext(ctx), b.Address, key, err)
	if !ok {
		return
	}
	rec.Time = time.Now()
	rec.SessionID = e.sessionID

	tool := "unknown"
	var exitErr *process.ExitError
	if errors.As(err, &exitErr) {
		tool = filepath.Base(exitErr.Name)
	}
	telemetry.RecordDiagnostic(ctx, tool)

	if sinkErr := e.sink.Append(ctx, rec); sinkErr != nil {
		e.logger.WarnContext(ctx, "failed to record diagnostics",
			"address", b.Address,
			"error", sinkErr,
		)
	}
}

func (e *Engine) lock(addr string) func() {
	e.mu.Lock()
	l, ok := e.locks[addr]
	if !ok {
		l = &sync.Mutex{}
		e.locks[addr] = l
	}
	e.mu.Unlock()

	l.Lock()
	return l.Unlock
}
