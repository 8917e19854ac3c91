package diag

import (
	"bytes"
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"go.etcd.io/bbolt"
)

// Records are nested by address: records -> address -> timestamp|seq -> envelope.
var bucketRecords = []byte("records")

// unaddressed holds records not tied to a bucket.
const unaddressed = "_"

// ErrNotOpen is returned when the sink is used before Open or after Close.
var ErrNotOpen = errors.New("diagnostics database not open")

// BoltSink persists records in a bbolt database.
type BoltSink struct {
	db     *bbolt.DB
	codec  *codec
	logger *slog.Logger
	now    func() time.Time
	noSync bool
}

// BoltOption configures a BoltSink.
type BoltOption func(*BoltSink)

// WithLogger sets the logger for the sink.
func WithLogger(logger *slog.Logger) BoltOption {
	return func(s *BoltSink) {
		s.logger = logger
	}
}

// WithNow sets the time function for testing.
func WithNow(now func() time.Time) BoltOption {
	return func(s *BoltSink) {
		s.now = now
	}
}

// WithNoSync disables fsync per transaction. Use only in tests.
func WithNoSync(noSync bool) BoltOption {
	return func(s *BoltSink) {
		s.noSync = noSync
	}
}

// NewBoltSink creates a BoltSink. Call Open before use.
func NewBoltSink(opts ...BoltOption) *BoltSink {
	s := &BoltSink{
		logger: slog.Default(),
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Open opens or creates the database at path.
func (s *BoltSink) Open(path string) error {
	db, err := bbolt.Open(path, 0o600, &bbolt.Options{
		Timeout: 1 * time.Second,
		NoSync:  s.noSync,
	})
	if err != nil {
		return fmt.Errorf("opening diagnostics database: %w", err)
	}

	if err := db.Update(func(tx *bbolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(bucketRecords)
		return err
	}); err != nil {
		_ = db.Close()
		return fmt.Errorf("creating bucket %s: %w", bucketRecords, err)
	}

	c, err := newCodec()
	if err != nil {
		_ = db.Close()
		return err
	}

	s.db = db
	s.codec = c
	s.logger.Debug("opened diagnostics database", "path", path)
	return nil
}

// Close closes the database.
func (s *BoltSink) Close() error {
	if s.codec != nil {
		s.codec.close()
		s.codec = nil
	}
	if s.db == nil {
		return nil
	}
	err := s.db.Close()
	s.db = nil
	return err
}

// Append implements Sink. A zero record time is set to the current time.
func (s *BoltSink) Append(_ context.Context, rec Record) error {
	if s.db == nil {
		return ErrNotOpen
	}
	if rec.Time.IsZero() {
		rec.Time = s.now()
	}
	rec.Time = rec.Time.UTC()
	name := rec.Address
	if name == "" {
		name = unaddressed
	}

	value, err := s.codec.encode(rec)
	if err != nil {
		return err
	}

	return s.db.Update(func(tx *bbolt.Tx) error {
		addr, err := tx.Bucket(bucketRecords).CreateBucketIfNotExists([]byte(name))
		if err != nil {
			return fmt.Errorf("creating address bucket %q: %w", name, err)
		}
		seq, err := addr.NextSequence()
		if err != nil {
			return err
		}
		return addr.Put(recordKey(rec.Time, seq), value)
	})
}

// List returns the records kept for address, oldest first.
func (s *BoltSink) List(_ context.Context, address string) ([]Record, error) {
	if s.db == nil {
		return nil, ErrNotOpen
	}
	var out []Record
	err := s.db.View(func(tx *bbolt.Tx) error {
		addr := tx.Bucket(bucketRecords).Bucket([]byte(address))
		if addr == nil {
			return nil
		}
		return addr.ForEach(func(_, v []byte) error {
			rec, err := s.codec.decode(v)
			if err != nil {
				return err
			}
			out = append(out, rec)
			return nil
		})
	})
	if err != nil {
		return nil, fmt.Errorf("listing records for %q: %w", address, err)
	}
	return out, nil
}

// Addresses returns the addresses that have records, in byte order.
func (s *BoltSink) Addresses(_ context.Context) ([]string, error) {
	if s.db == nil {
		return nil, ErrNotOpen
	}
	var out []string
	err := s.db.View(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucketRecords).ForEachBucket(func(k []byte) error {
			out = append(out, string(k))
			return nil
		})
	})
	return out, err
}

// Prune deletes records older than before and returns how many were removed.
// Address buckets left empty are dropped.
func (s *BoltSink) Prune(ctx context.Context, before time.Time) (int, error) {
	if s.db == nil {
		return 0, ErrNotOpen
	}
	cutoff := encodeTimestamp(before)
	removed := 0
	err := s.db.Update(func(tx *bbolt.Tx) error {
		root := tx.Bucket(bucketRecords)
		var empty [][]byte
		err := root.ForEachBucket(func(name []byte) error {
			addr := root.Bucket(name)
			var stale [][]byte
			c := addr.Cursor()
			for k, _ := c.First(); k != nil && bytes.Compare(k[:8], cutoff) < 0; k, _ = c.Next() {
				stale = append(stale, append([]byte(nil), k...))
			}
			for _, k := range stale {
				if err := addr.Delete(k); err != nil {
					return err
				}
			}
			removed += len(stale)
			if k, _ := addr.Cursor().First(); k == nil {
				empty = append(empty, append([]byte(nil), name...))
			}
			return nil
		})
		if err != nil {
			return err
		}
		for _, name := range empty {
			if err := root.DeleteBucket(name); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("pruning records: %w", err)
	}
	s.logger.DebugContext(ctx, "pruned diagnostic records", "removed", removed, "before", before)
	return removed, nil
}

// recordKey orders records by time, then by insertion within one instant.
func recordKey(t time.Time, seq uint64) []byte {
	key := make([]byte, 16)
	copy(key, encodeTimestamp(t))
	binary.BigEndian.PutUint64(key[8:], seq)
	return key
}

// encodeTimestamp converts t to a fixed-width big-endian value that sorts
// lexicographically in time order, including pre-1970 times.
func encodeTimestamp(t time.Time) []byte {
	buf := make([]byte, 8)
	ns := t.UnixNano()
	binary.BigEndian.PutUint64(buf, uint64(ns-(-1<<63))) //nolint:gosec // intentional signed->unsigned shift
	return buf
}

// Compile-time interface check
var _ Sink = (*BoltSink)(nil)
