// Package archive manages the append-only tar archive behind each bucket.
//
// Entries are appended in-process by rewriting the end-of-archive trailer.
// Deleting an entry requires compacting the archive and is delegated to an
// external tar implementation.
package archive

import (
	"archive/tar"
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"

	tarmount "github.com/wolfeidau/annex-tarmount"
	"github.com/wolfeidau/annex-tarmount/process"
	"github.com/wolfeidau/annex-tarmount/telemetry"
)

// ErrWrite is returned when an archive could not be appended to or an entry
// could not be deleted.
var ErrWrite = errors.New("archive write failed")

// DefaultTarBinary is the tar implementation used for deletes.
const DefaultTarBinary = "tar"

const (
	blockSize = 512
	// trailerSize is the two zero blocks that terminate an archive.
	trailerSize = 2 * blockSize
	entryMode   = 0o644
)

// Entry describes an entry written by Append.
type Entry struct {
	Name   string
	Size   int64
	Digest tarmount.Digest
}

// Store appends to and deletes from bucket archives.
type Store struct {
	runner process.Runner
	tarBin string
	logger *slog.Logger
}

// Option configures a Store.
type Option func(*Store)

// WithTarBinary sets the tar binary used for deletes.
func WithTarBinary(path string) Option {
	return func(s *Store) {
		if path != "" {
			s.tarBin = path
		}
	}
}

// WithLogger sets the logger for the store.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Store) {
		s.logger = logger
	}
}

// NewStore creates a Store that runs external tools through runner.
func NewStore(runner process.Runner, opts ...Option) *Store {
	s := &Store{
		runner: runner,
		tarBin: DefaultTarBinary,
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Append adds the content of src to the bucket archive under the entry name
// key. The archive is created if absent. On failure the archive is restored
// to a valid state holding only its previous entries.
func (s *Store) Append(ctx context.Context, b tarmount.Bucket, key, src string) (Entry, error) {
	in, err := os.Open(src)
	if err != nil {
		return Entry{}, fmt.Errorf("%w: opening source %s: %w", ErrWrite, src, err)
	}
	defer func() { _ = in.Close() }()

	srcInfo, err := in.Stat()
	if err != nil {
		return Entry{}, fmt.Errorf("%w: stat source %s: %w", ErrWrite, src, err)
	}
	if !srcInfo.Mode().IsRegular() {
		return Entry{}, fmt.Errorf("%w: source %s is not a regular file", ErrWrite, src)
	}

	_, statErr := os.Stat(b.Archive)
	created := errors.Is(statErr, fs.ErrNotExist)

	f, err := os.OpenFile(b.Archive, os.O_RDWR|os.O_CREATE, 0o644)
	if err != nil {
		return Entry{}, fmt.Errorf("%w: opening archive %s: %w", ErrWrite, b.Archive, err)
	}
	defer func() { _ = f.Close() }()

	end, err := endOfArchive(f)
	if err != nil {
		if created {
			_ = os.Remove(b.Archive)
		}
		return Entry{}, fmt.Errorf("%w: %s: %w", ErrWrite, b.Archive, err)
	}

	entry, err := writeEntry(f, end, key, srcInfo, in)
	if err != nil {
		if rbErr := rollback(f, b.Archive, end, created); rbErr != nil {
			s.logger.ErrorContext(ctx, "archive rollback failed",
				"archive", b.Archive,
				"error", rbErr,
			)
		}
		return Entry{}, fmt.Errorf("%w: appending %s to %s: %w", ErrWrite, key, b.Archive, err)
	}

	telemetry.RecordArchiveBytes(ctx, "append", entry.Size)
	s.logger.DebugContext(ctx, "appended archive entry",
		"archive", b.Archive,
		"key", key,
		"size", entry.Size,
		"digest", entry.Digest.ShortString(),
	)
	return entry, nil
}

// writeEntry writes one entry at offset end followed by a fresh trailer,
// then cuts off whatever followed the old trailer.
func writeEntry(f *os.File, end int64, key string, info fs.FileInfo, r io.Reader) (Entry, error) {
	if _, err := f.Seek(end, io.SeekStart); err != nil {
		return Entry{}, fmt.Errorf("seeking to end of archive: %w", err)
	}

	tw := tar.NewWriter(f)
	hdr := &tar.Header{
		Typeflag: tar.TypeReg,
		Name:     key,
		Mode:     entryMode,
		Size:     info.Size(),
		ModTime:  info.ModTime(),
	}
	if err := tw.WriteHeader(hdr); err != nil {
		return Entry{}, fmt.Errorf("writing header: %w", err)
	}

	hr := tarmount.NewHashingReader(r)
	if _, err := io.Copy(tw, hr); err != nil {
		return Entry{}, fmt.Errorf("writing content: %w", err)
	}
	// Close fails if the source shrank while it was being copied.
	if err := tw.Close(); err != nil {
		return Entry{}, fmt.Errorf("closing archive writer: %w", err)
	}

	pos, err := f.Seek(0, io.SeekCurrent)
	if err != nil {
		return Entry{}, fmt.Errorf("locating archive end: %w", err)
	}
	if err := f.Truncate(pos); err != nil {
		return Entry{}, fmt.Errorf("truncating archive: %w", err)
	}
	if err := f.Sync(); err != nil {
		return Entry{}, fmt.Errorf("syncing archive: %w", err)
	}

	return Entry{Name: key, Size: hr.BytesRead(), Digest: hr.Sum()}, nil
}

// rollback restores the archive after a failed append.
func rollback(f *os.File, path string, end int64, created bool) error {
	if created {
		_ = f.Close()
		return os.Remove(path)
	}
	if err := f.Truncate(end); err != nil {
		return err
	}
	if _, err := f.WriteAt(make([]byte, trailerSize), end); err != nil {
		return err
	}
	return f.Sync()
}

// DeleteEntry removes the entry named key from the bucket archive, compacting
// the archive in place.
func (s *Store) DeleteEntry(ctx context.Context, b tarmount.Bucket, key string) error {
	args := []string{"--delete", "--no-wildcards", "--file", b.Archive, "--", key}
	if _, err := s.runner.Run(ctx, s.tarBin, args...); err != nil {
		return fmt.Errorf("%w: deleting %s from %s: %w", ErrWrite, key, b.Archive, err)
	}
	s.logger.DebugContext(ctx, "deleted archive entry",
		"archive", b.Archive,
		"key", key,
	)
	return nil
}

// Entries lists the entry names of the bucket archive in archive order.
// A missing archive has no entries.
func (s *Store) Entries(_ context.Context, b tarmount.Bucket) ([]string, error) {
	f, err := os.Open(b.Archive)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, nil
		}
		return nil, fmt.Errorf("opening archive: %w", err)
	}
	defer func() { _ = f.Close() }()

	var names []string
	tr := tar.NewReader(f)
	for {
		hdr, err := tr.Next()
		if errors.Is(err, io.EOF) {
			return names, nil
		}
		if err != nil {
			return nil, fmt.Errorf("reading archive %s: %w", b.Archive, err)
		}
		if hdr.Typeflag == tar.TypeReg {
			names = append(names, hdr.Name)
		}
	}
}

// endOfArchive returns the offset at which the end-of-archive marker starts,
// which is where the next entry must be written. An empty file yields 0.
func endOfArchive(f *os.File) (int64, error) {
	if _, err := f.Seek(0, io.SeekStart); err != nil {
		return 0, err
	}

	cr := &countingReader{r: f}
	tr := tar.NewReader(cr)
	var end int64
	for {
		hdr, err := tr.Next()
		if errors.Is(err, io.EOF) {
			return end, nil
		}
		if err != nil {
			return 0, fmt.Errorf("reading archive: %w", err)
		}
		// Next has consumed exactly the header blocks, so the count is
		// where this entry's data begins.
		end = cr.n + blockAlign(hdr.Size)
	}
}

func blockAlign(n int64) int64 {
	return (n + blockSize - 1) / blockSize * blockSize
}

// countingReader wraps a reader and counts bytes read. It deliberately does
// not implement io.Seeker so tar.Reader reads through skipped data.
type countingReader struct {
	r io.Reader
	n int64
}

func (cr *countingReader) Read(p []byte) (int, error) {
	n, err := cr.r.Read(p)
	cr.n += int64(n)
	return n, err
}
