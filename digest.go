package tarmount

import (
	"encoding/hex"
	"fmt"
	"io"
	"strings"

	"github.com/zeebo/blake3"
)

// DigestSize is the size of a BLAKE3 digest in bytes (256 bits).
const DigestSize = 32

const digestPrefix = "blake3:"

// Digest is the BLAKE3 digest of an archive entry's content. It is recorded
// when content enters or leaves an archive so both ends of a transfer can be
// compared in logs and diagnostics.
type Digest [DigestSize]byte

// String returns the canonical form "blake3:<hex>".
func (d Digest) String() string {
	return digestPrefix + d.Hex()
}

// Hex returns the plain hex digest.
func (d Digest) Hex() string {
	return hex.EncodeToString(d[:])
}

// ShortString returns a shortened hex representation for display.
func (d Digest) ShortString() string {
	return hex.EncodeToString(d[:8])
}

// MarshalText implements encoding.TextMarshaler.
func (d Digest) MarshalText() ([]byte, error) {
	return []byte(d.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
// The "blake3:" prefix is optional.
func (d *Digest) UnmarshalText(text []byte) error {
	s := strings.TrimPrefix(strings.ToLower(string(text)), digestPrefix)
	if len(s) != DigestSize*2 {
		return fmt.Errorf("invalid digest length: expected %d hex chars, got %d", DigestSize*2, len(s))
	}
	_, err := hex.Decode(d[:], []byte(s))
	return err
}

// ParseDigest parses a digest in either "blake3:<hex>" or plain hex form.
func ParseDigest(s string) (Digest, error) {
	var d Digest
	if err := d.UnmarshalText([]byte(s)); err != nil {
		return Digest{}, err
	}
	return d, nil
}

// DigestBytes computes the digest of data.
func DigestBytes(data []byte) Digest {
	return Digest(blake3.Sum256(data))
}

// HashingReader wraps a reader and computes the digest as data is read.
type HashingReader struct {
	r io.Reader
	h *blake3.Hasher
	n int64
}

// NewHashingReader creates a reader that computes a digest as data is read.
func NewHashingReader(r io.Reader) *HashingReader {
	return &HashingReader{
		r: r,
		h: blake3.New(),
	}
}

// Read implements io.Reader.
func (hr *HashingReader) Read(p []byte) (int, error) {
	n, err := hr.r.Read(p)
	if n > 0 {
		hr.h.Write(p[:n])
		hr.n += int64(n)
	}
	return n, err
}

// Sum returns the digest of all data read so far.
func (hr *HashingReader) Sum() Digest {
	var d Digest
	hr.h.Sum(d[:0])
	return d
}

// BytesRead returns the total number of bytes read.
func (hr *HashingReader) BytesRead() int64 {
	return hr.n
}
