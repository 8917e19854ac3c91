// Package tarmount shards git-annex keys into a small set of tar archives
// that are queried through read-only FUSE mounts.
package tarmount

import (
	"errors"
	"fmt"
	"path/filepath"
	"strings"
)

// KeySeparator separates the fields of a key. The checksum (plus any
// extension) is always the last field.
const KeySeparator = "-"

const (
	// MinAddressLength is the shortest supported address.
	MinAddressLength = 1

	// MaxAddressLength is the longest supported address.
	MaxAddressLength = 2

	// ArchiveExt is appended to an address to name its archive file.
	ArchiveExt = ".tar"
)

var (
	// ErrInvalidAddressLength is returned for address lengths outside
	// [MinAddressLength, MaxAddressLength].
	ErrInvalidAddressLength = errors.New("invalid address length")

	// ErrMalformedKey is returned when a key has no usable checksum field.
	ErrMalformedKey = errors.New("malformed key")
)

// ValidAddressLength reports whether n is a supported address length.
func ValidAddressLength(n int) bool {
	return n >= MinAddressLength && n <= MaxAddressLength
}

// ChecksumField returns the last separator-delimited field of key.
// A key without any separator is returned unchanged.
func ChecksumField(key string) string {
	if i := strings.LastIndex(key, KeySeparator); i >= 0 {
		return key[i+len(KeySeparator):]
	}
	return key
}

// Address maps key to its bucket address: the first length characters of
// the checksum field, case preserved. A checksum field shorter than length
// is returned whole, without padding.
//
// The result is a pure function of its arguments.
func Address(key string, length int) (string, error) {
	if !ValidAddressLength(length) {
		return "", fmt.Errorf("%w: %d (must be %d or %d)", ErrInvalidAddressLength, length, MinAddressLength, MaxAddressLength)
	}
	if err := ValidateKey(key); err != nil {
		return "", err
	}

	addr := ChecksumField(key)
	if runes := []rune(addr); len(runes) > length {
		addr = string(runes[:length])
	}

	// The address becomes a path component under the root directory.
	if addr == "." || addr == ".." {
		return "", fmt.Errorf("%w: key %q maps to reserved address %q", ErrMalformedKey, key, addr)
	}
	return addr, nil
}

// ValidateKey checks that key can be used as an archive entry name and has a
// non-empty checksum field.
func ValidateKey(key string) error {
	if key == "" {
		return fmt.Errorf("%w: empty key", ErrMalformedKey)
	}
	if strings.ContainsAny(key, "/\x00\n\r") {
		return fmt.Errorf("%w: key %q contains a path separator or control character", ErrMalformedKey, key)
	}
	if ChecksumField(key) == "" {
		return fmt.Errorf("%w: key %q has an empty checksum field", ErrMalformedKey, key)
	}
	return nil
}

// Bucket is the archive file and mount point that hold every key sharing
// one address.
type Bucket struct {
	Address    string
	Archive    string
	MountPoint string
}

// NewBucket derives the bucket for address under root.
func NewBucket(root, address string) Bucket {
	return Bucket{
		Address:    address,
		Archive:    filepath.Join(root, address+ArchiveExt),
		MountPoint: filepath.Join(root, address),
	}
}

// EntryPath returns the path of key inside the bucket's mounted view.
func (b Bucket) EntryPath(key string) string {
	return filepath.Join(b.MountPoint, key)
}

// String returns the bucket address.
func (b Bucket) String() string {
	return b.Address
}
