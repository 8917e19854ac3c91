package remote

import (
	"errors"

	"github.com/wolfeidau/annex-tarmount/archive"
	"github.com/wolfeidau/annex-tarmount/localfs"
	"github.com/wolfeidau/annex-tarmount/mount"
)

var (
	// ErrConfiguration is returned when the remote configuration is invalid
	// or the root directory is unusable.
	ErrConfiguration = errors.New("invalid configuration")

	// ErrKeyNotFound is returned by Retrieve for a key that is not stored.
	ErrKeyNotFound = errors.New("key not found")

	// ErrStorageConsistency is returned when a store reported success but the
	// key is not visible afterwards.
	ErrStorageConsistency = errors.New("stored key is not present")

	// ErrRemovalConsistency is returned when a remove reported success but
	// the key is still visible afterwards.
	ErrRemovalConsistency = errors.New("removed key is still present")
)

// Errors from the underlying components, re-exported so callers only need
// this package.
var (
	ErrFilesystem   = localfs.ErrFilesystem
	ErrMount        = mount.ErrMount
	ErrArchiveWrite = archive.ErrWrite
)
