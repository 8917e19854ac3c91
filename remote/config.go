package remote

import (
	"fmt"
	"path/filepath"

	tarmount "github.com/wolfeidau/annex-tarmount"
)

// DefaultAddressLength is used when no address length is configured.
const DefaultAddressLength = tarmount.MinAddressLength

// Config is the remote's root configuration. It is fixed for a session.
type Config struct {
	// Directory holds every archive and mount point.
	Directory string

	// AddressLength is the number of checksum characters used to pick a
	// bucket.
	AddressLength int
}

// Validate checks the configuration without touching the filesystem.
func (c Config) Validate() error {
	if c.Directory == "" {
		return fmt.Errorf("%w: directory must be set", ErrConfiguration)
	}
	if !tarmount.ValidAddressLength(c.AddressLength) {
		return fmt.Errorf("%w: address_length must be between %d and %d, got %d",
			ErrConfiguration, tarmount.MinAddressLength, tarmount.MaxAddressLength, c.AddressLength)
	}
	return nil
}

// absolute returns c with Directory made absolute and cleaned.
func (c Config) absolute() (Config, error) {
	dir, err := filepath.Abs(c.Directory)
	if err != nil {
		return Config{}, fmt.Errorf("%w: resolving directory %q: %w", ErrConfiguration, c.Directory, err)
	}
	c.Directory = dir
	return c, nil
}
