//go:build !linux

package mount

// waitForFUSE is a no-op where the FUSE filesystem type cannot be queried.
func waitForFUSE(string) error {
	return nil
}
