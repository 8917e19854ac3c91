//go:build linux

package mount

import (
	"fmt"
	"time"

	"golang.org/x/sys/unix"
)

// waitForFUSE polls until path is backed by a FUSE filesystem. The mount
// tool may return before the kernel has registered the mount.
func waitForFUSE(path string) error {
	const maxAttempts = 100 // 100 * 20ms = 2 seconds max wait
	const sleepInterval = 20 * time.Millisecond

	for i := 0; i < maxAttempts; i++ {
		var stat unix.Statfs_t
		if err := unix.Statfs(path, &stat); err == nil {
			if stat.Type == unix.FUSE_SUPER_MAGIC {
				return nil
			}
		}
		time.Sleep(sleepInterval)
	}
	return fmt.Errorf("timeout waiting for FUSE mount at %s (waited %v)", path, maxAttempts*sleepInterval)
}
