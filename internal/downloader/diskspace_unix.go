//go:build !windows

package downloader

import (
	"fmt"
	"syscall"
)

// StatfsChecker reports free space with statfs(2).
type StatfsChecker struct{}

// Available returns the bytes available to unprivileged users on the filesystem holding path.
func (StatfsChecker) Available(path string) (int64, error) {
	var stat syscall.Statfs_t
	if err := syscall.Statfs(path, &stat); err != nil {
		return 0, fmt.Errorf("failed to stat filesystem of %s: %w", path, err)
	}

	return int64(stat.Bavail) * int64(stat.Bsize), nil
}
