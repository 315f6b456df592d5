//go:build unix

package health

import (
	"context"
	"fmt"

	"golang.org/x/sys/unix"
)

// DiskSpaceCheck degrades when the filesystem holding path has fewer than
// minFreeBytes available to unprivileged users.
func DiskSpaceCheck(path string, minFreeBytes uint64) Check {
	return func(ctx context.Context) CheckResult {
		var st unix.Statfs_t
		if err := unix.Statfs(path, &st); err != nil {
			return CheckResult{Status: StatusUnknown, Message: "statfs failed", Error: err.Error()}
		}
		free := uint64(st.Bavail) * uint64(st.Bsize)
		msg := fmt.Sprintf("%d MiB free", free>>20)
		if free < minFreeBytes {
			return CheckResult{Status: StatusDegraded, Message: msg}
		}
		return CheckResult{Status: StatusHealthy, Message: msg}
	}
}
