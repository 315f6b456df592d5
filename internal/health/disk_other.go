//go:build !unix

package health

import "context"

// DiskSpaceCheck is not supported on this platform and always reports
// StatusUnknown.
func DiskSpaceCheck(path string, minFreeBytes uint64) Check {
	return func(ctx context.Context) CheckResult {
		return CheckResult{Status: StatusUnknown, Message: "disk space check unsupported"}
	}
}
