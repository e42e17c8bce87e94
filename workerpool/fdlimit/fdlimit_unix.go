//go:build !windows

// Package fdlimit raises the process's open-file-descriptor limit at
// startup. Herald holds one long-lived connection per backend worker plus
// whatever the HTTP server accepts concurrently, so the default per-process
// limit on most distributions is too low to run with any real number of
// mirrored buckets.
package fdlimit

import "syscall"

const (
	minOpenFilesLimit = 4096
)

// Raise attempts to bump the soft RLIMIT_NOFILE up to minOpenFilesLimit. It
// is best-effort: a failure to raise the limit is not fatal, since Herald
// may simply be running under a restrictive container policy that the
// operator has already sized for the configured bucket count.
func Raise() error {
	var rLimit syscall.Rlimit
	err := syscall.Getrlimit(syscall.RLIMIT_NOFILE, &rLimit)
	if err != nil {
		return err
	}

	if rLimit.Cur >= minOpenFilesLimit {
		return nil
	}

	if rLimit.Max < minOpenFilesLimit {
		return nil
	}

	rLimit.Cur = minOpenFilesLimit

	return syscall.Setrlimit(syscall.RLIMIT_NOFILE, &rLimit)
}
