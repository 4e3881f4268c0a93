package syncengine

import "syscall"

// nofileSoftLimit returns the process's current RLIMIT_NOFILE soft limit.
// ok is false if it couldn't be queried, in which case the caller should
// leave the requested job count unclamped.
func nofileSoftLimit() (int, bool) {
	var rlim syscall.Rlimit
	if err := syscall.Getrlimit(syscall.RLIMIT_NOFILE, &rlim); err != nil {
		return 0, false
	}
	return int(rlim.Cur), true
}
