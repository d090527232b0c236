//go:build unix

package pipeline

import "golang.org/x/sys/unix"

// applyMemoryLimit caps the child's address space at maxMemMB. Called from
// inside the stage-worker process before any stage work starts.
func applyMemoryLimit(maxMemMB int) error {
	if maxMemMB <= 0 {
		return nil
	}
	limit := uint64(maxMemMB) << 20
	return unix.Setrlimit(unix.RLIMIT_AS, &unix.Rlimit{Cur: limit, Max: limit})
}
