//go:build unix

package fsutil

import "golang.org/x/sys/unix"

// FreeBytes returns the free space available to unprivileged users on the
// filesystem containing path.
func FreeBytes(path string) (int64, error) {
	var st unix.Statfs_t
	if err := unix.Statfs(path, &st); err != nil {
		return 0, err
	}
	return int64(st.Bavail) * int64(st.Bsize), nil
}
