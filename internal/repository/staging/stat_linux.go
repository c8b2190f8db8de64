//go:build linux

package staging

import (
	"io/fs"
	"syscall"
	"time"
)

// accessTime returns the last access time recorded by the kernel,
// falling back to the modification time for synthetic FileInfo values.
func accessTime(info fs.FileInfo) time.Time {
	stat, ok := info.Sys().(*syscall.Stat_t)
	if !ok {
		return info.ModTime()
	}

	return time.Unix(stat.Atim.Sec, stat.Atim.Nsec)
}
