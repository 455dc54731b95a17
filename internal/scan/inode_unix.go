//go:build linux

package scan

import (
	"fmt"
	"os"
	"syscall"
)

// InodeKey derives the "<device>:<inode>" identity beam's DevIno struct
// captures for hardlink detection, stable across renames on the same
// filesystem.
func InodeKey(info os.FileInfo) string {
	stat, ok := info.Sys().(*syscall.Stat_t)
	if !ok {
		return fmt.Sprintf("0:%d:%d", info.Size(), info.ModTime().UnixNano())
	}
	return fmt.Sprintf("%d:%d", stat.Dev, stat.Ino)
}

// CTime returns the inode change time, falling back to the
// modification time when the platform stat structure is unavailable.
func CTime(info os.FileInfo) int64 {
	stat, ok := info.Sys().(*syscall.Stat_t)
	if !ok {
		return info.ModTime().Unix()
	}
	return stat.Ctim.Sec
}
