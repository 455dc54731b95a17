//go:build !linux

package scan

import (
	"fmt"
	"os"
)

// InodeKey falls back to a size+mtime fingerprint on platforms without
// a syscall.Stat_t device:inode pair.
func InodeKey(info os.FileInfo) string {
	return fmt.Sprintf("0:%d:%d", info.Size(), info.ModTime().UnixNano())
}

// CTime falls back to the modification time where no inode change
// time is available.
func CTime(info os.FileInfo) int64 {
	return info.ModTime().Unix()
}
