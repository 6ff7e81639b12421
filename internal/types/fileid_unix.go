//go:build !windows

package types

import (
	"errors"
	"os"
	"syscall"
)

// StatFileID extracts the FileID and hardlink count from an os.FileInfo
// obtained via os.Lstat/os.Stat. Returns an error if the platform stat_t is
// unavailable.
func StatFileID(info os.FileInfo) (FileID, uint64, error) {
	sys, ok := info.Sys().(*syscall.Stat_t)
	if !ok {
		return FileID{}, 0, errors.New("types: failed to get syscall.Stat_t")
	}
	return FileID{Dev: uint64(sys.Dev), Ino: sys.Ino}, uint64(sys.Nlink), nil //nolint:unconvert,gosec // platform-dependent signedness
}
