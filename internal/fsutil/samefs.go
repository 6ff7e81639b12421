// Package fsutil provides small filesystem utilities shared by the scanner,
// payload engine, and plan executor.
package fsutil

import (
	"errors"
	"fmt"
	"os"
	"syscall"
)

// SameFilesystem reports whether two existing paths live on the same
// filesystem (same device id). Hardlinks cannot span filesystems, so both the
// plan executor's pre-flight check and the payload engine's MOVE/REUSE
// decision depend on this.
func SameFilesystem(path1, path2 string) (bool, error) {
	if path1 == "" || path2 == "" {
		return false, errors.New("fsutil: path must not be empty")
	}
	s1, err := os.Stat(path1)
	if err != nil {
		return false, fmt.Errorf("fsutil: stat %s: %w", path1, err)
	}
	s2, err := os.Stat(path2)
	if err != nil {
		return false, fmt.Errorf("fsutil: stat %s: %w", path2, err)
	}

	st1, ok1 := s1.Sys().(*syscall.Stat_t)
	st2, ok2 := s2.Sys().(*syscall.Stat_t)
	if !ok1 || !ok2 {
		return false, errors.New("fsutil: platform does not expose device ids")
	}
	return st1.Dev == st2.Dev, nil
}

// DeviceID returns the kernel device id for an existing path.
func DeviceID(path string) (uint64, error) {
	info, err := os.Stat(path)
	if err != nil {
		return 0, fmt.Errorf("fsutil: stat %s: %w", path, err)
	}
	st, ok := info.Sys().(*syscall.Stat_t)
	if !ok {
		return 0, errors.New("fsutil: platform does not expose device ids")
	}
	return uint64(st.Dev), nil //nolint:unconvert // platform-dependent signedness
}
