package scanner

import (
	"io"
	"os"
	"path/filepath"
	"sync"

	"github.com/hashall/hashall/internal/types"
)

// walkResult is the outcome of enumerating one root.
type walkResult struct {
	files           []*types.FileInfo // regular files on the registered device
	nestedMounts    []string          // subdirectories whose device id differs, discovered for optional recursion
	skippedOther    int64             // files on a different device, counted but not recorded
}

// walkTree recursively enumerates dir, skipping symlinks, classifying entries
// whose device id differs from deviceID as either a nested-mount root (a
// directory) or a skipped-other-device file. One goroutine walks each
// directory, bounded by a semaphore, fanning results into a shared collector.
func walkTree(dir string, deviceID uint64, workers int) *walkResult {
	sem := types.NewSemaphore(max(workers, 1))
	var wg sync.WaitGroup

	var mu sync.Mutex
	result := &walkResult{}

	var walk func(path string)
	walk = func(path string) {
		defer wg.Done()
		sem.Acquire()
		files, subdirs, nested, skipped := listOne(path, deviceID)
		sem.Release()

		mu.Lock()
		result.files = append(result.files, files...)
		result.nestedMounts = append(result.nestedMounts, nested...)
		result.skippedOther += skipped
		mu.Unlock()

		for _, sub := range subdirs {
			wg.Add(1)
			go walk(sub)
		}
	}

	wg.Add(1)
	go walk(dir)
	wg.Wait()

	return result
}

// listOne reads one directory, classifying each entry.
// Symlinks are skipped entirely; they never appear in files tables.
func listOne(dirPath string, deviceID uint64) (files []*types.FileInfo, subdirs, nestedMounts []string, skippedOther int64) {
	dir, err := os.Open(dirPath)
	if err != nil {
		return nil, nil, nil, 0
	}
	defer func() { _ = dir.Close() }()

	const batchSize = 1000
	for {
		entries, err := dir.ReadDir(batchSize)
		if len(entries) == 0 {
			if err != nil && err != io.EOF {
				break
			}
			break
		}
		for _, entry := range entries {
			fullPath := filepath.Join(dirPath, entry.Name())

			if entry.Type()&os.ModeSymlink != 0 {
				continue
			}

			if entry.IsDir() {
				info, err := entry.Info()
				if err != nil {
					continue
				}
				fid, _, err := types.StatFileID(info)
				if err == nil && fid.Dev != deviceID {
					nestedMounts = append(nestedMounts, fullPath)
					continue
				}
				subdirs = append(subdirs, fullPath)
				continue
			}

			if !entry.Type().IsRegular() {
				continue
			}

			info, err := entry.Info()
			if err != nil {
				continue
			}
			fid, nlink, err := types.StatFileID(info)
			if err != nil {
				continue
			}
			if fid.Dev != deviceID {
				skippedOther++
				continue
			}
			files = append(files, &types.FileInfo{
				Path:    fullPath,
				Size:    info.Size(),
				ModTime: info.ModTime(),
				Dev:     fid.Dev,
				Ino:     fid.Ino,
				Nlink:   uint32(nlink),
			})
		}
	}

	return files, subdirs, nestedMounts, skippedOther
}
