// Package collision implements the Collision Resolver: on
// demand, promotes quick_hash collision groups to full-hash identity.
//
// A quick_hash match only means two files share their first 1 MiB; the
// Resolver computes full digests to tell true duplicates from prefix
// collisions, using the same worker-pool shape as the rest of the catalog
// pipeline, simplified to a single promotion stage since the catalog — not
// progressive byte-range hashing — already carries tier state between runs:
// a representative per distinct inode is hashed once, and the result is
// copied to every hardlinked row sharing that inode.
package collision

import (
	"context"
	"fmt"
	"path/filepath"
	"sort"
	"sync"

	"github.com/rs/zerolog"

	"github.com/hashall/hashall/internal/catalog"
	"github.com/hashall/hashall/internal/digest"
	"github.com/hashall/hashall/internal/progress"
)

// Options configures one resolution run.
type Options struct {
	Workers      int
	ShowProgress bool
}

// Result summarizes one resolution run.
type Result struct {
	GroupsExamined int
	InodesHashed   int
	BytesHashed    int64
	Errors         []error
}

// Resolver promotes quick_hash collisions to full-hash identity for one device.
type Resolver struct {
	cat *catalog.Catalog
	log zerolog.Logger
}

// New creates a Resolver.
func New(cat *catalog.Catalog, log zerolog.Logger) *Resolver {
	return &Resolver{cat: cat, log: log}
}

// job is one not-yet-fully-hashed inode within a collision group.
type job struct {
	quickHash string
	inode     uint64
	repPath   string
	allPaths  []string
}

// Resolve is idempotent and resumable — inodes whose
// members already carry both full hashes are skipped without I/O. Catalog
// paths are stored relative to the device's mount point, so mountPoint is
// required to resolve them against the filesystem.
func (r *Resolver) Resolve(ctx context.Context, deviceID uint64, mountPoint string, opts Options) (*Result, error) {
	if opts.Workers <= 0 {
		opts.Workers = 4
	}

	groups, err := r.cat.FindQuickHashCollisions(ctx, deviceID)
	if err != nil {
		return nil, fmt.Errorf("collision: find collisions: %w", err)
	}

	jobs := buildJobs(groups)
	bar := progress.New(opts.ShowProgress, int64(len(jobs)))

	result := &Result{GroupsExamined: len(groups)}
	if len(jobs) == 0 {
		bar.Finish(resolveStats{done: 0, total: 0})
		return result, nil
	}

	jobCh := make(chan job, len(jobs))
	for _, j := range jobs {
		jobCh <- j
	}
	close(jobCh)

	var mu sync.Mutex
	var wg sync.WaitGroup
	done := 0

	for w := 0; w < opts.Workers; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := range jobCh {
				select {
				case <-ctx.Done():
					return
				default:
				}

				primary, secondary, n, err := digest.Full(filepath.Join(mountPoint, j.repPath))
				mu.Lock()
				if err != nil {
					result.Errors = append(result.Errors, fmt.Errorf("%s: %w", j.repPath, err))
					mu.Unlock()
					continue
				}
				mu.Unlock()

				if err := r.cat.UpdateFullHashes(ctx, deviceID, j.inode, j.repPath, primary, secondary, j.allPaths); err != nil {
					mu.Lock()
					result.Errors = append(result.Errors, err)
					mu.Unlock()
					continue
				}

				mu.Lock()
				result.InodesHashed++
				result.BytesHashed += n
				done++
				bar.Describe(resolveStats{done: done, total: len(jobs)})
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	bar.Finish(resolveStats{done: done, total: len(jobs)})
	return result, nil
}

// buildJobs coalesces each collision group's members by inode, skipping any
// inode whose members already carry both full hashes (idempotence).
func buildJobs(groups []catalog.QuickHashCollisionGroup) []job {
	var jobs []job
	for _, g := range groups {
		byInode := make(map[uint64][]catalog.CollisionMember)
		var order []uint64
		for _, m := range g.Members {
			if _, ok := byInode[m.Inode]; !ok {
				order = append(order, m.Inode)
			}
			byInode[m.Inode] = append(byInode[m.Inode], m)
		}

		for _, inode := range order {
			members := byInode[inode]
			if members[0].FullHashPrimary != "" && members[0].FullHashSecondary != "" {
				continue
			}
			paths := make([]string, len(members))
			for i, m := range members {
				paths[i] = m.Path
			}
			sort.Strings(paths)
			jobs = append(jobs, job{
				quickHash: g.QuickHash,
				inode:     inode,
				repPath:   paths[0],
				allPaths:  paths,
			})
		}
	}
	return jobs
}

// resolveStats renders resolution progress.
type resolveStats struct {
	done, total int
}

func (s resolveStats) String() string {
	return fmt.Sprintf("promoted %d/%d inodes to full-hash identity", s.done, s.total)
}
