//go:build linux
// +build linux

package main

import (
	"context"
	"math/rand"
	"path/filepath"
	"slices"
	"sync"
	"time"

	"github.com/Meesho/BharatMLStack/bufferedfile/pkg/bufferedfile"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"
)

const readPercent = 70

// normalDistInt returns an integer in [0, max) following a normal distribution
// centered at max/2.
func normalDistInt(max int) int {
	if max <= 0 {
		return 0
	}
	mean := float64(max) / 2.0
	stdDev := float64(max) / 8.0
	for {
		val := rand.NormFloat64()*stdDev + mean
		if val >= 0 && val < float64(max) {
			return int(val)
		}
	}
}

type latencies struct {
	mu     sync.Mutex
	reads  []time.Duration
	writes []time.Duration
}

func (l *latencies) add(read bool, d []time.Duration) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if read {
		l.reads = append(l.reads, d...)
	} else {
		l.writes = append(l.writes, d...)
	}
}

func percentile(d []time.Duration, p float64) time.Duration {
	if len(d) == 0 {
		return 0
	}
	slices.Sort(d)
	return d[int(float64(len(d)-1)*p)]
}

// planRandom hammers one pre-allocated file with block-sized reads and writes
// at gaussian-distributed offsets.
func planRandom(ctx context.Context, opts options) error {
	blockSize := opts.blockKB * 1024
	blocks := opts.sizeMB * 1024 * 1024 / blockSize
	path := filepath.Join(opts.dir, "bufferedfiletest-random")

	opener := bufferedfile.NewOpenOptions().Read(true).Write(true).Create(true).Truncate(true)
	if opts.scheduled {
		opener.WithReadScheduler()
	}
	f, err := opener.Open(ctx, path)
	if err != nil {
		return err
	}
	defer cleanup(ctx, f)

	if err := f.PreAllocate(ctx, uint64(blocks*blockSize), false); err != nil {
		log.Warn().Err(err).Msg("Pre-allocation failed, extending with truncate")
		if err := f.Truncate(ctx, uint64(blocks*blockSize)); err != nil {
			return err
		}
	}

	var lat latencies
	g, gctx := errgroup.WithContext(ctx)
	for w := 0; w < opts.workers; w++ {
		g.Go(func() error {
			buf := make([]byte, blockSize)
			rand.Read(buf)
			var reads, writes []time.Duration
			for k := 0; k < opts.ops; k++ {
				pos := uint64(normalDistInt(blocks) * blockSize)
				start := time.Now()
				if rand.Intn(100) < readPercent {
					if _, err := f.ReadAt(gctx, pos, blockSize); err != nil {
						return err
					}
					reads = append(reads, time.Since(start))
					continue
				}
				// a completed write hands the buffer back, so it can be reused
				if _, err := f.WriteAt(gctx, buf, pos); err != nil {
					return err
				}
				writes = append(writes, time.Since(start))
			}
			lat.add(true, reads)
			lat.add(false, writes)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}
	if err := f.Fdatasync(ctx); err != nil {
		return err
	}

	log.Info().
		Int("reads", len(lat.reads)).
		Dur("read_p50", percentile(lat.reads, 0.50)).
		Dur("read_p99", percentile(lat.reads, 0.99)).
		Int("writes", len(lat.writes)).
		Dur("write_p50", percentile(lat.writes, 0.50)).
		Dur("write_p99", percentile(lat.writes, 0.99)).
		Msg("Random I/O finished")
	return nil
}
