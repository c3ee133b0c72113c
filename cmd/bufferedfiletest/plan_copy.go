//go:build linux
// +build linux

package main

import (
	"context"
	"fmt"
	"math/rand"
	"path/filepath"

	"github.com/Meesho/BharatMLStack/bufferedfile/pkg/bufferedfile"
	"github.com/rs/zerolog/log"
	"github.com/zeebo/xxh3"
	"golang.org/x/sync/errgroup"
)

// planCopy fills a file with random blocks, copies it block by block with
// concurrent workers and verifies every block's digest in the copy.
func planCopy(ctx context.Context, opts options) error {
	blockSize := opts.blockKB * 1024
	blocks := opts.sizeMB * 1024 * 1024 / blockSize

	srcPath := filepath.Join(opts.dir, "bufferedfiletest-copy-src")
	dstPath := filepath.Join(opts.dir, "bufferedfiletest-copy-dst")

	src, err := bufferedfile.NewOpenOptions().Read(true).Write(true).Create(true).Truncate(true).Open(ctx, srcPath)
	if err != nil {
		return err
	}
	defer cleanup(ctx, src)

	digests := make([]uint64, blocks)
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(opts.workers)
	for i := 0; i < blocks; i++ {
		g.Go(func() error {
			buf := make([]byte, blockSize)
			rand.Read(buf)
			digests[i] = xxh3.Hash(buf)
			return writeFull(gctx, src, buf, uint64(i*blockSize))
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}
	if err := src.Fdatasync(ctx); err != nil {
		return err
	}
	log.Info().Int("blocks", blocks).Int("block_size", blockSize).Msg("Source written")

	opener := bufferedfile.NewOpenOptions().Read(true).Write(true).Create(true).Truncate(true)
	if opts.scheduled {
		opener.WithReadScheduler()
	}
	dst, err := opener.Open(ctx, dstPath)
	if err != nil {
		return err
	}
	defer cleanup(ctx, dst)

	if err := dst.PreAllocate(ctx, uint64(blocks*blockSize), false); err != nil {
		log.Warn().Err(err).Msg("Pre-allocation failed, continuing without it")
	}

	g, gctx = errgroup.WithContext(ctx)
	g.SetLimit(opts.workers)
	for i := 0; i < blocks; i++ {
		pos := uint64(i * blockSize)
		g.Go(func() error {
			rb, err := src.ReadAt(gctx, pos, blockSize)
			if err != nil {
				return err
			}
			// the source buffer is shared when reads coalesce, so copy it out
			buf := append([]byte(nil), rb.Bytes()...)
			return writeFull(gctx, dst, buf, pos)
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}

	g, gctx = errgroup.WithContext(ctx)
	g.SetLimit(opts.workers)
	for i := 0; i < blocks; i++ {
		g.Go(func() error {
			rb, err := dst.ReadAt(gctx, uint64(i*blockSize), blockSize)
			if err != nil {
				return err
			}
			if rb.Len() != blockSize {
				return fmt.Errorf("block %d: short read of %d bytes", i, rb.Len())
			}
			if got := xxh3.Hash(rb.Bytes()); got != digests[i] {
				return fmt.Errorf("block %d: digest mismatch %x != %x", i, got, digests[i])
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}

	srcSize, err := src.FileSize(ctx)
	if err != nil {
		return err
	}
	dstSize, err := dst.FileSize(ctx)
	if err != nil {
		return err
	}
	if srcSize != dstSize {
		return fmt.Errorf("size mismatch: source %d, copy %d", srcSize, dstSize)
	}
	if src.IsSame(dst) {
		return fmt.Errorf("copy reports the same identity as its source")
	}
	log.Info().Uint64("bytes", dstSize).Msg("Copy verified")
	return nil
}

// writeFull retries short writes until buf is on disk.
func writeFull(ctx context.Context, f *bufferedfile.BufferedFile, buf []byte, pos uint64) error {
	for len(buf) > 0 {
		n, err := f.WriteAt(ctx, buf, pos)
		if err != nil {
			return err
		}
		if n == 0 {
			return fmt.Errorf("write at %d made no progress", pos)
		}
		buf = buf[n:]
		pos += uint64(n)
	}
	return nil
}

func cleanup(ctx context.Context, f *bufferedfile.BufferedFile) {
	if err := f.Remove(ctx); err != nil {
		log.Warn().Err(err).Msg("Failed to remove test file")
	}
	if err := f.Close(ctx); err != nil {
		log.Warn().Err(err).Msg("Failed to close test file")
	}
}

func mibPerSec(bytes uint64, secs float64) string {
	if secs <= 0 {
		return "n/a"
	}
	return fmt.Sprintf("%.2f MiB/s", float64(bytes)/(1024*1024)/secs)
}
