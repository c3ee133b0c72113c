//go:build linux
// +build linux

package main

import (
	"context"
	"fmt"
	"path/filepath"

	"github.com/Meesho/BharatMLStack/bufferedfile/pkg/bufferedfile"
	"github.com/rs/zerolog/log"
)

// planSparse writes one byte per cluster, punches holes over a subset of them
// and checks the file size stays put, the allocation shrinks and the holes read
// back as zeros.
func planSparse(ctx context.Context, opts options) error {
	path := filepath.Join(opts.dir, "bufferedfiletest-sparse")
	f, err := bufferedfile.NewOpenOptions().Read(true).Write(true).Create(true).Truncate(true).Open(ctx, path)
	if err != nil {
		return err
	}
	defer cleanup(ctx, f)

	st, err := f.Stat(ctx)
	if err != nil {
		return err
	}
	cluster := uint64(st.FsClusterSize)
	clusters := uint64(opts.sizeMB) * 1024 * 1024 / cluster
	if opts.holes <= 0 || uint64(opts.holes) > clusters {
		return fmt.Errorf("%d holes do not fit in %d clusters", opts.holes, clusters)
	}

	// every other cluster is written, so half the file is a hole already
	for c := uint64(0); c < clusters; c += 2 {
		if err := writeFull(ctx, f, []byte{byte(c)}, c*cluster); err != nil {
			return err
		}
	}
	if err := f.Fdatasync(ctx); err != nil {
		return err
	}
	before, err := f.Stat(ctx)
	if err != nil {
		return err
	}

	stride := clusters / uint64(opts.holes)
	stride += stride % 2
	punched := 0
	for c := uint64(0); c < clusters && punched < opts.holes; c += stride {
		if err := f.Deallocate(ctx, c*cluster, cluster); err != nil {
			return err
		}
		rb, err := f.ReadAt(ctx, c*cluster, int(cluster))
		if err != nil {
			return err
		}
		for i, b := range rb.Bytes() {
			if b != 0 {
				return fmt.Errorf("cluster %d: byte %d is %d after deallocation", c, i, b)
			}
		}
		punched++
	}

	after, err := f.Stat(ctx)
	if err != nil {
		return err
	}
	if after.FileSize != before.FileSize {
		return fmt.Errorf("deallocation changed file size from %d to %d", before.FileSize, after.FileSize)
	}
	if after.AllocatedFileSize > before.AllocatedFileSize {
		return fmt.Errorf("deallocation grew allocation from %d to %d", before.AllocatedFileSize, after.AllocatedFileSize)
	}
	log.Info().
		Uint64("cluster", cluster).
		Uint64("file_size", after.FileSize).
		Uint64("allocated_before", before.AllocatedFileSize).
		Uint64("allocated_after", after.AllocatedFileSize).
		Int("holes", punched).
		Msg("Sparse file verified")
	return nil
}
