//go:build linux
// +build linux

package main

import (
	"bytes"
	"encoding/csv"
	"os"
	"strconv"
	"time"

	"github.com/Meesho/BharatMLStack/bufferedfile/pkg/reactor"
	"github.com/natefinch/atomic"
)

var reportHeader = []string{
	"timestamp", "plan", "io_uring", "workers", "block_kb", "size_mb", "elapsed_ms",
	"files_opened", "files_closed", "read_ops", "read_bytes", "write_ops", "write_bytes",
	"ring_submissions", "blocking_submissions", "fallbacks",
}

// writeReport appends one row for this run to the CSV at path. The file is
// replaced atomically.
func writeReport(path string, opts options, r *reactor.Reactor, elapsed time.Duration) error {
	var rows [][]string
	existing, err := os.ReadFile(path)
	switch {
	case err == nil:
		rows, err = csv.NewReader(bytes.NewReader(existing)).ReadAll()
		if err != nil {
			return err
		}
	case os.IsNotExist(err):
		rows = [][]string{reportHeader}
	default:
		return err
	}

	stats := r.Stats()
	readOps, readBytes := stats.FileBufferedReads()
	writeOps, writeBytes := stats.FileBufferedWrites()
	u := func(v uint64) string { return strconv.FormatUint(v, 10) }
	rows = append(rows, []string{
		time.Now().Format(time.RFC3339),
		opts.plan,
		strconv.FormatBool(r.UsesIoUring()),
		strconv.Itoa(opts.workers),
		strconv.Itoa(opts.blockKB),
		strconv.Itoa(opts.sizeMB),
		strconv.FormatInt(elapsed.Milliseconds(), 10),
		u(stats.FilesOpened), u(stats.FilesClosed),
		u(readOps), u(readBytes), u(writeOps), u(writeBytes),
		u(stats.RingSubmissions), u(stats.BlockingSubmissions), u(stats.Fallbacks),
	})

	var buf bytes.Buffer
	w := csv.NewWriter(&buf)
	if err := w.WriteAll(rows); err != nil {
		return err
	}
	return atomic.WriteFile(path, &buf)
}
