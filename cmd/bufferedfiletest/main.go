//go:build linux
// +build linux

package main

import (
	"context"
	"os"
	"time"

	"github.com/Meesho/BharatMLStack/bufferedfile/pkg/config"
	"github.com/Meesho/BharatMLStack/bufferedfile/pkg/logger"
	"github.com/Meesho/BharatMLStack/bufferedfile/pkg/metrics"
	"github.com/Meesho/BharatMLStack/bufferedfile/pkg/reactor"
	"github.com/rs/zerolog/log"
	flag "github.com/spf13/pflag"
	"go.uber.org/automaxprocs/maxprocs"
)

type options struct {
	plan      string
	dir       string
	sizeMB    int
	blockKB   int
	workers   int
	ops       int
	holes     int
	scheduled bool
	report    string
}

func main() {
	var opts options
	flag.StringVar(&opts.plan, "plan", os.Getenv("PLAN"), "plan to run: copy, sparse or random (defaults to $PLAN)")
	flag.StringVar(&opts.dir, "dir", os.TempDir(), "directory for test files")
	flag.IntVar(&opts.sizeMB, "size-mb", 64, "file size in MiB")
	flag.IntVar(&opts.blockKB, "block-kb", 64, "I/O block size in KiB")
	flag.IntVarP(&opts.workers, "workers", "w", 8, "concurrent workers")
	flag.IntVar(&opts.ops, "ops", 100_000, "operations per worker for the random plan")
	flag.IntVar(&opts.holes, "holes", 16, "holes punched by the sparse plan")
	flag.BoolVar(&opts.scheduled, "coalesce", false, "coalesce identical concurrent reads")
	flag.StringVar(&opts.report, "report", "", "append run statistics to this CSV file")
	flag.Parse()

	config.Init()
	logger.Init()
	metrics.Init()

	if _, err := maxprocs.Set(maxprocs.Logger(func(format string, args ...interface{}) {
		log.Info().Msgf(format, args...)
	})); err != nil {
		log.Warn().Err(err).Msg("Failed to set GOMAXPROCS")
	}

	env, err := config.Load()
	if err != nil {
		log.Fatal().Err(err).Msg("Invalid configuration")
	}
	r, err := reactor.New(reactor.ConfigFromEnv(env))
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to start reactor")
	}
	defer r.Close()
	ctx := reactor.WithReactor(context.Background(), r)

	start := time.Now()
	switch opts.plan {
	case "copy":
		err = planCopy(ctx, opts)
	case "sparse":
		err = planSparse(ctx, opts)
	case "random":
		err = planRandom(ctx, opts)
	default:
		log.Fatal().Str("plan", opts.plan).Msg("invalid plan")
	}
	if err != nil {
		log.Fatal().Err(err).Str("plan", opts.plan).Msg("Plan failed")
	}
	elapsed := time.Since(start)
	logStats(r, elapsed)
	if opts.report != "" {
		if err := writeReport(opts.report, opts, r, elapsed); err != nil {
			log.Error().Err(err).Str("report", opts.report).Msg("Failed to write report")
		}
	}
}

func logStats(r *reactor.Reactor, elapsed time.Duration) {
	stats := r.Stats()
	readOps, readBytes := stats.FileBufferedReads()
	writeOps, writeBytes := stats.FileBufferedWrites()
	secs := elapsed.Seconds()
	log.Info().
		Bool("io_uring", r.UsesIoUring()).
		Dur("elapsed", elapsed).
		Uint64("files_opened", stats.FilesOpened).
		Uint64("files_closed", stats.FilesClosed).
		Uint64("read_ops", readOps).
		Str("read_throughput", mibPerSec(readBytes, secs)).
		Uint64("write_ops", writeOps).
		Str("write_throughput", mibPerSec(writeBytes, secs)).
		Uint64("ring_submissions", stats.RingSubmissions).
		Uint64("blocking_submissions", stats.BlockingSubmissions).
		Uint64("fallbacks", stats.Fallbacks).
		Msg("I/O statistics")
}
