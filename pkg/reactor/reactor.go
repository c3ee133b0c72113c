//go:build linux
// +build linux

// Package reactor is the asynchronous I/O engine behind buffered files.
//
// Reads, writes, fdatasync and fallocate go through a shared io_uring ring
// whose completions are reaped by a single background goroutine. Operations
// the kernel has no ring opcode for (open, close, statx, truncate, rename,
// unlink), and anything the ring cannot take, are serviced by a bounded pool
// of background goroutines. Either way the submitting goroutine only parks on
// a channel; it never holds an OS thread in a syscall.
package reactor

import (
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/Meesho/BharatMLStack/bufferedfile/internal/fs"
	"github.com/Meesho/BharatMLStack/bufferedfile/pkg/config"
	"github.com/Meesho/BharatMLStack/bufferedfile/pkg/metrics"
	"github.com/rs/zerolog/log"
)

// ErrUnavailable is returned for any submission made after the reactor has
// been closed. It signals a lifetime violation by the caller, not a device
// condition, and must not be retried.
var ErrUnavailable = errors.New("reactor: I/O engine unavailable")

// user_data reserved for the shutdown wakeup
const wakeupUserData = ^uint64(0)

type Config struct {
	RingDepth       uint32 // io_uring SQ size (default 256)
	BlockingWorkers int    // background goroutines (default 8)
	QueueSize       int    // background queue length (default 1024)
	DisableIoUring  bool   // service everything on the background pool
}

func DefaultConfig() Config {
	return Config{
		RingDepth:       256,
		BlockingWorkers: 8,
		QueueSize:       1024,
	}
}

// ConfigFromEnv maps the viper-backed settings onto a reactor Config.
func ConfigFromEnv(env config.Env) Config {
	return Config{
		RingDepth:       env.RingDepth,
		BlockingWorkers: env.BlockingWorkers,
		QueueSize:       env.QueueSize,
		DisableIoUring:  env.DisableIoUring,
	}
}

type Reactor struct {
	ring       *fs.IoUring
	ops        fs.OpcodeSet
	inflight   chan struct{} // bounds ring submissions to the CQ size
	pending    sync.Map      // user_data -> *Source
	nextID     atomic.Uint64
	ringBroken atomic.Bool
	reaperDone chan struct{}

	pool  *blockingPool
	stats ioCounters

	// lifecycle guards closed against in-progress registrations in active
	lifecycle sync.RWMutex
	closed    bool
	active    sync.WaitGroup
	closeOnce sync.Once
}

// New starts a reactor. If io_uring cannot be set up, or cfg disables it,
// every operation is serviced by the background pool.
func New(cfg Config) (*Reactor, error) {
	def := DefaultConfig()
	if cfg.RingDepth == 0 {
		cfg.RingDepth = def.RingDepth
	}
	if cfg.BlockingWorkers == 0 {
		cfg.BlockingWorkers = def.BlockingWorkers
	}
	if cfg.QueueSize == 0 {
		cfg.QueueSize = def.QueueSize
	}
	if cfg.BlockingWorkers < 0 || cfg.QueueSize < 0 {
		return nil, fmt.Errorf("reactor: invalid config %+v", cfg)
	}

	r := &Reactor{}
	r.pool = newBlockingPool(cfg.BlockingWorkers, cfg.QueueSize, r.finish)

	if !cfg.DisableIoUring {
		if err := r.startRing(cfg.RingDepth); err != nil {
			log.Warn().Err(err).Msg("io_uring unavailable, servicing all file operations on background goroutines")
		}
	}
	log.Info().
		Bool("io_uring", r.ring != nil).
		Uint32("ring_depth", cfg.RingDepth).
		Int("blocking_workers", cfg.BlockingWorkers).
		Msg("Reactor started")
	return r, nil
}

func (r *Reactor) startRing(depth uint32) error {
	ring, err := fs.NewIoUring(depth, 0)
	if err != nil {
		return err
	}
	ops, err := fs.Probe(ring)
	if err != nil {
		ring.Close()
		return fmt.Errorf("io_uring probe: %w", err)
	}
	if !ops.Has(fs.OpNop) {
		ring.Close()
		return fmt.Errorf("io_uring probe: nop unsupported")
	}
	r.ring = ring
	r.ops = ops
	// CQ is twice the SQ; keeping in-flight at the SQ size leaves headroom
	r.inflight = make(chan struct{}, ring.Entries())
	r.reaperDone = make(chan struct{})
	go r.reap()
	return nil
}

// UsesIoUring reports whether a ring is servicing primary-path operations.
func (r *Reactor) UsesIoUring() bool {
	return r.ring != nil && !r.ringBroken.Load()
}

// Closed reports whether Close has been called.
func (r *Reactor) Closed() bool {
	r.lifecycle.RLock()
	defer r.lifecycle.RUnlock()
	return r.closed
}

// Stats returns a snapshot of the I/O counters.
func (r *Reactor) Stats() IoStats {
	return r.stats.snapshot()
}

// Close stops accepting work, waits for every in-flight operation to
// complete, then tears down the ring and the background pool.
func (r *Reactor) Close() error {
	r.closeOnce.Do(func() {
		r.lifecycle.Lock()
		r.closed = true
		r.lifecycle.Unlock()

		r.active.Wait()

		if r.ring != nil {
			select {
			case <-r.reaperDone:
			default:
				if err := r.ring.Submit(fs.Request{Opcode: fs.OpNop, UserData: wakeupUserData}); err != nil {
					log.Error().Err(err).Msg("Failed to wake io_uring reaper")
				}
			}
			<-r.reaperDone
			r.ring.Close()
		}
		r.pool.close()
		log.Info().Msg("Reactor closed")
	})
	return nil
}

// register admits one operation, or reports that the reactor is closed.
func (r *Reactor) register() bool {
	r.lifecycle.RLock()
	defer r.lifecycle.RUnlock()
	if r.closed {
		return false
	}
	r.active.Add(1)
	return true
}

// finish publishes a result. Every admitted operation ends here exactly once.
// finish accounts for src before waking its waiters, so counters observed
// after Wait include it.
func (r *Reactor) finish(src *Source, res int, err error) {
	src.res, src.err = res, err
	r.stats.record(src)
	emitMetrics(src)
	src.complete(res, err)
	r.active.Done()
}

func emitMetrics(src *Source) {
	if !metrics.Enabled() {
		return
	}
	tags := metrics.GetOpTag(opNames[src.kind], src.err)
	metrics.Timing(metrics.KEY_OP_LATENCY, time.Since(src.start), tags)
	metrics.Incr(metrics.KEY_OP_COUNT, tags)
	if src.err != nil {
		return
	}
	switch src.kind {
	case opOpen:
		metrics.Incr(metrics.KEY_FILES_OPENED, []string{})
	case opClose:
		metrics.Incr(metrics.KEY_FILES_CLOSED, []string{})
	case opRead:
		metrics.Count(metrics.KEY_READ_BYTES, int64(src.res), []string{})
		if src.res < len(src.buf) {
			metrics.Incr(metrics.KEY_SHORT_READ, []string{})
		}
	case opWrite:
		metrics.Count(metrics.KEY_WRITE_BYTES, int64(src.res), []string{})
		if src.res < len(src.buf) {
			metrics.Incr(metrics.KEY_SHORT_WRITE, []string{})
		}
	}
}

// dispatch routes one operation to the ring when the kernel supports req's
// opcode there, and to the background pool otherwise.
func (r *Reactor) dispatch(src *Source, req *fs.Request, blocking func(*Source) (int, error)) *Source {
	if !r.register() {
		src.complete(0, ErrUnavailable)
		return src
	}
	if req != nil && r.ring != nil && r.ops.Has(req.Opcode) && !r.ringBroken.Load() {
		if r.submitRing(src, *req) {
			return src
		}
		r.stats.fallbacks.Add(1)
		metrics.Incr(metrics.KEY_RING_FALLBACK, []string{})
	}
	r.stats.blockingSubmissions.Add(1)
	r.pool.submit(src, blocking)
	return src
}

func (r *Reactor) submitRing(src *Source, req fs.Request) bool {
	r.inflight <- struct{}{}
	id := r.nextID.Add(1)
	req.UserData = id
	r.pending.Store(id, src)
	if err := r.ring.Submit(req); err != nil {
		r.pending.Delete(id)
		<-r.inflight
		if !errors.Is(err, fs.ErrSQFull) {
			log.Warn().Err(err).Msg("io_uring submission failed, falling back to background goroutines")
		}
		return false
	}
	if r.ringBroken.Load() {
		// the reaper is gone; reclaim the source unless it already failed it
		if _, ok := r.pending.LoadAndDelete(id); ok {
			<-r.inflight
			return false
		}
		return true
	}
	r.stats.ringSubmissions.Add(1)
	if metrics.Enabled() {
		metrics.Gauge(metrics.KEY_RING_INFLIGHT, float64(len(r.inflight)), []string{})
	}
	return true
}

// reap is the single CQ consumer.
func (r *Reactor) reap() {
	defer close(r.reaperDone)
	for {
		c, err := r.ring.WaitCompletion()
		if err != nil {
			log.Error().Err(err).Msg("io_uring reaper failed, failing in-flight operations")
			r.ringBroken.Store(true)
			r.pending.Range(func(key, _ any) bool {
				if v, ok := r.pending.LoadAndDelete(key); ok {
					<-r.inflight
					r.finish(v.(*Source), 0, err)
				}
				return true
			})
			return
		}
		if c.UserData == wakeupUserData {
			if r.Closed() {
				return
			}
			continue
		}
		v, ok := r.pending.LoadAndDelete(c.UserData)
		if !ok {
			log.Warn().Uint64("user_data", c.UserData).Msg("io_uring completion without a pending source")
			continue
		}
		<-r.inflight
		if cerr := c.Err(); cerr != nil {
			r.finish(v.(*Source), 0, cerr)
		} else {
			r.finish(v.(*Source), int(c.Res), nil)
		}
	}
}
