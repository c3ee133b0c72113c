//go:build linux
// +build linux

package reactor

import (
	"sync"

	"github.com/Meesho/BharatMLStack/bufferedfile/pkg/metrics"
)

type blockingJob struct {
	src *Source
	fn  func(*Source) (int, error)
}

// blockingPool runs syscalls that have no ring counterpart (or that the ring
// could not take) on a fixed set of background goroutines. Callers park on
// their Source; only pool goroutines ever block in the kernel.
type blockingPool struct {
	jobs chan blockingJob
	wg   sync.WaitGroup
	done func(*Source, int, error)
}

func newBlockingPool(workers, queueSize int, done func(*Source, int, error)) *blockingPool {
	p := &blockingPool{
		jobs: make(chan blockingJob, queueSize),
		done: done,
	}
	p.wg.Add(workers)
	for i := 0; i < workers; i++ {
		go p.loop()
	}
	return p
}

func (p *blockingPool) submit(src *Source, fn func(*Source) (int, error)) {
	if metrics.Enabled() {
		metrics.Gauge(metrics.KEY_BLOCKING_QUEUED, float64(len(p.jobs)), []string{})
	}
	p.jobs <- blockingJob{src: src, fn: fn}
}

func (p *blockingPool) loop() {
	defer p.wg.Done()
	for job := range p.jobs {
		n, err := job.fn(job.src)
		p.done(job.src, n, err)
	}
}

// close must only be called once no further submit can happen.
func (p *blockingPool) close() {
	close(p.jobs)
	p.wg.Wait()
}
