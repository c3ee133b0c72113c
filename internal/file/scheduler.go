//go:build linux
// +build linux

package file

import (
	"encoding/binary"
	"sync"
	"sync/atomic"

	"github.com/Meesho/BharatMLStack/bufferedfile/pkg/metrics"
	"github.com/Meesho/BharatMLStack/bufferedfile/pkg/reactor"
	"github.com/cespare/xxhash/v2"
)

const schedulerShards = 16

type readKey struct {
	fd   int
	pos  uint64
	size int
}

func (k readKey) hash() uint64 {
	var b [24]byte
	binary.LittleEndian.PutUint64(b[0:], uint64(k.fd))
	binary.LittleEndian.PutUint64(b[8:], k.pos)
	binary.LittleEndian.PutUint64(b[16:], uint64(k.size))
	return xxhash.Sum64(b[:])
}

type schedulerShard struct {
	mu       sync.Mutex
	inflight map[readKey]*reactor.Source
}

// Scheduler coalesces identical buffered reads that are in flight at the same
// time into a single submission. Callers that share a submission share its
// buffer, so results must be treated as read-only.
type Scheduler struct {
	shards    [schedulerShards]schedulerShard
	coalesced atomic.Uint64
}

func NewScheduler() *Scheduler {
	s := &Scheduler{}
	for i := range s.shards {
		s.shards[i].inflight = make(map[readKey]*reactor.Source)
	}
	return s
}

// Read returns an in-flight source for the same (fd, pos, size) if one
// exists, otherwise the source from submit. release must be called once the
// caller is done waiting.
func (s *Scheduler) Read(fd int, pos uint64, size int, submit func() *reactor.Source) (*reactor.Source, func()) {
	key := readKey{fd: fd, pos: pos, size: size}
	sh := &s.shards[key.hash()%schedulerShards]

	sh.mu.Lock()
	if src, ok := sh.inflight[key]; ok && !src.Completed() {
		sh.mu.Unlock()
		s.coalesced.Add(1)
		metrics.Incr(metrics.KEY_COALESCED_READS, []string{})
		return src, func() {}
	}
	src := submit()
	sh.inflight[key] = src
	sh.mu.Unlock()

	return src, func() {
		sh.mu.Lock()
		if sh.inflight[key] == src {
			delete(sh.inflight, key)
		}
		sh.mu.Unlock()
	}
}

// Coalesced is the number of reads that piggybacked on another submission.
func (s *Scheduler) Coalesced() uint64 {
	return s.coalesced.Load()
}
