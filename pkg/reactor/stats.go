//go:build linux
// +build linux

package reactor

import "sync/atomic"

// IoStats is a point-in-time copy of the reactor counters.
type IoStats struct {
	FilesOpened         uint64
	FilesClosed         uint64
	BufferedReadOps     uint64
	BufferedReadBytes   uint64
	BufferedWriteOps    uint64
	BufferedWriteBytes  uint64
	RingSubmissions     uint64
	BlockingSubmissions uint64
	Fallbacks           uint64
}

// FileBufferedReads returns (ops, bytes).
func (s IoStats) FileBufferedReads() (uint64, uint64) {
	return s.BufferedReadOps, s.BufferedReadBytes
}

// FileBufferedWrites returns (ops, bytes).
func (s IoStats) FileBufferedWrites() (uint64, uint64) {
	return s.BufferedWriteOps, s.BufferedWriteBytes
}

type ioCounters struct {
	filesOpened         atomic.Uint64
	filesClosed         atomic.Uint64
	readOps             atomic.Uint64
	readBytes           atomic.Uint64
	writeOps            atomic.Uint64
	writeBytes          atomic.Uint64
	ringSubmissions     atomic.Uint64
	blockingSubmissions atomic.Uint64
	fallbacks           atomic.Uint64
}

func (c *ioCounters) snapshot() IoStats {
	return IoStats{
		FilesOpened:         c.filesOpened.Load(),
		FilesClosed:         c.filesClosed.Load(),
		BufferedReadOps:     c.readOps.Load(),
		BufferedReadBytes:   c.readBytes.Load(),
		BufferedWriteOps:    c.writeOps.Load(),
		BufferedWriteBytes:  c.writeBytes.Load(),
		RingSubmissions:     c.ringSubmissions.Load(),
		BlockingSubmissions: c.blockingSubmissions.Load(),
		Fallbacks:           c.fallbacks.Load(),
	}
}

func (c *ioCounters) record(s *Source) {
	if s.err != nil {
		return
	}
	switch s.kind {
	case opOpen:
		c.filesOpened.Add(1)
	case opClose:
		c.filesClosed.Add(1)
	case opRead:
		c.readOps.Add(1)
		c.readBytes.Add(uint64(s.res))
	case opWrite:
		c.writeOps.Add(1)
		c.writeBytes.Add(uint64(s.res))
	}
}
