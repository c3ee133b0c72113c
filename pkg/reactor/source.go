//go:build linux
// +build linux

package reactor

import (
	"context"
	"time"

	"github.com/Meesho/BharatMLStack/bufferedfile/internal/fs"
)

// Statx is the metadata captured by Statx and OpenAt completions.
type Statx = fs.Statx

type opKind uint8

const (
	opOpen opKind = iota
	opClose
	opRead
	opWrite
	opSync
	opFallocate
	opTruncate
	opRename
	opUnlink
	opStat
)

var opNames = [...]string{
	opOpen:      "open",
	opClose:     "close",
	opRead:      "read",
	opWrite:     "write",
	opSync:      "fdatasync",
	opFallocate: "fallocate",
	opTruncate:  "truncate",
	opRename:    "rename",
	opUnlink:    "unlink",
	opStat:      "statx",
}

// Source is a single submitted operation. It completes exactly once; Done is
// closed afterwards and the result fields become readable.
//
// A Source owns the buffer it was submitted with until it completes.
type Source struct {
	kind  opKind
	start time.Time
	done  chan struct{}

	res     int
	err     error
	buf     []byte
	stat    Statx
	hasStat bool
}

func newSource(kind opKind, buf []byte) *Source {
	return &Source{
		kind:  kind,
		start: time.Now(),
		done:  make(chan struct{}),
		buf:   buf,
	}
}

func (s *Source) complete(res int, err error) {
	s.res = res
	s.err = err
	close(s.done)
}

// Done is closed once the engine has reported completion.
func (s *Source) Done() <-chan struct{} {
	return s.done
}

// Wait parks the calling goroutine until the operation completes or ctx is
// done. Abandoning the wait does not cancel the operation.
func (s *Source) Wait(ctx context.Context) (int, error) {
	select {
	case <-s.done:
		return s.res, s.err
	default:
	}
	select {
	case <-s.done:
		return s.res, s.err
	case <-ctx.Done():
		return 0, ctx.Err()
	}
}

// Completed reports whether the engine is done with the operation.
func (s *Source) Completed() bool {
	select {
	case <-s.done:
		return true
	default:
		return false
	}
}

// Buffer returns the buffer the operation was submitted with, or nil while
// the engine still owns it.
func (s *Source) Buffer() []byte {
	if !s.Completed() {
		return nil
	}
	return s.buf
}

// Stat returns the metadata captured by a Statx or OpenAt completion.
func (s *Source) Stat() (Statx, bool) {
	if !s.Completed() {
		return Statx{}, false
	}
	return s.stat, s.hasStat
}
