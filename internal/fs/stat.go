//go:build linux
// +build linux

package fs

import (
	"sync/atomic"

	"golang.org/x/sys/unix"
)

// Statx is the subset of statx(2) the file layer consumes.
type Statx struct {
	Size    uint64
	Blocks  uint64 // 512-byte units
	Blksize uint32
	Dev     uint64
	Ino     uint64
}

// AllocatedSize is the number of bytes backed by storage.
func (s Statx) AllocatedSize() uint64 {
	return s.Blocks * 512
}

// set once statx(2) is known to be unavailable (old kernels, some sandboxes)
var statxUnsupported atomic.Bool

// Fstatx stats an open descriptor, preferring statx(2) and falling back to
// fstat(2).
func Fstatx(fd int) (Statx, error) {
	if !statxUnsupported.Load() {
		var stx unix.Statx_t
		err := retryEINTR(func() error {
			return unix.Statx(fd, "", unix.AT_EMPTY_PATH, unix.STATX_BASIC_STATS, &stx)
		})
		switch err {
		case nil:
			return Statx{
				Size:    stx.Size,
				Blocks:  stx.Blocks,
				Blksize: stx.Blksize,
				Dev:     unix.Mkdev(stx.Dev_major, stx.Dev_minor),
				Ino:     stx.Ino,
			}, nil
		case unix.ENOSYS, unix.EPERM:
			statxUnsupported.Store(true)
		default:
			return Statx{}, err
		}
	}

	var st unix.Stat_t
	if err := retryEINTR(func() error { return unix.Fstat(fd, &st) }); err != nil {
		return Statx{}, err
	}
	return Statx{
		Size:    uint64(st.Size),
		Blocks:  uint64(st.Blocks),
		Blksize: uint32(st.Blksize),
		Dev:     uint64(st.Dev),
		Ino:     st.Ino,
	}, nil
}
