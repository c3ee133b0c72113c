//go:build linux
// +build linux

package fs

import (
	"golang.org/x/sys/unix"
)

// OpcodeSet records which opcodes the running kernel services on the ring.
type OpcodeSet uint64

func (s OpcodeSet) Has(op uint8) bool {
	return s&(1<<op) != 0
}

// Probe exercises each opcode against a scratch memfd and reports the ones
// that complete without EINVAL/EOPNOTSUPP. It consumes completions itself,
// so it must run before any other goroutine reaps the ring.
func Probe(r *IoUring) (OpcodeSet, error) {
	fd, err := unix.MemfdCreate("bufferedfile-probe", unix.MFD_CLOEXEC)
	if err != nil {
		return 0, err
	}
	defer Close(fd)

	buf := []byte{0x5a}
	reqs := []Request{
		{Opcode: OpNop},
		{Opcode: OpWrite, Fd: fd, Buf: buf},
		{Opcode: OpRead, Fd: fd, Buf: make([]byte, 1)},
		{Opcode: OpFsync, Fd: fd, OpFlags: DatasyncFlags()},
		{Opcode: OpFallocate, Fd: fd, Mode: 0, Offset: 0, Length: 4096},
	}

	var set OpcodeSet
	for _, req := range reqs {
		req.UserData = uint64(req.Opcode)
		if err := r.Submit(req); err != nil {
			return set, err
		}
		c, err := r.WaitCompletion()
		if err != nil {
			return set, err
		}
		switch c.Err() {
		case unix.EINVAL, unix.EOPNOTSUPP, unix.ENOSYS:
			continue
		}
		set |= 1 << req.Opcode
	}
	return set, nil
}
