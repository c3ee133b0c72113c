//go:build linux
// +build linux

package reactor

import (
	"github.com/Meesho/BharatMLStack/bufferedfile/internal/fs"
)

// OpenAt opens path relative to dir. The completion's result is the new
// descriptor; its Stat carries the identity of the opened file when it could
// be read.
func (r *Reactor) OpenAt(dir int, path string, flags int, mode uint32) *Source {
	src := newSource(opOpen, nil)
	return r.dispatch(src, nil, func(s *Source) (int, error) {
		fd, err := fs.OpenAt(dir, path, flags, mode)
		if err != nil {
			return 0, err
		}
		if st, err := fs.Fstatx(fd); err == nil {
			s.stat, s.hasStat = st, true
		}
		return fd, nil
	})
}

// ReadBuffered reads up to size bytes at pos into a buffer owned by the
// returned Source. The result is the number of bytes filled.
func (r *Reactor) ReadBuffered(fd int, pos uint64, size int) *Source {
	buf := make([]byte, size)
	src := newSource(opRead, buf)
	if size == 0 {
		src.complete(0, nil)
		return src
	}
	req := &fs.Request{Opcode: fs.OpRead, Fd: fd, Buf: buf, Offset: pos}
	return r.dispatch(src, req, func(s *Source) (int, error) {
		return fs.Pread(fd, s.buf, pos)
	})
}

// WriteBuffered writes buf at pos. buf belongs to the returned Source until
// it completes.
func (r *Reactor) WriteBuffered(fd int, buf []byte, pos uint64) *Source {
	src := newSource(opWrite, buf)
	if len(buf) == 0 {
		src.complete(0, nil)
		return src
	}
	req := &fs.Request{Opcode: fs.OpWrite, Fd: fd, Buf: buf, Offset: pos}
	return r.dispatch(src, req, func(s *Source) (int, error) {
		return fs.Pwrite(fd, s.buf, pos)
	})
}

func (r *Reactor) Fdatasync(fd int) *Source {
	req := &fs.Request{Opcode: fs.OpFsync, Fd: fd, OpFlags: fs.DatasyncFlags()}
	return r.dispatch(newSource(opSync, nil), req, func(*Source) (int, error) {
		return 0, fs.Fdatasync(fd)
	})
}

// Fallocate issues fallocate(2) with the given mode over [offset, offset+length).
func (r *Reactor) Fallocate(fd int, mode uint32, offset, length uint64) *Source {
	req := &fs.Request{Opcode: fs.OpFallocate, Fd: fd, Mode: mode, Offset: offset, Length: length}
	return r.dispatch(newSource(opFallocate, nil), req, func(*Source) (int, error) {
		return 0, fs.Fallocate(fd, mode, offset, length)
	})
}

func (r *Reactor) Truncate(fd int, size uint64) *Source {
	return r.dispatch(newSource(opTruncate, nil), nil, func(*Source) (int, error) {
		return 0, fs.Ftruncate(fd, size)
	})
}

func (r *Reactor) Rename(oldPath, newPath string) *Source {
	return r.dispatch(newSource(opRename, nil), nil, func(*Source) (int, error) {
		return 0, fs.Rename(oldPath, newPath)
	})
}

func (r *Reactor) Unlink(path string) *Source {
	return r.dispatch(newSource(opUnlink, nil), nil, func(*Source) (int, error) {
		return 0, fs.Unlink(path)
	})
}

func (r *Reactor) Statx(fd int) *Source {
	return r.dispatch(newSource(opStat, nil), nil, func(s *Source) (int, error) {
		st, err := fs.Fstatx(fd)
		if err != nil {
			return 0, err
		}
		s.stat, s.hasStat = st, true
		return 0, nil
	})
}

// CloseFd releases fd. The descriptor is gone once the completion arrives,
// whatever its result.
func (r *Reactor) CloseFd(fd int) *Source {
	return r.dispatch(newSource(opClose, nil), nil, func(*Source) (int, error) {
		return 0, fs.Close(fd)
	})
}
