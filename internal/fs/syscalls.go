//go:build linux
// +build linux

package fs

import (
	"golang.org/x/sys/unix"
)

const (
	FALLOC_FL_PUNCH_HOLE = unix.FALLOC_FL_PUNCH_HOLE
	FALLOC_FL_KEEP_SIZE  = unix.FALLOC_FL_KEEP_SIZE
	AT_FDCWD             = unix.AT_FDCWD
	FILE_MODE            = 0644
)

// Blocking counterparts of the ring operations. They run on the reactor's
// background goroutines, never on a caller's goroutine.

func OpenAt(dir int, path string, flags int, mode uint32) (int, error) {
	for {
		fd, err := unix.Openat(dir, path, flags, mode)
		if err == unix.EINTR {
			continue
		}
		return fd, err
	}
}

// Close releases fd exactly once. EINTR is not retried: on Linux the
// descriptor is gone either way.
func Close(fd int) error {
	return unix.Close(fd)
}

func Pread(fd int, buf []byte, offset uint64) (int, error) {
	if len(buf) == 0 {
		return 0, nil
	}
	for {
		n, err := unix.Pread(fd, buf, int64(offset))
		if err == unix.EINTR {
			continue
		}
		return n, err
	}
}

func Pwrite(fd int, buf []byte, offset uint64) (int, error) {
	if len(buf) == 0 {
		return 0, nil
	}
	for {
		n, err := unix.Pwrite(fd, buf, int64(offset))
		if err == unix.EINTR {
			continue
		}
		return n, err
	}
}

func Fdatasync(fd int) error {
	return retryEINTR(func() error { return unix.Fdatasync(fd) })
}

func Fallocate(fd int, mode uint32, offset, length uint64) error {
	return retryEINTR(func() error { return unix.Fallocate(fd, mode, int64(offset), int64(length)) })
}

func Ftruncate(fd int, size uint64) error {
	return retryEINTR(func() error { return unix.Ftruncate(fd, int64(size)) })
}

func Rename(oldPath, newPath string) error {
	return unix.Renameat(AT_FDCWD, oldPath, AT_FDCWD, newPath)
}

func Unlink(path string) error {
	return unix.Unlinkat(AT_FDCWD, path, 0)
}

func retryEINTR(fn func() error) error {
	for {
		err := fn()
		if err == unix.EINTR {
			continue
		}
		return err
	}
}
