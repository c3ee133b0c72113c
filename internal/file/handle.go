//go:build linux
// +build linux

// Package file owns raw descriptors and issues their operations through the
// reactor. It returns unannotated causes; callers add context.
package file

import (
	"context"
	"errors"
	"runtime"
	"sync"
	"weak"

	"github.com/Meesho/BharatMLStack/bufferedfile/internal/fs"
	"github.com/Meesho/BharatMLStack/bufferedfile/pkg/metrics"
	"github.com/Meesho/BharatMLStack/bufferedfile/pkg/reactor"
	"github.com/rs/zerolog/log"
	"golang.org/x/sys/unix"
)

// ErrNoPath is returned by operations that need a path on a handle that was
// created from a raw descriptor.
var ErrNoPath = errors.New("operation requires a path")

// Identity is what makes two handles the same file.
type Identity struct {
	Dev uint64
	Ino uint64
}

type leaked struct {
	fd   int
	path string
}

// Handle owns one descriptor. The reactor is referenced, not owned, and is
// resolved on every call.
type Handle struct {
	fd          int
	path        string
	hasPath     bool
	reactor     weak.Pointer[reactor.Reactor]
	scheduler   *Scheduler
	idMu        sync.Mutex
	identity    Identity
	hasIdentity bool
	cleanup     runtime.Cleanup
}

func newHandle(r *reactor.Reactor, fd int, path string, hasPath bool) *Handle {
	h := &Handle{
		fd:      fd,
		path:    path,
		hasPath: hasPath,
		reactor: weak.Make(r),
	}
	h.cleanup = runtime.AddCleanup(h, closeLeaked, leaked{fd: fd, path: path})
	return h
}

func closeLeaked(l leaked) {
	log.Warn().Int("fd", l.fd).Str("path", l.path).Msg("File dropped without Close, releasing descriptor")
	metrics.Incr(metrics.KEY_LEAKED_FDS, []string{})
	if err := fs.Close(l.fd); err != nil {
		log.Error().Err(err).Int("fd", l.fd).Msg("Failed to release leaked descriptor")
	}
}

// OpenAt opens path relative to dir with the final OS flags. If ctx ends
// before the open completes, a descriptor that arrives later is released.
func OpenAt(ctx context.Context, r *reactor.Reactor, dir int, path string, flags int, mode uint32) (*Handle, error) {
	if r == nil || r.Closed() {
		return nil, reactor.ErrUnavailable
	}
	src := r.OpenAt(dir, path, flags, mode)
	fd, err := src.Wait(ctx)
	if err != nil {
		// the open may still succeed, or may already have
		go func() {
			if fd, err := src.Wait(context.Background()); err == nil {
				fs.Close(fd)
			}
		}()
		return nil, err
	}
	h := newHandle(r, fd, path, true)
	if st, ok := src.Stat(); ok {
		h.identity = Identity{Dev: st.Dev, Ino: st.Ino}
		h.hasIdentity = true
	}
	log.Debug().Int("fd", fd).Str("path", path).Msg("File opened")
	return h, nil
}

// FromRawFd adopts fd. The handle has no path.
func FromRawFd(r *reactor.Reactor, fd int) *Handle {
	return newHandle(r, fd, "", false)
}

// Reactor resolves the engine for one call.
func (h *Handle) Reactor() (*reactor.Reactor, error) {
	r := h.reactor.Value()
	if r == nil || r.Closed() {
		return nil, reactor.ErrUnavailable
	}
	return r, nil
}

func (h *Handle) Fd() int {
	return h.fd
}

func (h *Handle) Path() (string, bool) {
	return h.path, h.hasPath
}

func (h *Handle) SetScheduler(s *Scheduler) {
	h.scheduler = s
}

func (h *Handle) Scheduler() *Scheduler {
	return h.scheduler
}

func (h *Handle) wait(ctx context.Context, submit func(*reactor.Reactor) *reactor.Source) (*reactor.Source, int, error) {
	r, err := h.Reactor()
	if err != nil {
		return nil, 0, err
	}
	src := submit(r)
	n, err := src.Wait(ctx)
	return src, n, err
}

// ReadBuffered reads up to size bytes at pos and returns the filled window.
// Identical in-flight reads share one submission when a scheduler is set.
func (h *Handle) ReadBuffered(ctx context.Context, pos uint64, size int) ([]byte, error) {
	if size < 0 {
		return nil, unix.EINVAL
	}
	r, err := h.Reactor()
	if err != nil {
		return nil, err
	}
	submit := func() *reactor.Source { return r.ReadBuffered(h.fd, pos, size) }

	var src *reactor.Source
	if h.scheduler != nil {
		var release func()
		src, release = h.scheduler.Read(h.fd, pos, size, submit)
		defer release()
	} else {
		src = submit()
	}
	n, err := src.Wait(ctx)
	if err != nil {
		return nil, err
	}
	return src.Buffer()[:n], nil
}

// WriteBuffered submits buf at pos. The returned source owns buf until it
// completes.
func (h *Handle) WriteBuffered(buf []byte, pos uint64) (*reactor.Source, error) {
	r, err := h.Reactor()
	if err != nil {
		return nil, err
	}
	return r.WriteBuffered(h.fd, buf, pos), nil
}

func (h *Handle) Fdatasync(ctx context.Context) error {
	_, _, err := h.wait(ctx, func(r *reactor.Reactor) *reactor.Source { return r.Fdatasync(h.fd) })
	return err
}

// Deallocate punches a hole over [offset, offset+size) without changing the
// file size.
func (h *Handle) Deallocate(ctx context.Context, offset, size uint64) error {
	_, _, err := h.wait(ctx, func(r *reactor.Reactor) *reactor.Source {
		return r.Fallocate(h.fd, fs.FALLOC_FL_PUNCH_HOLE|fs.FALLOC_FL_KEEP_SIZE, offset, size)
	})
	return err
}

// PreAllocate reserves storage for [0, size).
func (h *Handle) PreAllocate(ctx context.Context, size uint64, keepSize bool) error {
	var mode uint32
	if keepSize {
		mode = fs.FALLOC_FL_KEEP_SIZE
	}
	_, _, err := h.wait(ctx, func(r *reactor.Reactor) *reactor.Source {
		return r.Fallocate(h.fd, mode, 0, size)
	})
	return err
}

func (h *Handle) Truncate(ctx context.Context, size uint64) error {
	_, _, err := h.wait(ctx, func(r *reactor.Reactor) *reactor.Source { return r.Truncate(h.fd, size) })
	return err
}

// Rename moves the file and, on success only, records the new path.
func (h *Handle) Rename(ctx context.Context, newPath string) error {
	if !h.hasPath {
		return ErrNoPath
	}
	oldPath := h.path
	_, _, err := h.wait(ctx, func(r *reactor.Reactor) *reactor.Source { return r.Rename(oldPath, newPath) })
	if err != nil {
		return err
	}
	h.path = newPath
	return nil
}

// Remove unlinks the current path. The descriptor stays usable.
func (h *Handle) Remove(ctx context.Context) error {
	if !h.hasPath {
		return ErrNoPath
	}
	path := h.path
	_, _, err := h.wait(ctx, func(r *reactor.Reactor) *reactor.Source { return r.Unlink(path) })
	return err
}

func (h *Handle) Statx(ctx context.Context) (reactor.Statx, error) {
	src, _, err := h.wait(ctx, func(r *reactor.Reactor) *reactor.Source { return r.Statx(h.fd) })
	if err != nil {
		return reactor.Statx{}, err
	}
	st, _ := src.Stat()
	h.idMu.Lock()
	if !h.hasIdentity {
		h.identity = Identity{Dev: st.Dev, Ino: st.Ino}
		h.hasIdentity = true
	}
	h.idMu.Unlock()
	return st, nil
}

func (h *Handle) FileSize(ctx context.Context) (uint64, error) {
	st, err := h.Statx(ctx)
	if err != nil {
		return 0, err
	}
	return st.Size, nil
}

// Close releases the descriptor. The handle must not be used afterwards,
// whatever the result. When the reactor is already gone the descriptor is
// left to the leak cleanup.
func (h *Handle) Close(ctx context.Context) error {
	r, err := h.Reactor()
	if err != nil {
		return err
	}
	h.cleanup.Stop()
	src := r.CloseFd(h.fd)
	_, err = src.Wait(ctx)
	if err == nil {
		log.Debug().Int("fd", h.fd).Str("path", h.path).Msg("File closed")
	}
	return err
}

// Discard gives up ownership of the descriptor without releasing it.
func (h *Handle) Discard() (int, string, bool) {
	h.cleanup.Stop()
	return h.fd, h.path, h.hasPath
}

// Identity returns the (device, inode) pair, reading it from the descriptor
// on first use if the open did not capture it.
func (h *Handle) Identity() (Identity, error) {
	h.idMu.Lock()
	defer h.idMu.Unlock()
	if h.hasIdentity {
		return h.identity, nil
	}
	st, err := fs.Fstatx(h.fd)
	if err != nil {
		return Identity{}, err
	}
	h.identity = Identity{Dev: st.Dev, Ino: st.Ino}
	h.hasIdentity = true
	return h.identity, nil
}

// IsSame compares identities. Handles whose identity cannot be read are
// never the same as anything.
func (h *Handle) IsSame(other *Handle) bool {
	a, err := h.Identity()
	if err != nil {
		return false
	}
	b, err := other.Identity()
	if err != nil {
		return false
	}
	return a == b
}
