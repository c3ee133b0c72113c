//go:build linux
// +build linux

package file

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/Meesho/BharatMLStack/bufferedfile/internal/fs"
	"github.com/Meesho/BharatMLStack/bufferedfile/pkg/reactor"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"
)

func TestMain(m *testing.M) {
	zerolog.SetGlobalLevel(zerolog.ErrorLevel)
	os.Exit(m.Run())
}

func newReactor(t *testing.T) *reactor.Reactor {
	t.Helper()
	r, err := reactor.New(reactor.Config{RingDepth: 32, BlockingWorkers: 2})
	require.NoError(t, err)
	t.Cleanup(func() { r.Close() })
	return r
}

func createHandle(t *testing.T, r *reactor.Reactor, name string) *Handle {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	h, err := OpenAt(context.Background(), r, fs.AT_FDCWD, path,
		unix.O_CLOEXEC|unix.O_RDWR|unix.O_CREAT|unix.O_TRUNC, fs.FILE_MODE)
	require.NoError(t, err)
	return h
}

func TestHandleReadWrite(t *testing.T) {
	ctx := context.Background()
	r := newReactor(t)
	h := createHandle(t, r, "rw")
	defer h.Close(ctx)

	src, err := h.WriteBuffered([]byte("hello world"), 0)
	require.NoError(t, err)
	n, err := src.Wait(ctx)
	require.NoError(t, err)
	assert.Equal(t, 11, n)

	data, err := h.ReadBuffered(ctx, 6, 64)
	require.NoError(t, err)
	assert.Equal(t, []byte("world"), data)

	data, err = h.ReadBuffered(ctx, 100, 8)
	require.NoError(t, err)
	assert.Empty(t, data)

	size, err := h.FileSize(ctx)
	require.NoError(t, err)
	assert.Equal(t, uint64(11), size)
	require.NoError(t, h.Fdatasync(ctx))
}

func TestHandleTruncateAndPreAllocate(t *testing.T) {
	ctx := context.Background()
	r := newReactor(t)
	h := createHandle(t, r, "alloc")
	defer h.Close(ctx)

	require.NoError(t, h.Truncate(ctx, 4096))
	size, err := h.FileSize(ctx)
	require.NoError(t, err)
	assert.Equal(t, uint64(4096), size)

	err = h.PreAllocate(ctx, 16384, true)
	if err == unix.EOPNOTSUPP {
		t.Skip("fallocate unsupported on this filesystem")
	}
	require.NoError(t, err)
	size, err = h.FileSize(ctx)
	require.NoError(t, err)
	assert.Equal(t, uint64(4096), size, "keep-size preallocation must not grow the file")

	require.NoError(t, h.PreAllocate(ctx, 16384, false))
	size, err = h.FileSize(ctx)
	require.NoError(t, err)
	assert.Equal(t, uint64(16384), size)
}

func TestHandleRenameUpdatesPathOnlyOnSuccess(t *testing.T) {
	ctx := context.Background()
	r := newReactor(t)
	h := createHandle(t, r, "before")
	defer h.Close(ctx)

	path, ok := h.Path()
	require.True(t, ok)

	missing := filepath.Join(t.TempDir(), "no", "such", "dir", "after")
	err := h.Rename(ctx, missing)
	assert.ErrorIs(t, err, unix.ENOENT)
	got, _ := h.Path()
	assert.Equal(t, path, got)

	after := filepath.Join(filepath.Dir(path), "after")
	require.NoError(t, h.Rename(ctx, after))
	got, _ = h.Path()
	assert.Equal(t, after, got)
	assert.FileExists(t, after)

	require.NoError(t, h.Remove(ctx))
	assert.NoFileExists(t, after)

	// descriptor outlives the directory entry
	src, err := h.WriteBuffered([]byte("x"), 0)
	require.NoError(t, err)
	_, err = src.Wait(ctx)
	assert.NoError(t, err)
}

func TestHandleFromRawFdHasNoPath(t *testing.T) {
	ctx := context.Background()
	r := newReactor(t)
	f, err := os.CreateTemp(t.TempDir(), "raw")
	require.NoError(t, err)
	fd, err := unix.Dup(int(f.Fd()))
	require.NoError(t, err)
	f.Close()

	h := FromRawFd(r, fd)
	_, ok := h.Path()
	assert.False(t, ok)
	assert.ErrorIs(t, h.Rename(ctx, "elsewhere"), ErrNoPath)
	assert.ErrorIs(t, h.Remove(ctx), ErrNoPath)

	id, err := h.Identity()
	require.NoError(t, err)
	assert.NotZero(t, id.Ino)
	require.NoError(t, h.Close(ctx))
}

func TestHandleIsSame(t *testing.T) {
	ctx := context.Background()
	r := newReactor(t)
	a := createHandle(t, r, "a")
	defer a.Close(ctx)
	path, _ := a.Path()

	b, err := OpenAt(ctx, r, fs.AT_FDCWD, path, unix.O_CLOEXEC|unix.O_RDONLY, 0)
	require.NoError(t, err)
	defer b.Close(ctx)
	assert.True(t, a.IsSame(b))

	c := createHandle(t, r, "c")
	defer c.Close(ctx)
	assert.False(t, a.IsSame(c))
}

func TestHandleUnavailableAfterReactorClose(t *testing.T) {
	ctx := context.Background()
	r, err := reactor.New(reactor.Config{DisableIoUring: true})
	require.NoError(t, err)
	h := createHandle(t, r, "gone")
	require.NoError(t, r.Close())

	_, err = h.ReadBuffered(ctx, 0, 8)
	assert.ErrorIs(t, err, reactor.ErrUnavailable)
	_, err = h.WriteBuffered([]byte("x"), 0)
	assert.ErrorIs(t, err, reactor.ErrUnavailable)
	assert.ErrorIs(t, h.Fdatasync(ctx), reactor.ErrUnavailable)
	assert.ErrorIs(t, h.Close(ctx), reactor.ErrUnavailable)

	_, err = OpenAt(ctx, r, fs.AT_FDCWD, "whatever", unix.O_RDONLY, 0)
	assert.ErrorIs(t, err, reactor.ErrUnavailable)

	fd, _, _ := h.Discard()
	unix.Close(fd)
}

func TestHandleDiscardKeepsDescriptorOpen(t *testing.T) {
	r := newReactor(t)
	h := createHandle(t, r, "discard")
	fd, path, ok := h.Discard()
	require.True(t, ok)
	assert.NotEmpty(t, path)

	var st unix.Stat_t
	require.NoError(t, unix.Fstat(fd, &st))
	require.NoError(t, unix.Close(fd))
}

func TestSchedulerCoalescesIdenticalReads(t *testing.T) {
	ctx := context.Background()
	r := newReactor(t)
	h := createHandle(t, r, "sched")
	defer h.Close(ctx)

	src, err := h.WriteBuffered([]byte("0123456789"), 0)
	require.NoError(t, err)
	_, err = src.Wait(ctx)
	require.NoError(t, err)

	s := NewScheduler()
	h.SetScheduler(s)

	var wg sync.WaitGroup
	for i := 0; i < 32; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			data, err := h.ReadBuffered(ctx, 2, 4)
			assert.NoError(t, err)
			assert.Equal(t, []byte("2345"), data)
		}()
	}
	wg.Wait()

	reads, _ := r.Stats().FileBufferedReads()
	assert.Equal(t, uint64(32), reads+s.Coalesced())
}

func TestSchedulerReleasesCompletedEntries(t *testing.T) {
	s := NewScheduler()
	r := newReactor(t)

	calls := 0
	submit := func() *reactor.Source {
		calls++
		return r.ReadBuffered(-1, 0, 0)
	}
	src, release := s.Read(3, 0, 0, submit)
	assert.True(t, src.Completed())
	release()

	_, release = s.Read(3, 0, 0, submit)
	release()
	assert.Equal(t, 2, calls)
	assert.Zero(t, s.Coalesced())
}

// occupyWorker parks the only background worker of r in a FIFO open until the
// returned func is called.
func occupyWorker(t *testing.T, r *reactor.Reactor) func() {
	t.Helper()
	fifo := filepath.Join(t.TempDir(), "fifo")
	require.NoError(t, unix.Mkfifo(fifo, 0o600))
	src := r.OpenAt(fs.AT_FDCWD, fifo, unix.O_RDONLY|unix.O_CLOEXEC, 0)
	return func() {
		w, err := unix.Open(fifo, unix.O_WRONLY|unix.O_CLOEXEC, 0)
		require.NoError(t, err)
		fd, err := src.Wait(context.Background())
		require.NoError(t, err)
		unix.Close(fd)
		unix.Close(w)
	}
}

func singleWorkerReactor(t *testing.T) *reactor.Reactor {
	t.Helper()
	r, err := reactor.New(reactor.Config{DisableIoUring: true, BlockingWorkers: 1})
	require.NoError(t, err)
	t.Cleanup(func() { r.Close() })
	return r
}

func openFds(t *testing.T) int {
	t.Helper()
	entries, err := os.ReadDir("/proc/self/fd")
	require.NoError(t, err)
	return len(entries)
}

func TestSchedulerCoalescesQueuedReads(t *testing.T) {
	ctx := context.Background()
	r := singleWorkerReactor(t)
	h := createHandle(t, r, "queued")
	defer h.Close(ctx)

	src, err := h.WriteBuffered([]byte("0123456789"), 0)
	require.NoError(t, err)
	_, err = src.Wait(ctx)
	require.NoError(t, err)

	s := NewScheduler()
	h.SetScheduler(s)
	unblock := occupyWorker(t, r)

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			data, err := h.ReadBuffered(ctx, 4, 3)
			assert.NoError(t, err)
			assert.Equal(t, []byte("456"), data)
		}()
	}
	assert.Eventually(t, func() bool { return s.Coalesced() == 7 }, 5*time.Second, time.Millisecond)
	unblock()
	wg.Wait()

	reads, _ := r.Stats().FileBufferedReads()
	assert.Equal(t, uint64(1), reads)
}

func TestReadBufferedRejectsNegativeSize(t *testing.T) {
	ctx := context.Background()
	r := newReactor(t)
	h := createHandle(t, r, "negative")
	defer h.Close(ctx)

	_, err := h.ReadBuffered(ctx, 0, -1)
	assert.ErrorIs(t, err, unix.EINVAL)
	reads, _ := r.Stats().FileBufferedReads()
	assert.Zero(t, reads)
}

func TestAbandonedOpenReleasesDescriptor(t *testing.T) {
	r := singleWorkerReactor(t)
	path := filepath.Join(t.TempDir(), "abandoned")
	require.NoError(t, os.WriteFile(path, []byte("x"), 0o644))

	before := openFds(t)
	unblock := occupyWorker(t, r)

	cancelled, cancel := context.WithCancel(context.Background())
	cancel()
	for i := 0; i < 16; i++ {
		_, err := OpenAt(cancelled, r, fs.AT_FDCWD, path, unix.O_CLOEXEC|unix.O_RDONLY, 0)
		require.ErrorIs(t, err, context.Canceled)
	}
	unblock()

	assert.Eventually(t, func() bool { return openFds(t) <= before }, 5*time.Second, 5*time.Millisecond)
	assert.Equal(t, uint64(17), r.Stats().FilesOpened)
}

func TestIdentityAlongsideStatx(t *testing.T) {
	ctx := context.Background()
	r := newReactor(t)
	f, err := os.CreateTemp(t.TempDir(), "raw")
	require.NoError(t, err)
	fd, err := unix.Dup(int(f.Fd()))
	require.NoError(t, err)
	require.NoError(t, f.Close())

	h := FromRawFd(r, fd)
	defer h.Close(ctx)

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		for i := 0; i < 50; i++ {
			_, err := h.Statx(ctx)
			assert.NoError(t, err)
		}
	}()
	go func() {
		defer wg.Done()
		for i := 0; i < 50; i++ {
			assert.True(t, h.IsSame(h))
		}
	}()
	wg.Wait()
}
