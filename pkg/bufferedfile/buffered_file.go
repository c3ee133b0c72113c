//go:build linux
// +build linux

// Package bufferedfile provides files that go through the OS page cache and
// whose operations are serviced asynchronously by the reactor.
//
// Every blocking method takes a context. The context selects the reactor
// (see reactor.WithReactor; the process-wide default is used otherwise) and
// bounds how long the caller waits. Ending the context abandons the wait, not
// the submitted I/O.
//
// A BufferedFile is not safe for concurrent mutation. Concurrent reads are
// fine.
package bufferedfile

import (
	"context"
	"errors"

	"github.com/Meesho/BharatMLStack/bufferedfile/internal/file"
	"github.com/Meesho/BharatMLStack/bufferedfile/pkg/reactor"
)

type state int

const (
	stateOpen state = iota
	stateClosed
	stateDiscarded
)

// Stat is the subset of file metadata exposed by BufferedFile.Stat.
type Stat struct {
	FileSize          uint64
	AllocatedFileSize uint64
	FsClusterSize     uint32
	Device            uint64
	Inode             uint64
}

type BufferedFile struct {
	handle *file.Handle
	state  state
}

// Create opens path for writing, creating it or truncating it.
func Create(ctx context.Context, path string) (*BufferedFile, error) {
	return NewOpenOptions().Write(true).Create(true).Truncate(true).Open(ctx, path)
}

// Open opens an existing file read-only.
func Open(ctx context.Context, path string) (*BufferedFile, error) {
	return NewOpenOptions().Read(true).Open(ctx, path)
}

// OpenWithOptions opens path relative to the directory descriptor dir.
// opdesc names the operation in errors.
func OpenWithOptions(ctx context.Context, dir int, path string, opdesc string, opts *OpenOptions) (*BufferedFile, error) {
	flags, err := opts.flags()
	if err != nil {
		return nil, enhance(OpenFailure, opdesc, path, true, 0, false, err)
	}
	h, err := file.OpenAt(ctx, reactor.FromContext(ctx), dir, path, flags, opts.mode)
	if err != nil {
		return nil, enhance(OpenFailure, opdesc, path, true, 0, false, err)
	}
	f := &BufferedFile{handle: h}
	if opts.scheduled {
		f.attachScheduler(file.NewScheduler())
	}
	return f, nil
}

// FromRawFd takes ownership of fd. The file has no path.
func FromRawFd(ctx context.Context, fd int) *BufferedFile {
	return &BufferedFile{handle: file.FromRawFd(reactor.FromContext(ctx), fd)}
}

// attachScheduler makes identical concurrent reads on f share one
// submission.
func (f *BufferedFile) attachScheduler(s *file.Scheduler) {
	f.mustBeOpen()
	f.handle.SetScheduler(s)
}

func (f *BufferedFile) mustBeOpen() {
	switch f.state {
	case stateClosed:
		panic("bufferedfile: use of closed file")
	case stateDiscarded:
		panic("bufferedfile: use of discarded file")
	}
}

func (f *BufferedFile) wrap(kind Kind, op string, err error) error {
	path, hasPath := f.handle.Path()
	return enhance(kind, op, path, hasPath, f.handle.Fd(), true, err)
}

func (f *BufferedFile) Fd() int {
	f.mustBeOpen()
	return f.handle.Fd()
}

// Path is the path the file was opened with, updated by a successful Rename.
func (f *BufferedFile) Path() (string, bool) {
	return f.handle.Path()
}

// IsSame reports whether f and other refer to the same device and inode.
func (f *BufferedFile) IsSame(other *BufferedFile) bool {
	f.mustBeOpen()
	other.mustBeOpen()
	return f.handle.IsSame(other.handle)
}

// WriteAt writes buf at pos and returns how many bytes were written, which
// may be fewer than len(buf). buf belongs to the engine until the write
// completes; if ctx ends first use SubmitWrite to get it back.
func (f *BufferedFile) WriteAt(ctx context.Context, buf []byte, pos uint64) (int, error) {
	pw, err := f.SubmitWrite(ctx, buf, pos)
	if err != nil {
		return 0, err
	}
	return pw.Wait(ctx)
}

// SubmitWrite starts writing buf at pos without waiting for it.
func (f *BufferedFile) SubmitWrite(ctx context.Context, buf []byte, pos uint64) (*PendingWrite, error) {
	f.mustBeOpen()
	src, err := f.handle.WriteBuffered(buf, pos)
	if err != nil {
		return nil, f.wrap(IoFailure, "Writing", err)
	}
	path, hasPath := f.handle.Path()
	return &PendingWrite{src: src, path: path, hasPath: hasPath, fd: f.handle.Fd()}, nil
}

// ReadAt reads up to size bytes at pos.
func (f *BufferedFile) ReadAt(ctx context.Context, pos uint64, size int) (*ReadResult, error) {
	f.mustBeOpen()
	buf, err := f.handle.ReadBuffered(ctx, pos, size)
	if err != nil {
		return nil, f.wrap(IoFailure, "Reading", err)
	}
	return newReadResult(buf), nil
}

// Fdatasync flushes data and the metadata needed to read it back.
func (f *BufferedFile) Fdatasync(ctx context.Context) error {
	f.mustBeOpen()
	return f.wrap(IoFailure, "Syncing", f.handle.Fdatasync(ctx))
}

// Deallocate releases the storage behind [offset, offset+size). The file
// size does not change and the range reads back as zeros.
func (f *BufferedFile) Deallocate(ctx context.Context, offset, size uint64) error {
	f.mustBeOpen()
	return f.wrap(IoFailure, "Deallocating", f.handle.Deallocate(ctx, offset, size))
}

// PreAllocate reserves storage for the first size bytes. With keepSize the
// reported file size is left alone.
func (f *BufferedFile) PreAllocate(ctx context.Context, size uint64, keepSize bool) error {
	f.mustBeOpen()
	return f.wrap(IoFailure, "Pre-allocating", f.handle.PreAllocate(ctx, size, keepSize))
}

func (f *BufferedFile) Truncate(ctx context.Context, size uint64) error {
	f.mustBeOpen()
	return f.wrap(IoFailure, "Truncating", f.handle.Truncate(ctx, size))
}

// Rename moves the file to newPath. Path changes only if this succeeds.
func (f *BufferedFile) Rename(ctx context.Context, newPath string) error {
	f.mustBeOpen()
	return f.wrap(RenameFailure, "Renaming", f.handle.Rename(ctx, newPath))
}

// Remove unlinks the file's path. The open descriptor keeps working.
func (f *BufferedFile) Remove(ctx context.Context) error {
	f.mustBeOpen()
	return f.wrap(RemoveFailure, "Removing", f.handle.Remove(ctx))
}

func (f *BufferedFile) FileSize(ctx context.Context) (uint64, error) {
	f.mustBeOpen()
	size, err := f.handle.FileSize(ctx)
	if err != nil {
		return 0, f.wrap(StatFailure, "Getting file size", err)
	}
	return size, nil
}

func (f *BufferedFile) Stat(ctx context.Context) (Stat, error) {
	f.mustBeOpen()
	st, err := f.handle.Statx(ctx)
	if err != nil {
		return Stat{}, f.wrap(StatFailure, "Stating", err)
	}
	return Stat{
		FileSize:          st.Size,
		AllocatedFileSize: st.AllocatedSize(),
		FsClusterSize:     st.Blksize,
		Device:            st.Dev,
		Inode:             st.Ino,
	}, nil
}

// Close releases the descriptor. f is unusable afterwards even if Close
// fails.
func (f *BufferedFile) Close(ctx context.Context) error {
	f.mustBeOpen()
	f.state = stateClosed
	return f.wrap(CloseFailure, "Closing", f.handle.Close(ctx))
}

// Discard gives up f without closing the descriptor, returning it and the
// path (empty if there is none).
func (f *BufferedFile) Discard() (int, string) {
	f.mustBeOpen()
	f.state = stateDiscarded
	fd, path, _ := f.handle.Discard()
	return fd, path
}

func isContextErr(err error) bool {
	return errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)
}
