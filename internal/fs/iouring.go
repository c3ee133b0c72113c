//go:build linux
// +build linux

// Package fs provides a minimal io_uring implementation using raw syscalls,
// plus the blocking syscall helpers used when the ring cannot service an
// operation. No external dependencies beyond golang.org/x/sys/unix.
package fs

import (
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"syscall"
	"unsafe"

	"golang.org/x/sys/unix"
)

// -----------------------------------------------------------------------
// io_uring constants
// -----------------------------------------------------------------------

const (
	// Setup flags
	iouringSetupSQPoll = 1 << 1

	// Enter flags
	iouringEnterGetEvents = 1 << 0
	iouringEnterSQWakeup  = 1 << 1

	// SQ flags (read from kernel-shared memory)
	iouringSQNeedWakeup = 1 << 0

	// offsets for mmap
	iouringOffSQRing = 0
	iouringOffCQRing = 0x8000000
	iouringOffSQEs   = 0x10000000

	// IORING_FSYNC_DATASYNC
	iouringFsyncDatasync = 1 << 0

	// the kernel never transfers more than MAX_RW_COUNT per read/write
	maxRWCount = 0x7ffff000
)

// Opcodes serviced on the ring.
const (
	OpNop       uint8 = 0
	OpFsync     uint8 = 3
	OpFallocate uint8 = 17
	OpRead      uint8 = 22
	OpWrite     uint8 = 23
)

var ErrSQFull = errors.New("io_uring: SQ full, no SQE available")

// -----------------------------------------------------------------------
// io_uring kernel structures (must match kernel ABI exactly)
// -----------------------------------------------------------------------

// ioUringSqe is the 64-byte submission queue entry.
type ioUringSqe struct {
	Opcode   uint8
	Flags    uint8
	IoPrio   uint16
	Fd       int32
	Off      uint64 // union: off / addr2
	Addr     uint64 // union: addr / splice_off_in
	Len      uint32
	OpFlags  uint32 // union: rw_flags, fsync_flags, etc.
	UserData uint64
	BufIndex uint16 // union: buf_index / buf_group
	_        uint16 // personality
	_        int32  // splice_fd_in / file_index
	_        uint64 // addr3
	_        uint64 // __pad2[0]
}

// ioUringCqe is the 16-byte completion queue entry.
type ioUringCqe struct {
	UserData uint64
	Res      int32
	Flags    uint32
}

// ioUringParams is passed to io_uring_setup.
type ioUringParams struct {
	SqEntries    uint32
	CqEntries    uint32
	Flags        uint32
	SqThreadCPU  uint32
	SqThreadIdle uint32
	Features     uint32
	WqFd         uint32
	Resv         [3]uint32
	SqOff        ioUringSqringOffsets
	CqOff        ioUringCqringOffsets
}

type ioUringSqringOffsets struct {
	Head        uint32
	Tail        uint32
	RingMask    uint32
	RingEntries uint32
	Flags       uint32
	Dropped     uint32
	Array       uint32
	Resv1       uint32
	Resv2       uint64
}

type ioUringCqringOffsets struct {
	Head        uint32
	Tail        uint32
	RingMask    uint32
	RingEntries uint32
	Overflow    uint32
	Cqes        uint32
	Flags       uint32
	Resv1       uint32
	Resv2       uint64
}

// -----------------------------------------------------------------------
// IoUring is the main ring handle
// -----------------------------------------------------------------------

// IoUring wraps a single io_uring instance with SQ/CQ ring mappings.
//
// Submission is serialized by mu and may happen from any goroutine. The
// completion side is single-consumer: exactly one goroutine may call
// WaitCompletion.
type IoUring struct {
	fd int

	// SQ ring mapped memory
	sqRingPtr  []byte
	sqMask     uint32
	sqEntries  uint32
	sqHead     *uint32 // kernel-updated
	sqTail     *uint32 // user-updated
	sqFlags    *uint32 // kernel-updated (NEED_WAKEUP etc.)
	sqArray    unsafe.Pointer
	sqeTail    uint32 // local tracking of next SQE slot
	sqeHead    uint32 // local tracking of submitted SQEs
	sqesMmap   []byte
	sqesBase   unsafe.Pointer // base pointer to SQE array
	sqRingSz   int
	cqRingSz   int
	sqesSz     int
	singleMmap bool

	// CQ ring mapped memory
	cqRingPtr []byte
	cqMask    uint32
	cqEntries uint32
	cqHead    *uint32 // user-updated
	cqTail    *uint32 // kernel-updated
	cqesBase  unsafe.Pointer

	// Setup flags
	flags uint32

	// Mutex for concurrent SQE submission from multiple goroutines
	mu sync.Mutex
}

// Request describes one submission. Fields are interpreted per opcode:
// Read/Write use Buf and Offset, Fsync uses OpFlags, Fallocate uses Offset,
// Length and Mode.
type Request struct {
	Opcode   uint8
	Fd       int
	Buf      []byte
	Offset   uint64
	Length   uint64
	Mode     uint32
	OpFlags  uint32
	UserData uint64
}

// Completion is a reaped CQE. Res is the syscall return value, negative errno
// on failure.
type Completion struct {
	UserData uint64
	Res      int32
}

// Err converts a negative result into an errno.
func (c Completion) Err() error {
	if c.Res < 0 {
		return unix.Errno(-c.Res)
	}
	return nil
}

// NewIoUring creates a new io_uring instance with the given queue depth.
// flags can be 0 for normal mode.
func NewIoUring(entries uint32, flags uint32) (*IoUring, error) {
	var params ioUringParams
	params.Flags = flags

	fd, _, errno := syscall.Syscall(unix.SYS_IO_URING_SETUP, uintptr(entries), uintptr(unsafe.Pointer(&params)), 0)
	if errno != 0 {
		return nil, fmt.Errorf("io_uring_setup failed: %w", errno)
	}

	ring := &IoUring{
		fd:    int(fd),
		flags: params.Flags,
	}

	if err := ring.mapRings(&params); err != nil {
		syscall.Close(ring.fd)
		return nil, err
	}

	return ring, nil
}

func (r *IoUring) mapRings(p *ioUringParams) error {
	sqOff := &p.SqOff
	cqOff := &p.CqOff

	r.sqRingSz = int(sqOff.Array + p.SqEntries*4)
	r.cqRingSz = int(cqOff.Cqes + p.CqEntries*uint32(unsafe.Sizeof(ioUringCqe{})))

	// IORING_FEAT_SINGLE_MMAP = 1
	r.singleMmap = (p.Features & 1) != 0
	if r.singleMmap {
		if r.cqRingSz > r.sqRingSz {
			r.sqRingSz = r.cqRingSz
		}
	}

	var err error
	r.sqRingPtr, err = unix.Mmap(r.fd, iouringOffSQRing, r.sqRingSz,
		unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED|unix.MAP_POPULATE)
	if err != nil {
		return fmt.Errorf("mmap SQ ring: %w", err)
	}

	if r.singleMmap {
		r.cqRingPtr = r.sqRingPtr
	} else {
		r.cqRingPtr, err = unix.Mmap(r.fd, iouringOffCQRing, r.cqRingSz,
			unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED|unix.MAP_POPULATE)
		if err != nil {
			unix.Munmap(r.sqRingPtr)
			return fmt.Errorf("mmap CQ ring: %w", err)
		}
	}

	r.sqesSz = int(p.SqEntries) * int(unsafe.Sizeof(ioUringSqe{}))
	r.sqesMmap, err = unix.Mmap(r.fd, iouringOffSQEs, r.sqesSz,
		unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED|unix.MAP_POPULATE)
	if err != nil {
		unix.Munmap(r.sqRingPtr)
		if !r.singleMmap {
			unix.Munmap(r.cqRingPtr)
		}
		return fmt.Errorf("mmap SQEs: %w", err)
	}
	r.sqesBase = unsafe.Pointer(&r.sqesMmap[0])

	sqBase := unsafe.Pointer(&r.sqRingPtr[0])
	r.sqHead = (*uint32)(unsafe.Add(sqBase, sqOff.Head))
	r.sqTail = (*uint32)(unsafe.Add(sqBase, sqOff.Tail))
	r.sqFlags = (*uint32)(unsafe.Add(sqBase, sqOff.Flags))
	r.sqMask = *(*uint32)(unsafe.Add(sqBase, sqOff.RingMask))
	r.sqEntries = *(*uint32)(unsafe.Add(sqBase, sqOff.RingEntries))
	r.sqArray = unsafe.Add(sqBase, sqOff.Array)

	cqBase := unsafe.Pointer(&r.cqRingPtr[0])
	r.cqHead = (*uint32)(unsafe.Add(cqBase, cqOff.Head))
	r.cqTail = (*uint32)(unsafe.Add(cqBase, cqOff.Tail))
	r.cqMask = *(*uint32)(unsafe.Add(cqBase, cqOff.RingMask))
	r.cqEntries = *(*uint32)(unsafe.Add(cqBase, cqOff.RingEntries))
	r.cqesBase = unsafe.Add(cqBase, cqOff.Cqes)

	return nil
}

// Entries returns the SQ size granted by the kernel.
func (r *IoUring) Entries() uint32 {
	return r.sqEntries
}

// Close releases all resources associated with the ring.
func (r *IoUring) Close() {
	unix.Munmap(r.sqesMmap)
	unix.Munmap(r.sqRingPtr)
	if !r.singleMmap {
		unix.Munmap(r.cqRingPtr)
	}
	syscall.Close(r.fd)
}

// -----------------------------------------------------------------------
// SQE helpers
// -----------------------------------------------------------------------

func (r *IoUring) getSqeAt(idx uint32) *ioUringSqe {
	return (*ioUringSqe)(unsafe.Add(r.sqesBase, uintptr(idx)*unsafe.Sizeof(ioUringSqe{})))
}

func (r *IoUring) getCqeAt(idx uint32) *ioUringCqe {
	return (*ioUringCqe)(unsafe.Add(r.cqesBase, uintptr(idx)*unsafe.Sizeof(ioUringCqe{})))
}

func (r *IoUring) sqArrayAt(idx uint32) *uint32 {
	return (*uint32)(unsafe.Add(r.sqArray, uintptr(idx)*4))
}

// getSqe returns the next available SQE, or nil if the SQ is full.
func (r *IoUring) getSqe() *ioUringSqe {
	head := atomic.LoadUint32(r.sqHead)
	next := r.sqeTail + 1
	if next-head > r.sqEntries {
		return nil
	}
	sqe := r.getSqeAt(r.sqeTail & r.sqMask)
	r.sqeTail++
	*sqe = ioUringSqe{}
	return sqe
}

// flushSq flushes locally queued SQEs into the kernel-visible SQ ring.
func (r *IoUring) flushSq() uint32 {
	tail := *r.sqTail
	toSubmit := r.sqeTail - r.sqeHead
	if toSubmit == 0 {
		return tail - atomic.LoadUint32(r.sqHead)
	}
	for ; toSubmit > 0; toSubmit-- {
		*r.sqArrayAt(tail & r.sqMask) = r.sqeHead & r.sqMask
		tail++
		r.sqeHead++
	}
	atomic.StoreUint32(r.sqTail, tail)
	return tail - atomic.LoadUint32(r.sqHead)
}

// -----------------------------------------------------------------------
// Submission and completion
// -----------------------------------------------------------------------

func ioUringEnter(fd int, toSubmit, minComplete, flags uint32) (int, error) {
	ret, _, errno := syscall.Syscall6(unix.SYS_IO_URING_ENTER,
		uintptr(fd), uintptr(toSubmit), uintptr(minComplete), uintptr(flags), 0, 0)
	if errno != 0 {
		return int(ret), errno
	}
	return int(ret), nil
}

// submit flushes SQEs and calls io_uring_enter if needed.
// Retries automatically on EINTR (signal interruption).
func (r *IoUring) submit(waitNr uint32) (int, error) {
	submitted := r.flushSq()
	var flags uint32 = 0

	if r.flags&iouringSetupSQPoll == 0 {
		if waitNr > 0 {
			flags |= iouringEnterGetEvents
		}
		for {
			ret, err := ioUringEnter(r.fd, submitted, waitNr, flags)
			if err == syscall.EINTR {
				continue
			}
			return ret, err
		}
	}

	// SQPOLL: only enter if kernel thread needs wakeup
	if atomic.LoadUint32(r.sqFlags)&iouringSQNeedWakeup != 0 {
		flags |= iouringEnterSQWakeup
	}
	if waitNr > 0 {
		flags |= iouringEnterGetEvents
	}
	if flags != 0 {
		for {
			ret, err := ioUringEnter(r.fd, submitted, waitNr, flags)
			if err == syscall.EINTR {
				continue
			}
			return ret, err
		}
	}
	return int(submitted), nil
}

// waitCqe waits for at least one CQE to be available and returns it.
// The caller MUST call seenCqe after processing.
func (r *IoUring) waitCqe() (*ioUringCqe, error) {
	for {
		head := atomic.LoadUint32(r.cqHead)
		tail := atomic.LoadUint32(r.cqTail)
		if head != tail {
			return r.getCqeAt(head & r.cqMask), nil
		}
		_, err := ioUringEnter(r.fd, 0, 1, iouringEnterGetEvents)
		if err != nil {
			if err == syscall.EINTR {
				continue
			}
			return nil, err
		}
	}
}

// seenCqe advances the CQ head by 1, releasing the CQE slot.
func (r *IoUring) seenCqe() {
	atomic.StoreUint32(r.cqHead, atomic.LoadUint32(r.cqHead)+1)
}

// -----------------------------------------------------------------------
// SQE prep
// -----------------------------------------------------------------------

func prepRW(sqe *ioUringSqe, opcode uint8, fd int, buf []byte, offset uint64) {
	if len(buf) == 0 {
		sqe.Opcode = OpNop
		return
	}
	n := len(buf)
	if n > maxRWCount {
		n = maxRWCount
	}
	sqe.Opcode = opcode
	sqe.Fd = int32(fd)
	sqe.Addr = uint64(uintptr(unsafe.Pointer(&buf[0])))
	sqe.Len = uint32(n)
	sqe.Off = offset
}

func prepFsync(sqe *ioUringSqe, fd int, flags uint32) {
	sqe.Opcode = OpFsync
	sqe.Fd = int32(fd)
	sqe.OpFlags = flags
}

// fallocate passes the length through addr and the mode through len.
func prepFallocate(sqe *ioUringSqe, fd int, mode uint32, offset, length uint64) {
	sqe.Opcode = OpFallocate
	sqe.Fd = int32(fd)
	sqe.Off = offset
	sqe.Addr = length
	sqe.Len = mode
}

func prep(sqe *ioUringSqe, req Request) {
	switch req.Opcode {
	case OpRead, OpWrite:
		prepRW(sqe, req.Opcode, req.Fd, req.Buf, req.Offset)
	case OpFsync:
		prepFsync(sqe, req.Fd, req.OpFlags)
	case OpFallocate:
		prepFallocate(sqe, req.Fd, req.Mode, req.Offset, req.Length)
	default:
		sqe.Opcode = OpNop
	}
	sqe.UserData = req.UserData
}

// DatasyncFlags returns the fsync flags for an fdatasync.
func DatasyncFlags() uint32 {
	return iouringFsyncDatasync
}

// -----------------------------------------------------------------------
// High-level API
// -----------------------------------------------------------------------

// Submit queues req and hands it to the kernel without waiting for the
// completion. Thread-safe. Any buffer in req must stay reachable until the
// matching completion is reaped.
func (r *IoUring) Submit(req Request) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	sqe := r.getSqe()
	if sqe == nil {
		return ErrSQFull
	}
	prep(sqe, req)

	if _, err := r.submit(0); err != nil {
		return fmt.Errorf("io_uring_enter failed: %w", err)
	}
	return nil
}

// WaitCompletion blocks the calling goroutine's thread until a CQE is
// available and consumes it. Single consumer only.
func (r *IoUring) WaitCompletion() (Completion, error) {
	cqe, err := r.waitCqe()
	if err != nil {
		return Completion{}, fmt.Errorf("io_uring wait cqe: %w", err)
	}
	c := Completion{UserData: cqe.UserData, Res: cqe.Res}
	r.seenCqe()
	return c, nil
}
