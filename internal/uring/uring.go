// Copyright (C) 2021 Vojtech Aschenbrenner <v@asch.cz>

// Package uring is a minimal io_uring implementation sufficient for serving
// block requests. It supports fixed files, read, write, fsync and uring_cmd
// submissions. A Ring is not safe for concurrent use, each queue owns its
// own ring.
package uring

import (
	"errors"
	"fmt"
	"sync/atomic"
	"unsafe"

	"golang.org/x/sys/unix"
)

const (
	setupSQE128 = 1 << 10

	featSingleMmap = 1 << 0

	enterGetEvents = 1 << 0

	registerFiles = 2

	offSQRing = 0
	offCQRing = 0x8000000
	offSQEs   = 0x10000000

	sqeSize    = 64
	sqe128Size = 128
	cqeSize    = 16

	// Offset of the command payload of uring_cmd inside of a sqe.
	cmdOffset = 48
)

// Opcodes of submitted operations.
const (
	OpFsync    uint8 = 3
	OpRead     uint8 = 22
	OpWrite    uint8 = 23
	OpURingCmd uint8 = 46
)

// Sqe flags.
const (
	sqeFixedFile uint8 = 1 << 0
)

var (
	ErrRingFull       = errors.New("submission queue full")
	ErrPayloadTooLong = errors.New("command payload does not fit into sqe")
)

type sqRingOffsets struct {
	Head        uint32
	Tail        uint32
	RingMask    uint32
	RingEntries uint32
	Flags       uint32
	Dropped     uint32
	Array       uint32
	Resv1       uint32
	UserAddr    uint64
}

type cqRingOffsets struct {
	Head        uint32
	Tail        uint32
	RingMask    uint32
	RingEntries uint32
	Overflow    uint32
	Cqes        uint32
	Flags       uint32
	Resv1       uint32
	UserAddr    uint64
}

// Mirror of struct io_uring_params.
type params struct {
	SqEntries    uint32
	CqEntries    uint32
	Flags        uint32
	SqThreadCPU  uint32
	SqThreadIdle uint32
	Features     uint32
	WqFd         uint32
	Resv         [3]uint32
	SqOff        sqRingOffsets
	CqOff        cqRingOffsets
}

// Mirror of the first 48 bytes of struct io_uring_sqe. The rest is the
// command area of uring_cmd.
type sqe struct {
	Opcode      uint8
	Flags       uint8
	Ioprio      uint16
	Fd          int32
	Off         uint64
	Addr        uint64
	Len         uint32
	OpFlags     uint32
	UserData    uint64
	BufIndex    uint16
	Personality uint16
	FileIndex   int32
}

// CQE is one completion.
type CQE struct {
	UserData uint64
	Res      int32
	Flags    uint32
}

// Options to use in New() function.
type Options struct {
	// Number of submission entries, rounded up to a power of two by the
	// kernel.
	Entries uint32

	// Use 128 byte sqes. Required by uring_cmd of drivers with payloads
	// longer than 16 bytes.
	SQE128 bool
}

// Ring is one io_uring instance with mapped rings.
type Ring struct {
	fd      int
	sqeSize int
	fixed   bool

	sqRing []byte
	cqRing []byte
	sqes   []byte

	sqHead    *uint32
	sqTail    *uint32
	sqMask    uint32
	sqEntries uint32
	sqArray   []uint32
	// Tail of prepared but not yet published sqes.
	sqeTail uint32

	cqHead *uint32
	cqTail *uint32
	cqMask uint32
	cqes   []CQE
}

func u32At(b []byte, off uint32) *uint32 {
	return (*uint32)(unsafe.Pointer(&b[off]))
}

// New sets up the ring and maps its memory.
func New(o Options) (*Ring, error) {
	var p params
	if o.SQE128 {
		p.Flags |= setupSQE128
	}

	fd, _, errno := unix.Syscall(unix.SYS_IO_URING_SETUP, uintptr(o.Entries), uintptr(unsafe.Pointer(&p)), 0)
	if errno != 0 {
		return nil, fmt.Errorf("io_uring_setup: %w", errno)
	}

	r := &Ring{fd: int(fd), sqeSize: sqeSize}
	if o.SQE128 {
		r.sqeSize = sqe128Size
	}

	if err := r.mmap(&p); err != nil {
		r.Close()
		return nil, err
	}

	return r, nil
}

func (r *Ring) mmap(p *params) error {
	sqSize := int(p.SqOff.Array + p.SqEntries*4)
	cqSize := int(p.CqOff.Cqes + p.CqEntries*cqeSize)

	single := p.Features&featSingleMmap != 0
	if single && cqSize > sqSize {
		sqSize = cqSize
	}

	var err error
	prot := unix.PROT_READ | unix.PROT_WRITE
	flags := unix.MAP_SHARED | unix.MAP_POPULATE

	r.sqRing, err = unix.Mmap(r.fd, offSQRing, sqSize, prot, flags)
	if err != nil {
		return fmt.Errorf("mapping sq ring: %w", err)
	}

	if single {
		r.cqRing = r.sqRing
	} else {
		r.cqRing, err = unix.Mmap(r.fd, offCQRing, cqSize, prot, flags)
		if err != nil {
			return fmt.Errorf("mapping cq ring: %w", err)
		}
	}

	r.sqes, err = unix.Mmap(r.fd, offSQEs, int(p.SqEntries)*r.sqeSize, prot, flags)
	if err != nil {
		return fmt.Errorf("mapping sqes: %w", err)
	}

	r.sqHead = u32At(r.sqRing, p.SqOff.Head)
	r.sqTail = u32At(r.sqRing, p.SqOff.Tail)
	r.sqMask = *u32At(r.sqRing, p.SqOff.RingMask)
	r.sqEntries = *u32At(r.sqRing, p.SqOff.RingEntries)
	r.sqArray = unsafe.Slice(u32At(r.sqRing, p.SqOff.Array), r.sqEntries)
	r.sqeTail = atomic.LoadUint32(r.sqTail)

	r.cqHead = u32At(r.cqRing, p.CqOff.Head)
	r.cqTail = u32At(r.cqRing, p.CqOff.Tail)
	r.cqMask = *u32At(r.cqRing, p.CqOff.RingMask)
	cqEntries := *u32At(r.cqRing, p.CqOff.RingEntries)
	r.cqes = unsafe.Slice((*CQE)(unsafe.Pointer(&r.cqRing[p.CqOff.Cqes])), cqEntries)

	return nil
}

// Close unmaps the rings and closes the ring descriptor.
func (r *Ring) Close() error {
	if r.sqes != nil {
		unix.Munmap(r.sqes)
		r.sqes = nil
	}

	if r.cqRing != nil && &r.cqRing[0] != &r.sqRing[0] {
		unix.Munmap(r.cqRing)
	}
	r.cqRing = nil

	if r.sqRing != nil {
		unix.Munmap(r.sqRing)
		r.sqRing = nil
	}

	return unix.Close(r.fd)
}

// RegisterFiles registers fds as fixed files. All later submissions address
// files by their index in fds.
func (r *Ring) RegisterFiles(fds []int32) error {
	if len(fds) == 0 {
		return nil
	}

	_, _, errno := unix.Syscall6(unix.SYS_IO_URING_REGISTER, uintptr(r.fd), registerFiles,
		uintptr(unsafe.Pointer(&fds[0])), uintptr(len(fds)), 0, 0)
	if errno != 0 {
		return fmt.Errorf("registering files: %w", errno)
	}

	r.fixed = true

	return nil
}

// Returns zeroed sqe at the local tail.
func (r *Ring) next() (*sqe, []byte, error) {
	head := atomic.LoadUint32(r.sqHead)
	if r.sqeTail-head >= r.sqEntries {
		return nil, nil, ErrRingFull
	}

	idx := r.sqeTail & r.sqMask
	raw := r.sqes[int(idx)*r.sqeSize : int(idx+1)*r.sqeSize]
	for i := range raw {
		raw[i] = 0
	}

	r.sqArray[idx] = idx
	r.sqeTail++

	return (*sqe)(unsafe.Pointer(&raw[0])), raw, nil
}

func (r *Ring) prep(op uint8, fd int32, addr uint64, length uint32, off uint64, userData uint64) (*sqe, []byte, error) {
	s, raw, err := r.next()
	if err != nil {
		return nil, nil, err
	}

	s.Opcode = op
	s.Fd = fd
	s.Addr = addr
	s.Len = length
	s.Off = off
	s.UserData = userData

	if r.fixed {
		s.Flags |= sqeFixedFile
	}

	return s, raw, nil
}

// PrepRead queues read of length bytes at offset of file fd into addr.
func (r *Ring) PrepRead(fd int32, addr uint64, length uint32, offset uint64, userData uint64) error {
	_, _, err := r.prep(OpRead, fd, addr, length, offset, userData)
	return err
}

// PrepWrite queues write of length bytes from addr at offset of file fd.
func (r *Ring) PrepWrite(fd int32, addr uint64, length uint32, offset uint64, userData uint64) error {
	_, _, err := r.prep(OpWrite, fd, addr, length, offset, userData)
	return err
}

// PrepFsync queues fsync of file fd.
func (r *Ring) PrepFsync(fd int32, userData uint64) error {
	_, _, err := r.prep(OpFsync, fd, 0, 0, 0, userData)
	return err
}

// PrepCmd queues uring_cmd cmdOp with inline payload for the driver behind
// fd.
func (r *Ring) PrepCmd(fd int32, cmdOp uint32, payload []byte, userData uint64) error {
	if cmdOffset+len(payload) > r.sqeSize {
		return fmt.Errorf("%w: %d bytes", ErrPayloadTooLong, len(payload))
	}

	// cmd_op shares the place with off.
	_, raw, err := r.prep(OpURingCmd, fd, 0, 0, uint64(cmdOp), userData)
	if err != nil {
		return err
	}

	copy(raw[cmdOffset:], payload)

	return nil
}

func (r *Ring) enter(submit, wait uint32, flags uint32) (int, error) {
	for {
		n, _, errno := unix.Syscall6(unix.SYS_IO_URING_ENTER, uintptr(r.fd), uintptr(submit), uintptr(wait), uintptr(flags), 0, 0)
		if errno == unix.EINTR {
			// Whatever was consumed before the signal is not submitted
			// again, the count is recomputed from the kernel head.
			submit = r.sqeTail - atomic.LoadUint32(r.sqHead)
			continue
		}
		if errno != 0 {
			return 0, fmt.Errorf("io_uring_enter: %w", errno)
		}

		return int(n), nil
	}
}

// Publishes prepared sqes to the kernel and returns their count.
func (r *Ring) flush() uint32 {
	atomic.StoreUint32(r.sqTail, r.sqeTail)
	return r.sqeTail - atomic.LoadUint32(r.sqHead)
}

// Submit pushes prepared sqes to the kernel without waiting.
func (r *Ring) Submit() (int, error) {
	n := r.flush()
	if n == 0 {
		return 0, nil
	}

	return r.enter(n, 0, 0)
}

// SubmitAndWait pushes prepared sqes and blocks until at least wait
// completions are available.
func (r *Ring) SubmitAndWait(wait uint32) (int, error) {
	return r.enter(r.flush(), wait, enterGetEvents)
}

// Completions appends all available completions to dst and consumes them.
func (r *Ring) Completions(dst []CQE) []CQE {
	head := atomic.LoadUint32(r.cqHead)
	tail := atomic.LoadUint32(r.cqTail)

	for ; head != tail; head++ {
		dst = append(dst, r.cqes[head&r.cqMask])
	}

	atomic.StoreUint32(r.cqHead, head)

	return dst
}
