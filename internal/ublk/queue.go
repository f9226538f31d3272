// Copyright (C) 2021 Vojtech Aschenbrenner <v@asch.cz>

package ublk

import (
	"context"
	"errors"
	"fmt"
	"time"
	"unsafe"

	"github.com/cenkalti/backoff"
	"golang.org/x/sys/unix"

	"github.com/asch/vblock/internal/dispatch"
	"github.com/asch/vblock/internal/uring"
)

var pageSize = unix.Getpagesize()

// Registered file indexes of the queue ring.
const (
	charIndex    = 0
	backingIndex = 1
)

// Waits until udev creates the char device and opens it.
func openCharDevice(ctx context.Context, id uint32) (int, error) {
	path := CharDevice(id)

	var fd int
	op := func() error {
		var err error
		fd, err = unix.Open(path, unix.O_RDWR|unix.O_CLOEXEC, 0)
		if errors.Is(err, unix.ENOENT) {
			return err
		}
		if err != nil {
			return backoff.Permanent(err)
		}
		return nil
	}

	b := backoff.WithContext(backoff.WithMaxRetries(backoff.NewConstantBackOff(100*time.Millisecond), 50), ctx)
	if err := backoff.Retry(op, b); err != nil {
		return -1, fmt.Errorf("opening %s: %w", path, err)
	}

	return fd, nil
}

// queue holds kernel resources of one hardware queue and implements
// dispatch.Host over them.
type queue struct {
	id      uint16
	depth   uint16
	maxIO   uint32
	charFd  int
	ring    *uring.Ring
	descs   []byte
	bufs    []byte
	backing bool
}

// Opens the char device, maps descriptors and buffers and registers files
// with a new ring. backingFd < 0 means that no backing file is used.
func newQueue(ctx context.Context, dev uint32, id, depth uint16, maxIO uint32, backingFd int) (*queue, error) {
	q := &queue{id: id, depth: depth, maxIO: maxIO, charFd: -1}

	var err error
	if q.charFd, err = openCharDevice(ctx, dev); err != nil {
		return nil, err
	}

	q.descs, err = unix.Mmap(q.charFd, descOffset(id), descSize(depth), unix.PROT_READ, unix.MAP_SHARED|unix.MAP_POPULATE)
	if err != nil {
		q.close()
		return nil, fmt.Errorf("mapping descriptors of queue %d: %w", id, err)
	}

	q.bufs, err = unix.Mmap(-1, 0, int(depth)*int(maxIO), unix.PROT_READ|unix.PROT_WRITE, unix.MAP_PRIVATE|unix.MAP_ANONYMOUS)
	if err != nil {
		q.close()
		return nil, fmt.Errorf("allocating buffers of queue %d: %w", id, err)
	}

	// One in flight operation per tag, the completion queue is twice as
	// large.
	q.ring, err = uring.New(uring.Options{Entries: uint32(depth)})
	if err != nil {
		q.close()
		return nil, err
	}

	files := []int32{int32(q.charFd)}
	if backingFd >= 0 {
		files = append(files, int32(backingFd))
		q.backing = true
	}

	if err := q.ring.RegisterFiles(files); err != nil {
		q.close()
		return nil, err
	}

	return q, nil
}

func (q *queue) close() {
	if q.ring != nil {
		q.ring.Close()
	}

	if q.bufs != nil {
		unix.Munmap(q.bufs)
	}

	if q.descs != nil {
		unix.Munmap(q.descs)
	}

	if q.charFd >= 0 {
		unix.Close(q.charFd)
	}
}

// Descriptor implements dispatch.Host.
func (q *queue) Descriptor(tag uint16) dispatch.Descriptor {
	d := (*ioDesc)(unsafe.Pointer(&q.descs[int(tag)*ioDescSize]))

	return dispatch.Descriptor{
		OpFlags:     d.OpFlags,
		NrSectors:   d.NrSectors,
		StartSector: d.StartSector,
		Addr:        d.Addr,
	}
}

// Buffer implements dispatch.Host.
func (q *queue) Buffer(tag uint16) uint64 {
	return uint64(uintptr(unsafe.Pointer(&q.bufs[int(tag)*int(q.maxIO)])))
}

// Submit implements dispatch.Ring. A full submission queue is pushed to the
// kernel and the operation is queued again.
func (q *queue) Submit(op dispatch.Op) error {
	err := q.prep(op)
	if errors.Is(err, uring.ErrRingFull) {
		if _, err = q.ring.Submit(); err != nil {
			return err
		}
		err = q.prep(op)
	}

	return err
}

func (q *queue) prep(op dispatch.Op) error {
	tok := op.Token.Encode()

	switch op.Token.Op {
	case dispatch.OpFetch, dispatch.OpCommitAndFetch:
		cmd := ioCmd{QID: q.id, Tag: op.Token.Tag, Result: op.Result, Addr: op.Addr}
		return q.ring.PrepCmd(charIndex, ioOp(uint32(op.Token.Op)), cmd.bytes(), tok)
	}

	if !q.backing {
		return fmt.Errorf("queue %d has no backing file for %d", q.id, op.Token.Op)
	}

	switch op.Token.Op {
	case dispatch.OpRead:
		return q.ring.PrepRead(backingIndex, op.Addr, op.Len, op.Offset, tok)
	case dispatch.OpWrite:
		return q.ring.PrepWrite(backingIndex, op.Addr, op.Len, op.Offset, tok)
	case dispatch.OpFlush:
		return q.ring.PrepFsync(backingIndex, tok)
	}

	return fmt.Errorf("unknown operation %d", op.Token.Op)
}

// Flush pushes queued operations without waiting. Used after priming so
// that the fetch commands reach the driver before the device is started.
func (q *queue) Flush() error {
	_, err := q.ring.Submit()
	return err
}

// Wait implements dispatch.Ring.
func (q *queue) Wait() ([]dispatch.Completion, error) {
	if _, err := q.ring.SubmitAndWait(1); err != nil {
		return nil, err
	}

	cqes := q.ring.Completions(nil)
	completions := make([]dispatch.Completion, len(cqes))
	for i, c := range cqes {
		completions[i] = dispatch.Completion{UserData: c.UserData, Res: c.Res}
	}

	return completions, nil
}
