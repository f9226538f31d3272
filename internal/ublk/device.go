// Copyright (C) 2021 Vojtech Aschenbrenner <v@asch.cz>

// Package ublk hosts a block device in user space through the ublk driver.
// The control client creates and removes devices, every hardware queue of
// a device is served by its own go routine locked to an OS thread, which is
// what the driver requires. Requests of a queue are handled by the dispatch
// engine.
package ublk

import (
	"context"
	"errors"
	"fmt"
	"os"
	"runtime"
	"sync"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"

	"github.com/asch/vblock/internal/dispatch"
)

var ErrInvalidOptions = errors.New("invalid device options")

// Options to use in Add() function due to high number of parameters. There
// is lower chance of ordering mistake with named parameters.
type Options struct {
	// Requested device id or AutoID.
	ID uint32

	Queues    uint16
	Depth     uint16
	MaxIOSize uint32

	// Submissions of one backing I/O before EAGAIN is reported.
	Attempts int

	Params Params

	// Backing file of the device. Nil when Wrap serves the requests.
	Backing *os.File

	// Translates request sectors to byte offsets of Backing.
	Mapper dispatch.Mapper

	// Optional wrapper of the ring of every queue.
	Wrap func(dispatch.Ring) dispatch.Ring

	// Directory for the JSON descriptor. Empty disables publishing.
	RunDir string

	// Informative fields of the descriptor.
	Target string
	VBlock *uint32
}

// Control commands issued by a device after it was added.
type controller interface {
	Start(id uint32, pid int) error
	Stop(id uint32) error
	Delete(id uint32) error
}

// Opens kernel resources of one queue.
var openQueue = newQueue

// Device added to the driver.
type Device struct {
	ctrl      controller
	o         Options
	info      DevInfo
	backingFd int
	stopOnce  sync.Once
	published string
	log       zerolog.Logger
}

func (o *Options) validate() error {
	switch {
	case o.Queues == 0 || o.Queues > maxQueues:
		return fmt.Errorf("%w: %d queues", ErrInvalidOptions, o.Queues)
	case o.Depth == 0 || o.Depth > maxQueueDepth:
		return fmt.Errorf("%w: queue depth %d", ErrInvalidOptions, o.Depth)
	case o.MaxIOSize == 0 || o.MaxIOSize%uint32(pageSize) != 0:
		return fmt.Errorf("%w: max io size %d", ErrInvalidOptions, o.MaxIOSize)
	case o.Backing == nil && o.Wrap == nil:
		return fmt.Errorf("%w: neither backing file nor ring wrapper", ErrInvalidOptions)
	case o.Mapper == nil:
		return fmt.Errorf("%w: no mapper", ErrInvalidOptions)
	}

	return nil
}

// Add creates the device and sets its parameters. The block device appears
// after Serve primes all queues.
func Add(ctrl *Control, o Options) (*Device, error) {
	if err := o.validate(); err != nil {
		return nil, err
	}

	d := &Device{ctrl: ctrl, o: o, backingFd: -1}
	if o.Backing != nil {
		d.backingFd = int(o.Backing.Fd())
	}

	d.info = DevInfo{
		NrHwQueues:    o.Queues,
		QueueDepth:    o.Depth,
		MaxIOBufBytes: o.MaxIOSize,
		DevID:         o.ID,
		UblksrvPID:    int32(os.Getpid()),
		Flags:         FeatureCmdIoctlEncode,
	}

	if err := ctrl.Add(&d.info); err != nil {
		return nil, err
	}

	d.log = log.With().Uint32("dev", d.info.DevID).Logger()

	if err := ctrl.SetParams(d.info.DevID, &d.o.Params); err != nil {
		if delErr := ctrl.Delete(d.info.DevID); delErr != nil {
			d.log.Warn().Err(delErr).Msg("Cannot delete half created device")
		}
		return nil, err
	}

	d.log.Info().Uint16("queues", o.Queues).Uint16("depth", o.Depth).Uint64("sectors", o.Params.Basic.DevSectors).Msg("Device added")

	return d, nil
}

// ID returns the id assigned by the driver.
func (d *Device) ID() uint32 {
	return d.info.DevID
}

// Serve runs all queues, starts the device and blocks until all queues are
// aborted by the driver. Cancellation of ctx stops the device, which
// aborts the queues.
func (d *Device) Serve(ctx context.Context) error {
	ready := make(chan error, d.o.Queues)
	drained := make(chan struct{})

	qctx, cancel := context.WithCancel(ctx)
	defer cancel()

	var g errgroup.Group
	for i := uint16(0); i < d.o.Queues; i++ {
		qid := i
		g.Go(func() error {
			err := d.serveQueue(qctx, qid, ready)
			if err != nil {
				d.log.Error().Uint16("queue", qid).Err(err).Msg("Queue failed")
				d.stop()
			}
			return err
		})
	}

	// The device never starts. Queues still opening give up with the
	// context, primed queues are aborted by the stop.
	abort := func(err error) error {
		cancel()
		d.stop()
		g.Wait()
		return err
	}

	for i := uint16(0); i < d.o.Queues; i++ {
		if err := <-ready; err != nil {
			return abort(err)
		}
	}

	if err := d.ctrl.Start(d.ID(), os.Getpid()); err != nil {
		return abort(err)
	}

	d.log.Info().Str("block_device", BlockDevice(d.ID())).Msg("Device started")

	if d.o.RunDir != "" {
		if err := d.publish(); err != nil {
			d.log.Warn().Err(err).Msg("Cannot publish device descriptor")
		}
	}

	go func() {
		select {
		case <-ctx.Done():
			d.stop()
		case <-drained:
		}
	}()

	err := g.Wait()
	close(drained)

	d.log.Info().Msg("All queues drained")

	return err
}

// Serves one queue on the current OS thread. ready receives exactly one
// value, nil once the fetch commands reached the driver.
func (d *Device) serveQueue(ctx context.Context, qid uint16, ready chan<- error) error {
	runtime.LockOSThread()
	defer runtime.UnlockOSThread()

	q, err := openQueue(ctx, d.ID(), qid, d.o.Depth, d.o.MaxIOSize, d.backingFd)
	if err != nil {
		ready <- err
		return err
	}
	defer q.close()

	var ring dispatch.Ring = q
	if d.o.Wrap != nil {
		ring = d.o.Wrap(q)
	}

	engine := dispatch.NewQueue(dispatch.Options{
		ID:       qid,
		Depth:    d.o.Depth,
		Attempts: d.o.Attempts,
		Ring:     ring,
		Host:     q,
		Mapper:   d.o.Mapper,
	})

	err = engine.Prime()
	if err == nil {
		err = q.Flush()
	}
	ready <- err
	if err != nil {
		return err
	}

	return engine.Run()
}

// Stops the device at most once.
func (d *Device) stop() {
	d.stopOnce.Do(func() {
		if err := d.ctrl.Stop(d.ID()); err != nil {
			d.log.Warn().Err(err).Msg("Cannot stop device")
			return
		}
		d.log.Info().Msg("Device stopped")
	})
}

// Close deletes the device from the driver and removes its descriptor. It
// has to be called after Serve returned.
func (d *Device) Close() error {
	if d.published != "" {
		if err := os.Remove(d.published); err != nil {
			d.log.Warn().Err(err).Msg("Cannot remove device descriptor")
		}
	}

	return d.ctrl.Delete(d.ID())
}

func (d *Device) publish() error {
	desc := Descriptor{
		ID:          d.ID(),
		BlockDevice: BlockDevice(d.ID()),
		CharDevice:  CharDevice(d.ID()),
		PID:         os.Getpid(),
		Queues:      d.o.Queues,
		Depth:       d.o.Depth,
		Sectors:     d.o.Params.Basic.DevSectors,
		Target:      d.o.Target,
		VBlock:      d.o.VBlock,
	}

	path, err := WriteDescriptor(d.o.RunDir, desc)
	if err != nil {
		return err
	}

	d.published = path

	return nil
}
