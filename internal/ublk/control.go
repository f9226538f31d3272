// Copyright (C) 2021 Vojtech Aschenbrenner <v@asch.cz>

package ublk

import (
	"fmt"
	"runtime"
	"sync"
	"unsafe"

	"golang.org/x/sys/unix"

	"github.com/asch/vblock/internal/uring"
)

// AutoID asks the driver to pick the device id.
const AutoID = ^uint32(0)

// Control is a client of the ublk control device. It is safe for concurrent
// use, commands are executed one at a time.
type Control struct {
	mu   sync.Mutex
	fd   int
	ring *uring.Ring
}

// OpenControl opens the control device and sets up the ring for control
// commands.
func OpenControl() (*Control, error) {
	fd, err := unix.Open(controlPath, unix.O_RDWR|unix.O_CLOEXEC, 0)
	if err != nil {
		return nil, fmt.Errorf("opening %s: %w", controlPath, err)
	}

	// Control commands carry 32 bytes of payload.
	ring, err := uring.New(uring.Options{Entries: 4, SQE128: true})
	if err != nil {
		unix.Close(fd)
		return nil, err
	}

	return &Control{fd: fd, ring: ring}, nil
}

func (c *Control) Close() error {
	c.ring.Close()
	return unix.Close(c.fd)
}

// Executes one control command and returns its result.
func (c *Control) exec(nr uint32, cmd *ctrlCmd) (int32, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	payload := (*[unsafe.Sizeof(ctrlCmd{})]byte)(unsafe.Pointer(cmd))[:]
	if err := c.ring.PrepCmd(int32(c.fd), ctrlOp(nr), payload, uint64(nr)); err != nil {
		return 0, err
	}

	if _, err := c.ring.SubmitAndWait(1); err != nil {
		return 0, err
	}

	cqes := c.ring.Completions(nil)
	if len(cqes) != 1 || cqes[0].UserData != uint64(nr) {
		return 0, fmt.Errorf("unexpected control completions %v", cqes)
	}

	if res := cqes[0].Res; res < 0 {
		return res, unix.Errno(-res)
	}

	return cqes[0].Res, nil
}

// Add creates a new device described by info. On success info is updated
// by the driver, most notably with the assigned device id.
func (c *Control) Add(info *DevInfo) error {
	cmd := ctrlCmd{
		DevID:   info.DevID,
		QueueID: ^uint16(0),
		Addr:    uint64(uintptr(unsafe.Pointer(info))),
		Len:     uint16(unsafe.Sizeof(*info)),
	}

	_, err := c.exec(cmdAddDev, &cmd)
	runtime.KeepAlive(info)
	if err != nil {
		return fmt.Errorf("adding device: %w", err)
	}

	return nil
}

// SetParams passes parameters of device id to the driver.
func (c *Control) SetParams(id uint32, p *Params) error {
	cmd := ctrlCmd{
		DevID:   id,
		QueueID: ^uint16(0),
		Addr:    uint64(uintptr(unsafe.Pointer(p))),
		Len:     uint16(unsafe.Sizeof(*p)),
	}

	_, err := c.exec(cmdSetParams, &cmd)
	runtime.KeepAlive(p)
	if err != nil {
		return fmt.Errorf("setting parameters of device %d: %w", id, err)
	}

	return nil
}

// Start exposes the block device. All queues of the device have to have
// their fetch commands submitted, otherwise the driver blocks.
func (c *Control) Start(id uint32, pid int) error {
	cmd := ctrlCmd{DevID: id, QueueID: ^uint16(0), Data: uint64(pid)}

	if _, err := c.exec(cmdStartDev, &cmd); err != nil {
		return fmt.Errorf("starting device %d: %w", id, err)
	}

	return nil
}

// Stop removes the block device and aborts all fetch commands of its
// queues.
func (c *Control) Stop(id uint32) error {
	cmd := ctrlCmd{DevID: id, QueueID: ^uint16(0)}

	if _, err := c.exec(cmdStopDev, &cmd); err != nil {
		return fmt.Errorf("stopping device %d: %w", id, err)
	}

	return nil
}

// Delete removes the device. The driver waits until the char device is
// closed by the server.
func (c *Control) Delete(id uint32) error {
	cmd := ctrlCmd{DevID: id, QueueID: ^uint16(0)}

	if _, err := c.exec(cmdDelDev, &cmd); err != nil {
		return fmt.Errorf("deleting device %d: %w", id, err)
	}

	return nil
}

// Info returns information about device id.
func (c *Control) Info(id uint32) (DevInfo, error) {
	var info DevInfo
	cmd := ctrlCmd{
		DevID:   id,
		QueueID: ^uint16(0),
		Addr:    uint64(uintptr(unsafe.Pointer(&info))),
		Len:     uint16(unsafe.Sizeof(info)),
	}

	_, err := c.exec(cmdGetDevInfo, &cmd)
	runtime.KeepAlive(&info)
	if err != nil {
		return DevInfo{}, fmt.Errorf("querying device %d: %w", id, err)
	}

	return info, nil
}

// Features returns the feature bitmask supported by the driver.
func (c *Control) Features() (uint64, error) {
	var features uint64
	cmd := ctrlCmd{
		DevID:   AutoID,
		QueueID: ^uint16(0),
		Addr:    uint64(uintptr(unsafe.Pointer(&features))),
		Len:     uint16(unsafe.Sizeof(features)),
	}

	_, err := c.exec(cmdGetFeatures, &cmd)
	runtime.KeepAlive(&features)
	if err != nil {
		return 0, fmt.Errorf("querying features: %w", err)
	}

	return features, nil
}
