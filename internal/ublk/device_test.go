// Copyright (C) 2021 Vojtech Aschenbrenner <v@asch.cz>

package ublk

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/asch/vblock/internal/dispatch"
	"github.com/asch/vblock/internal/vblock/sectormap"
)

type fakeControl struct {
	mu      sync.Mutex
	started int
	stopped int
	deleted int
}

func (c *fakeControl) Start(uint32, int) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.started++
	return nil
}

func (c *fakeControl) Stop(uint32) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.stopped++
	return nil
}

func (c *fakeControl) Delete(uint32) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.deleted++
	return nil
}

func TestServeWaitsForQueuesWhenPrimingFails(t *testing.T) {
	errOpen := errors.New("cannot open char device")
	var waiting int32

	openQueue = func(ctx context.Context, _ uint32, id, _ uint16, _ uint32, _ int) (*queue, error) {
		if id == 0 {
			return nil, errOpen
		}

		// Other queues are still waiting for their char device.
		<-ctx.Done()
		atomic.AddInt32(&waiting, -1)
		return nil, ctx.Err()
	}
	defer func() { openQueue = newQueue }()

	ctrl := &fakeControl{}
	d := &Device{
		ctrl:      ctrl,
		backingFd: -1,
		info:      DevInfo{DevID: 7},
		log:       zerolog.Nop(),
		o: Options{
			Queues:    3,
			Depth:     4,
			MaxIOSize: uint32(pageSize),
			Mapper:    sectormap.Linear(0, 8, 512),
			Wrap:      func(r dispatch.Ring) dispatch.Ring { return r },
		},
	}
	atomic.StoreInt32(&waiting, 2)

	err := d.Serve(context.Background())
	require.True(t, errors.Is(err, errOpen))

	assert.Equal(t, int32(0), atomic.LoadInt32(&waiting))
	assert.Equal(t, 0, ctrl.started)
	assert.Equal(t, 1, ctrl.stopped)
}
