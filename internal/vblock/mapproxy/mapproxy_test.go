// Copyright (C) 2021 Vojtech Aschenbrenner <v@asch.cz>

package mapproxy

import (
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/asch/vblock/internal/vblock/master"
)

func newProxy(t *testing.T, size uint32) *Proxy {
	t.Helper()
	m, err := master.New(master.Geometry{BlockSize: 4096, ClusterBlocks: 256}, size, 1)
	require.NoError(t, err)
	p := New(m)
	t.Cleanup(p.Close)
	return p
}

func TestConcurrentCreatesAreSerialized(t *testing.T) {
	p := newProxy(t, 1001)

	var wg sync.WaitGroup
	ids := make(chan uint32, 100)
	for i := 0; i < 100; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			v, err := p.Create(10)
			if assert.NoError(t, err) {
				ids <- v.ID
			}
		}()
	}
	wg.Wait()
	close(ids)

	seen := make(map[uint32]bool)
	for id := range ids {
		assert.False(t, seen[id], "duplicate id %d", id)
		seen[id] = true
	}
	assert.Len(t, seen, 100)

	_, err := p.Create(1)
	assert.True(t, errors.Is(err, master.ErrInsufficientSpace))
}

func TestProxyOperations(t *testing.T) {
	p := newProxy(t, 100)

	v, err := p.Create(5)
	require.NoError(t, err)

	got, err := p.Lookup(v.ID)
	require.NoError(t, err)
	assert.Equal(t, v, got)

	assert.Len(t, p.List(), 1)

	image, err := p.Encode()
	require.NoError(t, err)
	d, err := master.Decode(image)
	require.NoError(t, err)
	assert.Equal(t, p.List(), d.List())

	require.NoError(t, p.Delete(v.ID))
	assert.True(t, errors.Is(p.Delete(v.ID), master.ErrNotFound))
	assert.Empty(t, p.List())
}

func TestClosedProxy(t *testing.T) {
	p := newProxy(t, 10)
	p.Close()

	_, err := p.Create(1)
	assert.True(t, errors.Is(err, ErrClosed))
	assert.True(t, errors.Is(p.Delete(0), ErrClosed))
	_, err = p.Encode()
	assert.True(t, errors.Is(err, ErrClosed))
	assert.Nil(t, p.List())
}
