// Copyright (C) 2021 Vojtech Aschenbrenner <v@asch.cz>

package sectormap

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/asch/vblock/internal/vblock/master"
)

// 8 sectors of 512 bytes per cluster keep the numbers readable.
var testGeometry = master.Geometry{BlockSize: 512, ClusterBlocks: 8}

func TestSingleExtentBounds(t *testing.T) {
	cb := testGeometry.ClusterBytes()
	m := New([]master.Extent{{Start: 3, Length: 2}}, cb, SectorUnit)
	require.Equal(t, uint64(16), m.Sectors())

	for s := uint64(0); s < m.Sectors(); s++ {
		off, err := m.Translate(s)
		require.NoError(t, err)
		assert.Equal(t, 3*cb+s*SectorUnit, off)
	}

	for _, s := range []uint64{16, 17, 1 << 40} {
		_, err := m.Translate(s)
		assert.True(t, errors.Is(err, ErrOutOfRange), "sector %d", s)
	}
}

func TestFragmentedExtents(t *testing.T) {
	cb := testGeometry.ClusterBytes()
	m := New([]master.Extent{{Start: 10, Length: 1}, {Start: 2, Length: 2}, {Start: 30, Length: 1}}, cb, SectorUnit)
	require.Equal(t, uint64(32), m.Sectors())

	cases := []struct {
		sector uint64
		offset uint64
	}{
		{0, 10 * cb},
		{7, 10*cb + 7*SectorUnit},
		{8, 2 * cb},
		{23, 2*cb + 15*SectorUnit},
		{24, 30 * cb},
		{31, 30*cb + 7*SectorUnit},
	}

	for _, c := range cases {
		off, err := m.Translate(c.sector)
		require.NoError(t, err)
		assert.Equal(t, c.offset, off, "sector %d", c.sector)
	}

	_, err := m.Translate(32)
	assert.True(t, errors.Is(err, ErrOutOfRange))
}

func TestTranslateRange(t *testing.T) {
	cb := testGeometry.ClusterBytes()
	m := New([]master.Extent{{Start: 10, Length: 1}, {Start: 2, Length: 2}}, cb, SectorUnit)

	off, err := m.TranslateRange(8, 16)
	require.NoError(t, err)
	assert.Equal(t, 2*cb, off)

	_, err = m.TranslateRange(6, 4)
	assert.True(t, errors.Is(err, ErrCrossesExtent))

	_, err = m.TranslateRange(20, 5)
	assert.True(t, errors.Is(err, ErrOutOfRange))

	_, err = m.TranslateRange(24, 0)
	assert.True(t, errors.Is(err, ErrOutOfRange))

	_, err = m.TranslateRange(1<<64-1, 2)
	assert.True(t, errors.Is(err, ErrOutOfRange), "overflowing range")
}

func TestLinear(t *testing.T) {
	m := Linear(0, 100, SectorUnit)

	off, err := m.TranslateRange(99, 1)
	require.NoError(t, err)
	assert.Equal(t, uint64(99*SectorUnit), off)

	_, err = m.TranslateRange(99, 2)
	assert.True(t, errors.Is(err, ErrOutOfRange))
}

func TestTranslatorPerVBlock(t *testing.T) {
	mb, err := master.New(testGeometry, 100, 1)
	require.NoError(t, err)
	a, err := mb.CreateVBlock(4)
	require.NoError(t, err)
	b, err := mb.CreateVBlock(2)
	require.NoError(t, err)

	tr := NewTranslator(mb.List(), testGeometry, SectorUnit)

	for _, v := range []master.VBlockMeta{a, b} {
		sectors := uint64(v.Allocated) * testGeometry.ClusterBytes() / SectorUnit
		for s := uint64(0); s < sectors; s++ {
			_, err := tr.Translate(v.ID, s)
			require.NoError(t, err)
		}
		_, err := tr.Translate(v.ID, sectors)
		assert.True(t, errors.Is(err, ErrOutOfRange))
	}

	off, err := tr.Translate(b.ID, 0)
	require.NoError(t, err)
	assert.Equal(t, uint64(b.Extents[0].Start)*testGeometry.ClusterBytes(), off)

	_, err = tr.Translate(b.ID+100, 0)
	assert.True(t, errors.Is(err, master.ErrNotFound))
}
