// Copyright (C) 2021 Vojtech Aschenbrenner <v@asch.cz>

package vblock

import (
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/asch/vblock/internal/vblock/master"
	"github.com/asch/vblock/internal/vblock/sectormap"
)

// 4 KiB clusters.
var testOptions = Options{
	Geometry: master.Geometry{BlockSize: 512, ClusterBlocks: 8},
	Reserved: 1,
}

func newTarget(t *testing.T, size int64) string {
	t.Helper()

	path := filepath.Join(t.TempDir(), "target")
	f, err := os.Create(path)
	require.NoError(t, err)
	require.NoError(t, f.Truncate(size))
	require.NoError(t, f.Close())

	return path
}

type memStore map[string][]byte

func (m memStore) Upload(key string, buf []byte) error {
	m[key] = append([]byte(nil), buf...)
	return nil
}

func (m memStore) DownloadAt(key string, buf []byte, offset int64) error {
	copy(buf, m[key][offset:])
	return nil
}

func (m memStore) GetObjectSize(key string) (int64, error) {
	obj, ok := m[key]
	if !ok {
		return 0, errors.New("no such key")
	}
	return int64(len(obj)), nil
}

func TestFormatCreateReopen(t *testing.T) {
	path := newTarget(t, 4<<20)

	v, err := Format(path, testOptions, false)
	require.NoError(t, err)

	size, reserved, allocated := v.Usage()
	assert.Equal(t, uint32(1024), size)
	assert.Equal(t, uint32(1), reserved)
	assert.Zero(t, allocated)

	a, err := v.Create(100)
	require.NoError(t, err)
	b, err := v.Create(10)
	require.NoError(t, err)
	require.NoError(t, v.Delete(a.ID))
	require.NoError(t, v.Close())

	v, err = Open(path, testOptions)
	require.NoError(t, err)
	defer v.Close()

	list := v.List()
	require.Len(t, list, 1)
	assert.Equal(t, b, list[0])

	_, err = v.Lookup(a.ID)
	assert.True(t, errors.Is(err, master.ErrNotFound))

	m, err := v.Map(b.ID)
	require.NoError(t, err)
	assert.Equal(t, uint64(10*8), m.Sectors())

	off, err := m.Translate(0)
	require.NoError(t, err)
	assert.Equal(t, uint64(101*4096), off)

	_, err = v.Map(a.ID)
	assert.True(t, errors.Is(err, master.ErrNotFound))
}

func TestFormatKeepsExisting(t *testing.T) {
	path := newTarget(t, 1<<20)

	v, err := Format(path, testOptions, false)
	require.NoError(t, err)
	_, err = v.Create(5)
	require.NoError(t, err)
	require.NoError(t, v.Close())

	_, err = Format(path, testOptions, false)
	assert.True(t, errors.Is(err, ErrFormatted))

	v, err = Format(path, testOptions, true)
	require.NoError(t, err)
	assert.Empty(t, v.List())
	require.NoError(t, v.Close())
}

func TestOpenErrors(t *testing.T) {
	path := newTarget(t, 1<<20)

	_, err := Open(path, testOptions)
	assert.True(t, errors.Is(err, master.ErrBlank))

	v, err := Format(path, testOptions, false)
	require.NoError(t, err)
	require.NoError(t, v.Close())

	other := testOptions
	other.Geometry.ClusterBlocks = 16
	_, err = Open(path, other)
	assert.True(t, errors.Is(err, ErrGeometryMismatch))

	_, err = Format(newTarget(t, 2048), testOptions, false)
	assert.True(t, errors.Is(err, ErrTooSmall))
}

func TestTargetIsLocked(t *testing.T) {
	path := newTarget(t, 1<<20)

	v, err := Format(path, testOptions, false)
	require.NoError(t, err)

	_, err = Open(path, testOptions)
	assert.True(t, errors.Is(err, ErrLocked))

	require.NoError(t, v.Close())

	v, err = Open(path, testOptions)
	require.NoError(t, err)
	require.NoError(t, v.Close())
}

func TestRestoreFromMirror(t *testing.T) {
	mirror := memStore{}
	o := testOptions
	o.Mirror = mirror
	o.MirrorName = "disk0"

	v, err := Format(newTarget(t, 1<<20), o, false)
	require.NoError(t, err)
	meta, err := v.Create(7)
	require.NoError(t, err)
	require.NoError(t, v.Close())

	assert.Len(t, mirror["vblock/disk0/metadata"], 4096)

	// A blank replacement target gets the master block back.
	path := newTarget(t, 1<<20)
	v, err = Open(path, o)
	require.NoError(t, err)
	assert.Equal(t, []master.VBlockMeta{meta}, v.List())
	require.NoError(t, v.Close())

	v, err = Open(path, testOptions)
	require.NoError(t, err)
	assert.Len(t, v.List(), 1)
	require.NoError(t, v.Close())
}

func TestLinearTarget(t *testing.T) {
	path := newTarget(t, 1<<20)

	target, err := OpenTarget(path)
	require.NoError(t, err)
	defer target.Close()

	m := target.Linear()
	assert.Equal(t, uint64(2048), m.Sectors())

	_, err = m.Translate(2048)
	assert.True(t, errors.Is(err, sectormap.ErrOutOfRange))
}

type failingStore struct{ memStore }

func (failingStore) Upload(string, []byte) error {
	return errors.New("mirror unavailable")
}

func TestCreateRollsBackUnsavedVBlock(t *testing.T) {
	path := newTarget(t, 1<<20)

	v, err := Format(path, testOptions, false)
	require.NoError(t, err)

	// One 4 KiB metadata cluster holds 83 single extent vblocks.
	for i := 0; i < 83; i++ {
		_, err := v.Create(1)
		require.NoError(t, err)
	}

	_, err = v.Create(1)
	require.True(t, errors.Is(err, master.ErrMetadataFull))
	assert.Len(t, v.List(), 83)

	_, _, allocated := v.Usage()
	assert.Equal(t, uint32(1+83), allocated)
	require.NoError(t, v.Close())

	v, err = Open(path, testOptions)
	require.NoError(t, err)
	defer v.Close()
	assert.Len(t, v.List(), 83)
}

func TestCreateRollsBackWhenMirrorFails(t *testing.T) {
	path := newTarget(t, 1<<20)

	v, err := Format(path, testOptions, false)
	require.NoError(t, err)
	require.NoError(t, v.Close())

	o := testOptions
	o.Mirror = failingStore{memStore{}}
	v, err = Open(path, o)
	require.NoError(t, err)

	_, err = v.Create(10)
	require.Error(t, err)
	assert.Empty(t, v.List())
	require.NoError(t, v.Close())

	v, err = Open(path, testOptions)
	require.NoError(t, err)
	defer v.Close()
	assert.Empty(t, v.List())

	_, _, allocated := v.Usage()
	assert.Equal(t, uint32(1), allocated)
}
