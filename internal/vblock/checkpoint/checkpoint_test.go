// Copyright (C) 2021 Vojtech Aschenbrenner <v@asch.cz>

package checkpoint

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var errMissing = errors.New("no such key")

type memStore map[string][]byte

func (m memStore) Upload(key string, buf []byte) error {
	m[key] = append([]byte(nil), buf...)
	return nil
}

func (m memStore) DownloadAt(key string, buf []byte, offset int64) error {
	obj, ok := m[key]
	if !ok {
		return errMissing
	}
	copy(buf, obj[offset:])
	return nil
}

func (m memStore) GetObjectSize(key string) (int64, error) {
	obj, ok := m[key]
	if !ok {
		return 0, errMissing
	}
	return int64(len(obj)), nil
}

func TestSaveRestore(t *testing.T) {
	s := memStore{}
	image := []byte("metadata image")

	require.NoError(t, Save(s, "disk0", image))
	assert.Contains(t, s, "vblock/disk0/metadata")

	got, err := Restore(s, "disk0", len(image))
	require.NoError(t, err)
	assert.Equal(t, image, got)
}

func TestRestoreErrors(t *testing.T) {
	s := memStore{}

	_, err := Restore(s, "disk0", 10)
	assert.True(t, errors.Is(err, errMissing))

	require.NoError(t, Save(s, "disk0", make([]byte, 4)))
	_, err = Restore(s, "disk0", 10)
	assert.True(t, errors.Is(err, ErrSizeMismatch))
}
