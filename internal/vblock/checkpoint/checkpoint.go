// Copyright (C) 2021 Vojtech Aschenbrenner <v@asch.cz>

// Package checkpoint mirrors metadata images of master blocks to an object
// store. The mirror is used to restore the vblock directory when the
// metadata clusters of a target were lost, e.g. after the target was
// replaced by a blank one.
package checkpoint

import (
	"errors"
	"fmt"
	"path"
)

const (
	// Prefix of all checkpoint objects.
	keyPrefix = "vblock"
)

var ErrSizeMismatch = errors.New("checkpoint size does not match the metadata area")

// Interface for the object store backend. Anything implementing this
// interface can be used as a mirror.
type Store interface {
	// Uploads data in buf under the key identifier.
	Upload(key string, buf []byte) error

	// Downloads data into buf starting from offset in the object
	// identified by key. The length of buf is the length of requested
	// data.
	DownloadAt(key string, buf []byte, offset int64) error

	// Returns size in bytes of object identified by key.
	GetObjectSize(key string) (int64, error)
}

// Key returns the object key of the metadata image of target name.
func Key(name string) string {
	return path.Join(keyPrefix, name, "metadata")
}

// Save uploads the metadata image of target name.
func Save(s Store, name string, image []byte) error {
	if err := s.Upload(Key(name), image); err != nil {
		return fmt.Errorf("uploading checkpoint of %s: %w", name, err)
	}

	return nil
}

// Restore downloads the metadata image of target name. The image has to be
// exactly size bytes long, otherwise it belongs to a different geometry.
func Restore(s Store, name string, size int) ([]byte, error) {
	key := Key(name)

	objSize, err := s.GetObjectSize(key)
	if err != nil {
		return nil, fmt.Errorf("looking up checkpoint of %s: %w", name, err)
	}

	if objSize != int64(size) {
		return nil, fmt.Errorf("%w: %d != %d", ErrSizeMismatch, objSize, size)
	}

	image := make([]byte, size)
	if err := s.DownloadAt(key, image, 0); err != nil {
		return nil, fmt.Errorf("downloading checkpoint of %s: %w", name, err)
	}

	return image, nil
}
