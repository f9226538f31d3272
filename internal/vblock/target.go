// Copyright (C) 2021 Vojtech Aschenbrenner <v@asch.cz>

package vblock

import (
	"errors"
	"fmt"
	"os"

	"github.com/gofrs/flock"

	"github.com/asch/vblock/internal/layout"
	"github.com/asch/vblock/internal/vblock/sectormap"
)

var ErrLocked = errors.New("target is used by another process")

// Target is an exclusively locked backing file or block device with known
// layout.
type Target struct {
	path   string
	file   *os.File
	lock   *flock.Flock
	layout layout.Layout
}

// OpenTarget locks the target at path, opens it for reading and writing and
// probes its layout.
func OpenTarget(path string) (*Target, error) {
	lock := flock.New(path)

	locked, err := lock.TryLock()
	if err != nil {
		return nil, fmt.Errorf("locking %s: %w", path, err)
	}
	if !locked {
		return nil, fmt.Errorf("%w: %s", ErrLocked, path)
	}

	f, err := os.OpenFile(path, os.O_RDWR, 0)
	if err != nil {
		lock.Unlock()
		return nil, err
	}

	l, err := layout.Probe(f)
	if err != nil {
		f.Close()
		lock.Unlock()
		return nil, fmt.Errorf("probing %s: %w", path, err)
	}

	return &Target{path: path, file: f, lock: lock, layout: l}, nil
}

func (t *Target) Path() string {
	return t.path
}

func (t *Target) File() *os.File {
	return t.file
}

func (t *Target) Layout() layout.Layout {
	return t.layout
}

// Linear returns map exposing the whole target.
func (t *Target) Linear() *sectormap.Map {
	return sectormap.Linear(0, t.layout.Size/sectormap.SectorUnit, sectormap.SectorUnit)
}

// Close closes the target and releases the lock.
func (t *Target) Close() error {
	err := t.file.Close()
	if uerr := t.lock.Unlock(); err == nil {
		err = uerr
	}

	return err
}
