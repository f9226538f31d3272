// Copyright (C) 2021 Vojtech Aschenbrenner <v@asch.cz>

package vblock

import (
	"errors"
	"fmt"
	"path/filepath"

	"github.com/rs/zerolog/log"

	"github.com/asch/vblock/internal/vblock/checkpoint"
	"github.com/asch/vblock/internal/vblock/mapproxy"
	"github.com/asch/vblock/internal/vblock/master"
	"github.com/asch/vblock/internal/vblock/sectormap"
)

var (
	ErrFormatted        = errors.New("target already holds a master block")
	ErrGeometryMismatch = errors.New("master block geometry differs from the configured one")
	ErrTooSmall         = errors.New("target is too small for the metadata clusters")
)

// Options to use in Format() and Open() functions.
type Options struct {
	Geometry master.Geometry

	// Clusters reserved for the master block at the start of the target.
	Reserved uint32

	// Object store mirroring the master block. Nil disables mirroring.
	Mirror checkpoint.Store

	// Name of the target in the mirror. Base name of the target path when
	// empty.
	MirrorName string
}

// Volume is a target holding a master block. All mutations of the master
// block go through the allocator proxy.
type Volume struct {
	*Target

	o        Options
	size     uint32
	reserved uint32
	proxy    *mapproxy.Proxy
}

// Format writes an empty master block to the target at path. Unless force
// is set an existing master block is kept and ErrFormatted returned.
func Format(path string, o Options, force bool) (*Volume, error) {
	t, err := OpenTarget(path)
	if err != nil {
		return nil, err
	}

	v, err := format(t, o, force)
	if err != nil {
		t.Close()
		return nil, err
	}

	return v, nil
}

func format(t *Target, o Options, force bool) (*Volume, error) {
	clusters := t.layout.Size / o.Geometry.ClusterBytes()
	if clusters > uint64(^uint32(0)) {
		clusters = uint64(^uint32(0))
	}

	if !force {
		_, err := readMaster(t, o)
		if err == nil {
			return nil, fmt.Errorf("%w: %s", ErrFormatted, t.path)
		}
		if !errors.Is(err, master.ErrBlank) {
			log.Debug().Err(err).Str("target", t.path).Msg("Overwriting unreadable metadata")
		}
	}

	m, err := master.New(o.Geometry, uint32(clusters), o.Reserved)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrTooSmall, err)
	}

	v := newVolume(t, o, m)
	if err := v.Save(); err != nil {
		v.proxy.Close()
		return nil, err
	}

	log.Info().Str("target", t.path).Uint32("clusters", m.Size()).Uint32("reserved", m.Reserved()).Msg("Formatted")

	return v, nil
}

// Open loads the master block of the target at path. A blank metadata area
// is restored from the mirror when one is configured.
func Open(path string, o Options) (*Volume, error) {
	t, err := OpenTarget(path)
	if err != nil {
		return nil, err
	}

	m, err := readMaster(t, o)
	if errors.Is(err, master.ErrBlank) && o.Mirror != nil {
		m, err = restoreMaster(t, o)
	}
	if err != nil {
		t.Close()
		return nil, fmt.Errorf("loading master block of %s: %w", path, err)
	}

	return newVolume(t, o, m), nil
}

func newVolume(t *Target, o Options, m *master.Master) *Volume {
	return &Volume{
		Target:   t,
		o:        o,
		size:     m.Size(),
		reserved: m.Reserved(),
		proxy:    mapproxy.New(m),
	}
}

// Reads and decodes the metadata area described by o.
func readMaster(t *Target, o Options) (*master.Master, error) {
	size := uint64(o.Reserved) * o.Geometry.ClusterBytes()
	if size == 0 || size > t.layout.Size {
		return nil, fmt.Errorf("%w: %d bytes of metadata", ErrTooSmall, size)
	}

	image := make([]byte, size)
	if _, err := t.file.ReadAt(image, 0); err != nil {
		return nil, err
	}

	return decode(t, o, image)
}

// Decodes image and checks it against the configuration and the target.
func decode(t *Target, o Options, image []byte) (*master.Master, error) {
	m, err := master.Decode(image)
	if err != nil {
		return nil, err
	}

	if m.Geometry() != o.Geometry || m.Reserved() != o.Reserved {
		return nil, fmt.Errorf("%w: %+v with %d reserved", ErrGeometryMismatch, m.Geometry(), m.Reserved())
	}

	if uint64(m.Size())*o.Geometry.ClusterBytes() > t.layout.Size {
		return nil, fmt.Errorf("%w: %d clusters recorded", ErrTooSmall, m.Size())
	}

	return m, nil
}

func restoreMaster(t *Target, o Options) (*master.Master, error) {
	size := int(uint64(o.Reserved) * o.Geometry.ClusterBytes())

	image, err := checkpoint.Restore(o.Mirror, mirrorName(t, o), size)
	if err != nil {
		return nil, err
	}

	m, err := decode(t, o, image)
	if err != nil {
		return nil, err
	}

	if err := writeImage(t, image); err != nil {
		return nil, err
	}

	log.Info().Str("target", t.path).Msg("Master block restored from mirror")

	return m, nil
}

func mirrorName(t *Target, o Options) string {
	if o.MirrorName != "" {
		return o.MirrorName
	}

	return filepath.Base(t.path)
}

func writeImage(t *Target, image []byte) error {
	if _, err := t.file.WriteAt(image, 0); err != nil {
		return err
	}

	return t.file.Sync()
}

// Save writes the master block to the metadata area and to the mirror.
func (v *Volume) Save() error {
	image, err := v.proxy.Encode()
	if err != nil {
		return err
	}

	if err := writeImage(v.Target, image); err != nil {
		return fmt.Errorf("writing master block of %s: %w", v.path, err)
	}

	if v.o.Mirror != nil {
		if err := checkpoint.Save(v.o.Mirror, mirrorName(v.Target, v.o), image); err != nil {
			return err
		}
	}

	return nil
}

// Create allocates a vblock of clusters clusters and persists the master
// block.
func (v *Volume) Create(clusters uint32) (master.VBlockMeta, error) {
	meta, err := v.proxy.Create(clusters)
	if err != nil {
		return master.VBlockMeta{}, err
	}

	if err := v.Save(); err != nil {
		v.rollback(meta.ID)
		return master.VBlockMeta{}, err
	}

	return meta, nil
}

// Releases vblock id which could not be persisted and writes the master
// block without it, in case the local write succeeded.
func (v *Volume) rollback(id uint32) {
	if err := v.proxy.Delete(id); err != nil {
		log.Warn().Uint32("vblock", id).Err(err).Msg("Cannot release unsaved vblock")
		return
	}

	image, err := v.proxy.Encode()
	if err == nil {
		err = writeImage(v.Target, image)
	}
	if err != nil {
		log.Warn().Str("target", v.path).Err(err).Msg("Cannot rewrite master block")
	}
}

// Delete releases vblock id and persists the master block.
func (v *Volume) Delete(id uint32) error {
	if err := v.proxy.Delete(id); err != nil {
		return err
	}

	return v.Save()
}

func (v *Volume) Lookup(id uint32) (master.VBlockMeta, error) {
	return v.proxy.Lookup(id)
}

func (v *Volume) List() []master.VBlockMeta {
	return v.proxy.List()
}

// Usage returns the capacity, the reserved and the allocated clusters.
func (v *Volume) Usage() (size, reserved, allocated uint32) {
	for _, meta := range v.List() {
		allocated += meta.Allocated
	}

	return v.size, v.reserved, allocated
}

// Map returns sector map of vblock id.
func (v *Volume) Map(id uint32) (*sectormap.Map, error) {
	return sectormap.NewTranslator(v.List(), v.o.Geometry, sectormap.SectorUnit).Map(id)
}

// Close stops the allocator proxy and releases the target.
func (v *Volume) Close() error {
	v.proxy.Close()
	return v.Target.Close()
}
