// Copyright (C) 2021 Vojtech Aschenbrenner <v@asch.cz>

// Package master implements the master block allocator. The master block
// governs the cluster address space of one backing target and carves it into
// vblocks. The first clusters of the target are reserved for the metadata
// which describe the vblocks and their extents.
//
// Allocation is eager, i.e. all clusters of a vblock are reserved when the
// vblock is created, so a write can never fail for lack of space. Extents are
// placed first-fit and are never moved, hence space freed by deletes stays
// fragmented until a later allocation reuses it.
//
// Master is not safe for concurrent use. See mapproxy for serialized access.
package master

import (
	"errors"
	"fmt"
	"sort"
)

const (
	// Default size of a logical block in bytes.
	DefaultBlockSize = 4096

	// Default amount of contiguous logical blocks in one cluster.
	DefaultClusterBlocks = 256

	// Default amount of clusters reserved for the metadata.
	DefaultReserved = 1
)

var (
	ErrInsufficientSpace = errors.New("insufficient space")
	ErrNotFound          = errors.New("vblock not found")
	ErrInvalidSize       = errors.New("invalid vblock size")
	ErrInvalidGeometry   = errors.New("invalid master block geometry")
)

// Geometry of the cluster address space.
type Geometry struct {
	// Size of a logical block in bytes.
	BlockSize uint32

	// Logical blocks per cluster.
	ClusterBlocks uint32
}

// Returns size of one cluster in bytes.
func (g Geometry) ClusterBytes() uint64 {
	return uint64(g.BlockSize) * uint64(g.ClusterBlocks)
}

func (g Geometry) validate() error {
	if g.BlockSize < 512 || g.BlockSize&(g.BlockSize-1) != 0 {
		return fmt.Errorf("%w: block size %d", ErrInvalidGeometry, g.BlockSize)
	}
	if g.ClusterBlocks == 0 || g.ClusterBlocks&(g.ClusterBlocks-1) != 0 {
		return fmt.Errorf("%w: %d blocks per cluster", ErrInvalidGeometry, g.ClusterBlocks)
	}

	return nil
}

// Extent is a contiguous run of clusters.
type Extent struct {
	Start  uint32
	Length uint32
}

// End returns the first cluster after the extent.
func (e Extent) End() uint32 {
	return e.Start + e.Length
}

// VBlockMeta describes one vblock stored in the metadata cluster.
type VBlockMeta struct {
	// Unique id, assigned at creation.
	ID uint32

	// Maximum allowed size in clusters.
	Size uint32

	// Clusters committed to the vblock.
	Allocated uint32

	// Physical placement of the allocated clusters in the logical order
	// presented to the consumer.
	Extents []Extent
}

func (v *VBlockMeta) clone() VBlockMeta {
	c := *v
	c.Extents = append([]Extent(nil), v.Extents...)

	return c
}

// Master is the allocator of one backing target.
type Master struct {
	geometry Geometry

	// Total amount of clusters.
	size uint32

	// Clusters at the beginning of the address space holding metadata.
	reserved uint32

	// Clusters consumed by vblocks and the metadata.
	allocated uint32

	// Id which is tried first for the next vblock.
	nextID uint32

	vblocks map[uint32]*VBlockMeta
	free    *freeSpace
}

// New returns an empty master block with size clusters, of which the first
// reserved ones hold the metadata.
func New(g Geometry, size, reserved uint32) (*Master, error) {
	if err := g.validate(); err != nil {
		return nil, err
	}

	if reserved == 0 || reserved > size {
		return nil, fmt.Errorf("%w: %d reserved of %d clusters", ErrInvalidGeometry, reserved, size)
	}

	m := &Master{
		geometry:  g,
		size:      size,
		reserved:  reserved,
		allocated: reserved,
		vblocks:   make(map[uint32]*VBlockMeta),
		free:      newFreeSpace(),
	}

	if size > reserved {
		m.free.release(Extent{Start: reserved, Length: size - reserved})
	}

	return m, nil
}

func (m *Master) Geometry() Geometry {
	return m.geometry
}

// Size returns the total amount of clusters.
func (m *Master) Size() uint32 {
	return m.size
}

// Reserved returns the amount of metadata clusters.
func (m *Master) Reserved() uint32 {
	return m.reserved
}

// Allocated returns the amount of consumed clusters including the metadata.
func (m *Master) Allocated() uint32 {
	return m.allocated
}

// Free returns the amount of clusters available for new vblocks.
func (m *Master) Free() uint32 {
	return m.size - m.allocated
}

// CreateVBlock creates a vblock with the capacity of clusters and reserves
// all of them. Nothing is allocated when there is not enough free space.
func (m *Master) CreateVBlock(clusters uint32) (VBlockMeta, error) {
	if clusters == 0 {
		return VBlockMeta{}, ErrInvalidSize
	}

	if uint64(m.allocated)+uint64(clusters) > uint64(m.size) {
		return VBlockMeta{}, fmt.Errorf("%w: %d clusters requested, %d free", ErrInsufficientSpace, clusters, m.Free())
	}

	v := &VBlockMeta{
		ID:        m.unusedID(),
		Size:      clusters,
		Allocated: clusters,
		Extents:   m.free.take(clusters),
	}

	m.vblocks[v.ID] = v
	m.allocated += clusters
	m.nextID = v.ID + 1

	return v.clone(), nil
}

// DeleteVBlock returns all clusters of the vblock to the free space and
// removes it from the directory.
func (m *Master) DeleteVBlock(id uint32) error {
	v, ok := m.vblocks[id]
	if !ok {
		return fmt.Errorf("%w: %d", ErrNotFound, id)
	}

	for _, e := range v.Extents {
		m.free.release(e)
	}

	m.allocated -= v.Allocated
	delete(m.vblocks, id)

	return nil
}

// Lookup returns a copy of the vblock metadata.
func (m *Master) Lookup(id uint32) (VBlockMeta, error) {
	v, ok := m.vblocks[id]
	if !ok {
		return VBlockMeta{}, fmt.Errorf("%w: %d", ErrNotFound, id)
	}

	return v.clone(), nil
}

// List returns copies of all vblocks ordered by id.
func (m *Master) List() []VBlockMeta {
	list := make([]VBlockMeta, 0, len(m.vblocks))
	for _, v := range m.vblocks {
		list = append(list, v.clone())
	}

	sort.Slice(list, func(i, j int) bool {
		return list[i].ID < list[j].ID
	})

	return list
}

// Returns the first id starting from nextID which is not used by a live
// vblock. The directory can never hold all 2^32 ids since every vblock
// consumes at least one cluster.
func (m *Master) unusedID() uint32 {
	id := m.nextID
	for {
		if _, ok := m.vblocks[id]; !ok {
			return id
		}
		id++
	}
}
