// Copyright (C) 2021 Vojtech Aschenbrenner <v@asch.cz>

// Sectormap package translates sectors of vblocks to byte offsets in the
// backing target. The translation is a pure function of the extent tables
// produced by the master block allocator; no I/O is performed here.
//
// A vblock is presented to its consumer as one contiguous address space even
// though its extents may be interleaved with extents of other vblocks. The
// extents are laid out one after another in the vblock address space and the
// owning extent of a sector is found by binary search.
package sectormap

import (
	"errors"
	"fmt"
	"sort"

	"github.com/asch/vblock/internal/vblock/master"
)

const (
	// Sector is a linux constant, which is always 512, no matter how big
	// your logical blocks are. ublk describes all requests in these units.
	SectorUnit = 512
)

var (
	ErrOutOfRange    = errors.New("sector out of range")
	ErrCrossesExtent = errors.New("request crosses extent boundary")
)

// Map translates sectors of one vblock.
type Map struct {
	sectorSize uint64

	// First sector of every extent in the vblock address space.
	starts []uint64

	// Length of every extent in sectors.
	lengths []uint64

	// Byte offset of every extent in the backing target.
	offsets []uint64

	sectors uint64
}

// New returns the map of a vblock with given extents. clusterBytes must be a
// multiple of sectorSize.
func New(extents []master.Extent, clusterBytes, sectorSize uint64) *Map {
	m := &Map{
		sectorSize: sectorSize,
		starts:     make([]uint64, 0, len(extents)),
		lengths:    make([]uint64, 0, len(extents)),
		offsets:    make([]uint64, 0, len(extents)),
	}

	perCluster := clusterBytes / sectorSize
	for _, e := range extents {
		m.add(uint64(e.Start)*clusterBytes, uint64(e.Length)*perCluster)
	}

	return m
}

// Linear returns a map of a single extent of sectors starting at byte
// offset base. It exposes a raw range of the backing target.
func Linear(base, sectors, sectorSize uint64) *Map {
	m := &Map{sectorSize: sectorSize}
	m.add(base, sectors)

	return m
}

func (m *Map) add(offset, sectors uint64) {
	m.starts = append(m.starts, m.sectors)
	m.lengths = append(m.lengths, sectors)
	m.offsets = append(m.offsets, offset)
	m.sectors += sectors
}

// Sectors returns size of the vblock in sectors.
func (m *Map) Sectors() uint64 {
	return m.sectors
}

// SectorSize returns size of one sector in bytes.
func (m *Map) SectorSize() uint64 {
	return m.sectorSize
}

// Returns index of the extent holding sector.
func (m *Map) find(sector uint64) int {
	return sort.Search(len(m.starts), func(i int) bool {
		return m.starts[i] > sector
	}) - 1
}

// Translate returns the byte offset of sector in the backing target.
func (m *Map) Translate(sector uint64) (uint64, error) {
	if sector >= m.sectors {
		return 0, fmt.Errorf("%w: %d >= %d", ErrOutOfRange, sector, m.sectors)
	}

	i := m.find(sector)

	return m.offsets[i] + (sector-m.starts[i])*m.sectorSize, nil
}

// TranslateRange returns the byte offset of a request of count sectors
// starting at sector. The whole request has to be inside the vblock and
// inside one extent, because it is served by one contiguous backing I/O.
func (m *Map) TranslateRange(sector uint64, count uint32) (uint64, error) {
	end := sector + uint64(count)
	if sector >= m.sectors || end > m.sectors || end < sector {
		return 0, fmt.Errorf("%w: [%d, %d) of %d", ErrOutOfRange, sector, end, m.sectors)
	}

	i := m.find(sector)
	if end > m.starts[i]+m.lengths[i] {
		return 0, fmt.Errorf("%w: [%d, %d)", ErrCrossesExtent, sector, end)
	}

	return m.offsets[i] + (sector-m.starts[i])*m.sectorSize, nil
}

// Translator translates sectors of all vblocks of one master block.
type Translator struct {
	maps map[uint32]*Map
}

// NewTranslator builds maps for all vblocks. The result is a snapshot, later
// changes of the master block are not reflected.
func NewTranslator(vblocks []master.VBlockMeta, g master.Geometry, sectorSize uint64) *Translator {
	t := &Translator{maps: make(map[uint32]*Map, len(vblocks))}
	for _, v := range vblocks {
		t.maps[v.ID] = New(v.Extents, g.ClusterBytes(), sectorSize)
	}

	return t
}

// Map returns the map of vblock id.
func (t *Translator) Map(id uint32) (*Map, error) {
	m, ok := t.maps[id]
	if !ok {
		return nil, fmt.Errorf("%w: %d", master.ErrNotFound, id)
	}

	return m, nil
}

// Translate returns the byte offset of sector of vblock id.
func (t *Translator) Translate(id uint32, sector uint64) (uint64, error) {
	m, err := t.Map(id)
	if err != nil {
		return 0, err
	}

	return m.Translate(sector)
}
