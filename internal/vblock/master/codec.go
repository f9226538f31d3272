// Copyright (C) 2021 Vojtech Aschenbrenner <v@asch.cz>

package master

import (
	"errors"
	"fmt"
	"hash/crc32"
	"sort"

	"github.com/tchajed/marshal"
)

// The metadata image is a sequence of little endian 64 bit words:
//
//	magic, version, block size, cluster blocks, size, reserved, next id,
//	vblock count, then for every vblock: id, size, allocated, extent count
//	and start, length for every extent
//
// followed by the CRC32 of all preceding words. The rest of the metadata
// clusters is zero.
const (
	magic   uint64 = 0x314b4c4256534d56 // "VMSVBLK1"
	version uint64 = 1

	wordSize     = 8
	headerWords  = 8
	vblockWords  = 4
	extentWords  = 2
	trailerWords = 1
)

var (
	// The metadata area was never written.
	ErrBlank = errors.New("metadata cluster is blank")

	ErrBadMagic     = errors.New("metadata cluster has bad magic")
	ErrBadVersion   = errors.New("unsupported metadata version")
	ErrBadChecksum  = errors.New("metadata checksum mismatch")
	ErrCorrupt      = errors.New("metadata is inconsistent")
	ErrMetadataFull = errors.New("vblock directory does not fit into the metadata clusters")
)

// EncodedSize returns amount of bytes needed for the metadata image.
func (m *Master) EncodedSize() uint64 {
	words := uint64(headerWords + trailerWords)
	for _, v := range m.vblocks {
		words += vblockWords + extentWords*uint64(len(v.Extents))
	}

	return words * wordSize
}

// MetadataBytes returns size of the reserved metadata area.
func (m *Master) MetadataBytes() uint64 {
	return uint64(m.reserved) * m.geometry.ClusterBytes()
}

// Encode serializes the master block into an image filling the whole
// metadata area.
func (m *Master) Encode() ([]byte, error) {
	size := m.EncodedSize()
	if size > m.MetadataBytes() {
		return nil, fmt.Errorf("%w: %d bytes needed, %d available", ErrMetadataFull, size, m.MetadataBytes())
	}

	enc := marshal.NewEnc(size - trailerWords*wordSize)
	enc.PutInt(magic)
	enc.PutInt(version)
	enc.PutInt(uint64(m.geometry.BlockSize))
	enc.PutInt(uint64(m.geometry.ClusterBlocks))
	enc.PutInt(uint64(m.size))
	enc.PutInt(uint64(m.reserved))
	enc.PutInt(uint64(m.nextID))
	enc.PutInt(uint64(len(m.vblocks)))

	for _, v := range m.List() {
		enc.PutInt(uint64(v.ID))
		enc.PutInt(uint64(v.Size))
		enc.PutInt(uint64(v.Allocated))
		enc.PutInt(uint64(len(v.Extents)))
		for _, e := range v.Extents {
			enc.PutInt(uint64(e.Start))
			enc.PutInt(uint64(e.Length))
		}
	}
	body := enc.Finish()

	trailer := marshal.NewEnc(wordSize)
	trailer.PutInt(uint64(crc32.ChecksumIEEE(body)))

	image := make([]byte, m.MetadataBytes())
	copy(image, body)
	copy(image[len(body):], trailer.Finish())

	return image, nil
}

// Bounds checked reader of the metadata words.
type reader struct {
	dec   marshal.Dec
	left  uint64
	words uint64
}

func newReader(buf []byte) *reader {
	return &reader{dec: marshal.NewDec(buf), left: uint64(len(buf)) / wordSize}
}

func (r *reader) next() (uint64, error) {
	if r.left == 0 {
		return 0, fmt.Errorf("%w: truncated image", ErrCorrupt)
	}
	r.left--
	r.words++

	return r.dec.GetInt(), nil
}

func (r *reader) next32(what string) (uint32, error) {
	v, err := r.next()
	if err != nil {
		return 0, err
	}
	if v > 0xffffffff {
		return 0, fmt.Errorf("%w: %s %d out of range", ErrCorrupt, what, v)
	}

	return uint32(v), nil
}

// Decode reconstructs the master block from the metadata image. The free
// space is rebuilt from the vblock extents.
func Decode(buf []byte) (*Master, error) {
	r := newReader(buf)

	mg, err := r.next()
	if err != nil {
		return nil, err
	}
	switch mg {
	case magic:
	case 0:
		return nil, ErrBlank
	default:
		return nil, fmt.Errorf("%w: %#x", ErrBadMagic, mg)
	}

	ver, err := r.next()
	if err != nil {
		return nil, err
	}
	if ver != version {
		return nil, fmt.Errorf("%w: %d", ErrBadVersion, ver)
	}

	var header [6]uint32
	names := [6]string{"block size", "cluster blocks", "size", "reserved", "next id", "vblock count"}
	for i := range header {
		if header[i], err = r.next32(names[i]); err != nil {
			return nil, err
		}
	}

	g := Geometry{BlockSize: header[0], ClusterBlocks: header[1]}
	count := header[5]
	if uint64(count)*vblockWords > r.left {
		return nil, fmt.Errorf("%w: truncated directory of %d vblocks", ErrCorrupt, count)
	}

	vblocks := make([]*VBlockMeta, 0, count)
	for i := uint32(0); i < count; i++ {
		v, err := decodeVBlock(r)
		if err != nil {
			return nil, err
		}
		vblocks = append(vblocks, v)
	}

	body := buf[:r.words*wordSize]
	sum, err := r.next()
	if err != nil {
		return nil, err
	}
	if sum != uint64(crc32.ChecksumIEEE(body)) {
		return nil, ErrBadChecksum
	}

	m, err := New(g, header[2], header[3])
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCorrupt, err)
	}
	m.nextID = header[4]

	if err := m.restore(vblocks); err != nil {
		return nil, err
	}

	return m, nil
}

func decodeVBlock(r *reader) (*VBlockMeta, error) {
	var fields [4]uint32
	names := [4]string{"vblock id", "vblock size", "vblock allocated", "extent count"}
	for i := range fields {
		var err error
		if fields[i], err = r.next32(names[i]); err != nil {
			return nil, err
		}
	}

	v := &VBlockMeta{ID: fields[0], Size: fields[1], Allocated: fields[2]}
	if uint64(fields[3])*extentWords > r.left {
		return nil, fmt.Errorf("%w: truncated extent table of vblock %d", ErrCorrupt, v.ID)
	}

	v.Extents = make([]Extent, 0, fields[3])
	for i := uint32(0); i < fields[3]; i++ {
		start, err := r.next32("extent start")
		if err != nil {
			return nil, err
		}
		length, err := r.next32("extent length")
		if err != nil {
			return nil, err
		}
		v.Extents = append(v.Extents, Extent{Start: start, Length: length})
	}

	return v, nil
}

// Installs decoded vblocks into an empty master and recomputes the free
// space as the complement of the metadata and all extents.
func (m *Master) restore(vblocks []*VBlockMeta) error {
	used := []Extent{{Start: 0, Length: m.reserved}}

	for _, v := range vblocks {
		if _, ok := m.vblocks[v.ID]; ok {
			return fmt.Errorf("%w: duplicate vblock id %d", ErrCorrupt, v.ID)
		}

		var sum uint64
		for _, e := range v.Extents {
			if e.Length == 0 || uint64(e.Start)+uint64(e.Length) > uint64(m.size) {
				return fmt.Errorf("%w: extent %+v of vblock %d", ErrCorrupt, e, v.ID)
			}
			sum += uint64(e.Length)
			used = append(used, e)
		}

		if sum != uint64(v.Allocated) || v.Allocated > v.Size {
			return fmt.Errorf("%w: vblock %d allocation does not match its extents", ErrCorrupt, v.ID)
		}

		m.vblocks[v.ID] = v
		m.allocated += v.Allocated
	}

	sort.Slice(used, func(i, j int) bool {
		return used[i].Start < used[j].Start
	})

	m.free = newFreeSpace()
	cursor := uint32(0)
	for _, e := range used {
		if e.Start < cursor {
			return fmt.Errorf("%w: overlapping extents at cluster %d", ErrCorrupt, e.Start)
		}
		m.free.release(Extent{Start: cursor, Length: e.Start - cursor})
		cursor = e.End()
	}
	m.free.release(Extent{Start: cursor, Length: m.size - cursor})

	if m.allocated+m.free.total != m.size {
		return fmt.Errorf("%w: capacity accounting mismatch", ErrCorrupt)
	}

	return nil
}
