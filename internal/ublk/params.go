// Copyright (C) 2021 Vojtech Aschenbrenner <v@asch.cz>

package ublk

import (
	"fmt"
	"math/bits"
	"unsafe"

	"github.com/asch/vblock/internal/layout"
)

const sectorShift = 9

// NewParams derives device parameters from the layout of the backing
// target. sectors is the capacity of the device in 512 byte sectors.
// chunkSectors, when not zero, is a power of two boundary which no request
// crosses.
func NewParams(l layout.Layout, sectors uint64, maxIOSize, chunkSectors uint32) (Params, error) {
	logical, err := shift("logical block size", l.LogicalBlockSize)
	if err != nil {
		return Params{}, err
	}

	physical, err := shift("physical block size", l.PhysicalBlockSize)
	if err != nil {
		return Params{}, err
	}

	// Zero means the hint is not provided.
	minIO := logical
	if l.MinimumIOSize != 0 {
		if minIO, err = shift("minimum io size", l.MinimumIOSize); err != nil {
			return Params{}, err
		}
	}

	optIO := physical
	if l.OptimalIOSize != 0 {
		if optIO, err = shift("optimal io size", l.OptimalIOSize); err != nil {
			return Params{}, err
		}
	}

	if chunkSectors != 0 && chunkSectors&(chunkSectors-1) != 0 {
		return Params{}, fmt.Errorf("chunk of %d sectors is not a power of two", chunkSectors)
	}

	if maxIOSize < 1<<logical {
		return Params{}, fmt.Errorf("max io size %d smaller than logical block", maxIOSize)
	}

	return Params{
		Len:   uint32(unsafe.Sizeof(Params{})),
		Types: paramTypeBasic,
		Basic: ParamsBasic{
			Attrs:           attrVolatileCache,
			LogicalBSShift:  logical,
			PhysicalBSShift: physical,
			IOMinShift:      minIO,
			IOOptShift:      optIO,
			MaxSectors:      maxIOSize >> sectorShift,
			ChunkSectors:    chunkSectors,
			DevSectors:      sectors,
		},
	}, nil
}

// Returns log2 of power of two size of at least one sector.
func shift(what string, size uint64) (uint8, error) {
	if size < 1<<sectorShift || size&(size-1) != 0 {
		return 0, fmt.Errorf("%s %d is not a power of two of at least 512", what, size)
	}

	return uint8(bits.TrailingZeros64(size)), nil
}
