// Copyright (C) 2021 Vojtech Aschenbrenner <v@asch.cz>

// Package layout probes the low level I/O geometry of a target. It is meant
// primarily for block devices, but regular files are supported with
// conservative values taken from the filesystem metadata.
package layout

import (
	"errors"
	"fmt"
	"os"

	"golang.org/x/sys/unix"
)

const (
	// Minimum I/O size assumed for regular files. It cannot be queried, so
	// we use the sector size which every storage stack aligns to.
	fileMinimumIOSize = 512
)

// ErrUnsupportedDeviceType is returned for targets which are neither block
// devices nor regular files.
var ErrUnsupportedDeviceType = errors.New("target is not a block device or regular file")

// Layout describes the I/O characteristics of a target. It is a snapshot
// taken at probe time and is never updated.
type Layout struct {
	// Total size of the target in bytes.
	Size uint64

	// Size of a logical block (sector) of the target.
	LogicalBlockSize uint64

	// Size of a physical block of the target.
	PhysicalBlockSize uint64

	// Minimum size of an I/O.
	MinimumIOSize uint64

	// Optimal size of an I/O. Usually not reported, in that case 0.
	OptimalIOSize uint64
}

// IOError wraps an error of the metadata query on the target.
type IOError struct {
	Err error
}

func (e *IOError) Error() string {
	return fmt.Sprintf("i/o error %v while querying target metadata", e.Err)
}

func (e *IOError) Unwrap() error {
	return e.Err
}

// QueryError wraps a failed geometry query of a block device.
type QueryError struct {
	// Name of the failed query, e.g. BLKPBSZGET.
	Query string
	Err   error
}

func (e *QueryError) Error() string {
	return fmt.Sprintf("i/o error %v while querying target layout (%s)", e.Err, e.Query)
}

func (e *QueryError) Unwrap() error {
	return e.Err
}

// Probe returns the layout of the opened target f. The file is not closed or
// modified.
func Probe(f *os.File) (Layout, error) {
	return probe(int(f.Fd()), ioctlQuerier{})
}

func probe(fd int, q querier) (Layout, error) {
	var st unix.Stat_t
	if err := unix.Fstat(fd, &st); err != nil {
		return Layout{}, &IOError{Err: err}
	}

	switch st.Mode & unix.S_IFMT {
	case unix.S_IFBLK:
		return probeBlockDevice(fd, q)
	case unix.S_IFREG:
		return Layout{
			Size:              uint64(st.Size),
			LogicalBlockSize:  uint64(st.Blksize),
			PhysicalBlockSize: uint64(st.Blksize),
			MinimumIOSize:     fileMinimumIOSize,
			OptimalIOSize:     0,
		}, nil
	default:
		return Layout{}, ErrUnsupportedDeviceType
	}
}

// Queries all geometry values of a block device in a fixed order. The first
// failure aborts the probe.
func probeBlockDevice(fd int, q querier) (Layout, error) {
	var l Layout

	steps := []struct {
		query query
		dst   *uint64
	}{
		{queryGetSize64, &l.Size},
		{queryPhysicalBlockSize, &l.PhysicalBlockSize},
		{queryLogicalBlockSize, &l.LogicalBlockSize},
		{queryMinimumIO, &l.MinimumIOSize},
		{queryOptimalIO, &l.OptimalIOSize},
	}

	for _, s := range steps {
		v, err := q.query(fd, s.query)
		if err != nil {
			return Layout{}, &QueryError{Query: s.query.name, Err: err}
		}
		*s.dst = v
	}

	return l, nil
}
