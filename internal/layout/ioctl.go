// Copyright (C) 2021 Vojtech Aschenbrenner <v@asch.cz>

package layout

import (
	"unsafe"

	"golang.org/x/sys/unix"
)

// Block device ioctl numbers from linux/fs.h. All of them use the 0x12
// identifier.
const (
	blkSSZGet    = 0x1268     // _IO(0x12, 104)
	blkGetSize64 = 0x80081272 // _IOR(0x12, 114, size_t)
	blkIOMin     = 0x1278     // _IO(0x12, 120)
	blkIOOpt     = 0x1279     // _IO(0x12, 121)
	blkPBSZGet   = 0x127b     // _IO(0x12, 123)
)

type query struct {
	name string
	req  uint

	// The kernel writes a 64 bit value instead of an int.
	wide bool
}

var (
	queryGetSize64         = query{"BLKGETSIZE64", blkGetSize64, true}
	queryPhysicalBlockSize = query{"BLKPBSZGET", blkPBSZGet, false}
	queryLogicalBlockSize  = query{"BLKSSZGET", blkSSZGet, false}
	queryMinimumIO         = query{"BLKIOMIN", blkIOMin, false}
	queryOptimalIO         = query{"BLKIOOPT", blkIOOpt, false}
)

// querier executes one geometry query on a file descriptor.
type querier interface {
	query(fd int, q query) (uint64, error)
}

type ioctlQuerier struct{}

func (ioctlQuerier) query(fd int, q query) (uint64, error) {
	if !q.wide {
		v, err := unix.IoctlGetUint32(fd, q.req)
		return uint64(v), err
	}

	var v uint64
	_, _, errno := unix.Syscall(unix.SYS_IOCTL, uintptr(fd), uintptr(q.req), uintptr(unsafe.Pointer(&v)))
	if errno != 0 {
		return 0, errno
	}

	return v, nil
}
