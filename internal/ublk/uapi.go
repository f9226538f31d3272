// Copyright (C) 2021 Vojtech Aschenbrenner <v@asch.cz>

package ublk

import (
	"fmt"
	"unsafe"
)

// Control commands.
const (
	cmdGetDevInfo  = 0x02
	cmdAddDev      = 0x04
	cmdDelDev      = 0x05
	cmdStartDev    = 0x06
	cmdStopDev     = 0x07
	cmdSetParams   = 0x08
	cmdGetFeatures = 0x13
)

const (
	maxQueueDepth     = 4096
	maxQueues         = 4096
	ioDescSize        = 24
	controlPath       = "/dev/ublk-control"
	charDevicePattern = "/dev/ublkc%d"
	blockDevPattern   = "/dev/ublkb%d"
)

// Feature flags.
const (
	FeatureSupportZeroCopy     = 1 << 0
	FeatureURingCmdCompInTask  = 1 << 1
	FeatureNeedGetData         = 1 << 2
	FeatureUserRecovery        = 1 << 3
	FeatureUserRecoveryReissue = 1 << 4
	FeatureUnprivilegedDev     = 1 << 5
	FeatureCmdIoctlEncode      = 1 << 6
	FeatureUserCopy            = 1 << 7
	FeatureZoned               = 1 << 8
)

var featureNames = []string{
	"zero_copy",
	"uring_cmd_comp_in_task",
	"need_get_data",
	"user_recovery",
	"user_recovery_reissue",
	"unprivileged_dev",
	"cmd_ioctl_encode",
	"user_copy",
	"zoned",
}

// FeatureNames returns names of the known features set in flags.
func FeatureNames(flags uint64) []string {
	var names []string
	for i, n := range featureNames {
		if flags&(1<<i) != 0 {
			names = append(names, n)
		}
	}

	return names
}

// Device states.
const (
	StateDead     = 0
	StateLive     = 1
	StateQuiesced = 2
)

// StateName returns printable name of the device state.
func StateName(s uint16) string {
	switch s {
	case StateDead:
		return "dead"
	case StateLive:
		return "live"
	case StateQuiesced:
		return "quiesced"
	}

	return fmt.Sprintf("unknown(%d)", s)
}

const (
	attrVolatileCache = 1 << 2
	paramTypeBasic    = 1 << 0
)

const (
	iocWrite     = 1
	iocRead      = 2
	iocNRShift   = 0
	iocTypeShift = 8
	iocSizeShift = 16
	iocDirShift  = 30
)

func ioc(dir, nr, size uint32) uint32 {
	return dir<<iocDirShift | size<<iocSizeShift | uint32('u')<<iocTypeShift | nr<<iocNRShift
}

// Ioctl encoded control command.
func ctrlOp(nr uint32) uint32 {
	if nr == cmdGetFeatures {
		return ioc(iocRead, nr, uint32(unsafe.Sizeof(ctrlCmd{})))
	}

	return ioc(iocRead|iocWrite, nr, uint32(unsafe.Sizeof(ctrlCmd{})))
}

// Ioctl encoded queue command.
func ioOp(nr uint32) uint32 {
	return ioc(iocRead|iocWrite, nr, uint32(unsafe.Sizeof(ioCmd{})))
}

// Mirror of struct ublksrv_ctrl_cmd.
type ctrlCmd struct {
	DevID      uint32
	QueueID    uint16
	Len        uint16
	Addr       uint64
	Data       uint64
	DevPathLen uint16
	Pad        uint16
	Reserved   uint32
}

// DevInfo mirrors struct ublksrv_ctrl_dev_info.
type DevInfo struct {
	NrHwQueues    uint16
	QueueDepth    uint16
	State         uint16
	Pad0          uint16
	MaxIOBufBytes uint32
	DevID         uint32
	UblksrvPID    int32
	Pad1          uint32
	Flags         uint64
	UblksrvFlags  uint64
	OwnerUID      uint32
	OwnerGID      uint32
	Reserved1     uint64
	Reserved2     uint64
}

// Mirror of struct ublksrv_io_cmd.
type ioCmd struct {
	QID    uint16
	Tag    uint16
	Result int32
	Addr   uint64
}

func (c *ioCmd) bytes() []byte {
	return (*[unsafe.Sizeof(ioCmd{})]byte)(unsafe.Pointer(c))[:]
}

// Mirror of struct ublksrv_io_desc.
type ioDesc struct {
	OpFlags     uint32
	NrSectors   uint32
	StartSector uint64
	Addr        uint64
}

// ParamsBasic mirrors struct ublk_param_basic.
type ParamsBasic struct {
	Attrs            uint32
	LogicalBSShift   uint8
	PhysicalBSShift  uint8
	IOOptShift       uint8
	IOMinShift       uint8
	MaxSectors       uint32
	ChunkSectors     uint32
	DevSectors       uint64
	VirtBoundaryMask uint64
}

// Params mirrors the head of struct ublk_params. Only basic parameters are
// passed to the driver.
type Params struct {
	Len   uint32
	Types uint32
	Basic ParamsBasic
}

// Descriptor offset of queue qid in the mmap of the char device.
func descOffset(qid uint16) int64 {
	return int64(qid) * int64(roundUp(maxQueueDepth*ioDescSize, pageSize))
}

// Size of the mmaped descriptor array of one queue.
func descSize(depth uint16) int {
	return roundUp(int(depth)*ioDescSize, pageSize)
}

func roundUp(n, to int) int {
	return (n + to - 1) / to * to
}

// CharDevice returns path of the char device of device id.
func CharDevice(id uint32) string {
	return fmt.Sprintf(charDevicePattern, id)
}

// BlockDevice returns path of the block device of device id.
func BlockDevice(id uint32) string {
	return fmt.Sprintf(blockDevPattern, id)
}
