// SPDX-License-Identifier: Apache-2.0

// Package ublk implements the ublk transport: the block device is
// registered with the kernel's ublk driver and served from userspace
// over io_uring URING_CMD. Wire structures in this file mirror the
// kernel UAPI byte for byte.
package ublk

import (
	"fmt"
	"unsafe"
)

// Control commands issued to /dev/ublk-control.
const (
	cmdGetDevInfo = 0x02
	cmdAddDev     = 0x04
	cmdDelDev     = 0x05
	cmdStartDev   = 0x06
	cmdStopDev    = 0x07
	cmdSetParams  = 0x08
	cmdGetParams  = 0x09
)

// Data-plane commands issued to /dev/ublkc<N>.
const (
	cmdFetchReq          = 0x20
	cmdCommitAndFetchReq = 0x21
)

// Completion result codes delivered alongside fetched descriptors.
const (
	resOK    = 0
	resAbort = -19 // -ENODEV, the device is going away
)

// Device feature flags.
const (
	featCmdIoctlEncode = 1 << 6
)

// I/O operations carried in a descriptor.
const (
	opRead        = 0
	opWrite       = 1
	opFlush       = 2
	opDiscard     = 3
	opWriteSame   = 4
	opWriteZeroes = 5
)

// Device attribute flags for basic params.
const (
	attrReadOnly      = 1 << 0
	attrRotational    = 1 << 1
	attrVolatileCache = 1 << 2
)

// Param type flags.
const (
	paramTypeBasic = 1 << 0
)

const (
	maxQueueDepth = 4096

	// per-queue descriptor arrays live at fixed offsets in the char
	// device mapping
	cmdBufOffset     = 0
	cmdBufQueueSize  = maxQueueDepth * 24
	autoAllocateID   = 0xFFFFFFFF
	controlQueueID   = 0xFFFF
	controlDevice    = "/dev/ublk-control"
	sectorShift      = 9
)

func charDevicePath(devID uint32) string {
	return fmt.Sprintf("/dev/ublkc%d", devID)
}

func blockDevicePath(devID uint32) string {
	return fmt.Sprintf("/dev/ublkb%d", devID)
}

// ctrlCmd is struct ublksrv_ctrl_cmd, placed in the SQE cmd area.
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

var _ [32]byte = [unsafe.Sizeof(ctrlCmd{})]byte{}

// DevInfo is struct ublksrv_ctrl_dev_info, exchanged with the kernel
// through the ctrlCmd.Addr buffer.
type DevInfo struct {
	NrHwQueues    uint16
	QueueDepth    uint16
	State         uint16
	Pad0          uint16
	MaxIOBufBytes uint32
	DevID         uint32
	SrvPID        int32
	Pad1          uint32
	Flags         uint64
	SrvFlags      uint64
	OwnerUID      uint32
	OwnerGID      uint32
	Reserved1     uint64
	Reserved2     uint64
}

var _ [64]byte = [unsafe.Sizeof(DevInfo{})]byte{}

// IODesc is struct ublksrv_io_desc, read from the mmap'd descriptor
// array. The kernel fills one per outstanding request.
type IODesc struct {
	OpFlags     uint32
	NrSectors   uint32
	StartSector uint64
	Addr        uint64
}

var _ [24]byte = [unsafe.Sizeof(IODesc{})]byte{}

// Op extracts the operation code from the packed OpFlags field.
func (d *IODesc) Op() uint8 {
	return uint8(d.OpFlags & 0xff)
}

// ByteOffset converts the starting sector to a byte offset.
func (d *IODesc) ByteOffset() uint64 {
	return d.StartSector << sectorShift
}

// ByteLength converts the sector count to a byte length.
func (d *IODesc) ByteLength() uint32 {
	return d.NrSectors << sectorShift
}

// ioCmd is struct ublksrv_io_cmd, issued to /dev/ublkc<N>.
type ioCmd struct {
	QID    uint16
	Tag    uint16
	Result int32
	Addr   uint64
}

var _ [16]byte = [unsafe.Sizeof(ioCmd{})]byte{}

type paramBasic struct {
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

type paramDiscard struct {
	DiscardAlignment      uint32
	DiscardGranularity    uint32
	MaxDiscardSectors     uint32
	MaxWriteZeroesSectors uint32
	MaxDiscardSegments    uint16
	Reserved0             uint16
}

type paramDevt struct {
	CharMajor uint32
	CharMinor uint32
	DiskMajor uint32
	DiskMinor uint32
}

type paramZoned struct {
	MaxOpenZones         uint32
	MaxActiveZones       uint32
	MaxZoneAppendSectors uint32
	Reserved             [20]uint8
}

// Params is struct ublk_params.
type Params struct {
	Len     uint32
	Types   uint32
	Basic   paramBasic
	Discard paramDiscard
	Devt    paramDevt
	Zoned   paramZoned
}

// ioctl encoding, _IOWR('u', nr, size)
const (
	iocWrite     = 1
	iocRead      = 2
	iocNrShift   = 0
	iocTypeShift = 8
	iocSizeShift = 16
	iocDirShift  = 30
)

func ioctlEncode(dir, typ, nr, size uint32) uint32 {
	return dir<<iocDirShift | size<<iocSizeShift | typ<<iocTypeShift | nr<<iocNrShift
}

func ctrlCmdOp(nr uint32) uint32 {
	return ioctlEncode(iocRead|iocWrite, 'u', nr, uint32(unsafe.Sizeof(ctrlCmd{})))
}

func ioCmdOp(nr uint32) uint32 {
	return ioctlEncode(iocRead|iocWrite, 'u', nr, uint32(unsafe.Sizeof(ioCmd{})))
}

// marshal exposes a struct's native-endian bytes without copying. The
// caller must keep v alive until the kernel has consumed them.
func marshal[T any](v *T) []byte {
	return unsafe.Slice((*byte)(unsafe.Pointer(v)), unsafe.Sizeof(*v))
}
