// SPDX-License-Identifier: Apache-2.0

//go:build linux

package ublk

import (
	"fmt"
	"runtime"
	"sync/atomic"
	"syscall"
	"unsafe"

	"golang.org/x/sys/unix"
)

const (
	uringOpURINGCmd = 46

	uringSetupSQE128 = 1 << 10
	uringSetupCQE32  = 1 << 11

	uringEnterGetEvents = 1 << 0

	uringSQEFixedFile = 1 << 0

	uringOffSQRing = 0
	uringOffCQRing = 0x8000000
	uringOffSQEs   = 0x10000000

	uringRegisterFiles = 2
)

// sqe128 is the 128-byte submission queue entry used with
// IORING_SETUP_SQE128. The URING_CMD payload starts at byte 48 of the
// base entry, overlaying the file_index/addr3 area, exactly where the
// kernel's ublk driver reads it.
type sqe128 struct {
	opcode      uint8
	flags       uint8
	ioprio      uint16
	fd          int32
	cmdOp       uint32
	pad1        uint32
	addr        uint64
	length      uint32
	opcodeFlags uint32
	userData    uint64
	bufIndex    uint16
	personality uint16
	spliceFdIn  int32
	cmd         [80]byte
}

var _ [128]byte = [unsafe.Sizeof(sqe128{})]byte{}

// payload returns the URING_CMD command area (byte 48 onward).
func (s *sqe128) payload() []byte {
	return s.cmd[:]
}

// cqe32 is the 32-byte completion queue entry used with
// IORING_SETUP_CQE32.
type cqe32 struct {
	userData uint64
	res      int32
	flags    uint32
	big      [16]uint8
}

var _ [32]byte = [unsafe.Sizeof(cqe32{})]byte{}

type uringParams struct {
	sqEntries    uint32
	cqEntries    uint32
	flags        uint32
	sqThreadCPU  uint32
	sqThreadIdle uint32
	features     uint32
	wqFd         uint32
	resv         [3]uint32
	sqOff        struct {
		head        uint32
		tail        uint32
		ringMask    uint32
		ringEntries uint32
		flags       uint32
		dropped     uint32
		array       uint32
		resv1       uint32
		userAddr    uint64
	}
	cqOff struct {
		head        uint32
		tail        uint32
		ringMask    uint32
		ringEntries uint32
		overflow    uint32
		cqes        uint32
		flags       uint32
		resv1       uint32
		userAddr    uint64
	}
}

// uring is a minimal SQE128/CQE32 ring carrying only URING_CMD
// submissions against one target fd, registered as fixed file 0.
type uring struct {
	fd       int
	targetFd int32
	params   uringParams

	sqMap   []byte
	cqMap   []byte
	sqesMap []byte
}

func newRing(entries uint32, targetFd int32) (*uring, error) {
	params := uringParams{
		flags: uringSetupSQE128 | uringSetupCQE32,
	}

	fd, _, errno := syscall.Syscall(unix.SYS_IO_URING_SETUP,
		uintptr(entries), uintptr(unsafe.Pointer(&params)), 0)
	if errno != 0 {
		return nil, fmt.Errorf("io_uring_setup: %w", errno)
	}

	if params.flags&uringSetupSQE128 == 0 {
		syscall.Close(int(fd))
		return nil, fmt.Errorf("kernel rejected IORING_SETUP_SQE128")
	}

	sqSize := int(params.sqOff.array + params.sqEntries*4)
	sqMap, err := unix.Mmap(int(fd), uringOffSQRing, sqSize,
		unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		syscall.Close(int(fd))
		return nil, fmt.Errorf("mmap sq ring: %w", err)
	}

	cqSize := int(params.cqOff.cqes) + int(params.cqEntries)*int(unsafe.Sizeof(cqe32{}))
	cqMap, err := unix.Mmap(int(fd), uringOffCQRing, cqSize,
		unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		unix.Munmap(sqMap)
		syscall.Close(int(fd))
		return nil, fmt.Errorf("mmap cq ring: %w", err)
	}

	sqesSize := int(params.sqEntries) * int(unsafe.Sizeof(sqe128{}))
	sqesMap, err := unix.Mmap(int(fd), uringOffSQEs, sqesSize,
		unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		unix.Munmap(cqMap)
		unix.Munmap(sqMap)
		syscall.Close(int(fd))
		return nil, fmt.Errorf("mmap sqes: %w", err)
	}

	r := &uring{
		fd:       int(fd),
		targetFd: targetFd,
		params:   params,
		sqMap:    sqMap,
		cqMap:    cqMap,
		sqesMap:  sqesMap,
	}

	if err := r.registerFiles([]int32{targetFd}); err != nil {
		r.Close()
		return nil, fmt.Errorf("register target fd: %w", err)
	}

	return r, nil
}

func (r *uring) registerFiles(fds []int32) error {
	_, _, errno := syscall.Syscall6(unix.SYS_IO_URING_REGISTER,
		uintptr(r.fd), uringRegisterFiles,
		uintptr(unsafe.Pointer(&fds[0])), uintptr(len(fds)), 0, 0)
	if errno != 0 {
		return fmt.Errorf("io_uring_register: %w", errno)
	}
	return nil
}

func (r *uring) Close() error {
	if r.sqesMap != nil {
		unix.Munmap(r.sqesMap)
	}
	if r.cqMap != nil {
		unix.Munmap(r.cqMap)
	}
	if r.sqMap != nil {
		unix.Munmap(r.sqMap)
	}
	return syscall.Close(r.fd)
}

func (r *uring) sqPtr(off uint32) *uint32 {
	return (*uint32)(unsafe.Pointer(&r.sqMap[off]))
}

func (r *uring) cqPtr(off uint32) *uint32 {
	return (*uint32)(unsafe.Pointer(&r.cqMap[off]))
}

// enqueue places one SQE in the ring without entering the kernel.
func (r *uring) enqueue(sqe *sqe128) error {
	head := atomic.LoadUint32(r.sqPtr(r.params.sqOff.head))
	tailPtr := r.sqPtr(r.params.sqOff.tail)
	tail := *tailPtr

	if tail-head >= r.params.sqEntries {
		return fmt.Errorf("submission queue full")
	}

	mask := r.params.sqEntries - 1
	index := tail & mask

	slot := (*sqe128)(unsafe.Pointer(&r.sqesMap[uintptr(index)*unsafe.Sizeof(sqe128{})]))
	*slot = *sqe

	arrayEntry := r.sqPtr(r.params.sqOff.array + index*4)
	*arrayEntry = index

	// tail store publishes the entry to the kernel
	atomic.StoreUint32(tailPtr, tail+1)
	runtime.KeepAlive(sqe)
	return nil
}

// enter submits queued entries and optionally waits for completions.
func (r *uring) enter(toSubmit, minComplete uint32) error {
	var flags uint32
	if minComplete > 0 {
		flags = uringEnterGetEvents
	}

	_, _, errno := syscall.Syscall6(unix.SYS_IO_URING_ENTER,
		uintptr(r.fd), uintptr(toSubmit), uintptr(minComplete),
		uintptr(flags), 0, 0)
	if errno != 0 {
		return fmt.Errorf("io_uring_enter: %w", errno)
	}
	return nil
}

// reap drains every available CQE without blocking.
func (r *uring) reap() []cqe32 {
	headPtr := r.cqPtr(r.params.cqOff.head)
	tail := atomic.LoadUint32(r.cqPtr(r.params.cqOff.tail))
	head := *headPtr

	var out []cqe32
	mask := r.params.cqEntries - 1
	for head != tail {
		index := head & mask
		slot := (*cqe32)(unsafe.Pointer(
			&r.cqMap[uintptr(r.params.cqOff.cqes)+uintptr(index)*unsafe.Sizeof(cqe32{})]))
		out = append(out, *slot)
		head++
	}
	atomic.StoreUint32(headPtr, head)
	return out
}

func (r *uring) prepare(cmdOp uint32, userData uint64, payload []byte) *sqe128 {
	// fd carries the fixed-file index, not the raw descriptor
	sqe := &sqe128{
		opcode:   uringOpURINGCmd,
		flags:    uringSQEFixedFile,
		fd:       0,
		cmdOp:    cmdOp,
		userData: userData,
	}
	copy(sqe.payload(), payload)
	return sqe
}

// submitAndWait submits one URING_CMD and blocks for its completion
// result. Used by the control plane where commands are serial.
func (r *uring) submitAndWait(cmdOp uint32, userData uint64, payload []byte) (int32, error) {
	if err := r.enqueue(r.prepare(cmdOp, userData, payload)); err != nil {
		return 0, err
	}
	if err := r.enter(1, 1); err != nil {
		return 0, err
	}

	for {
		for _, cqe := range r.reap() {
			if cqe.userData == userData {
				return cqe.res, nil
			}
		}
		if err := r.enter(0, 1); err != nil {
			return 0, err
		}
	}
}

// submit fires a URING_CMD without waiting. The completion arrives
// through a later wait call.
func (r *uring) submit(cmdOp uint32, userData uint64, payload []byte) error {
	if err := r.enqueue(r.prepare(cmdOp, userData, payload)); err != nil {
		return err
	}
	return r.enter(1, 0)
}

// wait blocks until at least min completions are available, then
// drains them all.
func (r *uring) wait(min uint32) ([]cqe32, error) {
	if out := r.reap(); len(out) > 0 {
		return out, nil
	}
	if err := r.enter(0, min); err != nil {
		return nil, err
	}
	return r.reap(), nil
}
