// SPDX-License-Identifier: Apache-2.0

//go:build linux

package ublk

import (
	"fmt"
	"runtime"
	"sync"
	"syscall"
	"unsafe"
)

// Controller drives /dev/ublk-control. Commands are URING_CMD
// submissions answered by the ublk driver; a mutex keeps at most one
// in flight on the shared control ring, so commands may be issued
// from multiple goroutines.
type Controller struct {
	mu   sync.Mutex
	fd   int
	ring *uring
	seq  uint64
}

// OpenController opens the control device and its ring. Failure here
// means the kernel has no ublk support or the process lacks the
// privilege to use it.
func OpenController() (*Controller, error) {
	fd, err := syscall.Open(controlDevice, syscall.O_RDWR, 0)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", controlDevice, err)
	}

	ring, err := newRing(32, int32(fd))
	if err != nil {
		syscall.Close(fd)
		return nil, fmt.Errorf("control ring: %w", err)
	}

	return &Controller{fd: fd, ring: ring}, nil
}

func (c *Controller) Close() error {
	if c.ring != nil {
		c.ring.Close()
	}
	return syscall.Close(c.fd)
}

func (c *Controller) run(nr uint32, cmd *ctrlCmd) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.seq++
	res, err := c.ring.submitAndWait(ctrlCmdOp(nr), c.seq, marshal(cmd))
	if err != nil {
		return err
	}
	if res < 0 {
		return fmt.Errorf("control command %#x: %w", nr, syscall.Errno(-res))
	}
	return nil
}

// AddDevice registers a new device described by info. The kernel
// fills in the allocated device ID and creates /dev/ublkc<N>.
func (c *Controller) AddDevice(info *DevInfo) (uint32, error) {
	cmd := ctrlCmd{
		DevID:   info.DevID,
		QueueID: controlQueueID,
		Len:     uint16(unsafe.Sizeof(*info)),
		Addr:    uint64(uintptr(unsafe.Pointer(info))),
	}

	err := c.run(cmdAddDev, &cmd)
	runtime.KeepAlive(info)
	if err != nil {
		return 0, fmt.Errorf("add device: %w", err)
	}

	return info.DevID, nil
}

// SetParams installs the block device geometry before START_DEV.
func (c *Controller) SetParams(devID uint32, params *Params) error {
	params.Len = uint32(unsafe.Sizeof(*params))

	cmd := ctrlCmd{
		DevID:   devID,
		QueueID: controlQueueID,
		Len:     uint16(unsafe.Sizeof(*params)),
		Addr:    uint64(uintptr(unsafe.Pointer(params))),
	}

	err := c.run(cmdSetParams, &cmd)
	runtime.KeepAlive(params)
	if err != nil {
		return fmt.Errorf("set params: %w", err)
	}
	return nil
}

// StartDevice brings /dev/ublkb<N> online. The daemon pid travels in
// the inline data word; the command only completes once every queue
// has its FETCH_REQs in flight, so prime the queues first.
func (c *Controller) StartDevice(devID uint32, pid int) error {
	cmd := ctrlCmd{
		DevID:   devID,
		QueueID: controlQueueID,
		Data:    uint64(pid),
	}
	if err := c.run(cmdStartDev, &cmd); err != nil {
		return fmt.Errorf("start device %d: %w", devID, err)
	}
	return nil
}

// StopDevice takes the block device offline and aborts outstanding
// fetches, which wakes the queue runners.
func (c *Controller) StopDevice(devID uint32) error {
	cmd := ctrlCmd{
		DevID:   devID,
		QueueID: controlQueueID,
	}
	if err := c.run(cmdStopDev, &cmd); err != nil {
		return fmt.Errorf("stop device %d: %w", devID, err)
	}
	return nil
}

// DeleteDevice removes the device and its char node.
func (c *Controller) DeleteDevice(devID uint32) error {
	cmd := ctrlCmd{
		DevID:   devID,
		QueueID: controlQueueID,
	}
	if err := c.run(cmdDelDev, &cmd); err != nil {
		return fmt.Errorf("delete device %d: %w", devID, err)
	}
	return nil
}

// GetDevInfo reads back the kernel's view of the device.
func (c *Controller) GetDevInfo(devID uint32) (DevInfo, error) {
	var info DevInfo
	cmd := ctrlCmd{
		DevID:   devID,
		QueueID: controlQueueID,
		Len:     uint16(unsafe.Sizeof(info)),
		Addr:    uint64(uintptr(unsafe.Pointer(&info))),
	}

	err := c.run(cmdGetDevInfo, &cmd)
	runtime.KeepAlive(&info)
	if err != nil {
		return DevInfo{}, fmt.Errorf("get device info: %w", err)
	}
	return info, nil
}
