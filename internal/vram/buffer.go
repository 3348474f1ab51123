// SPDX-License-Identifier: Apache-2.0

// Package vram provides the GPU-memory block backend. A Buffer owns
// one OpenCL buffer object and serves bounds-checked byte transfers
// against it.
package vram

import (
	"fmt"
	"sync"

	"github.com/jgillich/go-opencl/cl"

	"github.com/vramblk/vramblk/internal/block"
)

// Config selects the device and capacity for a Buffer.
type Config struct {
	Size     uint64
	Platform int
	Device   int
}

// Buffer is a block.Backend living in device memory. Transfers go
// through a single command queue; the mutex serializes enqueues, so
// concurrent callers are safe but overlapping writes land in an
// unspecified order.
type Buffer struct {
	size    uint64
	context *cl.Context
	queue   *cl.CommandQueue
	mem     *cl.MemObject

	mu        sync.Mutex
	closeOnce sync.Once
}

var _ block.Backend = (*Buffer)(nil)

// New allocates a device buffer of cfg.Size bytes on the selected
// platform and device. Any OpenCL failure here is fatal to startup,
// the caller must not retry with the same config.
func New(cfg Config) (*Buffer, error) {
	platforms, err := cl.GetPlatforms()
	if err != nil {
		return nil, fmt.Errorf("enumerate platforms: %w", err)
	}
	if cfg.Platform >= len(platforms) {
		return nil, fmt.Errorf("platform index %d out of range, %d available",
			cfg.Platform, len(platforms))
	}
	platform := platforms[cfg.Platform]

	devices, err := platform.GetDevices(cl.DeviceTypeGPU)
	if err != nil {
		return nil, fmt.Errorf("enumerate devices on %q: %w", platform.Name(), err)
	}
	if cfg.Device >= len(devices) {
		return nil, fmt.Errorf("device index %d out of range, %d available on %q",
			cfg.Device, len(devices), platform.Name())
	}
	device := devices[cfg.Device]

	if mem := device.GlobalMemSize(); mem > 0 && cfg.Size > uint64(mem) {
		return nil, fmt.Errorf("size %d exceeds %q global memory %d",
			cfg.Size, device.Name(), mem)
	}

	context, err := cl.CreateContext([]*cl.Device{device})
	if err != nil {
		return nil, fmt.Errorf("create context on %q: %w", device.Name(), err)
	}

	queue, err := context.CreateCommandQueue(device, 0)
	if err != nil {
		context.Release()
		return nil, fmt.Errorf("create command queue: %w", err)
	}

	mem, err := context.CreateEmptyBuffer(cl.MemReadWrite, int(cfg.Size))
	if err != nil {
		queue.Release()
		context.Release()
		return nil, fmt.Errorf("allocate %d bytes on %q: %w", cfg.Size, device.Name(), err)
	}

	return &Buffer{
		size:    cfg.Size,
		context: context,
		queue:   queue,
		mem:     mem,
	}, nil
}

func (b *Buffer) Size() uint64 {
	return b.size
}

// ReadAt copies device memory into p with a blocking enqueue. The
// caller's slice is the only staging buffer involved.
func (b *Buffer) ReadAt(p []byte, off uint64) error {
	if err := block.CheckRange(off, len(p), b.size); err != nil {
		return err
	}
	if len(p) == 0 {
		return nil
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	if _, err := b.queue.EnqueueReadBufferByte(b.mem, true, int(off), p, nil); err != nil {
		return fmt.Errorf("device read at %d: %w", off, err)
	}
	return nil
}

// WriteAt copies p into device memory with a blocking enqueue.
func (b *Buffer) WriteAt(p []byte, off uint64) error {
	if err := block.CheckRange(off, len(p), b.size); err != nil {
		return err
	}
	if len(p) == 0 {
		return nil
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	if _, err := b.queue.EnqueueWriteBufferByte(b.mem, true, int(off), p, nil); err != nil {
		return fmt.Errorf("device write at %d: %w", off, err)
	}
	return nil
}

// Close releases the buffer object, command queue and context. Safe
// to call more than once; reads and writes after Close are undefined.
func (b *Buffer) Close() error {
	b.closeOnce.Do(func() {
		b.mu.Lock()
		defer b.mu.Unlock()

		b.mem.Release()
		b.queue.Release()
		b.context.Release()
	})
	return nil
}
