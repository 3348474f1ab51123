// SPDX-License-Identifier: Apache-2.0

package vram

import (
	"bytes"
	"testing"

	"github.com/jgillich/go-opencl/cl"

	"github.com/vramblk/vramblk/internal/block"
)

// requireGPU skips the test when no OpenCL GPU is available, so the
// suite passes on machines without a usable platform.
func requireGPU(t *testing.T) {
	t.Helper()

	platforms, err := cl.GetPlatforms()
	if err != nil || len(platforms) == 0 {
		t.Skip("no OpenCL platform available")
	}
	devices, err := platforms[0].GetDevices(cl.DeviceTypeGPU)
	if err != nil || len(devices) == 0 {
		t.Skip("no GPU device on the first OpenCL platform")
	}
}

func TestBufferRoundTrip(t *testing.T) {
	requireGPU(t)

	buf, err := New(Config{Size: 1 << 20})
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	defer buf.Close()

	want := bytes.Repeat([]byte{0xAB}, 4096)
	if err := buf.WriteAt(want, 0); err != nil {
		t.Fatalf("write: %v", err)
	}

	got := make([]byte, 4096)
	if err := buf.ReadAt(got, 0); err != nil {
		t.Fatalf("read: %v", err)
	}
	if !bytes.Equal(want, got) {
		t.Error("read returned different data than written")
	}
}

func TestBufferOutOfRange(t *testing.T) {
	requireGPU(t)

	buf, err := New(Config{Size: 1 << 20})
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	defer buf.Close()

	if err := buf.WriteAt(make([]byte, 4096), 1<<20); !block.IsOutOfRangeErr(err) {
		t.Errorf("write past capacity: want out of range, got %v", err)
	}
	if err := buf.ReadAt(make([]byte, 1), 1<<20); !block.IsOutOfRangeErr(err) {
		t.Errorf("read past capacity: want out of range, got %v", err)
	}

	// zero-length transfer at the boundary is fine
	if err := buf.ReadAt(nil, 1<<20); err != nil {
		t.Errorf("zero-length read at capacity: %v", err)
	}
}

func TestBufferBadIndices(t *testing.T) {
	requireGPU(t)

	if _, err := New(Config{Size: 1 << 20, Platform: 1000}); err == nil {
		t.Error("want error for out-of-range platform index")
	}
	if _, err := New(Config{Size: 1 << 20, Device: 1000}); err == nil {
		t.Error("want error for out-of-range device index")
	}
}

func TestListDevices(t *testing.T) {
	requireGPU(t)

	devices, err := ListDevices()
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(devices) == 0 {
		t.Fatal("requireGPU passed but ListDevices found nothing")
	}
	for _, d := range devices {
		if d.Name == "" {
			t.Errorf("device %d/%d has no name", d.Platform, d.Device)
		}
	}
}
