// SPDX-License-Identifier: Apache-2.0

package block

import (
	"bytes"
	"errors"
	"fmt"
	"testing"

	"github.com/google/go-cmp/cmp"
)

func TestMemoryRoundTrip(t *testing.T) {
	// 1 MiB device, one 4 KiB pattern write at offset zero.
	mem := NewMemory(1 << 20)

	pattern := bytes.Repeat([]byte{0xAB}, 4096)
	if err := mem.WriteAt(pattern, 0); err != nil {
		t.Fatalf("write: %v", err)
	}

	got := make([]byte, 4096)
	if err := mem.ReadAt(got, 0); err != nil {
		t.Fatalf("read: %v", err)
	}

	if diff := cmp.Diff(pattern, got); diff != "" {
		t.Errorf("read back mismatch (-want +got):\n%s", diff)
	}

	// the region past the write stays zeroed
	tail := make([]byte, 4096)
	if err := mem.ReadAt(tail, 4096); err != nil {
		t.Fatalf("read tail: %v", err)
	}
	if !bytes.Equal(tail, make([]byte, 4096)) {
		t.Error("unwritten region is not zero")
	}
}

func TestMemoryOutOfRange(t *testing.T) {
	mem := NewMemory(1024)

	seed := bytes.Repeat([]byte{0x5A}, 1024)
	if err := mem.WriteAt(seed, 0); err != nil {
		t.Fatalf("seed write: %v", err)
	}

	tests := []struct {
		off    uint64
		length int
	}{
		{off: 0, length: 1025},
		{off: 1024, length: 1},
		{off: 1020, length: 8},
		{off: 1 << 62, length: 16},
		{off: ^uint64(0), length: 1},
	}

	for _, tt := range tests {
		name := fmt.Sprintf("off=%d len=%d", tt.off, tt.length)

		t.Run(name, func(t *testing.T) {
			err := mem.WriteAt(make([]byte, tt.length), tt.off)
			if !IsOutOfRangeErr(err) {
				t.Fatalf("write: want out of range, got %v", err)
			}

			var re *RangeError
			if !errors.As(err, &re) {
				t.Fatalf("want *RangeError, got %T", err)
			}

			if err := mem.ReadAt(make([]byte, tt.length), tt.off); !IsOutOfRangeErr(err) {
				t.Fatalf("read: want out of range, got %v", err)
			}
		})
	}

	// a rejected write leaves the contents untouched
	got := make([]byte, 1024)
	if err := mem.ReadAt(got, 0); err != nil {
		t.Fatalf("read: %v", err)
	}
	if !bytes.Equal(got, seed) {
		t.Error("contents changed after rejected write")
	}
}

func TestMemoryZeroLengthAtCapacity(t *testing.T) {
	mem := NewMemory(512)

	if err := mem.ReadAt(nil, 512); err != nil {
		t.Errorf("zero-length read at capacity: %v", err)
	}
	if err := mem.WriteAt(nil, 512); err != nil {
		t.Errorf("zero-length write at capacity: %v", err)
	}
	if err := mem.ReadAt(nil, 513); !IsOutOfRangeErr(err) {
		t.Errorf("zero-length read past capacity: want out of range, got %v", err)
	}
}

func TestCheckRangeNegativeLength(t *testing.T) {
	if err := CheckRange(0, -1, 1024); !IsOutOfRangeErr(err) {
		t.Errorf("negative length: want out of range, got %v", err)
	}
}
