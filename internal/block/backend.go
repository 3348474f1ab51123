// SPDX-License-Identifier: Apache-2.0

// Package block defines the storage contract shared by every transport:
// a fixed-size, byte-addressable backend with strict bounds checking.
package block

import (
	"errors"
	"fmt"

	"github.com/vramblk/vramblk/internal/span"
)

// ErrOutOfRange is returned when a requested range does not fit inside
// the backend's capacity. Ranges are never clamped and never partially
// transferred.
var ErrOutOfRange = errors.New("range out of bounds")

// RangeError carries the rejected range alongside ErrOutOfRange so
// callers can log the offending request.
type RangeError struct {
	Offset   uint64
	Length   int
	Capacity uint64
}

func (e *RangeError) Error() string {
	return fmt.Sprintf("range [%d, %d) out of bounds for capacity %d",
		e.Offset, e.Offset+uint64(e.Length), e.Capacity)
}

func (e *RangeError) Unwrap() error {
	return ErrOutOfRange
}

// Backend is a fixed-capacity byte store. Implementations must be safe
// for concurrent use; ordering between overlapping writes from
// different goroutines is not defined.
type Backend interface {
	// Size returns the capacity in bytes. It never changes after
	// construction.
	Size() uint64

	// ReadAt fills p from the range [off, off+len(p)). The range must
	// lie entirely inside the capacity or the call fails with a
	// RangeError and p is left unspecified.
	ReadAt(p []byte, off uint64) error

	// WriteAt stores p at [off, off+len(p)) under the same contract.
	WriteAt(p []byte, off uint64) error
}

// CheckRange validates that [off, off+length) fits inside capacity.
// A zero-length range at off == capacity is valid.
func CheckRange(off uint64, length int, capacity uint64) error {
	if length < 0 {
		return &RangeError{Offset: off, Length: length, Capacity: capacity}
	}

	end := off + uint64(length)
	if end < off {
		// wrapped around
		return &RangeError{Offset: off, Length: length, Capacity: capacity}
	}

	device := span.Span[uint64]{Start: 0, End: capacity}
	if !device.Contains(span.Span[uint64]{Start: off, End: end}) {
		return &RangeError{Offset: off, Length: length, Capacity: capacity}
	}

	return nil
}

// IsOutOfRangeErr returns true if err is a bounds rejection.
func IsOutOfRangeErr(err error) bool {
	return errors.Is(err, ErrOutOfRange)
}
