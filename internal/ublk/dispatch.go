// SPDX-License-Identifier: Apache-2.0

package ublk

import (
	"github.com/vramblk/vramblk/internal/block"
)

// Negative errno values used as completion results. These are kernel
// ABI numbers, not Go errors.
const (
	errnoIO       = 5
	errnoInval    = 22
	errnoNotSupp  = 95
)

// dispatch executes one descriptor against the backend using the
// tag's buffer and returns the completion result: the transferred
// length on success, a negative errno otherwise. Every descriptor
// yields exactly one result; nothing is clamped or retried here.
func dispatch(backend block.Backend, desc IODesc, buf []byte) int32 {
	switch desc.Op() {
	case opRead, opWrite:
	case opFlush:
		// transfers are synchronous, there is nothing buffered to
		// flush
		return resOK
	default:
		// DISCARD, WRITE_SAME, WRITE_ZEROES and anything newer
		return -errnoNotSupp
	}

	length := desc.ByteLength()
	offset := desc.ByteOffset()

	if uint64(length) > uint64(len(buf)) {
		return -errnoInval
	}
	if err := block.CheckRange(offset, int(length), backend.Size()); err != nil {
		return -errnoInval
	}

	data := buf[:length]

	var err error
	switch desc.Op() {
	case opRead:
		err = backend.ReadAt(data, offset)
	case opWrite:
		err = backend.WriteAt(data, offset)
	}
	if err != nil {
		if block.IsOutOfRangeErr(err) {
			return -errnoInval
		}
		return -errnoIO
	}

	return int32(length)
}
