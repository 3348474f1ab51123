// SPDX-License-Identifier: Apache-2.0

// Package nbdproto holds the NBD wire-level constants and header layouts
// shared by the server engine and the test client. All multi-byte fields
// are big-endian on the wire.
package nbdproto

const (
	NBD_MAGIC          uint64 = 0x4e42444d41474943
	HAVE_OPT           uint64 = 0x49484156454F5054
	OPTION_REPLY_MAGIC uint64 = 0x3e889045565a9
	REQUEST_MAGIC      uint32 = 0x25609513
	SIMPLE_REPLY_MAGIC uint32 = 0x67446698

	FLAG_FIXED_NEWSTYLE uint16 = 1 << 0
	FLAG_NO_ZEROES      uint16 = 1 << 1

	FLAG_HAS_FLAGS         uint16 = 1 << 0
	FLAG_READ_ONLY         uint16 = 1 << 1
	FLAG_SEND_FLUSH        uint16 = 1 << 2
	FLAG_SEND_FUA          uint16 = 1 << 3
	FLAG_ROTATIONAL        uint16 = 1 << 4
	FLAG_SEND_TRIM         uint16 = 1 << 5
	FLAG_SEND_WRITE_ZEROES uint16 = 1 << 6
	FLAG_CAN_MULTI_CONN    uint16 = 1 << 8

	OPT_EXPORT_NAME uint32 = 1
	OPT_ABORT       uint32 = 2
	OPT_LIST        uint32 = 3
	OPT_STARTTLS    uint32 = 5
	OPT_INFO        uint32 = 6
	OPT_GO          uint32 = 7

	REP_ACK    uint32 = 1
	REP_SERVER uint32 = 2
	REP_INFO   uint32 = 3

	INFO_EXPORT      uint16 = 0
	INFO_NAME        uint16 = 1
	INFO_DESCRIPTION uint16 = 2
	INFO_BLOCK_SIZE  uint16 = 3

	REP_ERR_UNSUPPORTED uint32 = (1<<31 | 1)
	REP_ERR_POLICY      uint32 = (1<<31 | 2)
	REP_ERR_INVALID     uint32 = (1<<31 | 3)
	REP_ERR_UNKNOWN     uint32 = (1<<31 | 6)
	REP_ERR_SHUTDOWN    uint32 = (1<<31 | 7)

	CMD_READ  uint16 = 0
	CMD_WRITE uint16 = 1
	CMD_DISC  uint16 = 2
	CMD_FLUSH uint16 = 3
	CMD_TRIM  uint16 = 4

	EPERM   uint32 = 1
	EIO     uint32 = 5
	ENOMEM  uint32 = 12
	EINVAL  uint32 = 22
	ENOSPC  uint32 = 28
	ENOTSUP uint32 = 95
)

// MaximumStringLength bounds export names and option payloads read off
// the wire before allocation.
const MaximumStringLength = 4096

// MaximumRequestLength bounds a single transmission payload. Writes
// larger than this are drained and rejected without buffering.
const MaximumRequestLength = 32 << 20

type NegotiationHeader struct {
	Magic   uint64
	Version uint64
}

type OptionHeader struct {
	Magic  uint64
	ID     uint32
	Length uint32
}

type OptionReplyHeader struct {
	Magic  uint64
	ID     uint32
	Type   uint32
	Length uint32
}

type RequestHeader struct {
	Magic  uint32
	Flags  uint16
	Type   uint16
	Cookie uint64
	Offset uint64
	Length uint32
}

type SimpleReplyHeader struct {
	Magic  uint32
	Error  uint32
	Cookie uint64
}
