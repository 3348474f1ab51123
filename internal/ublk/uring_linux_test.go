// SPDX-License-Identifier: Apache-2.0

package ublk

import (
	"bytes"
	"testing"
)

func TestPrepareUsesFixedFile(t *testing.T) {
	r := &uring{targetFd: 7}

	cmd := ioCmd{QID: 2, Tag: 9}
	sqe := r.prepare(ioCmdOp(cmdFetchReq), 0x20009, marshal(&cmd))

	if sqe.opcode != uringOpURINGCmd {
		t.Errorf("opcode = %d, want %d", sqe.opcode, uringOpURINGCmd)
	}
	// the target fd is registered at index 0; submissions must carry
	// the index plus the fixed-file flag, never the raw descriptor
	if sqe.flags&uringSQEFixedFile == 0 {
		t.Error("IOSQE_FIXED_FILE not set")
	}
	if sqe.fd != 0 {
		t.Errorf("fd = %d, want fixed-file index 0", sqe.fd)
	}
	if sqe.userData != 0x20009 {
		t.Errorf("userData = %#x, want 0x20009", sqe.userData)
	}
	if !bytes.Equal(sqe.payload()[:len(marshal(&cmd))], marshal(&cmd)) {
		t.Error("payload not copied into command area")
	}
}
