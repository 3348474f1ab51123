// SPDX-License-Identifier: Apache-2.0

// Package memlock pins the process address space so staging buffers
// do not page out under memory pressure. Locking is an optimization;
// failure never affects correctness.
package memlock

import (
	"golang.org/x/sys/unix"
)

// All locks current and future mappings. Typically requires
// CAP_IPC_LOCK or a raised RLIMIT_MEMLOCK.
func All() error {
	return unix.Mlockall(unix.MCL_CURRENT | unix.MCL_FUTURE)
}
