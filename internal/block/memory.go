// SPDX-License-Identifier: Apache-2.0

package block

import (
	"sync"
)

// Memory is a host-RAM Backend. It backs the protocol tests and the
// ram driver path, so the full transport stack can run on machines
// without a GPU.
type Memory struct {
	mu   sync.RWMutex
	data []byte
}

var _ Backend = (*Memory)(nil)

// NewMemory allocates a zero-filled backend of the given capacity.
func NewMemory(capacity uint64) *Memory {
	return &Memory{data: make([]byte, capacity)}
}

func (m *Memory) Size() uint64 {
	return uint64(len(m.data))
}

func (m *Memory) ReadAt(p []byte, off uint64) error {
	if err := CheckRange(off, len(p), m.Size()); err != nil {
		return err
	}

	m.mu.RLock()
	defer m.mu.RUnlock()

	copy(p, m.data[off:off+uint64(len(p))])

	return nil
}

func (m *Memory) WriteAt(p []byte, off uint64) error {
	if err := CheckRange(off, len(p), m.Size()); err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	copy(m.data[off:off+uint64(len(p))], p)

	return nil
}
