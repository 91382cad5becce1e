package testutil

import (
	"fmt"
	"sync"

	"weightsync/internal/wsync"
)

// MemoryStateStore is an in-memory wsync.StateStore. Safe for concurrent use.
type MemoryStateStore struct {
	mu         sync.Mutex
	watermarks map[string]wsync.Watermark
	blocks     map[string]*wsync.Error
	writes     int

	// FailSetWatermark makes SetWatermark return an error.
	FailSetWatermark bool
}

var _ wsync.StateStore = (*MemoryStateStore)(nil)

func NewMemoryStateStore() *MemoryStateStore {
	return &MemoryStateStore{
		watermarks: make(map[string]wsync.Watermark),
		blocks:     make(map[string]*wsync.Error),
	}
}

func (m *MemoryStateStore) Watermark(dest string) (wsync.Watermark, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.watermarks[dest], nil
}

func (m *MemoryStateStore) SetWatermark(dest string, wm wsync.Watermark) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.FailSetWatermark {
		return fmt.Errorf("disk full")
	}
	m.watermarks[dest] = wm
	m.writes++
	return nil
}

func (m *MemoryStateStore) Block(dest string) (*wsync.Error, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.blocks[dest], nil
}

func (m *MemoryStateStore) SetBlock(dest string, e *wsync.Error) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if e == nil {
		delete(m.blocks, dest)
		return nil
	}
	m.blocks[dest] = e
	return nil
}

// Writes returns how many times SetWatermark succeeded.
func (m *MemoryStateStore) Writes() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.writes
}
