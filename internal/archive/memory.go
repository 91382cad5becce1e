package archive

import (
	"context"
	"fmt"
	"io"
	"sort"
	"sync"

	"weightsync/internal/wsync"
)

// MemoryArchive is an in-memory implementation of the Archive interface.
// It is useful for tests and dry runs. Safe for concurrent use.
type MemoryArchive struct {
	mu       sync.RWMutex
	payloads map[string][]byte
}

// NewMemoryArchive creates an empty in-memory archive.
func NewMemoryArchive() *MemoryArchive {
	return &MemoryArchive{payloads: make(map[string][]byte)}
}

// PutPayload stores a payload under name, replacing any earlier one.
func (m *MemoryArchive) PutPayload(_ context.Context, name string, r io.Reader, size int64) error {
	if err := checkName(name); err != nil {
		return err
	}
	data, err := io.ReadAll(r)
	if err != nil {
		return fmt.Errorf("failed to read payload: %w", err)
	}
	if int64(len(data)) != size {
		return fmt.Errorf("size mismatch: expected %d bytes, got %d", size, len(data))
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	m.payloads[name] = data
	return nil
}

// Payload returns a copy of the payload stored under name.
func (m *MemoryArchive) Payload(name string) ([]byte, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	data, ok := m.payloads[name]
	if !ok {
		return nil, false
	}
	return append([]byte(nil), data...), true
}

// Names lists stored payload names in sorted order.
func (m *MemoryArchive) Names() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	names := make([]string, 0, len(m.payloads))
	for n := range m.payloads {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// ValidateSetup always succeeds for the in-memory archive.
func (m *MemoryArchive) ValidateSetup(context.Context) error {
	return nil
}

var _ wsync.Archive = (*MemoryArchive)(nil)
