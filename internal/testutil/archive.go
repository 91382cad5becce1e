package testutil

import "weightsync/internal/archive"

// NewTestArchive creates a new in-memory payload archive for testing.
func NewTestArchive() *archive.MemoryArchive {
	return archive.NewMemoryArchive()
}
