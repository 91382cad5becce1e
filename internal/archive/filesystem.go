package archive

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"weightsync/internal/wsync"
)

// FileSystemArchive stores payloads as files below a root directory. Names
// may contain slashes and map to subdirectories:
//
//	<root>/
//	  garmin/
//	    <watermark>.fit
type FileSystemArchive struct {
	root string
}

// NewFileSystemArchive creates an archive rooted at root, creating it if needed.
func NewFileSystemArchive(root string) (*FileSystemArchive, error) {
	if err := os.MkdirAll(root, 0755); err != nil {
		return nil, fmt.Errorf("failed to create archive directory: %w", err)
	}
	return &FileSystemArchive{root: root}, nil
}

// PutPayload writes the payload atomically. An existing file with the same
// name is replaced.
func (a *FileSystemArchive) PutPayload(_ context.Context, name string, r io.Reader, size int64) error {
	if err := checkName(name); err != nil {
		return err
	}
	destPath := filepath.Join(a.root, filepath.FromSlash(name))
	if err := os.MkdirAll(filepath.Dir(destPath), 0755); err != nil {
		return fmt.Errorf("failed to create archive directory: %w", err)
	}
	return writeFile(destPath, r, size)
}

// ValidateSetup verifies that the root exists and is a writable directory.
func (a *FileSystemArchive) ValidateSetup(context.Context) error {
	info, err := os.Stat(a.root)
	if err != nil {
		return fmt.Errorf("archive root not accessible: %w", err)
	}
	if !info.IsDir() {
		return fmt.Errorf("archive root is not a directory: %s", a.root)
	}

	check, err := os.CreateTemp(a.root, ".wsync-check-*")
	if err != nil {
		return fmt.Errorf("archive root not writable: %w", err)
	}
	check.Close()
	return os.Remove(check.Name())
}

// writeFile writes data from r to destPath using a temp file and rename.
func writeFile(destPath string, r io.Reader, expectedSize int64) error {
	tmpFile, err := os.CreateTemp(filepath.Dir(destPath), ".tmp-*")
	if err != nil {
		return fmt.Errorf("failed to create temp file: %w", err)
	}
	tmpPath := tmpFile.Name()

	success := false
	defer func() {
		if !success {
			os.Remove(tmpPath)
		}
	}()

	written, err := io.Copy(tmpFile, r)
	if err != nil {
		tmpFile.Close()
		return fmt.Errorf("failed to write data: %w", err)
	}
	if err := tmpFile.Close(); err != nil {
		return fmt.Errorf("failed to close temp file: %w", err)
	}
	if written != expectedSize {
		return fmt.Errorf("size mismatch: expected %d bytes, got %d", expectedSize, written)
	}

	if err := os.Rename(tmpPath, destPath); err != nil {
		return fmt.Errorf("failed to rename temp file: %w", err)
	}
	success = true
	return nil
}

var _ wsync.Archive = (*FileSystemArchive)(nil)
