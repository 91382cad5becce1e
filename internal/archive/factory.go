package archive

import (
	"context"
	"fmt"
	"path/filepath"

	"weightsync/internal/config"
	"weightsync/internal/wsync"
)

// NewArchiveFromConfig creates an Archive based on the archive config type.
// It returns nil when archiving is disabled.
func NewArchiveFromConfig(ctx context.Context, cfg config.ArchiveConfig) (wsync.Archive, error) {
	switch cfg.Type {
	case "", "none":
		return nil, nil
	case "memory":
		return NewMemoryArchive(), nil
	case "filesystem":
		if cfg.FSRoot == "" {
			return nil, fmt.Errorf("filesystem archive requires fs_root to be set")
		}
		return NewFileSystemArchive(cfg.FSRoot)
	case "s3":
		return NewS3Archive(ctx, S3Options{
			Bucket:          cfg.S3Bucket,
			Prefix:          cfg.S3Prefix,
			Region:          cfg.S3Region,
			Endpoint:        cfg.S3Endpoint,
			AccessKeyID:     cfg.S3AccessKeyID,
			SecretAccessKey: cfg.S3SecretAccessKey,
		})
	default:
		return nil, fmt.Errorf("unknown archive type: %s", cfg.Type)
	}
}

// checkName rejects names that would escape the archive root.
func checkName(name string) error {
	if name == "" || !filepath.IsLocal(filepath.FromSlash(name)) {
		return fmt.Errorf("invalid payload name %q", name)
	}
	return nil
}
