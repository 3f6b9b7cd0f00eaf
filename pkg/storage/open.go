package storage

import (
	"context"
	"fmt"
)

const (
	BackendMinio = "minio"
	BackendS3    = "s3"
	BackendLocal = "local"
)

// Config selects and configures one object storage backend.
type Config struct {
	Backend string

	MinioEndpoint  string
	MinioAccessKey string
	MinioSecretKey string
	MinioBucket    string
	MinioUseSSL    bool

	S3 S3Config

	LocalDir string
}

// Open returns the ObjectStore named by cfg.Backend.
func Open(ctx context.Context, cfg Config) (ObjectStore, error) {
	switch cfg.Backend {
	case BackendMinio, "":
		return NewMinioStore(cfg.MinioEndpoint, cfg.MinioAccessKey, cfg.MinioSecretKey, cfg.MinioBucket, cfg.MinioUseSSL)
	case BackendS3:
		return NewS3Store(ctx, cfg.S3)
	case BackendLocal:
		return NewLocalStore(cfg.LocalDir)
	default:
		return nil, fmt.Errorf("unknown storage backend %q", cfg.Backend)
	}
}
