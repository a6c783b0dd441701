package storage

import (
	"context"

	appconfig "playtrack/internal/config"
)

func NewStorage(ctx context.Context, cfg appconfig.Config) (Storage, error) {
	switch cfg.StorageMode {
	case "s3", "aws", "localstack":
		return NewS3Storage(ctx, cfg)
	case "local", "filesystem":
		return NewLocalStorage(cfg.LocalStorageDir)
	default:
		return NewLocalStorage(cfg.LocalStorageDir)
	}
}
