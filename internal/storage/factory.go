package storage

import (
	"context"
	"fmt"

	"github.com/lgulliver/cairn/internal/license"
	"github.com/lgulliver/cairn/pkg/config"
	"github.com/lgulliver/cairn/pkg/types"
	"github.com/rs/zerolog/log"
)

// StorageFactory creates adapters from configuration and applies entitlement
// gating to backends that require a license.
type StorageFactory struct {
	config  *config.StorageConfig
	license license.Checker
}

// NewStorageFactory creates a new storage factory. checker may be nil, in
// which case no backend is gated.
func NewStorageFactory(config *config.StorageConfig, checker license.Checker) *StorageFactory {
	return &StorageFactory{config: config, license: checker}
}

// CreateStorage creates the process default adapter
func (sf *StorageFactory) CreateStorage(ctx context.Context) (Adapter, error) {
	switch sf.config.Type {
	case "local", string(types.StorageFilesystem):
		return NewLocalStorage(sf.config.LocalPath)
	case string(types.StorageS3):
		adapter, err := NewS3Storage(ctx, S3Options{
			Bucket:         sf.config.Bucket,
			Region:         sf.config.Region,
			Endpoint:       sf.config.Endpoint,
			AccessKey:      sf.config.AccessKey,
			SecretKey:      sf.config.SecretKey,
			ForcePathStyle: sf.config.ForcePathStyle,
			Prefix:         sf.config.Options["prefix"],
		})
		if err != nil {
			return nil, err
		}
		return sf.gate(types.StorageS3, adapter, "default"), nil
	default:
		return nil, fmt.Errorf("unsupported storage type: %s", sf.config.Type)
	}
}

// CreateFromConfig builds the adapter described by a stored StorageConfig
func (sf *StorageFactory) CreateFromConfig(ctx context.Context, sc *types.StorageConfig) (Adapter, error) {
	switch sc.Type {
	case types.StorageFilesystem:
		basePath := sc.String("basePath")
		if basePath == "" {
			return nil, fmt.Errorf("storage config %s: basePath is required", sc.ID)
		}
		return NewLocalStorage(basePath)
	case types.StorageS3:
		adapter, err := NewS3Storage(ctx, S3Options{
			Bucket:         sc.String("bucket"),
			Region:         sc.String("region"),
			Endpoint:       sc.String("endpoint"),
			AccessKey:      sc.String("accessKey"),
			SecretKey:      sc.String("secretKey"),
			ForcePathStyle: sc.Bool("forcePathStyle"),
			Prefix:         sc.String("prefix"),
		})
		if err != nil {
			return nil, fmt.Errorf("storage config %s: %w", sc.ID, err)
		}
		return sf.gate(types.StorageS3, adapter, sc.ID.String()), nil
	default:
		return nil, fmt.Errorf("unsupported storage type: %s", sc.Type)
	}
}

func (sf *StorageFactory) gate(kind types.StorageType, adapter Adapter, id string) Adapter {
	if kind != types.StorageS3 || sf.license == nil || sf.license.IsFeatureEnabled(license.FeatureStorageS3) {
		return adapter
	}
	log.Warn().Str("storage_config", id).Msg("s3 storage not entitled, serving read-only")
	return NewReadOnly(adapter)
}
