package storage

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"time"

	"github.com/lgulliver/cairn/internal/coord"
	"github.com/lgulliver/cairn/pkg/utils"
	"github.com/rs/zerolog/log"
)

const migrationLockTTL = time.Hour

// MigrationResult summarises one migration run
type MigrationResult struct {
	Total   int `json:"total"`
	Copied  int `json:"copied"`
	Skipped int `json:"skipped"`
	Failed  int `json:"failed"`
}

// Migrator copies objects between storage configs while both stay live
type Migrator struct {
	router *Router
	locker coord.Locker
}

// NewMigrator creates a Migrator
func NewMigrator(router *Router, locker coord.Locker) *Migrator {
	return &Migrator{router: router, locker: locker}
}

// Migrate copies every object under prefix from one storage config to another.
// An empty config id names the default adapter. Objects already present on the
// destination with the same size are skipped, so an interrupted run can simply
// be repeated. Per-object failures are counted, not returned.
func (m *Migrator) Migrate(ctx context.Context, prefix, fromConfigID, toConfigID string) (*MigrationResult, error) {
	if fromConfigID == toConfigID {
		return nil, fmt.Errorf("source and destination storage are the same: %q", fromConfigID)
	}

	resource := fmt.Sprintf("storage-migrate:%s:%s:%s", prefix, fromConfigID, toConfigID)
	return coord.WithLock(ctx, m.locker, resource, migrationLockTTL, func(ctx context.Context) (*MigrationResult, error) {
		return m.migrate(ctx, prefix, fromConfigID, toConfigID)
	})
}

func (m *Migrator) migrate(ctx context.Context, prefix, fromConfigID, toConfigID string) (*MigrationResult, error) {
	src, err := m.router.AdapterFor(ctx, fromConfigID)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve source storage: %w", err)
	}
	dst, err := m.router.AdapterFor(ctx, toConfigID)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve destination storage: %w", err)
	}

	keys, err := src.List(ctx, prefix)
	if err != nil {
		return nil, fmt.Errorf("failed to list source objects: %w", err)
	}

	startTime := time.Now()
	streaming := supportsStreaming(src) && supportsStreaming(dst)
	result := &MigrationResult{Total: len(keys)}
	var copiedBytes int64

	for _, key := range keys {
		if err := ctx.Err(); err != nil {
			return result, err
		}

		size, copied, err := copyObject(ctx, src, dst, key, streaming)
		switch {
		case err != nil:
			result.Failed++
			log.Warn().Err(err).Str("key", key).Msg("failed to migrate object")
		case copied:
			result.Copied++
			copiedBytes += size
		default:
			result.Skipped++
		}
	}

	log.Info().
		Str("prefix", prefix).
		Str("from", fromConfigID).
		Str("to", toConfigID).
		Int("total", result.Total).
		Int("copied", result.Copied).
		Int("skipped", result.Skipped).
		Int("failed", result.Failed).
		Str("copied_size", utils.FormatBytes(copiedBytes)).
		Bool("streaming", streaming).
		Dur("duration", time.Since(startTime)).
		Msg("storage migration finished")

	return result, nil
}

func supportsStreaming(a Adapter) bool {
	s, ok := a.(Streamer)
	return ok && s.SupportsStreaming()
}

// copyObject reports false when the destination already holds the object
func copyObject(ctx context.Context, src, dst Adapter, key string, streaming bool) (int64, bool, error) {
	info, err := src.Stat(ctx, key)
	if err != nil {
		return 0, false, err
	}

	if existing, err := dst.Stat(ctx, key); err == nil && existing.Size == info.Size {
		return info.Size, false, nil
	} else if err != nil && !IsNotFound(err) {
		return 0, false, err
	}

	rc, err := src.Retrieve(ctx, key)
	if err != nil {
		return 0, false, err
	}
	defer rc.Close()

	var body io.Reader = rc
	if !streaming {
		data, err := io.ReadAll(rc)
		if err != nil {
			return 0, false, fmt.Errorf("failed to buffer %s: %w", key, err)
		}
		body = bytes.NewReader(data)
	}

	if err := dst.Store(ctx, key, body, ""); err != nil {
		return 0, false, err
	}
	return info.Size, true, nil
}
