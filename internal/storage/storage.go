// Package storage persists stitched artifacts.
package storage

import (
	"context"
	"errors"
	"fmt"
	"io"

	"reelbatch.io/orchestrator/internal/config"
)

// ErrNotFound is returned by Get for unknown keys.
var ErrNotFound = errors.New("artifact not found")

// Store writes and reads artifacts by key.
type Store interface {
	// Put writes body under key and returns the artifact reference
	// recorded on the batch or row.
	Put(ctx context.Context, key string, body io.ReadSeeker, contentType string) (ref string, err error)
	Get(ctx context.Context, key string) (io.ReadCloser, error)
}

// New builds the store selected by cfg.Driver.
func New(ctx context.Context, cfg config.StorageConfig) (Store, error) {
	switch cfg.Driver {
	case "", "local":
		return NewLocalStore(cfg.Local.Root, cfg.Local.BaseURL)
	case "s3":
		return NewS3Store(ctx, cfg)
	default:
		return nil, fmt.Errorf("unknown storage driver %q", cfg.Driver)
	}
}
