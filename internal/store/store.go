// Package store persists license records behind a small bucketed
// key-value interface. Records are opaque JSON documents; the license
// package owns their shape.
package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"path/filepath"

	"wslicense/internal/config"
)

// Buckets used by the license subsystem.
const (
	BucketKeys        = "keys"
	BucketRevocations = "revocations"
	BucketIssued      = "issued"
	BucketGrace       = "grace"
	BucketBindings    = "bindings"
)

// ErrNotFound is returned by Get when the key is absent.
var ErrNotFound = errors.New("store: record not found")

// Store is a bucketed key-value record store.
type Store interface {
	Get(ctx context.Context, bucket, key string) ([]byte, error)
	Put(ctx context.Context, bucket, key string, value []byte) error
	Delete(ctx context.Context, bucket, key string) error
	// List returns every record in bucket keyed by record key.
	List(ctx context.Context, bucket string) (map[string][]byte, error)
	Close() error
}

// GetJSON loads key from bucket into v.
func GetJSON(ctx context.Context, s Store, bucket, key string, v any) error {
	data, err := s.Get(ctx, bucket, key)
	if err != nil {
		return err
	}
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("decode %s/%s: %w", bucket, key, err)
	}
	return nil
}

// PutJSON stores v under key in bucket.
func PutJSON(ctx context.Context, s Store, bucket, key string, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("encode %s/%s: %w", bucket, key, err)
	}
	return s.Put(ctx, bucket, key, data)
}

// Open builds the backend selected by cfg.
func Open(ctx context.Context, cfg config.StorageConfig, dataDir string) (Store, error) {
	switch cfg.Backend {
	case "memory":
		return NewMemory(), nil
	case "file":
		dir := cfg.DSN
		if dir == "" {
			dir = filepath.Join(dataDir, "license")
		}
		return NewFile(dir)
	case "sqlite":
		return NewSQLite(ctx, cfg.DSN)
	case "postgres":
		return NewPostgres(ctx, cfg.DSN)
	default:
		return nil, fmt.Errorf("unsupported storage backend %q", cfg.Backend)
	}
}
