// Package objectstore abstracts the S3-compatible backend the engine
// ships generations and segments to.
package objectstore

import (
	"context"
)

// ObjectInfo describes a stored object without fetching its body.
type ObjectInfo struct {
	Key  string
	Size int64
}

// Store is the minimal surface the replication engine needs from an
// object store: put, get, delete, and list-by-prefix.
type Store interface {
	Put(ctx context.Context, key string, body []byte) error
	Get(ctx context.Context, key string) ([]byte, error)
	Delete(ctx context.Context, key string) error
	DeleteBatch(ctx context.Context, keys []string) error
	List(ctx context.Context, prefix string) ([]ObjectInfo, error)
}
