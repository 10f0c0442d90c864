// Package storage defines the durable byte store interfaces the engine
// persists through. Checkpoints, DLQ entries, and events all go through a
// ByteStore, so a single configuration switch moves the engine between
// backends (local file system, Google Cloud Storage).
package storage

import (
	"context"
)

// ByteStore is the engine's persistence contract: a flat keyed byte store
// with atomic whole-value writes.
type ByteStore interface {
	// WriteAtomic durably writes data under key. Readers never observe a
	// partially written value: they see either the previous value or the new
	// one in full.
	WriteAtomic(ctx context.Context, key string, data []byte) error
	// Read returns the full value stored under key.
	Read(ctx context.Context, key string) ([]byte, error)
	// List returns all keys with the given prefix, in lexical order.
	List(ctx context.Context, prefix string) ([]string, error)
	// Delete removes the value stored under key. Deleting a missing key is
	// not an error.
	Delete(ctx context.Context, key string) error
	// Close releases any resources held by the store.
	Close() error
	// Type returns the backend type of this store (e.g. "local", "gcs").
	Type() string
	// Name returns the configured connection name of this store.
	Name() string
}

// StoreProvider manages the acquisition and lifecycle of byte store
// connections of one backend type.
type StoreProvider interface {
	// GetStore retrieves (or lazily creates) the ByteStore with the given
	// configured name.
	GetStore(name string) (ByteStore, error)
	// CloseAll closes all stores managed by this provider.
	CloseAll() error
	// Type returns the backend type handled by this provider.
	Type() string
}

// StoreResolver resolves a named byte store connection, dispatching to the
// provider matching the connection's configured type.
type StoreResolver interface {
	// ResolveStore resolves a ByteStore by its configured connection name.
	ResolveStore(ctx context.Context, name string) (ByteStore, error)
}
