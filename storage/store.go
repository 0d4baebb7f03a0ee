// Package storage provides the key/value blob store that other packages
// use to persist guard state, consensus documents, and keys across
// process restarts, keyed by ArtiPath strings.
package storage

import "context"

// Store is a blob key/value store keyed by ArtiPath. Implementations
// need not support concurrent writers to the same key from separate
// processes beyond whatever locking they document; within one process,
// all methods must be safe for concurrent use.
type Store interface {
	// Get returns the bytes stored at key, and false if nothing is
	// stored there.
	Get(ctx context.Context, key ArtiPath) ([]byte, bool, error)

	// Put stores data at key, replacing any previous value.
	Put(ctx context.Context, key ArtiPath, data []byte) error

	// Delete removes key, if present. Deleting an absent key is not an
	// error.
	Delete(ctx context.Context, key ArtiPath) error

	// List returns every key currently stored under prefix (itself
	// included, if it names a stored value).
	List(ctx context.Context, prefix ArtiPath) ([]ArtiPath, error)
}
