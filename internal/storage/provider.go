package storage

import (
	"context"

	"github.com/google/uuid"
)

// Entry is one key/value pair held by a shard.
type Entry struct {
	Key   string
	Value []byte
}

// Provider persists shard contents. Every call must be durable when it
// returns: shards only mutate their in-memory state after the provider
// accepted the write, so a provider failure leaves the shard as it
// was.
type Provider interface {
	// Put stores one entry, overwriting any previous value.
	Put(ctx context.Context, shardID uuid.UUID, key string, value []byte) error

	// PutBatch stores several entries atomically.
	PutBatch(ctx context.Context, shardID uuid.UUID, entries []Entry) error

	// Delete removes one entry.
	Delete(ctx context.Context, shardID uuid.UUID, key string) error

	// DropEntries removes every entry of the shard.
	DropEntries(ctx context.Context, shardID uuid.UUID) error

	// Begin opens a transaction spanning subsequent calls on the
	// returned handle. Implementations may join a transaction already
	// carried by ctx instead of opening their own.
	Begin(ctx context.Context) (ProviderTx, error)
}

// ProviderTx is a transactional view of a Provider. Exactly one of
// Commit or Rollback must be called.
type ProviderTx interface {
	Put(ctx context.Context, shardID uuid.UUID, key string, value []byte) error
	PutBatch(ctx context.Context, shardID uuid.UUID, entries []Entry) error
	Delete(ctx context.Context, shardID uuid.UUID, key string) error
	DropEntries(ctx context.Context, shardID uuid.UUID) error
	Commit() error
	Rollback() error
}
