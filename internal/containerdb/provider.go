package containerdb

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/google/uuid"

	"github.com/lattice-storage/lattice/internal/storage"
)

const upsertEntry = `INSERT INTO entries (shard_id, key, value) VALUES (?, ?, ?)
	ON CONFLICT(shard_id, key) DO UPDATE SET value = excluded.value`

type txContextKey struct{}

// WithTx returns a context carrying tx. Provider calls made under the
// returned context execute on tx instead of the base connection, so a
// caller can fold many shard writes into one commit.
func WithTx(ctx context.Context, tx *Tx) context.Context {
	return context.WithValue(ctx, txContextKey{}, tx)
}

// TxFrom returns the transaction carried by ctx, if any.
func TxFrom(ctx context.Context) (*Tx, bool) {
	tx, ok := ctx.Value(txContextKey{}).(*Tx)
	return tx, ok
}

// inTx runs fn inside the transaction carried by ctx, leaving the
// commit to its owner, or inside a fresh one committed when fn
// succeeds.
func (d *DB) inTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	if joined, ok := TxFrom(ctx); ok {
		return fn(joined.tx)
	}
	tx, err := d.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback()
	if err := fn(tx); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit transaction: %w", err)
	}
	return nil
}

// execer is the common write surface of *sql.DB and *sql.Tx.
type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

func putEntry(ctx context.Context, e execer, shardID uuid.UUID, key string, value []byte) error {
	if value == nil {
		value = []byte{}
	}
	if _, err := e.ExecContext(ctx, upsertEntry, shardID.String(), key, value); err != nil {
		return fmt.Errorf("put %q on shard %s: %w", key, shardID, err)
	}
	return nil
}

func putEntries(ctx context.Context, e execer, shardID uuid.UUID, entries []storage.Entry) error {
	for _, entry := range entries {
		if err := putEntry(ctx, e, shardID, entry.Key, entry.Value); err != nil {
			return err
		}
	}
	return nil
}

func deleteEntry(ctx context.Context, e execer, shardID uuid.UUID, key string) error {
	if _, err := e.ExecContext(ctx,
		`DELETE FROM entries WHERE shard_id = ? AND key = ?`, shardID.String(), key); err != nil {
		return fmt.Errorf("delete %q on shard %s: %w", key, shardID, err)
	}
	return nil
}

func dropEntries(ctx context.Context, e execer, shardID uuid.UUID) error {
	if _, err := e.ExecContext(ctx,
		`DELETE FROM entries WHERE shard_id = ?`, shardID.String()); err != nil {
		return fmt.Errorf("drop entries of shard %s: %w", shardID, err)
	}
	return nil
}

// Tx is one open transaction against the container database. It
// implements the write half of storage.Provider; reads still go
// through the DB.
type Tx struct {
	tx *sql.Tx
}

// BeginTx opens a transaction. The caller must finish it with Commit
// or Rollback; pairing the handle with WithTx routes provider calls
// through it.
func (d *DB) BeginTx(ctx context.Context) (*Tx, error) {
	tx, err := d.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin transaction: %w", err)
	}
	return &Tx{tx: tx}, nil
}

func (t *Tx) Put(ctx context.Context, shardID uuid.UUID, key string, value []byte) error {
	return putEntry(ctx, t.tx, shardID, key, value)
}

func (t *Tx) PutBatch(ctx context.Context, shardID uuid.UUID, entries []storage.Entry) error {
	return putEntries(ctx, t.tx, shardID, entries)
}

func (t *Tx) Delete(ctx context.Context, shardID uuid.UUID, key string) error {
	return deleteEntry(ctx, t.tx, shardID, key)
}

func (t *Tx) DropEntries(ctx context.Context, shardID uuid.UUID) error {
	return dropEntries(ctx, t.tx, shardID)
}

func (t *Tx) Commit() error   { return t.tx.Commit() }
func (t *Tx) Rollback() error { return t.tx.Rollback() }

// provider adapts the database to storage.Provider. Single-statement
// writes execute directly; batches open their own transaction. When
// the context carries a Tx, every call joins it instead.
type provider struct {
	d *DB
}

// Provider returns the storage.Provider view of the database. Shards
// of every group share it: entries are keyed by shard identity.
func (d *DB) Provider() storage.Provider {
	return &provider{d: d}
}

var _ storage.Provider = (*provider)(nil)

func (p *provider) Put(ctx context.Context, shardID uuid.UUID, key string, value []byte) error {
	if tx, ok := TxFrom(ctx); ok {
		return tx.Put(ctx, shardID, key, value)
	}
	return putEntry(ctx, p.d.db, shardID, key, value)
}

func (p *provider) PutBatch(ctx context.Context, shardID uuid.UUID, entries []storage.Entry) error {
	if tx, ok := TxFrom(ctx); ok {
		return tx.PutBatch(ctx, shardID, entries)
	}
	tx, err := p.d.BeginTx(ctx)
	if err != nil {
		return err
	}
	if err := tx.PutBatch(ctx, shardID, entries); err != nil {
		tx.Rollback()
		return err
	}
	return tx.Commit()
}

func (p *provider) Delete(ctx context.Context, shardID uuid.UUID, key string) error {
	if tx, ok := TxFrom(ctx); ok {
		return tx.Delete(ctx, shardID, key)
	}
	return deleteEntry(ctx, p.d.db, shardID, key)
}

func (p *provider) DropEntries(ctx context.Context, shardID uuid.UUID) error {
	if tx, ok := TxFrom(ctx); ok {
		return tx.DropEntries(ctx, shardID)
	}
	return dropEntries(ctx, p.d.db, shardID)
}

func (p *provider) Begin(ctx context.Context) (storage.ProviderTx, error) {
	if tx, ok := TxFrom(ctx); ok {
		// Join the caller's transaction; its owner commits.
		return &joinedTx{tx: tx}, nil
	}
	return p.d.BeginTx(ctx)
}

var _ storage.ProviderTx = (*Tx)(nil)

// joinedTx runs on a transaction owned further up the stack. Commit
// and Rollback are deferred to that owner.
type joinedTx struct {
	tx *Tx
}

func (j *joinedTx) Put(ctx context.Context, shardID uuid.UUID, key string, value []byte) error {
	return j.tx.Put(ctx, shardID, key, value)
}

func (j *joinedTx) PutBatch(ctx context.Context, shardID uuid.UUID, entries []storage.Entry) error {
	return j.tx.PutBatch(ctx, shardID, entries)
}

func (j *joinedTx) Delete(ctx context.Context, shardID uuid.UUID, key string) error {
	return j.tx.Delete(ctx, shardID, key)
}

func (j *joinedTx) DropEntries(ctx context.Context, shardID uuid.UUID) error {
	return j.tx.DropEntries(ctx, shardID)
}

func (j *joinedTx) Commit() error   { return nil }
func (j *joinedTx) Rollback() error { return nil }
