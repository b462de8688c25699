// Package containerdb persists shard groups in a single SQLite file.
// It stores group manifests (name, strictness, shard sequence) next to
// the shard entries themselves, and exposes the entry tables through a
// storage.Provider so shards write through to disk on every mutation.
package containerdb

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	_ "modernc.org/sqlite"

	"github.com/lattice-storage/lattice/internal/models"
	"github.com/lattice-storage/lattice/internal/storage"
)

const schemaVersion = "1"

var (
	// ErrDatabaseExists reports a Create against a path already
	// holding a database file.
	ErrDatabaseExists = errors.New("container database already exists")

	// ErrDatabaseNotFound reports a Load against a path with no
	// database file.
	ErrDatabaseNotFound = errors.New("container database not found")

	// ErrManifestExists reports a manifest save under a taken name.
	ErrManifestExists = errors.New("group manifest already exists")

	// ErrManifestNotFound reports a lookup of an unknown group name.
	ErrManifestNotFound = errors.New("group manifest not found")
)

var schemaStatements = []string{
	`CREATE TABLE IF NOT EXISTS meta (
		key   TEXT PRIMARY KEY,
		value TEXT NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS groups (
		name       TEXT PRIMARY KEY,
		strict     INTEGER NOT NULL DEFAULT 0,
		created_at TEXT NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS shards (
		id         TEXT PRIMARY KEY,
		group_name TEXT NOT NULL REFERENCES groups(name),
		position   INTEGER NOT NULL,
		max_size   INTEGER NOT NULL,
		UNIQUE (group_name, position)
	)`,
	`CREATE TABLE IF NOT EXISTS entries (
		shard_id TEXT NOT NULL REFERENCES shards(id),
		key      TEXT NOT NULL,
		value    BLOB NOT NULL,
		PRIMARY KEY (shard_id, key)
	)`,
}

// DB is a handle on one container database file.
type DB struct {
	db     *sql.DB
	path   string
	logger *zap.Logger
}

// Create makes a fresh container database at path. The parent
// directory is created as needed; an existing file is refused.
func Create(path string, logger *zap.Logger) (*DB, error) {
	if _, err := os.Stat(path); err == nil {
		return nil, fmt.Errorf("%s: %w", path, ErrDatabaseExists)
	} else if !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("stat %s: %w", path, err)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create directory for %s: %w", path, err)
	}
	d, err := open(path, logger)
	if err != nil {
		return nil, err
	}
	d.logger.Info("Created container database", zap.String("path", path))
	return d, nil
}

// Load opens an existing container database at path. A missing file
// is refused: use Create or New to make one.
func Load(path string, logger *zap.Logger) (*DB, error) {
	if _, err := os.Stat(path); errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("%s: %w", path, ErrDatabaseNotFound)
	} else if err != nil {
		return nil, fmt.Errorf("stat %s: %w", path, err)
	}
	d, err := open(path, logger)
	if err != nil {
		return nil, err
	}
	d.logger.Info("Loaded container database", zap.String("path", path))
	return d, nil
}

// New opens the container database at path, creating it first when
// the file does not exist yet.
func New(path string, logger *zap.Logger) (*DB, error) {
	if _, err := os.Stat(path); errors.Is(err, os.ErrNotExist) {
		return Create(path, logger)
	}
	return Load(path, logger)
}

func open(path string, logger *zap.Logger) (*DB, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", path, err)
	}
	// SQLite allows one writer; a single pooled connection keeps
	// transactions from fighting over it.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	for _, pragma := range []string{
		"PRAGMA busy_timeout = 5000",
		"PRAGMA journal_mode = WAL",
		"PRAGMA synchronous = NORMAL",
	} {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, fmt.Errorf("%s: %w", pragma, err)
		}
	}
	d := &DB{db: db, path: path, logger: logger}
	if err := d.initSchema(); err != nil {
		db.Close()
		return nil, err
	}
	return d, nil
}

func (d *DB) initSchema() error {
	for _, stmt := range schemaStatements {
		if _, err := d.db.Exec(stmt); err != nil {
			return fmt.Errorf("apply schema: %w", err)
		}
	}
	var version string
	err := d.db.QueryRow(`SELECT value FROM meta WHERE key = 'schema_version'`).Scan(&version)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		_, err = d.db.Exec(`INSERT INTO meta (key, value) VALUES ('schema_version', ?)`, schemaVersion)
		if err != nil {
			return fmt.Errorf("stamp schema version: %w", err)
		}
	case err != nil:
		return fmt.Errorf("read schema version: %w", err)
	case version != schemaVersion:
		return fmt.Errorf("schema version %s, want %s", version, schemaVersion)
	}
	return nil
}

// Close releases the underlying connection.
func (d *DB) Close() error {
	return d.db.Close()
}

// Path returns the database file location.
func (d *DB) Path() string { return d.path }

// SaveManifest stores a group manifest. The group row and every shard
// row land in one transaction; a taken name is refused. A transaction
// carried by ctx is joined instead of opening a new one.
func (d *DB) SaveManifest(ctx context.Context, m models.GroupManifest) error {
	err := d.inTx(ctx, func(tx *sql.Tx) error {
		var taken int
		if err := tx.QueryRowContext(ctx,
			`SELECT COUNT(1) FROM groups WHERE name = ?`, m.Name).Scan(&taken); err != nil {
			return fmt.Errorf("check group %q: %w", m.Name, err)
		}
		if taken > 0 {
			return fmt.Errorf("group %q: %w", m.Name, ErrManifestExists)
		}

		if _, err := tx.ExecContext(ctx,
			`INSERT INTO groups (name, strict, created_at) VALUES (?, ?, ?)`,
			m.Name, boolToInt(m.Strict), m.CreatedAt.UTC().Format(time.RFC3339Nano)); err != nil {
			return fmt.Errorf("insert group %q: %w", m.Name, err)
		}
		for _, s := range m.Shards {
			if _, err := tx.ExecContext(ctx,
				`INSERT INTO shards (id, group_name, position, max_size) VALUES (?, ?, ?, ?)`,
				s.ID.String(), m.Name, s.Index, s.MaxSize); err != nil {
				return fmt.Errorf("insert shard %d of %q: %w", s.Index, m.Name, err)
			}
		}
		return nil
	})
	if err != nil {
		return err
	}
	d.logger.Debug("Saved group manifest",
		zap.String("group", m.Name),
		zap.Int("shards", len(m.Shards)))
	return nil
}

// LoadManifest reads the manifest stored under name, shards in
// position order.
func (d *DB) LoadManifest(ctx context.Context, name string) (models.GroupManifest, error) {
	var (
		m       = models.GroupManifest{Name: name}
		strict  int
		created string
	)
	err := d.db.QueryRowContext(ctx,
		`SELECT strict, created_at FROM groups WHERE name = ?`, name).Scan(&strict, &created)
	if errors.Is(err, sql.ErrNoRows) {
		return models.GroupManifest{}, fmt.Errorf("group %q: %w", name, ErrManifestNotFound)
	}
	if err != nil {
		return models.GroupManifest{}, fmt.Errorf("read group %q: %w", name, err)
	}
	m.Strict = strict != 0
	if m.CreatedAt, err = time.Parse(time.RFC3339Nano, created); err != nil {
		return models.GroupManifest{}, fmt.Errorf("parse created_at of %q: %w", name, err)
	}

	rows, err := d.db.QueryContext(ctx,
		`SELECT id, position, max_size FROM shards WHERE group_name = ? ORDER BY position`, name)
	if err != nil {
		return models.GroupManifest{}, fmt.Errorf("read shards of %q: %w", name, err)
	}
	defer rows.Close()
	for rows.Next() {
		var (
			raw string
			s   models.ShardManifest
		)
		if err := rows.Scan(&raw, &s.Index, &s.MaxSize); err != nil {
			return models.GroupManifest{}, fmt.Errorf("scan shard of %q: %w", name, err)
		}
		if s.ID, err = uuid.Parse(raw); err != nil {
			return models.GroupManifest{}, fmt.Errorf("parse shard id %q: %w", raw, err)
		}
		m.Shards = append(m.Shards, s)
	}
	if err := rows.Err(); err != nil {
		return models.GroupManifest{}, fmt.Errorf("read shards of %q: %w", name, err)
	}
	return m, nil
}

// Groups returns the stored group names in lexical order.
func (d *DB) Groups(ctx context.Context) ([]string, error) {
	rows, err := d.db.QueryContext(ctx, `SELECT name FROM groups ORDER BY name`)
	if err != nil {
		return nil, fmt.Errorf("list groups: %w", err)
	}
	defer rows.Close()
	var names []string
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, fmt.Errorf("scan group name: %w", err)
		}
		names = append(names, name)
	}
	return names, rows.Err()
}

// Manifests loads every stored manifest in lexical name order.
func (d *DB) Manifests(ctx context.Context) ([]models.GroupManifest, error) {
	names, err := d.Groups(ctx)
	if err != nil {
		return nil, err
	}
	manifests := make([]models.GroupManifest, 0, len(names))
	for _, name := range names {
		m, err := d.LoadManifest(ctx, name)
		if err != nil {
			return nil, err
		}
		manifests = append(manifests, m)
	}
	return manifests, nil
}

// LoadEntries reads every entry of one shard in ascending key order.
func (d *DB) LoadEntries(ctx context.Context, shardID uuid.UUID) ([]storage.Entry, error) {
	rows, err := d.db.QueryContext(ctx,
		`SELECT key, value FROM entries WHERE shard_id = ? ORDER BY key`, shardID.String())
	if err != nil {
		return nil, fmt.Errorf("load entries of shard %s: %w", shardID, err)
	}
	defer rows.Close()
	var entries []storage.Entry
	for rows.Next() {
		var e storage.Entry
		if err := rows.Scan(&e.Key, &e.Value); err != nil {
			return nil, fmt.Errorf("scan entry of shard %s: %w", shardID, err)
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// DropGroup removes a group's manifest and all its entries in one
// transaction. A transaction carried by ctx is joined instead of
// opening a new one.
func (d *DB) DropGroup(ctx context.Context, name string) error {
	err := d.inTx(ctx, func(tx *sql.Tx) error {
		var taken int
		if err := tx.QueryRowContext(ctx,
			`SELECT COUNT(1) FROM groups WHERE name = ?`, name).Scan(&taken); err != nil {
			return fmt.Errorf("check group %q: %w", name, err)
		}
		if taken == 0 {
			return fmt.Errorf("group %q: %w", name, ErrManifestNotFound)
		}

		if _, err := tx.ExecContext(ctx,
			`DELETE FROM entries WHERE shard_id IN (SELECT id FROM shards WHERE group_name = ?)`,
			name); err != nil {
			return fmt.Errorf("drop entries of %q: %w", name, err)
		}
		if _, err := tx.ExecContext(ctx, `DELETE FROM shards WHERE group_name = ?`, name); err != nil {
			return fmt.Errorf("drop shards of %q: %w", name, err)
		}
		if _, err := tx.ExecContext(ctx, `DELETE FROM groups WHERE name = ?`, name); err != nil {
			return fmt.Errorf("drop group %q: %w", name, err)
		}
		return nil
	})
	if err != nil {
		return err
	}
	d.logger.Debug("Dropped group", zap.String("group", name))
	return nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
