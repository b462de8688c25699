package catalog

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	ydb "github.com/ydb-platform/ydb-go-sdk/v3"
	"github.com/ydb-platform/ydb-go-sdk/v3/table"
	"github.com/ydb-platform/ydb-go-sdk/v3/table/result/named"
	"github.com/ydb-platform/ydb-go-sdk/v3/table/types"
	"go.uber.org/zap"

	"github.com/lattice-storage/lattice/internal/logging"
	"github.com/lattice-storage/lattice/internal/models"
)

const (
	groupsTableDDL = `
CREATE TABLE IF NOT EXISTS lattice_groups (
    name Utf8,
    strict Bool,
    created_at Timestamp,
    shard_count Int64,
    max_size Int64,
    manifest Json,
    updated_at Timestamp,
    PRIMARY KEY (name)
);`

	usageTableDDL = `
CREATE TABLE IF NOT EXISTS lattice_usage (
    name Utf8,
    collected_at Timestamp,
    size Int64,
    max_size Int64,
    usage Double,
    status Utf8,
    stats Json,
    PRIMARY KEY (name, collected_at)
);`

	upsertGroupQuery = `
DECLARE $name AS Utf8;
DECLARE $strict AS Bool;
DECLARE $created_at AS Timestamp;
DECLARE $shard_count AS Int64;
DECLARE $max_size AS Int64;
DECLARE $manifest AS Json;
DECLARE $updated_at AS Timestamp;

UPSERT INTO lattice_groups (name, strict, created_at, shard_count, max_size, manifest, updated_at)
VALUES ($name, $strict, $created_at, $shard_count, $max_size, $manifest, $updated_at);`

	getGroupQuery = `
DECLARE $name AS Utf8;

SELECT manifest FROM lattice_groups WHERE name = $name;`

	listGroupsQuery = `
SELECT manifest FROM lattice_groups ORDER BY name;`

	removeGroupQuery = `
DECLARE $name AS Utf8;

DELETE FROM lattice_usage WHERE name = $name;
DELETE FROM lattice_groups WHERE name = $name;`

	recordUsageQuery = `
DECLARE $name AS Utf8;
DECLARE $collected_at AS Timestamp;
DECLARE $size AS Int64;
DECLARE $max_size AS Int64;
DECLARE $usage AS Double;
DECLARE $status AS Utf8;
DECLARE $stats AS Json;

UPSERT INTO lattice_usage (name, collected_at, size, max_size, usage, status, stats)
VALUES ($name, $collected_at, $size, $max_size, $usage, $status, $stats);`

	usageHistoryQuery = `
DECLARE $name AS Utf8;
DECLARE $limit AS Uint64;

SELECT stats FROM lattice_usage WHERE name = $name ORDER BY collected_at DESC LIMIT $limit;`
)

// YDBCatalog implements Catalog on a YDB database. Manifests and
// snapshots are stored as Json columns next to the scalar fields fleet
// queries filter on.
type YDBCatalog struct {
	driver *ydb.Driver
	logger logging.Logger
}

// NewYDBCatalog connects to YDB and returns a catalog bound to the
// connection. The caller owns Close.
func NewYDBCatalog(ctx context.Context, connectionString string, logger logging.Logger) (*YDBCatalog, error) {
	if logger == nil {
		logger = logging.GetLogger().Named("catalog")
	}
	driver, err := ydb.Open(ctx, connectionString)
	if err != nil {
		return nil, fmt.Errorf("connect to YDB: %w", err)
	}
	logger.Info(ctx, "Connected to YDB catalog", zap.String("database", driver.Name()))
	return &YDBCatalog{driver: driver, logger: logger}, nil
}

// InitializeSchema creates the catalog tables when missing.
func (c *YDBCatalog) InitializeSchema(ctx context.Context) error {
	for _, ddl := range []string{groupsTableDDL, usageTableDDL} {
		ddl := ddl
		err := c.driver.Table().Do(ctx, func(ctx context.Context, s table.Session) error {
			return s.ExecuteSchemeQuery(ctx, ddl)
		})
		if err != nil {
			return fmt.Errorf("create catalog table: %w", err)
		}
	}
	c.logger.Info(ctx, "Catalog schema initialized")
	return nil
}

// UpsertGroup registers or refreshes the manifest.
func (c *YDBCatalog) UpsertGroup(ctx context.Context, manifest models.GroupManifest) error {
	raw, err := json.Marshal(manifest)
	if err != nil {
		return fmt.Errorf("encode manifest: %w", err)
	}
	params := table.NewQueryParameters(
		table.ValueParam("$name", types.TextValue(manifest.Name)),
		table.ValueParam("$strict", types.BoolValue(manifest.Strict)),
		table.ValueParam("$created_at", types.TimestampValueFromTime(manifest.CreatedAt)),
		table.ValueParam("$shard_count", types.Int64Value(int64(len(manifest.Shards)))),
		table.ValueParam("$max_size", types.Int64Value(int64(manifest.MaxSize()))),
		table.ValueParam("$manifest", types.JSONValueFromBytes(raw)),
		table.ValueParam("$updated_at", types.TimestampValueFromTime(nowUTC())),
	)
	if err := c.execute(ctx, upsertGroupQuery, params); err != nil {
		return fmt.Errorf("upsert group %q: %w", manifest.Name, err)
	}
	c.logger.Debug(ctx, "Group registered in catalog", zap.String("group", manifest.Name))
	return nil
}

// GetGroup returns the manifest registered under name.
func (c *YDBCatalog) GetGroup(ctx context.Context, name string) (models.GroupManifest, error) {
	var manifest models.GroupManifest
	found := false
	err := c.driver.Table().Do(ctx, func(ctx context.Context, s table.Session) error {
		_, res, err := s.Execute(ctx, table.DefaultTxControl(), getGroupQuery,
			table.NewQueryParameters(table.ValueParam("$name", types.TextValue(name))))
		if err != nil {
			return err
		}
		defer res.Close()
		found = false
		for res.NextResultSet(ctx) {
			for res.NextRow() {
				var raw string
				if err := res.ScanNamed(named.OptionalWithDefault("manifest", &raw)); err != nil {
					return err
				}
				if err := json.Unmarshal([]byte(raw), &manifest); err != nil {
					return fmt.Errorf("decode manifest: %w", err)
				}
				found = true
			}
		}
		return res.Err()
	})
	if err != nil {
		return models.GroupManifest{}, fmt.Errorf("get group %q: %w", name, err)
	}
	if !found {
		return models.GroupManifest{}, fmt.Errorf("group %q: %w", name, ErrNotFound)
	}
	return manifest, nil
}

// ListGroups returns every registered manifest in name order.
func (c *YDBCatalog) ListGroups(ctx context.Context) ([]models.GroupManifest, error) {
	var manifests []models.GroupManifest
	err := c.driver.Table().Do(ctx, func(ctx context.Context, s table.Session) error {
		_, res, err := s.Execute(ctx, table.DefaultTxControl(), listGroupsQuery, nil)
		if err != nil {
			return err
		}
		defer res.Close()
		manifests = manifests[:0]
		for res.NextResultSet(ctx) {
			for res.NextRow() {
				var raw string
				if err := res.ScanNamed(named.OptionalWithDefault("manifest", &raw)); err != nil {
					return err
				}
				var manifest models.GroupManifest
				if err := json.Unmarshal([]byte(raw), &manifest); err != nil {
					return fmt.Errorf("decode manifest: %w", err)
				}
				manifests = append(manifests, manifest)
			}
		}
		return res.Err()
	})
	if err != nil {
		return nil, fmt.Errorf("list groups: %w", err)
	}
	return manifests, nil
}

// RemoveGroup deletes the manifest and every usage snapshot.
func (c *YDBCatalog) RemoveGroup(ctx context.Context, name string) error {
	params := table.NewQueryParameters(table.ValueParam("$name", types.TextValue(name)))
	if err := c.execute(ctx, removeGroupQuery, params); err != nil {
		return fmt.Errorf("remove group %q: %w", name, err)
	}
	c.logger.Debug(ctx, "Group removed from catalog", zap.String("group", name))
	return nil
}

// RecordUsage appends a usage snapshot.
func (c *YDBCatalog) RecordUsage(ctx context.Context, stats models.GroupStats) error {
	raw, err := json.Marshal(stats)
	if err != nil {
		return fmt.Errorf("encode stats: %w", err)
	}
	params := table.NewQueryParameters(
		table.ValueParam("$name", types.TextValue(stats.Name)),
		table.ValueParam("$collected_at", types.TimestampValueFromTime(stats.CollectedAt)),
		table.ValueParam("$size", types.Int64Value(int64(stats.Size))),
		table.ValueParam("$max_size", types.Int64Value(int64(stats.MaxSize))),
		table.ValueParam("$usage", types.DoubleValue(stats.Usage)),
		table.ValueParam("$status", types.TextValue(stats.Status)),
		table.ValueParam("$stats", types.JSONValueFromBytes(raw)),
	)
	if err := c.execute(ctx, recordUsageQuery, params); err != nil {
		return fmt.Errorf("record usage of %q: %w", stats.Name, err)
	}
	return nil
}

// UsageHistory returns up to limit snapshots for the group, newest
// first.
func (c *YDBCatalog) UsageHistory(ctx context.Context, name string, limit int) ([]models.GroupStats, error) {
	if limit <= 0 {
		limit = 100
	}
	var history []models.GroupStats
	err := c.driver.Table().Do(ctx, func(ctx context.Context, s table.Session) error {
		_, res, err := s.Execute(ctx, table.DefaultTxControl(), usageHistoryQuery,
			table.NewQueryParameters(
				table.ValueParam("$name", types.TextValue(name)),
				table.ValueParam("$limit", types.Uint64Value(uint64(limit))),
			))
		if err != nil {
			return err
		}
		defer res.Close()
		history = history[:0]
		for res.NextResultSet(ctx) {
			for res.NextRow() {
				var raw string
				if err := res.ScanNamed(named.OptionalWithDefault("stats", &raw)); err != nil {
					return err
				}
				var stats models.GroupStats
				if err := json.Unmarshal([]byte(raw), &stats); err != nil {
					return fmt.Errorf("decode stats: %w", err)
				}
				history = append(history, stats)
			}
		}
		return res.Err()
	})
	if err != nil {
		return nil, fmt.Errorf("usage history of %q: %w", name, err)
	}
	return history, nil
}

// Close releases the YDB connection.
func (c *YDBCatalog) Close(ctx context.Context) error {
	return c.driver.Close(ctx)
}

func (c *YDBCatalog) execute(ctx context.Context, query string, params *table.QueryParameters) error {
	return c.driver.Table().Do(ctx, func(ctx context.Context, s table.Session) error {
		_, res, err := s.Execute(ctx, table.DefaultTxControl(), query, params)
		if err != nil {
			return err
		}
		defer res.Close()
		return res.Err()
	})
}

func nowUTC() time.Time {
	return time.Now().UTC()
}
