// Package catalog mirrors group manifests and usage snapshots into a
// fleet-wide YDB inventory. The catalog is an optional side channel:
// the engine never reads from it, operators and fleet tooling do.
package catalog

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/lattice-storage/lattice/internal/models"
)

// ErrNotFound reports a lookup of a group the catalog does not hold.
var ErrNotFound = errors.New("group not registered in catalog")

// Catalog is the inventory surface. Implementations must tolerate
// repeated upserts: the sync loop pushes unconditionally.
type Catalog interface {
	// InitializeSchema creates the catalog tables when they are
	// missing. Safe to call from every node.
	InitializeSchema(ctx context.Context) error

	// UpsertGroup registers or refreshes a group manifest.
	UpsertGroup(ctx context.Context, manifest models.GroupManifest) error

	// GetGroup returns the manifest registered under name.
	GetGroup(ctx context.Context, name string) (models.GroupManifest, error)

	// ListGroups returns every registered manifest in name order.
	ListGroups(ctx context.Context) ([]models.GroupManifest, error)

	// RemoveGroup deletes a group's manifest and usage history.
	RemoveGroup(ctx context.Context, name string) error

	// RecordUsage appends a usage snapshot for the group named in
	// stats.
	RecordUsage(ctx context.Context, stats models.GroupStats) error

	// UsageHistory returns up to limit snapshots for the group, newest
	// first.
	UsageHistory(ctx context.Context, name string, limit int) ([]models.GroupStats, error)

	// Close releases the catalog connection.
	Close(ctx context.Context) error
}

// Config holds catalog configuration.
type Config struct {
	Enabled          bool          `json:"enabled" yaml:"enabled" mapstructure:"enabled"`
	ConnectionString string        `json:"connection_string" yaml:"connection_string" mapstructure:"connection_string"`
	SyncInterval     time.Duration `json:"sync_interval" yaml:"sync_interval" mapstructure:"sync_interval"`
}

// DefaultConfig returns the default catalog configuration. The catalog
// is off until a connection string is configured.
func DefaultConfig() *Config {
	return &Config{
		Enabled:      false,
		SyncInterval: 60 * time.Second,
	}
}

// Validate checks the configuration and fills defaults.
func (c *Config) Validate() error {
	if !c.Enabled {
		return nil
	}
	if c.ConnectionString == "" {
		return fmt.Errorf("catalog connection string is required when the catalog is enabled")
	}
	if c.SyncInterval <= 0 {
		c.SyncInterval = 60 * time.Second
	}
	return nil
}
