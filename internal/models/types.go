package models

import (
	"time"

	"github.com/google/uuid"
)

// GroupManifest is the durable description of a shard group: its
// identity, strictness, and the fixed shard sequence in position
// order. The manifest is written once at build time and read back to
// restore the group; entry contents live next to it but not in it.
type GroupManifest struct {
	Name      string          `json:"name"`
	Strict    bool            `json:"strict"`
	CreatedAt time.Time       `json:"created_at"`
	Shards    []ShardManifest `json:"shards"`
}

// ShardManifest pins one shard of a group to its position.
type ShardManifest struct {
	ID      uuid.UUID `json:"id"`
	Index   int       `json:"index"`
	MaxSize int       `json:"max_size"`
}

// MaxSize returns the capacity summed across the manifest's shards.
func (m GroupManifest) MaxSize() int {
	total := 0
	for _, s := range m.Shards {
		total += s.MaxSize
	}
	return total
}

// SizingSpec carries the construction parameters for a new group.
// Layout keys are shard positions; positions it leaves out fall back
// to MaxShardCapacity.
type SizingSpec struct {
	TotalShards      int         `json:"total_shards,omitempty"`
	MaxShardCapacity int         `json:"max_shard_capacity,omitempty"`
	Strict           bool        `json:"strict,omitempty"`
	Layout           map[int]int `json:"layout,omitempty"`
}

// GroupStats is a point-in-time reading of a group's fill state.
type GroupStats struct {
	Name              string       `json:"name"`
	Size              int          `json:"size"`
	MaxSize           int          `json:"max_size"`
	MaxShardCapacity  int          `json:"max_shard_capacity"`
	Usage             float64      `json:"usage"`
	HighestShardUsage float64      `json:"highest_shard_usage"`
	LowestShardUsage  float64      `json:"lowest_shard_usage"`
	Status            string       `json:"status"`
	Shards            []ShardStats `json:"shards"`
	CollectedAt       time.Time    `json:"collected_at"`
}

// ShardStats is a point-in-time reading of one shard's fill state.
type ShardStats struct {
	ID      uuid.UUID `json:"id"`
	Index   int       `json:"index"`
	Size    int       `json:"size"`
	MaxSize int       `json:"max_size"`
	Usage   float64   `json:"usage"`
	Status  string    `json:"status"`
}

// GrowthPlan is the sizing a group should move to once it runs hot: a
// prime shard count large enough to hold half again the current
// capacity. Moving to it means building a fresh group and re-routing
// every key, so the plan is advisory.
type GrowthPlan struct {
	Group            string `json:"group"`
	CurrentShards    int    `json:"current_shards"`
	CurrentMaxSize   int    `json:"current_max_size"`
	NextShards       int    `json:"next_shards"`
	ProjectedMaxSize int    `json:"projected_max_size"`
}

// Health grade names shared across the API, the event stream, and the
// catalog. They mirror the storage layer's grades.
const (
	StatusHealthy    = "healthy"
	StatusAcceptable = "acceptable"
	StatusAlert      = "alert"
	StatusWarning    = "warning"
	StatusCritical   = "critical"
)
