package storage

import "github.com/google/uuid"

// GroupMetadata aggregates shard gauges on demand. It keeps no state
// of its own: every accessor walks the live shards, so a reading is
// never stale.
type GroupMetadata struct {
	shards []*Shard
}

func newGroupMetadata(shards []*Shard) *GroupMetadata {
	return &GroupMetadata{shards: shards}
}

// Size returns the entry count summed across shards.
func (m *GroupMetadata) Size() int {
	total := 0
	for _, s := range m.shards {
		total += s.Size()
	}
	return total
}

// MaxSize returns the capacity summed across shards.
func (m *GroupMetadata) MaxSize() int {
	total := 0
	for _, s := range m.shards {
		total += s.MaxSize()
	}
	return total
}

// MaxShardCapacity returns the largest single-shard capacity.
func (m *GroupMetadata) MaxShardCapacity() int {
	max := 0
	for _, s := range m.shards {
		if s.MaxSize() > max {
			max = s.MaxSize()
		}
	}
	return max
}

// Usage returns the group fill ratio, Size over MaxSize.
func (m *GroupMetadata) Usage() float64 {
	maxSize := m.MaxSize()
	if maxSize == 0 {
		return 0
	}
	return float64(m.Size()) / float64(maxSize)
}

// PerShardUsage maps each shard identity to its fill ratio.
func (m *GroupMetadata) PerShardUsage() map[uuid.UUID]float64 {
	out := make(map[uuid.UUID]float64, len(m.shards))
	for _, s := range m.shards {
		out[s.ID()] = s.Usage()
	}
	return out
}

// Status returns the worst grade carried by any shard. A single
// overweight shard degrades the whole group, no matter how empty the
// others are.
func (m *GroupMetadata) Status() Status {
	worst := StatusHealthy
	for _, s := range m.shards {
		if st := s.Status(); st > worst {
			worst = st
		}
	}
	return worst
}
