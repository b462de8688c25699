package storage

import (
	"context"
	"fmt"
	"iter"
	"sort"

	"github.com/google/uuid"

	"github.com/lattice-storage/lattice/internal/keyspace"
)

// Group is a fixed sequence of shards acting as one ordered map. Keys
// are routed to a shard by position (see keyspace.ShardIndex), so the
// sequence is immutable once built: growing a group means building a
// new one and re-routing its contents.
//
// Group-level reads and writes delegate to the owning shard; batch
// writes and Clear span shards and apply in full or not at all.
type Group struct {
	shards   []*Shard
	meta     *GroupMetadata
	provider Provider
}

// Options configure a group build.
type Options struct {
	// TotalShards fixes the shard count. Zero lets the count follow
	// the highest position named by Layout.
	TotalShards int

	// MaxShardCapacity is the capacity of shards Layout does not name.
	// Zero falls back to DefaultMaxSize.
	MaxShardCapacity int

	// Strict makes every shard refuse writes past its capacity.
	Strict bool

	// Layout fixes the capacity of individual shard positions. Gaps
	// between named positions are filled with MaxShardCapacity shards.
	Layout map[int]int

	// Provider persists shard contents. Nil keeps the group in memory.
	Provider Provider
}

// Build constructs a group of empty shards from opts. At least one of
// TotalShards and Layout must be given. A TotalShards below the
// highest Layout position is rejected; when the layout reaches past
// TotalShards by exactly one position the count stretches to fit.
func Build(opts Options) (*Group, error) {
	if opts.TotalShards == 0 && len(opts.Layout) == 0 {
		return nil, ErrNoSizing
	}
	if opts.TotalShards < 0 {
		return nil, fmt.Errorf("total shards %d: %w", opts.TotalShards, ErrInvalidLayout)
	}
	capacity := opts.MaxShardCapacity
	if capacity <= 0 {
		capacity = DefaultMaxSize
	}
	maxIdx := -1
	for idx, c := range opts.Layout {
		if idx < 0 {
			return nil, fmt.Errorf("shard position %d: %w", idx, ErrInvalidLayout)
		}
		if c <= 0 {
			return nil, fmt.Errorf("capacity %d at position %d: %w", c, idx, ErrInvalidLayout)
		}
		if idx > maxIdx {
			maxIdx = idx
		}
	}
	count := opts.TotalShards
	if count > 0 && maxIdx > count {
		return nil, fmt.Errorf("layout names position %d but only %d shards requested: %w",
			maxIdx, count, ErrSizeBelowLayout)
	}
	if maxIdx+1 > count {
		count = maxIdx + 1
	}
	shards := make([]*Shard, count)
	for i := range shards {
		c := capacity
		if custom, ok := opts.Layout[i]; ok {
			c = custom
		}
		shards[i] = NewShard(c, opts.Strict, opts.Provider)
	}
	return newGroup(shards, opts.Provider), nil
}

// ShardState is the persisted identity and contents of one shard, in
// group position order.
type ShardState struct {
	ID      uuid.UUID
	MaxSize int
	Entries []Entry
}

// Restore rebuilds a group from persisted shard states. Entries load
// without capacity checks, so a group persisted over capacity comes
// back intact.
func Restore(states []ShardState, strict bool, provider Provider) (*Group, error) {
	if len(states) == 0 {
		return nil, ErrNoSizing
	}
	seen := make(map[uuid.UUID]struct{}, len(states))
	shards := make([]*Shard, len(states))
	for i, st := range states {
		if _, dup := seen[st.ID]; dup {
			return nil, fmt.Errorf("shard %s at position %d: %w", st.ID, i, ErrDuplicateShardID)
		}
		seen[st.ID] = struct{}{}
		shards[i] = restoreShard(st.ID, st.MaxSize, strict, provider, st.Entries)
	}
	return newGroup(shards, provider), nil
}

func newGroup(shards []*Shard, provider Provider) *Group {
	return &Group{
		shards:   shards,
		meta:     newGroupMetadata(shards),
		provider: provider,
	}
}

// ShardCount returns the number of shards in the sequence.
func (g *Group) ShardCount() int { return len(g.shards) }

// Shards returns the shard sequence in position order.
func (g *Group) Shards() []*Shard {
	out := make([]*Shard, len(g.shards))
	copy(out, g.shards)
	return out
}

// Meta returns the live metadata view of the group.
func (g *Group) Meta() *GroupMetadata { return g.meta }

// Size returns the entry count across all shards.
func (g *Group) Size() int { return g.meta.Size() }

// MaxSize returns the capacity across all shards.
func (g *Group) MaxSize() int { return g.meta.MaxSize() }

// Usage returns the group fill ratio.
func (g *Group) Usage() float64 { return g.meta.Usage() }

// Status returns the worst grade carried by any shard.
func (g *Group) Status() Status { return g.meta.Status() }

// Strict reports whether every shard refuses writes past capacity.
func (g *Group) Strict() bool {
	for _, s := range g.shards {
		if !s.strict {
			return false
		}
	}
	return true
}

// shardFor routes key to its owning shard.
func (g *Group) shardFor(key string) *Shard {
	return g.shards[keyspace.ShardIndex(key, len(g.shards))]
}

// Get returns the value held for key.
func (g *Group) Get(key string) ([]byte, bool) {
	return g.shardFor(key).Get(key)
}

// Has reports whether key is held.
func (g *Group) Has(key string) bool {
	return g.shardFor(key).Has(key)
}

// Insert stores value under key if the key is absent and reports
// whether the write happened. A strict group refuses fresh keys once
// the whole group is at capacity, even when the owning shard has room.
func (g *Group) Insert(ctx context.Context, key string, value []byte) (bool, error) {
	if key == "" {
		return false, ErrInvalidKey
	}
	s := g.shardFor(key)
	if g.Strict() && g.Size() >= g.MaxSize() && !s.Has(key) {
		return false, fmt.Errorf("group at capacity: %w", ErrCapacityExceeded)
	}
	inserted, err := s.Insert(ctx, key, value)
	if err != nil {
		return false, fmt.Errorf("shard %s: %w", s.id, err)
	}
	return inserted, nil
}

// Update stores every entry of batch, overwriting values already held.
// The batch is split across the owning shards but lands as one write:
// capacity is checked for every shard first, persistence happens in a
// single transaction, and in-memory state only changes after the
// transaction commits.
func (g *Group) Update(ctx context.Context, batch map[string][]byte) error {
	if len(batch) == 0 {
		return nil
	}
	split := make(map[int]map[string][]byte)
	for key, value := range batch {
		if key == "" {
			return ErrInvalidKey
		}
		idx := keyspace.ShardIndex(key, len(g.shards))
		if split[idx] == nil {
			split[idx] = make(map[string][]byte)
		}
		split[idx][key] = value
	}
	indexes := make([]int, 0, len(split))
	for idx := range split {
		indexes = append(indexes, idx)
	}
	sort.Ints(indexes)

	// Write locks are taken in ascending position order so concurrent
	// batch writes cannot deadlock.
	held := make(map[int]bool, len(indexes))
	for _, idx := range indexes {
		g.shards[idx].mu.Lock()
		held[idx] = true
	}
	defer func() {
		for i := len(indexes) - 1; i >= 0; i-- {
			g.shards[indexes[i]].mu.Unlock()
		}
	}()

	if g.Strict() {
		fresh := 0
		for _, idx := range indexes {
			sh := g.shards[idx]
			for key := range split[idx] {
				if _, ok := sh.items[key]; !ok {
					fresh++
				}
			}
		}
		if g.sizeWithHeld(held)+fresh > g.MaxSize() {
			return fmt.Errorf("batch of %d over group capacity: %w", len(batch), ErrCapacityExceeded)
		}
	}
	for _, idx := range indexes {
		if err := g.shards[idx].checkRoomLocked(split[idx]); err != nil {
			return fmt.Errorf("shard %d: %w", idx, err)
		}
	}
	if g.provider != nil {
		tx, err := g.provider.Begin(ctx)
		if err != nil {
			return fmt.Errorf("begin batch: %w", err)
		}
		defer tx.Rollback()
		for _, idx := range indexes {
			if err := tx.PutBatch(ctx, g.shards[idx].id, batchEntries(split[idx])); err != nil {
				return fmt.Errorf("persist shard %d: %w", idx, err)
			}
		}
		if err := tx.Commit(); err != nil {
			return fmt.Errorf("commit batch: %w", err)
		}
	}
	for _, idx := range indexes {
		g.shards[idx].applyLocked(split[idx])
	}
	return nil
}

// sizeWithHeld sums shard sizes while some shard locks are already
// held by the caller.
func (g *Group) sizeWithHeld(held map[int]bool) int {
	total := 0
	for i, s := range g.shards {
		if held[i] {
			total += len(s.keys)
		} else {
			total += s.Size()
		}
	}
	return total
}

// Pop removes key and returns the value it held.
func (g *Group) Pop(ctx context.Context, key string) ([]byte, error) {
	return g.shardFor(key).Pop(ctx, key)
}

// PopOr removes key and returns its value, or def when the key is not
// held.
func (g *Group) PopOr(ctx context.Context, key string, def []byte) ([]byte, error) {
	return g.shardFor(key).PopOr(ctx, key, def)
}

// PopItem removes the smallest key across all shards and returns the
// pair. ErrEmptyGroup when nothing is held.
func (g *Group) PopItem(ctx context.Context) (string, []byte, error) {
	key, err := g.MinKey("")
	if err != nil {
		return "", nil, err
	}
	v, err := g.Pop(ctx, key)
	if err != nil {
		return "", nil, err
	}
	return key, v, nil
}

// SetDefault returns the value held for key, storing and returning
// value when the key is absent.
func (g *Group) SetDefault(ctx context.Context, key string, value []byte) ([]byte, error) {
	if key == "" {
		return nil, ErrInvalidKey
	}
	return g.shardFor(key).SetDefault(ctx, key, value)
}

// Clear removes every entry from every shard. The wipe is
// transactional: if any shard cannot be cleared, no shard is.
func (g *Group) Clear(ctx context.Context) error {
	for _, sh := range g.shards {
		sh.mu.Lock()
	}
	defer func() {
		for i := len(g.shards) - 1; i >= 0; i-- {
			g.shards[i].mu.Unlock()
		}
	}()
	if g.provider != nil {
		tx, err := g.provider.Begin(ctx)
		if err != nil {
			return fmt.Errorf("begin clear: %w", err)
		}
		defer tx.Rollback()
		for i, sh := range g.shards {
			if err := tx.DropEntries(ctx, sh.id); err != nil {
				return fmt.Errorf("clear shard %d: %w", i, err)
			}
		}
		if err := tx.Commit(); err != nil {
			return fmt.Errorf("commit clear: %w", err)
		}
	}
	for _, sh := range g.shards {
		sh.clearLocked()
	}
	return nil
}

// Keys returns the keys of every shard, shard by shard in position
// order. Within a shard keys ascend; the concatenation is not globally
// sorted. Use IterKeys for a globally ordered scan.
func (g *Group) Keys() []string {
	out := make([]string, 0, g.Size())
	for _, sh := range g.shards {
		out = append(out, sh.Keys()...)
	}
	return out
}

// Values returns the values of every shard, shard by shard in position
// order.
func (g *Group) Values() [][]byte {
	out := make([][]byte, 0, g.Size())
	for _, sh := range g.shards {
		out = append(out, sh.Values()...)
	}
	return out
}

// Items returns the entries of every shard, shard by shard in position
// order.
func (g *Group) Items() []Entry {
	out := make([]Entry, 0, g.Size())
	for _, sh := range g.shards {
		out = append(out, sh.Items()...)
	}
	return out
}

// IterKeys yields keys from every shard merged into one ascending
// sequence. Bounds are inclusive; empty bounds leave the scan open.
func (g *Group) IterKeys(lo, hi string) iter.Seq[string] {
	return func(yield func(string) bool) {
		for k := range g.IterItems(lo, hi) {
			if !yield(k) {
				return
			}
		}
	}
}

// IterValues yields values from every shard in ascending key order
// within the bounds.
func (g *Group) IterValues(lo, hi string) iter.Seq[[]byte] {
	return func(yield func([]byte) bool) {
		for _, v := range g.IterItems(lo, hi) {
			if !yield(v) {
				return
			}
		}
	}
}

// IterItems yields entries from every shard merged into one ascending
// key sequence. Each shard contributes an ordered stream; the merge
// repeatedly takes the smallest head. Keys are unique across shards,
// so no tie-breaking is needed.
func (g *Group) IterItems(lo, hi string) iter.Seq2[string, []byte] {
	return func(yield func(string, []byte) bool) {
		type head struct {
			key string
			val []byte
		}
		nexts := make([]func() (string, []byte, bool), len(g.shards))
		heads := make([]*head, len(g.shards))
		for i, sh := range g.shards {
			next, stop := iter.Pull2(sh.IterItems(lo, hi))
			defer stop()
			nexts[i] = next
			if k, v, ok := next(); ok {
				heads[i] = &head{key: k, val: v}
			}
		}
		for {
			min := -1
			for i, h := range heads {
				if h == nil {
					continue
				}
				if min < 0 || h.key < heads[min].key {
					min = i
				}
			}
			if min < 0 {
				return
			}
			h := heads[min]
			if !yield(h.key, h.val) {
				return
			}
			if k, v, ok := nexts[min](); ok {
				heads[min] = &head{key: k, val: v}
			} else {
				heads[min] = nil
			}
		}
	}
}

// ByValue returns entries from every shard ordered by descending
// value, ties breaking toward the larger key. Values below min are
// excluded when min is non-nil.
func (g *Group) ByValue(min []byte) []Entry {
	var out []Entry
	for _, sh := range g.shards {
		out = append(out, sh.ByValue(min)...)
	}
	sortEntriesByValue(out)
	return out
}

// MinKey returns the smallest key at or above floor across all shards.
// Shards with no qualifying key are skipped; ErrEmptyGroup when none
// qualifies anywhere.
func (g *Group) MinKey(floor string) (string, error) {
	best := ""
	found := false
	for _, sh := range g.shards {
		k, err := sh.MinKey(floor)
		if err != nil {
			continue
		}
		if !found || k < best {
			best = k
			found = true
		}
	}
	if !found {
		return "", ErrEmptyGroup
	}
	return best, nil
}

// MaxKey returns the largest key at or below ceiling across all
// shards. Shards with no qualifying key are skipped; ErrEmptyGroup
// when none qualifies anywhere.
func (g *Group) MaxKey(ceiling string) (string, error) {
	best := ""
	found := false
	for _, sh := range g.shards {
		k, err := sh.MaxKey(ceiling)
		if err != nil {
			continue
		}
		if !found || k > best {
			best = k
			found = true
		}
	}
	if !found {
		return "", ErrEmptyGroup
	}
	return best, nil
}
