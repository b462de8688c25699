// Package storage implements the sharded ordered-map layer: fixed
// sequences of capacity-bounded shards that together behave as one
// key/value map. Keys are routed to shards by a stable encoding of the
// key bytes (see the keyspace package), values are persisted through a
// pluggable Provider before in-memory state changes, and per-shard
// usage is graded into health statuses that aggregate up to the group.
package storage

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"iter"
	"slices"
	"sort"
	"sync"

	"github.com/google/uuid"
)

// DefaultMaxSize is the shard capacity used when a build names none.
const DefaultMaxSize = 5000

// Shard is an ordered key/value container with a fixed capacity. Keys
// are held in ascending byte order, so ranged reads and min/max
// lookups never sort.
//
// All methods are safe for concurrent use. When a Provider is
// attached, every write is persisted before the in-memory state
// changes, so a persistence failure leaves the shard untouched.
type Shard struct {
	id       uuid.UUID
	maxSize  int
	strict   bool
	provider Provider

	mu    sync.RWMutex
	keys  []string
	items map[string][]byte
}

// NewShard returns an empty shard with a fresh identity. A
// non-positive maxSize falls back to DefaultMaxSize; a nil provider
// keeps the shard in memory only.
func NewShard(maxSize int, strict bool, provider Provider) *Shard {
	if maxSize <= 0 {
		maxSize = DefaultMaxSize
	}
	return &Shard{
		id:       uuid.New(),
		maxSize:  maxSize,
		strict:   strict,
		provider: provider,
		items:    make(map[string][]byte),
	}
}

// restoreShard rebuilds a shard from persisted state. Entries load
// as-is: a shard persisted over its capacity stays over it.
func restoreShard(id uuid.UUID, maxSize int, strict bool, provider Provider, entries []Entry) *Shard {
	if maxSize <= 0 {
		maxSize = DefaultMaxSize
	}
	s := &Shard{
		id:       id,
		maxSize:  maxSize,
		strict:   strict,
		provider: provider,
		items:    make(map[string][]byte, len(entries)),
	}
	for _, e := range entries {
		s.storeLocked(e.Key, e.Value)
	}
	return s
}

// ID returns the shard identity. It is fixed at construction and
// survives restores.
func (s *Shard) ID() uuid.UUID { return s.id }

// MaxSize returns the capacity of the shard.
func (s *Shard) MaxSize() int { return s.maxSize }

// Strict reports whether writes past capacity are refused.
func (s *Shard) Strict() bool { return s.strict }

// Size returns the number of entries held.
func (s *Shard) Size() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.keys)
}

// Usage returns the fill ratio, Size over MaxSize. A non-strict shard
// can exceed 1.0.
func (s *Shard) Usage() float64 {
	if s.maxSize == 0 {
		return 0
	}
	return float64(s.Size()) / float64(s.maxSize)
}

// Status grades the current usage.
func (s *Shard) Status() Status {
	return statusForUsage(s.Usage())
}

// Get returns a copy of the value held for key.
func (s *Shard) Get(key string) ([]byte, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	v, ok := s.items[key]
	if !ok {
		return nil, false
	}
	return bytes.Clone(v), true
}

// Has reports whether key is held.
func (s *Shard) Has(key string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.items[key]
	return ok
}

// Insert stores value under key if the key is absent and reports
// whether the write happened. Inserting over an existing key is not an
// error; the held value stays.
func (s *Shard) Insert(ctx context.Context, key string, value []byte) (bool, error) {
	if key == "" {
		return false, ErrInvalidKey
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.items[key]; ok {
		return false, nil
	}
	if s.strict && len(s.keys) >= s.maxSize {
		return false, fmt.Errorf("insert %q: %w", key, ErrCapacityExceeded)
	}
	if s.provider != nil {
		if err := s.provider.Put(ctx, s.id, key, value); err != nil {
			return false, fmt.Errorf("persist %q: %w", key, err)
		}
	}
	s.storeLocked(key, value)
	return true, nil
}

// Update stores every entry of batch, overwriting values already held.
// The batch lands in full or not at all: capacity is checked for the
// whole batch up front and persistence happens in one transaction.
func (s *Shard) Update(ctx context.Context, batch map[string][]byte) error {
	if len(batch) == 0 {
		return nil
	}
	for key := range batch {
		if key == "" {
			return ErrInvalidKey
		}
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.checkRoomLocked(batch); err != nil {
		return err
	}
	if s.provider != nil {
		if err := s.provider.PutBatch(ctx, s.id, batchEntries(batch)); err != nil {
			return fmt.Errorf("persist batch of %d: %w", len(batch), err)
		}
	}
	s.applyLocked(batch)
	return nil
}

// Pop removes key and returns the value it held. Absent keys yield
// ErrKeyNotFound.
func (s *Shard) Pop(ctx context.Context, key string) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	v, ok := s.items[key]
	if !ok {
		return nil, fmt.Errorf("pop %q: %w", key, ErrKeyNotFound)
	}
	if s.provider != nil {
		if err := s.provider.Delete(ctx, s.id, key); err != nil {
			return nil, fmt.Errorf("delete %q: %w", key, err)
		}
	}
	s.removeLocked(key)
	return v, nil
}

// PopOr removes key and returns its value, or def when the key is not
// held.
func (s *Shard) PopOr(ctx context.Context, key string, def []byte) ([]byte, error) {
	v, err := s.Pop(ctx, key)
	if errors.Is(err, ErrKeyNotFound) {
		return def, nil
	}
	if err != nil {
		return nil, err
	}
	return v, nil
}

// PopItem removes the smallest key and returns the pair.
// ErrEmptyShard when nothing is held.
func (s *Shard) PopItem(ctx context.Context) (string, []byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.keys) == 0 {
		return "", nil, ErrEmptyShard
	}
	key := s.keys[0]
	v := s.items[key]
	if s.provider != nil {
		if err := s.provider.Delete(ctx, s.id, key); err != nil {
			return "", nil, fmt.Errorf("delete %q: %w", key, err)
		}
	}
	s.removeLocked(key)
	return key, v, nil
}

// SetDefault returns the value held for key, storing and returning
// value when the key is absent.
func (s *Shard) SetDefault(ctx context.Context, key string, value []byte) ([]byte, error) {
	if key == "" {
		return nil, ErrInvalidKey
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if v, ok := s.items[key]; ok {
		return bytes.Clone(v), nil
	}
	if s.strict && len(s.keys) >= s.maxSize {
		return nil, fmt.Errorf("set default %q: %w", key, ErrCapacityExceeded)
	}
	if s.provider != nil {
		if err := s.provider.Put(ctx, s.id, key, value); err != nil {
			return nil, fmt.Errorf("persist %q: %w", key, err)
		}
	}
	s.storeLocked(key, value)
	return bytes.Clone(value), nil
}

// Clear removes every entry.
func (s *Shard) Clear(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.provider != nil {
		if err := s.provider.DropEntries(ctx, s.id); err != nil {
			return fmt.Errorf("clear shard %s: %w", s.id, err)
		}
	}
	s.clearLocked()
	return nil
}

// Keys returns every key in ascending order.
func (s *Shard) Keys() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return slices.Clone(s.keys)
}

// Values returns every value in ascending key order.
func (s *Shard) Values() [][]byte {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([][]byte, len(s.keys))
	for i, k := range s.keys {
		out[i] = bytes.Clone(s.items[k])
	}
	return out
}

// Items returns every entry in ascending key order.
func (s *Shard) Items() []Entry {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]Entry, len(s.keys))
	for i, k := range s.keys {
		out[i] = Entry{Key: k, Value: bytes.Clone(s.items[k])}
	}
	return out
}

// IterKeys yields keys in ascending order. Bounds are inclusive; an
// empty bound leaves that side open. The scan tolerates writes between
// yields, skipping keys removed since it started.
func (s *Shard) IterKeys(lo, hi string) iter.Seq[string] {
	return func(yield func(string) bool) {
		for _, k := range s.snapshotRange(lo, hi) {
			if !s.Has(k) {
				continue
			}
			if !yield(k) {
				return
			}
		}
	}
}

// IterItems yields entries in ascending key order within the bounds.
func (s *Shard) IterItems(lo, hi string) iter.Seq2[string, []byte] {
	return func(yield func(string, []byte) bool) {
		for _, k := range s.snapshotRange(lo, hi) {
			v, ok := s.Get(k)
			if !ok {
				continue
			}
			if !yield(k, v) {
				return
			}
		}
	}
}

// IterValues yields values in ascending key order within the bounds.
func (s *Shard) IterValues(lo, hi string) iter.Seq[[]byte] {
	return func(yield func([]byte) bool) {
		for _, v := range s.IterItems(lo, hi) {
			if !yield(v) {
				return
			}
		}
	}
}

// ByValue returns entries ordered by descending value, excluding
// values below min when min is non-nil. Ties on value break toward the
// larger key.
func (s *Shard) ByValue(min []byte) []Entry {
	s.mu.RLock()
	out := make([]Entry, 0, len(s.keys))
	for _, k := range s.keys {
		v := s.items[k]
		if min != nil && bytes.Compare(v, min) < 0 {
			continue
		}
		out = append(out, Entry{Key: k, Value: bytes.Clone(v)})
	}
	s.mu.RUnlock()
	sortEntriesByValue(out)
	return out
}

// MinKey returns the smallest key at or above floor. An empty floor
// means the smallest key held. ErrEmptyShard when no key qualifies.
func (s *Shard) MinKey(floor string) (string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	i := 0
	if floor != "" {
		i = sort.SearchStrings(s.keys, floor)
	}
	if i >= len(s.keys) {
		return "", ErrEmptyShard
	}
	return s.keys[i], nil
}

// MaxKey returns the largest key at or below ceiling. An empty ceiling
// means the largest key held. ErrEmptyShard when no key qualifies.
func (s *Shard) MaxKey(ceiling string) (string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	end := len(s.keys)
	if ceiling != "" {
		end = sort.Search(len(s.keys), func(i int) bool { return s.keys[i] > ceiling })
	}
	if end == 0 {
		return "", ErrEmptyShard
	}
	return s.keys[end-1], nil
}

// checkRoomLocked rejects a batch a strict shard cannot absorb.
// Callers must hold mu.
func (s *Shard) checkRoomLocked(batch map[string][]byte) error {
	if !s.strict {
		return nil
	}
	fresh := 0
	for key := range batch {
		if _, ok := s.items[key]; !ok {
			fresh++
		}
	}
	if len(s.keys)+fresh > s.maxSize {
		return fmt.Errorf("batch of %d over capacity %d: %w", len(batch), s.maxSize, ErrCapacityExceeded)
	}
	return nil
}

// storeLocked writes one entry, keeping the key slice ordered. Callers
// must hold mu.
func (s *Shard) storeLocked(key string, value []byte) {
	if _, ok := s.items[key]; !ok {
		i := sort.SearchStrings(s.keys, key)
		s.keys = append(s.keys, "")
		copy(s.keys[i+1:], s.keys[i:])
		s.keys[i] = key
	}
	s.items[key] = bytes.Clone(value)
}

// removeLocked drops one entry. Callers must hold mu.
func (s *Shard) removeLocked(key string) {
	i := sort.SearchStrings(s.keys, key)
	if i >= len(s.keys) || s.keys[i] != key {
		return
	}
	s.keys = append(s.keys[:i], s.keys[i+1:]...)
	delete(s.items, key)
}

// applyLocked writes a whole batch. Callers must hold mu.
func (s *Shard) applyLocked(batch map[string][]byte) {
	for k, v := range batch {
		s.storeLocked(k, v)
	}
}

func (s *Shard) clearLocked() {
	s.keys = s.keys[:0]
	s.items = make(map[string][]byte)
}

// snapshotRange copies the keys within the inclusive [lo, hi] window
// under the read lock.
func (s *Shard) snapshotRange(lo, hi string) []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	start := 0
	if lo != "" {
		start = sort.SearchStrings(s.keys, lo)
	}
	end := len(s.keys)
	if hi != "" {
		end = sort.Search(len(s.keys), func(i int) bool { return s.keys[i] > hi })
	}
	if start >= end {
		return nil
	}
	return slices.Clone(s.keys[start:end])
}

// batchEntries flattens a batch map into entries in ascending key
// order so providers see a deterministic write order.
func batchEntries(batch map[string][]byte) []Entry {
	entries := make([]Entry, 0, len(batch))
	for k, v := range batch {
		entries = append(entries, Entry{Key: k, Value: v})
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].Key < entries[j].Key })
	return entries
}

// sortEntriesByValue orders entries by descending value, breaking ties
// toward the larger key.
func sortEntriesByValue(entries []Entry) {
	sort.Slice(entries, func(i, j int) bool {
		if c := bytes.Compare(entries[i].Value, entries[j].Value); c != 0 {
			return c > 0
		}
		return entries[i].Key > entries[j].Key
	})
}
