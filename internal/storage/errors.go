package storage

import "errors"

// Sentinel errors surfaced by shard and group operations. Call sites
// wrap them with context; callers test for them with errors.Is.
var (
	// ErrKeyNotFound reports a removal of a key the addressed shard
	// does not hold.
	ErrKeyNotFound = errors.New("key not found")

	// ErrCapacityExceeded reports a write refused by a strict shard or
	// group already at its maximum size.
	ErrCapacityExceeded = errors.New("capacity exceeded")

	// ErrInvalidKey reports a write with an empty key. The empty string
	// is reserved as the open-bound marker for ranged scans.
	ErrInvalidKey = errors.New("invalid key")

	// ErrEmptyShard reports a shard extraction with no qualifying key.
	ErrEmptyShard = errors.New("shard is empty")

	// ErrEmptyGroup reports a group extraction when no shard holds a
	// qualifying key.
	ErrEmptyGroup = errors.New("group is empty")

	// ErrNoSizing reports a build that fixed neither a shard count nor
	// a custom layout.
	ErrNoSizing = errors.New("no shard count or layout given")

	// ErrInvalidLayout reports a layout entry that cannot be honored,
	// such as a negative position or a non-positive capacity.
	ErrInvalidLayout = errors.New("invalid shard layout")

	// ErrSizeBelowLayout reports a build whose fixed shard count does
	// not reach the highest position named by the layout.
	ErrSizeBelowLayout = errors.New("shard count below layout")

	// ErrDuplicateShardID reports two shards carrying the same identity
	// within one group.
	ErrDuplicateShardID = errors.New("duplicate shard id")
)
