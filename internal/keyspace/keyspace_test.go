package keyspace

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestShardIndexKnownValues(t *testing.T) {
	// "a" is 0x61 = 97, "ab" is 0x6162 = 24930, "ba" is 0x6261 = 25185.
	tests := []struct {
		key   string
		count int
		want  int
	}{
		{"a", 5, 2},
		{"a", 7, 6},
		{"ab", 5, 0},
		{"ab", 7, 3},
		{"ba", 7, 6},
		{"", 5, 0},
		{"", 1, 0},
		{"a", 1, 0},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, ShardIndex(tt.key, tt.count),
			"key %q count %d", tt.key, tt.count)
	}
}

func TestShardIndexByteOrderMatters(t *testing.T) {
	// Big-endian interpretation: swapping bytes changes the integer.
	assert.NotEqual(t, ShardIndex("ab", 7), ShardIndex("ba", 7))
}

func TestShardIndexSingleByteKeys(t *testing.T) {
	// A single-byte key is its byte value, so routing mod 7 is exact.
	for b := 0; b < 7; b++ {
		key := string([]byte{byte(b)})
		assert.Equal(t, b, ShardIndex(key, 7))
	}
}

func TestShardIndexLongKeys(t *testing.T) {
	// Keys longer than eight bytes exceed uint64; the big-endian value
	// mod 2 is decided by the last byte, mod 5 by the byte sum, since
	// 256 = 0 mod 2 and 256 = 1 mod 5.
	key := "0123456789abcdef"
	assert.Equal(t, 0, ShardIndex(key, 2))
	assert.Equal(t, 1, ShardIndex(key+"g", 2))
	assert.Equal(t, 2, ShardIndex(key, 5))
}

func TestShardIndexStable(t *testing.T) {
	for _, key := range []string{"", "a", "object-42", "ключ"} {
		first := ShardIndex(key, 11)
		for i := 0; i < 3; i++ {
			require.Equal(t, first, ShardIndex(key, 11))
		}
		require.GreaterOrEqual(t, first, 0)
		require.Less(t, first, 11)
	}
}

func TestShardIndexRejectsBadCount(t *testing.T) {
	assert.Panics(t, func() { ShardIndex("a", 0) })
	assert.Panics(t, func() { ShardIndex("a", -3) })
}

func TestIsPrime(t *testing.T) {
	primes := []int{2, 3, 5, 7, 11, 13, 97, 7919}
	composites := []int{-7, 0, 1, 4, 6, 9, 15, 100, 7917}
	for _, n := range primes {
		assert.True(t, IsPrime(n), "%d", n)
	}
	for _, n := range composites {
		assert.False(t, IsPrime(n), "%d", n)
	}
}

func TestNextPrime(t *testing.T) {
	tests := []struct{ n, want int }{
		{0, 2}, {1, 2}, {2, 2}, {3, 3}, {4, 5}, {8, 11}, {14, 17}, {90, 97},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, NextPrime(tt.n), "n=%d", tt.n)
	}
}

func TestNextShardCount(t *testing.T) {
	tests := []struct {
		maxSize, capacity int
		want              int
	}{
		// 5000 objects, 1.5x headroom = 7500, two shards of 5000.
		{5000, 5000, 2},
		// 7500 / 1000 = 7.5, rounds to 8, next prime is 11.
		{5000, 1000, 11},
		// Fits in one shard with headroom to spare.
		{100, 5000, 1},
		{0, 5000, 1},
		{100, 0, 1},
	}
	for _, tt := range tests {
		got := NextShardCount(tt.maxSize, tt.capacity)
		assert.Equal(t, tt.want, got, "maxSize=%d capacity=%d", tt.maxSize, tt.capacity)
	}
}
