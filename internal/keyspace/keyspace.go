// Package keyspace maps object keys onto shard positions.
//
// A key is routed by interpreting its raw bytes as a big-endian
// unsigned integer and reducing it modulo the shard count. The
// encoding is stable across platforms and releases, so a key always
// lands on the same position for a given count.
package keyspace

import (
	"math"
	"math/big"
)

// GrowthFactor is the headroom multiplier used when planning a larger
// shard layout from the capacity of an existing group.
const GrowthFactor = 1.5

// ShardIndex returns the position of the shard owning key within a
// group of shardCount shards. It panics when shardCount is not
// positive; constructed groups always hold at least one shard.
func ShardIndex(key string, shardCount int) int {
	if shardCount <= 0 {
		panic("keyspace: shard count must be positive")
	}
	n := new(big.Int).SetBytes([]byte(key))
	return int(new(big.Int).Mod(n, big.NewInt(int64(shardCount))).Int64())
}

// IsPrime reports whether n is prime.
func IsPrime(n int) bool {
	if n < 2 {
		return false
	}
	for d := 2; d*d <= n; d++ {
		if n%d == 0 {
			return false
		}
	}
	return true
}

// NextPrime returns the smallest prime greater than or equal to n.
func NextPrime(n int) int {
	if n <= 2 {
		return 2
	}
	for p := n; ; p++ {
		if IsPrime(p) {
			return p
		}
	}
}

// NextShardCount plans the shard count for a group grown out of one
// with room for maxSize objects. The plan reserves GrowthFactor
// headroom over maxSize and divides it into shards of shardCapacity,
// rounding the count up to a prime so the modulo routing keeps keys
// spread across every shard.
func NextShardCount(maxSize, shardCapacity int) int {
	if maxSize <= 0 || shardCapacity <= 0 {
		return 1
	}
	target := int(math.Ceil(float64(maxSize) * GrowthFactor))
	shards := int(math.Ceil(float64(target) / float64(shardCapacity)))
	if shards <= 1 {
		return 1
	}
	return NextPrime(shards)
}
