// Package shard computes partition keys for the DynamoDB relationship table.
package shard

import (
	"fmt"
	"hash/fnv"
)

// MaxShards bounds the number of relationship shards per parent.
const MaxShards = 256

// clamp maps numShards into [1, MaxShards].
func clamp(numShards int) int {
	if numShards < 1 {
		return 1
	}
	if numShards > MaxShards {
		return MaxShards
	}
	return numShards
}

// RelationshipPK computes the sharded partition key for a relationship record.
// With numShards=1, all records go to shard "00".
// With numShards>1, records are distributed across shards based on childRef hash.
func RelationshipPK(parentRef, childRef string, numShards int) string {
	numShards = clamp(numShards)
	if numShards == 1 {
		return Key(parentRef, 0)
	}
	h := fnv.New32a()
	h.Write([]byte(childRef))
	return Key(parentRef, int(h.Sum32()%uint32(numShards)))
}

// Key renders the partition key of one shard of a parent.
func Key(parentRef string, shard int) string {
	return fmt.Sprintf("%s#%02x", parentRef, shard)
}

// Keys returns every shard partition key of a parent, in shard order.
// A child lookup must query all of them.
func Keys(parentRef string, numShards int) []string {
	numShards = clamp(numShards)
	keys := make([]string, numShards)
	for i := range keys {
		keys[i] = Key(parentRef, i)
	}
	return keys
}
