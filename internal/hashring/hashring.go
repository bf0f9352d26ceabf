// Package hashring implements the weighted consistent-hash ring used to
// shard cache keys across disk-cache directories: each directory gets a
// number of virtual nodes proportional to its configured byte budget, so
// adding or removing one shard moves only ~1/N of the keyspace.
package hashring

import (
	"fmt"
	"sort"

	"github.com/OneOfOne/xxhash"

	"github.com/yadcc-go/yadcc/internal/xoshiro256"
)

// virtualNodeFactor controls how many virtual nodes each unit of weight
// contributes; higher spreads load more uniformly at the cost of more
// memory for the ring. Matches the original implementation's constant.
const virtualNodeFactor = 100

type node struct {
	hash uint64
	name string
}

// Ring is a read-only, immutable-after-construction hash ring. It is safe
// for concurrent use by multiple goroutines (no mutable state).
type Ring struct {
	nodes []node
}

// New builds a ring from a set of named shards and their relative
// weights. Weight is typically ceil(shard_byte_budget / 128MiB), per the
// shard-map sizing rule.
func New(weights map[string]uint64) *Ring {
	names := make([]string, 0, len(weights))
	for name := range weights {
		names = append(names, name)
	}
	sort.Strings(names) // deterministic virtual-node assignment across runs

	r := &Ring{}
	for _, name := range names {
		weight := weights[name]
		if weight == 0 {
			weight = 1
		}
		vnodes := weight * virtualNodeFactor
		for i := uint64(0); i < vnodes; i++ {
			vname := fmt.Sprintf("%s#VN%d", name, i)
			h := xoshiro256.Hash(xxhash.Checksum64S([]byte(vname), 0))
			r.nodes = append(r.nodes, node{hash: h, name: name})
		}
	}
	sort.Slice(r.nodes, func(i, j int) bool { return r.nodes[i].hash < r.nodes[j].hash })
	return r
}

// HashKey computes the ring-space digest of a cache key. Callers should
// pass this to GetNode rather than hashing the key themselves, so the
// ring and the subdirectory router (which also needs a digest of the
// same key) stay consistent.
func HashKey(key string) uint64 {
	return xxhash.Checksum64S([]byte(key), 0)
}

// GetNode returns the shard name owning hash, i.e. the first virtual node
// clockwise from hash, wrapping around to the smallest if hash exceeds
// every node's position.
func (r *Ring) GetNode(hash uint64) string {
	if len(r.nodes) == 0 {
		return ""
	}
	idx := sort.Search(len(r.nodes), func(i int) bool { return r.nodes[i].hash >= hash })
	if idx == len(r.nodes) {
		idx = 0
	}
	return r.nodes[idx].name
}

// Shards returns the distinct shard names known to the ring, in a stable
// order.
func (r *Ring) Shards() []string {
	seen := make(map[string]bool)
	var out []string
	for _, n := range r.nodes {
		if !seen[n.name] {
			seen[n.name] = true
			out = append(out, n.name)
		}
	}
	sort.Strings(out)
	return out
}
