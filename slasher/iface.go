package slasher

import (
	"github.com/tibi77/lighthouse/cache"
)

// ChunkCacher is the hot-chunk cache consumed by the detection path. It
// is a pure performance layer: implementations may drop or miss entries
// freely, every miss falls through to the store. Correctness tests swap
// in cache.NoopChunkCache to observe the store directly.
type ChunkCacher interface {
	Get(key cache.ChunkKey) ([]uint16, bool)
	Put(key cache.ChunkKey, chunk []uint16)
	Remove(key cache.ChunkKey)
}
