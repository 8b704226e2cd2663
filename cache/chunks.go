// Package cache holds the in-memory, size-bounded cache of recently
// touched min/max span chunks, avoiding repeated decompression and
// deserialization on the hot detection path.
package cache

import (
	lru "github.com/hashicorp/golang-lru"
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	slashertypes "github.com/tibi77/lighthouse/slasher/types"
)

// DefaultChunkCacheSize of the hot chunk cache, a moderate number of
// decoded chunks held in memory.
const DefaultChunkCacheSize = 10000

var (
	chunkCacheHit = promauto.NewCounter(prometheus.CounterOpts{
		Name: "slasher_chunk_cache_hit",
		Help: "The number of span chunk requests that are present in the cache.",
	})
	chunkCacheMiss = promauto.NewCounter(prometheus.CounterOpts{
		Name: "slasher_chunk_cache_miss",
		Help: "The number of span chunk requests that aren't present in the cache.",
	})
)

// ChunkKey uniquely identifies a span chunk, matching the store's
// chunk disk keys.
type ChunkKey struct {
	Kind                slashertypes.ChunkKind
	ValidatorChunkIndex uint64
	ChunkIndex          uint64
}

// ChunkCache is a bounded LRU cache of decoded span chunks. Entries are
// non-owning copies of committed store data: the write path publishes a
// chunk here only after its transaction commits, so a hit never returns
// uncommitted state. Absence only costs a store read, never correctness.
type ChunkCache struct {
	lru *lru.Cache
}

// NewChunkCache initializes a chunk cache with the given capacity.
func NewChunkCache(size int) (*ChunkCache, error) {
	cache, err := lru.New(size)
	if err != nil {
		return nil, errors.Wrap(err, "could not initialize chunk cache")
	}
	return &ChunkCache{lru: cache}, nil
}

// Get returns the cached chunk for a key, if present. Callers must not
// mutate the returned slice; the write path works on its own copy.
func (c *ChunkCache) Get(key ChunkKey) ([]uint16, bool) {
	item, ok := c.lru.Get(key)
	if !ok {
		chunkCacheMiss.Inc()
		return nil, false
	}
	chunkCacheHit.Inc()
	chunk, ok := item.([]uint16)
	return chunk, ok
}

// Put replaces the cached chunk for a key.
func (c *ChunkCache) Put(key ChunkKey, chunk []uint16) {
	c.lru.Add(key, chunk)
}

// Remove evicts a key from the cache.
func (c *ChunkCache) Remove(key ChunkKey) {
	c.lru.Remove(key)
}

// Len returns the number of chunks currently held.
func (c *ChunkCache) Len() int {
	return c.lru.Len()
}

// NoopChunkCache is a cache that holds nothing, used by correctness
// tests that must observe the store directly on every access.
type NoopChunkCache struct{}

// Get always misses.
func (NoopChunkCache) Get(_ ChunkKey) ([]uint16, bool) {
	return nil, false
}

// Put discards the chunk.
func (NoopChunkCache) Put(_ ChunkKey, _ []uint16) {}

// Remove is a no-op.
func (NoopChunkCache) Remove(_ ChunkKey) {}
