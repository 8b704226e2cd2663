package cache

import (
	"testing"

	"github.com/stretchr/testify/require"

	slashertypes "github.com/tibi77/lighthouse/slasher/types"
)

func TestChunkCache_RoundTrip(t *testing.T) {
	c, err := NewChunkCache(DefaultChunkCacheSize)
	require.NoError(t, err)
	key := ChunkKey{Kind: slashertypes.MinSpan, ValidatorChunkIndex: 3, ChunkIndex: 7}

	_, ok := c.Get(key)
	require.False(t, ok)

	chunk := []uint16{1, 2, 3, 4}
	c.Put(key, chunk)
	got, ok := c.Get(key)
	require.True(t, ok)
	require.Equal(t, chunk, got)

	// Same indices under the other kind are a distinct entry.
	_, ok = c.Get(ChunkKey{Kind: slashertypes.MaxSpan, ValidatorChunkIndex: 3, ChunkIndex: 7})
	require.False(t, ok)

	c.Remove(key)
	_, ok = c.Get(key)
	require.False(t, ok)
}

func TestChunkCache_EvictsLeastRecentlyUsed(t *testing.T) {
	c, err := NewChunkCache(2)
	require.NoError(t, err)
	keyAt := func(chunkIndex uint64) ChunkKey {
		return ChunkKey{Kind: slashertypes.MaxSpan, ChunkIndex: chunkIndex}
	}
	c.Put(keyAt(0), []uint16{0})
	c.Put(keyAt(1), []uint16{1})

	// Touch chunk 0 so chunk 1 is the eviction candidate.
	_, ok := c.Get(keyAt(0))
	require.True(t, ok)

	c.Put(keyAt(2), []uint16{2})
	require.Equal(t, 2, c.Len())
	_, ok = c.Get(keyAt(1))
	require.False(t, ok)
	_, ok = c.Get(keyAt(0))
	require.True(t, ok)
	_, ok = c.Get(keyAt(2))
	require.True(t, ok)
}

func TestNoopChunkCache_AlwaysMisses(t *testing.T) {
	var c NoopChunkCache
	key := ChunkKey{Kind: slashertypes.MinSpan, ChunkIndex: 1}
	c.Put(key, []uint16{9})
	_, ok := c.Get(key)
	require.False(t, ok)
	c.Remove(key)
}
