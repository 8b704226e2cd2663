package slasher

import (
	"math"
	"testing"

	types "github.com/prysmaticlabs/eth2-types"
	"github.com/stretchr/testify/require"

	slashertypes "github.com/tibi77/lighthouse/slasher/types"
)

// mapFetcher serves attestation records keyed by target epoch, standing
// in for a store transaction in chunk-level tests.
type mapFetcher map[types.Epoch]*slashertypes.AttestationRecord

func (f mapFetcher) AttestationRecordForValidator(
	_ types.ValidatorIndex, targetEpoch types.Epoch,
) (*slashertypes.AttestationRecord, error) {
	return f[targetEpoch], nil
}

func TestEmptyChunks_NeutralElements(t *testing.T) {
	params := NewParams(2, 2, 4)
	minChunk := EmptyMinSpanChunksSlice(params)
	require.Equal(t, slashertypes.MinSpan, minChunk.Kind())
	for _, v := range minChunk.Chunk() {
		require.Equal(t, uint16(math.MaxUint16), v)
	}
	maxChunk := EmptyMaxSpanChunksSlice(params)
	require.Equal(t, slashertypes.MaxSpan, maxChunk.Kind())
	for _, v := range maxChunk.Chunk() {
		require.Equal(t, uint16(0), v)
	}
}

func TestChunkSpansSliceFrom_ValidatesLength(t *testing.T) {
	params := NewParams(2, 2, 4)
	_, err := MinChunkSpansSliceFrom(params, []uint16{0, 0, 0})
	require.Error(t, err)
	_, err = MaxChunkSpansSliceFrom(params, []uint16{0, 0, 0})
	require.Error(t, err)
	minChunk, err := MinChunkSpansSliceFrom(params, []uint16{1, 2, 3, 4})
	require.NoError(t, err)
	require.Equal(t, []uint16{1, 2, 3, 4}, minChunk.Chunk())
}

func TestChunkDataAtEpoch_SetRetrieve(t *testing.T) {
	params := NewParams(3, 3, 3)
	// A chunk of 3 validators over epochs 3 to 5.
	chunk := []uint16{0, 0, 0, 0, 0, 0, 0, 0, 0}
	validatorIdx := types.ValidatorIndex(1)
	epochInChunk := types.Epoch(4)
	targetEpoch := types.Epoch(6)
	require.NoError(t, setChunkDataAtEpoch(params, chunk, validatorIdx, epochInChunk, targetEpoch))
	// Row 1, column 1 now holds distance 6 - 4 = 2.
	require.Equal(t, uint16(2), chunk[4])
	got, err := chunkDataAtEpoch(params, chunk, validatorIdx, epochInChunk)
	require.NoError(t, err)
	require.Equal(t, targetEpoch, got)

	_, err = chunkDataAtEpoch(params, []uint16{0}, validatorIdx, epochInChunk)
	require.Error(t, err)
}

func TestEpochDistance(t *testing.T) {
	distance, err := epochDistance(10, 4)
	require.NoError(t, err)
	require.Equal(t, uint16(6), distance)
	_, err = epochDistance(4, 10)
	require.Error(t, err)
	_, err = epochDistance(1<<17, 0)
	require.Error(t, err)
}

func TestMinSpanChunksSlice_CheckSlashable(t *testing.T) {
	params := NewParams(2, 2, 4)
	validatorIdx := types.ValidatorIndex(0)
	fetcher := mapFetcher{
		2: {ValidatorIndex: validatorIdx, Source: 1, Target: 2},
	}

	// Empty chunk: no recorded vote can be surrounded.
	chunk := EmptyMinSpanChunksSlice(params)
	record := &slashertypes.AttestationRecord{ValidatorIndex: validatorIdx, Source: 0, Target: 3}
	outcome, err := chunk.CheckSlashable(fetcher, validatorIdx, record)
	require.NoError(t, err)
	require.Equal(t, slashertypes.NotSlashable, outcome.Kind)

	// Record the vote (1, 2): min span at epoch 0 becomes target 2.
	_, err = chunk.Update(0, 2, validatorIdx, 0, 2)
	require.NoError(t, err)

	// (0, 3) strictly surrounds (1, 2).
	outcome, err = chunk.CheckSlashable(fetcher, validatorIdx, record)
	require.NoError(t, err)
	require.Equal(t, slashertypes.SurroundingVote, outcome.Kind)
	require.Equal(t, record, outcome.Record)
	require.Equal(t, fetcher[2], outcome.PrevRecord)

	// (0, 2) shares the target, surround requires strict inequalities.
	outcome, err = chunk.CheckSlashable(fetcher, validatorIdx, &slashertypes.AttestationRecord{
		ValidatorIndex: validatorIdx, Source: 0, Target: 2,
	})
	require.NoError(t, err)
	require.Equal(t, slashertypes.NotSlashable, outcome.Kind)

	// Span points at a pruned record: no evidence, no slashing.
	outcome, err = chunk.CheckSlashable(mapFetcher{}, validatorIdx, record)
	require.NoError(t, err)
	require.Equal(t, slashertypes.NotSlashable, outcome.Kind)
}

func TestMaxSpanChunksSlice_CheckSlashable(t *testing.T) {
	params := NewParams(2, 2, 4)
	validatorIdx := types.ValidatorIndex(0)
	fetcher := mapFetcher{
		3: {ValidatorIndex: validatorIdx, Source: 0, Target: 3},
	}

	chunk := EmptyMaxSpanChunksSlice(params)
	record := &slashertypes.AttestationRecord{ValidatorIndex: validatorIdx, Source: 1, Target: 2}
	outcome, err := chunk.CheckSlashable(fetcher, validatorIdx, record)
	require.NoError(t, err)
	require.Equal(t, slashertypes.NotSlashable, outcome.Kind)

	// Record the vote (0, 3): max span at epoch 1 becomes target 3.
	_, err = chunk.Update(0, 3, validatorIdx, 1, 3)
	require.NoError(t, err)

	// (1, 2) sits strictly inside (0, 3).
	outcome, err = chunk.CheckSlashable(fetcher, validatorIdx, record)
	require.NoError(t, err)
	require.Equal(t, slashertypes.SurroundedVote, outcome.Kind)
	require.Equal(t, fetcher[3], outcome.PrevRecord)

	// (1, 3) touches the recorded target, not slashable.
	outcome, err = chunk.CheckSlashable(fetcher, validatorIdx, &slashertypes.AttestationRecord{
		ValidatorIndex: validatorIdx, Source: 1, Target: 3,
	})
	require.NoError(t, err)
	require.Equal(t, slashertypes.NotSlashable, outcome.Kind)
}

func TestMinSpanChunksSlice_Update(t *testing.T) {
	params := NewParams(2, 2, 8)
	validatorIdx := types.ValidatorIndex(0)

	// Vote (3, 4) in chunk 1 (epochs 2, 3): the walk starts at epoch 2
	// and crosses the chunk's lower edge still improving.
	chunk := EmptyMinSpanChunksSlice(params)
	keepGoing, err := chunk.Update(1, 4, validatorIdx, 2, 4)
	require.NoError(t, err)
	require.True(t, keepGoing)
	got, err := chunkDataAtEpoch(params, chunk.Chunk(), validatorIdx, 2)
	require.NoError(t, err)
	require.Equal(t, types.Epoch(4), got)

	// Continuing into chunk 0, the walk stops at epoch 0.
	prevChunk := EmptyMinSpanChunksSlice(params)
	keepGoing, err = prevChunk.Update(0, 4, validatorIdx, 1, 4)
	require.NoError(t, err)
	require.False(t, keepGoing)
	for _, epoch := range []types.Epoch{0, 1} {
		got, err = chunkDataAtEpoch(params, prevChunk.Chunk(), validatorIdx, epoch)
		require.NoError(t, err)
		require.Equal(t, types.Epoch(4), got)
	}

	// A wider target does not loosen an already tight cell.
	keepGoing, err = prevChunk.Update(0, 5, validatorIdx, 1, 5)
	require.NoError(t, err)
	require.False(t, keepGoing)
	got, err = chunkDataAtEpoch(params, prevChunk.Chunk(), validatorIdx, 1)
	require.NoError(t, err)
	require.Equal(t, types.Epoch(4), got)
}

func TestMinSpanChunksSlice_Update_RetentionFloor(t *testing.T) {
	params := NewParams(2, 2, 4)
	validatorIdx := types.ValidatorIndex(0)

	// History length 4 with current epoch 5 retains epochs 2 and up, so
	// the walk floors out at epoch 2 without signaling keepGoing.
	chunk := EmptyMinSpanChunksSlice(params)
	keepGoing, err := chunk.Update(1, 5, validatorIdx, 3, 5)
	require.NoError(t, err)
	require.False(t, keepGoing)
	got, err := chunkDataAtEpoch(params, chunk.Chunk(), validatorIdx, 2)
	require.NoError(t, err)
	require.Equal(t, types.Epoch(5), got)
}

func TestMaxSpanChunksSlice_Update(t *testing.T) {
	params := NewParams(2, 2, 4)
	validatorIdx := types.ValidatorIndex(0)

	// Vote (0, 3): the walk starts at epoch 1 and crosses into the next
	// chunk, still short of the target.
	chunk := EmptyMaxSpanChunksSlice(params)
	keepGoing, err := chunk.Update(0, 3, validatorIdx, 1, 3)
	require.NoError(t, err)
	require.True(t, keepGoing)
	got, err := chunkDataAtEpoch(params, chunk.Chunk(), validatorIdx, 1)
	require.NoError(t, err)
	require.Equal(t, types.Epoch(3), got)

	// The walk ends at the target epoch, where the distance is zero.
	nextChunk := EmptyMaxSpanChunksSlice(params)
	keepGoing, err = nextChunk.Update(1, 3, validatorIdx, 2, 3)
	require.NoError(t, err)
	require.False(t, keepGoing)
	got, err = chunkDataAtEpoch(params, nextChunk.Chunk(), validatorIdx, 2)
	require.NoError(t, err)
	require.Equal(t, types.Epoch(3), got)
	// Epoch 3 itself is untouched.
	got, err = chunkDataAtEpoch(params, nextChunk.Chunk(), validatorIdx, 3)
	require.NoError(t, err)
	require.Equal(t, types.Epoch(3), got)
}

func TestChunks_StartEpoch(t *testing.T) {
	params := NewParams(2, 2, 4)
	minChunk := EmptyMinSpanChunksSlice(params)
	_, ok := minChunk.StartEpoch(0)
	require.False(t, ok)
	epoch, ok := minChunk.StartEpoch(5)
	require.True(t, ok)
	require.Equal(t, types.Epoch(4), epoch)

	maxChunk := EmptyMaxSpanChunksSlice(params)
	epoch, ok = maxChunk.StartEpoch(0)
	require.True(t, ok)
	require.Equal(t, types.Epoch(1), epoch)
}

func TestChunks_NextChunkStartEpoch(t *testing.T) {
	params := NewParams(2, 2, 4)
	minChunk := EmptyMinSpanChunksSlice(params)
	// From epoch 2 (chunk 1) the min walk resumes at epoch 1.
	require.Equal(t, types.Epoch(1), minChunk.NextChunkStartEpoch(2))
	maxChunk := EmptyMaxSpanChunksSlice(params)
	// From epoch 1 (chunk 0) the max walk resumes at epoch 2.
	require.Equal(t, types.Epoch(2), maxChunk.NextChunkStartEpoch(1))
}
