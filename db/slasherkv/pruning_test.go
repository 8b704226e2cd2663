package slasherkv

import (
	"context"
	"math"
	"testing"

	types "github.com/prysmaticlabs/eth2-types"
	"github.com/stretchr/testify/require"

	slashertypes "github.com/tibi77/lighthouse/slasher/types"
)

func TestStore_PruneStaleData_BeforeFullHistory(t *testing.T) {
	ctx := context.Background()
	store := setupDB(t)
	wt, err := store.BeginWrite(ctx)
	require.NoError(t, err)
	_, err = wt.CheckAndSaveAttestation(testRecord(1, 0, 2, 0xaa))
	require.NoError(t, err)
	require.NoError(t, wt.Commit())

	// Less than a full history length has elapsed, nothing to prune.
	attsPruned, chunksPruned, err := store.PruneStaleData(ctx, 3, 4096, 16)
	require.NoError(t, err)
	require.Equal(t, uint64(0), attsPruned)
	require.Equal(t, uint64(0), chunksPruned)

	rt, err := store.BeginRead(ctx)
	require.NoError(t, err)
	defer func() {
		require.NoError(t, rt.Close())
	}()
	record, err := rt.AttestationRecordForValidator(1, 2)
	require.NoError(t, err)
	require.NotNil(t, record)
}

func TestStore_PruneStaleData_AttestationHorizon(t *testing.T) {
	ctx := context.Background()
	store := setupDB(t)
	historyLength := types.Epoch(5)
	currentEpoch := types.Epoch(100)

	// Horizon is 100 - 5 = 95: epoch 94 must go, epoch 95 must stay.
	wt, err := store.BeginWrite(ctx)
	require.NoError(t, err)
	_, err = wt.CheckAndSaveAttestation(testRecord(7, 93, 94, 0x1))
	require.NoError(t, err)
	_, err = wt.CheckAndSaveAttestation(testRecord(7, 94, 95, 0x2))
	require.NoError(t, err)
	_, err = wt.CheckAndSaveAttestation(testRecord(8, 95, 96, 0x3))
	require.NoError(t, err)
	require.NoError(t, wt.Commit())

	attsPruned, _, err := store.PruneStaleData(ctx, currentEpoch, historyLength, 16)
	require.NoError(t, err)
	require.Equal(t, uint64(1), attsPruned)

	rt, err := store.BeginRead(ctx)
	require.NoError(t, err)
	defer func() {
		require.NoError(t, rt.Close())
	}()
	pruned, err := rt.AttestationRecordForValidator(7, 94)
	require.NoError(t, err)
	require.Nil(t, pruned)
	kept, err := rt.AttestationRecordForValidator(7, 95)
	require.NoError(t, err)
	require.NotNil(t, kept)
	kept, err = rt.AttestationRecordForValidator(8, 96)
	require.NoError(t, err)
	require.NotNil(t, kept)
}

func TestStore_PruneStaleData_SharedSigningRootAcrossEpochs(t *testing.T) {
	ctx := context.Background()
	store := setupDB(t)

	// One validator reuses a fingerprint at two target epochs, one of
	// which falls below the pruning horizon.
	wt, err := store.BeginWrite(ctx)
	require.NoError(t, err)
	_, err = wt.CheckAndSaveAttestation(testRecord(5, 90, 94, 0xaa))
	require.NoError(t, err)
	_, err = wt.CheckAndSaveAttestation(testRecord(5, 93, 95, 0xaa))
	require.NoError(t, err)
	require.NoError(t, wt.Commit())

	attsPruned, _, err := store.PruneStaleData(ctx, 100, 5, 16)
	require.NoError(t, err)
	require.Equal(t, uint64(1), attsPruned)

	// The retained entry still resolves to its full record.
	rt, err := store.BeginRead(ctx)
	require.NoError(t, err)
	kept, err := rt.AttestationRecordForValidator(5, 95)
	require.NoError(t, err)
	require.NotNil(t, kept)
	require.Equal(t, types.Epoch(93), kept.Source)
	require.Equal(t, byte(0xaa), kept.SigningRoot[0])
	require.NoError(t, rt.Close())

	// A conflicting fingerprint at the retained target is still caught.
	wt, err = store.BeginWrite(ctx)
	require.NoError(t, err)
	existing, err := wt.CheckAndSaveAttestation(testRecord(5, 94, 95, 0xbb))
	require.NoError(t, err)
	require.NotNil(t, existing, "retained double vote entry went undetected")
	require.Equal(t, byte(0xaa), existing.SigningRoot[0])
	require.NoError(t, wt.Rollback())
}

func TestStore_PruneStaleData_Idempotent(t *testing.T) {
	ctx := context.Background()
	store := setupDB(t)
	wt, err := store.BeginWrite(ctx)
	require.NoError(t, err)
	_, err = wt.CheckAndSaveAttestation(testRecord(3, 10, 11, 0x4))
	require.NoError(t, err)
	_, err = wt.CheckAndSaveAttestation(testRecord(3, 98, 99, 0x5))
	require.NoError(t, err)
	require.NoError(t, wt.Commit())

	attsPruned, _, err := store.PruneStaleData(ctx, 100, 5, 16)
	require.NoError(t, err)
	require.Equal(t, uint64(1), attsPruned)

	// A second pass over the already pruned range touches nothing.
	attsPruned, chunksPruned, err := store.PruneStaleData(ctx, 100, 5, 16)
	require.NoError(t, err)
	require.Equal(t, uint64(0), attsPruned)
	require.Equal(t, uint64(0), chunksPruned)
}

func TestStore_PruneStaleData_Chunks(t *testing.T) {
	ctx := context.Background()
	store := setupDB(t)
	chunkSize := uint64(4)
	historyLength := types.Epoch(8)
	currentEpoch := types.Epoch(18)
	// Horizon is epoch 10, so chunk index 2 (epochs 8..11) straddles it:
	// chunks 0 and 1 are deleted outright, chunk 2 keeps its data but has
	// slots for epochs 8 and 9 reset to the neutral element.
	minChunk := []uint16{1, 2, 3, 4}
	maxChunk := []uint16{5, 6, 7, 8}
	wt, err := store.BeginWrite(ctx)
	require.NoError(t, err)
	for chunkIndex := uint64(0); chunkIndex <= 2; chunkIndex++ {
		require.NoError(t, wt.SaveChunk(slashertypes.MinSpan, 0, chunkIndex, minChunk))
		require.NoError(t, wt.SaveChunk(slashertypes.MaxSpan, 0, chunkIndex, maxChunk))
	}
	require.NoError(t, wt.Commit())

	_, chunksPruned, err := store.PruneStaleData(ctx, currentEpoch, historyLength, chunkSize)
	require.NoError(t, err)
	require.Equal(t, uint64(4), chunksPruned)

	rt, err := store.BeginRead(ctx)
	require.NoError(t, err)
	defer func() {
		require.NoError(t, rt.Close())
	}()
	for chunkIndex := uint64(0); chunkIndex <= 1; chunkIndex++ {
		_, exists, err := rt.LoadChunk(slashertypes.MinSpan, 0, chunkIndex)
		require.NoError(t, err)
		require.False(t, exists)
		_, exists, err = rt.LoadChunk(slashertypes.MaxSpan, 0, chunkIndex)
		require.NoError(t, err)
		require.False(t, exists)
	}
	boundaryMin, exists, err := rt.LoadChunk(slashertypes.MinSpan, 0, 2)
	require.NoError(t, err)
	require.True(t, exists)
	require.Equal(t, []uint16{math.MaxUint16, math.MaxUint16, 3, 4}, boundaryMin)
	boundaryMax, exists, err := rt.LoadChunk(slashertypes.MaxSpan, 0, 2)
	require.NoError(t, err)
	require.True(t, exists)
	require.Equal(t, []uint16{0, 0, 7, 8}, boundaryMax)
}

func TestStore_PruneStaleData_CursorAdvances(t *testing.T) {
	ctx := context.Background()
	store := setupDB(t)

	_, tracked, err := store.OldestRetainedEpochForValidator(ctx, 9)
	require.NoError(t, err)
	require.False(t, tracked)

	wt, err := store.BeginWrite(ctx)
	require.NoError(t, err)
	_, err = wt.CheckAndSaveAttestation(testRecord(9, 1, 2, 0x6))
	require.NoError(t, err)
	require.NoError(t, wt.Commit())

	_, _, err = store.PruneStaleData(ctx, 100, 5, 16)
	require.NoError(t, err)

	oldest, tracked, err := store.OldestRetainedEpochForValidator(ctx, 9)
	require.NoError(t, err)
	require.True(t, tracked)
	require.Equal(t, types.Epoch(95), oldest)
}
