package slasherkv

import (
	"context"
	"encoding/binary"
	"math"

	"github.com/pkg/errors"
	types "github.com/prysmaticlabs/eth2-types"
	"go.opencensus.io/trace"

	slashertypes "github.com/tibi77/lighthouse/slasher/types"
)

// PruneStaleData deletes, in a single write transaction, all double vote
// entries with a target epoch older than currentEpoch - historyLength,
// along with all span chunks lying entirely below that horizon. The
// boundary chunk straddling the horizon is rewritten with its stale
// epoch slots reset to the neutral element, preserving min/max
// propagation for the slots that remain. The pruning cursor is advanced
// for every validator whose entries were deleted. Idempotent: re-running
// over an already-pruned range is a no-op.
func (s *Store) PruneStaleData(
	ctx context.Context, currentEpoch, historyLength types.Epoch, chunkSize uint64,
) (attsPruned, chunksPruned uint64, err error) {
	ctx, span := trace.StartSpan(ctx, "SlasherDB.PruneStaleData")
	defer span.End()
	// Until a full history length has elapsed there is nothing outside
	// the retention window.
	if currentEpoch < historyLength {
		return 0, 0, nil
	}
	oldestRetainedEpoch := currentEpoch - historyLength

	wt, err := s.BeginWrite(ctx)
	if err != nil {
		return 0, 0, err
	}
	defer func() {
		if rollbackErr := wt.Rollback(); rollbackErr != nil {
			log.WithError(rollbackErr).Error("Could not roll back pruning transaction")
		}
	}()

	prunedValidators, attsPruned, err := pruneAttestationRecords(wt, oldestRetainedEpoch)
	if err != nil {
		return 0, 0, err
	}
	chunksPruned, err = pruneChunks(wt, oldestRetainedEpoch, chunkSize)
	if err != nil {
		return 0, 0, err
	}
	if err := advancePruningCursor(wt, prunedValidators, oldestRetainedEpoch); err != nil {
		return 0, 0, err
	}
	if err := wt.Commit(); err != nil {
		return 0, 0, errors.Wrap(err, "could not commit pruning transaction")
	}
	return attsPruned, chunksPruned, nil
}

// Deletes attestation root keys and their records for target epochs below
// the horizon. Keys are epoch-prefixed, but little-endian encoded, so the
// epoch is decoded from each key rather than relying on cursor order.
func pruneAttestationRecords(
	wt *WriteTx, oldestRetainedEpoch types.Epoch,
) (map[[validatorIndexSize]byte]bool, uint64, error) {
	rootsBkt := wt.tx.Bucket(attestationDataRootsBucket)
	attsBkt := wt.tx.Bucket(attestationRecordsBucket)
	prunedValidators := make(map[[validatorIndexSize]byte]bool)
	var pruned uint64
	c := rootsBkt.Cursor()
	for k, _ := c.First(); k != nil; k, _ = c.Next() {
		if len(k) < attestationRootKeySize {
			return nil, 0, errors.Wrapf(ErrCorrupted, "malformed attestation root key of length %d", len(k))
		}
		epoch := types.Epoch(binary.LittleEndian.Uint64(k[:8]))
		if epoch >= oldestRetainedEpoch {
			continue
		}
		// Both buckets share the entry key, so pruning one entry can
		// never orphan another entry's record body.
		if err := rootsBkt.Delete(k); err != nil {
			return nil, 0, err
		}
		if err := attsBkt.Delete(k); err != nil {
			return nil, 0, err
		}
		var valIdx [validatorIndexSize]byte
		copy(valIdx[:], k[8:])
		prunedValidators[valIdx] = true
		pruned++
		slasherAttestationsPrunedTotal.Inc()
	}
	return prunedValidators, pruned, nil
}

// Deletes chunks entirely below the horizon and clears stale slots in the
// boundary chunk, per chunk kind.
func pruneChunks(wt *WriteTx, oldestRetainedEpoch types.Epoch, chunkSize uint64) (uint64, error) {
	firstRetainedChunkIndex := uint64(oldestRetainedEpoch) / chunkSize
	staleOffsets := uint64(oldestRetainedEpoch) % chunkSize
	bkt := wt.tx.Bucket(slasherChunksBucket)
	var pruned uint64
	c := bkt.Cursor()
	for k, v := c.First(); k != nil; k, v = c.Next() {
		// Chunk keys are kind (1 byte) ++ validator chunk index (8) ++ chunk index (8).
		if len(k) != 17 {
			return 0, errors.Wrapf(ErrCorrupted, "malformed chunk key of length %d", len(k))
		}
		chunkIndex := binary.LittleEndian.Uint64(k[9:])
		if chunkIndex < firstRetainedChunkIndex {
			if err := bkt.Delete(k); err != nil {
				return 0, err
			}
			pruned++
			slasherChunksPrunedTotal.Inc()
			continue
		}
		if chunkIndex != firstRetainedChunkIndex || staleOffsets == 0 {
			continue
		}
		chunk, err := decodeSlasherChunk(v)
		if err != nil {
			return 0, err
		}
		neutral := neutralElementForKind(slashertypes.ChunkKind(k[0]))
		cleared := false
		for row := 0; row+int(chunkSize) <= len(chunk); row += int(chunkSize) {
			for off := uint64(0); off < staleOffsets; off++ {
				if chunk[row+int(off)] != neutral {
					chunk[row+int(off)] = neutral
					cleared = true
				}
			}
		}
		if !cleared {
			continue
		}
		encoded, err := encodeSlasherChunk(chunk)
		if err != nil {
			return 0, err
		}
		if err := bkt.Put(k, encoded); err != nil {
			return 0, err
		}
	}
	return pruned, nil
}

func advancePruningCursor(
	wt *WriteTx, validators map[[validatorIndexSize]byte]bool, oldestRetainedEpoch types.Epoch,
) error {
	bkt := wt.tx.Bucket(pruningCursorBucket)
	encEpoch := encodeTargetEpoch(oldestRetainedEpoch)
	for valIdx := range validators {
		if err := bkt.Put(valIdx[:], encEpoch); err != nil {
			return err
		}
	}
	return nil
}

// OldestRetainedEpochForValidator reads the pruning cursor for a
// validator, returning false if the validator has never been pruned.
func (s *Store) OldestRetainedEpochForValidator(
	ctx context.Context, validatorIdx types.ValidatorIndex,
) (types.Epoch, bool, error) {
	rt, err := s.BeginRead(ctx)
	if err != nil {
		return 0, false, err
	}
	defer func() {
		if err := rt.Close(); err != nil {
			log.WithError(err).Error("Could not close read transaction")
		}
	}()
	bkt := rt.tx.Bucket(pruningCursorBucket)
	encEpoch := bkt.Get(encodeValidatorIndex(validatorIdx))
	if encEpoch == nil {
		return 0, false, nil
	}
	if len(encEpoch) != 8 {
		return 0, false, errors.Wrapf(ErrCorrupted, "malformed pruning cursor entry of length %d", len(encEpoch))
	}
	return types.Epoch(binary.LittleEndian.Uint64(encEpoch)), true, nil
}

func neutralElementForKind(kind slashertypes.ChunkKind) uint16 {
	if kind == slashertypes.MinSpan {
		return math.MaxUint16
	}
	return 0
}
