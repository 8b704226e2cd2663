package slasher

import (
	"math"

	"github.com/pkg/errors"
	types "github.com/prysmaticlabs/eth2-types"

	slashertypes "github.com/tibi77/lighthouse/slasher/types"
)

// Span chunks are flat uint16 slices storing, per (validator, epoch)
// cell, the distance from that epoch to an attestation target epoch
// relevant for surround detection:
//
//   - a min span at epoch e is the smallest a.target - e over recorded
//     attestations a with a.source > e. A new vote (s, t) with
//     t > s + minspan[s] surrounds a recorded vote.
//   - a max span at epoch e is the largest a.target - e over recorded
//     attestations a with a.source < e. A new vote (s, t) with
//     t < s + maxspan[s] is surrounded by a recorded vote.
//
// The neutral elements make unset cells unable to satisfy either strict
// inequality, so a validator with no history is always Ok.
const (
	minSpanNeutralElement = math.MaxUint16
	maxSpanNeutralElement = 0
)

// recordFetcher retrieves the stored vote at a (validator, target
// epoch) key, used to build the evidence half of a slashing proof.
// Both the store's write and read transactions satisfy it.
type recordFetcher interface {
	AttestationRecordForValidator(
		validatorIdx types.ValidatorIndex, targetEpoch types.Epoch,
	) (*slashertypes.AttestationRecord, error)
}

// Chunker defines a struct which represents a slice containing a chunk
// for K validators during C epochs, and the surround-detection
// operations over it. Updates walk epochs lazily: the first cell that
// is already at least as tight stops the walk, which is what bounds a
// vote's write cost to O(chunk) amortized instead of O(history).
type Chunker interface {
	Kind() slashertypes.ChunkKind
	NeutralElement() uint16
	Chunk() []uint16
	CheckSlashable(
		fetcher recordFetcher, validatorIdx types.ValidatorIndex, record *slashertypes.AttestationRecord,
	) (*slashertypes.Outcome, error)
	Update(
		chunkIndex uint64,
		currentEpoch types.Epoch,
		validatorIdx types.ValidatorIndex,
		startEpoch, newTargetEpoch types.Epoch,
	) (keepGoing bool, err error)
	StartEpoch(sourceEpoch types.Epoch) (types.Epoch, bool)
	NextChunkStartEpoch(startEpoch types.Epoch) types.Epoch
}

// MinSpanChunksSlice represents a min span chunk for a group of
// validators over a range of epochs.
type MinSpanChunksSlice struct {
	params *Parameters
	data   []uint16
}

// MaxSpanChunksSlice represents a max span chunk for a group of
// validators over a range of epochs.
type MaxSpanChunksSlice struct {
	params *Parameters
	data   []uint16
}

// EmptyMinSpanChunksSlice initializes a min span chunk of neutral
// elements for the given parameters.
func EmptyMinSpanChunksSlice(params *Parameters) *MinSpanChunksSlice {
	data := make([]uint16, params.chunkSize*params.validatorChunkSize)
	for i := range data {
		data[i] = minSpanNeutralElement
	}
	return &MinSpanChunksSlice{params: params, data: data}
}

// EmptyMaxSpanChunksSlice initializes a max span chunk of neutral
// elements for the given parameters.
func EmptyMaxSpanChunksSlice(params *Parameters) *MaxSpanChunksSlice {
	return &MaxSpanChunksSlice{
		params: params,
		data:   make([]uint16, params.chunkSize*params.validatorChunkSize),
	}
}

// MinChunkSpansSliceFrom initializes a min span chunks slice from a
// slice of uint16 values loaded from the store. Returns a corruption
// error if the slice is not of the expected length.
func MinChunkSpansSliceFrom(params *Parameters, chunk []uint16) (*MinSpanChunksSlice, error) {
	requiredElements := params.chunkSize * params.validatorChunkSize
	if uint64(len(chunk)) != requiredElements {
		return nil, errors.Errorf(
			"min span chunk has wrong length, %d, expected %d", len(chunk), requiredElements,
		)
	}
	return &MinSpanChunksSlice{params: params, data: chunk}, nil
}

// MaxChunkSpansSliceFrom initializes a max span chunks slice from a
// slice of uint16 values loaded from the store.
func MaxChunkSpansSliceFrom(params *Parameters, chunk []uint16) (*MaxSpanChunksSlice, error) {
	requiredElements := params.chunkSize * params.validatorChunkSize
	if uint64(len(chunk)) != requiredElements {
		return nil, errors.Errorf(
			"max span chunk has wrong length, %d, expected %d", len(chunk), requiredElements,
		)
	}
	return &MaxSpanChunksSlice{params: params, data: chunk}, nil
}

// Kind of the chunk.
func (m *MinSpanChunksSlice) Kind() slashertypes.ChunkKind { return slashertypes.MinSpan }

// Kind of the chunk.
func (m *MaxSpanChunksSlice) Kind() slashertypes.ChunkKind { return slashertypes.MaxSpan }

// NeutralElement for min spans is the max possible distance: any real
// distance written is an improvement.
func (_ *MinSpanChunksSlice) NeutralElement() uint16 { return minSpanNeutralElement }

// NeutralElement for max spans is 0.
func (_ *MaxSpanChunksSlice) NeutralElement() uint16 { return maxSpanNeutralElement }

// Chunk returns the underlying slice.
func (m *MinSpanChunksSlice) Chunk() []uint16 { return m.data }

// Chunk returns the underlying slice.
func (m *MaxSpanChunksSlice) Chunk() []uint16 { return m.data }

// CheckSlashable determines if a record is slashable with respect to
// the min span chunk: the chunk must contain the record's source epoch.
// If the min span at the source implies a recorded vote whose interval
// lies strictly inside the record's interval, the record surrounds that
// vote. The recorded vote is fetched as evidence and double-checked
// against the strict surround inequalities before reporting.
func (m *MinSpanChunksSlice) CheckSlashable(
	fetcher recordFetcher, validatorIdx types.ValidatorIndex, record *slashertypes.AttestationRecord,
) (*slashertypes.Outcome, error) {
	sourceEpoch := record.Source
	targetEpoch := record.Target
	minTarget, err := chunkDataAtEpoch(m.params, m.data, validatorIdx, sourceEpoch)
	if err != nil {
		return nil, errors.Wrapf(
			err, "could not get min target for validator %d at epoch %d", validatorIdx, sourceEpoch,
		)
	}
	if targetEpoch <= minTarget {
		return &slashertypes.Outcome{Kind: slashertypes.NotSlashable, Record: record}, nil
	}
	existing, err := fetcher.AttestationRecordForValidator(validatorIdx, minTarget)
	if err != nil {
		return nil, errors.Wrapf(
			err, "could not get existing attestation record at target %d", minTarget,
		)
	}
	// The span may reference a vote whose record has since been pruned;
	// without evidence there is no proof to build.
	if existing == nil {
		return &slashertypes.Outcome{Kind: slashertypes.NotSlashable, Record: record}, nil
	}
	if record.Source >= existing.Source || record.Target <= existing.Target {
		return &slashertypes.Outcome{Kind: slashertypes.NotSlashable, Record: record}, nil
	}
	return &slashertypes.Outcome{
		Kind:       slashertypes.SurroundingVote,
		Record:     record,
		PrevRecord: existing,
	}, nil
}

// CheckSlashable determines if a record is slashable with respect to
// the max span chunk: if the max span at the record's source implies a
// recorded vote whose interval strictly contains the record's interval,
// the record is surrounded by that vote.
func (m *MaxSpanChunksSlice) CheckSlashable(
	fetcher recordFetcher, validatorIdx types.ValidatorIndex, record *slashertypes.AttestationRecord,
) (*slashertypes.Outcome, error) {
	sourceEpoch := record.Source
	targetEpoch := record.Target
	maxTarget, err := chunkDataAtEpoch(m.params, m.data, validatorIdx, sourceEpoch)
	if err != nil {
		return nil, errors.Wrapf(
			err, "could not get max target for validator %d at epoch %d", validatorIdx, sourceEpoch,
		)
	}
	if targetEpoch >= maxTarget {
		return &slashertypes.Outcome{Kind: slashertypes.NotSlashable, Record: record}, nil
	}
	existing, err := fetcher.AttestationRecordForValidator(validatorIdx, maxTarget)
	if err != nil {
		return nil, errors.Wrapf(
			err, "could not get existing attestation record at target %d", maxTarget,
		)
	}
	if existing == nil {
		return &slashertypes.Outcome{Kind: slashertypes.NotSlashable, Record: record}, nil
	}
	if existing.Source >= record.Source || existing.Target <= record.Target {
		return &slashertypes.Outcome{Kind: slashertypes.NotSlashable, Record: record}, nil
	}
	return &slashertypes.Outcome{
		Kind:       slashertypes.SurroundedVote,
		Record:     record,
		PrevRecord: existing,
	}, nil
}

// Update a min span chunk for a validator index: walking down from
// startEpoch, cells are tightened to the new target while the write
// keeps improving them. keepGoing is true when the walk crossed the
// lower edge of this chunk with improvements still landing, telling the
// caller to continue into the preceding chunk.
//
//	     chunk         new attestation: source 5, target 7
//	 [2, 2, 2, 2]       (updating epochs 4 and below)
//	      |
//	epoch 4 gets distance 7-4=3 only if 3 < current value
func (m *MinSpanChunksSlice) Update(
	chunkIndex uint64,
	currentEpoch types.Epoch,
	validatorIdx types.ValidatorIndex,
	startEpoch, newTargetEpoch types.Epoch,
) (bool, error) {
	// Cells below the retention window are dead weight: the pruner will
	// retire them, so the walk floors out there.
	var minEpoch types.Epoch
	if currentEpoch >= m.params.historyLength {
		minEpoch = currentEpoch - (m.params.historyLength - 1)
	}
	epochInChunk := startEpoch
	for epochInChunk >= m.params.firstEpoch(chunkIndex) && epochInChunk >= minEpoch {
		chunkTarget, err := chunkDataAtEpoch(m.params, m.data, validatorIdx, epochInChunk)
		if err != nil {
			return false, err
		}
		if newTargetEpoch >= chunkTarget {
			// This cell, and therefore every earlier one, is already at
			// least as tight.
			return false, nil
		}
		if err := setChunkDataAtEpoch(m.params, m.data, validatorIdx, epochInChunk, newTargetEpoch); err != nil {
			return false, err
		}
		if epochInChunk == 0 {
			return false, nil
		}
		epochInChunk--
	}
	return epochInChunk >= minEpoch, nil
}

// Update a max span chunk for a validator index: walking up from
// startEpoch, cells are raised to the new target while the write keeps
// improving them. The walk ends naturally at the new target epoch,
// where the distance reaches zero.
func (m *MaxSpanChunksSlice) Update(
	chunkIndex uint64,
	_ types.Epoch,
	validatorIdx types.ValidatorIndex,
	startEpoch, newTargetEpoch types.Epoch,
) (bool, error) {
	lastEpoch := m.params.lastEpoch(chunkIndex)
	epochInChunk := startEpoch
	for epochInChunk <= lastEpoch && epochInChunk < newTargetEpoch {
		chunkTarget, err := chunkDataAtEpoch(m.params, m.data, validatorIdx, epochInChunk)
		if err != nil {
			return false, err
		}
		if newTargetEpoch <= chunkTarget {
			return false, nil
		}
		if err := setChunkDataAtEpoch(m.params, m.data, validatorIdx, epochInChunk, newTargetEpoch); err != nil {
			return false, err
		}
		epochInChunk++
	}
	return epochInChunk < newTargetEpoch, nil
}

// StartEpoch of a min span update for a vote with the given source: the
// epoch just below the source. A source of 0 has nothing below it.
func (m *MinSpanChunksSlice) StartEpoch(sourceEpoch types.Epoch) (types.Epoch, bool) {
	if sourceEpoch == 0 {
		return 0, false
	}
	return sourceEpoch - 1, true
}

// StartEpoch of a max span update: the epoch just above the source.
func (m *MaxSpanChunksSlice) StartEpoch(sourceEpoch types.Epoch) (types.Epoch, bool) {
	return sourceEpoch + 1, true
}

// NextChunkStartEpoch for min spans walks backwards: the last epoch of
// the preceding chunk. Callers only reach this when Update reported the
// walk crossed the chunk edge, which cannot happen in chunk 0.
func (m *MinSpanChunksSlice) NextChunkStartEpoch(startEpoch types.Epoch) types.Epoch {
	return m.params.firstEpoch(m.params.chunkIndex(startEpoch)) - 1
}

// NextChunkStartEpoch for max spans walks forwards: the first epoch of
// the following chunk.
func (m *MaxSpanChunksSlice) NextChunkStartEpoch(startEpoch types.Epoch) types.Epoch {
	return m.params.lastEpoch(m.params.chunkIndex(startEpoch)) + 1
}

// chunkDataAtEpoch reads the span distance for (validator, epoch) from
// a chunk and returns it as an absolute target epoch.
func chunkDataAtEpoch(
	params *Parameters, chunk []uint16, validatorIdx types.ValidatorIndex, epochInChunk types.Epoch,
) (types.Epoch, error) {
	requiredElements := params.chunkSize * params.validatorChunkSize
	if uint64(len(chunk)) != requiredElements {
		return 0, errors.Errorf("chunk has wrong length, %d, expected %d", len(chunk), requiredElements)
	}
	cellIdx := params.cellIndex(params.validatorOffset(validatorIdx), params.chunkOffset(epochInChunk))
	distance := chunk[cellIdx]
	return epochInChunk + types.Epoch(distance), nil
}

// setChunkDataAtEpoch writes the distance from an epoch to a target
// epoch into the (validator, epoch) cell of a chunk.
func setChunkDataAtEpoch(
	params *Parameters,
	chunk []uint16,
	validatorIdx types.ValidatorIndex,
	epochInChunk types.Epoch,
	targetEpoch types.Epoch,
) error {
	distance, err := epochDistance(targetEpoch, epochInChunk)
	if err != nil {
		return err
	}
	cellIdx := params.cellIndex(params.validatorOffset(validatorIdx), params.chunkOffset(epochInChunk))
	if cellIdx >= uint64(len(chunk)) {
		return errors.Errorf("cell index %d out of bounds (len(chunk) = %d)", cellIdx, len(chunk))
	}
	chunk[cellIdx] = distance
	return nil
}

// epochDistance between two epochs, bounded to the representable span.
func epochDistance(epoch, baseEpoch types.Epoch) (uint16, error) {
	if baseEpoch > epoch {
		return 0, errors.Errorf("base epoch %d cannot be greater than epoch %d", baseEpoch, epoch)
	}
	distance := uint64(epoch - baseEpoch)
	if distance > math.MaxUint16 {
		return 0, errors.Errorf("epoch distance %d exceeds max representable span %d", distance, math.MaxUint16)
	}
	return uint16(distance), nil
}
