package slasher

import (
	"math"

	"github.com/pkg/errors"
	types "github.com/prysmaticlabs/eth2-types"
)

// Parameters for the chunked min/max span structure used by slashing
// detection. A chunk is a flat slice of validatorChunkSize rows of
// chunkSize epoch columns, so a single chunk holds span data for a
// contiguous group of validators over a contiguous range of epochs:
//
//	                 epochs
//	         0       1       2
//	      {     } {     } {     }
//	val0 [   2       2       2
//	val1     2       2       2
//	val2     2       2       2   ]
//
// chunkSize trades write amplification against read amplification:
// small chunks mean cheaper updates, large chunks mean fewer store
// round-trips over a long history. historyLength bounds both the
// retention window and the largest representable span distance.
type Parameters struct {
	chunkSize          uint64
	validatorChunkSize uint64
	historyLength      types.Epoch
}

// DefaultParams defines a default config for slashing detection values.
func DefaultParams() *Parameters {
	return &Parameters{
		chunkSize:          16,
		validatorChunkSize: 256,
		historyLength:      4096,
	}
}

// NewParams creates parameters from the given configuration values.
func NewParams(chunkSize, validatorChunkSize uint64, historyLength types.Epoch) *Parameters {
	return &Parameters{
		chunkSize:          chunkSize,
		validatorChunkSize: validatorChunkSize,
		historyLength:      historyLength,
	}
}

// Validate enforces the invariants the chunk arithmetic relies on.
// Spans are persisted as uint16 distances, so the history length must
// fit; the history must also align to whole chunks so pruning retires
// chunks cleanly.
func (p *Parameters) Validate() error {
	if p.chunkSize == 0 || p.validatorChunkSize == 0 || p.historyLength == 0 {
		return errors.New("chunk size, validator chunk size, and history length must all be nonzero")
	}
	if uint64(p.historyLength) > math.MaxUint16 {
		return errors.Errorf("history length %d exceeds max representable span %d", p.historyLength, math.MaxUint16)
	}
	if uint64(p.historyLength)%p.chunkSize != 0 {
		return errors.Errorf("history length %d must be a multiple of chunk size %d", p.historyLength, p.chunkSize)
	}
	return nil
}

// HistoryLength of the retention window, in epochs.
func (p *Parameters) HistoryLength() types.Epoch {
	return p.historyLength
}

// ChunkSize in epochs per span chunk.
func (p *Parameters) ChunkSize() uint64 {
	return p.chunkSize
}

// Chunk indices are not wrapped modulo the history length: stale chunks
// are retired explicitly by the pruner instead of being overwritten in
// place, so an epoch maps to exactly one chunk for the lifetime of the
// database.
func (p *Parameters) chunkIndex(epoch types.Epoch) uint64 {
	return uint64(epoch) / p.chunkSize
}

// Validators are grouped into chunk rows of validatorChunkSize.
func (p *Parameters) validatorChunkIndex(validatorIndex types.ValidatorIndex) uint64 {
	return uint64(validatorIndex) / p.validatorChunkSize
}

// First epoch covered by a chunk index.
func (p *Parameters) firstEpoch(chunkIndex uint64) types.Epoch {
	return types.Epoch(chunkIndex * p.chunkSize)
}

// Last epoch covered by a chunk index.
func (p *Parameters) lastEpoch(chunkIndex uint64) types.Epoch {
	return p.firstEpoch(chunkIndex) + types.Epoch(p.chunkSize-1)
}

// Row offset of a validator within its chunk.
func (p *Parameters) validatorOffset(validatorIndex types.ValidatorIndex) uint64 {
	return uint64(validatorIndex) % p.validatorChunkSize
}

// Column offset of an epoch within a chunk row.
func (p *Parameters) chunkOffset(epoch types.Epoch) uint64 {
	return uint64(epoch) % p.chunkSize
}

// Flat cell index of (validator row, epoch column) within a chunk.
//
//	    val0     val1     val2
//	     |        |        |
//	  {     }  {     }  {     }
//	 [2, 2, 2, 2, 2, 2, 2, 2, 2]
func (p *Parameters) cellIndex(validatorOffset, chunkOffset uint64) uint64 {
	return validatorOffset*p.chunkSize + chunkOffset
}

// All validator indices covered by a validator chunk index.
func (p *Parameters) validatorIndicesInChunk(validatorChunkIndex uint64) []types.ValidatorIndex {
	validatorIndices := make([]types.ValidatorIndex, 0, p.validatorChunkSize)
	low := validatorChunkIndex * p.validatorChunkSize
	for i := uint64(0); i < p.validatorChunkSize; i++ {
		validatorIndices = append(validatorIndices, types.ValidatorIndex(low+i))
	}
	return validatorIndices
}
