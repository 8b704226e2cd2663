package slasher

import (
	"context"

	"github.com/pkg/errors"
	types "github.com/prysmaticlabs/eth2-types"

	"github.com/tibi77/lighthouse/cache"
	"github.com/tibi77/lighthouse/db/slasherkv"
	slashertypes "github.com/tibi77/lighthouse/slasher/types"
)

// ErrBatchFailed is returned when a batch could not be committed. No
// record of the batch was applied; the caller may retry the entire
// batch once store health is restored. Partial protection state is
// strictly worse than none, so there is no finer-grained recovery.
var ErrBatchFailed = errors.New("attestation batch aborted without committing")

// ProcessBatch checks an ordered sequence of attestation records for
// slashable offenses and persists their history, returning one outcome
// per input record with input order preserved. The whole batch runs in
// exactly one write transaction: a record can form a double vote or a
// surround vote with an earlier record of the same batch, since the
// earlier record's index updates are already visible inside the
// transaction. When a batch contains two identical votes for a
// never-before-seen target epoch, input-sequence order decides which
// one is the canonical "first" entry.
//
// Records failing validation yield a per-record rejection outcome and
// are never persisted. Records found slashable are reported and still
// retained: they are valid data for checks against later votes.
func (s *Service) ProcessBatch(
	ctx context.Context, currentEpoch types.Epoch, records []*slashertypes.AttestationRecord,
) ([]*slashertypes.Outcome, error) {
	tx, err := s.cfg.Database.BeginWrite(ctx)
	if err != nil {
		batchesFailedTotal.Inc()
		return nil, errors.Wrapf(ErrBatchFailed, "could not begin transaction: %v", err)
	}
	committed := false
	defer func() {
		if committed {
			return
		}
		if err := tx.Rollback(); err != nil {
			log.WithError(err).Error("Could not roll back batch transaction")
		}
	}()

	det := newBatchDetector(s.params, tx, s.chunkCache, currentEpoch)
	outcomes := make([]*slashertypes.Outcome, len(records))
	for i, record := range records {
		if validationErr := validateRecordIntegrity(record, currentEpoch, s.params.historyLength); validationErr != nil {
			droppedAttestationsTotal.Inc()
			outcomes[i] = &slashertypes.Outcome{
				Kind:   slashertypes.NotSlashable,
				Record: record,
				Err:    validationErr,
			}
			continue
		}
		outcome, err := det.checkRecord(record)
		if err != nil {
			batchesFailedTotal.Inc()
			return nil, errors.Wrapf(ErrBatchFailed, "could not check record %s: %v", record, err)
		}
		outcomes[i] = outcome
	}
	if err := det.flushChunks(); err != nil {
		batchesFailedTotal.Inc()
		return nil, errors.Wrapf(ErrBatchFailed, "could not save updated chunks: %v", err)
	}
	if err := tx.Commit(); err != nil {
		batchesFailedTotal.Inc()
		return nil, errors.Wrapf(ErrBatchFailed, "could not commit: %v", err)
	}
	committed = true
	// The cache only ever holds committed data: the batch worked on its
	// own chunk copies, which become publishable once the commit lands.
	det.publishChunksToCache()

	for _, outcome := range outcomes {
		if outcome.Rejected() {
			continue
		}
		processedAttestationsTotal.Inc()
		if outcome.Slashable() {
			slashingsDetectedTotal.WithLabelValues(outcome.Kind.String()).Inc()
		}
	}
	return outcomes, nil
}

// batchDetector carries the transactional state of one batch: the write
// transaction, the chunks touched so far (working copies, looked up
// through the hot-chunk cache with a fall-through to the store), and
// which of them were mutated and need writing back.
type batchDetector struct {
	params       *Parameters
	tx           *slasherkv.WriteTx
	chunkCache   ChunkCacher
	currentEpoch types.Epoch
	chunks       map[cache.ChunkKey]Chunker
	dirty        map[cache.ChunkKey]bool
}

func newBatchDetector(
	params *Parameters, tx *slasherkv.WriteTx, chunkCache ChunkCacher, currentEpoch types.Epoch,
) *batchDetector {
	return &batchDetector{
		params:       params,
		tx:           tx,
		chunkCache:   chunkCache,
		currentEpoch: currentEpoch,
		chunks:       make(map[cache.ChunkKey]Chunker),
		dirty:        make(map[cache.ChunkKey]bool),
	}
}

// checkRecord runs a single record through the double vote index and
// the surround detector, then applies the record's spans.
func (d *batchDetector) checkRecord(record *slashertypes.AttestationRecord) (*slashertypes.Outcome, error) {
	existing, err := d.tx.CheckAndSaveAttestation(record)
	if err != nil {
		return nil, errors.Wrap(err, "could not check double vote index")
	}
	if existing != nil && existing.SigningRoot == record.SigningRoot {
		// Same vote seen before: idempotent, spans already reflect it.
		return &slashertypes.Outcome{Kind: slashertypes.NotSlashable, Record: record}, nil
	}
	var outcome *slashertypes.Outcome
	if existing != nil {
		// Conflicting fingerprint at the same target epoch. The stored
		// entry is preserved as the canonical first vote and both
		// fingerprints travel in the outcome as evidence.
		outcome = &slashertypes.Outcome{
			Kind:       slashertypes.DoubleVote,
			Record:     record,
			PrevRecord: existing,
		}
	} else {
		outcome, err = d.checkSurrounds(record)
		if err != nil {
			return nil, err
		}
	}
	if err := d.updateSpans(slashertypes.MinSpan, record); err != nil {
		return nil, errors.Wrap(err, "could not update min spans")
	}
	if err := d.updateSpans(slashertypes.MaxSpan, record); err != nil {
		return nil, errors.Wrap(err, "could not update max spans")
	}
	return outcome, nil
}

// checkSurrounds consults the min span chunk at the record's source for
// votes the record would surround, then the max span chunk for votes
// surrounding the record.
func (d *batchDetector) checkSurrounds(record *slashertypes.AttestationRecord) (*slashertypes.Outcome, error) {
	validatorChunkIndex := d.params.validatorChunkIndex(record.ValidatorIndex)
	sourceChunkIndex := d.params.chunkIndex(record.Source)

	minChunk, err := d.chunkAt(slashertypes.MinSpan, validatorChunkIndex, sourceChunkIndex)
	if err != nil {
		return nil, err
	}
	outcome, err := minChunk.CheckSlashable(d.tx, record.ValidatorIndex, record)
	if err != nil {
		return nil, err
	}
	if outcome.Slashable() {
		return outcome, nil
	}
	maxChunk, err := d.chunkAt(slashertypes.MaxSpan, validatorChunkIndex, sourceChunkIndex)
	if err != nil {
		return nil, err
	}
	return maxChunk.CheckSlashable(d.tx, record.ValidatorIndex, record)
}

// updateSpans applies a record to the chunks its span walk touches,
// crossing chunk boundaries while updates keep landing.
func (d *batchDetector) updateSpans(kind slashertypes.ChunkKind, record *slashertypes.AttestationRecord) error {
	validatorChunkIndex := d.params.validatorChunkIndex(record.ValidatorIndex)
	sourceChunk, err := d.chunkAt(kind, validatorChunkIndex, d.params.chunkIndex(record.Source))
	if err != nil {
		return err
	}
	startEpoch, ok := sourceChunk.StartEpoch(record.Source)
	if !ok {
		return nil
	}
	for {
		chunkIndex := d.params.chunkIndex(startEpoch)
		chunk, err := d.chunkAt(kind, validatorChunkIndex, chunkIndex)
		if err != nil {
			return err
		}
		keepGoing, err := chunk.Update(
			chunkIndex, d.currentEpoch, record.ValidatorIndex, startEpoch, record.Target,
		)
		if err != nil {
			return err
		}
		d.dirty[cache.ChunkKey{
			Kind:                kind,
			ValidatorChunkIndex: validatorChunkIndex,
			ChunkIndex:          chunkIndex,
		}] = true
		if !keepGoing {
			return nil
		}
		startEpoch = chunk.NextChunkStartEpoch(startEpoch)
	}
}

// chunkAt returns the batch's working copy of a chunk, creating it from
// the cache or the store on first touch. Cache hits are copied before
// use so the cache keeps holding only committed data.
func (d *batchDetector) chunkAt(
	kind slashertypes.ChunkKind, validatorChunkIndex, chunkIndex uint64,
) (Chunker, error) {
	key := cache.ChunkKey{Kind: kind, ValidatorChunkIndex: validatorChunkIndex, ChunkIndex: chunkIndex}
	if chunk, ok := d.chunks[key]; ok {
		return chunk, nil
	}
	data, ok := d.chunkCache.Get(key)
	if ok {
		copied := make([]uint16, len(data))
		copy(copied, data)
		chunk, err := chunkSliceFrom(kind, d.params, copied)
		if err != nil {
			return nil, err
		}
		d.chunks[key] = chunk
		return chunk, nil
	}
	data, exists, err := d.tx.LoadChunk(kind, validatorChunkIndex, chunkIndex)
	if err != nil {
		return nil, err
	}
	var chunk Chunker
	if !exists {
		chunk = emptyChunkSlice(kind, d.params)
	} else {
		chunk, err = chunkSliceFrom(kind, d.params, data)
		if err != nil {
			return nil, err
		}
	}
	d.chunks[key] = chunk
	return chunk, nil
}

// flushChunks writes every mutated chunk back to the store, still
// inside the batch's transaction.
func (d *batchDetector) flushChunks() error {
	for key := range d.dirty {
		chunk := d.chunks[key]
		if err := d.tx.SaveChunk(key.Kind, key.ValidatorChunkIndex, key.ChunkIndex, chunk.Chunk()); err != nil {
			return err
		}
	}
	return nil
}

// publishChunksToCache replaces the cache entries of mutated chunks.
// Only called after a successful commit.
func (d *batchDetector) publishChunksToCache() {
	for key := range d.dirty {
		d.chunkCache.Put(key, d.chunks[key].Chunk())
	}
}

func emptyChunkSlice(kind slashertypes.ChunkKind, params *Parameters) Chunker {
	if kind == slashertypes.MinSpan {
		return EmptyMinSpanChunksSlice(params)
	}
	return EmptyMaxSpanChunksSlice(params)
}

func chunkSliceFrom(kind slashertypes.ChunkKind, params *Parameters, data []uint16) (Chunker, error) {
	if kind == slashertypes.MinSpan {
		return MinChunkSpansSliceFrom(params, data)
	}
	return MaxChunkSpansSliceFrom(params, data)
}
