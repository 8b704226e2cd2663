// Package slasher implements slashing protection for a proof-of-stake
// validator client: it ingests attestation records, persists a compact
// history of what each validator has voted for, and detects double
// votes and surround votes against all of that history.
package slasher

import (
	"context"
	"time"

	"github.com/pkg/errors"
	types "github.com/prysmaticlabs/eth2-types"
	"github.com/sirupsen/logrus"

	"github.com/tibi77/lighthouse/cache"
	"github.com/tibi77/lighthouse/db/slasherkv"
	slashertypes "github.com/tibi77/lighthouse/slasher/types"
)

// Number of detected outcomes buffered for the submission collaborator
// before the service starts dropping (and logging) them.
const slashingsChanBufferSize = 256

// ServiceConfig for the slasher service. This struct allows us to
// specify required dependencies and parameters for slashing detection
// to function as needed.
type ServiceConfig struct {
	Database        *slasherkv.Store
	ChunkCache      ChunkCacher   // defaults to an LRU cache of cache.DefaultChunkCacheSize chunks
	Params          *Parameters   // defaults to DefaultParams()
	GenesisTime     time.Time     // anchor for deriving the current epoch
	SecondsPerEpoch uint64        // defaults to 384 (12s slots, 32 per epoch)
	TickInterval    time.Duration // queue processing cadence, defaults to one epoch
}

// Service defining a slashing detection implementation able to detect
// slashable offenses from a queue of incoming attestation records,
// prune stale history, and answer read-only protection queries.
type Service struct {
	params        *Parameters
	cfg           *ServiceConfig
	chunkCache    ChunkCacher
	attsQueue     *attestationsQueue
	slashingsChan chan *slashertypes.Outcome
	ctx           context.Context
	cancel        context.CancelFunc
}

// New instantiates a new slasher from configuration values.
func New(ctx context.Context, cfg *ServiceConfig) (*Service, error) {
	if cfg == nil || cfg.Database == nil {
		return nil, errors.New("nil service config or database")
	}
	params := cfg.Params
	if params == nil {
		params = DefaultParams()
	}
	if err := params.Validate(); err != nil {
		return nil, errors.Wrap(err, "invalid parameters")
	}
	chunkCache := cfg.ChunkCache
	if chunkCache == nil {
		var err error
		chunkCache, err = cache.NewChunkCache(cache.DefaultChunkCacheSize)
		if err != nil {
			return nil, err
		}
	}
	if cfg.SecondsPerEpoch == 0 {
		cfg.SecondsPerEpoch = 384
	}
	if cfg.TickInterval == 0 {
		cfg.TickInterval = time.Duration(cfg.SecondsPerEpoch) * time.Second
	}
	ctx, cancel := context.WithCancel(ctx)
	return &Service{
		params:        params,
		cfg:           cfg,
		chunkCache:    chunkCache,
		attsQueue:     newAttestationsQueue(),
		slashingsChan: make(chan *slashertypes.Outcome, slashingsChanBufferSize),
		ctx:           ctx,
		cancel:        cancel,
	}, nil
}

// Start the processing and pruning loops.
func (s *Service) Start() {
	go s.processQueuedAttestations(s.ctx)
	go s.pruneSlasherData(s.ctx)
}

// Stop the slasher service.
func (s *Service) Stop() error {
	s.cancel()
	return nil
}

// Status of the slasher service. Reports an error once the service is
// stopped or the database is no longer usable.
func (s *Service) Status() error {
	if s.ctx.Err() != nil {
		return s.ctx.Err()
	}
	rt, err := s.cfg.Database.BeginRead(s.ctx)
	if err != nil {
		return errors.Wrap(err, "database unavailable")
	}
	return rt.Close()
}

// Enqueue appends incoming attestation records for processing on the
// next tick. Callers (the gossip/block-processing collaborator) may
// enqueue from any goroutine.
func (s *Service) Enqueue(records []*slashertypes.AttestationRecord) {
	s.attsQueue.extend(records)
}

// SlashingsChan delivers detected offenses to the submission
// collaborator. Outcomes are dropped (and logged) if the channel
// buffer is full.
func (s *Service) SlashingsChan() <-chan *slashertypes.Outcome {
	return s.slashingsChan
}

// CurrentEpoch derived from the genesis time.
func (s *Service) CurrentEpoch() types.Epoch {
	if s.cfg.GenesisTime.IsZero() {
		return 0
	}
	elapsed := time.Since(s.cfg.GenesisTime)
	if elapsed < 0 {
		return 0
	}
	return types.Epoch(uint64(elapsed/time.Second) / s.cfg.SecondsPerEpoch)
}

// Process queued attestation records every time the ticker fires,
// deferring future-target records back onto the queue. A failed batch
// is re-queued wholesale and retried on a later tick: partial state is
// strictly worse than none.
func (s *Service) processQueuedAttestations(ctx context.Context) {
	ticker := time.NewTicker(s.cfg.TickInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			currentEpoch := s.CurrentEpoch()
			records := s.attsQueue.dequeue()
			valid, validInFuture, numDropped := s.filterRecords(records, currentEpoch)

			deferredAttestationsTotal.Add(float64(len(validInFuture)))
			droppedAttestationsTotal.Add(float64(numDropped))
			s.attsQueue.extend(validInFuture)

			if len(valid) == 0 {
				continue
			}
			log.WithFields(logrus.Fields{
				"currentEpoch":       currentEpoch,
				"numValidRecords":    len(valid),
				"numDeferredRecords": len(validInFuture),
				"numDroppedRecords":  numDropped,
			}).Info("Processing queued attestations for slashing detection")

			outcomes, err := s.ProcessBatch(ctx, currentEpoch, valid)
			if err != nil {
				log.WithError(err).Error("Could not process batch, re-queueing for retry")
				s.attsQueue.extend(valid)
				continue
			}
			s.deliverSlashings(outcomes)
		case <-ctx.Done():
			return
		}
	}
}

func (s *Service) deliverSlashings(outcomes []*slashertypes.Outcome) {
	for _, outcome := range outcomes {
		if !outcome.Slashable() {
			continue
		}
		logSlashingEvent(outcome)
		select {
		case s.slashingsChan <- outcome:
		default:
			log.WithField("kind", outcome.Kind).Warn(
				"Slashing outcome channel full, dropping outcome",
			)
		}
	}
}

// Prunes slasher data by using a sliding window of
// [currentEpoch - historyLength, currentEpoch]. All data before that
// window is chain-consensus-impossible to slash with, so it can be
// periodically deleted.
func (s *Service) pruneSlasherData(ctx context.Context) {
	ticker := time.NewTicker(s.cfg.TickInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			currentEpoch := s.CurrentEpoch()
			attsPruned, chunksPruned, err := s.cfg.Database.PruneStaleData(
				ctx, currentEpoch, s.params.historyLength, s.params.chunkSize,
			)
			if err != nil {
				log.WithError(err).Error("Could not prune slasher data")
				continue
			}
			if attsPruned > 0 || chunksPruned > 0 {
				log.WithFields(logrus.Fields{
					"prunedAttestationRecords": attsPruned,
					"prunedChunks":             chunksPruned,
				}).Info("Successfully pruned slasher data")
			}
		case <-ctx.Done():
			return
		}
	}
}

// IsSlashableAttestation checks a single record against persisted
// history on a snapshot read transaction, without writing anything.
// Intended as the pre-signing check: it bypasses the cache and the
// batch path entirely and never blocks on the writer.
func (s *Service) IsSlashableAttestation(
	ctx context.Context, record *slashertypes.AttestationRecord,
) (*slashertypes.Outcome, error) {
	if err := validateRecordIntegrity(record, s.CurrentEpoch(), s.params.historyLength); err != nil {
		return &slashertypes.Outcome{Kind: slashertypes.NotSlashable, Record: record, Err: err}, nil
	}
	rt, err := s.cfg.Database.BeginRead(ctx)
	if err != nil {
		return nil, err
	}
	defer func() {
		if err := rt.Close(); err != nil {
			log.WithError(err).Error("Could not close read transaction")
		}
	}()

	existing, err := rt.AttestationRecordForValidator(record.ValidatorIndex, record.Target)
	if err != nil {
		return nil, err
	}
	if existing != nil && existing.SigningRoot != record.SigningRoot {
		return &slashertypes.Outcome{
			Kind:       slashertypes.DoubleVote,
			Record:     record,
			PrevRecord: existing,
		}, nil
	}

	validatorChunkIndex := s.params.validatorChunkIndex(record.ValidatorIndex)
	sourceChunkIndex := s.params.chunkIndex(record.Source)
	for _, kind := range []slashertypes.ChunkKind{slashertypes.MinSpan, slashertypes.MaxSpan} {
		data, exists, err := rt.LoadChunk(kind, validatorChunkIndex, sourceChunkIndex)
		if err != nil {
			return nil, err
		}
		if !exists {
			continue
		}
		chunk, err := chunkSliceFrom(kind, s.params, data)
		if err != nil {
			return nil, err
		}
		outcome, err := chunk.CheckSlashable(rt, record.ValidatorIndex, record)
		if err != nil {
			return nil, err
		}
		if outcome.Slashable() {
			return outcome, nil
		}
	}
	return &slashertypes.Outcome{Kind: slashertypes.NotSlashable, Record: record}, nil
}

// HighestAttestations returns the highest recorded source and target
// epochs for the given validators, for remote protection queries.
func (s *Service) HighestAttestations(
	ctx context.Context, indices []types.ValidatorIndex,
) ([]*slashertypes.HighestAttestation, error) {
	return s.cfg.Database.HighestAttestations(ctx, indices)
}
