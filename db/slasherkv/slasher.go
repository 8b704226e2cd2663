package slasherkv

import (
	"bytes"
	"context"
	"encoding/binary"
	"sort"
	"sync"

	ssz "github.com/ferranbt/fastssz"
	"github.com/golang/snappy"
	"github.com/pkg/errors"
	types "github.com/prysmaticlabs/eth2-types"
	bolt "go.etcd.io/bbolt"
	"go.opencensus.io/trace"
	"golang.org/x/sync/errgroup"

	slashertypes "github.com/tibi77/lighthouse/slasher/types"
)

const (
	// Signing root (32 bytes).
	signingRootSize = 32 // Bytes.
	// Validator indices are encoded using 5 bytes instead of 8.
	validatorIndexSize = 5 // Bytes.
	// Target epoch (8 bytes) ++ validator index (5 bytes).
	attestationRootKeySize = 13 // Bytes.
)

// CheckAndSaveAttestation checks the double vote index for an existing
// entry at (validator, target). If none exists, the record is inserted
// and nil is returned. If an entry exists, it is returned untouched and
// nothing is written: the first valid vote wins, and the caller decides
// whether the incoming record is idempotent or a double vote by
// comparing signing roots.
func (t *WriteTx) CheckAndSaveAttestation(
	record *slashertypes.AttestationRecord,
) (*slashertypes.AttestationRecord, error) {
	existing, err := attestationRecordForValidator(t.tx, record.ValidatorIndex, record.Target)
	if err != nil {
		return nil, err
	}
	if existing != nil {
		return existing, nil
	}
	encoded, err := encodeAttestationRecord(record)
	if err != nil {
		return nil, err
	}
	// Both buckets share the (target, validator) entry key: signing
	// roots alias freely across entries (committees attest identical
	// data), so the record body must be stored per entry, never keyed
	// by the root alone.
	key := append(encodeTargetEpoch(record.Target), encodeValidatorIndex(record.ValidatorIndex)...)
	signingRootsBkt := t.tx.Bucket(attestationDataRootsBucket)
	if err := signingRootsBkt.Put(key, record.SigningRoot[:]); err != nil {
		return nil, err
	}
	attRecordsBkt := t.tx.Bucket(attestationRecordsBucket)
	if err := attRecordsBkt.Put(key, encoded); err != nil {
		return nil, err
	}
	return nil, nil
}

// AttestationRecordForValidator given a validator index and a target epoch,
// retrieves an existing attestation record stored in the database, within
// the write transaction's view.
func (t *WriteTx) AttestationRecordForValidator(
	validatorIdx types.ValidatorIndex, targetEpoch types.Epoch,
) (*slashertypes.AttestationRecord, error) {
	return attestationRecordForValidator(t.tx, validatorIdx, targetEpoch)
}

// AttestationRecordForValidator is the snapshot read variant.
func (t *ReadTx) AttestationRecordForValidator(
	validatorIdx types.ValidatorIndex, targetEpoch types.Epoch,
) (*slashertypes.AttestationRecord, error) {
	return attestationRecordForValidator(t.tx, validatorIdx, targetEpoch)
}

// LoadChunk retrieves a single min or max span chunk for a validator
// chunk index and chunk index, returning whether it exists on disk.
func (t *WriteTx) LoadChunk(
	kind slashertypes.ChunkKind, validatorChunkIndex, chunkIndex uint64,
) ([]uint16, bool, error) {
	return loadChunk(t.tx, kind, validatorChunkIndex, chunkIndex)
}

// LoadChunk is the snapshot read variant.
func (t *ReadTx) LoadChunk(
	kind slashertypes.ChunkKind, validatorChunkIndex, chunkIndex uint64,
) ([]uint16, bool, error) {
	return loadChunk(t.tx, kind, validatorChunkIndex, chunkIndex)
}

// SaveChunk persists a min or max span chunk under its disk key,
// compressing the payload at the storage boundary.
func (t *WriteTx) SaveChunk(
	kind slashertypes.ChunkKind, validatorChunkIndex, chunkIndex uint64, chunk []uint16,
) error {
	encoded, err := encodeSlasherChunk(chunk)
	if err != nil {
		return err
	}
	bkt := t.tx.Bucket(slasherChunksBucket)
	return bkt.Put(chunkKey(kind, validatorChunkIndex, chunkIndex), encoded)
}

// CheckAttesterDoubleVotes retrieves any slashable double votes that exist
// for a series of input attestation records, without writing anything.
// Each record is checked against its own snapshot view in parallel, so
// callers preparing batches concurrently can pre-check cheaply.
func (s *Store) CheckAttesterDoubleVotes(
	ctx context.Context, records []*slashertypes.AttestationRecord,
) ([]*slashertypes.Outcome, error) {
	ctx, span := trace.StartSpan(ctx, "SlasherDB.CheckAttesterDoubleVotes")
	defer span.End()
	doubleVotes := make([]*slashertypes.Outcome, 0)
	doubleVotesMu := sync.Mutex{}
	eg, egctx := errgroup.WithContext(ctx)
	for _, record := range records {
		// Copy the iteration instance to a local variable to give each
		// go-routine its own copy to play with.
		recordToProcess := record
		eg.Go(func() error {
			if egctx.Err() != nil {
				return egctx.Err()
			}
			rt, err := s.BeginRead(egctx)
			if err != nil {
				return err
			}
			defer func() {
				if err := rt.Close(); err != nil {
					log.WithError(err).Error("Could not close read transaction")
				}
			}()
			existing, err := rt.AttestationRecordForValidator(
				recordToProcess.ValidatorIndex, recordToProcess.Target,
			)
			if err != nil {
				return err
			}
			if existing == nil || existing.SigningRoot == recordToProcess.SigningRoot {
				return nil
			}
			doubleVotesMu.Lock()
			defer doubleVotesMu.Unlock()
			doubleVotes = append(doubleVotes, &slashertypes.Outcome{
				Kind:       slashertypes.DoubleVote,
				Record:     recordToProcess,
				PrevRecord: existing,
			})
			return nil
		})
	}
	return doubleVotes, eg.Wait()
}

// HighestAttestations retrieves the highest source and target epochs
// attested by each of the given validator indices.
func (s *Store) HighestAttestations(
	ctx context.Context, indices []types.ValidatorIndex,
) ([]*slashertypes.HighestAttestation, error) {
	_, span := trace.StartSpan(ctx, "SlasherDB.HighestAttestations")
	defer span.End()
	if len(indices) == 0 {
		return nil, nil
	}
	// Sort indices for deterministic output ordering.
	sort.SliceStable(indices, func(i, j int) bool {
		return uint64(indices[i]) < uint64(indices[j])
	})
	encodedIndices := make([][]byte, len(indices))
	for i, valIdx := range indices {
		encodedIndices[i] = encodeValidatorIndex(valIdx)
	}

	rt, err := s.BeginRead(ctx)
	if err != nil {
		return nil, err
	}
	defer func() {
		if err := rt.Close(); err != nil {
			log.WithError(err).Error("Could not close read transaction")
		}
	}()
	// Epoch key prefixes are little-endian and do not sort numerically,
	// so the highest target per validator is found in one decoded pass
	// rather than by cursor order.
	attRecordsBkt := rt.tx.Bucket(attestationRecordsBucket)
	highestKeys := make(map[int][]byte, len(encodedIndices))
	highestEpochs := make(map[int]types.Epoch, len(encodedIndices))
	c := attRecordsBkt.Cursor()
	for k, _ := c.First(); k != nil; k, _ = c.Next() {
		for i := 0; i < len(encodedIndices); i++ {
			if !suffixForAttestationRecordsKey(k, encodedIndices[i]) {
				continue
			}
			epoch := types.Epoch(binary.LittleEndian.Uint64(k[:8]))
			if _, ok := highestKeys[i]; !ok || epoch > highestEpochs[i] {
				highestKeys[i] = k
				highestEpochs[i] = epoch
			}
			break
		}
	}
	history := make([]*slashertypes.HighestAttestation, 0, len(highestKeys))
	for i := 0; i < len(encodedIndices); i++ {
		key, ok := highestKeys[i]
		if !ok {
			continue
		}
		encodedRecord := attRecordsBkt.Get(key)
		if encodedRecord == nil {
			continue
		}
		record, err := decodeAttestationRecord(encodedRecord)
		if err != nil {
			return nil, err
		}
		history = append(history, &slashertypes.HighestAttestation{
			ValidatorIndex:     indices[i],
			HighestSourceEpoch: record.Source,
			HighestTargetEpoch: record.Target,
		})
	}
	return history, nil
}

func attestationRecordForValidator(
	tx *bolt.Tx, validatorIdx types.ValidatorIndex, targetEpoch types.Epoch,
) (*slashertypes.AttestationRecord, error) {
	key := append(encodeTargetEpoch(targetEpoch), encodeValidatorIndex(validatorIdx)...)
	attRecordsBkt := tx.Bucket(attestationRecordsBucket)
	encoded := attRecordsBkt.Get(key)
	if encoded == nil {
		return nil, nil
	}
	return decodeAttestationRecord(encoded)
}

func loadChunk(
	tx *bolt.Tx, kind slashertypes.ChunkKind, validatorChunkIndex, chunkIndex uint64,
) ([]uint16, bool, error) {
	bkt := tx.Bucket(slasherChunksBucket)
	chunkBytes := bkt.Get(chunkKey(kind, validatorChunkIndex, chunkIndex))
	if chunkBytes == nil {
		return []uint16{}, false, nil
	}
	chunk, err := decodeSlasherChunk(chunkBytes)
	if err != nil {
		return nil, false, err
	}
	return chunk, true, nil
}

// Disk key for a span chunk: chunk kind ++ validator chunk index ++ chunk index.
func chunkKey(kind slashertypes.ChunkKind, validatorChunkIndex, chunkIndex uint64) []byte {
	key := ssz.MarshalUint8(make([]byte, 0), uint8(kind))
	key = ssz.MarshalUint64(key, validatorChunkIndex)
	return ssz.MarshalUint64(key, chunkIndex)
}

func encodeSlasherChunk(chunk []uint16) ([]byte, error) {
	val := make([]byte, 0, 2*len(chunk))
	for i := 0; i < len(chunk); i++ {
		val = ssz.MarshalUint16(val, chunk[i])
	}
	if len(val) == 0 {
		return nil, errors.New("cannot encode empty chunk")
	}
	return snappy.Encode(nil, val), nil
}

func decodeSlasherChunk(enc []byte) ([]uint16, error) {
	chunkBytes, err := snappy.Decode(nil, enc)
	if err != nil {
		return nil, errors.Wrap(ErrCorrupted, err.Error())
	}
	if len(chunkBytes)%2 != 0 {
		return nil, errors.Wrapf(
			ErrCorrupted,
			"cannot decode slasher chunk with length %d, must be a multiple of 2",
			len(chunkBytes),
		)
	}
	chunk := make([]uint16, 0, len(chunkBytes)/2)
	for i := 0; i < len(chunkBytes); i += 2 {
		distance := ssz.UnmarshallUint16(chunkBytes[i : i+2])
		chunk = append(chunk, distance)
	}
	return chunk, nil
}

// Encode attestation record to bytes: the signing root followed by the
// snappy-compressed validator index and source/target epochs.
func encodeAttestationRecord(record *slashertypes.AttestationRecord) ([]byte, error) {
	if record == nil {
		return []byte{}, errors.New("nil attestation record")
	}
	body := ssz.MarshalUint64(make([]byte, 0, 24), uint64(record.ValidatorIndex))
	body = ssz.MarshalUint64(body, uint64(record.Source))
	body = ssz.MarshalUint64(body, uint64(record.Target))
	compressed := snappy.Encode(nil, body)
	return append(record.SigningRoot[:], compressed...), nil
}

// Decode attestation record from bytes.
func decodeAttestationRecord(encoded []byte) (*slashertypes.AttestationRecord, error) {
	if len(encoded) < signingRootSize {
		return nil, errors.Wrapf(
			ErrCorrupted,
			"wrong length for encoded attestation record, want at least %d, got %d",
			signingRootSize, len(encoded),
		)
	}
	record := &slashertypes.AttestationRecord{}
	copy(record.SigningRoot[:], encoded[:signingRootSize])
	body, err := snappy.Decode(nil, encoded[signingRootSize:])
	if err != nil {
		return nil, errors.Wrap(ErrCorrupted, err.Error())
	}
	if len(body) != 24 {
		return nil, errors.Wrapf(
			ErrCorrupted, "wrong length for attestation record body, want 24, got %d", len(body),
		)
	}
	record.ValidatorIndex = types.ValidatorIndex(ssz.UnmarshallUint64(body[0:8]))
	record.Source = types.Epoch(ssz.UnmarshallUint64(body[8:16]))
	record.Target = types.Epoch(ssz.UnmarshallUint64(body[16:24]))
	return record, nil
}

func suffixForAttestationRecordsKey(key, encodedValidatorIndex []byte) bool {
	if len(key) < attestationRootKeySize {
		return false
	}
	return bytes.Equal(key[8:], encodedValidatorIndex)
}

// Encodes an epoch into little-endian bytes.
func encodeTargetEpoch(epoch types.Epoch) []byte {
	buf := make([]byte, 8)
	binary.LittleEndian.PutUint64(buf, uint64(epoch))
	return buf
}

// Encodes a validator index using 5 bytes instead of 8 as a
// client optimization to save space in the database. Because the max
// validator registry size is 2**40, this is a safe optimization.
func encodeValidatorIndex(index types.ValidatorIndex) []byte {
	buf := make([]byte, validatorIndexSize)
	v := uint64(index)
	buf[0] = byte(v)
	buf[1] = byte(v >> 8)
	buf[2] = byte(v >> 16)
	buf[3] = byte(v >> 24)
	buf[4] = byte(v >> 32)
	return buf
}
