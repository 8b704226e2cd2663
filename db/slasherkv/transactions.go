package slasherkv

import (
	"context"

	"github.com/pkg/errors"
	bolt "go.etcd.io/bbolt"
)

// ErrCorrupted is wrapped by decoding failures of persisted payloads.
// Protection data is never repaired automatically, as silently "fixing"
// it could mask a real offense; the operation is fatal to the caller.
var ErrCorrupted = errors.New("slasher database corrupted")

// WriteTx wraps a writable bolt transaction. At most one write
// transaction may be open at a time: BeginWrite holds the store's write
// guard until Commit or Rollback. Writes are atomic and invisible to
// snapshot readers until committed.
type WriteTx struct {
	tx   *bolt.Tx
	s    *Store
	done bool
}

// ReadTx wraps a read-only bolt transaction with snapshot semantics.
// Readers never block on, nor are blocked by, the writer.
type ReadTx struct {
	tx *bolt.Tx
}

// BeginWrite starts a write transaction, blocking until any in-flight
// write transaction has finished.
func (s *Store) BeginWrite(ctx context.Context) (*WriteTx, error) {
	if ctx.Err() != nil {
		return nil, ctx.Err()
	}
	s.writeMu.Lock()
	tx, err := s.db.Begin(true /* writable */)
	if err != nil {
		s.writeMu.Unlock()
		return nil, errors.Wrap(err, "could not begin write transaction")
	}
	return &WriteTx{tx: tx, s: s}, nil
}

// Commit atomically applies all writes performed in the transaction and
// releases the write guard. A failed commit leaves the database in its
// pre-transaction state; the caller must treat the whole unit of work as
// not applied and may retry it once store health is restored.
func (t *WriteTx) Commit() error {
	if t.done {
		return errors.New("transaction already finished")
	}
	t.done = true
	defer t.s.writeMu.Unlock()
	if err := t.tx.Commit(); err != nil {
		return errors.Wrap(err, "could not commit write transaction")
	}
	return nil
}

// Rollback discards all writes performed in the transaction and releases
// the write guard. Safe to call after a failed Commit.
func (t *WriteTx) Rollback() error {
	if t.done {
		return nil
	}
	t.done = true
	defer t.s.writeMu.Unlock()
	return t.tx.Rollback()
}

// BeginRead starts a snapshot read transaction.
func (s *Store) BeginRead(ctx context.Context) (*ReadTx, error) {
	if ctx.Err() != nil {
		return nil, ctx.Err()
	}
	tx, err := s.db.Begin(false /* read-only */)
	if err != nil {
		return nil, errors.Wrap(err, "could not begin read transaction")
	}
	return &ReadTx{tx: tx}, nil
}

// Close releases the read transaction and its snapshot.
func (t *ReadTx) Close() error {
	return t.tx.Rollback()
}
