package slasher

import (
	"sync"

	slashertypes "github.com/tibi77/lighthouse/slasher/types"
)

// Thread-safe queue of attestation records awaiting batch processing.
type attestationsQueue struct {
	lock  sync.Mutex
	items []*slashertypes.AttestationRecord
}

func newAttestationsQueue() *attestationsQueue {
	return &attestationsQueue{
		items: make([]*slashertypes.AttestationRecord, 0),
	}
}

func (q *attestationsQueue) push(record *slashertypes.AttestationRecord) {
	q.lock.Lock()
	defer q.lock.Unlock()
	q.items = append(q.items, record)
}

func (q *attestationsQueue) dequeue() []*slashertypes.AttestationRecord {
	q.lock.Lock()
	defer q.lock.Unlock()
	items := q.items
	q.items = make([]*slashertypes.AttestationRecord, 0)
	return items
}

func (q *attestationsQueue) extend(records []*slashertypes.AttestationRecord) {
	q.lock.Lock()
	defer q.lock.Unlock()
	q.items = append(q.items, records...)
}

func (q *attestationsQueue) size() int {
	q.lock.Lock()
	defer q.lock.Unlock()
	return len(q.items)
}
