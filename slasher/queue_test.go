package slasher

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/require"

	slashertypes "github.com/tibi77/lighthouse/slasher/types"
)

func TestAttestationsQueue_PushDequeue(t *testing.T) {
	q := newAttestationsQueue()
	require.Equal(t, 0, q.size())

	first := &slashertypes.AttestationRecord{ValidatorIndex: 1, Source: 0, Target: 1}
	second := &slashertypes.AttestationRecord{ValidatorIndex: 2, Source: 1, Target: 2}
	q.push(first)
	q.push(second)
	require.Equal(t, 2, q.size())

	// Dequeue preserves arrival order and drains the queue.
	items := q.dequeue()
	require.Equal(t, []*slashertypes.AttestationRecord{first, second}, items)
	require.Equal(t, 0, q.size())
	require.Empty(t, q.dequeue())
}

func TestAttestationsQueue_Extend(t *testing.T) {
	q := newAttestationsQueue()
	q.push(&slashertypes.AttestationRecord{ValidatorIndex: 1, Source: 0, Target: 1})
	q.extend([]*slashertypes.AttestationRecord{
		{ValidatorIndex: 2, Source: 1, Target: 2},
		{ValidatorIndex: 3, Source: 2, Target: 3},
	})
	require.Equal(t, 3, q.size())
}

func TestAttestationsQueue_ConcurrentPush(t *testing.T) {
	q := newAttestationsQueue()
	var wg sync.WaitGroup
	for i := 0; i < 100; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			q.push(&slashertypes.AttestationRecord{Source: 0, Target: 1})
		}()
	}
	wg.Wait()
	require.Equal(t, 100, q.size())
}
