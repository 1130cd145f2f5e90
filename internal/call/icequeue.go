package call

import (
	"sync"

	"github.com/tmirzaev/Pulse/internal/protocol"
)

// candidateQueue holds remote ICE candidates that arrive before the remote
// description is known. Candidates are applied in arrival order, exactly
// once, when Drain runs; after that Put applies directly. Clear is
// permanent: a cleared queue swallows everything, matching the rule that
// signaling for an ended session is ignored.
type candidateQueue struct {
	mu      sync.Mutex
	pending []protocol.CandidatePayload
	ready   bool
	cleared bool
	apply   func(protocol.CandidatePayload) error
}

func newCandidateQueue(apply func(protocol.CandidatePayload) error) *candidateQueue {
	return &candidateQueue{apply: apply}
}

// Put buffers or applies one candidate. Safe before, during, or after Drain.
func (q *candidateQueue) Put(c protocol.CandidatePayload) error {
	q.mu.Lock()
	if q.cleared {
		q.mu.Unlock()
		return nil
	}
	if !q.ready {
		q.pending = append(q.pending, c)
		q.mu.Unlock()
		return nil
	}
	q.mu.Unlock()
	return q.apply(c)
}

// Drain marks the remote description available and applies everything
// buffered, in arrival order. Idempotent.
func (q *candidateQueue) Drain() error {
	q.mu.Lock()
	if q.cleared || q.ready {
		q.mu.Unlock()
		return nil
	}
	q.ready = true
	pending := q.pending
	q.pending = nil
	q.mu.Unlock()

	for _, c := range pending {
		if err := q.apply(c); err != nil {
			return err
		}
	}
	return nil
}

func (q *candidateQueue) Clear() {
	q.mu.Lock()
	q.cleared = true
	q.pending = nil
	q.mu.Unlock()
}

func (q *candidateQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.pending)
}
