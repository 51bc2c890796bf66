package trafficstream

import "github.com/diwise/ingress-trafikverket-stream/internal/pkg/infrastructure/tfv"

// dedupBuffer keeps the most recently received situation per identity until
// the next flush. It is owned by the run loop and is not safe for concurrent use.
type dedupBuffer struct {
	maxPending int
	order      []string
	pending    map[string]tfv.Situation
}

func newDedupBuffer(maxPending int) *dedupBuffer {
	return &dedupBuffer{
		maxPending: maxPending,
		pending:    map[string]tfv.Situation{},
	}
}

// put stores s, replacing any earlier situation with the same identity, and
// reports whether the buffer has grown past its limit and should be flushed now.
func (b *dedupBuffer) put(s tfv.Situation) bool {
	if _, ok := b.pending[s.ID]; !ok {
		b.order = append(b.order, s.ID)
	}
	b.pending[s.ID] = s

	return len(b.pending) > b.maxPending
}

func (b *dedupBuffer) len() int {
	return len(b.pending)
}

// drain hands over every buffered situation and empties the buffer.
func (b *dedupBuffer) drain() []tfv.Situation {
	if len(b.pending) == 0 {
		return nil
	}

	batch := make([]tfv.Situation, 0, len(b.pending))
	for _, id := range b.order {
		batch = append(batch, b.pending[id])
	}

	b.order = nil
	b.pending = map[string]tfv.Situation{}

	return batch
}
