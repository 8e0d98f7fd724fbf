package queue

import (
	"container/heap"
	"context"
	"sort"
	"sync"

	"pledge-intake/internal/pledge"
)

// Memory is an in-process PledgeQueue backed by a min-heap per round. It
// serves tests and single-process deployments; multi-instance deployments
// use the Postgres-backed queue in internal/storage.
type Memory struct {
	mu      sync.Mutex
	rounds  map[string]*pledgeHeap
	lastSeq uint64
}

// NewMemory constructs an empty in-memory queue.
func NewMemory() *Memory {
	return &Memory{rounds: make(map[string]*pledgeHeap)}
}

// Enqueue inserts a pledge. A pledge carrying a non-zero Seq (a requeue)
// keeps it, so its original FCFS slot is preserved.
func (m *Memory) Enqueue(ctx context.Context, p pledge.PendingPledge) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if p.Seq == 0 {
		m.lastSeq++
		p.Seq = m.lastSeq
	} else if p.Seq > m.lastSeq {
		m.lastSeq = p.Seq
	}

	h, exists := m.rounds[p.AuctionRef]
	if !exists {
		h = &pledgeHeap{}
		m.rounds[p.AuctionRef] = h
	}
	heap.Push(h, p)
	return nil
}

// Snapshot returns a sorted copy of the round's pending pledges.
func (m *Memory) Snapshot(ctx context.Context, auctionRef string) ([]pledge.PendingPledge, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	h, exists := m.rounds[auctionRef]
	if !exists {
		return nil, nil
	}

	out := make([]pledge.PendingPledge, len(*h))
	copy(out, *h)
	sort.Slice(out, func(i, j int) bool { return out[i].Before(out[j]) })
	return out, nil
}

// Position returns the 1-based FCFS position of a pledge.
func (m *Memory) Position(ctx context.Context, auctionRef, id string) (int, bool, error) {
	snapshot, err := m.Snapshot(ctx, auctionRef)
	if err != nil {
		return 0, false, err
	}
	pos, ok := PositionIn(snapshot, id)
	return pos, ok, nil
}

// PopMin removes and returns the earliest pledge. The heap mutation runs
// under the queue mutex, so concurrent callers never see the same entry.
func (m *Memory) PopMin(ctx context.Context, auctionRef string) (pledge.PendingPledge, bool, error) {
	if err := ctx.Err(); err != nil {
		return pledge.PendingPledge{}, false, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	h, exists := m.rounds[auctionRef]
	if !exists || h.Len() == 0 {
		return pledge.PendingPledge{}, false, nil
	}

	p := heap.Pop(h).(pledge.PendingPledge)
	return p, true, nil
}

type pledgeHeap []pledge.PendingPledge

func (h pledgeHeap) Len() int            { return len(h) }
func (h pledgeHeap) Less(i, j int) bool  { return h[i].Before(h[j]) }
func (h pledgeHeap) Swap(i, j int)       { h[i], h[j] = h[j], h[i] }
func (h *pledgeHeap) Push(x interface{}) { *h = append(*h, x.(pledge.PendingPledge)) }

func (h *pledgeHeap) Pop() interface{} {
	old := *h
	n := len(old)
	p := old[n-1]
	*h = old[:n-1]
	return p
}

var _ PledgeQueue = (*Memory)(nil)
