package queue

import (
	"context"
	"errors"

	"pledge-intake/internal/pledge"
)

// ErrUnavailable indicates the queue backend could not be reached. Callers
// must fail closed rather than assume an empty queue.
var ErrUnavailable = errors.New("queue: backend unavailable")

// PledgeQueue maintains pending pledges ordered by enqueue time. The
// contract is an ordered-by-score insert, an atomic pop of the minimum,
// and a stable range scan; any backend with atomic min-pop semantics
// satisfies it.
type PledgeQueue interface {
	// Enqueue inserts a pledge keyed by its enqueue timestamp. The queue
	// does not deduplicate ids; id uniqueness is guaranteed upstream.
	Enqueue(ctx context.Context, p pledge.PendingPledge) error

	// Snapshot returns a point-in-time view of one round's pending
	// pledges, ascending by enqueue time. Enqueues concurrent with the
	// snapshot may or may not be included, but the returned order is
	// never violated by later operations.
	Snapshot(ctx context.Context, auctionRef string) ([]pledge.PendingPledge, error)

	// Position returns the 1-based index of a pledge within Snapshot
	// order. ok is false when the id is absent, which is an expected
	// steady state once a pledge has been processed.
	Position(ctx context.Context, auctionRef, id string) (pos int, ok bool, err error)

	// PopMin atomically removes and returns the pledge with the smallest
	// enqueue time. No entry is ever returned twice, and no two
	// concurrent callers receive the same entry.
	PopMin(ctx context.Context, auctionRef string) (pledge.PendingPledge, bool, error)
}

// PositionIn computes a 1-based position from a snapshot. Shared by
// backends whose Position is defined as an index into Snapshot.
func PositionIn(snapshot []pledge.PendingPledge, id string) (int, bool) {
	for i, p := range snapshot {
		if p.ID == id {
			return i + 1, true
		}
	}
	return 0, false
}
