package pledge

import (
	"time"

	"github.com/shopspring/decimal"
)

// PendingPledge is a pledge that has been received but not yet admitted.
// EnqueuedAt is the sole ordering key; Seq breaks ties between pledges
// stamped within the same instant and is assigned by the queue backend.
type PendingPledge struct {
	ID         string
	OwnerRef   string
	AuctionRef string
	Amount     decimal.Decimal
	EnqueuedAt time.Time
	Seq        uint64
}

// Round holds the state of one allocation round. CeilingValue is
// denominated in the reference currency; RaisedTotal and the per-pledge
// bounds are in the round's native unit.
type Round struct {
	Ref          string
	CeilingValue decimal.Decimal
	RaisedTotal  decimal.Decimal
	MinAmount    decimal.Decimal
	MaxAmount    decimal.Decimal
	Active       bool
	Terminal     bool
}

// Decision is the admission outcome for one dequeued pledge. Price is the
// native-unit price (reference currency per native unit) used for the
// ceiling conversion when the decision was made.
type Decision struct {
	PledgeID   string
	OwnerRef   string
	AuctionRef string
	Amount     decimal.Decimal
	Price      decimal.Decimal
	Accepted   bool
	DecidedAt  time.Time
}

// Before reports whether p was enqueued before other, using Seq to break
// equal timestamps.
func (p PendingPledge) Before(other PendingPledge) bool {
	if p.EnqueuedAt.Equal(other.EnqueuedAt) {
		return p.Seq < other.Seq
	}
	return p.EnqueuedAt.Before(other.EnqueuedAt)
}
