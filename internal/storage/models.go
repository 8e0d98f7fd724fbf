package storage

import (
	"time"

	"github.com/shopspring/decimal"
)

// DecisionRecord is a persisted admission decision.
type DecisionRecord struct {
	ID         int64
	PledgeID   string
	OwnerRef   string
	AuctionRef string
	Amount     decimal.Decimal
	Price      decimal.Decimal
	Accepted   bool
	DecidedAt  time.Time
	CreatedAt  time.Time
}

// DeadLetterRecord captures a pledge that could not be committed or
// requeued.
type DeadLetterRecord struct {
	ID         int64
	PledgeID   string
	OwnerRef   string
	AuctionRef string
	Amount     decimal.Decimal
	EnqueuedAt time.Time
	Reason     string
	CreatedAt  time.Time
}

// PriceSampleRecord is an audited oracle aggregation result.
type PriceSampleRecord struct {
	ID        int64
	Value     decimal.Decimal
	SampledAt time.Time
}
