package admission

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"pledge-intake/internal/pledge"
	"pledge-intake/internal/queue"
)

var (
	// ErrNothingPending reports an empty queue from ProcessNext.
	ErrNothingPending = errors.New("admission: nothing to process")
	// ErrCommitFailure reports that the persistence collaborator rejected
	// a decision write. The pledge has been requeued or dead-lettered,
	// never silently dropped.
	ErrCommitFailure = errors.New("admission: decision commit failed")
	// ErrRoundClosed reports a round that is no longer accepting pledges.
	ErrRoundClosed = errors.New("admission: round not active")
)

// PriceQuoter supplies the current native-unit price.
type PriceQuoter interface {
	GetPrice(ctx context.Context) (decimal.Decimal, error)
}

// Persister durably records admission outcomes. CommitAdmission writes the
// decision and, for accepted pledges, increments the round's raised total
// in the same transaction.
type Persister interface {
	LoadRound(ctx context.Context, auctionRef string) (pledge.Round, error)
	CommitAdmission(ctx context.Context, decision pledge.Decision) error
}

// DeadLetterer takes custody of pledges that could neither be committed
// nor requeued.
type DeadLetterer interface {
	DeadLetter(ctx context.Context, p pledge.PendingPledge, reason string) error
}

// Engine enforces the round ceiling over the FCFS queue.
type Engine struct {
	queue      queue.PledgeQueue
	quoter     PriceQuoter
	persister  Persister
	deadLetter DeadLetterer
	logger     zerolog.Logger
	now        func() time.Time
}

// New constructs an admission engine. deadLetter may be nil, in which case
// pledges that fail both commit and requeue are only logged.
func New(q queue.PledgeQueue, quoter PriceQuoter, persister Persister, deadLetter DeadLetterer, logger zerolog.Logger) *Engine {
	return &Engine{
		queue:      q,
		quoter:     quoter,
		persister:  persister,
		deadLetter: deadLetter,
		logger:     logger.With().Str("component", "admission").Logger(),
		now:        time.Now,
	}
}

// Round exposes the persisted round state to callers that already hold an
// engine reference.
func (e *Engine) Round(ctx context.Context, auctionRef string) (pledge.Round, error) {
	return e.persister.LoadRound(ctx, auctionRef)
}

// MaxAllowedAmount returns the largest native-unit amount a new pledge
// could take without breaching the ceiling, capped by the round's
// per-pledge maximum. The result is deliberately not clamped up to the
// round minimum: a value below the minimum signals "no more room".
func (e *Engine) MaxAllowedAmount(ctx context.Context, auctionRef string) (decimal.Decimal, error) {
	round, err := e.persister.LoadRound(ctx, auctionRef)
	if err != nil {
		return decimal.Decimal{}, fmt.Errorf("load round: %w", err)
	}

	ceilingNative, err := e.ceilingNative(ctx, round)
	if err != nil {
		return decimal.Decimal{}, err
	}

	snapshot, err := e.queue.Snapshot(ctx, auctionRef)
	if err != nil {
		return decimal.Decimal{}, fmt.Errorf("snapshot queue: %w", err)
	}

	queued := decimal.Zero
	for _, p := range snapshot {
		queued = queued.Add(p.Amount)
	}

	remaining := ceilingNative.Sub(round.RaisedTotal).Sub(queued)
	if remaining.Sign() < 0 {
		return decimal.Zero, nil
	}
	if remaining.GreaterThan(round.MaxAmount) {
		return round.MaxAmount, nil
	}
	return remaining, nil
}

// CeilingReached reports whether the round has no remaining capacity. It
// never mutates round lifecycle flags; that transition belongs to the
// round lifecycle collaborator.
func (e *Engine) CeilingReached(ctx context.Context, auctionRef string) (bool, error) {
	max, err := e.MaxAllowedAmount(ctx, auctionRef)
	if err != nil {
		return false, err
	}
	return max.Sign() <= 0, nil
}

// ProcessNext pops the earliest pledge and decides accept or refund
// against the ceiling. The price is acquired once per call, so a single
// decision never mixes two samples. The decision is durably committed
// before ProcessNext returns.
func (e *Engine) ProcessNext(ctx context.Context, auctionRef string) (pledge.Decision, error) {
	round, err := e.persister.LoadRound(ctx, auctionRef)
	if err != nil {
		return pledge.Decision{}, fmt.Errorf("load round: %w", err)
	}

	// Price is resolved before the pop so a price outage aborts the call
	// with the queue untouched.
	price, err := e.quoter.GetPrice(ctx)
	if err != nil {
		return pledge.Decision{}, err
	}
	ceilingNative := round.CeilingValue.Div(price)

	p, ok, err := e.queue.PopMin(ctx, auctionRef)
	if err != nil {
		return pledge.Decision{}, fmt.Errorf("pop min: %w", err)
	}
	if !ok {
		return pledge.Decision{}, ErrNothingPending
	}

	projected := round.RaisedTotal.Add(p.Amount)
	accepted := !projected.GreaterThan(ceilingNative)

	decision := pledge.Decision{
		PledgeID:   p.ID,
		OwnerRef:   p.OwnerRef,
		AuctionRef: p.AuctionRef,
		Amount:     p.Amount,
		Price:      price,
		Accepted:   accepted,
		DecidedAt:  e.now().UTC(),
	}

	if err := e.persister.CommitAdmission(ctx, decision); err != nil {
		e.recover(ctx, p, err)
		return pledge.Decision{}, fmt.Errorf("%w: %v", ErrCommitFailure, err)
	}

	e.logger.Info().
		Str("pledge_id", p.ID).
		Str("auction_ref", p.AuctionRef).
		Str("amount", p.Amount.String()).
		Str("price", price.String()).
		Bool("accepted", accepted).
		Msg("pledge processed")

	return decision, nil
}

func (e *Engine) ceilingNative(ctx context.Context, round pledge.Round) (decimal.Decimal, error) {
	price, err := e.quoter.GetPrice(ctx)
	if err != nil {
		return decimal.Decimal{}, err
	}
	return round.CeilingValue.Div(price), nil
}

// recover puts a pledge back after a failed commit: requeue at its
// original slot, or dead-letter when the queue also refuses it.
func (e *Engine) recover(ctx context.Context, p pledge.PendingPledge, cause error) {
	if requeueErr := e.queue.Enqueue(ctx, p); requeueErr == nil {
		e.logger.Warn().Err(cause).Str("pledge_id", p.ID).Msg("commit failed, pledge requeued")
		return
	}

	if e.deadLetter != nil {
		if dlErr := e.deadLetter.DeadLetter(ctx, p, cause.Error()); dlErr == nil {
			e.logger.Error().Err(cause).Str("pledge_id", p.ID).Msg("commit failed, pledge dead-lettered")
			return
		}
	}

	e.logger.Error().Err(cause).Str("pledge_id", p.ID).Msg("commit failed and pledge could not be requeued or dead-lettered")
}
