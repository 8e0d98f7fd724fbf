package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"pledge-intake/internal/admission"
	"pledge-intake/internal/notify"
	"pledge-intake/internal/oracle"
	"pledge-intake/internal/pledge"
	"pledge-intake/internal/queue"
	"pledge-intake/internal/scheduler"
	"pledge-intake/internal/storage"
)

// ErrAmountOutOfBounds rejects intake amounts outside the round's
// per-pledge limits.
var ErrAmountOutOfBounds = errors.New("service: amount outside round bounds")

// Options tune the drain worker.
type Options struct {
	MaxPerTick      int
	AdvisoryLockKey int64
}

// Service orchestrates pledge intake and queue draining across rounds.
type Service struct {
	scheduler *scheduler.Scheduler
	queue     queue.PledgeQueue
	engine    *admission.Engine
	rounds    storage.RoundLister
	sink      notify.Sink
	locker    storage.AdvisoryLocker
	logger    zerolog.Logger

	maxPerTick int
	lockKey    int64
	now        func() time.Time
}

// New constructs the intake service. locker may be nil when the deployment
// runs a single drainer; sink may be notify.Nop.
func New(opts Options, sched *scheduler.Scheduler, q queue.PledgeQueue, engine *admission.Engine, rounds storage.RoundLister, sink notify.Sink, locker storage.AdvisoryLocker, logger zerolog.Logger) *Service {
	maxPerTick := opts.MaxPerTick
	if maxPerTick <= 0 {
		maxPerTick = 50
	}
	if sink == nil {
		sink = notify.Nop{}
	}

	return &Service{
		scheduler:  sched,
		queue:      q,
		engine:     engine,
		rounds:     rounds,
		sink:       sink,
		locker:     locker,
		logger:     logger.With().Str("component", "service").Logger(),
		maxPerTick: maxPerTick,
		lockKey:    opts.AdvisoryLockKey,
		now:        time.Now,
	}
}

// IntakeRequest is a validated pledge submission from the intake boundary.
type IntakeRequest struct {
	ID         string
	OwnerRef   string
	AuctionRef string
	Amount     decimal.Decimal
}

// Intake validates a pledge against the round bounds, enqueues it, and
// reports its FCFS position. It never touches the raised total; only the
// admission commit does that.
func (s *Service) Intake(ctx context.Context, req IntakeRequest) (int, error) {
	round, err := s.engine.Round(ctx, req.AuctionRef)
	if err != nil {
		return 0, fmt.Errorf("load round: %w", err)
	}
	if !round.Active || round.Terminal {
		return 0, admission.ErrRoundClosed
	}
	if req.Amount.LessThan(round.MinAmount) || req.Amount.GreaterThan(round.MaxAmount) {
		return 0, fmt.Errorf("%w: %s not in [%s, %s]", ErrAmountOutOfBounds, req.Amount, round.MinAmount, round.MaxAmount)
	}

	p := pledge.PendingPledge{
		ID:         req.ID,
		OwnerRef:   req.OwnerRef,
		AuctionRef: req.AuctionRef,
		Amount:     req.Amount,
		EnqueuedAt: s.now().UTC(),
	}
	if err := s.queue.Enqueue(ctx, p); err != nil {
		return 0, fmt.Errorf("enqueue pledge: %w", err)
	}

	pos, ok, posErr := s.queue.Position(ctx, req.AuctionRef, req.ID)
	if posErr != nil || !ok {
		// The pledge is safely queued; position is display-only.
		s.logger.Warn().Err(posErr).Str("pledge_id", req.ID).Msg("position lookup failed after enqueue")
		pos = 0
	}

	event := notify.PositionEvent{
		PledgeID:   p.ID,
		AuctionRef: p.AuctionRef,
		Position:   pos,
		QueuedAt:   p.EnqueuedAt,
	}
	if err := s.sink.PledgeQueued(ctx, event); err != nil {
		s.logger.Error().Err(err).Str("pledge_id", p.ID).Msg("failed to emit queued event")
	}

	return pos, nil
}

// Run begins the periodic drain loop.
func (s *Service) Run(ctx context.Context) error {
	if s.scheduler == nil {
		return fmt.Errorf("scheduler not configured")
	}
	return s.scheduler.Run(ctx, s.DrainTick)
}

// DrainTick processes up to maxPerTick pledges for every active round. A
// failing round is logged and skipped; it never aborts the tick for other
// rounds.
func (s *Service) DrainTick(ctx context.Context, at time.Time) error {
	unlock, proceed, err := s.acquireLock(ctx)
	if err != nil {
		return err
	}
	if !proceed {
		s.logger.Debug().Time("tick", at).Msg("skip tick because advisory lock held elsewhere")
		return nil
	}
	if unlock != nil {
		defer unlock()
	}

	rounds, err := s.rounds.ActiveRounds(ctx)
	if err != nil {
		return fmt.Errorf("list active rounds: %w", err)
	}

	for _, round := range rounds {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if err := s.drainRound(ctx, round.Ref, s.maxPerTick); err != nil {
			s.logger.Error().Err(err).Str("auction_ref", round.Ref).Msg("round drain failed; will retry next tick")
		}
	}
	return nil
}

// DrainAll processes every active round until its queue is empty,
// unbounded by the per-tick cap. Used by the one-shot drain command.
func (s *Service) DrainAll(ctx context.Context) error {
	rounds, err := s.rounds.ActiveRounds(ctx)
	if err != nil {
		return fmt.Errorf("list active rounds: %w", err)
	}

	var firstErr error
	for _, round := range rounds {
		if err := s.drainRound(ctx, round.Ref, 0); err != nil && firstErr == nil {
			firstErr = fmt.Errorf("drain %s: %w", round.Ref, err)
		}
	}
	return firstErr
}

// drainRound pops and decides pledges for one round. limit <= 0 means
// unbounded. Every decision is durably committed before the next pop, so
// the raised total each iteration sees is accurate.
func (s *Service) drainRound(ctx context.Context, auctionRef string, limit int) error {
	for i := 0; limit <= 0 || i < limit; i++ {
		decision, err := s.engine.ProcessNext(ctx, auctionRef)
		switch {
		case errors.Is(err, admission.ErrNothingPending):
			return nil
		case errors.Is(err, oracle.ErrPriceUnavailable):
			// Cannot evaluate the ceiling; leave this round's queue
			// untouched until a price is available again.
			s.logger.Warn().Str("auction_ref", auctionRef).Msg("price unavailable, skipping round this tick")
			return nil
		case err != nil:
			return err
		}

		event := notify.DecisionEvent{
			PledgeID:   decision.PledgeID,
			OwnerRef:   decision.OwnerRef,
			AuctionRef: decision.AuctionRef,
			Amount:     decision.Amount,
			Price:      decision.Price,
			Accepted:   decision.Accepted,
			DecidedAt:  decision.DecidedAt,
		}
		if err := s.sink.PledgeDecided(ctx, event); err != nil {
			s.logger.Error().Err(err).Str("pledge_id", decision.PledgeID).Msg("failed to emit decision event")
		}
	}

	s.logger.Debug().Str("auction_ref", auctionRef).Int("limit", limit).Msg("per-tick cap reached")
	return nil
}

func (s *Service) acquireLock(ctx context.Context) (func(), bool, error) {
	if s.lockKey == 0 || s.locker == nil {
		return nil, true, nil
	}
	unlock, acquired, err := s.locker.TryAdvisoryLock(ctx, s.lockKey)
	if err != nil {
		return nil, false, fmt.Errorf("acquire advisory lock: %w", err)
	}
	if !acquired {
		return nil, false, nil
	}
	return unlock, true, nil
}
