package app

import (
	"context"
	"errors"
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"github.com/shopspring/decimal"

	"pledge-intake/internal/admission"
	"pledge-intake/internal/notify"
	"pledge-intake/internal/pledge"
	"pledge-intake/internal/queue"
	"pledge-intake/internal/service"
)

// Simulate runs the full admission flow in memory with a fixed price and
// prints the resulting decisions. No database is touched.
func (a *App) Simulate(ctx context.Context, opts SimulateOptions) error {
	if len(opts.Pledges) == 0 {
		return errors.New("at least one pledge amount is required")
	}

	ceiling, err := decimal.NewFromString(opts.Ceiling)
	if err != nil {
		return fmt.Errorf("parse ceiling: %w", err)
	}
	price, err := decimal.NewFromString(opts.Price)
	if err != nil {
		return fmt.Errorf("parse price: %w", err)
	}
	minAmount, err := decimal.NewFromString(opts.MinAmount)
	if err != nil {
		return fmt.Errorf("parse min amount: %w", err)
	}
	maxAmount, err := decimal.NewFromString(opts.MaxAmount)
	if err != nil {
		return fmt.Errorf("parse max amount: %w", err)
	}

	round := pledge.Round{
		Ref:          "simulated",
		CeilingValue: ceiling,
		RaisedTotal:  decimal.Zero,
		MinAmount:    minAmount,
		MaxAmount:    maxAmount,
		Active:       true,
	}

	q := queue.NewMemory()
	persister := &simRounds{round: round}
	sink := &simSink{}
	engine := admission.New(q, &staticQuoter{price: price}, persister, nil, a.Logger)
	svc := service.New(service.Options{}, nil, q, engine, persister, sink, nil, a.Logger)

	base := time.Now().UTC()
	for i, raw := range opts.Pledges {
		amount, err := decimal.NewFromString(raw)
		if err != nil {
			return fmt.Errorf("parse pledge %d: %w", i+1, err)
		}
		p := pledge.PendingPledge{
			ID:         fmt.Sprintf("sim-%d", i+1),
			OwnerRef:   fmt.Sprintf("owner-%d", i+1),
			AuctionRef: round.Ref,
			Amount:     amount,
			EnqueuedAt: base.Add(time.Duration(i) * time.Millisecond),
		}
		if err := q.Enqueue(ctx, p); err != nil {
			return fmt.Errorf("enqueue pledge %d: %w", i+1, err)
		}
	}

	if err := svc.DrainAll(ctx); err != nil {
		return err
	}

	writer := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(writer, "Pledge\tAmount\tPrice\tOutcome")
	for _, d := range sink.decided {
		outcome := "accepted"
		if !d.Accepted {
			outcome = "refunded"
		}
		fmt.Fprintf(writer, "%s\t%s\t%s\t%s\n", d.PledgeID, d.Amount.String(), formatDecimal(d.Price, 2), outcome)
	}
	writer.Flush()

	fmt.Fprintf(os.Stdout, "raised total: %s (ceiling %s at price %s = %s native)\n",
		persister.round.RaisedTotal.String(),
		ceiling.String(),
		price.String(),
		ceiling.Div(price).String(),
	)
	return nil
}

type staticQuoter struct {
	price decimal.Decimal
}

func (s *staticQuoter) GetPrice(ctx context.Context) (decimal.Decimal, error) {
	return s.price, nil
}

type simRounds struct {
	round pledge.Round
}

func (s *simRounds) LoadRound(ctx context.Context, ref string) (pledge.Round, error) {
	if ref != s.round.Ref {
		return pledge.Round{}, fmt.Errorf("round %s not found", ref)
	}
	return s.round, nil
}

func (s *simRounds) CommitAdmission(ctx context.Context, d pledge.Decision) error {
	if d.Accepted {
		s.round.RaisedTotal = s.round.RaisedTotal.Add(d.Amount)
	}
	return nil
}

func (s *simRounds) ActiveRounds(ctx context.Context) ([]pledge.Round, error) {
	return []pledge.Round{s.round}, nil
}

type simSink struct {
	decided []notify.DecisionEvent
}

func (s *simSink) PledgeDecided(ctx context.Context, event notify.DecisionEvent) error {
	s.decided = append(s.decided, event)
	return nil
}

func (s *simSink) PledgeQueued(ctx context.Context, event notify.PositionEvent) error {
	return nil
}

var _ admission.PriceQuoter = (*staticQuoter)(nil)
var _ admission.Persister = (*simRounds)(nil)
var _ notify.Sink = (*simSink)(nil)
