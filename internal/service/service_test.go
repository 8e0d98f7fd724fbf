package service

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"pledge-intake/internal/admission"
	"pledge-intake/internal/notify"
	"pledge-intake/internal/oracle"
	"pledge-intake/internal/pledge"
	"pledge-intake/internal/queue"
)

func dec(s string) decimal.Decimal {
	d, err := decimal.NewFromString(s)
	if err != nil {
		panic(err)
	}
	return d
}

type staticQuoter struct {
	price decimal.Decimal
	err   error
}

func (q *staticQuoter) GetPrice(ctx context.Context) (decimal.Decimal, error) {
	return q.price, q.err
}

type memPersister struct {
	mu     sync.Mutex
	rounds map[string]pledge.Round
}

func newMemPersister(rounds ...pledge.Round) *memPersister {
	m := &memPersister{rounds: make(map[string]pledge.Round)}
	for _, r := range rounds {
		m.rounds[r.Ref] = r
	}
	return m
}

func (m *memPersister) LoadRound(ctx context.Context, ref string) (pledge.Round, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.rounds[ref]
	if !ok {
		return pledge.Round{}, fmt.Errorf("round %s not found", ref)
	}
	return r, nil
}

func (m *memPersister) CommitAdmission(ctx context.Context, d pledge.Decision) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if d.Accepted {
		r := m.rounds[d.AuctionRef]
		r.RaisedTotal = r.RaisedTotal.Add(d.Amount)
		m.rounds[d.AuctionRef] = r
	}
	return nil
}

func (m *memPersister) ActiveRounds(ctx context.Context) ([]pledge.Round, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]pledge.Round, 0, len(m.rounds))
	for _, r := range m.rounds {
		if r.Active && !r.Terminal {
			out = append(out, r)
		}
	}
	return out, nil
}

type captureSink struct {
	mu      sync.Mutex
	decided []notify.DecisionEvent
	queued  []notify.PositionEvent
	emitErr error
}

func (c *captureSink) PledgeDecided(ctx context.Context, e notify.DecisionEvent) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.decided = append(c.decided, e)
	return c.emitErr
}

func (c *captureSink) PledgeQueued(ctx context.Context, e notify.PositionEvent) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.queued = append(c.queued, e)
	return c.emitErr
}

func newRound(ref, ceilingUSD string) pledge.Round {
	return pledge.Round{
		Ref:          ref,
		CeilingValue: dec(ceilingUSD),
		RaisedTotal:  decimal.Zero,
		MinAmount:    dec("0.0001"),
		MaxAmount:    dec("1"),
		Active:       true,
	}
}

func fill(t *testing.T, q queue.PledgeQueue, ref string, n int, amount string) {
	t.Helper()
	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	for i := 0; i < n; i++ {
		err := q.Enqueue(context.Background(), pledge.PendingPledge{
			ID:         fmt.Sprintf("%s-p%d", ref, i),
			OwnerRef:   "owner",
			AuctionRef: ref,
			Amount:     dec(amount),
			EnqueuedAt: base.Add(time.Duration(i) * time.Second),
		})
		if err != nil {
			t.Fatalf("enqueue: %v", err)
		}
	}
}

func newService(q queue.PledgeQueue, persister *memPersister, quoter admission.PriceQuoter, sink notify.Sink, maxPerTick int) *Service {
	engine := admission.New(q, quoter, persister, nil, zerolog.Nop())
	return New(Options{MaxPerTick: maxPerTick}, nil, q, engine, persister, sink, nil, zerolog.Nop())
}

func TestDrainTickBoundedByMaxPerTick(t *testing.T) {
	ctx := context.Background()
	q := queue.NewMemory()
	persister := newMemPersister(newRound("round-1", "1000000"))
	sink := &captureSink{}
	svc := newService(q, persister, &staticQuoter{price: dec("50000")}, sink, 3)

	fill(t, q, "round-1", 10, "0.001")

	if err := svc.DrainTick(ctx, time.Now()); err != nil {
		t.Fatalf("drain tick: %v", err)
	}

	if len(sink.decided) != 3 {
		t.Fatalf("tick should process exactly 3 pledges, got %d", len(sink.decided))
	}
	snapshot, _ := q.Snapshot(ctx, "round-1")
	if len(snapshot) != 7 {
		t.Fatalf("7 pledges should remain, got %d", len(snapshot))
	}
}

func TestDrainTickStopsEarlyOnEmptyQueue(t *testing.T) {
	ctx := context.Background()
	q := queue.NewMemory()
	persister := newMemPersister(newRound("round-1", "1000000"))
	sink := &captureSink{}
	svc := newService(q, persister, &staticQuoter{price: dec("50000")}, sink, 100)

	fill(t, q, "round-1", 2, "0.001")

	if err := svc.DrainTick(ctx, time.Now()); err != nil {
		t.Fatalf("drain tick: %v", err)
	}
	if len(sink.decided) != 2 {
		t.Fatalf("got %d decisions", len(sink.decided))
	}
}

func TestDrainTickPriceOutageSkipsRoundNotTick(t *testing.T) {
	ctx := context.Background()
	q := queue.NewMemory()
	persister := newMemPersister(newRound("round-1", "1000000"))
	sink := &captureSink{}
	svc := newService(q, persister, &staticQuoter{err: oracle.ErrPriceUnavailable}, sink, 10)

	fill(t, q, "round-1", 3, "0.001")

	if err := svc.DrainTick(ctx, time.Now()); err != nil {
		t.Fatalf("tick must not fail outright: %v", err)
	}

	snapshot, _ := q.Snapshot(ctx, "round-1")
	if len(snapshot) != 3 {
		t.Fatalf("queue should be untouched during price outage, got %d remaining", len(snapshot))
	}
	if len(sink.decided) != 0 {
		t.Fatal("no decisions should be emitted without a price")
	}
}

func TestDrainAllProcessesEverything(t *testing.T) {
	ctx := context.Background()
	q := queue.NewMemory()
	persister := newMemPersister(newRound("round-1", "1000000"), newRound("round-2", "1000000"))
	sink := &captureSink{}
	svc := newService(q, persister, &staticQuoter{price: dec("50000")}, sink, 2)

	fill(t, q, "round-1", 5, "0.001")
	fill(t, q, "round-2", 4, "0.001")

	if err := svc.DrainAll(ctx); err != nil {
		t.Fatalf("drain all: %v", err)
	}
	if len(sink.decided) != 9 {
		t.Fatalf("expected 9 decisions, got %d", len(sink.decided))
	}
}

func TestIntakeValidatesAndEmitsPosition(t *testing.T) {
	ctx := context.Background()
	q := queue.NewMemory()
	persister := newMemPersister(newRound("round-1", "1000000"))
	sink := &captureSink{}
	svc := newService(q, persister, &staticQuoter{price: dec("50000")}, sink, 10)

	pos, err := svc.Intake(ctx, IntakeRequest{ID: "p1", OwnerRef: "alice", AuctionRef: "round-1", Amount: dec("0.001")})
	if err != nil {
		t.Fatalf("intake: %v", err)
	}
	if pos != 1 {
		t.Fatalf("first pledge should be position 1, got %d", pos)
	}

	pos, err = svc.Intake(ctx, IntakeRequest{ID: "p2", OwnerRef: "bob", AuctionRef: "round-1", Amount: dec("0.002")})
	if err != nil || pos != 2 {
		t.Fatalf("second pledge: pos=%d err=%v", pos, err)
	}

	if len(sink.queued) != 2 || sink.queued[1].Position != 2 {
		t.Fatalf("queued events: %+v", sink.queued)
	}
}

func TestIntakeRejectsOutOfBounds(t *testing.T) {
	ctx := context.Background()
	q := queue.NewMemory()
	persister := newMemPersister(newRound("round-1", "1000000"))
	svc := newService(q, persister, &staticQuoter{price: dec("50000")}, &captureSink{}, 10)

	if _, err := svc.Intake(ctx, IntakeRequest{ID: "tiny", AuctionRef: "round-1", Amount: dec("0.00001")}); !errors.Is(err, ErrAmountOutOfBounds) {
		t.Fatalf("below minimum: %v", err)
	}
	if _, err := svc.Intake(ctx, IntakeRequest{ID: "huge", AuctionRef: "round-1", Amount: dec("5")}); !errors.Is(err, ErrAmountOutOfBounds) {
		t.Fatalf("above maximum: %v", err)
	}

	snapshot, _ := q.Snapshot(ctx, "round-1")
	if len(snapshot) != 0 {
		t.Fatal("rejected pledges must not be queued")
	}
}

func TestIntakeRejectsClosedRound(t *testing.T) {
	ctx := context.Background()
	q := queue.NewMemory()
	closed := newRound("round-1", "1000000")
	closed.Active = false
	persister := newMemPersister(closed)
	svc := newService(q, persister, &staticQuoter{price: dec("50000")}, &captureSink{}, 10)

	if _, err := svc.Intake(ctx, IntakeRequest{ID: "p1", AuctionRef: "round-1", Amount: dec("0.001")}); !errors.Is(err, admission.ErrRoundClosed) {
		t.Fatalf("want ErrRoundClosed, got %v", err)
	}
}

type staticLocker struct {
	acquired bool
	unlocked bool
}

func (l *staticLocker) TryAdvisoryLock(ctx context.Context, key int64) (func(), bool, error) {
	if !l.acquired {
		return nil, false, nil
	}
	return func() { l.unlocked = true }, true, nil
}

func TestDrainTickSkipsWhenLockHeldElsewhere(t *testing.T) {
	ctx := context.Background()
	q := queue.NewMemory()
	persister := newMemPersister(newRound("round-1", "1000000"))
	sink := &captureSink{}
	engine := admission.New(q, &staticQuoter{price: dec("50000")}, persister, nil, zerolog.Nop())
	locker := &staticLocker{acquired: false}
	svc := New(Options{MaxPerTick: 10, AdvisoryLockKey: 42}, nil, q, engine, persister, sink, locker, zerolog.Nop())

	fill(t, q, "round-1", 2, "0.001")

	if err := svc.DrainTick(ctx, time.Now()); err != nil {
		t.Fatalf("tick: %v", err)
	}
	if len(sink.decided) != 0 {
		t.Fatal("tick should be skipped while another drainer holds the lock")
	}

	locker.acquired = true
	if err := svc.DrainTick(ctx, time.Now()); err != nil {
		t.Fatalf("tick: %v", err)
	}
	if len(sink.decided) != 2 {
		t.Fatalf("expected 2 decisions after acquiring lock, got %d", len(sink.decided))
	}
	if !locker.unlocked {
		t.Fatal("lock must be released after the tick")
	}
}
