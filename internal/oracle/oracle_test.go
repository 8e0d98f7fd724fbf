package oracle

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
)

type staticSource struct {
	name  string
	value decimal.Decimal
	err   error
	delay time.Duration
}

func (s *staticSource) Name() string { return s.name }

func (s *staticSource) Fetch(ctx context.Context) (decimal.Decimal, error) {
	if s.delay > 0 {
		select {
		case <-ctx.Done():
			return decimal.Decimal{}, ctx.Err()
		case <-time.After(s.delay):
		}
	}
	return s.value, s.err
}

func dec(s string) decimal.Decimal {
	d, err := decimal.NewFromString(s)
	if err != nil {
		panic(err)
	}
	return d
}

func noopLogger() zerolog.Logger { return zerolog.Nop() }

func TestMedianOddCount(t *testing.T) {
	got := median([]decimal.Decimal{dec("61000"), dec("59000"), dec("60000")})
	if !got.Equal(dec("60000")) {
		t.Fatalf("median of 3: got %s", got)
	}
}

func TestMedianEvenCount(t *testing.T) {
	got := median([]decimal.Decimal{dec("10"), dec("40"), dec("20"), dec("30")})
	if !got.Equal(dec("25")) {
		t.Fatalf("median of 4: got %s, want 25", got)
	}
}

func TestGetPriceAggregatesSurvivingSources(t *testing.T) {
	sources := []Source{
		&staticSource{name: "a", value: dec("59000")},
		&staticSource{name: "b", err: errors.New("connection refused")},
		&staticSource{name: "c", value: dec("61000")},
		&staticSource{name: "d", value: dec("-5")}, // discarded
	}

	o := New(sources, Options{}, nil, noopLogger())
	price, err := o.GetPrice(context.Background())
	if err != nil {
		t.Fatalf("GetPrice: %v", err)
	}
	if !price.Equal(dec("60000")) {
		t.Fatalf("got %s, want median 60000", price)
	}
}

func TestGetPriceUsesFreshCache(t *testing.T) {
	src := &staticSource{name: "a", value: dec("60000")}
	o := New([]Source{src}, Options{FreshTTL: time.Hour}, nil, noopLogger())

	if _, err := o.GetPrice(context.Background()); err != nil {
		t.Fatalf("first GetPrice: %v", err)
	}

	// Source goes away; fresh cache must still answer.
	src.err = errors.New("down")
	price, err := o.GetPrice(context.Background())
	if err != nil {
		t.Fatalf("cached GetPrice: %v", err)
	}
	if !price.Equal(dec("60000")) {
		t.Fatalf("got %s", price)
	}
}

func TestGetPriceFallsBackToStaleCache(t *testing.T) {
	src := &staticSource{name: "a", value: dec("61000")}
	o := New([]Source{src}, Options{FreshTTL: 30 * time.Minute, StaleTTL: 72 * time.Hour}, nil, noopLogger())

	start := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	now := start
	o.now = func() time.Time { return now }

	if _, err := o.Refresh(context.Background()); err != nil {
		t.Fatalf("refresh: %v", err)
	}

	// Two days later the fresh cache is long gone and every source is
	// down, but the long cache is within its 3-day horizon.
	now = start.Add(48 * time.Hour)
	src.err = errors.New("down")

	price, err := o.GetPrice(context.Background())
	if err != nil {
		t.Fatalf("expected degraded-mode price, got error: %v", err)
	}
	if !price.Equal(dec("61000")) {
		t.Fatalf("got %s, want 61000", price)
	}
}

func TestGetPriceTotalFailure(t *testing.T) {
	src := &staticSource{name: "a", err: errors.New("down")}
	o := New([]Source{src}, Options{}, nil, noopLogger())

	if _, err := o.GetPrice(context.Background()); !errors.Is(err, ErrPriceUnavailable) {
		t.Fatalf("want ErrPriceUnavailable, got %v", err)
	}
}

func TestGetPriceStaleCacheExpired(t *testing.T) {
	src := &staticSource{name: "a", value: dec("61000")}
	o := New([]Source{src}, Options{FreshTTL: 30 * time.Minute, StaleTTL: 72 * time.Hour}, nil, noopLogger())

	start := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	now := start
	o.now = func() time.Time { return now }

	if _, err := o.Refresh(context.Background()); err != nil {
		t.Fatalf("refresh: %v", err)
	}

	now = start.Add(96 * time.Hour)
	src.err = errors.New("down")

	if _, err := o.GetPrice(context.Background()); !errors.Is(err, ErrPriceUnavailable) {
		t.Fatalf("want ErrPriceUnavailable past stale horizon, got %v", err)
	}
}

func TestRefreshFailureLeavesCachesUntouched(t *testing.T) {
	src := &staticSource{name: "a", value: dec("60000")}
	o := New([]Source{src}, Options{FreshTTL: time.Hour}, nil, noopLogger())

	if _, err := o.Refresh(context.Background()); err != nil {
		t.Fatalf("refresh: %v", err)
	}

	src.err = errors.New("down")
	if _, err := o.Refresh(context.Background()); !errors.Is(err, ErrPriceUnavailable) {
		t.Fatalf("failed refresh must report error, got %v", err)
	}

	price, err := o.GetPrice(context.Background())
	if err != nil || !price.Equal(dec("60000")) {
		t.Fatalf("caches disturbed by failed refresh: price=%s err=%v", price, err)
	}
}

func TestSlowSourceBoundedByFetchTimeout(t *testing.T) {
	sources := []Source{
		&staticSource{name: "fast", value: dec("60000")},
		&staticSource{name: "slow", value: dec("99999"), delay: time.Minute},
	}
	o := New(sources, Options{FetchTimeout: 50 * time.Millisecond}, nil, noopLogger())

	start := time.Now()
	price, err := o.GetPrice(context.Background())
	if err != nil {
		t.Fatalf("GetPrice: %v", err)
	}
	if elapsed := time.Since(start); elapsed > 5*time.Second {
		t.Fatalf("slow source delayed the aggregate: %s", elapsed)
	}
	if !price.Equal(dec("60000")) {
		t.Fatalf("got %s", price)
	}
}

func TestWarmEnough(t *testing.T) {
	src := &staticSource{name: "a", value: dec("60000")}
	o := New([]Source{src}, Options{FreshTTL: 30 * time.Minute, WarmThreshold: 5 * time.Minute}, nil, noopLogger())

	start := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	now := start
	o.now = func() time.Time { return now }

	if o.WarmEnough() {
		t.Fatal("empty cache cannot be warm")
	}

	if _, err := o.Refresh(context.Background()); err != nil {
		t.Fatalf("refresh: %v", err)
	}
	if !o.WarmEnough() {
		t.Fatal("freshly refreshed cache should be warm")
	}

	now = start.Add(28 * time.Minute)
	if o.WarmEnough() {
		t.Fatal("cache within warm threshold of expiry should not be warm")
	}
}
