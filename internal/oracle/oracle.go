package oracle

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
)

// ErrPriceUnavailable indicates no fresh fetch succeeded and no cached
// value is within its horizon. Callers must not substitute a default
// price; admission math without a real price is forbidden.
var ErrPriceUnavailable = errors.New("oracle: price unavailable")

// Source returns the current native-unit price from one independent
// provider. Implementations fail independently of each other.
type Source interface {
	Name() string
	Fetch(ctx context.Context) (decimal.Decimal, error)
}

// SampleRecorder persists successful aggregated samples for auditing.
// Optional; the oracle works without one.
type SampleRecorder interface {
	RecordPriceSample(ctx context.Context, value decimal.Decimal, at time.Time) error
}

// Options tune cache horizons and per-source fetch behaviour.
type Options struct {
	// FreshTTL bounds how long an aggregated sample is trusted outright.
	FreshTTL time.Duration
	// StaleTTL bounds how long an old sample may serve as degraded
	// fallback when a live fetch fails.
	StaleTTL time.Duration
	// WarmThreshold is the remaining fresh lifetime below which a
	// periodic refresher should refetch. Scheduling hint only.
	WarmThreshold time.Duration
	// FetchTimeout applies to each source independently, so one slow
	// provider cannot delay the aggregate beyond it.
	FetchTimeout time.Duration
}

type cached struct {
	value   decimal.Decimal
	expires time.Time
	set     bool
}

func (c cached) live(now time.Time) bool {
	return c.set && now.Before(c.expires)
}

// Oracle aggregates prices from independent sources with a two-tier cache.
type Oracle struct {
	sources  []Source
	opts     Options
	recorder SampleRecorder
	logger   zerolog.Logger

	mu    sync.Mutex
	fresh cached
	stale cached

	now func() time.Time
}

// New constructs an Oracle over the given sources.
func New(sources []Source, opts Options, recorder SampleRecorder, logger zerolog.Logger) *Oracle {
	if opts.FreshTTL <= 0 {
		opts.FreshTTL = 30 * time.Minute
	}
	if opts.StaleTTL <= 0 {
		opts.StaleTTL = 72 * time.Hour
	}
	if opts.WarmThreshold <= 0 {
		opts.WarmThreshold = 5 * time.Minute
	}
	if opts.FetchTimeout <= 0 {
		opts.FetchTimeout = 5 * time.Second
	}

	return &Oracle{
		sources:  sources,
		opts:     opts,
		recorder: recorder,
		logger:   logger.With().Str("component", "oracle").Logger(),
		now:      time.Now,
	}
}

// GetPrice returns the current price: the fresh cache when live, else a
// live fetch, else the stale cache, else ErrPriceUnavailable.
func (o *Oracle) GetPrice(ctx context.Context) (decimal.Decimal, error) {
	o.mu.Lock()
	if o.fresh.live(o.now()) {
		value := o.fresh.value
		o.mu.Unlock()
		return value, nil
	}
	o.mu.Unlock()

	value, err := o.Refresh(ctx)
	if err == nil {
		return value, nil
	}

	o.mu.Lock()
	defer o.mu.Unlock()
	if o.stale.live(o.now()) {
		o.logger.Warn().
			Str("price", o.stale.value.String()).
			Time("stale_until", o.stale.expires).
			Msg("serving long-cache price in degraded mode")
		return o.stale.value, nil
	}
	return decimal.Decimal{}, ErrPriceUnavailable
}

// Refresh queries every source concurrently, aggregates the median of the
// valid samples, and writes both caches. On total failure it returns
// ErrPriceUnavailable and leaves existing caches untouched.
func (o *Oracle) Refresh(ctx context.Context) (decimal.Decimal, error) {
	samples := o.collect(ctx)
	if len(samples) == 0 {
		return decimal.Decimal{}, ErrPriceUnavailable
	}

	value := median(samples)
	now := o.now()

	o.mu.Lock()
	o.fresh = cached{value: value, expires: now.Add(o.opts.FreshTTL), set: true}
	o.stale = cached{value: value, expires: now.Add(o.opts.StaleTTL), set: true}
	o.mu.Unlock()

	o.logger.Debug().
		Str("price", value.String()).
		Int("samples", len(samples)).
		Msg("price refreshed")

	if o.recorder != nil {
		if err := o.recorder.RecordPriceSample(ctx, value, now); err != nil {
			o.logger.Error().Err(err).Msg("failed to record price sample")
		}
	}

	return value, nil
}

// WarmEnough reports whether the fresh cache still has a healthy remaining
// lifetime, letting a fixed-period refresher skip a cycle.
func (o *Oracle) WarmEnough() bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.fresh.set && o.fresh.expires.Sub(o.now()) > o.opts.WarmThreshold
}

type sourceResult struct {
	name  string
	value decimal.Decimal
	err   error
}

func (o *Oracle) collect(ctx context.Context) []decimal.Decimal {
	results := make(chan sourceResult, len(o.sources))

	for _, src := range o.sources {
		go func(src Source) {
			fetchCtx, cancel := context.WithTimeout(ctx, o.opts.FetchTimeout)
			defer cancel()
			value, err := src.Fetch(fetchCtx)
			results <- sourceResult{name: src.Name(), value: value, err: err}
		}(src)
	}

	valid := make([]decimal.Decimal, 0, len(o.sources))
	for range o.sources {
		res := <-results
		if res.err != nil {
			o.logger.Warn().Err(res.err).Str("source", res.name).Msg("price source failed")
			continue
		}
		if res.value.Sign() <= 0 {
			o.logger.Warn().Str("source", res.name).Str("value", res.value.String()).Msg("discarding non-positive sample")
			continue
		}
		valid = append(valid, res.value)
	}
	return valid
}

func median(samples []decimal.Decimal) decimal.Decimal {
	sorted := make([]decimal.Decimal, len(samples))
	copy(sorted, samples)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].LessThan(sorted[j]) })

	n := len(sorted)
	if n%2 == 1 {
		return sorted[n/2]
	}
	return sorted[n/2-1].Add(sorted[n/2]).Div(decimal.NewFromInt(2))
}
