package service

import (
	"context"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"

	"pledge-intake/internal/oracle"
)

// Refresher keeps the oracle's short cache warm on a cron schedule so
// GetPrice rarely has to fetch inline.
type Refresher struct {
	oracle  *oracle.Oracle
	cron    *cron.Cron
	timeout time.Duration
	logger  zerolog.Logger
}

// NewRefresher registers the refresh job. spec is a six-field cron
// expression (with seconds), e.g. "0 */10 * * * *".
func NewRefresher(o *oracle.Oracle, spec string, timeout time.Duration, logger zerolog.Logger) (*Refresher, error) {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}

	r := &Refresher{
		oracle:  o,
		cron:    cron.New(cron.WithSeconds()),
		timeout: timeout,
		logger:  logger.With().Str("component", "refresher").Logger(),
	}

	if _, err := r.cron.AddFunc(spec, r.refresh); err != nil {
		return nil, err
	}
	return r, nil
}

// Start begins scheduled refreshing.
func (r *Refresher) Start() {
	r.cron.Start()
	r.logger.Info().Msg("price refresher started")
}

// Stop halts the schedule and waits for a running refresh to finish.
func (r *Refresher) Stop() {
	stopCtx := r.cron.Stop()
	<-stopCtx.Done()
	r.logger.Info().Msg("price refresher stopped")
}

func (r *Refresher) refresh() {
	if r.oracle.WarmEnough() {
		r.logger.Debug().Msg("short cache still warm, skipping refresh")
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), r.timeout)
	defer cancel()

	if _, err := r.oracle.Refresh(ctx); err != nil {
		r.logger.Error().Err(err).Msg("scheduled price refresh failed")
	}
}
