package app

import (
	"context"
	"errors"
	"fmt"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"pledge-intake/internal/admission"
	"pledge-intake/internal/config"
	"pledge-intake/internal/notify"
	"pledge-intake/internal/oracle"
	"pledge-intake/internal/scheduler"
	"pledge-intake/internal/service"
	"pledge-intake/internal/storage"
)

// App aggregates configuration and shared dependencies for the CLI commands.
type App struct {
	Config *config.Config
	Logger zerolog.Logger
}

// NewApp constructs a new application handle.
func NewApp(cfg *config.Config, logger zerolog.Logger) *App {
	return &App{Config: cfg, Logger: logger.With().Str("component", "app").Logger()}
}

func (a *App) newOracle(recorder oracle.SampleRecorder) *oracle.Oracle {
	sources := make([]oracle.Source, 0, len(a.Config.Oracle.Sources))
	for _, src := range a.Config.Oracle.Sources {
		switch src.Type {
		case "chain":
			sources = append(sources, oracle.NewChainSource(oracle.ChainSourceOptions{
				Name:              src.Name,
				RPCURL:            src.RPCURL,
				AggregatorAddress: src.AggregatorAddress,
			}, a.Logger))
		default:
			sources = append(sources, oracle.NewHTTPSource(oracle.HTTPSourceOptions{
				Name:      src.Name,
				URL:       src.URL,
				JSONPath:  src.JSONPath,
				UserAgent: src.UserAgent,
			}, a.Logger))
		}
	}

	return oracle.New(sources, oracle.Options{
		FreshTTL:      a.Config.Oracle.FreshTTL,
		StaleTTL:      a.Config.Oracle.StaleTTL,
		WarmThreshold: a.Config.Oracle.WarmThreshold,
		FetchTimeout:  a.Config.Oracle.FetchTimeout,
	}, recorder, a.Logger)
}

func (a *App) newSink() notify.Sink {
	if a.Config.Notify.Enabled {
		return notify.NewWebhookSink(a.Config.Notify.WebhookURL, a.Config.Notify.Timeout, a.Logger)
	}
	return notify.Nop{}
}

func (a *App) openStore(ctx context.Context) (*storage.Store, func(), error) {
	if a.Config.Database.DSN == "" {
		return nil, nil, errors.New("database.dsn is not configured")
	}

	pool, err := storage.NewPool(ctx, a.Config.Database)
	if err != nil {
		return nil, nil, err
	}

	store := storage.NewStore(pool)
	closer := func() {
		store.Close()
	}
	return store, closer, nil
}

func (a *App) newService(store *storage.Store, sched *scheduler.Scheduler) *service.Service {
	return a.newServiceWith(store, sched, a.newOracle(store))
}

func (a *App) newServiceWith(store *storage.Store, sched *scheduler.Scheduler, orc *oracle.Oracle) *service.Service {
	engine := admission.New(store, orc, store, store, a.Logger)
	return service.New(service.Options{
		MaxPerTick:      a.Config.Worker.MaxPerTick,
		AdvisoryLockKey: a.Config.Worker.AdvisoryLockKey,
	}, sched, store, engine, store, a.newSink(), store, a.Logger)
}

// Run executes the long-running drain worker with a background price
// refresher.
func (a *App) Run(ctx context.Context) error {
	ctx, cancel := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	store, closeStore, err := a.openStore(ctx)
	if err != nil {
		return err
	}
	defer closeStore()

	sched := scheduler.New(scheduler.Options{
		Interval:     a.Config.Worker.Interval,
		StartupDelay: a.Config.Worker.StartupDelay,
	}, a.Logger)

	orc := a.newOracle(store)
	svc := a.newServiceWith(store, sched, orc)

	refresher, err := service.NewRefresher(orc, a.Config.Oracle.RefreshCron, a.Config.Oracle.FetchTimeout*2, a.Logger)
	if err != nil {
		return fmt.Errorf("configure refresher: %w", err)
	}
	refresher.Start()
	defer refresher.Stop()

	a.Logger.Info().Msg("starting drain worker")
	err = svc.Run(ctx)
	if err != nil && !errors.Is(err, context.Canceled) {
		a.Logger.Error().Err(err).Msg("drain worker terminated with error")
		return err
	}

	a.Logger.Info().Msg("drain worker stopped")
	return nil
}

// Drain processes every active round until its queue is empty, then exits.
func (a *App) Drain(ctx context.Context) error {
	store, closeStore, err := a.openStore(ctx)
	if err != nil {
		return err
	}
	defer closeStore()

	svc := a.newService(store, nil)
	return svc.DrainAll(ctx)
}

// EnqueueOptions configure a CLI pledge submission.
type EnqueueOptions struct {
	ID         string
	OwnerRef   string
	AuctionRef string
	Amount     string
}

// Enqueue submits one pledge through the intake path and prints its queue
// position.
func (a *App) Enqueue(ctx context.Context, opts EnqueueOptions) error {
	amount, err := decimal.NewFromString(opts.Amount)
	if err != nil {
		return fmt.Errorf("parse amount: %w", err)
	}

	store, closeStore, err := a.openStore(ctx)
	if err != nil {
		return err
	}
	defer closeStore()

	svc := a.newService(store, nil)
	pos, err := svc.Intake(ctx, service.IntakeRequest{
		ID:         opts.ID,
		OwnerRef:   opts.OwnerRef,
		AuctionRef: opts.AuctionRef,
		Amount:     amount,
	})
	if err != nil {
		return err
	}

	a.Logger.Info().
		Str("pledge_id", opts.ID).
		Str("auction_ref", opts.AuctionRef).
		Int("position", pos).
		Msg("pledge queued")
	return nil
}

// ExportOptions hold parameters for exporting historical decisions.
type ExportOptions struct {
	From      *time.Time
	To        *time.Time
	PNGPath   string
	CSVPath   string
	MaxPoints int
}

// ShowOptions configure the show command.
type ShowOptions struct {
	Limit int
}

// SimulateOptions configure a database-free admission dry run.
type SimulateOptions struct {
	Ceiling   string
	Price     string
	MinAmount string
	MaxAmount string
	Pledges   []string
}
