package app

import (
	"context"
	"errors"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"perp-spike-alerts/internal/alerting"
	"perp-spike-alerts/internal/config"
	"perp-spike-alerts/internal/dedup"
	"perp-spike-alerts/internal/detector"
	"perp-spike-alerts/internal/fetcher"
	"perp-spike-alerts/internal/history"
	"perp-spike-alerts/internal/scheduler"
	"perp-spike-alerts/internal/service"
	"perp-spike-alerts/internal/storage"
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

func (a *App) newSource() (fetcher.Source, error) {
	hl := a.Config.Hyperliquid
	return fetcher.NewHyperliquid(fetcher.Options{
		BaseURL:        hl.BaseURL,
		Timeout:        hl.RequestTimeout,
		UserAgent:      hl.UserAgent,
		RequestsPerSec: hl.RequestsPerSec,
		MaxRetryTime:   hl.MaxRetryTime,
		TrackedWallets: hl.TrackedWallets,
	}, a.Logger)
}

func (a *App) newNotifier() alerting.Notifier {
	if a.Config.Alerting.Telegram.Enabled {
		cfg := a.Config.Alerting.Telegram
		return alerting.NewTelegramNotifier(cfg.BotToken, cfg.ChatID, cfg.APIBase, 10*time.Second, a.Logger)
	}
	return nil
}

func (a *App) newFilter() *dedup.Filter {
	return dedup.NewFilter(dedup.Options{
		Cooldown:       a.Config.Alerting.Cooldown,
		RearmMarginPct: decimal.NewFromFloat(a.Config.Alerting.RearmMarginPct),
		EventTTL:       a.Config.Alerting.EventTTL,
	})
}

func (a *App) newEngine(store *history.Store) *detector.Engine {
	t := a.Config.Thresholds
	return detector.NewEngine(detector.Thresholds{
		OISpikePct:          decimal.NewFromFloat(t.OISpikePct),
		WhaleNotional:       decimal.NewFromFloat(t.WhaleNotional),
		FundingSpikePct:     decimal.NewFromFloat(t.FundingSpikePct),
		LiquidationNotional: decimal.NewFromFloat(t.LiquidationNotional),
		VolumeSpikePct:      decimal.NewFromFloat(t.VolumeSpikePct),
		VolatilityPct:       decimal.NewFromFloat(t.VolatilityPct),
	}, detector.Windows{
		Volume:     a.Config.History.VolumeWindow,
		Volatility: a.Config.History.VolatilityLookback,
	}, store)
}

func (a *App) openStore(ctx context.Context) (*storage.Store, func(), error) {
	if a.Config.Database.DSN == "" {
		return nil, nil, nil
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

// newService assembles the orchestrator and its in-memory state.
func (a *App) newService(sched *scheduler.Scheduler, source fetcher.Source, feed fetcher.LiquidationFeed, store *storage.Store) *service.Service {
	hist := history.NewStore(a.Config.History.Horizon())

	deps := service.Deps{
		Scheduler: sched,
		Source:    source,
		Feed:      feed,
		History:   hist,
		Engine:    a.newEngine(hist),
		Filter:    a.newFilter(),
		Notifier:  a.newNotifier(),
	}
	if store != nil {
		deps.Snapshots = store
		deps.AlertStates = store
		deps.AlertLog = store
		deps.Locker = store
	}

	return service.New(a.Config, deps, a.Logger)
}

// Run executes the long-running monitoring service.
func (a *App) Run(ctx context.Context) error {
	ctx, cancel := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	store, closeStore, err := a.openStore(ctx)
	if err != nil {
		return err
	}
	if store == nil {
		a.Logger.Warn().Msg("database.dsn not configured; checkpointing disabled, history resets on restart")
	}
	if closeStore != nil {
		defer closeStore()
	}

	source, err := a.newSource()
	if err != nil {
		return err
	}

	var feed fetcher.LiquidationFeed
	if a.Config.Hyperliquid.Stream.Enabled {
		stream := fetcher.NewLiquidationStream(fetcher.StreamOptions{
			URL:    a.Config.Hyperliquid.Stream.URL,
			Buffer: a.Config.Hyperliquid.Stream.Buffer,
		}, a.Logger)
		stream.Start(ctx)
		feed = stream
	}

	sched := scheduler.New(scheduler.Options{
		Interval:     a.Config.Scheduler.Interval,
		AlignToStart: a.Config.Scheduler.AlignToBucket,
		StartupDelay: a.Config.Scheduler.StartupDelay,
	}, a.Logger)

	svc := a.newService(sched, source, feed, store)
	if err := svc.Warmup(ctx, time.Now().UTC()); err != nil {
		return err
	}

	a.Logger.Info().Msg("starting monitoring service")
	err = svc.Run(ctx)
	if err != nil && !errors.Is(err, context.Canceled) {
		a.Logger.Error().Err(err).Msg("service terminated with error")
		return err
	}

	a.Logger.Info().Msg("monitoring service stopped")
	return nil
}

// ExportOptions hold parameters for exporting snapshot history.
type ExportOptions struct {
	Asset     string
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
