package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"perp-spike-alerts/internal/alerting"
	"perp-spike-alerts/internal/config"
	"perp-spike-alerts/internal/dedup"
	"perp-spike-alerts/internal/detector"
	"perp-spike-alerts/internal/fetcher"
	"perp-spike-alerts/internal/history"
	"perp-spike-alerts/internal/market"
	"perp-spike-alerts/internal/scheduler"
	"perp-spike-alerts/internal/storage"
)

// Deps bundles the orchestrator's collaborators. Storage fields may be
// nil for memory-only operation.
type Deps struct {
	Scheduler   *scheduler.Scheduler
	Source      fetcher.Source
	Feed        fetcher.LiquidationFeed
	History     *history.Store
	Engine      *detector.Engine
	Filter      *dedup.Filter
	Notifier    alerting.Notifier
	Snapshots   storage.SnapshotStore
	AlertStates storage.AlertStateStore
	AlertLog    storage.AlertLog
	Locker      storage.AdvisoryLocker
}

// Service orchestrates the fetch→record→detect→filter→dispatch cycle.
// All mutable state (history window, dedup table) is owned by the
// single goroutine driving Tick, so no locking is needed.
type Service struct {
	deps     Deps
	logger   zerolog.Logger
	horizon  time.Duration
	eventTTL time.Duration
	alertsOn bool
	lockKey  int64
}

// New constructs the monitoring service.
func New(cfg *config.Config, deps Deps, logger zerolog.Logger) *Service {
	return &Service{
		deps:     deps,
		logger:   logger.With().Str("component", "service").Logger(),
		horizon:  cfg.History.Horizon(),
		eventTTL: cfg.Alerting.EventTTL,
		alertsOn: cfg.Alerting.Enabled,
		lockKey:  cfg.Scheduler.AdvisoryLockKey,
	}
}

// Warmup restores the history window and dedup table from the
// checkpoint store so a restarted process keeps cold-start suppression
// and cooldown state.
func (s *Service) Warmup(ctx context.Context, now time.Time) error {
	if s.deps.Snapshots != nil {
		snaps, err := s.deps.Snapshots.ListSnapshotsSince(ctx, now.Add(-s.horizon))
		if err != nil {
			return fmt.Errorf("load snapshot checkpoint: %w", err)
		}
		s.deps.History.Seed(snaps)
		s.logger.Info().Int("snapshots", len(snaps)).Msg("history restored from checkpoint")
	}
	if s.deps.AlertStates != nil {
		recs, err := s.deps.AlertStates.ListAlertStates(ctx)
		if err != nil {
			return fmt.Errorf("load alert state checkpoint: %w", err)
		}
		s.deps.Filter.Restore(recs)
		s.logger.Info().Int("states", len(recs)).Msg("dedup table restored from checkpoint")
	}
	return nil
}

// Run begins the aligned polling loop.
func (s *Service) Run(ctx context.Context) error {
	if s.deps.Scheduler == nil {
		return errors.New("scheduler not configured")
	}
	return s.deps.Scheduler.Run(ctx, s.Tick)
}

// Tick executes exactly one poll cycle. A fetch failure aborts before
// any history mutation; dispatch failures do not unfire dedup state.
func (s *Service) Tick(ctx context.Context, now time.Time) error {
	unlock, proceed, err := s.acquireLock(ctx)
	if err != nil {
		return &CycleError{Class: ClassStorage, Err: err}
	}
	if !proceed {
		s.logger.Debug().Time("tick", now).Msg("skip tick because advisory lock held elsewhere")
		return nil
	}
	if unlock != nil {
		defer unlock()
	}

	result, err := s.deps.Source.Fetch(ctx)
	if err != nil {
		return &CycleError{Class: ClassFetch, Err: err}
	}
	if s.deps.Feed != nil {
		result.Liquidations = append(result.Liquidations, s.deps.Feed.Drain()...)
	}

	candidates := s.detect(result)
	emitted := s.filterCandidates(candidates)

	s.logger.Info().Time("tick", now).
		Int("assets", len(result.Snapshots)).
		Int("candidates", len(candidates)).
		Int("alerts", len(emitted)).
		Msg("cycle evaluated")

	dispatchErr := s.dispatch(ctx, emitted)
	storageErr := s.checkpoint(ctx, now, result)

	if dispatchErr != nil {
		return &CycleError{Class: ClassDispatch, Err: dispatchErr}
	}
	if storageErr != nil {
		return &CycleError{Class: ClassStorage, Err: storageErr}
	}
	return nil
}

func (s *Service) detect(result fetcher.Result) []market.Candidate {
	var candidates []market.Candidate

	for _, snap := range result.Snapshots {
		if err := s.deps.History.Record(snap); err != nil {
			// Stale or duplicate observation; keep the prior state.
			s.logger.Debug().Err(err).Str("asset", snap.Asset).Msg("snapshot rejected")
			continue
		}
		candidates = append(candidates, s.deps.Engine.EvaluateSnapshot(snap)...)
	}

	for _, pos := range result.Positions {
		if c, ok := s.deps.Engine.EvaluatePosition(pos); ok {
			candidates = append(candidates, c)
		}
	}

	for _, liq := range result.Liquidations {
		if c, ok := s.deps.Engine.EvaluateLiquidation(liq); ok {
			candidates = append(candidates, c)
		}
	}

	return candidates
}

func (s *Service) filterCandidates(candidates []market.Candidate) []market.Candidate {
	emitted := make([]market.Candidate, 0, len(candidates))
	for _, c := range candidates {
		if s.deps.Filter.Admit(c) {
			emitted = append(emitted, c)
			continue
		}
		s.logger.Debug().Str("key", c.DedupeKey()).Msg("candidate suppressed")
	}
	return emitted
}

// dispatch sends each surviving alert and records it in the audit log.
// Delivery is best effort: a failure is reported but never rolls back
// the dedup filter's fired state.
func (s *Service) dispatch(ctx context.Context, emitted []market.Candidate) error {
	if !s.alertsOn || len(emitted) == 0 {
		return nil
	}

	var firstErr error
	for _, c := range emitted {
		text := alerting.Render(c)

		if s.deps.AlertLog != nil {
			row := storage.AlertRow{
				Kind:      string(c.Kind),
				Asset:     c.Asset,
				Magnitude: c.Magnitude,
				Direction: string(c.Direction),
				Message:   text,
				FiredAt:   c.Timestamp,
			}
			if _, err := s.deps.AlertLog.InsertAlert(ctx, row); err != nil {
				s.logger.Error().Err(err).Str("asset", c.Asset).Msg("failed to persist alert record")
			}
		}

		if s.deps.Notifier == nil {
			continue
		}
		note := alerting.Notification{
			Kind:      c.Kind,
			Asset:     c.Asset,
			Text:      text,
			Timestamp: c.Timestamp,
		}
		if err := s.deps.Notifier.Notify(ctx, note); err != nil {
			s.logger.Error().Err(err).Str("asset", c.Asset).Str("kind", string(c.Kind)).Msg("failed to dispatch alert")
			if firstErr == nil {
				firstErr = err
			}
		}
	}
	return firstErr
}

func (s *Service) checkpoint(ctx context.Context, now time.Time, result fetcher.Result) error {
	s.deps.Filter.Prune(now)

	var firstErr error
	record := func(err error, msg string) {
		if err == nil {
			return
		}
		s.logger.Error().Err(err).Msg(msg)
		if firstErr == nil {
			firstErr = err
		}
	}

	if s.deps.Snapshots != nil {
		record(s.deps.Snapshots.SaveSnapshots(ctx, result.Snapshots), "failed to checkpoint snapshots")
		record(s.deps.Snapshots.PruneSnapshots(ctx, now.Add(-s.horizon)), "failed to prune snapshot checkpoint")
	}
	if s.deps.AlertStates != nil {
		record(s.deps.AlertStates.SaveAlertStates(ctx, s.deps.Filter.Snapshot()), "failed to checkpoint alert states")
		record(s.deps.AlertStates.PruneEventStates(ctx, now.Add(-s.eventTTL)), "failed to prune event states")
	}
	return firstErr
}

func (s *Service) acquireLock(ctx context.Context) (func(), bool, error) {
	if s.lockKey == 0 || s.deps.Locker == nil {
		return nil, true, nil
	}
	unlock, acquired, err := s.deps.Locker.TryAdvisoryLock(ctx, s.lockKey)
	if err != nil {
		return nil, false, fmt.Errorf("acquire advisory lock: %w", err)
	}
	if !acquired {
		return nil, false, nil
	}
	return unlock, true, nil
}
