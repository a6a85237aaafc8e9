package app

import (
	"context"
	"time"
)

// Once executes exactly one poll cycle and returns its failure class
// (if any) for exit-status reporting. Repetition is the caller's job,
// e.g. cron; with a checkpoint database configured the rolling history
// and dedup state survive between invocations.
func (a *App) Once(ctx context.Context) error {
	store, closeStore, err := a.openStore(ctx)
	if err != nil {
		return err
	}
	if store == nil {
		a.Logger.Warn().Msg("database.dsn not configured; single-shot runs cannot carry history between invocations")
	}
	if closeStore != nil {
		defer closeStore()
	}

	source, err := a.newSource()
	if err != nil {
		return err
	}

	svc := a.newService(nil, source, nil, store)

	now := time.Now().UTC()
	if err := svc.Warmup(ctx, now); err != nil {
		return err
	}
	return svc.Tick(ctx, now)
}
