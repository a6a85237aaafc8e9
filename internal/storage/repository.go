package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"perp-spike-alerts/internal/dedup"
	"perp-spike-alerts/internal/market"
)

var (
	// ErrNotConfigured indicates the storage pool was not initialised.
	ErrNotConfigured = errors.New("storage: pool not configured")
)

const (
	upsertSnapshotSQL = `INSERT INTO snapshots (
        asset,
        ts,
        open_interest,
        mark_price,
        funding_rate,
        day_volume
    ) VALUES (
        $1,$2,$3,$4,$5,$6
    )
    ON CONFLICT (asset, ts) DO NOTHING;`

	pruneSnapshotsSQL = `DELETE FROM snapshots WHERE ts < $1;`

	listSnapshotsSinceSQL = `SELECT
        asset,
        ts,
        open_interest,
        mark_price,
        funding_rate,
        day_volume
    FROM snapshots
    WHERE ts >= $1
    ORDER BY asset, ts;`

	listSnapshotsForAssetSQL = `SELECT
        asset,
        ts,
        open_interest,
        mark_price,
        funding_rate,
        day_volume
    FROM snapshots
    WHERE asset = $1
      AND ts >= $2
      AND ts < $3
    ORDER BY ts;`

	upsertAlertStateSQL = `INSERT INTO alert_states (
        dedupe_key,
        kind,
        asset,
        last_fired,
        magnitude,
        per_event
    ) VALUES (
        $1,$2,$3,$4,$5,$6
    )
    ON CONFLICT (dedupe_key) DO UPDATE
    SET last_fired = EXCLUDED.last_fired,
        magnitude  = EXCLUDED.magnitude;`

	deleteAlertStatesNotInSQL = `DELETE FROM alert_states WHERE per_event AND last_fired < $1;`

	listAlertStatesSQL = `SELECT
        dedupe_key,
        kind,
        asset,
        last_fired,
        magnitude,
        per_event
    FROM alert_states;`

	insertAlertSQL = `INSERT INTO alerts (
        kind,
        asset,
        magnitude,
        direction,
        message,
        fired_at
    ) VALUES (
        $1,$2,$3,$4,$5,$6
    )
    RETURNING id, created_at;`

	listRecentAlertsSQL = `SELECT
        id,
        kind,
        asset,
        magnitude,
        direction,
        message,
        fired_at,
        created_at
    FROM alerts
    ORDER BY created_at DESC
    LIMIT $1;`

	tryAdvisoryLockSQL = `SELECT pg_try_advisory_lock($1);`
	advisoryUnlockSQL  = `SELECT pg_advisory_unlock($1);`
)

// SnapshotStore persists the rolling history tail so a restarted
// process resumes with warm lookbacks.
type SnapshotStore interface {
	SaveSnapshots(ctx context.Context, snaps []market.Snapshot) error
	PruneSnapshots(ctx context.Context, olderThan time.Time) error
	ListSnapshotsSince(ctx context.Context, since time.Time) ([]market.Snapshot, error)
	ListSnapshotsForAsset(ctx context.Context, asset string, from, to time.Time) ([]market.Snapshot, error)
}

// AlertStateStore persists the dedup filter's record table.
type AlertStateStore interface {
	SaveAlertStates(ctx context.Context, recs []dedup.Record) error
	PruneEventStates(ctx context.Context, olderThan time.Time) error
	ListAlertStates(ctx context.Context) ([]dedup.Record, error)
}

// AlertLog records emitted alerts for auditing.
type AlertLog interface {
	InsertAlert(ctx context.Context, row AlertRow) (AlertRow, error)
	ListRecentAlerts(ctx context.Context, limit int) ([]AlertRow, error)
}

// AdvisoryLocker exposes advisory lock helpers.
type AdvisoryLocker interface {
	TryAdvisoryLock(ctx context.Context, key int64) (unlock func(), acquired bool, err error)
}

// Store aggregates checkpoint and audit access.
type Store struct {
	pool *pgxpool.Pool
}

// NewStore wires a pgx pool into a Store.
func NewStore(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool}
}

// Close releases the underlying pool resources.
func (s *Store) Close() {
	if s == nil || s.pool == nil {
		return
	}
	s.pool.Close()
}

func (s *Store) getPool() (*pgxpool.Pool, error) {
	if s == nil || s.pool == nil {
		return nil, ErrNotConfigured
	}
	return s.pool, nil
}

// TryAdvisoryLock attempts to acquire a postgres advisory lock and returns a release func.
func (s *Store) TryAdvisoryLock(ctx context.Context, key int64) (func(), bool, error) {
	pool, err := s.getPool()
	if err != nil {
		return nil, false, err
	}

	conn, err := pool.Acquire(ctx)
	if err != nil {
		return nil, false, fmt.Errorf("acquire connection: %w", err)
	}

	var acquired bool
	if err := conn.QueryRow(ctx, tryAdvisoryLockSQL, key).Scan(&acquired); err != nil {
		conn.Release()
		return nil, false, fmt.Errorf("try advisory lock: %w", err)
	}
	if !acquired {
		conn.Release()
		return nil, false, nil
	}

	unlock := func() {
		ctxUnlock, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		// Unlock is best effort; releasing the connection drops the lock
		// anyway if the statement failed.
		_, _ = conn.Exec(ctxUnlock, advisoryUnlockSQL, key)
		conn.Release()
	}
	return unlock, true, nil
}

// SaveSnapshots persists a batch of snapshots; duplicates are ignored.
func (s *Store) SaveSnapshots(ctx context.Context, snaps []market.Snapshot) error {
	pool, err := s.getPool()
	if err != nil {
		return err
	}
	for _, snap := range snaps {
		_, execErr := pool.Exec(ctx, upsertSnapshotSQL,
			snap.Asset,
			snap.Timestamp,
			snap.OpenInterest.String(),
			snap.MarkPrice.String(),
			snap.FundingRate.String(),
			snap.DayVolume.String(),
		)
		if execErr != nil {
			return fmt.Errorf("save snapshot %s@%s: %w", snap.Asset, snap.Timestamp, execErr)
		}
	}
	return nil
}

// PruneSnapshots drops snapshots older than the retention horizon.
func (s *Store) PruneSnapshots(ctx context.Context, olderThan time.Time) error {
	pool, err := s.getPool()
	if err != nil {
		return err
	}
	if _, execErr := pool.Exec(ctx, pruneSnapshotsSQL, olderThan); execErr != nil {
		return fmt.Errorf("prune snapshots: %w", execErr)
	}
	return nil
}

// ListSnapshotsSince loads the retained history tail for warm starts.
func (s *Store) ListSnapshotsSince(ctx context.Context, since time.Time) ([]market.Snapshot, error) {
	pool, err := s.getPool()
	if err != nil {
		return nil, err
	}
	rows, queryErr := pool.Query(ctx, listSnapshotsSinceSQL, since)
	if queryErr != nil {
		return nil, fmt.Errorf("list snapshots since: %w", queryErr)
	}
	defer rows.Close()
	return scanSnapshots(rows)
}

// ListSnapshotsForAsset loads one asset's history for export.
func (s *Store) ListSnapshotsForAsset(ctx context.Context, asset string, from, to time.Time) ([]market.Snapshot, error) {
	pool, err := s.getPool()
	if err != nil {
		return nil, err
	}
	rows, queryErr := pool.Query(ctx, listSnapshotsForAssetSQL, asset, from, to)
	if queryErr != nil {
		return nil, fmt.Errorf("list snapshots for asset: %w", queryErr)
	}
	defer rows.Close()
	return scanSnapshots(rows)
}

// SaveAlertStates checkpoints the dedup record table.
func (s *Store) SaveAlertStates(ctx context.Context, recs []dedup.Record) error {
	pool, err := s.getPool()
	if err != nil {
		return err
	}
	for _, rec := range recs {
		_, execErr := pool.Exec(ctx, upsertAlertStateSQL,
			rec.Key,
			string(rec.Kind),
			rec.Asset,
			rec.LastFired,
			rec.Magnitude.String(),
			rec.PerEvent,
		)
		if execErr != nil {
			return fmt.Errorf("save alert state %s: %w", rec.Key, execErr)
		}
	}
	return nil
}

// PruneEventStates drops expired per-event dedupe rows.
func (s *Store) PruneEventStates(ctx context.Context, olderThan time.Time) error {
	pool, err := s.getPool()
	if err != nil {
		return err
	}
	if _, execErr := pool.Exec(ctx, deleteAlertStatesNotInSQL, olderThan); execErr != nil {
		return fmt.Errorf("prune event states: %w", execErr)
	}
	return nil
}

// ListAlertStates loads the checkpointed dedup table.
func (s *Store) ListAlertStates(ctx context.Context) ([]dedup.Record, error) {
	pool, err := s.getPool()
	if err != nil {
		return nil, err
	}
	rows, queryErr := pool.Query(ctx, listAlertStatesSQL)
	if queryErr != nil {
		return nil, fmt.Errorf("list alert states: %w", queryErr)
	}
	defer rows.Close()

	recs := make([]dedup.Record, 0)
	for rows.Next() {
		var rec dedup.Record
		var kind string
		var magnitudeStr string
		if err := rows.Scan(&rec.Key, &kind, &rec.Asset, &rec.LastFired, &magnitudeStr, &rec.PerEvent); err != nil {
			return nil, err
		}
		magnitude, convErr := decimal.NewFromString(magnitudeStr)
		if convErr != nil {
			return nil, fmt.Errorf("parse magnitude: %w", convErr)
		}
		rec.Kind = market.AlertKind(kind)
		rec.Magnitude = magnitude
		recs = append(recs, rec)
	}
	if rows.Err() != nil {
		return nil, rows.Err()
	}
	return recs, nil
}

// InsertAlert persists an alert emission.
func (s *Store) InsertAlert(ctx context.Context, row AlertRow) (AlertRow, error) {
	pool, err := s.getPool()
	if err != nil {
		return AlertRow{}, err
	}

	scanRow := pool.QueryRow(ctx, insertAlertSQL,
		row.Kind,
		row.Asset,
		row.Magnitude.String(),
		row.Direction,
		row.Message,
		row.FiredAt,
	)
	if scanErr := scanRow.Scan(&row.ID, &row.CreatedAt); scanErr != nil {
		return AlertRow{}, fmt.Errorf("insert alert: %w", scanErr)
	}
	return row, nil
}

// ListRecentAlerts lists most recent alerts.
func (s *Store) ListRecentAlerts(ctx context.Context, limit int) ([]AlertRow, error) {
	pool, err := s.getPool()
	if err != nil {
		return nil, err
	}

	rows, queryErr := pool.Query(ctx, listRecentAlertsSQL, limit)
	if queryErr != nil {
		return nil, fmt.Errorf("list recent alerts: %w", queryErr)
	}
	defer rows.Close()

	alerts := make([]AlertRow, 0, limit)
	for rows.Next() {
		var row AlertRow
		var magnitudeStr string
		if err := rows.Scan(
			&row.ID,
			&row.Kind,
			&row.Asset,
			&magnitudeStr,
			&row.Direction,
			&row.Message,
			&row.FiredAt,
			&row.CreatedAt,
		); err != nil {
			return nil, err
		}
		magnitude, convErr := decimal.NewFromString(magnitudeStr)
		if convErr != nil {
			return nil, fmt.Errorf("parse magnitude: %w", convErr)
		}
		row.Magnitude = magnitude
		alerts = append(alerts, row)
	}
	if rows.Err() != nil {
		return nil, rows.Err()
	}
	return alerts, nil
}

func scanSnapshots(rows pgx.Rows) ([]market.Snapshot, error) {
	snaps := make([]market.Snapshot, 0)
	for rows.Next() {
		var (
			asset      string
			ts         time.Time
			oiStr      string
			markStr    string
			fundingStr string
			volumeStr  string
		)
		if err := rows.Scan(&asset, &ts, &oiStr, &markStr, &fundingStr, &volumeStr); err != nil {
			return nil, err
		}

		oi, err := decimal.NewFromString(oiStr)
		if err != nil {
			return nil, fmt.Errorf("parse open interest: %w", err)
		}
		mark, err := decimal.NewFromString(markStr)
		if err != nil {
			return nil, fmt.Errorf("parse mark price: %w", err)
		}
		funding, err := decimal.NewFromString(fundingStr)
		if err != nil {
			return nil, fmt.Errorf("parse funding rate: %w", err)
		}
		volume, err := decimal.NewFromString(volumeStr)
		if err != nil {
			return nil, fmt.Errorf("parse day volume: %w", err)
		}

		snaps = append(snaps, market.Snapshot{
			Asset:        asset,
			OpenInterest: oi,
			MarkPrice:    mark,
			FundingRate:  funding,
			DayVolume:    volume,
			Timestamp:    ts,
		})
	}
	if rows.Err() != nil {
		return nil, rows.Err()
	}
	return snaps, nil
}
