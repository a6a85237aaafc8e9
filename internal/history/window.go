package history

import (
	"fmt"
	"sort"
	"time"

	"github.com/shopspring/decimal"

	"perp-spike-alerts/internal/market"
)

// Store keeps a bounded, time-ordered snapshot window per asset. It is
// owned by the orchestrator's single goroutine and is not safe for
// concurrent use.
type Store struct {
	horizon time.Duration
	assets  map[string][]market.Snapshot
}

// NewStore builds a Store retaining snapshots for the given horizon.
func NewStore(horizon time.Duration) *Store {
	if horizon <= 0 {
		horizon = time.Hour
	}
	return &Store{
		horizon: horizon,
		assets:  map[string][]market.Snapshot{},
	}
}

// Record appends a snapshot and evicts entries that fell out of the
// horizon. Snapshots at or before the newest recorded timestamp for the
// asset are rejected so the window stays strictly ascending.
func (s *Store) Record(snap market.Snapshot) error {
	window := s.assets[snap.Asset]
	if n := len(window); n > 0 && !window[n-1].Timestamp.Before(snap.Timestamp) {
		return fmt.Errorf("history: snapshot for %s at %s is not after %s",
			snap.Asset, snap.Timestamp.Format(time.RFC3339), window[n-1].Timestamp.Format(time.RFC3339))
	}
	window = append(window, snap)
	s.assets[snap.Asset] = s.evict(window, snap.Timestamp)
	return nil
}

// evict drops entries older than horizon relative to the newest
// timestamp. Only the old end is touched, so re-running for the same
// newest timestamp removes nothing further.
func (s *Store) evict(window []market.Snapshot, newest time.Time) []market.Snapshot {
	cutoff := newest.Add(-s.horizon)
	idx := 0
	for idx < len(window) && window[idx].Timestamp.Before(cutoff) {
		idx++
	}
	if idx == 0 {
		return window
	}
	kept := make([]market.Snapshot, len(window)-idx)
	copy(kept, window[idx:])
	return kept
}

// Latest returns the most recently recorded snapshot for the asset.
func (s *Store) Latest(asset string) (market.Snapshot, bool) {
	window := s.assets[asset]
	if len(window) == 0 {
		return market.Snapshot{}, false
	}
	return window[len(window)-1], true
}

// Previous returns the snapshot immediately preceding the latest one,
// i.e. the prior poll's observation.
func (s *Store) Previous(asset string) (market.Snapshot, bool) {
	window := s.assets[asset]
	if len(window) < 2 {
		return market.Snapshot{}, false
	}
	return window[len(window)-2], true
}

// AtOrBefore returns the latest snapshot with timestamp <= t.
func (s *Store) AtOrBefore(asset string, t time.Time) (market.Snapshot, bool) {
	window := s.assets[asset]
	idx := sort.Search(len(window), func(i int) bool {
		return window[i].Timestamp.After(t)
	})
	if idx == 0 {
		return market.Snapshot{}, false
	}
	return window[idx-1], true
}

// AverageVolume returns the mean trailing volume over the last window
// duration, excluding the just-recorded sample. ok is false when no
// prior sample falls inside the window or the asset's history does not
// yet span the full window.
func (s *Store) AverageVolume(asset string, window time.Duration) (decimal.Decimal, bool) {
	entries := s.assets[asset]
	if len(entries) < 2 {
		return decimal.Zero, false
	}
	newest := entries[len(entries)-1]
	if newest.Timestamp.Sub(entries[0].Timestamp) < window {
		return decimal.Zero, false
	}

	cutoff := newest.Timestamp.Add(-window)
	sum := decimal.Zero
	count := int64(0)
	for _, entry := range entries[:len(entries)-1] {
		if entry.Timestamp.Before(cutoff) {
			continue
		}
		sum = sum.Add(entry.DayVolume)
		count++
	}
	if count == 0 {
		return decimal.Zero, false
	}
	return sum.Div(decimal.NewFromInt(count)), true
}

// Len reports the number of retained snapshots for the asset.
func (s *Store) Len(asset string) int {
	return len(s.assets[asset])
}

// Seed loads persisted snapshots, e.g. from the checkpoint store on
// startup. Entries are sorted and out-of-order duplicates dropped.
func (s *Store) Seed(snaps []market.Snapshot) {
	sorted := make([]market.Snapshot, len(snaps))
	copy(sorted, snaps)
	sort.Slice(sorted, func(i, j int) bool {
		if sorted[i].Asset != sorted[j].Asset {
			return sorted[i].Asset < sorted[j].Asset
		}
		return sorted[i].Timestamp.Before(sorted[j].Timestamp)
	})
	for _, snap := range sorted {
		_ = s.Record(snap)
	}
}
