package dedup

import (
	"time"

	"github.com/shopspring/decimal"

	"perp-spike-alerts/internal/market"
)

// Record tracks the last emission for one dedupe key. Records exist
// only after their key has fired at least once.
type Record struct {
	Key       string
	Kind      market.AlertKind
	Asset     string
	LastFired time.Time
	Magnitude decimal.Decimal
	PerEvent  bool
}

// Options tune the filter.
type Options struct {
	// Cooldown suppresses repeat emissions of a state-based key.
	Cooldown time.Duration
	// RearmMarginPct re-fires inside the cooldown when the new magnitude
	// exceeds the last fired one by this percentage. Zero disables the
	// escalation override.
	RearmMarginPct decimal.Decimal
	// EventTTL bounds the per-event record table; an event record older
	// than this is pruned since the same event cannot recur.
	EventTTL time.Duration
}

// Filter is the stateful gate between detector candidates and the
// alert sink. Owned by the orchestrator goroutine, not concurrency safe.
type Filter struct {
	opts    Options
	records map[string]*Record
}

// NewFilter constructs a Filter.
func NewFilter(opts Options) *Filter {
	if opts.Cooldown <= 0 {
		opts.Cooldown = 10 * time.Minute
	}
	if opts.EventTTL <= 0 {
		opts.EventTTL = 24 * time.Hour
	}
	return &Filter{opts: opts, records: map[string]*Record{}}
}

// Admit decides whether a candidate becomes an outward alert, updating
// the record table when it does.
func (f *Filter) Admit(c market.Candidate) bool {
	key := c.DedupeKey()
	rec, seen := f.records[key]

	if c.PerEvent() {
		// Discrete events fire once per identity. The only way back in
		// is the escalation bar: a position that grows past the re-arm
		// margin counts as a new event.
		if seen {
			if f.escalates(rec, c) {
				f.fire(key, c)
				return true
			}
			return false
		}
		f.fire(key, c)
		return true
	}

	if !seen {
		f.fire(key, c)
		return true
	}

	if c.Timestamp.Sub(rec.LastFired) >= f.opts.Cooldown {
		f.fire(key, c)
		return true
	}

	if f.escalates(rec, c) {
		f.fire(key, c)
		return true
	}

	return false
}

// escalates reports whether a candidate inside the cooldown window
// overrides suppression by exceeding the last magnitude by the re-arm
// margin.
func (f *Filter) escalates(rec *Record, c market.Candidate) bool {
	if f.opts.RearmMarginPct.Sign() <= 0 || rec.Magnitude.Sign() <= 0 {
		return false
	}
	bar := rec.Magnitude.Mul(decimal.NewFromInt(1).Add(f.opts.RearmMarginPct.Div(decimal.NewFromInt(100))))
	return c.Magnitude.GreaterThanOrEqual(bar)
}

func (f *Filter) fire(key string, c market.Candidate) {
	f.records[key] = &Record{
		Key:       key,
		Kind:      c.Kind,
		Asset:     c.Asset,
		LastFired: c.Timestamp,
		Magnitude: c.Magnitude,
		PerEvent:  c.PerEvent(),
	}
}

// Prune drops expired per-event records. State-based records are kept
// for the process lifetime.
func (f *Filter) Prune(now time.Time) {
	for key, rec := range f.records {
		if rec.PerEvent && now.Sub(rec.LastFired) > f.opts.EventTTL {
			delete(f.records, key)
		}
	}
}

// Snapshot exports the record table for checkpointing.
func (f *Filter) Snapshot() []Record {
	out := make([]Record, 0, len(f.records))
	for _, rec := range f.records {
		out = append(out, *rec)
	}
	return out
}

// Restore loads a previously checkpointed record table, preserving
// cooldown state across process restarts.
func (f *Filter) Restore(recs []Record) {
	for _, rec := range recs {
		copied := rec
		f.records[rec.Key] = &copied
	}
}

// Len reports the number of tracked keys.
func (f *Filter) Len() int {
	return len(f.records)
}
