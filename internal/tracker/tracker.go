// Package tracker turns raw cumulative counter reads into persisted increments.
//
// Each key (device, line, machine, condition) carries a baseline: the last cumulative
// value this process used as a reference, stamped with the calendar date it was seen on.
// The first observation of a key on a given date re-derives the baseline from the latest
// stored record, so process restarts and midnight never produce bogus deltas.
package tracker

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/nexus-edge/plant-poller/internal/domain"
	"github.com/rs/zerolog"
)

// Baseline is the in-memory reference for one key.
type Baseline struct {
	Cumulative int64
	Date       string
}

// BaselineStore holds baselines. Implementations must be safe for concurrent use
// across keys; a single key is never observed concurrently.
type BaselineStore interface {
	Get(key domain.Key) (Baseline, bool)
	Set(key domain.Key, b Baseline)
	Delete(key domain.Key)
	Clear()
	Len() int
}

// MemoryStore is the process-lifetime BaselineStore.
type MemoryStore struct {
	mu        sync.RWMutex
	baselines map[domain.Key]Baseline
}

// NewMemoryStore creates an empty store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{baselines: make(map[domain.Key]Baseline)}
}

func (s *MemoryStore) Get(key domain.Key) (Baseline, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	b, ok := s.baselines[key]
	return b, ok
}

func (s *MemoryStore) Set(key domain.Key, b Baseline) {
	s.mu.Lock()
	s.baselines[key] = b
	s.mu.Unlock()
}

func (s *MemoryStore) Delete(key domain.Key) {
	s.mu.Lock()
	delete(s.baselines, key)
	s.mu.Unlock()
}

func (s *MemoryStore) Clear() {
	s.mu.Lock()
	s.baselines = make(map[domain.Key]Baseline)
	s.mu.Unlock()
}

func (s *MemoryStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.baselines)
}

// Reading is one raw observation of a key.
type Reading struct {
	Cumulative int64
	At         time.Time
	// Plant and Duration are carried through to the ledger untouched.
	Plant    string
	Duration int64
}

// Entry is what the tracker asks the ledger to persist.
type Entry struct {
	Key         domain.Key
	Incremental int64
	Cumulative  int64
	Reading     Reading
	// Initial marks the first record ever written for the key.
	Initial bool
}

// Ledger is the persistence side of the tracker.
type Ledger interface {
	// LatestCumulative returns the cumulative value of the newest stored record for key.
	LatestCumulative(ctx context.Context, key domain.Key) (int64, bool, error)
	Append(ctx context.Context, e Entry) error
}

// Outcome describes what Observe decided.
type Outcome int

const (
	// Skipped means the reading was zero and ignored.
	Skipped Outcome = iota
	// Unchanged means the reading matched the baseline; nothing was written.
	Unchanged
	// Persisted means an entry was appended.
	Persisted
	// Rebased means the baseline was re-derived without writing a record.
	Rebased
)

func (o Outcome) String() string {
	switch o {
	case Skipped:
		return "skipped"
	case Unchanged:
		return "unchanged"
	case Persisted:
		return "persisted"
	case Rebased:
		return "rebased"
	}
	return fmt.Sprintf("outcome(%d)", int(o))
}

// Result is returned by Observe.
type Result struct {
	Outcome Outcome
	Entry   Entry
	// CounterReset is set when the reading fell below the baseline.
	CounterReset bool
}

// Tracker applies the baseline rules for every key.
type Tracker struct {
	store  BaselineStore
	ledger Ledger
	logger zerolog.Logger
}

// New creates a tracker.
func New(store BaselineStore, ledger Ledger, logger zerolog.Logger) *Tracker {
	if store == nil {
		store = NewMemoryStore()
	}
	return &Tracker{
		store:  store,
		ledger: ledger,
		logger: logger.With().Str("component", "tracker").Logger(),
	}
}

// DateOf formats the calendar date that baselines are keyed by.
func DateOf(t time.Time) string {
	return t.Format("2006-01-02")
}

// Observe applies one reading to a key. The baseline only advances after a successful append.
func (t *Tracker) Observe(ctx context.Context, key domain.Key, r Reading) (Result, error) {
	if r.Cumulative == 0 {
		return Result{Outcome: Skipped}, nil
	}
	today := DateOf(r.At)

	base, ok := t.store.Get(key)
	if !ok || base.Date != today {
		return t.initialise(ctx, key, r, today)
	}

	delta := r.Cumulative - base.Cumulative
	if delta == 0 {
		return Result{Outcome: Unchanged}, nil
	}

	e := Entry{Key: key, Incremental: delta, Cumulative: r.Cumulative, Reading: r}
	reset := false
	if delta < 0 {
		e.Incremental = r.Cumulative
		reset = true
	}
	if err := t.ledger.Append(ctx, e); err != nil {
		return Result{}, err
	}
	t.store.Set(key, Baseline{Cumulative: r.Cumulative, Date: today})

	if reset {
		t.logger.Info().
			Str("key", key.String()).
			Int64("baseline", base.Cumulative).
			Int64("cumulative", r.Cumulative).
			Msg("Counter reset detected, re-based")
	}
	return Result{Outcome: Persisted, Entry: e, CounterReset: reset}, nil
}

// initialise derives a fresh baseline from the latest stored record.
func (t *Tracker) initialise(ctx context.Context, key domain.Key, r Reading, today string) (Result, error) {
	last, found, err := t.ledger.LatestCumulative(ctx, key)
	if err != nil {
		return Result{}, err
	}

	var e Entry
	switch {
	case !found:
		e = Entry{Key: key, Incremental: 0, Cumulative: r.Cumulative, Reading: r, Initial: true}
	case r.Cumulative > last:
		e = Entry{Key: key, Incremental: r.Cumulative - last, Cumulative: r.Cumulative, Reading: r}
	case r.Cumulative != last:
		e = Entry{Key: key, Incremental: 0, Cumulative: r.Cumulative, Reading: r}
	default:
		t.store.Set(key, Baseline{Cumulative: r.Cumulative, Date: today})
		t.logger.Debug().Str("key", key.String()).Int64("cumulative", last).Msg("Baseline restored from store")
		return Result{Outcome: Rebased}, nil
	}

	if err := t.ledger.Append(ctx, e); err != nil {
		return Result{}, err
	}
	t.store.Set(key, Baseline{Cumulative: r.Cumulative, Date: today})
	t.logger.Debug().
		Str("key", key.String()).
		Int64("cumulative", r.Cumulative).
		Int64("incremental", e.Incremental).
		Bool("initial", e.Initial).
		Msg("Baseline initialised")
	return Result{Outcome: Persisted, Entry: e}, nil
}

// Baseline exposes the current baseline of a key.
func (t *Tracker) Baseline(key domain.Key) (Baseline, bool) {
	return t.store.Get(key)
}

// Reset forgets one key so the next reading re-derives it from the store.
func (t *Tracker) Reset(key domain.Key) {
	t.store.Delete(key)
}

// ResetAll forgets every key.
func (t *Tracker) ResetAll() {
	t.store.Clear()
}

// Len returns the number of tracked keys.
func (t *Tracker) Len() int {
	return t.store.Len()
}
