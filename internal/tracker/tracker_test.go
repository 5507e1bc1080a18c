package tracker

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/nexus-edge/plant-poller/internal/domain"
	"github.com/rs/zerolog"
)

type memLedger struct {
	entries   []Entry
	seed      map[domain.Key]int64
	AppendErr error
}

func (l *memLedger) LatestCumulative(_ context.Context, key domain.Key) (int64, bool, error) {
	for i := len(l.entries) - 1; i >= 0; i-- {
		if l.entries[i].Key == key {
			return l.entries[i].Cumulative, true, nil
		}
	}
	v, ok := l.seed[key]
	return v, ok, nil
}

func (l *memLedger) Append(_ context.Context, e Entry) error {
	if l.AppendErr != nil {
		return l.AppendErr
	}
	l.entries = append(l.entries, e)
	return nil
}

var (
	key = domain.CountKey("c1", "L1", "M1", "hot")
	day = time.Date(2024, 5, 1, 9, 0, 0, 0, time.Local)
)

func reading(c int64) Reading {
	return Reading{Cumulative: c, At: day}
}

func TestObserve_EndToEndScenario(t *testing.T) {
	ledger := &memLedger{}
	tr := New(nil, ledger, zerolog.Nop())
	ctx := context.Background()
	tr.store.Set(key, Baseline{Cumulative: 100, Date: DateOf(day)})

	res, err := tr.Observe(ctx, key, reading(145))
	if err != nil {
		t.Fatal(err)
	}
	if res.Outcome != Persisted || res.Entry.Incremental != 45 || res.Entry.Cumulative != 145 {
		t.Errorf("expected {45,145}, got %+v", res.Entry)
	}
	if b, _ := tr.Baseline(key); b.Cumulative != 145 {
		t.Errorf("expected baseline 145, got %d", b.Cumulative)
	}

	res, err = tr.Observe(ctx, key, reading(80))
	if err != nil {
		t.Fatal(err)
	}
	if !res.CounterReset || res.Entry.Incremental != 80 || res.Entry.Cumulative != 80 {
		t.Errorf("expected re-based {80,80}, got %+v", res)
	}
	if b, _ := tr.Baseline(key); b.Cumulative != 80 {
		t.Errorf("expected baseline 80, got %d", b.Cumulative)
	}
}

func TestObserve_MonotonicDelta(t *testing.T) {
	reads := []int64{10, 15, 15, 12, 20, 5, 5, 30}
	ledger := &memLedger{}
	tr := New(nil, ledger, zerolog.Nop())

	for _, c := range reads {
		if _, err := tr.Observe(context.Background(), key, reading(c)); err != nil {
			t.Fatal(err)
		}
	}

	// initial(10), 15, reset 12, 20, reset 5, 30
	want := []int64{0, 5, 12, 8, 5, 25}
	if len(ledger.entries) != len(want) {
		t.Fatalf("expected %d entries, got %d", len(want), len(ledger.entries))
	}
	for i, e := range ledger.entries {
		if e.Incremental != want[i] {
			t.Errorf("entry %d: expected incremental %d, got %d", i, want[i], e.Incremental)
		}
		if e.Incremental < 0 {
			t.Errorf("entry %d: negative incremental %d", i, e.Incremental)
		}
	}
	if !ledger.entries[0].Initial {
		t.Error("expected first entry marked initial")
	}
}

func TestObserve_UnchangedWritesOnce(t *testing.T) {
	ledger := &memLedger{}
	tr := New(nil, ledger, zerolog.Nop())
	tr.store.Set(key, Baseline{Cumulative: 40, Date: DateOf(day)})

	for i := 0; i < 2; i++ {
		if _, err := tr.Observe(context.Background(), key, reading(41)); err != nil {
			t.Fatal(err)
		}
	}
	if len(ledger.entries) != 1 {
		t.Errorf("expected 1 record, got %d", len(ledger.entries))
	}
}

func TestObserve_ZeroSkipped(t *testing.T) {
	ledger := &memLedger{}
	tr := New(nil, ledger, zerolog.Nop())
	tr.store.Set(key, Baseline{Cumulative: 40, Date: DateOf(day)})

	res, err := tr.Observe(context.Background(), key, reading(0))
	if err != nil {
		t.Fatal(err)
	}
	if res.Outcome != Skipped {
		t.Errorf("expected skipped, got %v", res.Outcome)
	}
	if len(ledger.entries) != 0 {
		t.Errorf("expected no records, got %d", len(ledger.entries))
	}
	if b, _ := tr.Baseline(key); b.Cumulative != 40 {
		t.Errorf("expected baseline untouched, got %d", b.Cumulative)
	}

	fresh := New(nil, ledger, zerolog.Nop())
	if _, err := fresh.Observe(context.Background(), key, reading(0)); err != nil {
		t.Fatal(err)
	}
	if fresh.Len() != 0 {
		t.Error("expected no baseline created by a zero read")
	}
}

func TestObserve_RestartRederivesFromStore(t *testing.T) {
	tests := []struct {
		name        string
		stored      int64
		read        int64
		wantOutcome Outcome
		wantInc     int64
	}{
		{"higher than stored", 100, 130, Persisted, 30},
		{"equal to stored", 100, 100, Rebased, 0},
		{"lower than stored", 100, 7, Persisted, 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ledger := &memLedger{seed: map[domain.Key]int64{key: tt.stored}}
			tr := New(nil, ledger, zerolog.Nop())

			res, err := tr.Observe(context.Background(), key, reading(tt.read))
			if err != nil {
				t.Fatal(err)
			}
			if res.Outcome != tt.wantOutcome {
				t.Errorf("expected %v, got %v", tt.wantOutcome, res.Outcome)
			}
			if res.Entry.Incremental != tt.wantInc {
				t.Errorf("expected incremental %d, got %d", tt.wantInc, res.Entry.Incremental)
			}
			if b, _ := tr.Baseline(key); b.Cumulative != tt.read {
				t.Errorf("expected baseline %d, got %d", tt.read, b.Cumulative)
			}
		})
	}
}

func TestObserve_DayBoundaryUsesStore(t *testing.T) {
	ledger := &memLedger{}
	tr := New(nil, ledger, zerolog.Nop())
	ctx := context.Background()

	if _, err := tr.Observe(ctx, key, Reading{Cumulative: 500, At: day}); err != nil {
		t.Fatal(err)
	}
	if _, err := tr.Observe(ctx, key, Reading{Cumulative: 520, At: day.Add(time.Hour)}); err != nil {
		t.Fatal(err)
	}

	// The store holds 520; a stale in-memory baseline must not be used after midnight.
	tr.store.Set(key, Baseline{Cumulative: 1, Date: DateOf(day)})
	next := day.Add(24 * time.Hour)
	res, err := tr.Observe(ctx, key, Reading{Cumulative: 530, At: next})
	if err != nil {
		t.Fatal(err)
	}
	if res.Entry.Incremental != 10 {
		t.Errorf("expected 10 against stored value, got %d", res.Entry.Incremental)
	}
	if b, _ := tr.Baseline(key); b.Date != DateOf(next) {
		t.Errorf("expected baseline dated %s, got %s", DateOf(next), b.Date)
	}
}

func TestObserve_PersistFailureKeepsBaseline(t *testing.T) {
	ledger := &memLedger{AppendErr: domain.ErrPersistence}
	tr := New(nil, ledger, zerolog.Nop())
	tr.store.Set(key, Baseline{Cumulative: 10, Date: DateOf(day)})

	_, err := tr.Observe(context.Background(), key, reading(15))
	if !errors.Is(err, domain.ErrPersistence) {
		t.Fatalf("expected ErrPersistence, got %v", err)
	}
	if b, _ := tr.Baseline(key); b.Cumulative != 10 {
		t.Errorf("expected baseline to stay 10, got %d", b.Cumulative)
	}

	ledger.AppendErr = nil
	res, err := tr.Observe(context.Background(), key, reading(15))
	if err != nil {
		t.Fatal(err)
	}
	if res.Entry.Incremental != 5 {
		t.Errorf("expected the lost delta to be retried, got %d", res.Entry.Incremental)
	}
}

func TestResetForgetsBaseline(t *testing.T) {
	ledger := &memLedger{}
	tr := New(nil, ledger, zerolog.Nop())
	other := domain.CountKey("c1", "L1", "M2", "hot")
	tr.store.Set(key, Baseline{Cumulative: 1, Date: "x"})
	tr.store.Set(other, Baseline{Cumulative: 1, Date: "x"})

	tr.Reset(key)
	if _, ok := tr.Baseline(key); ok {
		t.Error("expected key forgotten")
	}
	if tr.Len() != 1 {
		t.Errorf("expected 1 key left, got %d", tr.Len())
	}
	tr.ResetAll()
	if tr.Len() != 0 {
		t.Errorf("expected empty tracker, got %d", tr.Len())
	}
}
