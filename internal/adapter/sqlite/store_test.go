package sqlite

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/nexus-edge/plant-poller/internal/domain"
	"github.com/rs/zerolog"
)

type recordingNotifier struct {
	mu    sync.Mutex
	kinds []domain.RecordKind
}

func (n *recordingNotifier) RecordSaved(kind domain.RecordKind, _ string, _ interface{}) {
	n.mu.Lock()
	n.kinds = append(n.kinds, kind)
	n.mu.Unlock()
}

func openTestStore(t *testing.T, opts Options) *Store {
	t.Helper()
	path := filepath.Join(t.TempDir(), "data", "poller.db")
	s, err := Open(context.Background(), path, opts, zerolog.Nop())
	if err != nil {
		t.Fatalf("failed to open store: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestCountRecords(t *testing.T) {
	notifier := &recordingNotifier{}
	s := openTestStore(t, Options{Notifier: notifier})
	ctx := context.Background()
	key := domain.CountKey("c1", "L1", "M1", "hot")

	if _, found, err := s.LatestCount(ctx, key); err != nil || found {
		t.Fatalf("expected no record, got found=%v err=%v", found, err)
	}

	morning := time.Date(2024, 5, 1, 8, 0, 0, 0, time.Local)
	records := []domain.CountRecord{
		{DeviceID: "c1", Plant: "north", Line: "L1", Machine: "M1", Condition: "hot", Incremental: 0, Cumulative: 100, CreatedAt: morning.Add(-24 * time.Hour)},
		{DeviceID: "c1", Plant: "north", Line: "L1", Machine: "M1", Condition: "hot", Incremental: 5, Cumulative: 105, CreatedAt: morning},
		{DeviceID: "c1", Plant: "north", Line: "L1", Machine: "M1", Condition: "hot", Incremental: 7, Cumulative: 112, CreatedAt: morning.Add(time.Hour)},
		{DeviceID: "c1", Plant: "north", Line: "L1", Machine: "M2", Condition: "hot", Incremental: 50, Cumulative: 50, CreatedAt: morning},
	}
	for i := range records {
		if err := s.SaveCount(ctx, &records[i]); err != nil {
			t.Fatalf("save %d: %v", i, err)
		}
		if records[i].ID == 0 {
			t.Errorf("expected ID assigned for record %d", i)
		}
	}

	latest, found, err := s.LatestCount(ctx, key)
	if err != nil || !found {
		t.Fatalf("expected latest record, got found=%v err=%v", found, err)
	}
	if latest.Cumulative != 112 || latest.Plant != "north" {
		t.Errorf("unexpected latest %+v", latest)
	}
	if !latest.CreatedAt.Equal(morning.Add(time.Hour)) {
		t.Errorf("expected created_at round trip, got %v", latest.CreatedAt)
	}

	startOfDay := time.Date(2024, 5, 1, 0, 0, 0, 0, time.Local)
	sum, err := s.SumIncremental(ctx, key, startOfDay)
	if err != nil {
		t.Fatal(err)
	}
	if sum != 12 {
		t.Errorf("expected 12 since midnight, got %d", sum)
	}

	empty, err := s.SumIncremental(ctx, domain.CountKey("zz", "L1", "M1", "hot"), startOfDay)
	if err != nil || empty != 0 {
		t.Errorf("expected 0 for unknown key, got %d err=%v", empty, err)
	}

	if len(notifier.kinds) != 4 || notifier.kinds[0] != domain.RecordCount {
		t.Errorf("expected 4 count notifications, got %v", notifier.kinds)
	}
}

func TestAggregateRecords(t *testing.T) {
	s := openTestStore(t, Options{})
	ctx := context.Background()

	rec := &domain.AggregateRecord{
		BatchID:          "b-1",
		DeviceID:         "t1",
		Line:             "L1",
		MachineID:        "M1",
		RecipeID:         7,
		IsAuto:           true,
		SampleCount:      12,
		Left:             domain.SideStats{Count: 11, Mean: 11.5, StdDev: 0.9, MAE: 0.3},
		CorrectionUptime: 40,
		CorrectionLeft:   3,
		CorrectionRate:   25,
		RawBatch:         []byte(`[{"left":1}]`),
		StartedAt:        time.Now().Add(-time.Minute),
	}
	if err := s.SaveAggregate(ctx, rec); err != nil {
		t.Fatal(err)
	}

	got, err := s.Aggregates(ctx, "t1", "M1")
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 1 {
		t.Fatalf("expected 1 aggregate, got %d", len(got))
	}
	if !got[0].IsAuto || got[0].RecipeID != 7 || got[0].Left.Mean != 11.5 || string(got[0].RawBatch) != `[{"left":1}]` {
		t.Errorf("unexpected aggregate %+v", got[0])
	}

	dup := *rec
	if err := s.SaveAggregate(ctx, &dup); !errors.Is(err, domain.ErrPersistence) {
		t.Errorf("expected ErrPersistence for duplicate batch id, got %v", err)
	}
}

func TestDurationRecords(t *testing.T) {
	s := openTestStore(t, Options{})
	ctx := context.Background()
	start := time.Date(2024, 5, 1, 0, 0, 0, 0, time.Local)

	for i, d := range []int64{9, 17, 12} {
		r := &domain.DurationRecord{
			DeviceID: "a1", Line: "L1", Incremental: 1, Cumulative: int64(i + 1),
			Duration: d, Class: domain.DurationOnTime, CreatedAt: start.Add(time.Duration(i+1) * time.Hour),
		}
		if err := s.SaveDuration(ctx, r); err != nil {
			t.Fatal(err)
		}
	}

	latest, found, err := s.LatestDuration(ctx, "a1", "L1")
	if err != nil || !found {
		t.Fatalf("expected latest duration, got found=%v err=%v", found, err)
	}
	if latest.Cumulative != 3 || latest.Duration != 12 || latest.Class != domain.DurationOnTime {
		t.Errorf("unexpected latest %+v", latest)
	}

	max, err := s.MaxDurationSince(ctx, "a1", "L1", start)
	if err != nil || max != 17 {
		t.Errorf("expected max 17, got %d err=%v", max, err)
	}
	max, err = s.MaxDurationSince(ctx, "a1", "L1", start.Add(3*time.Hour))
	if err != nil || max != 12 {
		t.Errorf("expected max 12 for the last hour, got %d err=%v", max, err)
	}
	none, err := s.MaxDurationSince(ctx, "a1", "L9", start)
	if err != nil || none != 0 {
		t.Errorf("expected 0 for unknown line, got %d err=%v", none, err)
	}
}

func TestMarkers(t *testing.T) {
	s := openTestStore(t, Options{})
	ctx := context.Background()

	if _, found, err := s.Marker(ctx, "daily_reset"); err != nil || found {
		t.Fatalf("expected no marker, got found=%v err=%v", found, err)
	}
	if err := s.SetMarker(ctx, "daily_reset", "2024-05-01"); err != nil {
		t.Fatal(err)
	}
	if err := s.SetMarker(ctx, "daily_reset", "2024-05-02"); err != nil {
		t.Fatal(err)
	}
	v, found, err := s.Marker(ctx, "daily_reset")
	if err != nil || !found || v != "2024-05-02" {
		t.Errorf("expected 2024-05-02, got %q found=%v err=%v", v, found, err)
	}
}

func TestClosedStore(t *testing.T) {
	path := filepath.Join(t.TempDir(), "poller.db")
	s, err := Open(context.Background(), path, Options{}, zerolog.Nop())
	if err != nil {
		t.Fatal(err)
	}
	if err := s.HealthCheck(context.Background()); err != nil {
		t.Errorf("expected healthy store, got %v", err)
	}
	s.Close()

	err = s.SaveCount(context.Background(), &domain.CountRecord{DeviceID: "c1"})
	if !errors.Is(err, domain.ErrPersistence) {
		t.Errorf("expected ErrPersistence after close, got %v", err)
	}
	if err := s.HealthCheck(context.Background()); err == nil {
		t.Error("expected health check to fail after close")
	}
}
