package registry

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/nexus-edge/plant-poller/internal/domain"
	"github.com/rs/zerolog"
)

type countingSource struct {
	devices []*domain.Device
	err     error
	calls   int
}

func (s *countingSource) Load(context.Context) ([]*domain.Device, error) {
	s.calls++
	return s.devices, s.err
}

func fleet() []*domain.Device {
	return []*domain.Device{
		{ID: "c1", Class: domain.ClassCounter, Enabled: true, Lines: []domain.Line{{ID: "L1", Machines: []domain.Machine{{ID: "M1"}, {ID: "M2"}}}, {ID: "L2"}}},
		{ID: "c2", Class: domain.ClassCounter, Enabled: false},
		{ID: "a1", Class: domain.ClassAlarm, Enabled: true},
		{ID: "t1", Class: domain.ClassThickness, Enabled: true},
	}
}

func TestActiveDevices(t *testing.T) {
	src := &countingSource{devices: fleet()}
	r := New(src, time.Minute, zerolog.Nop())
	ctx := context.Background()

	all, err := r.ActiveDevices(ctx)
	if err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
	if len(all) != 3 {
		t.Errorf("expected 3 active devices, got %d", len(all))
	}

	counters, _ := r.ActiveDevices(ctx, domain.ClassCounter)
	if len(counters) != 1 || counters[0].ID != "c1" {
		t.Errorf("expected only c1, got %v", counters)
	}

	mixed, _ := r.ActiveDevices(ctx, domain.ClassAlarm, domain.ClassThickness)
	if len(mixed) != 2 {
		t.Errorf("expected 2 devices, got %d", len(mixed))
	}

	if src.calls != 1 {
		t.Errorf("expected cached source, got %d loads", src.calls)
	}
}

func TestCacheExpiryAndInvalidate(t *testing.T) {
	src := &countingSource{devices: fleet()}
	now := time.Date(2024, 5, 1, 8, 0, 0, 0, time.UTC)
	r := New(src, 30*time.Second, zerolog.Nop()).WithClock(func() time.Time { return now })
	ctx := context.Background()

	_, _ = r.ActiveDevices(ctx)
	now = now.Add(10 * time.Second)
	_, _ = r.ActiveDevices(ctx)
	if src.calls != 1 {
		t.Errorf("expected 1 load within TTL, got %d", src.calls)
	}

	now = now.Add(30 * time.Second)
	_, _ = r.ActiveDevices(ctx)
	if src.calls != 2 {
		t.Errorf("expected reload after TTL, got %d", src.calls)
	}

	r.Invalidate()
	_, _ = r.ActiveDevices(ctx)
	if src.calls != 3 {
		t.Errorf("expected reload after invalidate, got %d", src.calls)
	}
}

func TestReloadFailureServesCache(t *testing.T) {
	src := &countingSource{devices: fleet()}
	r := New(src, 0, zerolog.Nop())
	ctx := context.Background()

	if _, err := r.ActiveDevices(ctx); err != nil {
		t.Fatal(err)
	}
	src.err = errors.New("disk gone")
	got, err := r.ActiveDevices(ctx)
	if err != nil {
		t.Fatalf("expected cached devices, got %v", err)
	}
	if len(got) != 3 {
		t.Errorf("expected 3 cached devices, got %d", len(got))
	}

	cold := New(&countingSource{err: errors.New("disk gone")}, 0, zerolog.Nop())
	if _, err := cold.ActiveDevices(ctx); err == nil {
		t.Error("expected error with no cache")
	}
}

func TestLookups(t *testing.T) {
	r := New(&countingSource{devices: fleet()}, time.Minute, zerolog.Nop())
	d, err := r.Device(context.Background(), "c1")
	if err != nil {
		t.Fatal(err)
	}
	if lines := LinesFor(d); len(lines) != 2 || lines[0] != "L1" {
		t.Errorf("unexpected lines %v", lines)
	}
	if ms := MachinesFor(d, "L1"); len(ms) != 2 {
		t.Errorf("expected 2 machines, got %d", len(ms))
	}
	if ms := MachinesFor(d, "nope"); ms != nil {
		t.Errorf("expected nil for unknown line, got %v", ms)
	}
	if _, err := r.Device(context.Background(), "zz"); !errors.Is(err, domain.ErrDeviceNotFound) {
		t.Errorf("expected ErrDeviceNotFound, got %v", err)
	}
}

func TestFileSource(t *testing.T) {
	path := filepath.Join(t.TempDir(), "devices.yaml")
	doc := `
devices:
  - id: c1
    class: counter
    connection: {host: 10.0.0.1}
    lines: [{id: L1}]
  - id: nohost
    class: counter
    lines: [{id: L1}]
`
	if err := os.WriteFile(path, []byte(doc), 0644); err != nil {
		t.Fatal(err)
	}
	src := &FileSource{Path: path, Logger: zerolog.Nop()}
	devices, err := src.Load(context.Background())
	if err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
	if len(devices) != 1 || devices[0].ID != "c1" {
		t.Errorf("expected only c1, got %v", devices)
	}
}
