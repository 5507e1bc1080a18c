package reset_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/goburrow/modbus"
	pollermodbus "github.com/nexus-edge/plant-poller/internal/adapter/modbus"
	"github.com/nexus-edge/plant-poller/internal/domain"
	"github.com/nexus-edge/plant-poller/internal/reset"
	"github.com/nexus-edge/plant-poller/internal/writeback"
	"github.com/nexus-edge/plant-poller/testing/mocks"
	"github.com/nexus-edge/plant-poller/testing/testutil"
	"github.com/rs/zerolog"
)

func noSleep(context.Context, time.Duration) error { return nil }

func TestRetrier(t *testing.T) {
	boom := errors.New("boom")
	tests := []struct {
		name         string
		failures     int
		attempts     int
		wantAttempts int
		wantErr      bool
	}{
		{"first try", 0, 3, 1, false},
		{"second try", 1, 3, 2, false},
		{"exhausted", 5, 3, 3, true},
		{"brute force", 7, 10, 8, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			calls, sleeps := 0, 0
			r := reset.Retrier{Attempts: tt.attempts, Delay: time.Second, Sleep: func(_ context.Context, d time.Duration) error {
				if d != time.Second {
					t.Errorf("expected fixed delay, got %v", d)
				}
				sleeps++
				return nil
			}}
			n, err := r.Do(context.Background(), func(context.Context) error {
				calls++
				if calls <= tt.failures {
					return boom
				}
				return nil
			})
			if n != tt.wantAttempts || calls != tt.wantAttempts {
				t.Errorf("expected %d attempts, got %d (calls %d)", tt.wantAttempts, n, calls)
			}
			if sleeps != tt.wantAttempts-1 {
				t.Errorf("expected %d sleeps, got %d", tt.wantAttempts-1, sleeps)
			}
			if tt.wantErr {
				if !errors.Is(err, domain.ErrResetFailed) || !errors.Is(err, boom) {
					t.Errorf("expected ErrResetFailed wrapping last error, got %v", err)
				}
			} else if err != nil {
				t.Errorf("expected success, got %v", err)
			}
		})
	}
}

func TestRetrier_ContextCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	r := reset.Retrier{Attempts: 5, Delay: time.Hour}
	n, err := r.Do(ctx, func(context.Context) error { return errors.New("down") })
	if n != 1 || !errors.Is(err, domain.ErrResetFailed) {
		t.Errorf("expected to stop after 1 attempt, got %d %v", n, err)
	}
}

func resettableDevice(id string) *domain.Device {
	coil := uint16(10)
	maxReg := uint16(50)
	return &domain.Device{
		ID:         id,
		Name:       id,
		Class:      domain.ClassAlarm,
		Enabled:    true,
		Connection: domain.ConnectionConfig{Host: "10.0.0.1", Port: 502, UnitID: 1},
		Lines:      []domain.Line{{ID: "L1", ResetCoil: &coil, MaxDurationRegister: &maxReg}},
		Writeback:  domain.WritebackConfig{ResetBlock: &domain.RegisterBlock{Start: 400, Count: 4}},
	}
}

func newOrchestrator(plc *mocks.MockPLC, planner *writeback.Planner) *reset.Orchestrator {
	tr := pollermodbus.NewTransport(pollermodbus.DefaultConfig(), plc.Dial, zerolog.Nop(), nil)
	r := reset.Standard()
	r.Sleep = noSleep
	return reset.NewOrchestrator(tr.Unguarded(), r, 200*time.Millisecond, planner, zerolog.Nop(), nil)
}

func TestResetDevice(t *testing.T) {
	plc := mocks.NewMockPLC()
	plc.SetHolding(50, 17)
	for i := uint16(0); i < 4; i++ {
		plc.SetHolding(400+i, 9)
	}
	planner := writeback.NewPlanner()
	planner.Confirm(domain.LineKey("a1", "L1"), 17)

	res, err := newOrchestrator(plc, planner).ResetDevice(context.Background(), resettableDevice("a1"))
	if err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
	if res.Operations != 3 || res.Failed != 0 {
		t.Errorf("unexpected result %+v", res)
	}

	coilWrites := plc.WritesTo(10)
	if len(coilWrites) != 2 || coilWrites[0].Values[0] != 0xFF00 || coilWrites[1].Values[0] != 0 {
		t.Errorf("expected coil pulse on then off, got %+v", coilWrites)
	}
	if plc.CoilValue(10) {
		t.Error("expected coil released")
	}
	if plc.HoldingValue(50) != 0 {
		t.Errorf("expected max duration zeroed, got %d", plc.HoldingValue(50))
	}
	for i := uint16(0); i < 4; i++ {
		if v := plc.HoldingValue(400 + i); v != 0 {
			t.Errorf("expected reset block register %d zeroed, got %d", 400+i, v)
		}
	}
	if v, _ := planner.Last(domain.LineKey("a1", "L1")); v != 0 {
		t.Errorf("expected max duration gate reset, got %d", v)
	}
}

func TestResetDevice_RetriesThenFails(t *testing.T) {
	plc := mocks.NewMockPLC()
	var coilAttempts int
	plc.WriteFunc = func(fc byte, address uint16) error {
		if fc == modbus.FuncCodeWriteSingleCoil {
			coilAttempts++
			return &modbus.ModbusError{FunctionCode: fc, ExceptionCode: modbus.ExceptionCodeServerDeviceBusy}
		}
		return nil
	}

	res, err := newOrchestrator(plc, nil).ResetDevice(context.Background(), resettableDevice("a1"))
	if !errors.Is(err, domain.ErrResetFailed) {
		t.Fatalf("expected ErrResetFailed, got %v", err)
	}
	if domain.KindOf(err) != domain.KindResetFailed {
		t.Errorf("expected reset_failed kind, got %s", domain.KindOf(err))
	}
	if coilAttempts != 3 {
		t.Errorf("expected 3 coil attempts, got %d", coilAttempts)
	}
	if res.Failed != 1 || res.Operations != 3 {
		t.Errorf("expected the other operations to still run, got %+v", res)
	}
	if plc.HoldingValue(400) != 0 || len(plc.WritesTo(400)) != 1 {
		t.Error("expected reset block written despite coil failure")
	}
}

type memMarkers struct {
	mu     sync.Mutex
	values map[string]string
	sets   int
}

func (m *memMarkers) Marker(_ context.Context, name string) (string, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	v, ok := m.values[name]
	return v, ok, nil
}

func (m *memMarkers) SetMarker(_ context.Context, name, value string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.values[name] = value
	m.sets++
	return nil
}

type staticDevices []*domain.Device

func (s staticDevices) ActiveDevices(context.Context, ...domain.DeviceClass) ([]*domain.Device, error) {
	return s, nil
}

func TestDaily_FiresOncePerDate(t *testing.T) {
	plc := mocks.NewMockPLC()
	planner := writeback.NewPlanner()
	devices := staticDevices{resettableDevice("a1"), resettableDevice("a2")}
	markers := &memMarkers{values: map[string]string{}}

	now := time.Date(2024, 5, 1, 5, 59, 0, 0, time.Local)
	daily := reset.NewDaily(newOrchestrator(plc, planner), markers, devices, planner, 6, zerolog.Nop()).
		WithClock(func() time.Time { return now })

	if r, err := daily.Check(context.Background()); err != nil || r.Fired {
		t.Fatalf("expected no reset before the hour, got %+v %v", r, err)
	}

	now = time.Date(2024, 5, 1, 6, 0, 0, 0, time.Local)
	fired := 0
	for i := 0; i < 100; i++ {
		r, err := daily.Check(context.Background())
		if err != nil {
			t.Fatal(err)
		}
		if r.Fired {
			fired++
			if r.Devices != 2 {
				t.Errorf("expected 2 devices reset, got %d", r.Devices)
			}
		}
		now = now.Add(time.Second)
	}
	if fired != 1 {
		t.Errorf("expected exactly one reset, got %d", fired)
	}
	// Each device gets one coil pulse (two coil writes) per reset.
	if got := len(plc.WritesTo(10)); got != 4 {
		t.Errorf("expected 4 coil writes across 2 devices, got %d", got)
	}
	// One date marker plus one reset time per device.
	if markers.values[reset.MarkerName] != "2024-05-01" || markers.sets != 3 {
		t.Errorf("expected one date stamp and two device stamps, got %v (%d sets)", markers.values, markers.sets)
	}
	at, found, err := daily.ResetLog().LastReset(context.Background(), "a2")
	if err != nil || !found || !at.Equal(time.Date(2024, 5, 1, 6, 0, 0, 0, time.Local)) {
		t.Errorf("expected a2 reset at 06:00, got %v %v %v", at, found, err)
	}

	now = time.Date(2024, 5, 2, 7, 0, 0, 0, time.Local)
	if r, _ := daily.Check(context.Background()); !r.Fired {
		t.Error("expected reset on the next date")
	}
}

func TestDaily_MarkerSurvivesRestart(t *testing.T) {
	ctx := context.Background()
	plc := mocks.NewMockPLC()
	markers := &memMarkers{values: map[string]string{reset.MarkerName: "2024-05-01"}}
	testutil.RequireNoError(t, reset.NewResetLog(markers).Stamp(ctx, "a1", time.Date(2024, 5, 1, 6, 0, 0, 0, time.Local)))
	now := time.Date(2024, 5, 1, 9, 0, 0, 0, time.Local)

	daily := reset.NewDaily(newOrchestrator(plc, nil), markers, staticDevices{resettableDevice("a1")}, nil, 6, zerolog.Nop()).
		WithClock(func() time.Time { return now })
	r, err := daily.Check(ctx)
	testutil.RequireNoError(t, err)
	if r.Fired || r.Retried || plc.WriteCount() != 0 {
		t.Errorf("expected no second reset after restart, got %+v with %d writes", r, plc.WriteCount())
	}
}

func TestDaily_RestartPicksUpMissedDevices(t *testing.T) {
	ctx := context.Background()
	plc := mocks.NewMockPLC()
	markers := &memMarkers{values: map[string]string{reset.MarkerName: "2024-05-01"}}
	log := reset.NewResetLog(markers)
	testutil.RequireNoError(t, log.Stamp(ctx, "a1", time.Date(2024, 5, 1, 6, 0, 0, 0, time.Local)))
	// a2 was last reset yesterday, so today's broadcast never reached it.
	testutil.RequireNoError(t, log.Stamp(ctx, "a2", time.Date(2024, 4, 30, 6, 0, 0, 0, time.Local)))
	now := time.Date(2024, 5, 1, 9, 0, 0, 0, time.Local)

	daily := reset.NewDaily(newOrchestrator(plc, nil), markers,
		staticDevices{resettableDevice("a1"), resettableDevice("a2")}, nil, 6, zerolog.Nop()).
		WithClock(func() time.Time { return now })
	r, err := daily.Check(ctx)
	testutil.RequireNoError(t, err)
	testutil.AssertEqual(t, dailyOutcome{Retried: true, Devices: 1}, outcomeOf(r))
	testutil.AssertEqual(t, 2, len(plc.WritesTo(10)), "one pulse for a2")

	at, _, err := log.LastReset(ctx, "a2")
	testutil.RequireNoError(t, err)
	testutil.AssertEqual(t, true, at.Equal(now))
}

// dailyOutcome is the comparable part of a DailyReport.
type dailyOutcome struct {
	Fired, Retried  bool
	Devices, Failed int
}

func outcomeOf(r reset.DailyReport) dailyOutcome {
	return dailyOutcome{Fired: r.Fired, Retried: r.Retried, Devices: r.Devices, Failed: r.Failed}
}

func TestDaily_RetriesFailedDeviceSameDate(t *testing.T) {
	ctx := context.Background()
	plc := mocks.NewMockPLC()
	plc.SetHolding(50, 40)
	down := true
	plc.DialFunc = func(domain.Endpoint, time.Duration) error {
		if down {
			return errors.New("connection refused")
		}
		return nil
	}
	planner := writeback.NewPlanner()
	markers := &memMarkers{values: map[string]string{}}
	now := time.Date(2024, 5, 1, 6, 0, 0, 0, time.Local)
	daily := reset.NewDaily(newOrchestrator(plc, planner), markers, staticDevices{resettableDevice("a1")}, planner, 6, zerolog.Nop()).
		WithClock(func() time.Time { return now })

	steps := []struct {
		name   string
		down   bool
		want   dailyOutcome
		writes int
	}{
		{"first fire fails", true, dailyOutcome{Fired: true, Devices: 1, Failed: 1}, 0},
		{"still down", true, dailyOutcome{Retried: true, Devices: 1, Failed: 1}, 0},
		{"back up", false, dailyOutcome{Retried: true, Devices: 1}, 4},
		{"nothing pending", false, dailyOutcome{}, 4},
	}
	for _, step := range steps {
		down = step.down
		r, _ := daily.Check(ctx)
		if got := outcomeOf(r); got != step.want {
			t.Errorf("%s: expected %+v, got %+v", step.name, step.want, got)
		}
		if got := plc.WriteCount(); got != step.writes {
			t.Errorf("%s: expected %d writes, got %d", step.name, step.writes, got)
		}
		now = now.Add(time.Minute)
	}

	testutil.AssertEqual(t, uint16(0), plc.HoldingValue(50))
	at, found, err := daily.ResetLog().LastReset(ctx, "a1")
	testutil.RequireNoError(t, err)
	if !found || !at.Equal(time.Date(2024, 5, 1, 6, 2, 0, 0, time.Local)) {
		t.Errorf("expected a1 stamped at the successful retry, got %v %v", at, found)
	}
}

func TestDaily_ClearsGatesAndStampsOnFailure(t *testing.T) {
	plc := mocks.NewMockPLC()
	plc.DialFunc = func(domain.Endpoint, time.Duration) error { return errors.New("connection refused") }
	planner := writeback.NewPlanner()
	planner.Confirm(domain.CountKey("c9", "L1", "M1", "hot"), 33)
	markers := &memMarkers{values: map[string]string{}}
	now := time.Date(2024, 5, 1, 8, 0, 0, 0, time.Local)

	daily := reset.NewDaily(newOrchestrator(plc, planner), markers, staticDevices{resettableDevice("a1")}, planner, 6, zerolog.Nop()).
		WithClock(func() time.Time { return now })
	r, err := daily.Check(context.Background())
	if !errors.Is(err, domain.ErrResetFailed) {
		t.Errorf("expected ErrResetFailed, got %v", err)
	}
	if !r.Fired || r.Failed != 1 {
		t.Errorf("unexpected report %+v", r)
	}
	if _, ok := planner.Last(domain.CountKey("c9", "L1", "M1", "hot")); ok {
		t.Error("expected gates cleared")
	}
	if markers.values[reset.MarkerName] != "2024-05-01" {
		t.Error("expected marker stamped despite failure")
	}
	if _, found, _ := daily.ResetLog().LastReset(context.Background(), "a1"); found {
		t.Error("expected no reset time for a failed device")
	}
}

func TestRetrier_StopsOnOpenBreaker(t *testing.T) {
	calls := 0
	r := reset.Retrier{Attempts: 10, Sleep: noSleep}
	n, err := r.Do(context.Background(), func(context.Context) error {
		calls++
		return domain.NewPollError("write", "a1", domain.ErrCircuitBreakerOpen)
	})
	testutil.AssertEqual(t, 1, n)
	testutil.AssertEqual(t, 1, calls)
	testutil.AssertErrorKind(t, err, domain.ErrCircuitBreakerOpen, domain.KindCircuitOpen)
	if !errors.Is(err, domain.ErrResetFailed) {
		t.Errorf("expected ErrResetFailed, got %v", err)
	}
}

func TestResetDevice_BruteForceOutlastsBreaker(t *testing.T) {
	blockOnly := &domain.Device{
		ID:         "c1",
		Name:       "c1",
		Class:      domain.ClassCounter,
		Enabled:    true,
		Connection: domain.ConnectionConfig{Host: "10.0.0.1", Port: 502, UnitID: 1},
		Writeback:  domain.WritebackConfig{ResetBlock: &domain.RegisterBlock{Start: 400, Count: 2}},
	}
	// Seven refused dials, then the device answers on the eighth.
	newPLC := func() *mocks.MockPLC {
		plc := mocks.NewMockPLC()
		plc.SetHolding(400, 9)
		dials := 0
		plc.DialFunc = func(domain.Endpoint, time.Duration) error {
			dials++
			if dials <= 7 {
				return errors.New("connection refused")
			}
			return nil
		}
		return plc
	}
	cfg := pollermodbus.DefaultConfig()
	cfg.BreakerFailures = 2
	brute := reset.BruteForce()
	brute.Sleep = noSleep

	tests := []struct {
		name      string
		unguarded bool
		wantErr   bool
		wantDials int
	}{
		{"breaker bypassed", true, false, 8},
		{"through the breaker", false, true, 2},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			plc := newPLC()
			tr := pollermodbus.NewTransport(cfg, plc.Dial, zerolog.Nop(), nil)
			var io reset.DeviceWriter = tr
			if tt.unguarded {
				io = tr.Unguarded()
			}
			orch := reset.NewOrchestrator(io, brute, 0, nil, zerolog.Nop(), nil)

			_, err := orch.ResetDevice(context.Background(), blockOnly)
			if (err != nil) != tt.wantErr {
				t.Fatalf("expected error %v, got %v", tt.wantErr, err)
			}
			if tt.wantErr {
				testutil.AssertErrorKind(t, err, domain.ErrCircuitBreakerOpen, domain.KindResetFailed)
			} else {
				testutil.AssertEqual(t, uint16(0), plc.HoldingValue(400))
			}
			testutil.AssertEqual(t, tt.wantDials, plc.DialCalls)
		})
	}
}
