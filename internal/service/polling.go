// Package service provides the poll cycle driver that walks the active devices,
// runs each device's class handler and finishes the cycle with batch flushing and
// the daily reset check.
package service

import (
	"context"
	"errors"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/nexus-edge/plant-poller/internal/aggregator"
	"github.com/nexus-edge/plant-poller/internal/domain"
	"github.com/nexus-edge/plant-poller/internal/metrics"
	"github.com/nexus-edge/plant-poller/internal/reset"
	"github.com/rs/zerolog"
)

// rollingWindow is the number of recent polls kept per device.
const rollingWindow = 100

// DeviceSource lists the devices to poll.
type DeviceSource interface {
	ActiveDevices(ctx context.Context, classes ...domain.DeviceClass) ([]*domain.Device, error)
}

// BatchFlusher closes idle batches at the end of each cycle and drains on shutdown.
type BatchFlusher interface {
	FlushExpired(ctx context.Context) (aggregator.FlushReport, error)
	Drain(ctx context.Context) (aggregator.FlushReport, error)
}

// DailyCheck runs the daily reset when it is due.
type DailyCheck interface {
	Check(ctx context.Context) (reset.DailyReport, error)
}

// Ticker paces the cycles of Run.
type Ticker interface {
	C() <-chan time.Time
	Stop()
}

// TickerFunc creates a Ticker.
type TickerFunc func(d time.Duration) Ticker

type timeTicker struct{ t *time.Ticker }

func (t timeTicker) C() <-chan time.Time { return t.t.C }
func (t timeTicker) Stop()               { t.t.Stop() }

// NewTimeTicker wraps time.NewTicker.
func NewTimeTicker(d time.Duration) Ticker {
	return timeTicker{t: time.NewTicker(d)}
}

// PollingConfig holds configuration for the polling service.
type PollingConfig struct {
	Interval        time.Duration
	WorkerCount     int
	ShutdownTimeout time.Duration
}

// PollingStats tracks polling statistics.
type PollingStats struct {
	Cycles       atomic.Uint64
	TotalPolls   atomic.Uint64
	SuccessPolls atomic.Uint64
	FailedPolls  atomic.Uint64
	SkippedPolls atomic.Uint64 // Polls skipped because the device breaker is open
	Records      atomic.Uint64
	Writes       atomic.Uint64
}

// deviceState keeps the rolling and lifetime tally of one device.
type deviceState struct {
	mu           sync.Mutex
	id           string
	name         string
	class        domain.DeviceClass
	window       [rollingWindow]bool
	next         int
	filled       int
	polls        uint64
	errors       uint64
	skipped      uint64
	lastPoll     time.Time
	lastDuration time.Duration
	lastError    error
}

func (d *deviceState) record(ok bool, err error, at time.Time, dur time.Duration) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.window[d.next] = ok
	d.next = (d.next + 1) % rollingWindow
	if d.filled < rollingWindow {
		d.filled++
	}
	d.polls++
	if !ok {
		d.errors++
	}
	d.lastPoll = at
	d.lastDuration = dur
	d.lastError = err
}

func (d *deviceState) skip(err error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.skipped++
	d.lastError = err
}

// DeviceStatus is a snapshot of one device's poll history.
type DeviceStatus struct {
	DeviceID     string             `json:"device_id"`
	Name         string             `json:"name"`
	Class        domain.DeviceClass `json:"class"`
	PollCount    uint64             `json:"poll_count"`
	ErrorCount   uint64             `json:"error_count"`
	SkippedCount uint64             `json:"skipped_count"`
	RecentPolls  int                `json:"recent_polls"`
	RecentErrors int                `json:"recent_errors"`
	SuccessRate  float64            `json:"success_rate"`
	LastPoll     time.Time          `json:"last_poll,omitempty"`
	LastDuration time.Duration      `json:"last_duration_ns"`
	LastError    string             `json:"last_error,omitempty"`
}

func (d *deviceState) snapshot() DeviceStatus {
	d.mu.Lock()
	defer d.mu.Unlock()
	st := DeviceStatus{
		DeviceID:     d.id,
		Name:         d.name,
		Class:        d.class,
		PollCount:    d.polls,
		ErrorCount:   d.errors,
		SkippedCount: d.skipped,
		RecentPolls:  d.filled,
		LastPoll:     d.lastPoll,
		LastDuration: d.lastDuration,
	}
	for i := 0; i < d.filled; i++ {
		if !d.window[i] {
			st.RecentErrors++
		}
	}
	if d.filled > 0 {
		st.SuccessRate = float64(d.filled-st.RecentErrors) / float64(d.filled)
	}
	if d.lastError != nil {
		st.LastError = d.lastError.Error()
	}
	return st
}

// CycleReport summarises one poll cycle.
type CycleReport struct {
	StartedAt time.Time              `json:"started_at"`
	Duration  time.Duration          `json:"duration_ns"`
	Devices   int                    `json:"devices"`
	Succeeded int                    `json:"succeeded"`
	Failed    int                    `json:"failed"`
	Skipped   int                    `json:"skipped"`
	Outcome   Outcome                `json:"outcome"`
	Failures  map[string]error       `json:"-"`
	Flush     aggregator.FlushReport `json:"flush"`
	Reset     reset.DailyReport      `json:"reset"`
}

// OK reports whether every polled device succeeded.
func (r CycleReport) OK() bool {
	return r.Failed == 0
}

// FailedDevices returns the ids of the devices that failed, sorted.
func (r CycleReport) FailedDevices() []string {
	ids := make([]string, 0, len(r.Failures))
	for id := range r.Failures {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// PollingService drives poll cycles over the active devices.
// Devices are polled concurrently up to WorkerCount; a device's handler never runs concurrently with itself.
type PollingService struct {
	config    PollingConfig
	devices   DeviceSource
	handlers  map[domain.DeviceClass]Handler
	classes   []domain.DeviceClass
	batches   BatchFlusher
	daily     DailyCheck
	logger    zerolog.Logger
	metrics   *metrics.Registry
	now       func() time.Time
	newTicker TickerFunc

	mu         sync.RWMutex
	states     map[string]*deviceState
	lastCycle  *CycleReport
	started    atomic.Bool
	workerPool chan struct{}
	stats      *PollingStats
}

// NewPollingService creates a new polling service. Only devices whose class has a handler are polled.
func NewPollingService(
	config PollingConfig,
	devices DeviceSource,
	handlers map[domain.DeviceClass]Handler,
	logger zerolog.Logger,
	metricsReg *metrics.Registry,
) *PollingService {
	// Apply defaults
	if config.WorkerCount <= 0 {
		config.WorkerCount = 1
	}
	if config.Interval <= 0 {
		config.Interval = time.Second
	}
	if config.ShutdownTimeout <= 0 {
		config.ShutdownTimeout = 30 * time.Second
	}

	classes := make([]domain.DeviceClass, 0, len(handlers))
	for c := range handlers {
		classes = append(classes, c)
	}
	sort.Slice(classes, func(i, j int) bool { return classes[i] < classes[j] })

	return &PollingService{
		config:     config,
		devices:    devices,
		handlers:   handlers,
		classes:    classes,
		logger:     logger.With().Str("component", "polling-service").Logger(),
		metrics:    metricsReg,
		now:        time.Now,
		newTicker:  NewTimeTicker,
		states:     make(map[string]*deviceState),
		workerPool: make(chan struct{}, config.WorkerCount),
		stats:      &PollingStats{},
	}
}

// WithBatches flushes idle batches after every cycle and drains them on shutdown.
func (s *PollingService) WithBatches(b BatchFlusher) *PollingService {
	s.batches = b
	return s
}

// WithDailyReset runs the daily reset check after every cycle.
func (s *PollingService) WithDailyReset(d DailyCheck) *PollingService {
	s.daily = d
	return s
}

// WithClock overrides the clock.
func (s *PollingService) WithClock(now func() time.Time) *PollingService {
	s.now = now
	return s
}

// WithTicker overrides the cycle ticker.
func (s *PollingService) WithTicker(f TickerFunc) *PollingService {
	s.newTicker = f
	return s
}

// Classes returns the device classes this service polls.
func (s *PollingService) Classes() []domain.DeviceClass {
	return s.classes
}

// RunCycle polls every active device once, then flushes idle batches and checks the daily reset.
// Device failures are reported, not returned; the error is set only when the device list is unavailable.
// Once ctx is cancelled no new device is started, but in-flight device calls complete.
func (s *PollingService) RunCycle(ctx context.Context) (CycleReport, error) {
	start := s.now()
	report := CycleReport{StartedAt: start, Failures: make(map[string]error)}

	devices, err := s.devices.ActiveDevices(ctx, s.classes...)
	if err != nil {
		s.logger.Error().Err(err).Msg("Failed to list active devices")
		return report, err
	}
	report.Devices = len(devices)
	s.stats.Cycles.Add(1)

	// In-flight calls must not be interrupted by shutdown.
	deviceCtx := context.WithoutCancel(ctx)

	var wg sync.WaitGroup
	var mu sync.Mutex
	notStarted := 0
	for i, dev := range devices {
		if !s.acquire(ctx) {
			notStarted = len(devices) - i
			break
		}

		wg.Add(1)
		go func(dev *domain.Device) {
			defer wg.Done()
			defer func() { <-s.workerPool }()

			out, status, err := s.pollDevice(deviceCtx, dev)

			mu.Lock()
			defer mu.Unlock()
			report.Outcome.add(out)
			switch status {
			case pollSucceeded:
				report.Succeeded++
			case pollSkipped:
				report.Skipped++
			case pollFailed:
				report.Failed++
				report.Failures[dev.ID] = err
			}
		}(dev)
	}
	wg.Wait()
	report.Skipped += notStarted

	if ctx.Err() == nil {
		s.finishCycle(ctx, &report)
	}

	report.Duration = s.now().Sub(start)
	if s.metrics != nil {
		s.metrics.RecordCycle(report.Devices, report.Duration.Seconds())
	}

	ev := s.logger.Debug()
	if report.Failed > 0 {
		ev = s.logger.Warn().Strs("failed_devices", report.FailedDevices())
	}
	ev.Int("devices", report.Devices).
		Int("succeeded", report.Succeeded).
		Int("failed", report.Failed).
		Int("skipped", report.Skipped).
		Int("records", report.Outcome.Records).
		Int("samples", report.Outcome.Samples).
		Int("writes", report.Outcome.Writes).
		Dur("duration", report.Duration).
		Msg("Poll cycle complete")

	s.mu.Lock()
	last := report
	s.lastCycle = &last
	s.mu.Unlock()

	return report, nil
}

// acquire takes a worker slot unless ctx is done.
func (s *PollingService) acquire(ctx context.Context) bool {
	if ctx.Err() != nil {
		return false
	}
	select {
	case s.workerPool <- struct{}{}:
		if ctx.Err() != nil {
			<-s.workerPool
			return false
		}
		return true
	case <-ctx.Done():
		return false
	}
}

func (s *PollingService) finishCycle(ctx context.Context, report *CycleReport) {
	if s.batches != nil {
		flush, err := s.batches.FlushExpired(ctx)
		report.Flush = flush
		if err != nil {
			s.logger.Error().Err(err).Int("failed", flush.Failed).Msg("Batch flush failed")
		}
	}
	if s.daily != nil {
		daily, err := s.daily.Check(ctx)
		report.Reset = daily
		if err != nil {
			s.logger.Error().Err(err).Int("failed", daily.Failed).Msg("Daily reset incomplete")
		}
	}
}

type pollStatus int

const (
	pollSucceeded pollStatus = iota
	pollFailed
	pollSkipped
)

// pollDevice runs the class handler for one device and records the result.
func (s *PollingService) pollDevice(ctx context.Context, dev *domain.Device) (Outcome, pollStatus, error) {
	state := s.state(dev)
	log := deviceLogger(s.logger, dev)

	h, ok := s.handlers[dev.Class]
	if !ok {
		err := domain.NewPollError("poll", dev.ID, domain.ErrNoHandler)
		err.Kind = domain.KindConfig
		state.record(false, err, s.now(), 0)
		log.Error().Str("class", string(dev.Class)).Msg("No handler for device class")
		return Outcome{}, pollFailed, err
	}

	s.stats.TotalPolls.Add(1)
	start := s.now()
	out, err := h.Handle(ctx, dev)
	dur := s.now().Sub(start)

	s.stats.Records.Add(uint64(out.Records))
	s.stats.Writes.Add(uint64(out.Writes))

	if err != nil {
		kind := domain.KindOf(err)
		if kind == domain.KindCircuitOpen {
			// Breaker open means the endpoint is isolated; don't spam error logs.
			s.stats.SkippedPolls.Add(1)
			state.skip(err)
			log.Debug().Err(err).Msg("Poll skipped: circuit breaker open")
			return out, pollSkipped, err
		}

		s.stats.FailedPolls.Add(1)
		state.record(false, err, start, dur)
		if s.metrics != nil {
			s.metrics.RecordPollError(dev.ID, string(dev.Class), string(kind), dur.Seconds())
		}
		ev := log.Error().Err(err).Str("error_type", string(kind))
		var pe *domain.PollError
		if errors.As(err, &pe) {
			ev = ev.Str("op", pe.Op).Str("line", pe.Line).Str("machine", pe.Machine)
		}
		ev.Dur("duration", dur).Msg("Device poll failed")
		return out, pollFailed, err
	}

	s.stats.SuccessPolls.Add(1)
	state.record(true, nil, start, dur)
	if s.metrics != nil {
		s.metrics.RecordPollSuccess(dev.ID, string(dev.Class), dur.Seconds())
	}
	log.Trace().
		Int("reads", out.Reads).
		Int("records", out.Records).
		Int("samples", out.Samples).
		Int("writes", out.Writes).
		Dur("duration", dur).
		Msg("Device polled")
	return out, pollSucceeded, nil
}

func (s *PollingService) state(dev *domain.Device) *deviceState {
	s.mu.Lock()
	defer s.mu.Unlock()
	st, ok := s.states[dev.ID]
	if !ok {
		st = &deviceState{id: dev.ID}
		s.states[dev.ID] = st
	}
	st.mu.Lock()
	st.name = dev.Name
	st.class = dev.Class
	st.mu.Unlock()
	return st
}

// Run polls until ctx is cancelled, pacing cycles with the configured interval.
// On shutdown every pending batch is drained before Run returns.
func (s *PollingService) Run(ctx context.Context) error {
	if !s.started.CompareAndSwap(false, true) {
		return domain.ErrServiceRunning
	}
	defer s.started.Store(false)

	s.logger.Info().
		Dur("interval", s.config.Interval).
		Int("workers", s.config.WorkerCount).
		Interface("classes", s.classes).
		Msg("Starting polling service")

	ticker := s.newTicker(s.config.Interval)
	defer ticker.Stop()

	for {
		// Listing errors are logged by RunCycle; the loop keeps going.
		_, _ = s.RunCycle(ctx)

		select {
		case <-ctx.Done():
			return s.shutdown(ctx)
		case <-ticker.C():
		}
	}
}

func (s *PollingService) shutdown(ctx context.Context) error {
	s.logger.Info().Msg("Stopping polling service")
	if s.batches == nil {
		return nil
	}

	drainCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.config.ShutdownTimeout)
	defer cancel()
	report, err := s.batches.Drain(drainCtx)
	s.logger.Info().
		Int("persisted", report.Persisted).
		Int("discarded", report.Discarded).
		Int("failed", report.Failed).
		Msg("Batches drained")
	return err
}

// IsRunning reports whether Run is active.
func (s *PollingService) IsRunning() bool {
	return s.started.Load()
}

// StatsSnapshot is a point-in-time copy of PollingStats.
type StatsSnapshot struct {
	Cycles       uint64 `json:"cycles"`
	TotalPolls   uint64 `json:"total_polls"`
	SuccessPolls uint64 `json:"success_polls"`
	FailedPolls  uint64 `json:"failed_polls"`
	SkippedPolls uint64 `json:"skipped_polls"`
	Records      uint64 `json:"records"`
	Writes       uint64 `json:"writes"`
}

// Stats returns the current polling statistics.
func (s *PollingService) Stats() StatsSnapshot {
	return StatsSnapshot{
		Cycles:       s.stats.Cycles.Load(),
		TotalPolls:   s.stats.TotalPolls.Load(),
		SuccessPolls: s.stats.SuccessPolls.Load(),
		FailedPolls:  s.stats.FailedPolls.Load(),
		SkippedPolls: s.stats.SkippedPolls.Load(),
		Records:      s.stats.Records.Load(),
		Writes:       s.stats.Writes.Load(),
	}
}

// GetDeviceStatus returns the status of a specific device.
func (s *PollingService) GetDeviceStatus(deviceID string) (DeviceStatus, error) {
	s.mu.RLock()
	st, ok := s.states[deviceID]
	s.mu.RUnlock()
	if !ok {
		return DeviceStatus{}, domain.ErrDeviceNotFound
	}
	return st.snapshot(), nil
}

// Status is the document served on /status.
type Status struct {
	Running   bool           `json:"running"`
	Classes   []string       `json:"classes"`
	Stats     StatsSnapshot  `json:"stats"`
	LastCycle *CycleReport   `json:"last_cycle,omitempty"`
	Devices   []DeviceStatus `json:"devices"`
}

// Status returns a snapshot of the service and every device seen so far.
func (s *PollingService) Status() Status {
	s.mu.RLock()
	states := make([]*deviceState, 0, len(s.states))
	for _, st := range s.states {
		states = append(states, st)
	}
	last := s.lastCycle
	s.mu.RUnlock()

	out := Status{
		Running:   s.IsRunning(),
		Stats:     s.Stats(),
		LastCycle: last,
		Devices:   make([]DeviceStatus, 0, len(states)),
	}
	for _, c := range s.classes {
		out.Classes = append(out.Classes, string(c))
	}
	for _, st := range states {
		out.Devices = append(out.Devices, st.snapshot())
	}
	sort.Slice(out.Devices, func(i, j int) bool { return out.Devices[i].DeviceID < out.Devices[j].DeviceID })
	return out
}
