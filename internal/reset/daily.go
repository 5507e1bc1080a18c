package reset

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/nexus-edge/plant-poller/internal/domain"
	"github.com/nexus-edge/plant-poller/internal/writeback"
	"github.com/rs/zerolog"
)

// MarkerName is the marker holding the date of the last daily reset.
const MarkerName = "daily_reset_date"

// MarkerStore persists named markers.
type MarkerStore interface {
	Marker(ctx context.Context, name string) (string, bool, error)
	SetMarker(ctx context.Context, name, value string) error
}

// DeviceSource lists the devices to reset.
type DeviceSource interface {
	ActiveDevices(ctx context.Context, classes ...domain.DeviceClass) ([]*domain.Device, error)
}

// DailyReport describes one daily check.
type DailyReport struct {
	Fired   bool
	Date    string
	Devices int
	Failed  int

	// Retried is set when the check only re-ran devices a previous check failed to reset.
	Retried bool
}

// ResetLog records when each device was last reset.
type ResetLog struct {
	markers MarkerStore
}

// NewResetLog creates a reset log over a marker store.
func NewResetLog(markers MarkerStore) *ResetLog {
	return &ResetLog{markers: markers}
}

func resetMarker(deviceID string) string {
	return "device_reset_at/" + deviceID
}

// Stamp records a completed reset of a device.
func (l *ResetLog) Stamp(ctx context.Context, deviceID string, at time.Time) error {
	return l.markers.SetMarker(ctx, resetMarker(deviceID), at.Format(time.RFC3339Nano))
}

// LastReset returns the time of the last completed reset of a device.
func (l *ResetLog) LastReset(ctx context.Context, deviceID string) (time.Time, bool, error) {
	v, found, err := l.markers.Marker(ctx, resetMarker(deviceID))
	if err != nil || !found {
		return time.Time{}, false, err
	}
	at, err := time.Parse(time.RFC3339Nano, v)
	if err != nil {
		return time.Time{}, false, fmt.Errorf("%w: marker %s: %v", domain.ErrPersistence, resetMarker(deviceID), err)
	}
	return at, true, nil
}

// Daily fires the reset broadcast once per calendar date, at or after the configured hour.
// Devices that fail are retried on later checks of the same date.
type Daily struct {
	orch    *Orchestrator
	markers MarkerStore
	log     *ResetLog
	devices DeviceSource
	planner *writeback.Planner
	hour    int
	classes []domain.DeviceClass
	now     func() time.Time
	logger  zerolog.Logger

	mu       sync.Mutex
	lastDate string
	pending  map[string]struct{}
}

// NewDaily creates the daily reset check. classes restricts the devices reset; none means all.
func NewDaily(orch *Orchestrator, markers MarkerStore, devices DeviceSource, planner *writeback.Planner, hour int, logger zerolog.Logger, classes ...domain.DeviceClass) *Daily {
	return &Daily{
		orch:    orch,
		markers: markers,
		log:     NewResetLog(markers),
		devices: devices,
		planner: planner,
		hour:    hour,
		classes: classes,
		now:     time.Now,
		logger:  logger.With().Str("component", "daily-reset").Logger(),
		pending: make(map[string]struct{}),
	}
}

// WithClock overrides the clock.
func (d *Daily) WithClock(now func() time.Time) *Daily {
	d.now = now
	return d
}

// ResetLog returns the per-device reset times written by Check.
func (d *Daily) ResetLog() *ResetLog {
	return d.log
}

// Check runs the daily reset if it is due. The date marker is stamped even when some
// devices fail so the broadcast fires once per date; the failed devices stay pending
// and are reset again by every later check of that date until they succeed.
func (d *Daily) Check(ctx context.Context) (DailyReport, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	now := d.now()
	today := now.Format("2006-01-02")
	report := DailyReport{Date: today}

	if now.Hour() < d.hour {
		return report, nil
	}

	if d.lastDate != today {
		stored, found, err := d.markers.Marker(ctx, MarkerName)
		if err != nil {
			return report, err
		}
		if found && stored == today {
			pending, err := d.missed(ctx, now)
			if err != nil {
				return report, err
			}
			d.lastDate, d.pending = today, pending
		}
	}

	if d.lastDate == today {
		if len(d.pending) == 0 {
			return report, nil
		}
		return d.retry(ctx, now, report)
	}
	return d.fire(ctx, now, report)
}

func (d *Daily) fire(ctx context.Context, now time.Time, report DailyReport) (DailyReport, error) {
	devices, err := d.devices.ActiveDevices(ctx, d.classes...)
	if err != nil {
		return report, err
	}

	d.logger.Info().Str("date", report.Date).Int("devices", len(devices)).Msg("Daily reset starting")
	if d.planner != nil {
		d.planner.Clear()
	}

	d.pending = make(map[string]struct{})
	errs := d.resetAll(ctx, now, devices, &report)
	report.Fired = true

	d.lastDate = report.Date
	if err := d.markers.SetMarker(ctx, MarkerName, report.Date); err != nil {
		errs = append(errs, err)
	}

	d.logger.Info().
		Str("date", report.Date).
		Int("devices", report.Devices).
		Int("failed", report.Failed).
		Msg("Daily reset finished")
	return report, errors.Join(errs...)
}

// retry resets the pending devices that are still active.
func (d *Daily) retry(ctx context.Context, now time.Time, report DailyReport) (DailyReport, error) {
	devices, err := d.devices.ActiveDevices(ctx, d.classes...)
	if err != nil {
		return report, err
	}

	var due []*domain.Device
	still := make(map[string]struct{}, len(d.pending))
	for _, dev := range devices {
		if _, ok := d.pending[dev.ID]; ok {
			due = append(due, dev)
			still[dev.ID] = struct{}{}
		}
	}
	d.pending = still
	if len(due) == 0 {
		return report, nil
	}

	if d.planner != nil {
		for _, dev := range due {
			d.planner.ForgetDevice(dev.ID)
		}
	}
	errs := d.resetAll(ctx, now, due, &report)
	report.Retried = true

	d.logger.Info().
		Str("date", report.Date).
		Int("devices", report.Devices).
		Int("failed", report.Failed).
		Msg("Daily reset retried")
	return report, errors.Join(errs...)
}

func (d *Daily) resetAll(ctx context.Context, now time.Time, devices []*domain.Device, report *DailyReport) []error {
	var errs []error
	for _, dev := range devices {
		res, err := d.orch.ResetDevice(ctx, dev)
		if res.Operations > 0 {
			report.Devices++
		}
		if err != nil {
			report.Failed++
			d.pending[dev.ID] = struct{}{}
			errs = append(errs, err)
			continue
		}
		delete(d.pending, dev.ID)
		if err := d.log.Stamp(ctx, dev.ID, now); err != nil {
			errs = append(errs, err)
		}
	}
	return errs
}

// missed lists the active devices with no completed reset since today's reset hour.
func (d *Daily) missed(ctx context.Context, now time.Time) (map[string]struct{}, error) {
	devices, err := d.devices.ActiveDevices(ctx, d.classes...)
	if err != nil {
		return nil, err
	}
	y, m, day := now.Date()
	due := time.Date(y, m, day, d.hour, 0, 0, 0, now.Location())

	pending := make(map[string]struct{})
	for _, dev := range devices {
		at, found, err := d.log.LastReset(ctx, dev.ID)
		if err != nil {
			return nil, err
		}
		if !found || at.Before(due) {
			pending[dev.ID] = struct{}{}
		}
	}
	return pending, nil
}
