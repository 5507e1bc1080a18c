package writeback

import (
	"context"
	"fmt"
	"time"

	"github.com/nexus-edge/plant-poller/internal/adapter/modbus"
	"github.com/nexus-edge/plant-poller/internal/domain"
	"github.com/nexus-edge/plant-poller/internal/metrics"
	"github.com/rs/zerolog"
)

// RegisterIO is the subset of the register transport the writer needs.
type RegisterIO interface {
	ReadBlock(ctx context.Context, ep domain.Endpoint, start, count uint16) ([]uint16, error)
	WriteRegisters(ctx context.Context, ep domain.Endpoint, start uint16, values []uint16) error
}

// CountSource totals persisted increments.
type CountSource interface {
	SumIncremental(ctx context.Context, key domain.Key, since time.Time) (int64, error)
}

// Writer issues gated writebacks.
type Writer struct {
	io       RegisterIO
	planner  *Planner
	schedule OffsetSchedule
	logger   zerolog.Logger
	metrics  *metrics.Registry
	now      func() time.Time
}

// NewWriter creates a writer.
func NewWriter(io RegisterIO, planner *Planner, schedule OffsetSchedule, logger zerolog.Logger, metricsReg *metrics.Registry) *Writer {
	return &Writer{
		io:       io,
		planner:  planner,
		schedule: schedule,
		logger:   logger.With().Str("component", "writeback").Logger(),
		metrics:  metricsReg,
		now:      time.Now,
	}
}

// WithClock overrides the writer clock.
func (w *Writer) WithClock(now func() time.Time) *Writer {
	w.now = now
	return w
}

// Planner returns the planner backing this writer.
func (w *Writer) Planner() *Planner {
	return w.planner
}

func (w *Writer) record(kind string, issued bool) {
	if w.metrics != nil {
		w.metrics.RecordWriteback(kind, issued)
	}
}

// WriteBlock reads the current block, overlays updates (offset to value) and writes the
// whole block back in one request. Nothing is written when the device already holds every value.
func (w *Writer) WriteBlock(ctx context.Context, ep domain.Endpoint, start uint16, size int, updates map[int]uint16) (bool, error) {
	if len(updates) == 0 {
		return false, nil
	}
	for off := range updates {
		if off < 0 || off >= size {
			return false, fmt.Errorf("%w: block offset %d outside %d registers", domain.ErrInvalidRegisterCount, off, size)
		}
	}

	current, err := w.io.ReadBlock(ctx, ep, start, uint16(size))
	if err != nil {
		return false, err
	}
	block := make([]uint16, size)
	copy(block, current)

	changed := false
	for off, v := range updates {
		if block[off] != v {
			block[off] = v
			changed = true
		}
	}
	if !changed {
		return false, nil
	}
	if err := w.io.WriteRegisters(ctx, ep, start, block); err != nil {
		return false, err
	}
	return true, nil
}

// CountsResult reports what WriteCounts did.
type CountsResult struct {
	Entries int
	Changed int
	Written bool
}

// WriteCounts mirrors today's adjusted counts into the device's counts block.
func (w *Writer) WriteCounts(ctx context.Context, device *domain.Device, sums CountSource) (CountsResult, error) {
	cb := device.Writeback.CountsBlock
	if cb == nil || len(cb.Entries) == 0 {
		return CountsResult{}, nil
	}

	now := w.now()
	since := StartOfDay(now)
	result := CountsResult{Entries: len(cb.Entries)}

	updates := make(map[int]uint16)
	pending := make(map[domain.Key]int64)
	for i, e := range cb.Entries {
		key := domain.CountKey(device.ID, e.Line, e.Machine, e.Condition)
		total, err := sums.SumIncremental(ctx, key, since)
		if err != nil {
			return result, domain.NewPollError("sum counts", device.ID, err).At(e.Line, e.Machine)
		}
		v := w.schedule.Adjust(total, now)
		if w.planner.Plan(key, v, Changed) {
			updates[i] = modbus.Clamp16(v)
			pending[key] = v
		}
	}
	result.Changed = len(updates)
	if len(updates) == 0 {
		w.record("counts", false)
		return result, nil
	}

	written, err := w.WriteBlock(ctx, device.Endpoint(), cb.Start, len(cb.Entries), updates)
	if err != nil {
		return result, domain.NewPollError("write counts block", device.ID, err)
	}
	for key, v := range pending {
		w.planner.Confirm(key, v)
	}
	result.Written = written
	w.record("counts", written)

	w.logger.Debug().
		Str("device_id", device.ID).
		Int("changed", result.Changed).
		Bool("written", written).
		Int64("offset", w.schedule.Offset(now)).
		Msg("Counts block reconciled")
	return result, nil
}

// WriteMaxDuration broadcasts a line's daily maximum duration when it strictly increases.
func (w *Writer) WriteMaxDuration(ctx context.Context, device *domain.Device, line *domain.Line, candidate int64) (bool, error) {
	if line.MaxDurationRegister == nil {
		return false, nil
	}
	addr := *line.MaxDurationRegister
	ep := device.Endpoint()

	issued, err := w.planner.Apply(ctx, domain.LineKey(device.ID, line.ID), candidate, Increasing,
		func(ctx context.Context, v int64) error {
			return w.io.WriteRegisters(ctx, ep, addr, []uint16{modbus.Clamp16(v)})
		})
	if err != nil {
		return false, domain.NewPollError("write max duration", device.ID, err).At(line.ID, "")
	}
	w.record("max_duration", issued)
	if issued {
		w.logger.Info().
			Str("device_id", device.ID).
			Str("line", line.ID).
			Int64("max_duration", candidate).
			Msg("Max duration broadcast")
	}
	return issued, nil
}
