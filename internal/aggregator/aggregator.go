// Package aggregator buffers thickness samples per machine and reduces each
// inactive batch into one aggregate record.
package aggregator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/nexus-edge/plant-poller/internal/domain"
	"github.com/nexus-edge/plant-poller/internal/metrics"
	"github.com/rs/zerolog"
)

// Sample is one raw thickness poll of a machine.
type Sample struct {
	At               time.Time `json:"at"`
	CorrectionActive bool      `json:"correction_active"`
	LeftAction       int       `json:"left_action"`
	RightAction      int       `json:"right_action"`
	Left             float64   `json:"left"`
	Right            float64   `json:"right"`
	RecipeID         int       `json:"recipe_id"`
	TargetMin        float64   `json:"target_min"`
	TargetMax        float64   `json:"target_max"`
	LeftError        *float64  `json:"left_error"`
	RightError       *float64  `json:"right_error"`
}

type signature struct {
	left, right             float64
	leftAction, rightAction int
	active                  bool
}

func (s Sample) signature() signature {
	return signature{s.Left, s.Right, s.LeftAction, s.RightAction, s.CorrectionActive}
}

// ErrorAgainst returns the deviation of value from the [min, max] target window,
// or nil when there is no valid reading or no target.
func ErrorAgainst(value, lo, hi float64) *float64 {
	if value <= 0 || (lo <= 0 && hi <= 0) {
		return nil
	}
	var e float64
	switch {
	case lo > 0 && value < lo:
		e = lo - value
	case hi > 0 && value > hi:
		e = value - hi
	}
	return &e
}

// Config controls batching.
type Config struct {
	Timeout             time.Duration
	MinimumMeasurements int
	AutoThreshold       int
}

// DefaultConfig returns a config with default values.
func DefaultConfig() Config {
	return Config{
		Timeout:             60 * time.Second,
		MinimumMeasurements: 10,
		AutoThreshold:       30,
	}
}

// Sink persists aggregate records.
type Sink interface {
	SaveAggregate(ctx context.Context, r *domain.AggregateRecord) error
}

// Owner identifies the machine a batch belongs to.
type Owner struct {
	Key   domain.Key
	Plant string
}

type buffer struct {
	owner        Owner
	samples      []Sample
	startedAt    time.Time
	lastActivity time.Time
}

// FlushReport summarises one flush pass.
type FlushReport struct {
	Persisted int
	Discarded int
	Failed    int
}

// Aggregator owns every machine's batch buffer.
type Aggregator struct {
	config  Config
	sink    Sink
	logger  zerolog.Logger
	metrics *metrics.Registry
	now     func() time.Time

	mu       sync.Mutex
	buffers  map[domain.Key]*buffer
	previous map[domain.Key]signature
}

// New creates an aggregator.
func New(config Config, sink Sink, logger zerolog.Logger, metricsReg *metrics.Registry) *Aggregator {
	return &Aggregator{
		config:   config,
		sink:     sink,
		logger:   logger.With().Str("component", "aggregator").Logger(),
		metrics:  metricsReg,
		now:      time.Now,
		buffers:  make(map[domain.Key]*buffer),
		previous: make(map[domain.Key]signature),
	}
}

// WithClock overrides the aggregator clock.
func (a *Aggregator) WithClock(now func() time.Time) *Aggregator {
	a.now = now
	return a
}

// Add offers a sample. It reports whether the sample qualified and was buffered:
// the sensor signature must differ from the previous sample and at least one side must be non-zero.
func (a *Aggregator) Add(owner Owner, s Sample) bool {
	if s.At.IsZero() {
		s.At = a.now()
	}
	sig := s.signature()

	a.mu.Lock()
	defer a.mu.Unlock()

	prev, seen := a.previous[owner.Key]
	a.previous[owner.Key] = sig
	if seen && prev == sig {
		return false
	}
	if s.Left == 0 && s.Right == 0 {
		return false
	}

	buf, ok := a.buffers[owner.Key]
	if !ok {
		buf = &buffer{owner: owner, startedAt: s.At}
		a.buffers[owner.Key] = buf
		a.updateGauge()
	}
	buf.samples = append(buf.samples, s)
	buf.lastActivity = s.At
	return true
}

// Pending returns the number of buffered samples for a machine.
func (a *Aggregator) Pending(key domain.Key) int {
	a.mu.Lock()
	defer a.mu.Unlock()
	if buf, ok := a.buffers[key]; ok {
		return len(buf.samples)
	}
	return 0
}

// Buffers returns the number of machines currently accumulating.
func (a *Aggregator) Buffers() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.buffers)
}

// FlushExpired flushes every batch that has been inactive for at least the batch timeout.
func (a *Aggregator) FlushExpired(ctx context.Context) (FlushReport, error) {
	now := a.now()
	return a.flush(ctx, func(b *buffer) bool {
		return now.Sub(b.lastActivity) >= a.config.Timeout
	})
}

// Drain flushes every non-empty batch regardless of activity. Used on shutdown.
func (a *Aggregator) Drain(ctx context.Context) (FlushReport, error) {
	return a.flush(ctx, func(*buffer) bool { return true })
}

func (a *Aggregator) flush(ctx context.Context, due func(*buffer) bool) (FlushReport, error) {
	a.mu.Lock()
	var ready []*buffer
	for key, buf := range a.buffers {
		if due(buf) {
			ready = append(ready, buf)
			delete(a.buffers, key)
		}
	}
	a.updateGauge()
	a.mu.Unlock()

	sort.Slice(ready, func(i, j int) bool {
		return ready[i].owner.Key.String() < ready[j].owner.Key.String()
	})

	var report FlushReport
	var errs []error
	for _, buf := range ready {
		log := a.logger.With().
			Str("device_id", buf.owner.Key.DeviceID).
			Str("line", buf.owner.Key.Line).
			Str("machine", buf.owner.Key.Machine).
			Int("samples", len(buf.samples)).
			Logger()

		if len(buf.samples) < a.config.MinimumMeasurements {
			report.Discarded++
			if a.metrics != nil {
				a.metrics.RecordBatch(false)
			}
			log.Debug().Int("minimum", a.config.MinimumMeasurements).Msg("Batch discarded below minimum measurements")
			continue
		}

		rec, err := a.record(buf)
		if err == nil {
			err = a.sink.SaveAggregate(ctx, rec)
		}
		if err != nil {
			report.Failed++
			errs = append(errs, domain.NewPollError("flush batch", buf.owner.Key.DeviceID, err).At(buf.owner.Key.Line, buf.owner.Key.Machine))
			log.Error().Err(err).Msg("Failed to persist aggregate")
			continue
		}
		report.Persisted++
		if a.metrics != nil {
			a.metrics.RecordBatch(true)
		}
		log.Info().
			Str("batch_id", rec.BatchID).
			Int("recipe_id", rec.RecipeID).
			Bool("is_auto", rec.IsAuto).
			Int("correction_uptime", rec.CorrectionUptime).
			Msg("Batch aggregated")
	}
	return report, errors.Join(errs...)
}

func (a *Aggregator) record(buf *buffer) (*domain.AggregateRecord, error) {
	raw, err := json.Marshal(buf.samples)
	if err != nil {
		return nil, fmt.Errorf("encode raw batch: %w", err)
	}
	sum := Summarize(buf.samples, a.config.AutoThreshold)
	return &domain.AggregateRecord{
		BatchID:          uuid.NewString(),
		DeviceID:         buf.owner.Key.DeviceID,
		Plant:            buf.owner.Plant,
		Line:             buf.owner.Key.Line,
		MachineID:        buf.owner.Key.Machine,
		RecipeID:         sum.RecipeID,
		IsAuto:           sum.IsAuto,
		SampleCount:      sum.SampleCount,
		Left:             roundStats(sum.Left),
		Right:            roundStats(sum.Right),
		Combined:         roundStats(sum.Combined),
		CorrectionUptime: sum.CorrectionUptime,
		CorrectionLeft:   sum.CorrectionLeft,
		CorrectionRight:  sum.CorrectionRight,
		CorrectionRate:   sum.CorrectionRate,
		RawBatch:         raw,
		StartedAt:        buf.startedAt,
		CreatedAt:        a.now(),
	}, nil
}

func roundStats(s domain.SideStats) domain.SideStats {
	s.Mean = round4(s.Mean)
	s.StdDev = round4(s.StdDev)
	s.MAE = round4(s.MAE)
	return s
}

func round4(v float64) float64 {
	return math.Round(v*10000) / 10000
}

// must be called with a.mu held
func (a *Aggregator) updateGauge() {
	if a.metrics != nil {
		a.metrics.UpdateBatchBuffers(len(a.buffers))
	}
}
