package reset

import (
	"context"
	"errors"
	"time"

	"github.com/nexus-edge/plant-poller/internal/domain"
	"github.com/nexus-edge/plant-poller/internal/metrics"
	"github.com/nexus-edge/plant-poller/internal/writeback"
	"github.com/rs/zerolog"
)

// DeviceWriter is the subset of the register transport used for resets.
type DeviceWriter interface {
	WriteCoil(ctx context.Context, ep domain.Endpoint, address uint16, value bool) error
	WriteRegisters(ctx context.Context, ep domain.Endpoint, start uint16, values []uint16) error
}

// Orchestrator resets devices.
type Orchestrator struct {
	io         DeviceWriter
	retrier    Retrier
	pulseWidth time.Duration
	planner    *writeback.Planner
	logger     zerolog.Logger
	metrics    *metrics.Registry
}

// NewOrchestrator creates an orchestrator. planner may be nil.
func NewOrchestrator(io DeviceWriter, retrier Retrier, pulseWidth time.Duration, planner *writeback.Planner, logger zerolog.Logger, metricsReg *metrics.Registry) *Orchestrator {
	return &Orchestrator{
		io:         io,
		retrier:    retrier,
		pulseWidth: pulseWidth,
		planner:    planner,
		logger:     logger.With().Str("component", "reset").Logger(),
		metrics:    metricsReg,
	}
}

// WithRetrier returns a copy using a different retry policy.
func (o *Orchestrator) WithRetrier(r Retrier) *Orchestrator {
	c := *o
	c.retrier = r
	return &c
}

// Result reports one device reset.
type Result struct {
	DeviceID   string
	Operations int
	Failed     int
}

// ResetDevice pulses every line reset coil, zeroes every max duration register and the
// reset block. Every operation is attempted; the device fails if any operation exhausted its retries.
func (o *Orchestrator) ResetDevice(ctx context.Context, device *domain.Device) (Result, error) {
	ep := device.Endpoint()
	log := o.logger.With().Str("device_id", device.ID).Str("device_name", device.Name).Logger()
	res := Result{DeviceID: device.ID}
	var errs []error

	run := func(line, what string, fn func(ctx context.Context) error) {
		res.Operations++
		attempts, err := o.retrier.Do(ctx, fn)
		if err != nil {
			res.Failed++
			pe := domain.NewPollError(what, device.ID, err).At(line, "")
			pe.Kind = domain.KindResetFailed
			errs = append(errs, pe)
			log.Error().Err(err).Str("line", line).Str("operation", what).Int("attempts", attempts).Msg("Reset operation failed")
			return
		}
		if attempts > 1 {
			log.Warn().Str("line", line).Str("operation", what).Int("attempts", attempts).Msg("Reset operation succeeded after retries")
		}
	}

	for i := range device.Lines {
		line := &device.Lines[i]
		if line.ResetCoil != nil {
			coil := *line.ResetCoil
			run(line.ID, "pulse reset coil", func(ctx context.Context) error {
				return o.pulse(ctx, ep, coil)
			})
		}
		if line.MaxDurationRegister != nil {
			reg := *line.MaxDurationRegister
			key := domain.LineKey(device.ID, line.ID)
			run(line.ID, "zero max duration", func(ctx context.Context) error {
				if err := o.io.WriteRegisters(ctx, ep, reg, []uint16{0}); err != nil {
					return err
				}
				if o.planner != nil {
					o.planner.Confirm(key, 0)
				}
				return nil
			})
		}
	}

	if rb := device.Writeback.ResetBlock; rb != nil && rb.Count > 0 {
		zeros := make([]uint16, rb.Count)
		run("", "zero reset block", func(ctx context.Context) error {
			return o.io.WriteRegisters(ctx, ep, rb.Start, zeros)
		})
	}

	if res.Operations == 0 {
		log.Debug().Msg("Device has nothing to reset")
		return res, nil
	}

	err := errors.Join(errs...)
	if o.metrics != nil {
		o.metrics.RecordReset(device.ID, err == nil)
	}
	if err == nil {
		log.Info().Int("operations", res.Operations).Msg("Device reset")
	}
	return res, err
}

// pulse sets the coil, holds it for the pulse width and releases it.
func (o *Orchestrator) pulse(ctx context.Context, ep domain.Endpoint, coil uint16) error {
	if err := o.io.WriteCoil(ctx, ep, coil, true); err != nil {
		return err
	}
	if o.pulseWidth > 0 {
		sleep := o.retrier.Sleep
		if sleep == nil {
			sleep = sleepCtx
		}
		// The release must still be sent if the hold is interrupted.
		_ = sleep(ctx, o.pulseWidth)
	}
	return o.io.WriteCoil(context.WithoutCancel(ctx), ep, coil, false)
}
