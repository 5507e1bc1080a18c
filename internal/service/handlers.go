package service

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/nexus-edge/plant-poller/internal/adapter/modbus"
	"github.com/nexus-edge/plant-poller/internal/aggregator"
	"github.com/nexus-edge/plant-poller/internal/domain"
	"github.com/nexus-edge/plant-poller/internal/reset"
	"github.com/nexus-edge/plant-poller/internal/tracker"
	"github.com/nexus-edge/plant-poller/internal/writeback"
	"github.com/rs/zerolog"
)

// Register names read from thickness machines.
const (
	FieldLeftThickness    = "left_thickness"
	FieldRightThickness   = "right_thickness"
	FieldCorrectionActive = "correction_active"
	FieldLeftAction       = "left_action"
	FieldRightAction      = "right_action"
	FieldRecipeID         = "recipe_id"
	FieldTargetMin        = "target_min"
	FieldTargetMax        = "target_max"
)

var thicknessFields = []string{
	FieldLeftThickness, FieldRightThickness, FieldCorrectionActive, FieldLeftAction,
	FieldRightAction, FieldRecipeID, FieldTargetMin, FieldTargetMax,
}

// RegisterReader is the read side of the register transport.
type RegisterReader interface {
	ReadRegisters(ctx context.Context, ep domain.Endpoint, regs map[string]domain.Register) (map[string]uint16, error)
}

// Outcome summarises the work a handler did for one device.
type Outcome struct {
	Reads     int
	Records   int
	Unchanged int
	Skipped   int
	Samples   int
	Writes    int
}

func (o *Outcome) add(other Outcome) {
	o.Reads += other.Reads
	o.Records += other.Records
	o.Unchanged += other.Unchanged
	o.Skipped += other.Skipped
	o.Samples += other.Samples
	o.Writes += other.Writes
}

// Handler runs one device's share of a poll cycle. Calls for one device are never concurrent.
type Handler interface {
	Handle(ctx context.Context, device *domain.Device) (Outcome, error)
}

// HandlerFunc adapts a function to Handler.
type HandlerFunc func(ctx context.Context, device *domain.Device) (Outcome, error)

// Handle implements Handler.
func (f HandlerFunc) Handle(ctx context.Context, device *domain.Device) (Outcome, error) {
	return f(ctx, device)
}

// Chain runs handlers in order and stops at the first error, so writebacks never
// follow a failed read.
func Chain(handlers ...Handler) Handler {
	return HandlerFunc(func(ctx context.Context, device *domain.Device) (Outcome, error) {
		var total Outcome
		for _, h := range handlers {
			out, err := h.Handle(ctx, device)
			total.add(out)
			if err != nil {
				return total, err
			}
		}
		return total, nil
	})
}

// measurement ties a register read back to the key it belongs to.
type measurement struct {
	key     domain.Key
	reg     domain.Register
	machine string
}

func deviceLogger(logger zerolog.Logger, device *domain.Device) zerolog.Logger {
	return logger.With().Str("device_id", device.ID).Str("device_name", device.Name).Logger()
}

// CounterHandler reads every machine condition counter of a counter device and
// feeds the readings to the tracker.
type CounterHandler struct {
	reader  RegisterReader
	tracker *tracker.Tracker
	now     func() time.Time
	logger  zerolog.Logger
}

// NewCounterHandler creates a counter handler.
func NewCounterHandler(reader RegisterReader, t *tracker.Tracker, logger zerolog.Logger) *CounterHandler {
	return &CounterHandler{
		reader:  reader,
		tracker: t,
		now:     time.Now,
		logger:  logger.With().Str("component", "counter-handler").Logger(),
	}
}

// WithClock overrides the clock used to stamp readings.
func (h *CounterHandler) WithClock(now func() time.Time) *CounterHandler {
	h.now = now
	return h
}

// plan resolves the registers to read. Machines without a condition register are
// logged and skipped for that condition only.
func (h *CounterHandler) plan(device *domain.Device, log zerolog.Logger) (map[string]domain.Register, map[string]measurement, int) {
	regs := make(map[string]domain.Register)
	index := make(map[string]measurement)
	skipped := 0
	for _, line := range device.Lines {
		for i := range line.Machines {
			m := &line.Machines[i]
			conditions := device.Conditions
			if len(conditions) == 0 {
				conditions = sortedNames(m.Registers)
			}
			for _, cond := range conditions {
				reg, err := m.Register(cond)
				if err != nil {
					log.Warn().Err(err).Str("line", line.ID).Str("machine", m.ID).Str("condition", cond).
						Msg("Missing register, measurement skipped")
					skipped++
					continue
				}
				key := domain.CountKey(device.ID, line.ID, m.ID, cond)
				name := key.String()
				regs[name] = reg
				index[name] = measurement{key: key, reg: reg, machine: m.ID}
			}
		}
	}
	return regs, index, skipped
}

// Handle implements Handler.
func (h *CounterHandler) Handle(ctx context.Context, device *domain.Device) (Outcome, error) {
	log := deviceLogger(h.logger, device)
	regs, index, skipped := h.plan(device, log)
	out := Outcome{Skipped: skipped}
	if len(regs) == 0 {
		return out, nil
	}

	values, err := h.reader.ReadRegisters(ctx, device.Endpoint(), regs)
	if err != nil {
		return out, err
	}
	out.Reads = len(values)
	at := h.now()

	var errs []error
	for _, name := range sortedKeys(values) {
		m := index[name]
		cumulative := modbus.Counter(values[name], m.reg)
		res, err := h.tracker.Observe(ctx, m.key, tracker.Reading{Cumulative: cumulative, At: at, Plant: device.Plant})
		if err != nil {
			perr := domain.NewPollError("track count", device.ID, err).At(m.key.Line, m.key.Machine)
			log.Error().Err(err).
				Str("line", m.key.Line).
				Str("machine", m.key.Machine).
				Str("condition", m.key.Condition).
				Int64("cumulative", cumulative).
				Msg("Count record lost")
			errs = append(errs, perr)
			continue
		}
		switch res.Outcome {
		case tracker.Persisted:
			out.Records++
		case tracker.Unchanged, tracker.Rebased:
			out.Unchanged++
		case tracker.Skipped:
			out.Skipped++
		}
	}
	return out, errors.Join(errs...)
}

// CountsWriteback mirrors today's adjusted counts into each counter device's counts block.
type CountsWriteback struct {
	writer *writeback.Writer
	sums   writeback.CountSource
}

// NewCountsWriteback creates the counts writeback handler.
func NewCountsWriteback(w *writeback.Writer, sums writeback.CountSource) *CountsWriteback {
	return &CountsWriteback{writer: w, sums: sums}
}

// Handle implements Handler.
func (c *CountsWriteback) Handle(ctx context.Context, device *domain.Device) (Outcome, error) {
	res, err := c.writer.WriteCounts(ctx, device, c.sums)
	out := Outcome{}
	if res.Written {
		out.Writes = 1
	}
	return out, err
}

// MaxDurationSource answers the daily maximum alarm duration of a line.
type MaxDurationSource interface {
	MaxDurationSince(ctx context.Context, deviceID, line string, since time.Time) (int64, error)
}

// ResetTimes answers when a device was last reset.
type ResetTimes interface {
	LastReset(ctx context.Context, deviceID string) (time.Time, bool, error)
}

// AlarmHandler reads each line's cumulative alarm counter and last duration, records
// novel alarms and broadcasts the daily maximum duration.
type AlarmHandler struct {
	reader  RegisterReader
	tracker *tracker.Tracker
	maxima  MaxDurationSource
	resets  ResetTimes
	writer  *writeback.Writer
	now     func() time.Time
	logger  zerolog.Logger
}

// NewAlarmHandler creates an alarm handler. writer may be nil to skip the broadcast.
func NewAlarmHandler(reader RegisterReader, t *tracker.Tracker, maxima MaxDurationSource, w *writeback.Writer, logger zerolog.Logger) *AlarmHandler {
	return &AlarmHandler{
		reader:  reader,
		tracker: t,
		maxima:  maxima,
		writer:  w,
		now:     time.Now,
		logger:  logger.With().Str("component", "alarm-handler").Logger(),
	}
}

// WithClock overrides the clock.
func (h *AlarmHandler) WithClock(now func() time.Time) *AlarmHandler {
	h.now = now
	return h
}

// WithResetTimes starts the broadcast maximum at the device's last reset when that
// is later than local midnight.
func (h *AlarmHandler) WithResetTimes(r ResetTimes) *AlarmHandler {
	h.resets = r
	return h
}

// maximumSince returns the start of the window the daily maximum covers.
func (h *AlarmHandler) maximumSince(ctx context.Context, deviceID string, at time.Time) (time.Time, error) {
	since := writeback.StartOfDay(at)
	if h.resets == nil {
		return since, nil
	}
	last, found, err := h.resets.LastReset(ctx, deviceID)
	if err != nil {
		return since, err
	}
	if found && last.After(since) {
		since = last
	}
	return since, nil
}

func alarmName(line string) string    { return line + "/alarm" }
func durationName(line string) string { return line + "/duration" }

// Handle implements Handler.
func (h *AlarmHandler) Handle(ctx context.Context, device *domain.Device) (Outcome, error) {
	log := deviceLogger(h.logger, device)
	out := Outcome{}

	regs := make(map[string]domain.Register)
	var lines []*domain.Line
	for i := range device.Lines {
		line := &device.Lines[i]
		if line.AlarmCounter == nil || line.Duration == nil {
			log.Warn().Str("line", line.ID).Msg("Line has no alarm registers, skipped")
			out.Skipped++
			continue
		}
		regs[alarmName(line.ID)] = *line.AlarmCounter
		regs[durationName(line.ID)] = *line.Duration
		lines = append(lines, line)
	}
	if len(lines) == 0 {
		return out, nil
	}

	values, err := h.reader.ReadRegisters(ctx, device.Endpoint(), regs)
	if err != nil {
		return out, err
	}
	out.Reads = len(values)
	at := h.now()

	var errs []error
	broadcast := h.writer != nil
	var since time.Time
	if broadcast {
		if since, err = h.maximumSince(ctx, device.ID, at); err != nil {
			log.Warn().Err(err).Msg("Last reset unknown, max duration broadcast skipped")
			errs = append(errs, domain.NewPollError("last reset", device.ID, err))
			broadcast = false
		}
	}
	for _, line := range lines {
		key := domain.LineKey(device.ID, line.ID)
		reading := tracker.Reading{
			Cumulative: modbus.Counter(values[alarmName(line.ID)], *line.AlarmCounter),
			Duration:   modbus.Counter(values[durationName(line.ID)], *line.Duration),
			At:         at,
			Plant:      device.Plant,
		}
		res, err := h.tracker.Observe(ctx, key, reading)
		if err != nil {
			log.Error().Err(err).Str("line", line.ID).Int64("cumulative", reading.Cumulative).Msg("Alarm record lost")
			errs = append(errs, domain.NewPollError("track alarm", device.ID, err).At(line.ID, ""))
			continue
		}
		switch res.Outcome {
		case tracker.Persisted:
			out.Records++
		case tracker.Skipped:
			out.Skipped++
		default:
			out.Unchanged++
		}

		if !broadcast || line.MaxDurationRegister == nil {
			continue
		}
		longest, err := h.maxima.MaxDurationSince(ctx, device.ID, line.ID, since)
		if err != nil {
			errs = append(errs, domain.NewPollError("max duration", device.ID, err).At(line.ID, ""))
			continue
		}
		issued, err := h.writer.WriteMaxDuration(ctx, device, line, longest)
		if err != nil {
			log.Warn().Err(err).Str("line", line.ID).Int64("max_duration", longest).Msg("Max duration broadcast failed")
			errs = append(errs, err)
			continue
		}
		if issued {
			out.Writes++
		}
	}
	return out, errors.Join(errs...)
}

// ThicknessHandler samples each machine of a thickness device into the batch aggregator.
type ThicknessHandler struct {
	reader     RegisterReader
	aggregator *aggregator.Aggregator
	now        func() time.Time
	logger     zerolog.Logger
}

// NewThicknessHandler creates a thickness handler.
func NewThicknessHandler(reader RegisterReader, agg *aggregator.Aggregator, logger zerolog.Logger) *ThicknessHandler {
	return &ThicknessHandler{
		reader:     reader,
		aggregator: agg,
		now:        time.Now,
		logger:     logger.With().Str("component", "thickness-handler").Logger(),
	}
}

// WithClock overrides the clock.
func (h *ThicknessHandler) WithClock(now func() time.Time) *ThicknessHandler {
	h.now = now
	return h
}

// Handle implements Handler.
func (h *ThicknessHandler) Handle(ctx context.Context, device *domain.Device) (Outcome, error) {
	log := deviceLogger(h.logger, device)
	out := Outcome{}

	regs := make(map[string]domain.Register)
	var machines []measurement
	for _, line := range device.Lines {
		for i := range line.Machines {
			m := &line.Machines[i]
			_, lerr := m.Register(FieldLeftThickness)
			_, rerr := m.Register(FieldRightThickness)
			if lerr != nil || rerr != nil {
				log.Warn().Err(errors.Join(lerr, rerr)).Str("line", line.ID).Str("machine", m.ID).
					Msg("Machine has no thickness registers, skipped")
				out.Skipped++
				continue
			}
			key := domain.MachineKey(device.ID, line.ID, m.ID)
			for _, f := range thicknessFields {
				if reg, ok := m.Registers[f]; ok {
					regs[fieldName(key, f)] = reg
				}
			}
			machines = append(machines, measurement{key: key, machine: m.ID})
		}
	}
	if len(machines) == 0 {
		return out, nil
	}

	values, err := h.reader.ReadRegisters(ctx, device.Endpoint(), regs)
	if err != nil {
		return out, err
	}
	out.Reads = len(values)
	at := h.now()

	for _, mm := range machines {
		s := h.sample(mm.key, regs, values, at)
		if h.aggregator.Add(aggregator.Owner{Key: mm.key, Plant: device.Plant}, s) {
			out.Samples++
		} else {
			out.Unchanged++
		}
	}
	return out, nil
}

func fieldName(key domain.Key, field string) string {
	return fmt.Sprintf("%s/%s/%s", key.Line, key.Machine, field)
}

func (h *ThicknessHandler) sample(key domain.Key, regs map[string]domain.Register, values map[string]uint16, at time.Time) aggregator.Sample {
	value := func(f string) (float64, bool) {
		name := fieldName(key, f)
		reg, ok := regs[name]
		if !ok {
			return 0, false
		}
		return modbus.Decode(values[name], reg), true
	}
	intValue := func(f string) int {
		v, _ := value(f)
		return int(v)
	}

	s := aggregator.Sample{At: at}
	s.Left, _ = value(FieldLeftThickness)
	s.Right, _ = value(FieldRightThickness)
	s.CorrectionActive = intValue(FieldCorrectionActive) != 0
	s.LeftAction = intValue(FieldLeftAction)
	s.RightAction = intValue(FieldRightAction)
	s.RecipeID = intValue(FieldRecipeID)

	lo, okLo := value(FieldTargetMin)
	hi, okHi := value(FieldTargetMax)
	if okLo && okHi {
		s.TargetMin, s.TargetMax = lo, hi
		s.LeftError = aggregator.ErrorAgainst(s.Left, lo, hi)
		s.RightError = aggregator.ErrorAgainst(s.Right, lo, hi)
	}
	return s
}

// ResetHandler resets every device it is given.
type ResetHandler struct {
	orch *reset.Orchestrator
	log  *reset.ResetLog
	now  func() time.Time
}

// NewResetHandler creates a reset handler.
func NewResetHandler(orch *reset.Orchestrator) *ResetHandler {
	return &ResetHandler{orch: orch, now: time.Now}
}

// WithResetLog stamps every completed reset into log.
func (r *ResetHandler) WithResetLog(log *reset.ResetLog) *ResetHandler {
	r.log = log
	return r
}

// Handle implements Handler.
func (r *ResetHandler) Handle(ctx context.Context, device *domain.Device) (Outcome, error) {
	res, err := r.orch.ResetDevice(ctx, device)
	out := Outcome{Writes: res.Operations - res.Failed}
	if err != nil || r.log == nil {
		return out, err
	}
	if err := r.log.Stamp(ctx, device.ID, r.now()); err != nil {
		return out, domain.NewPollError("stamp reset", device.ID, err)
	}
	return out, nil
}

func sortedNames(m map[string]domain.Register) []string {
	names := make([]string, 0, len(m))
	for n := range m {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

func sortedKeys(m map[string]uint16) []string {
	names := make([]string, 0, len(m))
	for n := range m {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}
