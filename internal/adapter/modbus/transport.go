// Package modbus implements the register transport: one Modbus/TCP session per call,
// with per-device circuit breakers and typed failures.
package modbus

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/goburrow/modbus"
	"github.com/nexus-edge/plant-poller/internal/domain"
	"github.com/nexus-edge/plant-poller/internal/metrics"
	"github.com/rs/zerolog"
	"github.com/sony/gobreaker"
)

// Session is one open Modbus connection.
type Session interface {
	modbus.Client
	Close() error
}

// Dialer opens a session to an endpoint. The timeout bounds connect and every exchange.
type Dialer func(ep domain.Endpoint, timeout time.Duration) (Session, error)

type tcpSession struct {
	modbus.Client
	handler *modbus.TCPClientHandler
}

func (s *tcpSession) Close() error {
	return s.handler.Close()
}

// DialTCP connects with goburrow's TCP handler.
func DialTCP(ep domain.Endpoint, timeout time.Duration) (Session, error) {
	handler := modbus.NewTCPClientHandler(ep.Address())
	handler.Timeout = timeout
	handler.SlaveId = ep.UnitID
	if err := handler.Connect(); err != nil {
		return nil, translateError(err, true)
	}
	return &tcpSession{Client: modbus.NewClient(handler), handler: handler}, nil
}

// Config holds transport defaults.
type Config struct {
	// Timeout is the default per-call timeout when the device sets none.
	Timeout time.Duration

	DefaultPort   int
	DefaultUnitID uint8

	// BreakerFailures is the consecutive failure count that opens a device breaker.
	BreakerFailures uint32

	// BreakerTimeout is how long an open breaker rejects calls before probing.
	BreakerTimeout time.Duration
}

// DefaultConfig returns the transport defaults.
func DefaultConfig() Config {
	return Config{
		Timeout:         2 * time.Second,
		DefaultPort:     502,
		DefaultUnitID:   1,
		BreakerFailures: 5,
		BreakerTimeout:  30 * time.Second,
	}
}

// Transport performs register reads and writes. It holds no connection state;
// every call dials, performs its exchange and closes.
type Transport struct {
	config   Config
	dial     Dialer
	logger   zerolog.Logger
	metrics  *metrics.Registry
	breakers map[string]*gobreaker.CircuitBreaker
	mu       sync.Mutex
}

// NewTransport creates a transport. A nil dialer selects DialTCP.
func NewTransport(config Config, dial Dialer, logger zerolog.Logger, metricsReg *metrics.Registry) *Transport {
	def := DefaultConfig()
	if config.Timeout <= 0 {
		config.Timeout = def.Timeout
	}
	if config.DefaultPort == 0 {
		config.DefaultPort = def.DefaultPort
	}
	if config.DefaultUnitID == 0 {
		config.DefaultUnitID = def.DefaultUnitID
	}
	if config.BreakerFailures == 0 {
		config.BreakerFailures = def.BreakerFailures
	}
	if config.BreakerTimeout <= 0 {
		config.BreakerTimeout = def.BreakerTimeout
	}
	if dial == nil {
		dial = DialTCP
	}
	return &Transport{
		config:   config,
		dial:     dial,
		logger:   logger.With().Str("component", "modbus-transport").Logger(),
		metrics:  metricsReg,
		breakers: make(map[string]*gobreaker.CircuitBreaker),
	}
}

// breaker returns the per-device circuit breaker, creating it on first use.
// Modbus exception responses prove the device is reachable and do not count as failures.
func (t *Transport) breaker(deviceID string) *gobreaker.CircuitBreaker {
	t.mu.Lock()
	defer t.mu.Unlock()

	if cb, ok := t.breakers[deviceID]; ok {
		return cb
	}
	threshold := t.config.BreakerFailures
	cb := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        deviceID,
		MaxRequests: 1,
		Timeout:     t.config.BreakerTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= threshold
		},
		IsSuccessful: func(err error) bool {
			kind := domain.KindOf(err)
			return err == nil || kind == domain.KindProtocol || kind == domain.KindConfig
		},
		OnStateChange: func(name string, from gobreaker.State, to gobreaker.State) {
			t.logger.Warn().
				Str("device_id", name).
				Str("from", from.String()).
				Str("to", to.String()).
				Msg("Modbus circuit breaker state changed")
			if t.metrics != nil {
				t.metrics.SetBreakerOpen(name, to == gobreaker.StateOpen)
			}
		},
	})
	t.breakers[deviceID] = cb
	return cb
}

// BreakerState reports the breaker state for a device.
func (t *Transport) BreakerState(deviceID string) gobreaker.State {
	return t.breaker(deviceID).State()
}

// resolve fills endpoint defaults and derives the call timeout.
func (t *Transport) resolve(ctx context.Context, ep domain.Endpoint) (domain.Endpoint, time.Duration) {
	if ep.Port == 0 {
		ep.Port = t.config.DefaultPort
	}
	if ep.UnitID == 0 {
		ep.UnitID = t.config.DefaultUnitID
	}
	timeout := ep.Timeout
	if timeout <= 0 {
		timeout = t.config.Timeout
	}
	if deadline, ok := ctx.Deadline(); ok {
		if remaining := time.Until(deadline); remaining < timeout {
			timeout = remaining
		}
	}
	return ep, timeout
}

// do runs fn inside a fresh session guarded by the device breaker.
func (t *Transport) do(ctx context.Context, ep domain.Endpoint, op string, fn func(Session) (interface{}, error)) (interface{}, error) {
	return t.call(ctx, ep, op, true, fn)
}

// call runs fn inside a fresh session, through the device breaker when guarded.
// The context is checked only before dialing: an exchange in flight is never abandoned half-way.
func (t *Transport) call(ctx context.Context, ep domain.Endpoint, op string, guarded bool, fn func(Session) (interface{}, error)) (interface{}, error) {
	ep, timeout := t.resolve(ctx, ep)
	if err := ctx.Err(); err != nil {
		return nil, domain.NewPollError(op, ep.DeviceID, fmt.Errorf("%w: %v", domain.ErrTransportTimeout, err))
	}
	if timeout <= 0 {
		return nil, domain.NewPollError(op, ep.DeviceID, fmt.Errorf("%w: deadline already passed", domain.ErrTransportTimeout))
	}

	start := time.Now()
	exchange := func() (interface{}, error) {
		sess, err := t.dial(ep, timeout)
		if err != nil {
			return nil, err
		}
		defer func() {
			if cerr := sess.Close(); cerr != nil {
				t.logger.Debug().Err(cerr).Str("device_id", ep.DeviceID).Msg("Error closing Modbus session")
			}
		}()
		return fn(sess)
	}
	var (
		result interface{}
		err    error
	)
	if guarded {
		result, err = t.breaker(ep.DeviceID).Execute(exchange)
	} else {
		result, err = exchange()
	}
	if err == gobreaker.ErrOpenState || err == gobreaker.ErrTooManyRequests {
		err = fmt.Errorf("%w: %s", domain.ErrCircuitBreakerOpen, ep.DeviceID)
	}

	var pollErr *domain.PollError
	if err != nil {
		pollErr = domain.NewPollError(op, ep.DeviceID, err)
	}
	if t.metrics != nil {
		kind := ""
		if pollErr != nil {
			kind = string(pollErr.Kind)
		}
		t.metrics.RecordTransport(ep.DeviceID, op, kind, time.Since(start).Seconds())
	}
	if pollErr != nil {
		t.logger.Debug().
			Err(err).
			Str("device_id", ep.DeviceID).
			Str("address", ep.Address()).
			Str("op", op).
			Dur("timeout", timeout).
			Msg("Modbus call failed")
		return nil, pollErr
	}
	return result, nil
}

// span is one contiguous read request.
type span struct {
	kind  domain.RegisterType
	start uint16
	count uint16
}

// planSpans groups registers by type and merges addresses into the fewest requests
// that respect the per-request Modbus limits.
func planSpans(regs map[string]domain.Register) ([]span, error) {
	byKind := make(map[domain.RegisterType][]uint16)
	for name, r := range regs {
		if !r.Kind().Valid() {
			return nil, fmt.Errorf("%w: %q for %s", domain.ErrInvalidRegisterType, r.Type, name)
		}
		byKind[r.Kind()] = append(byKind[r.Kind()], r.Address)
	}

	kinds := make([]domain.RegisterType, 0, len(byKind))
	for k := range byKind {
		kinds = append(kinds, k)
	}
	sort.Slice(kinds, func(i, j int) bool { return kinds[i] < kinds[j] })

	var spans []span
	for _, k := range kinds {
		addrs := byKind[k]
		sort.Slice(addrs, func(i, j int) bool { return addrs[i] < addrs[j] })
		limit := uint32(domain.MaxRegistersPerRequest)
		if k == domain.RegisterTypeCoil || k == domain.RegisterTypeDiscreteInput {
			limit = domain.MaxBitsPerRequest
		}
		cur := span{kind: k, start: addrs[0], count: 1}
		for _, a := range addrs[1:] {
			if uint32(a)-uint32(cur.start) < limit {
				cur.count = a - cur.start + 1
				continue
			}
			spans = append(spans, cur)
			cur = span{kind: k, start: a, count: 1}
		}
		spans = append(spans, cur)
	}
	return spans, nil
}

func readSpan(sess Session, s span) ([]uint16, error) {
	var (
		data []byte
		err  error
	)
	switch s.kind {
	case domain.RegisterTypeHoldingRegister:
		data, err = sess.ReadHoldingRegisters(s.start, s.count)
	case domain.RegisterTypeInputRegister:
		data, err = sess.ReadInputRegisters(s.start, s.count)
	case domain.RegisterTypeCoil:
		data, err = sess.ReadCoils(s.start, s.count)
	case domain.RegisterTypeDiscreteInput:
		data, err = sess.ReadDiscreteInputs(s.start, s.count)
	default:
		return nil, domain.ErrInvalidRegisterType
	}
	if err != nil {
		return nil, translateError(err, false)
	}
	if s.kind == domain.RegisterTypeCoil || s.kind == domain.RegisterTypeDiscreteInput {
		return unpackBits(data, s.count)
	}
	return bytesToWords(data, s.count)
}

// ReadRegisters reads every named register in one session and returns raw words.
// Coils and discrete inputs are returned as 0 or 1. Registers of one type are read
// as a single span covering their lowest to highest address.
func (t *Transport) ReadRegisters(ctx context.Context, ep domain.Endpoint, regs map[string]domain.Register) (map[string]uint16, error) {
	if len(regs) == 0 {
		return map[string]uint16{}, nil
	}
	spans, err := planSpans(regs)
	if err != nil {
		return nil, domain.NewPollError("read", ep.DeviceID, err)
	}

	res, err := t.do(ctx, ep, "read", func(sess Session) (interface{}, error) {
		words := make(map[domain.RegisterType]map[uint16]uint16, len(spans))
		for _, s := range spans {
			vals, err := readSpan(sess, s)
			if err != nil {
				return nil, err
			}
			m := words[s.kind]
			if m == nil {
				m = make(map[uint16]uint16, len(vals))
				words[s.kind] = m
			}
			for i, v := range vals {
				m[s.start+uint16(i)] = v
			}
		}
		return words, nil
	})
	if err != nil {
		return nil, err
	}

	words := res.(map[domain.RegisterType]map[uint16]uint16)
	out := make(map[string]uint16, len(regs))
	for name, r := range regs {
		out[name] = words[r.Kind()][r.Address]
	}
	return out, nil
}

// ReadBlock reads count consecutive holding registers.
func (t *Transport) ReadBlock(ctx context.Context, ep domain.Endpoint, start, count uint16) ([]uint16, error) {
	if count == 0 || count > domain.MaxRegistersPerRequest {
		return nil, domain.NewPollError("read-block", ep.DeviceID,
			fmt.Errorf("%w: %d", domain.ErrInvalidRegisterCount, count))
	}
	res, err := t.do(ctx, ep, "read-block", func(sess Session) (interface{}, error) {
		return readSpan(sess, span{kind: domain.RegisterTypeHoldingRegister, start: start, count: count})
	})
	if err != nil {
		return nil, err
	}
	return res.([]uint16), nil
}

// WriteRegisters writes consecutive holding registers: FC06 for one value, FC16 otherwise.
func (t *Transport) WriteRegisters(ctx context.Context, ep domain.Endpoint, start uint16, values []uint16) error {
	return t.writeRegisters(ctx, ep, start, values, true)
}

func (t *Transport) writeRegisters(ctx context.Context, ep domain.Endpoint, start uint16, values []uint16, guarded bool) error {
	if len(values) == 0 || len(values) > domain.MaxRegistersPerRequest {
		return domain.NewPollError("write", ep.DeviceID,
			fmt.Errorf("%w: %d", domain.ErrInvalidRegisterCount, len(values)))
	}
	_, err := t.call(ctx, ep, "write", guarded, func(sess Session) (interface{}, error) {
		var err error
		if len(values) == 1 {
			_, err = sess.WriteSingleRegister(start, values[0])
		} else {
			_, err = sess.WriteMultipleRegisters(start, uint16(len(values)), wordsToBytes(values))
		}
		return nil, translateError(err, false)
	})
	return err
}

// WriteCoil writes one coil with FC05.
func (t *Transport) WriteCoil(ctx context.Context, ep domain.Endpoint, address uint16, value bool) error {
	return t.writeCoil(ctx, ep, address, value, true)
}

func (t *Transport) writeCoil(ctx context.Context, ep domain.Endpoint, address uint16, value, guarded bool) error {
	_, err := t.call(ctx, ep, "write-coil", guarded, func(sess Session) (interface{}, error) {
		v := coilOff
		if value {
			v = coilOn
		}
		_, err := sess.WriteSingleCoil(address, v)
		return nil, translateError(err, false)
	})
	return err
}

// Unguarded returns a writer whose calls neither consult nor feed the device breakers.
// Resets go through it so every retry attempt reaches the device.
func (t *Transport) Unguarded() *UnguardedWriter {
	return &UnguardedWriter{t: t}
}

// UnguardedWriter writes coils and holding registers outside the device breakers.
type UnguardedWriter struct {
	t *Transport
}

// WriteRegisters is Transport.WriteRegisters without the breaker.
func (w *UnguardedWriter) WriteRegisters(ctx context.Context, ep domain.Endpoint, start uint16, values []uint16) error {
	return w.t.writeRegisters(ctx, ep, start, values, false)
}

// WriteCoil is Transport.WriteCoil without the breaker.
func (w *UnguardedWriter) WriteCoil(ctx context.Context, ep domain.Endpoint, address uint16, value bool) error {
	return w.t.writeCoil(ctx, ep, address, value, false)
}

// WriteCoils writes consecutive coils with FC15.
func (t *Transport) WriteCoils(ctx context.Context, ep domain.Endpoint, start uint16, values []bool) error {
	if len(values) == 0 || len(values) > 1968 {
		return domain.NewPollError("write-coils", ep.DeviceID,
			fmt.Errorf("%w: %d", domain.ErrInvalidRegisterCount, len(values)))
	}
	_, err := t.do(ctx, ep, "write-coils", func(sess Session) (interface{}, error) {
		_, err := sess.WriteMultipleCoils(start, uint16(len(values)), packBits(values))
		return nil, translateError(err, false)
	})
	return err
}
