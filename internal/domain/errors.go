// Package domain contains core business entities.
package domain

import (
	"errors"
	"fmt"
	"strings"
)

// Device configuration errors.
var (
	ErrDeviceIDRequired     = errors.New("device ID is required")
	ErrDeviceNameRequired   = errors.New("device name is required")
	ErrHostRequired         = errors.New("device host is required")
	ErrInvalidDeviceClass   = errors.New("invalid device class")
	ErrInvalidPort          = errors.New("invalid port")
	ErrInvalidUnitID        = errors.New("invalid unit ID")
	ErrNoLinesDefined       = errors.New("at least one line must be defined")
	ErrMissingRegister      = errors.New("register not configured")
	ErrInvalidConfig        = errors.New("invalid configuration")
	ErrInvalidRegisterCount = errors.New("invalid register count")
	ErrInvalidRegisterType  = errors.New("invalid register type")
	ErrDeviceNotFound       = errors.New("device not found")
)

// Transport errors.
var (
	ErrConnectTimeout     = errors.New("connect timeout")
	ErrTransportTimeout   = errors.New("request timeout")
	ErrConnectionFailed   = errors.New("connection failed")
	ErrProtocol           = errors.New("malformed modbus response")
	ErrCircuitBreakerOpen = errors.New("circuit breaker is open")
	ErrReadOnlyRegister   = errors.New("register is read-only")
)

// Modbus-specific errors.
var (
	ErrModbusIllegalFunction        = errors.New("modbus: illegal function")
	ErrModbusIllegalAddress         = errors.New("modbus: illegal data address")
	ErrModbusIllegalValue           = errors.New("modbus: illegal data value")
	ErrModbusDeviceFailure          = errors.New("modbus: slave device failure")
	ErrModbusAcknowledge            = errors.New("modbus: acknowledge - long operation in progress")
	ErrModbusBusy                   = errors.New("modbus: slave device busy")
	ErrModbusNegativeAck            = errors.New("modbus: negative acknowledge")
	ErrModbusMemoryParityError      = errors.New("modbus: memory parity error")
	ErrModbusGatewayPathUnavailable = errors.New("modbus: gateway path unavailable")
	ErrModbusGatewayTargetFailed    = errors.New("modbus: gateway target device failed to respond")
)

// Orchestration errors.
var (
	ErrResetFailed = errors.New("reset failed")
	ErrPersistence = errors.New("persistence failed")
	ErrStoreClosed = errors.New("store closed")
)

// Service errors.
var (
	ErrServiceRunning = errors.New("service is already running")
	ErrNoHandler      = errors.New("no handler for device class")
)

// MQTT errors.
var (
	ErrMQTTConnectionFailed = errors.New("MQTT connection failed")
	ErrMQTTPublishFailed    = errors.New("MQTT publish failed")
	ErrMQTTNotConnected     = errors.New("MQTT client not connected")
)

// ModbusExceptionToError converts a Modbus exception code to a domain error.
func ModbusExceptionToError(code byte) error {
	switch code {
	case 0x01:
		return ErrModbusIllegalFunction
	case 0x02:
		return ErrModbusIllegalAddress
	case 0x03:
		return ErrModbusIllegalValue
	case 0x04:
		return ErrModbusDeviceFailure
	case 0x05:
		return ErrModbusAcknowledge
	case 0x06:
		return ErrModbusBusy
	case 0x07:
		return ErrModbusNegativeAck
	case 0x08:
		return ErrModbusMemoryParityError
	case 0x0A:
		return ErrModbusGatewayPathUnavailable
	case 0x0B:
		return ErrModbusGatewayTargetFailed
	default:
		return ErrProtocol
	}
}

var modbusExceptions = []error{
	ErrModbusIllegalFunction, ErrModbusIllegalAddress, ErrModbusIllegalValue,
	ErrModbusDeviceFailure, ErrModbusAcknowledge, ErrModbusBusy, ErrModbusNegativeAck,
	ErrModbusMemoryParityError, ErrModbusGatewayPathUnavailable, ErrModbusGatewayTargetFailed,
}

// ErrorKind classifies a poll failure for the driver's skip/log decision and metric labels.
type ErrorKind string

const (
	KindTransportTimeout ErrorKind = "transport_timeout"
	KindProtocol         ErrorKind = "protocol_error"
	KindConfig           ErrorKind = "config_error"
	KindResetFailed      ErrorKind = "reset_failed"
	KindPersistence      ErrorKind = "persistence_error"
	KindCircuitOpen      ErrorKind = "circuit_open"
	KindUnknown          ErrorKind = "unknown"
)

// PollError carries the identity of the failing unit of work.
type PollError struct {
	Kind     ErrorKind
	Op       string
	DeviceID string
	Line     string
	Machine  string
	Err      error
}

func (e *PollError) Error() string {
	var b strings.Builder
	b.WriteString(e.Op)
	if e.DeviceID != "" {
		fmt.Fprintf(&b, " device=%s", e.DeviceID)
	}
	if e.Line != "" {
		fmt.Fprintf(&b, " line=%s", e.Line)
	}
	if e.Machine != "" {
		fmt.Fprintf(&b, " machine=%s", e.Machine)
	}
	if e.Err != nil {
		b.WriteString(": ")
		b.WriteString(e.Err.Error())
	}
	return b.String()
}

func (e *PollError) Unwrap() error {
	return e.Err
}

// NewPollError wraps err with its classification and device identity.
func NewPollError(op, deviceID string, err error) *PollError {
	return &PollError{Kind: KindOf(err), Op: op, DeviceID: deviceID, Err: err}
}

// At attaches line and machine identity.
func (e *PollError) At(line, machine string) *PollError {
	e.Line = line
	e.Machine = machine
	return e
}

// KindOf classifies any error.
func KindOf(err error) ErrorKind {
	if err == nil {
		return ""
	}
	var pe *PollError
	if errors.As(err, &pe) && pe.Kind != "" {
		return pe.Kind
	}
	switch {
	case errors.Is(err, ErrConnectTimeout), errors.Is(err, ErrTransportTimeout), errors.Is(err, ErrConnectionFailed):
		return KindTransportTimeout
	case errors.Is(err, ErrCircuitBreakerOpen):
		return KindCircuitOpen
	case errors.Is(err, ErrProtocol):
		return KindProtocol
	case errors.Is(err, ErrResetFailed):
		return KindResetFailed
	case errors.Is(err, ErrPersistence), errors.Is(err, ErrStoreClosed):
		return KindPersistence
	case errors.Is(err, ErrInvalidConfig), errors.Is(err, ErrMissingRegister),
		errors.Is(err, ErrInvalidRegisterType), errors.Is(err, ErrInvalidRegisterCount),
		errors.Is(err, ErrReadOnlyRegister):
		return KindConfig
	}
	for _, ex := range modbusExceptions {
		if errors.Is(err, ex) {
			return KindProtocol
		}
	}
	return KindUnknown
}
