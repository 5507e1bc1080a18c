// Package domain contains the core business entities and interfaces.
// These are transport-agnostic and represent the core concepts of the poller.
package domain

import (
	"fmt"
	"net"
	"strconv"
	"time"
)

// DeviceClass selects which pipeline consumes a device's readings.
type DeviceClass string

const (
	// ClassCounter devices expose cumulative production counters per machine condition.
	ClassCounter DeviceClass = "counter"
	// ClassAlarm devices expose a cumulative alarm counter and last alarm duration per line.
	ClassAlarm DeviceClass = "alarm"
	// ClassThickness devices expose per-side thickness and correction state per machine.
	ClassThickness DeviceClass = "thickness"
)

// Valid reports whether the class is known.
func (c DeviceClass) Valid() bool {
	switch c {
	case ClassCounter, ClassAlarm, ClassThickness:
		return true
	}
	return false
}

// Device represents one PLC/HMI in the fleet and its register layout.
type Device struct {
	// ID is the unique identifier for this device
	ID string `json:"id" yaml:"id"`

	// Name is a human-readable name for the device
	Name string `json:"name" yaml:"name"`

	// Plant is copied onto every persisted record
	Plant string `json:"plant" yaml:"plant"`

	Class DeviceClass `json:"class" yaml:"class"`

	// Enabled indicates whether this device should be actively polled
	Enabled bool `json:"enabled" yaml:"enabled"`

	Connection ConnectionConfig `json:"connection" yaml:"connection"`

	// Conditions lists the measurements every machine on a counter device is expected to expose.
	Conditions []string `json:"conditions,omitempty" yaml:"conditions,omitempty"`

	Lines []Line `json:"lines" yaml:"lines"`

	Writeback WritebackConfig `json:"writeback,omitempty" yaml:"writeback,omitempty"`
}

// ConnectionConfig holds Modbus/TCP connection parameters.
type ConnectionConfig struct {
	// Host is the IP address or hostname of the device
	Host string `json:"host" yaml:"host"`

	// Port is the TCP port number. Some HMIs listen on 503 instead of 502.
	Port int `json:"port,omitempty" yaml:"port,omitempty"`

	// UnitID is the Modbus unit identifier (1-247)
	UnitID uint8 `json:"unit_id,omitempty" yaml:"unit_id,omitempty"`

	// Timeout bounds every request to this device
	Timeout time.Duration `json:"timeout,omitempty" yaml:"timeout,omitempty"`
}

// Line groups machines sharing alarm and reset registers.
type Line struct {
	ID string `json:"id" yaml:"id"`

	// ResetCoil is pulsed by the reset orchestrator.
	ResetCoil *uint16 `json:"reset_coil,omitempty" yaml:"reset_coil,omitempty"`

	// AlarmCounter holds the cumulative alarm count (alarm devices).
	AlarmCounter *Register `json:"alarm_counter,omitempty" yaml:"alarm_counter,omitempty"`

	// Duration holds the duration in seconds of the most recent alarm (alarm devices).
	Duration *Register `json:"duration,omitempty" yaml:"duration,omitempty"`

	// MaxDurationRegister receives the per-line daily maximum alarm duration.
	MaxDurationRegister *uint16 `json:"max_duration_register,omitempty" yaml:"max_duration_register,omitempty"`

	Machines []Machine `json:"machines" yaml:"machines"`
}

// Machine is one measured station on a line.
type Machine struct {
	ID string `json:"id" yaml:"id"`

	// Registers maps a measurement name (a counter condition or a thickness field) to its register.
	Registers map[string]Register `json:"registers" yaml:"registers"`
}

// Register returns the register for a measurement, or ErrMissingRegister.
func (m *Machine) Register(name string) (Register, error) {
	r, ok := m.Registers[name]
	if !ok {
		return Register{}, fmt.Errorf("%w: machine %q has no %q register", ErrMissingRegister, m.ID, name)
	}
	return r, nil
}

// WritebackConfig describes derived values written back to the device.
type WritebackConfig struct {
	// CountsBlock is a contiguous holding-register block receiving adjusted counts.
	CountsBlock *CountsBlock `json:"counts_block,omitempty" yaml:"counts_block,omitempty"`

	// ResetBlock is zeroed on every device reset.
	ResetBlock *RegisterBlock `json:"reset_block,omitempty" yaml:"reset_block,omitempty"`
}

// CountsBlock maps each register in a block to the count key it mirrors.
type CountsBlock struct {
	Start   uint16       `json:"start" yaml:"start"`
	Entries []BlockEntry `json:"entries" yaml:"entries"`
}

// BlockEntry is one register of a CountsBlock, in block order.
type BlockEntry struct {
	Line      string `json:"line" yaml:"line"`
	Machine   string `json:"machine" yaml:"machine"`
	Condition string `json:"condition" yaml:"condition"`
}

// RegisterBlock is a contiguous run of holding registers.
type RegisterBlock struct {
	Start uint16 `json:"start" yaml:"start"`
	Count uint16 `json:"count" yaml:"count"`
}

// Validate performs validation of the required device keys.
// Per-machine register gaps are tolerated and handled at poll time.
func (d *Device) Validate() error {
	if d.ID == "" {
		return ErrDeviceIDRequired
	}
	if d.Name == "" {
		return ErrDeviceNameRequired
	}
	if !d.Class.Valid() {
		return fmt.Errorf("%w: %q", ErrInvalidDeviceClass, d.Class)
	}
	if d.Connection.Host == "" {
		return ErrHostRequired
	}
	if d.Connection.Port < 0 || d.Connection.Port > 65535 {
		return fmt.Errorf("%w: %d", ErrInvalidPort, d.Connection.Port)
	}
	if d.Connection.UnitID > 247 {
		return ErrInvalidUnitID
	}
	if len(d.Lines) == 0 {
		return ErrNoLinesDefined
	}
	seen := make(map[string]bool, len(d.Lines))
	for _, l := range d.Lines {
		if l.ID == "" {
			return fmt.Errorf("%w: line without id", ErrInvalidConfig)
		}
		if seen[l.ID] {
			return fmt.Errorf("%w: duplicate line %q", ErrInvalidConfig, l.ID)
		}
		seen[l.ID] = true
	}
	if cb := d.Writeback.CountsBlock; cb != nil && len(cb.Entries) > MaxRegistersPerRequest {
		return fmt.Errorf("%w: counts block has %d entries", ErrInvalidRegisterCount, len(cb.Entries))
	}
	return nil
}

// Endpoint returns the network endpoint for this device.
func (d *Device) Endpoint() Endpoint {
	return Endpoint{
		DeviceID: d.ID,
		Host:     d.Connection.Host,
		Port:     d.Connection.Port,
		UnitID:   d.Connection.UnitID,
		Timeout:  d.Connection.Timeout,
	}
}

// Line returns the line with the given id.
func (d *Device) Line(id string) (*Line, bool) {
	for i := range d.Lines {
		if d.Lines[i].ID == id {
			return &d.Lines[i], true
		}
	}
	return nil, false
}

// Endpoint addresses one Modbus/TCP unit.
type Endpoint struct {
	DeviceID string
	Host     string
	Port     int
	UnitID   uint8
	Timeout  time.Duration
}

// Address returns host:port.
func (e Endpoint) Address() string {
	return net.JoinHostPort(e.Host, strconv.Itoa(e.Port))
}
