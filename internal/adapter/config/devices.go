// Package config provides device registry file loading.
package config

import (
	"fmt"
	"os"
	"time"

	"github.com/nexus-edge/plant-poller/internal/domain"
	"gopkg.in/yaml.v3"
)

// DeviceConfig represents the YAML structure for one device.
type DeviceConfig struct {
	ID         string           `yaml:"id"`
	Name       string           `yaml:"name"`
	Plant      string           `yaml:"plant"`
	Class      string           `yaml:"class"`
	Enabled    *bool            `yaml:"enabled,omitempty"`
	Connection ConnectionConfig `yaml:"connection"`
	Conditions []string         `yaml:"conditions,omitempty"`
	Lines      []LineConfig     `yaml:"lines"`
	Writeback  WritebackBlocks  `yaml:"writeback,omitempty"`
}

// ConnectionConfig represents connection settings in YAML.
type ConnectionConfig struct {
	Host    string `yaml:"host"`
	Port    int    `yaml:"port"`
	UnitID  int    `yaml:"unit_id"`
	Timeout string `yaml:"timeout"`
}

// LineConfig represents one line in YAML.
type LineConfig struct {
	ID                  string          `yaml:"id"`
	ResetCoil           *int            `yaml:"reset_coil,omitempty"`
	AlarmCounter        *RegisterConfig `yaml:"alarm_counter,omitempty"`
	Duration            *RegisterConfig `yaml:"duration,omitempty"`
	MaxDurationRegister *int            `yaml:"max_duration_register,omitempty"`
	Machines            []MachineConfig `yaml:"machines"`
}

// MachineConfig represents one machine in YAML.
type MachineConfig struct {
	ID        string                    `yaml:"id"`
	Registers map[string]RegisterConfig `yaml:"registers"`
}

// RegisterConfig represents a register reference in YAML.
type RegisterConfig struct {
	Address      *int   `yaml:"address"`
	RegisterType string `yaml:"register_type,omitempty"`
	Decimals     int    `yaml:"decimals,omitempty"`
	Signed       bool   `yaml:"signed,omitempty"`
}

// WritebackBlocks represents writeback targets in YAML.
type WritebackBlocks struct {
	CountsBlock *struct {
		Start   int                 `yaml:"start"`
		Entries []domain.BlockEntry `yaml:"entries"`
	} `yaml:"counts_block,omitempty"`
	ResetBlock *struct {
		Start int `yaml:"start"`
		Count int `yaml:"count"`
	} `yaml:"reset_block,omitempty"`
}

// DevicesFile represents the top-level devices configuration file.
type DevicesFile struct {
	Version string         `yaml:"version"`
	Devices []DeviceConfig `yaml:"devices"`
}

// RejectedDevice records a device entry that failed validation.
type RejectedDevice struct {
	Index int
	ID    string
	Err   error
}

// DeviceSet is the result of loading a devices file.
type DeviceSet struct {
	Devices  []*domain.Device
	Rejected []RejectedDevice
	// Warnings lists register entries dropped for missing addresses.
	Warnings []string
}

// LoadDevices loads device configurations from a YAML file.
// An unreadable or unparseable file is an error; individual broken devices are rejected
// and reported while the remaining devices load.
func LoadDevices(path string) (*DeviceSet, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read devices file: %w", err)
	}
	return ParseDevices(data)
}

// ParseDevices parses a devices document.
func ParseDevices(data []byte) (*DeviceSet, error) {
	var file DevicesFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("%w: failed to parse devices file: %v", domain.ErrInvalidConfig, err)
	}

	set := &DeviceSet{Devices: make([]*domain.Device, 0, len(file.Devices))}
	seenIDs := make(map[string]int)

	for idx, dc := range file.Devices {
		if prevIdx, exists := seenIDs[dc.ID]; exists && dc.ID != "" {
			set.Rejected = append(set.Rejected, RejectedDevice{
				Index: idx,
				ID:    dc.ID,
				Err:   fmt.Errorf("%w: duplicate device ID (first seen at index %d)", domain.ErrInvalidConfig, prevIdx),
			})
			continue
		}
		seenIDs[dc.ID] = idx

		device, warnings, err := convertDeviceConfig(dc)
		if err != nil {
			set.Rejected = append(set.Rejected, RejectedDevice{Index: idx, ID: dc.ID, Err: err})
			continue
		}
		set.Warnings = append(set.Warnings, warnings...)
		set.Devices = append(set.Devices, device)
	}

	return set, nil
}

func convertDeviceConfig(dc DeviceConfig) (*domain.Device, []string, error) {
	var timeout time.Duration
	if dc.Connection.Timeout != "" {
		var err error
		timeout, err = time.ParseDuration(dc.Connection.Timeout)
		if err != nil {
			return nil, nil, fmt.Errorf("%w: invalid timeout: %v", domain.ErrInvalidConfig, err)
		}
	}
	if dc.Connection.UnitID < 0 || dc.Connection.UnitID > 247 {
		return nil, nil, fmt.Errorf("%w: unit_id must be between 1 and 247, got %d", domain.ErrInvalidUnitID, dc.Connection.UnitID)
	}

	enabled := true
	if dc.Enabled != nil {
		enabled = *dc.Enabled
	}

	device := &domain.Device{
		ID:      dc.ID,
		Name:    dc.Name,
		Plant:   dc.Plant,
		Class:   domain.DeviceClass(dc.Class),
		Enabled: enabled,
		Connection: domain.ConnectionConfig{
			Host:    dc.Connection.Host,
			Port:    dc.Connection.Port,
			UnitID:  uint8(dc.Connection.UnitID),
			Timeout: timeout,
		},
		Conditions: dc.Conditions,
	}
	if device.Name == "" {
		device.Name = device.ID
	}

	var warnings []string
	for _, lc := range dc.Lines {
		line, lineWarnings, err := convertLineConfig(dc.ID, lc)
		if err != nil {
			return nil, nil, err
		}
		warnings = append(warnings, lineWarnings...)
		device.Lines = append(device.Lines, line)
	}

	if cb := dc.Writeback.CountsBlock; cb != nil {
		start, err := toAddress(cb.Start)
		if err != nil {
			return nil, nil, fmt.Errorf("counts_block: %w", err)
		}
		device.Writeback.CountsBlock = &domain.CountsBlock{Start: start, Entries: cb.Entries}
	}
	if rb := dc.Writeback.ResetBlock; rb != nil {
		start, err := toAddress(rb.Start)
		if err != nil {
			return nil, nil, fmt.Errorf("reset_block: %w", err)
		}
		if rb.Count <= 0 || rb.Count > domain.MaxRegistersPerRequest {
			return nil, nil, fmt.Errorf("%w: reset_block count %d", domain.ErrInvalidRegisterCount, rb.Count)
		}
		device.Writeback.ResetBlock = &domain.RegisterBlock{Start: start, Count: uint16(rb.Count)}
	}

	if err := device.Validate(); err != nil {
		return nil, nil, err
	}
	return device, warnings, nil
}

func convertLineConfig(deviceID string, lc LineConfig) (domain.Line, []string, error) {
	line := domain.Line{ID: lc.ID}
	var warnings []string

	if lc.ResetCoil != nil {
		a, err := toAddress(*lc.ResetCoil)
		if err != nil {
			return line, nil, fmt.Errorf("line %s reset_coil: %w", lc.ID, err)
		}
		line.ResetCoil = &a
	}
	if lc.MaxDurationRegister != nil {
		a, err := toAddress(*lc.MaxDurationRegister)
		if err != nil {
			return line, nil, fmt.Errorf("line %s max_duration_register: %w", lc.ID, err)
		}
		line.MaxDurationRegister = &a
	}
	for name, rc := range map[string]*RegisterConfig{"alarm_counter": lc.AlarmCounter, "duration": lc.Duration} {
		if rc == nil {
			continue
		}
		reg, ok, err := convertRegisterConfig(*rc)
		if err != nil {
			return line, nil, fmt.Errorf("line %s %s: %w", lc.ID, name, err)
		}
		if !ok {
			warnings = append(warnings, fmt.Sprintf("device %s line %s: %s has no address", deviceID, lc.ID, name))
			continue
		}
		r := reg
		if name == "alarm_counter" {
			line.AlarmCounter = &r
		} else {
			line.Duration = &r
		}
	}

	for _, mc := range lc.Machines {
		m := domain.Machine{ID: mc.ID, Registers: make(map[string]domain.Register, len(mc.Registers))}
		for name, rc := range mc.Registers {
			reg, ok, err := convertRegisterConfig(rc)
			if err != nil {
				return line, nil, fmt.Errorf("line %s machine %s register %s: %w", lc.ID, mc.ID, name, err)
			}
			if !ok {
				warnings = append(warnings, fmt.Sprintf("device %s line %s machine %s: %s has no address", deviceID, lc.ID, mc.ID, name))
				continue
			}
			m.Registers[name] = reg
		}
		line.Machines = append(line.Machines, m)
	}
	return line, warnings, nil
}

// convertRegisterConfig returns ok=false when the address is absent.
func convertRegisterConfig(rc RegisterConfig) (domain.Register, bool, error) {
	if rc.Address == nil {
		return domain.Register{}, false, nil
	}
	addr, err := toAddress(*rc.Address)
	if err != nil {
		return domain.Register{}, false, err
	}
	rt := domain.RegisterType(rc.RegisterType)
	if !rt.Valid() {
		return domain.Register{}, false, fmt.Errorf("%w: %q", domain.ErrInvalidRegisterType, rc.RegisterType)
	}
	if rc.Decimals < 0 || rc.Decimals > 6 {
		return domain.Register{}, false, fmt.Errorf("%w: decimals %d", domain.ErrInvalidConfig, rc.Decimals)
	}
	return domain.Register{Address: addr, Type: rt, Decimals: int32(rc.Decimals), Signed: rc.Signed}, true, nil
}

func toAddress(v int) (uint16, error) {
	if v < 0 || v > 0xFFFF {
		return 0, fmt.Errorf("%w: address %d out of range", domain.ErrInvalidConfig, v)
	}
	return uint16(v), nil
}
