package domain

import "fmt"

// Key identifies one tracked measurement.
// Counter keys use all four parts; alarm keys leave Machine and Condition empty.
type Key struct {
	DeviceID  string
	Line      string
	Machine   string
	Condition string
}

// CountKey builds a key for a machine condition counter.
func CountKey(deviceID, line, machine, condition string) Key {
	return Key{DeviceID: deviceID, Line: line, Machine: machine, Condition: condition}
}

// LineKey builds a key for a per-line value such as the alarm counter.
func LineKey(deviceID, line string) Key {
	return Key{DeviceID: deviceID, Line: line}
}

// MachineKey builds a key for a per-machine stream such as a thickness batch.
func MachineKey(deviceID, line, machine string) Key {
	return Key{DeviceID: deviceID, Line: line, Machine: machine}
}

func (k Key) String() string {
	return fmt.Sprintf("%s/%s/%s/%s", k.DeviceID, k.Line, k.Machine, k.Condition)
}
