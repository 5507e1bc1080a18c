//go:build fuzz
// +build fuzz

// Package parsing provides fuzz tests for devices file parsing.
package parsing

import (
	"testing"

	"github.com/nexus-edge/plant-poller/internal/adapter/config"
)

// FuzzParseDevices checks that any document either fails cleanly or yields
// validated devices with unique IDs.
func FuzzParseDevices(f *testing.F) {
	f.Add([]byte(`
version: "1"
devices:
  - id: counts-01
    name: Counter HMI
    class: counter
    connection: {host: 10.0.0.10}
    conditions: [hot]
    lines:
      - id: L1
        machines:
          - id: M1
            registers:
              hot: {address: 100}
`))
	f.Add([]byte(`
devices:
  - id: alarms-01
    name: Alarms
    class: alarm
    connection: {host: 10.0.0.11, port: 70000}
    lines:
      - id: L1
        alarm_counter: {address: 0}
        duration: {address: 1}
`))
	f.Add([]byte(`
devices:
  - id: dup
    class: thickness
  - id: dup
    class: thickness
`))
	f.Add([]byte(`{invalid: yaml: content`))
	f.Add([]byte(`---`))
	f.Add([]byte(``))

	f.Fuzz(func(t *testing.T, data []byte) {
		set, err := config.ParseDevices(data)
		if err != nil {
			if set != nil {
				t.Errorf("expected nil set with error %v", err)
			}
			return
		}

		seen := make(map[string]bool)
		for _, d := range set.Devices {
			if d.ID == "" {
				t.Errorf("accepted device without ID: %+v", d)
			}
			if seen[d.ID] {
				t.Errorf("accepted duplicate device ID %q", d.ID)
			}
			seen[d.ID] = true
			if !d.Class.Valid() {
				t.Errorf("accepted device %q with class %q", d.ID, d.Class)
			}
			if len(d.Lines) == 0 {
				t.Errorf("accepted device %q without lines", d.ID)
			}
		}
		for _, r := range set.Rejected {
			if r.Err == nil {
				t.Errorf("rejected device %q without error", r.ID)
			}
		}
	})
}
