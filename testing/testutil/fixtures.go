package testutil

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

// WriteTemp writes content to a file under dir.
func WriteTemp(t *testing.T, dir, name, content string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		t.Fatalf("failed to create dir: %v", err)
	}
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatalf("failed to write temp file: %v", err)
	}
	return path
}

// Workspace is a throwaway config directory holding config.yaml, devices.yaml and the database.
type Workspace struct {
	Dir          string
	DatabasePath string
	DevicesPath  string
}

// NewWorkspace writes config.yaml into a temp dir. extra is appended verbatim as YAML.
// HTTP and MQTT are disabled so runs stay local.
func NewWorkspace(t *testing.T, extra string) *Workspace {
	t.Helper()
	dir := t.TempDir()
	ws := &Workspace{
		Dir:          dir,
		DatabasePath: filepath.Join(dir, "poller.db"),
		DevicesPath:  filepath.Join(dir, "devices.yaml"),
	}

	var b strings.Builder
	fmt.Fprintf(&b, "environment: test\n")
	fmt.Fprintf(&b, "devices_config_path: %q\n", ws.DevicesPath)
	fmt.Fprintf(&b, "database:\n  path: %q\n", ws.DatabasePath)
	fmt.Fprintf(&b, "http:\n  enabled: false\n")
	fmt.Fprintf(&b, "mqtt:\n  enabled: false\n")
	fmt.Fprintf(&b, "logging:\n  level: warn\n  output: stderr\n")
	b.WriteString(extra)

	WriteTemp(t, dir, "config.yaml", b.String())
	return ws
}

// WriteDevices writes the devices file.
func (w *Workspace) WriteDevices(t *testing.T, content string) {
	t.Helper()
	WriteTemp(t, w.Dir, "devices.yaml", content)
}

// CounterDevicesYAML describes one counter device with a single hot register at 100,
// a reset coil at 10 and a one-entry counts block at 300.
func CounterDevicesYAML(id, host string, port int) string {
	return fmt.Sprintf(`version: "1"
devices:
  - id: %s
    name: Counter %s
    plant: north
    class: counter
    connection:
      host: %s
      port: %d
      unit_id: 1
      timeout: 1s
    conditions: [hot]
    lines:
      - id: L1
        reset_coil: 10
        machines:
          - id: M1
            registers:
              hot: {address: 100}
    writeback:
      counts_block:
        start: 300
        entries:
          - {line: L1, machine: M1, condition: hot}
`, id, id, host, port)
}
