package main

import (
	"bytes"
	"testing"

	"github.com/nexus-edge/plant-poller/internal/adapter/sqlite"
	"github.com/nexus-edge/plant-poller/internal/domain"
	"github.com/nexus-edge/plant-poller/testing/testutil"
	"github.com/rs/zerolog"
)

func TestRun_UsageErrors(t *testing.T) {
	ws := testutil.NewWorkspace(t, "")

	tests := []struct {
		name string
		args []string
	}{
		{"no command", []string{"-config", ws.Dir}},
		{"unknown command", []string{"-config", ws.Dir, "explode"}},
		{"unknown flag", []string{"-nope"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var stderr bytes.Buffer
			if code := run(tt.args, &stderr); code != exitStartup {
				t.Errorf("expected exit %d, got %d", exitStartup, code)
			}
			if stderr.Len() == 0 {
				t.Error("expected usage on stderr")
			}
		})
	}
}

func TestRun_InvalidConfig(t *testing.T) {
	ws := testutil.NewWorkspace(t, "polling:\n  interval: -1s\n")

	var stderr bytes.Buffer
	code := run([]string{"-config", ws.Dir, "poll-counts", "-once"}, &stderr)
	testutil.AssertEqual(t, exitStartup, code)
}

func TestRun_MissingDevicesFile(t *testing.T) {
	ws := testutil.NewWorkspace(t, "")

	var stderr bytes.Buffer
	code := run([]string{"-config", ws.Dir, "poll-counts", "-once"}, &stderr)
	testutil.AssertEqual(t, exitStartup, code)
}

func TestRun_PollCountsOnce(t *testing.T) {
	srv := testutil.NewModbusServer(t)
	srv.SetHolding(100, 100)
	srv.SetHolding(300, 999)

	ws := testutil.NewWorkspace(t, "reset:\n  hour: 23\n")
	ws.WriteDevices(t, testutil.CounterDevicesYAML("c1", srv.Host(), srv.Port()))

	var stderr bytes.Buffer
	code := run([]string{"-config", ws.Dir, "poll-counts", "-once"}, &stderr)
	if code != exitOK {
		t.Fatalf("expected exit %d, got %d: %s", exitOK, code, stderr.String())
	}
	if srv.Writes() == 0 {
		t.Error("expected the counts block to be written")
	}
	testutil.AssertEqual(t, uint16(0), srv.Holding(300), "first reading has no increment")

	ctx, cancel := testutil.ContextWithTimeout(t)
	defer cancel()
	store, err := sqlite.Open(ctx, ws.DatabasePath, sqlite.Options{}, zerolog.Nop())
	testutil.RequireNoError(t, err)
	defer store.Close()

	rec, found, err := store.LatestCount(ctx, domain.CountKey("c1", "L1", "M1", "hot"))
	testutil.RequireNoError(t, err)
	if !found {
		t.Fatal("expected a count record")
	}
	testutil.AssertEqual(t, int64(100), rec.Cumulative)
	testutil.AssertEqual(t, int64(0), rec.Incremental)
}

func TestRun_UnreachableDeviceFails(t *testing.T) {
	srv := testutil.NewModbusServer(t)
	host, port := srv.Host(), srv.Port()
	srv.Close()

	ws := testutil.NewWorkspace(t, "modbus:\n  timeout: 500ms\n")
	ws.WriteDevices(t, testutil.CounterDevicesYAML("c1", host, port))

	var stderr bytes.Buffer
	code := run([]string{"-config", ws.Dir, "decrement-counts"}, &stderr)
	testutil.AssertEqual(t, exitDeviceFailure, code)
}

func TestRun_ResetDevices(t *testing.T) {
	srv := testutil.NewModbusServer(t)
	ws := testutil.NewWorkspace(t, "")
	ws.WriteDevices(t, testutil.CounterDevicesYAML("c1", srv.Host(), srv.Port()))

	var stderr bytes.Buffer
	code := run([]string{"-config", ws.Dir, "reset-devices"}, &stderr)
	testutil.AssertEqual(t, exitOK, code)
	if srv.Writes() < 2 {
		t.Errorf("expected the reset coil to be pulsed on and off, got %d writes", srv.Writes())
	}
}
