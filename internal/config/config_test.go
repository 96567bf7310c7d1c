// Copyright (c) 2026 Li Jinling. All rights reserved.
// This software may be modified and distributed under the terms
// of the BSD-3 Clause License. See the LICENSE file for details.

package config

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"

	"github.com/ffutop/bollard-controller/internal/descriptor"
	"github.com/ffutop/bollard-controller/internal/simulator"
	"github.com/ffutop/bollard-controller/transport"
)

const sample = `
log:
  level: debug
timing:
  poll_interval: 1s
  write_retries: 5
metrics:
  listen: ":9102"
devices:
  - id: gate-1
    name: North gate
    transport: tcp
    host: 10.0.0.5
    pulse_hold: 750ms
    functions:
      state: {address: 0}
      lower: {address: 1}
      fault_sensor: {address: 4, table: discrete}
  - id: gate-2
    transport: local
    host: sim-1
    unit_id: 3
    functions:
      state: {address: 0, offset: 1}
simulator:
  devices:
    - name: sim-1
      coils: [1]
      links:
        - {coil: 2, when: true, target: 1, set: false}
`

func writeConfig(t *testing.T, path, content string) {
	t.Helper()
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatal(err)
	}
}

func tempConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	writeConfig(t, path, content)
	return path
}

func TestLoadConfig(t *testing.T) {
	cfg, err := LoadConfig(tempConfig(t, sample))
	if err != nil {
		t.Fatalf("LoadConfig failed: %v", err)
	}

	wantTiming := TimingConfig{
		ConnectTimeout:      5 * time.Second,
		OperationTimeout:    2 * time.Second,
		PollInterval:        time.Second,
		HeartbeatInterval:   time.Second,
		WriteRetries:        5,
		RetryDelay:          500 * time.Millisecond,
		UseBulkRead:         true,
		PulseConfirmTimeout: 10 * time.Second,
		PulseConfirmPoll:    200 * time.Millisecond,
		PulseSettle:         300 * time.Millisecond,
		OfflineBackoff:      10 * time.Second,
		SettleDelay:         time.Second,
	}
	if diff := cmp.Diff(wantTiming, cfg.Timing); diff != "" {
		t.Errorf("timing mismatch (-want +got):\n%s", diff)
	}
	if cfg.Log.Level != "debug" || cfg.Metrics.Listen != ":9102" {
		t.Errorf("unexpected log/metrics config: %+v %+v", cfg.Log, cfg.Metrics)
	}

	wantSim := []simulator.Config{{
		Name:  "sim-1",
		Coils: []uint16{1},
		Links: []simulator.Link{{Coil: 2, When: true, Target: 1, Set: false}},
	}}
	if diff := cmp.Diff(wantSim, cfg.Simulator.Devices); diff != "" {
		t.Errorf("simulator mismatch (-want +got):\n%s", diff)
	}
}

func TestStore(t *testing.T) {
	s, err := Load(tempConfig(t, sample))
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if diff := cmp.Diff([]string{"gate-1", "gate-2"}, s.DeviceIDs()); diff != "" {
		t.Errorf("ids mismatch (-want +got):\n%s", diff)
	}

	g1, err := s.Descriptor("gate-1")
	if err != nil {
		t.Fatal(err)
	}
	if g1.Name != "North gate" || g1.PulseHold != 750*time.Millisecond || g1.Endpoint.Address != "10.0.0.5:502" {
		t.Errorf("unexpected gate-1 descriptor: %+v", g1)
	}
	if b, ok := g1.Binding(descriptor.FaultSensor); !ok || b.Table != descriptor.DiscreteInputs || b.Access != descriptor.ReadOnly {
		t.Errorf("fault sensor binding = %+v, %v", b, ok)
	}

	g2, err := s.Descriptor("gate-2")
	if err != nil {
		t.Fatal(err)
	}
	state, _ := g2.Binding(descriptor.State)
	want := transport.Endpoint{Kind: transport.KindLocal, Address: "sim-1", UnitID: 3}
	if state.Address != 1 || state.Endpoint != want {
		t.Errorf("gate-2 state binding = %+v", state)
	}

	if _, err := s.Descriptor("gate-9"); err == nil {
		t.Error("expected error for unknown device")
	}
}

func TestStore_Reload(t *testing.T) {
	path := tempConfig(t, sample)
	s, err := Load(path)
	if err != nil {
		t.Fatal(err)
	}

	writeConfig(t, path, `
devices:
  - id: gate-2
    transport: local
    host: sim-1
    functions:
      state: {address: 0}
`)
	if err := s.Reload(); err != nil {
		t.Fatalf("Reload failed: %v", err)
	}
	if diff := cmp.Diff([]string{"gate-2"}, s.DeviceIDs()); diff != "" {
		t.Errorf("ids after reload (-want +got):\n%s", diff)
	}
	if s.Config().Timing.PollInterval != 3*time.Second {
		t.Errorf("poll interval not back to default: %s", s.Config().Timing.PollInterval)
	}

	writeConfig(t, path, `
devices:
  - id: gate-3
    transport: carrier-pigeon
    host: loft
    functions:
      state: {address: 0}
`)
	err = s.Reload()
	var cfgErr *descriptor.ConfigurationError
	if !errors.As(err, &cfgErr) || cfgErr.Device != "gate-3" {
		t.Fatalf("expected ConfigurationError for gate-3, got %v", err)
	}
	if diff := cmp.Diff([]string{"gate-2"}, s.DeviceIDs()); diff != "" {
		t.Errorf("failed reload changed devices (-want +got):\n%s", diff)
	}
}

func TestLoad_Invalid(t *testing.T) {
	tests := []struct {
		name    string
		content string
	}{
		{
			name: "duplicate device",
			content: `
devices:
  - {id: a, host: h, functions: {state: {address: 0}}}
  - {id: a, host: h, functions: {state: {address: 1}}}
`,
		},
		{
			name:    "no write attempts",
			content: "timing:\n  write_retries: 0\n",
		},
		{
			name:    "zero poll interval",
			content: "timing:\n  poll_interval: 0s\n",
		},
		{
			name:    "negative settle delay",
			content: "timing:\n  settle_delay: -1s\n",
		},
		{
			name: "duplicate simulator",
			content: `
simulator:
  devices:
    - {name: s}
    - {name: s}
`,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := Load(tempConfig(t, tt.content)); err == nil {
				t.Error("expected error")
			}
		})
	}
}

func TestLoad_MissingFile(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "nope.yaml")); err == nil {
		t.Error("expected error for missing file")
	}
}
