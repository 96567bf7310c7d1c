// Copyright (c) 2026 Li Jinling. All rights reserved.
// This software may be modified and distributed under the terms
// of the BSD-3 Clause License. See the LICENSE file for details.

package monitor

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/ffutop/bollard-controller/internal/descriptor"
	"github.com/ffutop/bollard-controller/internal/device"
	"github.com/ffutop/bollard-controller/internal/simulator"
	"github.com/ffutop/bollard-controller/internal/simulator/model"
	"github.com/ffutop/bollard-controller/internal/sink"
	"github.com/ffutop/bollard-controller/modbus"
	"github.com/ffutop/bollard-controller/transport/local"
)

type staticSource struct {
	ids   []string
	specs map[string]descriptor.DeviceSpec
}

func (s *staticSource) DeviceIDs() []string { return s.ids }

func (s *staticSource) Descriptor(id string) (descriptor.Descriptor, error) {
	spec, ok := s.specs[id]
	if !ok {
		return descriptor.Descriptor{}, fmt.Errorf("no device %q", id)
	}
	return descriptor.Resolve(spec)
}

func bollardSpec(id string) descriptor.DeviceSpec {
	return descriptor.DeviceSpec{
		ID:        id,
		Transport: "local",
		Host:      id,
		Functions: map[string]descriptor.FunctionSpec{
			"state":        {Address: 0},
			"lower":        {Address: 1},
			"force_up":     {Address: 2},
			"force_down":   {Address: 3},
			"fault_sensor": {Address: 4, Table: "discrete"},
		},
	}
}

type counting struct {
	local.Processor
	n atomic.Int64
}

func (c *counting) Process(unitID byte, pdu modbus.ProtocolDataUnit) (modbus.ProtocolDataUnit, error) {
	c.n.Add(1)
	return c.Processor.Process(unitID, pdu)
}

type recorder struct {
	mu     sync.Mutex
	events []sink.Event
}

func (r *recorder) OnStateChange(e sink.Event) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, e)
	return nil
}

func (r *recorder) take() []sink.Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := r.events
	r.events = nil
	return out
}

type harness struct {
	mon    *Monitor
	sims   map[string]*simulator.Device
	wire   map[string]*counting
	dialer *local.Dialer
	locks  *device.Locks
	events *recorder
	source *staticSource
	clock  time.Time
}

func (h *harness) advance(d time.Duration) { h.clock = h.clock.Add(d) }

func newHarness(t *testing.T, ids ...string) *harness {
	t.Helper()
	h := &harness{
		sims:   make(map[string]*simulator.Device),
		wire:   make(map[string]*counting),
		dialer: local.NewDialer(nil),
		locks:  device.NewLocks(),
		events: &recorder{},
		source: &staticSource{ids: ids, specs: make(map[string]descriptor.DeviceSpec)},
		clock:  time.Date(2026, 3, 1, 8, 0, 0, 0, time.UTC),
	}
	for _, id := range ids {
		sim, err := simulator.New(simulator.Config{Name: id}, nil)
		if err != nil {
			t.Fatal(err)
		}
		t.Cleanup(func() { sim.Close() })
		h.sims[id] = sim
		h.wire[id] = &counting{Processor: sim}
		h.dialer.Register(id, h.wire[id])
		h.source.specs[id] = bollardSpec(id)
	}
	reader := device.NewReader(h.dialer, true, nil, nil)
	cfg := Config{PollInterval: 3 * time.Second, OfflineBackoff: 10 * time.Second}
	mon, err := New(h.source, reader, h.locks, h.events, cfg, nil, nil)
	if err != nil {
		t.Fatal(err)
	}
	mon.now = func() time.Time { return h.clock }
	h.mon = mon
	return h
}

func TestPoll_ChangeAndHeartbeat(t *testing.T) {
	h := newHarness(t, "b1")
	ctx := context.Background()
	h.sims["b1"].Set(model.TableCoils, 0, true)
	h.sims["b1"].Set(model.TableDiscreteInputs, 4, true)

	h.mon.PollOnce(ctx)
	events := h.events.take()
	if len(events) != 1 || !events[0].Changed || events[0].State.Label != device.LabelUp {
		t.Fatalf("expected one change to up, got %+v", events)
	}

	h.advance(time.Second)
	h.mon.PollOnce(ctx)
	if events := h.events.take(); len(events) != 0 {
		t.Errorf("unchanged state emitted early: %+v", events)
	}

	h.advance(3 * time.Second)
	h.mon.PollOnce(ctx)
	events = h.events.take()
	if len(events) != 1 || events[0].Changed || !events[0].Heartbeat {
		t.Fatalf("expected one heartbeat, got %+v", events)
	}

	// The fault sensor drops while raised.
	h.sims["b1"].Set(model.TableDiscreteInputs, 4, false)
	h.advance(time.Second)
	h.mon.PollOnce(ctx)
	events = h.events.take()
	if len(events) != 1 || !events[0].Changed || !events[0].State.HardwareFault || events[0].State.Label != device.LabelFaultRaised {
		t.Fatalf("expected fault-raised change, got %+v", events)
	}
}

func TestPoll_FailureAndBackoff(t *testing.T) {
	h := newHarness(t, "b1", "b2")
	ctx := context.Background()
	h.dialer.Unregister("b1")

	h.mon.PollOnce(ctx)
	events := h.events.take()
	if len(events) != 2 {
		t.Fatalf("expected events for both devices, got %+v", events)
	}
	if events[0].DeviceID != "b1" || events[0].State.Label != device.LabelNoCommunication || events[0].State.Raised.Known() {
		t.Errorf("unexpected offline event: %+v", events[0])
	}
	if events[1].DeviceID != "b2" || events[1].State.Label != device.LabelDown {
		t.Errorf("second device not polled after the first failed: %+v", events[1])
	}
	if st := h.mon.Snapshot()[0]; st.ErrorAt.IsZero() {
		t.Error("errorAt not recorded")
	}

	// Inside the backoff window the device is skipped.
	h.dialer.Register("b1", h.wire["b1"])
	h.advance(5 * time.Second)
	h.mon.PollOnce(ctx)
	if n := h.wire["b1"].n.Load(); n != 0 {
		t.Errorf("device in backoff was read %d times", n)
	}

	// PollNow ignores the backoff.
	st, err := h.mon.PollNow(ctx, "b1")
	if err != nil || st.Label != device.LabelDown {
		t.Errorf("PollNow = %+v, %v", st, err)
	}
	if st := h.mon.Snapshot()[0]; !st.ErrorAt.IsZero() {
		t.Error("errorAt not cleared after a good read")
	}
}

func TestPoll_BackoffExpires(t *testing.T) {
	h := newHarness(t, "b1")
	ctx := context.Background()
	h.dialer.Unregister("b1")
	h.mon.PollOnce(ctx)
	h.dialer.Register("b1", h.wire["b1"])

	h.advance(11 * time.Second)
	h.mon.PollOnce(ctx)
	if n := h.wire["b1"].n.Load(); n == 0 {
		t.Error("device not read after backoff expired")
	}
	if st, ok := h.mon.State("b1"); !ok || st.Label != device.LabelDown {
		t.Errorf("State = %+v, %v", st, ok)
	}
}

func TestPause_Counted(t *testing.T) {
	h := newHarness(t, "b1")
	ctx := context.Background()

	h.mon.Pause("b1")
	h.mon.Pause("b1")
	h.mon.Pause("nope")
	h.mon.PollOnce(ctx)
	if _, err := h.mon.PollNow(ctx, "b1"); !errors.Is(err, ErrPaused) {
		t.Errorf("PollNow on paused device: %v", err)
	}
	h.mon.Resume("b1")
	h.mon.PollOnce(ctx)
	if n := h.wire["b1"].n.Load(); n != 0 {
		t.Errorf("paused device was read %d times", n)
	}
	if !h.mon.Snapshot()[0].Paused {
		t.Error("snapshot should report paused")
	}

	h.mon.Resume("b1")
	h.mon.Resume("b1") // extra resumes are harmless
	h.mon.PollOnce(ctx)
	if n := h.wire["b1"].n.Load(); n == 0 {
		t.Error("resumed device was not read")
	}
}

func TestPollNow_WaitsForDeviceLock(t *testing.T) {
	h := newHarness(t, "b1")
	release, err := h.locks.Acquire(context.Background(), "b1")
	if err != nil {
		t.Fatal(err)
	}
	defer release()

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if _, err := h.mon.PollNow(ctx, "b1"); !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("expected deadline exceeded, got %v", err)
	}
	if n := h.wire["b1"].n.Load(); n != 0 {
		t.Errorf("locked device was read %d times", n)
	}
}

func TestPollNow_UnknownDevice(t *testing.T) {
	h := newHarness(t, "b1")
	if _, err := h.mon.PollNow(context.Background(), "b9"); !errors.Is(err, ErrUnknownDevice) {
		t.Errorf("expected ErrUnknownDevice, got %v", err)
	}
}

func TestReload(t *testing.T) {
	h := newHarness(t, "b1", "b2")
	ctx := context.Background()
	h.mon.PollOnce(ctx)
	h.events.take()
	h.mon.Pause("b2")

	// b1 unchanged, b2 renamed, b3 is new and b1 is listed last.
	spec := bollardSpec("b2")
	spec.Name = "North gate"
	h.source.specs["b2"] = spec
	h.source.specs["b3"] = bollardSpec("b3")
	h.source.ids = []string{"b2", "b3", "b1"}
	if err := h.mon.Reload(); err != nil {
		t.Fatal(err)
	}

	snap := h.mon.Snapshot()
	if len(snap) != 3 || snap[0].DeviceID != "b2" || snap[2].DeviceID != "b1" {
		t.Fatalf("unexpected order: %+v", snap)
	}
	if !snap[2].Known {
		t.Error("unchanged device lost its state")
	}
	if snap[0].Known || !snap[0].Paused || snap[0].Name != "North gate" {
		t.Errorf("changed device should reset state but keep pause: %+v", snap[0])
	}

	// A failing reload keeps the current devices.
	h.source.ids = []string{"b1", "missing"}
	if err := h.mon.Reload(); err == nil {
		t.Error("expected reload error")
	}
	if got := h.mon.DeviceIDs(); len(got) != 3 {
		t.Errorf("devices after failed reload: %v", got)
	}
}

func TestRun_StopsOnCancel(t *testing.T) {
	h := newHarness(t, "b1")
	h.mon.cfg.PollInterval = time.Millisecond
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- h.mon.Run(ctx) }()

	deadline := time.Now().Add(time.Second)
	for h.wire["b1"].n.Load() < 3 && time.Now().Before(deadline) {
		time.Sleep(time.Millisecond)
	}
	cancel()
	select {
	case err := <-done:
		if !errors.Is(err, context.Canceled) {
			t.Errorf("Run returned %v", err)
		}
	case <-time.After(time.Second):
		t.Fatal("Run did not stop")
	}
	if n := h.wire["b1"].n.Load(); n < 3 {
		t.Errorf("only %d reads while running", n)
	}
}
