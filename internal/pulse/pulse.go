// Copyright (c) 2026 Li Jinling. All rights reserved.
// This software may be modified and distributed under the terms
// of the BSD-3 Clause License. See the LICENSE file for details.

// Package pulse drives the momentary lower command: set the coil, wait for
// the device to report it, hold, clear it and let the mechanism settle.
package pulse

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/looplab/fsm"

	"github.com/ffutop/bollard-controller/internal/descriptor"
	"github.com/ffutop/bollard-controller/internal/device"
	"github.com/ffutop/bollard-controller/internal/metrics"
	"github.com/ffutop/bollard-controller/transport"
)

// Pulse states.
const (
	StateIdle      = "idle"
	StateArmed     = "armed"
	StateConfirmed = "confirmed"
	StateHolding   = "holding"
	StateReleased  = "released"
	StateSettling  = "settling"
	StateDone      = "done"
	StateFailed    = "failed"
)

// Pulse events.
const (
	EventArm     = "arm"
	EventConfirm = "confirm"
	EventHold    = "hold"
	EventRelease = "release"
	EventSettle  = "settle"
	EventFinish  = "finish"
	EventFail    = "fail"
)

// cleanupTimeout bounds the best-effort clearing write after a failure.
const cleanupTimeout = 5 * time.Second

type Config struct {
	ConfirmTimeout time.Duration
	ConfirmPoll    time.Duration
	Settle         time.Duration
}

// Session records one pulse.
type Session struct {
	Device      string
	ArmedAt     time.Time
	ConfirmedAt time.Time
	ReleasedAt  time.Time

	mu  sync.Mutex
	fsm *fsm.FSM
}

func newSession(id string, logger *slog.Logger) *Session {
	s := &Session{Device: id}
	s.fsm = fsm.NewFSM(
		StateIdle,
		fsm.Events{
			{Name: EventArm, Src: []string{StateIdle}, Dst: StateArmed},
			{Name: EventConfirm, Src: []string{StateArmed}, Dst: StateConfirmed},
			{Name: EventHold, Src: []string{StateConfirmed}, Dst: StateHolding},
			{Name: EventRelease, Src: []string{StateHolding}, Dst: StateReleased},
			{Name: EventSettle, Src: []string{StateReleased}, Dst: StateSettling},
			{Name: EventFinish, Src: []string{StateSettling}, Dst: StateDone},
			{Name: EventFail, Src: []string{StateIdle, StateArmed, StateConfirmed, StateHolding, StateReleased, StateSettling}, Dst: StateFailed},
		},
		fsm.Callbacks{
			"enter_state": func(_ context.Context, e *fsm.Event) {
				logger.Debug("Pulse transition", "device", id, "from", e.Src, "to", e.Dst)
			},
		},
	)
	return s
}

// State returns the current state of the pulse.
func (s *Session) State() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.fsm.Current()
}

// event records a step. The machine only tracks progress, so it never sees
// the caller's context: a cancelled context would veto the transition.
func (s *Session) event(name string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.fsm.Event(context.Background(), name)
}

// Orchestrator runs momentary pulses. The caller holds the device lock for
// the whole Run.
type Orchestrator struct {
	reader  *device.Reader
	writer  *device.Writer
	cfg     Config
	logger  *slog.Logger
	metrics *metrics.Metrics
	now     func() time.Time
}

func NewOrchestrator(reader *device.Reader, writer *device.Writer, cfg Config, logger *slog.Logger, m *metrics.Metrics) *Orchestrator {
	if logger == nil {
		logger = slog.Default()
	}
	return &Orchestrator{
		reader:  reader,
		writer:  writer,
		cfg:     cfg,
		logger:  logger.With("component", "pulse"),
		metrics: m,
		now:     time.Now,
	}
}

// Run pulses the Lower function of d.
//
// A failed arm write returns at once. Any later failure first clears the
// coil with a single write that ignores ctx cancellation, then returns the
// original error. A confirmation that never arrives is a *transport.TimeoutError.
func (o *Orchestrator) Run(ctx context.Context, d descriptor.Descriptor) (*Session, error) {
	if _, err := d.RequireWritable(descriptor.Lower); err != nil {
		return nil, err
	}
	s := newSession(d.ID, o.logger)

	if err := o.writer.WriteCoil(ctx, d, descriptor.Lower, true); err != nil {
		o.step(s, EventFail)
		o.metrics.ObservePulse(d.ID, s.State())
		return s, fmt.Errorf("arm lower: %w", err)
	}
	s.ArmedAt = o.now()
	o.step(s, EventArm)

	released, err := o.complete(ctx, d, s)
	if err != nil {
		if !released {
			o.cleanup(ctx, d)
		}
		o.step(s, EventFail)
		o.metrics.ObservePulse(d.ID, s.State())
		return s, err
	}
	o.metrics.ObservePulse(d.ID, s.State())
	return s, nil
}

// complete runs every step after a successful arm and reports whether the
// coil was cleared.
func (o *Orchestrator) complete(ctx context.Context, d descriptor.Descriptor, s *Session) (bool, error) {
	if err := o.confirm(ctx, d); err != nil {
		return false, err
	}
	s.ConfirmedAt = o.now()
	o.step(s, EventConfirm)

	o.step(s, EventHold)
	if err := sleep(ctx, d.PulseHold); err != nil {
		return false, err
	}

	if err := o.writer.WriteCoil(ctx, d, descriptor.Lower, false); err != nil {
		return false, fmt.Errorf("release lower: %w", err)
	}
	s.ReleasedAt = o.now()
	o.step(s, EventRelease)

	o.step(s, EventSettle)
	if err := sleep(ctx, o.cfg.Settle); err != nil {
		return true, err
	}
	o.step(s, EventFinish)
	return true, nil
}

// confirm polls the Lower bit until the device reports it set.
func (o *Orchestrator) confirm(ctx context.Context, d descriptor.Descriptor) error {
	cctx, cancel := context.WithTimeout(ctx, o.cfg.ConfirmTimeout)
	defer cancel()

	var lastErr error
	for {
		on, err := o.reader.ReadFunction(cctx, d, descriptor.Lower)
		switch {
		case err == nil && on:
			return nil
		case err != nil:
			lastErr = err
			o.logger.Debug("Lower confirmation read failed", "device", d.ID, "err", err)
		}
		if err := sleep(cctx, o.cfg.ConfirmPoll); err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return &transport.TimeoutError{Op: fmt.Sprintf("confirm lower on %s after %s", d.ID, o.cfg.ConfirmTimeout), Err: lastErr}
		}
	}
}

func (o *Orchestrator) step(s *Session, name string) {
	if err := s.event(name); err != nil {
		o.logger.Error("Invalid pulse transition", "device", s.Device, "event", name, "state", s.State(), "err", err)
	}
}

func (o *Orchestrator) cleanup(ctx context.Context, d descriptor.Descriptor) {
	cctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), cleanupTimeout)
	defer cancel()
	if err := o.writer.WriteCoilOnce(cctx, d, descriptor.Lower, false); err != nil {
		o.logger.Warn("Failed to clear lower after aborted pulse", "device", d.ID, "err", err)
	}
}

func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
