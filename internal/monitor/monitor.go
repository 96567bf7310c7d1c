// Copyright (c) 2026 Li Jinling. All rights reserved.
// This software may be modified and distributed under the terms
// of the BSD-3 Clause License. See the LICENSE file for details.

// Package monitor polls every configured bollard and reports state changes.
package monitor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/ffutop/bollard-controller/internal/descriptor"
	"github.com/ffutop/bollard-controller/internal/device"
	"github.com/ffutop/bollard-controller/internal/metrics"
	"github.com/ffutop/bollard-controller/internal/sink"
)

var (
	ErrUnknownDevice = errors.New("unknown device")
	ErrPaused        = errors.New("device paused")
)

// Source provides the configured devices.
type Source interface {
	DeviceIDs() []string
	Descriptor(id string) (descriptor.Descriptor, error)
}

type Config struct {
	PollInterval time.Duration
	// HeartbeatInterval is the longest time an unchanged state goes unreported.
	HeartbeatInterval time.Duration
	// OfflineBackoff is how long a device that failed a read is skipped.
	OfflineBackoff time.Duration
}

// Status is the cached view of one device.
type Status struct {
	DeviceID string
	Name     string
	State    device.State
	Known    bool // at least one poll has completed
	LastEmit time.Time
	ErrorAt  time.Time
	Paused   bool
}

type entry struct {
	desc     descriptor.Descriptor
	state    device.State
	known    bool
	lastEmit time.Time
	errorAt  time.Time
	paused   int
}

type Monitor struct {
	source  Source
	reader  *device.Reader
	locks   *device.Locks
	sink    sink.Sink
	cfg     Config
	logger  *slog.Logger
	metrics *metrics.Metrics
	now     func() time.Time

	mu      sync.Mutex
	order   []string
	entries map[string]*entry
}

// New loads the devices of source. An invalid descriptor fails New.
func New(source Source, reader *device.Reader, locks *device.Locks, s sink.Sink, cfg Config, logger *slog.Logger, m *metrics.Metrics) (*Monitor, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.HeartbeatInterval <= 0 {
		cfg.HeartbeatInterval = cfg.PollInterval
	}
	mon := &Monitor{
		source:  source,
		reader:  reader,
		locks:   locks,
		sink:    s,
		cfg:     cfg,
		logger:  logger.With("component", "monitor"),
		metrics: m,
		now:     time.Now,
		entries: make(map[string]*entry),
	}
	if err := mon.Reload(); err != nil {
		return nil, err
	}
	return mon, nil
}

// Reload rebuilds the device list from the source. Devices whose descriptor
// did not change keep their cached state; pause counts always survive.
// On error the current devices are kept.
func (m *Monitor) Reload() error {
	ids := m.source.DeviceIDs()
	descs := make(map[string]descriptor.Descriptor, len(ids))
	for _, id := range ids {
		d, err := m.source.Descriptor(id)
		if err != nil {
			return fmt.Errorf("load device %s: %w", id, err)
		}
		descs[id] = d
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	entries := make(map[string]*entry, len(ids))
	for _, id := range ids {
		old, ok := m.entries[id]
		switch {
		case ok && old.desc == descs[id]:
			entries[id] = old
		case ok:
			m.logger.Info("Device descriptor changed", "device", id)
			entries[id] = &entry{desc: descs[id], paused: old.paused}
		default:
			entries[id] = &entry{desc: descs[id]}
		}
	}
	for id := range m.entries {
		if _, ok := entries[id]; !ok {
			m.logger.Info("Device removed", "device", id)
			m.metrics.Forget(id)
		}
	}
	m.order = append([]string(nil), ids...)
	m.entries = entries
	return nil
}

// Run polls until ctx is done. The wait between passes starts after a pass
// completes.
func (m *Monitor) Run(ctx context.Context) error {
	m.logger.Info("Monitor started", "devices", len(m.DeviceIDs()), "poll_interval", m.cfg.PollInterval)
	t := time.NewTimer(0)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			m.logger.Info("Monitor stopped")
			return ctx.Err()
		case <-t.C:
		}
		m.PollOnce(ctx)
		t.Reset(m.cfg.PollInterval)
	}
}

// PollOnce makes one pass over all devices in configured order.
func (m *Monitor) PollOnce(ctx context.Context) {
	for _, id := range m.DeviceIDs() {
		if ctx.Err() != nil {
			return
		}
		if _, err := m.poll(ctx, id, false); err != nil && !errors.Is(err, ErrPaused) && !errors.Is(err, errBackoff) {
			m.logger.Debug("Poll ended early", "device", id, "err", err)
		}
	}
}

// PollNow reads one device at once, ignoring the offline backoff.
// A paused device is not read and ErrPaused is returned.
func (m *Monitor) PollNow(ctx context.Context, id string) (device.State, error) {
	return m.poll(ctx, id, true)
}

var errBackoff = errors.New("device in offline backoff")

func (m *Monitor) poll(ctx context.Context, id string, force bool) (device.State, error) {
	m.mu.Lock()
	e, ok := m.entries[id]
	if !ok {
		m.mu.Unlock()
		return device.State{}, ErrUnknownDevice
	}
	if e.paused > 0 {
		st := e.state
		m.mu.Unlock()
		m.metrics.ObservePoll(id, metrics.PollSkippedPaused)
		return st, ErrPaused
	}
	if !force && !e.errorAt.IsZero() && m.now().Sub(e.errorAt) < m.cfg.OfflineBackoff {
		st := e.state
		m.mu.Unlock()
		m.metrics.ObservePoll(id, metrics.PollSkippedBackoff)
		return st, errBackoff
	}
	desc := e.desc
	m.mu.Unlock()

	release, err := m.locks.Acquire(ctx, id)
	if err != nil {
		return device.State{}, err
	}
	defer release()

	// A control operation may have paused the device while we waited.
	if m.isPaused(id) {
		m.metrics.ObservePoll(id, metrics.PollSkippedPaused)
		return device.State{}, ErrPaused
	}

	st, readErr := m.reader.ReadState(ctx, desc, descriptor.StrategyDefault)
	if readErr != nil {
		if ctx.Err() != nil {
			return device.State{}, ctx.Err()
		}
		m.logger.Warn("Failed to read device", "device", id, "endpoint", desc.Endpoint.String(), "err", readErr)
		st = device.Offline(m.now())
	}
	m.record(id, desc, st, readErr)
	return st, readErr
}

// record stores a poll result and emits it when it changed or the heartbeat
// is due. It runs under the device lock, so events of one device are ordered.
func (m *Monitor) record(id string, desc descriptor.Descriptor, st device.State, readErr error) {
	now := m.now()

	m.mu.Lock()
	e, ok := m.entries[id]
	if !ok || e.desc != desc {
		// Reloaded while reading.
		m.mu.Unlock()
		return
	}
	changed := !e.known || !e.state.Equal(st)
	heartbeat := !changed && now.Sub(e.lastEmit) > m.cfg.HeartbeatInterval
	e.state = st
	e.known = true
	if readErr != nil {
		e.errorAt = now
	} else {
		e.errorAt = time.Time{}
	}
	if changed || heartbeat {
		e.lastEmit = now
	}
	m.mu.Unlock()

	m.metrics.SetOnline(id, readErr == nil)
	if readErr != nil {
		m.metrics.ObservePoll(id, metrics.PollError)
	} else {
		m.metrics.ObservePoll(id, metrics.PollOK)
	}

	if !changed && !heartbeat {
		return
	}
	if changed {
		m.logger.Info("Device state changed", "device", id, "label", st.Label)
		m.metrics.ObserveEmission(id, "change")
	} else {
		m.metrics.ObserveEmission(id, "heartbeat")
	}
	if m.sink == nil {
		return
	}
	if err := m.sink.OnStateChange(sink.NewEvent(id, st, changed, now)); err != nil {
		m.logger.Error("Sink failed", "device", id, "err", err)
	}
}

func (m *Monitor) isPaused(id string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.entries[id]
	return ok && e.paused > 0
}

// Pause stops polling id until a matching Resume. Pauses nest.
// Unknown ids are ignored.
func (m *Monitor) Pause(id string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if e, ok := m.entries[id]; ok {
		e.paused++
	}
}

// Resume undoes one Pause.
func (m *Monitor) Resume(id string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if e, ok := m.entries[id]; ok && e.paused > 0 {
		e.paused--
	}
}

// Descriptor returns the descriptor the monitor uses for id.
func (m *Monitor) Descriptor(id string) (descriptor.Descriptor, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.entries[id]
	if !ok {
		return descriptor.Descriptor{}, false
	}
	return e.desc, true
}

// DeviceIDs returns the devices in configured order.
func (m *Monitor) DeviceIDs() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string(nil), m.order...)
}

// State returns the last polled state of id.
func (m *Monitor) State(id string) (device.State, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.entries[id]
	if !ok || !e.known {
		return device.State{}, false
	}
	return e.state, true
}

// Snapshot returns the status of every device in configured order.
func (m *Monitor) Snapshot() []Status {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Status, 0, len(m.order))
	for _, id := range m.order {
		e := m.entries[id]
		out = append(out, Status{
			DeviceID: id,
			Name:     e.desc.Name,
			State:    e.state,
			Known:    e.known,
			LastEmit: e.lastEmit,
			ErrorAt:  e.errorAt,
			Paused:   e.paused > 0,
		})
	}
	return out
}
