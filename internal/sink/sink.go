// Copyright (c) 2026 Li Jinling. All rights reserved.
// This software may be modified and distributed under the terms
// of the BSD-3 Clause License. See the LICENSE file for details.

package sink

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/goccy/go-json"
	"github.com/google/uuid"

	"github.com/ffutop/bollard-controller/internal/device"
)

// Event reports the state of one device.
type Event struct {
	ID        string       `json:"id"`
	DeviceID  string       `json:"device_id"`
	State     device.State `json:"state"`
	Changed   bool         `json:"changed"`
	Heartbeat bool         `json:"heartbeat"`
	At        time.Time    `json:"at"`
}

// NewEvent stamps a state with a fresh id.
func NewEvent(deviceID string, state device.State, changed bool, at time.Time) Event {
	return Event{
		ID:        uuid.NewString(),
		DeviceID:  deviceID,
		State:     state,
		Changed:   changed,
		Heartbeat: !changed,
		At:        at,
	}
}

// Sink consumes state events. OnStateChange is called from the monitor
// goroutine and should not block for long.
type Sink interface {
	OnStateChange(Event) error
}

// Func adapts a function to Sink.
type Func func(Event) error

func (f Func) OnStateChange(e Event) error { return f(e) }

// Multi fans an event out to every sink and joins their errors.
type Multi []Sink

func (m Multi) OnStateChange(e Event) error {
	var errs []error
	for _, s := range m {
		if err := s.OnStateChange(e); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// LogSink writes events to a slog logger. Changes log at info, heartbeats at debug.
type LogSink struct {
	Logger *slog.Logger
}

func (l LogSink) OnStateChange(e Event) error {
	logger := l.Logger
	if logger == nil {
		logger = slog.Default()
	}
	level := slog.LevelDebug
	if e.Changed {
		level = slog.LevelInfo
	}
	logger.Log(context.Background(), level, "Bollard state",
		"device", e.DeviceID,
		"label", e.State.Label,
		"raised", e.State.Raised,
		"fault_sensor_active", e.State.FaultSensorActive,
		"forced_up", e.State.ForcedUp,
		"forced_down", e.State.ForcedDown,
		"hardware_fault", e.State.HardwareFault,
		"changed", e.Changed,
	)
	return nil
}

// JSONLines writes one JSON document per event.
type JSONLines struct {
	mu sync.Mutex
	w  io.Writer
}

func NewJSONLines(w io.Writer) *JSONLines {
	return &JSONLines{w: w}
}

func (j *JSONLines) OnStateChange(e Event) error {
	data, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("encode event %s: %w", e.ID, err)
	}
	data = append(data, '\n')
	j.mu.Lock()
	defer j.mu.Unlock()
	if _, err := j.w.Write(data); err != nil {
		return fmt.Errorf("write event %s: %w", e.ID, err)
	}
	return nil
}
