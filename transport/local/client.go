// Copyright (c) 2025 Li Jinling. All rights reserved.
// This software may be modified and distributed under the terms
// of the BSD-3 Clause License. See the LICENSE file for details.

package local

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/ffutop/bollard-controller/modbus"
	"github.com/ffutop/bollard-controller/transport"
)

// Processor answers a request PDU in process, as a simulated device does.
type Processor interface {
	Process(unitID byte, pdu modbus.ProtocolDataUnit) (modbus.ProtocolDataUnit, error)
}

// Dialer connects endpoints of kind "local" to in-process devices, keyed by
// endpoint address.
type Dialer struct {
	Tap transport.Tap

	mu      sync.RWMutex
	devices map[string]Processor
	open    int64
}

// NewDialer creates a Dialer with no devices.
func NewDialer(tap transport.Tap) *Dialer {
	return &Dialer{Tap: tap, devices: make(map[string]Processor)}
}

// Register makes p reachable under name.
func (d *Dialer) Register(name string, p Processor) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.devices[name] = p
}

// Unregister makes name unreachable; later dials fail with a ConnectionError.
func (d *Dialer) Unregister(name string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	delete(d.devices, name)
}

// Open returns the number of sessions currently open.
func (d *Dialer) Open() int {
	return int(atomic.LoadInt64(&d.open))
}

func (d *Dialer) Dial(ctx context.Context, ep transport.Endpoint) (transport.Session, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	d.mu.RLock()
	p, ok := d.devices[ep.Address]
	d.mu.RUnlock()
	if !ok {
		return nil, &transport.ConnectionError{Endpoint: ep.String(), Err: fmt.Errorf("no local device %q", ep.Address)}
	}
	atomic.AddInt64(&d.open, 1)
	return &session{dialer: d, name: ep.Address, processor: p, endpoint: ep.String()}, nil
}

type session struct {
	dialer    *Dialer
	name      string
	processor Processor
	endpoint  string
	closed    int32
}

// Send processes the PDU locally.
func (s *session) Send(ctx context.Context, unitID byte, pdu modbus.ProtocolDataUnit) (modbus.ProtocolDataUnit, error) {
	if err := ctx.Err(); err != nil {
		return modbus.ProtocolDataUnit{}, err
	}
	if atomic.LoadInt32(&s.closed) != 0 {
		return modbus.ProtocolDataUnit{}, &transport.ConnectionError{Endpoint: s.endpoint, Err: fmt.Errorf("session closed")}
	}
	s.dialer.mu.RLock()
	_, present := s.dialer.devices[s.name]
	s.dialer.mu.RUnlock()
	if !present {
		return modbus.ProtocolDataUnit{}, &transport.ConnectionError{Endpoint: s.endpoint, Err: fmt.Errorf("local device %q went away", s.name)}
	}

	transport.Observe(s.dialer.Tap, transport.NewFrame(transport.Transmit, s.endpoint, 0, unitID, pdu, pdu, nil))
	resp, err := s.processor.Process(unitID, pdu)
	if err != nil {
		return modbus.ProtocolDataUnit{}, transport.Classify(fmt.Sprintf("%s fc%d", s.endpoint, pdu.FunctionCode), s.endpoint, err)
	}
	transport.Observe(s.dialer.Tap, transport.NewFrame(transport.Receive, s.endpoint, 0, unitID, resp, pdu, nil))
	return resp, nil
}

// Close ends the session; the device itself stays registered.
func (s *session) Close() error {
	if atomic.CompareAndSwapInt32(&s.closed, 0, 1) {
		atomic.AddInt64(&s.dialer.open, -1)
	}
	return nil
}
