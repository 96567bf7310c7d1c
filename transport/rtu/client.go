// Copyright (c) 2014 Quoc-Viet Nguyen. All rights reserved.
// Copyright (c) 2025 Li Jinling. All rights reserved.
// This software may be modified and distributed under the terms
// of the BSD-3 Clause License. See the LICENSE file for details.

package rtu

import (
	"context"
	"encoding/hex"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/grid-x/serial"

	"github.com/ffutop/bollard-controller/modbus"
	rtupacket "github.com/ffutop/bollard-controller/modbus/rtu"
	"github.com/ffutop/bollard-controller/transport"
)

// Dialer opens Modbus RTU sessions on serial lines.
type Dialer struct {
	// Timeout bounds each request/response exchange.
	Timeout time.Duration
	Tap     transport.Tap
	// Open opens the port; defaults to grid-x/serial.
	Open OpenFunc

	lines lines
}

// NewDialer allocates and initializes an RTU Dialer.
func NewDialer(timeout time.Duration, tap transport.Tap) *Dialer {
	return &Dialer{
		Timeout: timeout,
		Tap:     tap,
		Open:    openSerial,
	}
}

// Dial opens the serial device named by ep.Address. The line stays reserved
// for this session until Close.
func (d *Dialer) Dial(ctx context.Context, ep transport.Endpoint) (transport.Session, error) {
	release, err := d.lines.acquire(ctx, ep.Address)
	if err != nil {
		return nil, &transport.ConnectionError{Endpoint: ep.String(), Err: err}
	}
	cfg := newSerialConfig(ep)
	open := d.Open
	if open == nil {
		open = openSerial
	}
	port, err := open(&cfg)
	if err != nil {
		release()
		return nil, &transport.ConnectionError{Endpoint: ep.String(), Err: fmt.Errorf("could not open %s: %w", cfg.Address, err)}
	}
	return &session{
		dialer:   d,
		config:   cfg,
		port:     port,
		endpoint: ep.String(),
		release:  release,
	}, nil
}

type session struct {
	dialer   *Dialer
	config   serial.Config
	port     io.ReadWriteCloser
	endpoint string
	release  func()
}

// Send sends a PDU to the unit and returns the response PDU.
func (s *session) Send(ctx context.Context, unitID byte, pdu modbus.ProtocolDataUnit) (modbus.ProtocolDataUnit, error) {
	op := fmt.Sprintf("%s fc%d", s.endpoint, pdu.FunctionCode)

	adu := &rtupacket.ApplicationDataUnit{
		SlaveID: unitID,
		Pdu:     pdu,
	}
	aduBytes, err := adu.Encode()
	if err != nil {
		return modbus.ProtocolDataUnit{}, &transport.ProtocolError{Op: op, Err: err}
	}

	transport.Observe(s.dialer.Tap, transport.NewFrame(transport.Transmit, s.endpoint, 0, unitID, pdu, pdu, aduBytes))
	respBytes, err := s.exchange(ctx, aduBytes)
	if err != nil {
		if ctx.Err() != nil {
			return modbus.ProtocolDataUnit{}, ctx.Err()
		}
		if err == rtupacket.ErrRequestTimedOut {
			return modbus.ProtocolDataUnit{}, &transport.TimeoutError{Op: op, Err: err}
		}
		return modbus.ProtocolDataUnit{}, transport.Classify(op, s.endpoint, err)
	}

	respAdu, err := rtupacket.Decode(respBytes)
	if err != nil {
		return modbus.ProtocolDataUnit{}, &transport.ProtocolError{Op: op, Err: err}
	}
	transport.Observe(s.dialer.Tap, transport.NewFrame(transport.Receive, s.endpoint, 0, respAdu.SlaveID, respAdu.Pdu, pdu, respBytes))

	if err := adu.Verify(respAdu); err != nil {
		return modbus.ProtocolDataUnit{}, &transport.ProtocolError{Op: op, Err: err}
	}
	return respAdu.Pdu, nil
}

func (s *session) exchange(ctx context.Context, aduRequest []byte) ([]byte, error) {
	timeout := s.dialer.Timeout
	if timeout <= 0 {
		timeout = s.config.Timeout
	}
	deadline := time.Now().Add(timeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}

	slog.Debug("send to modbus rtu device", "endpoint", s.endpoint, "request", hex.EncodeToString(aduRequest))
	if _, err := s.port.Write(aduRequest); err != nil {
		return nil, err
	}

	bytesToRead := rtupacket.CalculateResponseLength(aduRequest)
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-time.After(s.calculateDelay(len(aduRequest) + bytesToRead)):
	}

	data, err := rtupacket.ReadResponse(aduRequest[0], aduRequest[1], s.port, deadline)
	if err != nil {
		return nil, err
	}
	slog.Debug("recv from modbus rtu device", "endpoint", s.endpoint, "response", hex.EncodeToString(data))
	return data, nil
}

// calculateDelay calculates the needed delay to separate frames.
func (s *session) calculateDelay(chars int) time.Duration {
	var characterDelay, frameDelay int

	if s.config.BaudRate <= 0 || s.config.BaudRate > 19200 {
		characterDelay = 750
		frameDelay = 1750
	} else {
		characterDelay = 15000000 / s.config.BaudRate
		frameDelay = 35000000 / s.config.BaudRate
	}
	return time.Duration(characterDelay*chars+frameDelay) * time.Microsecond
}

// Close closes the port and frees the line.
func (s *session) Close() error {
	defer s.release()
	return s.port.Close()
}
