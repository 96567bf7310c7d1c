// Copyright (c) 2025 Li Jinling. All rights reserved.
// This software may be modified and distributed under the terms
// of the BSD-3 Clause License. See the LICENSE file for details.

package rtuovertcp

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"time"

	"github.com/ffutop/bollard-controller/modbus"
	rtupacket "github.com/ffutop/bollard-controller/modbus/rtu"
	"github.com/ffutop/bollard-controller/transport"
)

const (
	defaultConnectTimeout = 5 * time.Second
	defaultTimeout        = 2 * time.Second
)

// Dialer opens sessions that carry RTU frames over a TCP stream, as serial
// device servers expose them.
type Dialer struct {
	ConnectTimeout time.Duration
	Timeout        time.Duration
	Tap            transport.Tap
}

// NewDialer allocates and initializes an RTU over TCP Dialer.
func NewDialer(connectTimeout, timeout time.Duration, tap transport.Tap) *Dialer {
	if connectTimeout <= 0 {
		connectTimeout = defaultConnectTimeout
	}
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	return &Dialer{
		ConnectTimeout: connectTimeout,
		Timeout:        timeout,
		Tap:            tap,
	}
}

func (d *Dialer) Dial(ctx context.Context, ep transport.Endpoint) (transport.Session, error) {
	nd := net.Dialer{Timeout: d.ConnectTimeout}
	conn, err := nd.DialContext(ctx, "tcp", ep.Address)
	if err != nil {
		return nil, &transport.ConnectionError{Endpoint: ep.String(), Err: err}
	}
	slog.Debug("modbus rtu-over-tcp session opened", "endpoint", ep.String())
	return &session{dialer: d, conn: conn, endpoint: ep.String()}, nil
}

type session struct {
	dialer   *Dialer
	conn     net.Conn
	endpoint string
}

// Send sends a PDU to a unit and returns the response PDU.
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

	deadline := time.Now().Add(s.dialer.Timeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	if err = s.conn.SetDeadline(deadline); err != nil {
		return modbus.ProtocolDataUnit{}, &transport.ConnectionError{Endpoint: s.endpoint, Err: err}
	}
	stop := context.AfterFunc(ctx, func() {
		s.conn.SetDeadline(time.Unix(1, 0))
	})
	defer stop()

	transport.Observe(s.dialer.Tap, transport.NewFrame(transport.Transmit, s.endpoint, 0, unitID, pdu, pdu, aduBytes))
	if _, err := s.conn.Write(aduBytes); err != nil {
		return modbus.ProtocolDataUnit{}, s.fail(ctx, op, err)
	}

	// RTU-over-TCP is just RTU frames sent over TCP.
	respBytes, err := rtupacket.ReadResponse(unitID, pdu.FunctionCode, s.conn, deadline)
	if err != nil {
		return modbus.ProtocolDataUnit{}, s.fail(ctx, op, err)
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

func (s *session) fail(ctx context.Context, op string, err error) error {
	if ctx.Err() != nil {
		return ctx.Err()
	}
	if err == rtupacket.ErrRequestTimedOut {
		return &transport.TimeoutError{Op: op, Err: err}
	}
	return transport.Classify(op, s.endpoint, err)
}

func (s *session) Close() error {
	return s.conn.Close()
}
