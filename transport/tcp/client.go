// Copyright (c) 2025 Li Jinling. All rights reserved.
// This software may be modified and distributed under the terms
// of the BSD-3 Clause License. See the LICENSE file for details.

package tcp

import (
	"context"
	"encoding/hex"
	"fmt"
	"io"
	"log/slog"
	"net"
	"sync/atomic"
	"time"

	"github.com/ffutop/bollard-controller/modbus"
	"github.com/ffutop/bollard-controller/transport"
)

const (
	defaultConnectTimeout = 5 * time.Second
	defaultTimeout        = 2 * time.Second
)

// Dialer opens Modbus TCP sessions.
type Dialer struct {
	// ConnectTimeout bounds connection establishment.
	ConnectTimeout time.Duration
	// Timeout bounds each request/response exchange.
	Timeout time.Duration
	Tap     transport.Tap

	transactionID uint32 // Atomic counter
}

// NewDialer allocates and initializes a TCP Dialer.
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

// Dial connects to ep.Address.
func (d *Dialer) Dial(ctx context.Context, ep transport.Endpoint) (transport.Session, error) {
	nd := net.Dialer{Timeout: d.ConnectTimeout}
	conn, err := nd.DialContext(ctx, "tcp", ep.Address)
	if err != nil {
		return nil, &transport.ConnectionError{Endpoint: ep.String(), Err: err}
	}
	slog.Debug("modbus tcp session opened", "endpoint", ep.String())
	return &session{
		dialer:   d,
		conn:     conn,
		endpoint: ep.String(),
	}, nil
}

func (d *Dialer) nextTransactionID() uint16 {
	return uint16(atomic.AddUint32(&d.transactionID, 1))
}

type session struct {
	dialer   *Dialer
	conn     net.Conn
	endpoint string
}

// Send sends a PDU to a unit and returns the response PDU.
func (s *session) Send(ctx context.Context, unitID byte, pdu modbus.ProtocolDataUnit) (modbus.ProtocolDataUnit, error) {
	op := fmt.Sprintf("%s fc%d", s.endpoint, pdu.FunctionCode)

	adu := NewADU(s.dialer.nextTransactionID(), unitID, pdu)
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
	// Cancellation unblocks pending I/O.
	stop := context.AfterFunc(ctx, func() {
		s.conn.SetDeadline(time.Unix(1, 0))
	})
	defer stop()

	transport.Observe(s.dialer.Tap, transport.NewFrame(transport.Transmit, s.endpoint, adu.TransactionID, unitID, pdu, pdu, aduBytes))

	respBytes, err := s.sendAndRead(aduBytes)
	if err != nil {
		if ctx.Err() != nil {
			return modbus.ProtocolDataUnit{}, ctx.Err()
		}
		return modbus.ProtocolDataUnit{}, transport.Classify(op, s.endpoint, err)
	}

	respAdu, err := Decode(respBytes)
	if err != nil {
		return modbus.ProtocolDataUnit{}, &transport.ProtocolError{Op: op, Err: err}
	}
	transport.Observe(s.dialer.Tap, transport.NewFrame(transport.Receive, s.endpoint, respAdu.TransactionID, respAdu.SlaveID, respAdu.Pdu, pdu, respBytes))

	if err := adu.Verify(respAdu); err != nil {
		return modbus.ProtocolDataUnit{}, &transport.ProtocolError{Op: op, Err: err}
	}

	return respAdu.Pdu, nil
}

func (s *session) sendAndRead(aduRequest []byte) ([]byte, error) {
	if _, err := s.conn.Write(aduRequest); err != nil {
		return nil, err
	}

	// Read MBAP Header (first 6 bytes)
	mbapHeader := make([]byte, tcpHeaderSize)
	if _, err := io.ReadFull(s.conn, mbapHeader); err != nil {
		return nil, err
	}

	// Parse Length
	length := int(mbapHeader[4])<<8 | int(mbapHeader[5])
	if length < 2 || length > tcpMaxSize-tcpHeaderSize {
		return nil, fmt.Errorf("modbus: length in response header '%v' must be between '%v' and '%v'", length, 2, tcpMaxSize-tcpHeaderSize)
	}

	// Read remaining bytes (UnitID + PDU)
	payload := make([]byte, length)
	if _, err := io.ReadFull(s.conn, payload); err != nil {
		return nil, err
	}

	response := make([]byte, tcpHeaderSize+length)
	copy(response, mbapHeader)
	copy(response[tcpHeaderSize:], payload)

	slog.Debug("recv from modbus tcp device", "endpoint", s.endpoint, "response", hex.EncodeToString(response))
	return response, nil
}

// Close closes the underlying connection.
func (s *session) Close() error {
	return s.conn.Close()
}
