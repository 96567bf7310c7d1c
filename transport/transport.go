// Copyright (c) 2025 Li Jinling. All rights reserved.
// This software may be modified and distributed under the terms
// of the BSD-3 Clause License. See the LICENSE file for details.

package transport

import (
	"context"
	"fmt"
	"time"

	"github.com/ffutop/bollard-controller/modbus"
)

// Transport kinds.
const (
	KindTCP        = "tcp"
	KindRTUOverTCP = "rtu-over-tcp"
	KindRTU        = "rtu"
	KindLocal      = "local"
)

// SerialConfig holds serial line settings for the rtu kind.
type SerialConfig struct {
	BaudRate int           `mapstructure:"baud_rate"`
	DataBits int           `mapstructure:"data_bits"`
	Parity   string        `mapstructure:"parity"`
	StopBits int           `mapstructure:"stop_bits"`
	Timeout  time.Duration `mapstructure:"timeout"`

	// RS485 specific
	RS485              bool          `mapstructure:"rs485"`
	DelayRtsBeforeSend time.Duration `mapstructure:"delay_rts_before_send"`
	DelayRtsAfterSend  time.Duration `mapstructure:"delay_rts_after_send"`
	RtsHighDuringSend  bool          `mapstructure:"rts_high_during_send"`
	RtsHighAfterSend   bool          `mapstructure:"rts_high_after_send"`
	RxDuringTx         bool          `mapstructure:"rx_during_tx"`
}

// Endpoint identifies one addressable unit behind one connection.
type Endpoint struct {
	Kind    string
	Address string // host:port, serial device path or simulator name
	UnitID  byte
	Serial  SerialConfig
}

func (e Endpoint) String() string {
	kind := e.Kind
	if kind == "" {
		kind = KindTCP
	}
	return fmt.Sprintf("%s://%s/%d", kind, e.Address, e.UnitID)
}

// Session is one live connection to one endpoint. A session serves a single
// operation and is closed when that operation ends.
type Session interface {
	// Send sends a PDU to unitID and returns the response PDU.
	Send(ctx context.Context, unitID byte, pdu modbus.ProtocolDataUnit) (modbus.ProtocolDataUnit, error)
	Close() error
}

// Dialer opens sessions. Dial failures are reported as *ConnectionError.
type Dialer interface {
	Dial(ctx context.Context, ep Endpoint) (Session, error)
}

// Handler answers a request PDU addressed to slaveID. Servers call it once per frame.
type Handler func(ctx context.Context, slaveID byte, pdu modbus.ProtocolDataUnit) (modbus.ProtocolDataUnit, error)

// Server accepts requests from Modbus masters.
type Server interface {
	// Start starts the server and blocks. It should be called in a goroutine.
	Start(ctx context.Context, handler Handler) error
	Close() error
}
