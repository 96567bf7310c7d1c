// Copyright (c) 2025 Li Jinling. All rights reserved.
// This software may be modified and distributed under the terms
// of the BSD-3 Clause License. See the LICENSE file for details.

package transport

import (
	"context"
	"encoding/binary"
	"encoding/hex"
	"log/slog"

	"github.com/ffutop/bollard-controller/modbus"
)

// Direction of a frame as seen from the controller.
type Direction int

const (
	Transmit Direction = iota
	Receive
)

func (d Direction) String() string {
	if d == Receive {
		return "rx"
	}
	return "tx"
}

// Frame is a decoded view of one frame on the wire.
type Frame struct {
	Direction     Direction
	Endpoint      string
	TransactionID uint16
	UnitID        byte
	FunctionCode  byte
	Address       uint16
	HasAddress    bool
	Bits          []bool
	Raw           []byte
}

// Tap observes frames. It must not retain Raw.
type Tap interface {
	Observe(f Frame)
}

// TapFunc adapts a function to Tap.
type TapFunc func(f Frame)

func (fn TapFunc) Observe(f Frame) { fn(f) }

// NewFrame decodes pdu into a Frame. For responses, req is the request it answers
// and supplies the address and quantity needed to decode bits.
func NewFrame(dir Direction, endpoint string, tid uint16, unitID byte, pdu, req modbus.ProtocolDataUnit, raw []byte) Frame {
	f := Frame{
		Direction:     dir,
		Endpoint:      endpoint,
		TransactionID: tid,
		UnitID:        unitID,
		FunctionCode:  pdu.FunctionCode,
		Raw:           raw,
	}
	f.Address, f.HasAddress = modbus.RequestAddress(req)
	if pdu.IsException() {
		return f
	}
	switch pdu.FunctionCode {
	case modbus.FuncCodeWriteSingleCoil:
		if len(pdu.Data) == 4 {
			f.Bits = []bool{binary.BigEndian.Uint16(pdu.Data[2:]) == modbus.CoilOn}
		}
	case modbus.FuncCodeReadCoils, modbus.FuncCodeReadDiscreteInputs:
		if dir == Receive && len(req.Data) == 4 && len(pdu.Data) > 1 {
			quantity := int(binary.BigEndian.Uint16(req.Data[2:]))
			f.Bits = modbus.UnpackBits(pdu.Data[1:], quantity)
		}
	}
	return f
}

// Observe hands f to tap. A nil tap is ignored and a panicking tap is contained.
func Observe(tap Tap, f Frame) {
	if tap == nil {
		return
	}
	defer func() {
		if r := recover(); r != nil {
			slog.Warn("frame tap panicked", "endpoint", f.Endpoint, "panic", r)
		}
	}()
	tap.Observe(f)
}

// LogTap logs every frame at debug level.
type LogTap struct {
	Logger *slog.Logger
}

func (t LogTap) Observe(f Frame) {
	logger := t.Logger
	if logger == nil {
		logger = slog.Default()
	}
	if !logger.Enabled(context.Background(), slog.LevelDebug) {
		return
	}
	attrs := []any{
		"dir", f.Direction.String(),
		"endpoint", f.Endpoint,
		"tid", f.TransactionID,
		"unit", f.UnitID,
		"fc", f.FunctionCode,
	}
	if f.HasAddress {
		attrs = append(attrs, "address", f.Address)
	}
	if f.Bits != nil {
		attrs = append(attrs, "bits", f.Bits)
	}
	attrs = append(attrs, "raw", hex.EncodeToString(f.Raw))
	logger.Debug("modbus frame", attrs...)
}
