// Copyright (c) 2025 Li Jinling. All rights reserved.
// This software may be modified and distributed under the terms
// of the BSD-3 Clause License. See the LICENSE file for details.

package rtu

import (
	"encoding/binary"
	"fmt"

	"github.com/ffutop/bollard-controller/modbus"
	"github.com/ffutop/bollard-controller/modbus/crc"
)

const (
	// MinSize is address, function code and CRC.
	MinSize = 4
	// MaxSize is the largest serial line frame.
	MaxSize = 256
	// ExceptionSize is MinSize plus the exception code.
	ExceptionSize = 5
)

// ApplicationDataUnit is a serial line frame: slave address, PDU and CRC.
type ApplicationDataUnit struct {
	SlaveID byte
	Pdu     modbus.ProtocolDataUnit
}

// Decode checks the CRC of raw and splits it into slave id and PDU.
func Decode(raw []byte) (*ApplicationDataUnit, error) {
	n := len(raw)
	if n < MinSize {
		return nil, fmt.Errorf("modbus: frame length '%v' does not meet minimum '%v'", n, MinSize)
	}
	want := crc.Checksum(raw[:n-2])
	if got := binary.LittleEndian.Uint16(raw[n-2:]); got != want {
		return nil, fmt.Errorf("modbus: frame crc '%v' does not match expected '%v'", got, want)
	}
	return &ApplicationDataUnit{
		SlaveID: raw[0],
		Pdu:     modbus.ProtocolDataUnit{FunctionCode: raw[1], Data: raw[2 : n-2]},
	}, nil
}

// Encode frames the PDU: slave address, function code, data and the CRC
// with its low byte first.
func (adu *ApplicationDataUnit) Encode() ([]byte, error) {
	n := len(adu.Pdu.Data) + MinSize
	if n > MaxSize {
		return nil, fmt.Errorf("modbus: length of data '%v' must not be bigger than '%v'", n, MaxSize)
	}
	raw := make([]byte, 0, n)
	raw = append(raw, adu.SlaveID, adu.Pdu.FunctionCode)
	raw = append(raw, adu.Pdu.Data...)
	return binary.LittleEndian.AppendUint16(raw, crc.Checksum(raw)), nil
}

// Verify checks that resp answers req: same slave, same function (or its exception).
func (req *ApplicationDataUnit) Verify(resp *ApplicationDataUnit) (err error) {
	if req.SlaveID != resp.SlaveID {
		err = fmt.Errorf("modbus: response slave id '%v' does not match request '%v'", resp.SlaveID, req.SlaveID)
		return
	}
	if resp.Pdu.FunctionCode&0x7F != req.Pdu.FunctionCode {
		err = fmt.Errorf("modbus: response function code '%v' does not match request '%v'", resp.Pdu.FunctionCode, req.Pdu.FunctionCode)
		return
	}
	return
}
