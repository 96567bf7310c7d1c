// Copyright (c) 2025 Li Jinling. All rights reserved.
// This software may be modified and distributed under the terms
// of the BSD-3 Clause License. See the LICENSE file for details.

package tcp

import (
	"encoding/binary"
	"fmt"

	"github.com/ffutop/bollard-controller/modbus"
)

const (
	tcpHeaderSize = 6
	tcpMinSize    = 8
	tcpMaxSize    = 260
)

// ApplicationDataUnit is a Modbus TCP frame: MBAP header followed by the PDU.
type ApplicationDataUnit struct {
	TransactionID uint16
	ProtocolID    uint16
	Length        uint16
	SlaveID       byte
	Pdu           modbus.ProtocolDataUnit
}

// NewADU wraps pdu for unitID; Length counts the unit id, function code and data.
func NewADU(tid uint16, unitID byte, pdu modbus.ProtocolDataUnit) *ApplicationDataUnit {
	return &ApplicationDataUnit{
		TransactionID: tid,
		ProtocolID:    0,
		Length:        uint16(2 + len(pdu.Data)),
		SlaveID:       unitID,
		Pdu:           pdu,
	}
}

// Decode parses an MBAP frame. The PDU data aliases raw.
func Decode(raw []byte) (*ApplicationDataUnit, error) {
	if len(raw) < tcpMinSize {
		return nil, fmt.Errorf("modbus: frame length '%v' does not meet minimum '%v'", len(raw), tcpMinSize)
	}
	adu := &ApplicationDataUnit{
		TransactionID: binary.BigEndian.Uint16(raw[0:]),
		ProtocolID:    binary.BigEndian.Uint16(raw[2:]),
		Length:        binary.BigEndian.Uint16(raw[4:]),
		SlaveID:       raw[6],
		Pdu:           modbus.ProtocolDataUnit{FunctionCode: raw[7], Data: raw[8:]},
	}
	if int(adu.Length) != len(raw)-tcpHeaderSize {
		return nil, fmt.Errorf("modbus: length in header '%v' does not match frame length '%v'", adu.Length, len(raw)-tcpHeaderSize)
	}
	return adu, nil
}

// Encode writes the MBAP header and PDU.
func (adu *ApplicationDataUnit) Encode() ([]byte, error) {
	n := tcpHeaderSize + 2 + len(adu.Pdu.Data)
	if n > tcpMaxSize {
		return nil, fmt.Errorf("modbus: length of data '%v' must not be bigger than '%v'", n, tcpMaxSize)
	}
	raw := make([]byte, tcpHeaderSize, n)
	binary.BigEndian.PutUint16(raw[0:], adu.TransactionID)
	binary.BigEndian.PutUint16(raw[2:], adu.ProtocolID)
	binary.BigEndian.PutUint16(raw[4:], adu.Length)
	raw = append(raw, adu.SlaveID, adu.Pdu.FunctionCode)
	return append(raw, adu.Pdu.Data...), nil
}

// Verify checks that resp answers req.
func (req *ApplicationDataUnit) Verify(resp *ApplicationDataUnit) error {
	switch {
	case resp.TransactionID != req.TransactionID:
		return fmt.Errorf("modbus: response transaction id '%v' does not match request '%v'", resp.TransactionID, req.TransactionID)
	case resp.ProtocolID != req.ProtocolID:
		return fmt.Errorf("modbus: response protocol id '%v' does not match request '%v'", resp.ProtocolID, req.ProtocolID)
	case resp.SlaveID != req.SlaveID:
		return fmt.Errorf("modbus: response unit id '%v' does not match request '%v'", resp.SlaveID, req.SlaveID)
	case resp.Pdu.FunctionCode&0x7F != req.Pdu.FunctionCode:
		return fmt.Errorf("modbus: response function code '%v' does not match request '%v'", resp.Pdu.FunctionCode, req.Pdu.FunctionCode)
	}
	return nil
}
