// Copyright (c) 2025 Li Jinling. All rights reserved.
// This software may be modified and distributed under the terms
// of the BSD-3 Clause License. See the LICENSE file for details.

package modbus

import (
	"encoding/binary"
	"fmt"
)

// NewReadBitsRequest builds a FC1 or FC2 request for quantity bits starting at address.
func NewReadBitsRequest(functionCode byte, address, quantity uint16) (ProtocolDataUnit, error) {
	if functionCode != FuncCodeReadCoils && functionCode != FuncCodeReadDiscreteInputs {
		return ProtocolDataUnit{}, fmt.Errorf("modbus: function code '%v' does not read bits", functionCode)
	}
	if quantity < 1 || quantity > MaxReadBits {
		return ProtocolDataUnit{}, fmt.Errorf("modbus: quantity '%v' must be between '%v' and '%v'", quantity, 1, MaxReadBits)
	}
	if int(address)+int(quantity) > 0x10000 {
		return ProtocolDataUnit{}, fmt.Errorf("modbus: address range '%v'+'%v' out of bounds", address, quantity)
	}
	data := make([]byte, 4)
	binary.BigEndian.PutUint16(data[0:], address)
	binary.BigEndian.PutUint16(data[2:], quantity)
	return ProtocolDataUnit{FunctionCode: functionCode, Data: data}, nil
}

// ParseReadBitsResponse validates a FC1/FC2 response and unpacks quantity bits from it.
func ParseReadBitsResponse(functionCode byte, quantity uint16, resp ProtocolDataUnit) ([]bool, error) {
	if resp.IsException() {
		return nil, exceptionOf(resp)
	}
	if resp.FunctionCode != functionCode {
		return nil, fmt.Errorf("modbus: response function code '%v' does not match request '%v'", resp.FunctionCode, functionCode)
	}
	if len(resp.Data) < 1 {
		return nil, fmt.Errorf("modbus: response data is empty")
	}
	count := int(resp.Data[0])
	want := (int(quantity) + 7) / 8
	if count != want || len(resp.Data)-1 != count {
		return nil, fmt.Errorf("modbus: response byte count '%v' (payload '%v') does not match expected '%v'", count, len(resp.Data)-1, want)
	}
	return UnpackBits(resp.Data[1:], int(quantity)), nil
}

// NewWriteSingleCoilRequest builds a FC5 request.
func NewWriteSingleCoilRequest(address uint16, on bool) ProtocolDataUnit {
	value := CoilOff
	if on {
		value = CoilOn
	}
	data := make([]byte, 4)
	binary.BigEndian.PutUint16(data[0:], address)
	binary.BigEndian.PutUint16(data[2:], value)
	return ProtocolDataUnit{FunctionCode: FuncCodeWriteSingleCoil, Data: data}
}

// VerifyWriteSingleCoilResponse checks that resp echoes req.
func VerifyWriteSingleCoilResponse(req, resp ProtocolDataUnit) error {
	if resp.IsException() {
		return exceptionOf(resp)
	}
	if resp.FunctionCode != req.FunctionCode {
		return fmt.Errorf("modbus: response function code '%v' does not match request '%v'", resp.FunctionCode, req.FunctionCode)
	}
	if len(resp.Data) != 4 {
		return fmt.Errorf("modbus: response data size '%v' does not match expected '%v'", len(resp.Data), 4)
	}
	if binary.BigEndian.Uint16(resp.Data[0:]) != binary.BigEndian.Uint16(req.Data[0:]) {
		return fmt.Errorf("modbus: response address '%v' does not match request '%v'",
			binary.BigEndian.Uint16(resp.Data[0:]), binary.BigEndian.Uint16(req.Data[0:]))
	}
	if binary.BigEndian.Uint16(resp.Data[2:]) != binary.BigEndian.Uint16(req.Data[2:]) {
		return fmt.Errorf("modbus: response value '%#04x' does not match request '%#04x'",
			binary.BigEndian.Uint16(resp.Data[2:]), binary.BigEndian.Uint16(req.Data[2:]))
	}
	return nil
}

// RequestAddress returns the start address carried by a FC1/FC2/FC5 request.
func RequestAddress(pdu ProtocolDataUnit) (uint16, bool) {
	switch pdu.FunctionCode {
	case FuncCodeReadCoils, FuncCodeReadDiscreteInputs, FuncCodeWriteSingleCoil:
		if len(pdu.Data) >= 2 {
			return binary.BigEndian.Uint16(pdu.Data[0:]), true
		}
	}
	return 0, false
}

// PackBits packs booleans LSB first, as FC1/FC2 responses carry them.
func PackBits(bits []bool) []byte {
	out := make([]byte, (len(bits)+7)/8)
	for i, b := range bits {
		if b {
			out[i/8] |= 1 << uint(i%8)
		}
	}
	return out
}

// UnpackBits is the inverse of PackBits. Missing bytes read as false.
func UnpackBits(data []byte, quantity int) []bool {
	out := make([]bool, quantity)
	for i := 0; i < quantity; i++ {
		if i/8 >= len(data) {
			break
		}
		out[i] = data[i/8]&(1<<uint(i%8)) != 0
	}
	return out
}

func exceptionOf(resp ProtocolDataUnit) error {
	e := &ExceptionError{FunctionCode: resp.FunctionCode}
	if len(resp.Data) > 0 {
		e.ExceptionCode = resp.Data[0]
	}
	return e
}
