// Copyright (c) 2025 Li Jinling. All rights reserved.
// This software may be modified and distributed under the terms
// of the BSD-3 Clause License. See the LICENSE file for details.

package modbus

import "fmt"

// Function codes understood by the controller.
const (
	FuncCodeReadCoils          = 0x01
	FuncCodeReadDiscreteInputs = 0x02
	FuncCodeWriteSingleCoil    = 0x05
)

// Exception codes.
const (
	ExceptionCodeIllegalFunction     = 0x01
	ExceptionCodeIllegalDataAddress  = 0x02
	ExceptionCodeIllegalDataValue    = 0x03
	ExceptionCodeServerDeviceFailure = 0x04
)

// Coil values for FC5.
const (
	CoilOn  uint16 = 0xFF00
	CoilOff uint16 = 0x0000
)

// MaxReadBits is the largest quantity a single FC1/FC2 request may ask for.
const MaxReadBits = 2000

// ProtocolDataUnit is the function code plus payload, independent of framing.
type ProtocolDataUnit struct {
	FunctionCode byte
	Data         []byte
}

// IsException reports whether the PDU carries an exception response.
func (pdu ProtocolDataUnit) IsException() bool {
	return pdu.FunctionCode&0x80 != 0
}

// ExceptionError is returned when a device answers with an exception PDU.
type ExceptionError struct {
	FunctionCode  byte
	ExceptionCode byte
}

func (e *ExceptionError) Error() string {
	var name string
	switch e.ExceptionCode {
	case ExceptionCodeIllegalFunction:
		name = "illegal function"
	case ExceptionCodeIllegalDataAddress:
		name = "illegal data address"
	case ExceptionCodeIllegalDataValue:
		name = "illegal data value"
	case ExceptionCodeServerDeviceFailure:
		name = "server device failure"
	default:
		name = "unknown"
	}
	return fmt.Sprintf("modbus: exception '%v' (%s), function '%v'", e.ExceptionCode, name, e.FunctionCode&0x7F)
}
