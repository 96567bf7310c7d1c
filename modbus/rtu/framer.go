// Copyright (c) 2025 Li Jinling. All rights reserved.
// This software may be modified and distributed under the terms
// of the BSD-3 Clause License. See the LICENSE file for details.

package rtu

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/ffutop/bollard-controller/modbus"
)

var ErrRequestTimedOut = errors.New("modbus: request timed out")

// InvalidLengthError reports a byte count that cannot belong to a bit response.
type InvalidLengthError struct {
	Length byte
}

func (e *InvalidLengthError) Error() string {
	return fmt.Sprintf("invalid length received: %d", e.Length)
}

// CalculateResponseLength returns the expected length of the response to
// the request ADU, used to size the inter-frame delay.
func CalculateResponseLength(adu []byte) int {
	if len(adu) < 2 {
		return MinSize
	}
	switch adu[1] {
	case modbus.FuncCodeReadCoils, modbus.FuncCodeReadDiscreteInputs:
		if len(adu) < 6 {
			return MinSize
		}
		quantity := int(binary.BigEndian.Uint16(adu[4:]))
		return MinSize + 1 + (quantity+7)/8
	case modbus.FuncCodeWriteSingleCoil:
		return MinSize + 4
	}
	return MinSize
}

// CalculateRequestLength returns the total length of a request frame whose
// function code is funcCode. Every supported request is address plus
// quantity or value, so the length is fixed.
func CalculateRequestLength(funcCode byte, header []byte) (int, error) {
	switch funcCode {
	case modbus.FuncCodeReadCoils, modbus.FuncCodeReadDiscreteInputs, modbus.FuncCodeWriteSingleCoil:
		return 8, nil
	}
	return 0, fmt.Errorf("unsupported function code: 0x%02X", funcCode)
}

// ReadResponse hunts the stream for a frame from slaveID answering
// functionCode and returns it with its CRC. Bytes before the frame are
// dropped.
func ReadResponse(slaveID, functionCode byte, r io.Reader, deadline time.Time) ([]byte, error) {
	if r == nil {
		return nil, fmt.Errorf("reader is nil")
	}
	switch functionCode {
	case modbus.FuncCodeReadCoils, modbus.FuncCodeReadDiscreteInputs, modbus.FuncCodeWriteSingleCoil:
	default:
		return nil, fmt.Errorf("functioncode not handled: %d", functionCode)
	}

	f := &frameReader{r: r, deadline: deadline, buf: make([]byte, 0, MaxSize)}

	// Sync on the two header bytes.
	prev, err := f.next()
	if err != nil {
		return nil, err
	}
	for {
		b, err := f.next()
		if err != nil {
			return nil, err
		}
		if prev == slaveID && (b == functionCode || b == functionCode|0x80) {
			f.buf = append(f.buf, prev, b)
			break
		}
		prev = b
	}

	var body int
	switch {
	case f.buf[1]&0x80 != 0:
		body = 1
	case functionCode == modbus.FuncCodeWriteSingleCoil:
		body = 4
	default:
		count, err := f.next()
		if err != nil {
			return nil, err
		}
		if count == 0 || int(count) > MaxSize-5 {
			return nil, &InvalidLengthError{Length: count}
		}
		f.buf = append(f.buf, count)
		body = int(count)
	}

	// Body plus two CRC bytes.
	for i := 0; i < body+2; i++ {
		b, err := f.next()
		if err != nil {
			return nil, err
		}
		f.buf = append(f.buf, b)
	}
	return f.buf, nil
}

// frameReader reads one byte at a time and enforces the response deadline.
type frameReader struct {
	r        io.Reader
	deadline time.Time
	buf      []byte
	one      [1]byte
}

func (f *frameReader) next() (byte, error) {
	if time.Now().After(f.deadline) {
		return 0, ErrRequestTimedOut
	}
	if _, err := io.ReadFull(f.r, f.one[:]); err != nil {
		return 0, err
	}
	return f.one[0], nil
}
