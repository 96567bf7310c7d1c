// Copyright (c) 2025 Li Jinling. All rights reserved.
// This software may be modified and distributed under the terms
// of the BSD-3 Clause License. See the LICENSE file for details.

package transport

import (
	"context"
	"fmt"

	"github.com/ffutop/bollard-controller/modbus"
)

// ReadBits issues one FC1/FC2 request over s and returns quantity bits.
func ReadBits(ctx context.Context, s Session, unitID, functionCode byte, address, quantity uint16) ([]bool, error) {
	op := fmt.Sprintf("read fc%d %d+%d", functionCode, address, quantity)
	req, err := modbus.NewReadBitsRequest(functionCode, address, quantity)
	if err != nil {
		return nil, &ProtocolError{Op: op, Err: err}
	}
	resp, err := s.Send(ctx, unitID, req)
	if err != nil {
		return nil, err
	}
	bits, err := modbus.ParseReadBitsResponse(functionCode, quantity, resp)
	if err != nil {
		return nil, &ProtocolError{Op: op, Err: err}
	}
	return bits, nil
}

// WriteCoil issues one FC5 request over s and verifies the echo.
func WriteCoil(ctx context.Context, s Session, unitID byte, address uint16, on bool) error {
	op := fmt.Sprintf("write coil %d", address)
	req := modbus.NewWriteSingleCoilRequest(address, on)
	resp, err := s.Send(ctx, unitID, req)
	if err != nil {
		return err
	}
	if err := modbus.VerifyWriteSingleCoilResponse(req, resp); err != nil {
		return &ProtocolError{Op: op, Err: err}
	}
	return nil
}
