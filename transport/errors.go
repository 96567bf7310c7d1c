// Copyright (c) 2025 Li Jinling. All rights reserved.
// This software may be modified and distributed under the terms
// of the BSD-3 Clause License. See the LICENSE file for details.

package transport

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"os"

	"github.com/ffutop/bollard-controller/modbus"
)

// ConnectionError reports that a session could not be opened or was lost.
type ConnectionError struct {
	Endpoint string
	Err      error
}

func (e *ConnectionError) Error() string {
	return fmt.Sprintf("connection to %s: %v", e.Endpoint, e.Err)
}

func (e *ConnectionError) Unwrap() error { return e.Err }

// TimeoutError reports that an operation exceeded its bound.
type TimeoutError struct {
	Op  string
	Err error
}

func (e *TimeoutError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("%s: timed out", e.Op)
	}
	return fmt.Sprintf("%s: timed out: %v", e.Op, e.Err)
}

func (e *TimeoutError) Unwrap() error { return e.Err }

// ProtocolError reports a malformed, mismatched or exception response.
type ProtocolError struct {
	Op  string
	Err error
}

func (e *ProtocolError) Error() string {
	return fmt.Sprintf("%s: protocol error: %v", e.Op, e.Err)
}

func (e *ProtocolError) Unwrap() error { return e.Err }

// Exception returns the Modbus exception code carried by the error, if any.
func (e *ProtocolError) Exception() (byte, bool) {
	var exc *modbus.ExceptionError
	if errors.As(e.Err, &exc) {
		return exc.ExceptionCode, true
	}
	return 0, false
}

// Classify maps an I/O error raised during op onto the error taxonomy.
// Errors that are already classified, and context cancellation, pass through.
func Classify(op, endpoint string, err error) error {
	if err == nil {
		return nil
	}
	var (
		connErr  *ConnectionError
		timeout  *TimeoutError
		protoErr *ProtocolError
		netErr   net.Error
	)
	switch {
	case errors.As(err, &connErr), errors.As(err, &timeout), errors.As(err, &protoErr):
		return err
	case errors.Is(err, context.Canceled):
		return err
	case errors.Is(err, os.ErrDeadlineExceeded), errors.Is(err, context.DeadlineExceeded):
		return &TimeoutError{Op: op, Err: err}
	case errors.As(err, &netErr) && netErr.Timeout():
		return &TimeoutError{Op: op, Err: err}
	case errors.Is(err, io.EOF), errors.Is(err, io.ErrUnexpectedEOF), errors.Is(err, net.ErrClosed):
		return &ConnectionError{Endpoint: endpoint, Err: err}
	case errors.As(err, &netErr):
		return &ConnectionError{Endpoint: endpoint, Err: err}
	default:
		return &ProtocolError{Op: op, Err: err}
	}
}
