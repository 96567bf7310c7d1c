// Copyright (c) 2014 Quoc-Viet Nguyen. All rights reserved.
// This software may be modified and distributed under the terms
// of the BSD-3 Clause License. See the LICENSE file for details.

package rtu

import (
	"context"
	"fmt"
	"io"
	"strings"
	"sync"
	"time"

	"github.com/grid-x/serial"

	"github.com/ffutop/bollard-controller/transport"
)

const (
	// Default timeout
	serialTimeout = 500 * time.Millisecond
)

// OpenFunc opens a serial port.
type OpenFunc func(c *serial.Config) (io.ReadWriteCloser, error)

func openSerial(c *serial.Config) (io.ReadWriteCloser, error) {
	return serial.Open(c)
}

// newSerialConfig maps endpoint settings onto serial.Config.
func newSerialConfig(ep transport.Endpoint) serial.Config {
	s := ep.Serial
	c := serial.Config{
		Address:  ep.Address,
		BaudRate: s.BaudRate,
		DataBits: s.DataBits,
		StopBits: s.StopBits,
		Parity:   strings.ToUpper(s.Parity),
		Timeout:  s.Timeout,
		RS485: serial.RS485Config{
			Enabled:            s.RS485,
			DelayRtsBeforeSend: s.DelayRtsBeforeSend,
			DelayRtsAfterSend:  s.DelayRtsAfterSend,
			RtsHighDuringSend:  s.RtsHighDuringSend,
			RtsHighAfterSend:   s.RtsHighAfterSend,
			RxDuringTx:         s.RxDuringTx,
		},
	}
	if c.BaudRate == 0 {
		c.BaudRate = 19200
	}
	if c.DataBits == 0 {
		c.DataBits = 8
	}
	if c.StopBits == 0 {
		c.StopBits = 1
	}
	if c.Parity == "" {
		c.Parity = "E"
	}
	if c.Timeout == 0 {
		c.Timeout = serialTimeout
	}
	return c
}

// lines serializes access to each serial device; one bus carries many units.
type lines struct {
	mu    sync.Mutex
	locks map[string]chan struct{}
}

func (l *lines) acquire(ctx context.Context, address string) (func(), error) {
	l.mu.Lock()
	if l.locks == nil {
		l.locks = make(map[string]chan struct{})
	}
	ch, ok := l.locks[address]
	if !ok {
		ch = make(chan struct{}, 1)
		l.locks[address] = ch
	}
	l.mu.Unlock()

	select {
	case ch <- struct{}{}:
	case <-ctx.Done():
		return nil, fmt.Errorf("waiting for serial line %s: %w", address, ctx.Err())
	}
	var once sync.Once
	return func() { once.Do(func() { <-ch }) }, nil
}
