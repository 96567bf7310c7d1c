// Copyright (c) 2026 Li Jinling. All rights reserved.
// This software may be modified and distributed under the terms
// of the BSD-3 Clause License. See the LICENSE file for details.

package transport

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sync"

	"github.com/ffutop/bollard-controller/modbus"
)

// Acceptor owns the listening socket of a Modbus server and runs one
// goroutine per connected master.
type Acceptor struct {
	Address string
	Name    string // used in logs

	mu       sync.Mutex
	listener net.Listener
}

// Listen binds the socket. Serve calls it when it has not been called yet.
func (a *Acceptor) Listen() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.listener != nil {
		return nil
	}
	l, err := net.Listen("tcp", a.Address)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", a.Address, err)
	}
	a.listener = l
	return nil
}

// Addr returns the bound address, or nil before Listen.
func (a *Acceptor) Addr() net.Addr {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.listener == nil {
		return nil
	}
	return a.listener.Addr()
}

// Close stops accepting. Serve then disconnects every master and returns.
func (a *Acceptor) Close() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.listener == nil {
		return nil
	}
	return a.listener.Close()
}

// Serve accepts until ctx is done or Close is called, handing each
// connection to handle. It returns once every handle call has returned.
func (a *Acceptor) Serve(ctx context.Context, handle func(context.Context, net.Conn)) error {
	if err := a.Listen(); err != nil {
		return err
	}
	a.mu.Lock()
	l := a.listener
	a.mu.Unlock()
	slog.Info("Modbus server listening", "server", a.Name, "addr", l.Addr())

	var (
		wg    sync.WaitGroup
		mu    sync.Mutex
		conns = make(map[net.Conn]struct{})
	)
	dropAll := func() {
		mu.Lock()
		defer mu.Unlock()
		for c := range conns {
			c.Close()
		}
	}
	stop := context.AfterFunc(ctx, func() {
		a.Close()
		dropAll()
	})
	defer stop()

	for {
		conn, err := l.Accept()
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				break
			}
			slog.Error("Failed to accept connection", "server", a.Name, "err", err)
			continue
		}
		mu.Lock()
		conns[conn] = struct{}{}
		mu.Unlock()

		wg.Add(1)
		go func() {
			defer wg.Done()
			defer func() {
				mu.Lock()
				delete(conns, conn)
				mu.Unlock()
				conn.Close()
			}()
			slog.Debug("Master connected", "server", a.Name, "addr", conn.RemoteAddr())
			handle(ctx, conn)
		}()
	}
	dropAll()
	wg.Wait()
	return nil
}

// Respond runs handler and turns a handler error into a server device
// failure exception.
func Respond(ctx context.Context, handler Handler, slaveID byte, req modbus.ProtocolDataUnit) modbus.ProtocolDataUnit {
	resp, err := handler(ctx, slaveID, req)
	if err != nil {
		slog.Error("Handler failed", "slave_id", slaveID, "function", req.FunctionCode, "err", err)
		return modbus.ProtocolDataUnit{
			FunctionCode: req.FunctionCode | 0x80,
			Data:         []byte{modbus.ExceptionCodeServerDeviceFailure},
		}
	}
	return resp
}
