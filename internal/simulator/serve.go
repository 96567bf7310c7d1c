// Copyright (c) 2025 Li Jinling. All rights reserved.
// This software may be modified and distributed under the terms
// of the BSD-3 Clause License. See the LICENSE file for details.

package simulator

import (
	"context"
	"fmt"
	"net"

	"github.com/ffutop/bollard-controller/transport"
	rtuovertcp "github.com/ffutop/bollard-controller/transport/rtu-over-tcp"
	"github.com/ffutop/bollard-controller/transport/tcp"
)

type listeningServer interface {
	transport.Server
	Listen() error
	Addr() net.Addr
}

// Listener serves one device over the network.
type Listener struct {
	device *Device
	server listeningServer
}

// Listen binds address with the given framing ("tcp" or "rtu-over-tcp").
func (d *Device) Listen(address, framing string) (*Listener, error) {
	var srv listeningServer
	switch framing {
	case "", transport.KindTCP:
		srv = tcp.NewServer(address)
	case transport.KindRTUOverTCP:
		srv = rtuovertcp.NewServer(address)
	default:
		return nil, fmt.Errorf("simulator %s: unsupported framing %q", d.Name, framing)
	}
	if err := srv.Listen(); err != nil {
		return nil, err
	}
	return &Listener{device: d, server: srv}, nil
}

// Addr returns the bound address.
func (l *Listener) Addr() net.Addr { return l.server.Addr() }

// Serve blocks until ctx is done.
func (l *Listener) Serve(ctx context.Context) error {
	l.device.logger.Info("Simulator serving", "addr", l.Addr())
	return l.server.Start(ctx, l.device.Handle)
}

func (l *Listener) Close() error { return l.server.Close() }
