// Copyright (c) 2025 Li Jinling. All rights reserved.
// This software may be modified and distributed under the terms
// of the BSD-3 Clause License. See the LICENSE file for details.

package rtuovertcp

import (
	"context"
	"io"
	"log/slog"
	"net"

	rtupacket "github.com/ffutop/bollard-controller/modbus/rtu"
	"github.com/ffutop/bollard-controller/transport"
)

// Server implements a Modbus RTU over TCP Server.
// Each connection is treated as a serial line carrying RTU frames.
type Server struct {
	transport.Acceptor
}

// NewServer creates a new RTU over TCP Server.
func NewServer(address string) *Server {
	return &Server{Acceptor: transport.Acceptor{Address: address, Name: "rtu-over-tcp"}}
}

// Start serves until ctx is done.
func (s *Server) Start(ctx context.Context, handler transport.Handler) error {
	return s.Serve(ctx, func(ctx context.Context, conn net.Conn) {
		serveConn(ctx, conn, handler)
	})
}

func serveConn(ctx context.Context, conn net.Conn, handler transport.Handler) {
	buf := make([]byte, rtupacket.MaxSize)
	for ctx.Err() == nil {
		// Every supported request carries SlaveID and FunctionCode first.
		if _, err := io.ReadFull(conn, buf[:2]); err != nil {
			if err != io.EOF {
				slog.Debug("Connection read error", "addr", conn.RemoteAddr(), "err", err)
			}
			return
		}
		n, err := rtupacket.CalculateRequestLength(buf[1], buf[:2])
		if err != nil {
			// Framing is lost; the master reconnects.
			slog.Warn("Invalid RTU frame header", "addr", conn.RemoteAddr(), "func", buf[1], "err", err)
			return
		}
		if _, err := io.ReadFull(conn, buf[2:n]); err != nil {
			return
		}

		req, err := rtupacket.Decode(buf[:n])
		if err != nil {
			slog.Warn("RTU frame decode failed", "err", err)
			continue
		}
		resp := &rtupacket.ApplicationDataUnit{
			SlaveID: req.SlaveID,
			Pdu:     transport.Respond(ctx, handler, req.SlaveID, req.Pdu),
		}
		out, err := resp.Encode()
		if err != nil {
			slog.Error("Failed to encode response", "err", err)
			continue
		}
		if _, err := conn.Write(out); err != nil {
			slog.Debug("Failed to write response", "addr", conn.RemoteAddr(), "err", err)
			return
		}
	}
}
