// Copyright (c) 2025 Li Jinling. All rights reserved.
// This software may be modified and distributed under the terms
// of the BSD-3 Clause License. See the LICENSE file for details.

package tcp

import (
	"context"
	"encoding/binary"
	"io"
	"log/slog"
	"net"

	"github.com/ffutop/bollard-controller/transport"
)

// Server implements a Modbus TCP Server.
type Server struct {
	transport.Acceptor
}

// NewServer creates a new TCP Server.
func NewServer(address string) *Server {
	return &Server{Acceptor: transport.Acceptor{Address: address, Name: "tcp"}}
}

// Start serves until ctx is done.
func (s *Server) Start(ctx context.Context, handler transport.Handler) error {
	return s.Serve(ctx, func(ctx context.Context, conn net.Conn) {
		serveConn(ctx, conn, handler)
	})
}

// serveConn answers MBAP frames in order until the master disconnects.
func serveConn(ctx context.Context, conn net.Conn, handler transport.Handler) {
	header := make([]byte, tcpHeaderSize)
	for ctx.Err() == nil {
		if _, err := io.ReadFull(conn, header); err != nil {
			if err != io.EOF {
				slog.Debug("Failed to read from connection", "addr", conn.RemoteAddr(), "err", err)
			}
			return
		}
		length := int(binary.BigEndian.Uint16(header[4:]))
		if length < 2 || length > tcpMaxSize-tcpHeaderSize {
			slog.Warn("Invalid MBAP length, dropping connection", "addr", conn.RemoteAddr(), "length", length)
			return
		}
		raw := make([]byte, tcpHeaderSize+length)
		copy(raw, header)
		if _, err := io.ReadFull(conn, raw[tcpHeaderSize:]); err != nil {
			slog.Debug("Failed to read request body", "addr", conn.RemoteAddr(), "err", err)
			return
		}

		req, err := Decode(raw)
		if err != nil {
			slog.Warn("Failed to decode TCP request", "err", err)
			continue
		}
		resp := NewADU(req.TransactionID, req.SlaveID, transport.Respond(ctx, handler, req.SlaveID, req.Pdu))
		resp.ProtocolID = req.ProtocolID
		out, err := resp.Encode()
		if err != nil {
			slog.Error("Failed to encode TCP response", "err", err)
			continue
		}
		if _, err := conn.Write(out); err != nil {
			slog.Debug("Failed to write response", "addr", conn.RemoteAddr(), "err", err)
			return
		}
	}
}
