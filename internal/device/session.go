// Copyright (c) 2026 Li Jinling. All rights reserved.
// This software may be modified and distributed under the terms
// of the BSD-3 Clause License. See the LICENSE file for details.

package device

import (
	"context"
	"log/slog"

	"github.com/ffutop/bollard-controller/transport"
)

// withSession dials ep, runs fn and closes the session on every path.
// Close errors are logged, never returned.
func withSession(ctx context.Context, dialer transport.Dialer, ep transport.Endpoint, logger *slog.Logger, fn func(transport.Session) error) error {
	s, err := dialer.Dial(ctx, ep)
	if err != nil {
		return err
	}
	defer func() {
		if cerr := s.Close(); cerr != nil {
			logger.Debug("Failed to close session", "endpoint", ep.String(), "err", cerr)
		}
	}()
	return fn(s)
}
