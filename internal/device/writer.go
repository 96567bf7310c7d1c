// Copyright (c) 2026 Li Jinling. All rights reserved.
// This software may be modified and distributed under the terms
// of the BSD-3 Clause License. See the LICENSE file for details.

package device

import (
	"context"
	"log/slog"
	"time"

	"github.com/cenkalti/backoff"

	"github.com/ffutop/bollard-controller/internal/descriptor"
	"github.com/ffutop/bollard-controller/internal/metrics"
	"github.com/ffutop/bollard-controller/transport"
)

// Writer writes single coils with retry.
type Writer struct {
	Dialer   transport.Dialer
	Attempts int
	Delay    time.Duration
	Logger   *slog.Logger
	Metrics  *metrics.Metrics
}

func NewWriter(dialer transport.Dialer, attempts int, delay time.Duration, logger *slog.Logger, m *metrics.Metrics) *Writer {
	if logger == nil {
		logger = slog.Default()
	}
	return &Writer{
		Dialer:   dialer,
		Attempts: attempts,
		Delay:    delay,
		Logger:   logger.With("component", "writer"),
		Metrics:  m,
	}
}

// WriteCoil sets the coil bound to fn. Each attempt opens its own session.
// A missing or read-only binding fails with *descriptor.ConfigurationError
// before any attempt. Otherwise the error of the last attempt is returned.
func (w *Writer) WriteCoil(ctx context.Context, d descriptor.Descriptor, fn descriptor.Function, value bool) error {
	b, err := d.RequireWritable(fn)
	if err != nil {
		return err
	}

	attempts := w.Attempts
	if attempts < 1 {
		attempts = 1
	}
	attempt := 0
	op := func() error {
		attempt++
		return w.write(ctx, d, b, value)
	}
	notify := func(err error, next time.Duration) {
		w.Logger.Warn("Coil write failed, retrying", "device", d.ID, "function", fn, "attempt", attempt, "of", attempts, "next", next, "err", err)
	}
	// The context-bound policy stops at once when ctx is done.
	policy := backoff.WithContext(backoff.WithMaxRetries(backoff.NewConstantBackOff(w.Delay), uint64(attempts-1)), ctx)
	err = backoff.RetryNotify(op, policy, notify)
	w.Metrics.ObserveWrite(d.ID, fn.String(), err)
	if err != nil {
		w.Logger.Error("Coil write failed", "device", d.ID, "function", fn, "value", value, "attempts", attempt, "err", err)
	}
	return err
}

// WriteCoilOnce makes a single attempt without retry.
func (w *Writer) WriteCoilOnce(ctx context.Context, d descriptor.Descriptor, fn descriptor.Function, value bool) error {
	b, err := d.RequireWritable(fn)
	if err != nil {
		return err
	}
	err = w.write(ctx, d, b, value)
	w.Metrics.ObserveWrite(d.ID, fn.String(), err)
	return err
}

func (w *Writer) write(ctx context.Context, d descriptor.Descriptor, b descriptor.Binding, value bool) error {
	w.Metrics.WriteAttempt(d.ID, b.Function.String())
	return withSession(ctx, w.Dialer, b.Endpoint, w.Logger, func(s transport.Session) error {
		return transport.WriteCoil(ctx, s, b.Endpoint.UnitID, b.Address, value)
	})
}
