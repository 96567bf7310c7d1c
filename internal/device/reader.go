// Copyright (c) 2026 Li Jinling. All rights reserved.
// This software may be modified and distributed under the terms
// of the BSD-3 Clause License. See the LICENSE file for details.

package device

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/ffutop/bollard-controller/internal/descriptor"
	"github.com/ffutop/bollard-controller/internal/metrics"
	"github.com/ffutop/bollard-controller/modbus"
	"github.com/ffutop/bollard-controller/transport"
)

// Reader reads the state of a bollard.
type Reader struct {
	Dialer transport.Dialer
	// Bulk is the strategy used when neither the caller nor the descriptor picks one.
	Bulk    bool
	Logger  *slog.Logger
	Metrics *metrics.Metrics
	Now     func() time.Time
}

func NewReader(dialer transport.Dialer, bulk bool, logger *slog.Logger, m *metrics.Metrics) *Reader {
	if logger == nil {
		logger = slog.Default()
	}
	return &Reader{
		Dialer:  dialer,
		Bulk:    bulk,
		Logger:  logger.With("component", "reader"),
		Metrics: m,
		Now:     time.Now,
	}
}

func (r *Reader) strategy(d descriptor.Descriptor, requested descriptor.Strategy) descriptor.Strategy {
	if requested != descriptor.StrategyDefault {
		return requested
	}
	if d.Strategy != descriptor.StrategyDefault {
		return d.Strategy
	}
	if r.Bulk {
		return descriptor.StrategyBulk
	}
	return descriptor.StrategySequential
}

// ReadState reads every readable function of d and derives its State.
//
// With the bulk strategy, any failed bulk request makes the whole call fall
// back to sequential reads at once; the next call tries bulk again.
func (r *Reader) ReadState(ctx context.Context, d descriptor.Descriptor, strategy descriptor.Strategy) (State, error) {
	start := time.Now()
	strategy = r.strategy(d, strategy)

	var (
		values map[descriptor.Function]Tri
		err    error
	)
	if strategy == descriptor.StrategyBulk {
		values, err = r.readBulk(ctx, d)
		if err != nil && ctx.Err() == nil {
			r.Logger.Debug("Bulk read failed, falling back to sequential", "device", d.ID, "err", err)
			r.Metrics.BulkFallback(d.ID)
			strategy = descriptor.StrategySequential
			values, err = r.readSequential(ctx, d)
		}
	} else {
		values, err = r.readSequential(ctx, d)
	}
	r.Metrics.ObserveRead(d.ID, strategy.String(), time.Since(start), err)
	if err != nil {
		return State{}, err
	}

	s := Derive(values[descriptor.State], values[descriptor.FaultSensor], values[descriptor.ForceUp], values[descriptor.ForceDown])
	s.ReadAt = r.Now()
	return s, nil
}

// ReadFunction reads the single bit bound to fn.
func (r *Reader) ReadFunction(ctx context.Context, d descriptor.Descriptor, fn descriptor.Function) (bool, error) {
	b, err := d.Require(fn)
	if err != nil {
		return false, err
	}
	if !b.Access.Readable() {
		return false, &descriptor.ConfigurationError{Device: d.ID, Field: fn.String(), Reason: "function is write-only"}
	}
	var value bool
	err = withSession(ctx, r.Dialer, b.Endpoint, r.Logger, func(s transport.Session) error {
		bits, err := transport.ReadBits(ctx, s, b.Endpoint.UnitID, b.Table.ReadFunctionCode(), b.Address, 1)
		if err != nil {
			return err
		}
		value = bits[0]
		return nil
	})
	return value, err
}

// span is one contiguous bulk request.
type span struct {
	table       descriptor.Table
	first, last uint16
	members     []descriptor.Binding
}

// endpointGroup collects the bindings served by one endpoint.
type endpointGroup struct {
	endpoint transport.Endpoint
	bindings []descriptor.Binding
}

// groupByEndpoint keeps the order in which endpoints first appear.
func groupByEndpoint(bindings []descriptor.Binding) []*endpointGroup {
	var groups []*endpointGroup
	index := make(map[transport.Endpoint]*endpointGroup)
	for _, b := range bindings {
		g, ok := index[b.Endpoint]
		if !ok {
			g = &endpointGroup{endpoint: b.Endpoint}
			index[b.Endpoint] = g
			groups = append(groups, g)
		}
		g.bindings = append(g.bindings, b)
	}
	return groups
}

// spans plans one minimal covering request per table.
func spans(bindings []descriptor.Binding) []*span {
	var out []*span
	index := make(map[descriptor.Table]*span)
	for _, b := range bindings {
		sp, ok := index[b.Table]
		if !ok {
			sp = &span{table: b.Table, first: b.Address, last: b.Address}
			index[b.Table] = sp
			out = append(out, sp)
		}
		sp.first = min(sp.first, b.Address)
		sp.last = max(sp.last, b.Address)
		sp.members = append(sp.members, b)
	}
	return out
}

func (r *Reader) readBulk(ctx context.Context, d descriptor.Descriptor) (map[descriptor.Function]Tri, error) {
	values := make(map[descriptor.Function]Tri)
	for _, g := range groupByEndpoint(d.Readable()) {
		err := withSession(ctx, r.Dialer, g.endpoint, r.Logger, func(s transport.Session) error {
			for _, sp := range spans(g.bindings) {
				quantity := int(sp.last) - int(sp.first) + 1
				if quantity > modbus.MaxReadBits {
					return fmt.Errorf("span %d..%d exceeds %d bits", sp.first, sp.last, modbus.MaxReadBits)
				}
				bits, err := transport.ReadBits(ctx, s, g.endpoint.UnitID, sp.table.ReadFunctionCode(), sp.first, uint16(quantity))
				if err != nil {
					return err
				}
				for _, b := range sp.members {
					values[b.Function] = TriOf(bits[b.Address-sp.first])
				}
			}
			return nil
		})
		if err != nil {
			return nil, err
		}
	}
	return values, nil
}

// readSequential reads each function on its own. A failed read leaves its
// field unknown; the call fails only when nothing could be read.
func (r *Reader) readSequential(ctx context.Context, d descriptor.Descriptor) (map[descriptor.Function]Tri, error) {
	values := make(map[descriptor.Function]Tri)
	var (
		lastErr error
		read    int
	)
	for _, g := range groupByEndpoint(d.Readable()) {
		err := withSession(ctx, r.Dialer, g.endpoint, r.Logger, func(s transport.Session) error {
			for _, b := range g.bindings {
				bits, err := transport.ReadBits(ctx, s, g.endpoint.UnitID, b.Table.ReadFunctionCode(), b.Address, 1)
				if err != nil {
					r.Logger.Debug("Function read failed", "device", d.ID, "function", b.Function, "err", err)
					lastErr = err
					// A lost connection fails every remaining read on it.
					var connErr *transport.ConnectionError
					if errors.As(err, &connErr) || ctx.Err() != nil {
						return err
					}
					continue
				}
				values[b.Function] = TriOf(bits[0])
				read++
			}
			return nil
		})
		if err != nil {
			lastErr = err
		}
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
	}
	if read == 0 {
		if lastErr == nil {
			lastErr = &descriptor.ConfigurationError{Device: d.ID, Field: "functions", Reason: "nothing readable"}
		}
		return nil, lastErr
	}
	return values, nil
}
