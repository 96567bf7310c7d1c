// Copyright (c) 2026 Li Jinling. All rights reserved.
// This software may be modified and distributed under the terms
// of the BSD-3 Clause License. See the LICENSE file for details.

// Package service builds the controller from its configuration and runs it.
package service

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"os"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/ffutop/bollard-controller/internal/config"
	"github.com/ffutop/bollard-controller/internal/control"
	"github.com/ffutop/bollard-controller/internal/device"
	"github.com/ffutop/bollard-controller/internal/metrics"
	"github.com/ffutop/bollard-controller/internal/monitor"
	"github.com/ffutop/bollard-controller/internal/pulse"
	"github.com/ffutop/bollard-controller/internal/simulator"
	"github.com/ffutop/bollard-controller/internal/sink"
	"github.com/ffutop/bollard-controller/transport"
	"github.com/ffutop/bollard-controller/transport/local"
	"github.com/ffutop/bollard-controller/transport/rtu"
	rtuovertcp "github.com/ffutop/bollard-controller/transport/rtu-over-tcp"
	"github.com/ffutop/bollard-controller/transport/tcp"
)

const shutdownTimeout = 5 * time.Second

// Service owns every component of a running controller.
type Service struct {
	Monitor *monitor.Monitor
	Control *control.Controller

	store    *config.Store
	logger   *slog.Logger
	registry *prometheus.Registry
	local    *local.Dialer

	simulators []*simulator.Device
	listeners  []*simulator.Listener
	closers    []io.Closer
}

// New wires the components for the configuration held by store. Simulated
// devices are created and registered for the "local" transport; the ones
// with a listen address are served by Run.
func New(store *config.Store, logger *slog.Logger) (*Service, error) {
	if logger == nil {
		logger = slog.Default()
	}
	cfg := store.Config()
	s := &Service{
		store:    store,
		logger:   logger.With("component", "service"),
		registry: prometheus.NewRegistry(),
	}
	s.registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	m := metrics.New(s.registry)

	var tap transport.Tap
	if cfg.Log.Wire {
		tap = transport.LogTap{Logger: logger.With("component", "wire")}
	}
	t := cfg.Timing
	s.local = local.NewDialer(tap)
	dialer := transport.Mux{
		transport.KindTCP:        tcp.NewDialer(t.ConnectTimeout, t.OperationTimeout, tap),
		transport.KindRTUOverTCP: rtuovertcp.NewDialer(t.ConnectTimeout, t.OperationTimeout, tap),
		transport.KindRTU:        rtu.NewDialer(t.OperationTimeout, tap),
		transport.KindLocal:      s.local,
	}

	if err := s.startSimulators(cfg.Simulator.Devices); err != nil {
		s.Close()
		return nil, err
	}

	events, err := s.sinks(cfg.Events)
	if err != nil {
		s.Close()
		return nil, err
	}

	locks := device.NewLocks()
	reader := device.NewReader(dialer, t.UseBulkRead, logger, m)
	writer := device.NewWriter(dialer, t.WriteRetries, t.RetryDelay, logger, m)
	orch := pulse.NewOrchestrator(reader, writer, pulse.Config{
		ConfirmTimeout: t.PulseConfirmTimeout,
		ConfirmPoll:    t.PulseConfirmPoll,
		Settle:         t.PulseSettle,
	}, logger, m)

	s.Monitor, err = monitor.New(store, reader, locks, events, monitor.Config{
		PollInterval:      t.PollInterval,
		HeartbeatInterval: t.HeartbeatInterval,
		OfflineBackoff:    t.OfflineBackoff,
	}, logger, m)
	if err != nil {
		s.Close()
		return nil, err
	}
	s.Control = control.New(s.Monitor, locks, writer, orch, t.SettleDelay, logger)
	return s, nil
}

func (s *Service) startSimulators(cfgs []simulator.Config) error {
	for _, c := range cfgs {
		sim, err := simulator.New(c, s.logger)
		if err != nil {
			return err
		}
		s.simulators = append(s.simulators, sim)
		s.local.Register(c.Name, sim)
		if c.Listen == "" {
			continue
		}
		l, err := sim.Listen(c.Listen, c.Framing)
		if err != nil {
			return fmt.Errorf("simulator %s: %w", c.Name, err)
		}
		s.listeners = append(s.listeners, l)
	}
	return nil
}

func (s *Service) sinks(cfg config.EventsConfig) (sink.Sink, error) {
	sinks := sink.Multi{sink.LogSink{Logger: s.logger.With("component", "events")}}
	switch cfg.File {
	case "":
	case "-":
		sinks = append(sinks, sink.NewJSONLines(os.Stdout))
	default:
		f, err := os.OpenFile(cfg.File, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
		if err != nil {
			return nil, fmt.Errorf("failed to open events file: %w", err)
		}
		s.closers = append(s.closers, f)
		sinks = append(sinks, sink.NewJSONLines(f))
	}
	return sinks, nil
}

// MetricsHandler serves the Prometheus registry of this service.
func (s *Service) MetricsHandler() http.Handler {
	return promhttp.HandlerFor(s.registry, promhttp.HandlerOpts{})
}

// Run serves the simulators and the metrics endpoint and polls until ctx is
// done.
func (s *Service) Run(ctx context.Context) error {
	var wg sync.WaitGroup
	for _, l := range s.listeners {
		wg.Add(1)
		go func(l *simulator.Listener) {
			defer wg.Done()
			if err := l.Serve(ctx); err != nil {
				s.logger.Error("Simulator stopped with error", "addr", l.Addr(), "err", err)
			}
		}(l)
	}

	if addr := s.store.Config().Metrics.Listen; addr != "" {
		wg.Add(1)
		go func() {
			defer wg.Done()
			s.serveMetrics(ctx, addr)
		}()
	}

	err := s.Monitor.Run(ctx)
	wg.Wait()
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

func (s *Service) serveMetrics(ctx context.Context, addr string) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", s.MetricsHandler())
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}

	go func() {
		<-ctx.Done()
		sctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		srv.Shutdown(sctx)
	}()

	s.logger.Info("Serving metrics", "addr", addr)
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		s.logger.Error("Metrics server stopped with error", "err", err)
	}
}

// Reload re-reads the configuration file and applies the device list.
// Timing, simulator and sink settings need a restart.
func (s *Service) Reload() error {
	if err := s.store.Reload(); err != nil {
		return err
	}
	if err := s.Monitor.Reload(); err != nil {
		return err
	}
	s.logger.Info("Configuration reloaded", "devices", len(s.Monitor.DeviceIDs()))
	return nil
}

// Execute runs one command and returns the state read after it.
func (s *Service) Execute(ctx context.Context, id string, cmd control.Command) (device.State, error) {
	if err := s.Control.Execute(ctx, id, cmd); err != nil {
		return device.State{}, err
	}
	st, _ := s.Monitor.State(id)
	return st, nil
}

// Read polls one device once.
func (s *Service) Read(ctx context.Context, id string) (device.State, error) {
	return s.Monitor.PollNow(ctx, id)
}

// Close releases simulators and event files.
func (s *Service) Close() error {
	var errs []error
	for _, l := range s.listeners {
		if err := l.Close(); err != nil && !errors.Is(err, net.ErrClosed) {
			errs = append(errs, err)
		}
	}
	for _, sim := range s.simulators {
		if err := sim.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	for _, c := range s.closers {
		if err := c.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	s.listeners, s.simulators, s.closers = nil, nil, nil
	return errors.Join(errs...)
}
