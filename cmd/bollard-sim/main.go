// Copyright (c) 2026 Li Jinling. All rights reserved.
// This software may be modified and distributed under the terms
// of the BSD-3 Clause License. See the LICENSE file for details.

// Command bollard-sim serves simulated bollard controllers over Modbus TCP
// or RTU over TCP.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"sync"
	"syscall"

	"github.com/spf13/pflag"

	"github.com/ffutop/bollard-controller/internal/config"
	"github.com/ffutop/bollard-controller/internal/simulator"
)

func main() {
	var (
		configFile string
		single     simulator.Config
		on         []uint
	)
	fs := pflag.NewFlagSet("bollard-sim", pflag.ContinueOnError)
	fs.StringVarP(&configFile, "config", "c", "", "Serve every simulator.devices entry with a listen address from this file.")
	fs.StringVar(&single.Name, "name", "sim", "Device name.")
	fs.StringVarP(&single.Listen, "listen", "l", "127.0.0.1:1502", "Address to serve on.")
	fs.StringVar(&single.Framing, "framing", "tcp", "tcp or rtu-over-tcp.")
	fs.StringVar(&single.Persistence.Type, "store", "", "Bit storage: memory (default), file, mmap, sqlite.")
	fs.StringVar(&single.Persistence.Path, "store-path", "", "Storage file for file, mmap and sqlite.")
	fs.UintSliceVar(&on, "on", nil, "Coils switched on at start.")
	if err := fs.Parse(os.Args[1:]); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return
		}
		os.Exit(2)
	}
	for _, c := range on {
		single.Coils = append(single.Coils, uint16(c))
	}

	cfgs := []simulator.Config{single}
	if configFile != "" {
		cfg, err := config.LoadConfig(configFile)
		if err != nil {
			fmt.Printf("Failed to load configuration: %v\n", err)
			os.Exit(1)
		}
		cfgs = cfgs[:0]
		for _, c := range cfg.Simulator.Devices {
			if c.Listen != "" {
				cfgs = append(cfgs, c)
			}
		}
	}
	if len(cfgs) == 0 {
		slog.Error("No simulator with a listen address configured")
		os.Exit(1)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()
	if err := serve(ctx, cfgs); err != nil {
		slog.Error("Simulator failed", "err", err)
		os.Exit(1)
	}
}

func serve(ctx context.Context, cfgs []simulator.Config) error {
	var devices []*simulator.Device
	defer func() {
		for _, d := range devices {
			if err := d.Close(); err != nil {
				slog.Error("Failed to close simulator", "name", d.Name, "err", err)
			}
		}
	}()

	var listeners []*simulator.Listener
	for _, c := range cfgs {
		d, err := simulator.New(c, slog.Default())
		if err != nil {
			return err
		}
		devices = append(devices, d)
		l, err := d.Listen(c.Listen, c.Framing)
		if err != nil {
			return err
		}
		listeners = append(listeners, l)
	}

	var wg sync.WaitGroup
	for _, l := range listeners {
		wg.Add(1)
		go func(l *simulator.Listener) {
			defer wg.Done()
			if err := l.Serve(ctx); err != nil {
				slog.Error("Listener stopped with error", "addr", l.Addr(), "err", err)
			}
		}(l)
	}
	<-ctx.Done()
	slog.Info("Shutting down...")
	wg.Wait()
	return nil
}
