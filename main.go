// Copyright (c) 2025 Li Jinling. All rights reserved.
// This software may be modified and distributed under the terms
// of the BSD-3 Clause License. See the LICENSE file for details.

package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/goccy/go-json"
	"github.com/spf13/pflag"

	"github.com/ffutop/bollard-controller/internal/config"
	"github.com/ffutop/bollard-controller/internal/control"
	"github.com/ffutop/bollard-controller/internal/device"
	"github.com/ffutop/bollard-controller/internal/service"
)

func main() {
	opts, err := parseOptions(os.Args[1:])
	if errors.Is(err, pflag.ErrHelp) {
		os.Exit(0)
	}
	if err != nil {
		fmt.Printf("Invalid arguments: %v\n", err)
		os.Exit(2)
	}

	// Load Configuration
	store, err := config.Load(opts.ConfigFile)
	if err != nil {
		fmt.Printf("Failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	logCfg := store.Config().Log
	if opts.LogLevel != "" {
		logCfg.Level = opts.LogLevel
	}
	setupLogger(logCfg)

	svc, err := service.New(store, slog.Default())
	if err != nil {
		slog.Error("Failed to start", "err", err)
		os.Exit(1)
	}
	defer svc.Close()

	if opts.OneShot() {
		if err := runOnce(svc, opts); err != nil {
			slog.Error("Command failed", "device", opts.Device, "err", err)
			svc.Close()
			os.Exit(1)
		}
		return
	}

	slog.Info("Starting bollard controller...", "devices", len(store.DeviceIDs()))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	done := make(chan error, 1)
	go func() { done <- svc.Run(ctx) }()

	// Wait for Signal
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM, syscall.SIGHUP)
	for {
		select {
		case sig := <-sigChan:
			if sig == syscall.SIGHUP {
				if err := svc.Reload(); err != nil {
					slog.Error("Reload failed, keeping current configuration", "err", err)
				}
				continue
			}
			slog.Info("Shutting down...")
			cancel()
			if err := <-done; err != nil {
				slog.Error("Controller stopped with error", "err", err)
			}
			slog.Info("Goodbye.")
			return
		case err := <-done:
			if err != nil {
				slog.Error("Controller stopped with error", "err", err)
				svc.Close()
				os.Exit(1)
			}
			return
		}
	}
}

// runOnce reads or commands one device and prints its state as JSON.
func runOnce(svc *service.Service, opts *Options) error {
	ctx, cancel := context.WithTimeout(context.Background(), opts.Timeout)
	defer cancel()

	var st device.State
	var err error
	if opts.Command == "" {
		st, err = svc.Read(ctx, opts.Device)
	} else {
		cmd, _ := control.ParseCommand(opts.Command)
		st, err = svc.Execute(ctx, opts.Device, cmd)
	}
	if err != nil {
		return err
	}

	out, err := json.MarshalIndent(struct {
		Device string       `json:"device"`
		State  device.State `json:"state"`
	}{opts.Device, st}, "", "  ")
	if err != nil {
		return err
	}
	fmt.Println(string(out))
	return nil
}

func setupLogger(cfg config.LogConfig) {
	opts := &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}
	switch cfg.Level {
	case "debug":
		opts.Level = slog.LevelDebug
	case "warn":
		opts.Level = slog.LevelWarn
	case "error":
		opts.Level = slog.LevelError
	}

	var handler slog.Handler
	if cfg.File != "" && cfg.File != "-" {
		f, err := os.OpenFile(cfg.File, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
		if err != nil {
			fmt.Printf("Failed to open log file, falling back to stderr: %v\n", err)
			handler = slog.NewTextHandler(os.Stderr, opts)
		} else {
			handler = slog.NewTextHandler(f, opts)
		}
	} else {
		handler = slog.NewTextHandler(os.Stderr, opts)
	}
	slog.SetDefault(slog.New(handler))
}
