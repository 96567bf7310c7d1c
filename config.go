// Copyright (c) 2025 Li Jinling. All rights reserved.
// This software may be modified and distributed under the terms
// of the BSD-3 Clause License. See the LICENSE file for details.

package main

import (
	"fmt"
	"time"

	"github.com/spf13/pflag"

	"github.com/ffutop/bollard-controller/internal/control"
)

// Options holds the command line.
type Options struct {
	ConfigFile string
	LogLevel   string // overrides log.level when set
	Device     string // one-shot mode: read or command this device and exit
	Command    string
	Timeout    time.Duration
}

// OneShot reports whether the controller should act on one device and exit.
func (o *Options) OneShot() bool { return o.Device != "" }

// parseOptions parses args, which exclude the program name.
func parseOptions(args []string) (*Options, error) {
	var o Options
	fs := pflag.NewFlagSet("bollard-controller", pflag.ContinueOnError)
	fs.StringVarP(&o.ConfigFile, "config", "c", "", "Configuration file path.")
	fs.StringVarP(&o.LogLevel, "log_level", "v", "", "Log verbosity level (debug, info, warn, error).")
	fs.StringVarP(&o.Device, "device", "d", "", "Read or command a single device, then exit.")
	fs.StringVar(&o.Command, "command", "", "Command for --device: raise, lower, lock-up, lock-down, unlock.")
	fs.DurationVar(&o.Timeout, "timeout", 30*time.Second, "Time limit for one-shot mode.")
	if err := fs.Parse(args); err != nil {
		return nil, err
	}
	if fs.NArg() > 0 {
		return nil, fmt.Errorf("unexpected arguments: %v", fs.Args())
	}
	if o.Command != "" {
		if o.Device == "" {
			return nil, fmt.Errorf("--command needs --device")
		}
		if _, err := control.ParseCommand(o.Command); err != nil {
			return nil, err
		}
	}
	return &o, nil
}
