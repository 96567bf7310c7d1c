// Copyright (c) 2026 Li Jinling. All rights reserved.
// This software may be modified and distributed under the terms
// of the BSD-3 Clause License. See the LICENSE file for details.

// Package control runs operator commands against one bollard while keeping
// the monitor away from it.
package control

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/ffutop/bollard-controller/internal/descriptor"
	"github.com/ffutop/bollard-controller/internal/device"
	"github.com/ffutop/bollard-controller/internal/monitor"
	"github.com/ffutop/bollard-controller/internal/pulse"
)

// refreshTimeout bounds the state read that follows every command.
const refreshTimeout = 10 * time.Second

type Command int

const (
	CommandRaise Command = iota
	CommandLower
	CommandLockUp
	CommandLockDown
	CommandUnlock
)

var commandNames = map[Command]string{
	CommandRaise:    "raise",
	CommandLower:    "lower",
	CommandLockUp:   "lock-up",
	CommandLockDown: "lock-down",
	CommandUnlock:   "unlock",
}

func (c Command) String() string {
	if s, ok := commandNames[c]; ok {
		return s
	}
	return fmt.Sprintf("command(%d)", int(c))
}

// ParseCommand accepts "raise", "lower", "lock-up", "lock-down" and "unlock".
// Underscores count as dashes.
func ParseCommand(s string) (Command, error) {
	n := strings.ReplaceAll(strings.ToLower(strings.TrimSpace(s)), "_", "-")
	for c, name := range commandNames {
		if name == n {
			return c, nil
		}
	}
	return 0, fmt.Errorf("unknown command %q", s)
}

// CommandError reports a failed command.
type CommandError struct {
	Device  string
	Command Command
	Err     error
}

func (e *CommandError) Error() string {
	return fmt.Sprintf("%s %s: %v", e.Command, e.Device, e.Err)
}

func (e *CommandError) Unwrap() error { return e.Err }

// Controller executes commands. Every command holds the device lock for its
// whole action, so polls and other commands on the same device wait.
type Controller struct {
	monitor *monitor.Monitor
	locks   *device.Locks
	writer  *device.Writer
	pulse   *pulse.Orchestrator
	settle  time.Duration
	logger  *slog.Logger
}

// New creates a Controller. settle is the wait between a command and the
// state read that follows it.
func New(mon *monitor.Monitor, locks *device.Locks, writer *device.Writer, orch *pulse.Orchestrator, settle time.Duration, logger *slog.Logger) *Controller {
	if logger == nil {
		logger = slog.Default()
	}
	return &Controller{
		monitor: mon,
		locks:   locks,
		writer:  writer,
		pulse:   orch,
		settle:  settle,
		logger:  logger.With("component", "control"),
	}
}

func (c *Controller) Raise(ctx context.Context, id string) error {
	return c.Execute(ctx, id, CommandRaise)
}

func (c *Controller) Lower(ctx context.Context, id string) error {
	return c.Execute(ctx, id, CommandLower)
}

func (c *Controller) LockUp(ctx context.Context, id string) error {
	return c.Execute(ctx, id, CommandLockUp)
}

func (c *Controller) LockDown(ctx context.Context, id string) error {
	return c.Execute(ctx, id, CommandLockDown)
}

func (c *Controller) Unlock(ctx context.Context, id string) error {
	return c.Execute(ctx, id, CommandUnlock)
}

// Execute pauses polling of id, runs cmd under the device lock and, once the
// lock is released, waits the settle delay, resumes polling and reads the
// device once so observers see the result.
func (c *Controller) Execute(ctx context.Context, id string, cmd Command) error {
	desc, ok := c.monitor.Descriptor(id)
	if !ok {
		return &CommandError{Device: id, Command: cmd, Err: monitor.ErrUnknownDevice}
	}

	c.monitor.Pause(id)
	defer c.refresh(ctx, id)

	start := time.Now()
	c.logger.Info("Executing command", "device", id, "command", cmd)
	if err := c.locked(ctx, desc, cmd); err != nil {
		c.logger.Error("Command failed", "device", id, "command", cmd, "err", err)
		return &CommandError{Device: id, Command: cmd, Err: err}
	}
	c.logger.Info("Command completed", "device", id, "command", cmd, "elapsed", time.Since(start))
	return nil
}

func (c *Controller) locked(ctx context.Context, d descriptor.Descriptor, cmd Command) error {
	release, err := c.locks.Acquire(ctx, d.ID)
	if err != nil {
		return err
	}
	defer release()
	return c.action(ctx, d, cmd)
}

func (c *Controller) action(ctx context.Context, d descriptor.Descriptor, cmd Command) error {
	switch cmd {
	case CommandRaise:
		if d.Has(descriptor.Raise) {
			return c.writer.WriteCoil(ctx, d, descriptor.Raise, true)
		}
		return c.writer.WriteCoil(ctx, d, descriptor.State, true)

	case CommandLower:
		if d.Has(descriptor.Lower) {
			_, err := c.pulse.Run(ctx, d)
			return err
		}
		return c.writer.WriteCoil(ctx, d, descriptor.State, false)

	case CommandLockUp:
		return c.force(ctx, d, descriptor.ForceDown, descriptor.ForceUp)

	case CommandLockDown:
		return c.force(ctx, d, descriptor.ForceUp, descriptor.ForceDown)

	case CommandUnlock:
		if !d.Has(descriptor.ForceUp) && !d.Has(descriptor.ForceDown) {
			return &descriptor.ConfigurationError{Device: d.ID, Field: "force_up/force_down", Reason: "no force function configured"}
		}
		var errs []error
		for _, fn := range []descriptor.Function{descriptor.ForceUp, descriptor.ForceDown} {
			if !d.Has(fn) {
				continue
			}
			if err := c.writer.WriteCoil(ctx, d, fn, false); err != nil {
				errs = append(errs, err)
				if ctx.Err() != nil {
					break
				}
			}
		}
		return errors.Join(errs...)
	}
	return fmt.Errorf("unsupported command %v", cmd)
}

// force clears the opposite force bit, when configured, then sets fn.
func (c *Controller) force(ctx context.Context, d descriptor.Descriptor, opposite, fn descriptor.Function) error {
	if _, err := d.RequireWritable(fn); err != nil {
		return err
	}
	if d.Has(opposite) {
		if err := c.writer.WriteCoil(ctx, d, opposite, false); err != nil {
			return fmt.Errorf("clear %s: %w", opposite, err)
		}
	}
	return c.writer.WriteCoil(ctx, d, fn, true)
}

// refresh runs after every command, failed or not.
func (c *Controller) refresh(ctx context.Context, id string) {
	if c.settle > 0 {
		t := time.NewTimer(c.settle)
		select {
		case <-t.C:
		case <-ctx.Done():
			t.Stop()
		}
	}
	c.monitor.Resume(id)

	rctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), refreshTimeout)
	defer cancel()
	_, err := c.monitor.PollNow(rctx, id)
	switch {
	case errors.Is(err, monitor.ErrPaused):
		c.logger.Debug("Skipped post-command read, another command is running", "device", id)
	case err != nil:
		c.logger.Warn("Post-command read failed", "device", id, "err", err)
	}
}
