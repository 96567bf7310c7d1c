// Copyright (c) 2025-2026 Li Jinling. All rights reserved.
// This software may be modified and distributed under the terms
// of the BSD-3 Clause License. See the LICENSE file for details.

package config

import (
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/spf13/viper"

	"github.com/ffutop/bollard-controller/internal/descriptor"
	"github.com/ffutop/bollard-controller/internal/simulator"
	"github.com/ffutop/bollard-controller/transport"
)

// Config defines the global configuration structure
type Config struct {
	Log       LogConfig               `mapstructure:"log"`
	Timing    TimingConfig            `mapstructure:"timing"`
	Metrics   MetricsConfig           `mapstructure:"metrics"`
	Events    EventsConfig            `mapstructure:"events"`
	Devices   []descriptor.DeviceSpec `mapstructure:"devices"`
	Simulator SimulatorConfig         `mapstructure:"simulator"`
}

// LogConfig defines logging configuration
type LogConfig struct {
	Level string `mapstructure:"level"` // debug, info, warn, error
	File  string `mapstructure:"file"`  // Log file path
	Wire  bool   `mapstructure:"wire"`  // Log every frame at debug level
}

// TimingConfig holds the timeouts and intervals shared by all devices.
type TimingConfig struct {
	ConnectTimeout      time.Duration `mapstructure:"connect_timeout"`
	OperationTimeout    time.Duration `mapstructure:"operation_timeout"`
	PollInterval        time.Duration `mapstructure:"poll_interval"`
	HeartbeatInterval   time.Duration `mapstructure:"heartbeat_interval"` // 0 means poll_interval
	WriteRetries        int           `mapstructure:"write_retries"`      // attempts, not extra retries
	RetryDelay          time.Duration `mapstructure:"retry_delay"`
	UseBulkRead         bool          `mapstructure:"use_bulk_read"`
	PulseConfirmTimeout time.Duration `mapstructure:"pulse_confirm_timeout"`
	PulseConfirmPoll    time.Duration `mapstructure:"pulse_confirm_poll"`
	PulseSettle         time.Duration `mapstructure:"pulse_settle"`
	OfflineBackoff      time.Duration `mapstructure:"offline_backoff"`
	SettleDelay         time.Duration `mapstructure:"settle_delay"`
}

// MetricsConfig defines the Prometheus endpoint
type MetricsConfig struct {
	Listen string `mapstructure:"listen"` // e.g. ":9102"; empty disables
}

// EventsConfig selects where state events are written as JSON lines.
type EventsConfig struct {
	File string `mapstructure:"file"` // "-" for stdout; empty disables
}

// SimulatorConfig lists the simulated devices started with the controller.
type SimulatorConfig struct {
	Devices []simulator.Config `mapstructure:"devices"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("log.level", "info")
	v.SetDefault("timing.connect_timeout", 5*time.Second)
	v.SetDefault("timing.operation_timeout", 2*time.Second)
	v.SetDefault("timing.poll_interval", 3*time.Second)
	v.SetDefault("timing.write_retries", 3)
	v.SetDefault("timing.retry_delay", 500*time.Millisecond)
	v.SetDefault("timing.use_bulk_read", true)
	v.SetDefault("timing.pulse_confirm_timeout", 10*time.Second)
	v.SetDefault("timing.pulse_confirm_poll", 200*time.Millisecond)
	v.SetDefault("timing.pulse_settle", 300*time.Millisecond)
	v.SetDefault("timing.offline_backoff", 10*time.Second)
	v.SetDefault("timing.settle_delay", time.Second)
}

// LoadConfig loads configuration from file
func LoadConfig(configFile string) (*Config, error) {
	v := viper.New()

	if configFile != "" {
		v.SetConfigFile(configFile)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath("/etc/bollard/")
		v.AddConfigPath("$HOME/.bollard")
		v.AddConfigPath(".")
	}

	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); ok {
			return nil, fmt.Errorf("failed to find config file: %w", err)
		}
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	var config Config
	if err := v.Unmarshal(&config); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if config.Timing.HeartbeatInterval == 0 {
		config.Timing.HeartbeatInterval = config.Timing.PollInterval
	}
	for i := range config.Devices {
		fixupSerial(&config.Devices[i].Serial)
	}
	if err := config.validate(); err != nil {
		return nil, err
	}
	return &config, nil
}

// fixupSerial accepts parity in either case.
func fixupSerial(s *transport.SerialConfig) {
	s.Parity = strings.ToUpper(s.Parity)
}

func (c *Config) validate() error {
	t := c.Timing
	positive := map[string]time.Duration{
		"timing.connect_timeout":       t.ConnectTimeout,
		"timing.operation_timeout":     t.OperationTimeout,
		"timing.poll_interval":         t.PollInterval,
		"timing.heartbeat_interval":    t.HeartbeatInterval,
		"timing.pulse_confirm_timeout": t.PulseConfirmTimeout,
		"timing.pulse_confirm_poll":    t.PulseConfirmPoll,
	}
	for key, d := range positive {
		if d <= 0 {
			return fmt.Errorf("%s must be positive, got %s", key, d)
		}
	}
	nonNegative := map[string]time.Duration{
		"timing.retry_delay":     t.RetryDelay,
		"timing.pulse_settle":    t.PulseSettle,
		"timing.offline_backoff": t.OfflineBackoff,
		"timing.settle_delay":    t.SettleDelay,
	}
	for key, d := range nonNegative {
		if d < 0 {
			return fmt.Errorf("%s must not be negative, got %s", key, d)
		}
	}
	if t.WriteRetries < 1 {
		return fmt.Errorf("timing.write_retries must be at least 1, got %d", t.WriteRetries)
	}

	names := make(map[string]bool)
	for _, sim := range c.Simulator.Devices {
		if sim.Name == "" {
			return errors.New("simulator device without name")
		}
		if names[sim.Name] {
			return fmt.Errorf("simulator device %q configured twice", sim.Name)
		}
		names[sim.Name] = true
	}
	return nil
}

// Store holds the loaded configuration and the device descriptors built
// from it. It is safe for concurrent use.
type Store struct {
	path string

	mu    sync.RWMutex
	cfg   *Config
	ids   []string
	descs map[string]descriptor.Descriptor
}

// Load reads configFile (or searches the default paths when empty) and
// resolves every device.
func Load(configFile string) (*Store, error) {
	s := &Store{path: configFile}
	if err := s.Reload(); err != nil {
		return nil, err
	}
	return s, nil
}

// Reload re-reads the file. On error the previous configuration is kept.
func (s *Store) Reload() error {
	cfg, err := LoadConfig(s.path)
	if err != nil {
		return err
	}
	ids := make([]string, 0, len(cfg.Devices))
	descs := make(map[string]descriptor.Descriptor, len(cfg.Devices))
	for _, spec := range cfg.Devices {
		d, err := descriptor.Resolve(spec)
		if err != nil {
			return fmt.Errorf("device %q: %w", spec.ID, err)
		}
		if _, dup := descs[d.ID]; dup {
			return fmt.Errorf("device %q configured twice", d.ID)
		}
		ids = append(ids, d.ID)
		descs[d.ID] = d
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.cfg = cfg
	s.ids = ids
	s.descs = descs
	return nil
}

// Config returns the current configuration. Callers must not modify it.
func (s *Store) Config() *Config {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.cfg
}

// DeviceIDs returns the configured devices in file order.
func (s *Store) DeviceIDs() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]string(nil), s.ids...)
}

// Descriptor returns the resolved descriptor of id.
func (s *Store) Descriptor(id string) (descriptor.Descriptor, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	d, ok := s.descs[id]
	if !ok {
		return descriptor.Descriptor{}, fmt.Errorf("device %q not configured", id)
	}
	return d, nil
}
