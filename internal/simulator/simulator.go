// Copyright (c) 2025 Li Jinling. All rights reserved.
// This software may be modified and distributed under the terms
// of the BSD-3 Clause License. See the LICENSE file for details.

// Package simulator implements an in-process bollard controller that answers
// FC1, FC2 and FC5 from its own bit tables.
package simulator

import (
	"context"
	"encoding/binary"
	"fmt"
	"log/slog"
	"sync"

	"github.com/ffutop/bollard-controller/internal/simulator/model"
	"github.com/ffutop/bollard-controller/internal/simulator/persistence"
	"github.com/ffutop/bollard-controller/modbus"
)

// Link makes a coil write drive another bit, the way a real controller moves
// the bollard and updates its position input after a command.
type Link struct {
	Coil   uint16 `mapstructure:"coil"`   // coil whose write triggers the link
	When   bool   `mapstructure:"when"`   // value written that triggers it
	Table  string `mapstructure:"table"`  // "coil" (default) or "discrete"
	Target uint16 `mapstructure:"target"` // bit to update
	Set    bool   `mapstructure:"set"`    // value stored into the target
}

// Config describes one simulated device.
type Config struct {
	Name        string             `mapstructure:"name"`
	Listen      string             `mapstructure:"listen"`  // optional host:port to serve on
	Framing     string             `mapstructure:"framing"` // "tcp" (default) or "rtu-over-tcp"
	Persistence persistence.Config `mapstructure:"persistence"`
	Links       []Link             `mapstructure:"links"`
	Coils       []uint16           `mapstructure:"coils"`    // coils switched on at start
	Discrete    []uint16           `mapstructure:"discrete"` // discrete inputs switched on at start
}

// Device is one simulated bollard controller. It answers every unit id.
type Device struct {
	Name string

	mu      sync.Mutex // serializes writes with their persistence hooks
	model   *model.DataModel
	storage persistence.Storage
	links   []Link
	logger  *slog.Logger
}

// New loads the device's tables from storage and applies the initial values.
func New(cfg Config, logger *slog.Logger) (*Device, error) {
	if logger == nil {
		logger = slog.Default()
	}
	storage, err := persistence.New(cfg.Persistence)
	if err != nil {
		return nil, fmt.Errorf("simulator %s: %w", cfg.Name, err)
	}
	m, err := storage.Load()
	if err != nil {
		return nil, fmt.Errorf("simulator %s: %w", cfg.Name, err)
	}
	for _, l := range cfg.Links {
		if l.Table != "" && l.Table != "coil" && l.Table != "discrete" {
			storage.Close()
			return nil, fmt.Errorf("simulator %s: link on coil %d: unknown table %q", cfg.Name, l.Coil, l.Table)
		}
	}
	d := &Device{
		Name:    cfg.Name,
		model:   m,
		storage: storage,
		links:   cfg.Links,
		logger:  logger.With("component", "simulator", "device", cfg.Name),
	}
	for _, addr := range cfg.Coils {
		d.Set(model.TableCoils, addr, true)
	}
	for _, addr := range cfg.Discrete {
		d.Set(model.TableDiscreteInputs, addr, true)
	}
	return d, nil
}

// Process executes the Modbus function code against the bit tables.
// Protocol violations are answered with exception PDUs, never errors.
func (d *Device) Process(unitID byte, req modbus.ProtocolDataUnit) (modbus.ProtocolDataUnit, error) {
	switch req.FunctionCode {
	case modbus.FuncCodeReadCoils:
		return d.handleReadBits(model.TableCoils, req), nil
	case modbus.FuncCodeReadDiscreteInputs:
		return d.handleReadBits(model.TableDiscreteInputs, req), nil
	case modbus.FuncCodeWriteSingleCoil:
		return d.handleWriteSingleCoil(req), nil
	default:
		return exception(req.FunctionCode, modbus.ExceptionCodeIllegalFunction), nil
	}
}

// Handle adapts Process to transport.Handler for the network servers.
func (d *Device) Handle(ctx context.Context, slaveID byte, req modbus.ProtocolDataUnit) (modbus.ProtocolDataUnit, error) {
	return d.Process(slaveID, req)
}

func (d *Device) handleReadBits(table model.TableType, req modbus.ProtocolDataUnit) modbus.ProtocolDataUnit {
	if len(req.Data) != 4 {
		return exception(req.FunctionCode, modbus.ExceptionCodeIllegalDataValue)
	}
	address := binary.BigEndian.Uint16(req.Data[0:2])
	quantity := binary.BigEndian.Uint16(req.Data[2:4])

	if quantity < 1 || quantity > modbus.MaxReadBits {
		return exception(req.FunctionCode, modbus.ExceptionCodeIllegalDataValue)
	}

	data, err := d.model.ReadBits(table, address, quantity)
	if err != nil {
		return exception(req.FunctionCode, modbus.ExceptionCodeIllegalDataAddress)
	}

	respData := make([]byte, 1+len(data))
	respData[0] = byte(len(data))
	copy(respData[1:], data)

	return modbus.ProtocolDataUnit{
		FunctionCode: req.FunctionCode,
		Data:         respData,
	}
}

func (d *Device) handleWriteSingleCoil(req modbus.ProtocolDataUnit) modbus.ProtocolDataUnit {
	if len(req.Data) != 4 {
		return exception(req.FunctionCode, modbus.ExceptionCodeIllegalDataValue)
	}
	address := binary.BigEndian.Uint16(req.Data[0:2])
	value := binary.BigEndian.Uint16(req.Data[2:4])

	d.mu.Lock()
	defer d.mu.Unlock()
	if err := d.model.WriteSingleCoil(address, value); err != nil {
		return exception(req.FunctionCode, modbus.ExceptionCodeIllegalDataValue)
	}
	d.storage.OnWrite(model.TableCoils, address, 1)
	d.logger.Debug("Coil written", "address", address, "on", value == modbus.CoilOn)

	on := value == modbus.CoilOn
	for _, l := range d.links {
		if l.Coil != address || l.When != on {
			continue
		}
		table := model.TableCoils
		if l.Table == "discrete" {
			table = model.TableDiscreteInputs
		}
		d.model.SetBit(table, l.Target, l.Set)
		d.storage.OnWrite(table, l.Target, 1)
	}

	return req // Echo request
}

// Set drives a bit directly, as the physical device would.
func (d *Device) Set(table model.TableType, address uint16, on bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.model.SetBit(table, address, on)
	d.storage.OnWrite(table, address, 1)
}

// Bit reads a bit directly.
func (d *Device) Bit(table model.TableType, address uint16) bool {
	return d.model.Bit(table, address)
}

// Close saves and releases the storage.
func (d *Device) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if err := d.storage.Save(d.model); err != nil {
		d.logger.Error("Failed to save simulator state", "err", err)
	}
	return d.storage.Close()
}

func exception(functionCode, exceptionCode byte) modbus.ProtocolDataUnit {
	return modbus.ProtocolDataUnit{
		FunctionCode: functionCode | 0x80,
		Data:         []byte{exceptionCode},
	}
}
