// Copyright (c) 2025 Li Jinling. All rights reserved.
// This software may be modified and distributed under the terms
// of the BSD-3 Clause License. See the LICENSE file for details.

package persistence

import (
	"fmt"

	"github.com/ffutop/bollard-controller/internal/simulator/model"
)

// Storage defines the interface for persisting a simulated device's bit tables.
type Storage interface {
	// Load loads the data model from storage.
	// If no data exists, it returns a new zeroed model.
	Load() (*model.DataModel, error)

	// Save saves the current data model to storage.
	Save(model *model.DataModel) error

	// OnWrite is a hook called whenever bits are modified.
	// It allows the storage to perform real-time persistence.
	OnWrite(table model.TableType, address, quantity uint16)

	Close() error
}

// Config selects a storage backend.
type Config struct {
	Type string `mapstructure:"type"` // "memory", "file", "mmap", "sqlite"
	Path string `mapstructure:"path"` // File path or DSN for the persistent types
}

// New builds the storage described by cfg. An empty type means memory.
func New(cfg Config) (Storage, error) {
	switch cfg.Type {
	case "", "memory":
		return NewMemoryStorage(), nil
	case "file":
		return NewFileStorage(cfg.Path), nil
	case "mmap":
		return NewMmapStorage(cfg.Path), nil
	case "sqlite":
		return NewSQLStorage(cfg.Path), nil
	}
	return nil, fmt.Errorf("unknown persistence type %q", cfg.Type)
}
