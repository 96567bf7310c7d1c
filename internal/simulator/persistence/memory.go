// Copyright (c) 2025 Li Jinling. All rights reserved.
// This software may be modified and distributed under the terms
// of the BSD-3 Clause License. See the LICENSE file for details.

package persistence

import "github.com/ffutop/bollard-controller/internal/simulator/model"

// MemoryStorage keeps nothing; every start is a bollard with all bits off.
type MemoryStorage struct{}

func NewMemoryStorage() *MemoryStorage { return &MemoryStorage{} }

func (MemoryStorage) Load() (*model.DataModel, error)                  { return model.NewDataModel(), nil }
func (MemoryStorage) Save(*model.DataModel) error                      { return nil }
func (MemoryStorage) OnWrite(table model.TableType, address, n uint16) {}
func (MemoryStorage) Close() error                                     { return nil }
