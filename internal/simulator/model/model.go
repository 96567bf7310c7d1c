// Copyright (c) 2025 Li Jinling. All rights reserved.
// This software may be modified and distributed under the terms
// of the BSD-3 Clause License. See the LICENSE file for details.

package model

import (
	"fmt"
	"sync"
)

const (
	MaxAddress = 65535
)

// TableType represents the type of Modbus bit table.
type TableType int

const (
	TableCoils TableType = iota
	TableDiscreteInputs
)

func (t TableType) String() string {
	if t == TableDiscreteInputs {
		return "discrete"
	}
	return "coil"
}

// DataModel holds the bit tables of a simulated bollard controller.
// It uses a flat memory model covering the full 16-bit address space,
// one byte per bit, 1 for ON and 0 for OFF.
type DataModel struct {
	mu sync.RWMutex

	// 0x Coils (Read/Write).
	Coils []byte
	// 1x Discrete Inputs (Read Only on the wire).
	DiscreteInputs []byte
}

// NewDataModel creates a new memory model initialized to zero.
func NewDataModel() *DataModel {
	return &DataModel{
		Coils:          make([]byte, MaxAddress+1),
		DiscreteInputs: make([]byte, MaxAddress+1),
	}
}

func (m *DataModel) table(t TableType) []byte {
	if t == TableDiscreteInputs {
		return m.DiscreteInputs
	}
	return m.Coils
}

// ReadBits reads a range of bits and returns them packed, LSB first (Modbus format).
func (m *DataModel) ReadBits(t TableType, address, quantity uint16) ([]byte, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if err := validateRange(address, quantity); err != nil {
		return nil, err
	}

	table := m.table(t)
	result := make([]byte, (int(quantity)+7)/8)
	for i := 0; i < int(quantity); i++ {
		if table[int(address)+i] != 0 {
			result[i/8] |= 1 << uint(i%8)
		}
	}
	return result, nil
}

// WriteSingleCoil writes a single coil. value must be 0xFF00 (ON) or 0x0000 (OFF).
func (m *DataModel) WriteSingleCoil(address uint16, value uint16) error {
	var on byte
	switch value {
	case 0xFF00:
		on = 1
	case 0x0000:
	default:
		return fmt.Errorf("illegal coil value 0x%04X", value)
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	m.Coils[address] = on
	return nil
}

// Bit returns one bit.
func (m *DataModel) Bit(t TableType, address uint16) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.table(t)[address] != 0
}

// SetBit sets one bit regardless of table; used to drive simulated inputs.
func (m *DataModel) SetBit(t TableType, address uint16, on bool) {
	var v byte
	if on {
		v = 1
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.table(t)[address] = v
}

func validateRange(address, quantity uint16) error {
	if quantity == 0 {
		return fmt.Errorf("quantity must be greater than 0")
	}
	// address is 0-based.
	if int(address)+int(quantity) > MaxAddress+1 {
		return fmt.Errorf("address range out of bounds")
	}
	return nil
}
