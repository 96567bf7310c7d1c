// Copyright (c) 2025 Li Jinling. All rights reserved.
// This software may be modified and distributed under the terms
// of the BSD-3 Clause License. See the LICENSE file for details.

package descriptor

import (
	"fmt"
	"strings"

	"github.com/ffutop/bollard-controller/modbus"
)

// Function is a logical bollard signal bound to one bit.
type Function int

const (
	// State is the raised/lowered position.
	State Function = iota
	// Raise commands the bollard up.
	Raise
	// Lower is the momentary lower command.
	Lower
	ForceUp
	ForceDown
	// FaultSensor reads true while the fault sensor confirms a raised bollard is healthy.
	FaultSensor

	numFunctions
)

var functionNames = [numFunctions]string{
	State:       "state",
	Raise:       "raise",
	Lower:       "lower",
	ForceUp:     "force_up",
	ForceDown:   "force_down",
	FaultSensor: "fault_sensor",
}

// Functions lists every function in declaration order.
func Functions() []Function {
	fns := make([]Function, numFunctions)
	for i := range fns {
		fns[i] = Function(i)
	}
	return fns
}

func (f Function) String() string {
	if f < 0 || f >= numFunctions {
		return fmt.Sprintf("function(%d)", int(f))
	}
	return functionNames[f]
}

// ParseFunction accepts the snake_case name, case-insensitively; dashes count as underscores.
func ParseFunction(name string) (Function, error) {
	n := strings.ReplaceAll(strings.ToLower(strings.TrimSpace(name)), "-", "_")
	for i, s := range functionNames {
		if s == n {
			return Function(i), nil
		}
	}
	return 0, fmt.Errorf("unknown function %q", name)
}

// Access is the direction a binding may be used in.
type Access int

const (
	ReadWrite Access = iota
	ReadOnly
	WriteOnly
)

func (a Access) Readable() bool { return a != WriteOnly }
func (a Access) Writable() bool { return a != ReadOnly }

func (a Access) String() string {
	switch a {
	case ReadOnly:
		return "read"
	case WriteOnly:
		return "write"
	default:
		return "read-write"
	}
}

// ParseAccess maps "read", "write" and "read-write"; empty means read-write.
func ParseAccess(s string) (Access, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "read-write", "read_write", "rw":
		return ReadWrite, nil
	case "read", "r":
		return ReadOnly, nil
	case "write", "w":
		return WriteOnly, nil
	}
	return 0, fmt.Errorf("unknown access %q", s)
}

// Table is the Modbus data table a binding lives in.
type Table int

const (
	Coils Table = iota
	DiscreteInputs
)

// ReadFunctionCode is the function code that reads this table.
func (t Table) ReadFunctionCode() byte {
	if t == DiscreteInputs {
		return modbus.FuncCodeReadDiscreteInputs
	}
	return modbus.FuncCodeReadCoils
}

func (t Table) String() string {
	if t == DiscreteInputs {
		return "discrete"
	}
	return "coil"
}

// ParseTable maps "coil" and "discrete"; empty means coil.
func ParseTable(s string) (Table, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "coil", "coils":
		return Coils, nil
	case "discrete", "discrete_input", "discrete_inputs", "input":
		return DiscreteInputs, nil
	}
	return 0, fmt.Errorf("unknown table %q", s)
}

// Strategy selects how a state read is issued.
type Strategy int

const (
	// StrategyDefault defers to the global setting.
	StrategyDefault Strategy = iota
	StrategyBulk
	StrategySequential
)

func (s Strategy) String() string {
	switch s {
	case StrategyBulk:
		return "bulk"
	case StrategySequential:
		return "sequential"
	default:
		return "default"
	}
}

func ParseStrategy(s string) (Strategy, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "default", "auto":
		return StrategyDefault, nil
	case "bulk":
		return StrategyBulk, nil
	case "sequential", "individual":
		return StrategySequential, nil
	}
	return 0, fmt.Errorf("unknown read strategy %q", s)
}
