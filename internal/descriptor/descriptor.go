// Copyright (c) 2025 Li Jinling. All rights reserved.
// This software may be modified and distributed under the terms
// of the BSD-3 Clause License. See the LICENSE file for details.

package descriptor

import (
	"fmt"
	"net"
	"sort"
	"strconv"
	"time"

	"github.com/ffutop/bollard-controller/transport"
)

const (
	defaultPort      = 502
	defaultUnitID    = 1
	defaultPulseHold = 500 * time.Millisecond
)

// DeviceSpec is the raw, configuration-file shape of one device.
type DeviceSpec struct {
	ID        string                  `mapstructure:"id"`
	Name      string                  `mapstructure:"name"`
	Transport string                  `mapstructure:"transport"` // "tcp", "rtu-over-tcp", "rtu", "local"
	Host      string                  `mapstructure:"host"`      // IP/hostname, serial device or simulator name
	Port      int                     `mapstructure:"port"`
	UnitID    *int                    `mapstructure:"unit_id"`
	Serial    transport.SerialConfig  `mapstructure:"serial"`
	Strategy  string                  `mapstructure:"strategy"` // "bulk", "sequential", "" for the global default
	PulseHold time.Duration           `mapstructure:"pulse_hold"`
	Functions map[string]FunctionSpec `mapstructure:"functions"`
}

// FunctionSpec binds one function to a bit.
type FunctionSpec struct {
	Address int    `mapstructure:"address"`
	Offset  int    `mapstructure:"offset"` // added to Address; corrects devices with shifted maps
	Access  string `mapstructure:"access"` // "read", "write", "read-write"
	Table   string `mapstructure:"table"`  // "coil", "discrete"
	Port    int    `mapstructure:"port"`   // overrides the device port
	UnitID  *int   `mapstructure:"unit_id"`
}

// Binding is a resolved function binding.
type Binding struct {
	Function Function
	Address  uint16
	Access   Access
	Table    Table
	Endpoint transport.Endpoint
}

// Descriptor is the immutable, validated description of one device.
// Descriptors are comparable with ==.
type Descriptor struct {
	ID        string
	Name      string
	Endpoint  transport.Endpoint
	Strategy  Strategy
	PulseHold time.Duration

	bindings [numFunctions]Binding
	present  [numFunctions]bool
}

// Binding returns the binding for fn, if configured.
func (d Descriptor) Binding(fn Function) (Binding, bool) {
	if fn < 0 || fn >= numFunctions || !d.present[fn] {
		return Binding{}, false
	}
	return d.bindings[fn], true
}

// Has reports whether fn is configured.
func (d Descriptor) Has(fn Function) bool {
	_, ok := d.Binding(fn)
	return ok
}

// Require returns the binding for fn or a ConfigurationError when it is missing.
func (d Descriptor) Require(fn Function) (Binding, error) {
	b, ok := d.Binding(fn)
	if !ok {
		return Binding{}, &ConfigurationError{Device: d.ID, Field: fn.String(), Reason: "function not configured"}
	}
	return b, nil
}

// RequireWritable is Require plus a check that the binding accepts writes.
func (d Descriptor) RequireWritable(fn Function) (Binding, error) {
	b, err := d.Require(fn)
	if err != nil {
		return Binding{}, err
	}
	if !b.Access.Writable() {
		return Binding{}, &ConfigurationError{Device: d.ID, Field: fn.String(), Reason: fmt.Sprintf("function is %s in table %s", b.Access, b.Table)}
	}
	return b, nil
}

// Readable returns the readable bindings in function order.
func (d Descriptor) Readable() []Binding {
	var out []Binding
	for fn := Function(0); fn < numFunctions; fn++ {
		if d.present[fn] && d.bindings[fn].Access.Readable() {
			out = append(out, d.bindings[fn])
		}
	}
	return out
}

// Resolve validates spec and builds its Descriptor.
func Resolve(spec DeviceSpec) (Descriptor, error) {
	d := Descriptor{ID: spec.ID, Name: spec.Name}
	fail := func(field, format string, args ...any) (Descriptor, error) {
		return Descriptor{}, &ConfigurationError{Device: spec.ID, Field: field, Reason: fmt.Sprintf(format, args...)}
	}

	if spec.ID == "" {
		return fail("id", "must not be empty")
	}
	if d.Name == "" {
		d.Name = spec.ID
	}

	kind := spec.Transport
	if kind == "" {
		kind = transport.KindTCP
	}
	switch kind {
	case transport.KindTCP, transport.KindRTUOverTCP, transport.KindRTU, transport.KindLocal:
	default:
		return fail("transport", "unknown transport %q", spec.Transport)
	}
	if spec.Host == "" {
		return fail("host", "must not be empty")
	}

	port := spec.Port
	if port == 0 {
		port = defaultPort
	}
	if port < 1 || port > 65535 {
		return fail("port", "%d out of range", spec.Port)
	}

	unitID := defaultUnitID
	if spec.UnitID != nil {
		unitID = *spec.UnitID
	}
	if unitID < 0 || unitID > 255 {
		return fail("unit_id", "%d out of range", unitID)
	}

	d.Endpoint = endpoint(kind, spec.Host, port, byte(unitID), spec.Serial)

	strategy, err := ParseStrategy(spec.Strategy)
	if err != nil {
		return fail("strategy", "%v", err)
	}
	d.Strategy = strategy

	d.PulseHold = spec.PulseHold
	if d.PulseHold == 0 {
		d.PulseHold = defaultPulseHold
	}
	if d.PulseHold < 0 {
		return fail("pulse_hold", "must not be negative")
	}

	// Sorted for deterministic error reporting.
	names := make([]string, 0, len(spec.Functions))
	for name := range spec.Functions {
		names = append(names, name)
	}
	sort.Strings(names)

	for _, name := range names {
		fs := spec.Functions[name]
		fn, err := ParseFunction(name)
		if err != nil {
			return fail("functions", "%v", err)
		}
		if d.present[fn] {
			return fail(fn.String(), "configured twice")
		}
		b, err := resolveBinding(d, fn, fs, kind, spec)
		if err != nil {
			return Descriptor{}, err
		}
		d.bindings[fn] = b
		d.present[fn] = true
	}

	state, ok := d.Binding(State)
	if !ok {
		return fail(State.String(), "state function is required")
	}
	if !state.Access.Readable() {
		return fail(State.String(), "state function must be readable")
	}
	if lower, ok := d.Binding(Lower); ok && !lower.Access.Writable() {
		return fail(Lower.String(), "momentary lower function must be writable")
	}
	return d, nil
}

func resolveBinding(d Descriptor, fn Function, fs FunctionSpec, kind string, spec DeviceSpec) (Binding, error) {
	fail := func(format string, args ...any) (Binding, error) {
		return Binding{}, &ConfigurationError{Device: spec.ID, Field: fn.String(), Reason: fmt.Sprintf(format, args...)}
	}

	address := fs.Address + fs.Offset
	if address < 0 || address > 0xFFFF {
		return fail("address %d (offset %d) out of range", fs.Address, fs.Offset)
	}
	table, err := ParseTable(fs.Table)
	if err != nil {
		return fail("%v", err)
	}
	access, err := ParseAccess(fs.Access)
	if err != nil {
		return fail("%v", err)
	}
	if table == DiscreteInputs {
		switch {
		case fs.Access == "":
			access = ReadOnly
		case access.Writable():
			return fail("discrete inputs are read-only")
		}
	}

	ep := d.Endpoint
	if fs.Port != 0 {
		if fs.Port < 1 || fs.Port > 65535 {
			return fail("port %d out of range", fs.Port)
		}
		ep = endpoint(kind, spec.Host, fs.Port, ep.UnitID, spec.Serial)
	}
	if fs.UnitID != nil {
		if *fs.UnitID < 0 || *fs.UnitID > 255 {
			return fail("unit_id %d out of range", *fs.UnitID)
		}
		ep.UnitID = byte(*fs.UnitID)
	}

	return Binding{
		Function: fn,
		Address:  uint16(address),
		Access:   access,
		Table:    table,
		Endpoint: ep,
	}, nil
}

func endpoint(kind, host string, port int, unitID byte, serial transport.SerialConfig) transport.Endpoint {
	ep := transport.Endpoint{Kind: kind, UnitID: unitID}
	switch kind {
	case transport.KindTCP, transport.KindRTUOverTCP:
		ep.Address = net.JoinHostPort(host, strconv.Itoa(port))
	case transport.KindRTU:
		ep.Address = host
		ep.Serial = serial
	default:
		ep.Address = host
	}
	return ep
}
