// Copyright (c) 2026 Li Jinling. All rights reserved.
// This software may be modified and distributed under the terms
// of the BSD-3 Clause License. See the LICENSE file for details.

package device

import (
	"encoding/binary"
	"sync"
	"testing"

	"github.com/ffutop/bollard-controller/internal/descriptor"
	"github.com/ffutop/bollard-controller/modbus"
	"github.com/ffutop/bollard-controller/transport/local"
)

// fakeDevice answers FC1, FC2 and FC5 from two small bit tables.
type fakeDevice struct {
	mu       sync.Mutex
	coils    [32]bool
	discrete [32]bool
	requests []modbus.ProtocolDataUnit

	rejectBulk bool            // exception for any read of more than one bit
	badAddress map[uint16]bool // exception for reads starting here
	failWrites int             // number of writes to answer with an exception
	failed     int             // writes failed so far; the nth failure carries exception code n
}

func exception(fc, code byte) modbus.ProtocolDataUnit {
	return modbus.ProtocolDataUnit{FunctionCode: fc | 0x80, Data: []byte{code}}
}

func (f *fakeDevice) Process(unitID byte, pdu modbus.ProtocolDataUnit) (modbus.ProtocolDataUnit, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.requests = append(f.requests, pdu)

	address := binary.BigEndian.Uint16(pdu.Data[0:2])
	value := binary.BigEndian.Uint16(pdu.Data[2:4])
	switch pdu.FunctionCode {
	case modbus.FuncCodeReadCoils, modbus.FuncCodeReadDiscreteInputs:
		if (f.rejectBulk && value > 1) || f.badAddress[address] || int(address)+int(value) > len(f.coils) {
			return exception(pdu.FunctionCode, modbus.ExceptionCodeIllegalDataAddress), nil
		}
		table := f.coils[:]
		if pdu.FunctionCode == modbus.FuncCodeReadDiscreteInputs {
			table = f.discrete[:]
		}
		packed := modbus.PackBits(table[address : address+value])
		return modbus.ProtocolDataUnit{FunctionCode: pdu.FunctionCode, Data: append([]byte{byte(len(packed))}, packed...)}, nil
	case modbus.FuncCodeWriteSingleCoil:
		if f.failWrites > 0 {
			f.failWrites--
			f.failed++
			return exception(pdu.FunctionCode, byte(f.failed)), nil
		}
		f.coils[address] = value == modbus.CoilOn
		return pdu, nil
	}
	return exception(pdu.FunctionCode, modbus.ExceptionCodeIllegalFunction), nil
}

func (f *fakeDevice) count(fc byte) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, r := range f.requests {
		if r.FunctionCode == fc {
			n++
		}
	}
	return n
}

func (f *fakeDevice) coil(address uint16) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.coils[address]
}

func (f *fakeDevice) set(address uint16, on bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.coils[address] = on
}

// testDescriptor maps state=0, lower=1, force_up=2, force_down=3, fault_sensor=4.
func testDescriptor(t *testing.T, mutate func(*descriptor.DeviceSpec)) descriptor.Descriptor {
	t.Helper()
	spec := descriptor.DeviceSpec{
		ID:        "b1",
		Transport: "local",
		Host:      "b1",
		Functions: map[string]descriptor.FunctionSpec{
			"state":        {Address: 0},
			"lower":        {Address: 1},
			"force_up":     {Address: 2},
			"force_down":   {Address: 3},
			"fault_sensor": {Address: 4, Access: "read"},
		},
	}
	if mutate != nil {
		mutate(&spec)
	}
	d, err := descriptor.Resolve(spec)
	if err != nil {
		t.Fatalf("Resolve failed: %v", err)
	}
	return d
}

func newLocal(f *fakeDevice) *local.Dialer {
	dialer := local.NewDialer(nil)
	dialer.Register("b1", f)
	return dialer
}
