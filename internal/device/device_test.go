// Copyright (c) 2026 Li Jinling. All rights reserved.
// This software may be modified and distributed under the terms
// of the BSD-3 Clause License. See the LICENSE file for details.

package device

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"

	"github.com/ffutop/bollard-controller/internal/descriptor"
	"github.com/ffutop/bollard-controller/modbus"
	"github.com/ffutop/bollard-controller/transport"
)

func TestDerive(t *testing.T) {
	tests := []struct {
		name                  string
		raised, fault, up, dn Tri
		label                 Label
		hardwareFault         bool
	}{
		{"all unknown", Unknown, Unknown, Unknown, Unknown, LabelUnknown, false},
		{"raised healthy", True, True, False, False, LabelUp, false},
		{"raised faulted", True, False, False, False, LabelFaultRaised, true},
		{"fault beats lock", True, False, True, False, LabelFaultRaised, true},
		{"locked up", True, True, True, False, LabelLockedUp, false},
		{"locked down", False, Unknown, False, True, LabelLockedDown, false},
		{"down", False, Unknown, Unknown, Unknown, LabelDown, false},
		{"lowered, sensor off", False, False, False, False, LabelDown, false},
		{"position unknown", Unknown, True, False, False, LabelUnknown, false},
		{"raised, sensor unknown", True, Unknown, False, False, LabelUp, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := Derive(tt.raised, tt.fault, tt.up, tt.dn)
			if s.Label != tt.label || s.HardwareFault != tt.hardwareFault {
				t.Errorf("got label %q fault %v, want %q %v", s.Label, s.HardwareFault, tt.label, tt.hardwareFault)
			}
		})
	}
}

func TestState_EqualIgnoresReadAt(t *testing.T) {
	a := Derive(True, True, False, False)
	b := a
	b.ReadAt = time.Now()
	if !a.Equal(b) {
		t.Error("states differing only in ReadAt should be equal")
	}
	b.ForcedUp = True
	if a.Equal(b) {
		t.Error("states differing in ForcedUp should not be equal")
	}
}

func TestState_JSON(t *testing.T) {
	s := Derive(True, Unknown, False, False)
	data, err := json.Marshal(s)
	if err != nil {
		t.Fatal(err)
	}
	var got map[string]any
	if err := json.Unmarshal(data, &got); err != nil {
		t.Fatal(err)
	}
	if got["raised"] != true || got["fault_sensor_active"] != nil || got["label"] != "up" {
		t.Errorf("unexpected encoding: %s", data)
	}
}

func TestReadState_BulkSingleRequest(t *testing.T) {
	f := &fakeDevice{}
	f.coils[0] = true // raised
	f.coils[4] = true // fault sensor healthy
	dialer := newLocal(f)
	r := NewReader(dialer, true, nil, nil)

	s, err := r.ReadState(context.Background(), testDescriptor(t, nil), descriptor.StrategyDefault)
	if err != nil {
		t.Fatalf("ReadState failed: %v", err)
	}
	want := Derive(True, True, False, False)
	if !s.Equal(want) {
		t.Errorf("state mismatch (-want +got):\n%s", cmp.Diff(want, s))
	}
	if s.ReadAt.IsZero() {
		t.Error("ReadAt not set")
	}
	if n := f.count(modbus.FuncCodeReadCoils); n != 1 {
		t.Errorf("bulk read issued %d requests, want 1", n)
	}
	if dialer.Open() != 0 {
		t.Errorf("%d sessions left open", dialer.Open())
	}
}

// gateBits maps raise=10, lower=11, state=12, fault_sensor=13 and stores
// [0,1,1,0] there: raised with the fault sensor reading false.
func gateBits(t *testing.T) (*fakeDevice, descriptor.Descriptor) {
	t.Helper()
	f := &fakeDevice{}
	f.coils[11] = true
	f.coils[12] = true
	d := testDescriptor(t, func(s *descriptor.DeviceSpec) {
		s.Functions = map[string]descriptor.FunctionSpec{
			"raise":        {Address: 10},
			"lower":        {Address: 11},
			"state":        {Address: 12},
			"fault_sensor": {Address: 13},
		}
	})
	return f, d
}

func TestReadState_Strategies(t *testing.T) {
	want := Derive(True, False, Unknown, Unknown)
	if !want.HardwareFault || want.Label != LabelFaultRaised {
		t.Fatalf("unexpected expectation %+v", want)
	}

	tests := []struct {
		name     string
		strategy descriptor.Strategy
		check    func(t *testing.T, f *fakeDevice, d descriptor.Descriptor)
	}{
		{
			name:     "bulk",
			strategy: descriptor.StrategyBulk,
			check: func(t *testing.T, f *fakeDevice, d descriptor.Descriptor) {
				first := f.requests[0]
				if first.FunctionCode != modbus.FuncCodeReadCoils {
					t.Errorf("first request function = %d, want %d", first.FunctionCode, modbus.FuncCodeReadCoils)
				}
				if diff := cmp.Diff([]byte{0x00, 0x0A, 0x00, 0x04}, first.Data); diff != "" {
					t.Errorf("first request (-want +got):\n%s", diff)
				}
				if n := f.count(modbus.FuncCodeReadCoils); n != 2 {
					t.Errorf("issued %d reads for two calls, want 2", n)
				}
			},
		},
		{
			name:     "sequential",
			strategy: descriptor.StrategySequential,
			check: func(t *testing.T, f *fakeDevice, d descriptor.Descriptor) {
				if n, want := f.count(modbus.FuncCodeReadCoils), 2*len(d.Readable()); n != want {
					t.Errorf("issued %d reads for two calls, want %d", n, want)
				}
			},
		},
	}

	results := make(map[string]State)
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f, d := gateBits(t)
			r := NewReader(newLocal(f), true, nil, nil)

			first, err := r.ReadState(context.Background(), d, tt.strategy)
			if err != nil {
				t.Fatalf("ReadState failed: %v", err)
			}
			second, err := r.ReadState(context.Background(), d, tt.strategy)
			if err != nil {
				t.Fatalf("second ReadState failed: %v", err)
			}
			if !first.Equal(want) {
				t.Errorf("state mismatch (-want +got):\n%s", cmp.Diff(want, first))
			}
			if !second.Equal(first) {
				t.Errorf("unchanged device read differently (-first +second):\n%s", cmp.Diff(first, second))
			}
			tt.check(t, f, d)
			results[tt.name] = first
		})
	}

	bulk, seq := results["bulk"], results["sequential"]
	if bulk.Label != seq.Label || bulk.HardwareFault != seq.HardwareFault {
		t.Errorf("bulk %s/%v and sequential %s/%v disagree", bulk.Label, bulk.HardwareFault, seq.Label, seq.HardwareFault)
	}
}

func TestReadState_BulkFallsBackImmediately(t *testing.T) {
	f := &fakeDevice{rejectBulk: true}
	f.coils[0] = true
	f.coils[4] = true
	dialer := newLocal(f)
	r := NewReader(dialer, true, nil, nil)
	d := testDescriptor(t, nil)

	s, err := r.ReadState(context.Background(), d, descriptor.StrategyDefault)
	if err != nil {
		t.Fatalf("ReadState failed: %v", err)
	}
	if s.Label != LabelUp {
		t.Errorf("label = %q, want up", s.Label)
	}
	// One failed bulk request, then one request per readable function.
	if n, want := f.count(modbus.FuncCodeReadCoils), 1+len(d.Readable()); n != want {
		t.Errorf("issued %d reads, want %d", n, want)
	}

	// The fallback is not remembered: the next call tries bulk first again.
	if _, err := r.ReadState(context.Background(), d, descriptor.StrategyDefault); err != nil {
		t.Fatal(err)
	}
	if n, want := f.count(modbus.FuncCodeReadCoils), 2*(1+len(d.Readable())); n != want {
		t.Errorf("issued %d reads after second call, want %d", n, want)
	}
	if dialer.Open() != 0 {
		t.Errorf("%d sessions left open", dialer.Open())
	}
}

func TestReadState_SequentialPartial(t *testing.T) {
	f := &fakeDevice{badAddress: map[uint16]bool{4: true}}
	f.coils[0] = true
	dialer := newLocal(f)
	r := NewReader(dialer, false, nil, nil)

	s, err := r.ReadState(context.Background(), testDescriptor(t, nil), descriptor.StrategyDefault)
	if err != nil {
		t.Fatalf("ReadState failed: %v", err)
	}
	if s.FaultSensorActive != Unknown {
		t.Errorf("fault sensor = %v, want unknown", s.FaultSensorActive)
	}
	if s.Raised != True || s.HardwareFault || s.Label != LabelUp {
		t.Errorf("unexpected state: %+v", s)
	}
}

func TestReadState_SequentialNothingRead(t *testing.T) {
	f := &fakeDevice{badAddress: map[uint16]bool{0: true, 1: true, 2: true, 3: true, 4: true}}
	r := NewReader(newLocal(f), true, nil, nil)

	_, err := r.ReadState(context.Background(), testDescriptor(t, nil), descriptor.StrategySequential)
	var protoErr *transport.ProtocolError
	if !errors.As(err, &protoErr) {
		t.Fatalf("expected ProtocolError, got %v", err)
	}
	if code, ok := protoErr.Exception(); !ok || code != modbus.ExceptionCodeIllegalDataAddress {
		t.Errorf("exception = %d, %v", code, ok)
	}
	if n := f.count(modbus.FuncCodeReadCoils); n != 5 {
		t.Errorf("issued %d reads, want 5", n)
	}
}

func TestReadState_Unreachable(t *testing.T) {
	r := NewReader(newLocal(&fakeDevice{}), true, nil, nil)
	d := testDescriptor(t, func(s *descriptor.DeviceSpec) { s.Host = "missing" })

	_, err := r.ReadState(context.Background(), d, descriptor.StrategyDefault)
	var connErr *transport.ConnectionError
	if !errors.As(err, &connErr) {
		t.Fatalf("expected ConnectionError, got %v", err)
	}
}

func TestReadState_GroupsByTableAndEndpoint(t *testing.T) {
	f := &fakeDevice{}
	f.coils[0] = true
	f.discrete[7] = true
	dialer := newLocal(f)
	r := NewReader(dialer, true, nil, nil)
	d := testDescriptor(t, func(s *descriptor.DeviceSpec) {
		s.Functions["fault_sensor"] = descriptor.FunctionSpec{Address: 7, Table: "discrete"}
	})

	s, err := r.ReadState(context.Background(), d, descriptor.StrategyBulk)
	if err != nil {
		t.Fatal(err)
	}
	if s.FaultSensorActive != True || s.Label != LabelUp {
		t.Errorf("unexpected state: %+v", s)
	}
	if c, di := f.count(modbus.FuncCodeReadCoils), f.count(modbus.FuncCodeReadDiscreteInputs); c != 1 || di != 1 {
		t.Errorf("reads: coils %d discrete %d, want 1 and 1", c, di)
	}
}

func TestReadFunction(t *testing.T) {
	f := &fakeDevice{}
	f.coils[1] = true
	r := NewReader(newLocal(f), true, nil, nil)
	d := testDescriptor(t, nil)

	on, err := r.ReadFunction(context.Background(), d, descriptor.Lower)
	if err != nil || !on {
		t.Errorf("ReadFunction(lower) = %v, %v", on, err)
	}
	var cfgErr *descriptor.ConfigurationError
	if _, err := r.ReadFunction(context.Background(), d, descriptor.Raise); !errors.As(err, &cfgErr) {
		t.Errorf("expected ConfigurationError for missing raise, got %v", err)
	}
}

func TestWriteCoil(t *testing.T) {
	f := &fakeDevice{}
	dialer := newLocal(f)
	w := NewWriter(dialer, 3, time.Millisecond, nil, nil)

	if err := w.WriteCoil(context.Background(), testDescriptor(t, nil), descriptor.ForceUp, true); err != nil {
		t.Fatalf("WriteCoil failed: %v", err)
	}
	if !f.coil(2) {
		t.Error("force_up coil not set")
	}
	if dialer.Open() != 0 {
		t.Errorf("%d sessions left open", dialer.Open())
	}
}

func TestWriteCoil_RetriesThenSucceeds(t *testing.T) {
	f := &fakeDevice{failWrites: 2}
	w := NewWriter(newLocal(f), 3, time.Millisecond, nil, nil)

	if err := w.WriteCoil(context.Background(), testDescriptor(t, nil), descriptor.ForceDown, true); err != nil {
		t.Fatalf("WriteCoil failed: %v", err)
	}
	if n := f.count(modbus.FuncCodeWriteSingleCoil); n != 3 {
		t.Errorf("write attempts = %d, want 3", n)
	}
}

func TestWriteCoil_ExhaustsAttempts(t *testing.T) {
	f := &fakeDevice{failWrites: 10}
	w := NewWriter(newLocal(f), 3, time.Millisecond, nil, nil)

	err := w.WriteCoil(context.Background(), testDescriptor(t, nil), descriptor.ForceDown, true)
	var protoErr *transport.ProtocolError
	if !errors.As(err, &protoErr) {
		t.Fatalf("expected ProtocolError, got %v", err)
	}
	if n := f.count(modbus.FuncCodeWriteSingleCoil); n != 3 {
		t.Errorf("write attempts = %d, want 3", n)
	}
	// Each failure answers with its own exception code; the last one is surfaced.
	if code, ok := protoErr.Exception(); !ok || code != 3 {
		t.Errorf("exception = %d, %v; want 3 from the final attempt", code, ok)
	}
}

func TestWriteCoil_ReadOnlyNeverAttempted(t *testing.T) {
	f := &fakeDevice{}
	w := NewWriter(newLocal(f), 3, time.Millisecond, nil, nil)
	d := testDescriptor(t, nil)

	for _, fn := range []descriptor.Function{descriptor.FaultSensor, descriptor.Raise} {
		var cfgErr *descriptor.ConfigurationError
		if err := w.WriteCoil(context.Background(), d, fn, true); !errors.As(err, &cfgErr) {
			t.Errorf("%s: expected ConfigurationError, got %v", fn, err)
		}
	}
	if n := len(f.requests); n != 0 {
		t.Errorf("%d requests sent, want 0", n)
	}
}

func TestWriteCoil_CancelStopsRetry(t *testing.T) {
	f := &fakeDevice{failWrites: 10}
	w := NewWriter(newLocal(f), 5, time.Hour, nil, nil)
	d := testDescriptor(t, nil)
	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan error, 1)
	go func() { done <- w.WriteCoil(ctx, d, descriptor.ForceUp, true) }()
	time.Sleep(20 * time.Millisecond)
	cancel()
	select {
	case err := <-done:
		if err == nil {
			t.Error("expected an error after cancel")
		}
	case <-time.After(time.Second):
		t.Fatal("WriteCoil did not return after cancel")
	}
	if n := f.count(modbus.FuncCodeWriteSingleCoil); n != 1 {
		t.Errorf("write attempts = %d, want 1", n)
	}
}

func TestLocks(t *testing.T) {
	l := NewLocks()
	release, err := l.Acquire(context.Background(), "b1")
	if err != nil {
		t.Fatal(err)
	}
	if _, ok := l.TryAcquire("b1"); ok {
		t.Error("lock for b1 acquired twice")
	}
	other, ok := l.TryAcquire("b2")
	if !ok {
		t.Error("lock for b2 should be independent")
	}
	other()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	if _, err := l.Acquire(ctx, "b1"); !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("expected deadline exceeded, got %v", err)
	}

	release()
	release() // second call is a no-op
	again, ok := l.TryAcquire("b1")
	if !ok {
		t.Fatal("lock not released")
	}
	again()
}
