// Copyright (c) 2026 Li Jinling. All rights reserved.
// This software may be modified and distributed under the terms
// of the BSD-3 Clause License. See the LICENSE file for details.

package device

import "time"

// Tri is a boolean that may be unknown. The zero value is Unknown.
type Tri int8

const (
	Unknown Tri = iota
	False
	True
)

// TriOf converts a read bit.
func TriOf(b bool) Tri {
	if b {
		return True
	}
	return False
}

func (t Tri) Known() bool { return t != Unknown }

func (t Tri) String() string {
	switch t {
	case True:
		return "true"
	case False:
		return "false"
	default:
		return "unknown"
	}
}

// MarshalJSON encodes Unknown as null.
func (t Tri) MarshalJSON() ([]byte, error) {
	switch t {
	case True:
		return []byte("true"), nil
	case False:
		return []byte("false"), nil
	default:
		return []byte("null"), nil
	}
}

// Label is the human-facing summary of a State.
type Label string

const (
	LabelUp              Label = "up"
	LabelDown            Label = "down"
	LabelLockedUp        Label = "locked-up"
	LabelLockedDown      Label = "locked-down"
	LabelFaultRaised     Label = "fault-raised"
	LabelUnknown         Label = "unknown"
	LabelNoCommunication Label = "no-communication"
)

// State is one snapshot of a bollard. It is replaced wholesale on every read.
type State struct {
	Raised            Tri       `json:"raised"`
	FaultSensorActive Tri       `json:"fault_sensor_active"`
	ForcedUp          Tri       `json:"forced_up"`
	ForcedDown        Tri       `json:"forced_down"`
	HardwareFault     bool      `json:"hardware_fault"`
	Label             Label     `json:"label"`
	ReadAt            time.Time `json:"read_at"`
}

// Derive computes the hardware fault flag and the label from the raw fields.
//
// A raised bollard whose fault sensor reads false is faulted. Label precedence:
// nothing known, fault, forced up, forced down, then the raised position.
func Derive(raised, faultSensor, forcedUp, forcedDown Tri) State {
	s := State{
		Raised:            raised,
		FaultSensorActive: faultSensor,
		ForcedUp:          forcedUp,
		ForcedDown:        forcedDown,
		HardwareFault:     raised == True && faultSensor == False,
	}
	switch {
	case !raised.Known() && !faultSensor.Known() && !forcedUp.Known() && !forcedDown.Known():
		s.Label = LabelUnknown
	case s.HardwareFault:
		s.Label = LabelFaultRaised
	case forcedUp == True:
		s.Label = LabelLockedUp
	case forcedDown == True:
		s.Label = LabelLockedDown
	case raised == True:
		s.Label = LabelUp
	case raised == False:
		s.Label = LabelDown
	default:
		s.Label = LabelUnknown
	}
	return s
}

// Offline is the state reported for a device that could not be read.
func Offline(at time.Time) State {
	return State{Label: LabelNoCommunication, ReadAt: at}
}

// Equal compares every field except ReadAt.
func (s State) Equal(o State) bool {
	return s.Raised == o.Raised &&
		s.FaultSensorActive == o.FaultSensorActive &&
		s.ForcedUp == o.ForcedUp &&
		s.ForcedDown == o.ForcedDown &&
		s.HardwareFault == o.HardwareFault &&
		s.Label == o.Label
}
