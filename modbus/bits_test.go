// Copyright (c) 2025 Li Jinling. All rights reserved.
// This software may be modified and distributed under the terms
// of the BSD-3 Clause License. See the LICENSE file for details.

package modbus

import (
	"errors"
	"testing"

	"github.com/google/go-cmp/cmp"
)

func TestNewReadBitsRequest(t *testing.T) {
	pdu, err := NewReadBitsRequest(FuncCodeReadCoils, 0x0010, 5)
	if err != nil {
		t.Fatal(err)
	}
	want := ProtocolDataUnit{FunctionCode: 0x01, Data: []byte{0x00, 0x10, 0x00, 0x05}}
	if diff := cmp.Diff(want, pdu); diff != "" {
		t.Errorf("request mismatch (-want +got):\n%s", diff)
	}

	if _, err := NewReadBitsRequest(FuncCodeWriteSingleCoil, 0, 1); err == nil {
		t.Error("expected error for non-read function code")
	}
	if _, err := NewReadBitsRequest(FuncCodeReadCoils, 0, 0); err == nil {
		t.Error("expected error for zero quantity")
	}
	if _, err := NewReadBitsRequest(FuncCodeReadCoils, 0xFFFF, 2); err == nil {
		t.Error("expected error for range past the address space")
	}
}

func TestParseReadBitsResponse(t *testing.T) {
	tests := []struct {
		name     string
		quantity uint16
		resp     ProtocolDataUnit
		want     []bool
		wantErr  bool
	}{
		{"single", 1, ProtocolDataUnit{0x01, []byte{0x01, 0x01}}, []bool{true}, false},
		{"span", 10, ProtocolDataUnit{0x01, []byte{0x02, 0x05, 0x02}}, []bool{true, false, true, false, false, false, false, false, false, true}, false},
		{"wrong function", 1, ProtocolDataUnit{0x02, []byte{0x01, 0x01}}, nil, true},
		{"short payload", 10, ProtocolDataUnit{0x01, []byte{0x02, 0x05}}, nil, true},
		{"empty", 1, ProtocolDataUnit{0x01, nil}, nil, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ParseReadBitsResponse(FuncCodeReadCoils, tt.quantity, tt.resp)
			if (err != nil) != tt.wantErr {
				t.Fatalf("ParseReadBitsResponse() error = %v, wantErr %v", err, tt.wantErr)
			}
			if diff := cmp.Diff(tt.want, got); diff != "" {
				t.Errorf("bits mismatch (-want +got):\n%s", diff)
			}
		})
	}
}

func TestParseReadBitsResponse_Exception(t *testing.T) {
	_, err := ParseReadBitsResponse(FuncCodeReadCoils, 1, ProtocolDataUnit{0x81, []byte{ExceptionCodeIllegalDataAddress}})
	var exc *ExceptionError
	if !errors.As(err, &exc) {
		t.Fatalf("expected ExceptionError, got %v", err)
	}
	if exc.ExceptionCode != ExceptionCodeIllegalDataAddress {
		t.Errorf("exception code = %v", exc.ExceptionCode)
	}
}

func TestWriteSingleCoil(t *testing.T) {
	on := NewWriteSingleCoilRequest(7, true)
	if diff := cmp.Diff([]byte{0x00, 0x07, 0xFF, 0x00}, on.Data); diff != "" {
		t.Errorf("ON payload mismatch (-want +got):\n%s", diff)
	}
	off := NewWriteSingleCoilRequest(7, false)
	if diff := cmp.Diff([]byte{0x00, 0x07, 0x00, 0x00}, off.Data); diff != "" {
		t.Errorf("OFF payload mismatch (-want +got):\n%s", diff)
	}

	if err := VerifyWriteSingleCoilResponse(on, on); err != nil {
		t.Errorf("echo rejected: %v", err)
	}
	if err := VerifyWriteSingleCoilResponse(on, off); err == nil {
		t.Error("expected value mismatch error")
	}
	if err := VerifyWriteSingleCoilResponse(on, ProtocolDataUnit{0x85, []byte{0x04}}); err == nil {
		t.Error("expected exception error")
	}
}

func TestPackUnpackBits(t *testing.T) {
	bits := []bool{true, false, false, true, false, false, false, false, true}
	packed := PackBits(bits)
	if diff := cmp.Diff([]byte{0x09, 0x01}, packed); diff != "" {
		t.Errorf("packed mismatch (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff(bits, UnpackBits(packed, len(bits))); diff != "" {
		t.Errorf("unpacked mismatch (-want +got):\n%s", diff)
	}
}
