// Copyright (c) 2014 Quoc-Viet Nguyen. All rights reserved.
// This software may be modified and distributed under the terms
// of the BSD-3 Clause License. See the LICENSE file for details.

package crc

// CRC computes the Modbus RTU CRC-16 (polynomial 0xA001, initial value 0xFFFF).
type CRC struct {
	value uint16
}

func (crc *CRC) Reset() *CRC {
	crc.value = 0xFFFF
	return crc
}

func (crc *CRC) PushBytes(bs []byte) *CRC {
	for _, b := range bs {
		crc.value ^= uint16(b)
		for i := 0; i < 8; i++ {
			if crc.value&1 != 0 {
				crc.value = crc.value>>1 ^ 0xA001
			} else {
				crc.value >>= 1
			}
		}
	}
	return crc
}

// Value returns the checksum; the low byte goes on the wire first.
func (crc *CRC) Value() uint16 {
	return crc.value
}

// Checksum returns the CRC of b.
func Checksum(b []byte) uint16 {
	var crc CRC
	return crc.Reset().PushBytes(b).Value()
}
