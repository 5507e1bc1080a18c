// Package modbus provides data type conversion utilities for Modbus communication.
package modbus

import (
	"encoding/binary"
	"fmt"

	"github.com/nexus-edge/plant-poller/internal/domain"
	"github.com/shopspring/decimal"
)

// Coil values for function code 0x05.
const (
	coilOn  uint16 = 0xFF00
	coilOff uint16 = 0x0000
)

// bytesToWords splits a register response into big-endian 16-bit words.
func bytesToWords(data []byte, quantity uint16) ([]uint16, error) {
	if len(data) != int(quantity)*2 {
		return nil, fmt.Errorf("%w: expected %d bytes, got %d", domain.ErrProtocol, int(quantity)*2, len(data))
	}
	words := make([]uint16, quantity)
	for i := range words {
		words[i] = binary.BigEndian.Uint16(data[i*2:])
	}
	return words, nil
}

// unpackBits expands a coil/discrete response into one 0/1 word per bit.
func unpackBits(data []byte, quantity uint16) ([]uint16, error) {
	if len(data) != (int(quantity)+7)/8 {
		return nil, fmt.Errorf("%w: expected %d bytes for %d bits, got %d",
			domain.ErrProtocol, (int(quantity)+7)/8, quantity, len(data))
	}
	bits := make([]uint16, quantity)
	for i := range bits {
		if data[i/8]&(1<<uint(i%8)) != 0 {
			bits[i] = 1
		}
	}
	return bits, nil
}

// wordsToBytes encodes registers for function code 0x10.
func wordsToBytes(values []uint16) []byte {
	out := make([]byte, len(values)*2)
	for i, v := range values {
		binary.BigEndian.PutUint16(out[i*2:], v)
	}
	return out
}

// packBits encodes coils for function code 0x0F, LSB first.
func packBits(values []bool) []byte {
	out := make([]byte, (len(values)+7)/8)
	for i, v := range values {
		if v {
			out[i/8] |= 1 << uint(i%8)
		}
	}
	return out
}

// Decode applies the register's sign and fixed-point scale to a raw word.
func Decode(raw uint16, reg domain.Register) float64 {
	return DecodeDecimal(raw, reg).InexactFloat64()
}

// DecodeDecimal is Decode without the float conversion.
func DecodeDecimal(raw uint16, reg domain.Register) decimal.Decimal {
	var v int64
	if reg.Signed {
		v = int64(int16(raw))
	} else {
		v = int64(raw)
	}
	return decimal.New(v, -reg.Decimals)
}

// Counter converts a raw counter word to a non-negative count.
// Signed counters that wrapped negative are folded back with their absolute value.
func Counter(raw uint16, reg domain.Register) int64 {
	if !reg.Signed {
		return int64(raw)
	}
	v := int64(int16(raw))
	if v < 0 {
		return -v
	}
	return v
}

// Clamp16 clamps an integer count into the holding register range.
func Clamp16(v int64) uint16 {
	switch {
	case v < 0:
		return 0
	case v > 0xFFFF:
		return 0xFFFF
	}
	return uint16(v)
}
