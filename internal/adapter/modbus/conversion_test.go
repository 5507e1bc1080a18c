package modbus

import (
	"errors"
	"testing"

	"github.com/nexus-edge/plant-poller/internal/domain"
)

func TestDecode(t *testing.T) {
	tests := []struct {
		name string
		raw  uint16
		reg  domain.Register
		want float64
	}{
		{"plain", 1234, domain.Register{}, 1234},
		{"fixed point", 1234, domain.Register{Decimals: 2}, 12.34},
		{"signed negative", 0xFFF6, domain.Register{Signed: true, Decimals: 1}, -1},
		{"unsigned high", 0xFFF6, domain.Register{}, 65526},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := Decode(tt.raw, tt.reg); got != tt.want {
				t.Errorf("expected %v, got %v", tt.want, got)
			}
		})
	}
}

func TestCounter(t *testing.T) {
	if got := Counter(0xFFFF, domain.Register{Signed: true}); got != 1 {
		t.Errorf("expected abs(-1)=1, got %d", got)
	}
	if got := Counter(0xFFFF, domain.Register{}); got != 65535 {
		t.Errorf("expected 65535, got %d", got)
	}
}

func TestClamp16(t *testing.T) {
	if Clamp16(-3) != 0 || Clamp16(70000) != 0xFFFF || Clamp16(42) != 42 {
		t.Error("unexpected clamp results")
	}
}

func TestBytesToWords(t *testing.T) {
	words, err := bytesToWords([]byte{0x00, 0x2D, 0x01, 0x00}, 2)
	if err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
	if words[0] != 45 || words[1] != 256 {
		t.Errorf("unexpected words %v", words)
	}
	if _, err := bytesToWords([]byte{0x00}, 1); !errors.Is(err, domain.ErrProtocol) {
		t.Errorf("expected ErrProtocol for short frame, got %v", err)
	}
}

func TestBits(t *testing.T) {
	packed := packBits([]bool{true, false, true, false, false, false, false, false, true})
	if len(packed) != 2 || packed[0] != 0x05 || packed[1] != 0x01 {
		t.Fatalf("unexpected packing %v", packed)
	}
	bits, err := unpackBits(packed, 9)
	if err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
	if bits[0] != 1 || bits[1] != 0 || bits[2] != 1 || bits[8] != 1 {
		t.Errorf("unexpected bits %v", bits)
	}
}

func TestPlanSpans(t *testing.T) {
	spans, err := planSpans(map[string]domain.Register{
		"a": {Address: 0},
		"b": {Address: 124},
		"c": {Address: 125},
		"d": {Address: 3, Type: domain.RegisterTypeInputRegister},
	})
	if err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
	if len(spans) != 3 {
		t.Fatalf("expected 3 spans, got %+v", spans)
	}
	// holding_register sorts before input_register
	if spans[0].start != 0 || spans[0].count != 125 {
		t.Errorf("expected first span 0+125, got %+v", spans[0])
	}
	if spans[1].start != 125 || spans[1].count != 1 {
		t.Errorf("expected second span 125+1, got %+v", spans[1])
	}

	if _, err := planSpans(map[string]domain.Register{"x": {Type: "bogus"}}); !errors.Is(err, domain.ErrInvalidRegisterType) {
		t.Errorf("expected ErrInvalidRegisterType, got %v", err)
	}
}
