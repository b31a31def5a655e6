package xsp

import (
	"encoding/binary"
	"errors"
	"math"
	"testing"
	"time"

	"github.com/calsol/telemetry/internal/descriptor"
)

func testSet(t *testing.T) *descriptor.Set {
	t.Helper()
	set := descriptor.NewSet()
	add := func(id uint16, name, format string, messages ...string) {
		layout, err := descriptor.Compile(format)
		if err != nil {
			t.Fatalf("Compile(%q) error = %v", format, err)
		}
		var specs []descriptor.MessageSpec
		for _, m := range messages {
			specs = append(specs, descriptor.MessageSpec{Name: m})
		}
		if err := set.Add(&descriptor.Descriptor{ID: id, Name: name, Set: "test", Layout: layout, Messages: specs}); err != nil {
			t.Fatalf("Add() error = %v", err)
		}
	}
	add(0x402, "BMS Pack", "ff", "Bus Voltage", "Bus Current")
	add(0x0A1, "Heartbeat", "")
	add(0x300, "Temps", "HH", "Cell Min", "Cell Max")
	return set
}

func rawPacket(id uint16, declared int, payload []byte) []byte {
	raw := make([]byte, 2, 2+len(payload))
	binary.LittleEndian.PutUint16(raw, id<<4|uint16(declared))
	return append(raw, payload...)
}

func floats(vs ...float32) []byte {
	out := make([]byte, 4*len(vs))
	for i, v := range vs {
		binary.LittleEndian.PutUint32(out[4*i:], math.Float32bits(v))
	}
	return out
}

func TestParserParse(t *testing.T) {
	set := testSet(t)
	parser := NewParser(set.Lookup)

	tests := []struct {
		name     string
		packet   []byte
		wantErr  error
		wantKind ErrorKind
	}{
		{"too short", []byte{0x01}, ErrPacketTooShort, FramingError},
		{"declared over 8", rawPacket(0x402, 9, make([]byte, 9)), ErrPayloadTooLarge, FramingError},
		{"declared != remaining", rawPacket(0x402, 8, make([]byte, 7)), ErrLengthMismatch, FramingError},
		{"unknown id", rawPacket(0x7FF, 0, nil), nil, DescriptorMissing},
		{"zero width with payload", rawPacket(0x0A1, 1, []byte{0x00}), ErrUnexpectedPayload, FramingError},
		{"layout width mismatch", rawPacket(0x402, 4, make([]byte, 4)), ErrLayoutMismatch, FramingError},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p, err := parser.Parse(tt.packet)
			if err == nil {
				t.Fatal("Parse() should fail")
			}
			if tt.wantErr != nil && !errors.Is(err, tt.wantErr) {
				t.Errorf("error = %v, want %v", err, tt.wantErr)
			}
			if kind, ok := KindOf(err); !ok || kind != tt.wantKind {
				t.Errorf("KindOf() = %v, %v, want %v", kind, ok, tt.wantKind)
			}
			if p.Values != nil {
				t.Errorf("rejected packet has values %v", p.Values)
			}
		})
	}
}

func TestParserSucceedsOnlyWhenAllLengthsAgree(t *testing.T) {
	set := testSet(t)
	parser := NewParser(set.Lookup)

	// Layout for 0x300 is 4 bytes wide.
	for declared := 0; declared <= 8; declared++ {
		for actual := 0; actual <= 8; actual++ {
			_, err := parser.Parse(rawPacket(0x300, declared, make([]byte, actual)))
			wantOK := declared == 4 && actual == 4
			if (err == nil) != wantOK {
				t.Errorf("declared=%d actual=%d: err = %v, want ok=%v", declared, actual, err, wantOK)
			}
		}
	}
}

func TestParserDecodesPayloadOnly(t *testing.T) {
	set := testSet(t)
	fixed := time.Date(2011, 4, 16, 12, 0, 0, 0, time.UTC)
	parser := NewParser(set.Lookup)
	parser.now = func() time.Time { return fixed }

	p, err := parser.Parse(rawPacket(0x402, 8, floats(101.5, -2.25)))
	if err != nil {
		t.Fatalf("Parse() error = %v", err)
	}
	if p.ID != 0x402 || !p.Time.Equal(fixed) {
		t.Errorf("packet = %+v", p)
	}

	messages := Expand(p)
	if len(messages) != 2 {
		t.Fatalf("Expand() = %d messages, want 2", len(messages))
	}
	if messages[0].Name != "Bus Voltage" || messages[0].Value != 101.5 {
		t.Errorf("messages[0] = %+v", messages[0])
	}
	if messages[1].Name != "Bus Current" || messages[1].Value != -2.25 {
		t.Errorf("messages[1] = %+v", messages[1])
	}
}

func TestExpandWithoutMessages(t *testing.T) {
	set := testSet(t)
	parser := NewParser(set.Lookup)

	p, err := parser.Parse(rawPacket(0x0A1, 0, nil))
	if err != nil {
		t.Fatalf("Parse() error = %v", err)
	}
	messages := Expand(p)
	if len(messages) != 1 {
		t.Fatalf("Expand() = %d messages, want 1", len(messages))
	}
	if messages[0].Name != "Heartbeat" || messages[0].Value != nil {
		t.Errorf("message = %+v, want Heartbeat with nil value", messages[0])
	}
}
