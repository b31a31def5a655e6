package websocket

import (
	"bytes"
	"errors"
	"io"
	"testing"
)

func TestReadFrame(t *testing.T) {
	tests := []struct {
		name    string
		data    []byte
		wantErr bool
		verify  func(t *testing.T, frame *Frame)
	}{
		{
			name: "simple unmasked text frame",
			data: []byte{
				0x81, // FIN + text opcode
				0x05, // No mask, 5 byte payload
				'H', 'e', 'l', 'l', 'o',
			},
			verify: func(t *testing.T, frame *Frame) {
				if !frame.FIN() {
					t.Error("FIN should be true")
				}
				if frame.Opcode() != OpcodeText {
					t.Errorf("opcode = 0x%02x, want 0x%02x (text)", frame.Opcode(), OpcodeText)
				}
				if frame.Masked() {
					t.Error("masked should be false")
				}
				if !bytes.Equal(frame.Payload, []byte("Hello")) {
					t.Errorf("payload = %v, want 'Hello'", frame.Payload)
				}
			},
		},
		{
			name: "masked binary frame",
			data: func() []byte {
				payload := []byte{0x01, 0x02, 0x03}
				maskKey := [4]byte{0xAA, 0xBB, 0xCC, 0xDD}
				masked := make([]byte, len(payload))
				for i := range payload {
					masked[i] = payload[i] ^ maskKey[i%4]
				}
				return append([]byte{
					0x82, // FIN + binary opcode
					0x83, // Mask bit + 3 byte payload
					maskKey[0], maskKey[1], maskKey[2], maskKey[3],
				}, masked...)
			}(),
			verify: func(t *testing.T, frame *Frame) {
				if !frame.Masked() {
					t.Error("masked should be true")
				}
				expected := []byte{0x01, 0x02, 0x03}
				if !bytes.Equal(frame.Payload, expected) {
					t.Errorf("payload = %v, want %v", frame.Payload, expected)
				}
			},
		},
		{
			name: "fragment without FIN",
			data: []byte{0x01, 0x02, 'h', 'i'},
			verify: func(t *testing.T, frame *Frame) {
				if frame.FIN() {
					t.Error("FIN should be false")
				}
				if frame.RSV1() || frame.RSV2() || frame.RSV3() {
					t.Error("RSV bits should be clear")
				}
			},
		},
		{
			name: "16-bit extended length",
			data: append([]byte{0x82, 126, 0x01, 0x00}, make([]byte, 256)...),
			verify: func(t *testing.T, frame *Frame) {
				if frame.Length() != 256 {
					t.Errorf("length = %d, want 256", frame.Length())
				}
			},
		},
		{
			// RFC 6455 5.2: 127 then an 8 byte big-endian length.
			name: "64-bit extended length",
			data: append([]byte{0x82, 127, 0, 0, 0, 0, 0, 0x01, 0x00, 0x01}, make([]byte, 65537)...),
			verify: func(t *testing.T, frame *Frame) {
				if frame.Length() != 65537 {
					t.Errorf("length = %d, want 65537", frame.Length())
				}
				if len(frame.Raw) != 10+65537 {
					t.Errorf("raw length = %d, want %d", len(frame.Raw), 10+65537)
				}
			},
		},
		{
			name:    "64-bit length with MSB set",
			data:    []byte{0x82, 127, 0x80, 0, 0, 0, 0, 0, 0, 0x01, 0xFF},
			wantErr: true,
		},
		{
			name:    "fragmented ping",
			data:    []byte{0x09, 0x00},
			wantErr: true,
		},
		{
			name:    "oversized close",
			data:    append([]byte{0x88, 126, 0x00, 0x7E}, make([]byte, 126)...),
			wantErr: true,
		},
		{
			name:    "truncated payload",
			data:    []byte{0x81, 0x05, 'H', 'e'},
			wantErr: true,
		},
		{
			name:    "truncated header",
			data:    []byte{0x81},
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			frame, err := ReadFrame(bytes.NewReader(tt.data))
			if (err != nil) != tt.wantErr {
				t.Fatalf("ReadFrame() error = %v, wantErr %v", err, tt.wantErr)
			}
			if tt.verify != nil && err == nil {
				tt.verify(t, frame)
			}
		})
	}
}

func TestReadFrameViolationsAreProtocolErrors(t *testing.T) {
	_, err := ReadFrame(bytes.NewReader([]byte{0x82, 127, 0x80, 0, 0, 0, 0, 0, 0, 0}))
	if !IsProtocolViolation(err) {
		t.Errorf("error = %v, want a protocol violation", err)
	}

	_, err = ReadFrame(bytes.NewReader(nil))
	if !errors.Is(err, io.EOF) {
		t.Errorf("ReadFrame(empty) error = %v, want io.EOF", err)
	}
}

func TestAppendEncodedLengthForms(t *testing.T) {
	tests := []struct {
		size       int
		wantHeader []byte
	}{
		{0, []byte{0x82, 0x00}},
		{125, []byte{0x82, 125}},
		{126, []byte{0x82, 126, 0x00, 0x7E}},
		{65535, []byte{0x82, 126, 0xFF, 0xFF}},
		{65536, []byte{0x82, 127, 0, 0, 0, 0, 0, 0x01, 0x00, 0x00}},
	}

	for _, tt := range tests {
		payload := bytes.Repeat([]byte{0x5A}, tt.size)
		encoded := NewFrame(OpcodeBinary, true, payload).AppendEncoded(nil)

		if !bytes.HasPrefix(encoded, tt.wantHeader) {
			t.Errorf("size %d: header = %x, want %x", tt.size, encoded[:len(tt.wantHeader)], tt.wantHeader)
		}
		if len(encoded) != len(tt.wantHeader)+tt.size {
			t.Errorf("size %d: encoded length = %d, want %d", tt.size, len(encoded), len(tt.wantHeader)+tt.size)
		}

		frame, err := ReadFrame(bytes.NewReader(encoded))
		if err != nil {
			t.Fatalf("size %d: ReadFrame() error = %v", tt.size, err)
		}
		if frame.Length() != tt.size {
			t.Errorf("size %d: decoded length = %d", tt.size, frame.Length())
		}
	}
}

func TestWriteToMasked(t *testing.T) {
	payload := []byte("telemetry over the wire")
	f := NewFrame(OpcodeText, true, payload)
	f.SetMask([4]byte{0x01, 0x02, 0x03, 0x04})

	var buf bytes.Buffer
	if _, err := f.WriteTo(&buf); err != nil {
		t.Fatalf("WriteTo() error = %v", err)
	}
	wire := buf.Bytes()

	if wire[1]&0x80 == 0 {
		t.Error("mask bit not set on the wire")
	}
	if !bytes.Equal(wire[2:6], []byte{0x01, 0x02, 0x03, 0x04}) {
		t.Errorf("mask key = %x, want 01020304", wire[2:6])
	}
	if bytes.Equal(wire[6:], payload) {
		t.Error("payload went out unmasked")
	}
	if !bytes.Equal(f.Payload, payload) {
		t.Error("WriteTo modified the frame payload")
	}

	got, err := ReadFrame(&buf)
	if err != nil {
		t.Fatalf("ReadFrame() error = %v", err)
	}
	if !bytes.Equal(got.Payload, payload) {
		t.Errorf("payload = %q, want %q", got.Payload, payload)
	}
}

func TestFrameAccessors(t *testing.T) {
	f := NewFrame(OpcodePing, true, nil)
	if !f.IsControl() || !f.FIN() || f.Opcode() != OpcodePing {
		t.Errorf("frame = %v", f)
	}
	f.SetOpcode(OpcodeText)
	f.SetFIN(false)
	if f.IsControl() || f.FIN() || f.Opcode() != OpcodeText {
		t.Errorf("frame after setters = %v", f)
	}
	if got := OpcodeString(0x3); got != "unknown(0x3)" {
		t.Errorf("OpcodeString(0x3) = %q", got)
	}
}
