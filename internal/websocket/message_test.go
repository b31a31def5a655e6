package websocket

import (
	"bytes"
	"math/rand"
	"testing"
)

func TestFragmentReassemble(t *testing.T) {
	rng := rand.New(rand.NewSource(5))

	for _, size := range []int{0, 1, FragmentSize - 1, FragmentSize, FragmentSize + 1, 5000} {
		payload := make([]byte, size)
		rng.Read(payload)

		frames := Fragment(OpcodeBinary, payload, true)

		wantFrames := (size + FragmentSize - 1) / FragmentSize
		if wantFrames == 0 {
			wantFrames = 1
		}
		if len(frames) != wantFrames {
			t.Fatalf("size %d: %d frames, want %d", size, len(frames), wantFrames)
		}

		// Send over the wire and reassemble on the other side.
		var wire bytes.Buffer
		for i, f := range frames {
			if f.FIN() != (i == len(frames)-1) {
				t.Errorf("size %d: frame %d FIN = %v", size, i, f.FIN())
			}
			wantOp := byte(OpcodeContinuation)
			if i == 0 {
				wantOp = OpcodeBinary
			}
			if f.Opcode() != wantOp {
				t.Errorf("size %d: frame %d opcode = %s", size, i, OpcodeString(f.Opcode()))
			}
			if !f.Masked() {
				t.Errorf("size %d: frame %d not masked", size, i)
			}
			if _, err := f.WriteTo(&wire); err != nil {
				t.Fatalf("WriteTo() error = %v", err)
			}
		}

		var asm Assembler
		var msg *Message
		for range frames {
			f, err := ReadFrame(&wire)
			if err != nil {
				t.Fatalf("ReadFrame() error = %v", err)
			}
			if msg != nil {
				t.Fatalf("size %d: message completed early", size)
			}
			msg, err = asm.Push(f)
			if err != nil {
				t.Fatalf("Push() error = %v", err)
			}
		}
		if msg == nil {
			t.Fatalf("size %d: no message assembled", size)
		}
		if msg.Opcode != OpcodeBinary || !bytes.Equal(msg.Payload, payload) {
			t.Errorf("size %d: reassembled payload differs", size)
		}
	}
}

func TestAssemblerControlBetweenFragments(t *testing.T) {
	var asm Assembler

	if msg, err := asm.Push(NewFrame(OpcodeText, false, []byte("hel"))); msg != nil || err != nil {
		t.Fatalf("Push(first) = %v, %v", msg, err)
	}
	msg, err := asm.Push(NewFrame(OpcodePing, true, []byte("p")))
	if err != nil || msg == nil || msg.Opcode != OpcodePing {
		t.Fatalf("Push(ping) = %v, %v, want the ping", msg, err)
	}
	if !asm.Buffering() {
		t.Error("ping should not end the fragmented message")
	}
	msg, err = asm.Push(NewFrame(OpcodeContinuation, true, []byte("lo")))
	if err != nil || msg == nil || string(msg.Payload) != "hello" || msg.Opcode != OpcodeText {
		t.Errorf("Push(last) = %v, %v", msg, err)
	}
}

func TestAssemblerErrors(t *testing.T) {
	tests := []struct {
		name   string
		frames []*Frame
	}{
		{"continuation first", []*Frame{NewFrame(OpcodeContinuation, true, nil)}},
		{"new data mid-message", []*Frame{
			NewFrame(OpcodeText, false, []byte("a")),
			NewFrame(OpcodeBinary, true, []byte("b")),
		}},
		{"fragmented control", []*Frame{NewFrame(OpcodeClose, false, nil)}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var asm Assembler
			var err error
			for _, f := range tt.frames {
				if _, err = asm.Push(f); err != nil {
					break
				}
			}
			if !IsProtocolViolation(err) {
				t.Errorf("error = %v, want a protocol violation", err)
			}
		})
	}
}

func TestAssemblerMaxSize(t *testing.T) {
	asm := Assembler{MaxSize: 4}
	if _, err := asm.Push(NewFrame(OpcodeBinary, false, []byte("abc"))); err != nil {
		t.Fatalf("Push() error = %v", err)
	}
	_, err := asm.Push(NewFrame(OpcodeContinuation, true, []byte("de")))
	pe, ok := err.(*ProtocolError)
	if !ok || pe.Code != CloseMessageTooBig {
		t.Errorf("error = %v, want a 1009 protocol error", err)
	}
	if asm.Buffering() {
		t.Error("assembler should reset after an oversized message")
	}
}
