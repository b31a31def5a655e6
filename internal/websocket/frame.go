package websocket

import (
	"encoding/binary"
	"fmt"
	"io"
)

// WebSocket frame opcodes
const (
	OpcodeContinuation = 0x0
	OpcodeText         = 0x1
	OpcodeBinary       = 0x2
	OpcodeClose        = 0x8
	OpcodePing         = 0x9
	OpcodePong         = 0xA
)

// Header bits of the first two frame bytes.
const (
	bitFIN        = 0x80
	bitRSV1       = 0x40
	bitRSV2       = 0x20
	bitRSV3       = 0x10
	maskOpcode    = 0x0F
	bitMasked     = 0x80
	maskLength    = 0x7F
	length16      = 126
	length64      = 127
	maxControlLen = 125
)

// MaxFrameSize bounds the payload ReadFrame will allocate for one frame.
const MaxFrameSize = 16 << 20

// Frame is a single WebSocket frame. The first two header bytes are kept
// as sent and read through accessors; the length is always len(Payload)
// on the way out.
type Frame struct {
	header  [2]byte
	MaskKey [4]byte
	Payload []byte
	Raw     []byte // Original frame bytes, set by ReadFrame
}

// NewFrame builds an unmasked frame.
func NewFrame(opcode byte, fin bool, payload []byte) *Frame {
	f := &Frame{Payload: payload}
	f.SetOpcode(opcode)
	f.SetFIN(fin)
	return f
}

// FIN reports whether this is the final frame of a message.
func (f *Frame) FIN() bool { return f.header[0]&bitFIN != 0 }

// SetFIN sets or clears the FIN bit.
func (f *Frame) SetFIN(fin bool) { f.header[0] = setBit(f.header[0], bitFIN, fin) }

func (f *Frame) RSV1() bool { return f.header[0]&bitRSV1 != 0 }
func (f *Frame) RSV2() bool { return f.header[0]&bitRSV2 != 0 }
func (f *Frame) RSV3() bool { return f.header[0]&bitRSV3 != 0 }

// Opcode returns the low nibble of the first header byte.
func (f *Frame) Opcode() byte { return f.header[0] & maskOpcode }

// SetOpcode replaces the opcode, keeping the other bits.
func (f *Frame) SetOpcode(op byte) {
	f.header[0] = f.header[0]&^maskOpcode | op&maskOpcode
}

// Masked reports whether the payload travels masked with MaskKey.
func (f *Frame) Masked() bool { return f.header[1]&bitMasked != 0 }

// SetMask marks the frame as masked with key.
func (f *Frame) SetMask(key [4]byte) {
	f.header[1] |= bitMasked
	f.MaskKey = key
}

// Length is the payload length the frame encodes.
func (f *Frame) Length() int { return len(f.Payload) }

// IsControl reports whether the opcode is close, ping or pong.
func (f *Frame) IsControl() bool { return f.Opcode()&0x8 != 0 }

func setBit(b, bit byte, on bool) byte {
	if on {
		return b | bit
	}
	return b &^ bit
}

// ReadFrame reads one frame from r and unmasks its payload.
func ReadFrame(r io.Reader) (*Frame, error) {
	frame := &Frame{}

	if _, err := io.ReadFull(r, frame.header[:]); err != nil {
		return nil, err
	}
	frame.Raw = append(frame.Raw, frame.header[:]...)

	length := uint64(frame.header[1] & maskLength)
	switch length {
	case length16:
		ext := make([]byte, 2)
		if _, err := io.ReadFull(r, ext); err != nil {
			return nil, fmt.Errorf("failed to read extended length: %w", err)
		}
		frame.Raw = append(frame.Raw, ext...)
		length = uint64(binary.BigEndian.Uint16(ext))
	case length64:
		ext := make([]byte, 8)
		if _, err := io.ReadFull(r, ext); err != nil {
			return nil, fmt.Errorf("failed to read extended length: %w", err)
		}
		frame.Raw = append(frame.Raw, ext...)
		length = binary.BigEndian.Uint64(ext)
		if length&(1<<63) != 0 {
			return nil, protocolErrorf("64-bit payload length has its most significant bit set")
		}
	}

	if frame.IsControl() {
		if !frame.FIN() {
			return nil, protocolErrorf("fragmented control frame (opcode 0x%X)", frame.Opcode())
		}
		if length > maxControlLen {
			return nil, protocolErrorf("control frame payload of %d bytes", length)
		}
	}
	if length > MaxFrameSize {
		return nil, protocolErrorf("frame payload of %d bytes exceeds %d", length, MaxFrameSize)
	}

	// Client-to-server frames carry a 4-byte key right before the payload.
	if frame.Masked() {
		if _, err := io.ReadFull(r, frame.MaskKey[:]); err != nil {
			return nil, fmt.Errorf("failed to read mask key: %w", err)
		}
		frame.Raw = append(frame.Raw, frame.MaskKey[:]...)
	}

	if length > 0 {
		payload := make([]byte, length)
		if _, err := io.ReadFull(r, payload); err != nil {
			return nil, fmt.Errorf("failed to read payload: %w", err)
		}
		frame.Raw = append(frame.Raw, payload...)
		if frame.Masked() {
			Mask(payload, frame.MaskKey)
		}
		frame.Payload = payload
	}

	return frame, nil
}

// AppendEncoded appends the wire form of f to dst, choosing the shortest
// length encoding and masking a copy of the payload when f is masked.
func (f *Frame) AppendEncoded(dst []byte) []byte {
	n := len(f.Payload)
	b1 := f.header[1] & bitMasked

	switch {
	case n < length16:
		dst = append(dst, f.header[0], b1|byte(n))
	case n <= 0xFFFF:
		dst = append(dst, f.header[0], b1|length16)
		dst = binary.BigEndian.AppendUint16(dst, uint16(n))
	default:
		dst = append(dst, f.header[0], b1|length64)
		dst = binary.BigEndian.AppendUint64(dst, uint64(n))
	}

	if !f.Masked() {
		return append(dst, f.Payload...)
	}
	dst = append(dst, f.MaskKey[:]...)
	start := len(dst)
	dst = append(dst, f.Payload...)
	Mask(dst[start:], f.MaskKey)
	return dst
}

// WriteTo writes the encoded frame to w.
func (f *Frame) WriteTo(w io.Writer) (int64, error) {
	n, err := w.Write(f.AppendEncoded(nil))
	return int64(n), err
}

// OpcodeString returns a human-readable opcode name
func OpcodeString(op byte) string {
	switch op {
	case OpcodeContinuation:
		return "continuation"
	case OpcodeText:
		return "text"
	case OpcodeBinary:
		return "binary"
	case OpcodeClose:
		return "close"
	case OpcodePing:
		return "ping"
	case OpcodePong:
		return "pong"
	default:
		return fmt.Sprintf("unknown(0x%X)", op)
	}
}

// String returns a debug representation of the frame
func (f *Frame) String() string {
	return fmt.Sprintf("Frame{FIN=%v, Opcode=%s, Masked=%v, Length=%d}",
		f.FIN(), OpcodeString(f.Opcode()), f.Masked(), f.Length())
}
