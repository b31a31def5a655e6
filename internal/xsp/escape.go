package xsp

import (
	"encoding/binary"
	"fmt"
)

// Reserved bytes of the XSP framing.
const (
	StartByte  = 0xE7
	EscapeByte = 0x75

	// ReplacementByte is emitted for a bad escape under the Replace policy.
	ReplacementByte = '?'
)

// ErrorPolicy decides what the decoder does with an invalid escape sequence.
type ErrorPolicy int

const (
	// Strict fails the decode.
	Strict ErrorPolicy = iota
	// Ignore drops the offending byte.
	Ignore
	// Replace substitutes ReplacementByte.
	Replace
)

func (p ErrorPolicy) String() string {
	switch p {
	case Strict:
		return "strict"
	case Ignore:
		return "ignore"
	case Replace:
		return "replace"
	default:
		return fmt.Sprintf("ErrorPolicy(%d)", p)
	}
}

// ParseErrorPolicy maps a config string onto a policy.
func ParseErrorPolicy(s string) (ErrorPolicy, error) {
	switch s {
	case "", "strict":
		return Strict, nil
	case "ignore":
		return Ignore, nil
	case "replace":
		return Replace, nil
	default:
		return Strict, fmt.Errorf("unknown escape error policy %q", s)
	}
}

func isReserved(b byte) bool {
	return b == StartByte || b == EscapeByte
}

// Decoder removes XSP byte stuffing incrementally. An escape byte at the
// end of one chunk is remembered and applied to the first byte of the next.
type Decoder struct {
	policy  ErrorPolicy
	pending bool
}

// NewDecoder creates a decoder with the given failure policy.
func NewDecoder(policy ErrorPolicy) *Decoder {
	return &Decoder{policy: policy}
}

// Decode unescapes chunk. With final set, a dangling escape byte is an
// error under every policy. Under Strict, the bytes decoded before the
// failure are returned alongside the error.
func (d *Decoder) Decode(chunk []byte, final bool) ([]byte, error) {
	out := make([]byte, 0, len(chunk))
	for i, b := range chunk {
		switch {
		case d.pending:
			d.pending = false
			unescaped := b ^ EscapeByte
			if isReserved(unescaped) {
				out = append(out, unescaped)
				continue
			}
			switch d.policy {
			case Ignore:
			case Replace:
				out = append(out, ReplacementByte)
			default:
				return out, newError(FramingError, -1, ErrBadEscape,
					"0x%02x 0x%02x -> 0x%02x at offset %d", EscapeByte, b, unescaped, i)
			}
		case b == EscapeByte:
			d.pending = true
		default:
			out = append(out, b)
		}
	}

	if final && d.pending {
		d.pending = false
		return out, newError(FramingError, -1, ErrTruncatedEscape, "got end of data before the escaped byte")
	}
	return out, nil
}

// Reset clears any pending escape.
func (d *Decoder) Reset() {
	d.pending = false
}

// State reports whether the last byte seen was an unconsumed escape.
func (d *Decoder) State() bool {
	return d.pending
}

// SetState restores a state previously read with State.
func (d *Decoder) SetState(pending bool) {
	d.pending = pending
}

// Encode escapes every reserved byte in data.
func Encode(data []byte) []byte {
	out := make([]byte, 0, len(data)+len(data)/8)
	for _, b := range data {
		if isReserved(b) {
			out = append(out, EscapeByte, b^EscapeByte)
			continue
		}
		out = append(out, b)
	}
	return out
}

// EncodePacket frames a CAN packet the way the car does: start byte, then
// the escaped little-endian preamble and payload.
func EncodePacket(id uint16, payload []byte) ([]byte, error) {
	if id > 0xFFF {
		return nil, fmt.Errorf("packet id 0x%x exceeds 12 bits", id)
	}
	if len(payload) > MaxPayloadSize {
		return nil, fmt.Errorf("payload of %d bytes exceeds %d", len(payload), MaxPayloadSize)
	}
	raw := make([]byte, 2, 2+len(payload))
	binary.LittleEndian.PutUint16(raw, id<<4|uint16(len(payload)))
	raw = append(raw, payload...)
	return append([]byte{StartByte}, Encode(raw)...), nil
}
