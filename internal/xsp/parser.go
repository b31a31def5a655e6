package xsp

import (
	"encoding/binary"
	"time"

	"github.com/calsol/telemetry/internal/descriptor"
)

// Preamble layout: a little-endian uint16 holding the 12-bit id in the top
// bits and the payload length in the low nibble.
const (
	IDMask         = 0xFFF0
	LengthMask     = 0x000F
	MaxPayloadSize = 8
	preambleSize   = 2
)

// Lookup resolves a packet id to its descriptor.
type Lookup func(id uint16) (*descriptor.Descriptor, bool)

// Packet is a parsed CAN packet before it is split into messages.
type Packet struct {
	Time       time.Time
	ID         uint16
	Descriptor *descriptor.Descriptor
	Values     []any
}

// Message is one named value decoded from a packet.
type Message struct {
	Time  time.Time
	ID    uint16
	Name  string
	Value any
}

// Parser validates and decodes CAN packets carried inside XSP frames.
type Parser struct {
	lookup Lookup
	now    func() time.Time
}

// NewParser creates a parser that resolves ids through lookup.
func NewParser(lookup Lookup) *Parser {
	return &Parser{
		lookup: lookup,
		now:    func() time.Time { return time.Now().UTC() },
	}
}

// Parse decodes one unescaped packet (the bytes between two start bytes).
// A packet is either decoded completely or rejected; Values is only set on
// success.
func (p *Parser) Parse(packet []byte) (Packet, error) {
	if len(packet) < preambleSize {
		return Packet{}, newError(FramingError, -1, ErrPacketTooShort, "got %d bytes", len(packet))
	}

	preamble := binary.LittleEndian.Uint16(packet[:preambleSize])
	id := (preamble & IDMask) >> 4
	length := int(preamble & LengthMask)
	payload := packet[preambleSize:]

	if length > MaxPayloadSize {
		return Packet{}, newError(FramingError, int(id), ErrPayloadTooLarge,
			"declared %d bytes, maximum is %d", length, MaxPayloadSize)
	}
	if len(payload) != length {
		return Packet{}, newError(FramingError, int(id), ErrLengthMismatch,
			"declared %d bytes, got %d", length, len(payload))
	}

	received := p.now()

	d, ok := p.lookup(id)
	if !ok {
		return Packet{}, newError(DescriptorMissing, int(id), nil,
			"unknown packet id, len=%d", length)
	}

	if d.Layout == nil || d.Layout.Width == 0 {
		if length != 0 {
			return Packet{}, newError(FramingError, int(id), ErrUnexpectedPayload,
				"got %d bytes", length)
		}
		return Packet{Time: received, ID: id, Descriptor: d}, nil
	}

	if length != d.Layout.Width {
		return Packet{}, newError(FramingError, int(id), ErrLayoutMismatch,
			"got %d bytes, layout %q expects %d", length, d.Layout.Format, d.Layout.Width)
	}

	values, err := d.Layout.Decode(payload)
	if err != nil {
		return Packet{}, newError(FramingError, int(id), err, "decoding payload")
	}
	return Packet{Time: received, ID: id, Descriptor: d, Values: values}, nil
}

// Expand fans a parsed packet out into one message per named sub-message,
// pairing values with names by position. A descriptor with no sub-messages
// yields a single message carrying the descriptor name and a nil value.
func Expand(p Packet) []Message {
	d := p.Descriptor
	if d == nil || len(d.Messages) == 0 {
		name := ""
		if d != nil {
			name = d.Name
		}
		return []Message{{Time: p.Time, ID: p.ID, Name: name, Value: nil}}
	}

	n := len(d.Messages)
	if len(p.Values) < n {
		n = len(p.Values)
	}
	messages := make([]Message, 0, n)
	for i := 0; i < n; i++ {
		messages = append(messages, Message{
			Time:  p.Time,
			ID:    p.ID,
			Name:  d.Messages[i].Name,
			Value: p.Values[i],
		})
	}
	return messages
}
