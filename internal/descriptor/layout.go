package descriptor

import (
	"encoding/binary"
	"fmt"
	"math"
	"strconv"

	"github.com/x448/float16"
)

// Kind is the decoded type of a single layout field.
type Kind int

const (
	KindPad Kind = iota
	KindChar
	KindInt8
	KindUint8
	KindBool
	KindInt16
	KindUint16
	KindInt32
	KindUint32
	KindInt64
	KindUint64
	KindFloat16
	KindFloat32
	KindFloat64
)

var kindNames = map[Kind]string{
	KindPad:     "pad",
	KindChar:    "char",
	KindInt8:    "int8",
	KindUint8:   "uint8",
	KindBool:    "bool",
	KindInt16:   "int16",
	KindUint16:  "uint16",
	KindInt32:   "int32",
	KindUint32:  "uint32",
	KindInt64:   "int64",
	KindUint64:  "uint64",
	KindFloat16: "float16",
	KindFloat32: "float32",
	KindFloat64: "float64",
}

func (k Kind) String() string {
	if name, ok := kindNames[k]; ok {
		return name
	}
	return fmt.Sprintf("Kind(%d)", k)
}

// Size returns the encoded width of the kind in bytes.
func (k Kind) Size() int {
	switch k {
	case KindPad, KindChar, KindInt8, KindUint8, KindBool:
		return 1
	case KindInt16, KindUint16, KindFloat16:
		return 2
	case KindInt32, KindUint32, KindFloat32:
		return 4
	case KindInt64, KindUint64, KindFloat64:
		return 8
	default:
		return 0
	}
}

// formatCodes maps struct-style format characters onto field kinds. Sizes
// are always the standard sizes, never native ones.
var formatCodes = map[byte]Kind{
	'x': KindPad,
	'c': KindChar,
	'b': KindInt8,
	'B': KindUint8,
	'?': KindBool,
	'h': KindInt16,
	'H': KindUint16,
	'i': KindInt32,
	'I': KindUint32,
	'l': KindInt32,
	'L': KindUint32,
	'q': KindInt64,
	'Q': KindUint64,
	'e': KindFloat16,
	'f': KindFloat32,
	'd': KindFloat64,
}

// Field is one compiled element of a layout.
type Field struct {
	Kind   Kind
	Offset int
}

// Size is the width of the field in bytes.
func (f Field) Size() int { return f.Kind.Size() }

// MaxWidth is the largest CAN payload in bytes.
const MaxWidth = 8

// Layout is a compiled binary payload layout. Offsets are computed and
// checked once by Compile; Decode never revalidates them.
type Layout struct {
	Format string
	Order  binary.ByteOrder
	Fields []Field
	Width  int
}

// Compile turns a format string such as "<2fH" into a Layout. An optional
// leading byte order character selects little ('<', '=', '@') or big
// ('>', '!') endianness; the default is little endian, matching the bus.
// Layouts wider than MaxWidth are rejected.
func Compile(format string) (*Layout, error) {
	layout := &Layout{Format: format, Order: binary.LittleEndian}

	rest := format
	if len(rest) > 0 {
		switch rest[0] {
		case '<', '=', '@':
			rest = rest[1:]
		case '>', '!':
			layout.Order = binary.BigEndian
			rest = rest[1:]
		}
	}

	for i := 0; i < len(rest); {
		c := rest[i]
		if c == ' ' || c == '\t' {
			i++
			continue
		}

		count := 1
		if c >= '0' && c <= '9' {
			j := i
			for j < len(rest) && rest[j] >= '0' && rest[j] <= '9' {
				j++
			}
			n, err := strconv.Atoi(rest[i:j])
			if err != nil {
				return nil, fmt.Errorf("format %q: bad repeat count %q: %w", format, rest[i:j], err)
			}
			if j == len(rest) {
				return nil, fmt.Errorf("format %q: repeat count %d has no type code", format, n)
			}
			count = n
			i = j
			c = rest[i]
		}

		kind, ok := formatCodes[c]
		if !ok {
			return nil, fmt.Errorf("format %q: unsupported type code %q at %d", format, c, i)
		}
		if count > (MaxWidth-layout.Width)/kind.Size() {
			return nil, fmt.Errorf("format %q: wider than the %d byte CAN payload", format, MaxWidth)
		}
		for n := 0; n < count; n++ {
			layout.Fields = append(layout.Fields, Field{Kind: kind, Offset: layout.Width})
			layout.Width += kind.Size()
		}
		i++
	}

	for _, field := range layout.Fields {
		if field.Offset < 0 || field.Offset+field.Size() > layout.Width {
			return nil, fmt.Errorf("format %q: field at offset %d exceeds width %d", format, field.Offset, layout.Width)
		}
	}
	return layout, nil
}

// Values is the number of values Decode produces (pad bytes excluded).
func (l *Layout) Values() int {
	n := 0
	for _, field := range l.Fields {
		if field.Kind != KindPad {
			n++
		}
	}
	return n
}

// Decode unpacks a payload. The payload must be exactly Width bytes.
func (l *Layout) Decode(payload []byte) ([]any, error) {
	if len(payload) != l.Width {
		return nil, fmt.Errorf("payload size %d does not match layout width %d", len(payload), l.Width)
	}

	values := make([]any, 0, len(l.Fields))
	for _, field := range l.Fields {
		if field.Kind == KindPad {
			continue
		}
		data := payload[field.Offset : field.Offset+field.Size()]
		values = append(values, decodeValue(field.Kind, l.Order, data))
	}
	return values, nil
}

// decodeValue widens integers to 64 bits and floats to float64 so that the
// values marshal to JSON and CBOR without further conversion.
func decodeValue(kind Kind, order binary.ByteOrder, data []byte) any {
	switch kind {
	case KindChar:
		return string(data[:1])
	case KindInt8:
		return int64(int8(data[0]))
	case KindUint8:
		return uint64(data[0])
	case KindBool:
		return data[0] != 0
	case KindInt16:
		return int64(int16(order.Uint16(data)))
	case KindUint16:
		return uint64(order.Uint16(data))
	case KindInt32:
		return int64(int32(order.Uint32(data)))
	case KindUint32:
		return uint64(order.Uint32(data))
	case KindInt64:
		return int64(order.Uint64(data))
	case KindUint64:
		return order.Uint64(data)
	case KindFloat16:
		return float64(float16.Frombits(order.Uint16(data)).Float32())
	case KindFloat32:
		return float64(math.Float32frombits(order.Uint32(data)))
	case KindFloat64:
		return math.Float64frombits(order.Uint64(data))
	default:
		return nil
	}
}
