// Package codec encodes values pushed to WebSocket clients, as JSON text
// or as CBOR binary.
package codec

import (
	"encoding/json"
	"fmt"
	"reflect"
	"strings"

	"github.com/fxamacker/cbor/v2"
)

// Encoding selects the wire format of pushed messages.
type Encoding int

const (
	JSON Encoding = iota
	CBOR
)

// String returns the query-parameter name of the encoding.
func (e Encoding) String() string {
	switch e {
	case JSON:
		return "json"
	case CBOR:
		return "cbor"
	default:
		return fmt.Sprintf("unknown(%d)", int(e))
	}
}

// ParseEncoding parses an encoding name. The empty string is JSON.
func ParseEncoding(s string) (Encoding, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "json":
		return JSON, nil
	case "cbor":
		return CBOR, nil
	default:
		return 0, fmt.Errorf("unknown encoding %q", s)
	}
}

// Binary reports whether the encoding is sent in binary frames.
func (e Encoding) Binary() bool { return e == CBOR }

// Marshal encodes v in this encoding.
func (e Encoding) Marshal(v any) ([]byte, error) {
	if e == CBOR {
		return Marshal(v)
	}
	return json.Marshal(v)
}

// encMode uses Core Deterministic Encoding: sorted map keys and the
// smallest integer and float forms.
var encMode cbor.EncMode

// decMode decodes untyped maps as map[string]any so results mix freely
// with encoding/json.
var decMode cbor.DecMode

func init() {
	var err error
	encMode, err = cbor.CoreDetEncOptions().EncMode()
	if err != nil {
		panic("codec: CBOR encoder initialization failed: " + err.Error())
	}
	decMode, err = cbor.DecOptions{
		DefaultMapType: reflect.TypeOf(map[string]any(nil)),
	}.DecMode()
	if err != nil {
		panic("codec: CBOR decoder initialization failed: " + err.Error())
	}
}

// Marshal encodes v to CBOR.
func Marshal(v any) ([]byte, error) {
	return encMode.Marshal(v)
}

// Unmarshal decodes CBOR data into v.
func Unmarshal(data []byte, v any) error {
	return decMode.Unmarshal(data, v)
}

// Decode turns a stored JSON value into a plain Go value that both
// encodings can carry. Empty input decodes to nil.
func Decode(raw json.RawMessage) (any, error) {
	if len(raw) == 0 {
		return nil, nil
	}
	var v any
	if err := json.Unmarshal(raw, &v); err != nil {
		return nil, fmt.Errorf("decode stored value: %w", err)
	}
	return v, nil
}
