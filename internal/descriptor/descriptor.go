package descriptor

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"
)

// MaxID is the largest packet identifier that fits the 12-bit id field.
const MaxID = 0xFFF

// FormatID canonicalizes a packet id as fixed-width lower-case hex.
func FormatID(id uint16) string {
	return fmt.Sprintf("0x%03x", id)
}

// ParseID accepts "0x402", "0X402" or "402" (always hex).
func ParseID(s string) (uint16, error) {
	trimmed := strings.TrimSpace(s)
	trimmed = strings.TrimPrefix(strings.TrimPrefix(trimmed, "0x"), "0X")
	if trimmed == "" {
		return 0, fmt.Errorf("empty packet id %q", s)
	}
	v, err := strconv.ParseUint(trimmed, 16, 16)
	if err != nil {
		return 0, fmt.Errorf("bad packet id %q: %w", s, err)
	}
	if v > MaxID {
		return 0, fmt.Errorf("packet id %q exceeds 12 bits", s)
	}
	return uint16(v), nil
}

// MessageSpec names one value decoded from a packet. On disk it is written
// as a list, ["Bus Voltage", "V", "pack voltage at the BMS"], where only the
// name is required.
type MessageSpec struct {
	Name        string
	Units       string
	Description string
}

func (m *MessageSpec) fromList(items []string) error {
	if len(items) == 0 || strings.TrimSpace(items[0]) == "" {
		return fmt.Errorf("message entry has no name")
	}
	m.Name = items[0]
	if len(items) > 1 {
		m.Units = items[1]
	}
	if len(items) > 2 {
		m.Description = items[2]
	}
	return nil
}

func (m MessageSpec) toList() []string {
	out := []string{m.Name}
	if m.Units != "" || m.Description != "" {
		out = append(out, m.Units)
	}
	if m.Description != "" {
		out = append(out, m.Description)
	}
	return out
}

// UnmarshalJSON accepts both the list form and a bare string.
func (m *MessageSpec) UnmarshalJSON(data []byte) error {
	var items []string
	if err := json.Unmarshal(data, &items); err == nil {
		return m.fromList(items)
	}
	var name string
	if err := json.Unmarshal(data, &name); err != nil {
		return fmt.Errorf("message entry must be a list or a string: %w", err)
	}
	return m.fromList([]string{name})
}

func (m MessageSpec) MarshalJSON() ([]byte, error) {
	return json.Marshal(m.toList())
}

// UnmarshalYAML mirrors UnmarshalJSON for *.can.yaml files.
func (m *MessageSpec) UnmarshalYAML(node *yaml.Node) error {
	switch node.Kind {
	case yaml.SequenceNode:
		var items []string
		if err := node.Decode(&items); err != nil {
			return err
		}
		return m.fromList(items)
	case yaml.ScalarNode:
		return m.fromList([]string{node.Value})
	default:
		return fmt.Errorf("line %d: message entry must be a list or a string", node.Line)
	}
}

// Descriptor describes how to decode one packet id.
type Descriptor struct {
	ID       uint16
	Name     string
	Set      string
	Layout   *Layout
	Messages []MessageSpec
}

// Key is the canonical id string used in URLs and storage.
func (d *Descriptor) Key() string {
	return FormatID(d.ID)
}

// MessageNames lists the names values are stored under, in declaration
// order. A descriptor without sub-messages stores under its own name.
func (d *Descriptor) MessageNames() []string {
	if len(d.Messages) == 0 {
		return []string{d.Name}
	}
	names := make([]string, len(d.Messages))
	for i, m := range d.Messages {
		names[i] = m.Name
	}
	return names
}

// HasMessage reports whether values are stored under name.
func (d *Descriptor) HasMessage(name string) bool {
	if len(d.Messages) == 0 {
		return name == d.Name
	}
	for _, m := range d.Messages {
		if m.Name == name {
			return true
		}
	}
	return false
}

// Message looks up a sub-message by name.
func (d *Descriptor) Message(name string) (MessageSpec, bool) {
	for _, m := range d.Messages {
		if m.Name == name {
			return m, true
		}
	}
	return MessageSpec{}, false
}

// MarshalJSON writes the descriptor in its on-disk shape.
func (d *Descriptor) MarshalJSON() ([]byte, error) {
	format := ""
	if d.Layout != nil {
		format = d.Layout.Format
	}
	messages := d.Messages
	if messages == nil {
		messages = []MessageSpec{}
	}
	return json.Marshal(struct {
		Name     string        `json:"name"`
		Format   string        `json:"format"`
		Messages []MessageSpec `json:"messages"`
	}{d.Name, format, messages})
}

// entry is a descriptor as read from disk, before its format is compiled.
type entry struct {
	Name     string        `json:"name" yaml:"name"`
	Format   string        `json:"format" yaml:"format"`
	Messages []MessageSpec `json:"messages" yaml:"messages"`
}

func (e entry) compile(key, set string) (*Descriptor, error) {
	id, err := ParseID(key)
	if err != nil {
		return nil, err
	}
	layout, err := Compile(e.Format)
	if err != nil {
		return nil, fmt.Errorf("packet %s: %w", FormatID(id), err)
	}
	if len(e.Messages) > 0 && layout.Values() != len(e.Messages) {
		return nil, fmt.Errorf("packet %s: format %q yields %d values for %d messages",
			FormatID(id), e.Format, layout.Values(), len(e.Messages))
	}
	name := e.Name
	if name == "" {
		name = FormatID(id)
	}
	return &Descriptor{
		ID:       id,
		Name:     name,
		Set:      set,
		Layout:   layout,
		Messages: e.Messages,
	}, nil
}
