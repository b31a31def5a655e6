package descriptor

import (
	"fmt"
	"sort"
	"sync/atomic"
)

// Set is an immutable collection of descriptors, indexed by id and grouped
// by the file (node) they were loaded from. Sets are built once and never
// mutated after they are published through a Table.
type Set struct {
	byID   map[uint16]*Descriptor
	groups map[string][]*Descriptor
}

// NewSet returns an empty set ready for Add.
func NewSet() *Set {
	return &Set{
		byID:   make(map[uint16]*Descriptor),
		groups: make(map[string][]*Descriptor),
	}
}

// Add registers d under its group. Ids must be unique across groups.
func (s *Set) Add(d *Descriptor) error {
	if existing, ok := s.byID[d.ID]; ok {
		return fmt.Errorf("packet %s in %q already defined by %q", d.Key(), d.Set, existing.Set)
	}
	s.byID[d.ID] = d
	s.groups[d.Set] = append(s.groups[d.Set], d)
	sort.Slice(s.groups[d.Set], func(i, j int) bool {
		return s.groups[d.Set][i].ID < s.groups[d.Set][j].ID
	})
	return nil
}

// Lookup returns the descriptor for id.
func (s *Set) Lookup(id uint16) (*Descriptor, bool) {
	d, ok := s.byID[id]
	return d, ok
}

// LookupKey resolves a hex id string in any accepted spelling.
func (s *Set) LookupKey(key string) (*Descriptor, bool) {
	id, err := ParseID(key)
	if err != nil {
		return nil, false
	}
	return s.Lookup(id)
}

// Group returns the descriptors loaded from one file, sorted by id.
func (s *Set) Group(name string) ([]*Descriptor, bool) {
	g, ok := s.groups[name]
	return g, ok
}

// Groups lists the group names in sorted order.
func (s *Set) Groups() []string {
	names := make([]string, 0, len(s.groups))
	for name := range s.groups {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// All returns every descriptor sorted by id.
func (s *Set) All() []*Descriptor {
	out := make([]*Descriptor, 0, len(s.byID))
	for _, d := range s.byID {
		out = append(out, d)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Len is the number of descriptors in the set.
func (s *Set) Len() int { return len(s.byID) }

// Table is the swappable handle components hold on to. Readers always see
// a complete Set; Swap replaces it as a whole.
type Table struct {
	current atomic.Pointer[Set]
}

// NewTable publishes set (or an empty set if nil).
func NewTable(set *Set) *Table {
	if set == nil {
		set = NewSet()
	}
	t := &Table{}
	t.current.Store(set)
	return t
}

// Current returns the set in effect right now.
func (t *Table) Current() *Set {
	return t.current.Load()
}

// Swap publishes set and returns the one it replaced.
func (t *Table) Swap(set *Set) *Set {
	return t.current.Swap(set)
}

// Lookup is shorthand for Current().Lookup.
func (t *Table) Lookup(id uint16) (*Descriptor, bool) {
	return t.Current().Lookup(id)
}

// Reload loads dir and swaps the result in. On error the current set is
// left untouched.
func (t *Table) Reload(dir string) (*Set, error) {
	set, err := LoadDir(dir)
	if err != nil {
		return nil, err
	}
	t.Swap(set)
	return set, nil
}
