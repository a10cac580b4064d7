package value

import (
	"slices"
	"strings"
)

// Map is an ordered set of name -> Value pairs. Iteration order is ascending by
// name, so maps holding the same entries are interchangeable.
type Map struct {
	keys []string
	vals map[string]Value
}

func NewMap() *Map {
	return &Map{vals: make(map[string]Value)}
}

// MapOf builds a map from alternating name/value pairs; it panics on a malformed
// argument list and is meant for literals in code and tests.
func MapOf(pairs ...any) *Map {
	if len(pairs)%2 != 0 {
		panic("value.MapOf: odd number of arguments")
	}
	m := NewMap()
	for i := 0; i < len(pairs); i += 2 {
		m.Set(pairs[i].(string), pairs[i+1].(Value))
	}
	return m
}

func (m *Map) Set(name string, v Value) {
	if _, ok := m.vals[name]; !ok {
		i, _ := slices.BinarySearch(m.keys, name)
		m.keys = slices.Insert(m.keys, i, name)
	}
	m.vals[name] = v
}

func (m *Map) Get(name string) (Value, bool) {
	if m == nil {
		return Value{}, false
	}
	v, ok := m.vals[name]
	return v, ok
}

func (m *Map) Delete(name string) {
	if _, ok := m.vals[name]; !ok {
		return
	}
	delete(m.vals, name)
	if i, found := slices.BinarySearch(m.keys, name); found {
		m.keys = slices.Delete(m.keys, i, i+1)
	}
}

func (m *Map) Len() int {
	if m == nil {
		return 0
	}
	return len(m.keys)
}

// Keys returns a copy of the names in order.
func (m *Map) Keys() []string {
	if m == nil {
		return nil
	}
	return slices.Clone(m.keys)
}

// Range calls fn for each entry in order until fn returns false.
func (m *Map) Range(fn func(name string, v Value) bool) {
	if m == nil {
		return
	}
	for _, k := range m.keys {
		if !fn(k, m.vals[k]) {
			return
		}
	}
}

// Clone is shallow for nested maps and lists.
func (m *Map) Clone() *Map {
	c := &Map{keys: slices.Clone(m.keys), vals: make(map[string]Value, len(m.vals))}
	for k, v := range m.vals {
		c.vals[k] = v
	}
	return c
}

func (m *Map) Equal(o *Map) bool {
	if m.Len() != o.Len() {
		return false
	}
	if m.Len() == 0 {
		return true
	}
	for _, k := range m.keys {
		ov, ok := o.vals[k]
		if !ok || !m.vals[k].Equal(ov) {
			return false
		}
	}
	return true
}

func (m *Map) String() string {
	var sb strings.Builder
	sb.WriteByte('{')
	for i, k := range m.keys {
		if i > 0 {
			sb.WriteString(", ")
		}
		sb.WriteString(k)
		sb.WriteString(": ")
		sb.WriteString(m.vals[k].String())
	}
	sb.WriteByte('}')
	return sb.String()
}
