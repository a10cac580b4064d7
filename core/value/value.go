// Package value defines the row value model shared by the storage engine, the
// planner and the bridge: a recursive tagged variant with a lossless codec to the
// host environment's native Go values.
package value

import (
	"bytes"
	"fmt"
	"math"
	"time"

	"github.com/sushant-115/txbridge/core/dberror"
)

// Kind is the tag of a Value.
type Kind uint8

const (
	KindNull Kind = iota
	KindString
	KindNumber
	KindBool
	KindDatetime
	KindBytes
	KindList
	KindMap
)

var kindNames = [...]string{"null", "string", "number", "boolean", "datetime", "bytes", "list", "map"}

func (k Kind) String() string {
	if int(k) < len(kindNames) {
		return kindNames[k]
	}
	return fmt.Sprintf("kind(%d)", k)
}

// Value is one database value. The zero Value is Null.
type Value struct {
	kind Kind
	str  string
	num  float64
	b    bool
	t    time.Time
	raw  []byte
	list []Value
	m    *Map
}

func Null() Value                { return Value{} }
func String(s string) Value      { return Value{kind: KindString, str: s} }
func Number(n float64) Value     { return Value{kind: KindNumber, num: n} }
func Bool(b bool) Value          { return Value{kind: KindBool, b: b} }
func Datetime(t time.Time) Value { return Value{kind: KindDatetime, t: t.UTC()} }

// Bytes copies b.
func Bytes(b []byte) Value {
	return Value{kind: KindBytes, raw: append([]byte{}, b...)}
}

func List(items ...Value) Value {
	return Value{kind: KindList, list: items}
}

// FromMap wraps m; a nil map becomes an empty one.
func FromMap(m *Map) Value {
	if m == nil {
		m = NewMap()
	}
	return Value{kind: KindMap, m: m}
}

func (v Value) Kind() Kind   { return v.kind }
func (v Value) IsNull() bool { return v.kind == KindNull }

func (v Value) AsString() (string, bool)      { return v.str, v.kind == KindString }
func (v Value) AsNumber() (float64, bool)     { return v.num, v.kind == KindNumber }
func (v Value) AsBool() (bool, bool)          { return v.b, v.kind == KindBool }
func (v Value) AsDatetime() (time.Time, bool) { return v.t, v.kind == KindDatetime }
func (v Value) AsBytes() ([]byte, bool)       { return v.raw, v.kind == KindBytes }
func (v Value) AsList() ([]Value, bool)       { return v.list, v.kind == KindList }

// AsMap returns the map payload, failing for every other kind.
func (v Value) AsMap() (*Map, error) {
	if v.kind != KindMap {
		return nil, dberror.Conversion("expected a map, got %s", v.kind)
	}
	return v.m, nil
}

// Equal reports deep equality. Datetimes compare by instant and NaN equals NaN.
func (v Value) Equal(o Value) bool {
	if v.kind != o.kind {
		return false
	}
	switch v.kind {
	case KindNull:
		return true
	case KindString:
		return v.str == o.str
	case KindNumber:
		return v.num == o.num || (math.IsNaN(v.num) && math.IsNaN(o.num))
	case KindBool:
		return v.b == o.b
	case KindDatetime:
		return v.t.Equal(o.t)
	case KindBytes:
		return bytes.Equal(v.raw, o.raw)
	case KindList:
		if len(v.list) != len(o.list) {
			return false
		}
		for i := range v.list {
			if !v.list[i].Equal(o.list[i]) {
				return false
			}
		}
		return true
	case KindMap:
		return v.m.Equal(o.m)
	}
	return false
}

// Compare orders two values of the same kind. Values of different kinds order by
// kind tag so that sorting mixed columns is deterministic.
func Compare(a, b Value) int {
	if a.kind != b.kind {
		return cmpOrdered(a.kind, b.kind)
	}
	switch a.kind {
	case KindString:
		return cmpOrdered(a.str, b.str)
	case KindNumber:
		return cmpOrdered(a.num, b.num)
	case KindBool:
		switch {
		case a.b == b.b:
			return 0
		case !a.b:
			return -1
		}
		return 1
	case KindDatetime:
		return a.t.Compare(b.t)
	case KindBytes:
		return bytes.Compare(a.raw, b.raw)
	case KindList:
		for i := 0; i < len(a.list) && i < len(b.list); i++ {
			if c := Compare(a.list[i], b.list[i]); c != 0 {
				return c
			}
		}
		return cmpOrdered(len(a.list), len(b.list))
	}
	return 0
}

func cmpOrdered[T ~int | ~uint8 | ~float64 | ~string](a, b T) int {
	switch {
	case a < b:
		return -1
	case a > b:
		return 1
	}
	return 0
}

func (v Value) String() string {
	switch v.kind {
	case KindNull:
		return "null"
	case KindString:
		return fmt.Sprintf("%q", v.str)
	case KindNumber:
		return fmt.Sprint(v.num)
	case KindBool:
		return fmt.Sprint(v.b)
	case KindDatetime:
		return v.t.Format(time.RFC3339Nano)
	case KindBytes:
		return fmt.Sprintf("bytes(%d)", len(v.raw))
	case KindList:
		return fmt.Sprint(v.list)
	case KindMap:
		return v.m.String()
	}
	return "?"
}
