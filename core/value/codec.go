package value

import (
	"encoding/json"
	"math"
	"reflect"
	"time"

	"github.com/sushant-115/txbridge/core/dberror"
)

// maxExactInt is the largest magnitude an integer can have and still survive a
// trip through float64 unchanged.
const maxExactInt = 1 << 53

// FromHost converts a host value into a Value. Accepted shapes: nil, string,
// bool, every Go integer and float type (integers only when exactly representable
// as float64), json.Number, time.Time, []byte, slices and arrays of accepted
// values, and maps keyed by strings. Anything else fails with ErrConversion.
func FromHost(h any) (Value, error) {
	switch x := h.(type) {
	case nil:
		return Null(), nil
	case Value:
		return x, nil
	case *Map:
		if x == nil {
			return Null(), nil
		}
		return FromMap(x.Clone()), nil
	case string:
		return String(x), nil
	case bool:
		return Bool(x), nil
	case float64:
		return Number(x), nil
	case float32:
		return Number(float64(x)), nil
	case int:
		return fromInt(int64(x))
	case int8:
		return Number(float64(x)), nil
	case int16:
		return Number(float64(x)), nil
	case int32:
		return Number(float64(x)), nil
	case int64:
		return fromInt(x)
	case uint:
		return fromUint(uint64(x))
	case uint8:
		return Number(float64(x)), nil
	case uint16:
		return Number(float64(x)), nil
	case uint32:
		return Number(float64(x)), nil
	case uint64:
		return fromUint(x)
	case json.Number:
		f, err := x.Float64()
		if err != nil {
			return Value{}, dberror.Conversion("invalid number %q", x.String())
		}
		return Number(f), nil
	case time.Time:
		return Datetime(x), nil
	case []byte:
		return Bytes(x), nil
	case []any:
		items := make([]Value, len(x))
		for i, e := range x {
			v, err := FromHost(e)
			if err != nil {
				return Value{}, err
			}
			items[i] = v
		}
		return List(items...), nil
	case map[string]any:
		m := NewMap()
		for k, e := range x {
			v, err := FromHost(e)
			if err != nil {
				return Value{}, err
			}
			m.Set(k, v)
		}
		return FromMap(m), nil
	}
	return fromReflect(reflect.ValueOf(h))
}

func fromInt(i int64) (Value, error) {
	if i > maxExactInt || i < -maxExactInt {
		return Value{}, dberror.Conversion("integer %d cannot be represented exactly", i)
	}
	return Number(float64(i)), nil
}

func fromUint(u uint64) (Value, error) {
	if u > maxExactInt {
		return Value{}, dberror.Conversion("integer %d cannot be represented exactly", u)
	}
	return Number(float64(u)), nil
}

// fromReflect handles typed slices and string-keyed maps such as []string or
// map[string]int. Pointers, structs, channels and funcs are rejected.
func fromReflect(rv reflect.Value) (Value, error) {
	switch rv.Kind() {
	case reflect.Slice, reflect.Array:
		if rv.Kind() == reflect.Slice && rv.IsNil() {
			return Null(), nil
		}
		items := make([]Value, rv.Len())
		for i := range items {
			v, err := FromHost(rv.Index(i).Interface())
			if err != nil {
				return Value{}, err
			}
			items[i] = v
		}
		return List(items...), nil
	case reflect.Map:
		if rv.Type().Key().Kind() != reflect.String {
			return Value{}, dberror.Conversion("map keys must be strings, got %s", rv.Type().Key())
		}
		m := NewMap()
		iter := rv.MapRange()
		for iter.Next() {
			v, err := FromHost(iter.Value().Interface())
			if err != nil {
				return Value{}, err
			}
			m.Set(iter.Key().String(), v)
		}
		return FromMap(m), nil
	case reflect.Invalid:
		return Null(), nil
	}
	return Value{}, dberror.Conversion("unsupported host value of type %s", rv.Type())
}

// ToHost converts v into the host representation. It is total.
func ToHost(v Value) any {
	switch v.kind {
	case KindString:
		return v.str
	case KindNumber:
		return v.num
	case KindBool:
		return v.b
	case KindDatetime:
		return v.t
	case KindBytes:
		return append([]byte{}, v.raw...)
	case KindList:
		out := make([]any, len(v.list))
		for i, e := range v.list {
			out[i] = ToHost(e)
		}
		return out
	case KindMap:
		return MapToHost(v.m)
	}
	return nil
}

// MapToHost converts a row into a host object.
func MapToHost(m *Map) map[string]any {
	out := make(map[string]any, m.Len())
	m.Range(func(k string, e Value) bool {
		out[k] = ToHost(e)
		return true
	})
	return out
}

// MapFromHost decodes a host object into a row, failing when h is not an object.
func MapFromHost(h any) (*Map, error) {
	v, err := FromHost(h)
	if err != nil {
		return nil, err
	}
	return v.AsMap()
}

// isFinite is used by the tagged encoding to decide whether a number can be a
// plain JSON number.
func isFinite(f float64) bool {
	return !math.IsNaN(f) && !math.IsInf(f, 0)
}
