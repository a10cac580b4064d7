package value

import (
	"bytes"
	"encoding/base64"
	"encoding/json"
	"strconv"
	"strings"
	"time"

	"github.com/sushant-115/txbridge/core/dberror"
)

// Tagged-form markers. A tagged object has exactly one key.
const (
	tagDate   = "$date"
	tagBytes  = "$bytes"
	tagNumber = "$number"
	tagMap    = "$map"
)

// ToTagged renders v using only JSON-compatible Go values (nil, bool, float64,
// string, []any, map[string]any). Datetimes, bytes and non-finite numbers become
// single-key tagged objects; maps whose keys could be mistaken for tags are
// wrapped in {"$map": ...}.
func ToTagged(v Value) any {
	switch v.kind {
	case KindString:
		return v.str
	case KindNumber:
		if !isFinite(v.num) {
			return map[string]any{tagNumber: strconv.FormatFloat(v.num, 'g', -1, 64)}
		}
		return v.num
	case KindBool:
		return v.b
	case KindDatetime:
		return map[string]any{tagDate: v.t.Format(time.RFC3339Nano)}
	case KindBytes:
		return map[string]any{tagBytes: base64.StdEncoding.EncodeToString(v.raw)}
	case KindList:
		out := make([]any, len(v.list))
		for i, e := range v.list {
			out[i] = ToTagged(e)
		}
		return out
	case KindMap:
		out := make(map[string]any, v.m.Len())
		escape := false
		v.m.Range(func(k string, e Value) bool {
			if strings.HasPrefix(k, "$") {
				escape = true
			}
			out[k] = ToTagged(e)
			return true
		})
		if escape {
			return map[string]any{tagMap: out}
		}
		return out
	}
	return nil
}

// FromTagged is the inverse of ToTagged.
func FromTagged(t any) (Value, error) {
	switch x := t.(type) {
	case nil:
		return Null(), nil
	case bool:
		return Bool(x), nil
	case float64:
		return Number(x), nil
	case json.Number:
		f, err := x.Float64()
		if err != nil {
			return Value{}, dberror.Conversion("invalid number %q", x.String())
		}
		return Number(f), nil
	case string:
		return String(x), nil
	case []any:
		items := make([]Value, len(x))
		for i, e := range x {
			v, err := FromTagged(e)
			if err != nil {
				return Value{}, err
			}
			items[i] = v
		}
		return List(items...), nil
	case map[string]any:
		if len(x) == 1 {
			if v, ok, err := fromTag(x); ok || err != nil {
				return v, err
			}
		}
		m := NewMap()
		for k, e := range x {
			v, err := FromTagged(e)
			if err != nil {
				return Value{}, err
			}
			m.Set(k, v)
		}
		return FromMap(m), nil
	}
	return Value{}, dberror.Conversion("unsupported tagged value of type %T", t)
}

func fromTag(x map[string]any) (Value, bool, error) {
	for tag, payload := range x {
		switch tag {
		case tagDate:
			s, ok := payload.(string)
			if !ok {
				return Value{}, true, dberror.Conversion("%s payload must be a string", tagDate)
			}
			ts, err := time.Parse(time.RFC3339Nano, s)
			if err != nil {
				return Value{}, true, dberror.Conversion("invalid datetime %q", s)
			}
			return Datetime(ts), true, nil
		case tagBytes:
			s, ok := payload.(string)
			if !ok {
				return Value{}, true, dberror.Conversion("%s payload must be a string", tagBytes)
			}
			raw, err := base64.StdEncoding.DecodeString(s)
			if err != nil {
				return Value{}, true, dberror.Conversion("invalid base64 bytes")
			}
			return Value{kind: KindBytes, raw: raw}, true, nil
		case tagNumber:
			s, ok := payload.(string)
			if !ok {
				return Value{}, true, dberror.Conversion("%s payload must be a string", tagNumber)
			}
			f, err := strconv.ParseFloat(s, 64)
			if err != nil {
				return Value{}, true, dberror.Conversion("invalid number %q", s)
			}
			return Number(f), true, nil
		case tagMap:
			inner, ok := payload.(map[string]any)
			if !ok {
				return Value{}, true, dberror.Conversion("%s payload must be an object", tagMap)
			}
			m := NewMap()
			for k, e := range inner {
				v, err := FromTagged(e)
				if err != nil {
					return Value{}, true, err
				}
				m.Set(k, v)
			}
			return FromMap(m), true, nil
		}
	}
	return Value{}, false, nil
}

func (v Value) MarshalJSON() ([]byte, error) {
	return json.Marshal(ToTagged(v))
}

func (v *Value) UnmarshalJSON(data []byte) error {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	var raw any
	if err := dec.Decode(&raw); err != nil {
		return dberror.Conversion("decode json: %v", err)
	}
	out, err := FromTagged(raw)
	if err != nil {
		return err
	}
	*v = out
	return nil
}

func (m *Map) MarshalJSON() ([]byte, error) {
	return FromMap(m).MarshalJSON()
}

func (m *Map) UnmarshalJSON(data []byte) error {
	var v Value
	if err := v.UnmarshalJSON(data); err != nil {
		return err
	}
	out, err := v.AsMap()
	if err != nil {
		return err
	}
	*m = *out
	return nil
}
