package command

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strconv"
)

// Kind identifies which variant a Value holds.
type Kind uint8

const (
	KindNull Kind = iota
	KindString
	KindNumber
	KindBool
	KindList
	KindMap
)

func (k Kind) String() string {
	switch k {
	case KindNull:
		return "null"
	case KindString:
		return "string"
	case KindNumber:
		return "number"
	case KindBool:
		return "bool"
	case KindList:
		return "list"
	case KindMap:
		return "map"
	default:
		return "unknown"
	}
}

// Value is a closed sum over the JSON scalar and container types. Entity
// values are always one of these variants, which lets normalizers and
// placeholder rendering use exhaustive switches instead of reflection.
type Value struct {
	kind Kind
	str  string
	num  float64
	b    bool
	list []Value
	obj  map[string]Value
}

func Null() Value               { return Value{kind: KindNull} }
func String(s string) Value     { return Value{kind: KindString, str: s} }
func Number(f float64) Value    { return Value{kind: KindNumber, num: f} }
func Int(i int) Value           { return Value{kind: KindNumber, num: float64(i)} }
func Bool(b bool) Value         { return Value{kind: KindBool, b: b} }
func List(items ...Value) Value { return Value{kind: KindList, list: items} }

func Map(m map[string]Value) Value {
	if m == nil {
		m = map[string]Value{}
	}
	return Value{kind: KindMap, obj: m}
}

func (v Value) Kind() Kind { return v.kind }

func (v Value) AsString() (string, bool) {
	return v.str, v.kind == KindString
}

func (v Value) AsNumber() (float64, bool) {
	return v.num, v.kind == KindNumber
}

// AsInt returns the value as an int when it is an integral number.
func (v Value) AsInt() (int, bool) {
	if v.kind != KindNumber || v.num != float64(int(v.num)) {
		return 0, false
	}
	return int(v.num), true
}

func (v Value) AsBool() (bool, bool) {
	return v.b, v.kind == KindBool
}

func (v Value) AsList() ([]Value, bool) {
	return v.list, v.kind == KindList
}

func (v Value) AsMap() (map[string]Value, bool) {
	return v.obj, v.kind == KindMap
}

// IsEmpty reports whether the value counts as "missing" for required-field
// validation: null, the empty string, or an empty list.
func (v Value) IsEmpty() bool {
	switch v.kind {
	case KindNull:
		return true
	case KindString:
		return v.str == ""
	case KindList:
		return len(v.list) == 0
	default:
		return false
	}
}

// Text renders the value as a plain string: strings verbatim, numbers in
// shortest form ("72" not "72.000000"), containers as JSON.
func (v Value) Text() string {
	switch v.kind {
	case KindNull:
		return ""
	case KindString:
		return v.str
	case KindNumber:
		return strconv.FormatFloat(v.num, 'f', -1, 64)
	case KindBool:
		return strconv.FormatBool(v.b)
	default:
		data, err := json.Marshal(v)
		if err != nil {
			return fmt.Sprintf("<unencodable %s>", v.kind)
		}
		return string(data)
	}
}

// ToAny converts the value into the corresponding encoding/json shape.
func (v Value) ToAny() any {
	switch v.kind {
	case KindString:
		return v.str
	case KindNumber:
		return v.num
	case KindBool:
		return v.b
	case KindList:
		out := make([]any, len(v.list))
		for i, item := range v.list {
			out[i] = item.ToAny()
		}
		return out
	case KindMap:
		out := make(map[string]any, len(v.obj))
		for k, item := range v.obj {
			out[k] = item.ToAny()
		}
		return out
	default:
		return nil
	}
}

// FromAny converts an arbitrary JSON-shaped Go value into a Value. Unknown
// types fall back to their fmt representation as a string.
func FromAny(raw any) Value {
	switch t := raw.(type) {
	case nil:
		return Null()
	case Value:
		return t
	case string:
		return String(t)
	case bool:
		return Bool(t)
	case float64:
		return Number(t)
	case float32:
		return Number(float64(t))
	case int:
		return Int(t)
	case int32:
		return Int(int(t))
	case int64:
		return Number(float64(t))
	case json.Number:
		f, err := t.Float64()
		if err != nil {
			return String(t.String())
		}
		return Number(f)
	case []any:
		items := make([]Value, len(t))
		for i, item := range t {
			items[i] = FromAny(item)
		}
		return List(items...)
	case map[string]any:
		m := make(map[string]Value, len(t))
		for k, item := range t {
			m[k] = FromAny(item)
		}
		return Map(m)
	case map[string]Value:
		return Map(t)
	case Entities:
		return Map(t)
	default:
		return String(fmt.Sprintf("%v", t))
	}
}

// Clone returns a deep copy of the value.
func (v Value) Clone() Value {
	switch v.kind {
	case KindList:
		items := make([]Value, len(v.list))
		for i, item := range v.list {
			items[i] = item.Clone()
		}
		return Value{kind: KindList, list: items}
	case KindMap:
		m := make(map[string]Value, len(v.obj))
		for k, item := range v.obj {
			m[k] = item.Clone()
		}
		return Value{kind: KindMap, obj: m}
	default:
		return v
	}
}

func (v Value) MarshalJSON() ([]byte, error) {
	return json.Marshal(v.ToAny())
}

func (v *Value) UnmarshalJSON(data []byte) error {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	var raw any
	if err := dec.Decode(&raw); err != nil {
		return err
	}
	*v = FromAny(raw)
	return nil
}

// Entities is the string-keyed entity map attached to a Command.
type Entities map[string]Value

// Get returns the value for key and whether it is present.
func (e Entities) Get(key string) (Value, bool) {
	v, ok := e[key]
	return v, ok
}

// GetString returns the string value for key, or "" when absent or not a
// string.
func (e Entities) GetString(key string) string {
	v, ok := e[key]
	if !ok {
		return ""
	}
	s, _ := v.AsString()
	return s
}

// Clone returns a deep copy of the entity map.
func (e Entities) Clone() Entities {
	out := make(Entities, len(e))
	for k, v := range e {
		out[k] = v.Clone()
	}
	return out
}

// EntitiesFromAny converts a loosely-typed map (e.g. decoded NLU output)
// into a typed entity map.
func EntitiesFromAny(raw map[string]any) Entities {
	out := make(Entities, len(raw))
	for k, v := range raw {
		out[k] = FromAny(v)
	}
	return out
}

// ToAnyMap converts the entity map back into a loosely-typed map.
func (e Entities) ToAnyMap() map[string]any {
	out := make(map[string]any, len(e))
	for k, v := range e {
		out[k] = v.ToAny()
	}
	return out
}
