// Package sendable provides the JSON-shaped value union used wherever
// arbitrary-but-safe data crosses a boundary in the engine: tool arguments
// and results, interrupt payloads, channel contents, and run metadata.
package sendable

import (
	"encoding/json"
	"fmt"
	"sort"
)

// Kind identifies the variant held by a Value.
type Kind int

// Value variants. The set is closed: every Value holds exactly one of these.
const (
	KindNull Kind = iota
	KindString
	KindInt
	KindDouble
	KindBool
	KindArray
	KindDict
)

// String returns the variant name for diagnostics.
func (k Kind) String() string {
	switch k {
	case KindNull:
		return "null"
	case KindString:
		return "string"
	case KindInt:
		return "int"
	case KindDouble:
		return "double"
	case KindBool:
		return "bool"
	case KindArray:
		return "array"
	case KindDict:
		return "dict"
	default:
		return "unknown"
	}
}

// Value is a JSON-shaped sum type: string | int | double | bool | null |
// array(Value) | dict(string -> Value).
//
// Values are immutable by convention: constructors copy nothing, so callers
// must not mutate slices or maps after handing them to a constructor.
// The zero Value is null.
type Value struct {
	kind Kind
	str  string
	num  int64
	dbl  float64
	bit  bool
	arr  []Value
	dict map[string]Value
}

// Null returns the null value.
func Null() Value { return Value{} }

// String wraps a string.
func String(s string) Value { return Value{kind: KindString, str: s} }

// Int wraps an integer.
func Int(i int64) Value { return Value{kind: KindInt, num: i} }

// Double wraps a float.
func Double(f float64) Value { return Value{kind: KindDouble, dbl: f} }

// Bool wraps a boolean.
func Bool(b bool) Value { return Value{kind: KindBool, bit: b} }

// Array wraps a list of values.
func Array(items ...Value) Value { return Value{kind: KindArray, arr: items} }

// Dict wraps a string-keyed map of values. A nil map is treated as empty.
func Dict(m map[string]Value) Value {
	if m == nil {
		m = map[string]Value{}
	}
	return Value{kind: KindDict, dict: m}
}

// Kind reports which variant this value holds.
func (v Value) Kind() Kind { return v.kind }

// IsNull reports whether the value is null.
func (v Value) IsNull() bool { return v.kind == KindNull }

// AsString returns the string payload. ok is false for other variants.
func (v Value) AsString() (string, bool) { return v.str, v.kind == KindString }

// AsInt returns the integer payload. ok is false for other variants.
func (v Value) AsInt() (int64, bool) { return v.num, v.kind == KindInt }

// AsDouble returns the float payload. Int values convert losslessly.
func (v Value) AsDouble() (float64, bool) {
	switch v.kind {
	case KindDouble:
		return v.dbl, true
	case KindInt:
		return float64(v.num), true
	default:
		return 0, false
	}
}

// AsBool returns the boolean payload. ok is false for other variants.
func (v Value) AsBool() (bool, bool) { return v.bit, v.kind == KindBool }

// AsArray returns the array payload. ok is false for other variants.
func (v Value) AsArray() ([]Value, bool) { return v.arr, v.kind == KindArray }

// AsDict returns the dict payload. ok is false for other variants.
func (v Value) AsDict() (map[string]Value, bool) { return v.dict, v.kind == KindDict }

// StringOr returns the string payload or fallback for other variants.
func (v Value) StringOr(fallback string) string {
	if s, ok := v.AsString(); ok {
		return s
	}
	return fallback
}

// IntOr returns the integer payload or fallback for other variants.
func (v Value) IntOr(fallback int64) int64 {
	if i, ok := v.AsInt(); ok {
		return i
	}
	return fallback
}

// Get returns dict[key]. ok is false if the value is not a dict or the key
// is absent.
func (v Value) Get(key string) (Value, bool) {
	if v.kind != KindDict {
		return Value{}, false
	}
	item, ok := v.dict[key]
	return item, ok
}

// With returns a copy of a dict value with key set to item. Calling With on
// a non-dict value returns a fresh single-entry dict.
func (v Value) With(key string, item Value) Value {
	next := make(map[string]Value, len(v.dict)+1)
	for k, existing := range v.dict {
		next[k] = existing
	}
	next[key] = item
	return Dict(next)
}

// Equal reports deep structural equality. Int and double values are never
// equal to each other even when numerically identical; callers that want
// numeric comparison should use AsDouble on both sides.
func (v Value) Equal(other Value) bool {
	if v.kind != other.kind {
		return false
	}
	switch v.kind {
	case KindNull:
		return true
	case KindString:
		return v.str == other.str
	case KindInt:
		return v.num == other.num
	case KindDouble:
		return v.dbl == other.dbl
	case KindBool:
		return v.bit == other.bit
	case KindArray:
		if len(v.arr) != len(other.arr) {
			return false
		}
		for i := range v.arr {
			if !v.arr[i].Equal(other.arr[i]) {
				return false
			}
		}
		return true
	case KindDict:
		if len(v.dict) != len(other.dict) {
			return false
		}
		for k, item := range v.dict {
			o, ok := other.dict[k]
			if !ok || !item.Equal(o) {
				return false
			}
		}
		return true
	}
	return false
}

// MarshalJSON encodes the value as standard JSON. Dict keys are emitted in
// sorted order (encoding/json sorts map keys), so identical values always
// produce identical bytes. This is the canonical encoding used by channel
// codecs and determinism hashes.
func (v Value) MarshalJSON() ([]byte, error) {
	switch v.kind {
	case KindNull:
		return []byte("null"), nil
	case KindString:
		return json.Marshal(v.str)
	case KindInt:
		return json.Marshal(v.num)
	case KindDouble:
		return json.Marshal(v.dbl)
	case KindBool:
		return json.Marshal(v.bit)
	case KindArray:
		if v.arr == nil {
			return []byte("[]"), nil
		}
		return json.Marshal(v.arr)
	case KindDict:
		return json.Marshal(v.dict)
	}
	return nil, fmt.Errorf("sendable: unknown kind %d", v.kind)
}

// UnmarshalJSON decodes standard JSON into the value union. Numbers without
// a fractional part or exponent decode as int; all others decode as double.
func (v *Value) UnmarshalJSON(data []byte) error {
	decoded, err := decodeJSON(data)
	if err != nil {
		return err
	}
	*v = decoded
	return nil
}

func decodeJSON(data []byte) (Value, error) {
	var raw any
	dec := jsonDecoder(data)
	if err := dec.Decode(&raw); err != nil {
		return Value{}, err
	}
	return fromDecoded(raw)
}

func fromDecoded(raw any) (Value, error) {
	switch t := raw.(type) {
	case nil:
		return Null(), nil
	case string:
		return String(t), nil
	case bool:
		return Bool(t), nil
	case json.Number:
		if i, err := t.Int64(); err == nil && !hasFractionalSyntax(t.String()) {
			return Int(i), nil
		}
		f, err := t.Float64()
		if err != nil {
			return Value{}, fmt.Errorf("sendable: invalid number %q", t.String())
		}
		return Double(f), nil
	case []any:
		items := make([]Value, len(t))
		for i, e := range t {
			item, err := fromDecoded(e)
			if err != nil {
				return Value{}, err
			}
			items[i] = item
		}
		return Array(items...), nil
	case map[string]any:
		m := make(map[string]Value, len(t))
		for k, e := range t {
			item, err := fromDecoded(e)
			if err != nil {
				return Value{}, err
			}
			m[k] = item
		}
		return Dict(m), nil
	}
	return Value{}, fmt.Errorf("sendable: unsupported JSON type %T", raw)
}

func hasFractionalSyntax(s string) bool {
	for i := 0; i < len(s); i++ {
		switch s[i] {
		case '.', 'e', 'E':
			return true
		}
	}
	return false
}

// EncodeCanonical returns the canonical byte encoding of the value.
// Identical values always produce identical bytes.
func (v Value) EncodeCanonical() ([]byte, error) {
	return json.Marshal(v)
}

// DecodeCanonical parses bytes produced by EncodeCanonical (or any JSON).
func DecodeCanonical(data []byte) (Value, error) {
	return decodeJSON(data)
}

// FromAny converts a Go value produced by encoding/json (or hand-built from
// strings, numbers, bools, []any, and map[string]any) into a Value. Integer
// Go types map to int, floats to double.
func FromAny(raw any) (Value, error) {
	switch t := raw.(type) {
	case nil:
		return Null(), nil
	case Value:
		return t, nil
	case string:
		return String(t), nil
	case bool:
		return Bool(t), nil
	case int:
		return Int(int64(t)), nil
	case int32:
		return Int(int64(t)), nil
	case int64:
		return Int(t), nil
	case float32:
		return Double(float64(t)), nil
	case float64:
		return Double(t), nil
	case json.Number:
		return fromDecoded(t)
	case []any:
		items := make([]Value, len(t))
		for i, e := range t {
			item, err := FromAny(e)
			if err != nil {
				return Value{}, err
			}
			items[i] = item
		}
		return Array(items...), nil
	case map[string]any:
		items := make(map[string]Value, len(t))
		for k, e := range t {
			item, err := FromAny(e)
			if err != nil {
				return Value{}, err
			}
			items[k] = item
		}
		return Dict(items), nil
	case []Value:
		return Array(t...), nil
	case map[string]Value:
		return Dict(t), nil
	}
	return Value{}, fmt.Errorf("sendable: cannot convert %T", raw)
}

// ToAny converts a Value into plain Go data (string, int64, float64, bool,
// nil, []any, map[string]any). Useful at tool boundaries that speak
// map[string]interface{}.
func (v Value) ToAny() any {
	switch v.kind {
	case KindNull:
		return nil
	case KindString:
		return v.str
	case KindInt:
		return v.num
	case KindDouble:
		return v.dbl
	case KindBool:
		return v.bit
	case KindArray:
		out := make([]any, len(v.arr))
		for i, item := range v.arr {
			out[i] = item.ToAny()
		}
		return out
	case KindDict:
		out := make(map[string]any, len(v.dict))
		for k, item := range v.dict {
			out[k] = item.ToAny()
		}
		return out
	}
	return nil
}

// Keys returns a dict value's keys in sorted order, or nil for other
// variants. Sorted iteration keeps dict traversal deterministic.
func (v Value) Keys() []string {
	if v.kind != KindDict {
		return nil
	}
	keys := make([]string, 0, len(v.dict))
	for k := range v.dict {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// String implements fmt.Stringer using the canonical encoding.
func (v Value) String() string {
	data, err := v.EncodeCanonical()
	if err != nil {
		return fmt.Sprintf("<sendable:%v>", err)
	}
	return string(data)
}
