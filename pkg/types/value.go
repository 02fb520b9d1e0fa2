package types

import (
	"encoding/json"
	"fmt"
	"math"
)

// ValueKind discriminates the variants of Value
type ValueKind int

const (
	KindNull ValueKind = iota
	KindBool
	KindInt
	KindDouble
	KindString
	KindList
	KindMap
)

// Value is a tagged variant for attribute and aux-data entries. It replaces
// untyped maps at the wire boundary; Native converts back to the dynamic
// shape the expression evaluator consumes.
type Value struct {
	kind ValueKind
	b    bool
	i    int64
	d    float64
	s    string
	list []Value
	m    map[string]Value
}

// Kind returns the variant tag
func (v Value) Kind() ValueKind { return v.kind }

// NullValue returns the null variant
func NullValue() Value { return Value{kind: KindNull} }

// BoolValue wraps a bool
func BoolValue(b bool) Value { return Value{kind: KindBool, b: b} }

// IntValue wraps an int64
func IntValue(i int64) Value { return Value{kind: KindInt, i: i} }

// DoubleValue wraps a float64
func DoubleValue(d float64) Value { return Value{kind: KindDouble, d: d} }

// StringValue wraps a string
func StringValue(s string) Value { return Value{kind: KindString, s: s} }

// ListValue wraps a list of values
func ListValue(items ...Value) Value { return Value{kind: KindList, list: items} }

// MapValue wraps a string-keyed map of values
func MapValue(m map[string]Value) Value { return Value{kind: KindMap, m: m} }

// ParseValue converts a decoded JSON/YAML scalar, list or map into a Value.
// json.Number and all Go integer widths map to KindInt; floats with a
// fractional part map to KindDouble.
func ParseValue(raw any) (Value, error) {
	switch t := raw.(type) {
	case nil:
		return NullValue(), nil
	case bool:
		return BoolValue(t), nil
	case string:
		return StringValue(t), nil
	case int:
		return IntValue(int64(t)), nil
	case int32:
		return IntValue(int64(t)), nil
	case int64:
		return IntValue(t), nil
	case float32:
		return parseFloat(float64(t)), nil
	case float64:
		return parseFloat(t), nil
	case json.Number:
		if i, err := t.Int64(); err == nil {
			return IntValue(i), nil
		}
		f, err := t.Float64()
		if err != nil {
			return Value{}, fmt.Errorf("%w: unparseable number %q", ErrInvalidInput, t.String())
		}
		return DoubleValue(f), nil
	case []any:
		items := make([]Value, 0, len(t))
		for _, item := range t {
			v, err := ParseValue(item)
			if err != nil {
				return Value{}, err
			}
			items = append(items, v)
		}
		return ListValue(items...), nil
	case map[string]any:
		m := make(map[string]Value, len(t))
		for k, item := range t {
			v, err := ParseValue(item)
			if err != nil {
				return Value{}, err
			}
			m[k] = v
		}
		return MapValue(m), nil
	default:
		return Value{}, fmt.Errorf("%w: unsupported attribute type %T", ErrInvalidInput, raw)
	}
}

func parseFloat(f float64) Value {
	if f == math.Trunc(f) && !math.IsInf(f, 0) {
		return IntValue(int64(f))
	}
	return DoubleValue(f)
}

// NormalizeAttributes round-trips a raw attribute map through the tagged
// variant so the evaluator sees one dynamic shape: int64 for whole
// numbers, []any lists, map[string]any maps. A map that fails to parse
// is returned unchanged; Validate rejects such maps at the wire boundary.
func NormalizeAttributes(raw map[string]any) map[string]any {
	if len(raw) == 0 {
		return raw
	}
	parsed, err := ParseAttributes(raw)
	if err != nil {
		return raw
	}
	return NativeAttributes(parsed)
}

// ParseAttributes converts a decoded attribute map into typed values
func ParseAttributes(raw map[string]any) (map[string]Value, error) {
	out := make(map[string]Value, len(raw))
	for k, v := range raw {
		parsed, err := ParseValue(v)
		if err != nil {
			return nil, fmt.Errorf("attribute %q: %w", k, err)
		}
		out[k] = parsed
	}
	return out, nil
}

// Native converts the value back to the dynamic representation used in
// CEL activations.
func (v Value) Native() any {
	switch v.kind {
	case KindBool:
		return v.b
	case KindInt:
		return v.i
	case KindDouble:
		return v.d
	case KindString:
		return v.s
	case KindList:
		out := make([]any, len(v.list))
		for i, item := range v.list {
			out[i] = item.Native()
		}
		return out
	case KindMap:
		out := make(map[string]any, len(v.m))
		for k, item := range v.m {
			out[k] = item.Native()
		}
		return out
	default:
		return nil
	}
}

// NativeAttributes converts a typed attribute map to the dynamic shape
func NativeAttributes(attrs map[string]Value) map[string]any {
	out := make(map[string]any, len(attrs))
	for k, v := range attrs {
		out[k] = v.Native()
	}
	return out
}

// AsString returns the string payload, or false when the kind differs
func (v Value) AsString() (string, bool) {
	return v.s, v.kind == KindString
}

// AsBool returns the bool payload, or false when the kind differs
func (v Value) AsBool() (bool, bool) {
	return v.b, v.kind == KindBool
}

// AsInt returns the integer payload, or false when the kind differs
func (v Value) AsInt() (int64, bool) {
	return v.i, v.kind == KindInt
}

// AsDouble returns the float payload, coercing from int
func (v Value) AsDouble() (float64, bool) {
	switch v.kind {
	case KindDouble:
		return v.d, true
	case KindInt:
		return float64(v.i), true
	default:
		return 0, false
	}
}

// AsList returns the list payload, or false when the kind differs
func (v Value) AsList() ([]Value, bool) {
	return v.list, v.kind == KindList
}

// AsMap returns the map payload, or false when the kind differs
func (v Value) AsMap() (map[string]Value, bool) {
	return v.m, v.kind == KindMap
}
