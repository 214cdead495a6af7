// Copyright 2025 James Ross
package cvalue

import (
	"bytes"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"math"
	"sort"
)

// Kind identifies the runtime variant held by a Value.
type Kind int

const (
	KindNull Kind = iota
	KindInt64
	KindFloat64
	KindBool
	KindString
	KindBytes
	KindList
	KindMap
)

// String returns the canonical kind name.
func (k Kind) String() string {
	switch k {
	case KindNull:
		return "Null"
	case KindInt64:
		return "Int64"
	case KindFloat64:
		return "Float64"
	case KindBool:
		return "Bool"
	case KindString:
		return "String"
	case KindBytes:
		return "Bytes"
	case KindList:
		return "List"
	case KindMap:
		return "Map"
	}
	return "Unknown"
}

// Value is the tagged variant flowing through pipeline edges. Values are
// immutable by convention; callers must not mutate list or map payloads
// after construction.
type Value struct {
	kind Kind
	i    int64
	f    float64
	b    bool
	s    string
	bs   []byte
	list []Value
	m    map[string]Value
}

// Constructors

func Null() Value                  { return Value{kind: KindNull} }
func Int64(v int64) Value          { return Value{kind: KindInt64, i: v} }
func Float64(v float64) Value      { return Value{kind: KindFloat64, f: v} }
func Bool(v bool) Value            { return Value{kind: KindBool, b: v} }
func String(v string) Value        { return Value{kind: KindString, s: v} }
func Bytes(v []byte) Value         { return Value{kind: KindBytes, bs: v} }
func List(items []Value) Value     { return Value{kind: KindList, list: items} }
func Map(m map[string]Value) Value { return Value{kind: KindMap, m: m} }

// Kind returns the variant tag.
func (v Value) Kind() Kind { return v.kind }

// IsNull reports whether the value is the null variant.
func (v Value) IsNull() bool { return v.kind == KindNull }

// Accessors. The boolean result is false when the value holds a different
// variant.

func (v Value) AsInt64() (int64, bool)          { return v.i, v.kind == KindInt64 }
func (v Value) AsFloat64() (float64, bool)      { return v.f, v.kind == KindFloat64 }
func (v Value) AsBool() (bool, bool)            { return v.b, v.kind == KindBool }
func (v Value) AsString() (string, bool)        { return v.s, v.kind == KindString }
func (v Value) AsBytes() ([]byte, bool)         { return v.bs, v.kind == KindBytes }
func (v Value) AsList() ([]Value, bool)         { return v.list, v.kind == KindList }
func (v Value) AsMap() (map[string]Value, bool) { return v.m, v.kind == KindMap }

// Equal reports deep structural equality.
func (v Value) Equal(o Value) bool {
	if v.kind != o.kind {
		return false
	}
	switch v.kind {
	case KindNull:
		return true
	case KindInt64:
		return v.i == o.i
	case KindFloat64:
		return v.f == o.f
	case KindBool:
		return v.b == o.b
	case KindString:
		return v.s == o.s
	case KindBytes:
		return bytes.Equal(v.bs, o.bs)
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
		if len(v.m) != len(o.m) {
			return false
		}
		for k, vv := range v.m {
			ov, ok := o.m[k]
			if !ok || !vv.Equal(ov) {
				return false
			}
		}
		return true
	}
	return false
}

// MarshalJSON emits canonical JSON: map keys sorted, Bytes as base64,
// Int64 and Float64 as JSON numbers. The canonical form is what structural
// and cache-key hashing consume, so ordering must be deterministic.
func (v Value) MarshalJSON() ([]byte, error) {
	var buf bytes.Buffer
	if err := v.writeCanonical(&buf); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func (v Value) writeCanonical(buf *bytes.Buffer) error {
	switch v.kind {
	case KindNull:
		buf.WriteString("null")
	case KindInt64:
		fmt.Fprintf(buf, "%d", v.i)
	case KindFloat64:
		if math.IsInf(v.f, 0) || math.IsNaN(v.f) {
			return fmt.Errorf("cannot serialize non-finite float %v", v.f)
		}
		b, err := json.Marshal(v.f)
		if err != nil {
			return err
		}
		buf.Write(b)
	case KindBool:
		if v.b {
			buf.WriteString("true")
		} else {
			buf.WriteString("false")
		}
	case KindString:
		b, err := json.Marshal(v.s)
		if err != nil {
			return err
		}
		buf.Write(b)
	case KindBytes:
		b, err := json.Marshal(base64.StdEncoding.EncodeToString(v.bs))
		if err != nil {
			return err
		}
		buf.Write(b)
	case KindList:
		buf.WriteByte('[')
		for i, item := range v.list {
			if i > 0 {
				buf.WriteByte(',')
			}
			if err := item.writeCanonical(buf); err != nil {
				return err
			}
		}
		buf.WriteByte(']')
	case KindMap:
		keys := make([]string, 0, len(v.m))
		for k := range v.m {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		buf.WriteByte('{')
		for i, k := range keys {
			if i > 0 {
				buf.WriteByte(',')
			}
			kb, err := json.Marshal(k)
			if err != nil {
				return err
			}
			buf.Write(kb)
			buf.WriteByte(':')
			if err := v.m[k].writeCanonical(buf); err != nil {
				return err
			}
		}
		buf.WriteByte('}')
	default:
		return fmt.Errorf("unknown value kind %d", v.kind)
	}
	return nil
}

// CanonicalJSON returns the canonical serialization used for hashing.
func CanonicalJSON(v Value) ([]byte, error) {
	return v.MarshalJSON()
}

// CanonicalMapJSON serializes a name->Value map with sorted keys. Equal
// mappings produce equal bytes regardless of insertion order.
func CanonicalMapJSON(m map[string]Value) ([]byte, error) {
	return Map(m).MarshalJSON()
}

// FromJSON decodes raw JSON into a Value shaped by the expected type.
// JSON numbers become Int64 when the expected type is Int64 and the number
// is integral; bytes are decoded from base64 strings.
func FromJSON(raw json.RawMessage, t Type) (Value, error) {
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var native interface{}
	if err := dec.Decode(&native); err != nil {
		return Null(), fmt.Errorf("decode value: %w", err)
	}
	return fromNative(native, t)
}

func fromNative(native interface{}, t Type) (Value, error) {
	if native == nil {
		return Null(), nil
	}
	switch t.Kind {
	case TypeAny:
		return inferNative(native)
	case TypeInt64:
		n, ok := native.(json.Number)
		if !ok {
			return Null(), fmt.Errorf("expected Int64, got %T", native)
		}
		i, err := n.Int64()
		if err != nil {
			return Null(), fmt.Errorf("expected Int64, got %q", n.String())
		}
		return Int64(i), nil
	case TypeFloat64:
		n, ok := native.(json.Number)
		if !ok {
			return Null(), fmt.Errorf("expected Float64, got %T", native)
		}
		f, err := n.Float64()
		if err != nil {
			return Null(), err
		}
		return Float64(f), nil
	case TypeBool:
		b, ok := native.(bool)
		if !ok {
			return Null(), fmt.Errorf("expected Bool, got %T", native)
		}
		return Bool(b), nil
	case TypeString:
		s, ok := native.(string)
		if !ok {
			return Null(), fmt.Errorf("expected String, got %T", native)
		}
		return String(s), nil
	case TypeBytes:
		s, ok := native.(string)
		if !ok {
			return Null(), fmt.Errorf("expected base64 Bytes, got %T", native)
		}
		bs, err := base64.StdEncoding.DecodeString(s)
		if err != nil {
			return Null(), fmt.Errorf("expected base64 Bytes: %w", err)
		}
		return Bytes(bs), nil
	case TypeList:
		items, ok := native.([]interface{})
		if !ok {
			return Null(), fmt.Errorf("expected List, got %T", native)
		}
		out := make([]Value, len(items))
		for i, item := range items {
			v, err := fromNative(item, *t.Elem)
			if err != nil {
				return Null(), fmt.Errorf("list[%d]: %w", i, err)
			}
			out[i] = v
		}
		return List(out), nil
	case TypeMap:
		m, ok := native.(map[string]interface{})
		if !ok {
			return Null(), fmt.Errorf("expected Map, got %T", native)
		}
		out := make(map[string]Value, len(m))
		for k, item := range m {
			v, err := fromNative(item, *t.Elem)
			if err != nil {
				return Null(), fmt.Errorf("map[%q]: %w", k, err)
			}
			out[k] = v
		}
		return Map(out), nil
	case TypeRecord:
		m, ok := native.(map[string]interface{})
		if !ok {
			return Null(), fmt.Errorf("expected Record, got %T", native)
		}
		out := make(map[string]Value, len(m))
		for _, f := range t.Fields {
			item, present := m[f.Name]
			if !present {
				return Null(), fmt.Errorf("record missing field %q", f.Name)
			}
			v, err := fromNative(item, f.Type)
			if err != nil {
				return Null(), fmt.Errorf("record field %q: %w", f.Name, err)
			}
			out[f.Name] = v
		}
		return Map(out), nil
	case TypeNull:
		return Null(), nil
	}
	return Null(), fmt.Errorf("unsupported type %s", t.String())
}

// inferNative decodes untyped JSON: integral numbers become Int64, others
// Float64; objects become Map values.
func inferNative(native interface{}) (Value, error) {
	switch v := native.(type) {
	case nil:
		return Null(), nil
	case bool:
		return Bool(v), nil
	case string:
		return String(v), nil
	case json.Number:
		if i, err := v.Int64(); err == nil {
			return Int64(i), nil
		}
		f, err := v.Float64()
		if err != nil {
			return Null(), err
		}
		return Float64(f), nil
	case []interface{}:
		out := make([]Value, len(v))
		for i, item := range v {
			iv, err := inferNative(item)
			if err != nil {
				return Null(), err
			}
			out[i] = iv
		}
		return List(out), nil
	case map[string]interface{}:
		out := make(map[string]Value, len(v))
		for k, item := range v {
			iv, err := inferNative(item)
			if err != nil {
				return Null(), err
			}
			out[k] = iv
		}
		return Map(out), nil
	}
	return Null(), fmt.Errorf("cannot infer value from %T", native)
}
