// Copyright 2025 James Ross
package cvalue

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
)

// taggedValue is the self-describing wire form used where no static type is
// available to guide decoding (suspension records, distributed caches).
type taggedValue struct {
	T string          `json:"t"`
	V json.RawMessage `json:"v,omitempty"`
}

// EncodeTagged serializes a value with embedded kind tags.
func EncodeTagged(v Value) ([]byte, error) {
	tv, err := toTagged(v)
	if err != nil {
		return nil, err
	}
	return json.Marshal(tv)
}

// DecodeTagged is the inverse of EncodeTagged.
func DecodeTagged(data []byte) (Value, error) {
	var tv taggedValue
	if err := json.Unmarshal(data, &tv); err != nil {
		return Null(), err
	}
	return fromTagged(tv)
}

func toTagged(v Value) (taggedValue, error) {
	switch v.kind {
	case KindNull:
		return taggedValue{T: "Null"}, nil
	case KindInt64:
		raw, _ := json.Marshal(v.i)
		return taggedValue{T: "Int64", V: raw}, nil
	case KindFloat64:
		raw, err := json.Marshal(v.f)
		if err != nil {
			return taggedValue{}, err
		}
		return taggedValue{T: "Float64", V: raw}, nil
	case KindBool:
		raw, _ := json.Marshal(v.b)
		return taggedValue{T: "Bool", V: raw}, nil
	case KindString:
		raw, err := json.Marshal(v.s)
		if err != nil {
			return taggedValue{}, err
		}
		return taggedValue{T: "String", V: raw}, nil
	case KindBytes:
		raw, _ := json.Marshal(base64.StdEncoding.EncodeToString(v.bs))
		return taggedValue{T: "Bytes", V: raw}, nil
	case KindList:
		items := make([]taggedValue, len(v.list))
		for i, item := range v.list {
			tv, err := toTagged(item)
			if err != nil {
				return taggedValue{}, err
			}
			items[i] = tv
		}
		raw, err := json.Marshal(items)
		if err != nil {
			return taggedValue{}, err
		}
		return taggedValue{T: "List", V: raw}, nil
	case KindMap:
		m := make(map[string]taggedValue, len(v.m))
		for k, item := range v.m {
			tv, err := toTagged(item)
			if err != nil {
				return taggedValue{}, err
			}
			m[k] = tv
		}
		raw, err := json.Marshal(m)
		if err != nil {
			return taggedValue{}, err
		}
		return taggedValue{T: "Map", V: raw}, nil
	}
	return taggedValue{}, fmt.Errorf("unknown value kind %d", v.kind)
}

func fromTagged(tv taggedValue) (Value, error) {
	switch tv.T {
	case "Null":
		return Null(), nil
	case "Int64":
		var i int64
		if err := json.Unmarshal(tv.V, &i); err != nil {
			return Null(), err
		}
		return Int64(i), nil
	case "Float64":
		var f float64
		if err := json.Unmarshal(tv.V, &f); err != nil {
			return Null(), err
		}
		return Float64(f), nil
	case "Bool":
		var b bool
		if err := json.Unmarshal(tv.V, &b); err != nil {
			return Null(), err
		}
		return Bool(b), nil
	case "String":
		var s string
		if err := json.Unmarshal(tv.V, &s); err != nil {
			return Null(), err
		}
		return String(s), nil
	case "Bytes":
		var s string
		if err := json.Unmarshal(tv.V, &s); err != nil {
			return Null(), err
		}
		bs, err := base64.StdEncoding.DecodeString(s)
		if err != nil {
			return Null(), err
		}
		return Bytes(bs), nil
	case "List":
		var items []taggedValue
		if err := json.Unmarshal(tv.V, &items); err != nil {
			return Null(), err
		}
		out := make([]Value, len(items))
		for i, item := range items {
			v, err := fromTagged(item)
			if err != nil {
				return Null(), err
			}
			out[i] = v
		}
		return List(out), nil
	case "Map":
		var m map[string]taggedValue
		if err := json.Unmarshal(tv.V, &m); err != nil {
			return Null(), err
		}
		out := make(map[string]Value, len(m))
		for k, item := range m {
			v, err := fromTagged(item)
			if err != nil {
				return Null(), err
			}
			out[k] = v
		}
		return Map(out), nil
	}
	return Null(), fmt.Errorf("unknown value tag %q", tv.T)
}
