// Copyright 2025 James Ross
package cvalue

import (
	"fmt"
	"strings"
)

// TypeKind identifies a static type tag.
type TypeKind int

const (
	TypeNull TypeKind = iota
	TypeInt64
	TypeFloat64
	TypeBool
	TypeString
	TypeBytes
	TypeList
	TypeMap
	TypeRecord
	// TypeAny admits every value. Used by generic builtins (the output gate);
	// user-declared pipeline inputs are always concrete.
	TypeAny
)

// Field is a named record member. Field order is the declaration order and
// participates in the canonical type string.
type Field struct {
	Name string
	Type Type
}

// Type describes the static shape of a Value. Elem is the element type for
// List and the value type for Map (Map keys are always String).
type Type struct {
	Kind   TypeKind
	Elem   *Type
	Fields []Field
}

// Primitive type singletons.
var (
	Int64Type   = Type{Kind: TypeInt64}
	Float64Type = Type{Kind: TypeFloat64}
	BoolType    = Type{Kind: TypeBool}
	StringType  = Type{Kind: TypeString}
	BytesType   = Type{Kind: TypeBytes}
	NullType    = Type{Kind: TypeNull}
	AnyType     = Type{Kind: TypeAny}
)

// ListOf returns List<elem>.
func ListOf(elem Type) Type { return Type{Kind: TypeList, Elem: &elem} }

// MapOf returns Map<String,elem>.
func MapOf(elem Type) Type { return Type{Kind: TypeMap, Elem: &elem} }

// RecordOf returns Record{fields...} preserving field order.
func RecordOf(fields ...Field) Type { return Type{Kind: TypeRecord, Fields: fields} }

// String renders the canonical type syntax: Int64, List<String>,
// Map<String,Int64>, Record{id:String,age:Int64}.
func (t Type) String() string {
	switch t.Kind {
	case TypeNull:
		return "Null"
	case TypeAny:
		return "Any"
	case TypeInt64:
		return "Int64"
	case TypeFloat64:
		return "Float64"
	case TypeBool:
		return "Bool"
	case TypeString:
		return "String"
	case TypeBytes:
		return "Bytes"
	case TypeList:
		return "List<" + t.Elem.String() + ">"
	case TypeMap:
		return "Map<String," + t.Elem.String() + ">"
	case TypeRecord:
		var sb strings.Builder
		sb.WriteString("Record{")
		for i, f := range t.Fields {
			if i > 0 {
				sb.WriteByte(',')
			}
			sb.WriteString(f.Name)
			sb.WriteByte(':')
			sb.WriteString(f.Type.String())
		}
		sb.WriteByte('}')
		return sb.String()
	}
	return "Unknown"
}

// Equal reports structural type equality. Record field order matters.
func (t Type) Equal(o Type) bool {
	if t.Kind != o.Kind {
		return false
	}
	switch t.Kind {
	case TypeList, TypeMap:
		return t.Elem.Equal(*o.Elem)
	case TypeRecord:
		if len(t.Fields) != len(o.Fields) {
			return false
		}
		for i := range t.Fields {
			if t.Fields[i].Name != o.Fields[i].Name || !t.Fields[i].Type.Equal(o.Fields[i].Type) {
				return false
			}
		}
		return true
	}
	return true
}

// AssignableTo reports whether a value of type t can flow into a slot
// declared as dst. Any is compatible in either direction.
func (t Type) AssignableTo(dst Type) bool {
	if t.Kind == TypeAny || dst.Kind == TypeAny {
		return true
	}
	return t.Equal(dst)
}

// Matches reports whether v inhabits t. Null inhabits every type.
func (t Type) Matches(v Value) bool {
	if v.kind == KindNull {
		return true
	}
	if t.Kind == TypeAny {
		return true
	}
	switch t.Kind {
	case TypeInt64:
		return v.kind == KindInt64
	case TypeFloat64:
		return v.kind == KindFloat64
	case TypeBool:
		return v.kind == KindBool
	case TypeString:
		return v.kind == KindString
	case TypeBytes:
		return v.kind == KindBytes
	case TypeList:
		if v.kind != KindList {
			return false
		}
		for _, item := range v.list {
			if !t.Elem.Matches(item) {
				return false
			}
		}
		return true
	case TypeMap:
		if v.kind != KindMap {
			return false
		}
		for _, item := range v.m {
			if !t.Elem.Matches(item) {
				return false
			}
		}
		return true
	case TypeRecord:
		if v.kind != KindMap {
			return false
		}
		for _, f := range t.Fields {
			fv, ok := v.m[f.Name]
			if !ok || !f.Type.Matches(fv) {
				return false
			}
		}
		return true
	case TypeNull:
		return v.kind == KindNull
	}
	return false
}

// ParseType parses the canonical type syntax produced by Type.String.
func ParseType(s string) (Type, error) {
	p := &typeParser{src: s}
	t, err := p.parse()
	if err != nil {
		return Type{}, err
	}
	p.skipSpace()
	if p.pos != len(p.src) {
		return Type{}, fmt.Errorf("unexpected trailing input at %d in type %q", p.pos, s)
	}
	return t, nil
}

// MustParseType panics on a malformed type string. For declarations in tests
// and builtin module signatures only.
func MustParseType(s string) Type {
	t, err := ParseType(s)
	if err != nil {
		panic(err)
	}
	return t
}

type typeParser struct {
	src string
	pos int
}

func (p *typeParser) skipSpace() {
	for p.pos < len(p.src) && (p.src[p.pos] == ' ' || p.src[p.pos] == '\t') {
		p.pos++
	}
}

func (p *typeParser) ident() string {
	start := p.pos
	for p.pos < len(p.src) {
		c := p.src[p.pos]
		if (c >= 'a' && c <= 'z') || (c >= 'A' && c <= 'Z') || (c >= '0' && c <= '9') || c == '_' {
			p.pos++
			continue
		}
		break
	}
	return p.src[start:p.pos]
}

func (p *typeParser) expect(c byte) error {
	p.skipSpace()
	if p.pos >= len(p.src) || p.src[p.pos] != c {
		return fmt.Errorf("expected %q at %d in type %q", string(c), p.pos, p.src)
	}
	p.pos++
	return nil
}

func (p *typeParser) parse() (Type, error) {
	p.skipSpace()
	name := p.ident()
	switch name {
	case "Null":
		return NullType, nil
	case "Any":
		return AnyType, nil
	case "Int64":
		return Int64Type, nil
	case "Float64":
		return Float64Type, nil
	case "Bool":
		return BoolType, nil
	case "String":
		return StringType, nil
	case "Bytes":
		return BytesType, nil
	case "List":
		if err := p.expect('<'); err != nil {
			return Type{}, err
		}
		elem, err := p.parse()
		if err != nil {
			return Type{}, err
		}
		if err := p.expect('>'); err != nil {
			return Type{}, err
		}
		return ListOf(elem), nil
	case "Map":
		if err := p.expect('<'); err != nil {
			return Type{}, err
		}
		key, err := p.parse()
		if err != nil {
			return Type{}, err
		}
		if key.Kind != TypeString {
			return Type{}, fmt.Errorf("map key type must be String, got %s", key.String())
		}
		if err := p.expect(','); err != nil {
			return Type{}, err
		}
		elem, err := p.parse()
		if err != nil {
			return Type{}, err
		}
		if err := p.expect('>'); err != nil {
			return Type{}, err
		}
		return MapOf(elem), nil
	case "Record":
		if err := p.expect('{'); err != nil {
			return Type{}, err
		}
		var fields []Field
		p.skipSpace()
		if p.pos < len(p.src) && p.src[p.pos] == '}' {
			p.pos++
			return RecordOf(), nil
		}
		for {
			p.skipSpace()
			fname := p.ident()
			if fname == "" {
				return Type{}, fmt.Errorf("expected field name at %d in type %q", p.pos, p.src)
			}
			if err := p.expect(':'); err != nil {
				return Type{}, err
			}
			ft, err := p.parse()
			if err != nil {
				return Type{}, err
			}
			fields = append(fields, Field{Name: fname, Type: ft})
			p.skipSpace()
			if p.pos < len(p.src) && p.src[p.pos] == ',' {
				p.pos++
				continue
			}
			break
		}
		if err := p.expect('}'); err != nil {
			return Type{}, err
		}
		return RecordOf(fields...), nil
	case "":
		return Type{}, fmt.Errorf("empty type at %d in %q", p.pos, p.src)
	default:
		return Type{}, fmt.Errorf("unknown type %q", name)
	}
}

// MarshalJSON serializes a type as its canonical string form.
func (t Type) MarshalJSON() ([]byte, error) {
	return []byte(fmt.Sprintf("%q", t.String())), nil
}

// UnmarshalJSON parses a type from its canonical string form.
func (t *Type) UnmarshalJSON(data []byte) error {
	s := strings.Trim(string(data), `"`)
	parsed, err := ParseType(s)
	if err != nil {
		return err
	}
	*t = parsed
	return nil
}
