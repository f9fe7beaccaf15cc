package ir

import (
	"fmt"
	"strings"
)

// Type is the value type of a register, memory operand or parameter.
type Type uint8

const (
	I8 Type = iota
	U8
	I16
	U16
	I32
	U32
	I64
	U64
	P
	F32
	F64
	// LD is the x87 80-bit extended type. Values occupy 16-byte slots.
	LD
	// Block is an aggregate passed by value. Its layout is described by an Agg.
	Block
	Undef
)

var typeNames = [...]string{
	I8: "i8", U8: "u8", I16: "i16", U16: "u16", I32: "i32", U32: "u32",
	I64: "i64", U64: "u64", P: "p", F32: "f32", F64: "f64", LD: "ld",
	Block: "blk", Undef: "undef",
}

func (t Type) String() string {
	if int(t) < len(typeNames) {
		return typeNames[t]
	}
	return fmt.Sprintf("type(%d)", t)
}

// ParseType is the inverse of Type.String.
func ParseType(s string) (Type, error) {
	for i, name := range typeNames {
		if name == strings.ToLower(s) {
			return Type(i), nil
		}
	}
	return Undef, fmt.Errorf("unknown type %q", s)
}

// IsInt reports whether t is held in an integer register.
func (t Type) IsInt() bool { return t <= P }

func (t Type) IsFloat() bool { return t == F32 || t == F64 }

func (t Type) IsSigned() bool {
	switch t {
	case I8, I16, I32, I64:
		return true
	}
	return false
}

// Size returns the storage size of t in bytes. Block has no intrinsic size.
func (t Type) Size() int {
	switch t {
	case I8, U8:
		return 1
	case I16, U16:
		return 2
	case I32, U32, F32:
		return 4
	case I64, U64, P, F64:
		return 8
	case LD:
		return 16
	}
	return 0
}

// Field is one scalar member of an aggregate.
type Field struct {
	Offset int
	Type   Type
}

// Agg describes the layout of a Block value.
type Agg struct {
	Size   int
	Fields []Field
}

// FieldsIn returns the fields that start inside [lo, hi).
func (a *Agg) FieldsIn(lo, hi int) []Field {
	var out []Field
	for _, f := range a.Fields {
		if f.Offset >= lo && f.Offset < hi {
			out = append(out, f)
		}
	}
	return out
}

// Aligned reports whether every field sits on its natural alignment.
func (a *Agg) Aligned() bool {
	for _, f := range a.Fields {
		sz := f.Type.Size()
		if f.Type == LD {
			sz = 16
		}
		if sz == 0 || f.Offset%sz != 0 {
			return false
		}
	}
	return true
}

// Param is one declared parameter of a prototype.
type Param struct {
	Name string
	Type Type
	Agg  *Agg
}

// Proto is a function signature.
type Proto struct {
	Name     string
	Results  []Type
	Params   []Param
	Variadic bool
}

func (p *Proto) String() string {
	var sb strings.Builder
	sb.WriteString(p.Name)
	sb.WriteString("(")
	for i, param := range p.Params {
		if i > 0 {
			sb.WriteString(", ")
		}
		sb.WriteString(param.Type.String())
		if param.Agg != nil {
			fmt.Fprintf(&sb, ":%d", param.Agg.Size)
		}
	}
	if p.Variadic {
		if len(p.Params) > 0 {
			sb.WriteString(", ")
		}
		sb.WriteString("...")
	}
	sb.WriteString(")")
	if len(p.Results) > 0 {
		sb.WriteString(" ->")
		for _, r := range p.Results {
			sb.WriteString(" ")
			sb.WriteString(r.String())
		}
	}
	return sb.String()
}
