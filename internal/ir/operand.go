package ir

import (
	"fmt"
	"math"
	"strings"
)

// Reg names a register. Values 1..MaxHardReg are reserved for the target's
// hardware registers; larger values are virtual registers.
type Reg uint32

const (
	NoReg      Reg = 0
	MaxHardReg Reg = 63
	firstVReg  Reg = 100
)

func (r Reg) IsHard() bool    { return r != NoReg && r <= MaxHardReg }
func (r Reg) IsVirtual() bool { return r > MaxHardReg }

// OperandKind tags the Operand union.
type OperandKind uint8

const (
	KindNone OperandKind = iota
	KindReg
	KindMem
	KindInt
	KindUint
	KindFloat
	KindDouble
	KindLDouble
	KindLabel
	KindRef
)

// Mem is a register-indirect memory reference: Base + Index*Scale + Disp.
type Mem struct {
	Type  Type
	Disp  int64
	Base  Reg
	Index Reg
	Scale uint8
}

// Label identifies a position inside a function.
type Label int32

// Ref names an external symbol or function. Addr is non-zero when the
// target address is already known at compile time.
type Ref struct {
	Name string
	Addr uintptr
}

// Operand is the tagged union of everything an instruction can reference.
type Operand struct {
	Kind  OperandKind
	Reg   Reg
	Mem   Mem
	I     int64
	F     float64
	Label Label
	Ref   *Ref
	// Agg describes the pointed-to aggregate for Block memory operands.
	Agg *Agg
}

func R(r Reg) Operand           { return Operand{Kind: KindReg, Reg: r} }
func Int(v int64) Operand       { return Operand{Kind: KindInt, I: v} }
func Uint(v uint64) Operand     { return Operand{Kind: KindUint, I: int64(v)} }
func Float(v float32) Operand   { return Operand{Kind: KindFloat, F: float64(v)} }
func Double(v float64) Operand  { return Operand{Kind: KindDouble, F: v} }
func LDouble(v float64) Operand { return Operand{Kind: KindLDouble, F: v} }
func LabelOp(l Label) Operand   { return Operand{Kind: KindLabel, Label: l} }
func RefOp(ref *Ref) Operand    { return Operand{Kind: KindRef, Ref: ref} }
func MemOp(m Mem) Operand       { return Operand{Kind: KindMem, Mem: m} }
func BlockOp(base Reg, agg *Agg) Operand {
	return Operand{Kind: KindMem, Mem: Mem{Type: Block, Base: base, Scale: 1}, Agg: agg}
}

// M builds a memory operand [base+disp] of type t.
func M(t Type, disp int64, base Reg) Operand {
	return MemOp(Mem{Type: t, Disp: disp, Base: base, Scale: 1})
}

// MI builds a memory operand [base+index*scale+disp] of type t.
func MI(t Type, disp int64, base, index Reg, scale uint8) Operand {
	return MemOp(Mem{Type: t, Disp: disp, Base: base, Index: index, Scale: scale})
}

func (o Operand) IsReg() bool { return o.Kind == KindReg }
func (o Operand) IsMem() bool { return o.Kind == KindMem }

// IsImm reports whether o is an integer or floating immediate.
func (o Operand) IsImm() bool {
	switch o.Kind {
	case KindInt, KindUint, KindFloat, KindDouble, KindLDouble:
		return true
	}
	return false
}

// Equal compares operands structurally.
func (o Operand) Equal(p Operand) bool {
	if o.Kind != p.Kind {
		return false
	}
	switch o.Kind {
	case KindReg:
		return o.Reg == p.Reg
	case KindMem:
		return o.Mem == p.Mem
	case KindInt, KindUint:
		return o.I == p.I
	case KindFloat, KindDouble, KindLDouble:
		return math.Float64bits(o.F) == math.Float64bits(p.F)
	case KindLabel:
		return o.Label == p.Label
	case KindRef:
		return o.Ref == p.Ref
	}
	return true
}

// Uses reports whether register r appears anywhere in o.
func (o Operand) Uses(r Reg) bool {
	switch o.Kind {
	case KindReg:
		return o.Reg == r
	case KindMem:
		return o.Mem.Base == r || o.Mem.Index == r
	}
	return false
}

// RegNamer renders hard registers; backends install one with SetRegNamer.
type RegNamer func(Reg) string

var regNamer RegNamer = func(r Reg) string { return fmt.Sprintf("hr%d", r) }

func SetRegNamer(n RegNamer) { regNamer = n }

func regString(r Reg) string {
	if r.IsHard() {
		return regNamer(r)
	}
	return fmt.Sprintf("v%d", r)
}

func (o Operand) String() string {
	switch o.Kind {
	case KindNone:
		return "_"
	case KindReg:
		return regString(o.Reg)
	case KindMem:
		var sb strings.Builder
		sb.WriteString(o.Mem.Type.String())
		sb.WriteString(":")
		if o.Mem.Disp != 0 || (o.Mem.Base == NoReg && o.Mem.Index == NoReg) {
			fmt.Fprintf(&sb, "%d", o.Mem.Disp)
		}
		sb.WriteString("(")
		if o.Mem.Base != NoReg {
			sb.WriteString(regString(o.Mem.Base))
		}
		if o.Mem.Index != NoReg {
			fmt.Fprintf(&sb, ",%s,%d", regString(o.Mem.Index), o.Mem.Scale)
		}
		sb.WriteString(")")
		return sb.String()
	case KindInt:
		return fmt.Sprintf("%d", o.I)
	case KindUint:
		return fmt.Sprintf("%du", uint64(o.I))
	case KindFloat:
		return fmt.Sprintf("%gf", o.F)
	case KindDouble:
		return fmt.Sprintf("%g", o.F)
	case KindLDouble:
		return fmt.Sprintf("%gL", o.F)
	case KindLabel:
		return fmt.Sprintf("L%d", o.Label)
	case KindRef:
		return "@" + o.Ref.Name
	}
	return "?"
}
