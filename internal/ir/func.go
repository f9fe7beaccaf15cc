package ir

import (
	"fmt"
	"strings"
)

// InsnID is a stable handle to an instruction inside its function's arena.
type InsnID int32

const NoInsn InsnID = -1

// Insn is one instruction. Proto is set for calls.
type Insn struct {
	Op    Op
	Ops   []Operand
	Proto *Proto

	prev, next InsnID
	dead       bool
}

// Func owns an ordered, doubly linked sequence of instructions stored in an
// arena. Handles remain valid across insertions and removals.
type Func struct {
	Name   string
	Proto  *Proto
	Module *Module
	// Params holds the virtual register (or block address register) that
	// receives each declared parameter.
	Params []Reg

	insns       []Insn
	first, last InsnID
	regTypes    map[Reg]Type
	nextReg     Reg
	nextLabel   Label
}

// NewFunc creates an empty function and one virtual register per parameter.
func NewFunc(m *Module, proto *Proto) *Func {
	f := &Func{
		Name:     proto.Name,
		Proto:    proto,
		Module:   m,
		first:    NoInsn,
		last:     NoInsn,
		regTypes: make(map[Reg]Type),
		nextReg:  firstVReg,
	}
	for _, p := range proto.Params {
		t := p.Type
		if t == Block {
			t = P
		}
		f.Params = append(f.Params, f.NewReg(t))
	}
	if m != nil {
		m.Funcs = append(m.Funcs, f)
	}
	return f
}

// NewReg allocates a virtual register of type t.
func (f *Func) NewReg(t Type) Reg {
	r := f.nextReg
	f.nextReg++
	f.regTypes[r] = t
	return r
}

// RegType returns the type of a virtual register.
func (f *Func) RegType(r Reg) Type {
	if t, ok := f.regTypes[r]; ok {
		return t
	}
	return Undef
}

// NumRegs returns one past the highest virtual register number.
func (f *Func) NumRegs() Reg { return f.nextReg }

func (f *Func) NewLabel() Label {
	f.nextLabel++
	return f.nextLabel
}

// At returns the instruction for id. The pointer is invalidated by the next
// insertion.
func (f *Func) At(id InsnID) *Insn { return &f.insns[id] }

func (f *Func) First() InsnID { return f.first }
func (f *Func) Last() InsnID  { return f.last }

func (f *Func) Next(id InsnID) InsnID { return f.insns[id].next }
func (f *Func) Prev(id InsnID) InsnID { return f.insns[id].prev }

// Len counts live instructions.
func (f *Func) Len() int {
	n := 0
	for id := f.first; id != NoInsn; id = f.insns[id].next {
		n++
	}
	return n
}

func (f *Func) alloc(op Op, ops []Operand) InsnID {
	id := InsnID(len(f.insns))
	f.insns = append(f.insns, Insn{Op: op, Ops: ops, prev: NoInsn, next: NoInsn})
	return id
}

// Append adds an instruction at the end.
func (f *Func) Append(op Op, ops ...Operand) InsnID {
	id := f.alloc(op, ops)
	f.link(id, f.last, NoInsn)
	return id
}

// InsertBefore adds an instruction before at. at == NoInsn appends.
func (f *Func) InsertBefore(at InsnID, op Op, ops ...Operand) InsnID {
	if at == NoInsn {
		return f.Append(op, ops...)
	}
	id := f.alloc(op, ops)
	f.link(id, f.insns[at].prev, at)
	return id
}

// InsertAfter adds an instruction after at. at == NoInsn prepends.
func (f *Func) InsertAfter(at InsnID, op Op, ops ...Operand) InsnID {
	id := f.alloc(op, ops)
	if at == NoInsn {
		f.link(id, NoInsn, f.first)
	} else {
		f.link(id, at, f.insns[at].next)
	}
	return id
}

func (f *Func) link(id, prev, next InsnID) {
	f.insns[id].prev = prev
	f.insns[id].next = next
	if prev == NoInsn {
		f.first = id
	} else {
		f.insns[prev].next = id
	}
	if next == NoInsn {
		f.last = id
	} else {
		f.insns[next].prev = id
	}
}

// Remove unlinks id. The removed instruction keeps its old successor link
// so an in-progress walk can continue from it.
func (f *Func) Remove(id InsnID) {
	in := &f.insns[id]
	if in.dead {
		return
	}
	prev, next := in.prev, in.next
	if prev == NoInsn {
		f.first = next
	} else {
		f.insns[prev].next = next
	}
	if next == NoInsn {
		f.last = prev
	} else {
		f.insns[next].prev = prev
	}
	in.dead = true
}

// Each visits live instructions in order. fn may insert around or remove the
// visited instruction; the successor is read after fn returns, so
// instructions inserted after the current one are visited too.
func (f *Func) Each(fn func(id InsnID, in *Insn) error) error {
	for id := f.first; id != NoInsn; {
		if err := fn(id, &f.insns[id]); err != nil {
			return err
		}
		id = f.insns[id].next
		for id != NoInsn && f.insns[id].dead {
			id = f.insns[id].next
		}
	}
	return nil
}

// HasCalls reports whether any call remains in the body.
func (f *Func) HasCalls() bool {
	for id := f.first; id != NoInsn; id = f.insns[id].next {
		if f.insns[id].Op == OpCall {
			return true
		}
	}
	return false
}

func (in *Insn) String() string {
	var sb strings.Builder
	sb.WriteString(in.Op.String())
	for i, o := range in.Ops {
		if i == 0 {
			sb.WriteString(" ")
		} else {
			sb.WriteString(", ")
		}
		sb.WriteString(o.String())
	}
	return sb.String()
}

func (f *Func) String() string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "func %s\n", f.Proto)
	for id := f.first; id != NoInsn; id = f.insns[id].next {
		in := &f.insns[id]
		if in.Op == OpLabel {
			fmt.Fprintf(&sb, "%s:\n", in.Ops[0])
			continue
		}
		fmt.Fprintf(&sb, "\t%s\n", in)
	}
	return sb.String()
}

// Module collects functions and the external helpers they import.
type Module struct {
	Funcs   []*Func
	imports map[string]*Import
}

// Import is an external function requested by the backend or the IR builder.
type Import struct {
	Ref   *Ref
	Proto *Proto
}

func NewModule() *Module {
	return &Module{imports: make(map[string]*Import)}
}

// Import returns the reference for an external function, registering it
// with proto on first use.
func (m *Module) Import(name string, proto *Proto) *Ref {
	if imp, ok := m.imports[name]; ok {
		return imp.Ref
	}
	imp := &Import{Ref: &Ref{Name: name}, Proto: proto}
	m.imports[name] = imp
	return imp.Ref
}

// Imports lists every registered import.
func (m *Module) Imports() map[string]*Import { return m.imports }
