package asm

import (
	"fmt"
)

// RelocKind says how a relocation field is computed.
type RelocKind uint8

const (
	// RelocLabel8 and RelocLabel32 are PC-relative label displacements
	// measured from the end of the instruction.
	RelocLabel8 RelocKind = iota
	RelocLabel32
	// RelocLabelAbs64 is the absolute address of a label (switch tables).
	RelocLabelAbs64
	// RelocPool32 is a RIP-relative displacement into the constant pool.
	RelocPool32
	// RelocSymAbs64 is the absolute address of an external symbol, stored in
	// a pool slot.
	RelocSymAbs64
)

var relocKindNames = [...]string{"label8", "label32", "labelabs64", "pool32", "symabs64"}

func (k RelocKind) String() string {
	if int(k) < len(relocKindNames) {
		return relocKindNames[k]
	}
	return fmt.Sprintf("reloc(%d)", k)
}

// Reloc records a field of emitted code that depends on a location not
// known when the field was written.
type Reloc struct {
	Kind RelocKind
	// Offset is the byte offset of the field to patch.
	Offset int
	// Next is the offset of the instruction that follows the field; relative
	// displacements are measured from it.
	Next int
	// Label, Pool and Sym identify the target depending on Kind.
	Label int32
	Pool  int
	Sym   string
	// Addr is the symbol address known at compile time, if any.
	Addr uintptr
}

func (r Reloc) String() string {
	switch r.Kind {
	case RelocSymAbs64:
		return fmt.Sprintf("%s@%#x -> %s", r.Kind, r.Offset, r.Sym)
	case RelocPool32:
		return fmt.Sprintf("%s@%#x -> pool+%#x", r.Kind, r.Offset, r.Pool)
	}
	return fmt.Sprintf("%s@%#x -> L%d", r.Kind, r.Offset, r.Label)
}

// PatchKind distinguishes retargetable calls from retargetable jumps.
type PatchKind uint8

const (
	PatchCall PatchKind = iota
	PatchJump
)

func (k PatchKind) String() string {
	if k == PatchCall {
		return "call"
	}
	return "jump"
}

// PatchSite is an 8-byte aligned, 8-byte long control transfer that can be
// retargeted in place after publication. Slot is the offset of the 8-byte
// pool slot used by its indirect form.
type PatchSite struct {
	Kind   PatchKind
	Offset int
	Slot   int
	Sym    string
	Label  int32
	Direct bool
}

// Program is the output of compiling one function: code followed by the
// switch tables and constant pool, the relocations that still need a load
// address, and the patch sites.
type Program struct {
	code        []byte
	relocations []Reloc
	sites       []PatchSite
	labels      map[int32]int
	entry       int
}

func (p Program) Bytes() []byte {
	return append([]byte(nil), p.code...)
}

// Relocations lists the relocations that depend on the load address.
func (p Program) Relocations() []Reloc {
	return append([]Reloc(nil), p.relocations...)
}

func (p Program) PatchSites() []PatchSite {
	return append([]PatchSite(nil), p.sites...)
}

// LabelOffset returns the final offset of a label.
func (p Program) LabelOffset(l int32) (int, bool) {
	off, ok := p.labels[l]
	return off, ok
}

func (p Program) Len() int { return len(p.code) }

func (p Program) Clone() Program {
	labels := make(map[int32]int, len(p.labels))
	for k, v := range p.labels {
		labels[k] = v
	}
	return Program{
		code:        append([]byte(nil), p.code...),
		relocations: append([]Reloc(nil), p.relocations...),
		sites:       append([]PatchSite(nil), p.sites...),
		labels:      labels,
		entry:       p.entry,
	}
}

func NewProgram(code []byte, relocations []Reloc, sites []PatchSite, labels map[int32]int) Program {
	return Program{
		code:        append([]byte(nil), code...),
		relocations: append([]Reloc(nil), relocations...),
		sites:       append([]PatchSite(nil), sites...),
		labels:      labels,
	}
}

// SymbolResolver maps an external symbol to its address.
type SymbolResolver func(name string) (uintptr, bool)

// Resolve returns the address for sym, preferring the compile-time address.
func (r SymbolResolver) Resolve(sym string, known uintptr) (uintptr, error) {
	if known != 0 {
		return known, nil
	}
	if r != nil {
		if addr, ok := r(sym); ok {
			return addr, nil
		}
	}
	return 0, fmt.Errorf("unresolved symbol %q", sym)
}
