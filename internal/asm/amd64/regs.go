package amd64

import (
	"fmt"

	"github.com/tinyrange/x64jit/internal/ir"
)

// Hard registers. General purpose registers are listed in hardware encoding
// order so the low three bits of (r - RAX) are the ModRM register number.
const (
	RAX ir.Reg = iota + 1
	RCX
	RDX
	RBX
	RSP
	RBP
	RSI
	RDI
	R8
	R9
	R10
	R11
	R12
	R13
	R14
	R15

	XMM0
	XMM1
	XMM2
	XMM3
	XMM4
	XMM5
	XMM6
	XMM7
	XMM8
	XMM9
	XMM10
	XMM11
	XMM12
	XMM13
	XMM14
	XMM15

	ST0
	ST1

	// FrameBase addresses the function's spill slots and ArgBase its incoming
	// stack arguments. Both are replaced by RBP or RSP once the frame is laid
	// out.
	FrameBase
	ArgBase

	numRegs
)

// Scratch registers are never handed out by the allocator; legalization and
// shape fixups use them for values that live within a single instruction
// sequence.
const (
	TempInt    = R11
	TempInt2   = R10
	TempFloat  = XMM15
	TempFloat2 = XMM14
)

// RegClass partitions hard registers.
type RegClass uint8

const (
	ClassNone RegClass = iota
	ClassInt
	ClassFloat
	ClassX87
)

func (c RegClass) String() string {
	switch c {
	case ClassInt:
		return "int"
	case ClassFloat:
		return "float"
	case ClassX87:
		return "x87"
	}
	return "none"
}

// ClassOf returns the class of a hard register.
func ClassOf(r ir.Reg) RegClass {
	switch {
	case r >= RAX && r <= R15, r == FrameBase, r == ArgBase:
		return ClassInt
	case r >= XMM0 && r <= XMM15:
		return ClassFloat
	case r == ST0 || r == ST1:
		return ClassX87
	}
	return ClassNone
}

// ClassOfType returns the register class that holds values of type t.
func ClassOfType(t ir.Type) RegClass {
	switch {
	case t.IsInt():
		return ClassInt
	case t.IsFloat():
		return ClassFloat
	case t == ir.LD:
		return ClassX87
	}
	return ClassNone
}

// IsScratch reports whether r is reserved for the backend's own temporaries.
func IsScratch(r ir.Reg) bool {
	switch r {
	case TempInt, TempInt2, TempFloat, TempFloat2:
		return true
	}
	return false
}

var regNames = [...]string{
	RAX: "rax", RCX: "rcx", RDX: "rdx", RBX: "rbx", RSP: "rsp", RBP: "rbp", RSI: "rsi", RDI: "rdi",
	R8: "r8", R9: "r9", R10: "r10", R11: "r11", R12: "r12", R13: "r13", R14: "r14", R15: "r15",
	XMM0: "xmm0", XMM1: "xmm1", XMM2: "xmm2", XMM3: "xmm3", XMM4: "xmm4", XMM5: "xmm5",
	XMM6: "xmm6", XMM7: "xmm7", XMM8: "xmm8", XMM9: "xmm9", XMM10: "xmm10", XMM11: "xmm11",
	XMM12: "xmm12", XMM13: "xmm13", XMM14: "xmm14", XMM15: "xmm15",
	ST0: "st0", ST1: "st1",
	FrameBase: "frame", ArgBase: "args",
}

// RegName returns the assembler name of a hard register.
func RegName(r ir.Reg) string {
	if r > 0 && r < numRegs {
		return regNames[r]
	}
	return fmt.Sprintf("hr%d", r)
}

// ParseReg looks a hard register up by name.
func ParseReg(name string) (ir.Reg, bool) {
	for r := RAX; r < numRegs; r++ {
		if regNames[r] == name {
			return r, true
		}
	}
	return ir.NoReg, false
}

func init() {
	ir.SetRegNamer(RegName)
}

type registerCode struct {
	code byte
	high bool
	// needsRex is set for registers whose byte form is only addressable with
	// a REX prefix (spl, bpl, sil, dil) or whose number needs an extension bit.
	needsRex bool
}

func regInfo(r ir.Reg) (registerCode, error) {
	switch {
	case r >= RAX && r <= R15:
		n := byte(r - RAX)
		return registerCode{
			code:     n & 7,
			high:     n >= 8,
			needsRex: n >= 4,
		}, nil
	case r >= XMM0 && r <= XMM15:
		n := byte(r - XMM0)
		return registerCode{code: n & 7, high: n >= 8, needsRex: n >= 8}, nil
	}
	return registerCode{}, fmt.Errorf("register %s has no encoding", RegName(r))
}

// RegSet is a bit set of hard registers.
type RegSet uint64

func Regs(rs ...ir.Reg) RegSet {
	var s RegSet
	for _, r := range rs {
		s = s.Add(r)
	}
	return s
}

func (s RegSet) Has(r ir.Reg) bool    { return r < 64 && s&(1<<r) != 0 }
func (s RegSet) Add(r ir.Reg) RegSet  { return s | 1<<r }
func (s RegSet) Drop(r ir.Reg) RegSet { return s &^ (1 << r) }

// Each visits members in ascending register order.
func (s RegSet) Each(fn func(ir.Reg)) {
	for r := ir.Reg(1); r < numRegs; r++ {
		if s.Has(r) {
			fn(r)
		}
	}
}

func (s RegSet) Count() int {
	n := 0
	s.Each(func(ir.Reg) { n++ })
	return n
}

var (
	allIntRegs   = Regs(RAX, RCX, RDX, RBX, RSP, RBP, RSI, RDI, R8, R9, R10, R11, R12, R13, R14, R15)
	allFloatRegs = Regs(XMM0, XMM1, XMM2, XMM3, XMM4, XMM5, XMM6, XMM7,
		XMM8, XMM9, XMM10, XMM11, XMM12, XMM13, XMM14, XMM15)
)
