package amd64

import (
	"fmt"
	"runtime"

	"github.com/tinyrange/x64jit/internal/ir"
)

// Convention describes a platform calling convention.
type Convention struct {
	Name string

	IntArgs      []ir.Reg
	FloatArgs    []ir.Reg
	IntResults   []ir.Reg
	FloatResults []ir.Reg
	X87Results   []ir.Reg

	CalleeSaved RegSet

	// Positional conventions consume one slot per argument from a counter
	// shared by the integer and vector register files.
	Positional bool
	// HomeArea is the caller-allocated spill space for register arguments.
	HomeArea int
	// RegSaveArea is the size of the area a variadic callee fills with its
	// incoming argument registers.
	RegSaveArea int
	// RedZone is the space below the stack pointer a leaf may use without
	// adjusting it.
	RedZone int
	// MaxResults bounds the number of results regardless of class.
	MaxResults int
	// LongDoubleIsDouble is set where the platform long double is the 64-bit
	// binary format.
	LongDoubleIsDouble bool
	// VarFloatsInIntRegs duplicates variadic floating arguments into the
	// integer register of the same slot.
	VarFloatsInIntRegs bool
}

// SysV is the System V AMD64 convention used by Linux, the BSDs and macOS.
var SysV = &Convention{
	Name:         "sysv",
	IntArgs:      []ir.Reg{RDI, RSI, RDX, RCX, R8, R9},
	FloatArgs:    []ir.Reg{XMM0, XMM1, XMM2, XMM3, XMM4, XMM5, XMM6, XMM7},
	IntResults:   []ir.Reg{RAX, RDX},
	FloatResults: []ir.Reg{XMM0, XMM1},
	X87Results:   []ir.Reg{ST0, ST1},
	CalleeSaved:  Regs(RBX, RBP, R12, R13, R14, R15),
	RegSaveArea:  6*8 + 8*16,
	RedZone:      128,
	MaxResults:   6,
}

// Win64 is the Microsoft x64 convention.
var Win64 = &Convention{
	Name:         "win64",
	IntArgs:      []ir.Reg{RCX, RDX, R8, R9},
	FloatArgs:    []ir.Reg{XMM0, XMM1, XMM2, XMM3},
	IntResults:   []ir.Reg{RAX},
	FloatResults: []ir.Reg{XMM0},
	CalleeSaved: Regs(RBX, RBP, RDI, RSI, R12, R13, R14, R15,
		XMM6, XMM7, XMM8, XMM9, XMM10, XMM11, XMM12, XMM13, XMM14, XMM15),
	Positional:         true,
	HomeArea:           32,
	MaxResults:         1,
	LongDoubleIsDouble: true,
	VarFloatsInIntRegs: true,
}

// HostConvention returns the convention native code on this host follows.
func HostConvention() *Convention {
	if runtime.GOOS == "windows" {
		return Win64
	}
	return SysV
}

// ConventionByName resolves "sysv", "win64" or "host".
func ConventionByName(name string) (*Convention, error) {
	switch name {
	case "", "host":
		return HostConvention(), nil
	case SysV.Name:
		return SysV, nil
	case Win64.Name:
		return Win64, nil
	}
	return nil, fmt.Errorf("unknown calling convention %q", name)
}

func (c *Convention) String() string { return c.Name }

// CallerSaved returns the registers a call may clobber.
func (c *Convention) CallerSaved() RegSet {
	return (allIntRegs | allFloatRegs) &^ c.CalleeSaved &^ Regs(RSP)
}

// LocKind says where an argument lives at the call boundary.
type LocKind uint8

const (
	// LocReg passes the value (or each eightbyte of an aggregate) in Regs.
	LocReg LocKind = iota
	// LocStack passes a scalar in the stack slot at Offset.
	LocStack
	// LocStackCopy copies an aggregate into the argument area at Offset; the
	// callee addresses it in place.
	LocStackCopy
	// LocByRef passes the address of a caller-owned copy, in Regs[0] or in
	// the stack slot at Offset.
	LocByRef
)

var locKindNames = [...]string{"reg", "stack", "stackcopy", "byref"}

func (k LocKind) String() string {
	if int(k) < len(locKindNames) {
		return locKindNames[k]
	}
	return fmt.Sprintf("loc(%d)", k)
}

// ArgLoc is the location of one argument. Offsets are relative to the stack
// pointer at the call instruction.
type ArgLoc struct {
	Kind   LocKind
	Regs   []ir.Reg
	Offset int
	Size   int
	// Types holds the value type carried by each register in Regs.
	Types []ir.Type
	// Dup is an integer register that also receives a variadic floating
	// argument.
	Dup ir.Reg
}

func (l ArgLoc) String() string {
	switch l.Kind {
	case LocReg, LocByRef:
		if len(l.Regs) > 0 {
			s := l.Kind.String() + ":"
			for i, r := range l.Regs {
				if i > 0 {
					s += ","
				}
				s += RegName(r)
			}
			if l.Dup != ir.NoReg {
				s += "+" + RegName(l.Dup)
			}
			return s
		}
	}
	return fmt.Sprintf("%s:%d", l.Kind, l.Offset)
}

// ArgAssignment is the result of classifying a call's arguments.
type ArgAssignment struct {
	Args []ArgLoc
	// StackSize is the outgoing argument area, home area included.
	StackSize int
	IntRegs   int
	FloatRegs int
}

type eightbyteClass uint8

const (
	classInteger eightbyteClass = iota
	classSSE
)

// classifyAgg returns the class of each eightbyte of agg, or ok=false when
// the aggregate has to be passed in memory.
func classifyAgg(agg *ir.Agg) (classes []eightbyteClass, ok bool) {
	if agg.Size == 0 || agg.Size > 16 || !agg.Aligned() {
		return nil, false
	}
	for lo := 0; lo < agg.Size; lo += 8 {
		fields := agg.FieldsIn(lo, lo+8)
		class := classSSE
		if len(fields) == 0 {
			class = classInteger
		}
		for _, f := range fields {
			switch {
			case f.Type == ir.LD, f.Type == ir.Block:
				return nil, false
			case f.Type.IsInt():
				class = classInteger
			}
		}
		classes = append(classes, class)
	}
	return classes, true
}

// BlockClasses returns a mask with bit i set when eightbyte i of agg is
// passed in a vector register, and memory=true when agg is passed on the
// stack.
func BlockClasses(agg *ir.Agg) (sse uint8, memory bool) {
	if agg == nil {
		return 0, true
	}
	classes, ok := classifyAgg(agg)
	if !ok {
		return 0, true
	}
	for i, cl := range classes {
		if cl == classSSE {
			sse |= 1 << i
		}
	}
	return sse, false
}

func alignUp(v, a int) int {
	if a <= 1 {
		return v
	}
	return (v + a - 1) &^ (a - 1)
}

func eightbyteType(class eightbyteClass, size int) ir.Type {
	if class == classSSE {
		if size <= 4 {
			return ir.F32
		}
		return ir.F64
	}
	return ir.I64
}

// AssignArgs classifies args in order. Arguments at index fixed and beyond
// are variadic; pass len(args) for a non-variadic call.
func (c *Convention) AssignArgs(args []ir.Param, fixed int) (ArgAssignment, error) {
	if c.Positional {
		return c.assignPositional(args, fixed)
	}
	var out ArgAssignment
	stack := c.HomeArea
	nextInt, nextFloat := 0, 0
	for i, a := range args {
		var loc ArgLoc
		switch {
		case a.Type == ir.Block:
			if a.Agg == nil {
				return out, fmt.Errorf("argument %d: block without layout: %w", i, ErrUnsupported)
			}
			classes, inRegs := classifyAgg(a.Agg)
			if inRegs {
				needInt, needFloat := 0, 0
				for _, cl := range classes {
					if cl == classInteger {
						needInt++
					} else {
						needFloat++
					}
				}
				if nextInt+needInt > len(c.IntArgs) || nextFloat+needFloat > len(c.FloatArgs) {
					inRegs = false
				} else {
					loc.Kind = LocReg
					for j, cl := range classes {
						size := a.Agg.Size - j*8
						if cl == classInteger {
							loc.Regs = append(loc.Regs, c.IntArgs[nextInt])
							nextInt++
						} else {
							loc.Regs = append(loc.Regs, c.FloatArgs[nextFloat])
							nextFloat++
						}
						loc.Types = append(loc.Types, eightbyteType(cl, size))
					}
				}
			}
			if !inRegs {
				align := 8
				for _, f := range a.Agg.Fields {
					if f.Type == ir.LD {
						align = 16
					}
				}
				stack = alignUp(stack, align)
				loc = ArgLoc{Kind: LocStackCopy, Offset: stack, Size: alignUp(a.Agg.Size, 8)}
				stack += loc.Size
			}
		case a.Type == ir.LD:
			stack = alignUp(stack, 16)
			loc = ArgLoc{Kind: LocStack, Offset: stack, Size: 16, Types: []ir.Type{ir.LD}}
			stack += 16
		case a.Type.IsFloat():
			if nextFloat < len(c.FloatArgs) {
				loc = ArgLoc{Kind: LocReg, Regs: []ir.Reg{c.FloatArgs[nextFloat]}, Types: []ir.Type{a.Type}}
				nextFloat++
			} else {
				loc = ArgLoc{Kind: LocStack, Offset: stack, Size: 8, Types: []ir.Type{a.Type}}
				stack += 8
			}
		default:
			if nextInt < len(c.IntArgs) {
				loc = ArgLoc{Kind: LocReg, Regs: []ir.Reg{c.IntArgs[nextInt]}, Types: []ir.Type{a.Type}}
				nextInt++
			} else {
				loc = ArgLoc{Kind: LocStack, Offset: stack, Size: 8, Types: []ir.Type{a.Type}}
				stack += 8
			}
		}
		out.Args = append(out.Args, loc)
	}
	out.StackSize = alignUp(stack, 8)
	out.IntRegs, out.FloatRegs = nextInt, nextFloat
	return out, nil
}

func (c *Convention) assignPositional(args []ir.Param, fixed int) (ArgAssignment, error) {
	var out ArgAssignment
	slot := func(i int) (ArgLoc, bool) {
		if i < len(c.IntArgs) {
			return ArgLoc{Kind: LocReg}, true
		}
		return ArgLoc{Kind: LocStack, Offset: c.HomeArea + 8*(i-len(c.IntArgs)), Size: 8}, false
	}
	for i, a := range args {
		loc, inReg := slot(i)
		t := a.Type
		if t == ir.LD && c.LongDoubleIsDouble {
			t = ir.F64
		}
		switch {
		case t == ir.Block:
			if a.Agg == nil {
				return out, fmt.Errorf("argument %d: block without layout: %w", i, ErrUnsupported)
			}
			switch a.Agg.Size {
			case 1:
				t = ir.U8
			case 2:
				t = ir.U16
			case 4:
				t = ir.U32
			case 8:
				t = ir.I64
			default:
				loc.Kind = LocByRef
				t = ir.P
			}
		case t == ir.LD:
			return out, fmt.Errorf("argument %d: long double: %w", i, ErrUnsupported)
		}
		loc.Types = []ir.Type{t}
		if inReg {
			if t.IsFloat() {
				loc.Regs = []ir.Reg{c.FloatArgs[i]}
				out.FloatRegs++
				if i >= fixed && c.VarFloatsInIntRegs {
					loc.Dup = c.IntArgs[i]
				}
			} else {
				loc.Regs = []ir.Reg{c.IntArgs[i]}
				out.IntRegs++
			}
		}
		out.Args = append(out.Args, loc)
	}
	stack := c.HomeArea
	if n := len(args) - len(c.IntArgs); n > 0 {
		stack += 8 * n
	}
	out.StackSize = stack
	return out, nil
}

// AssignResults maps result types to return registers.
func (c *Convention) AssignResults(results []ir.Type) ([]ir.Reg, error) {
	if len(results) > c.MaxResults {
		return nil, fmt.Errorf("%d results, %s allows %d: %w", len(results), c.Name, c.MaxResults, ErrUnsupported)
	}
	var out []ir.Reg
	nextInt, nextFloat, nextX87 := 0, 0, 0
	for i, t := range results {
		if t == ir.LD && c.LongDoubleIsDouble {
			t = ir.F64
		}
		switch {
		case t.IsInt():
			if nextInt >= len(c.IntResults) {
				return nil, fmt.Errorf("result %d: integer result registers exhausted: %w", i, ErrUnsupported)
			}
			out = append(out, c.IntResults[nextInt])
			nextInt++
		case t.IsFloat():
			if nextFloat >= len(c.FloatResults) {
				return nil, fmt.Errorf("result %d: float result registers exhausted: %w", i, ErrUnsupported)
			}
			out = append(out, c.FloatResults[nextFloat])
			nextFloat++
		case t == ir.LD:
			if nextX87 >= len(c.X87Results) {
				return nil, fmt.Errorf("result %d: x87 result registers exhausted: %w", i, ErrUnsupported)
			}
			out = append(out, c.X87Results[nextX87])
			nextX87++
		default:
			return nil, fmt.Errorf("result %d: type %s: %w", i, t, ErrUnsupported)
		}
	}
	return out, nil
}
