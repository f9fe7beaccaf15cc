package amd64

import (
	"fmt"

	"github.com/tinyrange/x64jit/internal/asm/amd64"
	"github.com/tinyrange/x64jit/internal/ir"
	"github.com/tinyrange/x64jit/internal/rt"
)

// SysV va_list field offsets.
const (
	vaGPOffset = 0
	vaFPOffset = 4
	vaOverflow = 8
	vaRegSave  = 16
)

func (c *compiler) lowerVa(id ir.InsnID) error {
	in := c.fn.At(id)
	switch in.Op {
	case ir.OpVaEnd:
		c.fn.Remove(id)
		return nil
	case ir.OpVaStart:
		return c.vaStart(id)
	case ir.OpVaArg:
		return c.vaArg(id)
	case ir.OpVaBlockArg:
		return c.vaBlockArg(id)
	}
	return nil
}

// vaPointer returns ap as a register usable as a memory base.
func (c *compiler) vaPointer(id ir.InsnID, ap ir.Operand) ir.Reg {
	if ap.IsReg() && classOfReg(c.fn, ap.Reg) == amd64.ClassInt {
		return ap.Reg
	}
	p := c.fn.NewReg(ir.P)
	c.before(id, ir.OpMov, ir.R(p), ap)
	return p
}

func classOfReg(fn *ir.Func, r ir.Reg) amd64.RegClass {
	if r.IsVirtual() {
		return amd64.ClassOfType(fn.RegType(r))
	}
	return amd64.ClassOf(r)
}

// vaStart fills the va_list at ap. SysV records how many argument registers
// the named parameters used and where the overflow and register save areas
// are; Win64 only needs the address of the first unnamed stack slot.
func (c *compiler) vaStart(id ir.InsnID) error {
	if !c.fn.Proto.Variadic {
		return fmt.Errorf("va_start in non-variadic function %s: %w", c.fn.Name, amd64.ErrUnsupported)
	}
	ap := c.vaPointer(id, c.fn.At(id).Ops[0])
	t := ir.R(c.fn.NewReg(ir.P))
	if c.conv.Positional {
		c.before(id, amd64.OpLea, t, ir.M(ir.I64, int64(8*len(c.fn.Proto.Params)), amd64.ArgBase))
		c.before(id, ir.OpMov, ir.M(ir.P, 0, ap), t)
		c.fn.Remove(id)
		return nil
	}
	gp := 8 * c.incoming.IntRegs
	fp := 8*len(c.conv.IntArgs) + 16*c.incoming.FloatRegs
	c.before(id, ir.OpMov, ir.M(ir.U32, vaGPOffset, ap), ir.Uint(uint64(gp)))
	c.before(id, ir.OpMov, ir.M(ir.U32, vaFPOffset, ap), ir.Uint(uint64(fp)))
	c.before(id, amd64.OpLea, t, ir.M(ir.I64, int64(c.incoming.StackSize), amd64.ArgBase))
	c.before(id, ir.OpMov, ir.M(ir.P, vaOverflow, ap), t)
	c.before(id, amd64.OpLea, t, ir.M(ir.I64, int64(c.regSave), amd64.FrameBase))
	c.before(id, ir.OpMov, ir.M(ir.P, vaRegSave, ap), t)
	c.fn.Remove(id)
	return nil
}

// vaArg asks the runtime for the address of the next argument and loads it
// with the requested type. The type travels as an integer operand.
func (c *compiler) vaArg(id ir.InsnID) error {
	in := c.fn.At(id)
	d, ap, tv := in.Ops[0], in.Ops[1], in.Ops[2]
	if tv.Kind != ir.KindInt && tv.Kind != ir.KindUint {
		return fmt.Errorf("%s: type operand must be an integer", in)
	}
	t := ir.Type(tv.I)
	tag := rt.VaInt
	switch {
	case t.IsFloat():
		tag = rt.VaFloat
	case t == ir.LD && c.conv.LongDoubleIsDouble:
		tag = rt.VaFloat
	case t == ir.LD:
		tag = rt.VaLDouble
	case !t.IsInt():
		return fmt.Errorf("va_arg of %s: %w", t, amd64.ErrUnsupported)
	}

	addr := c.fn.NewReg(ir.P)
	if err := c.callHelper(id, rt.VaArg, []ir.Operand{ir.R(addr)}, ap, ir.Uint(uint64(tag))); err != nil {
		return err
	}
	in = c.fn.At(id)
	switch {
	case t == ir.F32:
		in.Op, in.Ops = ir.OpD2F, []ir.Operand{d, ir.M(ir.F64, 0, addr)}
	case t == ir.LD && c.conv.LongDoubleIsDouble:
		in.Op, in.Ops = ir.OpD2LD, []ir.Operand{d, ir.M(ir.F64, 0, addr)}
	default:
		in.Op, in.Ops = moveOp(t), []ir.Operand{d, ir.M(t, 0, addr)}
	}
	return nil
}

// vaBlockArg copies the next aggregate argument to the memory dst points at.
// The size operand carries the aggregate layout.
func (c *compiler) vaBlockArg(id ir.InsnID) error {
	in := c.fn.At(id)
	dst, ap, size := in.Ops[0], in.Ops[1], in.Ops[2]
	if size.Kind != ir.KindInt && size.Kind != ir.KindUint {
		return fmt.Errorf("%s: size operand must be an integer", in)
	}
	sse, memory := amd64.BlockClasses(size.Agg)
	classes := uint64(sse)
	if memory {
		classes = rt.VaMemory
	}
	if err := c.callHelper(id, rt.VaBlockArg, nil, dst, ap, ir.Uint(uint64(size.I)), ir.Uint(classes)); err != nil {
		return err
	}
	c.fn.Remove(id)
	return nil
}
