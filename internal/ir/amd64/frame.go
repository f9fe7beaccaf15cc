package amd64

import (
	"github.com/tinyrange/x64jit/internal/asm/amd64"
	"github.com/tinyrange/x64jit/internal/ir"
)

const stackAlignment = 16

// trivialSaveLimit is the number of saved integer registers a function may
// need before it keeps a frame pointer.
const trivialSaveLimit = 4

// Frame describes the stack frame of a compiled function. Offsets are
// relative to the stack pointer after the prologue: outgoing arguments at
// the bottom, then locals and spill slots, then saved registers.
type Frame struct {
	Convention   string
	FramePointer bool
	Leaf         bool
	// Omitted is set when the function has no prologue or epilogue.
	Omitted bool
	// RedZone is set when locals live below the stack pointer.
	RedZone  bool
	Variadic bool
	Dynamic  bool

	Saved    []ir.Reg
	Outgoing int
	Locals   int
	SaveArea int
	// Size is the stack pointer adjustment after any push of rbp.
	Size int
	// RegSave is the offset of the variadic register save area within the
	// locals, or -1.
	RegSave int
	// Base is the register frame slots are addressed from.
	Base string
}

func (f *Frame) base() ir.Reg {
	if f.FramePointer {
		return amd64.RBP
	}
	return amd64.RSP
}

// disp converts an offset from the bottom of the frame into a displacement
// from the base register.
func (f *Frame) disp(off int) int64 {
	switch {
	case f.FramePointer, f.RedZone:
		return int64(off - f.Size)
	}
	return int64(off)
}

// argDisp is the displacement of incoming stack argument off.
func (f *Frame) argDisp(off int) int64 {
	switch {
	case f.FramePointer:
		return int64(16 + off)
	case f.RedZone:
		return int64(8 + off)
	}
	return int64(f.Size + 8 + off)
}

func (f *Frame) mem(t ir.Type, off int) ir.Operand {
	return ir.M(t, f.disp(off), f.base())
}

func (c *compiler) usesArgBase() bool {
	for id := c.fn.First(); id != ir.NoInsn; id = c.fn.Next(id) {
		for _, o := range c.fn.At(id).Ops {
			if o.IsMem() && o.Mem.Base == amd64.ArgBase {
				return true
			}
		}
	}
	return false
}

// layoutFrame decides the frame shape from the allocated function.
func (c *compiler) layoutFrame() {
	f := &c.frame
	*f = Frame{
		Convention: c.conv.Name,
		Leaf:       !c.fn.HasCalls(),
		Variadic:   c.fn.Proto.Variadic,
		Dynamic:    c.dynamic,
		RegSave:    c.regSave,
	}

	named := c.namedRegs()
	var xmms, ints []ir.Reg
	c.conv.CalleeSaved.Each(func(r ir.Reg) {
		if !named.Has(r) || r == amd64.RBP || r == amd64.RSP {
			return
		}
		if amd64.ClassOf(r) == amd64.ClassFloat {
			xmms = append(xmms, r)
		} else {
			ints = append(ints, r)
		}
	})
	f.Saved = append(xmms, ints...)

	f.FramePointer = c.opts.FramePointer || f.Variadic || f.Dynamic ||
		c.usesArgBase() || len(ints) > trivialSaveLimit
	f.Outgoing = alignUp(c.outgoing, stackAlignment)
	f.Locals = alignUp(c.locals, stackAlignment)
	f.SaveArea = 16*len(xmms) + 8*len(ints)

	body := f.Outgoing + f.Locals + f.SaveArea
	switch {
	case f.FramePointer:
		f.Size = alignUp(body, stackAlignment)
	case !f.Leaf:
		// The return address leaves rsp 8 bytes off alignment.
		f.Size = alignUp(body+8, stackAlignment) - 8
	default:
		f.Size = body
	}
	f.RedZone = f.Leaf && !f.FramePointer && !c.opts.NoRedZone &&
		f.Size > 0 && f.Outgoing == 0 && f.Size <= c.conv.RedZone
	f.Omitted = f.Leaf && !f.FramePointer && f.Size == 0
	f.Base = amd64.RegName(f.base())
}

// saveSlot returns the frame offset of the i-th saved register.
func (f *Frame) saveSlot(i int) int {
	off := f.Outgoing + f.Locals
	for _, r := range f.Saved[:i] {
		if amd64.ClassOf(r) == amd64.ClassFloat {
			off += 16
		} else {
			off += 8
		}
	}
	return off
}

func (f *Frame) saveOps(i int) (store, load ir.Op, t ir.Type) {
	if amd64.ClassOf(f.Saved[i]) == amd64.ClassFloat {
		return amd64.OpXStore, amd64.OpXLoad, ir.F64
	}
	return ir.OpMov, ir.OpMov, ir.I64
}

// synthesizeFrame lays out the frame, inserts the prologue and an epilogue
// in front of every ret, expands dynamic allocations and resolves the pseudo
// base registers.
func (c *compiler) synthesizeFrame() error {
	c.layoutFrame()
	f := &c.frame

	for id := c.fn.First(); id != ir.NoInsn; id = c.fn.Next(id) {
		in := c.fn.At(id)
		switch in.Op {
		case ir.OpRet:
			if !f.Omitted {
				c.epilogue(id)
			}
		case ir.OpAlloca:
			c.expandAlloca(id)
		}
	}
	if !f.Omitted {
		c.prologue()
	}

	for id := c.fn.First(); id != ir.NoInsn; id = c.fn.Next(id) {
		in := c.fn.At(id)
		for i, o := range in.Ops {
			if !o.IsMem() {
				continue
			}
			switch o.Mem.Base {
			case amd64.FrameBase:
				o.Mem.Base = f.base()
				o.Mem.Disp = f.disp(f.Outgoing + int(o.Mem.Disp))
			case amd64.ArgBase:
				o.Mem.Base = f.base()
				o.Mem.Disp = f.argDisp(int(o.Mem.Disp))
			default:
				continue
			}
			in.Ops[i] = o
		}
	}
	c.log.Debug("amd64: frame",
		"func", c.fn.Name,
		"size", f.Size,
		"fp", f.FramePointer,
		"saved", len(f.Saved),
		"redzone", f.RedZone,
		"omitted", f.Omitted,
	)
	return nil
}

func (c *compiler) prologue() {
	f := &c.frame
	at := c.fn.First()
	if f.FramePointer {
		c.before(at, amd64.OpPush, ir.R(amd64.RBP))
		c.before(at, ir.OpMov, ir.R(amd64.RBP), ir.R(amd64.RSP))
	}
	if f.Size > 0 && !f.RedZone {
		c.before(at, ir.OpSub, ir.R(amd64.RSP), ir.R(amd64.RSP), ir.Int(int64(f.Size)))
	}
	for i, r := range f.Saved {
		store, _, t := f.saveOps(i)
		c.before(at, store, f.mem(t, f.saveSlot(i)), ir.R(r))
	}
	if !f.Variadic {
		return
	}
	if c.conv.Positional {
		// Spill the register arguments to their home slots so the caller's
		// argument area is contiguous.
		for i, r := range c.conv.IntArgs {
			c.before(at, ir.OpMov, ir.M(ir.I64, f.argDisp(8*i), f.base()), ir.R(r))
		}
		return
	}
	save := f.Outgoing + c.regSave
	for i, r := range c.conv.IntArgs {
		c.before(at, ir.OpMov, f.mem(ir.I64, save+8*i), ir.R(r))
	}
	fp := save + 8*len(c.conv.IntArgs)
	for i, r := range c.conv.FloatArgs {
		c.before(at, ir.OpDMov, f.mem(ir.F64, fp+16*i), ir.R(r))
	}
}

func (c *compiler) epilogue(ret ir.InsnID) {
	f := &c.frame
	for i, r := range f.Saved {
		_, load, t := f.saveOps(i)
		c.before(ret, load, ir.R(r), f.mem(t, f.saveSlot(i)))
	}
	switch {
	case f.FramePointer:
		c.before(ret, ir.OpMov, ir.R(amd64.RSP), ir.R(amd64.RBP))
		c.before(ret, amd64.OpPop, ir.R(amd64.RBP))
	case f.Size > 0 && !f.RedZone:
		c.before(ret, ir.OpAdd, ir.R(amd64.RSP), ir.R(amd64.RSP), ir.Int(int64(f.Size)))
	}
}

// expandAlloca moves rsp down by the rounded size and returns the address
// just above the outgoing argument area.
func (c *compiler) expandAlloca(id ir.InsnID) {
	f := &c.frame
	in := c.fn.At(id)
	d, size := in.Ops[0], in.Ops[1]
	t := ir.R(amd64.TempInt)
	rsp := ir.R(amd64.RSP)
	if size.Kind == ir.KindInt || size.Kind == ir.KindUint {
		c.before(id, ir.OpSub, rsp, rsp, ir.Int(int64(alignUp(int(size.I), stackAlignment))))
	} else {
		c.before(id, ir.OpMov, t, size)
		c.before(id, ir.OpAdd, t, t, ir.Int(stackAlignment-1))
		c.before(id, ir.OpAnd, t, t, ir.Int(-stackAlignment))
		c.before(id, ir.OpSub, rsp, rsp, t)
	}
	c.before(id, amd64.OpLea, t, ir.M(ir.I64, int64(f.Outgoing), amd64.RSP))
	in = c.fn.At(id)
	in.Op = ir.OpMov
	in.Ops = []ir.Operand{d, t}
}
