package amd64

import (
	"fmt"

	"github.com/tinyrange/x64jit/internal/asm/amd64"
	"github.com/tinyrange/x64jit/internal/ir"
	"github.com/tinyrange/x64jit/internal/rt"
)

// machinize rewrites fn so every call, return and parameter follows the
// convention and every remaining instruction has a shape the pattern table
// can encode once registers are assigned.
func (c *compiler) machinize() error {
	if c.fn.Proto.Variadic && !c.conv.Positional {
		c.regSave = c.reserve(c.conv.RegSaveArea, 16)
	}
	if err := c.intakeArgs(); err != nil {
		return err
	}
	return c.fn.Each(func(id ir.InsnID, _ *ir.Insn) error {
		return c.lower(id)
	})
}

func (c *compiler) before(at ir.InsnID, op ir.Op, ops ...ir.Operand) ir.InsnID {
	return c.fn.InsertBefore(at, op, ops...)
}

// typeOf returns the value type an operand carries.
func (c *compiler) typeOf(o ir.Operand) ir.Type {
	switch o.Kind {
	case ir.KindReg:
		if o.Reg.IsVirtual() {
			return c.fn.RegType(o.Reg)
		}
		switch amd64.ClassOf(o.Reg) {
		case amd64.ClassFloat:
			return ir.F64
		case amd64.ClassX87:
			return ir.LD
		}
		return ir.I64
	case ir.KindMem:
		return o.Mem.Type
	case ir.KindFloat:
		return ir.F32
	case ir.KindDouble:
		return ir.F64
	case ir.KindLDouble:
		return ir.LD
	}
	return ir.I64
}

// moveOp returns the copy opcode for values of type t.
func moveOp(t ir.Type) ir.Op {
	switch t {
	case ir.F32:
		return ir.OpFMov
	case ir.F64:
		return ir.OpDMov
	case ir.LD:
		return ir.OpLDMov
	}
	return ir.OpMov
}

// widenOp extends a narrow integer held in a register to 64 bits.
func widenOp(t ir.Type) ir.Op {
	switch t {
	case ir.I8:
		return ir.OpExt8
	case ir.U8:
		return ir.OpUExt8
	case ir.I16:
		return ir.OpExt16
	case ir.U16:
		return ir.OpUExt16
	case ir.I32:
		return ir.OpExt32
	case ir.U32:
		return ir.OpUExt32
	}
	return ir.OpMov
}

// convert picks the instruction that moves a value of type from into a
// location of type to.
func convert(to, from ir.Type) (ir.Op, error) {
	switch {
	case to == from:
		return moveOp(to), nil
	case to.IsInt() && from.IsInt():
		return ir.OpMov, nil
	case to == ir.F64 && from == ir.F32:
		return ir.OpF2D, nil
	case to == ir.F32 && from == ir.F64:
		return ir.OpD2F, nil
	case to == ir.F64 && from == ir.LD:
		return ir.OpLD2D, nil
	case to == ir.LD && from == ir.F64:
		return ir.OpD2LD, nil
	}
	return 0, fmt.Errorf("cannot move %s to %s: %w", from, to, amd64.ErrUnsupported)
}

func memAt(m ir.Mem, t ir.Type, off int) ir.Operand {
	m.Type = t
	m.Disp += int64(off)
	if m.Scale == 0 {
		m.Scale = 1
	}
	return ir.MemOp(m)
}

func uintType(n int) ir.Type {
	switch n {
	case 1:
		return ir.U8
	case 2:
		return ir.U16
	case 4:
		return ir.U32
	}
	return ir.I64
}

// chunk is the widest power of two copy that fits in n bytes.
func chunk(n int) int {
	for _, c := range []int{8, 4, 2} {
		if n >= c {
			return c
		}
	}
	return 1
}

// blockAddr returns the memory an aggregate argument lives in.
func blockAddr(o ir.Operand) (ir.Mem, error) {
	switch o.Kind {
	case ir.KindMem:
		return o.Mem, nil
	case ir.KindReg:
		return ir.Mem{Base: o.Reg, Scale: 1}, nil
	}
	return ir.Mem{}, fmt.Errorf("aggregate argument %s is not in memory: %w", o, amd64.ErrUnsupported)
}

// intakeArgs moves every parameter from its incoming location into the
// virtual register the function body uses.
func (c *compiler) intakeArgs() error {
	p := c.fn.Proto
	assign, err := c.conv.AssignArgs(p.Params, len(p.Params))
	if err != nil {
		return fmt.Errorf("parameters: %w", err)
	}
	c.incoming = assign
	at := c.fn.First()
	for i, loc := range assign.Args {
		param := p.Params[i]
		v := ir.R(c.fn.Params[i])
		var src ir.Operand
		switch loc.Kind {
		case amd64.LocReg:
			if param.Type == ir.Block {
				off := c.reserve(alignUp(param.Agg.Size, 8), 8)
				for j, r := range loc.Regs {
					t := loc.Types[j]
					if t.IsInt() {
						t = uintType(min(8, param.Agg.Size-8*j))
					}
					c.before(at, moveOp(t), ir.M(t, int64(off+8*j), amd64.FrameBase), ir.R(r))
				}
				c.before(at, amd64.OpLea, v, ir.M(ir.I64, int64(off), amd64.FrameBase))
				continue
			}
			src = ir.R(loc.Regs[0])
		case amd64.LocStack:
			if param.Type == ir.Block {
				c.before(at, amd64.OpLea, v, ir.M(ir.I64, int64(loc.Offset), amd64.ArgBase))
				continue
			}
			src = ir.M(loc.Types[0], int64(loc.Offset), amd64.ArgBase)
		case amd64.LocStackCopy:
			c.before(at, amd64.OpLea, v, ir.M(ir.I64, int64(loc.Offset), amd64.ArgBase))
			continue
		case amd64.LocByRef:
			if len(loc.Regs) > 0 {
				c.before(at, ir.OpMov, v, ir.R(loc.Regs[0]))
			} else {
				c.before(at, ir.OpMov, v, ir.M(ir.P, int64(loc.Offset), amd64.ArgBase))
			}
			continue
		}
		if err := c.intakeScalar(at, v, param.Type, loc.Types[0], src); err != nil {
			return fmt.Errorf("parameter %d: %w", i, err)
		}
	}
	return nil
}

func (c *compiler) intakeScalar(at ir.InsnID, v ir.Operand, want, have ir.Type, src ir.Operand) error {
	if want.IsInt() && src.IsReg() {
		c.before(at, widenOp(want), v, src)
		return nil
	}
	op, err := convert(want, have)
	if err != nil {
		return err
	}
	c.before(at, op, v, src)
	return nil
}

// lowerRet moves the returned values into the result registers. The frame
// pass later inserts the epilogue in front of the bare ret.
func (c *compiler) lowerRet(id ir.InsnID) error {
	vals := append([]ir.Operand(nil), c.fn.At(id).Ops...)
	results := c.fn.Proto.Results
	if len(vals) != len(results) {
		return fmt.Errorf("ret: %d values for %d results", len(vals), len(results))
	}
	regs, err := c.conv.AssignResults(results)
	if err != nil {
		return fmt.Errorf("ret: %w", err)
	}
	// x87 results are pushed, so the value for st0 is loaded last.
	var x87 []int
	for i, v := range vals {
		if amd64.ClassOf(regs[i]) == amd64.ClassX87 {
			x87 = append(x87, i)
			continue
		}
		if err := c.moveTo(id, ir.R(regs[i]), c.regType(regs[i], results[i]), v, c.typeOf(v)); err != nil {
			return fmt.Errorf("ret: %w", err)
		}
	}
	for k := len(x87) - 1; k >= 0; k-- {
		i := x87[k]
		c.before(id, ir.OpLDMov, ir.R(regs[i]), vals[i])
	}
	c.fn.At(id).Ops = nil
	return nil
}

// regType is the type a value of type t has once it sits in hard register r.
func (c *compiler) regType(r ir.Reg, t ir.Type) ir.Type {
	if t == ir.LD && amd64.ClassOf(r) == amd64.ClassFloat {
		return ir.F64
	}
	if t.IsInt() {
		return ir.I64
	}
	return t
}

func (c *compiler) moveTo(at ir.InsnID, dst ir.Operand, dt ir.Type, src ir.Operand, st ir.Type) error {
	op, err := convert(dt, st)
	if err != nil {
		return err
	}
	c.before(at, op, dst, src)
	return nil
}

// varParam describes a variadic argument from its operand. Floats are
// promoted to double.
func (c *compiler) varParam(o ir.Operand) ir.Param {
	if o.Kind == ir.KindMem && o.Mem.Type == ir.Block {
		return ir.Param{Type: ir.Block, Agg: o.Agg}
	}
	t := c.typeOf(o)
	if t == ir.F32 {
		t = ir.F64
	}
	return ir.Param{Type: t}
}

// lowerCall expands a call into argument setup, the bare call and result
// moves. The unlowered form is
//
//	call target, results..., args...
//
// with the prototype on the instruction. A result operand of kind none
// discards the value.
func (c *compiler) lowerCall(id ir.InsnID) error {
	in := c.fn.At(id)
	proto := in.Proto
	if proto == nil {
		return fmt.Errorf("%s: call without prototype", in)
	}
	ops := append([]ir.Operand(nil), in.Ops...)
	nres := len(proto.Results)
	if len(ops) < 1+nres+len(proto.Params) {
		return fmt.Errorf("call %s: %d operands", proto.Name, len(ops))
	}
	target, results, args := ops[0], ops[1:1+nres], ops[1+nres:]
	if !proto.Variadic && len(args) != len(proto.Params) {
		return fmt.Errorf("call %s: %d arguments for %d parameters", proto.Name, len(args), len(proto.Params))
	}

	params := make([]ir.Param, len(args))
	for i, a := range args {
		if i < len(proto.Params) {
			params[i] = proto.Params[i]
		} else {
			params[i] = c.varParam(a)
		}
	}
	assign, err := c.conv.AssignArgs(params, len(proto.Params))
	if err != nil {
		return fmt.Errorf("call %s: %w", proto.Name, err)
	}
	resRegs, err := c.conv.AssignResults(proto.Results)
	if err != nil {
		return fmt.Errorf("call %s: %w", proto.Name, err)
	}
	c.outgoing = max(c.outgoing, assign.StackSize)

	// Aggregate copies go first since they may call memcpy themselves.
	byRef := make(map[int]int)
	for i, loc := range assign.Args {
		if params[i].Type != ir.Block {
			continue
		}
		size := params[i].Agg.Size
		switch loc.Kind {
		case amd64.LocStackCopy:
			src, err := blockAddr(args[i])
			if err != nil {
				return err
			}
			dst := ir.Mem{Base: amd64.RSP, Disp: int64(loc.Offset), Scale: 1}
			if err := c.copyBlock(id, dst, src, size); err != nil {
				return err
			}
		case amd64.LocByRef:
			src, err := blockAddr(args[i])
			if err != nil {
				return err
			}
			off := c.reserve(alignUp(size, 8), 8)
			dst := ir.Mem{Base: amd64.FrameBase, Disp: int64(off), Scale: 1}
			if err := c.copyBlock(id, dst, src, size); err != nil {
				return err
			}
			byRef[i] = off
		}
	}

	// Stack arguments use the scratch registers, so they are stored before
	// the argument registers are loaded.
	for i, loc := range assign.Args {
		a := args[i]
		switch {
		case loc.Kind == amd64.LocStack && params[i].Type == ir.Block:
			src, err := blockAddr(a)
			if err != nil {
				return err
			}
			t := loc.Types[0]
			c.before(id, ir.OpMov, ir.R(amd64.TempInt), memAt(src, t, 0))
			c.before(id, ir.OpMov, ir.M(ir.I64, int64(loc.Offset), amd64.RSP), ir.R(amd64.TempInt))
		case loc.Kind == amd64.LocStack:
			t := loc.Types[0]
			if t.IsInt() {
				t = ir.I64
			}
			if err := c.moveTo(id, ir.M(t, int64(loc.Offset), amd64.RSP), t, a, c.typeOf(a)); err != nil {
				return fmt.Errorf("call %s: argument %d: %w", proto.Name, i, err)
			}
		case loc.Kind == amd64.LocByRef && len(loc.Regs) == 0:
			c.before(id, amd64.OpLea, ir.R(amd64.TempInt), ir.M(ir.I64, int64(byRef[i]), amd64.FrameBase))
			c.before(id, ir.OpMov, ir.M(ir.I64, int64(loc.Offset), amd64.RSP), ir.R(amd64.TempInt))
		}
	}

	for i, loc := range assign.Args {
		if len(loc.Regs) == 0 {
			continue
		}
		a := args[i]
		switch {
		case loc.Kind == amd64.LocByRef:
			c.before(id, amd64.OpLea, ir.R(loc.Regs[0]), ir.M(ir.I64, int64(byRef[i]), amd64.FrameBase))
		case params[i].Type == ir.Block:
			src, err := blockAddr(a)
			if err != nil {
				return err
			}
			size := params[i].Agg.Size
			for j, r := range loc.Regs {
				n := min(8, size-8*j)
				if amd64.ClassOf(r) == amd64.ClassFloat {
					t := loc.Types[j]
					c.before(id, moveOp(t), ir.R(r), memAt(src, t, 8*j))
					continue
				}
				c.loadPartial(id, r, src, 8*j, n)
			}
		default:
			t := loc.Types[0]
			if t.IsInt() {
				t = ir.I64
			}
			if err := c.moveTo(id, ir.R(loc.Regs[0]), t, a, c.typeOf(a)); err != nil {
				return fmt.Errorf("call %s: argument %d: %w", proto.Name, i, err)
			}
			if loc.Dup != ir.NoReg {
				c.before(id, amd64.OpMovQ, ir.R(loc.Dup), ir.R(loc.Regs[0]))
			}
		}
	}

	if proto.Variadic && !c.conv.Positional {
		c.before(id, ir.OpMov, ir.R(amd64.RAX), ir.Int(int64(assign.FloatRegs)))
	}

	in = c.fn.At(id)
	in.Ops = []ir.Operand{target}
	c.calls++

	at := id
	for i, r := range results {
		t := proto.Results[i]
		hr := resRegs[i]
		if r.Kind == ir.KindNone {
			if amd64.ClassOf(hr) == amd64.ClassX87 {
				at = c.fn.InsertAfter(at, ir.OpLDMov, ir.M(ir.LD, int64(c.scratchSlot(0)), amd64.FrameBase), ir.R(hr))
			}
			continue
		}
		var op ir.Op
		switch {
		case t.IsInt():
			op = widenOp(t)
		case amd64.ClassOf(hr) == amd64.ClassX87:
			op = ir.OpLDMov
		default:
			op, err = convert(t, c.regType(hr, t))
			if err != nil {
				return fmt.Errorf("call %s: result %d: %w", proto.Name, i, err)
			}
		}
		at = c.fn.InsertAfter(at, op, r, ir.R(hr))
	}
	return nil
}

// loadPartial loads the n bytes at src+off into integer register r without
// reading past them.
func (c *compiler) loadPartial(at ir.InsnID, r ir.Reg, src ir.Mem, off, n int) {
	switch n {
	case 1, 2, 4, 8:
		c.before(at, ir.OpMov, ir.R(r), memAt(src, uintType(n), off))
		return
	}
	for b := n - 1; b >= 0; b-- {
		if b == n-1 {
			c.before(at, ir.OpMov, ir.R(r), memAt(src, ir.U8, off+b))
			continue
		}
		c.before(at, ir.OpLSh, ir.R(r), ir.R(r), ir.Int(8))
		c.before(at, ir.OpMov, ir.R(amd64.TempInt), memAt(src, ir.U8, off+b))
		c.before(at, ir.OpOr, ir.R(r), ir.R(r), ir.R(amd64.TempInt))
	}
}

// copyBlock copies size bytes from src to dst in front of at.
func (c *compiler) copyBlock(at ir.InsnID, dst, src ir.Mem, size int) error {
	if size > c.opts.copyThreshold() {
		d := c.fn.NewReg(ir.P)
		s := c.fn.NewReg(ir.P)
		c.before(at, amd64.OpLea, ir.R(d), memAt(dst, ir.I64, 0))
		c.before(at, amd64.OpLea, ir.R(s), memAt(src, ir.I64, 0))
		return c.callHelper(at, rt.Memcpy, []ir.Operand{{}}, ir.R(d), ir.R(s), ir.Uint(uint64(size)))
	}
	for k := 0; k < size; {
		n := chunk(size - k)
		t := uintType(n)
		c.before(at, ir.OpMov, ir.R(amd64.TempInt), memAt(src, t, k))
		c.before(at, ir.OpMov, memAt(dst, t, k), ir.R(amd64.TempInt))
		k += n
	}
	return nil
}

// helper returns the reference and prototype of a runtime helper, importing
// it into the function's module when there is one.
func (c *compiler) helper(name string) (*ir.Ref, *ir.Proto, error) {
	if c.fn.Module != nil {
		return rt.Import(c.fn.Module, name)
	}
	proto, err := rt.Proto(name)
	if err != nil {
		return nil, nil, err
	}
	ref, ok := c.helpers[name]
	if !ok {
		ref = &ir.Ref{Name: name}
		c.helpers[name] = ref
	}
	return ref, proto, nil
}

// callHelper inserts and lowers a call to a runtime helper in front of at.
func (c *compiler) callHelper(at ir.InsnID, name string, results []ir.Operand, args ...ir.Operand) error {
	ref, proto, err := c.helper(name)
	if err != nil {
		return err
	}
	for len(results) < len(proto.Results) {
		results = append(results, ir.Operand{})
	}
	ops := append([]ir.Operand{ir.RefOp(ref)}, results...)
	ops = append(ops, args...)
	id := c.before(at, ir.OpCall, ops...)
	c.fn.At(id).Proto = proto
	return c.lowerCall(id)
}

func alignUp(v, a int) int {
	if a <= 1 {
		return v
	}
	return (v + a - 1) &^ (a - 1)
}
