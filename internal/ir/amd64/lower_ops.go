package amd64

import (
	"math"

	"github.com/tinyrange/x64jit/internal/asm/amd64"
	"github.com/tinyrange/x64jit/internal/ir"
	"github.com/tinyrange/x64jit/internal/rt"
)

// lower legalizes the instruction at id. Instructions that are already in
// machine form are left alone, so lowering is idempotent.
func (c *compiler) lower(id ir.InsnID) error {
	in := c.fn.At(id)
	op := in.Op
	switch {
	case op == ir.OpCall:
		return c.lowerCall(id)
	case op == ir.OpRet:
		return c.lowerRet(id)
	case op >= ir.OpVaStart && op <= ir.OpVaEnd:
		return c.lowerVa(id)
	case op == ir.OpAlloca:
		c.dynamic = true
	case op == ir.OpBStart:
		c.dynamic = true
		in.Op = ir.OpMov
		in.Ops = []ir.Operand{in.Ops[0], ir.R(amd64.RSP)}
	case op == ir.OpBEnd:
		c.dynamic = true
		in.Op = ir.OpMov
		in.Ops = []ir.Operand{ir.R(amd64.RSP), in.Ops[0]}
	case isDivide(op):
		c.lowerDivide(id)
	case isShift(op):
		c.lowerShift(id)
	case op == ir.OpUMulO || op == ir.OpUMulOS:
		c.lowerFixed(id, amd64.RAX)
	case op == ir.OpNeg || op == ir.OpNegS:
		c.lowerUnary(id)
	case op == ir.OpFNeg || op == ir.OpDNeg:
		c.lowerFloatNeg(id)
	case twoAddress[op] != nil:
		c.lowerTwoAddress(id, *twoAddress[op])
	case op >= ir.OpEq && op <= ir.OpLDGe, op >= ir.OpBEq && op <= ir.OpLDBGe:
		c.canonCompare(id)
	case op == ir.OpUI2F, op == ir.OpUI2D, op == ir.OpUI2LD, op == ir.OpLD2I:
		return c.lowerHelperConv(id)
	case op >= ir.OpExt8 && op <= ir.OpUExt32:
		foldExt(in)
	case op >= ir.OpBT && op <= ir.OpBFS:
		c.foldTest(id)
	}
	return nil
}

func isDivide(op ir.Op) bool { return op >= ir.OpDiv && op <= ir.OpUModS }

func isShift(op ir.Op) bool { return op >= ir.OpLSh && op <= ir.OpURShS }

// twoAddress lists the binary opcodes whose destination is also their first
// source; the value says whether the sources commute.
var twoAddress = func() map[ir.Op]*bool {
	yes, no := true, false
	m := make(map[ir.Op]*bool)
	for _, op := range []ir.Op{
		ir.OpAdd, ir.OpAddS, ir.OpMul, ir.OpMulS, ir.OpAnd, ir.OpAndS, ir.OpOr, ir.OpOrS,
		ir.OpXor, ir.OpXorS, ir.OpAddO, ir.OpAddOS, ir.OpMulO, ir.OpMulOS,
		ir.OpFAdd, ir.OpFMul, ir.OpDAdd, ir.OpDMul,
	} {
		m[op] = &yes
	}
	for _, op := range []ir.Op{
		ir.OpSub, ir.OpSubS, ir.OpSubO, ir.OpSubOS,
		ir.OpFSub, ir.OpFDiv, ir.OpDSub, ir.OpDDiv,
	} {
		m[op] = &no
	}
	return m
}()

// copyOp is the move matching the arithmetic family of op.
func copyOp(op ir.Op) ir.Op {
	switch op {
	case ir.OpFAdd, ir.OpFSub, ir.OpFMul, ir.OpFDiv, ir.OpFNeg:
		return ir.OpFMov
	case ir.OpDAdd, ir.OpDSub, ir.OpDMul, ir.OpDDiv, ir.OpDNeg:
		return ir.OpDMov
	}
	return ir.OpMov
}

// clobbers reports whether writing d changes the value of o.
func clobbers(d, o ir.Operand) bool {
	if d.Equal(o) {
		return true
	}
	return d.IsReg() && o.Uses(d.Reg)
}

// lowerTwoAddress turns d = a op b into d = a; d = d op b.
func (c *compiler) lowerTwoAddress(id ir.InsnID, commutes bool) {
	in := c.fn.At(id)
	op := in.Op
	d, a, b := in.Ops[0], in.Ops[1], in.Ops[2]
	if d.Equal(a) {
		return
	}
	if commutes && d.Equal(b) {
		in.Ops = []ir.Operand{d, d, a}
		return
	}
	if clobbers(d, b) || d.IsMem() && (a.IsMem() || b.IsMem()) {
		t := c.fn.NewReg(c.typeOf(d))
		c.before(id, copyOp(op), ir.R(t), a)
		in = c.fn.At(id)
		in.Ops = []ir.Operand{ir.R(t), ir.R(t), b}
		c.fn.InsertAfter(id, copyOp(op), d, ir.R(t))
		return
	}
	c.before(id, copyOp(op), d, a)
	c.fn.At(id).Ops = []ir.Operand{d, d, b}
}

func (c *compiler) lowerUnary(id ir.InsnID) {
	in := c.fn.At(id)
	d, a := in.Ops[0], in.Ops[1]
	if d.Equal(a) {
		return
	}
	c.before(id, ir.OpMov, d, a)
	c.fn.At(id).Ops = []ir.Operand{d, d}
}

// lowerShift moves a variable count into cl and masks a constant one.
func (c *compiler) lowerShift(id ir.InsnID) {
	in := c.fn.At(id)
	op := in.Op
	d, a, b := in.Ops[0], in.Ops[1], in.Ops[2]
	mask := int64(63)
	if op == ir.OpLShS || op == ir.OpRShS || op == ir.OpURShS {
		mask = 31
	}
	switch b.Kind {
	case ir.KindInt, ir.KindUint:
		b = ir.Int(b.I & mask)
	default:
		if !(b.IsReg() && b.Reg == amd64.RCX) {
			c.before(id, ir.OpMov, ir.R(amd64.RCX), b)
			b = ir.R(amd64.RCX)
		}
	}
	if !d.Equal(a) {
		c.before(id, ir.OpMov, d, a)
	}
	c.fn.At(id).Ops = []ir.Operand{d, d, b}
}

// lowerDivide routes the dividend through rax and picks the quotient from
// rax or the remainder from rdx.
func (c *compiler) lowerDivide(id ir.InsnID) {
	in := c.fn.At(id)
	res := amd64.RAX
	switch in.Op {
	case ir.OpMod, ir.OpModS, ir.OpUMod, ir.OpUModS:
		res = amd64.RDX
	}
	c.lowerFixed(id, res)
}

// lowerFixed rewrites d = a op b as rax = a; res = rax op b; d = res.
func (c *compiler) lowerFixed(id ir.InsnID, res ir.Reg) {
	in := c.fn.At(id)
	d, a, b := in.Ops[0], in.Ops[1], in.Ops[2]
	if d.IsReg() && d.Reg == res && a.IsReg() && a.Reg == amd64.RAX {
		return
	}
	if !(a.IsReg() && a.Reg == amd64.RAX) {
		c.before(id, ir.OpMov, ir.R(amd64.RAX), a)
	}
	c.fn.At(id).Ops = []ir.Operand{ir.R(res), ir.R(amd64.RAX), b}
	c.fn.InsertAfter(id, ir.OpMov, d, ir.R(res))
}

// lowerFloatNeg flips the sign bit through an integer register.
func (c *compiler) lowerFloatNeg(id ir.InsnID) {
	in := c.fn.At(id)
	d, a := in.Ops[0], in.Ops[1]
	to, xor, from := amd64.OpMovD, ir.OpXorS, amd64.OpMovDX
	mask := ir.Uint(1 << 31)
	if in.Op == ir.OpDNeg {
		to, xor, from = amd64.OpMovQ, ir.OpXor, amd64.OpMovQX
		mask = ir.Int(math.MinInt64)
	}
	t := ir.R(c.fn.NewReg(ir.I64))
	c.before(id, to, t, a)
	c.before(id, xor, t, t, mask)
	in = c.fn.At(id)
	in.Op = from
	in.Ops = []ir.Operand{d, t}
}

// mirror maps an integer comparison to the one that holds with its operands
// exchanged.
var mirror = map[ir.Op]ir.Op{}

// swapped maps ordered float comparisons onto greater-than forms, the only
// ones the flags of ucomis and fcomi answer correctly for NaN.
var swapped = map[ir.Op]ir.Op{
	ir.OpFLt: ir.OpFGt, ir.OpFLe: ir.OpFGe,
	ir.OpDLt: ir.OpDGt, ir.OpDLe: ir.OpDGe,
	ir.OpLDLt: ir.OpLDGt, ir.OpLDLe: ir.OpLDGe,
	ir.OpFBLt: ir.OpFBGt, ir.OpFBLe: ir.OpFBGe,
	ir.OpDBLt: ir.OpDBGt, ir.OpDBLe: ir.OpDBGe,
	ir.OpLDBLt: ir.OpLDBGt, ir.OpLDBLe: ir.OpLDBGe,
}

func init() {
	pairs := [][2]ir.Op{
		{ir.OpLt, ir.OpGt}, {ir.OpLtS, ir.OpGtS}, {ir.OpULt, ir.OpUGt}, {ir.OpULtS, ir.OpUGtS},
		{ir.OpLe, ir.OpGe}, {ir.OpLeS, ir.OpGeS}, {ir.OpULe, ir.OpUGe}, {ir.OpULeS, ir.OpUGeS},
		{ir.OpBLt, ir.OpBGt}, {ir.OpBLtS, ir.OpBGtS}, {ir.OpUBLt, ir.OpUBGt}, {ir.OpUBLtS, ir.OpUBGtS},
		{ir.OpBLe, ir.OpBGe}, {ir.OpBLeS, ir.OpBGeS}, {ir.OpUBLe, ir.OpUBGe}, {ir.OpUBLeS, ir.OpUBGeS},
	}
	for _, p := range pairs {
		mirror[p[0]] = p[1]
		mirror[p[1]] = p[0]
	}
	for _, op := range []ir.Op{
		ir.OpEq, ir.OpEqS, ir.OpNe, ir.OpNeS, ir.OpBEq, ir.OpBEqS, ir.OpBNe, ir.OpBNeS,
		ir.OpFEq, ir.OpFNe, ir.OpDEq, ir.OpDNe, ir.OpLDEq, ir.OpLDNe,
		ir.OpFBEq, ir.OpFBNe, ir.OpDBEq, ir.OpDBNe, ir.OpLDBEq, ir.OpLDBNe,
	} {
		mirror[op] = op
	}
}

// canonCompare puts a constant operand second and turns float less-than
// forms into greater-than with the operands exchanged.
func (c *compiler) canonCompare(id ir.InsnID) {
	in := c.fn.At(id)
	a, b := in.Ops[1], in.Ops[2]
	if op, ok := swapped[in.Op]; ok {
		in.Op = op
		in.Ops[1], in.Ops[2] = b, a
		return
	}
	if !a.IsImm() {
		return
	}
	if op, ok := mirror[in.Op]; ok && !b.IsImm() {
		in.Op = op
		in.Ops[1], in.Ops[2] = b, a
		return
	}
	if a.Kind == ir.KindInt || a.Kind == ir.KindUint {
		t := ir.R(c.fn.NewReg(ir.I64))
		c.before(id, ir.OpMov, t, a)
		c.fn.At(id).Ops[1] = t
	}
}

// lowerHelperConv calls the runtime for conversions with no direct encoding.
func (c *compiler) lowerHelperConv(id ir.InsnID) error {
	in := c.fn.At(id)
	op, d, a := in.Op, in.Ops[0], in.Ops[1]
	switch op {
	case ir.OpUI2F, ir.OpUI2D:
		name, back := rt.UI2F, amd64.OpMovDX
		if op == ir.OpUI2D {
			name, back = rt.UI2D, amd64.OpMovQX
		}
		bits := ir.R(c.fn.NewReg(ir.U64))
		if err := c.callHelper(id, name, []ir.Operand{bits}, a); err != nil {
			return err
		}
		in = c.fn.At(id)
		in.Op = back
		in.Ops = []ir.Operand{d, bits}
	case ir.OpUI2LD:
		p := ir.R(c.fn.NewReg(ir.P))
		c.before(id, amd64.OpLea, p, d)
		if err := c.callHelper(id, rt.UI2LD, nil, p, a); err != nil {
			return err
		}
		c.fn.Remove(id)
	case ir.OpLD2I:
		if a.Kind == ir.KindLDouble {
			t := ir.R(c.fn.NewReg(ir.LD))
			c.before(id, ir.OpLDMov, t, a)
			a = t
		}
		p := ir.R(c.fn.NewReg(ir.P))
		c.before(id, amd64.OpLea, p, a)
		if err := c.callHelper(id, rt.LD2I, []ir.Operand{d}, p); err != nil {
			return err
		}
		c.fn.Remove(id)
	}
	return nil
}

// foldExt evaluates an extension of a constant.
func foldExt(in *ir.Insn) {
	a := in.Ops[1]
	if a.Kind != ir.KindInt && a.Kind != ir.KindUint {
		return
	}
	v := a.I
	switch in.Op {
	case ir.OpExt8:
		v = int64(int8(v))
	case ir.OpExt16:
		v = int64(int16(v))
	case ir.OpExt32:
		v = int64(int32(v))
	case ir.OpUExt8:
		v = int64(uint8(v))
	case ir.OpUExt16:
		v = int64(uint16(v))
	case ir.OpUExt32:
		v = int64(uint32(v))
	}
	in.Op = ir.OpMov
	in.Ops = []ir.Operand{in.Ops[0], ir.Int(v)}
}

// foldTest resolves a bt/bf on a constant to a jump or nothing.
func (c *compiler) foldTest(id ir.InsnID) {
	in := c.fn.At(id)
	a := in.Ops[1]
	if a.Kind != ir.KindInt && a.Kind != ir.KindUint {
		return
	}
	v := a.I
	if in.Op == ir.OpBTS || in.Op == ir.OpBFS {
		v = int64(uint32(v))
	}
	taken := v != 0
	if in.Op == ir.OpBF || in.Op == ir.OpBFS {
		taken = !taken
	}
	if !taken {
		c.fn.Remove(id)
		return
	}
	in.Op = ir.OpJmp
	in.Ops = in.Ops[:1]
}
