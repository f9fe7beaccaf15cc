package amd64

import (
	"fmt"
	"slices"
	"sort"

	"github.com/tinyrange/x64jit/internal/asm/amd64"
	"github.com/tinyrange/x64jit/internal/ir"
)

// implicitClobbers lists registers an opcode writes without naming them.
var implicitClobbers = map[ir.Op]amd64.RegSet{
	ir.OpUMulO:  amd64.Regs(amd64.RAX, amd64.RDX),
	ir.OpUMulOS: amd64.Regs(amd64.RAX, amd64.RDX),
}

func init() {
	for op := ir.OpDiv; op <= ir.OpUModS; op++ {
		implicitClobbers[op] = amd64.Regs(amd64.RAX, amd64.RDX)
	}
}

func regsIn(ops []ir.Operand) amd64.RegSet {
	var s amd64.RegSet
	add := func(r ir.Reg) {
		if r.IsHard() {
			s = s.Add(r)
		}
	}
	for _, o := range ops {
		switch o.Kind {
		case ir.KindReg:
			add(o.Reg)
		case ir.KindMem:
			add(o.Mem.Base)
			add(o.Mem.Index)
		}
	}
	return s
}

// namedRegs collects every hard register the function refers to, directly or
// through an opcode's fixed operands.
func (c *compiler) namedRegs() amd64.RegSet {
	var s amd64.RegSet
	for id := c.fn.First(); id != ir.NoInsn; id = c.fn.Next(id) {
		in := c.fn.At(id)
		s |= regsIn(in.Ops) | implicitClobbers[in.Op]
	}
	return s
}

// allocatable returns the registers virtual registers may be given, in
// preference order. A leaf may use caller-saved registers and takes those
// first since they need no saving.
func (c *compiler) allocatable(leaf bool, named amd64.RegSet) (ints, floats []ir.Reg) {
	free := func(r ir.Reg) bool {
		return !named.Has(r) && !amd64.IsScratch(r) && r != amd64.RSP && r != amd64.RBP
	}
	callee := c.conv.CalleeSaved
	pick := func(lo, hi ir.Reg) []ir.Reg {
		var out []ir.Reg
		if leaf {
			for r := lo; r <= hi; r++ {
				if !callee.Has(r) && free(r) {
					out = append(out, r)
				}
			}
		}
		for r := lo; r <= hi; r++ {
			if callee.Has(r) && free(r) {
				out = append(out, r)
			}
		}
		return out
	}
	return pick(amd64.RAX, amd64.R15), pick(amd64.XMM0, amd64.XMM15)
}

func slotType(t ir.Type) ir.Type {
	if t.IsInt() {
		return ir.I64
	}
	return t
}

func (c *compiler) slotOperand(v ir.Reg) ir.Operand {
	return ir.M(slotType(c.fn.RegType(v)), int64(c.slots[v]), amd64.FrameBase)
}

// home is where virtual register v lives after allocation.
func (c *compiler) home(v ir.Reg) ir.Operand {
	if h, ok := c.assigned[v]; ok {
		return ir.R(h)
	}
	return c.slotOperand(v)
}

// allocate gives every virtual register a distinct hard register or frame
// slot, most used first, then rewrites the function and fixes up operand
// shapes the pattern table does not accept.
func (c *compiler) allocate() error {
	leaf := !c.fn.HasCalls()
	ints, floats := c.allocatable(leaf, c.namedRegs())

	uses := make(map[ir.Reg]int)
	var order []ir.Reg
	note := func(r ir.Reg) {
		if !r.IsVirtual() {
			return
		}
		if uses[r] == 0 {
			order = append(order, r)
		}
		uses[r]++
	}
	for id := c.fn.First(); id != ir.NoInsn; id = c.fn.Next(id) {
		for _, o := range c.fn.At(id).Ops {
			switch o.Kind {
			case ir.KindReg:
				note(o.Reg)
			case ir.KindMem:
				note(o.Mem.Base)
				note(o.Mem.Index)
			}
		}
	}
	sort.SliceStable(order, func(i, j int) bool { return uses[order[i]] > uses[order[j]] })

	for _, v := range order {
		t := c.fn.RegType(v)
		switch amd64.ClassOfType(t) {
		case amd64.ClassInt:
			if len(ints) > 0 {
				c.assigned[v], ints = ints[0], ints[1:]
				continue
			}
			c.slots[v] = c.reserve(8, 8)
		case amd64.ClassFloat:
			if len(floats) > 0 {
				c.assigned[v], floats = floats[0], floats[1:]
				continue
			}
			c.slots[v] = c.reserve(8, 8)
		case amd64.ClassX87:
			c.slots[v] = c.reserve(16, 16)
		default:
			return fmt.Errorf("v%d has type %s: %w", v, t, amd64.ErrUnsupported)
		}
	}
	c.log.Debug("amd64: allocated",
		"func", c.fn.Name,
		"vregs", len(order),
		"registers", len(c.assigned),
		"slots", len(c.slots),
		"leaf", leaf,
	)

	for id := c.fn.First(); id != ir.NoInsn; id = c.fn.Next(id) {
		if err := c.rewriteInsn(id); err != nil {
			return err
		}
	}
	return nil
}

func pickScratch(cls amd64.RegClass, used amd64.RegSet) ir.Reg {
	cands := [2]ir.Reg{amd64.TempInt, amd64.TempInt2}
	if cls == amd64.ClassFloat {
		cands = [2]ir.Reg{amd64.TempFloat, amd64.TempFloat2}
	}
	for _, r := range cands {
		if !used.Has(r) {
			return r
		}
	}
	return ir.NoReg
}

// rewriteInsn substitutes allocated locations for virtual registers. A
// memory operand whose base or index lives in a slot gets it loaded into a
// scratch register first.
func (c *compiler) rewriteInsn(id ir.InsnID) error {
	in := c.fn.At(id)
	if in.Op == ir.OpLabel {
		return nil
	}
	ops := append([]ir.Operand(nil), in.Ops...)
	used := regsIn(ops)
	loaded := make(map[ir.Reg]ir.Reg)
	for i := range ops {
		o := &ops[i]
		switch o.Kind {
		case ir.KindReg:
			if o.Reg.IsVirtual() {
				*o = c.home(o.Reg)
			}
		case ir.KindMem:
			for _, r := range []*ir.Reg{&o.Mem.Base, &o.Mem.Index} {
				if !r.IsVirtual() {
					continue
				}
				if h, ok := c.assigned[*r]; ok {
					*r = h
					continue
				}
				s, ok := loaded[*r]
				if !ok {
					s = pickScratch(amd64.ClassInt, used)
					if s == ir.NoReg {
						return fmt.Errorf("%s: out of scratch registers for addresses: %w", in, amd64.ErrNoPattern)
					}
					used = used.Add(s)
					loaded[*r] = s
					c.before(id, ir.OpMov, ir.R(s), c.slotOperand(*r))
				}
				*r = s
			}
		}
	}
	in = c.fn.At(id)
	in.Ops = ops
	switch in.Op {
	case ir.OpAlloca, ir.OpRet:
		return nil
	}
	var addrs amd64.RegSet
	for _, s := range loaded {
		addrs = addrs.Add(s)
	}
	return c.fixup(id, used, addrs)
}

type replKind uint8

const (
	replInt replKind = iota
	replFloat
	replSlot
)

// repl is one way to relocate an operand: into a scratch register of a
// class or into a temporary slot of a type.
type repl struct {
	kind replKind
	t    ir.Type
}

// candidates lists the relocations that preserve o's value.
func candidates(o ir.Operand) []repl {
	switch o.Kind {
	case ir.KindReg:
		switch amd64.ClassOf(o.Reg) {
		case amd64.ClassInt:
			if o.Reg == amd64.RSP {
				return nil
			}
			return []repl{{replSlot, ir.I64}}
		case amd64.ClassFloat:
			return []repl{{replSlot, ir.F64}, {replSlot, ir.F32}}
		}
	case ir.KindMem:
		switch t := o.Mem.Type; {
		case t.IsInt():
			return []repl{{replInt, t}}
		case t.IsFloat():
			return []repl{{replFloat, t}}
		}
	case ir.KindInt, ir.KindUint:
		return []repl{{replInt, ir.I64}, {replSlot, ir.I64}}
	case ir.KindFloat:
		return []repl{{replFloat, ir.F32}, {replSlot, ir.F32}}
	case ir.KindDouble:
		return []repl{{replFloat, ir.F64}, {replSlot, ir.F64}}
	case ir.KindLDouble:
		return []repl{{replSlot, ir.LD}}
	case ir.KindRef:
		return []repl{{replInt, ir.I64}}
	}
	return nil
}

// opGroup is a set of equal operands that must be relocated together.
type opGroup struct {
	idx     []int
	in, out bool
	cands   []repl
}

func operandGroups(op ir.Op, ops []ir.Operand) []opGroup {
	var groups []opGroup
	seen := make([]bool, len(ops))
	for i, o := range ops {
		if seen[i] {
			continue
		}
		cands := candidates(o)
		if len(cands) == 0 {
			continue
		}
		g := opGroup{cands: cands}
		for j := i; j < len(ops); j++ {
			if seen[j] || !ops[j].Equal(o) {
				continue
			}
			seen[j] = true
			g.idx = append(g.idx, j)
			if op.IsOutput(j) {
				g.out = true
			} else {
				g.in = true
			}
		}
		groups = append(groups, g)
	}
	return groups
}

type fixChoice struct {
	group int
	r     repl
	with  ir.Operand
}

// fixup makes the instruction at id encodable by relocating as few operand
// groups as possible. avoid holds registers whose values must survive.
// addrs holds scratch registers that only carry an address for this
// instruction; a memory operand may be loaded into its own address register.
func (c *compiler) fixup(id ir.InsnID, avoid, addrs amd64.RegSet) error {
	in := c.fn.At(id)
	if amd64.Encodable(in.Op, in.Ops) {
		return nil
	}
	ops := append([]ir.Operand(nil), in.Ops...)
	avoid |= regsIn(ops)
	groups := operandGroups(in.Op, ops)
	for k := 1; k <= len(groups); k++ {
		if plan, trial, ok := c.searchFix(in.Op, ops, groups, avoid, addrs, k, 0, nil); ok {
			return c.applyFix(id, ops, trial, groups, plan, avoid)
		}
	}
	return fmt.Errorf("%s: %w", in, amd64.ErrNoPattern)
}

func (c *compiler) searchFix(op ir.Op, ops []ir.Operand, groups []opGroup, avoid, addrs amd64.RegSet, k, from int, chosen []fixChoice) ([]fixChoice, []ir.Operand, bool) {
	if len(chosen) == k {
		plan, trial, ok := c.bindFix(ops, groups, chosen, avoid, addrs)
		if ok && amd64.Encodable(op, trial) {
			return plan, trial, true
		}
		return nil, nil, false
	}
	for g := from; g < len(groups); g++ {
		for _, r := range groups[g].cands {
			next := append(chosen[:len(chosen):len(chosen)], fixChoice{group: g, r: r})
			if plan, trial, ok := c.searchFix(op, ops, groups, avoid, addrs, k, g+1, next); ok {
				return plan, trial, true
			}
		}
	}
	return nil, nil, false
}

// ownAddress returns a register from addrs that forms the address of the
// memory operand at idx and appears in no other operand, so the loaded value
// may replace it.
func ownAddress(ops []ir.Operand, idx []int, addrs amd64.RegSet) ir.Reg {
	o := ops[idx[0]]
	if o.Kind != ir.KindMem {
		return ir.NoReg
	}
	var others []ir.Operand
	for i := range ops {
		if !slices.Contains(idx, i) {
			others = append(others, ops[i])
		}
	}
	shared := regsIn(others)
	for _, r := range []ir.Reg{o.Mem.Base, o.Mem.Index} {
		if r != ir.NoReg && addrs.Has(r) && !shared.Has(r) {
			return r
		}
	}
	return ir.NoReg
}

// bindFix assigns concrete scratch registers and slots to a choice.
func (c *compiler) bindFix(ops []ir.Operand, groups []opGroup, chosen []fixChoice, avoid, addrs amd64.RegSet) ([]fixChoice, []ir.Operand, bool) {
	trial := append([]ir.Operand(nil), ops...)
	plan := append([]fixChoice(nil), chosen...)
	used := avoid
	var picked amd64.RegSet
	slot := 0
	for i := range plan {
		var with ir.Operand
		switch plan[i].r.kind {
		case replInt, replFloat:
			cls := amd64.ClassInt
			if plan[i].r.kind == replFloat {
				cls = amd64.ClassFloat
			}
			g := groups[plan[i].group]
			r := ir.NoReg
			if cls == amd64.ClassInt && !g.out {
				r = ownAddress(ops, g.idx, addrs&^picked)
			}
			if r == ir.NoReg {
				r = pickScratch(cls, used)
			}
			if r == ir.NoReg {
				return nil, nil, false
			}
			used = used.Add(r)
			picked = picked.Add(r)
			with = ir.R(r)
		case replSlot:
			if slot == len(c.temps) {
				return nil, nil, false
			}
			with = ir.M(plan[i].r.t, int64(c.scratchSlot(slot)), amd64.FrameBase)
			slot++
		}
		plan[i].with = with
		for _, j := range groups[plan[i].group].idx {
			trial[j] = with
		}
	}
	return plan, trial, true
}

// applyFix inserts the moves a plan needs. Slot fills come before register
// loads because a fill may itself need a scratch register.
func (c *compiler) applyFix(id ir.InsnID, ops, trial []ir.Operand, groups []opGroup, plan []fixChoice, avoid amd64.RegSet) error {
	taken := avoid | regsIn(trial)
	type pending struct {
		id    ir.InsnID
		avoid amd64.RegSet
	}
	var inserted []pending
	for _, fills := range []bool{true, false} {
		for _, p := range plan {
			g := groups[p.group]
			if !g.in || (p.r.kind == replSlot) != fills {
				continue
			}
			nid := c.before(id, moveOp(p.r.t), p.with, ops[g.idx[0]])
			keep := taken
			if fills {
				keep = avoid
			}
			inserted = append(inserted, pending{nid, keep})
		}
	}
	c.fn.At(id).Ops = trial
	at := id
	for _, p := range plan {
		g := groups[p.group]
		if !g.out {
			continue
		}
		at = c.fn.InsertAfter(at, moveOp(p.r.t), ops[g.idx[0]], p.with)
		inserted = append(inserted, pending{at, taken})
	}
	for _, p := range inserted {
		if err := c.fixup(p.id, p.avoid, 0); err != nil {
			return err
		}
	}
	return nil
}
