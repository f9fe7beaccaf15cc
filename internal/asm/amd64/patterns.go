package amd64

import (
	"fmt"

	"github.com/tinyrange/x64jit/internal/ir"
)

type patternDef struct {
	op    ir.Op
	shape string
	tmpl  string
}

type defList []patternDef

func (d *defList) add(op ir.Op, shape, tmpl string) {
	*d = append(*d, patternDef{op: op, shape: shape, tmpl: tmpl})
}

// patternDefs lists every encoding in preference order per opcode: smaller
// and more specific forms first.
func patternDefs() []patternDef {
	var d defList
	d.moves()
	d.extensions()
	d.intArith()
	d.shiftsAndDivides()
	d.intCompares()
	d.floatOps()
	d.floatCompares()
	d.longDoubleOps()
	d.control()
	d.machine()
	return d
}

type width struct {
	w   string // REX.W token
	mem string
	s   bool
}

var (
	wide   = width{w: "W ", mem: "m64"}
	narrow = width{w: "", mem: "m32", s: true}
)

func (d *defList) moves() {
	d.add(ir.OpMov, "r r", "W 8B r0 R1")
	d.add(ir.OpMov, "r u32", "B8 +r0 id1")
	d.add(ir.OpMov, "r i32", "W C7 /0 R0 id1")
	d.add(ir.OpMov, "r i64", "W B8 +r0 iq1")
	d.add(ir.OpMov, "r x", "W 8B r0 R1")
	d.add(ir.OpMov, "r mi8", "W 0F BE r0 R1")
	d.add(ir.OpMov, "r mu8", "0F B6 r0 R1")
	d.add(ir.OpMov, "r mi16", "W 0F BF r0 R1")
	d.add(ir.OpMov, "r mu16", "0F B7 r0 R1")
	d.add(ir.OpMov, "r mi32", "W 63 r0 R1")
	d.add(ir.OpMov, "r mu32", "8B r0 R1")
	d.add(ir.OpMov, "r m64", "W 8B r0 R1")
	d.add(ir.OpMov, "m8 r", "Y 88 r1 R0")
	d.add(ir.OpMov, "m16 r", "p66 89 r1 R0")
	d.add(ir.OpMov, "m32 r", "89 r1 R0")
	d.add(ir.OpMov, "m64 r", "W 89 r1 R0")
	d.add(ir.OpMov, "m8 i8", "C6 /0 R0 ib1")
	d.add(ir.OpMov, "m8 u8", "C6 /0 R0 ib1")
	d.add(ir.OpMov, "m16 i16", "p66 C7 /0 R0 iw1")
	d.add(ir.OpMov, "m16 u16", "p66 C7 /0 R0 iw1")
	d.add(ir.OpMov, "m32 i32", "C7 /0 R0 id1")
	d.add(ir.OpMov, "m32 u32", "C7 /0 R0 id1")
	d.add(ir.OpMov, "m64 i32", "W C7 /0 R0 id1")

	for _, fp := range []struct {
		op       ir.Op
		pfx, mem string
		cst      string
	}{
		{ir.OpFMov, "pF3", "mf32", "cf"},
		{ir.OpDMov, "pF2", "mf64", "cd"},
	} {
		d.add(fp.op, "f f", "0F 28 r0 R1")
		d.add(fp.op, "f "+fp.mem, fp.pfx+" 0F 10 r0 R1")
		d.add(fp.op, "f "+fp.cst, fp.pfx+" 0F 10 r0 R1")
		d.add(fp.op, fp.mem+" f", fp.pfx+" 0F 11 r1 R0")
	}
}

func (d *defList) extensions() {
	for _, e := range []struct {
		op   ir.Op
		mem  string
		tmpl string
	}{
		{ir.OpExt8, "m8", "Y W 0F BE r0 R1"},
		{ir.OpExt16, "m16", "W 0F BF r0 R1"},
		{ir.OpExt32, "m32", "W 63 r0 R1"},
		{ir.OpUExt8, "m8", "Y 0F B6 r0 R1"},
		{ir.OpUExt16, "m16", "0F B7 r0 R1"},
		{ir.OpUExt32, "m32", "8B r0 R1"},
	} {
		d.add(e.op, "r r", e.tmpl)
		d.add(e.op, "r "+e.mem, e.tmpl)
	}
}

type aluFamily struct {
	op64, op32  ir.Op
	store, load byte
	digit       int
}

func (d *defList) intArith() {
	for _, a := range []aluFamily{
		{ir.OpAdd, ir.OpAddS, 0x01, 0x03, 0},
		{ir.OpSub, ir.OpSubS, 0x29, 0x2B, 5},
		{ir.OpAnd, ir.OpAndS, 0x21, 0x23, 4},
		{ir.OpOr, ir.OpOrS, 0x09, 0x0B, 1},
		{ir.OpXor, ir.OpXorS, 0x31, 0x33, 6},
		{ir.OpAddO, ir.OpAddOS, 0x01, 0x03, 0},
		{ir.OpSubO, ir.OpSubOS, 0x29, 0x2B, 5},
	} {
		for _, w := range []width{wide, narrow} {
			op := a.op64
			if w.s {
				op = a.op32
			}
			d.add(op, "r =0 i8", fmt.Sprintf("%s83 /%d R0 ib2", w.w, a.digit))
			d.add(op, "r =0 i32", fmt.Sprintf("%s81 /%d R0 id2", w.w, a.digit))
			if w.s {
				d.add(op, "r =0 u32", fmt.Sprintf("81 /%d R0 id2", a.digit))
			}
			d.add(op, "r =0 r", fmt.Sprintf("%s%02X r0 R2", w.w, a.load))
			d.add(op, "r =0 "+w.mem, fmt.Sprintf("%s%02X r0 R2", w.w, a.load))
			if !w.s {
				d.add(op, "r =0 i64", fmt.Sprintf("W %02X r0 R2", a.load))
			}
			d.add(op, w.mem+" =0 i8", fmt.Sprintf("%s83 /%d R0 ib2", w.w, a.digit))
			d.add(op, w.mem+" =0 i32", fmt.Sprintf("%s81 /%d R0 id2", w.w, a.digit))
			if w.s {
				d.add(op, w.mem+" =0 u32", fmt.Sprintf("81 /%d R0 id2", a.digit))
			}
			d.add(op, w.mem+" =0 r", fmt.Sprintf("%s%02X r2 R0", w.w, a.store))
		}
	}

	for _, m := range [][2]ir.Op{{ir.OpMul, ir.OpMulS}, {ir.OpMulO, ir.OpMulOS}} {
		for _, w := range []width{wide, narrow} {
			op := m[0]
			if w.s {
				op = m[1]
			}
			d.add(op, "r r i8", w.w+"6B r0 R1 ib2")
			d.add(op, "r r i32", w.w+"69 r0 R1 id2")
			d.add(op, "r "+w.mem+" i8", w.w+"6B r0 R1 ib2")
			d.add(op, "r "+w.mem+" i32", w.w+"69 r0 R1 id2")
			d.add(op, "r =0 r", w.w+"0F AF r0 R2")
			d.add(op, "r =0 "+w.mem, w.w+"0F AF r0 R2")
			if !w.s {
				d.add(op, "r =0 i64", "W 0F AF r0 R2")
			}
		}
	}

	for _, w := range []width{wide, narrow} {
		neg, umulo := ir.OpNeg, ir.OpUMulO
		if w.s {
			neg, umulo = ir.OpNegS, ir.OpUMulOS
		}
		d.add(neg, "r =0", w.w+"F7 /3 R0")
		d.add(neg, w.mem+" =0", w.w+"F7 /3 R0")
		d.add(umulo, "hrax hrax r", w.w+"F7 /4 R2")
		d.add(umulo, "hrax hrax "+w.mem, w.w+"F7 /4 R2")
	}
}

func (d *defList) shiftsAndDivides() {
	for _, s := range []struct {
		op64, op32 ir.Op
		digit      int
	}{
		{ir.OpLSh, ir.OpLShS, 4},
		{ir.OpRSh, ir.OpRShS, 7},
		{ir.OpURSh, ir.OpURShS, 5},
	} {
		for _, w := range []width{wide, narrow} {
			op := s.op64
			if w.s {
				op = s.op32
			}
			d.add(op, "r =0 i8", fmt.Sprintf("%sC1 /%d R0 ib2", w.w, s.digit))
			d.add(op, "r =0 hrcx", fmt.Sprintf("%sD3 /%d R0", w.w, s.digit))
			d.add(op, w.mem+" =0 i8", fmt.Sprintf("%sC1 /%d R0 ib2", w.w, s.digit))
			d.add(op, w.mem+" =0 hrcx", fmt.Sprintf("%sD3 /%d R0", w.w, s.digit))
		}
	}

	// Quotient in rax, remainder in rdx.
	for _, v := range []struct {
		op64, op32 ir.Op
		dst        string
		signed     bool
	}{
		{ir.OpDiv, ir.OpDivS, "hrax", true},
		{ir.OpMod, ir.OpModS, "hrdx", true},
		{ir.OpUDiv, ir.OpUDivS, "hrax", false},
		{ir.OpUMod, ir.OpUModS, "hrdx", false},
	} {
		for _, w := range []width{wide, narrow} {
			op := v.op64
			if w.s {
				op = v.op32
			}
			ext, digit := "31 D2", 6
			if v.signed {
				ext, digit = w.w+"99", 7
			}
			tmpl := fmt.Sprintf("%s ; %sF7 /%d R2", ext, w.w, digit)
			d.add(op, v.dst+" hrax r", tmpl)
			d.add(op, v.dst+" hrax "+w.mem, tmpl)
		}
	}
}

type ccFamily struct {
	set64, set32, br64, br32 ir.Op
	cc                       byte
}

var intConds = []ccFamily{
	{ir.OpEq, ir.OpEqS, ir.OpBEq, ir.OpBEqS, 0x4},
	{ir.OpNe, ir.OpNeS, ir.OpBNe, ir.OpBNeS, 0x5},
	{ir.OpLt, ir.OpLtS, ir.OpBLt, ir.OpBLtS, 0xC},
	{ir.OpULt, ir.OpULtS, ir.OpUBLt, ir.OpUBLtS, 0x2},
	{ir.OpLe, ir.OpLeS, ir.OpBLe, ir.OpBLeS, 0xE},
	{ir.OpULe, ir.OpULeS, ir.OpUBLe, ir.OpUBLeS, 0x6},
	{ir.OpGt, ir.OpGtS, ir.OpBGt, ir.OpBGtS, 0xF},
	{ir.OpUGt, ir.OpUGtS, ir.OpUBGt, ir.OpUBGtS, 0x7},
	{ir.OpGe, ir.OpGeS, ir.OpBGe, ir.OpBGeS, 0xD},
	{ir.OpUGe, ir.OpUGeS, ir.OpUBGe, ir.OpUBGeS, 0x3},
}

type form struct{ shape, tmpl string }

// intCmpForms compares operand 1 with operand 2.
func intCmpForms(w width) []form {
	f := []form{
		{"r i8", w.w + "83 /7 R1 ib2"},
		{"r i32", w.w + "81 /7 R1 id2"},
	}
	if w.s {
		f = append(f, form{"r u32", "81 /7 R1 id2"})
	}
	f = append(f,
		form{"r r", w.w + "3B r1 R2"},
		form{"r " + w.mem, w.w + "3B r1 R2"},
	)
	if !w.s {
		f = append(f, form{"r i64", "W 3B r1 R2"})
	}
	f = append(f,
		form{w.mem + " i8", w.w + "83 /7 R1 ib2"},
		form{w.mem + " i32", w.w + "81 /7 R1 id2"},
		form{w.mem + " r", w.w + "39 r2 R1"},
	)
	return f
}

func setcc(cc byte) string {
	return fmt.Sprintf("Y 0F %02X /0 R0 ; Y 0F B6 r0 R0", 0x90|cc)
}

func (d *defList) branches(op ir.Op, shape, prefix string, cc byte) {
	d.add(op, "l8 "+shape, fmt.Sprintf("%s ; %02X j0", prefix, 0x70|cc))
	d.add(op, "l32 "+shape, fmt.Sprintf("%s ; 0F %02X J0", prefix, 0x80|cc))
}

func (d *defList) intCompares() {
	for _, c := range intConds {
		for _, w := range []width{wide, narrow} {
			set, br := c.set64, c.br64
			if w.s {
				set, br = c.set32, c.br32
			}
			for _, f := range intCmpForms(w) {
				d.add(set, "r "+f.shape, f.tmpl+" ; "+setcc(c.cc))
				d.branches(br, f.shape, f.tmpl, c.cc)
			}
		}
	}

	for _, w := range []width{wide, narrow} {
		bt, bf := ir.OpBT, ir.OpBF
		if w.s {
			bt, bf = ir.OpBTS, ir.OpBFS
		}
		d.branches(bt, "r", w.w+"85 r1 R1", 0x5)
		d.branches(bt, w.mem, w.w+"83 /7 R1 00", 0x5)
		d.branches(bf, "r", w.w+"85 r1 R1", 0x4)
		d.branches(bf, w.mem, w.w+"83 /7 R1 00", 0x4)
	}

	for _, o := range []struct {
		op ir.Op
		cc byte
	}{{ir.OpBO, 0x0}, {ir.OpBNO, 0x1}, {ir.OpUBO, 0x2}, {ir.OpUBNO, 0x3}} {
		d.add(o.op, "l8", fmt.Sprintf("%02X j0", 0x70|o.cc))
		d.add(o.op, "l32", fmt.Sprintf("0F %02X J0", 0x80|o.cc))
	}
}

type fpFamily struct {
	pfx, mem, cst, ucomi string
	add, sub, mul, div   ir.Op
	eq, ne, gt, ge       ir.Op
	beq, bne, bgt, bge   ir.Op
}

var fpFamilies = []fpFamily{
	{
		pfx: "pF3", mem: "mf32", cst: "cf", ucomi: "0F 2E",
		add: ir.OpFAdd, sub: ir.OpFSub, mul: ir.OpFMul, div: ir.OpFDiv,
		eq: ir.OpFEq, ne: ir.OpFNe, gt: ir.OpFGt, ge: ir.OpFGe,
		beq: ir.OpFBEq, bne: ir.OpFBNe, bgt: ir.OpFBGt, bge: ir.OpFBGe,
	},
	{
		pfx: "pF2", mem: "mf64", cst: "cd", ucomi: "p66 0F 2E",
		add: ir.OpDAdd, sub: ir.OpDSub, mul: ir.OpDMul, div: ir.OpDDiv,
		eq: ir.OpDEq, ne: ir.OpDNe, gt: ir.OpDGt, ge: ir.OpDGe,
		beq: ir.OpDBEq, bne: ir.OpDBNe, bgt: ir.OpDBGt, bge: ir.OpDBGe,
	},
}

func (d *defList) floatOps() {
	for _, fp := range fpFamilies {
		for _, a := range []struct {
			op  ir.Op
			opc byte
		}{{fp.add, 0x58}, {fp.sub, 0x5C}, {fp.mul, 0x59}, {fp.div, 0x5E}} {
			for _, src := range []string{"f", fp.mem, fp.cst} {
				d.add(a.op, "f =0 "+src, fmt.Sprintf("%s 0F %02X r0 R2", fp.pfx, a.opc))
			}
		}
	}

	for _, src := range []string{"r", "m64"} {
		d.add(ir.OpI2F, "f "+src, "pF3 W 0F 2A r0 R1")
		d.add(ir.OpI2D, "f "+src, "pF2 W 0F 2A r0 R1")
	}
	for _, src := range []string{"f", "mf32"} {
		d.add(ir.OpF2I, "r "+src, "pF3 W 0F 2C r0 R1")
		d.add(ir.OpF2D, "f "+src, "pF3 0F 5A r0 R1")
	}
	for _, src := range []string{"f", "mf64"} {
		d.add(ir.OpD2I, "r "+src, "pF2 W 0F 2C r0 R1")
		d.add(ir.OpD2F, "f "+src, "pF2 0F 5A r0 R1")
	}
}

// Unordered operands set ZF, PF and CF together. Equality therefore checks
// parity as well, and "above" conditions are false for NaN.
func (d *defList) floatCompares() {
	eqSet := "Y 0F 94 /0 R0 ; 7B 04 ; X C6 /0 R0 00 ; Y 0F B6 r0 R0"
	neSet := "Y 0F 95 /0 R0 ; 7B 04 ; X C6 /0 R0 01 ; Y 0F B6 r0 R0"
	emit := func(c fpFamily, shape, cmp string) {
		d.add(c.gt, "r "+shape, cmp+" ; "+setcc(0x7))
		d.add(c.ge, "r "+shape, cmp+" ; "+setcc(0x3))
		d.add(c.eq, "r "+shape, cmp+" ; "+eqSet)
		d.add(c.ne, "r "+shape, cmp+" ; "+neSet)
		d.branches(c.bgt, shape, cmp, 0x7)
		d.branches(c.bge, shape, cmp, 0x3)
		d.add(c.beq, "l8 "+shape, cmp+" ; 7A 02 ; 74 j0")
		d.add(c.beq, "l32 "+shape, cmp+" ; 7A 06 ; 0F 84 J0")
		d.add(c.bne, "l8 "+shape, cmp+" ; 7A j0 ; 75 j0")
		d.add(c.bne, "l32 "+shape, cmp+" ; 0F 8A J0 ; 0F 85 J0")
	}
	for _, fp := range fpFamilies {
		for _, src := range []string{"f", fp.mem, fp.cst} {
			emit(fp, "f "+src, fp.ucomi+" r1 R2")
		}
	}
	ld := fpFamily{
		eq: ir.OpLDEq, ne: ir.OpLDNe, gt: ir.OpLDGt, ge: ir.OpLDGe,
		beq: ir.OpLDBEq, bne: ir.OpLDBNe, bgt: ir.OpLDBGt, bge: ir.OpLDBGe,
	}
	// fld b; fld a; fcomip st0, st1; fstp st0
	emit(ld, "mld mld", "DB /5 R2 ; DB /5 R1 ; DF F1 ; DD D8")
}

func (d *defList) longDoubleOps() {
	d.add(ir.OpLDMov, "mld mld", "DB /5 R1 ; DB /7 R0")
	d.add(ir.OpLDMov, "mld cld", "DB /5 R1 ; DB /7 R0")
	d.add(ir.OpLDMov, "hst0 mld", "DB /5 R1")
	d.add(ir.OpLDMov, "hst1 mld", "DB /5 R1")
	d.add(ir.OpLDMov, "hst0 cld", "DB /5 R1")
	// The x87 stack pops on every store, so st1 becomes st0.
	d.add(ir.OpLDMov, "mld hst0", "DB /7 R0")
	d.add(ir.OpLDMov, "mld hst1", "DB /7 R0")

	for _, a := range []struct {
		op  ir.Op
		opc string
	}{{ir.OpLDAdd, "DE C1"}, {ir.OpLDSub, "DE E9"}, {ir.OpLDMul, "DE C9"}, {ir.OpLDDiv, "DE F9"}} {
		d.add(a.op, "mld mld mld", "DB /5 R1 ; DB /5 R2 ; "+a.opc+" ; DB /7 R0")
		d.add(a.op, "mld mld cld", "DB /5 R1 ; DB /5 R2 ; "+a.opc+" ; DB /7 R0")
	}
	d.add(ir.OpLDNeg, "mld mld", "DB /5 R1 ; D9 E0 ; DB /7 R0")

	d.add(ir.OpI2LD, "mld m64", "DF /5 R1 ; DB /7 R0")
	d.add(ir.OpF2LD, "mld mf32", "D9 /0 R1 ; DB /7 R0")
	d.add(ir.OpD2LD, "mld mf64", "DD /0 R1 ; DB /7 R0")
	d.add(ir.OpLD2F, "mf32 mld", "DB /5 R1 ; D9 /3 R0")
	d.add(ir.OpLD2D, "mf64 mld", "DB /5 R1 ; DD /3 R0")
}

func (d *defList) control() {
	d.add(ir.OpJmp, "l8", "EB j0")
	d.add(ir.OpJmp, "l32", "E9 J0")
	d.add(ir.OpJmpI, "r", "FF /4 R0")
	d.add(ir.OpJmpI, "m64", "FF /4 R0")
	d.add(ir.OpPJmp, "l", "jmp0")
	d.add(ir.OpLAddr, "r l", "W 8D r0 R1")
	d.add(ir.OpSwitch, "r ...", "switch")
	d.add(ir.OpCall, "x", "call0")
	d.add(ir.OpCall, "r", "FF /2 R0")
	d.add(ir.OpCall, "m64", "FF /2 R0")
	d.add(ir.OpRet, "", "C3")
}

func (d *defList) machine() {
	d.add(OpMovQ, "r f", "p66 W 0F 7E r1 R0")
	d.add(OpMovQX, "f r", "p66 W 0F 6E r0 R1")
	d.add(OpMovD, "r f", "p66 0F 7E r1 R0")
	d.add(OpMovDX, "f r", "p66 0F 6E r0 R1")
	d.add(OpLea, "r m", "W 8D r0 R1")
	d.add(OpPush, "r", "50 +r0")
	d.add(OpPop, "r", "58 +r0")
	d.add(OpXLoad, "f m", "0F 10 r0 R1")
	d.add(OpXStore, "m f", "0F 11 r1 R0")
}
