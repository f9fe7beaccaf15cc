package amd64

import (
	"fmt"
	"math"
	"sort"
	"strconv"
	"strings"
	"sync"

	"github.com/tinyrange/x64jit/internal/ir"
)

// Pattern maps an opcode and operand shape to an encoding template.
//
// Shapes are space separated, one token per operand:
//
//	r f           any general purpose / xmm register
//	h<reg>        that hard register (hrax, hrcx, hst0, ...)
//	mi8 mu8 m8    memory of that type (m8 accepts either signedness);
//	mi16 mu16 m16 mi32 mu32 m32 m64 mf32 mf64 mld, m for any type
//	i8 u8 i16 u16 i32 u32 i64
//	              integer immediate that fits
//	cf cd cld     float, double and long double constants
//	l8 l32 l      label reachable with a rel8, a rel32, or any label
//	x             external reference
//	=N            the same operand as operand N
//	...           the remaining operands are labels
//
// Templates are sequences of instructions separated by ';'. Within one
// instruction:
//
//	p66 pF2 pF3   legacy or mandatory prefix
//	W             REX.W
//	X             always emit a REX prefix
//	Y             emit REX when a byte register operand needs one
//	hh            opcode byte, or a literal byte once ModRM is placed
//	+rN           add operand N's register number to the last opcode byte
//	/d            ModRM.reg opcode extension
//	rN RN         operand N in ModRM.reg / ModRM.rm (RN also encodes
//	              memory, constant pool, label and reference operands)
//	ibN iwN idN iqN
//	              8/16/32/64-bit immediate from operand N
//	jN JN         rel8 / rel32 displacement to label operand N
//	callN jmpN    patchable call or jump to operand N
//	switch        indexed jump through a table of the label operands
type Pattern struct {
	Op       ir.Op
	Shape    string
	Template string
	// MaxSize is the largest encoding the template can produce for operands
	// of this shape.
	MaxSize int

	shape []shapeTok
	insns []insnTemplate
}

func (p *Pattern) String() string {
	return fmt.Sprintf("%s %s => %s (%d)", p.Op, p.Shape, p.Template, p.MaxSize)
}

type shapeKind uint8

const (
	shapeReg shapeKind = iota
	shapeFloat
	shapeHard
	shapeMem
	shapeImm
	shapeConst
	shapeLabel8
	shapeLabel32
	shapeLabel
	shapeRef
	shapeSame
	shapeRest
)

type immRange uint8

const (
	immI8 immRange = iota
	immU8
	immI16
	immU16
	immI32
	immU32
	immI64
)

type shapeTok struct {
	kind  shapeKind
	reg   ir.Reg
	types uint32
	imm   immRange
	cst   ir.OperandKind
	same  int
}

func typeMask(ts ...ir.Type) uint32 {
	var m uint32
	for _, t := range ts {
		m |= 1 << t
	}
	return m
}

var memShapes = map[string]uint32{
	"mi8":  typeMask(ir.I8),
	"mu8":  typeMask(ir.U8),
	"m8":   typeMask(ir.I8, ir.U8),
	"mi16": typeMask(ir.I16),
	"mu16": typeMask(ir.U16),
	"m16":  typeMask(ir.I16, ir.U16),
	"mi32": typeMask(ir.I32),
	"mu32": typeMask(ir.U32),
	"m32":  typeMask(ir.I32, ir.U32),
	"m64":  typeMask(ir.I64, ir.U64, ir.P),
	"mf32": typeMask(ir.F32),
	"mf64": typeMask(ir.F64),
	"mld":  typeMask(ir.LD),
	"m":    ^uint32(0),
}

var immShapes = map[string]immRange{
	"i8": immI8, "u8": immU8, "i16": immI16, "u16": immU16,
	"i32": immI32, "u32": immU32, "i64": immI64,
}

func parseShape(s string) ([]shapeTok, error) {
	var out []shapeTok
	for _, f := range strings.Fields(s) {
		var tok shapeTok
		switch {
		case f == "r":
			tok.kind = shapeReg
		case f == "f":
			tok.kind = shapeFloat
		case f == "l8":
			tok.kind = shapeLabel8
		case f == "l32":
			tok.kind = shapeLabel32
		case f == "l":
			tok.kind = shapeLabel
		case f == "x":
			tok.kind = shapeRef
		case f == "...":
			tok.kind = shapeRest
		case f == "cf", f == "cd", f == "cld":
			tok.kind = shapeConst
			tok.cst = map[string]ir.OperandKind{"cf": ir.KindFloat, "cd": ir.KindDouble, "cld": ir.KindLDouble}[f]
		case strings.HasPrefix(f, "="):
			n, err := strconv.Atoi(f[1:])
			if err != nil {
				return nil, fmt.Errorf("bad alias %q", f)
			}
			tok.kind = shapeSame
			tok.same = n
		case strings.HasPrefix(f, "h"):
			r, ok := ParseReg(f[1:])
			if !ok {
				return nil, fmt.Errorf("unknown register in %q", f)
			}
			tok.kind = shapeHard
			tok.reg = r
		default:
			if m, ok := memShapes[f]; ok {
				tok.kind = shapeMem
				tok.types = m
			} else if r, ok := immShapes[f]; ok {
				tok.kind = shapeImm
				tok.imm = r
			} else {
				return nil, fmt.Errorf("unknown shape %q", f)
			}
		}
		out = append(out, tok)
	}
	return out, nil
}

func immFits(o ir.Operand, r immRange) bool {
	var v int64
	switch o.Kind {
	case ir.KindInt:
		v = o.I
	case ir.KindUint:
		if o.I < 0 {
			return r == immI64
		}
		v = o.I
	default:
		return false
	}
	switch r {
	case immI8:
		return v >= math.MinInt8 && v <= math.MaxInt8
	case immU8:
		return v >= 0 && v <= math.MaxUint8
	case immI16:
		return v >= math.MinInt16 && v <= math.MaxInt16
	case immU16:
		return v >= 0 && v <= math.MaxUint16
	case immI32:
		return v >= math.MinInt32 && v <= math.MaxInt32
	case immU32:
		return v >= 0 && v <= math.MaxUint32
	}
	return true
}

// Reach reports whether a rel8 field inside an instruction of at most
// maxSize bytes can reach label l.
type Reach func(l ir.Label, maxSize int) bool

func (t shapeTok) match(i int, ops []ir.Operand, maxSize int, reach Reach) bool {
	o := ops[i]
	switch t.kind {
	case shapeReg:
		return o.Kind == ir.KindReg && o.Reg >= RAX && o.Reg <= R15
	case shapeFloat:
		return o.Kind == ir.KindReg && o.Reg >= XMM0 && o.Reg <= XMM15
	case shapeHard:
		return o.Kind == ir.KindReg && o.Reg == t.reg
	case shapeMem:
		return o.Kind == ir.KindMem && t.types&(1<<o.Mem.Type) != 0
	case shapeImm:
		return immFits(o, t.imm)
	case shapeConst:
		return o.Kind == t.cst
	case shapeLabel8:
		return o.Kind == ir.KindLabel && reach != nil && reach(o.Label, maxSize)
	case shapeLabel32, shapeLabel:
		return o.Kind == ir.KindLabel
	case shapeRef:
		return o.Kind == ir.KindRef
	case shapeSame:
		return t.same < len(ops) && o.Equal(ops[t.same])
	}
	return false
}

// Matches reports whether ops fit the pattern's shape. A nil reach refuses
// short branch shapes.
func (p *Pattern) Matches(ops []ir.Operand, reach Reach) bool {
	n := len(p.shape)
	if n > 0 && p.shape[n-1].kind == shapeRest {
		n--
		if len(ops) < n {
			return false
		}
		for _, o := range ops[n:] {
			if o.Kind != ir.KindLabel {
				return false
			}
		}
	} else if len(ops) != n {
		return false
	}
	for i := 0; i < n; i++ {
		if !p.shape[i].match(i, ops, p.MaxSize, reach) {
			return false
		}
	}
	return true
}

type tokKind uint8

const (
	tokByte tokKind = iota
	tokImm8
	tokImm16
	tokImm32
	tokImm64
	tokRel8
	tokRel32
)

type trailTok struct {
	kind tokKind
	op   int
	b    byte
}

type specialKind uint8

const (
	specialNone specialKind = iota
	specialCall
	specialJump
	specialSwitch
)

type insnTemplate struct {
	prefixes []byte
	rexW     bool
	forceREX bool
	byteRegs bool
	opcode   []byte
	fold     int
	digit    int
	reg      int
	rm       int
	trailer  []trailTok
	special  specialKind
	target   int
}

func (t *insnTemplate) hasModRM() bool { return t.digit >= 0 || t.reg >= 0 || t.rm >= 0 }

func opIndex(tok, prefix string) (int, bool) {
	if !strings.HasPrefix(tok, prefix) {
		return 0, false
	}
	n, err := strconv.Atoi(tok[len(prefix):])
	if err != nil {
		return 0, false
	}
	return n, true
}

func parseTemplate(s string) ([]insnTemplate, error) {
	var out []insnTemplate
	for _, part := range strings.Split(s, ";") {
		fields := strings.Fields(part)
		if len(fields) == 0 {
			continue
		}
		t := insnTemplate{fold: -1, digit: -1, reg: -1, rm: -1, target: -1}
		for _, f := range fields {
			if n, ok := opIndex(f, "call"); ok {
				t.special, t.target = specialCall, n
				continue
			}
			if n, ok := opIndex(f, "jmp"); ok {
				t.special, t.target = specialJump, n
				continue
			}
			switch f {
			case "switch":
				t.special, t.target = specialSwitch, 0
				continue
			case "p66":
				t.prefixes = append(t.prefixes, 0x66)
				continue
			case "pF2":
				t.prefixes = append(t.prefixes, 0xF2)
				continue
			case "pF3":
				t.prefixes = append(t.prefixes, 0xF3)
				continue
			case "W":
				t.rexW = true
				continue
			case "X":
				t.forceREX = true
				continue
			case "Y":
				t.byteRegs = true
				continue
			}
			if len(f) == 2 && f[0] == '/' && f[1] >= '0' && f[1] <= '7' {
				t.digit = int(f[1] - '0')
				continue
			}
			if n, ok := opIndex(f, "+r"); ok {
				if len(t.opcode) == 0 {
					return nil, fmt.Errorf("%q: register fold without opcode", s)
				}
				t.fold = n
				continue
			}
			if n, ok := opIndex(f, "r"); ok {
				t.reg = n
				continue
			}
			if n, ok := opIndex(f, "R"); ok {
				t.rm = n
				continue
			}
			imm := false
			for pfx, kind := range map[string]tokKind{"ib": tokImm8, "iw": tokImm16, "id": tokImm32, "iq": tokImm64} {
				if n, ok := opIndex(f, pfx); ok {
					t.trailer = append(t.trailer, trailTok{kind: kind, op: n})
					imm = true
				}
			}
			if imm {
				continue
			}
			if n, ok := opIndex(f, "j"); ok {
				t.trailer = append(t.trailer, trailTok{kind: tokRel8, op: n})
				continue
			}
			if n, ok := opIndex(f, "J"); ok {
				t.trailer = append(t.trailer, trailTok{kind: tokRel32, op: n})
				continue
			}
			b, err := strconv.ParseUint(f, 16, 8)
			if err != nil || len(f) != 2 {
				return nil, fmt.Errorf("%q: bad token %q", s, f)
			}
			if t.hasModRM() || len(t.trailer) > 0 {
				t.trailer = append(t.trailer, trailTok{kind: tokByte, b: byte(b)})
			} else {
				t.opcode = append(t.opcode, byte(b))
			}
		}
		out = append(out, t)
	}
	return out, nil
}

const (
	siteSize    = 8
	siteMaxPad  = siteSize - 1
	switchSize  = 7 + 4
	maxRMExtras = 1 + 4 // SIB and disp32
)

// maxSize returns the largest encoding of t for operands of the given shape.
func (t *insnTemplate) maxSize(shape []shapeTok) int {
	switch t.special {
	case specialCall, specialJump:
		return siteMaxPad + siteSize
	case specialSwitch:
		return switchSize
	}
	n := len(t.prefixes) + len(t.opcode)
	if t.rexW || t.forceREX || t.byteRegs || t.reg >= 0 || t.rm >= 0 || t.fold >= 0 {
		n++
	}
	if t.hasModRM() {
		n++
	}
	if t.rm >= 0 && t.rm < len(shape) {
		tok := shape[t.rm]
		if tok.kind == shapeSame && tok.same < len(shape) {
			tok = shape[tok.same]
		}
		switch tok.kind {
		case shapeMem:
			n += maxRMExtras
		case shapeConst, shapeImm, shapeLabel, shapeLabel8, shapeLabel32, shapeRef:
			n += 4
		}
	}
	for _, tr := range t.trailer {
		switch tr.kind {
		case tokByte, tokImm8, tokRel8:
			n++
		case tokImm16:
			n += 2
		case tokImm32, tokRel32:
			n += 4
		case tokImm64:
			n += 8
		}
	}
	return n
}

type span struct{ lo, hi int }

var table struct {
	once     sync.Once
	patterns []Pattern
	index    map[ir.Op]span
}

func buildTable() {
	defs := patternDefs()
	pats := make([]Pattern, 0, len(defs))
	for _, d := range defs {
		shape, err := parseShape(d.shape)
		if err != nil {
			panic(fmt.Sprintf("amd64: pattern %s %q: %v", d.op, d.shape, err))
		}
		insns, err := parseTemplate(d.tmpl)
		if err != nil {
			panic(fmt.Sprintf("amd64: pattern %s %q: %v", d.op, d.shape, err))
		}
		p := Pattern{Op: d.op, Shape: d.shape, Template: d.tmpl, shape: shape, insns: insns}
		for i := range insns {
			p.MaxSize += insns[i].maxSize(shape)
		}
		pats = append(pats, p)
	}
	// Stable by opcode so declaration order is the preference order.
	sort.SliceStable(pats, func(i, j int) bool { return pats[i].Op < pats[j].Op })
	index := make(map[ir.Op]span)
	for i := 0; i < len(pats); {
		j := i
		for j < len(pats) && pats[j].Op == pats[i].Op {
			j++
		}
		index[pats[i].Op] = span{i, j}
		i = j
	}
	table.patterns = pats
	table.index = index
}

// Patterns returns the patterns for op in preference order. The slice is
// shared and must not be modified.
func Patterns(op ir.Op) []Pattern {
	table.once.Do(buildTable)
	s, ok := table.index[op]
	if !ok {
		return nil
	}
	return table.patterns[s.lo:s.hi]
}

// Select returns the first pattern of in's opcode that accepts its
// operands. Estimation passes a nil reach, which rules out short branches.
func Select(op ir.Op, ops []ir.Operand, reach Reach) (*Pattern, error) {
	pats := Patterns(op)
	for i := range pats {
		if pats[i].Matches(ops, reach) {
			return &pats[i], nil
		}
	}
	return nil, fmt.Errorf("%s: %w", formatInsn(op, ops), ErrNoPattern)
}

// Encodable reports whether some pattern accepts op with ops in estimation
// mode.
func Encodable(op ir.Op, ops []ir.Operand) bool {
	_, err := Select(op, ops, nil)
	return err == nil
}

func formatInsn(op ir.Op, ops []ir.Operand) string {
	in := ir.Insn{Op: op, Ops: ops}
	return in.String()
}
