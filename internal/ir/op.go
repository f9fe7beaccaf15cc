package ir

import "fmt"

// Op is an instruction opcode. Integer opcodes without a suffix operate on 64
// bits; the S suffix selects the 32-bit form.
type Op uint16

const (
	OpMov Op = iota
	OpFMov
	OpDMov
	OpLDMov

	OpExt8
	OpExt16
	OpExt32
	OpUExt8
	OpUExt16
	OpUExt32

	OpI2F
	OpI2D
	OpI2LD
	OpUI2F
	OpUI2D
	OpUI2LD
	OpF2I
	OpD2I
	OpLD2I
	OpF2D
	OpD2F
	OpF2LD
	OpD2LD
	OpLD2F
	OpLD2D

	OpNeg
	OpNegS
	OpFNeg
	OpDNeg
	OpLDNeg

	OpAdd
	OpAddS
	OpSub
	OpSubS
	OpMul
	OpMulS
	OpDiv
	OpDivS
	OpUDiv
	OpUDivS
	OpMod
	OpModS
	OpUMod
	OpUModS
	OpAnd
	OpAndS
	OpOr
	OpOrS
	OpXor
	OpXorS
	OpLSh
	OpLShS
	OpRSh
	OpRShS
	OpURSh
	OpURShS

	OpFAdd
	OpFSub
	OpFMul
	OpFDiv
	OpDAdd
	OpDSub
	OpDMul
	OpDDiv
	OpLDAdd
	OpLDSub
	OpLDMul
	OpLDDiv

	OpAddO
	OpAddOS
	OpSubO
	OpSubOS
	OpMulO
	OpMulOS
	OpUMulO
	OpUMulOS

	OpEq
	OpEqS
	OpNe
	OpNeS
	OpLt
	OpLtS
	OpULt
	OpULtS
	OpLe
	OpLeS
	OpULe
	OpULeS
	OpGt
	OpGtS
	OpUGt
	OpUGtS
	OpGe
	OpGeS
	OpUGe
	OpUGeS
	OpFEq
	OpFNe
	OpFLt
	OpFLe
	OpFGt
	OpFGe
	OpDEq
	OpDNe
	OpDLt
	OpDLe
	OpDGt
	OpDGe
	OpLDEq
	OpLDNe
	OpLDLt
	OpLDLe
	OpLDGt
	OpLDGe

	OpBEq
	OpBEqS
	OpBNe
	OpBNeS
	OpBLt
	OpBLtS
	OpUBLt
	OpUBLtS
	OpBLe
	OpBLeS
	OpUBLe
	OpUBLeS
	OpBGt
	OpBGtS
	OpUBGt
	OpUBGtS
	OpBGe
	OpBGeS
	OpUBGe
	OpUBGeS
	OpFBEq
	OpFBNe
	OpFBLt
	OpFBLe
	OpFBGt
	OpFBGe
	OpDBEq
	OpDBNe
	OpDBLt
	OpDBLe
	OpDBGt
	OpDBGe
	OpLDBEq
	OpLDBNe
	OpLDBLt
	OpLDBLe
	OpLDBGt
	OpLDBGe

	OpBT
	OpBTS
	OpBF
	OpBFS

	OpBO
	OpBNO
	OpUBO
	OpUBNO

	OpJmp
	OpJmpI
	OpPJmp
	OpLAddr
	OpSwitch
	OpCall
	OpRet
	OpLabel

	OpAlloca
	OpBStart
	OpBEnd

	OpVaStart
	OpVaArg
	OpVaBlockArg
	OpVaEnd

	// OpTarget is the first opcode number a backend may use for its own
	// machine instructions.
	OpTarget Op = 512
)

var opNames = [...]string{
	"mov", "fmov", "dmov", "ldmov",
	"ext8", "ext16", "ext32", "uext8", "uext16", "uext32",
	"i2f", "i2d", "i2ld", "ui2f", "ui2d", "ui2ld", "f2i", "d2i", "ld2i",
	"f2d", "d2f", "f2ld", "d2ld", "ld2f", "ld2d",
	"neg", "negs", "fneg", "dneg", "ldneg",
	"add", "adds", "sub", "subs", "mul", "muls", "div", "divs", "udiv", "udivs",
	"mod", "mods", "umod", "umods", "and", "ands", "or", "ors", "xor", "xors",
	"lsh", "lshs", "rsh", "rshs", "ursh", "urshs",
	"fadd", "fsub", "fmul", "fdiv", "dadd", "dsub", "dmul", "ddiv",
	"ldadd", "ldsub", "ldmul", "lddiv",
	"addo", "addos", "subo", "subos", "mulo", "mulos", "umulo", "umulos",
	"eq", "eqs", "ne", "nes", "lt", "lts", "ult", "ults", "le", "les", "ule", "ules",
	"gt", "gts", "ugt", "ugts", "ge", "ges", "uge", "uges",
	"feq", "fne", "flt", "fle", "fgt", "fge",
	"deq", "dne", "dlt", "dle", "dgt", "dge",
	"ldeq", "ldne", "ldlt", "ldle", "ldgt", "ldge",
	"beq", "beqs", "bne", "bnes", "blt", "blts", "ublt", "ublts", "ble", "bles",
	"uble", "ubles", "bgt", "bgts", "ubgt", "ubgts", "bge", "bges", "ubge", "ubges",
	"fbeq", "fbne", "fblt", "fble", "fbgt", "fbge",
	"dbeq", "dbne", "dblt", "dble", "dbgt", "dbge",
	"ldbeq", "ldbne", "ldblt", "ldble", "ldbgt", "ldbge",
	"bt", "bts", "bf", "bfs",
	"bo", "bno", "ubo", "ubno",
	"jmp", "jmpi", "pjmp", "laddr", "switch", "call", "ret", "label",
	"alloca", "bstart", "bend",
	"va_start", "va_arg", "va_block_arg", "va_end",
}

var targetOpNames = map[Op]string{}

// RegisterTargetOp names a backend opcode for printing and parsing.
func RegisterTargetOp(op Op, name string, nops int, out uint8) {
	if op < OpTarget {
		panic(fmt.Sprintf("ir: target opcode %d below OpTarget", op))
	}
	targetOpNames[op] = name
	targetOpInfo[op] = OpInfo{NOps: nops, Out: out}
}

func (op Op) String() string {
	if int(op) < len(opNames) {
		return opNames[op]
	}
	if name, ok := targetOpNames[op]; ok {
		return name
	}
	return fmt.Sprintf("op(%d)", op)
}

// ParseOp looks an opcode up by name.
func ParseOp(name string) (Op, bool) {
	for i, n := range opNames {
		if n == name {
			return Op(i), true
		}
	}
	for op, n := range targetOpNames {
		if n == name {
			return op, true
		}
	}
	return 0, false
}

// OpInfo describes the operand roles of an opcode. NOps is -1 for opcodes
// with a variable operand count. Bit i of Out is set when operand i is
// written by the instruction.
type OpInfo struct {
	NOps int
	Out  uint8
}

var targetOpInfo = map[Op]OpInfo{}

// Info returns the operand roles of op.
func (op Op) Info() OpInfo {
	switch {
	case op <= OpLDMov, op >= OpExt8 && op <= OpLDNeg:
		return OpInfo{NOps: 2, Out: 1}
	case op >= OpAdd && op <= OpLDGe:
		return OpInfo{NOps: 3, Out: 1}
	case op >= OpBEq && op <= OpLDBGe:
		return OpInfo{NOps: 3}
	case op >= OpBT && op <= OpBFS:
		return OpInfo{NOps: 2}
	case op >= OpBO && op <= OpUBNO, op == OpJmp, op == OpJmpI, op == OpPJmp, op == OpLabel:
		return OpInfo{NOps: 1}
	case op == OpLAddr, op == OpAlloca:
		return OpInfo{NOps: 2, Out: 1}
	case op == OpBStart:
		return OpInfo{NOps: 1, Out: 1}
	case op == OpBEnd, op == OpVaStart, op == OpVaEnd:
		return OpInfo{NOps: 1}
	case op == OpVaArg:
		return OpInfo{NOps: 3, Out: 1}
	case op == OpVaBlockArg:
		return OpInfo{NOps: 3}
	case op == OpSwitch, op == OpCall, op == OpRet:
		return OpInfo{NOps: -1}
	}
	if info, ok := targetOpInfo[op]; ok {
		return info
	}
	return OpInfo{NOps: -1}
}

// IsOutput reports whether operand i is written. Call results are outputs;
// the caller resolves them through the prototype.
func (op Op) IsOutput(i int) bool {
	return i < 8 && op.Info().Out&(1<<i) != 0
}

// IsBranch reports whether op transfers control to a label operand.
func (op Op) IsBranch() bool {
	return op >= OpBEq && op <= OpUBNO || op == OpJmp || op == OpPJmp
}

// IsCompareBranch reports whether op compares operands 1 and 2 and branches
// to operand 0.
func (op Op) IsCompareBranch() bool {
	return op >= OpBEq && op <= OpLDBGe
}
