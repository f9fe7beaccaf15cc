package amd64

import "github.com/tinyrange/x64jit/internal/ir"

// Machine opcodes that only exist after legalization.
const (
	// OpMovQ copies the bits of a double in operand 1 to the integer
	// register in operand 0; OpMovQX goes the other way. OpMovD and OpMovDX
	// are the 32-bit forms.
	OpMovQ = ir.OpTarget + iota
	OpMovQX
	OpMovD
	OpMovDX
	// OpLea loads the address of memory operand 1.
	OpLea
	OpPush
	OpPop
	// OpXLoad and OpXStore move all 128 bits of an xmm register.
	OpXLoad
	OpXStore
)

func init() {
	ir.RegisterTargetOp(OpMovQ, "movq", 2, 1)
	ir.RegisterTargetOp(OpMovQX, "movqx", 2, 1)
	ir.RegisterTargetOp(OpMovD, "movd", 2, 1)
	ir.RegisterTargetOp(OpMovDX, "movdx", 2, 1)
	ir.RegisterTargetOp(OpLea, "lea", 2, 1)
	ir.RegisterTargetOp(OpPush, "push", 1, 0)
	ir.RegisterTargetOp(OpPop, "pop", 1, 1)
	ir.RegisterTargetOp(OpXLoad, "xload", 2, 1)
	ir.RegisterTargetOp(OpXStore, "xstore", 2, 1)
}
