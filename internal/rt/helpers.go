// Package rt is the runtime surface generated code calls into: helpers for
// operations the backend does not encode inline, and the variadic argument
// readers.
package rt

import (
	"fmt"

	"github.com/tinyrange/x64jit/internal/ir"
)

// Helper names as imported by the backend.
const (
	VaArg      = "va_arg"
	VaBlockArg = "va_block_arg"
	UI2F       = "ui2f"
	UI2D       = "ui2d"
	UI2LD      = "ui2ld"
	LD2I       = "ld2i"
	Memcpy     = "memcpy"
)

// VaTag selects the argument class read by va_arg.
type VaTag uint8

const (
	VaInt VaTag = iota
	// VaFloat reads a double; variadic floats are promoted.
	VaFloat
	VaLDouble
)

// VaMemory marks an aggregate the SysV convention passes on the stack. The
// low bits of the va_block_arg class argument say which eightbytes are SSE.
const VaMemory = 0x80

func param(name string, t ir.Type) ir.Param { return ir.Param{Name: name, Type: t} }

// All helpers take and return integers or pointers so they can be bound to
// plain Go functions. Float results come back as raw bits in the integer
// result register and extended values travel through memory.
var protos = map[string]*ir.Proto{
	VaArg: {
		Name:    VaArg,
		Results: []ir.Type{ir.P},
		Params:  []ir.Param{param("ap", ir.P), param("tag", ir.U32)},
	},
	VaBlockArg: {
		Name:    VaBlockArg,
		Results: []ir.Type{ir.P},
		Params:  []ir.Param{param("dst", ir.P), param("ap", ir.P), param("size", ir.U64), param("classes", ir.U32)},
	},
	UI2F: {
		Name:    UI2F,
		Results: []ir.Type{ir.U64},
		Params:  []ir.Param{param("v", ir.U64)},
	},
	UI2D: {
		Name:    UI2D,
		Results: []ir.Type{ir.U64},
		Params:  []ir.Param{param("v", ir.U64)},
	},
	UI2LD: {
		Name:   UI2LD,
		Params: []ir.Param{param("dst", ir.P), param("v", ir.U64)},
	},
	LD2I: {
		Name:    LD2I,
		Results: []ir.Type{ir.I64},
		Params:  []ir.Param{param("src", ir.P)},
	},
	Memcpy: {
		Name:    Memcpy,
		Results: []ir.Type{ir.P},
		Params:  []ir.Param{param("dst", ir.P), param("src", ir.P), param("n", ir.U64)},
	},
}

// Proto returns the call signature of a helper.
func Proto(name string) (*ir.Proto, error) {
	p, ok := protos[name]
	if !ok {
		return nil, fmt.Errorf("unknown runtime helper %q", name)
	}
	return p, nil
}

// Import registers helper name with m and returns its reference.
func Import(m *ir.Module, name string) (*ir.Ref, *ir.Proto, error) {
	p, err := Proto(name)
	if err != nil {
		return nil, nil, err
	}
	return m.Import(name, p), p, nil
}

// Names lists every helper.
func Names() []string {
	return []string{VaArg, VaBlockArg, UI2F, UI2D, UI2LD, LD2I, Memcpy}
}
