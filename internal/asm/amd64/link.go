package amd64

import (
	"encoding/binary"
	"fmt"
	"math"

	"github.com/tinyrange/x64jit/internal/asm"
	"github.com/tinyrange/x64jit/internal/ir"
)

const poolAlign = 16

// Finish resolves every label and pool relocation, appends the constant
// pool and returns the program. Only absolute addresses (switch entries and
// symbol slots) remain for Bind.
func (e *Emitter) Finish() (asm.Program, error) {
	for len(e.code)%poolAlign != 0 {
		e.code = append(e.code, 0xCC)
	}
	poolStart := len(e.code)
	data, offsets := e.pool.layout()
	e.code = append(e.code, data...)

	for _, r := range e.relocs {
		var target int
		switch r.Kind {
		case asm.RelocLabel8, asm.RelocLabel32:
			off, ok := e.labels[ir.Label(r.Label)]
			if !ok {
				return asm.Program{}, fmt.Errorf("reference to undefined label L%d", r.Label)
			}
			target = off
		case asm.RelocPool32:
			target = poolStart + offsets[r.Pool]
		default:
			return asm.Program{}, fmt.Errorf("unexpected %s relocation in body", r.Kind)
		}
		rel := int64(target) - int64(r.Next)
		if r.Kind == asm.RelocLabel8 {
			if rel < math.MinInt8 || rel > math.MaxInt8 {
				return asm.Program{}, fmt.Errorf("rel8 at %#x to L%d is %d bytes: %w", r.Offset, r.Label, rel, ErrRelocOverflow)
			}
			e.code[r.Offset] = byte(int8(rel))
			continue
		}
		if rel < math.MinInt32 || rel > math.MaxInt32 {
			return asm.Program{}, fmt.Errorf("rel32 at %#x is %d bytes: %w", r.Offset, rel, ErrRelocOverflow)
		}
		binary.LittleEndian.PutUint32(e.code[r.Offset:], uint32(int32(rel)))
	}

	var pending []asm.Reloc
	var ferr error
	e.pool.each(func(ent *poolEntry) {
		for _, fx := range ent.fixups {
			if fx.kind == asm.RelocLabelAbs64 {
				if _, ok := e.labels[ir.Label(fx.label)]; !ok && ferr == nil {
					ferr = fmt.Errorf("switch to undefined label L%d", fx.label)
				}
			}
			pending = append(pending, asm.Reloc{
				Kind:   fx.kind,
				Offset: poolStart + offsets[ent.id] + fx.at,
				Label:  fx.label,
				Sym:    fx.sym,
				Addr:   fx.addr,
			})
		}
	})
	if ferr != nil {
		return asm.Program{}, ferr
	}

	sites := make([]asm.PatchSite, len(e.sites))
	for i, s := range e.sites {
		s.Slot = poolStart + offsets[s.Slot]
		sites[i] = s
	}

	labels := make(map[int32]int, len(e.labels))
	for l, off := range e.labels {
		labels[int32(l)] = off
	}

	e.logger().Debug("amd64: linked",
		"body", poolStart,
		"pool", len(data),
		"pending", len(pending),
		"sites", len(sites),
	)
	return asm.NewProgram(e.code, pending, sites, labels), nil
}

// Bind copies prog into dst, which will be mapped at base, and writes the
// absolute addresses it still needs. Patch sites whose target is within
// rel32 reach of base are turned into direct calls and jumps.
func Bind(dst []byte, prog asm.Program, base uintptr, resolve asm.SymbolResolver) error {
	code := prog.Bytes()
	if len(dst) < len(code) {
		return fmt.Errorf("bind: destination holds %d bytes, program needs %d", len(dst), len(code))
	}
	copy(dst, code)

	for _, r := range prog.Relocations() {
		var v uint64
		switch r.Kind {
		case asm.RelocLabelAbs64:
			off, ok := prog.LabelOffset(r.Label)
			if !ok {
				return fmt.Errorf("bind: undefined label L%d", r.Label)
			}
			v = uint64(base) + uint64(off)
		case asm.RelocSymAbs64:
			addr, err := resolve.Resolve(r.Sym, r.Addr)
			if err != nil {
				return fmt.Errorf("bind: %w", err)
			}
			v = uint64(addr)
		default:
			return fmt.Errorf("bind: unexpected %s relocation", r.Kind)
		}
		binary.LittleEndian.PutUint64(dst[r.Offset:], v)
	}

	for _, s := range prog.PatchSites() {
		target := uintptr(binary.LittleEndian.Uint64(dst[s.Slot:]))
		if w, ok := directWord(s.Kind, base+uintptr(s.Offset), target); ok {
			binary.LittleEndian.PutUint64(dst[s.Offset:], w)
		}
	}
	return nil
}
