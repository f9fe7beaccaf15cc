package amd64

import (
	"fmt"
	"log/slog"
	"math"

	"github.com/tinyrange/x64jit/internal/asm"
	"github.com/tinyrange/x64jit/internal/ir"
)

// Emitter turns a fully legalized, register-allocated function into machine
// code. It is reusable through Reset but must not be shared between
// goroutines.
type Emitter struct {
	code   []byte
	relocs []asm.Reloc
	sites  []asm.PatchSite
	pool   *constPool

	labels    map[ir.Label]int
	estLabels map[ir.Label]int
	estPos    map[ir.InsnID]int
	estSize   map[ir.InsnID]int
	size      map[ir.InsnID]int
	estTotal  int

	log *slog.Logger
}

func NewEmitter() *Emitter {
	return &Emitter{
		pool:      newConstPool(),
		labels:    make(map[ir.Label]int),
		estLabels: make(map[ir.Label]int),
		estPos:    make(map[ir.InsnID]int),
		estSize:   make(map[ir.InsnID]int),
		size:      make(map[ir.InsnID]int),
	}
}

// SetLogger directs the emitter's debug output to l. A nil l means
// slog.Default.
func (e *Emitter) SetLogger(l *slog.Logger) { e.log = l }

func (e *Emitter) logger() *slog.Logger {
	if e.log != nil {
		return e.log
	}
	return slog.Default()
}

// Reset discards all state from the previous function.
func (e *Emitter) Reset() {
	e.code = e.code[:0]
	e.relocs = e.relocs[:0]
	e.sites = nil
	e.pool.reset()
	clear(e.labels)
	clear(e.estLabels)
	clear(e.estPos)
	clear(e.estSize)
	clear(e.size)
	e.estTotal = 0
}

// Estimate assigns every instruction its worst-case size and a provisional
// offset. Short branch forms are never chosen here.
func (e *Emitter) Estimate(fn *ir.Func) (int, error) {
	pos := 0
	for id := fn.First(); id != ir.NoInsn; id = fn.Next(id) {
		in := fn.At(id)
		e.estPos[id] = pos
		if in.Op == ir.OpLabel {
			e.estLabels[in.Ops[0].Label] = pos
			continue
		}
		p, err := Select(in.Op, in.Ops, nil)
		if err != nil {
			return 0, err
		}
		e.estSize[id] = p.MaxSize
		pos += p.MaxSize
	}
	e.estTotal = pos
	return pos, nil
}

// reach admits a rel8 branch from the instruction at id. A backward target
// is exact; the field ends at most maxSize bytes after the current offset.
// A forward target is bounded by the estimated distance from the start of
// the instruction, since no instruction encodes larger than its estimate.
func (e *Emitter) reach(id ir.InsnID) Reach {
	return func(l ir.Label, maxSize int) bool {
		if off, ok := e.labels[l]; ok {
			return off-(len(e.code)+maxSize) >= math.MinInt8
		}
		est, ok := e.estLabels[l]
		return ok && est-e.estPos[id] <= math.MaxInt8
	}
}

// Emit encodes fn after Estimate. Each instruction re-runs selection with
// reachability information, so a branch may shrink to its short form.
func (e *Emitter) Emit(fn *ir.Func) error {
	for id := fn.First(); id != ir.NoInsn; id = fn.Next(id) {
		in := fn.At(id)
		if in.Op == ir.OpLabel {
			l := in.Ops[0].Label
			if _, dup := e.labels[l]; dup {
				return fmt.Errorf("label L%d defined twice", l)
			}
			e.labels[l] = len(e.code)
			continue
		}
		p, err := Select(in.Op, in.Ops, e.reach(id))
		if err != nil {
			return err
		}
		start := len(e.code)
		for i := range p.insns {
			if err := e.encodeInsn(&p.insns[i], in.Ops); err != nil {
				return fmt.Errorf("%s: %w", in, err)
			}
		}
		n := len(e.code) - start
		e.size[id] = n
		if est, ok := e.estSize[id]; ok && n > est {
			return fmt.Errorf("%s: encoded %d bytes, estimated %d: %w", in, n, est, ErrRelocOverflow)
		}
	}
	return nil
}

// Assemble runs both passes and links the result.
func (e *Emitter) Assemble(fn *ir.Func) (asm.Program, error) {
	e.Reset()
	if _, err := e.Estimate(fn); err != nil {
		return asm.Program{}, err
	}
	if err := e.Emit(fn); err != nil {
		return asm.Program{}, err
	}
	return e.Finish()
}

// InsnSize returns the estimated and encoded size of an instruction from the
// last Assemble.
func (e *Emitter) InsnSize(id ir.InsnID) (est, actual int) {
	return e.estSize[id], e.size[id]
}

// EstimatedSize is the body size the estimate pass computed.
func (e *Emitter) EstimatedSize() int { return e.estTotal }

// PoolEntries returns the number of constant pool entries.
func (e *Emitter) PoolEntries() int { return e.pool.Len() }

// Encode assembles a single instruction. Label operands are not resolved.
func Encode(op ir.Op, ops ...ir.Operand) ([]byte, error) {
	p, err := Select(op, ops, nil)
	if err != nil {
		return nil, err
	}
	e := NewEmitter()
	for i := range p.insns {
		if err := e.encodeInsn(&p.insns[i], ops); err != nil {
			return nil, err
		}
	}
	return e.code, nil
}
