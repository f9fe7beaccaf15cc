// Package amd64 lowers IR functions to x86-64 machine code: calling
// convention lowering, register allocation, frame synthesis and emission.
package amd64

import (
	"fmt"
	"log/slog"
	"sync"

	"github.com/tinyrange/x64jit/internal/asm"
	"github.com/tinyrange/x64jit/internal/asm/amd64"
	"github.com/tinyrange/x64jit/internal/ir"
	"github.com/tinyrange/x64jit/internal/timeslice"
)

var (
	sliceLegalize = timeslice.RegisterKind("amd64.legalize", timeslice.SliceFlagCompile)
	sliceAllocate = timeslice.RegisterKind("amd64.allocate", timeslice.SliceFlagCompile)
	sliceFrame    = timeslice.RegisterKind("amd64.frame", timeslice.SliceFlagCompile)
	sliceEmit     = timeslice.RegisterKind("amd64.emit", timeslice.SliceFlagCompile|timeslice.SliceFlagEmit)
)

type compiler struct {
	fn   *ir.Func
	conv *amd64.Convention
	opts Options
	log  *slog.Logger

	emitter *amd64.Emitter
	helpers map[string]*ir.Ref

	// incoming is the classification of the function's own parameters.
	incoming amd64.ArgAssignment
	// locals is the size of the frame slot area handed out so far.
	locals   int
	regSave  int
	temps    [2]int
	outgoing int
	dynamic  bool
	calls    int

	assigned map[ir.Reg]ir.Reg
	slots    map[ir.Reg]int
	frame    Frame
}

var compilers = sync.Pool{
	New: func() any {
		return &compiler{
			emitter:  amd64.NewEmitter(),
			helpers:  make(map[string]*ir.Ref),
			assigned: make(map[ir.Reg]ir.Reg),
			slots:    make(map[ir.Reg]int),
		}
	},
}

func (c *compiler) reset(fn *ir.Func, conv *amd64.Convention, opts Options) {
	c.fn = fn
	c.conv = conv
	c.opts = opts
	c.log = opts.logger()
	c.emitter.SetLogger(c.log)
	c.incoming = amd64.ArgAssignment{}
	c.locals = 0
	c.regSave = -1
	c.temps = [2]int{-1, -1}
	c.outgoing = 0
	c.dynamic = false
	c.calls = 0
	clear(c.assigned)
	clear(c.slots)
	c.frame = Frame{}
}

// reserve hands out size bytes of frame slot area aligned to align.
func (c *compiler) reserve(size, align int) int {
	off := alignUp(c.locals, align)
	c.locals = off + size
	return off
}

// scratchSlot returns the i-th temporary slot, reserving it on first use.
func (c *compiler) scratchSlot(i int) int {
	if c.temps[i] < 0 {
		c.temps[i] = c.reserve(16, 16)
	}
	return c.temps[i]
}

// Result is a compiled function.
type Result struct {
	Program asm.Program
	Frame   Frame
}

// Compile lowers fn for the convention in opts and assembles it. fn is
// rewritten in place and must not be compiled again.
func Compile(fn *ir.Func, opts Options) (*Result, error) {
	conv, err := opts.conv()
	if err != nil {
		return nil, err
	}
	if fn.Proto == nil {
		return nil, fmt.Errorf("function %q has no prototype", fn.Name)
	}

	c := compilers.Get().(*compiler)
	defer compilers.Put(c)
	c.reset(fn, conv, opts)

	rec := timeslice.NewRecorder()
	if err := c.machinize(); err != nil {
		return nil, fmt.Errorf("%s: legalize: %w", fn.Name, err)
	}
	rec.Record(sliceLegalize)
	if err := c.allocate(); err != nil {
		return nil, fmt.Errorf("%s: allocate: %w", fn.Name, err)
	}
	rec.Record(sliceAllocate)
	if err := c.synthesizeFrame(); err != nil {
		return nil, fmt.Errorf("%s: frame: %w", fn.Name, err)
	}
	rec.Record(sliceFrame)
	prog, err := c.emitter.Assemble(fn)
	if err != nil {
		return nil, fmt.Errorf("%s: emit: %w", fn.Name, err)
	}
	rec.Record(sliceEmit)

	c.log.Debug("amd64: compiled",
		"func", fn.Name,
		"conv", conv.Name,
		"insns", fn.Len(),
		"calls", c.calls,
		"estimate", c.emitter.EstimatedSize(),
		"bytes", prog.Len(),
		"pool", c.emitter.PoolEntries(),
		"sites", len(prog.PatchSites()),
	)
	return &Result{Program: prog.Clone(), Frame: c.frame}, nil
}

func MustCompile(fn *ir.Func, opts Options) *Result {
	res, err := Compile(fn, opts)
	if err != nil {
		panic(err)
	}
	return res
}
