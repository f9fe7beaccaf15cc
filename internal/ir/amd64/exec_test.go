//go:build linux && amd64

package amd64

import (
	"math"
	"runtime"
	"testing"
	"unsafe"

	"github.com/ebitengine/purego"

	"github.com/tinyrange/x64jit/internal/asm/amd64"
	"github.com/tinyrange/x64jit/internal/ir"
	"github.com/tinyrange/x64jit/internal/rt"
)

func publish(t *testing.T, fn *ir.Func) *amd64.Func {
	t.Helper()
	res, err := Compile(fn, optionsFor("sysv"))
	if err != nil {
		t.Fatalf("compile %s: %v", fn.Name, err)
	}
	f, err := amd64.Publish(res.Program, rt.Resolver())
	if err != nil {
		t.Fatalf("publish %s: %v", fn.Name, err)
	}
	t.Cleanup(func() { _ = f.Release() })
	return f
}

func TestExecAdd(t *testing.T) {
	f := publish(t, addFunc())
	if got := int64(f.Call(40, 2)); got != 42 {
		t.Fatalf("add(40, 2)=%d, want 42", got)
	}
	neg := int64(-5)
	if got := int64(f.Call(uintptr(neg), 3)); got != -2 {
		t.Fatalf("add(-5, 3)=%d, want -2", got)
	}
}

func TestExecLoop(t *testing.T) {
	fn := ir.NewFunc(nil, newProto("sum", []ir.Type{ir.I64}, ir.I64))
	n := fn.Params[0]
	acc := fn.NewReg(ir.I64)
	i := fn.NewReg(ir.I64)
	top, done := fn.NewLabel(), fn.NewLabel()
	fn.Append(ir.OpMov, ir.R(acc), ir.Int(0))
	fn.Append(ir.OpMov, ir.R(i), ir.Int(1))
	fn.Append(ir.OpLabel, ir.LabelOp(top))
	fn.Append(ir.OpBGt, ir.LabelOp(done), ir.R(i), ir.R(n))
	fn.Append(ir.OpAdd, ir.R(acc), ir.R(acc), ir.R(i))
	fn.Append(ir.OpAdd, ir.R(i), ir.R(i), ir.Int(1))
	fn.Append(ir.OpJmp, ir.LabelOp(top))
	fn.Append(ir.OpLabel, ir.LabelOp(done))
	fn.Append(ir.OpRet, ir.R(acc))

	f := publish(t, fn)
	for _, tt := range []struct{ n, want int64 }{{0, 0}, {1, 1}, {10, 55}, {100, 5050}} {
		if got := int64(f.Call(uintptr(tt.n))); got != tt.want {
			t.Fatalf("sum(%d)=%d, want %d", tt.n, got, tt.want)
		}
	}
}

func TestExecDivMod(t *testing.T) {
	fn := ir.NewFunc(nil, newProto("divmod", []ir.Type{ir.I64}, ir.I64, ir.I64))
	a, b := fn.Params[0], fn.Params[1]
	q := fn.NewReg(ir.I64)
	m := fn.NewReg(ir.I64)
	s := fn.NewReg(ir.I64)
	fn.Append(ir.OpDiv, ir.R(q), ir.R(a), ir.R(b))
	fn.Append(ir.OpMod, ir.R(m), ir.R(a), ir.R(b))
	fn.Append(ir.OpMul, ir.R(s), ir.R(q), ir.Int(100))
	fn.Append(ir.OpAdd, ir.R(s), ir.R(s), ir.R(m))
	fn.Append(ir.OpRet, ir.R(s))

	f := publish(t, fn)
	tests := []struct{ a, b, want int64 }{
		{7, 2, 301},
		{-7, 2, -301},
		{100, 7, 1402},
	}
	for _, tt := range tests {
		if got := int64(f.Call(uintptr(tt.a), uintptr(tt.b))); got != tt.want {
			t.Fatalf("divmod(%d, %d)=%d, want %d", tt.a, tt.b, got, tt.want)
		}
	}
}

func TestExecShift(t *testing.T) {
	fn := ir.NewFunc(nil, newProto("shl", []ir.Type{ir.I64}, ir.I64, ir.I64))
	d := fn.NewReg(ir.I64)
	fn.Append(ir.OpLSh, ir.R(d), ir.R(fn.Params[0]), ir.R(fn.Params[1]))
	fn.Append(ir.OpRet, ir.R(d))

	f := publish(t, fn)
	if got := f.Call(3, 4); got != 48 {
		t.Fatalf("shl(3, 4)=%d, want 48", got)
	}
}

func TestExecCallsPublishedFunction(t *testing.T) {
	g := ir.NewFunc(nil, newProto("triple", []ir.Type{ir.I64}, ir.I64))
	r := g.NewReg(ir.I64)
	g.Append(ir.OpMul, ir.R(r), ir.R(g.Params[0]), ir.Int(3))
	g.Append(ir.OpRet, ir.R(r))
	triple := publish(t, g)

	fn := ir.NewFunc(nil, newProto("f", []ir.Type{ir.I64}, ir.I64))
	v := fn.NewReg(ir.I64)
	call := fn.Append(ir.OpCall, ir.RefOp(&ir.Ref{Name: "triple", Addr: triple.Entry()}), ir.R(v), ir.R(fn.Params[0]))
	fn.At(call).Proto = g.Proto
	fn.Append(ir.OpAdd, ir.R(v), ir.R(v), ir.Int(1))
	fn.Append(ir.OpRet, ir.R(v))

	f := publish(t, fn)
	if got := f.Call(5); got != 16 {
		t.Fatalf("f(5)=%d, want 16", got)
	}
}

func TestExecPatchRetargetsCall(t *testing.T) {
	constant := func(name string, v int64) *amd64.Func {
		fn := ir.NewFunc(nil, newProto(name, []ir.Type{ir.I64}))
		fn.Append(ir.OpRet, ir.Int(v))
		return publish(t, fn)
	}
	one, two := constant("one", 1), constant("two", 2)

	fn := ir.NewFunc(nil, newProto("f", []ir.Type{ir.I64}))
	v := fn.NewReg(ir.I64)
	call := fn.Append(ir.OpCall, ir.RefOp(&ir.Ref{Name: "target", Addr: one.Entry()}), ir.R(v))
	fn.At(call).Proto = newProto("target", []ir.Type{ir.I64})
	fn.Append(ir.OpRet, ir.R(v))
	f := publish(t, fn)

	if got := f.Call(); got != 1 {
		t.Fatalf("before patch=%d, want 1", got)
	}
	if err := f.Patch(0, two.Entry()); err != nil {
		t.Fatalf("Patch: %v", err)
	}
	if got := f.Call(); got != 2 {
		t.Fatalf("after patch=%d, want 2", got)
	}
	// Patching to the current target changes nothing.
	if err := f.Patch(0, two.Entry()); err != nil {
		t.Fatalf("Patch again: %v", err)
	}
	if got := f.Call(); got != 2 {
		t.Fatalf("after second patch=%d, want 2", got)
	}
}

func TestExecSwitch(t *testing.T) {
	fn := ir.NewFunc(nil, newProto("pick", []ir.Type{ir.I64}, ir.I64))
	cases := []ir.Label{fn.NewLabel(), fn.NewLabel(), fn.NewLabel()}
	ops := []ir.Operand{ir.R(fn.Params[0])}
	for _, l := range cases {
		ops = append(ops, ir.LabelOp(l))
	}
	fn.Append(ir.OpSwitch, ops...)
	for i, l := range cases {
		fn.Append(ir.OpLabel, ir.LabelOp(l))
		fn.Append(ir.OpRet, ir.Int(int64(10*(i+1))))
	}

	f := publish(t, fn)
	for i := range cases {
		if got := f.Call(uintptr(i)); got != uintptr(10*(i+1)) {
			t.Fatalf("pick(%d)=%d, want %d", i, got, 10*(i+1))
		}
	}
}

func TestExecDoubleArithmetic(t *testing.T) {
	fn := ir.NewFunc(nil, newProto("half", []ir.Type{ir.I64}, ir.I64))
	d := fn.NewReg(ir.F64)
	r := fn.NewReg(ir.I64)
	fn.Append(ir.OpI2D, ir.R(d), ir.R(fn.Params[0]))
	fn.Append(ir.OpDMul, ir.R(d), ir.R(d), ir.Double(0.5))
	fn.Append(ir.OpDNeg, ir.R(d), ir.R(d))
	fn.Append(ir.OpD2I, ir.R(r), ir.R(d))
	fn.Append(ir.OpRet, ir.R(r))

	f := publish(t, fn)
	if got := int64(f.Call(84)); got != -42 {
		t.Fatalf("half(84)=%d, want -42", got)
	}
}

func TestExecUnsignedToDoubleHelper(t *testing.T) {
	fn := ir.NewFunc(nil, newProto("u2d", []ir.Type{ir.I64}, ir.U64))
	d := fn.NewReg(ir.F64)
	r := fn.NewReg(ir.I64)
	fn.Append(ir.OpUI2D, ir.R(d), ir.R(fn.Params[0]))
	fn.Append(ir.OpDDiv, ir.R(d), ir.R(d), ir.Double(2))
	fn.Append(ir.OpD2I, ir.R(r), ir.R(d))
	fn.Append(ir.OpRet, ir.R(r))

	f := publish(t, fn)
	if got := f.Call(1 << 63); got != 1<<62 {
		t.Fatalf("u2d(1<<63)=%#x, want %#x", got, uint64(1<<62))
	}
}

func TestExecAlloca(t *testing.T) {
	fn := ir.NewFunc(nil, newProto("boxed", []ir.Type{ir.I64}, ir.I64))
	p := fn.NewReg(ir.P)
	v := fn.NewReg(ir.I64)
	fn.Append(ir.OpAlloca, ir.R(p), ir.Int(16))
	fn.Append(ir.OpMov, ir.M(ir.I64, 8, p), ir.R(fn.Params[0]))
	fn.Append(ir.OpMov, ir.R(v), ir.M(ir.I64, 8, p))
	fn.Append(ir.OpAdd, ir.R(v), ir.R(v), ir.Int(1))
	fn.Append(ir.OpRet, ir.R(v))

	f := publish(t, fn)
	if got := f.Call(41); got != 42 {
		t.Fatalf("boxed(41)=%d, want 42", got)
	}
}

func TestExecVariadicSum(t *testing.T) {
	proto := &ir.Proto{Name: "sum3", Results: []ir.Type{ir.I64}, Params: []ir.Param{{Name: "n", Type: ir.I64}}, Variadic: true}
	fn := ir.NewFunc(nil, proto)
	ap := fn.NewReg(ir.P)
	s := fn.NewReg(ir.I64)
	fn.Append(ir.OpAlloca, ir.R(ap), ir.Int(24))
	fn.Append(ir.OpVaStart, ir.R(ap))
	fn.Append(ir.OpMov, ir.R(s), ir.R(fn.Params[0]))
	for range 3 {
		v := fn.NewReg(ir.I64)
		fn.Append(ir.OpVaArg, ir.R(v), ir.R(ap), ir.Int(int64(ir.I64)))
		fn.Append(ir.OpAdd, ir.R(s), ir.R(s), ir.R(v))
	}
	fn.Append(ir.OpVaEnd, ir.R(ap))
	fn.Append(ir.OpRet, ir.R(s))

	f := publish(t, fn)
	if got := f.Call(1, 10, 20, 30); got != 61 {
		t.Fatalf("sum3(1, 10, 20, 30)=%d, want 61", got)
	}
}

func TestExecDoubleCompareUnordered(t *testing.T) {
	nan := math.NaN()
	ops := []struct {
		op ir.Op
		fn func(a, b float64) bool
	}{
		{ir.OpDEq, func(a, b float64) bool { return a == b }},
		{ir.OpDNe, func(a, b float64) bool { return a != b }},
		{ir.OpDLt, func(a, b float64) bool { return a < b }},
		{ir.OpDLe, func(a, b float64) bool { return a <= b }},
		{ir.OpDGt, func(a, b float64) bool { return a > b }},
		{ir.OpDGe, func(a, b float64) bool { return a >= b }},
	}
	inputs := [][2]float64{{nan, 1}, {1, nan}, {nan, nan}, {1, 2}, {2, 2}, {3, 2}}
	for _, o := range ops {
		t.Run(o.op.String(), func(t *testing.T) {
			fn := ir.NewFunc(nil, newProto("cmp", []ir.Type{ir.I64}, ir.P))
			a, b, d := fn.NewReg(ir.F64), fn.NewReg(ir.F64), fn.NewReg(ir.I64)
			fn.Append(ir.OpDMov, ir.R(a), ir.M(ir.F64, 0, fn.Params[0]))
			fn.Append(ir.OpDMov, ir.R(b), ir.M(ir.F64, 8, fn.Params[0]))
			fn.Append(o.op, ir.R(d), ir.R(a), ir.R(b))
			fn.Append(ir.OpRet, ir.R(d))

			f := publish(t, fn)
			for _, in := range inputs {
				want := uintptr(0)
				if o.fn(in[0], in[1]) {
					want = 1
				}
				got := f.Call(uintptr(unsafe.Pointer(&in)))
				runtime.KeepAlive(&in)
				if got != want {
					t.Fatalf("%s(%v, %v)=%d, want %d", o.op, in[0], in[1], got, want)
				}
			}
		})
	}
}

func TestExecExtendedThroughHelpers(t *testing.T) {
	fn := ir.NewFunc(nil, newProto("scale", []ir.Type{ir.I64}, ir.P, ir.U64))
	p, n := fn.Params[0], fn.Params[1]
	x, y, z := fn.NewReg(ir.LD), fn.NewReg(ir.LD), fn.NewReg(ir.LD)
	r := fn.NewReg(ir.I64)
	fn.Append(ir.OpUI2LD, ir.R(x), ir.R(n))
	fn.Append(ir.OpLDMov, ir.R(y), ir.M(ir.LD, 0, p))
	fn.Append(ir.OpLDMul, ir.R(z), ir.R(x), ir.R(y))
	fn.Append(ir.OpLDMov, ir.M(ir.LD, 16, p), ir.R(z))
	fn.Append(ir.OpLD2I, ir.R(r), ir.R(z))
	fn.Append(ir.OpRet, ir.R(r))

	f := publish(t, fn)
	tests := []struct {
		factor float64
		n      uint64
		want   int64
	}{
		{2.5, 6, 15},
		{-0.5, 9, -4},
		{0.25, 1 << 40, 1 << 38},
	}
	for _, tt := range tests {
		var buf [32]byte
		copy(buf[:], rt.Float80FromFloat64(tt.factor).Bytes())
		got := int64(f.Call(uintptr(unsafe.Pointer(&buf[0])), uintptr(tt.n)))
		runtime.KeepAlive(&buf)
		if got != tt.want {
			t.Fatalf("scale(%v, %d)=%d, want %d", tt.factor, tt.n, got, tt.want)
		}
		var stored rt.Float80
		copy(stored[:], buf[16:])
		if want := tt.factor * float64(tt.n); stored.Float64() != want {
			t.Fatalf("stored product=%v, want %v", stored.Float64(), want)
		}
	}
}

// pairAgg is struct { int64; float32 }: one integer and one SSE eightbyte.
var pairAgg = &ir.Agg{Size: 12, Fields: []ir.Field{{Offset: 0, Type: ir.I64}, {Offset: 8, Type: ir.F32}}}

func TestExecAggregateThroughCallback(t *testing.T) {
	blockProto := func(name string, results ...ir.Type) *ir.Proto {
		return &ir.Proto{Name: name, Results: results, Params: []ir.Param{{Name: "v", Type: ir.Block, Agg: pairAgg}}}
	}

	// bump returns the pair with the integer incremented and the float halved.
	g := ir.NewFunc(nil, blockProto("bump", ir.I64, ir.F32))
	n, h := g.NewReg(ir.I64), g.NewReg(ir.F32)
	g.Append(ir.OpMov, ir.R(n), ir.M(ir.I64, 0, g.Params[0]))
	g.Append(ir.OpAdd, ir.R(n), ir.R(n), ir.Int(1))
	g.Append(ir.OpFMov, ir.R(h), ir.M(ir.F32, 8, g.Params[0]))
	g.Append(ir.OpFMul, ir.R(h), ir.R(h), ir.Float(0.5))
	g.Append(ir.OpRet, ir.R(n), ir.R(h))
	bump := publish(t, g)

	var seen struct {
		n int64
		f float32
	}
	cb := purego.NewCallback(func(n int64, f float32) uintptr {
		seen.n, seen.f = n, f
		return uintptr(n*1000 + int64(f*10))
	})
	sink := blockProto("sink", ir.I64)

	fn := ir.NewFunc(nil, newProto("relay", []ir.Type{ir.I64}, ir.I64))
	x := fn.Params[0]
	in, out := fn.NewReg(ir.P), fn.NewReg(ir.P)
	fx, rn, rh, r := fn.NewReg(ir.F32), fn.NewReg(ir.I64), fn.NewReg(ir.F32), fn.NewReg(ir.I64)
	fn.Append(ir.OpAlloca, ir.R(in), ir.Int(16))
	fn.Append(ir.OpAlloca, ir.R(out), ir.Int(16))
	fn.Append(ir.OpMov, ir.M(ir.I64, 0, in), ir.R(x))
	fn.Append(ir.OpI2F, ir.R(fx), ir.R(x))
	fn.Append(ir.OpFMov, ir.M(ir.F32, 8, in), ir.R(fx))
	call := fn.Append(ir.OpCall, ir.RefOp(&ir.Ref{Name: "bump", Addr: bump.Entry()}), ir.R(rn), ir.R(rh), ir.BlockOp(in, pairAgg))
	fn.At(call).Proto = g.Proto
	fn.Append(ir.OpMov, ir.M(ir.I64, 0, out), ir.R(rn))
	fn.Append(ir.OpFMov, ir.M(ir.F32, 8, out), ir.R(rh))
	call = fn.Append(ir.OpCall, ir.RefOp(&ir.Ref{Name: "sink", Addr: cb}), ir.R(r), ir.BlockOp(out, pairAgg))
	fn.At(call).Proto = sink
	fn.Append(ir.OpRet, ir.R(r))

	f := publish(t, fn)
	tests := []struct {
		x    int64
		n    int64
		f    float32
		want int64
	}{
		{5, 6, 2.5, 6025},
		{-3, -2, -1.5, -2015},
	}
	for _, tt := range tests {
		got := int64(f.Call(uintptr(tt.x)))
		if seen.n != tt.n || seen.f != tt.f {
			t.Fatalf("relay(%d): callback saw {%d %v}, want {%d %v}", tt.x, seen.n, seen.f, tt.n, tt.f)
		}
		if got != tt.want {
			t.Fatalf("relay(%d)=%d, want %d", tt.x, got, tt.want)
		}
	}
}

func TestExecSpilledCompare(t *testing.T) {
	f := publish(t, spilledCompareFunc())
	mem := [4]int64{0, 0, 0, 7}
	base := uintptr(unsafe.Pointer(&mem[0]))
	for _, tt := range []struct{ a, want int64 }{{7, 829}, {8, 828}} {
		got := int64(f.Call(base, uintptr(tt.a)))
		runtime.KeepAlive(&mem)
		if got != tt.want {
			t.Fatalf("spilled(%d)=%d, want %d", tt.a, got, tt.want)
		}
	}
}
