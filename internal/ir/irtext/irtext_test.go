package irtext

import (
	"strings"
	"testing"

	"github.com/tinyrange/x64jit/internal/ir"
)

func mustParse(t *testing.T, src string) *File {
	t.Helper()
	f, err := Parse([]byte(src))
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	return f
}

func TestParseFixture(t *testing.T) {
	f, err := ParseFile("testdata/basic.yaml")
	if err != nil {
		t.Fatalf("ParseFile: %v", err)
	}
	if len(f.Funcs) != 9 || len(f.Module.Funcs) != 9 {
		t.Fatalf("got %d functions (%d in module), want 9", len(f.Funcs), len(f.Module.Funcs))
	}
	if imp := f.Module.Imports()["puts"]; imp == nil || len(imp.Proto.Params) != 1 {
		t.Fatalf("puts import missing: %+v", imp)
	}

	sum := f.Func("sum")
	if sum == nil {
		t.Fatalf("sum not found")
	}
	var ops []ir.Op
	for id := sum.First(); id != ir.NoInsn; id = sum.Next(id) {
		ops = append(ops, sum.At(id).Op)
	}
	want := []ir.Op{ir.OpMov, ir.OpMov, ir.OpLabel, ir.OpBGt, ir.OpAdd, ir.OpAdd, ir.OpJmp, ir.OpLabel, ir.OpRet}
	if len(ops) != len(want) {
		t.Fatalf("sum ops=%v, want %v", ops, want)
	}
	for i := range ops {
		if ops[i] != want[i] {
			t.Fatalf("sum op %d=%s, want %s", i, ops[i], want[i])
		}
	}

	greet := f.Func("greet")
	var calls []*ir.Insn
	for id := greet.First(); id != ir.NoInsn; id = greet.Next(id) {
		if in := greet.At(id); in.Op == ir.OpCall {
			calls = append(calls, in)
		}
	}
	if len(calls) != 2 {
		t.Fatalf("greet has %d calls, want 2", len(calls))
	}
	if calls[0].Proto == nil || calls[0].Proto.Name != "puts" || calls[0].Ops[1].Kind != ir.KindNone {
		t.Fatalf("puts call=%s proto=%v", calls[0], calls[0].Proto)
	}
	if calls[1].Proto != f.Func("triple").Proto {
		t.Fatalf("triple call does not carry the callee prototype")
	}

	first := f.Func("first")
	if p := first.Proto.Params[0]; p.Type != ir.Block || p.Agg != f.Aggregates["pair"] {
		t.Fatalf("first param=%+v, want pair block", p)
	}
}

func TestParseOperands(t *testing.T) {
	f := mustParse(t, `
format: v1
aggregates:
  pair: {size: 16, fields: [i64@0, f64@8]}
functions:
  - proto: "f(p: p, i: i64)"
    regs: {x: i64}
    body:
      - mov %x, 0x10
      - mov %x, 7u
      - mov %x, -3
      - mov %x, i32:-8(%p)
      - mov %x, u8:(%p,%i,4)
      - fmov %x, 1.5f
      - dmov %x, 2.5
      - ldmov %x, 0.5L
      - mov pair:16(%p), pair:(%i)
      - laddr %x, .l
      - label .l
      - ret
`)
	fn := f.Funcs[0]
	p, i := fn.Params[0], fn.Params[1]
	var got []ir.Operand
	for id := fn.First(); id != ir.NoInsn; id = fn.Next(id) {
		in := fn.At(id)
		if len(in.Ops) >= 2 {
			got = append(got, in.Ops[1])
		}
	}
	want := []ir.Operand{
		ir.Int(16),
		ir.Uint(7),
		ir.Int(-3),
		ir.M(ir.I32, -8, p),
		ir.MI(ir.U8, 0, p, i, 4),
		ir.Float(1.5),
		ir.Double(2.5),
		ir.LDouble(0.5),
		ir.BlockOp(i, f.Aggregates["pair"]),
		ir.LabelOp(1),
	}
	if len(got) != len(want) {
		t.Fatalf("got %d operands, want %d", len(got), len(want))
	}
	for k := range want {
		if !got[k].Equal(want[k]) {
			t.Fatalf("operand %d=%s, want %s", k, got[k], want[k])
		}
	}

	// The block store keeps its displacement and layout.
	var blk *ir.Insn
	for id := fn.First(); id != ir.NoInsn; id = fn.Next(id) {
		if in := fn.At(id); in.Op == ir.OpMov && in.Ops[0].Mem.Type == ir.Block {
			blk = in
		}
	}
	if blk == nil || blk.Ops[0].Mem.Disp != 16 || blk.Ops[0].Agg == nil || blk.Ops[0].Agg.Size != 16 {
		t.Fatalf("block store=%v", blk)
	}
}

func TestParseProto(t *testing.T) {
	aggs := map[string]*ir.Agg{"pair": {Size: 16, Fields: []ir.Field{{Offset: 0, Type: ir.I64}, {Offset: 8, Type: ir.F64}}}}
	tests := []struct {
		src  string
		want string
	}{
		{"f()", "f()"},
		{"f(i64, f64) -> i64", "f(i64, f64) -> i64"},
		{"printf(fmt: p, ...) -> i32", "printf(p, ...) -> i32"},
		{"g(...)", "g(...)"},
		{"h(x: pair) -> i64 i64", "h(blk:16) -> i64 i64"},
		{"  spaced ( a : u8 )  ->  ld ", "spaced(u8) -> ld"},
	}
	for _, tt := range tests {
		p, err := ParseProto(tt.src, aggs)
		if err != nil {
			t.Fatalf("ParseProto(%q): %v", tt.src, err)
		}
		if p.String() != tt.want {
			t.Fatalf("ParseProto(%q)=%q, want %q", tt.src, p.String(), tt.want)
		}
	}

	for _, bad := range []string{"f", "(i64)", "f(..., i64)", "f(blk)", "f(x: nosuch)", "f() i64", "f() -> blk"} {
		if _, err := ParseProto(bad, aggs); err == nil {
			t.Fatalf("ParseProto(%q) succeeded", bad)
		}
	}
}

func TestCheckFormat(t *testing.T) {
	for _, ok := range []string{"v1", "1.0.0", "v1.0.0", "v1.0"} {
		if err := CheckFormat(ok); err != nil {
			t.Fatalf("CheckFormat(%q): %v", ok, err)
		}
	}
	for _, bad := range []string{"", "v2.0.0", "v1.1.0", "one", "v0.9.0"} {
		if err := CheckFormat(bad); err == nil {
			t.Fatalf("CheckFormat(%q) succeeded", bad)
		}
	}
}

func TestParseErrors(t *testing.T) {
	tests := []struct {
		name string
		src  string
		msg  string
	}{
		{"empty", ``, "empty file"},
		{"no_format", "functions: []\n", "missing format"},
		{"unknown_key", "format: v1\nextra: 1\n", "extra"},
		{"bad_field", "format: v1\naggregates:\n  a: {size: 4, fields: [i64@0]}\n", "outside"},
		{"unknown_op", "format: v1\nfunctions:\n  - proto: \"f()\"\n    body: [frob]\n", "unknown opcode"},
		{"arity", "format: v1\nfunctions:\n  - proto: \"f(a: i64)\"\n    body: [\"add %a, %a\"]\n", "takes 3 operands"},
		{"undeclared_reg", "format: v1\nfunctions:\n  - proto: \"f()\"\n    body: [\"mov %x, 1\"]\n", "undeclared register"},
		{"undefined_label", "format: v1\nfunctions:\n  - proto: \"f()\"\n    body: [jmp .nowhere]\n", "never defined"},
		{"duplicate_label", "format: v1\nfunctions:\n  - proto: \"f()\"\n    body: [label .a, label .a]\n", "defined twice"},
		{"unknown_callee", "format: v1\nfunctions:\n  - proto: \"f()\"\n    body: [call @g]\n", "undeclared function"},
		{"bad_scale", "format: v1\nfunctions:\n  - proto: \"f(p: p)\"\n    regs: {x: i64}\n    body: [\"mov %x, i64:(%p,%p,3)\"]\n", "scale"},
		{"shadow", "format: v1\nfunctions:\n  - proto: \"f(x: i64)\"\n    regs: {x: i64}\n    body: [ret]\n", "shadows"},
		{"duplicate_func", "format: v1\nfunctions:\n  - proto: \"f()\"\n  - proto: \"f()\"\n", "declared twice"},
		{"bad_imm", "format: v1\nfunctions:\n  - proto: \"f()\"\n    regs: {x: i64}\n    body: [\"mov %x, 1.5q\"]\n", "bad operand"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Parse([]byte(tt.src))
			if err == nil {
				t.Fatalf("Parse succeeded")
			}
			if !strings.Contains(err.Error(), tt.msg) {
				t.Fatalf("err=%v, want it to mention %q", err, tt.msg)
			}
		})
	}
}

func TestSplitOperands(t *testing.T) {
	tests := []struct {
		in   string
		want []string
	}{
		{"", nil},
		{"%a", []string{"%a"}},
		{"%a, i64:8(%b,%c,8), 3", []string{"%a", "i64:8(%b,%c,8)", "3"}},
	}
	for _, tt := range tests {
		got := splitOperands(tt.in)
		if strings.Join(got, "|") != strings.Join(tt.want, "|") || len(got) != len(tt.want) {
			t.Fatalf("splitOperands(%q)=%q, want %q", tt.in, got, tt.want)
		}
	}
}
