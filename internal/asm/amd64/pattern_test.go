package amd64

import (
	"errors"
	"testing"

	"github.com/tinyrange/x64jit/internal/ir"
)

func TestPatternTableBuilds(t *testing.T) {
	for _, op := range []ir.Op{
		ir.OpMov, ir.OpAdd, ir.OpSubS, ir.OpMul, ir.OpDiv, ir.OpLSh, ir.OpEq, ir.OpBEq,
		ir.OpDAdd, ir.OpFMov, ir.OpLDAdd, ir.OpLDBGt, ir.OpJmp, ir.OpSwitch, ir.OpCall, ir.OpRet,
		OpMovQ, OpLea, OpPush, OpXStore,
	} {
		pats := Patterns(op)
		if len(pats) == 0 {
			t.Fatalf("no patterns for %s", op)
		}
		for i := range pats {
			if pats[i].Op != op {
				t.Fatalf("Patterns(%s)[%d] is for %s", op, i, pats[i].Op)
			}
			if pats[i].MaxSize <= 0 {
				t.Fatalf("%s has MaxSize %d", &pats[i], pats[i].MaxSize)
			}
		}
	}
	if pats := Patterns(ir.OpAlloca); len(pats) != 0 {
		t.Fatalf("alloca has %d patterns, want none after legalization", len(pats))
	}
}

func TestSelectPreference(t *testing.T) {
	tests := []struct {
		name  string
		op    ir.Op
		ops   []ir.Operand
		shape string
	}{
		{"zero_extending_imm", ir.OpMov, []ir.Operand{ir.R(RAX), ir.Int(7)}, "r u32"},
		{"sign_extending_imm", ir.OpMov, []ir.Operand{ir.R(RAX), ir.Int(-7)}, "r i32"},
		{"wide_imm", ir.OpMov, []ir.Operand{ir.R(RAX), ir.Uint(1 << 63)}, "r i64"},
		{"imm8_before_imm32", ir.OpAdd, []ir.Operand{ir.R(RCX), ir.R(RCX), ir.Int(127)}, "r =0 i8"},
		{"imm32", ir.OpAdd, []ir.Operand{ir.R(RCX), ir.R(RCX), ir.Int(128)}, "r =0 i32"},
		{"shift_by_cl", ir.OpRSh, []ir.Operand{ir.R(RAX), ir.R(RAX), ir.R(RCX)}, "r =0 hrcx"},
		{"call_ref", ir.OpCall, []ir.Operand{ir.RefOp(&ir.Ref{Name: "f"})}, "x"},
		{"call_reg", ir.OpCall, []ir.Operand{ir.R(RAX)}, "r"},
		{"double_const", ir.OpDMov, []ir.Operand{ir.R(XMM0), ir.Double(0)}, "f cd"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p, err := Select(tt.op, tt.ops, nil)
			if err != nil {
				t.Fatalf("Select: %v", err)
			}
			if p.Shape != tt.shape {
				t.Fatalf("shape=%q, want %q", p.Shape, tt.shape)
			}
		})
	}
}

func TestShortBranchNeedsReach(t *testing.T) {
	ops := []ir.Operand{ir.LabelOp(3), ir.R(RAX), ir.R(RCX)}

	p, err := Select(ir.OpBLt, ops, nil)
	if err != nil {
		t.Fatalf("Select: %v", err)
	}
	if p.Shape != "l32 r r" {
		t.Fatalf("shape without reach=%q, want l32 r r", p.Shape)
	}

	var asked ir.Label
	var askedSize int
	p, err = Select(ir.OpBLt, ops, func(l ir.Label, maxSize int) bool {
		asked, askedSize = l, maxSize
		return true
	})
	if err != nil {
		t.Fatalf("Select: %v", err)
	}
	if p.Shape != "l8 r r" {
		t.Fatalf("shape with reach=%q, want l8 r r", p.Shape)
	}
	if asked != 3 || askedSize != p.MaxSize {
		t.Fatalf("reach asked for L%d size %d, want L3 size %d", asked, askedSize, p.MaxSize)
	}

	p, err = Select(ir.OpBLt, ops, func(ir.Label, int) bool { return false })
	if err != nil {
		t.Fatalf("Select: %v", err)
	}
	if p.Shape != "l32 r r" {
		t.Fatalf("shape when out of reach=%q, want l32 r r", p.Shape)
	}
}

func TestSelectNoPattern(t *testing.T) {
	_, err := Select(ir.OpDAdd, []ir.Operand{ir.R(XMM0), ir.R(XMM1), ir.R(XMM2)}, nil)
	if !errors.Is(err, ErrNoPattern) {
		t.Fatalf("err=%v, want ErrNoPattern", err)
	}
}

func TestParseTemplateErrors(t *testing.T) {
	for _, tmpl := range []string{"+r0", "0F ZZ", "123"} {
		if _, err := parseTemplate(tmpl); err == nil {
			t.Fatalf("parseTemplate(%q) succeeded", tmpl)
		}
	}
	for _, shape := range []string{"q", "hfoo", "=x"} {
		if _, err := parseShape(shape); err == nil {
			t.Fatalf("parseShape(%q) succeeded", shape)
		}
	}
}
