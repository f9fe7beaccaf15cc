package amd64

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"testing"

	"gopkg.in/yaml.v3"

	"github.com/tinyrange/x64jit/internal/ir"
)

type abiCase struct {
	Name   string   `yaml:"name"`
	Conv   string   `yaml:"conv"`
	Params []string `yaml:"params"`
	Fixed  *int     `yaml:"fixed"`
	Want   []string `yaml:"want"`
	Stack  int      `yaml:"stack"`
}

// parseParam reads "i64" or "blk:16:i64@0,f64@8".
func parseParam(s string) (ir.Param, error) {
	if !strings.HasPrefix(s, "blk:") {
		t, err := ir.ParseType(s)
		return ir.Param{Type: t}, err
	}
	parts := strings.SplitN(s, ":", 3)
	if len(parts) != 3 {
		return ir.Param{}, fmt.Errorf("bad block %q", s)
	}
	size, err := strconv.Atoi(parts[1])
	if err != nil {
		return ir.Param{}, fmt.Errorf("bad block size in %q", s)
	}
	agg := &ir.Agg{Size: size}
	for _, f := range strings.Split(parts[2], ",") {
		name, off, ok := strings.Cut(f, "@")
		if !ok {
			return ir.Param{}, fmt.Errorf("bad field %q", f)
		}
		t, err := ir.ParseType(name)
		if err != nil {
			return ir.Param{}, err
		}
		o, err := strconv.Atoi(off)
		if err != nil {
			return ir.Param{}, fmt.Errorf("bad field offset %q", f)
		}
		agg.Fields = append(agg.Fields, ir.Field{Offset: o, Type: t})
	}
	return ir.Param{Type: ir.Block, Agg: agg}, nil
}

func loadABICases(t *testing.T) []abiCase {
	t.Helper()
	data, err := os.ReadFile("testdata/abi.yaml")
	if err != nil {
		t.Fatalf("read fixtures: %v", err)
	}
	var cases []abiCase
	if err := yaml.Unmarshal(data, &cases); err != nil {
		t.Fatalf("parse fixtures: %v", err)
	}
	if len(cases) == 0 {
		t.Fatalf("no fixtures in testdata/abi.yaml")
	}
	return cases
}

func TestAssignArgsFixtures(t *testing.T) {
	for _, tc := range loadABICases(t) {
		t.Run(tc.Name, func(t *testing.T) {
			conv, err := ConventionByName(tc.Conv)
			if err != nil {
				t.Fatalf("ConventionByName: %v", err)
			}
			var params []ir.Param
			for _, s := range tc.Params {
				p, err := parseParam(s)
				if err != nil {
					t.Fatalf("param %q: %v", s, err)
				}
				params = append(params, p)
			}
			fixed := len(params)
			if tc.Fixed != nil {
				fixed = *tc.Fixed
			}

			got, err := conv.AssignArgs(params, fixed)
			if err != nil {
				t.Fatalf("AssignArgs: %v", err)
			}
			if len(got.Args) != len(tc.Want) {
				t.Fatalf("got %d locations, want %d", len(got.Args), len(tc.Want))
			}
			for i, loc := range got.Args {
				if loc.String() != tc.Want[i] {
					t.Fatalf("arg %d (%s)=%s, want %s", i, tc.Params[i], loc, tc.Want[i])
				}
			}
			if got.StackSize != tc.Stack {
				t.Fatalf("StackSize=%d, want %d", got.StackSize, tc.Stack)
			}
		})
	}
}

func TestAssignArgsEightbyteTypes(t *testing.T) {
	p, err := parseParam("blk:12:f32@0,f32@4,i32@8")
	if err != nil {
		t.Fatal(err)
	}
	got, err := SysV.AssignArgs([]ir.Param{p}, 1)
	if err != nil {
		t.Fatalf("AssignArgs: %v", err)
	}
	loc := got.Args[0]
	if loc.String() != "reg:xmm0,rdi" {
		t.Fatalf("loc=%s, want reg:xmm0,rdi", loc)
	}
	if len(loc.Types) != 2 || loc.Types[0] != ir.F64 || loc.Types[1] != ir.I64 {
		t.Fatalf("Types=%v, want [f64 i64]", loc.Types)
	}
	if got.IntRegs != 1 || got.FloatRegs != 1 {
		t.Fatalf("IntRegs=%d FloatRegs=%d, want 1 1", got.IntRegs, got.FloatRegs)
	}
}

func TestAssignArgsErrors(t *testing.T) {
	blk := []ir.Param{{Type: ir.Block}}
	for _, c := range []*Convention{SysV, Win64} {
		if _, err := c.AssignArgs(blk, 1); !errors.Is(err, ErrUnsupported) {
			t.Fatalf("%s: block without layout err=%v, want ErrUnsupported", c, err)
		}
	}
}

func TestAssignResults(t *testing.T) {
	tests := []struct {
		name    string
		conv    *Convention
		results []ir.Type
		want    []ir.Reg
		err     bool
	}{
		{"sysv_pair", SysV, []ir.Type{ir.I64, ir.I64}, []ir.Reg{RAX, RDX}, false},
		{"sysv_mixed", SysV, []ir.Type{ir.F64, ir.I32}, []ir.Reg{XMM0, RAX}, false},
		{"sysv_long_double", SysV, []ir.Type{ir.LD}, []ir.Reg{ST0}, false},
		{"sysv_none", SysV, nil, nil, false},
		{"sysv_three_ints", SysV, []ir.Type{ir.I64, ir.I64, ir.I64}, nil, true},
		{"sysv_too_many", SysV, []ir.Type{ir.F64, ir.F64, ir.I64, ir.I64, ir.LD, ir.LD, ir.I64}, nil, true},
		{"sysv_block", SysV, []ir.Type{ir.Block}, nil, true},
		{"win64_single", Win64, []ir.Type{ir.P}, []ir.Reg{RAX}, false},
		{"win64_long_double", Win64, []ir.Type{ir.LD}, []ir.Reg{XMM0}, false},
		{"win64_two", Win64, []ir.Type{ir.I64, ir.I64}, nil, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := tt.conv.AssignResults(tt.results)
			if tt.err {
				if !errors.Is(err, ErrUnsupported) {
					t.Fatalf("err=%v, want ErrUnsupported", err)
				}
				return
			}
			if err != nil {
				t.Fatalf("AssignResults: %v", err)
			}
			if len(got) != len(tt.want) {
				t.Fatalf("got %v, want %v", got, tt.want)
			}
			for i := range got {
				if got[i] != tt.want[i] {
					t.Fatalf("result %d=%s, want %s", i, RegName(got[i]), RegName(tt.want[i]))
				}
			}
		})
	}
}

func TestBlockClasses(t *testing.T) {
	tests := []struct {
		layout string
		sse    uint8
		memory bool
	}{
		{"blk:16:i64@0,f64@8", 2, false},
		{"blk:16:f64@0,f64@8", 3, false},
		{"blk:8:f32@0,f32@4", 1, false},
		{"blk:8:f32@0,i32@4", 0, false},
		{"blk:24:i64@0,i64@8,i64@16", 0, true},
		{"blk:16:ld@0", 0, true},
		{"blk:8:i32@2", 0, true},
	}
	for _, tt := range tests {
		p, err := parseParam(tt.layout)
		if err != nil {
			t.Fatal(err)
		}
		sse, memory := BlockClasses(p.Agg)
		if sse != tt.sse || memory != tt.memory {
			t.Fatalf("BlockClasses(%s)=%b,%v, want %b,%v", tt.layout, sse, memory, tt.sse, tt.memory)
		}
	}
	if _, memory := BlockClasses(nil); !memory {
		t.Fatalf("BlockClasses(nil) not in memory")
	}
}

func TestConventionByName(t *testing.T) {
	for name, want := range map[string]*Convention{
		"sysv":  SysV,
		"win64": Win64,
		"host":  HostConvention(),
		"":      HostConvention(),
	} {
		got, err := ConventionByName(name)
		if err != nil {
			t.Fatalf("ConventionByName(%q): %v", name, err)
		}
		if got != want {
			t.Fatalf("ConventionByName(%q)=%s, want %s", name, got, want)
		}
	}
	if _, err := ConventionByName("aapcs"); err == nil {
		t.Fatalf("ConventionByName accepted an unknown convention")
	}
}

func TestCallerSaved(t *testing.T) {
	sysv, win := SysV.CallerSaved(), Win64.CallerSaved()
	for _, r := range []ir.Reg{RAX, RCX, RDX, RSI, RDI, R8, R9, R10, R11, XMM0, XMM6, XMM15} {
		if !sysv.Has(r) {
			t.Fatalf("sysv: %s not caller-saved", RegName(r))
		}
	}
	for _, r := range []ir.Reg{RBX, RBP, RSP, R12, R15} {
		if sysv.Has(r) {
			t.Fatalf("sysv: %s caller-saved", RegName(r))
		}
	}
	for _, r := range []ir.Reg{RSI, RDI, XMM6, XMM15} {
		if win.Has(r) {
			t.Fatalf("win64: %s caller-saved", RegName(r))
		}
	}
	if !win.Has(XMM5) || !win.Has(R11) {
		t.Fatalf("win64: volatile registers missing from %#x", uint64(win))
	}
}
