// Package irtext reads IR functions from YAML files.
//
// A file declares aggregate layouts, imported functions and function bodies:
//
//	format: v1
//	aggregates:
//	  pair: {size: 16, fields: [i64@0, f64@8]}
//	imports:
//	  - "puts(s: p) -> i32"
//	functions:
//	  - proto: "sum(n: i64) -> i64"
//	    regs: {acc: i64, i: i64}
//	    body:
//	      - mov %acc, 0
//	      - label .top
//	      - bgt .done, %i, %n
//	      - ...
//
// A line of the form ".name:" also defines a label; YAML needs it quoted.
//
// Operands are %reg, .label, @function, _ (discarded result), integers
// (5, -1, 0x10, 7u), floating constants (1.5, 1.5f, 1.5L) and memory
// references type:disp(%base[,%index,scale]). An aggregate name in place of
// the type makes a block operand. Calls name their callee first, then the
// result registers, then the arguments.
package irtext

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"maps"
	"os"
	"slices"
	"strconv"
	"strings"

	"golang.org/x/mod/semver"
	"gopkg.in/yaml.v3"

	"github.com/tinyrange/x64jit/internal/ir"
)

// FormatVersion is the newest file format this package reads. Files from an
// older minor version of the same major version are accepted.
const FormatVersion = "v1.0.0"

type fileYAML struct {
	Format     string             `yaml:"format"`
	Aggregates map[string]aggYAML `yaml:"aggregates"`
	Imports    []string           `yaml:"imports"`
	Functions  []funcYAML         `yaml:"functions"`
}

type aggYAML struct {
	Size   int      `yaml:"size"`
	Fields []string `yaml:"fields"`
}

type funcYAML struct {
	Proto string            `yaml:"proto"`
	Regs  map[string]string `yaml:"regs"`
	Body  []string          `yaml:"body"`
}

// File is a parsed IR file.
type File struct {
	Format string
	Module *ir.Module
	// Funcs lists the functions in file order. They are also in Module.Funcs.
	Funcs []*ir.Func
	// Aggregates holds the named layouts.
	Aggregates map[string]*ir.Agg
}

// Func returns the function with the given name, or nil.
func (f *File) Func(name string) *ir.Func {
	for _, fn := range f.Funcs {
		if fn.Name == name {
			return fn
		}
	}
	return nil
}

// CheckFormat reports whether files of version v can be read.
func CheckFormat(v string) error {
	if v == "" {
		return errors.New("missing format version")
	}
	if !strings.HasPrefix(v, "v") {
		v = "v" + v
	}
	if !semver.IsValid(v) {
		return fmt.Errorf("invalid format version %q", v)
	}
	if semver.Major(v) != semver.Major(FormatVersion) || semver.Compare(v, FormatVersion) > 0 {
		return fmt.Errorf("format %s is not supported (reader is %s)", v, FormatVersion)
	}
	return nil
}

// ParseFile reads an IR file from disk.
func ParseFile(path string) (*File, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	f, err := Parse(data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return f, nil
}

// Parse decodes an IR file.
func Parse(data []byte) (*File, error) {
	var raw fileYAML
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&raw); err != nil {
		if err == io.EOF {
			return nil, errors.New("empty file")
		}
		return nil, fmt.Errorf("decode: %w", err)
	}
	if err := CheckFormat(raw.Format); err != nil {
		return nil, err
	}

	out := &File{
		Format:     raw.Format,
		Module:     ir.NewModule(),
		Aggregates: make(map[string]*ir.Agg),
	}
	for _, name := range slices.Sorted(maps.Keys(raw.Aggregates)) {
		agg, err := parseAgg(raw.Aggregates[name])
		if err != nil {
			return nil, fmt.Errorf("aggregate %s: %w", name, err)
		}
		out.Aggregates[name] = agg
	}

	callees := make(map[string]callee)
	for _, s := range raw.Imports {
		proto, err := ParseProto(s, out.Aggregates)
		if err != nil {
			return nil, fmt.Errorf("import %q: %w", s, err)
		}
		if _, dup := callees[proto.Name]; dup {
			return nil, fmt.Errorf("import %s declared twice", proto.Name)
		}
		callees[proto.Name] = callee{ref: out.Module.Import(proto.Name, proto), proto: proto}
	}

	protos := make([]*ir.Proto, len(raw.Functions))
	for i, fy := range raw.Functions {
		proto, err := ParseProto(fy.Proto, out.Aggregates)
		if err != nil {
			return nil, fmt.Errorf("function %d: %w", i, err)
		}
		if _, dup := callees[proto.Name]; dup {
			return nil, fmt.Errorf("function %s declared twice", proto.Name)
		}
		protos[i] = proto
		callees[proto.Name] = callee{ref: &ir.Ref{Name: proto.Name}, proto: proto}
	}

	for i, fy := range raw.Functions {
		fn := ir.NewFunc(out.Module, protos[i])
		p := &funcParser{
			fn:      fn,
			aggs:    out.Aggregates,
			callees: callees,
			regs:    make(map[string]ir.Reg),
			labels:  make(map[string]ir.Label),
			defined: make(map[ir.Label]bool),
		}
		if err := p.parse(fy); err != nil {
			return nil, fmt.Errorf("function %s: %w", fn.Name, err)
		}
		out.Funcs = append(out.Funcs, fn)
	}
	return out, nil
}

func parseAgg(a aggYAML) (*ir.Agg, error) {
	if a.Size <= 0 {
		return nil, fmt.Errorf("size %d", a.Size)
	}
	agg := &ir.Agg{Size: a.Size}
	for _, f := range a.Fields {
		name, off, ok := strings.Cut(f, "@")
		if !ok {
			return nil, fmt.Errorf("field %q: want type@offset", f)
		}
		t, err := ir.ParseType(strings.TrimSpace(name))
		if err != nil {
			return nil, err
		}
		if t == ir.Block || t == ir.Undef {
			return nil, fmt.Errorf("field %q: %s is not a scalar", f, t)
		}
		o, err := strconv.Atoi(strings.TrimSpace(off))
		if err != nil {
			return nil, fmt.Errorf("field %q: bad offset", f)
		}
		if o < 0 || o+t.Size() > a.Size {
			return nil, fmt.Errorf("field %q outside %d bytes", f, a.Size)
		}
		agg.Fields = append(agg.Fields, ir.Field{Offset: o, Type: t})
	}
	return agg, nil
}

// ParseProto reads a signature such as "f(a: i64, p: pair, ...) -> i64".
// Parameter names are optional; aggs resolves aggregate parameter types.
func ParseProto(s string, aggs map[string]*ir.Agg) (*ir.Proto, error) {
	s = strings.TrimSpace(s)
	open := strings.IndexByte(s, '(')
	end := strings.LastIndexByte(s, ')')
	if open <= 0 || end < open {
		return nil, fmt.Errorf("bad prototype %q", s)
	}
	proto := &ir.Proto{Name: strings.TrimSpace(s[:open])}
	if inner := strings.TrimSpace(s[open+1 : end]); inner != "" {
		fields := strings.Split(inner, ",")
		for i, f := range fields {
			f = strings.TrimSpace(f)
			if f == "..." {
				if i != len(fields)-1 {
					return nil, fmt.Errorf("%s: ... must come last", proto.Name)
				}
				proto.Variadic = true
				continue
			}
			name, typ, ok := strings.Cut(f, ":")
			if !ok {
				name, typ = "", f
			}
			param, err := paramType(strings.TrimSpace(typ), aggs)
			if err != nil {
				return nil, fmt.Errorf("%s: parameter %d: %w", proto.Name, i, err)
			}
			param.Name = strings.TrimSpace(name)
			proto.Params = append(proto.Params, param)
		}
	}
	if rest := strings.TrimSpace(s[end+1:]); rest != "" {
		results, ok := strings.CutPrefix(rest, "->")
		if !ok {
			return nil, fmt.Errorf("%s: unexpected %q after parameters", proto.Name, rest)
		}
		for _, f := range strings.Fields(results) {
			t, err := ir.ParseType(f)
			if err != nil {
				return nil, fmt.Errorf("%s: result: %w", proto.Name, err)
			}
			if t == ir.Block || t == ir.Undef {
				return nil, fmt.Errorf("%s: %s result", proto.Name, t)
			}
			proto.Results = append(proto.Results, t)
		}
	}
	return proto, nil
}

func paramType(s string, aggs map[string]*ir.Agg) (ir.Param, error) {
	if agg, ok := aggs[s]; ok {
		return ir.Param{Type: ir.Block, Agg: agg}, nil
	}
	t, err := ir.ParseType(s)
	if err != nil {
		return ir.Param{}, err
	}
	if t == ir.Block || t == ir.Undef {
		return ir.Param{}, fmt.Errorf("%s needs a layout", t)
	}
	return ir.Param{Type: t}, nil
}

type callee struct {
	ref   *ir.Ref
	proto *ir.Proto
}

type funcParser struct {
	fn      *ir.Func
	aggs    map[string]*ir.Agg
	callees map[string]callee
	regs    map[string]ir.Reg
	labels  map[string]ir.Label
	defined map[ir.Label]bool
}

func (p *funcParser) parse(fy funcYAML) error {
	for i, param := range p.fn.Proto.Params {
		if param.Name == "" {
			continue
		}
		if _, dup := p.regs[param.Name]; dup {
			return fmt.Errorf("parameter %s declared twice", param.Name)
		}
		p.regs[param.Name] = p.fn.Params[i]
	}
	for _, name := range slices.Sorted(maps.Keys(fy.Regs)) {
		if _, dup := p.regs[name]; dup {
			return fmt.Errorf("register %s shadows a parameter", name)
		}
		t, err := ir.ParseType(fy.Regs[name])
		if err != nil {
			return fmt.Errorf("register %s: %w", name, err)
		}
		if t == ir.Block || t == ir.Undef {
			return fmt.Errorf("register %s: %s values live in memory", name, t)
		}
		p.regs[name] = p.fn.NewReg(t)
	}

	for i, line := range fy.Body {
		if err := p.insn(strings.TrimSpace(line)); err != nil {
			return fmt.Errorf("line %d %q: %w", i+1, line, err)
		}
	}
	for name, l := range p.labels {
		if !p.defined[l] {
			return fmt.Errorf("label .%s is never defined", name)
		}
	}
	return nil
}

func (p *funcParser) insn(line string) error {
	if name, ok := strings.CutSuffix(line, ":"); ok && strings.HasPrefix(name, ".") {
		return p.define(p.label(name[1:]))
	}
	mnemonic, rest, _ := strings.Cut(line, " ")
	op, ok := ir.ParseOp(mnemonic)
	if !ok {
		return fmt.Errorf("unknown opcode %q", mnemonic)
	}
	var ops []ir.Operand
	for _, s := range splitOperands(rest) {
		o, err := p.operand(s)
		if err != nil {
			return err
		}
		ops = append(ops, o)
	}
	if n := op.Info().NOps; n >= 0 && len(ops) != n {
		return fmt.Errorf("%s takes %d operands, got %d", op, n, len(ops))
	}

	var proto *ir.Proto
	switch op {
	case ir.OpLabel:
		if ops[0].Kind != ir.KindLabel {
			return errors.New("label needs a label operand")
		}
		return p.define(ops[0].Label)
	case ir.OpCall:
		if len(ops) == 0 || ops[0].Kind != ir.KindRef {
			return errors.New("call needs a @function target")
		}
		proto = p.callees[ops[0].Ref.Name].proto
	}
	id := p.fn.Append(op, ops...)
	p.fn.At(id).Proto = proto
	return nil
}

func (p *funcParser) define(l ir.Label) error {
	if p.defined[l] {
		return fmt.Errorf("label L%d defined twice", l)
	}
	p.defined[l] = true
	p.fn.Append(ir.OpLabel, ir.LabelOp(l))
	return nil
}

func (p *funcParser) label(name string) ir.Label {
	l, ok := p.labels[name]
	if !ok {
		l = p.fn.NewLabel()
		p.labels[name] = l
	}
	return l
}

func (p *funcParser) reg(s string) (ir.Reg, error) {
	name, ok := strings.CutPrefix(strings.TrimSpace(s), "%")
	if !ok {
		return ir.NoReg, fmt.Errorf("%q is not a register", s)
	}
	r, ok := p.regs[name]
	if !ok {
		return ir.NoReg, fmt.Errorf("undeclared register %%%s", name)
	}
	return r, nil
}

// splitOperands splits on commas outside parentheses.
func splitOperands(s string) []string {
	var out []string
	depth, start := 0, 0
	for i := 0; i < len(s); i++ {
		switch s[i] {
		case '(':
			depth++
		case ')':
			depth--
		case ',':
			if depth == 0 {
				out = append(out, strings.TrimSpace(s[start:i]))
				start = i + 1
			}
		}
	}
	if last := strings.TrimSpace(s[start:]); last != "" || len(out) > 0 {
		out = append(out, last)
	}
	return out
}

func (p *funcParser) operand(s string) (ir.Operand, error) {
	switch {
	case s == "":
		return ir.Operand{}, errors.New("empty operand")
	case s == "_":
		return ir.Operand{}, nil
	case s[0] == '%':
		r, err := p.reg(s)
		return ir.R(r), err
	case s[0] == '.':
		return ir.LabelOp(p.label(s[1:])), nil
	case s[0] == '@':
		c, ok := p.callees[s[1:]]
		if !ok {
			return ir.Operand{}, fmt.Errorf("undeclared function %s", s)
		}
		return ir.RefOp(c.ref), nil
	case strings.HasSuffix(s, ")"):
		return p.memory(s)
	}
	return immediate(s)
}

func (p *funcParser) memory(s string) (ir.Operand, error) {
	open := strings.IndexByte(s, '(')
	if open < 0 {
		return ir.Operand{}, fmt.Errorf("bad memory operand %q", s)
	}
	typ, disp, _ := strings.Cut(s[:open], ":")
	m := ir.Mem{Scale: 1}
	if disp != "" {
		v, err := strconv.ParseInt(disp, 0, 32)
		if err != nil {
			return ir.Operand{}, fmt.Errorf("%q: bad displacement", s)
		}
		m.Disp = v
	}
	parts := strings.Split(s[open+1:len(s)-1], ",")
	if len(parts) != 1 && len(parts) != 3 {
		return ir.Operand{}, fmt.Errorf("%q: want (base) or (base,index,scale)", s)
	}
	if strings.TrimSpace(parts[0]) != "" {
		r, err := p.reg(parts[0])
		if err != nil {
			return ir.Operand{}, err
		}
		m.Base = r
	}
	if len(parts) == 3 {
		r, err := p.reg(parts[1])
		if err != nil {
			return ir.Operand{}, err
		}
		scale, err := strconv.Atoi(strings.TrimSpace(parts[2]))
		if err != nil || (scale != 1 && scale != 2 && scale != 4 && scale != 8) {
			return ir.Operand{}, fmt.Errorf("%q: scale must be 1, 2, 4 or 8", s)
		}
		m.Index, m.Scale = r, uint8(scale)
	}

	if agg, ok := p.aggs[typ]; ok {
		o := ir.BlockOp(m.Base, agg)
		o.Mem.Disp, o.Mem.Index, o.Mem.Scale = m.Disp, m.Index, m.Scale
		return o, nil
	}
	t, err := ir.ParseType(typ)
	if err != nil {
		return ir.Operand{}, fmt.Errorf("%q: %w", s, err)
	}
	if t == ir.Block || t == ir.Undef {
		return ir.Operand{}, fmt.Errorf("%q: %s memory needs an aggregate name", s, t)
	}
	m.Type = t
	return ir.MemOp(m), nil
}

func immediate(s string) (ir.Operand, error) {
	if v, err := strconv.ParseInt(s, 0, 64); err == nil {
		return ir.Int(v), nil
	}
	if u, ok := strings.CutSuffix(s, "u"); ok {
		v, err := strconv.ParseUint(u, 0, 64)
		if err != nil {
			return ir.Operand{}, fmt.Errorf("bad unsigned constant %q", s)
		}
		return ir.Uint(v), nil
	}
	if f, ok := strings.CutSuffix(s, "f"); ok {
		v, err := strconv.ParseFloat(f, 32)
		if err != nil {
			return ir.Operand{}, fmt.Errorf("bad float constant %q", s)
		}
		return ir.Float(float32(v)), nil
	}
	if f, ok := strings.CutSuffix(s, "L"); ok {
		v, err := strconv.ParseFloat(f, 64)
		if err != nil {
			return ir.Operand{}, fmt.Errorf("bad long double constant %q", s)
		}
		return ir.LDouble(v), nil
	}
	v, err := strconv.ParseFloat(strings.TrimSuffix(s, "d"), 64)
	if err != nil {
		return ir.Operand{}, fmt.Errorf("bad operand %q", s)
	}
	return ir.Double(v), nil
}
