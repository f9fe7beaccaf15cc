package amd64

import (
	"encoding/binary"
	"fmt"
	"math"

	"github.com/tinyrange/x64jit/internal/asm"
	"github.com/tinyrange/x64jit/internal/ir"
	"github.com/tinyrange/x64jit/internal/rt"
)

type rexState struct {
	w     bool
	r     bool
	x     bool
	b     bool
	force bool
}

func (r rexState) prefix() byte {
	if !r.w && !r.r && !r.x && !r.b && !r.force {
		return 0
	}
	p := byte(0x40)
	if r.w {
		p |= 0x08
	}
	if r.r {
		p |= 0x04
	}
	if r.x {
		p |= 0x02
	}
	if r.b {
		p |= 0x01
	}
	return p
}

type memEncoding struct {
	modrm byte
	sib   []byte
	disp  []byte
	rex   rexState
}

func le32(v int32) []byte {
	var buf [4]byte
	binary.LittleEndian.PutUint32(buf[:], uint32(v))
	return buf[:]
}

func scaleBits(scale uint8) (byte, error) {
	switch scale {
	case 0, 1:
		return 0, nil
	case 2:
		return 1, nil
	case 4:
		return 2, nil
	case 8:
		return 3, nil
	}
	return 0, fmt.Errorf("invalid scale %d", scale)
}

func encodeMemoryOperand(m ir.Mem) (memEncoding, error) {
	if m.Disp < math.MinInt32 || m.Disp > math.MaxInt32 {
		return memEncoding{}, fmt.Errorf("displacement %d does not fit 32 bits", m.Disp)
	}
	disp := int32(m.Disp)
	hasBase, hasIndex := m.Base != ir.NoReg, m.Index != ir.NoReg

	var baseInfo, indexInfo registerCode
	var err error
	if hasBase {
		if ClassOf(m.Base) != ClassInt {
			return memEncoding{}, fmt.Errorf("base register %s is not a general purpose register", RegName(m.Base))
		}
		if baseInfo, err = regInfo(m.Base); err != nil {
			return memEncoding{}, err
		}
	}
	if hasIndex {
		if m.Index == RSP || ClassOf(m.Index) != ClassInt {
			return memEncoding{}, fmt.Errorf("%s cannot be used as index register", RegName(m.Index))
		}
		if indexInfo, err = regInfo(m.Index); err != nil {
			return memEncoding{}, err
		}
	}
	scale, err := scaleBits(m.Scale)
	if err != nil {
		return memEncoding{}, err
	}

	enc := memEncoding{
		rex: rexState{
			b: hasBase && baseInfo.high,
			x: hasIndex && indexInfo.high,
		},
	}
	indexCode := byte(4)
	if hasIndex {
		indexCode = indexInfo.code
	}

	if !hasBase {
		// [index*scale + disp32], or an absolute disp32 when there is no
		// index either.
		enc.modrm = 0x04
		enc.sib = []byte{scale<<6 | indexCode<<3 | 5}
		enc.disp = le32(disp)
		return enc, nil
	}

	rm := baseInfo.code
	switch {
	case disp == 0 && rm != 5:
		enc.modrm = 0x00
	case disp >= math.MinInt8 && disp <= math.MaxInt8:
		// rbp and r13 have no zero-displacement form: mod=00 rm=101 means
		// rip-relative, so they always carry a disp8.
		enc.modrm = 0x40
		enc.disp = []byte{byte(disp)}
	default:
		enc.modrm = 0x80
		enc.disp = le32(disp)
	}

	// rsp and r12 share rm=100 with the SIB escape, so they always need a
	// SIB byte even without an index.
	if hasIndex || rm == 4 {
		enc.sib = []byte{scale<<6 | indexCode<<3 | rm}
		rm = 4
	}
	enc.modrm |= rm
	return enc, nil
}

func (e *Emitter) regOperand(ops []ir.Operand, i int) (registerCode, error) {
	if i >= len(ops) || ops[i].Kind != ir.KindReg {
		return registerCode{}, fmt.Errorf("operand %d is not a register", i)
	}
	return regInfo(ops[i].Reg)
}

func immValue(o ir.Operand) int64 {
	return o.I
}

// encodeInsn emits one machine instruction of a template.
func (e *Emitter) encodeInsn(t *insnTemplate, ops []ir.Operand) error {
	switch t.special {
	case specialCall:
		return e.encodeSite(asm.PatchCall, ops[t.target])
	case specialJump:
		return e.encodeSite(asm.PatchJump, ops[t.target])
	case specialSwitch:
		return e.encodeSwitch(ops)
	}

	firstReloc := len(e.relocs)
	rex := rexState{w: t.rexW, force: t.forceREX}
	byteReg := func(info registerCode) {
		if t.byteRegs && info.needsRex {
			rex.force = true
		}
	}

	var opcode [4]byte
	nop := copy(opcode[:], t.opcode)
	if t.fold >= 0 {
		info, err := e.regOperand(ops, t.fold)
		if err != nil {
			return err
		}
		opcode[nop-1] += info.code
		rex.b = info.high
		byteReg(info)
	}

	var modrm byte
	var sib, disp []byte
	var rip *ir.Operand
	if t.digit >= 0 {
		modrm |= byte(t.digit) << 3
	}
	if t.reg >= 0 {
		info, err := e.regOperand(ops, t.reg)
		if err != nil {
			return err
		}
		modrm |= info.code << 3
		rex.r = info.high
		byteReg(info)
	}
	if t.rm >= 0 {
		o := &ops[t.rm]
		switch o.Kind {
		case ir.KindReg:
			info, err := regInfo(o.Reg)
			if err != nil {
				return err
			}
			modrm |= 0xC0 | info.code
			rex.b = info.high
			byteReg(info)
		case ir.KindMem:
			me, err := encodeMemoryOperand(o.Mem)
			if err != nil {
				return err
			}
			modrm |= me.modrm
			sib, disp = me.sib, me.disp
			rex.b, rex.x = me.rex.b, me.rex.x
		default:
			// rip-relative: constant pool entry, label or symbol slot.
			modrm |= 0x05
			rip = o
		}
	}

	e.code = append(e.code, t.prefixes...)
	if p := rex.prefix(); p != 0 {
		e.code = append(e.code, p)
	}
	e.code = append(e.code, opcode[:nop]...)
	if t.hasModRM() {
		e.code = append(e.code, modrm)
		e.code = append(e.code, sib...)
		if rip != nil {
			if err := e.ripField(*rip); err != nil {
				return err
			}
		} else {
			e.code = append(e.code, disp...)
		}
	}

	for _, tr := range t.trailer {
		switch tr.kind {
		case tokByte:
			e.code = append(e.code, tr.b)
		case tokImm8:
			e.code = append(e.code, byte(immValue(ops[tr.op])))
		case tokImm16:
			e.code = binary.LittleEndian.AppendUint16(e.code, uint16(immValue(ops[tr.op])))
		case tokImm32:
			e.code = binary.LittleEndian.AppendUint32(e.code, uint32(immValue(ops[tr.op])))
		case tokImm64:
			e.code = binary.LittleEndian.AppendUint64(e.code, uint64(immValue(ops[tr.op])))
		case tokRel8:
			e.relocs = append(e.relocs, asm.Reloc{Kind: asm.RelocLabel8, Offset: len(e.code), Label: int32(ops[tr.op].Label)})
			e.code = append(e.code, 0)
		case tokRel32:
			e.relocs = append(e.relocs, asm.Reloc{Kind: asm.RelocLabel32, Offset: len(e.code), Label: int32(ops[tr.op].Label)})
			e.code = append(e.code, 0, 0, 0, 0)
		}
	}

	// Displacements are relative to the end of the instruction, which for
	// rip-relative operands may lie past trailing immediates.
	for i := firstReloc; i < len(e.relocs); i++ {
		e.relocs[i].Next = len(e.code)
	}
	return nil
}

// ripField records the relocation for a rip-relative operand and writes its
// placeholder displacement.
func (e *Emitter) ripField(o ir.Operand) error {
	r := asm.Reloc{Kind: asm.RelocPool32, Offset: len(e.code)}
	switch o.Kind {
	case ir.KindFloat:
		r.Pool = e.pool.intern(4, binary.LittleEndian.AppendUint32(nil, math.Float32bits(float32(o.F))))
	case ir.KindDouble:
		r.Pool = e.pool.intern(8, binary.LittleEndian.AppendUint64(nil, math.Float64bits(o.F)))
	case ir.KindLDouble:
		r.Pool = e.pool.intern(16, rt.Float80FromFloat64(o.F).Bytes())
	case ir.KindInt, ir.KindUint:
		r.Pool = e.pool.intern(8, binary.LittleEndian.AppendUint64(nil, uint64(o.I)))
	case ir.KindLabel:
		r = asm.Reloc{Kind: asm.RelocLabel32, Offset: len(e.code), Label: int32(o.Label)}
	case ir.KindRef:
		r.Pool = e.pool.symbol(o.Ref)
	default:
		return fmt.Errorf("operand %s cannot be addressed rip-relative", o)
	}
	e.relocs = append(e.relocs, r)
	e.code = append(e.code, 0, 0, 0, 0)
	return nil
}

var nops = [...][]byte{
	1: {0x90},
	2: {0x66, 0x90},
	3: {0x0F, 0x1F, 0x00},
	4: {0x0F, 0x1F, 0x40, 0x00},
	5: {0x0F, 0x1F, 0x44, 0x00, 0x00},
	6: {0x66, 0x0F, 0x1F, 0x44, 0x00, 0x00},
	7: {0x0F, 0x1F, 0x80, 0x00, 0x00, 0x00, 0x00},
}

// padNop aligns the code with a single multi-byte nop.
func (e *Emitter) padNop(align int) {
	if n := alignUp(len(e.code), align) - len(e.code); n > 0 {
		e.code = append(e.code, nops[n]...)
	}
}

// encodeSite emits an 8-byte aligned, 8-byte patchable call or jump. It
// starts in the indirect form through its own pool slot; Bind and Patch
// switch it to a direct rel32 form when the target is within reach.
func (e *Emitter) encodeSite(kind asm.PatchKind, target ir.Operand) error {
	site := asm.PatchSite{Kind: kind}
	var fx poolFixup
	switch target.Kind {
	case ir.KindRef:
		fx = poolFixup{kind: asm.RelocSymAbs64, sym: target.Ref.Name, addr: target.Ref.Addr}
		site.Sym = target.Ref.Name
	case ir.KindLabel:
		fx = poolFixup{kind: asm.RelocLabelAbs64, label: int32(target.Label)}
		site.Label = int32(target.Label)
	default:
		return fmt.Errorf("patch site target %s is neither a symbol nor a label", target)
	}

	e.padNop(siteSize)
	site.Offset = len(e.code)
	slot := e.pool.unique(8, 8, fx)
	site.Slot = slot

	modrm := byte(0x15)
	if kind == asm.PatchJump {
		modrm = 0x25
	}
	e.code = append(e.code, 0xFF, modrm)
	e.relocs = append(e.relocs, asm.Reloc{Kind: asm.RelocPool32, Offset: len(e.code), Next: len(e.code) + 4, Pool: slot})
	e.code = append(e.code, 0, 0, 0, 0, 0x66, 0x90)
	e.sites = append(e.sites, site)
	return nil
}

// encodeSwitch emits
//
//	lea  t, [rip+table]
//	jmp  qword [t + index*8]
//
// and a pool-resident table with one absolute address per label.
func (e *Emitter) encodeSwitch(ops []ir.Operand) error {
	idx, err := e.regOperand(ops, 0)
	if err != nil {
		return err
	}
	tmp := TempInt
	if ops[0].Reg == TempInt {
		tmp = TempInt2
	}
	t, _ := regInfo(tmp)

	fixups := make([]poolFixup, 0, len(ops)-1)
	for i, o := range ops[1:] {
		fixups = append(fixups, poolFixup{at: 8 * i, kind: asm.RelocLabelAbs64, label: int32(o.Label)})
	}
	tab := e.pool.unique(8, 8*len(fixups), fixups...)

	e.code = append(e.code, rexState{w: true, r: t.high}.prefix(), 0x8D, 0x05|t.code<<3)
	e.relocs = append(e.relocs, asm.Reloc{Kind: asm.RelocPool32, Offset: len(e.code), Next: len(e.code) + 4, Pool: tab})
	e.code = append(e.code, 0, 0, 0, 0)

	rex := rexState{b: t.high, x: idx.high, force: true}
	e.code = append(e.code, rex.prefix(), 0xFF, 0x24, 3<<6|idx.code<<3|t.code)
	return nil
}
