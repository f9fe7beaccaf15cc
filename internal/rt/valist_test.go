package rt

import (
	"encoding/binary"
	"runtime"
	"testing"
	"unsafe"
)

func TestNextSysVWalksRegistersThenStack(t *testing.T) {
	const regSave, overflow = 0x1000, 0x2000
	ap := VaListSysV{GPOffset: 8 * 4, FPOffset: SysVGPLimit + 16*7, Overflow: overflow, RegSave: regSave}

	steps := []struct {
		tag  VaTag
		want uintptr
	}{
		{VaInt, regSave + 32},
		{VaFloat, regSave + SysVGPLimit + 16*7},
		{VaInt, regSave + 40},
		{VaInt, overflow},
		{VaFloat, overflow + 8},
		{VaLDouble, overflow + 16},
		{VaInt, overflow + 32},
	}
	for i, s := range steps {
		if got := NextSysV(&ap, s.tag); got != s.want {
			t.Fatalf("step %d: addr=%#x, want %#x", i, got, s.want)
		}
	}
	if ap.GPOffset != SysVGPLimit || ap.FPOffset != SysVFPLimit {
		t.Fatalf("offsets=%d/%d, want %d/%d", ap.GPOffset, ap.FPOffset, SysVGPLimit, SysVFPLimit)
	}
}

func TestBlockSysV(t *testing.T) {
	const regSave, overflow = 0x1000, 0x2000

	ap := VaListSysV{GPOffset: 0, FPOffset: SysVGPLimit, Overflow: overflow, RegSave: regSave}
	got := BlockSysV(&ap, 16, 0b10)
	if len(got) != 2 || got[0] != regSave || got[1] != regSave+SysVGPLimit {
		t.Fatalf("mixed block=%#x", got)
	}

	// One integer register left: a two-register aggregate goes to the stack
	// and leaves the register for later arguments.
	ap = VaListSysV{GPOffset: 40, FPOffset: SysVGPLimit, Overflow: overflow, RegSave: regSave}
	got = BlockSysV(&ap, 12, 0)
	if len(got) != 2 || got[0] != overflow || got[1] != overflow+8 {
		t.Fatalf("spilled block=%#x", got)
	}
	if ap.GPOffset != 40 || ap.Overflow != overflow+16 {
		t.Fatalf("after spill gp=%d overflow=%#x", ap.GPOffset, ap.Overflow)
	}

	ap = VaListSysV{Overflow: overflow, RegSave: regSave}
	got = BlockSysV(&ap, 24, VaMemory)
	if len(got) != 3 || got[2] != overflow+16 {
		t.Fatalf("memory block=%#x", got)
	}
}

func TestBlockWin64(t *testing.T) {
	ap := uintptr(0x3000)
	if addr, indirect := BlockWin64(&ap, 8); addr != 0x3000 || indirect {
		t.Fatalf("8-byte block=%#x,%v", addr, indirect)
	}
	if addr, indirect := BlockWin64(&ap, 12); addr != 0x3008 || !indirect {
		t.Fatalf("12-byte block=%#x,%v", addr, indirect)
	}
	if got := NextWin64(&ap, VaLDouble); got != 0x3010 {
		t.Fatalf("long double slot=%#x, want 0x3010", got)
	}
}

var sink []any

// pin moves v to the heap; raw addresses of stack values go stale when the
// stack grows.
func pin(v any) { sink = append(sink, v) }

func TestVaBlockArgCopies(t *testing.T) {
	save := make([]byte, SysVFPLimit)
	pin(save)
	binary.LittleEndian.PutUint64(save[0:], 0x1111)
	binary.LittleEndian.PutUint32(save[SysVGPLimit:], 0x2222)

	ap := &VaListSysV{FPOffset: SysVGPLimit, RegSave: uintptr(unsafe.Pointer(&save[0]))}
	dst := make([]byte, 12)
	pin(ap)
	pin(dst)
	vaBlockArg(ConvSysV, uintptr(unsafe.Pointer(&dst[0])), uintptr(unsafe.Pointer(ap)), len(dst), 0b10)
	runtime.KeepAlive(save)

	if got := binary.LittleEndian.Uint64(dst); got != 0x1111 {
		t.Fatalf("first eightbyte=%#x, want 0x1111", got)
	}
	if got := binary.LittleEndian.Uint32(dst[8:]); got != 0x2222 {
		t.Fatalf("second eightbyte=%#x, want 0x2222", got)
	}
}

func TestHelperProtos(t *testing.T) {
	for _, name := range Names() {
		p, err := Proto(name)
		if err != nil {
			t.Fatalf("Proto(%s): %v", name, err)
		}
		for _, param := range p.Params {
			if !param.Type.IsInt() {
				t.Fatalf("%s: parameter %s has type %s", name, param.Name, param.Type)
			}
		}
	}
	if _, err := Proto("missing"); err == nil {
		t.Fatalf("Proto(missing) succeeded")
	}
}
