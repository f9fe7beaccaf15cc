package amd64

import (
	"encoding/binary"
	"fmt"
	"math"
	"sync/atomic"
	"unsafe"

	"github.com/tinyrange/x64jit/internal/asm"
)

// A patch site is one 8-byte word in one of two forms:
//
//	E8/E9 rel32  0F 1F 00        direct call/jmp, 3-byte nop
//	FF 15/25 disp32  66 90       call/jmp qword [rip+slot], 2-byte nop
//
// Both decode to a single control transfer, so a concurrent thread fetching
// the word sees either the old or the new instruction, never a mix.

func directWord(kind asm.PatchKind, site, target uintptr) (uint64, bool) {
	rel := int64(target) - int64(site+5)
	if rel < math.MinInt32 || rel > math.MaxInt32 {
		return 0, false
	}
	var b [8]byte
	b[0] = 0xE8
	if kind == asm.PatchJump {
		b[0] = 0xE9
	}
	binary.LittleEndian.PutUint32(b[1:], uint32(int32(rel)))
	b[5], b[6], b[7] = 0x0F, 0x1F, 0x00
	return binary.LittleEndian.Uint64(b[:]), true
}

func indirectWord(kind asm.PatchKind, site, slot uintptr) uint64 {
	var b [8]byte
	b[0], b[1] = 0xFF, 0x15
	if kind == asm.PatchJump {
		b[1] = 0x25
	}
	binary.LittleEndian.PutUint32(b[2:], uint32(int32(int64(slot)-int64(site+6))))
	b[6], b[7] = 0x66, 0x90
	return binary.LittleEndian.Uint64(b[:])
}

// SiteWord returns the instruction word a site at address site should hold to
// reach target, and whether it is the direct form.
func SiteWord(kind asm.PatchKind, site, slot, target uintptr) (uint64, bool) {
	if w, ok := directWord(kind, site, target); ok {
		return w, true
	}
	return indirectWord(kind, site, slot), false
}

func validSite(code []byte, off int) bool {
	if off < 0 || off+8 > len(code) {
		return false
	}
	switch code[off] {
	case 0xE8, 0xE9:
		return code[off+5] == 0x0F && code[off+6] == 0x1F && code[off+7] == 0x00
	case 0xFF:
		return (code[off+1] == 0x15 || code[off+1] == 0x25) && code[off+6] == 0x66 && code[off+7] == 0x90
	}
	return false
}

// Patch retargets a site of published code. code is the mapped program and
// base the address it is mapped at. The slot is stored before the
// instruction word, each with one aligned 8-byte atomic store, so every
// intermediate state transfers control to either the old or the new target.
// It reports whether the site now uses the direct form.
func Patch(code []byte, base uintptr, site asm.PatchSite, target uintptr) (bool, error) {
	siteAddr := base + uintptr(site.Offset)
	slotAddr := base + uintptr(site.Slot)
	if siteAddr%8 != 0 || slotAddr%8 != 0 {
		return false, fmt.Errorf("site at %#x: misaligned: %w", site.Offset, ErrPatch)
	}
	if site.Slot < 0 || site.Slot+8 > len(code) || !validSite(code, site.Offset) {
		return false, fmt.Errorf("site at %#x: not a patch site: %w", site.Offset, ErrPatch)
	}

	atomic.StoreUint64((*uint64)(unsafe.Pointer(&code[site.Slot])), uint64(target))
	word, direct := SiteWord(site.Kind, siteAddr, slotAddr, target)
	atomic.StoreUint64((*uint64)(unsafe.Pointer(&code[site.Offset])), word)
	return direct, nil
}
