package rt

import (
	"unsafe"
)

// Conv selects the argument area layout the readers walk.
type Conv uint8

const (
	ConvSysV Conv = iota
	ConvWin64
)

// VaListSysV is the SysV va_list record. The register save area holds the
// six integer argument registers followed by the eight xmm registers, 16
// bytes each.
type VaListSysV struct {
	GPOffset uint32
	FPOffset uint32
	Overflow uintptr
	RegSave  uintptr
}

const (
	SysVGPLimit = 6 * 8
	SysVFPLimit = SysVGPLimit + 8*16
)

// NextSysV returns the address of the next variadic argument of class tag
// and advances ap past it.
func NextSysV(ap *VaListSysV, tag VaTag) uintptr {
	switch tag {
	case VaInt:
		if ap.GPOffset+8 <= SysVGPLimit {
			addr := ap.RegSave + uintptr(ap.GPOffset)
			ap.GPOffset += 8
			return addr
		}
	case VaFloat:
		if ap.FPOffset+16 <= SysVFPLimit {
			addr := ap.RegSave + uintptr(ap.FPOffset)
			ap.FPOffset += 16
			return addr
		}
	case VaLDouble:
		ap.Overflow = (ap.Overflow + 15) &^ 15
		addr := ap.Overflow
		ap.Overflow += 16
		return addr
	}
	addr := ap.Overflow
	ap.Overflow += 8
	return addr
}

// BlockSysV returns the address of each eightbyte of an aggregate argument.
// Aggregates that fit in registers are only taken from the save area when
// every eightbyte still has a register; otherwise the whole value is on the
// stack.
func BlockSysV(ap *VaListSysV, size int, classes uint8) []uintptr {
	n := (size + 7) / 8
	out := make([]uintptr, n)
	if classes&VaMemory == 0 && n <= 2 {
		var gp, fp uint32
		for i := 0; i < n; i++ {
			if classes&(1<<i) != 0 {
				fp++
			} else {
				gp++
			}
		}
		if ap.GPOffset+8*gp <= SysVGPLimit && ap.FPOffset+16*fp <= SysVFPLimit {
			for i := range out {
				if classes&(1<<i) != 0 {
					out[i] = NextSysV(ap, VaFloat)
				} else {
					out[i] = NextSysV(ap, VaInt)
				}
			}
			return out
		}
	}
	base := ap.Overflow
	ap.Overflow += uintptr(8 * n)
	for i := range out {
		out[i] = base + uintptr(8*i)
	}
	return out
}

// NextWin64 returns the address of the next variadic argument. Every
// argument occupies one 8-byte slot; long doubles are doubles.
func NextWin64(ap *uintptr, tag VaTag) uintptr {
	addr := *ap
	*ap += 8
	return addr
}

// BlockWin64 returns the slot of an aggregate argument and whether the slot
// holds a pointer to the value instead of the value itself.
func BlockWin64(ap *uintptr, size int) (uintptr, bool) {
	addr := NextWin64(ap, VaInt)
	switch size {
	case 1, 2, 4, 8:
		return addr, false
	}
	return addr, true
}

func bytesAt(addr uintptr, n int) []byte {
	return unsafe.Slice((*byte)(unsafe.Pointer(addr)), n)
}

// vaArg is the native va_arg for conv: ap points at the va_list.
func vaArg(conv Conv, ap uintptr, tag VaTag) uintptr {
	if conv == ConvWin64 {
		return NextWin64((*uintptr)(unsafe.Pointer(ap)), tag)
	}
	return NextSysV((*VaListSysV)(unsafe.Pointer(ap)), tag)
}

// vaBlockArg copies the next aggregate argument of size bytes to dst.
func vaBlockArg(conv Conv, dst, ap uintptr, size int, classes uint8) uintptr {
	if conv == ConvWin64 {
		src, indirect := BlockWin64((*uintptr)(unsafe.Pointer(ap)), size)
		if indirect {
			src = *(*uintptr)(unsafe.Pointer(src))
		}
		copy(bytesAt(dst, size), bytesAt(src, size))
		return dst
	}
	for i, src := range BlockSysV((*VaListSysV)(unsafe.Pointer(ap)), size, classes) {
		n := min(8, size-8*i)
		copy(bytesAt(dst+uintptr(8*i), n), bytesAt(src, n))
	}
	return dst
}
