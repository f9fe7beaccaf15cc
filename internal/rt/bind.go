//go:build amd64 && (linux || darwin)

package rt

import (
	"math"
	"sync"
	"unsafe"

	"github.com/ebitengine/purego"

	"github.com/tinyrange/x64jit/internal/asm"
)

var (
	bindOnce sync.Once
	bound    map[string]uintptr
)

func bindHelpers() {
	const conv = ConvSysV
	bound = map[string]uintptr{
		VaArg: purego.NewCallback(func(ap, tag uintptr) uintptr {
			return vaArg(conv, ap, VaTag(tag))
		}),
		VaBlockArg: purego.NewCallback(func(dst, ap, size, classes uintptr) uintptr {
			return vaBlockArg(conv, dst, ap, int(size), uint8(classes))
		}),
		UI2F: purego.NewCallback(func(v uintptr) uintptr {
			return uintptr(math.Float32bits(float32(uint64(v))))
		}),
		UI2D: purego.NewCallback(func(v uintptr) uintptr {
			return uintptr(math.Float64bits(float64(uint64(v))))
		}),
		UI2LD: purego.NewCallback(func(dst, v uintptr) uintptr {
			x := Float80FromUint64(uint64(v))
			copy(bytesAt(dst, len(x)), x[:])
			return 0
		}),
		LD2I: purego.NewCallback(func(src uintptr) uintptr {
			var x Float80
			copy(x[:], bytesAt(src, len(x)))
			return uintptr(x.Int64())
		}),
		Memcpy: purego.NewCallback(func(dst, src, n uintptr) uintptr {
			if n > 0 {
				copy(bytesAt(dst, int(n)), unsafe.Slice((*byte)(unsafe.Pointer(src)), int(n)))
			}
			return dst
		}),
	}
}

// Resolver returns a resolver for the helpers, bound as native callbacks in
// the host SysV convention. Callbacks are never released.
func Resolver() asm.SymbolResolver {
	bindOnce.Do(bindHelpers)
	return func(name string) (uintptr, bool) {
		addr, ok := bound[name]
		return addr, ok
	}
}
