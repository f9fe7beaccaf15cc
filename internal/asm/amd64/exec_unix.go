//go:build amd64 && (linux || darwin)

package amd64

import (
	"fmt"
	"sync"
	"unsafe"

	"github.com/ebitengine/purego"
	"golang.org/x/sys/unix"

	"github.com/tinyrange/x64jit/internal/asm"
	"github.com/tinyrange/x64jit/internal/timeslice"
)

var (
	slicePublish = timeslice.RegisterKind("amd64.publish", timeslice.SliceFlagPatch)
	slicePatch   = timeslice.RegisterKind("amd64.patch", timeslice.SliceFlagPatch)
)

// Func is a program published into executable memory.
type Func struct {
	mu    sync.Mutex
	mem   []byte
	entry uintptr
	prog  asm.Program
	sites []asm.PatchSite
}

var _ asm.NativeFunc = (*Func)(nil)

// Publish maps prog, binds it at its final address and makes it executable.
// Programs with patch sites stay writable so Patch can retarget them.
func Publish(prog asm.Program, resolve asm.SymbolResolver) (*Func, error) {
	defer timeslice.Span(slicePublish)()

	size := prog.Len()
	if size == 0 {
		return nil, fmt.Errorf("publish: empty program")
	}
	pageSize := unix.Getpagesize()
	allocSize := ((size + pageSize - 1) / pageSize) * pageSize

	mem, err := unix.Mmap(-1, 0, allocSize, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_PRIVATE|unix.MAP_ANON)
	if err != nil {
		return nil, fmt.Errorf("mmap code region: %w", err)
	}
	release := true
	defer func() {
		if release {
			_ = unix.Munmap(mem)
		}
	}()

	base := uintptr(unsafe.Pointer(&mem[0]))
	if err := Bind(mem, prog, base, resolve); err != nil {
		return nil, err
	}

	sites := prog.PatchSites()
	prot := unix.PROT_READ | unix.PROT_EXEC
	if len(sites) > 0 {
		prot |= unix.PROT_WRITE
	}
	if err := unix.Mprotect(mem, prot); err != nil {
		return nil, fmt.Errorf("mprotect code region: %w", err)
	}
	for i := range sites {
		sites[i].Direct = mem[sites[i].Offset] != 0xFF
	}

	release = false
	return &Func{mem: mem, entry: base, prog: prog.Clone(), sites: sites}, nil
}

// Call runs the function with integer arguments in the host convention.
func (f *Func) Call(args ...uintptr) uintptr {
	r1, _, _ := purego.SyscallN(f.entry, args...)
	return r1
}

func (f *Func) Entry() uintptr { return f.entry }

func (f *Func) Program() asm.Program { return f.prog.Clone() }

// Addr returns the address of a label inside the function.
func (f *Func) Addr(l int32) (uintptr, bool) {
	off, ok := f.prog.LabelOffset(l)
	if !ok {
		return 0, false
	}
	return f.entry + uintptr(off), true
}

// Sites returns the current state of the patch sites.
func (f *Func) Sites() []asm.PatchSite {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]asm.PatchSite(nil), f.sites...)
}

// Patch retargets site i. It may run while other threads execute the
// function; concurrent patches of the same function are serialized.
func (f *Func) Patch(i int, target uintptr) error {
	defer timeslice.Span(slicePatch)()

	f.mu.Lock()
	defer f.mu.Unlock()
	if i < 0 || i >= len(f.sites) {
		return fmt.Errorf("site %d of %d: %w", i, len(f.sites), ErrPatch)
	}
	direct, err := Patch(f.mem, f.entry, f.sites[i], target)
	if err != nil {
		return err
	}
	f.sites[i].Direct = direct
	return nil
}

// Release unmaps the function. It must not be running.
func (f *Func) Release() error {
	if f.mem == nil {
		return nil
	}
	err := unix.Munmap(f.mem)
	f.mem = nil
	return err
}
