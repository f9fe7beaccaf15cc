package asm

// NativeFunc is a published function living in executable memory.
type NativeFunc interface {
	// Call runs the code with integer arguments in the host convention.
	Call(args ...uintptr) uintptr

	Entry() uintptr

	// Program returns a deep copy of the Program backing the function.
	Program() Program

	// Patch retargets patch site i to target while other threads may be
	// executing the code.
	Patch(i int, target uintptr) error

	// Release unmaps the code. The function must not be called afterwards.
	Release() error
}
