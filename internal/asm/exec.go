package asm

// NativeFunc represents finalized code loaded into executable memory.
// This interface is implemented by architecture-specific executable types.
type NativeFunc interface {
	// Call executes the code with the provided integer or pointer arguments,
	// passed according to the host calling convention.
	Call(args ...any) uintptr

	// Entry returns the address of the first instruction.
	Entry() uintptr

	// Program returns a deep copy of the Program backing the function.
	Program() Program

	// Release unmaps the executable region. Calling the function afterwards
	// panics.
	Release() error
}
