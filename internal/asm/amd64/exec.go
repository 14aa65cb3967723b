package amd64

import (
	"fmt"
	"os"
	"reflect"
	"unsafe"

	"github.com/tinyrange/jit/internal/asm"
)

// Region is writable memory that becomes executable once finalized.
type Region struct {
	mem  []byte
	size int
}

// Allocate maps a read-write region of at least size bytes, rounded up to
// the page size.
func Allocate(size int) (*Region, error) {
	if size <= 0 {
		return nil, fmt.Errorf("allocate %d bytes: %w", size, asm.ErrAllocationFailed)
	}
	pageSize := os.Getpagesize()
	allocSize := ((size + pageSize - 1) / pageSize) * pageSize

	mem, err := mapRegion(allocSize)
	if err != nil {
		return nil, fmt.Errorf("allocate %d bytes: %w: %w", allocSize, asm.ErrAllocationFailed, err)
	}
	return &Region{mem: mem, size: size}, nil
}

// Bytes returns the writable view of the requested size. It is nil once the
// region has been finalized or released.
func (r *Region) Bytes() []byte {
	if r.mem == nil {
		return nil
	}
	return r.mem[:r.size]
}

// Addr returns the address of the first byte.
func (r *Region) Addr() uintptr {
	if r.mem == nil {
		return 0
	}
	return uintptr(unsafe.Pointer(&r.mem[0]))
}

func (r *Region) Len() int { return r.size }

// Finalize flips the region from read-write to read-execute and hands it to
// the returned Executable. The region is unusable afterwards.
func (r *Region) Finalize() (*Executable, error) {
	if r.mem == nil {
		return nil, fmt.Errorf("finalize released region: %w", asm.ErrAllocationFailed)
	}
	if err := protectExec(r.mem); err != nil {
		return nil, fmt.Errorf("protect region: %w: %w", asm.ErrAllocationFailed, err)
	}
	exe := &Executable{mem: r.mem, entry: r.Addr()}
	r.mem = nil
	return exe, nil
}

// Release unmaps a region that was never finalized.
func (r *Region) Release() error {
	if r.mem == nil {
		return nil
	}
	mem := r.mem
	r.mem = nil
	return unmapRegion(mem)
}

// Executable is finalized code mapped read-execute.
type Executable struct {
	mem   []byte
	entry uintptr
	prog  asm.Program
}

var (
	_ asm.NativeFunc = (*Executable)(nil)
)

// Call executes the code with up to maxAssemblyArguments integer or pointer
// arguments in the host calling convention and returns RAX.
func (e *Executable) Call(args ...any) uintptr {
	if e.mem == nil {
		panic("amd64.Executable: call after release")
	}
	if len(args) > maxAssemblyArguments {
		panic(fmt.Sprintf("assembly call accepts at most %d arguments, got %d", maxAssemblyArguments, len(args)))
	}
	buf := make([]uintptr, len(args))
	for idx, arg := range args {
		value, err := assemblyArgValue(arg)
		if err != nil {
			panic(err)
		}
		buf[idx] = value
	}
	return callNative(e.entry, buf)
}

// Entry returns the address of the first instruction.
func (e *Executable) Entry() uintptr {
	return e.entry
}

// Program returns a deep copy of the Program backing the function.
func (e *Executable) Program() asm.Program {
	return e.prog.Clone()
}

// Release unmaps the code. Releasing twice is a no-op.
func (e *Executable) Release() error {
	if e.mem == nil {
		return nil
	}
	mem := e.mem
	e.mem = nil
	return unmapRegion(mem)
}

// Load copies prog into fresh executable memory, relocated to the region's
// address.
func Load(prog asm.Program) (*Executable, error) {
	if prog.Mode() != asm.Mode64 {
		return nil, fmt.Errorf("load %s program: program mode does not match host: %w", prog.Mode(), asm.ErrInvalidOperand)
	}
	if prog.Len() == 0 {
		return nil, fmt.Errorf("load empty program: %w", asm.ErrAllocationFailed)
	}

	region, err := Allocate(prog.Len())
	if err != nil {
		return nil, err
	}
	release := true
	defer func() {
		if release {
			_ = region.Release()
		}
	}()

	code, err := prog.Relocate(uint64(region.Addr()))
	if err != nil {
		return nil, fmt.Errorf("relocate program: %w", err)
	}
	copy(region.Bytes(), code)

	exe, err := region.Finalize()
	if err != nil {
		return nil, err
	}
	release = false
	exe.prog = prog.Clone()
	return exe, nil
}

// Compile assembles f for target and loads the result.
func Compile(f asm.Fragment, target asm.Target) (*Executable, error) {
	prog, err := Assemble(target, f)
	if err != nil {
		return nil, fmt.Errorf("emit assembly program: %w", err)
	}
	exe, err := Load(prog)
	if err != nil {
		return nil, fmt.Errorf("load assembly program: %w", err)
	}
	return exe, nil
}

// MustCompile compiles f for the default 64-bit target and panics on error.
func MustCompile(f asm.Fragment) *Executable {
	exe, err := Compile(f, asm.DefaultTarget())
	if err != nil {
		panic(err)
	}
	return exe
}

const maxAssemblyArguments = 6

func assemblyArgValue(arg any) (uintptr, error) {
	switch v := arg.(type) {
	case nil:
		return 0, nil
	case uintptr:
		return v, nil
	case unsafe.Pointer:
		return uintptr(v), nil
	case int:
		return uintptr(v), nil
	case int8:
		return uintptr(uint8(v)), nil
	case int16:
		return uintptr(uint16(v)), nil
	case int32:
		return uintptr(uint32(v)), nil
	case int64:
		return uintptr(v), nil
	case uint:
		return uintptr(v), nil
	case uint8:
		return uintptr(v), nil
	case uint16:
		return uintptr(v), nil
	case uint32:
		return uintptr(v), nil
	case uint64:
		return uintptr(v), nil
	case bool:
		if v {
			return 1, nil
		}
		return 0, nil
	}

	val := reflect.ValueOf(arg)
	switch val.Kind() {
	case reflect.Pointer, reflect.UnsafePointer:
		if val.IsNil() {
			return 0, nil
		}
		return uintptr(val.Pointer()), nil
	}

	return 0, fmt.Errorf("unsupported argument type %T", arg)
}
