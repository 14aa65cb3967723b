//go:build (linux || darwin) && amd64

package amd64

import (
	"errors"
	"testing"
	"unsafe"

	"github.com/tinyrange/jit/internal/asm"
)

func addFunc() asm.Fragment {
	return asm.Group{
		XorRegReg(Reg32(RAX), Reg32(RAX)),
		AddRegReg(Reg32(RAX), IntArg(0, 32)),
		AddRegReg(Reg32(RAX), IntArg(1, 32)),
		Ret(),
	}
}

func TestAddFunction(t *testing.T) {
	exe := MustCompile(addFunc())
	defer exe.Release()

	add := Func2[int32, int32, int32](exe)
	if got, want := add(1, 2), int32(3); got != want {
		t.Fatalf("add(1, 2)=%d, want %d", got, want)
	}
	if got, want := add(-5, 2), int32(-3); got != want {
		t.Fatalf("add(-5, 2)=%d, want %d", got, want)
	}
	if got, want := exe.Program().Len(), 7; got != want {
		t.Fatalf("Program().Len()=%d, want %d", got, want)
	}
}

func TestJumpOverNops(t *testing.T) {
	frag := asm.WithLabels(1, func(l ...asm.Label) asm.Fragment {
		return asm.Group{
			MovImmediate(Reg32(RAX), 42),
			Jump(l[0]),
			Nops(8),
			asm.MarkLabel(l[0]),
			Ret(),
		}
	})
	exe := MustCompile(frag)
	defer exe.Release()

	code := exe.Program().Bytes()
	if code[5] != 0xE9 || code[6] != 8 {
		t.Fatalf("jump encoded as % x, want e9 08 00 00 00", code[5:10])
	}
	if got, want := Func0[int](exe)(), 42; got != want {
		t.Fatalf("Call()=%d, want %d", got, want)
	}
}

func TestFunctionCall(t *testing.T) {
	frag := asm.WithLabels(1, func(l ...asm.Label) asm.Fragment {
		callee := l[0]
		return asm.Group{
			MovImmediate(IntArg(0, 64), 5),
			Call(callee),
			AddRegImm(Reg64(RAX), 1),
			Ret(),
			asm.MarkLabel(callee),
			MovReg(Reg64(RAX), IntArg(0, 64)),
			AddRegImm(Reg64(RAX), 10),
			Ret(),
		}
	})
	fn := MustCompile(frag)
	defer fn.Release()

	if got, want := fn.Call(), uintptr(16); got != want {
		t.Fatalf("Call()=0x%x, want 0x%x", got, want)
	}
}

func TestCallBetweenCompiledFunctions(t *testing.T) {
	callee := MustCompile(asm.Group{
		AddRegImm(IntArg(0, 64), 2),
		MovReg(Reg64(RAX), IntArg(0, 64)),
		Ret(),
	})
	defer callee.Release()

	caller := MustCompile(asm.Group{
		AddRegImm(IntArg(0, 64), 5),
		MovImmediate(Reg64(R11), int64(callee.Entry())),
		Push(Reg64(RBX)),
		CallReg(Reg64(R11)),
		Pop(Reg64(RBX)),
		AddRegImm(Reg64(RAX), 3),
		Ret(),
	})
	defer caller.Release()

	if got, want := caller.Call(4), uintptr(14); got != want {
		t.Fatalf("Call()=0x%x, want 0x%x", got, want)
	}
}

func TestCallPassesArguments(t *testing.T) {
	frag := asm.Group{
		MovToMemory(Mem(IntArg(0, 64)), IntArg(1, 64)),
		MovToMemory(Mem(IntArg(0, 64)).WithDisp(8), IntArg(2, 64)),
		MovToMemory(Mem(IntArg(0, 64)).WithDisp(16), IntArg(3, 64)),
		MovToMemory(Mem(IntArg(0, 64)).WithDisp(24), IntArg(4, 64)),
		MovToMemory(Mem(IntArg(0, 64)).WithDisp(32), IntArg(5, 64)),
		Ret(),
	}
	fn := MustCompile(frag)
	defer fn.Release()

	target := make([]uint64, 5)
	extra := uint64(0xfeedbead)

	fn.Call(&target[0], uint32(0x11223344), int16(0x5566), int64(0x778899aabbccdd), uintptr(0xdeadbeefcafebabe), &extra)

	if got, want := target[0], uint64(0x11223344); got != want {
		t.Fatalf("target[0]=0x%x, want 0x%x", got, want)
	}
	if got, want := target[1], uint64(0x5566); got != want {
		t.Fatalf("target[1]=0x%x, want 0x%x", got, want)
	}
	if got, want := target[2], uint64(0x778899aabbccdd); got != want {
		t.Fatalf("target[2]=0x%x, want 0x%x", got, want)
	}
	if got, want := target[3], uint64(0xdeadbeefcafebabe); got != want {
		t.Fatalf("target[3]=0x%x, want 0x%x", got, want)
	}
	if got, want := target[4], uint64(uintptr(unsafe.Pointer(&extra))); got != want {
		t.Fatalf("target[4]=0x%x, want 0x%x", got, want)
	}
}

func TestLoadRelocatesAbsoluteReferences(t *testing.T) {
	frag := asm.WithLabels(1, func(l ...asm.Label) asm.Fragment {
		data := l[0]
		return asm.Group{
			LoadAddress(Reg64(RAX), data),
			MovFromMemory(Reg64(RAX), Mem(Reg64(RAX))),
			Ret(),
			asm.MarkLabel(data),
			Data64(0x1122334455667788),
		}
	})
	exe, err := Compile(frag, asm.Target{Mode: asm.Mode64, BaseAddress: 0x12345678})
	if err != nil {
		t.Fatalf("Compile: %v", err)
	}
	defer exe.Release()

	if got, want := exe.Call(), uintptr(0x1122334455667788); got != want {
		t.Fatalf("Call()=0x%x, want 0x%x", got, want)
	}
	// The stored program keeps its unrelocated form.
	if got := exe.Program().BaseAddress(); got != 0x12345678 {
		t.Fatalf("BaseAddress()=%#x", got)
	}
}

func TestLoadAddressMatchesEntry(t *testing.T) {
	frag := asm.WithLabels(1, func(l ...asm.Label) asm.Fragment {
		return asm.Group{
			LoadAddress(Reg64(RAX), l[0]),
			asm.MarkLabel(l[0]),
			Ret(),
		}
	})
	exe := MustCompile(frag)
	defer exe.Release()

	if got, want := exe.Call(), exe.Entry()+10; got != want {
		t.Fatalf("Call()=0x%x, want entry+10=0x%x", got, want)
	}
}

func TestRegionFinalize(t *testing.T) {
	region, err := Allocate(1)
	if err != nil {
		t.Fatalf("Allocate: %v", err)
	}
	if region.Addr() == 0 || len(region.Bytes()) != 1 {
		t.Fatalf("region addr=%#x len=%d", region.Addr(), len(region.Bytes()))
	}
	region.Bytes()[0] = 0xC3

	exe, err := region.Finalize()
	if err != nil {
		t.Fatalf("Finalize: %v", err)
	}
	if region.Bytes() != nil {
		t.Fatalf("region still writable after Finalize")
	}
	exe.Call()
	if err := exe.Release(); err != nil {
		t.Fatalf("Release: %v", err)
	}
	if err := exe.Release(); err != nil {
		t.Fatalf("second Release: %v", err)
	}
}

func TestCallAfterReleasePanics(t *testing.T) {
	exe := MustCompile(Ret())
	if err := exe.Release(); err != nil {
		t.Fatalf("Release: %v", err)
	}
	defer func() {
		if recover() == nil {
			t.Fatalf("Call after Release did not panic")
		}
	}()
	exe.Call()
}

func TestCompileUnboundLabel(t *testing.T) {
	frag := asm.WithLabels(1, func(l ...asm.Label) asm.Fragment {
		return asm.Group{Jump(l[0]), Ret()}
	})
	exe, err := Compile(frag, asm.DefaultTarget())
	if !errors.Is(err, asm.ErrUnboundLabel) {
		t.Fatalf("Compile err=%v, want ErrUnboundLabel", err)
	}
	if exe != nil {
		t.Fatalf("Compile returned an executable for unresolved code")
	}
}

func TestLoadRejectsForeignMode(t *testing.T) {
	prog, err := Assemble(asm.Target{Mode: asm.Mode32}, Ret())
	if err != nil {
		t.Fatalf("Assemble: %v", err)
	}
	if _, err := Load(prog); !errors.Is(err, asm.ErrInvalidOperand) {
		t.Fatalf("Load err=%v, want ErrInvalidOperand", err)
	}
}

func TestAllocateRejectsEmpty(t *testing.T) {
	if _, err := Allocate(0); !errors.Is(err, asm.ErrAllocationFailed) {
		t.Fatalf("Allocate(0) err=%v, want ErrAllocationFailed", err)
	}
}

func TestMustCompileUnaryInt(t *testing.T) {
	inc := MustCompileUnaryInt(asm.Group{
		MovReg(Reg64(RAX), IntArg(0, 64)),
		Inc(Reg64(RAX)),
		Ret(),
	})
	if got, want := inc(41), 42; got != want {
		t.Fatalf("inc(41)=%d, want %d", got, want)
	}
}
