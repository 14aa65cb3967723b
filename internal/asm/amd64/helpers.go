package amd64

import "github.com/tinyrange/jit/internal/asm"

// Integer is the set of argument and result types the typed adapters pass
// through integer registers.
type Integer interface {
	~int | ~int8 | ~int16 | ~int32 | ~int64 |
		~uint | ~uint8 | ~uint16 | ~uint32 | ~uint64 | ~uintptr
}

func argValue[T Integer](v T) uintptr {
	return uintptr(v)
}

// Func0 adapts exe into a function taking no arguments. The result is
// truncated to R.
func Func0[R Integer](exe *Executable) func() R {
	return func() R {
		return R(exe.Call())
	}
}

func Func1[A, R Integer](exe *Executable) func(A) R {
	return func(a A) R {
		return R(exe.Call(argValue(a)))
	}
}

func Func2[A, B, R Integer](exe *Executable) func(A, B) R {
	return func(a A, b B) R {
		return R(exe.Call(argValue(a), argValue(b)))
	}
}

func Func3[A, B, C, R Integer](exe *Executable) func(A, B, C) R {
	return func(a A, b B, c C) R {
		return R(exe.Call(argValue(a), argValue(b), argValue(c)))
	}
}

// MustCompileUnaryInt compiles the fragment into a function that takes and returns Go ints.
func MustCompileUnaryInt(f asm.Fragment) func(int) int {
	return Func1[int, int](MustCompile(f))
}

// MustCompileBinaryInt32 compiles the fragment into a function operating on int32 values.
func MustCompileBinaryInt32(f asm.Fragment) func(int32, int32) int32 {
	return Func2[int32, int32, int32](MustCompile(f))
}
