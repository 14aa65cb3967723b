package amd64

import (
	"fmt"
	"runtime"
)

var (
	sysvArgs  = []RegID{RDI, RSI, RDX, RCX, R8, R9}
	win64Args = []RegID{RCX, RDX, R8, R9}
)

// hostArgs returns the integer argument registers of the host C ABI.
func hostArgs() []RegID {
	if runtime.GOOS == "windows" {
		return win64Args
	}
	return sysvArgs
}

// IntArgCount is the number of integer arguments passed in registers.
func IntArgCount() int { return len(hostArgs()) }

// IntArg returns the register holding the i-th integer argument in the host
// calling convention, sized to bits. It panics when i is out of range.
func IntArg(i int, bits int) Reg {
	args := hostArgs()
	if i < 0 || i >= len(args) {
		panic(fmt.Sprintf("amd64: integer argument %d out of range [0, %d)", i, len(args)))
	}
	return sized(args[i], bits)
}

// IntResult returns the integer return register sized to bits.
func IntResult(bits int) Reg {
	return sized(RAX, bits)
}

func sized(id RegID, bits int) Reg {
	switch bits {
	case 8:
		return Reg8(id)
	case 16:
		return Reg16(id)
	case 32:
		return Reg32(id)
	case 64:
		return Reg64(id)
	}
	panic(fmt.Sprintf("amd64: invalid register width %d", bits))
}
