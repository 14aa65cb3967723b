package asm

import (
	"fmt"
	"math"
)

// Relocation is an absolute field that must be rewritten once the load
// address is known.
type Relocation struct {
	// Offset is where the field begins in the code.
	Offset int
	// Size is 4 or 8.
	Size int
	// Target is the referenced position, relative to the start of the code.
	Target int64
	// Signed marks fields the CPU sign-extends to 64 bits.
	Signed bool
}

// Program is finalized code. Absolute fields hold offsets from the start of
// the code; Relocate produces load-ready copies.
type Program struct {
	code        []byte
	relocations []Relocation
	mode        Mode
	base        uint64
}

func NewProgram(code []byte, relocations []Relocation, mode Mode, base uint64) Program {
	return Program{
		code:        append([]byte(nil), code...),
		relocations: append([]Relocation(nil), relocations...),
		mode:        mode,
		base:        base,
	}
}

// Len returns the code size in bytes.
func (p Program) Len() int { return len(p.code) }

// Bytes returns a copy of the unrelocated code.
func (p Program) Bytes() []byte {
	return append([]byte(nil), p.code...)
}

func (p Program) Relocations() []Relocation {
	return append([]Relocation(nil), p.relocations...)
}

func (p Program) Mode() Mode { return p.mode }

// BaseAddress returns the load address the session was configured with.
func (p Program) BaseAddress() uint64 { return p.base }

// Image returns the code relocated against the configured base address.
func (p Program) Image() ([]byte, error) {
	return p.Relocate(p.base)
}

// Relocate returns a copy of the code with every absolute field set to
// base + target. It always starts from the unrelocated code, so calls with
// different bases are independent.
func (p Program) Relocate(base uint64) ([]byte, error) {
	out := append([]byte(nil), p.code...)
	for _, r := range p.relocations {
		value, err := p.relocatedValue(r, base)
		if err != nil {
			return nil, err
		}
		copy(out[r.Offset:], putField(value, r.Size))
	}
	return out, nil
}

func (p Program) relocatedValue(r Relocation, base uint64) (uint64, error) {
	if r.Size != 4 && r.Size != 8 {
		return 0, fmt.Errorf("relocation at %#x has %d-byte field: %w", r.Offset, r.Size, ErrUnrelocatableReference)
	}
	if r.Offset < 0 || r.Offset+r.Size > len(p.code) {
		return 0, fmt.Errorf("relocation field [%d, %d) outside code of %d bytes: %w",
			r.Offset, r.Offset+r.Size, len(p.code), ErrUnrelocatableReference)
	}
	if r.Target < 0 || r.Target > int64(len(p.code)) {
		return 0, fmt.Errorf("relocation at %#x targets %d outside code of %d bytes: %w",
			r.Offset, r.Target, len(p.code), ErrUnrelocatableReference)
	}
	value := base + uint64(r.Target)
	if value < base {
		return 0, fmt.Errorf("relocation at %#x overflows address space: %w", r.Offset, ErrUnrelocatableReference)
	}
	if r.Size == 4 {
		limit := uint64(math.MaxUint32)
		if r.Signed {
			limit = math.MaxInt32
		}
		if value > limit {
			return 0, fmt.Errorf("relocation at %#x: address %#x does not fit a 4-byte field: %w",
				r.Offset, value, ErrUnrelocatableReference)
		}
	}
	return value, nil
}

func (p Program) Clone() Program {
	return NewProgram(p.code, p.relocations, p.mode, p.base)
}
