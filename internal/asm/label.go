package asm

import "fmt"

// Label is a symbolic code position created by a Session. Its offset is
// unknown until it is bound. The zero Label is invalid.
type Label struct {
	session uint64
	index   int
}

// IsValid reports whether the label was created by a session.
func (l Label) IsValid() bool { return l.session != 0 }

func (l Label) String() string {
	if !l.IsValid() {
		return "L<invalid>"
	}
	return fmt.Sprintf("L%d", l.index)
}

// FixupKind classifies how a pending reference is resolved.
type FixupKind uint8

const (
	// FixupRelative fields hold target - (field end), valid wherever the
	// code is loaded.
	FixupRelative FixupKind = iota
	// FixupAbsolute fields hold the target's offset from the start of the
	// code until the Relocator adds the load address.
	FixupAbsolute
)

func (k FixupKind) String() string {
	switch k {
	case FixupRelative:
		return "relative"
	case FixupAbsolute:
		return "absolute"
	default:
		return fmt.Sprintf("FixupKind(%d)", uint8(k))
	}
}

// Widening describes how a short relative jump is rewritten into its long
// form when its displacement does not fit a byte.
type Widening struct {
	// InstStart is the offset of the first byte of the short instruction.
	InstStart int
	// ShortLen is the length of the short instruction.
	ShortLen int
	// Long is the complete long instruction with a zeroed displacement.
	Long []byte
	// LongField is the position of the 4-byte displacement inside Long.
	LongField int
}

// Fixup is a pending reference from the buffer to a label.
type Fixup struct {
	// Offset is where the encoded field begins.
	Offset int
	// Size is the field width in bytes: 1, 2, 4 or 8.
	Size  int
	Label Label
	Kind  FixupKind
	// Addend is added to the label offset before the field is computed.
	Addend int64
	// Signed marks absolute fields the CPU sign-extends (imm32/disp32 in
	// 64-bit mode). It bounds the addresses the Relocator accepts.
	Signed bool
	// Widen is set on short jumps that may grow during Resolve.
	Widen *Widening
}

func (f Fixup) span() Span {
	return Span{Start: f.Offset, End: f.Offset + f.Size}
}

func (f Fixup) validate() error {
	switch f.Size {
	case 1, 2, 4, 8:
	default:
		return fmt.Errorf("fixup field size %d: %w", f.Size, ErrInvalidOperand)
	}
	if f.Kind == FixupAbsolute && f.Size < 4 {
		return fmt.Errorf("absolute fixup needs a 4 or 8 byte field, got %d: %w", f.Size, ErrInvalidOperand)
	}
	if f.Widen != nil {
		if f.Kind != FixupRelative || f.Size != 1 {
			return fmt.Errorf("only 1-byte relative fixups can widen: %w", ErrInvalidOperand)
		}
		if f.Widen.LongField < 0 || f.Widen.LongField+4 > len(f.Widen.Long) {
			return fmt.Errorf("widened field [%d, %d) outside long form of %d bytes: %w",
				f.Widen.LongField, f.Widen.LongField+4, len(f.Widen.Long), ErrInvalidOperand)
		}
	}
	return nil
}

func fitsSigned(v int64, size int) bool {
	switch size {
	case 1:
		return v >= -1<<7 && v < 1<<7
	case 2:
		return v >= -1<<15 && v < 1<<15
	case 4:
		return v >= -1<<31 && v < 1<<31
	default:
		return true
	}
}
