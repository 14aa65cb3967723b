package amd64

import (
	"fmt"
	"strings"

	"github.com/tinyrange/jit/internal/asm"
)

// RegID numbers general-purpose registers in hardware encoding order.
type RegID uint8

const (
	RAX RegID = iota
	RCX
	RDX
	RBX
	RSP
	RBP
	RSI
	RDI
	R8
	R9
	R10
	R11
	R12
	R13
	R14
	R15
)

type operandSize uint8

const (
	size8  operandSize = 1
	size16 operandSize = 2
	size32 operandSize = 4
	size64 operandSize = 8
)

// Operand is an instruction operand: Reg, Imm, Memory or LabelRef. The set
// is closed; the encoder rejects anything else.
type Operand interface {
	isOperand()
	String() string
}

// Reg represents a general-purpose register with an explicit operand size.
type Reg struct {
	id   RegID
	size operandSize
}

func (Reg) isOperand() {}

// Reg64 constructs a 64-bit register operand backed by the provided register id.
func Reg64(id RegID) Reg { return Reg{id: id, size: size64} }

// Reg32 constructs a 32-bit register operand backed by the provided register id.
func Reg32(id RegID) Reg { return Reg{id: id, size: size32} }

// Reg16 constructs a 16-bit register operand backed by the provided register id.
func Reg16(id RegID) Reg { return Reg{id: id, size: size16} }

// Reg8 constructs an 8-bit register operand backed by the provided register id.
// Ids 4-7 name SPL, BPL, SIL and DIL, which need a REX prefix.
func Reg8(id RegID) Reg { return Reg{id: id, size: size8} }

func (r Reg) ID() RegID { return r.id }

// Bits returns the operand width in bits.
func (r Reg) Bits() int { return int(r.size) * 8 }

func (r Reg) code() byte { return byte(r.id) & 7 }
func (r Reg) high() bool { return r.id >= R8 }

// needsREX reports whether the register can only be encoded with a REX
// prefix present.
func (r Reg) needsREX() bool {
	return r.high() || (r.size == size8 && r.id >= RSP && r.id <= RDI)
}

var regNames = [16][4]string{
	{"al", "ax", "eax", "rax"},
	{"cl", "cx", "ecx", "rcx"},
	{"dl", "dx", "edx", "rdx"},
	{"bl", "bx", "ebx", "rbx"},
	{"spl", "sp", "esp", "rsp"},
	{"bpl", "bp", "ebp", "rbp"},
	{"sil", "si", "esi", "rsi"},
	{"dil", "di", "edi", "rdi"},
	{"r8b", "r8w", "r8d", "r8"},
	{"r9b", "r9w", "r9d", "r9"},
	{"r10b", "r10w", "r10d", "r10"},
	{"r11b", "r11w", "r11d", "r11"},
	{"r12b", "r12w", "r12d", "r12"},
	{"r13b", "r13w", "r13d", "r13"},
	{"r14b", "r14w", "r14d", "r14"},
	{"r15b", "r15w", "r15d", "r15"},
}

func (r Reg) String() string {
	if r.id > R15 {
		return fmt.Sprintf("reg(%d)", r.id)
	}
	switch r.size {
	case size8:
		return regNames[r.id][0]
	case size16:
		return regNames[r.id][1]
	case size32:
		return regNames[r.id][2]
	case size64:
		return regNames[r.id][3]
	}
	return fmt.Sprintf("reg(%d/%d)", r.id, r.size)
}

// Imm is an immediate operand. Its encoded width follows the other operand.
type Imm int64

func (Imm) isOperand() {}

func (i Imm) String() string { return fmt.Sprintf("%#x", int64(i)) }

// LabelRef uses a label as a branch target or as an address value.
type LabelRef struct {
	label asm.Label
}

func (LabelRef) isOperand() {}

// Rel references label as a jump or call target, or as the address loaded by
// MOV.
func Rel(label asm.Label) LabelRef { return LabelRef{label: label} }

func (l LabelRef) Label() asm.Label { return l.label }
func (l LabelRef) String() string   { return l.label.String() }

// Memory describes an effective address used by memory operands.
type Memory struct {
	base     Reg
	index    Reg
	disp     int32
	scale    uint8
	size     operandSize
	label    asm.Label
	hasBase  bool
	hasIndex bool
	hasLabel bool
	absolute bool
}

func (Memory) isOperand() {}

// Mem constructs a memory operand referencing [base].
func Mem(base Reg) Memory {
	return Memory{
		base:    base,
		scale:   1,
		hasBase: true,
	}
}

// MemIndex constructs a memory operand referencing [base + index*scale].
func MemIndex(base Reg, index Reg, scale uint8) Memory {
	if scale == 0 {
		scale = 1
	}
	return Memory{
		base:     base,
		index:    index,
		scale:    scale,
		hasBase:  true,
		hasIndex: true,
	}
}

// MemLabel references the memory at label. In 64-bit mode it is encoded
// RIP-relative; in 32-bit mode as an absolute address.
func MemLabel(label asm.Label) Memory {
	return Memory{label: label, scale: 1, hasLabel: true}
}

// MemLabelAbs references the memory at label through an absolute 32-bit
// address in either mode. The load address must fit the field.
func MemLabelAbs(label asm.Label) Memory {
	return Memory{label: label, scale: 1, hasLabel: true, absolute: true}
}

// MemAbs references a fixed 32-bit address.
func MemAbs(addr int32) Memory {
	return Memory{disp: addr, scale: 1, absolute: true}
}

// WithDisp returns a copy of the memory operand with the supplied displacement.
func (m Memory) WithDisp(disp int32) Memory {
	m.disp = disp
	return m
}

// Adjusted returns a copy with delta added to the displacement.
func (m Memory) Adjusted(delta int32) Memory {
	m.disp += delta
	return m
}

// WithSize returns a copy with an explicit access width of 8, 16, 32 or 64
// bits. Operands without a size take it from the other operand.
func (m Memory) WithSize(bits int) Memory {
	m.size = operandSize(bits / 8)
	return m
}

func (m Memory) Disp() int32 { return m.disp }

func (m Memory) String() string {
	var sb strings.Builder
	switch m.size {
	case size8:
		sb.WriteString("byte ")
	case size16:
		sb.WriteString("word ")
	case size32:
		sb.WriteString("dword ")
	case size64:
		sb.WriteString("qword ")
	}
	sb.WriteString("[")
	parts := 0
	if m.hasLabel {
		sb.WriteString(m.label.String())
		parts++
	}
	if m.hasBase {
		sb.WriteString(m.base.String())
		parts++
	}
	if m.hasIndex {
		if parts > 0 {
			sb.WriteString("+")
		}
		fmt.Fprintf(&sb, "%s*%d", m.index, m.scale)
		parts++
	}
	if m.disp != 0 || parts == 0 {
		if parts > 0 && m.disp >= 0 {
			sb.WriteString("+")
		}
		fmt.Fprintf(&sb, "%#x", m.disp)
	}
	sb.WriteString("]")
	return sb.String()
}

func (m Memory) validate(mode asm.Mode) error {
	if m.hasLabel && (m.hasBase || m.hasIndex) {
		return fmt.Errorf("label memory operand cannot have base or index: %w", asm.ErrInvalidOperand)
	}
	if m.hasLabel && !m.label.IsValid() {
		return fmt.Errorf("memory operand references invalid label: %w", asm.ErrInvalidOperand)
	}
	if !m.hasBase && m.hasIndex {
		return fmt.Errorf("memory operand requires base register: %w", asm.ErrInvalidOperand)
	}
	addrSize := size64
	if mode == asm.Mode32 {
		addrSize = size32
	}
	if m.hasBase {
		if m.base.size != addrSize {
			return fmt.Errorf("base register %s must be %d-bit: %w", m.base, addrSize*8, asm.ErrInvalidOperand)
		}
		if err := checkRegMode(m.base, mode); err != nil {
			return err
		}
	}
	if m.hasIndex {
		if m.index.size != addrSize {
			return fmt.Errorf("index register %s must be %d-bit: %w", m.index, addrSize*8, asm.ErrInvalidOperand)
		}
		if m.index.id == RSP {
			return fmt.Errorf("%s cannot be used as index register: %w", m.index, asm.ErrInvalidOperand)
		}
		if err := checkRegMode(m.index, mode); err != nil {
			return err
		}
		switch m.scale {
		case 1, 2, 4, 8:
		default:
			return fmt.Errorf("invalid index scale %d: %w", m.scale, asm.ErrInvalidOperand)
		}
	}
	switch m.size {
	case 0, size8, size16, size32, size64:
	default:
		return fmt.Errorf("invalid memory access width %d: %w", m.size*8, asm.ErrInvalidOperand)
	}
	if m.size == size64 && mode == asm.Mode32 {
		return fmt.Errorf("64-bit memory access in 32-bit mode: %w", asm.ErrInvalidOperand)
	}
	return nil
}

func checkRegMode(r Reg, mode asm.Mode) error {
	if r.id > R15 {
		return fmt.Errorf("unsupported register %d: %w", r.id, asm.ErrInvalidOperand)
	}
	switch r.size {
	case size8, size16, size32, size64:
	default:
		return fmt.Errorf("register %d has invalid width %d: %w", r.id, r.size, asm.ErrInvalidOperand)
	}
	if mode == asm.Mode32 && (r.size == size64 || r.needsREX()) {
		return fmt.Errorf("register %s is not encodable in 32-bit mode: %w", r, asm.ErrInvalidOperand)
	}
	return nil
}
