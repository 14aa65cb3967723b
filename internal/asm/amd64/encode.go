package amd64

import (
	"encoding/binary"
	"fmt"
	"math"

	"github.com/tinyrange/jit/internal/asm"
)

type rexState struct {
	w     bool
	r     bool
	x     bool
	b     bool
	force bool
}

func (r rexState) prefix() byte {
	if !r.w && !r.r && !r.x && !r.b && !r.force {
		return 0
	}
	p := byte(0x40)
	if r.w {
		p |= 0x08
	}
	if r.r {
		p |= 0x04
	}
	if r.x {
		p |= 0x02
	}
	if r.b {
		p |= 0x01
	}
	return p
}

// fieldRef is a label-dependent field inside an instruction.
type fieldRef struct {
	label  asm.Label
	kind   asm.FixupKind
	size   int
	signed bool
	addend int64
	at     int
}

// instruction collects the parts of one encoded instruction in the order the
// architecture lays them out.
type instruction struct {
	opsize   bool
	rex      rexState
	opcode   []byte
	modrm    byte
	hasModRM bool
	sib      []byte
	disp     []byte
	imm      []byte
	dispRef  *fieldRef
	immRef   *fieldRef
	// operands is set when the instruction names a register or memory
	// operand; the session-wide forced REX policy only applies to those.
	operands bool
}

type encoding struct {
	code  []byte
	field *fieldRef
}

func (in *instruction) encode(mode asm.Mode, forceREX bool) (encoding, error) {
	rex := in.rex
	rex.force = rex.force || forceREX

	out := make([]byte, 0, 16)
	if in.opsize {
		out = append(out, 0x66)
	}
	if p := rex.prefix(); p != 0 {
		if mode != asm.Mode64 {
			return encoding{}, fmt.Errorf("REX prefix is not encodable in 32-bit mode: %w", asm.ErrInvalidOperand)
		}
		out = append(out, p)
	}
	out = append(out, in.opcode...)
	if in.hasModRM {
		out = append(out, in.modrm)
	}
	out = append(out, in.sib...)

	var field *fieldRef
	if in.dispRef != nil {
		f := *in.dispRef
		f.at = len(out)
		field = &f
	}
	out = append(out, in.disp...)
	if in.immRef != nil {
		f := *in.immRef
		f.at = len(out)
		field = &f
	}
	out = append(out, in.imm...)

	// Relative fields are measured from the end of the instruction, which
	// may lie past the field when an immediate follows it.
	if field != nil && field.kind == asm.FixupRelative {
		field.addend -= int64(len(out) - (field.at + field.size))
	}
	return encoding{code: out, field: field}, nil
}

// setWidth applies the operand-size prefix or REX.W for size.
func (in *instruction) setWidth(size operandSize) {
	switch size {
	case size16:
		in.opsize = true
	case size64:
		in.rex.w = true
	}
}

// useReg marks REX requirements for a register that appears in any field.
func (in *instruction) useReg(r Reg) {
	in.operands = true
	if r.size == size8 && r.needsREX() {
		in.rex.force = true
	}
}

// setRegRM encodes rm as a register-direct ModRM operand with reg in the
// reg field.
func (in *instruction) setRegRM(rm Reg, reg byte) {
	in.useReg(rm)
	in.hasModRM = true
	in.modrm = 0xC0 | (reg&7)<<3 | rm.code()
	in.rex.b = rm.high()
}

// setReg places r in the ModRM reg field.
func (in *instruction) setReg(r Reg) {
	in.useReg(r)
	in.modrm |= r.code() << 3
	in.rex.r = r.high()
}

// setMemory encodes mem as the ModRM r/m operand with digit in the reg field.
func (in *instruction) setMemory(mem Memory, digit byte, mode asm.Mode) error {
	if err := mem.validate(mode); err != nil {
		return err
	}
	in.operands = true
	in.hasModRM = true
	reg := (digit & 7) << 3

	switch {
	case mem.hasLabel && !mem.absolute && mode == asm.Mode64:
		// [rip + disp32]
		in.modrm = 0x05 | reg
		in.disp = make([]byte, 4)
		in.dispRef = &fieldRef{label: mem.label, kind: asm.FixupRelative, size: 4, addend: int64(mem.disp)}
		return nil
	case mem.hasLabel || !mem.hasBase:
		if mode == asm.Mode64 {
			// SIB with no base and no index is an absolute disp32; plain
			// mod=00 rm=101 would be RIP-relative.
			in.modrm = 0x04 | reg
			in.sib = []byte{0x25}
		} else {
			in.modrm = 0x05 | reg
		}
		in.disp = make([]byte, 4)
		if mem.hasLabel {
			in.dispRef = &fieldRef{
				label:  mem.label,
				kind:   asm.FixupAbsolute,
				size:   4,
				signed: mode == asm.Mode64,
				addend: int64(mem.disp),
			}
		} else {
			binary.LittleEndian.PutUint32(in.disp, uint32(mem.disp))
		}
		return nil
	}

	in.useReg(mem.base)
	in.rex.b = mem.base.high()
	if mem.hasIndex {
		in.useReg(mem.index)
		in.rex.x = mem.index.high()
	}

	rm := mem.base.code()
	disp := mem.disp
	switch {
	case disp == 0 && rm != 5:
		in.modrm = 0x00
	case disp >= math.MinInt8 && disp <= math.MaxInt8:
		// [rbp] and [r13] have no disp-less form, so they land here with a
		// zero 8-bit displacement.
		in.modrm = 0x40
		in.disp = []byte{byte(disp)}
	default:
		in.modrm = 0x80
		in.disp = make([]byte, 4)
		binary.LittleEndian.PutUint32(in.disp, uint32(disp))
	}

	if mem.hasIndex || rm == 4 {
		indexCode := byte(4)
		if mem.hasIndex {
			indexCode = mem.index.code()
		}
		in.sib = []byte{scaleBits(mem.scale)<<6 | indexCode<<3 | rm}
		rm = 4
	}
	in.modrm |= reg | rm
	return nil
}

func scaleBits(scale uint8) byte {
	switch scale {
	case 2:
		return 1
	case 4:
		return 2
	case 8:
		return 3
	default:
		return 0
	}
}

// immFits reports whether v is representable in an immediate of size,
// accepting both signed and unsigned spellings. 64-bit operands only take
// sign-extended 32-bit immediates.
func immFits(v int64, size operandSize) bool {
	switch size {
	case size8:
		return v >= math.MinInt8 && v <= math.MaxUint8
	case size16:
		return v >= math.MinInt16 && v <= math.MaxUint16
	case size32:
		return v >= math.MinInt32 && v <= math.MaxUint32
	case size64:
		return v >= math.MinInt32 && v <= math.MaxInt32
	}
	return false
}

// signExtend reads v as the bit pattern of an operand of size, so unsigned
// spellings such as 0xFFFFFFFF for a 32-bit operand become -1.
func signExtend(v int64, size operandSize) int64 {
	switch size {
	case size8:
		return int64(int8(v))
	case size16:
		return int64(int16(v))
	case size32:
		return int64(int32(v))
	}
	return v
}

func immBytes(v int64, size operandSize) []byte {
	switch size {
	case size8:
		return []byte{byte(v)}
	case size16:
		out := make([]byte, 2)
		binary.LittleEndian.PutUint16(out, uint16(v))
		return out
	case size32:
		out := make([]byte, 4)
		binary.LittleEndian.PutUint32(out, uint32(v))
		return out
	default:
		out := make([]byte, 8)
		binary.LittleEndian.PutUint64(out, uint64(v))
		return out
	}
}

// immSize caps an operand width at the 32-bit immediate the ISA takes for
// 64-bit operations.
func immSize(size operandSize) operandSize {
	if size == size64 {
		return size32
	}
	return size
}

func checkImm(v int64, size operandSize) error {
	if !immFits(v, size) {
		return fmt.Errorf("immediate %#x does not fit %d-bit operand: %w", v, size*8, asm.ErrInvalidOperand)
	}
	return nil
}

// memSize resolves a memory operand's width against the register it is
// paired with.
func memSize(mem Memory, size operandSize) (operandSize, error) {
	if mem.size != 0 && mem.size != size {
		return 0, fmt.Errorf("mismatched operand widths: %d vs %d: %w", mem.size*8, size*8, asm.ErrInvalidOperand)
	}
	return size, nil
}

func explicitMemSize(mem Memory) (operandSize, error) {
	if mem.size == 0 {
		return 0, fmt.Errorf("memory operand %s needs an explicit width: %w", mem, asm.ErrInvalidOperand)
	}
	return mem.size, nil
}

func sameWidth(dst, src Reg) error {
	if dst.size != src.size {
		return fmt.Errorf("mismatched register widths: %d vs %d: %w", dst.size*8, src.size*8, asm.ErrInvalidOperand)
	}
	return nil
}

func chooseOpcode(size operandSize, wide, narrow byte) byte {
	if size == size8 {
		return narrow
	}
	return wide
}

// ALU group digits, shared by the 0x80/0x81/0x83 immediate forms.
const (
	aluAdd byte = 0
	aluOr  byte = 1
	aluAnd byte = 4
	aluSub byte = 5
	aluXor byte = 6
	aluCmp byte = 7
)

func encodeALU(digit byte, dst, src Operand, mode asm.Mode) (*instruction, error) {
	in := &instruction{}
	base := digit << 3

	switch d := dst.(type) {
	case Reg:
		switch s := src.(type) {
		case Reg:
			if err := sameWidth(d, s); err != nil {
				return nil, err
			}
			in.setWidth(d.size)
			in.opcode = []byte{chooseOpcode(d.size, base+0x01, base+0x00)}
			in.setRegRM(d, 0)
			in.setReg(s)
			return in, nil
		case Memory:
			if _, err := memSize(s, d.size); err != nil {
				return nil, err
			}
			in.setWidth(d.size)
			in.opcode = []byte{chooseOpcode(d.size, base+0x03, base+0x02)}
			if err := in.setMemory(s, 0, mode); err != nil {
				return nil, err
			}
			in.setReg(d)
			return in, nil
		case Imm:
			v := int64(s)
			if d.id == RAX && (d.size == size8 || !fitsInt8(signExtend(v, d.size))) {
				return accumulatorImm(in, base+0x04, d.size, v)
			}
			in.setRegRM(d, digit)
			return in, aluImm(in, v, d.size)
		}
	case Memory:
		switch s := src.(type) {
		case Reg:
			if _, err := memSize(d, s.size); err != nil {
				return nil, err
			}
			in.setWidth(s.size)
			in.opcode = []byte{chooseOpcode(s.size, base+0x01, base+0x00)}
			if err := in.setMemory(d, 0, mode); err != nil {
				return nil, err
			}
			in.setReg(s)
			return in, nil
		case Imm:
			size, err := explicitMemSize(d)
			if err != nil {
				return nil, err
			}
			if err := in.setMemory(d, digit, mode); err != nil {
				return nil, err
			}
			return in, aluImm(in, int64(s), size)
		}
	}
	return nil, fmt.Errorf("unsupported operand combination: %w", asm.ErrInvalidOperand)
}

// accumulatorImm encodes the short AL/AX/EAX/RAX immediate forms, which
// carry no ModRM byte. narrow is the byte-sized opcode; the wider one
// follows it.
func accumulatorImm(in *instruction, narrow byte, size operandSize, v int64) (*instruction, error) {
	if err := checkImm(v, size); err != nil {
		return nil, err
	}
	in.operands = true
	in.setWidth(size)
	in.opcode = []byte{chooseOpcode(size, narrow+1, narrow)}
	in.imm = immBytes(v, immSize(size))
	return in, nil
}

// aluImm picks 0x83 with an 8-bit immediate when the value fits, otherwise
// the full-width 0x81 form. Byte operations always use 0x80.
func aluImm(in *instruction, v int64, size operandSize) error {
	if err := checkImm(v, size); err != nil {
		return err
	}
	in.setWidth(size)
	switch {
	case size == size8:
		in.opcode = []byte{0x80}
		in.imm = []byte{byte(v)}
	case fitsInt8(signExtend(v, size)):
		in.opcode = []byte{0x83}
		in.imm = []byte{byte(v)}
	default:
		in.opcode = []byte{0x81}
		in.imm = immBytes(v, immSize(size))
	}
	return nil
}

func encodeMov(dst, src Operand, mode asm.Mode) (*instruction, error) {
	in := &instruction{}

	switch d := dst.(type) {
	case Reg:
		switch s := src.(type) {
		case Reg:
			if err := sameWidth(d, s); err != nil {
				return nil, err
			}
			in.setWidth(d.size)
			in.opcode = []byte{chooseOpcode(d.size, 0x89, 0x88)}
			in.setRegRM(d, 0)
			in.setReg(s)
			return in, nil
		case Memory:
			if _, err := memSize(s, d.size); err != nil {
				return nil, err
			}
			in.setWidth(d.size)
			in.opcode = []byte{chooseOpcode(d.size, 0x8B, 0x8A)}
			if err := in.setMemory(s, 0, mode); err != nil {
				return nil, err
			}
			in.setReg(d)
			return in, nil
		case Imm:
			return in, movRegImm(in, d, int64(s))
		case LabelRef:
			if d.size != size32 && d.size != size64 {
				return nil, fmt.Errorf("label address needs a 32- or 64-bit register: %w", asm.ErrInvalidOperand)
			}
			in.useReg(d)
			in.setWidth(d.size)
			in.rex.b = d.high()
			in.opcode = []byte{0xB8 + d.code()}
			in.imm = make([]byte, d.size)
			in.immRef = &fieldRef{label: s.label, kind: asm.FixupAbsolute, size: int(d.size)}
			return in, nil
		}
	case Memory:
		switch s := src.(type) {
		case Reg:
			if _, err := memSize(d, s.size); err != nil {
				return nil, err
			}
			in.setWidth(s.size)
			in.opcode = []byte{chooseOpcode(s.size, 0x89, 0x88)}
			if err := in.setMemory(d, 0, mode); err != nil {
				return nil, err
			}
			in.setReg(s)
			return in, nil
		case Imm:
			size, err := explicitMemSize(d)
			if err != nil {
				return nil, err
			}
			if err := checkImm(int64(s), size); err != nil {
				return nil, err
			}
			in.setWidth(size)
			in.opcode = []byte{chooseOpcode(size, 0xC7, 0xC6)}
			if err := in.setMemory(d, 0, mode); err != nil {
				return nil, err
			}
			in.imm = immBytes(int64(s), immSize(size))
			return in, nil
		}
	}
	return nil, fmt.Errorf("unsupported operand combination: %w", asm.ErrInvalidOperand)
}

// movRegImm picks the shortest move: a 32-bit move for values that
// zero-extend, a sign-extended imm32 and finally the 10-byte movabs.
func movRegImm(in *instruction, dst Reg, value int64) error {
	in.useReg(dst)
	in.rex.b = dst.high()

	switch dst.size {
	case size8, size16, size32:
		if err := checkImm(value, dst.size); err != nil {
			return err
		}
		in.setWidth(dst.size)
		in.opcode = []byte{chooseOpcode(dst.size, 0xB8+dst.code(), 0xB0+dst.code())}
		in.imm = immBytes(value, dst.size)
		return nil
	}

	switch {
	case value >= 0 && value <= math.MaxUint32:
		in.opcode = []byte{0xB8 + dst.code()}
		in.imm = immBytes(value, size32)
	case value >= math.MinInt32 && value < 0:
		in.rex.w = true
		in.opcode = []byte{0xC7}
		in.hasModRM = true
		in.modrm = 0xC0 | dst.code()
		in.imm = immBytes(value, size32)
	default:
		in.rex.w = true
		in.opcode = []byte{0xB8 + dst.code()}
		in.imm = immBytes(value, size64)
	}
	return nil
}

func encodeLea(dst, src Operand, mode asm.Mode) (*instruction, error) {
	d, ok := dst.(Reg)
	if !ok {
		return nil, fmt.Errorf("lea destination must be a register: %w", asm.ErrInvalidOperand)
	}
	m, ok := src.(Memory)
	if !ok {
		return nil, fmt.Errorf("lea source must be memory: %w", asm.ErrInvalidOperand)
	}
	if d.size == size8 {
		return nil, fmt.Errorf("lea needs a 16-, 32- or 64-bit register: %w", asm.ErrInvalidOperand)
	}
	in := &instruction{opcode: []byte{0x8D}}
	in.setWidth(d.size)
	if err := in.setMemory(m, 0, mode); err != nil {
		return nil, err
	}
	in.setReg(d)
	return in, nil
}

func encodeTest(dst, src Operand, mode asm.Mode) (*instruction, error) {
	in := &instruction{}
	switch s := src.(type) {
	case Reg:
		switch d := dst.(type) {
		case Reg:
			if err := sameWidth(d, s); err != nil {
				return nil, err
			}
			in.setWidth(d.size)
			in.opcode = []byte{chooseOpcode(d.size, 0x85, 0x84)}
			in.setRegRM(d, 0)
			in.setReg(s)
			return in, nil
		case Memory:
			if _, err := memSize(d, s.size); err != nil {
				return nil, err
			}
			in.setWidth(s.size)
			in.opcode = []byte{chooseOpcode(s.size, 0x85, 0x84)}
			if err := in.setMemory(d, 0, mode); err != nil {
				return nil, err
			}
			in.setReg(s)
			return in, nil
		}
	case Imm:
		var size operandSize
		switch d := dst.(type) {
		case Reg:
			if d.id == RAX {
				return accumulatorImm(in, 0xA8, d.size, int64(s))
			}
			size = d.size
			in.setRegRM(d, 0)
		case Memory:
			var err error
			if size, err = explicitMemSize(d); err != nil {
				return nil, err
			}
			if err := in.setMemory(d, 0, mode); err != nil {
				return nil, err
			}
		default:
			return nil, fmt.Errorf("unsupported operand combination: %w", asm.ErrInvalidOperand)
		}
		if err := checkImm(int64(s), size); err != nil {
			return nil, err
		}
		in.setWidth(size)
		in.opcode = []byte{chooseOpcode(size, 0xF7, 0xF6)}
		in.imm = immBytes(int64(s), immSize(size))
		return in, nil
	}
	return nil, fmt.Errorf("unsupported operand combination: %w", asm.ErrInvalidOperand)
}

// nativeSize is the default stack and branch operand width of mode.
func nativeSize(mode asm.Mode) operandSize {
	if mode == asm.Mode64 {
		return size64
	}
	return size32
}

func encodeStack(push bool, op Operand, mode asm.Mode) (*instruction, error) {
	in := &instruction{}
	switch o := op.(type) {
	case Reg:
		if o.size != nativeSize(mode) && o.size != size16 {
			return nil, fmt.Errorf("push/pop needs a %d- or 16-bit register: %w", nativeSize(mode)*8, asm.ErrInvalidOperand)
		}
		in.useReg(o)
		in.opsize = o.size == size16
		in.rex.b = o.high()
		if push {
			in.opcode = []byte{0x50 + o.code()}
		} else {
			in.opcode = []byte{0x58 + o.code()}
		}
		return in, nil
	case Imm:
		if !push {
			return nil, fmt.Errorf("pop cannot take an immediate: %w", asm.ErrInvalidOperand)
		}
		v := int64(o)
		switch {
		case v >= math.MinInt8 && v <= math.MaxInt8:
			in.opcode = []byte{0x6A}
			in.imm = []byte{byte(v)}
		case v >= math.MinInt32 && v <= math.MaxInt32:
			in.opcode = []byte{0x68}
			in.imm = immBytes(v, size32)
		default:
			return nil, fmt.Errorf("push immediate %#x does not fit 32 bits: %w", v, asm.ErrInvalidOperand)
		}
		return in, nil
	case Memory:
		if o.size != 0 && o.size != nativeSize(mode) {
			return nil, fmt.Errorf("push/pop memory must be %d-bit: %w", nativeSize(mode)*8, asm.ErrInvalidOperand)
		}
		if push {
			in.opcode = []byte{0xFF}
			return in, in.setMemory(o, 6, mode)
		}
		in.opcode = []byte{0x8F}
		return in, in.setMemory(o, 0, mode)
	}
	return nil, fmt.Errorf("unsupported operand combination: %w", asm.ErrInvalidOperand)
}

// encodeIncDec uses the one-byte 0x40+r forms in 32-bit mode. In 64-bit mode
// those bytes are REX prefixes, so only the ModRM forms exist there.
func encodeIncDec(dec bool, op Operand, mode asm.Mode) (*instruction, error) {
	digit := byte(0)
	if dec {
		digit = 1
	}
	in := &instruction{}
	switch o := op.(type) {
	case Reg:
		if mode == asm.Mode32 && o.size != size8 {
			in.useReg(o)
			in.setWidth(o.size)
			in.opcode = []byte{0x40 + digit<<3 + o.code()}
			return in, nil
		}
		in.setWidth(o.size)
		in.opcode = []byte{chooseOpcode(o.size, 0xFF, 0xFE)}
		in.setRegRM(o, digit)
		return in, nil
	case Memory:
		size, err := explicitMemSize(o)
		if err != nil {
			return nil, err
		}
		in.setWidth(size)
		in.opcode = []byte{chooseOpcode(size, 0xFF, 0xFE)}
		return in, in.setMemory(o, digit, mode)
	}
	return nil, fmt.Errorf("unsupported operand combination: %w", asm.ErrInvalidOperand)
}

func encodeShift(digit byte, dst, count Operand, mode asm.Mode) (*instruction, error) {
	c, ok := count.(Imm)
	if !ok {
		return nil, fmt.Errorf("shift count must be an immediate: %w", asm.ErrInvalidOperand)
	}
	if c <= 0 || c > 255 {
		return nil, fmt.Errorf("shift count %d out of range: %w", int64(c), asm.ErrInvalidOperand)
	}

	in := &instruction{}
	var size operandSize
	switch d := dst.(type) {
	case Reg:
		size = d.size
		in.setRegRM(d, digit)
	case Memory:
		var err error
		if size, err = explicitMemSize(d); err != nil {
			return nil, err
		}
		if err := in.setMemory(d, digit, mode); err != nil {
			return nil, err
		}
	default:
		return nil, fmt.Errorf("unsupported operand combination: %w", asm.ErrInvalidOperand)
	}

	in.setWidth(size)
	if c == 1 {
		in.opcode = []byte{chooseOpcode(size, 0xD1, 0xD0)}
		return in, nil
	}
	in.opcode = []byte{chooseOpcode(size, 0xC1, 0xC0)}
	in.imm = []byte{byte(c)}
	return in, nil
}

// encodeIndirect encodes the FF /digit register and memory forms of jmp and
// call. The operand is always the mode's native width, so no REX.W.
func encodeIndirect(digit byte, op Operand, mode asm.Mode) (*instruction, error) {
	in := &instruction{opcode: []byte{0xFF}}
	switch o := op.(type) {
	case Reg:
		if o.size != nativeSize(mode) {
			return nil, fmt.Errorf("indirect target %s must be %d-bit: %w", o, nativeSize(mode)*8, asm.ErrInvalidOperand)
		}
		in.setRegRM(o, digit)
		return in, nil
	case Memory:
		if o.size != 0 && o.size != nativeSize(mode) {
			return nil, fmt.Errorf("indirect target must be %d-bit memory: %w", nativeSize(mode)*8, asm.ErrInvalidOperand)
		}
		return in, in.setMemory(o, digit, mode)
	}
	return nil, fmt.Errorf("unsupported operand combination: %w", asm.ErrInvalidOperand)
}

func encodeRet(ops []Operand) (*instruction, error) {
	switch len(ops) {
	case 0:
		return &instruction{opcode: []byte{0xC3}}, nil
	case 1:
		v, ok := ops[0].(Imm)
		if !ok || v < 0 || v > math.MaxUint16 {
			return nil, fmt.Errorf("ret takes a 16-bit unsigned immediate: %w", asm.ErrInvalidOperand)
		}
		return &instruction{opcode: []byte{0xC2}, imm: immBytes(int64(v), size16)}, nil
	}
	return nil, fmt.Errorf("ret takes at most one operand: %w", asm.ErrInvalidOperand)
}
