package amd64

import (
	"fmt"

	"github.com/tinyrange/jit/internal/asm"
)

// assembler recovers the Assembler behind ctx. Instruction fragments only
// emit into an Assembler, since encoding needs the session's target.
func assembler(ctx asm.Context) (*Assembler, error) {
	a, ok := ctx.(*Assembler)
	if !ok {
		return nil, fmt.Errorf("amd64 fragment emitted into %T: %w", ctx, asm.ErrInvalidOperand)
	}
	return a, nil
}

// Inst is a fragment that emits a single instruction.
func Inst(mn Mnemonic, ops ...Operand) asm.Fragment {
	ops = append([]Operand(nil), ops...)
	return asm.FragmentFunc(func(ctx asm.Context) error {
		a, err := assembler(ctx)
		if err != nil {
			return err
		}
		_, err = a.Emit(mn, ops...)
		return err
	})
}

// Rex emits the instruction with an extra REX prefix.
func Rex(mn Mnemonic, ops ...Operand) asm.Fragment {
	ops = append([]Operand(nil), ops...)
	return asm.FragmentFunc(func(ctx asm.Context) error {
		a, err := assembler(ctx)
		if err != nil {
			return err
		}
		_, err = a.Rex().Emit(mn, ops...)
		return err
	})
}

func MovImmediate(dst Reg, value int64) asm.Fragment { return Inst(MOV, dst, Imm(value)) }
func MovReg(dst, src Reg) asm.Fragment               { return Inst(MOV, dst, src) }
func MovToMemory(mem Memory, src Reg) asm.Fragment   { return Inst(MOV, mem, src) }
func MovFromMemory(dst Reg, mem Memory) asm.Fragment { return Inst(MOV, dst, mem) }

// LoadAddress loads the absolute address of label into dst.
func LoadAddress(dst Reg, label asm.Label) asm.Fragment { return Inst(MOV, dst, Rel(label)) }

func Lea(dst Reg, mem Memory) asm.Fragment { return Inst(LEA, dst, mem) }

func AddRegImm(reg Reg, value int32) asm.Fragment { return Inst(ADD, reg, Imm(value)) }
func AddRegReg(dst, src Reg) asm.Fragment         { return Inst(ADD, dst, src) }
func SubRegImm(reg Reg, value int32) asm.Fragment { return Inst(SUB, reg, Imm(value)) }
func SubRegReg(dst, src Reg) asm.Fragment         { return Inst(SUB, dst, src) }
func OrRegImm(reg Reg, value int32) asm.Fragment  { return Inst(OR, reg, Imm(value)) }
func OrRegReg(dst, src Reg) asm.Fragment          { return Inst(OR, dst, src) }
func AndRegImm(reg Reg, value int32) asm.Fragment { return Inst(AND, reg, Imm(value)) }
func AndRegReg(dst, src Reg) asm.Fragment         { return Inst(AND, dst, src) }
func XorRegReg(dst, src Reg) asm.Fragment         { return Inst(XOR, dst, src) }
func CmpRegImm(reg Reg, value int32) asm.Fragment { return Inst(CMP, reg, Imm(value)) }
func CmpRegReg(dst, src Reg) asm.Fragment         { return Inst(CMP, dst, src) }
func TestRegReg(dst, src Reg) asm.Fragment        { return Inst(TEST, dst, src) }

func ShlRegImm(reg Reg, count uint8) asm.Fragment { return Inst(SHL, reg, Imm(count)) }
func ShrRegImm(reg Reg, count uint8) asm.Fragment { return Inst(SHR, reg, Imm(count)) }

func Push(reg Reg) asm.Fragment   { return Inst(PUSH, reg) }
func Pop(reg Reg) asm.Fragment    { return Inst(POP, reg) }
func Inc(op Operand) asm.Fragment { return Inst(INC, op) }
func Dec(op Operand) asm.Fragment { return Inst(DEC, op) }

func CallReg(target Reg) asm.Fragment   { return Inst(CALL, target) }
func Call(label asm.Label) asm.Fragment { return Inst(CALL, Rel(label)) }

func Ret() asm.Fragment  { return Inst(RET) }
func Nop() asm.Fragment  { return Inst(NOP) }
func Int3() asm.Fragment { return Inst(INT3) }
func Hlt() asm.Fragment  { return Inst(HLT) }

// Nops emits n single-byte nops.
func Nops(n int) asm.Fragment {
	group := make(asm.Group, n)
	for i := range group {
		group[i] = Nop()
	}
	return group
}

type jump struct {
	mn    Mnemonic
	label asm.Label
	form  jumpForm
}

func (j *jump) Emit(ctx asm.Context) error {
	a, err := assembler(ctx)
	if err != nil {
		return err
	}
	switch j.form {
	case formShort:
		a.Short()
	case formLong:
		a.Long()
	}
	_, err = a.Emit(j.mn, Rel(j.label))
	return err
}

// Jump emits an unconditional jump, short when the target is already bound
// and within reach.
func Jump(label asm.Label) asm.Fragment { return &jump{mn: JMP, label: label} }

// ShortJump forces the 2-byte form; Resolve fails if the target is out of
// reach.
func ShortJump(label asm.Label) asm.Fragment { return &jump{mn: JMP, label: label, form: formShort} }

// LongJump forces the 5-byte form.
func LongJump(label asm.Label) asm.Fragment { return &jump{mn: JMP, label: label, form: formLong} }

func JumpReg(target Reg) asm.Fragment    { return Inst(JMP, target) }
func JumpMem(target Memory) asm.Fragment { return Inst(JMP, target) }

func JumpIf(mn Mnemonic, label asm.Label) asm.Fragment {
	return &jump{mn: mn, label: label}
}

func JumpIfNotEqual(label asm.Label) asm.Fragment     { return JumpIf(JNE, label) }
func JumpIfNotZero(label asm.Label) asm.Fragment      { return JumpIf(JNZ, label) }
func JumpIfAboveOrEqual(label asm.Label) asm.Fragment { return JumpIf(JAE, label) }
func JumpIfBelowOrEqual(label asm.Label) asm.Fragment { return JumpIf(JBE, label) }
func JumpIfEqual(label asm.Label) asm.Fragment        { return JumpIf(JE, label) }
func JumpIfLess(label asm.Label) asm.Fragment         { return JumpIf(JL, label) }
func JumpIfAbove(label asm.Label) asm.Fragment        { return JumpIf(JA, label) }
func JumpIfGreater(label asm.Label) asm.Fragment      { return JumpIf(JG, label) }

// Data64 emits the 64-bit value v.
func Data64(v uint64) asm.Fragment {
	return asm.FragmentFunc(func(ctx asm.Context) error {
		a, err := assembler(ctx)
		if err != nil {
			return err
		}
		_, err = a.DQ(v)
		return err
	})
}

// AddressOf emits the 64-bit absolute address of label.
func AddressOf(label asm.Label) asm.Fragment {
	return asm.FragmentFunc(func(ctx asm.Context) error {
		a, err := assembler(ctx)
		if err != nil {
			return err
		}
		_, err = a.DQLabel(label)
		return err
	})
}
