package amd64

import (
	"testing"

	"github.com/tinyrange/jit/internal/asm"
	"github.com/tinyrange/jit/internal/asm/testutil"
)

func TestKitchenSinkDisassemblyAMD64(t *testing.T) {
	frag, expect := buildAMD64KitchenSink()

	prog, err := Assemble(asm.DefaultTarget(), frag)
	if err != nil {
		t.Fatalf("Assemble failed: %v", err)
	}

	lines := testutil.DisassembleWithObjdump(t, prog.Bytes(), asm.Mode64, "-M", "att")
	testutil.VerifyExpectations(t, lines, expect)
}

func TestKitchenSinkDisassemblyX86(t *testing.T) {
	var b sinkBuilder
	b.add("mov_abs", "mov", MovFromMemory(Reg32(RAX), MemAbs(0x1000)), "0x1000,%eax")
	b.add("inc_short", "inc", Inc(Reg32(RCX)), "%ecx")
	b.add("dec_short", "dec", Dec(Reg32(RDX)), "%edx")
	b.add("push", "push", Push(Reg32(RBP)), "%ebp")
	b.add("mov_sib", "mov", MovFromMemory(Reg32(RAX), MemIndex(Reg32(RBX), Reg32(RCX), 2)), "(%ebx,%ecx,2),%eax")
	b.add("add_esp", "add", AddRegImm(Reg32(RSP), 16), "$0x10,%esp")
	b.add("pop", "pop", Pop(Reg32(RBP)), "%ebp")
	b.add("ret", "ret", Ret())

	prog, err := Assemble(asm.Target{Mode: asm.Mode32}, b.fragment())
	if err != nil {
		t.Fatalf("Assemble failed: %v", err)
	}
	lines := testutil.DisassembleWithObjdump(t, prog.Bytes(), asm.Mode32, "-M", "att")
	testutil.VerifyExpectations(t, lines, b.expectations)
}

type sinkBuilder struct {
	fragments    []asm.Fragment
	expectations []testutil.Expectation
}

func (b *sinkBuilder) append(frag asm.Fragment) {
	if frag == nil {
		return
	}
	b.fragments = append(b.fragments, frag)
}

func (b *sinkBuilder) add(name, mnemonic string, frag asm.Fragment, contains ...string) {
	b.append(frag)
	b.expectations = append(b.expectations, testutil.Expectation{
		Name:     name,
		Mnemonic: mnemonic,
		Contains: contains,
	})
}

func (b *sinkBuilder) fragment() asm.Fragment {
	return asm.Group(b.fragments)
}

func buildAMD64KitchenSink() (asm.Fragment, []testutil.Expectation) {
	var builder sinkBuilder

	builder.add("mov_imm", "movabs", MovImmediate(Reg64(RAX), 0x1122334455667788), "$0x1122334455667788,%rax")
	builder.add("mov_imm32", "mov", MovImmediate(Reg64(RCX), 0x10), "$0x10,%ecx")
	builder.add("mov_imm_neg", "mov", MovImmediate(Reg64(RDX), -1), "$0xffffffffffffffff,%rdx")
	builder.add("mov_reg", "mov", MovReg(Reg64(R9), Reg64(R10)), "%r10,%r9")
	builder.add("mov_to_memory", "mov", MovToMemory(Mem(Reg64(RSP)).WithDisp(0x28), Reg64(RAX)), "%rax,0x28(%rsp)")
	builder.add("mov_from_memory", "mov", MovFromMemory(Reg64(RBX), Mem(Reg64(RSP)).WithDisp(0x18)), "0x18(%rsp),%rbx")
	builder.add("mov_r13", "mov", MovFromMemory(Reg64(RAX), Mem(Reg64(R13))), "0x0(%r13),%rax")
	builder.add("mov_store_imm8", "movb", Inst(MOV, Mem(Reg64(RDX)).WithDisp(0x5).WithSize(8), Imm(0x7f)), "$0x7f,0x5(%rdx)")
	builder.add("call_reg", "call", CallReg(Reg64(R11)), "*%r11")
	builder.add("lea_sib", "lea", Lea(Reg64(RAX), MemIndex(Reg64(RBX), Reg64(RCX), 4).WithDisp(0x10)), "0x10(%rbx,%rcx,4),%rax")

	builder.add("add_reg_imm", "add", AddRegImm(Reg64(RAX), 0x21), "$0x21,%rax")
	builder.add("add_acc_imm32", "add", AddRegImm(Reg32(RAX), 0x1000), "$0x1000,%eax")
	builder.add("add_reg_reg", "add", AddRegReg(Reg64(R14), Reg64(R15)), "%r15,%r14")
	builder.add("sub_reg_reg", "sub", SubRegReg(Reg64(R13), Reg64(R12)), "%r12,%r13")
	builder.add("or_reg_reg", "or", OrRegReg(Reg64(R11), Reg64(R10)), "%r10,%r11")
	builder.add("cmp_reg_imm", "cmp", CmpRegImm(Reg64(R9), 0x44), "$0x44,%r9")
	builder.add("cmp_reg_reg", "cmp", CmpRegReg(Reg64(R8), Reg64(RCX)), "%rcx,%r8")
	builder.add("and_reg_reg", "and", AndRegReg(Reg64(RDX), Reg64(RSI)), "%rsi,%rdx")
	builder.add("and_reg_imm", "and", AndRegImm(Reg64(RDI), 0xff), "$0xff,%rdi")
	builder.add("or_reg_imm", "or", OrRegImm(Reg64(RBP), 0x33), "$0x33,%rbp")
	builder.add("xor_reg_reg", "xor", XorRegReg(Reg64(RBX), Reg64(RCX)), "%rcx,%rbx")
	builder.add("test_reg_reg", "test", TestRegReg(Reg32(RAX), Reg32(RAX)), "%eax,%eax")
	builder.add("add_byte", "add", Inst(ADD, Reg8(RSI), Imm(1)), "$0x1,%sil")

	builder.add("push", "push", Push(Reg64(R12)), "%r12")
	builder.add("pop", "pop", Pop(Reg64(R12)), "%r12")
	builder.add("inc", "inc", Inc(Reg64(RAX)), "%rax")
	builder.add("dec", "dec", Dec(Reg32(RCX)), "%ecx")
	builder.add("hlt", "hlt", Hlt())
	builder.add("shr_reg_imm", "shr", ShrRegImm(Reg64(RDX), 2), "$0x2,%rdx")
	builder.add("shl_reg_imm", "shl", ShlRegImm(Reg64(RCX), 3), "$0x3,%rcx")
	builder.add("shl_one", "shl", ShlRegImm(Reg32(RAX), 1), "%eax")
	builder.add("jmp_mem", "jmp", JumpMem(Mem(Reg64(RAX)).WithDisp(0x10)), "*0x10(%rax)")
	builder.add("jmp_reg", "jmp", JumpReg(Reg64(RAX)), "*%rax")
	builder.add("rex_add", "rex", Rex(ADD, Reg32(RSP), Imm(16)), "add", "$0x10,%esp")
	builder.add("int3", "int3", Int3())
	builder.add("ret", "ret", Ret())

	return builder.fragment(), builder.expectations
}
