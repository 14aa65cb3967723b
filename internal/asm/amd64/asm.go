package amd64

import (
	"encoding/binary"
	"fmt"
	"strings"

	"github.com/tinyrange/jit/internal/asm"
)

// Mnemonic names an instruction the assembler can encode.
type Mnemonic uint8

const (
	ADD Mnemonic = iota + 1
	OR
	AND
	SUB
	XOR
	CMP
	MOV
	LEA
	TEST
	PUSH
	POP
	INC
	DEC
	SHL
	SHR
	JMP
	JO
	JNO
	JB
	JAE
	JE
	JNE
	JBE
	JA
	JS
	JNS
	JP
	JNP
	JL
	JGE
	JLE
	JG
	CALL
	RET
	NOP
	INT3
	HLT
)

// Condition aliases.
const (
	JZ  = JE
	JNZ = JNE
	JC  = JB
	JNC = JAE
)

var mnemonicNames = map[Mnemonic]string{
	ADD: "add", OR: "or", AND: "and", SUB: "sub", XOR: "xor", CMP: "cmp",
	MOV: "mov", LEA: "lea", TEST: "test", PUSH: "push", POP: "pop",
	INC: "inc", DEC: "dec", SHL: "shl", SHR: "shr", JMP: "jmp",
	JO: "jo", JNO: "jno", JB: "jb", JAE: "jae", JE: "je", JNE: "jne",
	JBE: "jbe", JA: "ja", JS: "js", JNS: "jns", JP: "jp", JNP: "jnp",
	JL: "jl", JGE: "jge", JLE: "jle", JG: "jg",
	CALL: "call", RET: "ret", NOP: "nop", INT3: "int3", HLT: "hlt",
}

func (m Mnemonic) String() string {
	if name, ok := mnemonicNames[m]; ok {
		return name
	}
	return fmt.Sprintf("Mnemonic(%d)", uint8(m))
}

// condition returns the condition code of a Jcc mnemonic.
func (m Mnemonic) condition() (byte, bool) {
	if m >= JO && m <= JG {
		return byte(m - JO), true
	}
	return 0, false
}

type jumpForm uint8

const (
	formAuto jumpForm = iota
	formShort
	formLong
)

// Assembler encodes instructions into an attached Session. The first error
// is kept and reported by Err; later instructions are still attempted so
// callers can check once at the end.
type Assembler struct {
	session *asm.Session
	form    jumpForm
	rex     bool
	err     error
}

var (
	_ asm.Context = (*Assembler)(nil)
)

// NewAssembler returns an assembler attached to session, which may be nil.
func NewAssembler(session *asm.Session) *Assembler {
	return &Assembler{session: session}
}

// New creates a session for target and an assembler attached to it.
func New(target asm.Target) (*Assembler, error) {
	s, err := asm.NewSession(target)
	if err != nil {
		return nil, err
	}
	return NewAssembler(s), nil
}

func (a *Assembler) Session() *asm.Session { return a.session }

// Err returns the first error recorded since the session was attached.
func (a *Assembler) Err() error { return a.err }

// Attach connects the assembler to an open session. Any current session must
// be finalized, discarded or still empty.
func (a *Assembler) Attach(s *asm.Session) error {
	if s == nil {
		return fmt.Errorf("attach nil session: %w", asm.ErrInvalidOperand)
	}
	if s == a.session {
		return nil
	}
	if err := a.Detach(); err != nil {
		return err
	}
	if s.State() != asm.SessionOpen {
		return fmt.Errorf("attach session %d: %s: %w", s.ID(), s.State(), asm.ErrSessionClosed)
	}
	a.session = s
	return nil
}

// Detach disconnects the current session. An open session that already
// holds code cannot be left behind.
func (a *Assembler) Detach() error {
	s := a.session
	if s == nil {
		return nil
	}
	if s.State() == asm.SessionOpen && (s.Len() > 0 || len(s.Pending()) > 0) {
		return fmt.Errorf("detach session %d holding %d bytes: %w", s.ID(), s.Len(), asm.ErrSessionNotFinalized)
	}
	a.session = nil
	a.form = formAuto
	a.rex = false
	a.err = nil
	return nil
}

// Finalize resolves the attached session and detaches from it.
func (a *Assembler) Finalize() (asm.Program, error) {
	if a.session == nil {
		return asm.Program{}, fmt.Errorf("finalize: no session attached: %w", asm.ErrSessionClosed)
	}
	if a.err != nil {
		return asm.Program{}, a.err
	}
	prog, err := a.session.Finalize()
	if err != nil {
		return asm.Program{}, err
	}
	a.session = nil
	a.err = nil
	return prog, nil
}

// Short forces the next jump into its 8-bit displacement form.
func (a *Assembler) Short() *Assembler {
	a.form = formShort
	return a
}

// Long forces the next jump into its 32-bit displacement form.
func (a *Assembler) Long() *Assembler {
	a.form = formLong
	return a
}

// Rex emits a REX prefix on the next instruction even when none is required.
func (a *Assembler) Rex() *Assembler {
	a.rex = true
	return a
}

// Emit encodes one instruction at the cursor.
func (a *Assembler) Emit(mn Mnemonic, ops ...Operand) (asm.Span, error) {
	span, err := a.emit(mn, ops)
	a.form = formAuto
	a.rex = false
	if err != nil {
		err = fmt.Errorf("%s: %w", formatInstruction(mn, ops), err)
		a.record(err)
	}
	return span, err
}

func (a *Assembler) emit(mn Mnemonic, ops []Operand) (asm.Span, error) {
	s := a.session
	if s == nil {
		return asm.Span{}, fmt.Errorf("no session attached: %w", asm.ErrSessionClosed)
	}
	mode := s.Target().Mode
	for _, op := range ops {
		switch o := op.(type) {
		case Reg:
			if err := checkRegMode(o, mode); err != nil {
				return asm.Span{}, err
			}
		case LabelRef:
			if !s.Owns(o.label) {
				return asm.Span{}, fmt.Errorf("label %s is not owned by session %d: %w", o.label, s.ID(), asm.ErrInvalidOperand)
			}
		case Memory:
			if o.hasLabel && !s.Owns(o.label) {
				return asm.Span{}, fmt.Errorf("label %s is not owned by session %d: %w", o.label, s.ID(), asm.ErrInvalidOperand)
			}
		case nil:
			return asm.Span{}, fmt.Errorf("nil operand: %w", asm.ErrInvalidOperand)
		}
	}
	if a.form != formAuto && !isBranch(mn) {
		return asm.Span{}, fmt.Errorf("jump form modifier on non-branch instruction: %w", asm.ErrInvalidOperand)
	}
	if a.rex && mode != asm.Mode64 {
		return asm.Span{}, fmt.Errorf("REX prefix is not encodable in 32-bit mode: %w", asm.ErrInvalidOperand)
	}

	if isBranch(mn) && len(ops) == 1 {
		if ref, ok := ops[0].(LabelRef); ok {
			return a.emitBranch(mn, ref)
		}
	}
	if a.form != formAuto {
		return asm.Span{}, fmt.Errorf("jump form modifier needs a label target: %w", asm.ErrInvalidOperand)
	}

	in, err := encodeInstruction(mn, ops, mode)
	if err != nil {
		return asm.Span{}, err
	}
	force := a.rex || (s.Target().ForceREX && in.operands)
	enc, err := in.encode(mode, force)
	if err != nil {
		return asm.Span{}, err
	}

	start := s.Offset()
	span, err := s.Write(enc.code)
	if err != nil {
		return asm.Span{}, err
	}
	if f := enc.field; f != nil {
		err := s.AddFixup(asm.Fixup{
			Offset: start + f.at,
			Size:   f.size,
			Label:  f.label,
			Kind:   f.kind,
			Addend: f.addend,
			Signed: f.signed,
		})
		if err != nil {
			return span, err
		}
	}
	return span, nil
}

func isBranch(mn Mnemonic) bool {
	if _, ok := mn.condition(); ok {
		return true
	}
	return mn == JMP || mn == CALL
}

// branchOpcodes returns the short and long opcode bytes of a label branch.
// CALL has no short form.
func branchOpcodes(mn Mnemonic) (short, long []byte) {
	if cc, ok := mn.condition(); ok {
		return []byte{0x70 + cc}, []byte{0x0F, 0x80 + cc}
	}
	if mn == JMP {
		return []byte{0xEB}, []byte{0xE9}
	}
	return nil, []byte{0xE8}
}

// emitBranch writes a label jump or call. Every label branch is recorded as a
// fixup, even backward ones, so Resolve can repatch it after widening moves
// code around.
func (a *Assembler) emitBranch(mn Mnemonic, ref LabelRef) (asm.Span, error) {
	s := a.session
	short, long := branchOpcodes(mn)

	var prefix []byte
	if a.rex {
		prefix = []byte{0x40}
	}
	start := s.Offset()
	target, bound := s.LabelOffset(ref.label)
	shortLen := len(prefix) + len(short) + 1
	autoWiden := s.Target().AutoWiden

	useShort := false
	switch a.form {
	case formShort:
		if short == nil {
			return asm.Span{}, fmt.Errorf("%s has no 8-bit displacement form: %w", mn, asm.ErrInvalidOperand)
		}
		useShort = true
	case formLong:
	default:
		if short != nil {
			if bound {
				useShort = fitsInt8(int64(target - (start + shortLen)))
			} else {
				useShort = autoWiden
			}
		}
	}

	if useShort {
		code := make([]byte, 0, shortLen)
		code = append(code, prefix...)
		code = append(code, short...)
		code = append(code, 0)
		if bound {
			if disp := int64(target - (start + shortLen)); fitsInt8(disp) {
				code[len(code)-1] = byte(disp)
			}
		}
		var widen *asm.Widening
		if a.form == formAuto && autoWiden {
			longCode := make([]byte, 0, len(prefix)+len(long)+4)
			longCode = append(longCode, prefix...)
			longCode = append(longCode, long...)
			longCode = append(longCode, 0, 0, 0, 0)
			widen = &asm.Widening{
				InstStart: start,
				ShortLen:  len(code),
				Long:      longCode,
				LongField: len(prefix) + len(long),
			}
		}
		return a.writeBranch(code, 1, ref.label, widen)
	}

	code := make([]byte, 0, len(prefix)+len(long)+4)
	code = append(code, prefix...)
	code = append(code, long...)
	field := make([]byte, 4)
	if bound {
		binary.LittleEndian.PutUint32(field, uint32(int32(target-(start+len(code)+4))))
	}
	code = append(code, field...)
	return a.writeBranch(code, 4, ref.label, nil)
}

func (a *Assembler) writeBranch(code []byte, size int, label asm.Label, widen *asm.Widening) (asm.Span, error) {
	s := a.session
	span, err := s.Write(code)
	if err != nil {
		return asm.Span{}, err
	}
	err = s.AddFixup(asm.Fixup{
		Offset: span.End - size,
		Size:   size,
		Label:  label,
		Kind:   asm.FixupRelative,
		Widen:  widen,
	})
	return span, err
}

func fitsInt8(v int64) bool { return v >= -128 && v <= 127 }

func encodeInstruction(mn Mnemonic, ops []Operand, mode asm.Mode) (*instruction, error) {
	arity := func(n int) error {
		if len(ops) != n {
			return fmt.Errorf("%s takes %d operands, got %d: %w", mn, n, len(ops), asm.ErrInvalidOperand)
		}
		return nil
	}

	switch mn {
	case ADD, OR, AND, SUB, XOR, CMP:
		if err := arity(2); err != nil {
			return nil, err
		}
		return encodeALU(aluDigits[mn], ops[0], ops[1], mode)
	case MOV:
		if err := arity(2); err != nil {
			return nil, err
		}
		return encodeMov(ops[0], ops[1], mode)
	case LEA:
		if err := arity(2); err != nil {
			return nil, err
		}
		return encodeLea(ops[0], ops[1], mode)
	case TEST:
		if err := arity(2); err != nil {
			return nil, err
		}
		return encodeTest(ops[0], ops[1], mode)
	case PUSH, POP:
		if err := arity(1); err != nil {
			return nil, err
		}
		return encodeStack(mn == PUSH, ops[0], mode)
	case INC, DEC:
		if err := arity(1); err != nil {
			return nil, err
		}
		return encodeIncDec(mn == DEC, ops[0], mode)
	case SHL, SHR:
		if err := arity(2); err != nil {
			return nil, err
		}
		digit := byte(4)
		if mn == SHR {
			digit = 5
		}
		return encodeShift(digit, ops[0], ops[1], mode)
	case JMP, CALL:
		if err := arity(1); err != nil {
			return nil, err
		}
		digit := byte(4)
		if mn == CALL {
			digit = 2
		}
		return encodeIndirect(digit, ops[0], mode)
	case RET:
		return encodeRet(ops)
	case NOP, INT3, HLT:
		if err := arity(0); err != nil {
			return nil, err
		}
		return &instruction{opcode: []byte{singleByte[mn]}}, nil
	}
	if _, ok := mn.condition(); ok {
		return nil, fmt.Errorf("%s needs a label target: %w", mn, asm.ErrInvalidOperand)
	}
	return nil, fmt.Errorf("unknown mnemonic %s: %w", mn, asm.ErrInvalidOperand)
}

var aluDigits = map[Mnemonic]byte{ADD: aluAdd, OR: aluOr, AND: aluAnd, SUB: aluSub, XOR: aluXor, CMP: aluCmp}

var singleByte = map[Mnemonic]byte{NOP: 0x90, INT3: 0xCC, HLT: 0xF4}

func formatInstruction(mn Mnemonic, ops []Operand) string {
	if len(ops) == 0 {
		return mn.String()
	}
	parts := make([]string, len(ops))
	for i, op := range ops {
		if op == nil {
			parts[i] = "<nil>"
			continue
		}
		parts[i] = op.String()
	}
	return mn.String() + " " + strings.Join(parts, ", ")
}

func (a *Assembler) record(err error) {
	if a.err == nil {
		a.err = err
	}
}

// EmitBytes implements asm.Context.
func (a *Assembler) EmitBytes(data []byte) {
	if _, err := a.write(data); err != nil {
		a.record(err)
	}
}

func (a *Assembler) write(data []byte) (asm.Span, error) {
	if a.session == nil {
		return asm.Span{}, fmt.Errorf("emit bytes: no session attached: %w", asm.ErrSessionClosed)
	}
	return a.session.Write(data)
}

// Offset returns the cursor of the attached session.
func (a *Assembler) Offset() int {
	if a.session == nil {
		return 0
	}
	return a.session.Offset()
}

func (a *Assembler) SetOffset(offset int) error {
	if a.session == nil {
		return fmt.Errorf("set offset: no session attached: %w", asm.ErrSessionClosed)
	}
	return a.session.SetOffset(offset)
}

// NewLabel creates a label in the attached session. Without a session the
// returned label is invalid and the error is recorded.
func (a *Assembler) NewLabel() asm.Label {
	if a.session == nil {
		a.record(fmt.Errorf("new label: no session attached: %w", asm.ErrSessionClosed))
		return asm.Label{}
	}
	return a.session.NewLabel()
}

func (a *Assembler) Bind(label asm.Label) error {
	if a.session == nil {
		return fmt.Errorf("bind: no session attached: %w", asm.ErrSessionClosed)
	}
	if err := a.session.Bind(label); err != nil {
		a.record(err)
		return err
	}
	return nil
}

// DB emits raw bytes.
func (a *Assembler) DB(data ...byte) (asm.Span, error) {
	return a.data(data)
}

func (a *Assembler) DW(v uint16) (asm.Span, error) {
	return a.data(binary.LittleEndian.AppendUint16(nil, v))
}

func (a *Assembler) DD(v uint32) (asm.Span, error) {
	return a.data(binary.LittleEndian.AppendUint32(nil, v))
}

func (a *Assembler) DQ(v uint64) (asm.Span, error) {
	return a.data(binary.LittleEndian.AppendUint64(nil, v))
}

// DQLabel emits the 64-bit absolute address of label.
func (a *Assembler) DQLabel(label asm.Label) (asm.Span, error) {
	return a.dataLabel(label, 8)
}

// DDLabel emits the 32-bit absolute address of label.
func (a *Assembler) DDLabel(label asm.Label) (asm.Span, error) {
	return a.dataLabel(label, 4)
}

func (a *Assembler) data(p []byte) (asm.Span, error) {
	span, err := a.write(p)
	if err != nil {
		a.record(err)
	}
	return span, err
}

func (a *Assembler) dataLabel(label asm.Label, size int) (asm.Span, error) {
	s := a.session
	if s == nil {
		err := fmt.Errorf("emit label address: no session attached: %w", asm.ErrSessionClosed)
		a.record(err)
		return asm.Span{}, err
	}
	if !s.Owns(label) {
		err := fmt.Errorf("label %s is not owned by session %d: %w", label, s.ID(), asm.ErrInvalidOperand)
		a.record(err)
		return asm.Span{}, err
	}
	span, err := s.Write(make([]byte, size))
	if err == nil {
		err = s.AddFixup(asm.Fixup{Offset: span.Start, Size: size, Label: label, Kind: asm.FixupAbsolute})
	}
	if err != nil {
		a.record(err)
	}
	return span, err
}

// Assemble emits frag into a fresh session for target and finalizes it.
func Assemble(target asm.Target, frag asm.Fragment) (asm.Program, error) {
	a, err := New(target)
	if err != nil {
		return asm.Program{}, err
	}
	if err := frag.Emit(a); err != nil {
		a.session.Discard()
		return asm.Program{}, err
	}
	if a.err != nil {
		a.session.Discard()
		return asm.Program{}, a.err
	}
	prog, err := a.Finalize()
	if err != nil {
		a.session.Discard()
		return asm.Program{}, err
	}
	return prog, nil
}
