package asm

import "fmt"

// Mode selects the instruction set width of a session.
type Mode int

const (
	Mode32 Mode = 32
	Mode64 Mode = 64
)

func (m Mode) String() string {
	switch m {
	case Mode32:
		return "x86"
	case Mode64:
		return "x64"
	default:
		return fmt.Sprintf("Mode(%d)", int(m))
	}
}

// Target is the architecture context of an emission session. It is fixed
// when the session is created.
type Target struct {
	Mode Mode
	// BaseAddress is the load address Program.Image resolves absolute
	// references against. Zero leaves them relative to the start of the code.
	BaseAddress uint64
	// ForceREX emits an empty REX prefix on every register or memory
	// instruction that would otherwise encode without one. 64-bit mode only.
	ForceREX bool
	// AutoWiden lets unforced forward jumps start in their short form and
	// grow to the long form during Resolve when the displacement needs it.
	AutoWiden bool
}

// DefaultTarget returns a 64-bit target with no base address.
func DefaultTarget() Target {
	return Target{Mode: Mode64}
}

func (t Target) validate() error {
	switch t.Mode {
	case Mode32:
		if t.ForceREX {
			return fmt.Errorf("forced REX prefix requires 64-bit mode: %w", ErrInvalidOperand)
		}
		if t.BaseAddress > 0xFFFFFFFF {
			return fmt.Errorf("base address %#x does not fit a 32-bit address space: %w", t.BaseAddress, ErrInvalidOperand)
		}
	case Mode64:
	default:
		return fmt.Errorf("unsupported mode %d: %w", int(t.Mode), ErrInvalidOperand)
	}
	return nil
}

// Context is the emission surface fragments write into. Both *Session and
// architecture assemblers implement it.
type Context interface {
	EmitBytes(data []byte)
	Offset() int
	SetOffset(offset int) error
	NewLabel() Label
	Bind(label Label) error
}

type Fragment interface {
	Emit(ctx Context) error
}

type Group []Fragment

var (
	_ Fragment = Group{}
)

func (g Group) Emit(ctx Context) error {
	for _, frag := range g {
		if err := frag.Emit(ctx); err != nil {
			return err
		}
	}
	return nil
}

// FragmentFunc adapts a function to the Fragment interface.
type FragmentFunc func(ctx Context) error

func (f FragmentFunc) Emit(ctx Context) error { return f(ctx) }

type labelDef struct {
	label Label
}

// MarkLabel binds label at the position the fragment is emitted.
func MarkLabel(label Label) Fragment {
	return &labelDef{label: label}
}

func (l *labelDef) Emit(ctx Context) error {
	return ctx.Bind(l.label)
}

// Bytes emits raw data.
func Bytes(data []byte) Fragment {
	data = append([]byte(nil), data...)
	return FragmentFunc(func(ctx Context) error {
		ctx.EmitBytes(data)
		return nil
	})
}

// WithLabels creates n labels in the emitting context and emits the
// fragment build returns for them. It lets label-using code be described as
// a value before any session exists.
func WithLabels(n int, build func(labels ...Label) Fragment) Fragment {
	return FragmentFunc(func(ctx Context) error {
		labels := make([]Label, n)
		for i := range labels {
			labels[i] = ctx.NewLabel()
		}
		return build(labels...).Emit(ctx)
	})
}
