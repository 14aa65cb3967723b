// Package demo builds the two demonstration programs: a shell code sample
// that exercises labels, memory operands, offset rewinding and prefixes,
// and a two-argument add function executed in-process.
package demo

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"runtime"

	"github.com/tinyrange/jit/internal/asm"
	"github.com/tinyrange/jit/internal/asm/amd64"
	"github.com/tinyrange/jit/internal/config"
)

// ShellCode returns the sample program for mode. The 32-bit variant keeps
// the layout but addresses through eax and drops the 64-bit-only
// instructions.
func ShellCode(mode asm.Mode) asm.Fragment {
	return asm.WithLabels(2, func(labels ...asm.Label) asm.Fragment {
		next, rva := labels[0], labels[1]

		ptr := amd64.Reg64(amd64.RAX)
		if mode == asm.Mode32 {
			ptr = amd64.Reg32(amd64.RAX)
		}
		base := amd64.Mem(ptr)

		group := asm.Group{
			// Three encodings of the same forward jump.
			amd64.Jump(next),
			amd64.LongJump(next),
			amd64.ShortJump(next),
			amd64.Nop(),
			asm.MarkLabel(next),
			amd64.Nops(2),

			// Indirect jump through a quadword stored at a label.
			amd64.JumpMem(amd64.MemLabel(rva)),
			asm.MarkLabel(rva),
			amd64.Data64(0x1122334455667788),
			amd64.Nops(8),

			amd64.JumpMem(base.WithDisp(1)),
			amd64.Nops(3),
			amd64.JumpMem(base.Adjusted(0x10)),
			amd64.JumpMem(base.Adjusted(0x20)),
			amd64.Nops(3),
		}

		if mode == asm.Mode64 {
			group = append(group, amd64.AddRegImm(amd64.Reg64(amd64.RAX), 1))
		}
		group = append(group,
			amd64.AddRegImm(amd64.Reg32(amd64.RAX), 1),
			amd64.Nops(3),
			rewind(ptr),
			amd64.AddRegImm(amd64.Reg32(amd64.RSP), 16),
		)
		if mode == asm.Mode64 {
			group = append(group,
				amd64.Rex(amd64.ADD, amd64.Reg32(amd64.RSP), amd64.Imm(16)),
				amd64.AddRegImm(amd64.Reg64(amd64.RSP), 16),
			)
		}
		return group
	})
}

// rewind emits "xor reg, reg" and three nops, moves the cursor back to the
// xor and overwrites it with ret and three nops.
func rewind(reg amd64.Reg) asm.Fragment {
	return asm.FragmentFunc(func(ctx asm.Context) error {
		start := ctx.Offset()
		if err := (asm.Group{
			amd64.XorRegReg(reg, reg),
			amd64.Nops(3),
		}).Emit(ctx); err != nil {
			return err
		}
		if err := ctx.SetOffset(start); err != nil {
			return err
		}
		return (asm.Group{amd64.Ret(), amd64.Nops(3)}).Emit(ctx)
	})
}

// AddFunc returns a function that adds its first two 32-bit integer
// arguments, using the host calling convention.
func AddFunc() asm.Fragment {
	res := amd64.IntResult(32)
	return asm.Group{
		amd64.XorRegReg(res, res),
		amd64.AddRegReg(res, amd64.IntArg(0, 32)),
		amd64.AddRegReg(res, amd64.IntArg(1, 32)),
		amd64.Ret(),
	}
}

// Options control the parts of Run that depend on the caller's terminal.
type Options struct {
	// Color enables ANSI styling in the hex dump.
	Color  bool
	// NoRun assembles the add function without executing it.
	NoRun  bool
	Logger *slog.Logger
}

// CanExecute reports whether generated programs can run in this process.
func CanExecute() bool {
	switch runtime.GOOS {
	case "linux", "darwin", "windows":
		return runtime.GOARCH == "amd64"
	}
	return false
}

// Run assembles the shell code for cfg's target and dumps it to out, then
// reuses the same assembler for the add function and calls add(1, 2).
func Run(ctx context.Context, cfg config.Config, out io.Writer, opts Options) error {
	logger := opts.Logger
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}

	target, err := cfg.Target.Target()
	if err != nil {
		return fmt.Errorf("configure target: %w", err)
	}

	fmt.Fprintln(out, "Start")

	a, err := amd64.New(target)
	if err != nil {
		return fmt.Errorf("create assembler: %w", err)
	}
	a.Session().SetLogger(logger)

	if err := ShellCode(target.Mode).Emit(a); err != nil {
		a.Session().Discard()
		return fmt.Errorf("emit shell code: %w", err)
	}
	shell, err := a.Finalize()
	if err != nil {
		return fmt.Errorf("finalize shell code: %w", err)
	}
	image, err := shell.Image()
	if err != nil {
		return fmt.Errorf("relocate shell code: %w", err)
	}
	logger.Debug("shell code assembled",
		"mode", target.Mode,
		"base", fmt.Sprintf("%#x", target.BaseAddress),
		"relocations", len(shell.Relocations()),
	)

	if err := Dump(out, image, target.BaseAddress, DumpOptions{Width: cfg.Dump.Width, Color: opts.Color}); err != nil {
		return fmt.Errorf("dump shell code: %w", err)
	}
	fmt.Fprintf(out, "Len = %d\n", shell.Len())

	if err := ctx.Err(); err != nil {
		return err
	}

	// The add function always targets the host.
	if err := a.Detach(); err != nil {
		return fmt.Errorf("detach assembler: %w", err)
	}
	session, err := asm.NewSession(asm.Target{Mode: asm.Mode64})
	if err != nil {
		return fmt.Errorf("create add session: %w", err)
	}
	session.SetLogger(logger)
	if err := a.Attach(session); err != nil {
		return fmt.Errorf("attach assembler: %w", err)
	}
	if err := AddFunc().Emit(a); err != nil {
		session.Discard()
		return fmt.Errorf("emit add function: %w", err)
	}
	add, err := a.Finalize()
	if err != nil {
		return fmt.Errorf("finalize add function: %w", err)
	}
	logger.Debug("add function assembled", "len", add.Len())

	if opts.NoRun || !CanExecute() {
		if !opts.NoRun {
			logger.Info("skipping execution", "goos", runtime.GOOS, "goarch", runtime.GOARCH)
		}
		fmt.Fprintf(out, "add: %d bytes, not executed\n", add.Len())
		fmt.Fprintln(out, "End")
		return nil
	}

	exe, err := amd64.Load(add)
	if err != nil {
		return fmt.Errorf("load add function: %w", err)
	}
	defer exe.Release()
	logger.Debug("add function loaded", "entry", fmt.Sprintf("%#x", exe.Entry()))

	ret := amd64.Func2[uint32, uint32, uint32](exe)(1, 2)
	fmt.Fprintf(out, "iRet = %d\n", ret)
	fmt.Fprintln(out, "End")
	return nil
}
