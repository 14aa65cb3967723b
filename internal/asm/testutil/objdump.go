package testutil

import (
	"bufio"
	"fmt"
	"os"
	"os/exec"
	"strconv"
	"strings"
	"testing"

	"github.com/tinyrange/jit/internal/asm"
)

// DisasmLine represents a single instruction line emitted by objdump.
type DisasmLine struct {
	Offset     int
	Text       string
	Normalized string
	Mnemonic   string
}

// Contains reports whether the normalized instruction text contains the provided substring.
func (l DisasmLine) Contains(substr string) bool {
	return strings.Contains(l.Normalized, substr)
}

// objdumpMachine maps a target mode to the objdump -m architecture name.
func objdumpMachine(mode asm.Mode) string {
	if mode == asm.Mode32 {
		return "i386"
	}
	return "i386:x86-64"
}

// DisassembleWithObjdump writes code to a raw binary file and runs GNU
// objdump over it for the given mode. The test is skipped when objdump is
// not installed.
func DisassembleWithObjdump(t *testing.T, code []byte, mode asm.Mode, extraArgs ...string) []DisasmLine {
	t.Helper()
	args := []string{"-D", "--no-show-raw-insn", "-b", "binary", "-m", objdumpMachine(mode)}
	args = append(args, extraArgs...)
	return DisassembleWithTool(t, "objdump", code, args...)
}

// DisassembleWithTool stores code in a temporary file and invokes the
// requested disassembler with args followed by the file name.
func DisassembleWithTool(t *testing.T, tool string, code []byte, args ...string) []DisasmLine {
	t.Helper()

	toolPath, err := exec.LookPath(tool)
	if err != nil {
		t.Skipf("%s not found: %v", tool, err)
	}

	tmp, err := os.CreateTemp(t.TempDir(), "jit-objdump-*.bin")
	if err != nil {
		t.Fatalf("create temp file: %v", err)
	}
	if _, err := tmp.Write(code); err != nil {
		t.Fatalf("write temp code: %v", err)
	}
	if err := tmp.Close(); err != nil {
		t.Fatalf("close temp code: %v", err)
	}

	cmdArgs := append([]string{}, args...)
	cmdArgs = append(cmdArgs, tmp.Name())
	output, err := exec.Command(toolPath, cmdArgs...).CombinedOutput()
	if err != nil {
		t.Fatalf("%s failed: %v\n\n%s", tool, err, output)
	}

	lines, err := parseObjdumpOutput(string(output))
	if err != nil {
		t.Fatalf("parse objdump output: %v", err)
	}
	if len(lines) == 0 {
		t.Fatalf("objdump produced no instructions:\n%s", output)
	}
	return lines
}

// parseObjdumpOutput keeps the "offset: instruction" lines of a listing.
func parseObjdumpOutput(out string) ([]DisasmLine, error) {
	scanner := bufio.NewScanner(strings.NewReader(out))
	var lines []DisasmLine
	for scanner.Scan() {
		line := scanner.Text()
		colon := strings.IndexRune(line, ':')
		if colon == -1 {
			continue
		}
		offset, err := strconv.ParseInt(strings.TrimSpace(line[:colon]), 16, 64)
		if err != nil {
			continue
		}
		text := strings.TrimSpace(line[colon+1:])
		if text == "" || strings.HasPrefix(text, "<") || strings.HasPrefix(text, ".") {
			continue
		}
		// Drop trailing symbol hints such as "<.data+0x12>".
		if idx := strings.Index(text, " <"); idx >= 0 {
			text = strings.TrimSpace(text[:idx])
		}
		fields := strings.Fields(text)
		if len(fields) == 0 {
			continue
		}
		lines = append(lines, DisasmLine{
			Offset:     int(offset),
			Text:       text,
			Normalized: strings.Join(fields, " "),
			Mnemonic:   strings.ToLower(fields[0]),
		})
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("scanner error: %w", err)
	}
	return lines, nil
}
