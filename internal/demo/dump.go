package demo

import (
	"fmt"
	"io"
	"strings"

	"github.com/charmbracelet/x/ansi"
)

type DumpOptions struct {
	// Width is the number of bytes per row. Zero means 16.
	Width int
	// Color renders addresses in bold.
	Color bool
}

// Dump writes code as rows of hex bytes, each prefixed with the address of
// its first byte relative to base.
func Dump(w io.Writer, code []byte, base uint64, opts DumpOptions) error {
	width := opts.Width
	if width <= 0 {
		width = 16
	}

	var bold string
	if opts.Color {
		bold = ansi.Style{}.Bold().String()
	}

	var sb strings.Builder
	for off := 0; off < len(code); off += width {
		end := min(off+width, len(code))

		addr := fmt.Sprintf("%08x", base+uint64(off))
		if opts.Color {
			sb.WriteString(bold)
			sb.WriteString(addr)
			sb.WriteString(ansi.ResetStyle)
		} else {
			sb.WriteString(addr)
		}
		sb.WriteString(":")
		for _, b := range code[off:end] {
			fmt.Fprintf(&sb, " %02x", b)
		}
		sb.WriteString("\n")
	}

	_, err := io.WriteString(w, sb.String())
	return err
}
