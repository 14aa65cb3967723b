package asm

import "fmt"

const minBufferCapacity = 64

// Span is a half-open byte range [Start, End) inside a Buffer.
type Span struct {
	Start int
	End   int
}

// Len returns the number of bytes covered by the span.
func (s Span) Len() int { return s.End - s.Start }

func (s Span) overlaps(start, end int) bool {
	return s.Start < end && start < s.End
}

// Buffer is an append-only byte sequence with a movable write cursor. The
// cursor may be rewound to patch bytes in place, but the buffer never
// shrinks: Len is the furthest position ever written.
type Buffer struct {
	data   []byte
	cursor int
}

// Len returns the current length of the buffer.
func (b *Buffer) Len() int { return len(b.data) }

// Offset returns the position of the write cursor.
func (b *Buffer) Offset() int { return b.cursor }

// Bytes returns a copy of the buffer contents.
func (b *Buffer) Bytes() []byte { return append([]byte(nil), b.data...) }

// SetOffset moves the write cursor. Subsequent writes overwrite existing bytes
// until they run past Len, at which point the buffer grows again.
func (b *Buffer) SetOffset(offset int) error {
	if offset < 0 || offset > len(b.data) {
		return fmt.Errorf("set offset %d (length %d): %w", offset, len(b.data), ErrOffsetOutOfRange)
	}
	b.cursor = offset
	return nil
}

// Write stores p at the cursor and advances it, returning the range written.
func (b *Buffer) Write(p []byte) Span {
	start := b.cursor
	end := start + len(p)
	if end > len(b.data) {
		b.grow(end)
		b.data = b.data[:end]
	}
	copy(b.data[start:end], p)
	b.cursor = end
	return Span{Start: start, End: end}
}

// patch overwrites bytes at offset without touching the cursor.
func (b *Buffer) patch(offset int, p []byte) error {
	if offset < 0 || offset+len(p) > len(b.data) {
		return fmt.Errorf("patch [%d, %d) (length %d): %w", offset, offset+len(p), len(b.data), ErrOffsetOutOfRange)
	}
	copy(b.data[offset:], p)
	return nil
}

// replace swaps the n bytes at offset for p, shifting the tail. The cursor
// moves with the tail when it sits at or after the replaced range.
func (b *Buffer) replace(offset, n int, p []byte) {
	delta := len(p) - n
	tail := append([]byte(nil), b.data[offset+n:]...)
	newLen := len(b.data) + delta
	b.grow(newLen)
	b.data = b.data[:newLen]
	copy(b.data[offset:], p)
	copy(b.data[offset+len(p):], tail)
	if b.cursor >= offset+n {
		b.cursor += delta
	}
}

func (b *Buffer) grow(n int) {
	if n <= cap(b.data) {
		return
	}
	newCap := cap(b.data) * 2
	if newCap < minBufferCapacity {
		newCap = minBufferCapacity
	}
	for newCap < n {
		newCap *= 2
	}
	data := make([]byte, len(b.data), newCap)
	copy(data, b.data)
	b.data = data
}
