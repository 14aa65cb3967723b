package asm

import (
	"bytes"
	"errors"
	"testing"

	"github.com/google/go-cmp/cmp"
)

func TestBufferWriteGrows(t *testing.T) {
	var b Buffer
	chunk := bytes.Repeat([]byte{0x90}, 48)
	for i := 0; i < 5; i++ {
		span := b.Write(chunk)
		if span.Start != i*48 || span.Len() != 48 {
			t.Fatalf("write %d span=%+v", i, span)
		}
	}
	if got, want := b.Len(), 240; got != want {
		t.Fatalf("Len()=%d, want %d", got, want)
	}
	if got := b.Offset(); got != 240 {
		t.Fatalf("Offset()=%d, want 240", got)
	}
}

func TestBufferSetOffsetOverwrites(t *testing.T) {
	var b Buffer
	b.Write([]byte{1, 2, 3, 4, 5, 6})

	if err := b.SetOffset(2); err != nil {
		t.Fatalf("SetOffset(2): %v", err)
	}
	b.Write([]byte{0xAA, 0xBB})
	if got, want := b.Len(), 6; got != want {
		t.Fatalf("Len()=%d after overwrite, want %d", got, want)
	}
	if got, want := b.Offset(), 4; got != want {
		t.Fatalf("Offset()=%d after overwrite, want %d", got, want)
	}

	// Writing past the old end extends the buffer again.
	b.Write([]byte{0xCC, 0xDD, 0xEE})
	if diff := cmp.Diff([]byte{1, 2, 0xAA, 0xBB, 0xCC, 0xDD, 0xEE}, b.Bytes()); diff != "" {
		t.Fatalf("Bytes() mismatch (-want +got):\n%s", diff)
	}
}

func TestBufferSetOffsetBounds(t *testing.T) {
	var b Buffer
	b.Write([]byte{1, 2, 3})

	if err := b.SetOffset(3); err != nil {
		t.Fatalf("SetOffset(Len()): %v", err)
	}
	for _, off := range []int{-1, 4} {
		if err := b.SetOffset(off); !errors.Is(err, ErrOffsetOutOfRange) {
			t.Fatalf("SetOffset(%d) err=%v, want ErrOffsetOutOfRange", off, err)
		}
	}
}

func TestBufferBytesIsCopy(t *testing.T) {
	var b Buffer
	b.Write([]byte{1, 2})
	out := b.Bytes()
	out[0] = 9
	if b.Bytes()[0] != 1 {
		t.Fatalf("Bytes() aliases the buffer")
	}
}

func TestBufferReplaceShiftsTail(t *testing.T) {
	var b Buffer
	b.Write([]byte{0xEB, 0x00, 0x90, 0x90})

	b.replace(0, 2, []byte{0xE9, 0, 0, 0, 0})
	if diff := cmp.Diff([]byte{0xE9, 0, 0, 0, 0, 0x90, 0x90}, b.Bytes()); diff != "" {
		t.Fatalf("Bytes() mismatch (-want +got):\n%s", diff)
	}
	if got, want := b.Offset(), 7; got != want {
		t.Fatalf("Offset()=%d, want %d", got, want)
	}
}

func TestBufferPatchBounds(t *testing.T) {
	var b Buffer
	b.Write([]byte{0, 0, 0, 0})
	if err := b.patch(2, []byte{1, 2}); err != nil {
		t.Fatalf("patch: %v", err)
	}
	if err := b.patch(3, []byte{1, 2}); !errors.Is(err, ErrOffsetOutOfRange) {
		t.Fatalf("patch past end err=%v, want ErrOffsetOutOfRange", err)
	}
	if got := b.Offset(); got != 4 {
		t.Fatalf("patch moved cursor to %d", got)
	}
}
