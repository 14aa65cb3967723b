package asm

import (
	"encoding/binary"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"
)

var sessionCounter uint64

// SessionState tracks the lifecycle of a Session.
type SessionState uint8

const (
	SessionOpen SessionState = iota
	SessionFinalized
	SessionDiscarded
)

func (s SessionState) String() string {
	switch s {
	case SessionOpen:
		return "open"
	case SessionFinalized:
		return "finalized"
	case SessionDiscarded:
		return "discarded"
	default:
		return fmt.Sprintf("SessionState(%d)", uint8(s))
	}
}

// reference is a fixup together with its resolution state. Resolved
// references stay on the list so later layout changes and relocation can
// still find them.
type reference struct {
	Fixup
	resolved bool
}

// Session owns one code buffer and its label and fixup table for a single
// emission. It is not safe for concurrent use.
type Session struct {
	id     uint64
	target Target
	buf    Buffer
	labels []int // offset per label index, -1 while unbound
	refs   []reference
	state  SessionState
	err    error
	logger *slog.Logger
}

var (
	_ Context = (*Session)(nil)
)

// NewSession creates an open session for target.
func NewSession(target Target) (*Session, error) {
	if err := target.validate(); err != nil {
		return nil, fmt.Errorf("new session: %w", err)
	}
	return &Session{
		id:     atomic.AddUint64(&sessionCounter, 1),
		target: target,
		logger: slog.New(slog.DiscardHandler),
	}, nil
}

// MustNewSession is like NewSession but panics on an invalid target.
func MustNewSession(target Target) *Session {
	s, err := NewSession(target)
	if err != nil {
		panic(err)
	}
	return s
}

// SetLogger routes debug output about resolution and widening to logger.
func (s *Session) SetLogger(logger *slog.Logger) {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	s.logger = logger
}

func (s *Session) ID() uint64          { return s.id }
func (s *Session) Target() Target      { return s.target }
func (s *Session) State() SessionState { return s.state }

// Err returns the first error recorded by EmitBytes.
func (s *Session) Err() error { return s.err }

// Len returns the number of bytes emitted so far.
func (s *Session) Len() int { return s.buf.Len() }

// Offset returns the write cursor.
func (s *Session) Offset() int { return s.buf.Offset() }

// SetOffset moves the write cursor for in-place patching.
func (s *Session) SetOffset(offset int) error {
	if err := s.checkOpen("set offset"); err != nil {
		return err
	}
	return s.buf.SetOffset(offset)
}

// Code returns a copy of the emitted bytes as they currently stand.
func (s *Session) Code() []byte { return s.buf.Bytes() }

// Write stores p at the cursor. References whose bytes are overwritten are
// dropped.
func (s *Session) Write(p []byte) (Span, error) {
	if err := s.checkOpen("write"); err != nil {
		return Span{}, err
	}
	start := s.buf.Offset()
	if start < s.buf.Len() {
		s.dropOverlapping(start, start+len(p))
	}
	return s.buf.Write(p), nil
}

// EmitBytes implements Context. Failures are recorded and reported by Err
// and Resolve.
func (s *Session) EmitBytes(data []byte) {
	if _, err := s.Write(data); err != nil && s.err == nil {
		s.err = err
	}
}

// NewLabel creates an unbound label owned by the session.
func (s *Session) NewLabel() Label {
	s.labels = append(s.labels, -1)
	return Label{session: s.id, index: len(s.labels) - 1}
}

// Bind records the cursor as the label's position.
func (s *Session) Bind(label Label) error {
	if err := s.checkOpen("bind"); err != nil {
		return err
	}
	if err := s.checkLabel(label); err != nil {
		return err
	}
	if off := s.labels[label.index]; off >= 0 {
		return fmt.Errorf("bind %s at %#x (bound at %#x): %w", label, s.buf.Offset(), off, ErrDuplicateBind)
	}
	s.labels[label.index] = s.buf.Offset()
	return nil
}

// LabelOffset returns the bound position of label.
func (s *Session) LabelOffset(label Label) (int, bool) {
	if s.checkLabel(label) != nil {
		return 0, false
	}
	off := s.labels[label.index]
	return off, off >= 0
}

// Owns reports whether label was created by this session.
func (s *Session) Owns(label Label) bool {
	return s.checkLabel(label) == nil
}

// AddFixup records a pending reference. The field must already be emitted.
func (s *Session) AddFixup(f Fixup) error {
	if err := s.checkOpen("add fixup"); err != nil {
		return err
	}
	if err := s.checkLabel(f.Label); err != nil {
		return err
	}
	if err := f.validate(); err != nil {
		return err
	}
	if f.Offset < 0 || f.Offset+f.Size > s.buf.Len() {
		return fmt.Errorf("fixup field [%d, %d) outside buffer of %d bytes: %w",
			f.Offset, f.Offset+f.Size, s.buf.Len(), ErrOffsetOutOfRange)
	}
	if f.Widen != nil {
		w := *f.Widen
		w.Long = append([]byte(nil), w.Long...)
		f.Widen = &w
	}
	s.refs = append(s.refs, reference{Fixup: f})
	return nil
}

// Pending returns the references not yet resolved, in buffer order of
// emission.
func (s *Session) Pending() []Fixup {
	var out []Fixup
	for _, ref := range s.refs {
		if !ref.resolved {
			out = append(out, ref.Fixup)
		}
	}
	return out
}

// Resolve binds every reference to its label. Relative fields receive their
// final displacement; absolute fields receive the target offset from the
// start of the code and are left for the Relocator. Nothing is patched when
// any reference fails.
func (s *Session) Resolve() error {
	if err := s.checkOpen("resolve"); err != nil {
		return err
	}
	if s.err != nil {
		return s.err
	}

	var errs []error
	for _, ref := range s.refs {
		if s.labels[ref.Label.index] < 0 {
			errs = append(errs, fmt.Errorf("%s referenced at %#x: %w", ref.Label, ref.Offset, ErrUnboundLabel))
		}
	}
	if len(errs) > 0 {
		return errors.Join(errs...)
	}

	saved := s.snapshot()
	s.widen()

	type fieldPatch struct {
		offset int
		data   []byte
	}
	patches := make([]fieldPatch, 0, len(s.refs))
	for _, ref := range s.refs {
		target := int64(s.labels[ref.Label.index]) + ref.Addend
		var value uint64
		switch ref.Kind {
		case FixupRelative:
			disp := target - int64(ref.Offset+ref.Size)
			if !fitsSigned(disp, ref.Size) {
				errs = append(errs, fmt.Errorf("%s from %#x: displacement %d does not fit %d-byte field: %w",
					ref.Label, ref.Offset, disp, ref.Size, ErrRelativeRangeOverflow))
				continue
			}
			value = uint64(disp)
		case FixupAbsolute:
			value = uint64(target)
		default:
			errs = append(errs, fmt.Errorf("fixup at %#x has unknown kind %s: %w", ref.Offset, ref.Kind, ErrInvalidOperand))
			continue
		}
		patches = append(patches, fieldPatch{offset: ref.Offset, data: putField(value, ref.Size)})
	}
	if len(errs) > 0 {
		s.restore(saved)
		return errors.Join(errs...)
	}

	for _, p := range patches {
		if err := s.buf.patch(p.offset, p.data); err != nil {
			return err
		}
	}
	for i := range s.refs {
		s.refs[i].resolved = true
	}
	s.logger.Debug("resolved references", "session", s.id, "references", len(s.refs), "length", s.buf.Len())
	return nil
}

// Finalize resolves the session and returns the resulting Program. The
// session's buffer and fixup table are released; the session is closed even
// if the caller discards the Program.
func (s *Session) Finalize() (Program, error) {
	if err := s.Resolve(); err != nil {
		return Program{}, err
	}

	var relocs []Relocation
	for _, ref := range s.refs {
		if ref.Kind != FixupAbsolute {
			continue
		}
		relocs = append(relocs, Relocation{
			Offset: ref.Offset,
			Size:   ref.Size,
			Target: int64(s.labels[ref.Label.index]) + ref.Addend,
			Signed: ref.Signed,
		})
	}

	prog := NewProgram(s.buf.Bytes(), relocs, s.target.Mode, s.target.BaseAddress)
	s.release(SessionFinalized)
	s.logger.Debug("finalized session", "session", s.id, "length", prog.Len(), "relocations", len(relocs))
	return prog, nil
}

// Discard closes the session without producing code. Discarding a closed
// session is a no-op.
func (s *Session) Discard() {
	if s.state != SessionOpen {
		return
	}
	s.release(SessionDiscarded)
}

func (s *Session) release(state SessionState) {
	s.buf = Buffer{}
	s.refs = nil
	s.state = state
}

// layout is the part of a session that widening rewrites.
type layout struct {
	buf    Buffer
	labels []int
	refs   []reference
}

func (s *Session) snapshot() layout {
	refs := make([]reference, len(s.refs))
	for i, ref := range s.refs {
		if ref.Widen != nil {
			w := *ref.Widen
			ref.Widen = &w
		}
		refs[i] = ref
	}
	return layout{
		buf:    Buffer{data: s.buf.Bytes(), cursor: s.buf.Offset()},
		labels: append([]int(nil), s.labels...),
		refs:   refs,
	}
}

func (s *Session) restore(l layout) {
	s.buf = l.buf
	s.labels = l.labels
	s.refs = l.refs
}

// widen grows short jumps that cannot reach their target until the layout is
// stable. Growth only ever increases distances, so the loop terminates.
func (s *Session) widen() {
	for pass := 1; ; pass++ {
		changed := 0
		for i := range s.refs {
			ref := &s.refs[i]
			if ref.Widen == nil {
				continue
			}
			disp := int64(s.labels[ref.Label.index]) + ref.Addend - int64(ref.Offset+ref.Size)
			if fitsSigned(disp, ref.Size) {
				continue
			}
			w := ref.Widen
			end := w.InstStart + w.ShortLen
			growth := len(w.Long) - w.ShortLen
			s.buf.replace(w.InstStart, w.ShortLen, w.Long)
			s.shift(end, growth)
			ref.Offset = w.InstStart + w.LongField
			ref.Size = 4
			ref.Widen = nil
			changed++
		}
		if changed == 0 {
			return
		}
		s.logger.Debug("widened jumps", "session", s.id, "pass", pass, "count", changed, "length", s.buf.Len())
	}
}

// shift moves every label, reference and widening record at or after from.
func (s *Session) shift(from, delta int) {
	for i, off := range s.labels {
		if off >= from {
			s.labels[i] = off + delta
		}
	}
	for i := range s.refs {
		ref := &s.refs[i]
		if ref.Offset >= from {
			ref.Offset += delta
		}
		if ref.Widen != nil && ref.Widen.InstStart >= from {
			ref.Widen.InstStart += delta
		}
	}
}

func (s *Session) dropOverlapping(start, end int) {
	kept := s.refs[:0]
	for _, ref := range s.refs {
		hit := ref.span().overlaps(start, end)
		if w := ref.Widen; w != nil {
			hit = hit || (Span{Start: w.InstStart, End: w.InstStart + w.ShortLen}).overlaps(start, end)
		}
		if hit {
			s.logger.Debug("dropped overwritten reference", "session", s.id, "label", ref.Label.String(), "offset", ref.Offset)
			continue
		}
		kept = append(kept, ref)
	}
	s.refs = kept
}

func (s *Session) checkOpen(op string) error {
	if s.state != SessionOpen {
		return fmt.Errorf("%s on %s session: %w", op, s.state, ErrSessionClosed)
	}
	return nil
}

func (s *Session) checkLabel(label Label) error {
	if label.session != s.id || label.index < 0 || label.index >= len(s.labels) {
		return fmt.Errorf("label %s is not owned by session %d: %w", label, s.id, ErrInvalidOperand)
	}
	return nil
}

func putField(value uint64, size int) []byte {
	out := make([]byte, size)
	switch size {
	case 1:
		out[0] = byte(value)
	case 2:
		binary.LittleEndian.PutUint16(out, uint16(value))
	case 4:
		binary.LittleEndian.PutUint32(out, uint32(value))
	case 8:
		binary.LittleEndian.PutUint64(out, value)
	}
	return out
}
