package asm

import "errors"

// Error kinds reported by the assembler. Every error returned by this module
// wraps exactly one of these so callers can classify failures with errors.Is.
var (
	// ErrInvalidOperand reports an operand combination the encoder cannot
	// express for the mnemonic and target mode.
	ErrInvalidOperand = errors.New("invalid operand")

	ErrDuplicateBind         = errors.New("label already bound")
	ErrUnboundLabel          = errors.New("label never bound")
	ErrRelativeRangeOverflow = errors.New("relative displacement out of range")

	// ErrOffsetOutOfRange reports a cursor moved past the end of the buffer.
	ErrOffsetOutOfRange = errors.New("offset out of range")

	ErrUnrelocatableReference = errors.New("unrelocatable reference")

	// ErrAllocationFailed reports that executable memory could not be
	// obtained or protected. It is fatal to the load, not to the process.
	ErrAllocationFailed = errors.New("executable memory allocation failed")

	// ErrSessionNotFinalized reports an attempt to leave a session that
	// still owns emitted code without finalizing or discarding it.
	ErrSessionNotFinalized = errors.New("session not finalized")

	ErrSessionClosed = errors.New("session closed")
)
