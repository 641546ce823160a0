package lov

import (
	"errors"
	"fmt"
)

// --------------------------------------------------------------------------
// Recoverable Errors
// --------------------------------------------------------------------------

// Error is returned for recoverable failures of lov operations.
type Error struct {
	Code RetCode // The return code
	Msg  string  // The error message
}

// Error implements the error interface.
func (e *Error) Error() string {
	return fmt.Sprintf("lov error (code %s): %s", e.Code, e.Msg)
}

// Is matches errors by code, so errors.Is(err, ErrNoSpace) works.
func (e *Error) Is(target error) bool {
	var t *Error
	if !errors.As(target, &t) {
		return false
	}
	return t.Code == e.Code
}

// NewError creates a new Error with the given code and message.
func NewError(code RetCode, msg string) *Error {
	return &Error{
		Code: code,
		Msg:  msg,
	}
}

type RetCode uint64

const (
	RetCSuccess      RetCode = iota // 0: Operation executed successfully.
	RetCNoSpace                     // 1: The arena is full, no lock could be created.
	RetCInvalid                     // 2: Invalid argument.
	RetCSlotOccupied                // 3: The slot already has a sub-lock.
)

func (c RetCode) String() string {
	switch c {
	case RetCSuccess:
		return "Success"
	case RetCNoSpace:
		return "NoSpace"
	case RetCInvalid:
		return "Invalid"
	case RetCSlotOccupied:
		return "SlotOccupied"
	default:
		return "Unknown"
	}
}

var (
	// ErrNoSpace matches every Error with code RetCNoSpace.
	ErrNoSpace = NewError(RetCNoSpace, "no space")
	// ErrInvalid matches every Error with code RetCInvalid.
	ErrInvalid = NewError(RetCInvalid, "invalid")
	// ErrSlotOccupied matches every Error with code RetCSlotOccupied.
	ErrSlotOccupied = NewError(RetCSlotOccupied, "slot occupied")
)

// --------------------------------------------------------------------------
// Fatal Errors
// --------------------------------------------------------------------------

// InvariantError reports a state the lock hierarchy must never be in. The
// hierarchy it was raised for is corrupt and must not be used any more.
type InvariantError struct {
	Lock uint64 // id of the lock the violation was detected on
	Msg  string
}

func (e *InvariantError) Error() string {
	return fmt.Sprintf("lov invariant broken on lock %d: %s", e.Lock, e.Msg)
}

// IsInvariant returns whether err is or wraps an *InvariantError.
func IsInvariant(err error) bool {
	var ie *InvariantError
	return errors.As(err, &ie)
}

func invariantf(lock uint64, format string, args ...interface{}) error {
	err := &InvariantError{Lock: lock, Msg: fmt.Sprintf(format, args...)}
	Logger.Errorf("%v", err)
	return err
}
