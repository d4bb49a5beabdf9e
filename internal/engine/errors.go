package engine

import "fmt"

// ConflictError indicates an operation that contradicts current state: an
// illegal status transition, an ownership or role mismatch, a subtask sprint
// change, or a recomputation that would leave a task field undefined.
type ConflictError struct {
	Msg string
}

func (e ConflictError) Error() string { return e.Msg }

func conflictf(format string, args ...any) ConflictError {
	return ConflictError{Msg: fmt.Sprintf(format, args...)}
}

// IllegalInputError indicates a missing or malformed required parameter.
type IllegalInputError struct {
	Msg string
}

func (e IllegalInputError) Error() string { return e.Msg }

func illegalf(format string, args ...any) IllegalInputError {
	return IllegalInputError{Msg: fmt.Sprintf(format, args...)}
}
