package command

import (
	"errors"
	"fmt"
)

var (
	ErrInvalidCommand = errors.New("command: invalid command")
	ErrOutOfBounds    = errors.New("command: out of bounds")
	ErrUnsupported    = errors.New("command: unsupported")
	ErrNotSplittable  = errors.New("command: command cannot span guest pages")
	ErrNoMapper       = errors.New("command: no page mapper")
	ErrPageMapping    = errors.New("command: guest page mapping failed")
)

// CommandError describes a rejected command. Cause is one of the package
// sentinels, or an error from a collaborator.
type CommandError struct {
	Cause  error
	Reason string
	Op     OpCode
}

func (e *CommandError) Error() string {
	if e.Cause == nil {
		return fmt.Sprintf("command: %s: %s", e.Op, e.Reason)
	}
	return fmt.Sprintf("command: %s: %s: %v", e.Op, e.Reason, e.Cause)
}

func (e *CommandError) Unwrap() error { return e.Cause }

func reject(op OpCode, cause error, format string, args ...any) error {
	return &CommandError{Op: op, Cause: cause, Reason: fmt.Sprintf(format, args...)}
}

// ResultError carries a specific producer-visible result code, typically
// from a back end.
type ResultError struct {
	Err  error
	Code int8
}

func (e *ResultError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("command: result %d", e.Code)
	}
	return fmt.Sprintf("command: result %d: %v", e.Code, e.Err)
}

func (e *ResultError) Unwrap() error { return e.Err }

// ResultCode maps the outcome of Execute to the result byte stored back
// into the ring: 0 on success, the code of a negative ResultError, else -1.
func ResultCode(err error) int8 {
	if err == nil {
		return 0
	}
	var re *ResultError
	if errors.As(err, &re) && re.Code < 0 {
		return re.Code
	}
	return -1
}
