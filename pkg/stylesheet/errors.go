package stylesheet

import (
	"errors"
	"fmt"
)

// ErrCompile is matched by every [*CompileError].
var ErrCompile = errors.New("compile failed")

var errContext = errors.New("esbuild context creation failed")

// CompileError reports malformed input or a failure raised while resolving or
// loading a nested import. Line and Column are 1-based and zero when unknown.
type CompileError struct {
	Message  string
	File     string
	LineText string
	Line     int
	Column   int

	// Err is the collaborator error behind the failure, if any.
	Err error
}

func (e *CompileError) Error() string {
	switch {
	case e.Line > 0:
		return fmt.Sprintf("%s:%d:%d: %s", e.File, e.Line, e.Column, e.Message)
	case e.File != "":
		return fmt.Sprintf("%s: %s", e.File, e.Message)
	default:
		return e.Message
	}
}

// Unwrap returns the collaborator error, such as a resolver.NotFoundError.
func (e *CompileError) Unwrap() error {
	return e.Err
}

// Is reports whether target is [ErrCompile].
func (e *CompileError) Is(target error) bool {
	return target == ErrCompile
}
