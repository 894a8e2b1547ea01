package datamodel

import (
	"errors"
	"fmt"
)

// ErrCacheBackendUnavailable signals that the speed-layer cache backend could
// not be reached. The serving layer must catch it and degrade to batch-only
// results, it never propagates as a query failure.
var ErrCacheBackendUnavailable = errors.New("speed-layer cache backend unavailable")

// CompileError is raised for malformed view definitions, unknown resource
// types or search parameters and ambiguous column names. It is always surfaced
// before any database round trip.
type CompileError struct {
	View   string
	Detail string
}

func (e *CompileError) Error() string {
	if e.View == "" {
		return fmt.Sprintf("compile error: %s", e.Detail)
	}
	return fmt.Sprintf("compile error in view %s: %s", e.View, e.Detail)
}

// UnsupportedExpressionError is raised when a fhirpath expression uses a
// construct outside the supported subset. It names the offending function so
// callers can see exactly what failed, at compile time.
type UnsupportedExpressionError struct {
	Expression string
	Function   string
}

func (e *UnsupportedExpressionError) Error() string {
	return fmt.Sprintf("unsupported fhirpath function %q in expression %q", e.Function, e.Expression)
}

// ExecutionError wraps a database failure together with the identity of the
// failing statement for diagnosis. The engine does not retry, callers may.
type ExecutionError struct {
	Statement string
	Err       error
}

func (e *ExecutionError) Error() string {
	return fmt.Sprintf("execution failed for statement [%s]: %v", e.Statement, e.Err)
}

func (e *ExecutionError) Unwrap() error {
	return e.Err
}

// IsCompileError reports whether err belongs to the compile-time taxonomy.
func IsCompileError(err error) bool {
	var ce *CompileError
	var ue *UnsupportedExpressionError
	return errors.As(err, &ce) || errors.As(err, &ue)
}
