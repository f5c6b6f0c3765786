package types

import "fmt"

// ErrorCode identifies a FieldVM error condition.
type ErrorCode string

// Error codes. Gxxxx codes are raised while building a graph, Cxxxx during
// compilation. Evaluation has no recoverable errors: numeric edge cases
// resolve to zero by policy, and an unknown opcode at evaluation time is a
// broken caching/versioning contract, reported as Exxxx.
const (
	// G01xx: graph construction errors
	ErrUnknownNodeType ErrorCode = "G0101"
	ErrUnknownSocket   ErrorCode = "G0102"
	ErrTypeMismatch    ErrorCode = "G0103"
	ErrSocketLinked    ErrorCode = "G0104"
	ErrUnknownOutput   ErrorCode = "G0105"
	ErrConstantInput   ErrorCode = "G0106"

	// C02xx: compile errors
	ErrStructural      ErrorCode = "C0201"
	ErrUnresolvedInput ErrorCode = "C0202"

	// E03xx: fatal evaluation contract violations
	ErrUnknownOpcode ErrorCode = "E0301"
	ErrEvalFault     ErrorCode = "E0302"
)

// Error is a structured FieldVM error.
type Error struct {
	Code    ErrorCode
	Message string
	Node    string // diagnostic node name, if any
	Socket  string // socket name, if any
	Err     error
}

// NewError creates a new error with the given code.
func NewError(code ErrorCode, format string, args ...interface{}) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...)}
}

// Error implements the error interface.
func (e *Error) Error() string {
	switch {
	case e.Node != "" && e.Socket != "":
		return fmt.Sprintf("%s: %s (node %q, socket %q)", e.Code, e.Message, e.Node, e.Socket)
	case e.Node != "":
		return fmt.Sprintf("%s: %s (node %q)", e.Code, e.Message, e.Node)
	default:
		return fmt.Sprintf("%s: %s", e.Code, e.Message)
	}
}

// Unwrap returns the wrapped error.
func (e *Error) Unwrap() error { return e.Err }

// WithNode attaches the diagnostic node name.
func (e *Error) WithNode(name string) *Error {
	e.Node = name
	return e
}

// WithSocket attaches the socket name.
func (e *Error) WithSocket(name string) *Error {
	e.Socket = name
	return e
}

// WithCause wraps another error.
func (e *Error) WithCause(err error) *Error {
	e.Err = err
	return e
}

// IsCode reports whether err is, or wraps, a *Error carrying the given code.
func IsCode(err error, code ErrorCode) bool {
	for err != nil {
		if e, ok := err.(*Error); ok && e.Code == code {
			return true
		}
		u, ok := err.(interface{ Unwrap() error })
		if !ok {
			return false
		}
		err = u.Unwrap()
	}
	return false
}
