package settlement

import (
	"errors"
	"fmt"
)

// ErrorKind classifies a settlement failure. The core never formats
// user-facing messages; callers map the kind onto their transport.
type ErrorKind int32

const (
	GenericError ErrorKind = iota
	InvalidInput
	MathError
)

// Sentinels usable with errors.Is.
var (
	ErrGeneric      = errors.New("generic error")
	ErrInvalidInput = errors.New("invalid input")
	ErrMath         = errors.New("failed to perform some math operation safely")
)

func (k ErrorKind) String() string {
	switch k {
	case InvalidInput:
		return "InvalidInput"
	case MathError:
		return "MathError"
	default:
		return "GenericError"
	}
}

// Code returns the stable numeric error code reported to callers.
func (k ErrorKind) Code() uint32 {
	return 6000 + uint32(k)
}

func (k ErrorKind) sentinel() error {
	switch k {
	case InvalidInput:
		return ErrInvalidInput
	case MathError:
		return ErrMath
	default:
		return ErrGeneric
	}
}

// Error is a classified settlement failure.
type Error struct {
	Kind ErrorKind
	Op   string
	Err  error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Op, e.Kind.sentinel(), e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Op, e.Kind.sentinel())
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Is matches the sentinel for the error's kind.
func (e *Error) Is(target error) bool {
	return target == e.Kind.sentinel()
}

func invalidInput(op string, err error) error {
	return &Error{Kind: InvalidInput, Op: op, Err: err}
}

func mathError(op string, err error) error {
	return &Error{Kind: MathError, Op: op, Err: err}
}

// KindOf returns the kind of a settlement error; unclassified errors are
// GenericError.
func KindOf(err error) ErrorKind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return GenericError
}
