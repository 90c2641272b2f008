package domain

import "errors"

// Code classifies a failure independently of the transport that reports it.
type Code string

const (
	CodeUnauthorized Code = "unauthorized"
	CodeValidation   Code = "validation_failed"
	CodeNotFound     Code = "not_found"
	CodeConflict     Code = "conflict"
	CodeInternal     Code = "internal_error"
)

// Error carries a Code plus a client-safe message. Two Errors match under
// errors.Is when their codes are equal, so the sentinels below work as
// category checks.
type Error struct {
	Code    Code
	Message string
	Err     error
}

func (e *Error) Error() string {
	if e.Message != "" {
		return e.Message
	}
	return string(e.Code)
}

func (e *Error) Unwrap() error {
	return e.Err
}

func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return e.Code == t.Code
}

var (
	ErrUnauthorized = &Error{Code: CodeUnauthorized, Message: "unauthorized"}
	ErrValidation   = &Error{Code: CodeValidation, Message: "validation failed"}
	ErrNotFound     = &Error{Code: CodeNotFound, Message: "not found"}
	ErrConflict     = &Error{Code: CodeConflict, Message: "conflict"}
	ErrInternal     = &Error{Code: CodeInternal, Message: "internal server error"}
)

func NewError(code Code, msg string) error {
	return &Error{Code: code, Message: msg}
}

// Wrap attaches code and msg to err. An err that already carries a code keeps it.
func Wrap(err error, code Code, msg string) error {
	var existing *Error
	if errors.As(err, &existing) {
		return &Error{Code: existing.Code, Message: msg, Err: err}
	}
	return &Error{Code: code, Message: msg, Err: err}
}

func Validation(msg string) error {
	return NewError(CodeValidation, msg)
}

func Unauthorized(msg string) error {
	return NewError(CodeUnauthorized, msg)
}

func NotFound(msg string) error {
	return NewError(CodeNotFound, msg)
}

// CodeOf returns the code carried by err, or CodeInternal for anything else.
func CodeOf(err error) Code {
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return CodeInternal
}
