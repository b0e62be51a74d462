package types

import (
	"errors"
	"fmt"
)

// Code is the numeric condition attached to every terminal outcome.
type Code int

const (
	CodeOK                   Code = 0
	CodeNameNotFound         Code = 2
	CodeInterrupted          Code = 4
	CodeTransportFailure     Code = 5
	CodePermissionDenied     Code = 13
	CodeAlreadyExists        Code = 17
	CodeTypeMismatch         Code = 20
	CodeInvalidArgument      Code = 22
	CodeNoTicketsGranted     Code = 28
	CodeChecksumMismatch     Code = 74
	CodePartial              Code = 100
	CodeRegistrationMismatch Code = 101
	CodeInternal             Code = 255
)

var codeNames = map[Code]string{
	CodeOK:                   "ok",
	CodeNameNotFound:         "name not found",
	CodeInterrupted:          "interrupted",
	CodeTransportFailure:     "transport failure",
	CodePermissionDenied:     "permission denied",
	CodeAlreadyExists:        "already exists",
	CodeTypeMismatch:         "type mismatch",
	CodeInvalidArgument:      "invalid argument",
	CodeNoTicketsGranted:     "no tickets granted",
	CodeChecksumMismatch:     "checksum mismatch",
	CodePartial:              "partial success",
	CodeRegistrationMismatch: "partial registration mismatch",
	CodeInternal:             "internal error",
}

func (c Code) String() string {
	if name, ok := codeNames[c]; ok {
		return name
	}
	return fmt.Sprintf("code(%d)", int(c))
}

// Retriable reports whether a failure with this code may be retried against a
// different endpoint. Nothing is ever retried on the same endpoint.
func (c Code) Retriable() bool {
	return c == CodeTransportFailure || c == CodeChecksumMismatch
}

// Error carries a condition code across package boundaries.
type Error struct {
	Code Code
	Op   string
	Path string
	Err  error
}

func (e *Error) Error() string {
	msg := e.Code.String()
	if e.Op != "" {
		msg = e.Op + ": " + msg
	}
	if e.Path != "" {
		msg += " (" + e.Path + ")"
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *Error) Unwrap() error { return e.Err }

func NewError(code Code, op, path string, err error) *Error {
	return &Error{Code: code, Op: op, Path: path, Err: err}
}

// Errorf builds a coded error from a format string.
func Errorf(code Code, op string, format string, args ...interface{}) *Error {
	return &Error{Code: code, Op: op, Err: fmt.Errorf(format, args...)}
}

// CodeOf extracts the condition code of err. Uncoded errors are internal.
func CodeOf(err error) Code {
	if err == nil {
		return CodeOK
	}
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return CodeInternal
}

func IsCode(err error, code Code) bool {
	return err != nil && CodeOf(err) == code
}
