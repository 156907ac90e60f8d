package errors

import (
	"errors"
	"fmt"
)

// Code is a stable, machine-readable error type mapped to process exit codes.
type Code int

const (
	CodeSuccess         Code = 0
	CodeInternal        Code = 1
	CodeUsage           Code = 2
	CodeAuth            Code = 10
	CodeRateLimited     Code = 11
	CodeUnavailable     Code = 12
	CodeUnsupported     Code = 13
	CodeBusy            Code = 14
	CodePaymentRequired Code = 15
	CodeBlocked         Code = 16
	CodeActionPlan      Code = 20
	CodeActionSim       Code = 21
	CodeSigner          Code = 22
	CodeActionTimeout   Code = 23
)

// Type returns the string form used in output envelopes and HTTP error bodies.
func (c Code) Type() string {
	switch c {
	case CodeSuccess:
		return "ok"
	case CodeUsage:
		return "usage_error"
	case CodeAuth:
		return "auth_error"
	case CodeRateLimited:
		return "rate_limited"
	case CodeUnavailable:
		return "unavailable"
	case CodeUnsupported:
		return "unsupported"
	case CodeBusy:
		return "busy"
	case CodePaymentRequired:
		return "payment_required"
	case CodeBlocked:
		return "blocked"
	case CodeActionPlan:
		return "plan_error"
	case CodeActionSim:
		return "simulation_error"
	case CodeSigner:
		return "signer_error"
	case CodeActionTimeout:
		return "timeout"
	default:
		return "internal_error"
	}
}

// Error is a typed error that carries a stable error code.
type Error struct {
	Code    Code
	Message string
	Cause   error
}

func (e *Error) Error() string {
	if e.Cause == nil {
		return e.Message
	}
	return fmt.Sprintf("%s: %v", e.Message, e.Cause)
}

func (e *Error) Unwrap() error { return e.Cause }

func New(code Code, message string) *Error {
	return &Error{Code: code, Message: message}
}

func Wrap(code Code, message string, cause error) *Error {
	return &Error{Code: code, Message: message, Cause: cause}
}

func As(err error) (*Error, bool) {
	var target *Error
	if errors.As(err, &target) {
		return target, true
	}
	return nil, false
}

// CodeOf reports the code carried by err, CodeInternal for untyped errors.
func CodeOf(err error) Code {
	if err == nil {
		return CodeSuccess
	}
	if typed, ok := As(err); ok {
		return typed.Code
	}
	return CodeInternal
}

func ExitCode(err error) int {
	return int(CodeOf(err))
}
