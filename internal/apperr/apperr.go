package apperr

import (
	"errors"
	"fmt"
)

// Code is a machine-readable error discriminator. Presentation layers branch
// on codes, never on message text.
type Code string

const (
	CodeInvalidArgument       Code = "INVALID_ARGUMENT"
	CodeUnsupportedModel      Code = "UNSUPPORTED_MODEL"
	CodeCooldownActive        Code = "COOLDOWN_ACTIVE"
	CodeInsufficientTokens    Code = "INSUFFICIENT_TOKENS"
	CodeConflict              Code = "CONFLICT"
	CodeSlotConflict          Code = "SLOT_CONFLICT"
	CodeUserNotFound          Code = "USER_NOT_FOUND"
	CodeGenerationNotFound    Code = "GENERATION_NOT_FOUND"
	CodeGenerationNotOwned    Code = "GENERATION_NOT_OWNED"
	CodeGenerationNotApproved Code = "GENERATION_NOT_APPROVED"
	CodeGenerationNotReady    Code = "GENERATION_NOT_READY"
	CodeGenerationTerminal    Code = "GENERATION_TERMINAL"
)

// Error carries a code alongside the human message so callers can render a
// precise response without string matching.
type Error struct {
	Code    Code
	Message string
	cause   error
}

func New(code Code, message string) *Error {
	return &Error{Code: code, Message: message}
}

func Newf(code Code, format string, args ...any) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...)}
}

// Wrap attaches a cause reachable through errors.Unwrap.
func Wrap(code Code, message string, cause error) *Error {
	return &Error{Code: code, Message: message, cause: cause}
}

func (e *Error) Error() string {
	if e.cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.cause)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *Error) Unwrap() error {
	return e.cause
}

// Is reports a match when the target is an *Error with the same code, so
// errors.Is(err, apperr.New(apperr.CodeSlotConflict, "")) works regardless
// of message.
func (e *Error) Is(target error) bool {
	var other *Error
	if !errors.As(target, &other) {
		return false
	}
	return e.Code == other.Code
}

// CodeOf extracts the code from anywhere in err's chain.
func CodeOf(err error) (Code, bool) {
	var ae *Error
	if errors.As(err, &ae) {
		return ae.Code, true
	}
	return "", false
}

// IsCode reports whether err carries the given code.
func IsCode(err error, code Code) bool {
	got, ok := CodeOf(err)
	return ok && got == code
}
