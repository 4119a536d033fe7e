package auth

import (
	"errors"
	"fmt"
)

var (
	ErrValidation         = errors.New("validation failed")
	ErrDuplicateAccount   = errors.New("duplicate account")
	ErrInvalidCredentials = errors.New("invalid credentials")
	ErrUnknownAccount     = errors.New("unknown account")
	ErrTokenInvalid       = errors.New("reset token invalid")
	ErrNotification       = errors.New("notification failed")
	ErrPersistence        = errors.New("persistence failed")
)

const genericMessage = "Something went wrong. Please try again."

var messages = map[error]string{
	ErrValidation:         "Please correct the errors below.",
	ErrDuplicateAccount:   "Email already in use.",
	ErrInvalidCredentials: "Wrong email or password.",
	ErrUnknownAccount:     "Email doesn't exist.",
	ErrTokenInvalid:       "Password reset token is invalid or has expired.",
	ErrNotification:       genericMessage,
	ErrPersistence:        genericMessage,
}

// Success tells the caller where to send the visitor next.
type Success struct {
	Destination string
	UserID      int64
	Message     string
}

// Failure is returned by every engine operation that does not succeed.
// Kind is one of the Err sentinels; Err holds the underlying cause, if any.
type Failure struct {
	Kind   error
	Retry  string
	Fields map[string]string
	Err    error
}

func (f *Failure) Error() string {
	if f.Err != nil {
		return fmt.Sprintf("%v: %v", f.Kind, f.Err)
	}
	return f.Kind.Error()
}

func (f *Failure) Unwrap() []error {
	if f.Err != nil {
		return []error{f.Kind, f.Err}
	}
	return []error{f.Kind}
}

// Message is the text safe to show the visitor.
func (f *Failure) Message() string {
	if m, ok := messages[f.Kind]; ok {
		return m
	}
	return genericMessage
}

// AsFailure extracts the Failure from err.
func AsFailure(err error) (*Failure, bool) {
	var f *Failure
	ok := errors.As(err, &f)
	return f, ok
}
