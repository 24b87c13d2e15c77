// Package status implements the error type that crosses call boundaries:
// a status code plus a human-readable message, as carried by a call's
// trailer.
package status

import (
	"fmt"

	"github.com/pkg/errors"

	"github.com/nimbusrpc/nimbus/codes"
)

// maxMessageBytes is the trailer grpc-message length bound.
const maxMessageBytes = 8 * 1024

// Status is a code/message pair. The zero value is not meaningful; use New
// or Errorf.
type Status struct {
	code    codes.Code
	message string
	cause   error
}

// New builds a Status from a code and message, truncating the message to
// the 8 KiB trailer bound.
func New(code codes.Code, message string) *Status {
	if len(message) > maxMessageBytes {
		message = message[:maxMessageBytes]
	}
	return &Status{code: code, message: message}
}

// Newf is New with fmt.Sprintf-style formatting.
func Newf(code codes.Code, format string, args ...interface{}) *Status {
	return New(code, fmt.Sprintf(format, args...))
}

// Wrap attaches additional context to cause before mapping it to code.
func Wrap(cause error, code codes.Code, context string) *Status {
	return &Status{code: code, message: errors.Wrap(cause, context).Error(), cause: cause}
}

// Code returns s's status code.
func (s *Status) Code() codes.Code {
	if s == nil {
		return codes.OK
	}
	return s.code
}

// Message returns s's message.
func (s *Status) Message() string {
	if s == nil {
		return ""
	}
	return s.message
}

// Err returns s as an error, or nil if s is nil or OK.
func (s *Status) Err() error {
	if s == nil || s.code == codes.OK {
		return nil
	}
	return (*statusError)(s)
}

// statusError adapts *Status to the error interface without exposing a
// second exported type.
type statusError Status

func (e *statusError) Error() string {
	return fmt.Sprintf("nimbus: code = %s desc = %s", codes.Code(e.code), e.message)
}

// Unwrap lets errors.Is/errors.As see through a status to its cause.
func (e *statusError) Unwrap() error {
	return e.cause
}

// Error constructs an error directly (the common case: no need to hold a
// *Status around first).
func Error(code codes.Code, message string) error {
	return New(code, message).Err()
}

// Errorf is Error with formatting.
func Errorf(code codes.Code, format string, args ...interface{}) error {
	return Newf(code, format, args...).Err()
}

// FromError extracts a *Status from err. If err is nil, it returns a nil
// Status representing OK. If err was not produced by this package, it is
// reported as codes.Unknown with err.Error() as the message.
func FromError(err error) (*Status, bool) {
	if err == nil {
		return nil, true
	}
	if se, ok := err.(*statusError); ok {
		s := Status(*se)
		return &s, true
	}
	var se *statusError
	if errors.As(err, &se) {
		s := Status(*se)
		return &s, true
	}
	return New(codes.Unknown, err.Error()), false
}

// Convert is FromError without the "was it ours" bool.
func Convert(err error) *Status {
	s, _ := FromError(err)
	if s == nil {
		return New(codes.OK, "")
	}
	return s
}
