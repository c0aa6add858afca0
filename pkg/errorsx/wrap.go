package errorsx

import (
	"errors"
	"fmt"
)

// Error tags a failure with the reason code that notices, metrics and
// console replies report.
type Error struct {
	Reason ReasonCode
	Err    error
}

func (e *Error) Error() string {
	if e.Err == nil {
		return string(e.Reason)
	}
	return e.Err.Error()
}

func (e *Error) Unwrap() error { return e.Err }

// New returns an error carrying reason and msg.
func New(reason ReasonCode, msg string) error {
	return &Error{Reason: reason, Err: errors.New(msg)}
}

// Errorf is New with formatting; %w verbs are honored.
func Errorf(reason ReasonCode, format string, args ...any) error {
	return &Error{Reason: reason, Err: fmt.Errorf(format, args...)}
}

// Wrap tags err with reason. A nil err stays nil and the first reason
// attached to a chain wins, so callers higher up cannot relabel a failure.
func Wrap(err error, reason ReasonCode) error {
	if err == nil {
		return nil
	}
	var tagged *Error
	if errors.As(err, &tagged) {
		return err
	}
	return &Error{Reason: reason, Err: err}
}

// Reason returns the outermost reason in err's chain, or ReasonUnknown.
func Reason(err error) ReasonCode {
	var tagged *Error
	if err != nil && errors.As(err, &tagged) {
		return tagged.Reason
	}
	return ReasonUnknown
}

func HasReason(err error, reason ReasonCode) bool {
	return Reason(err) == reason
}
