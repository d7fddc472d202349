package errors

import (
	"context"
	"errors"
	"fmt"
)

// Kind classifies an error so callers can decide between retry, drop and alarm.
type Kind int

const (
	KindUnknown Kind = iota
	KindInternal
	KindValidation
	KindNotFound
	KindConflict
	KindUnavailable
	KindTimeout
)

func (k Kind) String() string {
	switch k {
	case KindInternal:
		return "internal"
	case KindValidation:
		return "validation"
	case KindNotFound:
		return "not_found"
	case KindConflict:
		return "conflict"
	case KindUnavailable:
		return "unavailable"
	case KindTimeout:
		return "timeout"
	default:
		return "unknown"
	}
}

// Error is a Kind-tagged error with optional attributes for structured logging.
type Error struct {
	Kind       Kind
	Message    string
	Underlying error
	Attributes map[string]any
}

func (e *Error) Error() string {
	if e.Underlying != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Underlying)
	}
	return e.Message
}

func (e *Error) Unwrap() error {
	return e.Underlying
}

// New creates a new Error of the specified kind.
func New(kind Kind, msg string) error {
	return &Error{Kind: kind, Message: msg}
}

// Errorf creates a new Error of the specified kind with a formatted message.
func Errorf(kind Kind, format string, args ...any) error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// Wrap wraps err as a new Error of the specified kind. A nil err stays nil.
func Wrap(err error, kind Kind, msg string) error {
	if err == nil {
		return nil
	}
	return &Error{Kind: kind, Message: msg, Underlying: err}
}

// Wrapf is Wrap with a formatted message.
func Wrapf(err error, kind Kind, format string, args ...any) error {
	if err == nil {
		return nil
	}
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...), Underlying: err}
}

// Attr attaches an attribute to err. Errors that are not *Error are wrapped as KindInternal.
func Attr(err error, key string, val any) error {
	if err == nil {
		return nil
	}
	var e *Error
	if !errors.As(err, &e) {
		e = &Error{Kind: KindInternal, Message: err.Error(), Underlying: err}
	}
	if e.Attributes == nil {
		e.Attributes = make(map[string]any)
	}
	e.Attributes[key] = val
	return e
}

// GetKind returns the Kind of the outermost *Error in the chain. Context
// deadline and cancellation errors that were never tagged map to KindTimeout
// and KindUnavailable respectively.
func GetKind(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		return KindTimeout
	case errors.Is(err, context.Canceled):
		return KindUnavailable
	}
	return KindUnknown
}

// GetAttributes collects the attributes of every *Error in the chain, outermost first wins.
func GetAttributes(err error) map[string]any {
	attrs := make(map[string]any)
	var e *Error
	for cur := err; cur != nil; {
		if !errors.As(cur, &e) {
			break
		}
		for k, v := range e.Attributes {
			if _, ok := attrs[k]; !ok {
				attrs[k] = v
			}
		}
		cur = e.Underlying
	}
	return attrs
}

// IsTransient reports whether err is worth retrying on the next pass.
func IsTransient(err error) bool {
	switch GetKind(err) {
	case KindUnavailable, KindTimeout:
		return true
	}
	return false
}

// Is reports whether any error in err's chain matches target.
func Is(err, target error) bool {
	return errors.Is(err, target)
}

// As finds the first error in err's chain that matches target.
func As(err error, target any) bool {
	return errors.As(err, target)
}
