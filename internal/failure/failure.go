// Package failure tags pipeline errors with a kind so that queue handlers can
// decide between redelivery and dead-lettering without inspecting messages.
package failure

import (
	"errors"
	"fmt"
)

// Kind classifies a failure.
type Kind string

const (
	// KindRetriable is the default for errors that carry no classification.
	KindRetriable       Kind = "retriable"
	KindUnsupportedType Kind = "unsupported_type"
	KindMalformed       Kind = "malformed_message"
)

// Classifier is implemented by errors that declare their own kind.
type Classifier interface {
	ErrorKind() string
}

// Error attaches a Kind to an underlying cause.
type Error struct {
	Kind Kind
	Err  error
}

func (e *Error) Error() string {
	if e.Err == nil {
		return string(e.Kind)
	}
	return e.Err.Error()
}

func (e *Error) Unwrap() error { return e.Err }

// ErrorKind implements Classifier.
func (e *Error) ErrorKind() string { return string(e.Kind) }

// Wrap tags err with kind. A nil err stays nil.
func Wrap(kind Kind, err error) error {
	if err == nil {
		return nil
	}
	return &Error{Kind: kind, Err: err}
}

// Malformed builds a malformed-message failure.
func Malformed(format string, args ...any) error {
	return &Error{Kind: KindMalformed, Err: fmt.Errorf(format, args...)}
}

// KindOf returns the first classification found in err's chain.
func KindOf(err error) Kind {
	var classifier Classifier
	if errors.As(err, &classifier) {
		switch k := Kind(classifier.ErrorKind()); k {
		case KindUnsupportedType, KindMalformed:
			return k
		}
	}
	return KindRetriable
}

// Retriable reports whether redelivering the message could succeed.
func Retriable(err error) bool {
	return KindOf(err) == KindRetriable
}
