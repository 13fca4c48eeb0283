// Copyright 2024 The Mellium Contributors.
// Use of this source code is governed by the BSD 2-clause
// license that can be found in the LICENSE file.

// Package localerr contains localizable errors that record how the user
// interface should react to them.
package localerr // import "soulcare.app/soulchat/internal/localerr"

import (
	"errors"

	"golang.org/x/text/message"
)

// Kind classifies an error by the reaction it requires.
type Kind uint8

// A list of error kinds.
const (
	// Transient errors may be retried by the user and leave state untouched.
	Transient Kind = iota
	// Unauthenticated errors require the user to log in again.
	Unauthenticated
	// Channel errors mean the live channel is not delivering updates.
	Channel
	// Malformed errors are logged and otherwise ignored.
	Malformed
)

func (k Kind) String() string {
	switch k {
	case Transient:
		return "transient"
	case Unauthenticated:
		return "unauthenticated"
	case Channel:
		return "channel"
	case Malformed:
		return "malformed"
	}
	return "unknown"
}

// Error is a translated error message with a kind.
type Error struct {
	Kind Kind
	msg  string
	errs []error
}

func (e *Error) Error() string {
	return e.msg
}

// Unwrap returns the errors that were passed as arguments when the error was
// created.
func (e *Error) Unwrap() []error {
	return e.errs
}

// Wrap returns an error of the given kind that translates its reference string
// and wraps any arguments that are also errors.
// Unlike fmt.Errorf it does not check the verbs and will wrap errors even if
// they do not use %w.
func Wrap(p *message.Printer, kind Kind, ref message.Reference, a ...any) error {
	e := &Error{
		Kind: kind,
		msg:  p.Sprintf(ref, a...),
	}
	for _, v := range a {
		if err, ok := v.(error); ok {
			e.errs = append(e.errs, err)
		}
	}
	return e
}

// KindOf returns the kind of the first Error found in err's tree.
// Errors that were not created by this package are Transient.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return Transient
}
