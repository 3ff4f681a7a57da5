// Copyright lowRISC contributors (OpenTitan project).
// Licensed under the Apache License, Version 2.0, see LICENSE for details.
// SPDX-License-Identifier: Apache-2.0

package pk11

import (
	"fmt"

	"github.com/miekg/pkcs11"
)

// Kind classifies the errors this package returns, so that callers can
// branch on failure mode instead of string-matching messages.
type Kind int

const (
	// KindProtocolFailure wraps a non-OK status returned by the native
	// Cryptoki library, carrying the numeric return code.
	KindProtocolFailure Kind = iota
	// KindOffline indicates a transport-level fault, such as failing to
	// open a session; callers may retry.
	KindOffline
	// KindNotFound indicates a resolver lookup produced no object.
	KindNotFound
	// KindAmbiguous indicates more than one object matched a label/ID
	// where at most one was expected.
	KindAmbiguous
	// KindAlreadyExists indicates key generation was attempted for an
	// alias whose LABEL or ID is already in use.
	KindAlreadyExists
	// KindInvalidArgument indicates an unsupported algorithm or
	// key-length combination.
	KindInvalidArgument
	// KindEncodingFailure indicates malformed UTF-8 or a DER parse
	// failure.
	KindEncodingFailure
)

func (k Kind) String() string {
	switch k {
	case KindProtocolFailure:
		return "protocol failure"
	case KindOffline:
		return "offline"
	case KindNotFound:
		return "not found"
	case KindAmbiguous:
		return "ambiguous"
	case KindAlreadyExists:
		return "already exists"
	case KindInvalidArgument:
		return "invalid argument"
	case KindEncodingFailure:
		return "encoding failure"
	default:
		return fmt.Sprintf("kind(%d)", int(k))
	}
}

// Error is the error type returned by this package. It always carries a
// Kind so that callers can recover with errors.As and switch on it.
type Error struct {
	Kind Kind
	msg  string
	// Code is the native Cryptoki return code, populated when Kind is
	// KindProtocolFailure and the failure came from a native call.
	Code pkcs11.Error
	err  error
}

func (e *Error) Error() string {
	if e.err != nil {
		return fmt.Sprintf("pk11: %s: %s: %s", e.Kind, e.msg, e.err)
	}
	return fmt.Sprintf("pk11: %s: %s", e.Kind, e.msg)
}

func (e *Error) Unwrap() error { return e.err }

// Is reports whether target is an *Error with the same Kind, so that
// errors.Is(err, &Error{Kind: KindNotFound}) works without requiring exact
// message equality.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Kind == e.Kind
}

func newErr(kind Kind, msg string) *Error {
	return &Error{Kind: kind, msg: msg}
}

func newErrf(kind Kind, format string, args ...interface{}) *Error {
	return &Error{Kind: kind, msg: fmt.Sprintf(format, args...)}
}

// newError wraps a native library error with a message, classifying it as
// a protocol failure (or an already-initialized benign success, handled by
// the caller before this is reached). Mirrors the teacher's newError(err,
// msg) convention used throughout src/pk11/*.go.
func newError(err error, msg string) *Error {
	if err == nil {
		return nil
	}
	e := &Error{Kind: KindProtocolFailure, msg: msg, err: err}
	if ck, ok := err.(pkcs11.Error); ok {
		e.Code = ck
	}
	return e
}

// IsNotFound reports whether err is a KindNotFound error.
func IsNotFound(err error) bool { return hasKind(err, KindNotFound) }

// IsAmbiguous reports whether err is a KindAmbiguous error.
func IsAmbiguous(err error) bool { return hasKind(err, KindAmbiguous) }

// IsAlreadyExists reports whether err is a KindAlreadyExists error.
func IsAlreadyExists(err error) bool { return hasKind(err, KindAlreadyExists) }

// IsOffline reports whether err is a KindOffline error.
func IsOffline(err error) bool { return hasKind(err, KindOffline) }

func hasKind(err error, k Kind) bool {
	e, ok := err.(*Error)
	return ok && e.Kind == k
}
