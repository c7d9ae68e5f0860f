// SPDX-FileCopyrightText: © 2024 The Kestrel Authors
// SPDX-License-Identifier: AGPL-3.0-only

package ipc

import (
	"errors"
	"fmt"

	"github.com/kestrelipc/kestrel/secure"
	"github.com/kestrelipc/kestrel/wire"
)

// Kind classifies errors surfaced by the ipc layer.
type Kind uint8

const (
	// KindIo is a transport failure: peer closed, reset, refused.
	KindIo Kind = iota
	// KindProtocol is a frame parse failure, invalid field, or a length
	// cap violation.
	KindProtocol
	// KindSerialization is a payload encode or decode failure.
	KindSerialization
	// KindCrypto is a handshake or package authentication failure.
	KindCrypto
	// KindTimeout means an awaited reply exceeded its deadline.
	KindTimeout
	// KindUnknownEvent means no handler matched the event.
	KindUnknownEvent
	// KindHandlerFailure wraps an error returned by a handler.
	KindHandlerFailure
	// KindClosed means the operation ran on a shutting down connection.
	KindClosed
)

// String implements fmt.Stringer.
func (k Kind) String() string {
	switch k {
	case KindIo:
		return "Io"
	case KindProtocol:
		return "Protocol"
	case KindSerialization:
		return "Serialization"
	case KindCrypto:
		return "Crypto"
	case KindTimeout:
		return "Timeout"
	case KindUnknownEvent:
		return "UnknownEvent"
	case KindHandlerFailure:
		return "HandlerFailure"
	case KindClosed:
		return "Closed"
	}
	return fmt.Sprintf("Kind(%d)", uint8(k))
}

// Error is a classified ipc error.
type Error struct {
	Kind Kind
	Err  error
}

// Error implements the error interface.
func (e *Error) Error() string {
	return fmt.Sprintf("ipc: %v error: %v", e.Kind, e.Err)
}

// Unwrap supports errors.Is and errors.As.
func (e *Error) Unwrap() error { return e.Err }

func newError(kind Kind, format string, a ...interface{}) *Error {
	return &Error{Kind: kind, Err: fmt.Errorf(format, a...)}
}

var (
	// ErrShutdown is the failure delivered to every outstanding operation
	// when the connection tears down.
	ErrShutdown = &Error{Kind: KindClosed, Err: errors.New("connection closed")}

	// ErrTimeout is delivered to reply waiters whose deadline passed.
	ErrTimeout = &Error{Kind: KindTimeout, Err: errors.New("reply deadline exceeded")}

	// ErrTooManyReplies is returned by await when the pending reply cap
	// is reached.
	ErrTooManyReplies = &Error{Kind: KindProtocol, Err: errors.New("pending reply cap reached")}
)

// IsKind reports whether err carries the given classification.
func IsKind(err error, kind Kind) bool {
	var e *Error
	return errors.As(err, &e) && e.Kind == kind
}

// classify wraps an arbitrary error from the read or write path into a
// kinded Error.
func classify(err error) *Error {
	var e *Error
	if errors.As(err, &e) {
		return e
	}
	switch {
	case errors.Is(err, secure.ErrAuth), errors.Is(err, secure.ErrHandshake):
		return &Error{Kind: KindCrypto, Err: err}
	case errors.Is(err, wire.ErrEmptyName),
		errors.Is(err, wire.ErrInvalidEventType),
		errors.Is(err, wire.ErrPayloadTooLarge),
		errors.Is(err, wire.ErrNameTooLong),
		errors.Is(err, wire.ErrZeroReference):
		return &Error{Kind: KindProtocol, Err: err}
	}
	return &Error{Kind: KindIo, Err: err}
}

// ErrorBody is the structured payload carried by `error` response events.
type ErrorBody struct {
	Code    string `cbor:"code" codec:"code"`
	Message string `cbor:"message" codec:"message"`
}
