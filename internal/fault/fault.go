// Package fault defines the error taxonomy shared by every layer of the node.
//
// Packages return their own sentinel errors wrapped in a [*Error] carrying a
// [Kind]. The protocol layer uses [KindOf] and [Category] to turn any error
// into a structured error event without knowing where it came from.
package fault

import (
	"errors"
	"fmt"
)

// Kind names one member of the error taxonomy. Its string form is what
// clients see in the "kind" field of error events.
type Kind string

const (
	// Resolution errors.
	KindMalformed           Kind = "malformed"
	KindUpstreamUnavailable Kind = "upstreamUnavailable"
	KindUnsupported         Kind = "unsupported"
	KindInternal            Kind = "internal"

	// Decode errors.
	KindCorruptStream    Kind = "corruptStream"
	KindUnsupportedCodec Kind = "unsupportedCodec"
	KindIOFailure        Kind = "ioFailure"

	// Filter errors.
	KindInvalidParameter Kind = "invalidParameter"

	// Player errors.
	KindInvalidState         Kind = "invalidState"
	KindUnsupportedOperation Kind = "unsupportedOperation"
	KindNotFound             Kind = "notFound"

	// Session errors.
	KindSessionNotFound Kind = "sessionNotFound"
	KindSessionExpired  Kind = "sessionExpired"

	// Transport errors.
	KindWouldBlock Kind = "wouldBlock"
	KindClosed     Kind = "closed"

	// Protocol errors (malformed or unknown control messages).
	KindBadRequest Kind = "badRequest"
	KindUnknownOp  Kind = "unknownOp"
)

// Category returns the error family a kind belongs to.
func Category(k Kind) string {
	switch k {
	case KindMalformed, KindUpstreamUnavailable, KindUnsupported:
		return "ResolutionError"
	case KindCorruptStream, KindUnsupportedCodec, KindIOFailure:
		return "DecodeError"
	case KindInvalidParameter:
		return "FilterError"
	case KindInvalidState, KindUnsupportedOperation, KindNotFound:
		return "PlayerError"
	case KindSessionNotFound, KindSessionExpired:
		return "SessionError"
	case KindWouldBlock, KindClosed:
		return "TransportError"
	case KindBadRequest, KindUnknownOp:
		return "ProtocolError"
	default:
		return "InternalError"
	}
}

// Error is an error annotated with a taxonomy [Kind] and the operation that
// produced it.
type Error struct {
	Op   string
	Kind Kind
	Err  error
}

// New returns an [*Error] wrapping err.
func New(kind Kind, op string, err error) *Error {
	return &Error{Op: op, Kind: kind, Err: err}
}

// Newf is like [New] but formats a fresh message as the wrapped error.
func Newf(kind Kind, op, format string, args ...any) *Error {
	return &Error{Op: op, Kind: kind, Err: fmt.Errorf(format, args...)}
}

func (e *Error) Error() string {
	switch {
	case e.Op != "" && e.Err != nil:
		return e.Op + ": " + e.Err.Error()
	case e.Err != nil:
		return e.Err.Error()
	case e.Op != "":
		return e.Op + ": " + string(e.Kind)
	default:
		return string(e.Kind)
	}
}

func (e *Error) Unwrap() error { return e.Err }

// kinded is implemented by error types outside this package that carry a
// taxonomy kind of their own, such as decode errors from pkg/source.
type kinded interface {
	error
	ErrorKind() string
}

// KindOf returns the [Kind] of the outermost [*Error] in err's chain, or
// [KindInternal] when err carries no kind. It returns the empty kind for nil.
func KindOf(err error) Kind {
	if err == nil {
		return ""
	}
	var fe *Error
	if errors.As(err, &fe) {
		return fe.Kind
	}
	var ke kinded
	if errors.As(err, &ke) {
		return Kind(ke.ErrorKind())
	}
	return KindInternal
}

// Is reports whether err carries the given kind.
func Is(err error, kind Kind) bool {
	return err != nil && KindOf(err) == kind
}
