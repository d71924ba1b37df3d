package apierr

import (
	"errors"
	"fmt"
)

// Kind classifies a market error for callers deciding whether to
// retry, resync, or give up.
type Kind int

const (
	// KindValidation marks malformed input (filter expressions,
	// identifiers). Never retried.
	KindValidation Kind = iota
	// KindNotFound marks an unknown or past-grace-period id.
	KindNotFound
	// KindAlreadyExists marks a duplicate creation attempt.
	KindAlreadyExists
	// KindUnsubscribed marks an operation against a withdrawn
	// subscription still inside its grace period.
	KindUnsubscribed
	// KindStaleProposal marks a counter-proposal that does not extend
	// the chain head known to the receiver. Caller must resync.
	KindStaleProposal
	// KindConflict marks a transition attempted on a terminal entity.
	KindConflict
	// KindTimeout marks a message-bus deadline. Retryable for
	// idempotent operations.
	KindTimeout
	// KindTransport marks a message-bus delivery failure.
	KindTransport
	// KindIdentifierMismatch marks a translate/validate or signature
	// failure: a protocol violation, never retried.
	KindIdentifierMismatch
	// KindInternal marks everything else.
	KindInternal
)

func (k Kind) String() string {
	switch k {
	case KindValidation:
		return "validation"
	case KindNotFound:
		return "not-found"
	case KindAlreadyExists:
		return "already-exists"
	case KindUnsubscribed:
		return "unsubscribed"
	case KindStaleProposal:
		return "stale-proposal"
	case KindConflict:
		return "conflict"
	case KindTimeout:
		return "timeout"
	case KindTransport:
		return "transport"
	case KindIdentifierMismatch:
		return "identifier-mismatch"
	default:
		return "internal"
	}
}

// Error is a structured market error carrying a taxonomy kind and a
// human-readable reason.
type Error struct {
	cause  error
	reason string
	kind   Kind
}

func New(kind Kind, format string, args ...any) *Error {
	return &Error{kind: kind, reason: fmt.Sprintf(format, args...)}
}

func Wrap(kind Kind, cause error, format string, args ...any) *Error {
	return &Error{kind: kind, cause: cause, reason: fmt.Sprintf(format, args...)}
}

func (e *Error) Error() string {
	if e.cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.kind, e.reason, e.cause)
	}
	return fmt.Sprintf("%s: %s", e.kind, e.reason)
}

func (e *Error) Kind() Kind {
	return e.kind
}

func (e *Error) Reason() string {
	return e.reason
}

func (e *Error) Unwrap() error {
	return e.cause
}

// KindOf extracts the taxonomy kind from any error in err's chain,
// defaulting to KindInternal.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.kind
	}
	return KindInternal
}

func IsKind(err error, kind Kind) bool {
	var e *Error
	return errors.As(err, &e) && e.kind == kind
}
