// Package wsvcerr defines the typed error taxonomy shared by every wsvc
// package: a small Kind enum carried by a single Error struct, so callers
// branch on a machine-checkable kind while messages stay human-readable.
package wsvcerr

import (
	"errors"
	"fmt"

	"github.com/ret2shell/wsvc/internal/objectid"
)

// Kind classifies the reason an operation failed. Callers branch on Kind,
// never on the message text.
type Kind int

const (
	// IO covers filesystem and network failures unrelated to repository
	// content: permission errors, disk full, a dropped connection.
	IO Kind = iota
	// NotFound reports a missing blob, tree, record or repository.
	NotFound
	// Corrupt reports on-disk or wire content that fails to parse or whose
	// self-fingerprint does not match its stored hash field.
	Corrupt
	// BadUsage reports a caller error: a malformed argument, an ambiguous
	// hash prefix, a request that doesn't make sense against the current
	// state.
	BadUsage
	// NoChange reports a commit whose resulting root tree is already the
	// root of an existing record.
	NoChange
	// Locked reports a repository already held by another session.
	Locked
	// Exists reports an attempt to create something that is already there
	// (a repository, a destination directory).
	Exists
	// Protocol reports a sync-session peer violating the framing or phase
	// sequencing rules.
	Protocol
	// ChecksumMismatch reports a received blob whose fingerprint does not
	// match the fingerprint it was announced under.
	ChecksumMismatch
	// EmptyRepo reports an operation that requires at least one record
	// (checkout, clone) against a repository with none.
	EmptyRepo
)

// String renders the Kind's name, used in Error's message and in tests.
func (k Kind) String() string {
	switch k {
	case IO:
		return "io"
	case NotFound:
		return "not_found"
	case Corrupt:
		return "corrupt"
	case BadUsage:
		return "bad_usage"
	case NoChange:
		return "no_change"
	case Locked:
		return "locked"
	case Exists:
		return "exists"
	case Protocol:
		return "protocol"
	case ChecksumMismatch:
		return "checksum_mismatch"
	case EmptyRepo:
		return "empty_repo"
	default:
		return "unknown"
	}
}

// Error is the concrete error type every wsvc package returns. It always
// carries a Kind, a human message, and optionally an underlying cause.
type Error struct {
	Kind    Kind
	Message string
	Cause   error

	// Existing carries the fingerprint of the existing record whose root
	// matches the workspace, set only on NoChange errors.
	Existing objectid.FP
	// Matches carries every record whose fingerprint matched an ambiguous
	// prefix, set only on BadUsage errors raised by prefix resolution. It
	// holds []object.Record, kept as any here so this package does not
	// depend on internal/object.
	Matches any
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("wsvc: %s: %s: %v", e.Kind, e.Message, e.Cause)
	}
	return fmt.Sprintf("wsvc: %s: %s", e.Kind, e.Message)
}

// Unwrap exposes the underlying cause, if any, to errors.Is/errors.As.
func (e *Error) Unwrap() error {
	return e.Cause
}

// New builds an Error with no underlying cause.
func New(kind Kind, message string) *Error {
	return &Error{Kind: kind, Message: message}
}

// Newf builds an Error with a formatted message.
func Newf(kind Kind, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// Wrap builds an Error around an underlying cause.
func Wrap(kind Kind, message string, cause error) *Error {
	return &Error{Kind: kind, Message: message, Cause: cause}
}

// NewNoChange builds a NoChange error carrying the fingerprint of the
// existing record with the same root tree, so callers can report it without
// a second lookup.
func NewNoChange(existing objectid.FP) *Error {
	return &Error{
		Kind:     NoChange,
		Message:  fmt.Sprintf("workspace matches record %s, nothing to commit", existing.Short()),
		Existing: existing,
	}
}

// NewAmbiguousPrefix builds a BadUsage error carrying every record whose
// fingerprint matched an ambiguous hash prefix, so cmd/wsvc can print the
// full listing the way the original CLI does. matches should be an
// []object.Record; it is accepted as any to avoid an import cycle.
func NewAmbiguousPrefix(prefix string, matches any, count int) *Error {
	return &Error{
		Kind:    BadUsage,
		Message: fmt.Sprintf("prefix %q matches %d records, need more characters to disambiguate", prefix, count),
		Matches: matches,
	}
}

// Is reports whether err is (or wraps) a wsvc Error of the given Kind.
func Is(err error, kind Kind) bool {
	var e *Error
	if !errors.As(err, &e) {
		return false
	}
	return e.Kind == kind
}
