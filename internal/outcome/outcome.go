// Package outcome defines the typed result kinds every public operation in
// this codebase returns, per the "exceptions-for-control-flow" design note:
// no SystemExit-style unwinding, just errors the CLI layer classifies with
// errors.Is/errors.As into an exit code.
package outcome

import (
	"errors"
	"fmt"
)

// Kind enumerates the error categories surfaced at the boundary (spec §7).
type Kind int

const (
	KindUnknown Kind = iota
	KindDirty
	KindTagExists
	KindNotFound
	KindDestinationExists
	KindInvalid
	KindBuildFail
	KindRunFail
	KindStalled
	KindCorrupt
	KindInternal
)

func (k Kind) String() string {
	switch k {
	case KindDirty:
		return "Dirty"
	case KindTagExists:
		return "TagExists"
	case KindNotFound:
		return "NotFound"
	case KindDestinationExists:
		return "DestinationExists"
	case KindInvalid:
		return "Invalid"
	case KindBuildFail:
		return "BuildFail"
	case KindRunFail:
		return "RunFail"
	case KindStalled:
		return "Stalled"
	case KindCorrupt:
		return "Corrupt"
	case KindInternal:
		return "Internal"
	default:
		return "Unknown"
	}
}

// Error wraps a Kind with a message and an optional cause, implementing the
// "typed result, no exceptions" pattern in place of the original's
// SystemExit-based unwinding.
type Error struct {
	Kind  Kind
	Msg   string
	Cause error
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Msg, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Msg)
}

func (e *Error) Unwrap() error { return e.Cause }

// Is reports whether target has the same Kind, so callers can write
// errors.Is(err, outcome.Dirty) against a sentinel built with New.
func (e *Error) Is(target error) bool {
	var t *Error
	if errors.As(target, &t) {
		return t.Kind == e.Kind
	}
	return false
}

// New constructs an *Error of the given kind. Use As sentinels below for
// errors.Is comparisons that don't care about the message.
func New(kind Kind, format string, args ...any) *Error {
	return &Error{Kind: kind, Msg: fmt.Sprintf(format, args...)}
}

// Wrap constructs an *Error of the given kind around a causing error.
func Wrap(kind Kind, cause error, format string, args ...any) *Error {
	return &Error{Kind: kind, Msg: fmt.Sprintf(format, args...), Cause: cause}
}

// Sentinels usable with errors.Is(err, outcome.Dirty) etc. Their Msg is
// empty; Is compares only Kind.
var (
	Dirty             = &Error{Kind: KindDirty}
	TagExists         = &Error{Kind: KindTagExists}
	NotFound          = &Error{Kind: KindNotFound}
	DestinationExists = &Error{Kind: KindDestinationExists}
	Invalid           = &Error{Kind: KindInvalid}
	BuildFail         = &Error{Kind: KindBuildFail}
	RunFail           = &Error{Kind: KindRunFail}
	Stalled           = &Error{Kind: KindStalled}
	Corrupt           = &Error{Kind: KindCorrupt}
	Internal          = &Error{Kind: KindInternal}
)

// KindOf extracts the Kind from err, or KindUnknown if err is not (or does
// not wrap) an *Error.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindUnknown
}

// ExitCode maps an outcome to the process exit code the CLI layer returns.
// Every non-nil error is nonzero; callers only rely on == 0 vs != 0 per
// spec §6, but distinct codes keep scripted callers able to special-case
// a few kinds without parsing stderr.
func ExitCode(err error) int {
	if err == nil {
		return 0
	}
	switch KindOf(err) {
	case KindStalled:
		return 2
	case KindDirty, KindTagExists, KindInvalid, KindDestinationExists, KindNotFound:
		return 3
	default:
		return 1
	}
}
