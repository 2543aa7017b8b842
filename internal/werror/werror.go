// Package werror defines the error-kind taxonomy shared by every ioverseer
// component. Kinds are a closed set, queried with errors.As, never a class
// hierarchy.
package werror

import (
	"errors"
	"fmt"
)

// Kind classifies a WatchdogError for callers that need to branch on it
// (e.g. deciding whether to retry, or to surface a client-facing code).
type Kind uint8

const (
	// KindInvalidArgument covers null/zero/unknown inputs rejected before
	// any state mutation occurs.
	KindInvalidArgument Kind = iota
	// KindIllegalState covers operations attempted while a precondition
	// (daemon connectivity, pending-request slot) is not met.
	KindIllegalState
	// KindTransport covers daemon RPC failures, notably transport-too-large,
	// which are propagated to the caller unchanged rather than retried.
	KindTransport
	// KindNotFound covers historical-query misses; callers see nil, not
	// an error, so this kind exists mostly to satisfy intermediate
	// accounting-engine return paths.
	KindNotFound
	// KindInternal covers logged-and-swallowed failures (listener
	// delivery, best-effort dispatch) that never abort the caller.
	KindInternal
)

func (k Kind) String() string {
	switch k {
	case KindInvalidArgument:
		return "InvalidArgument"
	case KindIllegalState:
		return "IllegalState"
	case KindTransport:
		return "Transport"
	case KindNotFound:
		return "NotFound"
	case KindInternal:
		return "Internal"
	default:
		return fmt.Sprintf("Kind(%d)", uint8(k))
	}
}

// WatchdogError is the single error type used across component boundaries.
type WatchdogError struct {
	Kind Kind
	Op   string // component/method that raised it, e.g. "accounting.SetKillablePackageAsUser"
	Err  error  // wrapped cause, may be nil
}

func (e *WatchdogError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Op, e.Kind, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Op, e.Kind)
}

func (e *WatchdogError) Unwrap() error { return e.Err }

// New builds a WatchdogError with no wrapped cause.
func New(kind Kind, op, msg string) error {
	return &WatchdogError{Kind: kind, Op: op, Err: fmt.Errorf("%s", msg)}
}

// Wrap builds a WatchdogError around an existing error.
func Wrap(kind Kind, op string, err error) error {
	if err == nil {
		return nil
	}
	return &WatchdogError{Kind: kind, Op: op, Err: err}
}

// Is reports whether err is a *WatchdogError of the given kind.
func Is(err error, kind Kind) bool {
	var we *WatchdogError
	if !errors.As(err, &we) {
		return false
	}
	return we.Kind == kind
}
