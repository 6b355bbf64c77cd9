// Package errdefs defines the error taxonomy shared by the boxkit runtime
// and its callers. Every fallible operation in the public API returns an
// error that wraps one of these kinds, so callers can branch on the class
// of failure without string matching.
package errdefs

import (
	"errors"
	"fmt"
)

// Kind classifies an error.
type Kind string

const (
	// KindConfig indicates invalid or unusable configuration.
	KindConfig Kind = "config"
	// KindStorage indicates a record or filesystem persistence failure.
	KindStorage Kind = "storage"
	// KindImage indicates image resolution exhausted all registries.
	KindImage Kind = "image"
	// KindPortal indicates a host-guest channel failure.
	KindPortal Kind = "portal"
	// KindNetwork indicates a network-level failure.
	KindNetwork Kind = "network"
	// KindEngine indicates a VM spawn or supervision failure.
	KindEngine Kind = "engine"
	// KindRun indicates an execution failure not otherwise classifiable.
	KindRun Kind = "run"
	// KindInvalidState indicates the operation is disallowed for the
	// box's current status.
	KindInvalidState Kind = "invalid state"
	// KindNotFound indicates the box or resource does not exist.
	KindNotFound Kind = "not found"
	// KindAlreadyExists indicates a unique constraint collision.
	KindAlreadyExists Kind = "already exists"
	// KindInvalidArgument indicates a malformed caller-supplied value.
	KindInvalidArgument Kind = "invalid argument"
	// KindInternal indicates an invariant violation. This is the only
	// kind that signals a defect rather than an expected runtime failure.
	KindInternal Kind = "internal"
)

// Error is a classified error. Op names the operation that failed
// (e.g. "box.start", "portal.handshake").
type Error struct {
	Kind Kind
	Op   string
	Err  error
}

func (e *Error) Error() string {
	switch {
	case e.Op != "" && e.Err != nil:
		return fmt.Sprintf("%s: %s: %v", e.Op, e.Kind, e.Err)
	case e.Err != nil:
		return fmt.Sprintf("%s: %v", e.Kind, e.Err)
	case e.Op != "":
		return fmt.Sprintf("%s: %s", e.Op, e.Kind)
	default:
		return string(e.Kind)
	}
}

func (e *Error) Unwrap() error { return e.Err }

// New creates a classified error from a message.
func New(kind Kind, op, msg string) error {
	return &Error{Kind: kind, Op: op, Err: errors.New(msg)}
}

// Newf creates a classified error from a format string.
func Newf(kind Kind, op, format string, args ...any) error {
	return &Error{Kind: kind, Op: op, Err: fmt.Errorf(format, args...)}
}

// Wrap classifies an existing error. A nil err returns nil. If err is
// already classified its kind is preserved and only the operation context
// is added, so stage wrappers never mask the original class.
func Wrap(kind Kind, op string, err error) error {
	if err == nil {
		return nil
	}
	var ce *Error
	if errors.As(err, &ce) {
		return &Error{Kind: ce.Kind, Op: op, Err: err}
	}
	return &Error{Kind: kind, Op: op, Err: err}
}

// KindOf reports the kind of err, or KindInternal for unclassified errors.
func KindOf(err error) Kind {
	var ce *Error
	if errors.As(err, &ce) {
		return ce.Kind
	}
	return KindInternal
}

// Is reports whether err carries the given kind.
func Is(err error, kind Kind) bool {
	var ce *Error
	return errors.As(err, &ce) && ce.Kind == kind
}

// IsNotFound reports whether err is a not-found error.
func IsNotFound(err error) bool { return Is(err, KindNotFound) }

// IsAlreadyExists reports whether err is a uniqueness collision.
func IsAlreadyExists(err error) bool { return Is(err, KindAlreadyExists) }

// IsInvalidState reports whether err is a disallowed lifecycle transition.
func IsInvalidState(err error) bool { return Is(err, KindInvalidState) }

// IsPortal reports whether err is a host-guest channel failure.
func IsPortal(err error) bool { return Is(err, KindPortal) }

// IsImage reports whether err is an image resolution failure.
func IsImage(err error) bool { return Is(err, KindImage) }
