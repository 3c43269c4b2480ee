package runtime

import (
	"context"
	"errors"
	"fmt"
	"net"

	"github.com/docker/docker/errdefs"
)

// Kind classifies runtime errors so callers can map them to HTTP statuses
// and retry policies without inspecting daemon error strings.
type Kind int

const (
	// KindFatal is the default for unrecognized daemon errors.
	KindFatal Kind = iota

	// KindNotFound means the container, volume or network does not exist.
	KindNotFound

	// KindConflict means the name is already taken by another object.
	KindConflict

	// KindTransient covers connection hiccups and daemon timeouts that are
	// safe to retry.
	KindTransient
)

// Error wraps a daemon error with its classification and the operation
// that produced it.
type Error struct {
	Kind Kind
	Op   string
	Err  error
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s: %v", e.Op, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// classify wraps err with the Kind derived from the daemon response.
func classify(op string, err error) error {
	if err == nil {
		return nil
	}

	kind := KindFatal
	switch {
	case errdefs.IsNotFound(err):
		kind = KindNotFound
	case errdefs.IsConflict(err):
		kind = KindConflict
	case isTransient(err):
		kind = KindTransient
	}

	return &Error{Kind: kind, Op: op, Err: err}
}

func isTransient(err error) bool {
	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}
	return errors.Is(err, context.DeadlineExceeded)
}

// IsNotFound reports whether err is a classified not-found error.
func IsNotFound(err error) bool {
	return hasKind(err, KindNotFound)
}

// IsConflict reports whether err is a classified name-conflict error.
func IsConflict(err error) bool {
	return hasKind(err, KindConflict)
}

// IsTransient reports whether err is worth retrying.
func IsTransient(err error) bool {
	return hasKind(err, KindTransient)
}

func hasKind(err error, kind Kind) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind == kind
	}
	return false
}
