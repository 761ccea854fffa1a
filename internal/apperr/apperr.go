// Package apperr classifies errors so the job machinery can decide
// between retry, immediate failure and synchronous rejection.
package apperr

import (
	"context"
	"errors"
)

// Class is the retry classification of an error.
type Class int

const (
	// Permanent errors fail the operation immediately. No retry.
	Permanent Class = iota
	// Transient errors are retried up to the configured budget.
	Transient
	// Conflict errors reject the requesting operation synchronously and
	// are never counted against a retry budget.
	Conflict
)

// String returns the classification name.
func (c Class) String() string {
	switch c {
	case Transient:
		return "transient"
	case Conflict:
		return "conflict"
	default:
		return "permanent"
	}
}

// Sentinel errors shared across packages. Lock, ledger and version
// sentinels classify as Conflict; ErrJobTimeout as Transient.
var (
	ErrNotFound           = errors.New("not found")
	ErrLockHeld           = errors.New("codebook lock held")
	ErrLeaseExpired       = errors.New("lease expired")
	ErrAlreadyActed       = errors.New("recommendation already acted on")
	ErrNoActiveVersion    = errors.New("codebook has no active version")
	ErrVersionActive      = errors.New("version is active")
	ErrVersionNumberTaken = errors.New("version number already taken")
	ErrJobNotCancellable  = errors.New("job is not cancellable")
	ErrJobTimeout         = errors.New("job exceeded its maximum execution duration")
)

type classified struct {
	class Class
	err   error
}

func (c *classified) Error() string { return c.err.Error() }
func (c *classified) Unwrap() error { return c.err }

// MarkTransient wraps err so ClassOf reports Transient.
func MarkTransient(err error) error {
	if err == nil {
		return nil
	}
	return &classified{class: Transient, err: err}
}

// MarkPermanent wraps err so ClassOf reports Permanent, overriding any
// classification deeper in the chain.
func MarkPermanent(err error) error {
	if err == nil {
		return nil
	}
	return &classified{class: Permanent, err: err}
}

// MarkConflict wraps err so ClassOf reports Conflict.
func MarkConflict(err error) error {
	if err == nil {
		return nil
	}
	return &classified{class: Conflict, err: err}
}

// ClassOf walks the error chain and returns its classification. An
// explicit mark wins; known sentinels and deadline expiry are
// recognized; everything else is Permanent.
func ClassOf(err error) Class {
	if err == nil {
		return Permanent
	}
	var c *classified
	if errors.As(err, &c) {
		return c.class
	}
	switch {
	case errors.Is(err, ErrLockHeld),
		errors.Is(err, ErrAlreadyActed),
		errors.Is(err, ErrVersionNumberTaken),
		errors.Is(err, ErrVersionActive),
		errors.Is(err, ErrJobNotCancellable):
		return Conflict
	case errors.Is(err, ErrJobTimeout),
		errors.Is(err, context.DeadlineExceeded):
		return Transient
	}
	return Permanent
}

// IsTransient reports whether err should be retried.
func IsTransient(err error) bool { return err != nil && ClassOf(err) == Transient }

// IsConflict reports whether err is a synchronous rejection rather than
// a job failure.
func IsConflict(err error) bool { return err != nil && ClassOf(err) == Conflict }
