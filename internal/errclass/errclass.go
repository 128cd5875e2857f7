// Package errclass classifies errors surfaced by executors and services
// so the dispatcher can decide retry vs fail vs fatal without string
// matching on error text.
package errclass

import (
	"errors"
	"fmt"
)

// Kind is a logical error category, not a concrete type.
type Kind string

const (
	KindNotFound      Kind = "not_found"
	KindConflict      Kind = "conflict"
	KindUnauthorized  Kind = "unauthorized"
	KindForbidden     Kind = "forbidden"
	KindTransient     Kind = "transient"
	KindFatal         Kind = "fatal"
	KindPatchConflict Kind = "patch_conflict"
	KindParentMismatch Kind = "parent_mismatch"
)

// Classified is an error tagged with a Kind. Executors return these (or
// wrap them) so the dispatcher's retry policy can inspect the tag
// instead of matching on message text.
type Classified struct {
	Kind Kind
	Err  error
}

func (c *Classified) Error() string {
	return fmt.Sprintf("%s: %v", c.Kind, c.Err)
}

func (c *Classified) Unwrap() error {
	return c.Err
}

// New wraps err with the given Kind.
func New(kind Kind, err error) error {
	if err == nil {
		return nil
	}
	return &Classified{Kind: kind, Err: err}
}

// Newf wraps a formatted error with the given Kind.
func Newf(kind Kind, format string, args ...any) error {
	return &Classified{Kind: kind, Err: fmt.Errorf(format, args...)}
}

// Classify returns the Kind attached to err, or KindTransient if err is
// non-nil and untagged (the conservative default: retry rather than give
// up on an error we don't recognize). A nil err classifies as "" (zero
// value), which callers should treat as "no error".
func Classify(err error) Kind {
	if err == nil {
		return ""
	}
	var c *Classified
	if errors.As(err, &c) {
		return c.Kind
	}
	return KindTransient
}

// Retryable reports whether the dispatcher should retry a job that
// failed with err, per spec: Transient is retried up to maxAttempts;
// NotFound/Conflict/Fatal/PatchConflict are not retried by the
// dispatcher (they represent a well-formed terminal outcome);
// ParentMismatch is handled internally by the commit pipeline and never
// reaches the dispatcher as a job failure.
func Retryable(err error) bool {
	return Classify(err) == KindTransient
}

// IsNotFound reports whether err is classified NotFound.
func IsNotFound(err error) bool {
	return Classify(err) == KindNotFound
}
