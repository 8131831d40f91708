package model

import (
	"context"
	"errors"
	"fmt"
)

// ErrorKind classifies domain failures so callers branch on kind instead of
// matching strings.
type ErrorKind string

const (
	KindConfig   ErrorKind = "CONFIG"
	KindLock     ErrorKind = "LOCK"
	KindPolicy   ErrorKind = "POLICY"
	KindProvider ErrorKind = "PROVIDER"
	KindNotFound ErrorKind = "NOT_FOUND"
	KindTimeout  ErrorKind = "TIMEOUT"
	KindInternal ErrorKind = "INTERNAL"
)

// Error is a domain error carrying a kind and the operation that failed.
type Error struct {
	Kind ErrorKind
	Op   string
	Msg  string
	Err  error
}

func (e *Error) Error() string {
	switch {
	case e.Err != nil && e.Msg != "":
		return fmt.Sprintf("%s: %s: %v", e.Op, e.Msg, e.Err)
	case e.Err != nil:
		return fmt.Sprintf("%s: %v", e.Op, e.Err)
	default:
		return fmt.Sprintf("%s: %s", e.Op, e.Msg)
	}
}

func (e *Error) Unwrap() error { return e.Err }

// Errorf builds a domain error of the given kind.
func Errorf(kind ErrorKind, op, format string, args ...any) *Error {
	return &Error{Kind: kind, Op: op, Msg: fmt.Sprintf(format, args...)}
}

// Wrap attaches a kind to an underlying error.
func Wrap(kind ErrorKind, op string, err error) *Error {
	return &Error{Kind: kind, Op: op, Err: err}
}

// ConfigError reports bad, missing, or inconsistent catalog data.
func ConfigError(op, format string, args ...any) *Error {
	return Errorf(KindConfig, op, format, args...)
}

// PolicyViolation reports a team/mode mismatch or a blocked model.
func PolicyViolation(op, format string, args ...any) *Error {
	return Errorf(KindPolicy, op, format, args...)
}

// KindOf returns the kind of the first domain error in err's chain.
// Context deadline errors map to KindTimeout; anything else is KindInternal.
func KindOf(err error) ErrorKind {
	if err == nil {
		return ""
	}
	var de *Error
	if errors.As(err, &de) {
		return de.Kind
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return KindTimeout
	}
	return KindInternal
}

// IsKind reports whether err carries the given kind.
func IsKind(err error, kind ErrorKind) bool {
	return KindOf(err) == kind
}
