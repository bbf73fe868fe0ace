package services

import "errors"

type ErrorKind int

const (
	KindNotFound ErrorKind = iota + 1
	KindForbidden
	KindConflict
	KindInvalid
)

func (k ErrorKind) String() string {
	switch k {
	case KindNotFound:
		return "not_found"
	case KindForbidden:
		return "forbidden"
	case KindConflict:
		return "conflict"
	case KindInvalid:
		return "invalid"
	}
	return "unknown"
}

// Error is a classified business-rule failure. Reason is shown to the caller.
type Error struct {
	Kind   ErrorKind
	Reason string
}

func (e *Error) Error() string { return e.Reason }

// Is matches any *Error of the same kind, so errors.Is(err, ErrConflict)
// works regardless of the reason text.
func (e *Error) Is(target error) bool {
	var t *Error
	if !errors.As(target, &t) {
		return false
	}
	return t.Kind == e.Kind
}

var (
	ErrNotFound  = &Error{Kind: KindNotFound, Reason: "Not found"}
	ErrForbidden = &Error{Kind: KindForbidden, Reason: "Forbidden"}
	ErrConflict  = &Error{Kind: KindConflict, Reason: "Conflict"}
	ErrInvalid   = &Error{Kind: KindInvalid, Reason: "Invalid request"}
)

func notFound(reason string) error  { return &Error{Kind: KindNotFound, Reason: reason} }
func forbidden(reason string) error { return &Error{Kind: KindForbidden, Reason: reason} }
func conflict(reason string) error  { return &Error{Kind: KindConflict, Reason: reason} }
func invalid(reason string) error   { return &Error{Kind: KindInvalid, Reason: reason} }

// KindOf returns the kind of a classified error, or 0.
func KindOf(err error) ErrorKind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return 0
}
