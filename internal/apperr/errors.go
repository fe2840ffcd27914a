// Package apperr defines the error taxonomy shared by services and handlers.
package apperr

import (
	"errors"
	"fmt"
	"net/http"
)

type Kind string

const (
	KindValidation       Kind = "validation"
	KindUnauthenticated  Kind = "unauthenticated"
	KindForbidden        Kind = "forbidden"
	KindNotFound         Kind = "not_found"
	KindConflict         Kind = "conflict"
	KindUpstreamFailure  Kind = "upstream_failure"
	KindExtractionFailed Kind = "extraction_failed"
	KindInternal         Kind = "internal"
)

// Error carries a Kind and a client-facing detail alongside the wrapped cause.
type Error struct {
	Kind   Kind
	Detail string
	Err    error
}

func (e *Error) Error() string {
	switch {
	case e.Err != nil && e.Detail != "":
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Detail, e.Err)
	case e.Err != nil:
		return fmt.Sprintf("%s: %v", e.Kind, e.Err)
	case e.Detail != "":
		return fmt.Sprintf("%s: %s", e.Kind, e.Detail)
	default:
		return string(e.Kind)
	}
}

func (e *Error) Unwrap() error { return e.Err }

// New returns an error of the given kind with a client-facing detail.
func New(kind Kind, detail string) *Error {
	return &Error{Kind: kind, Detail: detail}
}

// Wrap attaches a kind and detail to an underlying cause.
func Wrap(kind Kind, detail string, err error) *Error {
	return &Error{Kind: kind, Detail: detail, Err: err}
}

func Validation(detail string) *Error      { return New(KindValidation, detail) }
func Unauthenticated(detail string) *Error { return New(KindUnauthenticated, detail) }
func Forbidden(detail string) *Error       { return New(KindForbidden, detail) }
func NotFound(detail string) *Error        { return New(KindNotFound, detail) }
func Conflict(detail string) *Error        { return New(KindConflict, detail) }

// KindOf returns the kind of err, or KindInternal for untyped errors.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindInternal
}

// DetailOf returns the client-facing detail of err. Untyped errors have none.
func DetailOf(err error) string {
	var e *Error
	if errors.As(err, &e) {
		return e.Detail
	}
	return ""
}

// Is reports whether err is an *Error of the given kind.
func Is(err error, kind Kind) bool {
	var e *Error
	return errors.As(err, &e) && e.Kind == kind
}

// Status maps a kind to its HTTP status code.
func Status(kind Kind) int {
	switch kind {
	case KindValidation:
		return http.StatusBadRequest
	case KindUnauthenticated:
		return http.StatusUnauthorized
	case KindForbidden:
		return http.StatusForbidden
	case KindNotFound:
		return http.StatusNotFound
	case KindConflict:
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}

// Response is the JSON body written for every failed request.
type Response struct {
	OK     bool   `json:"ok"`
	Error  Kind   `json:"error"`
	Detail string `json:"detail,omitempty"`
}

// ToResponse converts err into a status code and body. Internal errors never
// expose their cause.
func ToResponse(err error) (int, Response) {
	kind := KindOf(err)
	body := Response{OK: false, Error: kind}
	if kind != KindInternal {
		body.Detail = DetailOf(err)
	}
	return Status(kind), body
}
