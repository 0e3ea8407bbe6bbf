// Package apperrors defines the broker's error-kind taxonomy and its
// mapping onto HTTP status codes and batch-write failure reasons.
package apperrors

import (
	"errors"
	"fmt"
	"net/http"
)

// Kind is a stable, wire-visible error classification.
type Kind string

const (
	NotFound   Kind = "NOT_FOUND"
	Busy       Kind = "BUSY"
	BadRequest Kind = "BAD_REQUEST"
	Internal   Kind = "INTERNAL_SERVER_ERROR"
	Timeout    Kind = "TIMEOUT"
	Skipped    Kind = "SKIPPED"
)

// HTTPStatus maps a Kind onto the status code used in the error envelope.
func (k Kind) HTTPStatus() int {
	switch k {
	case NotFound:
		return http.StatusNotFound
	case Busy:
		return http.StatusConflict
	case BadRequest:
		return http.StatusBadRequest
	case Timeout:
		return http.StatusServiceUnavailable
	case Skipped:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// Error is a classified application error carrying a stable Kind alongside
// a human-readable message.
type Error struct {
	Kind    Kind
	Message string
	secs    int // meaningful only for Timeout
}

func (e *Error) Error() string {
	if e.Message == "" {
		return string(e.Kind)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

// Seconds returns the deadline associated with a Timeout error.
func (e *Error) Seconds() int {
	return e.secs
}

// New builds a bare Error of the given Kind with a message.
func New(kind Kind, message string) *Error {
	return &Error{Kind: kind, Message: message}
}

// NewNotFound is a convenience constructor for the common "not found" case.
func NewNotFound(message string) *Error {
	return &Error{Kind: NotFound, Message: message}
}

// NewBusy reports that a resource is currently held by another caller.
func NewBusy() *Error {
	return &Error{Kind: Busy, Message: "resource is busy"}
}

// NewBadRequest reports malformed caller input.
func NewBadRequest(message string) *Error {
	return &Error{Kind: BadRequest, Message: message}
}

// NewInternal wraps an unexpected internal failure.
func NewInternal(message string) *Error {
	return &Error{Kind: Internal, Message: message}
}

// NewTimeout reports that a bounded blocking operation exceeded its
// deadline.
func NewTimeout(secs int) *Error {
	return &Error{Kind: Timeout, Message: fmt.Sprintf("timed out after %ds", secs), secs: secs}
}

// NewSkipped marks a batch-write entry that was never attempted because an
// earlier entry in the same channel timed out.
func NewSkipped() *Error {
	return &Error{Kind: Skipped, Message: "skipped after an earlier timeout in this channel"}
}

// KindOf extracts the Kind of err if it is (or wraps) an *Error, defaulting
// to Internal for anything else.
func KindOf(err error) Kind {
	var appErr *Error
	if errors.As(err, &appErr) {
		return appErr.Kind
	}
	return Internal
}
