// Package apperr defines the error taxonomy shared by the settlement
// components and its mapping onto HTTP responses.
//
// Every error that crosses a component boundary carries a Kind. Callers
// branch on the kind with Is, never on message text.
package apperr

import (
	"errors"
	"fmt"
	"net/http"

	"github.com/gin-gonic/gin"
)

// Kind classifies an error for propagation and retry decisions.
type Kind string

const (
	KindValidation        Kind = "validation_error"
	KindAuthorization     Kind = "unauthorized"
	KindNotFound          Kind = "not_found"
	KindConflict          Kind = "invalid_state"
	KindInsufficientFunds Kind = "insufficient_funds"
	KindDuplicateEvent    Kind = "duplicate_event"
	KindGateway           Kind = "gateway_error"
	KindInvalidSignature  Kind = "invalid_signature"
	KindPersistence       Kind = "persistence_error"
)

// Error is a classified error with a caller-facing message.
type Error struct {
	Kind    Kind
	Message string
	Err     error
}

func (e *Error) Error() string {
	if e.Err != nil && e.Message != "" {
		return e.Message + ": " + e.Err.Error()
	}
	if e.Message != "" {
		return e.Message
	}
	if e.Err != nil {
		return e.Err.Error()
	}
	return string(e.Kind)
}

func (e *Error) Unwrap() error { return e.Err }

// E builds a classified error with a formatted message.
func E(kind Kind, format string, args ...any) error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// Wrap classifies err. A nil err yields nil.
func Wrap(kind Kind, err error, message string) error {
	if err == nil {
		return nil
	}
	return &Error{Kind: kind, Message: message, Err: err}
}

// KindOf returns the outermost kind attached to err, or "" if none.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return ""
}

// Is reports whether err (or anything it wraps) carries kind.
func Is(err error, kind Kind) bool {
	for err != nil {
		var e *Error
		if !errors.As(err, &e) {
			return false
		}
		if e.Kind == kind {
			return true
		}
		err = e.Err
	}
	return false
}

// Retryable reports whether the failure is transient: the caller (or the
// gateway redelivering a webhook, or the next sweep tick) may try again.
func Retryable(err error) bool {
	return Is(err, KindGateway) || Is(err, KindPersistence)
}

// Convenience constructors for the common kinds.

func Validation(format string, args ...any) error {
	return E(KindValidation, format, args...)
}

func Unauthorized(format string, args ...any) error {
	return E(KindAuthorization, format, args...)
}

func NotFound(format string, args ...any) error {
	return E(KindNotFound, format, args...)
}

func Conflict(format string, args ...any) error {
	return E(KindConflict, format, args...)
}

func InsufficientFunds(format string, args ...any) error {
	return E(KindInsufficientFunds, format, args...)
}

func Duplicate(format string, args ...any) error {
	return E(KindDuplicateEvent, format, args...)
}

func Gateway(err error, message string) error {
	return Wrap(KindGateway, err, message)
}

func Persistence(err error, message string) error {
	return Wrap(KindPersistence, err, message)
}

// HTTPStatus maps an error onto a response status code.
func HTTPStatus(err error) int {
	switch KindOf(err) {
	case KindValidation:
		return http.StatusBadRequest
	case KindAuthorization:
		return http.StatusForbidden
	case KindNotFound:
		return http.StatusNotFound
	case KindConflict:
		return http.StatusConflict
	case KindInsufficientFunds:
		return http.StatusUnprocessableEntity
	case KindDuplicateEvent:
		return http.StatusOK
	case KindInvalidSignature:
		return http.StatusUnauthorized
	case KindGateway:
		return http.StatusBadGateway
	case KindPersistence:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// Respond writes err as the standard JSON error body. Unclassified errors
// are reported as internal errors without leaking their text.
func Respond(c *gin.Context, err error) {
	status := HTTPStatus(err)
	kind := KindOf(err)
	if kind == "" {
		c.JSON(status, gin.H{
			"error":   "internal_error",
			"message": "An unexpected error occurred",
		})
		return
	}
	c.JSON(status, gin.H{
		"error":   string(kind),
		"message": err.Error(),
	})
}
