// Package apperr defines the error kinds shared by every billing component.
// Callers classify errors with errors.As or the Is* helpers; handlers map
// them onto HTTP status codes with HTTPStatus.
package apperr

import (
	"errors"
	"fmt"
	"net/http"
)

type Kind string

const (
	KindValidation        Kind = "validation"
	KindNotFound          Kind = "not_found"
	KindInvalidTransition Kind = "invalid_transition"
	KindConflict          Kind = "conflict"
	KindInactive          Kind = "inactive"
)

// Error is a classified domain error. Field names the offending input for
// validation errors; Entity and ID identify the record for the others.
type Error struct {
	Kind    Kind
	Entity  string
	ID      string
	Field   string
	Message string
	Err     error
}

func (e *Error) Error() string {
	msg := e.Message
	switch {
	case e.Field != "" && msg != "":
		msg = e.Field + ": " + msg
	case e.Entity != "" && e.ID != "" && msg != "":
		msg = fmt.Sprintf("%s %s: %s", e.Entity, e.ID, msg)
	case e.Entity != "" && e.ID != "":
		msg = fmt.Sprintf("%s %s", e.Entity, e.ID)
	}
	if e.Err != nil {
		if msg == "" {
			return e.Err.Error()
		}
		return msg + ": " + e.Err.Error()
	}
	return msg
}

func (e *Error) Unwrap() error { return e.Err }

func Validation(field, format string, args ...interface{}) *Error {
	return &Error{Kind: KindValidation, Field: field, Message: fmt.Sprintf(format, args...)}
}

func NotFound(entity, id string) *Error {
	return &Error{Kind: KindNotFound, Entity: entity, ID: id, Message: "not found"}
}

// InvalidTransition reports a state machine move that is not allowed from the
// entity's current status.
func InvalidTransition(entity, id, from, to string) *Error {
	return &Error{
		Kind:    KindInvalidTransition,
		Entity:  entity,
		ID:      id,
		Message: fmt.Sprintf("cannot move from %s to %s", from, to),
	}
}

// NotAllowed reports an operation the entity's current status forbids.
func NotAllowed(entity, id, format string, args ...interface{}) *Error {
	return &Error{Kind: KindInvalidTransition, Entity: entity, ID: id, Message: fmt.Sprintf(format, args...)}
}

func Conflict(entity, id, format string, args ...interface{}) *Error {
	return &Error{Kind: KindConflict, Entity: entity, ID: id, Message: fmt.Sprintf(format, args...)}
}

func Inactive(entity, id string) *Error {
	return &Error{Kind: KindInactive, Entity: entity, ID: id, Message: "inactive"}
}

// KindOf returns the kind of the first *Error in err's chain, or "" if err
// carries none.
func KindOf(err error) Kind {
	var ae *Error
	if errors.As(err, &ae) {
		return ae.Kind
	}
	return ""
}

func IsNotFound(err error) bool          { return KindOf(err) == KindNotFound }
func IsValidation(err error) bool        { return KindOf(err) == KindValidation }
func IsConflict(err error) bool          { return KindOf(err) == KindConflict }
func IsInactive(err error) bool          { return KindOf(err) == KindInactive }
func IsInvalidTransition(err error) bool { return KindOf(err) == KindInvalidTransition }

// HTTPStatus maps an error kind to the response status used by the API.
// Unclassified errors are internal server errors.
func HTTPStatus(err error) int {
	switch KindOf(err) {
	case KindValidation:
		return http.StatusBadRequest
	case KindNotFound:
		return http.StatusNotFound
	case KindConflict:
		return http.StatusConflict
	case KindInvalidTransition, KindInactive:
		return http.StatusUnprocessableEntity
	default:
		return http.StatusInternalServerError
	}
}
