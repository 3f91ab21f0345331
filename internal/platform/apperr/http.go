package apperr

import (
	"errors"
	"net/http"

	"github.com/labstack/echo/v4"
)

// Body is the JSON error payload returned by the API.
type Body struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	Field   string `json:"field,omitempty"`
}

// ToHTTP converts err into an echo.HTTPError carrying a Body. Unclassified
// errors keep their detail in Internal so it is logged but not returned.
func ToHTTP(err error) *echo.HTTPError {
	if err == nil {
		return nil
	}
	if he, ok := err.(*echo.HTTPError); ok {
		return he
	}
	status := HTTPStatus(err)
	if status == http.StatusInternalServerError {
		return echo.NewHTTPError(status, Body{Code: "internal", Message: "internal server error"}).SetInternal(err)
	}
	body := Body{Code: string(KindOf(err)), Message: err.Error()}
	var ae *Error
	if errors.As(err, &ae) {
		body.Field = ae.Field
	}
	return echo.NewHTTPError(status, body)
}

// BadRequest builds a validation response for malformed input that never
// reached a service, such as an unparsable path id.
func BadRequest(field, msg string) *echo.HTTPError {
	return echo.NewHTTPError(http.StatusBadRequest, Body{Code: string(KindValidation), Message: field + ": " + msg, Field: field})
}
