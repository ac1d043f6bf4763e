package core

import "net/http"

// HTTPError represents an HTTP error with a status code and a stable machine
// code. The Code string is what API clients branch on; Message is for humans.
type HTTPError struct {
	Status  int    `json:"-"`
	Code    string `json:"code"`
	Message string `json:"message,omitempty"`
}

// Error implements the error interface.
func (e HTTPError) Error() string {
	if e.Message != "" {
		return e.Message
	}
	return e.Code
}

// WithMessage returns a copy of the error carrying a human-readable message.
func (e HTTPError) WithMessage(msg string) HTTPError {
	e.Message = msg
	return e
}

var (
	ErrBadRequest          = HTTPError{Status: http.StatusBadRequest, Code: "bad_request"}
	ErrUnauthorized        = HTTPError{Status: http.StatusUnauthorized, Code: "unauthorized"}
	ErrForbidden           = HTTPError{Status: http.StatusForbidden, Code: "forbidden"}
	ErrNotFound            = HTTPError{Status: http.StatusNotFound, Code: "not_found"}
	ErrConflict            = HTTPError{Status: http.StatusConflict, Code: "conflict"}
	ErrTooManyRequests     = HTTPError{Status: http.StatusTooManyRequests, Code: "too_many_requests"}
	ErrInternalServerError = HTTPError{Status: http.StatusInternalServerError, Code: "internal_server_error"}
	ErrBadGateway          = HTTPError{Status: http.StatusBadGateway, Code: "bad_gateway"}
)

// NewHTTPError creates a custom HTTP error with the given status and code.
func NewHTTPError(status int, code string) HTTPError {
	return HTTPError{Status: status, Code: code}
}
