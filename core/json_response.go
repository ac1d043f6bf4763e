package core

import (
	"encoding/json"
	"errors"
	"net/http"
)

// JSONResponse is the standard envelope for API responses.
type JSONResponse struct {
	Message string       `json:"message,omitempty"`
	Data    any          `json:"data,omitempty"`
	Error   *ErrorDetail `json:"error,omitempty"`
}

// ErrorDetail carries error information in the response body.
type ErrorDetail struct {
	Code    string `json:"code"`
	Message string `json:"message,omitempty"`
}

// JSON writes a JSON response with the given status code.
func JSON(w http.ResponseWriter, status int, body JSONResponse) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

// JSONData writes a 200 response wrapping the given payload.
func JSONData(w http.ResponseWriter, data any) {
	JSON(w, http.StatusOK, JSONResponse{Data: data})
}

// JSONMessage writes a 200 response carrying only a human-readable message.
func JSONMessage(w http.ResponseWriter, msg string) {
	JSON(w, http.StatusOK, JSONResponse{Message: msg})
}

// JSONError writes an error response. HTTPError values keep their status and
// code; anything else becomes a 500 with a generic body so internal details
// never leak to clients.
func JSONError(w http.ResponseWriter, err error) {
	var httpErr HTTPError
	if !errors.As(err, &httpErr) {
		httpErr = ErrInternalServerError
	}

	detail := &ErrorDetail{Code: httpErr.Code, Message: httpErr.Message}
	if detail.Message == "" {
		detail.Message = http.StatusText(httpErr.Status)
	}

	JSON(w, httpErr.Status, JSONResponse{Error: detail})
}
