// Package httputil provides the JSON plumbing shared by all HTTP handlers:
// response envelopes, the machine-code error format and request parsing.
package httputil

import (
	"encoding/json"
	"net/http"
)

// ErrorResponse is the error envelope every non-2xx response uses. Error
// holds a short machine code from the closed enum clients branch on;
// Message is human-readable and advisory.
type ErrorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message,omitempty"`
}

// WriteJSON writes a JSON response with the given status code.
func WriteJSON(w http.ResponseWriter, status int, data interface{}) error {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	return json.NewEncoder(w).Encode(data)
}

// WriteCode writes the machine-code error envelope.
func WriteCode(w http.ResponseWriter, status int, code, message string) {
	WriteJSON(w, status, ErrorResponse{Error: code, Message: message})
}

// WriteError writes an error envelope whose code is the error text. Use
// WriteCode when a machine code applies.
func WriteError(w http.ResponseWriter, status int, err error) {
	WriteCode(w, status, "error", err.Error())
}

// WriteValidationError writes a 400 with the given machine code.
func WriteValidationError(w http.ResponseWriter, code, message string) {
	WriteCode(w, http.StatusBadRequest, code, message)
}

// WriteUnauthorized writes a 401.
func WriteUnauthorized(w http.ResponseWriter, message string) {
	WriteCode(w, http.StatusUnauthorized, "unauthorized", message)
}

// WriteForbidden writes a 403.
func WriteForbidden(w http.ResponseWriter, message string) {
	WriteCode(w, http.StatusForbidden, "forbidden", message)
}

// WriteNotFound writes a 404.
func WriteNotFound(w http.ResponseWriter, message string) {
	WriteCode(w, http.StatusNotFound, "not_found", message)
}

// WriteInternalError writes a 500. The underlying error text is not
// exposed to the client.
func WriteInternalError(w http.ResponseWriter) {
	WriteCode(w, http.StatusInternalServerError, "internal", "internal server error")
}

// WriteCreated writes a 201 with JSON data.
func WriteCreated(w http.ResponseWriter, data interface{}) error {
	return WriteJSON(w, http.StatusCreated, data)
}

// WriteSuccess writes a 200 with JSON data.
func WriteSuccess(w http.ResponseWriter, data interface{}) error {
	return WriteJSON(w, http.StatusOK, data)
}

// WriteNoContent writes a 204.
func WriteNoContent(w http.ResponseWriter) {
	w.WriteHeader(http.StatusNoContent)
}
