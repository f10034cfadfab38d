package httputil

import (
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/gorilla/mux"
)

// ParseJSON decodes JSON from the request body into the destination.
func ParseJSON(r *http.Request, dest interface{}) error {
	if err := json.NewDecoder(r.Body).Decode(dest); err != nil {
		return fmt.Errorf("invalid JSON: %w", err)
	}
	return nil
}

// ParseJSONOrError decodes JSON and writes a missing_form_data error on
// failure.
func ParseJSONOrError(w http.ResponseWriter, r *http.Request, dest interface{}) bool {
	if err := ParseJSON(r, dest); err != nil {
		WriteValidationError(w, "missing_form_data", err.Error())
		return false
	}
	return true
}

// PathVar extracts a path variable registered with the router.
func PathVar(r *http.Request, key string) (string, error) {
	v := mux.Vars(r)[key]
	if v == "" {
		return "", fmt.Errorf("missing path parameter: %s", key)
	}
	return v, nil
}

// PathVarOrError extracts a path variable and writes a 400 on absence.
func PathVarOrError(w http.ResponseWriter, r *http.Request, key string) (string, bool) {
	v, err := PathVar(r, key)
	if err != nil {
		WriteValidationError(w, "missing_form_data", err.Error())
		return "", false
	}
	return v, true
}
