// Package handlers provides HTTP handlers for the dosing API.
package handlers

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"

	"github.com/crivet/dose-engine/internal/domain/clinical"
)

// errorResponse is the body of every non-2xx reply
type errorResponse struct {
	Error string `json:"error"`
	Kind  string `json:"kind,omitempty"`
	Field string `json:"field,omitempty"`
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func jsonError(w http.ResponseWriter, code int, message string) {
	writeJSON(w, code, errorResponse{Error: message})
}

// errorKind names the failure class used for the status code and metrics
func errorKind(err error) string {
	switch {
	case errors.Is(err, clinical.ErrConfiguration):
		return "configuration"
	case errors.Is(err, clinical.ErrUnit):
		return "unit"
	case errors.Is(err, clinical.ErrInvalidInput):
		return "invalid_input"
	case errors.Is(err, clinical.ErrNotFound):
		return "not_found"
	default:
		return "internal"
	}
}

func statusFor(kind string) int {
	switch kind {
	case "unit", "invalid_input":
		return http.StatusBadRequest
	case "not_found":
		return http.StatusNotFound
	case "configuration":
		return http.StatusUnprocessableEntity
	default:
		return http.StatusInternalServerError
	}
}

// writeDomainError maps a domain error onto its status code. Internal
// errors are not echoed to the caller.
func writeDomainError(w http.ResponseWriter, err error) string {
	kind := errorKind(err)
	resp := errorResponse{Error: err.Error(), Kind: kind}
	var ie *clinical.InputError
	if errors.As(err, &ie) {
		resp.Field = ie.Field
	}
	if kind == "internal" {
		resp.Error = "internal error"
	}
	writeJSON(w, statusFor(kind), resp)
	return kind
}

// decode reads a single JSON value, rejecting unknown fields
func decode(r *http.Request, v any) error {
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		if errors.Is(err, clinical.ErrUnit) || errors.Is(err, clinical.ErrInvalidInput) {
			return err
		}
		return &clinical.InputError{Field: "body", Reason: describeDecodeError(err)}
	}
	if dec.More() {
		return &clinical.InputError{Field: "body", Reason: "trailing data after JSON value"}
	}
	return nil
}

func describeDecodeError(err error) string {
	var syntax *json.SyntaxError
	var typ *json.UnmarshalTypeError
	var tooLarge *http.MaxBytesError
	switch {
	case errors.Is(err, io.EOF):
		return "empty body"
	case errors.As(err, &syntax):
		return fmt.Sprintf("malformed JSON at offset %d", syntax.Offset)
	case errors.As(err, &typ):
		return fmt.Sprintf("%s must be %s", typ.Field, typ.Type)
	case errors.As(err, &tooLarge):
		return fmt.Sprintf("body exceeds %d bytes", tooLarge.Limit)
	default:
		return err.Error()
	}
}
