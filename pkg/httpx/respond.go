package httpx

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/icstlab/icst/pkg/apperr"
)

// ErrorBody is the envelope of every error response:
// {"error":{"code":400,"name":"Bad Request","description":"..."}}.
type ErrorBody struct {
	Error ErrorDetail `json:"error"`
}

// ErrorDetail is the client-facing part of an apperr.Detail.
type ErrorDetail struct {
	Code        int    `json:"code"`
	Name        string `json:"name"`
	Description string `json:"description"`
}

// DataBody wraps a successful payload as {"data": ...}.
type DataBody struct {
	Data any `json:"data"`
}

// WriteJSON writes v as JSON with the given status code.
func WriteJSON(w http.ResponseWriter, status int, v any) error {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)

	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Error("failed to encode JSON response", "error", err)
		return fmt.Errorf("failed to encode JSON: %w", err)
	}

	return nil
}

// WriteData writes v wrapped in a data envelope.
func WriteData(w http.ResponseWriter, status int, v any) {
	if err := WriteJSON(w, status, DataBody{Data: v}); err != nil {
		slog.Error("failed to write data response", "error", err)
	}
}

// WriteDetail writes a stored error detail with its own status code.
func WriteDetail(w http.ResponseWriter, d *apperr.Detail) {
	if d == nil {
		d = apperr.ToDetail(errors.New("missing error detail"))
	}
	body := ErrorBody{Error: ErrorDetail{
		Code:        d.Code,
		Name:        d.Name,
		Description: d.Description,
	}}
	if err := WriteJSON(w, d.Code, body); err != nil {
		slog.Error("failed to write error response", "error", err, "kind", d.Kind)
	}
}

// WriteAppError renders err through apperr. Unclassified errors are
// reported as internal failures without their message.
func WriteAppError(w http.ResponseWriter, err error) {
	WriteDetail(w, apperr.ToDetail(err))
}

// WriteErrorMessage writes an error envelope with a custom message.
func WriteErrorMessage(w http.ResponseWriter, status int, message string) {
	body := ErrorBody{Error: ErrorDetail{
		Code:        status,
		Name:        http.StatusText(status),
		Description: message,
	}}
	if err := WriteJSON(w, status, body); err != nil {
		slog.Error("failed to write error message", "error", err, "message", message)
	}
}

// DecodeJSON decodes the request body into v. Decode failures are
// MalformedInput, or TooLarge when the body limit was hit.
func DecodeJSON(r *http.Request, v any) error {
	dec := json.NewDecoder(r.Body)
	if err := dec.Decode(v); err != nil {
		var maxErr *http.MaxBytesError
		if errors.As(err, &maxErr) {
			return apperr.New(apperr.TooLarge, "request body exceeds %d bytes", maxErr.Limit)
		}
		return apperr.Wrap(apperr.MalformedInput, err, "invalid JSON body: %v", err)
	}
	if dec.More() {
		return apperr.New(apperr.MalformedInput, "invalid JSON body: trailing data")
	}
	return nil
}

// HealthHandler returns a handler that always responds 200 OK.
func HealthHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		if _, err := w.Write([]byte("OK")); err != nil {
			slog.Error("failed to write health response", "error", err)
		}
	}
}

// HealthHandlerWithCheck responds 200 OK when check passes and renders the
// error otherwise.
func HealthHandlerWithCheck(check func() error) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if err := check(); err != nil {
			WriteAppError(w, err)
			return
		}
		w.WriteHeader(http.StatusOK)
		if _, err := w.Write([]byte("OK")); err != nil {
			slog.Error("failed to write health response", "error", err)
		}
	}
}
