// Package respond writes JSON responses and maps domain errors to stable
// HTTP status codes.
package respond

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/joao-fontenele/harborline/internal/domain"
)

type errorBody struct {
	Error string `json:"error"`
	Code  string `json:"code"`
	Retry string `json:"retry,omitempty"`
}

var statusByCode = map[string]int{
	"validation_failed":    http.StatusBadRequest,
	"invalid_state":        http.StatusConflict,
	"idempotency_conflict": http.StatusUnprocessableEntity,
	"not_found":            http.StatusNotFound,
	"signature_mismatch":   http.StatusUnauthorized,
	"signature_expired":    http.StatusUnauthorized,
	"signature_malformed":  http.StatusBadRequest,
}

// Status returns the HTTP status for err.
func Status(err error) int {
	if status, ok := statusByCode[domain.KindOf(err).Code]; ok {
		return status
	}
	return http.StatusInternalServerError
}

// Encode marshals v the way JSON writes it, with a trailing newline.
func Encode(v any) ([]byte, error) {
	body, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	return append(body, '\n'), nil
}

func JSON(w http.ResponseWriter, logger *slog.Logger, status int, v any) {
	body, err := Encode(v)
	if err != nil {
		logger.Error("failed to encode response", "error", err)
		status = http.StatusInternalServerError
		body = []byte(`{"error":"internal server error","code":"internal_error"}` + "\n")
	}
	Raw(w, status, "application/json", body)
}

func Raw(w http.ResponseWriter, status int, contentType string, body []byte) {
	w.Header().Set("Content-Type", contentType)
	w.WriteHeader(status)
	_, _ = w.Write(body)
}

// Error writes the error body for err. Internal errors are logged and their
// detail hidden from the client.
func Error(w http.ResponseWriter, logger *slog.Logger, err error) {
	status, body := ErrorBody(err)
	if status == http.StatusInternalServerError {
		logger.Error("request failed", "error", err)
	}
	JSON(w, logger, status, body)
}

// ErrorBody builds the status and payload for err without writing them.
func ErrorBody(err error) (int, any) {
	kind := domain.KindOf(err)
	status := Status(err)
	msg := err.Error()
	if status == http.StatusInternalServerError {
		msg = "internal server error"
	}
	return status, errorBody{Error: msg, Code: kind.Code, Retry: string(kind.Retry)}
}

// BadRequest reports a malformed request body or parameter.
func BadRequest(w http.ResponseWriter, logger *slog.Logger, msg string) {
	Error(w, logger, fmt.Errorf("%w: %s", domain.ErrValidation, msg))
}

// Router is the registration surface of *http.ServeMux. Handlers register on
// it so that callers can wrap every route.
type Router interface {
	Handle(pattern string, handler http.Handler)
	HandleFunc(pattern string, handler func(http.ResponseWriter, *http.Request))
}
