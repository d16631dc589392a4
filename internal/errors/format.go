package errors

import (
	"encoding/json"
	"errors"
	"net/http"
	"strings"
)

// APIError is the JSON shape returned by HTTP handlers.
type APIError struct {
	Kind       Kind              `json:"kind"`
	Message    string            `json:"message"`
	Suggestion string            `json:"suggestion,omitempty"`
	Details    map[string]string `json:"details,omitempty"`
}

// FormatJSON renders an error as the API error body.
// Non-LoreError values are presented as internal errors without detail,
// so raw driver messages never leak to clients.
func FormatJSON(err error) ([]byte, error) {
	var le *LoreError
	if !errors.As(err, &le) {
		return json.Marshal(APIError{Kind: KindInternal, Message: "internal error"})
	}
	return json.Marshal(APIError{
		Kind:       le.Kind,
		Message:    le.Message,
		Suggestion: le.Suggestion,
		Details:    le.Details,
	})
}

// HTTPStatus maps an error to an HTTP status code.
func HTTPStatus(err error) int {
	switch GetKind(err) {
	case KindUnauthorized:
		return http.StatusUnauthorized
	case KindForbidden:
		return http.StatusForbidden
	case KindNotFound:
		return http.StatusNotFound
	case KindInvalidInput, KindUnsupportedFileType, KindEmptyDocument:
		return http.StatusBadRequest
	case KindFileTooLarge:
		return http.StatusRequestEntityTooLarge
	case KindDBConnectionFailed:
		return http.StatusServiceUnavailable
	case KindWorkerUnavailable:
		return http.StatusBadGateway
	case KindTimeout:
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}

// FormatForLog formats an error for structured logging.
// Returns key-value pairs suitable for slog attributes.
func FormatForLog(err error) map[string]any {
	if err == nil {
		return nil
	}

	var le *LoreError
	if !errors.As(err, &le) {
		return map[string]any{
			"error": err.Error(),
		}
	}

	result := map[string]any{
		"error_kind": string(le.Kind),
		"message":    le.Message,
		"category":   string(le.Category),
		"severity":   string(le.Severity),
		"retryable":  le.Retryable,
	}

	if le.Cause != nil {
		result["cause"] = le.Cause.Error()
	}

	if le.Suggestion != "" {
		result["suggestion"] = le.Suggestion
	}

	for k, v := range le.Details {
		result["detail_"+k] = v
	}

	return result
}

// maxStoredMessage bounds diagnostics persisted to document rows.
const maxStoredMessage = 500

// BoundedMessage renders an error as a diagnostic safe to persist:
// NUL bytes are stripped (PostgreSQL rejects them in text columns) and the
// result is truncated.
func BoundedMessage(err error) string {
	if err == nil {
		return ""
	}
	msg := strings.ReplaceAll(err.Error(), "\x00", "")
	if len(msg) > maxStoredMessage {
		msg = msg[:maxStoredMessage]
	}
	return msg
}
