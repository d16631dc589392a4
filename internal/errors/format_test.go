package errors

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFormatJSON_LoreError(t *testing.T) {
	// Given: a full LoreError
	err := New(KindFileTooLarge, "file exceeds 30MB limit", nil).
		WithDetail("size", "31457281").
		WithSuggestion("Split the file or raise MAX_FILE_SIZE")

	// When: rendering for the API
	data, jerr := FormatJSON(err)
	require.NoError(t, jerr)

	var body APIError
	require.NoError(t, json.Unmarshal(data, &body))

	// Then: kind, message, suggestion, and details survive
	assert.Equal(t, KindFileTooLarge, body.Kind)
	assert.Equal(t, "file exceeds 30MB limit", body.Message)
	assert.Equal(t, "Split the file or raise MAX_FILE_SIZE", body.Suggestion)
	assert.Equal(t, "31457281", body.Details["size"])
}

func TestFormatJSON_PlainErrorDoesNotLeak(t *testing.T) {
	// Given: a raw driver error
	err := errors.New("pq: password authentication failed for user \"admin\"")

	// When: rendering for the API
	data, jerr := FormatJSON(err)
	require.NoError(t, jerr)

	// Then: the driver message is not exposed
	var body APIError
	require.NoError(t, json.Unmarshal(data, &body))
	assert.Equal(t, KindInternal, body.Kind)
	assert.NotContains(t, body.Message, "password")
}

func TestHTTPStatus(t *testing.T) {
	tests := []struct {
		kind Kind
		want int
	}{
		{KindUnauthorized, http.StatusUnauthorized},
		{KindForbidden, http.StatusForbidden},
		{KindNotFound, http.StatusNotFound},
		{KindInvalidInput, http.StatusBadRequest},
		{KindUnsupportedFileType, http.StatusBadRequest},
		{KindFileTooLarge, http.StatusRequestEntityTooLarge},
		{KindDBConnectionFailed, http.StatusServiceUnavailable},
		{KindWorkerUnavailable, http.StatusBadGateway},
		{KindTimeout, http.StatusGatewayTimeout},
		{KindInternal, http.StatusInternalServerError},
		{KindEmbedFailed, http.StatusInternalServerError},
	}

	for _, tt := range tests {
		t.Run(string(tt.kind), func(t *testing.T) {
			assert.Equal(t, tt.want, HTTPStatus(New(tt.kind, "x", nil)))
		})
	}

	// Plain errors map to 500.
	assert.Equal(t, http.StatusInternalServerError, HTTPStatus(errors.New("boom")))
}

func TestHTTPStatus_WrappedError(t *testing.T) {
	// The kind is found through fmt.Errorf wrapping.
	err := fmt.Errorf("handler: %w", NotFound("document", "d-9"))
	assert.Equal(t, http.StatusNotFound, HTTPStatus(err))
}

func TestFormatForLog_IncludesStructuredFields(t *testing.T) {
	cause := errors.New("dial tcp: connection refused")
	err := Wrap(KindDBConnectionFailed, cause).WithDetail("host", "db.internal")

	fields := FormatForLog(err)

	assert.Equal(t, "db_connection_failed", fields["error_kind"])
	assert.Equal(t, string(CategoryStorage), fields["category"])
	assert.Equal(t, true, fields["retryable"])
	assert.Equal(t, "dial tcp: connection refused", fields["cause"])
	assert.Equal(t, "db.internal", fields["detail_host"])
}

func TestBoundedMessage_StripsNULAndTruncates(t *testing.T) {
	// Given: an error message with NUL bytes and excessive length
	raw := "parse failed: " + strings.Repeat("x\x00y", 400)
	err := New(KindParseFailed, raw, nil)

	msg := BoundedMessage(err)

	// Then: no NUL bytes remain and length is bounded
	assert.NotContains(t, msg, "\x00")
	assert.LessOrEqual(t, len(msg), maxStoredMessage)

	// And: nil yields empty
	assert.Equal(t, "", BoundedMessage(nil))
}
