// Package errors provides structured error handling for lorekeep.
//
// Errors carry a Kind (stable machine-readable identifier used in API
// responses and logs), a Category for classification, and a Severity.
// Kinds are lowercase snake_case so they can be returned verbatim in
// JSON error payloads and matched by clients.
package errors

// Kind identifies a class of failure. Kinds are part of the API contract:
// they appear in HTTP error bodies and in document error_message prefixes.
type Kind string

const (
	// Ingestion kinds.
	KindUnsupportedFileType Kind = "unsupported_file_type"
	KindFileTooLarge        Kind = "file_too_large"
	KindBlobDownloadFailed  Kind = "blob_download_failed"
	KindParseFailed         Kind = "parse_failed"
	KindEmptyDocument       Kind = "empty_document"
	KindEmbedFailed         Kind = "embed_failed"
	KindVectorUpsertFailed  Kind = "vector_upsert_failed"

	// Store kinds.
	KindDBConnectionFailed Kind = "db_connection_failed"
	KindNotFound           Kind = "not_found"

	// Graph kinds.
	KindLLMProviderFailed   Kind = "llm_provider_failed"
	KindGraderFailed        Kind = "grader_failed"
	KindToolIntegrityFailed Kind = "tool_integrity_failed"

	// Cross-cutting kinds.
	KindTimeout           Kind = "timeout"
	KindWorkerUnavailable Kind = "worker_unavailable"
	KindUnauthorized      Kind = "unauthorized"
	KindForbidden         Kind = "forbidden"
	KindInvalidInput      Kind = "invalid_input"
	KindConfig            Kind = "config_invalid"
	KindInternal          Kind = "internal"
)

// Category defines error categories for classification.
type Category string

const (
	// CategoryConfig indicates configuration-related errors.
	CategoryConfig Category = "CONFIG"
	// CategoryStorage indicates blob, metadata, or vector store errors.
	CategoryStorage Category = "STORAGE"
	// CategoryIngest indicates document processing errors.
	CategoryIngest Category = "INGEST"
	// CategoryProvider indicates LLM, embedder, or reranker errors.
	CategoryProvider Category = "PROVIDER"
	// CategoryNetwork indicates timeouts and connectivity errors.
	CategoryNetwork Category = "NETWORK"
	// CategoryValidation indicates input validation errors.
	CategoryValidation Category = "VALIDATION"
	// CategoryAuth indicates authentication and authorization errors.
	CategoryAuth Category = "AUTH"
	// CategoryInternal indicates unexpected internal errors.
	CategoryInternal Category = "INTERNAL"
)

// Severity defines error severity levels.
type Severity string

const (
	// SeverityFatal indicates unrecoverable error, must abort.
	SeverityFatal Severity = "FATAL"
	// SeverityError indicates operation failed but can continue.
	SeverityError Severity = "ERROR"
	// SeverityWarning indicates degraded operation, continuing.
	SeverityWarning Severity = "WARNING"
)

// categoryFromKind classifies a kind.
func categoryFromKind(kind Kind) Category {
	switch kind {
	case KindConfig:
		return CategoryConfig
	case KindBlobDownloadFailed, KindVectorUpsertFailed, KindDBConnectionFailed, KindNotFound:
		return CategoryStorage
	case KindUnsupportedFileType, KindFileTooLarge, KindInvalidInput:
		return CategoryValidation
	case KindParseFailed, KindEmptyDocument:
		return CategoryIngest
	case KindEmbedFailed, KindLLMProviderFailed, KindGraderFailed:
		return CategoryProvider
	case KindTimeout, KindWorkerUnavailable:
		return CategoryNetwork
	case KindUnauthorized, KindForbidden:
		return CategoryAuth
	default:
		return CategoryInternal
	}
}

// severityFromKind determines severity for a kind. Retryable kinds are
// warnings: the operation may still succeed on a later attempt.
func severityFromKind(kind Kind) Severity {
	if kind == KindGraderFailed {
		// Grader failures degrade to a "no" grade, never abort a request.
		return SeverityWarning
	}
	if isRetryableKind(kind) {
		return SeverityWarning
	}
	return SeverityError
}

// isRetryableKind reports whether operations failing with this kind may be
// retried without changing inputs.
func isRetryableKind(kind Kind) bool {
	switch kind {
	case KindBlobDownloadFailed, KindEmbedFailed, KindVectorUpsertFailed,
		KindDBConnectionFailed, KindLLMProviderFailed, KindTimeout,
		KindWorkerUnavailable:
		return true
	default:
		return false
	}
}
