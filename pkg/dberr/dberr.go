// Package dberr normalizes backend-specific database errors into a canonical
// taxonomy shared by the orchestrator, the retry layer, and the API surface.
//
// Each backend adapter returns typed errors; the functions here map those
// types (and vendor codes) to a closed Category set deterministically. No
// string matching against formatted error text is performed beyond the vendor
// code extraction each backend requires.
package dberr

import (
	"fmt"
)

// Category classifies a backend error. The set is closed: every error maps to
// exactly one category, with UNKNOWN as the catch-all.
type Category string

const (
	// CategoryConnection covers refused, dropped, or unreachable sessions
	CategoryConnection Category = "connection_error"
	// CategoryNetwork covers transport-level failures below the session
	CategoryNetwork Category = "network_error"
	// CategoryTimeout covers statement and connect deadline expiry
	CategoryTimeout Category = "timeout"
	// CategoryPermission covers authentication and authorization failures
	CategoryPermission Category = "permission"
	// CategorySyntax covers SQL the backend could not parse
	CategorySyntax Category = "syntax"
	// CategoryInvalidIdentifier covers unknown column or alias references
	CategoryInvalidIdentifier Category = "invalid_identifier"
	// CategoryInvalidTable covers unknown table or view references
	CategoryInvalidTable Category = "invalid_table"
	// CategoryDataTypeMismatch covers value/type coercion failures
	CategoryDataTypeMismatch Category = "data_type_mismatch"
	// CategoryConstraintViolation covers integrity constraint failures
	CategoryConstraintViolation Category = "constraint_violation"
	// CategoryResourceExhausted covers backend capacity limits (sessions, memory, temp space)
	CategoryResourceExhausted Category = "resource_exhausted"
	// CategoryQuotaExceeded covers policy-level quota rejections
	CategoryQuotaExceeded Category = "quota_exceeded"
	// CategoryUnknown is the catch-all for unmapped errors
	CategoryUnknown Category = "unknown"
)

// IsTransient reports whether errors in this category are worth retrying.
// The transient and permanent sets are disjoint; UNKNOWN is treated as
// permanent so unmapped failures never loop.
func (c Category) IsTransient() bool {
	switch c {
	case CategoryConnection, CategoryNetwork, CategoryTimeout, CategoryResourceExhausted:
		return true
	default:
		return false
	}
}

// RetryStrategy tells the caller whether and why a retry may help.
type RetryStrategy struct {
	ShouldRetry bool `json:"should_retry"`
	IsTransient bool `json:"is_transient"`
}

// NormalizedError is the canonical error record produced by this package.
// Message is the backend's own text (for logs); UserMessage is safe to show
// to the querying user.
type NormalizedError struct {
	Category    Category       `json:"category"`
	ErrorCode   string         `json:"error_code,omitempty"`
	Message     string         `json:"message"`
	UserMessage string         `json:"user_message"`
	Retry       RetryStrategy  `json:"retry_strategy"`
	Metadata    map[string]any `json:"metadata,omitempty"`

	cause error
}

// Error implements the error interface.
func (e *NormalizedError) Error() string {
	if e.ErrorCode != "" {
		return fmt.Sprintf("%s [%s]: %s", e.Category, e.ErrorCode, e.Message)
	}
	return fmt.Sprintf("%s: %s", e.Category, e.Message)
}

// Unwrap returns the original backend error, if any.
func (e *NormalizedError) Unwrap() error {
	return e.cause
}

// WithColumns attaches the known columns of the referenced table so callers
// can present "did you mean" hints for invalid identifiers.
func (e *NormalizedError) WithColumns(table string, columns []string) *NormalizedError {
	if len(columns) == 0 {
		return e
	}
	if e.Metadata == nil {
		e.Metadata = make(map[string]any, 2)
	}
	e.Metadata["table"] = table
	e.Metadata["available_columns"] = columns
	return e
}

// New builds a NormalizedError for the given category, deriving the retry
// strategy and default user message from the category.
func New(category Category, code, message string, cause error) *NormalizedError {
	return &NormalizedError{
		Category:    category,
		ErrorCode:   code,
		Message:     message,
		UserMessage: userMessage(category),
		Retry: RetryStrategy{
			ShouldRetry: category.IsTransient(),
			IsTransient: category.IsTransient(),
		},
		cause: cause,
	}
}

func userMessage(c Category) string {
	switch c {
	case CategoryConnection:
		return "The database is currently unreachable. Please try again shortly."
	case CategoryNetwork:
		return "A network problem interrupted the query. Please try again shortly."
	case CategoryTimeout:
		return "The query took too long and was cancelled. Try narrowing the question."
	case CategoryPermission:
		return "You do not have permission to access the requested data."
	case CategorySyntax:
		return "The generated SQL was not accepted by the database."
	case CategoryInvalidIdentifier:
		return "The query references a column that does not exist."
	case CategoryInvalidTable:
		return "The query references a table that does not exist."
	case CategoryDataTypeMismatch:
		return "A value in the query does not match the column's data type."
	case CategoryConstraintViolation:
		return "The operation would violate a database constraint."
	case CategoryResourceExhausted:
		return "The database is at capacity. Please try again shortly."
	case CategoryQuotaExceeded:
		return "Your daily query quota has been reached."
	default:
		return "The query failed for an unexpected reason."
	}
}
