package service

import (
	"errors"
	"fmt"

	"knowledge-rag/internal/embedding"
	"knowledge-rag/internal/extract"
	"knowledge-rag/internal/storage"
	"knowledge-rag/internal/vectorstore"
)

var (
	// ErrInvalidInput is returned when input validation fails.
	ErrInvalidInput = errors.New("invalid input")
	// ErrExternalService is returned when the language model call fails.
	ErrExternalService = errors.New("external service error")
)

// Errors of the lower layers, re-exported so callers only import this package.
var (
	ErrNotFound                 = storage.ErrNotFound
	ErrExtraction               = extract.ErrExtraction
	ErrUnsupportedFormat        = extract.ErrUnsupportedFormat
	ErrEmbeddingUnavailable     = embedding.ErrUnavailable
	ErrStoreWrite               = vectorstore.ErrStoreWrite
	ErrDimensionMismatch        = vectorstore.ErrDimensionMismatch
	ErrTenantIsolationViolation = vectorstore.ErrTenantIsolationViolation
)

// ValidationError represents a validation error with a field name.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("validation error on field %s: %s", e.Field, e.Message)
}

// Is reports every validation error as ErrInvalidInput.
func (e *ValidationError) Is(target error) bool { return target == ErrInvalidInput }

// WrapError wraps an error with additional context.
func WrapError(err error, msg string) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s: %w", msg, err)
}
