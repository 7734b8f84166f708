package domain

import (
	"errors"
	"fmt"
)

type ErrorCode string

const (
	CodeInvalidPayload       ErrorCode = "INVALID_PAYLOAD"
	CodeProviderNotSupported ErrorCode = "PROVIDER_NOT_SUPPORTED"
	CodeDuplicateMessage     ErrorCode = "DUPLICATE_MESSAGE"
	CodeSignatureInvalid     ErrorCode = "SIGNATURE_INVALID"
	CodeSignatureMissing     ErrorCode = "SIGNATURE_MISSING"
	CodeIdentityResolution   ErrorCode = "IDENTITY_RESOLUTION_FAILURE"
	CodePersistence          ErrorCode = "PERSISTENCE_FAILURE"
	CodeMediaFetch           ErrorCode = "MEDIA_FETCH_FAILURE"
	CodeInternal             ErrorCode = "INTERNAL_ERROR" // recovered panic inside a stage
)

// Retryable reports whether a failure with this code may succeed on a later attempt.
func (c ErrorCode) Retryable() bool {
	return c == CodePersistence
}

// IngestionError is the structured failure attached to an IngestionResult.
type IngestionError struct {
	Code      ErrorCode `json:"code"`
	Stage     string    `json:"stage,omitempty"`
	Message   string    `json:"message"`
	Retryable bool      `json:"retryable"`
	cause     error
}

func NewIngestionError(code ErrorCode, stage string, cause error) *IngestionError {
	msg := string(code)
	if cause != nil {
		msg = cause.Error()
	}
	return &IngestionError{
		Code:      code,
		Stage:     stage,
		Message:   msg,
		Retryable: code.Retryable(),
		cause:     cause,
	}
}

func (e *IngestionError) Error() string {
	if e.Stage != "" {
		return fmt.Sprintf("%s at %s: %s", e.Code, e.Stage, e.Message)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *IngestionError) Unwrap() error { return e.cause }

// Is matches another IngestionError by code, so errors.Is(err, ErrInvalidPayload) works.
func (e *IngestionError) Is(target error) bool {
	var t *IngestionError
	if errors.As(target, &t) {
		return t.Code == e.Code
	}
	return false
}

var (
	ErrInvalidPayload       = &IngestionError{Code: CodeInvalidPayload}
	ErrProviderNotSupported = &IngestionError{Code: CodeProviderNotSupported}
	ErrPersistence          = &IngestionError{Code: CodePersistence}
	ErrIdentityResolution   = &IngestionError{Code: CodeIdentityResolution}
)

// Store errors.
var (
	// ErrConflict is returned by a Store when a unique constraint rejects a write.
	ErrConflict = errors.New("record already exists")
	ErrNotFound = errors.New("record not found")
)
