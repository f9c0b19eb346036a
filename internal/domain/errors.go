package domain

import (
	"errors"
	"fmt"
	"time"
)

// Error codes for the ingestion, normalization, preprocessing and dispatch stages
const (
	ErrCodeMalformedContainer        = "MALFORMED_CONTAINER"
	ErrCodeUnsupportedTransferSyntax = "UNSUPPORTED_TRANSFER_SYNTAX"
	ErrCodeTruncatedData             = "TRUNCATED_DATA"
	ErrCodeMissingRequiredField      = "MISSING_REQUIRED_FIELD"
	ErrCodePseudonymCollision        = "PSEUDONYM_COLLISION"
	ErrCodeContractMismatch          = "CONTRACT_MISMATCH"
	ErrCodeInsufficientData          = "INSUFFICIENT_DATA"
	ErrCodeTimedOut                  = "TIMED_OUT"
	ErrCodeModelError                = "MODEL_ERROR"
	ErrCodeModelNotFound             = "MODEL_NOT_FOUND"
	ErrCodeNoApplicableModels        = "NO_APPLICABLE_MODELS"
	ErrCodeInvalidInput              = "INVALID_INPUT"
	ErrCodeAuthentication            = "AUTHENTICATION_ERROR"
	ErrCodeRateLimit                 = "RATE_LIMIT_EXCEEDED"
	ErrCodeInternal                  = "INTERNAL_SERVER_ERROR"
)

// Sentinels usable with errors.Is against any *CDSSError carrying the same code.
var (
	ErrMalformedContainer        = &CDSSError{Code: ErrCodeMalformedContainer, Message: "malformed imaging container"}
	ErrUnsupportedTransferSyntax = &CDSSError{Code: ErrCodeUnsupportedTransferSyntax, Message: "unsupported transfer syntax"}
	ErrTruncatedData             = &CDSSError{Code: ErrCodeTruncatedData, Message: "truncated data"}
	ErrMissingRequiredField      = &CDSSError{Code: ErrCodeMissingRequiredField, Message: "missing required field"}
	ErrPseudonymCollision        = &CDSSError{Code: ErrCodePseudonymCollision, Message: "pseudonym collision"}
	ErrContractMismatch          = &CDSSError{Code: ErrCodeContractMismatch, Message: "input contract mismatch"}
	ErrInsufficientData          = &CDSSError{Code: ErrCodeInsufficientData, Message: "insufficient data for contract"}
	ErrTimedOut                  = &CDSSError{Code: ErrCodeTimedOut, Message: "inference timed out"}
	ErrModelError                = &CDSSError{Code: ErrCodeModelError, Message: "model error"}
	ErrModelNotFound             = &CDSSError{Code: ErrCodeModelNotFound, Message: "model not found"}
	ErrNoApplicableModels        = &CDSSError{Code: ErrCodeNoApplicableModels, Message: "no applicable models"}
)

// CDSSError is the error type for every failure the imaging pipeline reports.
// Field is set for MISSING_REQUIRED_FIELD; Cause keeps the underlying error for provenance.
type CDSSError struct {
	Code      string    `json:"code"`
	Message   string    `json:"message"`
	Field     string    `json:"field,omitempty"`
	Timestamp time.Time `json:"timestamp"`
	Cause     error     `json:"-"`
}

// Error implements the error interface
func (e *CDSSError) Error() string {
	msg := fmt.Sprintf("%s: %s", e.Code, e.Message)
	if e.Field != "" {
		msg += fmt.Sprintf(" (field %s)", e.Field)
	}
	if e.Cause != nil {
		msg += ": " + e.Cause.Error()
	}
	return msg
}

// Unwrap exposes the underlying cause
func (e *CDSSError) Unwrap() error {
	return e.Cause
}

// Is matches another CDSSError by code
func (e *CDSSError) Is(target error) bool {
	var t *CDSSError
	if !errors.As(target, &t) {
		return false
	}
	return t.Code == e.Code
}

// NewError creates a new CDSSError with timestamp
func NewError(code, message string) *CDSSError {
	return &CDSSError{
		Code:      code,
		Message:   message,
		Timestamp: time.Now().UTC(),
	}
}

// WrapError creates a CDSSError that preserves cause
func WrapError(code, message string, cause error) *CDSSError {
	e := NewError(code, message)
	e.Cause = cause
	return e
}

// NewMissingFieldError reports a required metadata field that is absent or empty
func NewMissingFieldError(field string) *CDSSError {
	e := NewError(ErrCodeMissingRequiredField, "missing required field")
	e.Field = field
	return e
}

// ErrorCode returns the CDSSError code carried by err, or ErrCodeInternal.
func ErrorCode(err error) string {
	var e *CDSSError
	if errors.As(err, &e) {
		return e.Code
	}
	return ErrCodeInternal
}

// IsFatal reports whether err aborts the whole request rather than a single dispatch slot.
func IsFatal(err error) bool {
	switch ErrorCode(err) {
	case ErrCodeTimedOut, ErrCodeModelError, ErrCodeContractMismatch, ErrCodeInsufficientData:
		return false
	default:
		return true
	}
}
