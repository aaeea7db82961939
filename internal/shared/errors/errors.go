package errors

import (
	"errors"
	"fmt"
	"net/http"
)

// Common error types
var (
	ErrNotFound     = errors.New("resource not found")
	ErrUnauthorized = errors.New("unauthorized")
	ErrForbidden    = errors.New("forbidden")
	ErrBadRequest   = errors.New("bad request")
	ErrConflict     = errors.New("conflict")
	ErrInternal     = errors.New("internal error")
	ErrValidation   = errors.New("validation error")
)

// Compliance engine failure kinds. Typed errors in the domain packages unwrap
// to exactly one of these so callers can classify with errors.Is.
var (
	// Local precondition and configuration failures; never retried.
	ErrIdentityIncomplete     = errors.New("identity incomplete")
	ErrTemplateIntegrity      = errors.New("template integrity")
	ErrInvoiceValidation      = errors.New("invoice validation failed")
	ErrComplianceNotSatisfied = errors.New("compliance not yet satisfied")

	// Fatal for a single invoice attempt.
	ErrSigningFailed = errors.New("signing failed")

	// The authority declined; terminal for the attempt.
	ErrIssuanceRejected = errors.New("certificate issuance rejected")
	ErrInvoiceRejected  = errors.New("invoice rejected by authority")

	// Transport failure talking to the authority; retried with backoff.
	ErrAuthorityUnreachable = errors.New("authority unreachable")

	// Chain state does not match the commit; halts the chain until reconciled.
	ErrChainIntegrity = errors.New("chain integrity violation")

	// The authority accepted an invoice that could not be persisted locally.
	ErrReconciliationRequired = errors.New("reconciliation required")
)

// AppError represents an application error with context
type AppError struct {
	Err        error             `json:"-"`
	Message    string            `json:"message"`
	Code       string            `json:"code"`
	HTTPStatus int               `json:"-"`
	Details    map[string]string `json:"details,omitempty"`
	Payload    []byte            `json:"-"`
}

func (e *AppError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Err)
	}
	return e.Message
}

func (e *AppError) Unwrap() error {
	return e.Err
}

// NotFound creates a not found error
func NotFound(resource string, id string) *AppError {
	return &AppError{
		Err:        ErrNotFound,
		Message:    fmt.Sprintf("%s not found", resource),
		Code:       "NOT_FOUND",
		HTTPStatus: http.StatusNotFound,
		Details:    map[string]string{"resource": resource, "id": id},
	}
}

// Unauthorized creates an unauthorized error
func Unauthorized(message string) *AppError {
	return &AppError{
		Err:        ErrUnauthorized,
		Message:    message,
		Code:       "UNAUTHORIZED",
		HTTPStatus: http.StatusUnauthorized,
	}
}

// Forbidden creates a forbidden error
func Forbidden(message string) *AppError {
	return &AppError{
		Err:        ErrForbidden,
		Message:    message,
		Code:       "FORBIDDEN",
		HTTPStatus: http.StatusForbidden,
	}
}

// BadRequest creates a bad request error
func BadRequest(message string) *AppError {
	return &AppError{
		Err:        ErrBadRequest,
		Message:    message,
		Code:       "BAD_REQUEST",
		HTTPStatus: http.StatusBadRequest,
	}
}

// Validation creates a validation error with field details
func Validation(message string, details map[string]string) *AppError {
	return &AppError{
		Err:        ErrValidation,
		Message:    message,
		Code:       "VALIDATION_ERROR",
		HTTPStatus: http.StatusBadRequest,
		Details:    details,
	}
}

// Conflict creates a conflict error
func Conflict(message string) *AppError {
	return &AppError{
		Err:        ErrConflict,
		Message:    message,
		Code:       "CONFLICT",
		HTTPStatus: http.StatusConflict,
	}
}

// Internal creates an internal error
func Internal(err error) *AppError {
	return &AppError{
		Err:        err,
		Message:    "internal server error",
		Code:       "INTERNAL_ERROR",
		HTTPStatus: http.StatusInternalServerError,
	}
}

// Wrap wraps an error with additional context
func Wrap(err error, message string) *AppError {
	var appErr *AppError
	if errors.As(err, &appErr) {
		appErr.Message = fmt.Sprintf("%s: %s", message, appErr.Message)
		return appErr
	}
	return &AppError{
		Err:        err,
		Message:    message,
		Code:       "INTERNAL_ERROR",
		HTTPStatus: http.StatusInternalServerError,
	}
}

// payloadCarrier is implemented by errors that preserve a raw authority response.
type payloadCarrier interface {
	AuthorityPayload() []byte
}

var kinds = []struct {
	err    error
	code   string
	status int
}{
	{ErrIdentityIncomplete, "IDENTITY_INCOMPLETE", http.StatusUnprocessableEntity},
	{ErrTemplateIntegrity, "TEMPLATE_INTEGRITY", http.StatusInternalServerError},
	{ErrInvoiceValidation, "INVOICE_VALIDATION", http.StatusUnprocessableEntity},
	{ErrComplianceNotSatisfied, "COMPLIANCE_NOT_SATISFIED", http.StatusPreconditionFailed},
	{ErrSigningFailed, "SIGNING_FAILED", http.StatusUnprocessableEntity},
	{ErrIssuanceRejected, "CERTIFICATE_ISSUANCE_REJECTED", http.StatusBadGateway},
	{ErrInvoiceRejected, "INVOICE_REJECTED", http.StatusBadGateway},
	{ErrAuthorityUnreachable, "AUTHORITY_UNREACHABLE", http.StatusServiceUnavailable},
	{ErrChainIntegrity, "CHAIN_INTEGRITY_VIOLATION", http.StatusConflict},
	{ErrReconciliationRequired, "RECONCILIATION_REQUIRED", http.StatusInternalServerError},
	{ErrNotFound, "NOT_FOUND", http.StatusNotFound},
	{ErrConflict, "CONFLICT", http.StatusConflict},
	{ErrValidation, "VALIDATION_ERROR", http.StatusBadRequest},
	{ErrBadRequest, "BAD_REQUEST", http.StatusBadRequest},
}

// FromDomain classifies any error from the compliance engine into an AppError
// suitable for the HTTP layer. Authority payloads are carried through.
func FromDomain(err error) *AppError {
	if err == nil {
		return nil
	}
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr
	}

	out := &AppError{
		Err:        err,
		Message:    err.Error(),
		Code:       "INTERNAL_ERROR",
		HTTPStatus: http.StatusInternalServerError,
	}
	for _, k := range kinds {
		if errors.Is(err, k.err) {
			out.Code = k.code
			out.HTTPStatus = k.status
			break
		}
	}
	var pc payloadCarrier
	if errors.As(err, &pc) {
		out.Payload = pc.AuthorityPayload()
	}
	return out
}

// IsRetryable reports whether err is a transport failure that may succeed on retry.
func IsRetryable(err error) bool {
	return errors.Is(err, ErrAuthorityUnreachable)
}

// Is reports whether any error in err's chain matches target.
func Is(err, target error) bool {
	return errors.Is(err, target)
}

// As finds the first error in err's chain that matches target.
func As(err error, target any) bool {
	return errors.As(err, target)
}
