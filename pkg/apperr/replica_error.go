package apperr

import (
	"errors"
	"fmt"
	"net/http"
)

// Error codes
const (
	// Account / token errors
	CodeAuthExpired  = "AUTH_EXPIRED"
	CodeReauthNeeded = "REAUTH_REQUIRED"
	CodeTokenExpired = "TOKEN_EXPIRED"

	// Provider errors
	CodeProviderTransient    = "PROVIDER_TRANSIENT"
	CodeProviderAuthRejected = "PROVIDER_AUTH_REJECTED"

	// Sync errors
	CodeReconciliation = "RECONCILIATION_FAILED"

	// Fine-tuning errors
	CodeDatasetBuild = "DATASET_BUILD_FAILED"
	CodeJobSubmit    = "JOB_SUBMIT_FAILED"

	// Validation errors
	CodeBadRequest   = "BAD_REQUEST"
	CodeInvalidInput = "INVALID_INPUT"

	// Resource errors
	CodeNotFound      = "NOT_FOUND"
	CodeAlreadyExists = "ALREADY_EXISTS"

	// Infrastructure errors
	CodeDatabaseError = "DATABASE_ERROR"
	CodeExternalError = "EXTERNAL_ERROR"
	CodeInternalError = "INTERNAL_ERROR"
	CodeTimeout       = "TIMEOUT"
)

// AppError represents a structured application error.
type AppError struct {
	Code    string         `json:"code"`
	Message string         `json:"message"`
	Status  int            `json:"-"`
	Details map[string]any `json:"details,omitempty"`
	Err     error          `json:"-"`
}

func (e *AppError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("[%s] %s: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

func (e *AppError) Unwrap() error {
	return e.Err
}

func (e *AppError) WithDetail(key string, value any) *AppError {
	if e.Details == nil {
		e.Details = make(map[string]any)
	}
	e.Details[key] = value
	return e
}

// HTTPStatus returns the HTTP status code.
func (e *AppError) HTTPStatus() int {
	return e.Status
}

func New(code, message string, status int) *AppError {
	return &AppError{Code: code, Message: message, Status: status}
}

func Wrap(err error, code, message string, status int) *AppError {
	return &AppError{Code: code, Message: message, Status: status, Err: err}
}

// AuthExpired indicates the account's OAuth credentials are no longer usable
// and the coach must reconnect the mailbox. Terminal for the sync run.
func AuthExpired(accountID int64, err error) *AppError {
	return &AppError{
		Code:    CodeAuthExpired,
		Message: "account requires re-authentication",
		Status:  http.StatusUnauthorized,
		Details: map[string]any{"account_id": accountID},
		Err:     err,
	}
}

// ReauthRequired is returned when a sync is attempted on an account already
// flagged as needing re-authentication. No network calls were made.
func ReauthRequired(accountID int64) *AppError {
	return &AppError{
		Code:    CodeReauthNeeded,
		Message: "account is in needs-reauth state, sync skipped",
		Status:  http.StatusConflict,
		Details: map[string]any{"account_id": accountID},
	}
}

// ProviderTransient marks a provider failure that is safe to retry.
func ProviderTransient(provider string, err error) *AppError {
	return &AppError{
		Code:    CodeProviderTransient,
		Message: fmt.Sprintf("transient provider error: %s", provider),
		Status:  http.StatusBadGateway,
		Details: map[string]any{"provider": provider},
		Err:     err,
	}
}

// Reconciliation marks a per-email classification/persistence failure.
// Logged and skipped by the batch, never fatal.
func Reconciliation(messageID string, err error) *AppError {
	return &AppError{
		Code:    CodeReconciliation,
		Message: "failed to reconcile email",
		Status:  http.StatusInternalServerError,
		Details: map[string]any{"message_id": messageID},
		Err:     err,
	}
}

// DatasetBuild marks a fine-tuning dataset construction failure.
func DatasetBuild(coachID string, err error) *AppError {
	return &AppError{
		Code:    CodeDatasetBuild,
		Message: "failed to build training dataset",
		Status:  http.StatusInternalServerError,
		Details: map[string]any{"coach_id": coachID},
		Err:     err,
	}
}

// JobSubmit marks a training-job submission failure.
func JobSubmit(coachID string, err error) *AppError {
	return &AppError{
		Code:    CodeJobSubmit,
		Message: "failed to submit training job",
		Status:  http.StatusBadGateway,
		Details: map[string]any{"coach_id": coachID},
		Err:     err,
	}
}

func BadRequest(message string) *AppError {
	return &AppError{Code: CodeBadRequest, Message: message, Status: http.StatusBadRequest}
}

func NotFound(resource string) *AppError {
	return &AppError{
		Code:    CodeNotFound,
		Message: fmt.Sprintf("%s not found", resource),
		Status:  http.StatusNotFound,
	}
}

func AlreadyExists(resource string) *AppError {
	return &AppError{
		Code:    CodeAlreadyExists,
		Message: fmt.Sprintf("%s already exists", resource),
		Status:  http.StatusConflict,
	}
}

func DatabaseError(operation string, err error) *AppError {
	return &AppError{
		Code:    CodeDatabaseError,
		Message: fmt.Sprintf("database error: %s", operation),
		Status:  http.StatusInternalServerError,
		Err:     err,
	}
}

func ExternalError(service string, err error) *AppError {
	return &AppError{
		Code:    CodeExternalError,
		Message: fmt.Sprintf("external service error: %s", service),
		Status:  http.StatusBadGateway,
		Details: map[string]any{"service": service},
		Err:     err,
	}
}

func Internal(message string) *AppError {
	if message == "" {
		message = "internal server error"
	}
	return &AppError{Code: CodeInternalError, Message: message, Status: http.StatusInternalServerError}
}

// IsCode reports whether err is an AppError with the given code.
func IsCode(err error, code string) bool {
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr.Code == code
	}
	return false
}

// IsAuthExpired reports whether err is terminal for the account's sync run
// and should surface to the coach as "reconnect your account".
func IsAuthExpired(err error) bool {
	return IsCode(err, CodeAuthExpired) || IsCode(err, CodeReauthNeeded) ||
		IsCode(err, CodeProviderAuthRejected)
}

// IsTransient reports whether err is eligible for external retry.
func IsTransient(err error) bool {
	return IsCode(err, CodeProviderTransient) || IsCode(err, CodeTimeout)
}

// FromError converts any error to an AppError.
func FromError(err error) *AppError {
	if err == nil {
		return nil
	}
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr
	}
	return Wrap(err, CodeInternalError, err.Error(), http.StatusInternalServerError)
}
