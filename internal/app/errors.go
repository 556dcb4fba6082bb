package app

import (
	"errors"
	"fmt"
	"net/http"

	"github.com/go-playground/validator/v10"

	"roadwatch/api/internal/auth"
	"roadwatch/api/internal/blob"
	"roadwatch/api/internal/cache"
	"roadwatch/api/internal/identity"
	"roadwatch/api/internal/lifecycle"
	"roadwatch/api/internal/store"
)

type DomainError struct {
	Status  int
	Code    string
	Message string
	Details any
}

func (e *DomainError) Error() string {
	if e == nil {
		return ""
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func domainError(status int, code, message string, details any) *DomainError {
	return &DomainError{
		Status:  status,
		Code:    code,
		Message: message,
		Details: details,
	}
}

var errUnavailable = domainError(http.StatusServiceUnavailable, "UNAVAILABLE", "Service not configured", nil)

// mapError turns the typed errors raised below the HTTP layer into the
// response envelope. Anything unrecognised is a 500 with no details.
func mapError(err error) (status int, code, message string, details any) {
	var (
		domainErr     *DomainError
		validationErr *lifecycle.ValidationError
		fieldErr      *identity.FieldError
		permissionErr *lifecycle.PermissionError
		conflictErr   *store.ConflictError
		remoteErr     *store.RemoteError
		storageErr    *cache.StorageError
		bindErrs      validator.ValidationErrors
	)
	switch {
	case errors.As(err, &domainErr):
		return domainErr.Status, domainErr.Code, domainErr.Message, domainErr.Details
	case errors.As(err, &bindErrs):
		return http.StatusUnprocessableEntity, "VALIDATION_FAILED", "Invalid request", fieldDetails(bindErrs)
	case errors.As(err, &validationErr):
		return http.StatusUnprocessableEntity, "VALIDATION_FAILED", validationErr.Message, map[string]any{"field": validationErr.Field}
	case errors.As(err, &fieldErr):
		return http.StatusUnprocessableEntity, "VALIDATION_FAILED", fieldErr.Message, map[string]any{"field": fieldErr.Field}
	case errors.As(err, &permissionErr):
		return http.StatusForbidden, "FORBIDDEN", permissionErr.Error(), nil
	case errors.As(err, &conflictErr):
		return http.StatusConflict, "CONFLICT", "Report was changed by someone else; reload and retry", map[string]any{"reportId": conflictErr.ReportID}
	case errors.Is(err, store.ErrUsernameTaken):
		return http.StatusConflict, "USERNAME_TAKEN", "Username already registered", nil
	case errors.Is(err, store.ErrAlreadyApproved):
		return http.StatusConflict, "ALREADY_APPROVED", "User already approved", nil
	case errors.Is(err, store.ErrNotFound):
		return http.StatusNotFound, "NOT_FOUND", "Not found", nil
	case errors.Is(err, identity.ErrInvalidCredentials):
		return http.StatusUnauthorized, "INVALID_CREDENTIALS", "Invalid username or password", nil
	case errors.Is(err, identity.ErrNotApproved):
		return http.StatusForbidden, "NOT_APPROVED", "Account is awaiting admin approval", nil
	case errors.Is(err, identity.ErrRoleNotAllowed):
		return http.StatusForbidden, "ROLE_NOT_ALLOWED", "Role cannot be self-registered", nil
	case errors.Is(err, auth.ErrInvalidToken), errors.Is(err, auth.ErrExpiredToken):
		return http.StatusUnauthorized, "UNAUTHORIZED", "Unauthorized", nil
	case errors.Is(err, blob.ErrTooLarge):
		return http.StatusRequestEntityTooLarge, "TOO_LARGE", "Upload exceeds 10 MB", nil
	case errors.Is(err, blob.ErrEmpty):
		return http.StatusUnprocessableEntity, "VALIDATION_FAILED", "Upload is empty", map[string]any{"field": "file"}
	case errors.As(err, &remoteErr):
		return http.StatusServiceUnavailable, "REMOTE_UNAVAILABLE", "Remote store unavailable, try again later", map[string]any{"kind": remoteErr.Kind}
	case errors.As(err, &storageErr):
		return http.StatusInternalServerError, "STORAGE_ERROR", "Local storage failed", nil
	}
	return http.StatusInternalServerError, "SERVER_ERROR", "Server error", nil
}

func fieldDetails(errs validator.ValidationErrors) map[string]string {
	out := make(map[string]string, len(errs))
	for _, fe := range errs {
		out[fe.Field()] = fe.Tag()
	}
	return out
}
