package credentials

import (
	"errors"
	"fmt"
)

var (
	// ErrValidation reports blank or malformed caller input.
	ErrValidation = errors.New("credentials: validation error")
	// ErrConfiguration reports a missing or unusable server-side secret.
	ErrConfiguration = errors.New("credentials: configuration error")
	// ErrPersistence reports a failed store read or write.
	ErrPersistence = errors.New("credentials: persistence error")
	// ErrNotConnected reports that no stored credential exists for the requested user.
	ErrNotConnected = errors.New("credentials: not connected")

	errMissingDatabase = errors.New("database handle is required")
	errMissingUpstream = errors.New("upstream authenticator is required")
	errMissingUserID   = errors.New("user identifier is required")
	errBlankLogin      = errors.New("username and password are required")
	errMissingKey      = errors.New("encryption key is not configured")
)

// ServiceError carries a stable code alongside the wrapped cause.
type ServiceError struct {
	code string
	err  error
}

func (e *ServiceError) Error() string {
	if e.err == nil {
		return e.code
	}
	return fmt.Sprintf("%s: %v", e.code, e.err)
}

func (e *ServiceError) Unwrap() error {
	return e.err
}

func (e *ServiceError) Code() string {
	return e.code
}

const (
	opServiceNew      = "credentials.service.new"
	opSaveTokenOnly   = "credentials.save_token_only"
	opSaveCredentials = "credentials.save_credentials"
	opDisconnect      = "credentials.disconnect"
	opStatus          = "credentials.status"
	opServiceSession  = "credentials.service_session"
)

func newServiceError(operation, reason string, kind, cause error) error {
	code := fmt.Sprintf("%s.%s", operation, reason)
	switch {
	case kind == nil:
		return &ServiceError{code: code, err: cause}
	case cause == nil:
		return &ServiceError{code: code, err: kind}
	default:
		return &ServiceError{code: code, err: fmt.Errorf("%w: %w", kind, cause)}
	}
}
