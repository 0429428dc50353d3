package lifecycle

import (
	"errors"
	"fmt"

	"dispatchBack/internal/logistics/repo"
)

var (
	ErrValidation        = errors.New("validation failed")
	ErrNotFound          = errors.New("not found")
	ErrAlreadyAssigned   = errors.New("this request is already assigned")
	ErrInvalidTransition = errors.New("transition not allowed from current status")
	ErrAlreadyFinalized  = errors.New("request is already finalized")
	ErrOTPIncorrect      = errors.New("OTP incorrect")
	ErrOTPExpired        = errors.New("OTP expired")
	ErrNotAssignedDriver = errors.New("caller is not the assigned driver")
	ErrForbidden         = errors.New("caller may not act on this request")
	ErrDriverUnavailable = errors.New("driver is not available for work")
)

// ValidationError describes a rejected input field.
type ValidationError struct {
	Field string
	Msg   string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("%s: %s", e.Field, e.Msg)
}

func (e *ValidationError) Unwrap() error { return ErrValidation }

func invalid(field, msg string) error {
	return &ValidationError{Field: field, Msg: msg}
}

// ConflictError carries the authoritative request so the caller can resync.
type ConflictError struct {
	Err     error
	Current *repo.Request
}

func (e *ConflictError) Error() string {
	if e.Current != nil {
		return fmt.Sprintf("%v (status %s)", e.Err, e.Current.Status)
	}
	return e.Err.Error()
}

func (e *ConflictError) Unwrap() error { return e.Err }

// IsConflict reports whether err is a conflict of any kind.
func IsConflict(err error) bool {
	var ce *ConflictError
	return errors.As(err, &ce)
}
