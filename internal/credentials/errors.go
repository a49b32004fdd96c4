package credentials

import (
	"errors"
)

var (
	// ErrAuthFail is returned when no credential matched.
	ErrAuthFail = errors.New("credentials: authentication failed")
	// ErrInvalidScope is returned when a credential matched but may not be used for the requested scope.
	ErrInvalidScope = errors.New("credentials: scope not granted")
	// ErrTempPasswordNotYetValid is returned when the temporary password matched before its start time.
	ErrTempPasswordNotYetValid = errors.New("credentials: temporary password not yet valid")
	// ErrStore is returned when application-specific passwords could not be read.
	ErrStore = errors.New("credentials: store unavailable")
)

// Reason is the audit-only detail behind a failed verification.
type Reason string

const (
	ReasonNoMatch         Reason = "no_match"
	ReasonASPShape        Reason = "asp_shape"
	ReasonTempNotYetValid Reason = "temp_not_yet_valid"
	ReasonTempScope       Reason = "temp_password_scope"
	ReasonTwoFactorScope  Reason = "two_factor_scope"
	ReasonASPScope        Reason = "asp_scope"
)

// Failure pairs one of the package errors with its Reason.
type Failure struct {
	Err    error
	Reason Reason
}

func (f *Failure) Error() string { return f.Err.Error() + " (" + string(f.Reason) + ")" }

func (f *Failure) Unwrap() error { return f.Err }

func fail(err error, reason Reason) error {
	return &Failure{Err: err, Reason: reason}
}

// ReasonOf extracts the Reason from err, or "" when err carries none.
func ReasonOf(err error) Reason {
	var f *Failure
	if errors.As(err, &f) {
		return f.Reason
	}
	return ""
}
