package mailauth

import (
	"context"
	"errors"

	"github.com/MrEthical07/mailauth/store"
)

var (
	// ErrInputEmpty is reported when no secret was supplied.
	ErrInputEmpty = errors.New("input empty")
	// ErrNotFound is returned when an address, account or application password does not exist.
	ErrNotFound = store.ErrNotFound
	// ErrRateLimited is reported when a failure counter denies the attempt.
	ErrRateLimited = errors.New("rate limited")
	// ErrAccountDisabled is reported for disabled accounts.
	ErrAccountDisabled = errors.New("account disabled")
	// ErrAccountSuspended is reported for suspended accounts.
	ErrAccountSuspended = errors.New("account suspended")
	// ErrScopeDisabled is reported when the required scope is disabled on the account.
	ErrScopeDisabled = errors.New("scope disabled")
	// ErrInvalidScope is reported when a credential matched but does not grant the required scope.
	ErrInvalidScope = errors.New("invalid scope")
	// ErrTempPasswordNotYetValid is reported when a temporary password matched before its start time.
	ErrTempPasswordNotYetValid = errors.New("temporary password not yet valid")
	// ErrAuthFail is the generic credential failure.
	ErrAuthFail = errors.New("authentication failed")
	// ErrStoreUnavailable is returned when the record store failed during resolution or account load.
	ErrStoreUnavailable = errors.New("record store unavailable")

	// ErrEngineNotReady is returned by methods called on a nil or closed engine.
	ErrEngineNotReady = errors.New("engine not initialized")
	// ErrInvalidRequest is returned for malformed administrative requests.
	ErrInvalidRequest = errors.New("invalid request")
	// ErrTOTPNotConfigured is returned when no pending or active TOTP seed exists.
	ErrTOTPNotConfigured = errors.New("totp not configured")
	// ErrTOTPInvalid is returned when a TOTP code does not verify.
	ErrTOTPInvalid = errors.New("totp code invalid")
	// ErrSecondFactorUnsupported is returned for methods with no registered verifier.
	ErrSecondFactorUnsupported = errors.New("second factor method unsupported")
	// ErrSecretKeyRequired is returned by TOTP setup when the engine has no secret key.
	ErrSecretKeyRequired = errors.New("secret key required")
)

// PublicError maps err to what may be shown to an external client. Rate
// limiting and infrastructure failures pass through; every other failure
// becomes ErrAuthFail so callers cannot tell which check rejected them.
func PublicError(err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, ErrRateLimited),
		errors.Is(err, ErrStoreUnavailable),
		errors.Is(err, ErrEngineNotReady),
		errors.Is(err, context.Canceled),
		errors.Is(err, context.DeadlineExceeded):
		return err
	default:
		return ErrAuthFail
	}
}
