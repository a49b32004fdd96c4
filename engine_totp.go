package mailauth

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/pquerna/otp"
	"github.com/pquerna/otp/totp"

	"github.com/MrEthical07/mailauth/internal/rate"
	"github.com/MrEthical07/mailauth/store"
)

// SetupTOTP generates a TOTP seed for accountID and stores it encrypted as a
// pending enrollment. The method is active only after [Engine.EnableTOTP]
// confirms a code. accountLabel names the account in authenticator apps;
// when empty the account address or username is used.
func (e *Engine) SetupTOTP(ctx context.Context, accountID, accountLabel string) (*TOTPSetup, error) {
	if !e.ready() {
		return nil, ErrEngineNotReady
	}

	setup, err := e.setupTOTP(ctx, accountID, accountLabel)
	e.recordAudit(ctx, auditRecord{
		action:    auditEventTOTPSetup,
		accountID: accountID,
		target:    store.TwoFactorTOTP,
		success:   err == nil,
		err:       err,
	})
	return setup, err
}

func (e *Engine) setupTOTP(ctx context.Context, accountID, accountLabel string) (*TOTPSetup, error) {
	if e.codec == nil {
		return nil, ErrSecretKeyRequired
	}
	account, err := e.store.FindAccountByID(ctx, accountID)
	if err != nil {
		return nil, e.storeError(ctx, err)
	}
	if account.TwoFactor.Has(store.TwoFactorTOTP) {
		return nil, fmt.Errorf("%w: totp already enabled", ErrInvalidRequest)
	}

	label := strings.TrimSpace(accountLabel)
	if label == "" {
		label = account.Address
	}
	if label == "" {
		label = account.Username
	}

	key, err := totp.Generate(totp.GenerateOpts{
		Issuer:      e.config.TOTP.Issuer,
		AccountName: label,
		Period:      e.config.TOTP.Period,
		Digits:      otp.Digits(e.config.TOTP.Digits),
		Algorithm:   totpAlgorithm(e.config.TOTP.Algorithm),
	})
	if err != nil {
		return nil, err
	}

	sealed, err := e.codec.Encrypt([]byte(key.Secret()))
	if err != nil {
		return nil, err
	}
	if err := e.store.SetTOTPSecret(ctx, account.ID, sealed); err != nil {
		return nil, e.storeError(ctx, err)
	}

	return &TOTPSetup{
		Secret: key.Secret(),
		URL:    key.URL(),
	}, nil
}

// EnableTOTP confirms a pending enrollment with code and adds totp to the
// account's second factors. Wrong codes are charged to the second-factor
// counter.
func (e *Engine) EnableTOTP(ctx context.Context, accountID, code string, meta Meta) error {
	if !e.ready() {
		return ErrEngineNotReady
	}

	err := e.enableTOTP(ctx, accountID, code, meta)
	if err == nil {
		e.metricInc(MetricTOTPEnabled)
	}
	e.recordAudit(ctx, auditRecord{
		action:    auditEventTOTPEnabled,
		accountID: accountID,
		target:    store.TwoFactorTOTP,
		meta:      meta,
		success:   err == nil,
		err:       err,
	})
	return err
}

func (e *Engine) enableTOTP(ctx context.Context, accountID, code string, meta Meta) error {
	account, err := e.store.FindAccountByID(ctx, accountID)
	if err != nil {
		return e.storeError(ctx, err)
	}
	if account.TwoFactor.Has(store.TwoFactorTOTP) {
		return fmt.Errorf("%w: totp already enabled", ErrInvalidRequest)
	}
	if len(account.TOTPSecret) == 0 {
		return ErrTOTPNotConfigured
	}

	if err := e.checkTOTP(ctx, account, code, meta); err != nil {
		return err
	}
	if err := e.store.SetTwoFactor(ctx, account.ID, account.TwoFactor.With(store.TwoFactorTOTP)); err != nil {
		return e.storeError(ctx, err)
	}
	return nil
}

// DisableTOTP removes totp from the account's second factors and discards
// the stored seed.
func (e *Engine) DisableTOTP(ctx context.Context, accountID string) error {
	if !e.ready() {
		return ErrEngineNotReady
	}

	err := e.disableTOTP(ctx, accountID)
	if err == nil {
		e.metricInc(MetricTOTPDisabled)
	}
	e.recordAudit(ctx, auditRecord{
		action:    auditEventTOTPDisabled,
		accountID: accountID,
		target:    store.TwoFactorTOTP,
		success:   err == nil,
		err:       err,
	})
	return err
}

func (e *Engine) disableTOTP(ctx context.Context, accountID string) error {
	account, err := e.store.FindAccountByID(ctx, accountID)
	if err != nil {
		return e.storeError(ctx, err)
	}
	if !account.TwoFactor.Has(store.TwoFactorTOTP) && len(account.TOTPSecret) == 0 {
		return ErrTOTPNotConfigured
	}

	if err := e.store.SetTwoFactor(ctx, account.ID, account.TwoFactor.Without(store.TwoFactorTOTP)); err != nil {
		return e.storeError(ctx, err)
	}
	if err := e.store.SetTOTPSecret(ctx, account.ID, nil); err != nil {
		return e.storeError(ctx, err)
	}
	return nil
}

// VerifySecondFactor completes a login that returned Requires2FA. method is
// one of the account's enabled second factors; totp is built in and other
// methods need a verifier registered with [Builder.WithSecondFactor].
//
// Failures are charged to the account's second-factor counter; once it is
// exhausted the call returns ErrRateLimited without checking token.
func (e *Engine) VerifySecondFactor(ctx context.Context, accountID, method, token string, meta Meta) error {
	if !e.ready() {
		return ErrEngineNotReady
	}

	method = strings.ToLower(strings.TrimSpace(method))
	err := e.verifySecondFactor(ctx, accountID, method, token, meta)
	switch {
	case err == nil:
		e.metricInc(MetricSecondFactorSuccess)
	case errors.Is(err, ErrTOTPInvalid), errors.Is(err, ErrAuthFail):
		e.metricInc(MetricSecondFactorFailure)
	case errors.Is(err, ErrRateLimited):
		e.metricInc(MetricAuthRateLimited)
	}

	e.recordAudit(ctx, auditRecord{
		action:    auditEventSecondFactor,
		accountID: accountID,
		target:    method,
		meta:      meta,
		success:   err == nil,
		err:       err,
	})
	return err
}

func (e *Engine) verifySecondFactor(ctx context.Context, accountID, method, token string, meta Meta) error {
	if method == "" {
		return fmt.Errorf("%w: method required", ErrInvalidRequest)
	}
	account, err := e.store.FindAccountByID(ctx, accountID)
	if err != nil {
		return e.storeError(ctx, err)
	}
	switch {
	case account.Disabled:
		return ErrAccountDisabled
	case account.Suspended:
		return ErrAccountSuspended
	}

	if method == store.TwoFactorTOTP {
		if !account.TwoFactor.Has(store.TwoFactorTOTP) || len(account.TOTPSecret) == 0 {
			return ErrTOTPNotConfigured
		}
		return e.checkTOTP(ctx, account, token, meta)
	}

	verifier, ok := e.secondFactors[method]
	if !ok || !account.TwoFactor.Has(method) {
		return ErrSecondFactorUnsupported
	}
	return e.limitSecondFactor(ctx, account, meta, ErrAuthFail, func() (bool, error) {
		return verifier.Verify(ctx, account, token, meta)
	})
}

// checkTOTP validates code against the account's stored seed under the
// second-factor counter.
func (e *Engine) checkTOTP(ctx context.Context, account store.Account, code string, meta Meta) error {
	if e.codec == nil {
		return ErrSecretKeyRequired
	}
	return e.limitSecondFactor(ctx, account, meta, ErrTOTPInvalid, func() (bool, error) {
		seed, err := e.codec.Decrypt(account.TOTPSecret)
		if err != nil {
			return false, fmt.Errorf("mailauth: totp seed unreadable: %w", err)
		}
		ok, err := totp.ValidateCustom(strings.TrimSpace(code), string(seed), e.now().UTC(), totp.ValidateOpts{
			Period:    e.config.TOTP.Period,
			Skew:      e.config.TOTP.Skew,
			Digits:    otp.Digits(e.config.TOTP.Digits),
			Algorithm: totpAlgorithm(e.config.TOTP.Algorithm),
		})
		if err != nil && errors.Is(err, otp.ErrValidateSecretInvalidBase32) {
			return false, fmt.Errorf("mailauth: totp seed corrupt: %w", err)
		}
		// Any other validation error is a malformed code.
		return ok && err == nil, nil
	})
}

// limitSecondFactor runs check between a peek and, on rejection, a bump of
// the account's second-factor counter and the source IP counter. A check error is returned as is and
// charges nothing.
func (e *Engine) limitSecondFactor(ctx context.Context, account store.Account, meta Meta, rejected error, check func() (bool, error)) error {
	key := rate.SecondFactor(account.ID)

	d, err := e.limiter.CheckPrincipal(ctx, key, meta.IP)
	if err != nil {
		return err
	}
	e.noteDegraded(d)
	if !d.Admitted {
		return ErrRateLimited
	}

	ok, err := check()
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}
		e.logger.ErrorContext(ctx, "mailauth: second factor check failed",
			"account_id", account.ID,
			"error", err,
		)
		return err
	}
	if ok {
		e.limiter.Reset(context.WithoutCancel(ctx), key)
		return nil
	}

	d, _ = e.limiter.RecordFailure(context.WithoutCancel(ctx), key, meta.IP)
	e.noteDegraded(d)
	if !d.Admitted {
		return ErrRateLimited
	}
	return rejected
}

func totpAlgorithm(name string) otp.Algorithm {
	switch strings.ToUpper(name) {
	case "SHA256":
		return otp.AlgorithmSHA256
	case "SHA512":
		return otp.AlgorithmSHA512
	default:
		return otp.AlgorithmSHA1
	}
}
