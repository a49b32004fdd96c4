package mailauth

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/MrEthical07/mailauth/internal/addresses"
	"github.com/MrEthical07/mailauth/internal/credentials"
	"github.com/MrEthical07/mailauth/internal/rate"
	"github.com/MrEthical07/mailauth/store"
)

// attempt carries one Authenticate call through its states.
type attempt struct {
	identifier string
	secret     string
	scope      string
	meta       Meta

	// set by resolve
	byAddress bool
	view      string

	// set by loadAccount
	account store.Account
	loaded  bool

	reason string
}

// Authenticate checks secret for the account named by identifier and
// requiredScope (the master scope when empty).
//
// Every call yields exactly one [Outcome] and one audit record. The returned
// error is non-nil only when the record store failed ([ErrStoreUnavailable])
// or ctx ended; credential, policy and rate-limit results are reported through
// Outcome.Kind and Outcome.Err.
//
// States run in a fixed order: input check, identifier normalization, source
// IP limit, account load, principal limit, account policy, credential check.
// No credential is compared while any limit denies.
func (e *Engine) Authenticate(ctx context.Context, identifier, secret, requiredScope string, meta Meta) (Outcome, error) {
	if !e.ready() {
		return Outcome{Err: ErrEngineNotReady}, ErrEngineNotReady
	}
	if e.config.Timeouts.Authenticate > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, e.config.Timeouts.Authenticate)
		defer cancel()
	}

	start := time.Now()
	if requiredScope == "" {
		requiredScope = e.config.Scopes.Master
	}
	a := &attempt{
		identifier: identifier,
		secret:     secret,
		scope:      requiredScope,
		meta:       meta,
	}

	out, err := e.authenticate(ctx, a)
	e.finish(ctx, a, out, err)

	if e.metrics.LatencyEnabled() {
		e.metrics.Observe(MetricAuthenticateLatency, time.Since(start))
	}
	return out, err
}

func (e *Engine) authenticate(ctx context.Context, a *attempt) (Outcome, error) {
	if a.secret == "" {
		a.reason = "empty_secret"
		return Outcome{Kind: OutcomeFail, Err: ErrInputEmpty}, nil
	}

	e.resolve(a)

	if out, done, err := e.checkIP(ctx, a); done {
		return out, err
	}
	if out, done, err := e.loadAccount(ctx, a); done {
		return out, err
	}
	if out, done, err := e.checkPrincipal(ctx, a); done {
		return out, err
	}
	if out, done := e.checkPolicy(a); done {
		return out, nil
	}
	return e.checkCredential(ctx, a)
}

// resolve normalizes the identifier. It never touches a store.
func (e *Engine) resolve(a *attempt) {
	if addresses.IsAddress(a.identifier) {
		a.byAddress = true
		if view, err := addresses.View(a.identifier); err == nil {
			a.view = view
			return
		}
		// Keep a counter key for malformed addresses too.
		a.view = strings.ToLower(strings.TrimSpace(a.identifier))
		return
	}
	a.view = addresses.UsernameView(a.identifier)
}

func (e *Engine) checkIP(ctx context.Context, a *attempt) (Outcome, bool, error) {
	d, err := e.limiter.CheckIP(ctx, a.meta.IP)
	if err != nil {
		return Outcome{Err: err}, true, err
	}
	e.noteDegraded(d)
	if !d.Admitted {
		a.reason = "ip_rate_limited"
		return rateLimited(d), true, nil
	}
	return Outcome{}, false, nil
}

func (e *Engine) loadAccount(ctx context.Context, a *attempt) (Outcome, bool, error) {
	var (
		account store.Account
		err     error
	)
	switch {
	case a.byAddress:
		var addr store.Address
		addr, err = e.resolver.Resolve(ctx, a.identifier, addresses.Options{
			AllowWildcard: e.config.Addresses.LoginWildcards,
		})
		if err == nil {
			if addr.AccountID == "" {
				// Forwarding-only addresses cannot log in.
				err = store.ErrNotFound
			} else {
				account, err = e.store.FindAccountByID(ctx, addr.AccountID)
			}
		}
	case a.view != "":
		account, err = e.store.FindAccountByUsernameView(ctx, a.view)
	default:
		err = store.ErrNotFound
	}

	switch {
	case err == nil:
		a.account = account
		a.loaded = true
		return Outcome{}, false, nil
	case errors.Is(err, store.ErrNotFound):
		out, err := e.unknownIdentifier(ctx, a)
		return out, true, err
	case ctx.Err() != nil:
		return Outcome{Err: ctx.Err()}, true, ctx.Err()
	default:
		a.reason = "store_unavailable"
		e.logger.ErrorContext(ctx, "mailauth: account lookup failed",
			"protocol", a.meta.Protocol,
			"error", err,
		)
		return Outcome{Err: ErrStoreUnavailable}, true, fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}
}

// unknownIdentifier charges a failure to the source IP and to the identifier
// view, then burns one comparison so the miss costs about as much as a wrong
// password.
func (e *Engine) unknownIdentifier(ctx context.Context, a *attempt) (Outcome, error) {
	e.metricInc(MetricAuthUnknownIdentifier)
	a.reason = "unknown_identifier"

	d, err := e.limiter.RecordFailure(ctx, rate.Unknown(a.view), a.meta.IP)
	if err != nil {
		return Outcome{Err: err}, err
	}
	e.noteDegraded(d)
	if !d.Admitted {
		return rateLimited(d), nil
	}

	e.verifier.DummyVerify(a.secret)
	return Outcome{Kind: OutcomeFail, Err: ErrAuthFail}, nil
}

func (e *Engine) checkPrincipal(ctx context.Context, a *attempt) (Outcome, bool, error) {
	d, err := e.limiter.CheckPrincipal(ctx, rate.Principal(a.account.ID), a.meta.IP)
	if err != nil {
		return Outcome{Err: err}, true, err
	}
	e.noteDegraded(d)
	if !d.Admitted {
		a.reason = "principal_rate_limited"
		out := rateLimited(d)
		out.PrincipalID = a.account.ID
		return out, true, nil
	}
	return Outcome{}, false, nil
}

// checkPolicy rejects accounts that may not log in at all, or not to the
// required scope. None of these outcomes is charged to a counter.
func (e *Engine) checkPolicy(a *attempt) (Outcome, bool) {
	out := Outcome{PrincipalID: a.account.ID, AuthVersion: a.account.AuthVersion}
	switch {
	case a.account.Disabled:
		a.reason = "account_disabled"
		out.Kind, out.Err = OutcomeDisabled, ErrAccountDisabled
	case a.account.Suspended:
		a.reason = "account_suspended"
		out.Kind, out.Err = OutcomeSuspended, ErrAccountSuspended
	case a.account.ScopeDisabled(a.scope):
		a.reason = "scope_disabled"
		out.Kind, out.Err = OutcomeScopeDisabled, ErrScopeDisabled
	default:
		return Outcome{}, false
	}
	return out, true
}

func (e *Engine) checkCredential(ctx context.Context, a *attempt) (Outcome, error) {
	res, err := e.verifier.Verify(ctx, a.account, a.secret, a.scope)
	if err == nil {
		return e.succeed(ctx, a, res), nil
	}

	switch {
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		// Nothing was compared to completion; nothing is charged.
		return Outcome{PrincipalID: a.account.ID, Err: err}, err
	case errors.Is(err, credentials.ErrStore):
		a.reason = "store_unavailable"
		e.logger.ErrorContext(ctx, "mailauth: credential lookup failed",
			"account_id", a.account.ID,
			"error", err,
		)
		return Outcome{PrincipalID: a.account.ID, Err: ErrStoreUnavailable}, fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}

	a.reason = string(credentials.ReasonOf(err))
	out := Outcome{Kind: OutcomeFail, PrincipalID: a.account.ID, Err: ErrAuthFail}
	switch {
	case errors.Is(err, credentials.ErrInvalidScope):
		out.Kind, out.Err = OutcomeInvalidScope, ErrInvalidScope
	case errors.Is(err, credentials.ErrTempPasswordNotYetValid):
		out.Kind, out.Err = OutcomeTempPasswordNotYetValid, ErrTempPasswordNotYetValid
	}

	// The comparison completed, so the failure counts even if the caller
	// has gone away.
	d, _ := e.limiter.RecordFailure(context.WithoutCancel(ctx), rate.Principal(a.account.ID), a.meta.IP)
	e.noteDegraded(d)
	if !d.Admitted {
		limited := rateLimited(d)
		limited.PrincipalID = a.account.ID
		return limited, nil
	}
	return out, nil
}

func (e *Engine) succeed(ctx context.Context, a *attempt, res credentials.Result) Outcome {
	e.limiter.Reset(context.WithoutCancel(ctx), rate.Principal(a.account.ID))

	out := Outcome{
		Kind:                   OutcomeSuccess,
		PrincipalID:            a.account.ID,
		GrantedScope:           a.scope,
		RequiresPasswordChange: res.RequiresPasswordChange,
		ASPID:                  res.ASPID,
		AuthVersion:            a.account.AuthVersion,
	}

	switch res.Kind {
	case credentials.KindPrimary:
		out.CredentialKind = CredentialPrimary
	case credentials.KindTemporary:
		out.CredentialKind = CredentialTemporary
		e.metricInc(MetricTempPasswordUsed)
	case credentials.KindASP:
		out.CredentialKind = CredentialASP
		e.metricInc(MetricASPUsed)
	}
	if res.Rehashed {
		e.metricInc(MetricPasswordRehashed)
	}
	if res.RehashFailed {
		e.metricInc(MetricPasswordRehashFailed)
	}

	if res.Kind != credentials.KindASP && a.scope == e.config.Scopes.Master && a.account.TwoFactor.Enabled() {
		out.Requires2FA = true
		out.TwoFactorMethods = slices.Clone([]string(a.account.TwoFactor))
		e.metricInc(MetricSecondFactorRequired)
	}
	return out
}

func (e *Engine) noteDegraded(d rate.Decision) {
	if d.Degraded {
		e.metricInc(MetricRateLimiterDegraded)
	}
}

func rateLimited(d rate.Decision) Outcome {
	return Outcome{Kind: OutcomeRateLimited, RetryAfter: d.RetryAfter, Err: ErrRateLimited}
}

// finish counts and audits the attempt. It runs exactly once per call.
func (e *Engine) finish(ctx context.Context, a *attempt, out Outcome, err error) {
	result := out.Kind.String()
	switch {
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		result = "aborted"
	case errors.Is(err, ErrStoreUnavailable):
		result = "error"
		e.metricInc(MetricAuthStoreUnavailable)
	default:
		e.countOutcome(out.Kind)
	}

	var metadata map[string]string
	if out.CredentialKind != CredentialNone {
		metadata = map[string]string{"credential": string(out.CredentialKind)}
		if out.ASPID != "" {
			metadata["asp_id"] = out.ASPID
		}
	}

	auditErr := out.Err
	if err != nil {
		auditErr = err
	}
	accountID := ""
	if a.loaded {
		accountID = a.account.ID
	}
	e.recordAudit(ctx, auditRecord{
		action:     auditEventAuthentication,
		accountID:  accountID,
		identifier: a.identifier,
		target:     a.scope,
		meta:       a.meta,
		success:    out.Kind == OutcomeSuccess && err == nil,
		result:     result,
		reason:     a.reason,
		err:        auditErr,
		metadata:   metadata,
	})
}

func (e *Engine) countOutcome(kind OutcomeKind) {
	switch kind {
	case OutcomeSuccess:
		e.metricInc(MetricAuthSuccess)
	case OutcomeFail:
		e.metricInc(MetricAuthFailure)
	case OutcomeRateLimited:
		e.metricInc(MetricAuthRateLimited)
	case OutcomeDisabled:
		e.metricInc(MetricAuthDisabled)
	case OutcomeSuspended:
		e.metricInc(MetricAuthSuspended)
	case OutcomeInvalidScope:
		e.metricInc(MetricAuthInvalidScope)
	case OutcomeScopeDisabled:
		e.metricInc(MetricAuthScopeDisabled)
	case OutcomeTempPasswordNotYetValid:
		e.metricInc(MetricAuthTempNotYetValid)
	}
}
