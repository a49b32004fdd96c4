// Package credentials verifies a presented secret against the primary,
// temporary and application-specific passwords of one account.
//
// Order is fixed: a live temporary password, then the primary hash, then
// application-specific passwords. The master scope never reaches the
// application-specific path. Callers receive ErrAuthFail, ErrInvalidScope or
// ErrTempPasswordNotYetValid; the finer [Reason] is for audit only.
package credentials

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/MrEthical07/mailauth/password"
	"github.com/MrEthical07/mailauth/store"
)

// Kind is the credential class that authenticated.
type Kind string

const (
	KindPrimary   Kind = "primary"
	KindTemporary Kind = "temporary"
	KindASP       Kind = "asp"
)

// Result describes a successful verification.
type Result struct {
	Kind                   Kind
	ASPID                  string
	RequiresPasswordChange bool
	GrantedScopes          []string
	Rehashed               bool
	RehashFailed           bool
}

// Hasher verifies and produces password hashes.
type Hasher interface {
	Hash(password string) (string, error)
	Verify(password, encodedHash string) (bool, error)
	NeedsUpgrade(encodedHash string) (bool, error)
}

// Store is the subset of the record store the verifier reads and writes.
type Store interface {
	UpdateAccountPassword(ctx context.Context, id, priorHash, newHash string) error
	ConsumeTempPassword(ctx context.Context, id, priorTempHash string) error
	FindASPsByAccount(ctx context.Context, accountID string) ([]store.ASP, error)
	TouchASP(ctx context.Context, id string, at time.Time) error
}

// Config holds verifier policy.
type Config struct {
	MasterScope     string
	TempPasswordTTL time.Duration
}

// Verifier checks secrets. It is safe for concurrent use.
type Verifier struct {
	store  Store
	hasher Hasher
	config Config
	logger *slog.Logger
	now    func() time.Time

	dummyOnce sync.Once
	dummyHash string
}

// NewVerifier returns a Verifier.
func NewVerifier(s Store, h Hasher, cfg Config, logger *slog.Logger) *Verifier {
	if logger == nil {
		logger = slog.Default()
	}
	return &Verifier{
		store:  s,
		hasher: h,
		config: cfg,
		logger: logger,
		now:    time.Now,
	}
}

// SetClock replaces the time source. Intended for tests.
func (v *Verifier) SetClock(now func() time.Time) {
	if now != nil {
		v.now = now
	}
}

// Verify checks secret against account for requiredScope. The returned error
// is ctx.Err() when ctx ended before a comparison completed, wraps ErrStore for
// infrastructure failures, and is a *[Failure] otherwise.
func (v *Verifier) Verify(ctx context.Context, account store.Account, secret, requiredScope string) (Result, error) {
	master := requiredScope == v.config.MasterScope
	now := v.now()

	if res, done, err := v.verifyTemp(ctx, account, secret, master, now); done {
		return res, err
	}
	if res, done, err := v.verifyPrimary(ctx, account, secret, requiredScope, master); done {
		return res, err
	}
	if master {
		return Result{}, fail(ErrAuthFail, ReasonNoMatch)
	}
	return v.verifyASP(ctx, account, secret, requiredScope, now)
}

func (v *Verifier) verifyTemp(ctx context.Context, account store.Account, secret string, master bool, now time.Time) (Result, bool, error) {
	tp := account.TempPassword
	if tp == nil || tp.Hash == "" || now.Sub(tp.Created) >= v.config.TempPasswordTTL {
		return Result{}, false, nil
	}
	if err := ctx.Err(); err != nil {
		return Result{}, true, err
	}
	if !v.matches(ctx, secret, tp.Hash, "temporary") {
		return Result{}, false, nil
	}

	if now.Before(tp.ValidAfter) {
		return Result{}, true, fail(ErrTempPasswordNotYetValid, ReasonTempNotYetValid)
	}
	if !master {
		return Result{}, true, fail(ErrInvalidScope, ReasonTempScope)
	}

	if err := v.store.ConsumeTempPassword(ctx, account.ID, tp.Hash); err != nil {
		v.logger.WarnContext(ctx, "credentials: temporary password not consumed",
			"account_id", account.ID,
			"error", err,
		)
	}
	return Result{
		Kind:                   KindTemporary,
		RequiresPasswordChange: true,
		GrantedScopes:          []string{v.config.MasterScope},
	}, true, nil
}

func (v *Verifier) verifyPrimary(ctx context.Context, account store.Account, secret, requiredScope string, master bool) (Result, bool, error) {
	if account.PasswordHash == "" {
		return Result{}, false, nil
	}
	if err := ctx.Err(); err != nil {
		return Result{}, true, err
	}
	if !v.matches(ctx, secret, account.PasswordHash, "primary") {
		return Result{}, false, nil
	}

	res := Result{
		Kind:                   KindPrimary,
		RequiresPasswordChange: account.RequirePasswordChange,
		GrantedScopes:          []string{requiredScope},
	}
	res.Rehashed, res.RehashFailed = v.rehash(ctx, account, secret)

	if !master && account.TwoFactor.Enabled() {
		return Result{}, true, fail(ErrInvalidScope, ReasonTwoFactorScope)
	}
	return res, true, nil
}

func (v *Verifier) verifyASP(ctx context.Context, account store.Account, secret, requiredScope string, now time.Time) (Result, error) {
	normalized := NormalizeASP(secret)
	if !ValidASPShape(normalized) {
		return Result{}, fail(ErrAuthFail, ReasonASPShape)
	}
	selector := Selector(normalized)

	asps, err := v.store.FindASPsByAccount(ctx, account.ID)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return Result{}, ctxErr
		}
		return Result{}, fmt.Errorf("%w: %v", ErrStore, err)
	}

	for _, asp := range asps {
		if asp.Expired(now) || (asp.Selector != "" && asp.Selector != selector) {
			continue
		}
		if err := ctx.Err(); err != nil {
			return Result{}, err
		}
		if !v.matches(ctx, normalized, asp.Hash, "asp") {
			continue
		}

		if !asp.Grants(requiredScope) {
			return Result{}, fail(ErrInvalidScope, ReasonASPScope)
		}
		if err := v.store.TouchASP(ctx, asp.ID, now); err != nil {
			v.logger.DebugContext(ctx, "credentials: asp last-used not recorded", "asp_id", asp.ID, "error", err)
		}
		return Result{
			Kind:          KindASP,
			ASPID:         asp.ID,
			GrantedScopes: append([]string(nil), asp.Scopes...),
		}, nil
	}

	return Result{}, fail(ErrAuthFail, ReasonNoMatch)
}

// DummyVerify runs one comparison against a throwaway hash so that requests
// for unknown accounts cost about the same as real ones.
func (v *Verifier) DummyVerify(secret string) {
	v.dummyOnce.Do(func() {
		h, err := v.hasher.Hash("mailauth-dummy-credential")
		if err == nil {
			v.dummyHash = h
		}
	})
	if v.dummyHash != "" {
		_, _ = v.hasher.Verify(secret, v.dummyHash)
	}
}

func (v *Verifier) matches(ctx context.Context, secret, encodedHash, class string) bool {
	ok, err := v.hasher.Verify(secret, encodedHash)
	if err != nil {
		if !errors.Is(err, password.ErrPasswordTooLong) {
			v.logger.WarnContext(ctx, "credentials: unreadable hash", "class", class, "error", err)
		}
		return false
	}
	return ok
}

// rehash replaces a superseded primary hash. Failures are logged only.
func (v *Verifier) rehash(ctx context.Context, account store.Account, secret string) (done, failed bool) {
	upgrade, err := v.hasher.NeedsUpgrade(account.PasswordHash)
	if err != nil || !upgrade {
		return false, false
	}

	newHash, err := v.hasher.Hash(secret)
	if err == nil {
		err = v.store.UpdateAccountPassword(ctx, account.ID, account.PasswordHash, newHash)
	}
	if err != nil {
		v.logger.WarnContext(ctx, "credentials: rehash failed",
			"account_id", account.ID,
			"conflict", errors.Is(err, store.ErrConflict),
			"error", err,
		)
		return false, true
	}
	return true, false
}
