package store

import (
	"context"
	"errors"
	"slices"
	"time"
)

var (
	// ErrNotFound is returned when a record does not exist.
	ErrNotFound = errors.New("store: not found")
	// ErrConflict is returned when a conditional write lost against a concurrent change.
	ErrConflict = errors.New("store: conflict")
)

// WildcardScope grants an application-specific password every scope.
const WildcardScope = "*"

// TempPassword is a time-boxed credential issued by an administrator.
type TempPassword struct {
	Hash       string
	Created    time.Time
	ValidAfter time.Time
}

// Account is the identity record authenticated by the engine.
type Account struct {
	ID                    string
	Username              string
	UsernameView          string
	Address               string
	PasswordHash          string
	TempPassword          *TempPassword
	TwoFactor             TwoFactorSet
	TOTPSecret            []byte
	DisabledScopes        []string
	Disabled              bool
	Suspended             bool
	RequirePasswordChange bool
	AuthVersion           int64
}

// ScopeDisabled reports whether logins for scope are disabled on the account.
func (a Account) ScopeDisabled(scope string) bool {
	return slices.Contains(a.DisabledScopes, scope)
}

// Address maps a normalized view to its owning account. An empty AccountID
// marks a forwarding-only address that cannot be used to log in.
type Address struct {
	ID        string
	View      string
	AccountID string
}

// DomainAlias maps Alias to the canonical Domain.
type DomainAlias struct {
	Alias  string
	Domain string
}

// ASP is an application-specific password.
type ASP struct {
	ID          string
	AccountID   string
	Description string
	Hash        string
	Selector    string
	Scopes      []string
	Created     time.Time
	Expires     time.Time
	LastUsed    time.Time
}

// Expired reports whether the password has a deadline at or before now.
func (a ASP) Expired(now time.Time) bool {
	return !a.Expires.IsZero() && !now.Before(a.Expires)
}

// Grants reports whether the password may be used for scope.
func (a ASP) Grants(scope string) bool {
	for _, s := range a.Scopes {
		if s == WildcardScope || s == scope {
			return true
		}
	}
	return false
}

// AuthEvent is one coalesced audit row.
type AuthEvent struct {
	ID        string
	AccountID string
	Action    string
	Result    string
	Protocol  string
	IP        string
	SessionID string
	Target    string
	Reason    string
	Key       string
	Events    int64
	Created   time.Time
	Last      time.Time
	Expires   time.Time
}

// AuditUpsert asks the store to merge Event into the newest row with the same
// account and key created at or after Since, or to insert it.
type AuditUpsert struct {
	Event AuthEvent
	Since time.Time
}

// AddressStore resolves address records.
type AddressStore interface {
	FindAddress(ctx context.Context, view string) (Address, error)
	FindAddressesByViews(ctx context.Context, views []string) ([]Address, error)
	FindDomainAlias(ctx context.Context, domain string) (DomainAlias, error)
}

// AccountStore reads accounts and applies the narrow set of writes the
// authentication core performs.
//
// UpdateAccountPassword and ConsumeTempPassword are conditioned on the prior
// hash and return [ErrConflict] when it no longer matches. ConsumeTempPassword,
// SetTwoFactor and DeleteASP advance AuthVersion; UpdateAccountPassword does not
// because a rehash keeps the same secret.
type AccountStore interface {
	FindAccountByID(ctx context.Context, id string) (Account, error)
	FindAccountByUsernameView(ctx context.Context, view string) (Account, error)
	UpdateAccountPassword(ctx context.Context, id, priorHash, newHash string) error
	ConsumeTempPassword(ctx context.Context, id, priorTempHash string) error
	SetTOTPSecret(ctx context.Context, id string, secret []byte) error
	SetTwoFactor(ctx context.Context, id string, methods TwoFactorSet) error
}

// ASPStore manages application-specific passwords.
type ASPStore interface {
	FindASPsByAccount(ctx context.Context, accountID string) ([]ASP, error)
	CreateASP(ctx context.Context, asp ASP) error
	DeleteASP(ctx context.Context, accountID, id string) error
	TouchASP(ctx context.Context, id string, at time.Time) error
}

// AuditStore persists coalesced authentication events. It returns the id of
// the inserted or updated row and whether a new row was created.
type AuditStore interface {
	UpsertAuditEvent(ctx context.Context, upsert AuditUpsert) (string, bool, error)
}

// RecordStore is the full persistent dependency of the engine.
type RecordStore interface {
	AddressStore
	AccountStore
	ASPStore
	AuditStore
}
