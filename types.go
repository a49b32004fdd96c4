package mailauth

import (
	"context"
	"io"
	"log/slog"
	"time"

	internalaudit "github.com/MrEthical07/mailauth/internal/audit"
	"github.com/MrEthical07/mailauth/store"
)

// Meta describes the request an authentication attempt arrived on.
type Meta struct {
	IP        string
	SessionID string
	// Protocol is the front end calling the engine (imap, pop3, smtp, api).
	Protocol  string
	AppID     string
	UserAgent string
	// Capabilities lists client-declared features, such as u2f.
	Capabilities []string
}

// OutcomeKind classifies the terminal state of an authentication attempt.
type OutcomeKind uint8

const (
	// OutcomeFail is the zero value so an unset outcome never reads as success.
	OutcomeFail OutcomeKind = iota
	OutcomeSuccess
	OutcomeRateLimited
	OutcomeDisabled
	OutcomeSuspended
	OutcomeInvalidScope
	OutcomeScopeDisabled
	OutcomeTempPasswordNotYetValid
)

var outcomeNames = [...]string{
	OutcomeFail:                    "fail",
	OutcomeSuccess:                 "success",
	OutcomeRateLimited:             "rate_limited",
	OutcomeDisabled:                "disabled",
	OutcomeSuspended:               "suspended",
	OutcomeInvalidScope:            "invalid_scope",
	OutcomeScopeDisabled:           "scope_disabled",
	OutcomeTempPasswordNotYetValid: "temp_password_not_yet_valid",
}

func (k OutcomeKind) String() string {
	if int(k) < len(outcomeNames) {
		return outcomeNames[k]
	}
	return "unknown"
}

// CredentialKind names the credential class that authenticated.
type CredentialKind string

const (
	CredentialNone      CredentialKind = ""
	CredentialPrimary   CredentialKind = "primary"
	CredentialTemporary CredentialKind = "temporary"
	CredentialASP       CredentialKind = "asp"
)

// Outcome is the single structured result of [Engine.Authenticate].
//
// PrincipalID is empty when the identifier did not resolve to an account.
// Err holds the taxonomy sentinel for every non-success kind; pass it through
// [PublicError] before showing it to a client.
type Outcome struct {
	Kind                   OutcomeKind
	PrincipalID            string
	GrantedScope           string
	Requires2FA            bool
	TwoFactorMethods       []string
	RequiresPasswordChange bool
	RetryAfter             time.Duration
	CredentialKind         CredentialKind
	ASPID                  string
	AuthVersion            int64
	Err                    error
}

// Succeeded reports whether the attempt authenticated.
func (o Outcome) Succeeded() bool { return o.Kind == OutcomeSuccess }

// GenerateASPRequest asks for a new application-specific password.
// A zero TTL never expires.
type GenerateASPRequest struct {
	AccountID   string        `validate:"required,uuid"`
	Description string        `validate:"max=255"`
	Scopes      []string      `validate:"required,min=1,dive,required"`
	TTL         time.Duration `validate:"gte=0"`
}

// ASPSecret is returned once, at creation. Password is never stored.
type ASPSecret struct {
	ID       string
	Password string
	Scopes   []string
	Created  time.Time
	Expires  time.Time
}

// ASPInfo describes a stored application-specific password without its hash.
type ASPInfo struct {
	ID          string
	Description string
	Scopes      []string
	Created     time.Time
	Expires     time.Time
	LastUsed    time.Time
}

// TOTPSetup carries a pending TOTP enrollment for display to the user.
type TOTPSetup struct {
	Secret string
	URL    string
}

// SecondFactorVerifier checks one non-TOTP second factor, such as a U2F
// assertion. Method returns the name stored in [store.TwoFactorSet].
type SecondFactorVerifier interface {
	Method() string
	Verify(ctx context.Context, account store.Account, token string, meta Meta) (bool, error)
}

// AuditEvent is the process-level record emitted for every call.
type AuditEvent = internalaudit.Event

// AuditSink receives [AuditEvent] values from the engine’s audit dispatcher.
//
// Implementations must be safe for concurrent use.
type AuditSink = internalaudit.Sink

// NoOpSink is an [AuditSink] that silently discards all events.
type NoOpSink = internalaudit.NoOpSink

// ChannelSink is a buffered channel-based [AuditSink].
type ChannelSink = internalaudit.ChannelSink

// JSONWriterSink is an [AuditSink] that writes JSON-encoded events to an
// [io.Writer].
type JSONWriterSink = internalaudit.JSONWriterSink

// SlogSink is an [AuditSink] that logs events through [slog].
type SlogSink = internalaudit.SlogSink

// NewChannelSink creates a [ChannelSink] with the given buffer capacity.
func NewChannelSink(buffer int) *ChannelSink {
	return internalaudit.NewChannelSink(buffer)
}

// NewJSONWriterSink creates a [JSONWriterSink] that writes to w.
func NewJSONWriterSink(w io.Writer) *JSONWriterSink {
	return internalaudit.NewJSONWriterSink(w)
}

// NewSlogSink creates a [SlogSink]. A nil logger uses slog.Default.
func NewSlogSink(logger *slog.Logger) *SlogSink {
	return internalaudit.NewSlogSink(logger)
}
