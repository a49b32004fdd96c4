package mailauth

import (
	"errors"
	"slices"
	"strings"
	"time"

	"github.com/MrEthical07/mailauth/internal/addresses"
	"github.com/MrEthical07/mailauth/internal/rate"
	"github.com/MrEthical07/mailauth/store"
)

// Config holds every tunable of the engine. Obtain one with [DefaultConfig],
// adjust it, and pass it to [Builder.WithConfig].
type Config struct {
	Password     PasswordConfig
	RateLimit    RateLimitConfig
	TempPassword TempPasswordConfig
	ASP          ASPConfig
	Addresses    AddressesConfig
	Scopes       ScopesConfig
	AuditLog     AuditLogConfig
	Audit        AuditConfig
	Metrics      MetricsConfig
	TOTP         TOTPConfig
	Timeouts     TimeoutsConfig
}

/*
====================================
PASSWORD CONFIG
====================================
*/

// PasswordConfig sets the Argon2id parameters of newly written hashes.
// Stored hashes weaker than these are upgraded on the next successful login.
type PasswordConfig struct {
	Memory           uint32 // KB
	Time             uint32
	Parallelism      uint8
	SaltLength       uint32
	KeyLength        uint32
	MaxPasswordBytes int
}

/*
====================================
RATE LIMIT CONFIG
====================================
*/

// RateLimitConfig bounds failed attempts per source IP and per principal
// inside one Window.
type RateLimitConfig struct {
	Prefix               string
	IPMaxFailures        int
	PrincipalMaxFailures int
	// UnknownMaxFailures applies to identifiers that resolve to no account.
	// Zero uses PrincipalMaxFailures.
	UnknownMaxFailures int
	// SecondFactorMaxFailures applies to VerifySecondFactor. Zero uses
	// PrincipalMaxFailures.
	SecondFactorMaxFailures int
	Window                  time.Duration
	// Allowlist holds IPs and CIDR prefixes that are never limited.
	Allowlist []string
	// AllowlistKey names an optional Redis set of allowlisted IPs.
	AllowlistKey string
	// FailClosed denies attempts while Redis is unreachable. The default
	// admits them and logs a warning.
	FailClosed bool
}

/*
====================================
TEMP PASSWORD CONFIG
====================================
*/

// TempPasswordConfig controls administrator-issued temporary passwords.
type TempPasswordConfig struct {
	TTL time.Duration
}

/*
====================================
ASP CONFIG
====================================
*/

// ASPConfig controls application-specific passwords.
type ASPConfig struct {
	// MaxPerAccount caps stored passwords per account. Zero is unlimited.
	MaxPerAccount int
}

/*
====================================
ADDRESSES CONFIG
====================================
*/

// AddressesConfig controls identifier resolution at login.
type AddressesConfig struct {
	LoginWildcards bool
	MaxWildcardLen int
}

/*
====================================
SCOPES CONFIG
====================================
*/

// ScopesConfig names the protocol scopes. Master is the default scope that
// primary and temporary passwords authenticate; Known lists the scopes an
// application-specific password may be granted.
type ScopesConfig struct {
	Master string
	Known  []string
}

/*
====================================
AUDIT CONFIG
====================================
*/

// AuditLogConfig controls persisted, coalesced authentication events.
type AuditLogConfig struct {
	Enabled      bool
	BucketWindow time.Duration
	// Retention is the row lifetime. Zero disables persistence.
	Retention time.Duration
}

// AuditConfig controls the asynchronous process-level audit dispatcher.
type AuditConfig struct {
	Enabled    bool
	BufferSize int
	DropIfFull bool
}

/*
====================================
METRICS CONFIG
====================================
*/

// MetricsConfig controls in-process counters.
type MetricsConfig struct {
	Enabled                 bool
	EnableLatencyHistograms bool
}

/*
====================================
TOTP CONFIG
====================================
*/

// TOTPConfig controls time-based one-time passwords.
type TOTPConfig struct {
	Issuer    string
	Digits    int
	Period    uint
	Skew      uint
	Algorithm string // "SHA1" (default), "SHA256", "SHA512"
}

/*
====================================
TIMEOUTS CONFIG
====================================
*/

// TimeoutsConfig bounds engine calls. Zero leaves Authenticate unbounded.
type TimeoutsConfig struct {
	Authenticate time.Duration
	// AuditWrite bounds the persisted audit upsert, which runs detached from
	// the caller's cancellation.
	AuditWrite time.Duration
}

/*
====================================
DEFAULT CONFIG
====================================
*/

// DefaultConfig returns the production defaults.
func DefaultConfig() Config {
	return defaultConfig()
}

func defaultConfig() Config {
	return Config{
		Password: PasswordConfig{
			Memory:      65536,
			Time:        3,
			Parallelism: 2,
			SaltLength:  16,
			KeyLength:   32,
		},
		RateLimit: RateLimitConfig{
			Prefix:               "ma",
			IPMaxFailures:        100,
			PrincipalMaxFailures: 12,
			Window:               15 * time.Minute,
		},
		TempPassword: TempPasswordConfig{
			TTL: 24 * time.Hour,
		},
		ASP: ASPConfig{
			MaxPerAccount: 0,
		},
		Addresses: AddressesConfig{
			LoginWildcards: true,
			MaxWildcardLen: addresses.DefaultMaxWildcardLen,
		},
		Scopes: ScopesConfig{
			Master: "master",
			Known:  []string{"imap", "pop3", "smtp"},
		},
		AuditLog: AuditLogConfig{
			Enabled:      true,
			BucketWindow: 5 * time.Minute,
			Retention:    30 * 24 * time.Hour,
		},
		Audit: AuditConfig{
			Enabled:    false,
			BufferSize: 1024,
			DropIfFull: true,
		},
		Metrics: MetricsConfig{
			Enabled:                 false,
			EnableLatencyHistograms: false,
		},
		TOTP: TOTPConfig{
			Issuer:    "mailauth",
			Digits:    6,
			Period:    30,
			Skew:      1,
			Algorithm: "SHA1",
		},
		Timeouts: TimeoutsConfig{
			Authenticate: 0,
			AuditWrite:   2 * time.Second,
		},
	}
}

func cloneConfig(cfg Config) Config {
	out := cfg
	out.RateLimit.Allowlist = slices.Clone(cfg.RateLimit.Allowlist)
	out.Scopes.Known = slices.Clone(cfg.Scopes.Known)
	return out
}

func cloneBytes(b []byte) []byte {
	if len(b) == 0 {
		return nil
	}
	out := make([]byte, len(b))
	copy(out, b)
	return out
}

/*
====================================
VALIDATION
====================================
*/

// Validate reports the first invalid setting.
func (c *Config) Validate() error {
	// Password
	if c.Password.Memory < 8192 {
		return errors.New("Password Memory must be >= 8192 KB")
	}
	if c.Password.Time < 1 {
		return errors.New("Password Time must be >= 1")
	}
	if c.Password.Parallelism < 1 {
		return errors.New("Password Parallelism must be >= 1")
	}
	if c.Password.SaltLength < 16 {
		return errors.New("Password SaltLength must be >= 16")
	}
	if c.Password.KeyLength < 16 {
		return errors.New("Password KeyLength must be >= 16")
	}
	if c.Password.MaxPasswordBytes < 0 {
		return errors.New("Password MaxPasswordBytes must be >= 0")
	}

	// Rate limit
	if c.RateLimit.IPMaxFailures <= 0 {
		return errors.New("RateLimit IPMaxFailures must be > 0")
	}
	if c.RateLimit.PrincipalMaxFailures <= 0 {
		return errors.New("RateLimit PrincipalMaxFailures must be > 0")
	}
	if c.RateLimit.UnknownMaxFailures < 0 || c.RateLimit.SecondFactorMaxFailures < 0 {
		return errors.New("RateLimit failure limits must be >= 0")
	}
	if c.RateLimit.Window <= 0 {
		return errors.New("RateLimit Window must be > 0")
	}
	if strings.Contains(c.RateLimit.Prefix, ":") {
		return errors.New("RateLimit Prefix must not contain ':'")
	}
	if _, err := rate.ParseAllowlist(c.RateLimit.Allowlist); err != nil {
		return err
	}

	// Temp password
	if c.TempPassword.TTL <= 0 {
		return errors.New("TempPassword TTL must be > 0")
	}

	if c.ASP.MaxPerAccount < 0 {
		return errors.New("ASP MaxPerAccount must be >= 0")
	}

	// Addresses
	if c.Addresses.MaxWildcardLen <= 0 {
		return errors.New("Addresses MaxWildcardLen must be > 0")
	}

	// Scopes
	if strings.TrimSpace(c.Scopes.Master) == "" {
		return errors.New("Scopes Master must be set")
	}
	for _, s := range c.Scopes.Known {
		switch {
		case strings.TrimSpace(s) == "":
			return errors.New("Scopes Known must not contain empty names")
		case s == c.Scopes.Master:
			return errors.New("Scopes Known must not contain the master scope")
		case s == store.WildcardScope:
			return errors.New("Scopes Known must not contain the wildcard scope")
		}
	}

	// Audit
	if c.AuditLog.Enabled && c.AuditLog.BucketWindow <= 0 {
		return errors.New("AuditLog BucketWindow must be > 0")
	}
	if c.AuditLog.Retention < 0 {
		return errors.New("AuditLog Retention must be >= 0")
	}
	if c.Audit.Enabled && c.Audit.BufferSize <= 0 {
		return errors.New("Audit BufferSize must be > 0")
	}

	// TOTP
	if c.TOTP.Digits != 6 && c.TOTP.Digits != 8 {
		return errors.New("TOTP Digits must be 6 or 8")
	}
	if c.TOTP.Period == 0 {
		return errors.New("TOTP Period must be > 0")
	}
	if c.TOTP.Skew > 5 {
		return errors.New("TOTP Skew must be <= 5")
	}
	switch strings.ToUpper(c.TOTP.Algorithm) {
	case "SHA1", "SHA256", "SHA512":
	default:
		return errors.New("TOTP Algorithm must be SHA1, SHA256 or SHA512")
	}

	// Timeouts
	if c.Timeouts.Authenticate < 0 {
		return errors.New("Timeouts Authenticate must be >= 0")
	}
	if c.Timeouts.AuditWrite <= 0 {
		return errors.New("Timeouts AuditWrite must be > 0")
	}

	return nil
}
