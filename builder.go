package mailauth

import (
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/redis/go-redis/v9"

	"github.com/MrEthical07/mailauth/internal/addresses"
	internalaudit "github.com/MrEthical07/mailauth/internal/audit"
	"github.com/MrEthical07/mailauth/internal/auditlog"
	"github.com/MrEthical07/mailauth/internal/counter"
	"github.com/MrEthical07/mailauth/internal/credentials"
	"github.com/MrEthical07/mailauth/internal/rate"
	"github.com/MrEthical07/mailauth/password"
	"github.com/MrEthical07/mailauth/secretcodec"
	"github.com/MrEthical07/mailauth/store"
)

// Builder assembles an [Engine]. Configure it during initialization; a
// Builder produces exactly one Engine.
type Builder struct {
	config Config
	redis  redis.UniversalClient
	store  store.RecordStore
	logger *slog.Logger

	secretKey     []byte
	auditSink     AuditSink
	secondFactors []SecondFactorVerifier

	built bool
}

// New returns a Builder holding [DefaultConfig].
func New() *Builder {
	return &Builder{
		config: defaultConfig(),
	}
}

// WithConfig replaces the whole configuration. The Builder keeps a copy.
func (b *Builder) WithConfig(cfg Config) *Builder {
	b.config = cloneConfig(cfg)
	return b
}

// WithRedis sets the client holding failure counters and the allowlist set.
func (b *Builder) WithRedis(client redis.UniversalClient) *Builder {
	b.redis = client
	return b
}

// WithRecordStore sets the persistent store of accounts, addresses,
// application-specific passwords and audit rows.
func (b *Builder) WithRecordStore(s store.RecordStore) *Builder {
	b.store = s
	return b
}

// WithSecretKey sets the key material that encrypts TOTP seeds at rest.
// Without it TOTP enrollment is refused.
func (b *Builder) WithSecretKey(key []byte) *Builder {
	b.secretKey = cloneBytes(key)
	return b
}

// WithLogger sets the structured logger. The default is slog.Default().
func (b *Builder) WithLogger(logger *slog.Logger) *Builder {
	b.logger = logger
	return b
}

// WithAuditSink sets the destination of process-level audit events. Events
// are dispatched only when Config.Audit.Enabled is true.
func (b *Builder) WithAuditSink(sink AuditSink) *Builder {
	b.auditSink = sink
	return b
}

// WithSecondFactor registers a verifier for a non-TOTP second factor.
func (b *Builder) WithSecondFactor(v SecondFactorVerifier) *Builder {
	b.secondFactors = append(b.secondFactors, v)
	return b
}

// WithMetricsEnabled toggles in-process counters.
func (b *Builder) WithMetricsEnabled(enabled bool) *Builder {
	b.config.Metrics.Enabled = enabled
	return b
}

// WithLatencyHistograms toggles the Authenticate latency histogram.
func (b *Builder) WithLatencyHistograms(enabled bool) *Builder {
	b.config.Metrics.EnableLatencyHistograms = enabled
	return b
}

// Build validates the configuration and wires the engine. It fails when
// called twice, when Redis or the record store is missing, or when a second
// factor verifier is invalid.
func (b *Builder) Build() (*Engine, error) {
	if b.built {
		return nil, errors.New("builder already used")
	}

	cfg := cloneConfig(b.config)

	if b.redis == nil {
		return nil, errors.New("redis client required")
	}
	if b.store == nil {
		return nil, errors.New("record store required")
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	logger := b.logger
	if logger == nil {
		logger = slog.Default()
	}

	// -------- SECOND FACTORS --------
	factors := make(map[string]SecondFactorVerifier, len(b.secondFactors))
	for _, v := range b.secondFactors {
		if v == nil {
			return nil, errors.New("second factor verifier must not be nil")
		}
		method := strings.ToLower(strings.TrimSpace(v.Method()))
		switch {
		case method == "":
			return nil, errors.New("second factor method must be set")
		case method == store.TwoFactorTOTP:
			return nil, errors.New("totp is built in and cannot be registered")
		}
		if _, dup := factors[method]; dup {
			return nil, fmt.Errorf("second factor %q registered twice", method)
		}
		factors[method] = v
	}

	// -------- PASSWORD HASHER --------
	hasher, err := password.New(password.Config{
		Memory:           cfg.Password.Memory,
		Time:             cfg.Password.Time,
		Parallelism:      cfg.Password.Parallelism,
		SaltLength:       cfg.Password.SaltLength,
		KeyLength:        cfg.Password.KeyLength,
		MaxPasswordBytes: cfg.Password.MaxPasswordBytes,
	})
	if err != nil {
		return nil, err
	}

	// -------- RATE LIMITER --------
	limiter, err := rate.New(counter.New(b.redis), rate.Config{
		Prefix:                  cfg.RateLimit.Prefix,
		IPMaxFailures:           cfg.RateLimit.IPMaxFailures,
		PrincipalMaxFailures:    cfg.RateLimit.PrincipalMaxFailures,
		UnknownMaxFailures:      cfg.RateLimit.UnknownMaxFailures,
		SecondFactorMaxFailures: cfg.RateLimit.SecondFactorMaxFailures,
		Window:                  cfg.RateLimit.Window,
		Allowlist:               cfg.RateLimit.Allowlist,
		AllowlistKey:            cfg.RateLimit.AllowlistKey,
		FailClosed:              cfg.RateLimit.FailClosed,
	}, logger)
	if err != nil {
		return nil, err
	}

	// -------- SECRET CODEC --------
	var codec *secretcodec.Codec
	if len(b.secretKey) > 0 {
		codec, err = secretcodec.New(b.secretKey)
		if err != nil {
			return nil, err
		}
	}

	engine := &Engine{
		config:   cloneConfig(cfg),
		store:    b.store,
		resolver: addresses.NewResolver(b.store, cfg.Addresses.MaxWildcardLen),
		limiter:  limiter,
		verifier: credentials.NewVerifier(b.store, hasher, credentials.Config{
			MasterScope:     cfg.Scopes.Master,
			TempPasswordTTL: cfg.TempPassword.TTL,
		}, logger),
		hasher: hasher,
		auditLog: auditlog.New(b.store, auditlog.Config{
			Enabled:      cfg.AuditLog.Enabled,
			BucketWindow: cfg.AuditLog.BucketWindow,
			Retention:    cfg.AuditLog.Retention,
		}),
		audit: internalaudit.NewDispatcher(internalaudit.Config{
			Enabled:    cfg.Audit.Enabled,
			BufferSize: cfg.Audit.BufferSize,
			DropIfFull: cfg.Audit.DropIfFull,
		}, b.auditSink),
		metrics:       NewMetrics(cfg.Metrics),
		codec:         codec,
		validate:      validator.New(),
		secondFactors: factors,
		logger:        logger,
		now:           time.Now,
	}

	b.built = true

	return engine, nil
}
