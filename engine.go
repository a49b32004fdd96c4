package mailauth

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/go-playground/validator/v10"

	"github.com/MrEthical07/mailauth/internal/addresses"
	internalaudit "github.com/MrEthical07/mailauth/internal/audit"
	"github.com/MrEthical07/mailauth/internal/auditlog"
	"github.com/MrEthical07/mailauth/internal/credentials"
	"github.com/MrEthical07/mailauth/internal/rate"
	"github.com/MrEthical07/mailauth/password"
	"github.com/MrEthical07/mailauth/secretcodec"
	"github.com/MrEthical07/mailauth/store"
)

// Engine authenticates mail logins and manages the credentials it checks.
//
// An Engine is built once by [Builder.Build] and is safe for concurrent use.
type Engine struct {
	config        Config
	store         store.RecordStore
	resolver      *addresses.Resolver
	limiter       *rate.Limiter
	verifier      *credentials.Verifier
	hasher        *password.Hasher
	auditLog      *auditlog.Log
	audit         *internalaudit.Dispatcher
	metrics       *Metrics
	codec         *secretcodec.Codec
	validate      *validator.Validate
	secondFactors map[string]SecondFactorVerifier
	logger        *slog.Logger
	now           func() time.Time
}

// Close drains the audit dispatcher. The engine must not be used afterwards.
func (e *Engine) Close() {
	if e == nil {
		return
	}
	if e.audit != nil {
		e.audit.Close()
	}
}

// AuditDropped returns the number of process-level audit events dropped
// because the dispatcher buffer was full.
func (e *Engine) AuditDropped() uint64 {
	if e == nil || e.audit == nil {
		return 0
	}
	return e.audit.Dropped()
}

// MetricsSnapshot copies the engine counters. It is empty when metrics are
// disabled.
func (e *Engine) MetricsSnapshot() MetricsSnapshot {
	if e == nil || e.metrics == nil {
		return MetricsSnapshot{
			Counters:   map[MetricID]uint64{},
			Histograms: map[MetricID][]uint64{},
		}
	}
	return e.metrics.Snapshot()
}

func (e *Engine) metricInc(id MetricID) {
	if e == nil || e.metrics == nil {
		return
	}
	e.metrics.Inc(id)
}

func (e *Engine) ready() bool {
	return e != nil && e.store != nil && e.resolver != nil && e.limiter != nil && e.verifier != nil
}

// ResolveAddress maps identifier to its address record using the login
// resolution rules. allowWildcard enables partial and catch-all matches.
// A miss is ErrNotFound; other errors wrap ErrStoreUnavailable.
func (e *Engine) ResolveAddress(ctx context.Context, identifier string, allowWildcard bool) (store.Address, error) {
	if !e.ready() {
		return store.Address{}, ErrEngineNotReady
	}
	addr, err := e.resolver.Resolve(ctx, identifier, addresses.Options{AllowWildcard: allowWildcard})
	if err != nil {
		return store.Address{}, e.storeError(ctx, err)
	}
	return addr, nil
}

// storeError classifies a record-store error: misses stay ErrNotFound,
// context ends pass through, everything else becomes ErrStoreUnavailable.
func (e *Engine) storeError(ctx context.Context, err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, store.ErrNotFound):
		return ErrNotFound
	case ctx.Err() != nil:
		return ctx.Err()
	default:
		return fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}
}
