package rate

import (
	"context"
	"fmt"
	"log/slog"
	"net/netip"
	"strings"
	"time"

	"github.com/MrEthical07/mailauth/internal/counter"
)

// Counter is the subset of [counter.Store] the limiter needs.
type Counter interface {
	Bump(ctx context.Context, key string, delta int64, window time.Duration) (counter.Count, error)
	Peek(ctx context.Context, key string) (counter.Count, error)
	Reset(ctx context.Context, key string) error
	IsMember(ctx context.Context, setKey, member string) (bool, error)
}

// Class names a counter family. Its value is the key segment.
type Class string

const (
	ClassIP           Class = "ip"
	ClassPrincipal    Class = "user"
	ClassUnknown      Class = "unknown"
	ClassSecondFactor Class = "totp"
)

// Key identifies one non-IP counter.
type Key struct {
	Class Class
	ID    string
}

// Principal is the failure counter of an account.
func Principal(accountID string) Key { return Key{Class: ClassPrincipal, ID: accountID} }

// Unknown is the failure counter of an identifier that resolved to no account.
func Unknown(view string) Key { return Key{Class: ClassUnknown, ID: view} }

// SecondFactor is the second-factor failure counter of an account.
func SecondFactor(accountID string) Key { return Key{Class: ClassSecondFactor, ID: accountID} }

// Config holds limiter tuning parameters.
type Config struct {
	Prefix                  string
	IPMaxFailures           int
	PrincipalMaxFailures    int
	UnknownMaxFailures      int
	SecondFactorMaxFailures int
	Window                  time.Duration

	// Allowlist holds IPs and CIDR prefixes that are never limited.
	Allowlist []string
	// AllowlistKey names an optional Redis set of additional allowlisted IPs.
	AllowlistKey string

	FailClosed bool
}

// Decision is the result of a limiter check.
type Decision struct {
	Admitted   bool
	RetryAfter time.Duration
	// DeniedBy is the counter class that denied, empty when admitted.
	DeniedBy Class
	// Degraded is set when a counter could not be read and the outage policy
	// decided the result.
	Degraded bool
}

// Limiter enforces per-IP and per-principal failure budgets.
type Limiter struct {
	counters Counter
	config   Config
	allow    []netip.Prefix
	logger   *slog.Logger
}

// New creates a [Limiter] over counters.
func New(counters Counter, cfg Config, logger *slog.Logger) (*Limiter, error) {
	if cfg.IPMaxFailures <= 0 || cfg.PrincipalMaxFailures <= 0 || cfg.Window <= 0 {
		return nil, ErrInvalidConfig
	}
	if cfg.UnknownMaxFailures <= 0 {
		cfg.UnknownMaxFailures = cfg.PrincipalMaxFailures
	}
	if cfg.SecondFactorMaxFailures <= 0 {
		cfg.SecondFactorMaxFailures = cfg.PrincipalMaxFailures
	}
	if cfg.Prefix == "" {
		cfg.Prefix = "ma"
	}
	if logger == nil {
		logger = slog.Default()
	}

	allow, err := ParseAllowlist(cfg.Allowlist)
	if err != nil {
		return nil, err
	}

	return &Limiter{
		counters: counters,
		config:   cfg,
		allow:    allow,
		logger:   logger,
	}, nil
}

// ParseAllowlist converts IP and CIDR strings into prefixes.
func ParseAllowlist(entries []string) ([]netip.Prefix, error) {
	out := make([]netip.Prefix, 0, len(entries))
	for _, raw := range entries {
		entry := strings.TrimSpace(raw)
		if entry == "" {
			continue
		}
		if strings.Contains(entry, "/") {
			p, err := netip.ParsePrefix(entry)
			if err != nil {
				return nil, fmt.Errorf("%w: %q", ErrInvalidAllowlist, raw)
			}
			out = append(out, p.Masked())
			continue
		}
		addr, err := netip.ParseAddr(entry)
		if err != nil {
			return nil, fmt.Errorf("%w: %q", ErrInvalidAllowlist, raw)
		}
		addr = addr.Unmap()
		out = append(out, netip.PrefixFrom(addr, addr.BitLen()))
	}
	return out, nil
}

// Allowlisted reports whether ip bypasses every counter. A failed lookup of
// the Redis set never grants the bypass.
func (l *Limiter) Allowlisted(ctx context.Context, ip string) bool {
	if ip == "" {
		return false
	}

	member := ip
	if addr, err := netip.ParseAddr(ip); err == nil {
		addr = addr.Unmap()
		member = addr.String()
		for _, p := range l.allow {
			if p.Contains(addr) {
				return true
			}
		}
	}

	if l.config.AllowlistKey == "" {
		return false
	}
	ok, err := l.counters.IsMember(ctx, l.config.AllowlistKey, member)
	if err != nil {
		l.logger.WarnContext(ctx, "rate: allowlist lookup failed", "error", err)
		return false
	}
	return ok
}

// CheckIP peeks the IP counter.
func (l *Limiter) CheckIP(ctx context.Context, ip string) (Decision, error) {
	return l.CheckAndMaybeIncrement(ctx, Key{}, ip, 0)
}

// CheckPrincipal peeks key alone. ip is consulted only for the allowlist.
func (l *Limiter) CheckPrincipal(ctx context.Context, key Key, ip string) (Decision, error) {
	if l.Allowlisted(ctx, ip) {
		return Decision{Admitted: true}, nil
	}
	return l.evaluate(ctx, key.Class, key.ID, 0)
}

// RecordFailure charges one failure to the IP counter and to key.
func (l *Limiter) RecordFailure(ctx context.Context, key Key, ip string) (Decision, error) {
	return l.CheckAndMaybeIncrement(ctx, key, ip, 1)
}

// CheckAndMaybeIncrement consults the IP counter and then key, adding
// incrementBy to both. With incrementBy == 0 it is a pure check that stops at
// the first denial. The result is admitted only when both counters admit; the
// reported denial is the IP counter's when both deny. The returned error is
// non-nil only when ctx ends.
func (l *Limiter) CheckAndMaybeIncrement(ctx context.Context, key Key, ip string, incrementBy int64) (Decision, error) {
	if l.Allowlisted(ctx, ip) {
		return Decision{Admitted: true}, nil
	}

	out := Decision{Admitted: true}
	if ip != "" {
		d, err := l.evaluate(ctx, ClassIP, ip, incrementBy)
		if err != nil {
			return Decision{}, err
		}
		out = merge(out, d)
		if !out.Admitted && incrementBy == 0 {
			return out, nil
		}
	}

	if key.ID != "" {
		d, err := l.evaluate(ctx, key.Class, key.ID, incrementBy)
		if err != nil {
			return Decision{}, err
		}
		out = merge(out, d)
	}
	return out, nil
}

// Reset deletes the counter for key. IP counters are never reset by a
// single successful login.
func (l *Limiter) Reset(ctx context.Context, key Key) {
	if key.ID == "" || key.Class == ClassIP {
		return
	}
	if err := l.counters.Reset(ctx, l.key(key.Class, key.ID)); err != nil {
		l.logger.WarnContext(ctx, "rate: counter reset failed", "class", string(key.Class), "error", err)
	}
}

// Attempts returns the current failure count for key. Outages read as zero.
func (l *Limiter) Attempts(ctx context.Context, key Key) int64 {
	c, err := l.counters.Peek(ctx, l.key(key.Class, key.ID))
	if err != nil {
		return 0
	}
	return c.Value
}

// Window returns the configured counter window.
func (l *Limiter) Window() time.Duration { return l.config.Window }

func (l *Limiter) evaluate(ctx context.Context, class Class, id string, delta int64) (Decision, error) {
	limit := int64(l.limit(class))
	key := l.key(class, id)

	var (
		c   counter.Count
		err error
	)
	if delta == 0 {
		c, err = l.counters.Peek(ctx, key)
	} else {
		c, err = l.counters.Bump(ctx, key, delta, l.config.Window)
	}
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return Decision{}, ctxErr
		}
		return l.degraded(ctx, class, err), nil
	}

	// A peek admits while one more failure still fits; a bump admits while
	// the new total is within the limit.
	admitted := c.Value <= limit
	if delta == 0 {
		admitted = c.Value < limit
	}
	if admitted {
		return Decision{Admitted: true}, nil
	}

	retry := c.TTL
	if retry <= 0 {
		retry = l.config.Window
	}
	return Decision{RetryAfter: retry, DeniedBy: class}, nil
}

func (l *Limiter) degraded(ctx context.Context, class Class, err error) Decision {
	l.logger.WarnContext(ctx, "rate: counter unavailable",
		"class", string(class),
		"fail_closed", l.config.FailClosed,
		"error", err,
	)
	if l.config.FailClosed {
		return Decision{RetryAfter: l.config.Window, DeniedBy: class, Degraded: true}
	}
	return Decision{Admitted: true, Degraded: true}
}

func (l *Limiter) limit(class Class) int {
	switch class {
	case ClassIP:
		return l.config.IPMaxFailures
	case ClassUnknown:
		return l.config.UnknownMaxFailures
	case ClassSecondFactor:
		return l.config.SecondFactorMaxFailures
	default:
		return l.config.PrincipalMaxFailures
	}
}

func (l *Limiter) key(class Class, id string) string {
	return l.config.Prefix + ":" + string(class) + ":" + id
}

func merge(acc, d Decision) Decision {
	acc.Degraded = acc.Degraded || d.Degraded
	if acc.Admitted && !d.Admitted {
		acc.Admitted = false
		acc.RetryAfter = d.RetryAfter
		acc.DeniedBy = d.DeniedBy
	}
	return acc
}
