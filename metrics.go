package mailauth

import (
	"sync/atomic"
	"time"
)

// MetricID identifies one engine counter.
type MetricID uint16

const (
	// MetricAuthSuccess counts successful authentications.
	MetricAuthSuccess MetricID = iota
	// MetricAuthFailure counts credential failures, including unknown identifiers.
	MetricAuthFailure
	// MetricAuthRateLimited counts attempts denied by a failure counter.
	MetricAuthRateLimited
	// MetricAuthDisabled counts attempts on disabled accounts.
	MetricAuthDisabled
	// MetricAuthSuspended counts attempts on suspended accounts.
	MetricAuthSuspended
	// MetricAuthInvalidScope counts matched credentials lacking the required scope.
	MetricAuthInvalidScope
	// MetricAuthScopeDisabled counts attempts on scopes disabled per account.
	MetricAuthScopeDisabled
	// MetricAuthTempNotYetValid counts temporary passwords used before their start.
	MetricAuthTempNotYetValid
	// MetricAuthUnknownIdentifier counts identifiers that resolved to no account.
	MetricAuthUnknownIdentifier
	// MetricAuthStoreUnavailable counts record-store failures during authentication.
	MetricAuthStoreUnavailable
	// MetricRateLimiterDegraded counts decisions made while Redis was unreachable.
	MetricRateLimiterDegraded
	// MetricPasswordRehashed counts primary hashes upgraded after login.
	MetricPasswordRehashed
	// MetricPasswordRehashFailed counts upgrades that could not be persisted.
	MetricPasswordRehashFailed
	// MetricTempPasswordUsed counts successful temporary-password logins.
	MetricTempPasswordUsed
	// MetricASPUsed counts successful application-specific password logins.
	MetricASPUsed
	// MetricASPCreated counts generated application-specific passwords.
	MetricASPCreated
	// MetricASPDeleted counts deleted application-specific passwords.
	MetricASPDeleted
	// MetricSecondFactorRequired counts successes that still need a second factor.
	MetricSecondFactorRequired
	// MetricSecondFactorSuccess counts verified second factors.
	MetricSecondFactorSuccess
	// MetricSecondFactorFailure counts rejected second factors.
	MetricSecondFactorFailure
	// MetricTOTPEnabled counts TOTP enrollments.
	MetricTOTPEnabled
	// MetricTOTPDisabled counts TOTP removals.
	MetricTOTPDisabled
	// MetricAuditWriteFailed counts persisted audit rows that could not be written.
	MetricAuditWriteFailed
	// MetricAuthenticateLatency is the Authenticate latency histogram.
	MetricAuthenticateLatency
	metricIDCount
)

const (
	histBucketCount = 8
	cacheLineSize   = 64
)

type metricHistogram struct {
	buckets [histBucketCount]uint64
}

type paddedCounter struct {
	value uint64
	_     [cacheLineSize - 8]byte
}

// Metrics is a fixed set of lock-free counters and one latency histogram.
// A nil or disabled Metrics ignores every update.
type Metrics struct {
	enabled       bool
	enableLatency bool
	counters      [metricIDCount]paddedCounter
	histograms    [metricIDCount]metricHistogram
}

// MetricsSnapshot is a point-in-time copy of every counter. Histograms holds
// per-bucket (not cumulative) counts.
type MetricsSnapshot struct {
	Counters   map[MetricID]uint64
	Histograms map[MetricID][]uint64
}

// NewMetrics returns Metrics configured by cfg.
func NewMetrics(cfg MetricsConfig) *Metrics {
	return &Metrics{
		enabled:       cfg.Enabled,
		enableLatency: cfg.Enabled && cfg.EnableLatencyHistograms,
	}
}

func (m *Metrics) Enabled() bool {
	return m != nil && m.enabled
}

func (m *Metrics) LatencyEnabled() bool {
	return m != nil && m.enableLatency
}

// Inc adds one to id.
func (m *Metrics) Inc(id MetricID) {
	if m == nil || !m.enabled || id >= metricIDCount {
		return
	}
	atomic.AddUint64(&m.counters[id].value, 1)
}

// Observe records d in the histogram of id. Only MetricAuthenticateLatency
// carries a histogram.
func (m *Metrics) Observe(id MetricID, d time.Duration) {
	if m == nil || !m.enabled || !m.enableLatency || id >= metricIDCount {
		return
	}
	if id != MetricAuthenticateLatency {
		return
	}

	b := bucketIndex(d)
	atomic.AddUint64(&m.histograms[id].buckets[b], 1)
}

// Value returns the current count of id.
func (m *Metrics) Value(id MetricID) uint64 {
	if m == nil || id >= metricIDCount {
		return 0
	}
	return atomic.LoadUint64(&m.counters[id].value)
}

// Snapshot copies every counter.
func (m *Metrics) Snapshot() MetricsSnapshot {
	if m == nil || !m.enabled {
		return MetricsSnapshot{
			Counters:   map[MetricID]uint64{},
			Histograms: map[MetricID][]uint64{},
		}
	}

	s := MetricsSnapshot{
		Counters:   make(map[MetricID]uint64, int(metricIDCount)),
		Histograms: make(map[MetricID][]uint64, 1),
	}

	for id := MetricID(0); id < metricIDCount; id++ {
		s.Counters[id] = atomic.LoadUint64(&m.counters[id].value)
	}

	if m.enableLatency {
		buckets := make([]uint64, histBucketCount)
		for i := range histBucketCount {
			buckets[i] = atomic.LoadUint64(&m.histograms[MetricAuthenticateLatency].buckets[i])
		}
		s.Histograms[MetricAuthenticateLatency] = buckets
	}

	return s
}

// bucketIndex maps d onto the upper bounds 5, 10, 25, 50, 100, 250 and 500ms
// plus an overflow bucket.
func bucketIndex(d time.Duration) int {
	ms := d.Milliseconds()

	switch {
	case ms <= 5:
		return 0
	case ms <= 10:
		return 1
	case ms <= 25:
		return 2
	case ms <= 50:
		return 3
	case ms <= 100:
		return 4
	case ms <= 250:
		return 5
	case ms <= 500:
		return 6
	default:
		return 7
	}
}
