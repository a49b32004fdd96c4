package internaldefs

import (
	"github.com/MrEthical07/mailauth"
)

// CounterDef names one engine counter for exporters.
type CounterDef struct {
	ID   mailauth.MetricID
	Name string
	Help string
}

// HistogramDef names one engine latency histogram for exporters.
type HistogramDef struct {
	ID   mailauth.MetricID
	Name string
	Help string
}

// CounterDefs lists every exported counter in rendering order.
var CounterDefs = []CounterDef{
	{ID: mailauth.MetricAuthSuccess, Name: "mailauth_auth_success_total", Help: "Successful authentications."},
	{ID: mailauth.MetricAuthFailure, Name: "mailauth_auth_failure_total", Help: "Authentications rejected for a wrong or missing credential."},
	{ID: mailauth.MetricAuthRateLimited, Name: "mailauth_auth_rate_limited_total", Help: "Attempts denied by a failure counter."},
	{ID: mailauth.MetricAuthDisabled, Name: "mailauth_auth_disabled_total", Help: "Attempts against disabled accounts."},
	{ID: mailauth.MetricAuthSuspended, Name: "mailauth_auth_suspended_total", Help: "Attempts against suspended accounts."},
	{ID: mailauth.MetricAuthInvalidScope, Name: "mailauth_auth_invalid_scope_total", Help: "Matching credentials that did not grant the required scope."},
	{ID: mailauth.MetricAuthScopeDisabled, Name: "mailauth_auth_scope_disabled_total", Help: "Attempts for a scope disabled on the account."},
	{ID: mailauth.MetricAuthTempNotYetValid, Name: "mailauth_auth_temp_not_yet_valid_total", Help: "Temporary passwords used before their start time."},
	{ID: mailauth.MetricAuthUnknownIdentifier, Name: "mailauth_auth_unknown_identifier_total", Help: "Identifiers that resolved to no account."},
	{ID: mailauth.MetricAuthStoreUnavailable, Name: "mailauth_auth_store_unavailable_total", Help: "Attempts aborted by a record store failure."},
	{ID: mailauth.MetricRateLimiterDegraded, Name: "mailauth_rate_limiter_degraded_total", Help: "Limiter decisions made without a readable counter."},
	{ID: mailauth.MetricPasswordRehashed, Name: "mailauth_password_rehashed_total", Help: "Primary hashes upgraded after a successful login."},
	{ID: mailauth.MetricPasswordRehashFailed, Name: "mailauth_password_rehash_failed_total", Help: "Hash upgrades that could not be stored."},
	{ID: mailauth.MetricTempPasswordUsed, Name: "mailauth_temp_password_used_total", Help: "Temporary passwords consumed."},
	{ID: mailauth.MetricASPUsed, Name: "mailauth_asp_used_total", Help: "Successful application-specific password logins."},
	{ID: mailauth.MetricASPCreated, Name: "mailauth_asp_created_total", Help: "Application-specific passwords created."},
	{ID: mailauth.MetricASPDeleted, Name: "mailauth_asp_deleted_total", Help: "Application-specific passwords deleted."},
	{ID: mailauth.MetricSecondFactorRequired, Name: "mailauth_second_factor_required_total", Help: "Logins that require a second factor."},
	{ID: mailauth.MetricSecondFactorSuccess, Name: "mailauth_second_factor_success_total", Help: "Successful second-factor verifications."},
	{ID: mailauth.MetricSecondFactorFailure, Name: "mailauth_second_factor_failure_total", Help: "Failed second-factor verifications."},
	{ID: mailauth.MetricTOTPEnabled, Name: "mailauth_totp_enabled_total", Help: "TOTP enrollments confirmed."},
	{ID: mailauth.MetricTOTPDisabled, Name: "mailauth_totp_disabled_total", Help: "TOTP enrollments removed."},
	{ID: mailauth.MetricAuditWriteFailed, Name: "mailauth_audit_write_failed_total", Help: "Audit rows that could not be persisted."},
}

// HistogramDefs lists every exported histogram.
var HistogramDefs = []HistogramDef{
	{ID: mailauth.MetricAuthenticateLatency, Name: "mailauth_authenticate_latency_seconds", Help: "Authenticate latency histogram."},
}

// HistogramBounds are the upper bounds of the engine buckets in seconds.
var HistogramBounds = []string{
	"0.005",
	"0.01",
	"0.025",
	"0.05",
	"0.1",
	"0.25",
	"0.5",
	"+Inf",
}

// HistogramBoundSuffix spells HistogramBounds for instrument names.
var HistogramBoundSuffix = []string{
	"0_005",
	"0_01",
	"0_025",
	"0_05",
	"0_1",
	"0_25",
	"0_5",
	"inf",
}

// NormalizeBuckets copies raw into a fixed-size array, zero-filling short input.
func NormalizeBuckets(raw []uint64) [8]uint64 {
	var out [8]uint64
	for i := 0; i < len(out) && i < len(raw); i++ {
		out[i] = raw[i]
	}
	return out
}

// CumulativeBuckets converts per-bucket counts into running totals.
func CumulativeBuckets(raw [8]uint64) [8]uint64 {
	var out [8]uint64
	var running uint64
	for i := 0; i < len(raw); i++ {
		running += raw[i]
		out[i] = running
	}
	return out
}
