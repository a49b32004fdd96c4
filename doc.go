// Package mailauth is the identity and credential core of a multi-tenant mail
// platform. It resolves a login identifier to one account, verifies a secret
// against the account's primary, temporary and application-specific passwords,
// enforces per-IP and per-account failure limits and per-scope policy, and
// records every attempt.
//
// Engine methods are safe to call from multiple goroutines after
// initialization through [Builder.Build].
//
// # Architecture boundaries
//
// mailauth is the public surface. It exposes [Engine], [Builder], [Config],
// [Outcome] and the audit sink types. Identifier resolution, failure counters,
// credential verification and audit persistence live under internal/ and are
// never exported. Records cross the boundary as the types of package store.
//
// # What this package must NOT do
//
//   - Expose Redis clients or counter keys in its public API.
//   - Log, audit or return a presented secret.
//   - Compare a credential while a failure limit denies the attempt.
//   - Import any sub-package that re-imports mailauth (no import cycles).
//
// # Performance contract
//
// Authenticate performs at most two counter reads before the first hash
// comparison, and unknown identifiers cost one dummy comparison so that their
// latency matches a wrong password.
package mailauth
