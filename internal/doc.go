// Package internal holds the building blocks of the mailauth engine that are
// private to this module.
//
// # Sub-packages
//
//   - addresses: identifier normalization and address resolution with wildcards
//   - audit: async event dispatch (Dispatcher + Sink implementations)
//   - auditlog: coalesced audit rows in the record store
//   - counter: Redis-backed windowed counters
//   - credentials: primary, temporary and application-specific password checks
//   - rate: per-IP and per-principal failure limits over counter
//
// # What this package must NOT do
//
//   - Export types that appear in the public mailauth API.
//   - Be imported by any package outside the mailauth module.
package internal
