// Package prometheus renders mailauth engine metrics in Prometheus text
// exposition format.
//
// Counter names are prefixed mailauth_ and end in _total; the single
// histogram is mailauth_authenticate_latency_seconds.
//
// # What this package must NOT do
//
//   - Register metrics in a global registry; callers mount the Handler.
//   - Mutate engine state.
package prometheus
