// Package rate composes failure counters and an IP allowlist into admit/deny
// decisions for authentication attempts.
//
// # Counters
//
// Fixed windows on Redis, one key per class:
//   - <prefix>:ip:<ip>            failures from one source address
//   - <prefix>:user:<account>     failures against one principal
//   - <prefix>:unknown:<view>     failures for identifiers that resolve to nothing
//   - <prefix>:totp:<account>     second-factor failures
//
// Checks are peeks (delta 0) and admit while another failure still fits under
// the limit. Failures are charged with an atomic bump; a bump that lands above
// the limit reports a denial so concurrent attempts cannot both slip through.
//
// # Outages
//
// When Redis is unreachable the limiter fails open by default: the decision is
// admitted, marked Degraded, and a warning is logged. Config.FailClosed denies
// instead.
package rate
