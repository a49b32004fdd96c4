package rate

import "errors"

var (
	// ErrInvalidAllowlist is returned by New when an allowlist entry is neither an IP nor a CIDR prefix.
	ErrInvalidAllowlist = errors.New("rate: invalid allowlist entry")
	// ErrInvalidConfig is returned by New for non-positive limits or window.
	ErrInvalidConfig = errors.New("rate: invalid config")
)
