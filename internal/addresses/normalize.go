// Package addresses resolves login identifiers to address records.
//
// Resolution order is exact view, exact view under the canonical domain of an
// alias, then partial wildcards from most to least specific, then the
// any-domain form local@*. A miss is [store.ErrNotFound].
package addresses

import (
	"fmt"
	"strings"

	"golang.org/x/net/idna"
	"golang.org/x/text/unicode/norm"

	"github.com/MrEthical07/mailauth/store"
)

// ErrInvalidIdentifier is returned for identifiers that cannot name an
// address. It matches [store.ErrNotFound] so callers treat it as a miss.
var ErrInvalidIdentifier = fmt.Errorf("%w: invalid identifier", store.ErrNotFound)

// Normalize trims, applies Unicode NFC and lowercases identifier, then splits
// it at the last "@". The domain is decoded from punycode when possible.
func Normalize(identifier string) (local, domain string, err error) {
	s := norm.NFC.String(strings.TrimSpace(identifier))

	at := strings.LastIndexByte(s, '@')
	if at <= 0 || at == len(s)-1 {
		return "", "", ErrInvalidIdentifier
	}
	local, domain = s[:at], s[at+1:]
	if strings.ContainsRune(local, '*') || strings.ContainsRune(domain, '*') {
		return "", "", ErrInvalidIdentifier
	}

	if u, err := idna.ToUnicode(domain); err == nil {
		domain = norm.NFC.String(u)
	}
	return strings.ToLower(local), strings.ToLower(domain), nil
}

// LocalView drops a "+label" suffix and all dots from a normalized local part.
func LocalView(local string) string {
	if i := strings.IndexByte(local, '+'); i >= 0 {
		local = local[:i]
	}
	return strings.ReplaceAll(local, ".", "")
}

// View returns the lookup view of an address identifier.
func View(identifier string) (string, error) {
	local, domain, err := Normalize(identifier)
	if err != nil {
		return "", err
	}
	return LocalView(local) + "@" + domain, nil
}

// UsernameView returns the lookup view of a username: NFC, lowercase, no dots.
func UsernameView(username string) string {
	s := strings.ToLower(norm.NFC.String(strings.TrimSpace(username)))
	return strings.ReplaceAll(s, ".", "")
}

// IsAddress reports whether identifier has address form.
func IsAddress(identifier string) bool {
	return strings.Contains(identifier, "@")
}

// Candidates lists the wildcard views for local@domain, most specific first:
// for each length i from min(runes(local), maxLen) down to 1 the i-rune prefix
// form then the i-rune suffix form, and finally the bare catch-all.
func Candidates(local, domain string, maxLen int) []string {
	runes := []rune(local)
	n := min(len(runes), maxLen)

	out := make([]string, 0, 2*max(n, 0)+1)
	for i := n; i >= 1; i-- {
		out = append(out,
			string(runes[:i])+"*@"+domain,
			"*"+string(runes[len(runes)-i:])+"@"+domain,
		)
	}
	return append(out, "*@"+domain)
}
