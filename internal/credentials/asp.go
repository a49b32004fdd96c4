package credentials

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strings"
	"unicode"
)

// ASPLength is the number of letters in an application-specific password.
const ASPLength = 16

const aspAlphabet = "abcdefghijklmnopqrstuvwxyz"

// NewASPSecret returns a fresh application-specific password.
func NewASPSecret() (string, error) {
	out := make([]byte, 0, ASPLength)
	buf := make([]byte, ASPLength*2)
	// 234 is the largest multiple of 26 below 256; larger bytes are discarded
	// to keep the distribution uniform.
	for len(out) < ASPLength {
		if _, err := rand.Read(buf); err != nil {
			return "", fmt.Errorf("credentials: random: %w", err)
		}
		for _, b := range buf {
			if b >= 234 {
				continue
			}
			out = append(out, aspAlphabet[b%26])
			if len(out) == ASPLength {
				break
			}
		}
	}
	return string(out), nil
}

// NormalizeASP removes all whitespace and lowercases secret, so passwords
// displayed in groups ("abcd efgh ...") are accepted.
func NormalizeASP(secret string) string {
	return strings.ToLower(strings.Map(func(r rune) rune {
		if unicode.IsSpace(r) {
			return -1
		}
		return r
	}, secret))
}

// ValidASPShape reports whether a normalized secret could be an
// application-specific password.
func ValidASPShape(normalized string) bool {
	if len(normalized) != ASPLength {
		return false
	}
	for i := 0; i < len(normalized); i++ {
		if normalized[i] < 'a' || normalized[i] > 'z' {
			return false
		}
	}
	return true
}

// Selector returns the short digest stored next to an application-specific
// password hash. It only narrows candidates; collisions are expected.
func Selector(normalized string) string {
	sum := sha256.Sum256([]byte(normalized))
	return hex.EncodeToString(sum[:2])
}
