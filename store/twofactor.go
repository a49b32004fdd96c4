package store

import (
	"bytes"
	"database/sql/driver"
	"encoding/json"
	"fmt"
	"slices"
	"strings"
)

// Second-factor method names.
const (
	TwoFactorTOTP   = "totp"
	TwoFactorU2F    = "u2f"
	TwoFactorCustom = "custom"
)

// TwoFactorSet is the canonical, sorted and de-duplicated set of second-factor
// methods enabled on an account.
//
// Older records persisted this field as a boolean meaning "TOTP enabled".
// Both shapes decode into the same set through UnmarshalJSON and Scan.
type TwoFactorSet []string

// NewTwoFactorSet returns the canonical set for methods.
func NewTwoFactorSet(methods ...string) TwoFactorSet {
	out := make(TwoFactorSet, 0, len(methods))
	for _, m := range methods {
		m = strings.ToLower(strings.TrimSpace(m))
		if m == "" || slices.Contains(out, m) {
			continue
		}
		out = append(out, m)
	}
	slices.Sort(out)
	return out
}

// Enabled reports whether any method is enabled.
func (s TwoFactorSet) Enabled() bool { return len(s) > 0 }

// Has reports whether method is enabled.
func (s TwoFactorSet) Has(method string) bool {
	return slices.Contains(s, method)
}

// With returns a copy of the set including method.
func (s TwoFactorSet) With(method string) TwoFactorSet {
	return NewTwoFactorSet(append(slices.Clone(s), method)...)
}

// Without returns a copy of the set excluding method.
func (s TwoFactorSet) Without(method string) TwoFactorSet {
	out := make(TwoFactorSet, 0, len(s))
	for _, m := range s {
		if m != method {
			out = append(out, m)
		}
	}
	return out
}

// MarshalJSON always encodes the list shape.
func (s TwoFactorSet) MarshalJSON() ([]byte, error) {
	if s == nil {
		return []byte("[]"), nil
	}
	return json.Marshal([]string(s))
}

// UnmarshalJSON accepts null, a legacy boolean, or a list of method names.
func (s *TwoFactorSet) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	switch string(data) {
	case "", "null", "false":
		*s = TwoFactorSet{}
		return nil
	case "true":
		*s = NewTwoFactorSet(TwoFactorTOTP)
		return nil
	}

	var methods []string
	if err := json.Unmarshal(data, &methods); err != nil {
		return fmt.Errorf("store: invalid two-factor value: %w", err)
	}
	*s = NewTwoFactorSet(methods...)
	return nil
}

// Scan implements sql.Scanner for JSON and boolean columns.
func (s *TwoFactorSet) Scan(src any) error {
	switch v := src.(type) {
	case nil:
		*s = TwoFactorSet{}
		return nil
	case bool:
		if v {
			*s = NewTwoFactorSet(TwoFactorTOTP)
		} else {
			*s = TwoFactorSet{}
		}
		return nil
	case []byte:
		return s.UnmarshalJSON(v)
	case string:
		return s.UnmarshalJSON([]byte(v))
	default:
		return fmt.Errorf("store: unsupported two-factor column type %T", src)
	}
}

// Value implements driver.Valuer.
func (s TwoFactorSet) Value() (driver.Value, error) {
	return s.MarshalJSON()
}
