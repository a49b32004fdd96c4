// Package auditlog writes coalesced authentication events to the record store.
//
// Identical events (same protocol, IP, action, result and target) for one
// account inside a bucket window share a row whose Events counter grows.
// Events without a valid account id are never persisted.
package auditlog

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/oklog/ulid/v2"

	"github.com/MrEthical07/mailauth/store"
)

// Config controls persistence.
type Config struct {
	Enabled      bool
	BucketWindow time.Duration
	// Retention sets row expiry. Zero or negative disables persistence.
	Retention time.Duration
}

// Entry is one authentication event before coalescing.
type Entry struct {
	Action    string
	Result    string
	Protocol  string
	IP        string
	SessionID string
	Target    string
	Reason    string
}

// Log records entries. It is safe for concurrent use.
type Log struct {
	store  store.AuditStore
	config Config
	now    func() time.Time
}

// New returns a Log writing to s.
func New(s store.AuditStore, cfg Config) *Log {
	return &Log{store: s, config: cfg, now: time.Now}
}

// SetClock replaces the time source. Intended for tests.
func (l *Log) SetClock(now func() time.Time) {
	if now != nil {
		l.now = now
	}
}

// Enabled reports whether any row can be written.
func (l *Log) Enabled() bool {
	return l != nil && l.store != nil && l.config.Enabled && l.config.Retention > 0
}

// Record persists e for accountID. It returns the id of the row written and
// whether a write happened; skipped entries return "", false, nil.
func (l *Log) Record(ctx context.Context, accountID string, e Entry) (string, bool, error) {
	if !l.Enabled() {
		return "", false, nil
	}
	if _, err := uuid.Parse(accountID); err != nil {
		return "", false, nil
	}

	now := l.now().UTC()
	id, _, err := l.store.UpsertAuditEvent(ctx, store.AuditUpsert{
		Event: store.AuthEvent{
			ID:        ulid.Make().String(),
			AccountID: accountID,
			Action:    e.Action,
			Result:    e.Result,
			Protocol:  e.Protocol,
			IP:        e.IP,
			SessionID: e.SessionID,
			Target:    e.Target,
			Reason:    e.Reason,
			Key:       MergeKey(e),
			Events:    1,
			Created:   now,
			Last:      now,
			Expires:   now.Add(l.config.Retention),
		},
		Since: now.Add(-l.config.BucketWindow),
	})
	if err != nil {
		return "", false, fmt.Errorf("auditlog: upsert: %w", err)
	}
	return id, true, nil
}

// MergeKey is the hex SHA-256 of the coalescing fields, NUL separated.
func MergeKey(e Entry) string {
	h := sha256.New()
	for _, part := range []string{e.Protocol, e.IP, e.Action, e.Result, e.Target} {
		h.Write([]byte(part))
		h.Write([]byte{0})
	}
	return hex.EncodeToString(h.Sum(nil))
}
