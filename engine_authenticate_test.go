package mailauth

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"golang.org/x/crypto/bcrypt"

	"github.com/MrEthical07/mailauth/internal/addresses"
	"github.com/MrEthical07/mailauth/internal/rate"
	"github.com/MrEthical07/mailauth/password"
	"github.com/MrEthical07/mailauth/store"
	"github.com/MrEthical07/mailauth/store/memstore"
)

const (
	aliceID       = "0b9e5f8a-4c1d-4e6b-9a57-3f2d1c0e8b71"
	alicePassword = "P@ss1"
	testIP        = "198.51.100.7"
)

var testMeta = Meta{IP: testIP, Protocol: "imap", SessionID: "s-1"}

func newTestRedis(t testing.TB) (*miniredis.Miniredis, *redis.Client) {
	t.Helper()

	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis start failed: %v", err)
	}

	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() {
		_ = rdb.Close()
		mr.Close()
	})
	return mr, rdb
}

func testConfig() Config {
	cfg := DefaultConfig()
	cfg.Password.Memory = 8 * 1024
	cfg.Password.Time = 1
	cfg.Password.Parallelism = 1
	cfg.RateLimit.PrincipalMaxFailures = 3
	cfg.RateLimit.SecondFactorMaxFailures = 2
	cfg.Metrics.Enabled = true
	return cfg
}

func newTestHasher(t testing.TB) *password.Hasher {
	t.Helper()

	cfg := testConfig().Password
	h, err := password.New(password.Config{
		Memory:      cfg.Memory,
		Time:        cfg.Time,
		Parallelism: cfg.Parallelism,
		SaltLength:  cfg.SaltLength,
		KeyLength:   cfg.KeyLength,
	})
	if err != nil {
		t.Fatalf("hasher init failed: %v", err)
	}
	return h
}

func mustHash(t testing.TB, secret string) string {
	t.Helper()
	h, err := newTestHasher(t).Hash(secret)
	if err != nil {
		t.Fatalf("hash failed: %v", err)
	}
	return h
}

// seedAlice stores alice with a primary password and her address.
func seedAlice(t testing.TB, records *memstore.Store, mutate func(*store.Account)) store.Account {
	t.Helper()

	account := store.Account{
		ID:           aliceID,
		Username:     "alice",
		UsernameView: addresses.UsernameView("alice"),
		Address:      "alice@example.com",
		PasswordHash: mustHash(t, alicePassword),
		AuthVersion:  1,
	}
	if mutate != nil {
		mutate(&account)
	}
	records.PutAccount(account)
	records.PutAddress(store.Address{ID: "addr-alice", View: "alice@example.com", AccountID: aliceID})
	return account
}

type testEngine struct {
	*Engine
	mr      *miniredis.Miniredis
	records *memstore.Store
}

func newTestEngine(t testing.TB, cfg Config, opts ...func(*Builder)) testEngine {
	t.Helper()

	mr, rdb := newTestRedis(t)
	records := memstore.New()
	b := New().
		WithConfig(cfg).
		WithRedis(rdb).
		WithRecordStore(records)
	for _, opt := range opts {
		opt(b)
	}

	engine, err := b.Build()
	if err != nil {
		t.Fatalf("Build failed: %v", err)
	}
	t.Cleanup(engine.Close)

	return testEngine{Engine: engine, mr: mr, records: records}
}

func (te testEngine) principalAttempts(t *testing.T, accountID string) int64 {
	t.Helper()
	return te.limiter.Attempts(context.Background(), rate.Principal(accountID))
}

func (te testEngine) account(t *testing.T, id string) store.Account {
	t.Helper()
	a, err := te.records.FindAccountByID(context.Background(), id)
	if err != nil {
		t.Fatalf("account lookup failed: %v", err)
	}
	return a
}

func TestAuthenticatePrimaryPasswordByAddressAndUsername(t *testing.T) {
	te := newTestEngine(t, testConfig())
	seedAlice(t, te.records, nil)
	ctx := context.Background()

	for _, identifier := range []string{"alice@example.com", "Alice@EXAMPLE.com", "alice", " ALICE "} {
		out, err := te.Authenticate(ctx, identifier, alicePassword, "", testMeta)
		if err != nil {
			t.Fatalf("%q: unexpected error: %v", identifier, err)
		}
		if out.Kind != OutcomeSuccess {
			t.Fatalf("%q: expected success, got %s (%v)", identifier, out.Kind, out.Err)
		}
		if out.PrincipalID != aliceID || out.GrantedScope != "master" || out.CredentialKind != CredentialPrimary {
			t.Fatalf("%q: unexpected outcome %+v", identifier, out)
		}
		if out.AuthVersion != 1 {
			t.Fatalf("%q: expected auth version 1, got %d", identifier, out.AuthVersion)
		}
	}
}

func TestAuthenticateWrongPasswordCountsOneFailure(t *testing.T) {
	te := newTestEngine(t, testConfig())
	seedAlice(t, te.records, nil)

	out, err := te.Authenticate(context.Background(), "alice@example.com", "wrong", "", testMeta)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if out.Kind != OutcomeFail || !errors.Is(out.Err, ErrAuthFail) {
		t.Fatalf("expected auth failure, got %s (%v)", out.Kind, out.Err)
	}
	if out.PrincipalID != aliceID {
		t.Fatalf("expected principal on failure, got %q", out.PrincipalID)
	}
	if got := te.principalAttempts(t, aliceID); got != 1 {
		t.Fatalf("expected principal counter 1, got %d", got)
	}
}

func TestAuthenticatePrincipalLimitIsMonotonicAndResetsOnSuccess(t *testing.T) {
	te := newTestEngine(t, testConfig())
	seedAlice(t, te.records, nil)
	ctx := context.Background()

	for i := 1; i <= 3; i++ {
		out, _ := te.Authenticate(ctx, "alice", "wrong", "", testMeta)
		if out.Kind != OutcomeFail {
			t.Fatalf("attempt %d: expected fail, got %s", i, out.Kind)
		}
		if got := te.principalAttempts(t, aliceID); got != int64(i) {
			t.Fatalf("attempt %d: expected counter %d, got %d", i, i, got)
		}
	}

	// The correct password is not even compared once the budget is spent.
	out, err := te.Authenticate(ctx, "alice", alicePassword, "", testMeta)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if out.Kind != OutcomeRateLimited || !errors.Is(out.Err, ErrRateLimited) {
		t.Fatalf("expected rate limited, got %s", out.Kind)
	}
	if out.RetryAfter <= 0 {
		t.Fatalf("expected retry-after, got %v", out.RetryAfter)
	}
	if got := te.principalAttempts(t, aliceID); got != 3 {
		t.Fatalf("denied attempts must not bump the counter, got %d", got)
	}

	te.mr.FastForward(testConfig().RateLimit.Window + time.Second)

	out, _ = te.Authenticate(ctx, "alice", alicePassword, "", testMeta)
	if out.Kind != OutcomeSuccess {
		t.Fatalf("expected success after window, got %s", out.Kind)
	}
	if got := te.principalAttempts(t, aliceID); got != 0 {
		t.Fatalf("expected counter reset on success, got %d", got)
	}
}

func TestAuthenticateSuccessResetsPrincipalCounter(t *testing.T) {
	te := newTestEngine(t, testConfig())
	seedAlice(t, te.records, nil)
	ctx := context.Background()

	_, _ = te.Authenticate(ctx, "alice", "wrong", "", testMeta)
	_, _ = te.Authenticate(ctx, "alice", "wrong", "", testMeta)
	if got := te.principalAttempts(t, aliceID); got != 2 {
		t.Fatalf("expected counter 2, got %d", got)
	}

	out, _ := te.Authenticate(ctx, "alice", alicePassword, "", testMeta)
	if out.Kind != OutcomeSuccess {
		t.Fatalf("expected success, got %s", out.Kind)
	}
	if got := te.principalAttempts(t, aliceID); got != 0 {
		t.Fatalf("expected counter reset, got %d", got)
	}
}

func TestAuthenticateIPLimitCoversUnknownAndKnownAccounts(t *testing.T) {
	cfg := testConfig()
	cfg.RateLimit.IPMaxFailures = 2
	cfg.RateLimit.PrincipalMaxFailures = 10
	te := newTestEngine(t, cfg)
	seedAlice(t, te.records, nil)
	ctx := context.Background()

	_, _ = te.Authenticate(ctx, "nobody@example.com", "x", "", testMeta)
	_, _ = te.Authenticate(ctx, "alice", "wrong", "", testMeta)

	out, _ := te.Authenticate(ctx, "alice", alicePassword, "", testMeta)
	if out.Kind != OutcomeRateLimited {
		t.Fatalf("expected IP rate limit, got %s", out.Kind)
	}

	other := testMeta
	other.IP = "203.0.113.9"
	out, _ = te.Authenticate(ctx, "alice", alicePassword, "", other)
	if out.Kind != OutcomeSuccess {
		t.Fatalf("expected success from another IP, got %s", out.Kind)
	}
}

func TestAuthenticateAllowlistedIPBypassesLimits(t *testing.T) {
	cfg := testConfig()
	cfg.RateLimit.Allowlist = []string{"192.0.2.0/24"}
	te := newTestEngine(t, cfg)
	seedAlice(t, te.records, nil)
	ctx := context.Background()

	meta := testMeta
	meta.IP = "192.0.2.10"
	for i := 0; i < 6; i++ {
		out, _ := te.Authenticate(ctx, "alice", "wrong", "", meta)
		if out.Kind != OutcomeFail {
			t.Fatalf("attempt %d: expected plain failure, got %s", i, out.Kind)
		}
	}
	if got := te.principalAttempts(t, aliceID); got != 0 {
		t.Fatalf("allowlisted failures must not count, got %d", got)
	}

	out, _ := te.Authenticate(ctx, "alice", alicePassword, "", meta)
	if out.Kind != OutcomeSuccess {
		t.Fatalf("expected success, got %s", out.Kind)
	}
}

func TestAuthenticateUnknownIdentifier(t *testing.T) {
	te := newTestEngine(t, testConfig())
	seedAlice(t, te.records, nil)
	ctx := context.Background()

	out, err := te.Authenticate(ctx, "Nobody@Example.com", "whatever", "", testMeta)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if out.Kind != OutcomeFail || !errors.Is(out.Err, ErrAuthFail) || out.PrincipalID != "" {
		t.Fatalf("expected anonymous failure, got %+v", out)
	}
	if got := te.limiter.Attempts(ctx, rate.Unknown("nobody@example.com")); got != 1 {
		t.Fatalf("expected unknown-identifier counter 1, got %d", got)
	}
	if got := te.metrics.Value(MetricAuthUnknownIdentifier); got != 1 {
		t.Fatalf("expected unknown identifier metric 1, got %d", got)
	}
}

func TestAuthenticateForwardingOnlyAddressCannotLogin(t *testing.T) {
	te := newTestEngine(t, testConfig())
	seedAlice(t, te.records, nil)
	te.records.PutAddress(store.Address{ID: "fwd", View: "sales@example.com"})

	out, _ := te.Authenticate(context.Background(), "sales@example.com", alicePassword, "", testMeta)
	if out.Kind != OutcomeFail || out.PrincipalID != "" {
		t.Fatalf("expected anonymous failure, got %+v", out)
	}
}

func TestAuthenticateWildcardAddress(t *testing.T) {
	te := newTestEngine(t, testConfig())
	seedAlice(t, te.records, nil)
	te.records.PutAddress(store.Address{ID: "wild", View: "al*@example.com", AccountID: aliceID})

	out, _ := te.Authenticate(context.Background(), "alias-box@example.com", alicePassword, "", testMeta)
	if out.Kind != OutcomeSuccess || out.PrincipalID != aliceID {
		t.Fatalf("expected wildcard login, got %+v", out)
	}

	cfg := testConfig()
	cfg.Addresses.LoginWildcards = false
	strict := newTestEngine(t, cfg)
	seedAlice(t, strict.records, nil)
	strict.records.PutAddress(store.Address{ID: "wild", View: "al*@example.com", AccountID: aliceID})

	out, _ = strict.Authenticate(context.Background(), "alias-box@example.com", alicePassword, "", testMeta)
	if out.Kind != OutcomeFail {
		t.Fatalf("expected failure with wildcards disabled, got %s", out.Kind)
	}
}

func TestAuthenticatePolicyOutcomesDoNotCount(t *testing.T) {
	cases := []struct {
		name   string
		mutate func(*store.Account)
		scope  string
		want   OutcomeKind
		err    error
	}{
		{"disabled", func(a *store.Account) { a.Disabled = true }, "", OutcomeDisabled, ErrAccountDisabled},
		{"suspended", func(a *store.Account) { a.Suspended = true }, "", OutcomeSuspended, ErrAccountSuspended},
		{"scope disabled", func(a *store.Account) { a.DisabledScopes = []string{"imap"} }, "imap", OutcomeScopeDisabled, ErrScopeDisabled},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			te := newTestEngine(t, testConfig())
			seedAlice(t, te.records, tc.mutate)

			// Even the right password is refused, and a wrong one is not charged.
			for _, secret := range []string{alicePassword, "wrong"} {
				out, err := te.Authenticate(context.Background(), "alice", secret, tc.scope, testMeta)
				if err != nil {
					t.Fatalf("unexpected error: %v", err)
				}
				if out.Kind != tc.want || !errors.Is(out.Err, tc.err) {
					t.Fatalf("expected %s, got %s (%v)", tc.want, out.Kind, out.Err)
				}
			}
			if got := te.principalAttempts(t, aliceID); got != 0 {
				t.Fatalf("expected no counted failures, got %d", got)
			}

			events := te.records.AuditEvents(aliceID)
			if len(events) == 0 || events[0].Result != tc.want.String() {
				t.Fatalf("expected %q audit row, got %+v", tc.want.String(), events)
			}
		})
	}
}

func TestAuthenticateEmptySecret(t *testing.T) {
	te := newTestEngine(t, testConfig())
	seedAlice(t, te.records, nil)

	out, err := te.Authenticate(context.Background(), "alice", "", "", testMeta)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if out.Kind != OutcomeFail || !errors.Is(out.Err, ErrInputEmpty) {
		t.Fatalf("expected input-empty failure, got %s (%v)", out.Kind, out.Err)
	}
	if got := te.principalAttempts(t, aliceID); got != 0 {
		t.Fatalf("expected no counted failure, got %d", got)
	}
}

func TestAuthenticateTemporaryPassword(t *testing.T) {
	te := newTestEngine(t, testConfig())
	now := time.Now()
	seedAlice(t, te.records, func(a *store.Account) {
		a.TempPassword = &store.TempPassword{
			Hash:       mustHash(t, "T3mp-Pass"),
			Created:    now.Add(-time.Minute),
			ValidAfter: now.Add(-time.Minute),
		}
	})
	ctx := context.Background()

	out, _ := te.Authenticate(ctx, "alice", "T3mp-Pass", "imap", testMeta)
	if out.Kind != OutcomeInvalidScope {
		t.Fatalf("temporary password must be master-only, got %s", out.Kind)
	}
	if got := te.principalAttempts(t, aliceID); got != 1 {
		t.Fatalf("scope mismatch counts as a failure, got %d", got)
	}

	out, _ = te.Authenticate(ctx, "alice", "T3mp-Pass", "", testMeta)
	if out.Kind != OutcomeSuccess || out.CredentialKind != CredentialTemporary || !out.RequiresPasswordChange {
		t.Fatalf("expected temporary login, got %+v", out)
	}

	account := te.account(t, aliceID)
	if account.TempPassword != nil {
		t.Fatal("expected temporary password to be consumed")
	}
	if account.AuthVersion != 2 {
		t.Fatalf("expected consumption to bump auth version, got %d", account.AuthVersion)
	}

	// The consumed password became the primary one and still demands a change.
	out, _ = te.Authenticate(ctx, "alice", "T3mp-Pass", "", testMeta)
	if out.Kind != OutcomeSuccess || out.CredentialKind != CredentialPrimary || !out.RequiresPasswordChange {
		t.Fatalf("expected promoted primary login, got %+v", out)
	}
	out, _ = te.Authenticate(ctx, "alice", alicePassword, "", testMeta)
	if out.Kind != OutcomeFail {
		t.Fatalf("replaced primary password must fail, got %s", out.Kind)
	}
}

func TestAuthenticateTemporaryPasswordNotYetValid(t *testing.T) {
	te := newTestEngine(t, testConfig())
	now := time.Now()
	seedAlice(t, te.records, func(a *store.Account) {
		a.TempPassword = &store.TempPassword{
			Hash:       mustHash(t, "T3mp-Pass"),
			Created:    now,
			ValidAfter: now.Add(time.Hour),
		}
	})

	out, _ := te.Authenticate(context.Background(), "alice", "T3mp-Pass", "", testMeta)
	if out.Kind != OutcomeTempPasswordNotYetValid || !errors.Is(out.Err, ErrTempPasswordNotYetValid) {
		t.Fatalf("expected not-yet-valid, got %s", out.Kind)
	}

	// The primary password still works while a temporary one is pending.
	out, _ = te.Authenticate(context.Background(), "alice", alicePassword, "", testMeta)
	if out.Kind != OutcomeSuccess || out.CredentialKind != CredentialPrimary {
		t.Fatalf("expected primary login, got %+v", out)
	}
}

func TestAuthenticateRequiresSecondFactorOnMasterOnly(t *testing.T) {
	te := newTestEngine(t, testConfig())
	seedAlice(t, te.records, func(a *store.Account) {
		a.TwoFactor = store.NewTwoFactorSet(store.TwoFactorTOTP)
	})
	ctx := context.Background()

	out, _ := te.Authenticate(ctx, "alice", alicePassword, "", testMeta)
	if out.Kind != OutcomeSuccess || !out.Requires2FA {
		t.Fatalf("expected success requiring 2FA, got %+v", out)
	}
	if len(out.TwoFactorMethods) != 1 || out.TwoFactorMethods[0] != store.TwoFactorTOTP {
		t.Fatalf("unexpected methods %v", out.TwoFactorMethods)
	}

	// Protocol logins with a 2FA account need an application password.
	out, _ = te.Authenticate(ctx, "alice", alicePassword, "imap", testMeta)
	if out.Kind != OutcomeInvalidScope {
		t.Fatalf("expected invalid scope, got %s", out.Kind)
	}
}

func TestAuthenticateUpgradesLegacyHashOnce(t *testing.T) {
	te := newTestEngine(t, testConfig())
	legacy, err := bcrypt.GenerateFromPassword([]byte(alicePassword), bcrypt.MinCost)
	if err != nil {
		t.Fatalf("bcrypt failed: %v", err)
	}
	seedAlice(t, te.records, func(a *store.Account) { a.PasswordHash = string(legacy) })
	ctx := context.Background()

	out, _ := te.Authenticate(ctx, "alice", alicePassword, "", testMeta)
	if out.Kind != OutcomeSuccess {
		t.Fatalf("expected success, got %s", out.Kind)
	}
	account := te.account(t, aliceID)
	if !strings.HasPrefix(account.PasswordHash, "$argon2id$") {
		t.Fatalf("expected argon2id hash after login, got %q", account.PasswordHash)
	}
	if account.AuthVersion != 1 {
		t.Fatalf("rehash must not change auth version, got %d", account.AuthVersion)
	}

	upgraded := account.PasswordHash
	out, _ = te.Authenticate(ctx, "alice", alicePassword, "", testMeta)
	if out.Kind != OutcomeSuccess {
		t.Fatalf("expected success with upgraded hash, got %s", out.Kind)
	}
	if got := te.account(t, aliceID).PasswordHash; got != upgraded {
		t.Fatal("expected no second rehash")
	}
	if got := te.metrics.Value(MetricPasswordRehashed); got != 1 {
		t.Fatalf("expected one rehash, got %d", got)
	}
}

type failingStore struct {
	*memstore.Store
	err error
}

func (s failingStore) FindAccountByUsernameView(context.Context, string) (store.Account, error) {
	return store.Account{}, s.err
}

func (s failingStore) FindAddress(context.Context, string) (store.Address, error) {
	return store.Address{}, s.err
}

func TestAuthenticateStoreUnavailable(t *testing.T) {
	_, rdb := newTestRedis(t)
	records := memstore.New()
	seedAlice(t, records, nil)

	engine, err := New().
		WithConfig(testConfig()).
		WithRedis(rdb).
		WithRecordStore(failingStore{Store: records, err: errors.New("connection refused")}).
		Build()
	if err != nil {
		t.Fatalf("Build failed: %v", err)
	}
	defer engine.Close()

	for _, identifier := range []string{"alice", "alice@example.com"} {
		out, err := engine.Authenticate(context.Background(), identifier, alicePassword, "", testMeta)
		if !errors.Is(err, ErrStoreUnavailable) {
			t.Fatalf("%q: expected store unavailable, got %v", identifier, err)
		}
		if out.Kind == OutcomeSuccess {
			t.Fatalf("%q: outage must never succeed", identifier)
		}
	}
	if got := engine.limiter.Attempts(context.Background(), rate.Unknown("alice")); got != 0 {
		t.Fatalf("outages must not be charged, got %d", got)
	}
	if got := engine.metrics.Value(MetricAuthStoreUnavailable); got != 2 {
		t.Fatalf("expected 2 store outages, got %d", got)
	}
}

func TestAuthenticateCanceledContext(t *testing.T) {
	te := newTestEngine(t, testConfig())
	seedAlice(t, te.records, nil)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	out, err := te.Authenticate(ctx, "alice", "wrong", "", testMeta)
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
	if out.Kind == OutcomeSuccess {
		t.Fatal("canceled attempt must not succeed")
	}
	if got := te.principalAttempts(t, aliceID); got != 0 {
		t.Fatalf("canceled attempt must not be charged, got %d", got)
	}
}

func TestAuthenticateRedisOutageFailsOpenByDefault(t *testing.T) {
	te := newTestEngine(t, testConfig())
	seedAlice(t, te.records, nil)
	te.mr.Close()

	out, err := te.Authenticate(context.Background(), "alice", alicePassword, "", testMeta)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if out.Kind != OutcomeSuccess {
		t.Fatalf("expected fail-open success, got %s", out.Kind)
	}
	if got := te.metrics.Value(MetricRateLimiterDegraded); got == 0 {
		t.Fatal("expected degraded limiter metric")
	}
}

func TestAuthenticateRedisOutageFailClosed(t *testing.T) {
	cfg := testConfig()
	cfg.RateLimit.FailClosed = true
	te := newTestEngine(t, cfg)
	seedAlice(t, te.records, nil)
	te.mr.Close()

	out, _ := te.Authenticate(context.Background(), "alice", alicePassword, "", testMeta)
	if out.Kind != OutcomeRateLimited {
		t.Fatalf("expected fail-closed rate limit, got %s", out.Kind)
	}
}

type countingSink struct {
	count atomic.Int64
}

func (s *countingSink) Emit(context.Context, AuditEvent) {
	s.count.Add(1)
}

type captureSink struct {
	events chan AuditEvent
}

func newCaptureSink(buffer int) *captureSink {
	return &captureSink{events: make(chan AuditEvent, buffer)}
}

func (s *captureSink) Emit(ctx context.Context, event AuditEvent) {
	select {
	case s.events <- event:
	case <-ctx.Done():
	}
}

func auditConfig() Config {
	cfg := testConfig()
	cfg.Audit.Enabled = true
	cfg.Audit.BufferSize = 64
	cfg.Audit.DropIfFull = false
	return cfg
}

func TestAuthenticateEmitsExactlyOneAuditEventPerCall(t *testing.T) {
	sink := &countingSink{}
	te := newTestEngine(t, auditConfig(), func(b *Builder) { b.WithAuditSink(sink) })
	seedAlice(t, te.records, func(a *store.Account) { a.DisabledScopes = []string{"pop3"} })
	ctx := context.Background()

	calls := []struct{ identifier, secret, scope string }{
		{"alice", alicePassword, ""},
		{"alice", "wrong", ""},
		{"alice", "", ""},
		{"nobody", "x", ""},
		{"alice", alicePassword, "pop3"},
		{"alice", alicePassword, "imap"},
	}
	for _, c := range calls {
		_, _ = te.Authenticate(ctx, c.identifier, c.secret, c.scope, testMeta)
	}
	te.Close()

	if got := sink.count.Load(); got != int64(len(calls)) {
		t.Fatalf("expected %d audit events, got %d", len(calls), got)
	}
}

func TestAuthenticateAuditEventsCarryNoSecrets(t *testing.T) {
	sink := newCaptureSink(8)
	te := newTestEngine(t, auditConfig(), func(b *Builder) { b.WithAuditSink(sink) })
	seedAlice(t, te.records, nil)

	const secret = "super-secret-password"
	meta := testMeta
	meta.UserAgent = "mua/1.0"
	_, _ = te.Authenticate(context.Background(), "alice@example.com", secret, "imap", meta)

	select {
	case ev := <-sink.events:
		if ev.EventType != auditEventAuthentication || ev.Result != "fail" {
			t.Fatalf("unexpected event %+v", ev)
		}
		if ev.IP != testIP || ev.Identifier != "alice@example.com" || ev.AccountID != aliceID || ev.Scope != "imap" {
			t.Fatalf("missing request fields in %+v", ev)
		}
		if ev.Error != string(auditErrAuthFail) {
			t.Fatalf("expected %q error code, got %q", auditErrAuthFail, ev.Error)
		}
		if ev.Metadata["user_agent"] != "mua/1.0" || ev.Metadata["reason"] == "" {
			t.Fatalf("expected user agent and reason metadata, got %v", ev.Metadata)
		}
		raw, err := json.Marshal(ev)
		if err != nil {
			t.Fatalf("marshal failed: %v", err)
		}
		if strings.Contains(string(raw), secret) {
			t.Fatalf("secret leaked into audit event: %s", raw)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("expected audit event to be received")
	}
}

func TestAuthenticatePersistedAuditCoalesces(t *testing.T) {
	te := newTestEngine(t, testConfig())
	seedAlice(t, te.records, nil)
	ctx := context.Background()

	_, _ = te.Authenticate(ctx, "alice", "wrong", "", testMeta)
	_, _ = te.Authenticate(ctx, "alice", "wrong-again", "", testMeta)

	events := te.records.AuditEvents(aliceID)
	if len(events) != 1 {
		t.Fatalf("expected one coalesced row, got %d", len(events))
	}
	if events[0].Events != 2 || events[0].Result != "fail" || events[0].Protocol != "imap" {
		t.Fatalf("unexpected row %+v", events[0])
	}

	_, _ = te.Authenticate(ctx, "alice", alicePassword, "", testMeta)
	if got := len(te.records.AuditEvents(aliceID)); got != 2 {
		t.Fatalf("expected a separate success row, got %d rows", got)
	}
}

func TestAuthenticateUnknownIdentifierIsNotPersisted(t *testing.T) {
	te := newTestEngine(t, testConfig())
	seedAlice(t, te.records, nil)

	_, _ = te.Authenticate(context.Background(), "nobody", "x", "", testMeta)
	if got := len(te.records.AuditEvents("")); got != 0 {
		t.Fatalf("expected no persisted rows, got %d", got)
	}
}

func TestAuthenticateOnNilEngine(t *testing.T) {
	var e *Engine
	out, err := e.Authenticate(context.Background(), "alice", "x", "", Meta{})
	if !errors.Is(err, ErrEngineNotReady) || out.Kind == OutcomeSuccess {
		t.Fatalf("expected not ready, got %v", err)
	}
}

func TestPublicErrorHidesRejectionCause(t *testing.T) {
	for _, err := range []error{ErrAccountDisabled, ErrAccountSuspended, ErrScopeDisabled, ErrInvalidScope, ErrTempPasswordNotYetValid, ErrInputEmpty} {
		if got := PublicError(err); !errors.Is(got, ErrAuthFail) {
			t.Fatalf("%v: expected ErrAuthFail, got %v", err, got)
		}
	}
	if got := PublicError(ErrRateLimited); !errors.Is(got, ErrRateLimited) {
		t.Fatalf("rate limit must pass through, got %v", got)
	}
	if PublicError(nil) != nil {
		t.Fatal("nil must stay nil")
	}
}
