package credentials

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"

	"github.com/MrEthical07/mailauth/password"
	"github.com/MrEthical07/mailauth/store"
	"github.com/MrEthical07/mailauth/store/memstore"
)

const accountID = "0b8f5a52-1f0e-4d8e-9d4c-3d7f2c1e6a90"

var testNow = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

type countingHasher struct {
	*password.Hasher
	verifies atomic.Int64
}

func (h *countingHasher) Verify(pw, encoded string) (bool, error) {
	h.verifies.Add(1)
	return h.Hasher.Verify(pw, encoded)
}

func newHasher(t *testing.T) *countingHasher {
	t.Helper()
	h, err := password.New(password.Config{
		Memory:      8192,
		Time:        1,
		Parallelism: 1,
		SaltLength:  16,
		KeyLength:   32,
	})
	require.NoError(t, err)
	return &countingHasher{Hasher: h}
}

type fixture struct {
	store    *memstore.Store
	hasher   *countingHasher
	verifier *Verifier
}

func newFixture(t *testing.T, account store.Account) *fixture {
	t.Helper()
	s := memstore.New()
	h := newHasher(t)
	account.ID = accountID
	s.PutAccount(account)

	v := NewVerifier(s, h, Config{MasterScope: "master", TempPasswordTTL: 24 * time.Hour}, nil)
	v.SetClock(func() time.Time { return testNow })
	return &fixture{store: s, hasher: h, verifier: v}
}

func (f *fixture) account(t *testing.T) store.Account {
	t.Helper()
	a, err := f.store.FindAccountByID(context.Background(), accountID)
	require.NoError(t, err)
	return a
}

func (f *fixture) hash(t *testing.T, pw string) string {
	t.Helper()
	h, err := f.hasher.Hash(pw)
	require.NoError(t, err)
	return h
}

func (f *fixture) addASP(t *testing.T, id, secret string, scopes []string, expires time.Time) {
	t.Helper()
	normalized := NormalizeASP(secret)
	require.NoError(t, f.store.CreateASP(context.Background(), store.ASP{
		ID:        id,
		AccountID: accountID,
		Hash:      f.hash(t, normalized),
		Selector:  Selector(normalized),
		Scopes:    scopes,
		Created:   testNow.Add(-time.Hour),
		Expires:   expires,
	}))
}

func TestPrimaryPassword(t *testing.T) {
	f := newFixture(t, store.Account{})
	require.NoError(t, f.store.UpdateAccountPassword(context.Background(), accountID, "", f.hash(t, "P@ss1")))
	acct := f.account(t)

	res, err := f.verifier.Verify(context.Background(), acct, "P@ss1", "master")
	require.NoError(t, err)
	assert.Equal(t, KindPrimary, res.Kind)
	assert.False(t, res.RequiresPasswordChange)
	assert.False(t, res.Rehashed)

	_, err = f.verifier.Verify(context.Background(), acct, "wrong", "master")
	require.ErrorIs(t, err, ErrAuthFail)
	assert.Equal(t, ReasonNoMatch, ReasonOf(err))
}

func TestEmptyPrimaryHashDisablesPasswordLogin(t *testing.T) {
	f := newFixture(t, store.Account{})

	_, err := f.verifier.Verify(context.Background(), f.account(t), "anything", "master")
	require.ErrorIs(t, err, ErrAuthFail)
	assert.Zero(t, f.hasher.verifies.Load())
}

func TestTwoFactorRestrictsPrimaryToMaster(t *testing.T) {
	f := newFixture(t, store.Account{TwoFactor: store.NewTwoFactorSet("totp")})
	require.NoError(t, f.store.UpdateAccountPassword(context.Background(), accountID, "", f.hash(t, "P@ss1")))
	acct := f.account(t)

	_, err := f.verifier.Verify(context.Background(), acct, "P@ss1", "imap")
	require.ErrorIs(t, err, ErrInvalidScope)
	assert.Equal(t, ReasonTwoFactorScope, ReasonOf(err))

	res, err := f.verifier.Verify(context.Background(), acct, "P@ss1", "master")
	require.NoError(t, err)
	assert.Equal(t, KindPrimary, res.Kind)
}

func TestPrimaryWithoutTwoFactorWorksForOtherScopes(t *testing.T) {
	f := newFixture(t, store.Account{})
	require.NoError(t, f.store.UpdateAccountPassword(context.Background(), accountID, "", f.hash(t, "P@ss1")))

	res, err := f.verifier.Verify(context.Background(), f.account(t), "P@ss1", "imap")
	require.NoError(t, err)
	assert.Equal(t, []string{"imap"}, res.GrantedScopes)
}

func TestTempPasswordConsumedOnMaster(t *testing.T) {
	f := newFixture(t, store.Account{})
	tempHash := f.hash(t, "temp-secret")
	f.store.PutAccount(store.Account{
		ID:           accountID,
		PasswordHash: f.hash(t, "old-secret"),
		TempPassword: &store.TempPassword{Hash: tempHash, Created: testNow.Add(-time.Hour), ValidAfter: testNow.Add(-time.Minute)},
		AuthVersion:  3,
	})

	res, err := f.verifier.Verify(context.Background(), f.account(t), "temp-secret", "master")
	require.NoError(t, err)
	assert.Equal(t, KindTemporary, res.Kind)
	assert.True(t, res.RequiresPasswordChange)
	assert.Equal(t, []string{"master"}, res.GrantedScopes)

	after := f.account(t)
	assert.Nil(t, after.TempPassword)
	assert.Equal(t, tempHash, after.PasswordHash)
	assert.True(t, after.RequirePasswordChange)
	assert.Equal(t, int64(4), after.AuthVersion)
}

func TestTempPasswordRejectedForOtherScope(t *testing.T) {
	f := newFixture(t, store.Account{})
	f.store.PutAccount(store.Account{
		ID:           accountID,
		TempPassword: &store.TempPassword{Hash: f.hash(t, "temp-secret"), Created: testNow.Add(-time.Hour)},
	})

	_, err := f.verifier.Verify(context.Background(), f.account(t), "temp-secret", "imap")
	require.ErrorIs(t, err, ErrInvalidScope)
	assert.Equal(t, ReasonTempScope, ReasonOf(err))
	assert.NotNil(t, f.account(t).TempPassword, "rejected temp password must not be consumed")
}

func TestTempPasswordNotYetValid(t *testing.T) {
	f := newFixture(t, store.Account{})
	f.store.PutAccount(store.Account{
		ID:           accountID,
		TempPassword: &store.TempPassword{Hash: f.hash(t, "temp-secret"), Created: testNow.Add(-time.Minute), ValidAfter: testNow.Add(time.Hour)},
	})

	_, err := f.verifier.Verify(context.Background(), f.account(t), "temp-secret", "master")
	require.ErrorIs(t, err, ErrTempPasswordNotYetValid)
	assert.NotErrorIs(t, err, ErrAuthFail)
}

func TestExpiredTempPasswordIsIgnored(t *testing.T) {
	f := newFixture(t, store.Account{})
	f.store.PutAccount(store.Account{
		ID:           accountID,
		PasswordHash: f.hash(t, "primary-secret"),
		TempPassword: &store.TempPassword{Hash: f.hash(t, "temp-secret"), Created: testNow.Add(-25 * time.Hour)},
	})
	acct := f.account(t)

	_, err := f.verifier.Verify(context.Background(), acct, "temp-secret", "master")
	require.ErrorIs(t, err, ErrAuthFail)

	res, err := f.verifier.Verify(context.Background(), acct, "primary-secret", "master")
	require.NoError(t, err)
	assert.Equal(t, KindPrimary, res.Kind)
}

func TestLegacyHashUpgradedOnce(t *testing.T) {
	legacy, err := bcrypt.GenerateFromPassword([]byte("P@ss1"), bcrypt.MinCost)
	require.NoError(t, err)
	f := newFixture(t, store.Account{PasswordHash: string(legacy)})

	res, err := f.verifier.Verify(context.Background(), f.account(t), "P@ss1", "master")
	require.NoError(t, err)
	assert.True(t, res.Rehashed)

	upgraded := f.account(t).PasswordHash
	assert.Equal(t, password.AlgorithmArgon2id, password.Identify(upgraded))

	res, err = f.verifier.Verify(context.Background(), f.account(t), "P@ss1", "master")
	require.NoError(t, err)
	assert.False(t, res.Rehashed)
	assert.Equal(t, upgraded, f.account(t).PasswordHash)
}

func TestRehashConflictDoesNotFailLogin(t *testing.T) {
	legacy, err := bcrypt.GenerateFromPassword([]byte("P@ss1"), bcrypt.MinCost)
	require.NoError(t, err)
	f := newFixture(t, store.Account{PasswordHash: string(legacy)})
	stale := f.account(t)

	require.NoError(t, f.store.UpdateAccountPassword(context.Background(), accountID, string(legacy), string(legacy)+"x"))

	res, err := f.verifier.Verify(context.Background(), stale, "P@ss1", "master")
	require.NoError(t, err)
	assert.False(t, res.Rehashed)
	assert.True(t, res.RehashFailed)
}

func TestMasterScopeNeverUsesASP(t *testing.T) {
	f := newFixture(t, store.Account{})
	f.addASP(t, "asp-1", "abcdefghijklmnop", []string{store.WildcardScope}, time.Time{})

	_, err := f.verifier.Verify(context.Background(), f.account(t), "abcdefghijklmnop", "master")
	require.ErrorIs(t, err, ErrAuthFail)
	assert.Zero(t, f.hasher.verifies.Load())
}

func TestASPScopeEnforcement(t *testing.T) {
	f := newFixture(t, store.Account{TwoFactor: store.NewTwoFactorSet("totp")})
	f.addASP(t, "asp-imap", "imapimapimapimap", []string{"imap"}, time.Time{})
	f.addASP(t, "asp-all", "allallallallallz", []string{store.WildcardScope}, time.Time{})
	acct := f.account(t)

	res, err := f.verifier.Verify(context.Background(), acct, "imap imap IMAP imap", "imap")
	require.NoError(t, err)
	assert.Equal(t, KindASP, res.Kind)
	assert.Equal(t, "asp-imap", res.ASPID)
	assert.False(t, res.RequiresPasswordChange)

	_, err = f.verifier.Verify(context.Background(), acct, "imapimapimapimap", "smtp")
	require.ErrorIs(t, err, ErrInvalidScope)
	assert.Equal(t, ReasonASPScope, ReasonOf(err))

	for _, scope := range []string{"imap", "smtp", "pop3"} {
		res, err := f.verifier.Verify(context.Background(), acct, "allallallallallz", scope)
		require.NoError(t, err, scope)
		assert.Equal(t, "asp-all", res.ASPID)
	}

	asps, err := f.store.FindASPsByAccount(context.Background(), accountID)
	require.NoError(t, err)
	for _, a := range asps {
		assert.Equal(t, testNow, a.LastUsed, a.ID)
	}
}

func TestASPShapeRejectedWithoutHashing(t *testing.T) {
	f := newFixture(t, store.Account{})
	f.addASP(t, "asp-1", "abcdefghijklmnop", []string{"imap"}, time.Time{})

	for _, secret := range []string{"short", "abcdefghijklmno1", "abcdefghijklmnopq"} {
		_, err := f.verifier.Verify(context.Background(), f.account(t), secret, "imap")
		require.ErrorIs(t, err, ErrAuthFail)
		assert.Equal(t, ReasonASPShape, ReasonOf(err))
	}
	assert.Zero(t, f.hasher.verifies.Load())
}

func TestASPExpiredOrMismatchedSelectorSkipped(t *testing.T) {
	f := newFixture(t, store.Account{})
	f.addASP(t, "asp-old", "abcdefghijklmnop", []string{"imap"}, testNow.Add(-time.Second))
	f.addASP(t, "asp-other", "zyxwvutsrqponmlk", []string{"imap"}, time.Time{})

	_, err := f.verifier.Verify(context.Background(), f.account(t), "abcdefghijklmnop", "imap")
	require.ErrorIs(t, err, ErrAuthFail)
	assert.Zero(t, f.hasher.verifies.Load())
}

func TestASPWithoutSelectorIsTried(t *testing.T) {
	f := newFixture(t, store.Account{})
	require.NoError(t, f.store.CreateASP(context.Background(), store.ASP{
		ID:        "legacy",
		AccountID: accountID,
		Hash:      f.hash(t, "abcdefghijklmnop"),
		Scopes:    []string{"imap"},
	}))

	res, err := f.verifier.Verify(context.Background(), f.account(t), "abcdefghijklmnop", "imap")
	require.NoError(t, err)
	assert.Equal(t, "legacy", res.ASPID)
}

type failingASPStore struct {
	*memstore.Store
}

func (failingASPStore) FindASPsByAccount(context.Context, string) ([]store.ASP, error) {
	return nil, errors.New("dial tcp: connection refused")
}

func TestASPStoreFailure(t *testing.T) {
	s := memstore.New()
	v := NewVerifier(failingASPStore{s}, newHasher(t), Config{MasterScope: "master", TempPasswordTTL: time.Hour}, nil)

	_, err := v.Verify(context.Background(), store.Account{ID: accountID}, "abcdefghijklmnop", "imap")
	require.ErrorIs(t, err, ErrStore)
	assert.NotErrorIs(t, err, ErrAuthFail)
}

func TestCanceledContextStopsBeforeHashing(t *testing.T) {
	f := newFixture(t, store.Account{})
	require.NoError(t, f.store.UpdateAccountPassword(context.Background(), accountID, "", f.hash(t, "P@ss1")))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := f.verifier.Verify(ctx, f.account(t), "P@ss1", "master")
	require.ErrorIs(t, err, context.Canceled)
	assert.Zero(t, f.hasher.verifies.Load())
}

func TestNewASPSecret(t *testing.T) {
	seen := map[string]bool{}
	for i := 0; i < 20; i++ {
		s, err := NewASPSecret()
		require.NoError(t, err)
		assert.True(t, ValidASPShape(s), s)
		assert.Len(t, Selector(s), 4)
		seen[s] = true
	}
	assert.Len(t, seen, 20)
	assert.Equal(t, "abcdefghijklmnop", NormalizeASP(" ABCD efgh\tijkl\nmnop "))
}
