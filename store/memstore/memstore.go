// Package memstore is an in-process [store.RecordStore] used by tests, the
// load-test command, and single-node embeddings that keep records in memory.
package memstore

import (
	"context"
	"slices"
	"sort"
	"sync"
	"time"

	"github.com/MrEthical07/mailauth/store"
)

// Store keeps every record in maps guarded by one RWMutex. Returned records
// are copies; callers cannot mutate stored state through them.
type Store struct {
	mu         sync.RWMutex
	accounts   map[string]store.Account
	byUsername map[string]string
	addresses  map[string]store.Address
	aliases    map[string]store.DomainAlias
	asps       map[string]store.ASP
	events     map[string]store.AuthEvent
}

var _ store.RecordStore = (*Store)(nil)

// New returns an empty store.
func New() *Store {
	return &Store{
		accounts:   make(map[string]store.Account),
		byUsername: make(map[string]string),
		addresses:  make(map[string]store.Address),
		aliases:    make(map[string]store.DomainAlias),
		asps:       make(map[string]store.ASP),
		events:     make(map[string]store.AuthEvent),
	}
}

// PutAccount inserts or replaces an account. UsernameView must already be
// normalized by the caller.
func (s *Store) PutAccount(a store.Account) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if prev, ok := s.accounts[a.ID]; ok {
		delete(s.byUsername, prev.UsernameView)
	}
	s.accounts[a.ID] = cloneAccount(a)
	s.byUsername[a.UsernameView] = a.ID
}

// PutAddress inserts or replaces an address keyed by its view.
func (s *Store) PutAddress(a store.Address) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.addresses[a.View] = a
}

// PutDomainAlias maps alias to domain.
func (s *Store) PutDomainAlias(alias, domain string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.aliases[alias] = store.DomainAlias{Alias: alias, Domain: domain}
}

// AuditEvents returns the stored events for accountID ordered by creation.
func (s *Store) AuditEvents(accountID string) []store.AuthEvent {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []store.AuthEvent
	for _, ev := range s.events {
		if ev.AccountID == accountID {
			out = append(out, ev)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Created.Before(out[j].Created) })
	return out
}

func (s *Store) FindAddress(_ context.Context, view string) (store.Address, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	a, ok := s.addresses[view]
	if !ok {
		return store.Address{}, store.ErrNotFound
	}
	return a, nil
}

func (s *Store) FindAddressesByViews(_ context.Context, views []string) ([]store.Address, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]store.Address, 0, len(views))
	for _, v := range views {
		if a, ok := s.addresses[v]; ok {
			out = append(out, a)
		}
	}
	return out, nil
}

func (s *Store) FindDomainAlias(_ context.Context, domain string) (store.DomainAlias, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	a, ok := s.aliases[domain]
	if !ok {
		return store.DomainAlias{}, store.ErrNotFound
	}
	return a, nil
}

func (s *Store) FindAccountByID(_ context.Context, id string) (store.Account, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	a, ok := s.accounts[id]
	if !ok {
		return store.Account{}, store.ErrNotFound
	}
	return cloneAccount(a), nil
}

func (s *Store) FindAccountByUsernameView(_ context.Context, view string) (store.Account, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	id, ok := s.byUsername[view]
	if !ok {
		return store.Account{}, store.ErrNotFound
	}
	return cloneAccount(s.accounts[id]), nil
}

func (s *Store) UpdateAccountPassword(_ context.Context, id, priorHash, newHash string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	a, ok := s.accounts[id]
	if !ok {
		return store.ErrNotFound
	}
	if a.PasswordHash != priorHash {
		return store.ErrConflict
	}
	a.PasswordHash = newHash
	s.accounts[id] = a
	return nil
}

func (s *Store) ConsumeTempPassword(_ context.Context, id, priorTempHash string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	a, ok := s.accounts[id]
	if !ok {
		return store.ErrNotFound
	}
	if a.TempPassword == nil || a.TempPassword.Hash != priorTempHash {
		return store.ErrConflict
	}
	a.PasswordHash = a.TempPassword.Hash
	a.TempPassword = nil
	a.RequirePasswordChange = true
	a.AuthVersion++
	s.accounts[id] = a
	return nil
}

func (s *Store) SetTOTPSecret(_ context.Context, id string, secret []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	a, ok := s.accounts[id]
	if !ok {
		return store.ErrNotFound
	}
	a.TOTPSecret = slices.Clone(secret)
	s.accounts[id] = a
	return nil
}

func (s *Store) SetTwoFactor(_ context.Context, id string, methods store.TwoFactorSet) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	a, ok := s.accounts[id]
	if !ok {
		return store.ErrNotFound
	}
	a.TwoFactor = store.NewTwoFactorSet(methods...)
	a.AuthVersion++
	s.accounts[id] = a
	return nil
}

func (s *Store) FindASPsByAccount(_ context.Context, accountID string) ([]store.ASP, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []store.ASP
	for _, asp := range s.asps {
		if asp.AccountID == accountID {
			asp.Scopes = slices.Clone(asp.Scopes)
			out = append(out, asp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Created.Before(out[j].Created) })
	return out, nil
}

func (s *Store) CreateASP(_ context.Context, asp store.ASP) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.accounts[asp.AccountID]; !ok {
		return store.ErrNotFound
	}
	if _, ok := s.asps[asp.ID]; ok {
		return store.ErrConflict
	}
	asp.Scopes = slices.Clone(asp.Scopes)
	s.asps[asp.ID] = asp
	return nil
}

func (s *Store) DeleteASP(_ context.Context, accountID, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	asp, ok := s.asps[id]
	if !ok || asp.AccountID != accountID {
		return store.ErrNotFound
	}
	delete(s.asps, id)
	if a, ok := s.accounts[accountID]; ok {
		a.AuthVersion++
		s.accounts[accountID] = a
	}
	return nil
}

func (s *Store) TouchASP(_ context.Context, id string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	asp, ok := s.asps[id]
	if !ok {
		return store.ErrNotFound
	}
	asp.LastUsed = at
	s.asps[id] = asp
	return nil
}

func (s *Store) UpsertAuditEvent(_ context.Context, upsert store.AuditUpsert) (string, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	ev := upsert.Event
	var (
		match store.AuthEvent
		found bool
	)
	for _, cur := range s.events {
		if cur.AccountID != ev.AccountID || cur.Key != ev.Key || cur.Created.Before(upsert.Since) {
			continue
		}
		if !found || cur.Created.After(match.Created) {
			match = cur
			found = true
		}
	}

	if found {
		match.Events++
		match.Last = ev.Last
		s.events[match.ID] = match
		return match.ID, false, nil
	}

	if ev.Events <= 0 {
		ev.Events = 1
	}
	s.events[ev.ID] = ev
	return ev.ID, true, nil
}

func cloneAccount(a store.Account) store.Account {
	out := a
	if a.TempPassword != nil {
		tp := *a.TempPassword
		out.TempPassword = &tp
	}
	out.TwoFactor = slices.Clone(a.TwoFactor)
	out.TOTPSecret = slices.Clone(a.TOTPSecret)
	out.DisabledScopes = slices.Clone(a.DisabledScopes)
	return out
}
