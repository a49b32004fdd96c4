package mailauth

import (
	"context"
	"fmt"
	"slices"
	"strings"

	"github.com/google/uuid"

	"github.com/MrEthical07/mailauth/internal/credentials"
	"github.com/MrEthical07/mailauth/store"
)

// GenerateASP creates an application-specific password for req.AccountID and
// returns its plaintext. The plaintext is not stored and cannot be recovered.
//
// Scopes must each be a configured known scope or "*"; the master scope is
// never granted. A "*" grant absorbs every other scope.
func (e *Engine) GenerateASP(ctx context.Context, req GenerateASPRequest) (*ASPSecret, error) {
	if !e.ready() {
		return nil, ErrEngineNotReady
	}

	out, err := e.generateASP(ctx, req)
	rec := auditRecord{
		action:    auditEventASPCreated,
		accountID: req.AccountID,
		success:   err == nil,
		err:       err,
	}
	if out != nil {
		rec.target = out.ID
		rec.metadata = map[string]string{"scopes": strings.Join(out.Scopes, ",")}
		e.metricInc(MetricASPCreated)
	}
	e.recordAudit(ctx, rec)
	return out, err
}

func (e *Engine) generateASP(ctx context.Context, req GenerateASPRequest) (*ASPSecret, error) {
	if err := e.validate.Struct(req); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidRequest, err)
	}
	scopes, err := e.normalizeScopes(req.Scopes)
	if err != nil {
		return nil, err
	}

	if _, err := e.store.FindAccountByID(ctx, req.AccountID); err != nil {
		return nil, e.storeError(ctx, err)
	}

	now := e.now().UTC()
	if limit := e.config.ASP.MaxPerAccount; limit > 0 {
		existing, err := e.store.FindASPsByAccount(ctx, req.AccountID)
		if err != nil {
			return nil, e.storeError(ctx, err)
		}
		live := 0
		for _, asp := range existing {
			if !asp.Expired(now) {
				live++
			}
		}
		if live >= limit {
			return nil, fmt.Errorf("%w: application password limit reached", ErrInvalidRequest)
		}
	}

	secret, err := credentials.NewASPSecret()
	if err != nil {
		return nil, err
	}
	hash, err := e.hasher.Hash(secret)
	if err != nil {
		return nil, err
	}

	asp := store.ASP{
		ID:          uuid.NewString(),
		AccountID:   req.AccountID,
		Description: strings.TrimSpace(req.Description),
		Hash:        hash,
		Selector:    credentials.Selector(secret),
		Scopes:      scopes,
		Created:     now,
	}
	if req.TTL > 0 {
		asp.Expires = now.Add(req.TTL)
	}
	if err := e.store.CreateASP(ctx, asp); err != nil {
		return nil, e.storeError(ctx, err)
	}

	return &ASPSecret{
		ID:       asp.ID,
		Password: secret,
		Scopes:   slices.Clone(scopes),
		Created:  asp.Created,
		Expires:  asp.Expires,
	}, nil
}

// normalizeScopes lowercases, de-duplicates and checks requested grants.
func (e *Engine) normalizeScopes(requested []string) ([]string, error) {
	out := make([]string, 0, len(requested))
	for _, raw := range requested {
		s := strings.ToLower(strings.TrimSpace(raw))
		switch {
		case s == store.WildcardScope:
			return []string{store.WildcardScope}, nil
		case s == e.config.Scopes.Master:
			return nil, fmt.Errorf("%w: scope %q cannot be granted", ErrInvalidRequest, s)
		case !slices.Contains(e.config.Scopes.Known, s):
			return nil, fmt.Errorf("%w: unknown scope %q", ErrInvalidRequest, s)
		}
		if !slices.Contains(out, s) {
			out = append(out, s)
		}
	}
	slices.Sort(out)
	return out, nil
}

// DeleteASP removes one application-specific password of accountID. The
// store advances the account's AuthVersion. A missing or foreign id is
// ErrNotFound.
func (e *Engine) DeleteASP(ctx context.Context, accountID, aspID string) error {
	if !e.ready() {
		return ErrEngineNotReady
	}

	var err error
	if accountID == "" || aspID == "" {
		err = fmt.Errorf("%w: account and password id required", ErrInvalidRequest)
	} else {
		err = e.storeError(ctx, e.store.DeleteASP(ctx, accountID, aspID))
	}
	if err == nil {
		e.metricInc(MetricASPDeleted)
	}

	e.recordAudit(ctx, auditRecord{
		action:    auditEventASPDeleted,
		accountID: accountID,
		target:    aspID,
		success:   err == nil,
		err:       err,
	})
	return err
}

// ListASPs returns the application-specific passwords of accountID, oldest
// first, without their hashes.
func (e *Engine) ListASPs(ctx context.Context, accountID string) ([]ASPInfo, error) {
	if !e.ready() {
		return nil, ErrEngineNotReady
	}
	asps, err := e.store.FindASPsByAccount(ctx, accountID)
	if err != nil {
		return nil, e.storeError(ctx, err)
	}

	out := make([]ASPInfo, 0, len(asps))
	for _, asp := range asps {
		out = append(out, ASPInfo{
			ID:          asp.ID,
			Description: asp.Description,
			Scopes:      slices.Clone(asp.Scopes),
			Created:     asp.Created,
			Expires:     asp.Expires,
			LastUsed:    asp.LastUsed,
		})
	}
	return out, nil
}
