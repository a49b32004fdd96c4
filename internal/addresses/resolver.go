package addresses

import (
	"context"
	"errors"
	"fmt"

	"github.com/MrEthical07/mailauth/store"
)

// DefaultMaxWildcardLen bounds the prefix and suffix length of generated
// wildcard candidates.
const DefaultMaxWildcardLen = 20

// Options controls a single resolution.
type Options struct {
	AllowWildcard bool
}

// Resolver maps identifiers to address records.
type Resolver struct {
	store          store.AddressStore
	maxWildcardLen int
}

// NewResolver returns a Resolver reading from s.
func NewResolver(s store.AddressStore, maxWildcardLen int) *Resolver {
	if maxWildcardLen <= 0 {
		maxWildcardLen = DefaultMaxWildcardLen
	}
	return &Resolver{store: s, maxWildcardLen: maxWildcardLen}
}

// Resolve returns the address record for identifier. A miss, including an
// identifier that is not an address, is [store.ErrNotFound]; any other error
// is a store failure.
func (r *Resolver) Resolve(ctx context.Context, identifier string, opts Options) (store.Address, error) {
	local, domain, err := Normalize(identifier)
	if err != nil {
		return store.Address{}, err
	}
	local = LocalView(local)

	addr, err := r.exact(ctx, local+"@"+domain)
	if !errors.Is(err, store.ErrNotFound) {
		return addr, err
	}

	canonical, err := r.canonicalDomain(ctx, domain)
	if err != nil {
		return store.Address{}, err
	}
	if canonical != "" {
		addr, err = r.exact(ctx, local+"@"+canonical)
		if !errors.Is(err, store.ErrNotFound) {
			return addr, err
		}
	}

	if !opts.AllowWildcard {
		return store.Address{}, store.ErrNotFound
	}

	candidates := Candidates(local, domain, r.maxWildcardLen)
	if canonical != "" {
		candidates = append(candidates, Candidates(local, canonical, r.maxWildcardLen)...)
	}
	addr, err = r.bestWildcard(ctx, candidates)
	if !errors.Is(err, store.ErrNotFound) {
		return addr, err
	}

	return r.exact(ctx, local+"@*")
}

func (r *Resolver) exact(ctx context.Context, view string) (store.Address, error) {
	addr, err := r.store.FindAddress(ctx, view)
	if err != nil && !errors.Is(err, store.ErrNotFound) {
		return store.Address{}, fmt.Errorf("addresses: find address: %w", err)
	}
	return addr, err
}

func (r *Resolver) canonicalDomain(ctx context.Context, domain string) (string, error) {
	alias, err := r.store.FindDomainAlias(ctx, domain)
	switch {
	case errors.Is(err, store.ErrNotFound):
		return "", nil
	case err != nil:
		return "", fmt.Errorf("addresses: find domain alias: %w", err)
	case alias.Domain == "" || alias.Domain == domain:
		return "", nil
	}
	return alias.Domain, nil
}

// bestWildcard fetches every record whose view is a candidate and returns the
// one whose view ranks earliest.
func (r *Resolver) bestWildcard(ctx context.Context, candidates []string) (store.Address, error) {
	rank := make(map[string]int, len(candidates))
	views := make([]string, 0, len(candidates))
	for _, c := range candidates {
		if _, dup := rank[c]; dup {
			continue
		}
		rank[c] = len(views)
		views = append(views, c)
	}

	found, err := r.store.FindAddressesByViews(ctx, views)
	if err != nil {
		return store.Address{}, fmt.Errorf("addresses: find wildcard addresses: %w", err)
	}

	best, bestRank := store.Address{}, len(views)
	for _, a := range found {
		if i, ok := rank[a.View]; ok && i < bestRank {
			best, bestRank = a, i
		}
	}
	if bestRank == len(views) {
		return store.Address{}, store.ErrNotFound
	}
	return best, nil
}
