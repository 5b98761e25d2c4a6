// Package identity resolves agent verification tiers and the vote weight
// each tier carries.
package identity

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	lru "github.com/hashicorp/golang-lru"

	"github.com/ssd-technologies/agora/internal/storage"
)

// Tier is an agent's identity verification level.
type Tier int

const (
	TierUnverified   Tier = 1
	TierWalletLinked Tier = 2
	TierRegistered   Tier = 3
)

// ErrInvalidTier is returned for tiers outside the known set.
var ErrInvalidTier = errors.New("invalid identity tier")

// Weight returns the vote weight carried by the tier.
func (t Tier) Weight() int {
	switch t {
	case TierWalletLinked:
		return 2
	case TierRegistered:
		return 3
	default:
		return 1
	}
}

func (t Tier) String() string {
	switch t {
	case TierUnverified:
		return "unverified"
	case TierWalletLinked:
		return "wallet-linked"
	case TierRegistered:
		return "registered"
	default:
		return fmt.Sprintf("tier(%d)", int(t))
	}
}

// Valid reports whether t is one of the known tiers.
func (t Tier) Valid() bool {
	return t >= TierUnverified && t <= TierRegistered
}

// ParseTier accepts a tier name ("wallet-linked") or number ("2").
func ParseTier(s string) (Tier, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "unverified", "1":
		return TierUnverified, nil
	case "wallet-linked", "wallet", "2":
		return TierWalletLinked, nil
	case "registered", "registered-identity", "3":
		return TierRegistered, nil
	}
	return 0, fmt.Errorf("%w: %q", ErrInvalidTier, s)
}

// Provider resolves an agent's current tier.
type Provider interface {
	Tier(ctx context.Context, agent string) (Tier, error)
}

// Static is a fixed Provider; agents not listed are unverified.
type Static map[string]Tier

// Tier implements Provider.
func (s Static) Tier(_ context.Context, agent string) (Tier, error) {
	if t, ok := s[agent]; ok {
		return t, nil
	}
	return TierUnverified, nil
}

// Store is the persistence the Registry needs.
type Store interface {
	GetIdentity(ctx context.Context, name string) (*storage.Identity, error)
	UpsertIdentity(ctx context.Context, id *storage.Identity) error
	ListIdentities(ctx context.Context) ([]storage.Identity, error)
}

// Registry is a store-backed Provider with an LRU cache of resolved tiers.
type Registry struct {
	store Store
	cache *lru.Cache
}

// NewRegistry creates a Registry caching up to cacheSize tiers.
func NewRegistry(store Store, cacheSize int) (*Registry, error) {
	if cacheSize <= 0 {
		cacheSize = 1024
	}
	cache, err := lru.New(cacheSize)
	if err != nil {
		return nil, fmt.Errorf("identity cache: %w", err)
	}
	return &Registry{store: store, cache: cache}, nil
}

// Tier implements Provider. Agents without a record are unverified.
func (r *Registry) Tier(ctx context.Context, agent string) (Tier, error) {
	if v, ok := r.cache.Get(agent); ok {
		return v.(Tier), nil
	}
	id, err := r.store.GetIdentity(ctx, agent)
	if errors.Is(err, sql.ErrNoRows) {
		r.cache.Add(agent, TierUnverified)
		return TierUnverified, nil
	}
	if err != nil {
		return TierUnverified, err
	}
	t := Tier(id.Tier)
	if !t.Valid() {
		t = TierUnverified
	}
	r.cache.Add(agent, t)
	return t, nil
}

// Register creates or updates an agent's identity. Linking a wallet lifts an
// unverified agent to wallet-linked.
func (r *Registry) Register(ctx context.Context, name string, tier Tier, wallet string) (*storage.Identity, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return nil, fmt.Errorf("register identity: name required")
	}
	if !tier.Valid() {
		return nil, fmt.Errorf("register identity: %w", ErrInvalidTier)
	}
	if wallet != "" && tier < TierWalletLinked {
		tier = TierWalletLinked
	}
	id := &storage.Identity{
		Name:         name,
		Tier:         int(tier),
		Wallet:       wallet,
		RegisteredAt: time.Now().UnixMilli(),
	}
	if err := r.store.UpsertIdentity(ctx, id); err != nil {
		return nil, err
	}
	r.cache.Remove(name)
	return id, nil
}

// List returns every registered identity.
func (r *Registry) List(ctx context.Context) ([]storage.Identity, error) {
	return r.store.ListIdentities(ctx)
}
