package store

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/patrickmn/go-cache"
	"github.com/robohub/actions-oidc/internal/types"
)

// Record key layout, mirroring the single-table design:
// claims under "claim#<id>", keys under "key#<id>", singletons under
// their own names.
const (
	claimPrefix  = "claim#"
	keyPrefix    = "key#"
	latestKeyKey = "latest-key"
	sessionKey   = "github-session"
)

// Memory is an in-process Store for single-node deployments and tests.
// TTL expiry is handled by the underlying cache's sweep.
type Memory struct {
	mu    sync.Mutex
	cache *cache.Cache
}

// NewMemory creates an in-memory store sweeping expired records every
// minute
func NewMemory() *Memory {
	return &Memory{
		cache: cache.New(cache.NoExpiration, time.Minute),
	}
}

// PutClaim persists a claim with a TTL
func (m *Memory) PutClaim(_ context.Context, claim types.Claim, ttl time.Duration) error {
	m.cache.Set(claimPrefix+claim.ID, claim, ttl)
	return nil
}

// GetClaim returns a claim by id
func (m *Memory) GetClaim(_ context.Context, id string) (*types.Claim, error) {
	value, found := m.cache.Get(claimPrefix + id)
	if !found {
		return nil, ErrNotFound
	}
	claim := value.(types.Claim)
	return &claim, nil
}

// ExchangeClaim atomically consumes a claim's single allowed exchange.
// The mutex makes the read-check-write a single step relative to other
// ExchangeClaim callers.
func (m *Memory) ExchangeClaim(_ context.Context, id string) (*types.Claim, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	value, expiresAt, found := m.cache.GetWithExpiration(claimPrefix + id)
	if !found {
		return nil, ErrNotFound
	}
	claim := value.(types.Claim)
	if claim.Exchanged {
		return nil, ErrAlreadyExchanged
	}

	updated := claim
	updated.Exchanged = true
	m.cache.Set(claimPrefix+id, updated, time.Until(expiresAt))

	return &claim, nil
}

// PutKey persists a signing key with a TTL
func (m *Memory) PutKey(_ context.Context, key types.SigningKey, ttl time.Duration) error {
	m.cache.Set(keyPrefix+key.ID, key, ttl)
	return nil
}

// GetKey returns a signing key by id
func (m *Memory) GetKey(_ context.Context, id string) (*types.SigningKey, error) {
	value, found := m.cache.Get(keyPrefix + id)
	if !found {
		return nil, ErrNotFound
	}
	key := value.(types.SigningKey)
	return &key, nil
}

// ListKeys returns all unexpired signing keys
func (m *Memory) ListKeys(_ context.Context) ([]types.SigningKey, error) {
	keys := []types.SigningKey{}
	for name, item := range m.cache.Items() {
		if !strings.HasPrefix(name, keyPrefix) {
			continue
		}
		keys = append(keys, item.Object.(types.SigningKey))
	}
	return keys, nil
}

// SetLatestKeyID designates the signing key
func (m *Memory) SetLatestKeyID(_ context.Context, id string) error {
	m.cache.Set(latestKeyKey, id, cache.NoExpiration)
	return nil
}

// GetLatestKeyID returns the designated signing key id
func (m *Memory) GetLatestKeyID(_ context.Context) (string, error) {
	value, found := m.cache.Get(latestKeyKey)
	if !found {
		return "", ErrNotFound
	}
	return value.(string), nil
}

// SetSession stores the scraping session cookie value
func (m *Memory) SetSession(_ context.Context, session string) error {
	m.cache.Set(sessionKey, session, cache.NoExpiration)
	return nil
}

// GetSession returns the scraping session cookie value
func (m *Memory) GetSession(_ context.Context) (string, error) {
	value, found := m.cache.Get(sessionKey)
	if !found {
		return "", ErrNotFound
	}
	return value.(string), nil
}
