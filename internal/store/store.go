package store

import (
	"context"
	"errors"
	"time"

	"github.com/robohub/actions-oidc/internal/types"
)

// ErrNotFound indicates the requested record is absent or expired
var ErrNotFound = errors.New("record not found")

// ErrAlreadyExchanged indicates the claim's one allowed exchange has
// already been consumed
var ErrAlreadyExchanged = errors.New("claim already exchanged")

// Store is the durable storage boundary for claims, signing keys, and
// the scraping session. Implementations must make ExchangeClaim
// linearizable: under concurrent calls for the same id, exactly one
// caller receives the pending record and every other caller receives
// ErrAlreadyExchanged.
type Store interface {
	// PutClaim persists a claim. The record expires ttl from now
	// whether or not it is ever exchanged.
	PutClaim(ctx context.Context, claim types.Claim, ttl time.Duration) error

	// GetClaim returns a claim by id, or ErrNotFound
	GetClaim(ctx context.Context, id string) (*types.Claim, error)

	// ExchangeClaim atomically transitions the claim's exchanged flag
	// from false to true and returns the record as it was before the
	// transition. Returns ErrNotFound if the claim is absent or
	// expired, ErrAlreadyExchanged if the transition already happened.
	ExchangeClaim(ctx context.Context, id string) (*types.Claim, error)

	// PutKey persists a signing key with a TTL
	PutKey(ctx context.Context, key types.SigningKey, ttl time.Duration) error

	// GetKey returns a signing key by id, or ErrNotFound
	GetKey(ctx context.Context, id string) (*types.SigningKey, error)

	// ListKeys returns all unexpired signing keys
	ListKeys(ctx context.Context) ([]types.SigningKey, error)

	// SetLatestKeyID designates the key used for signing
	SetLatestKeyID(ctx context.Context, id string) error

	// GetLatestKeyID returns the designated signing key id, or ErrNotFound
	GetLatestKeyID(ctx context.Context) (string, error)

	// SetSession stores the scraping session cookie value
	SetSession(ctx context.Context, session string) error

	// GetSession returns the scraping session cookie value, or ErrNotFound
	GetSession(ctx context.Context) (string, error)
}
