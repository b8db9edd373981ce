package keys

import (
	"crypto/rand"
	"crypto/rsa"
	"fmt"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"github.com/robohub/actions-oidc/internal/types"
)

// Generate creates a fresh RSA-2048 signing key pair with a new key id
// and exports both halves as JWK
func Generate() (types.SigningKey, error) {
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		return types.SigningKey{}, fmt.Errorf("failed to generate key: %w", err)
	}

	kid := uuid.New().String()
	public, private := encodeJWKPair(key, kid)

	return types.SigningKey{
		ID:         kid,
		PublicKey:  public,
		PrivateKey: private,
		CreatedAt:  time.Now(),
	}, nil
}

// PublicJWKS assembles the published key set from the public halves of
// all unexpired signing keys
func PublicJWKS(signingKeys []types.SigningKey) types.JWKS {
	jwks := types.JWKS{Keys: []types.JWK{}}
	for _, key := range signingKeys {
		jwks.Keys = append(jwks.Keys, types.JWK{
			Kid: key.ID,
			Kty: key.PublicKey.Kty,
			Alg: key.PublicKey.Alg,
			Use: "sig",
			N:   key.PublicKey.N,
			E:   key.PublicKey.E,
		})
	}
	return jwks
}

// Signer issues RS256 tokens, caching imported private keys by key id
type Signer struct {
	tokenTTL time.Duration
	mu       sync.RWMutex
	imported map[string]*rsa.PrivateKey
}

// NewSigner creates a token signer issuing tokens with the given lifetime
func NewSigner(tokenTTL time.Duration) *Signer {
	return &Signer{
		tokenTTL: tokenTTL,
		imported: make(map[string]*rsa.PrivateKey),
	}
}

// Sign issues a token for the validated claims, signed with the given
// key. The token carries a fresh jti and a fixed lifetime.
func (s *Signer) Sign(issuer, audience string, key types.SigningKey, claims types.TokenClaims) (string, error) {
	privateKey, err := s.importKey(key)
	if err != nil {
		return "", err
	}

	now := time.Now()
	tokenClaims := jwt.MapClaims{
		"iss": issuer,
		"aud": audience,
		"jti": uuid.New().String(),
		"iat": now.Unix(),
		"nbf": now.Unix(),
		"exp": now.Add(s.tokenTTL).Unix(),

		"sub":                      claims.Subject,
		"actor_id":                 claims.ActorID,
		"actor":                    claims.Actor,
		"event_name":               claims.EventName,
		"head_ref":                 claims.HeadRef,
		"head_repository_id":       claims.HeadRepositoryID,
		"head_repository_owner_id": claims.HeadRepositoryOwnerID,
		"head_repository_owner":    claims.HeadRepositoryOwner,
		"head_repository":          claims.HeadRepository,
		"head_sha":                 claims.HeadSHA,
		"job_id":                   claims.JobID,
		"repository_id":            claims.RepositoryID,
		"repository_owner_id":      claims.RepositoryOwnerID,
		"repository_owner":         claims.RepositoryOwner,
		"repository_visibility":    claims.RepositoryVisibility,
		"repository":               claims.Repository,
		"run_attempt":              claims.RunAttempt,
		"run_id":                   claims.RunID,
		"run_number":               claims.RunNumber,
		"workflow":                 claims.Workflow,
	}

	token := jwt.NewWithClaims(jwt.SigningMethodRS256, tokenClaims)
	token.Header["kid"] = key.ID

	signed, err := token.SignedString(privateKey)
	if err != nil {
		return "", fmt.Errorf("failed to sign token: %w", err)
	}

	return signed, nil
}

func (s *Signer) importKey(key types.SigningKey) (*rsa.PrivateKey, error) {
	s.mu.RLock()
	privateKey, exists := s.imported[key.ID]
	s.mu.RUnlock()

	if exists {
		return privateKey, nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	// Double-check after acquiring write lock
	if privateKey, exists = s.imported[key.ID]; exists {
		return privateKey, nil
	}

	privateKey, err := decodePrivateKey(key.PrivateKey)
	if err != nil {
		return nil, fmt.Errorf("failed to import private key %s: %w", key.ID, err)
	}

	s.imported[key.ID] = privateKey
	return privateKey, nil
}
