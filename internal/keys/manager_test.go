package keys

import (
	"crypto/rsa"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/robohub/actions-oidc/internal/types"
)

func testTokenClaims() types.TokenClaims {
	return types.TokenClaims{
		Subject:              "repo:acme/widgets:pull_request",
		ActorID:              "9999",
		Actor:                "octocat",
		EventName:            "pull_request",
		HeadRef:              "feature",
		HeadRepository:       "fork/widgets",
		HeadSHA:              "abc123",
		JobID:                "77",
		Repository:           "acme/widgets",
		RepositoryOwner:      "acme",
		RepositoryVisibility: "public",
		RunAttempt:           "1",
		RunID:                "482",
		RunNumber:            "12",
		Workflow:             ".github/workflows/ci.yml",
	}
}

func TestGenerate(t *testing.T) {
	key, err := Generate()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if key.ID == "" {
		t.Error("expected non-empty key id")
	}
	if key.PublicKey.Kid != key.ID {
		t.Errorf("expected public JWK kid %s, got %s", key.ID, key.PublicKey.Kid)
	}
	if key.PublicKey.Kty != "RSA" || key.PublicKey.Alg != "RS256" {
		t.Errorf("unexpected public JWK parameters: %+v", key.PublicKey)
	}
	if key.PublicKey.D != "" {
		t.Error("public JWK must not carry the private exponent")
	}
	if key.PrivateKey.D == "" || key.PrivateKey.P == "" || key.PrivateKey.Q == "" {
		t.Error("private JWK missing private material")
	}

	// The private half must import back into a usable 2048-bit key
	privateKey, err := decodePrivateKey(key.PrivateKey)
	if err != nil {
		t.Fatalf("failed to decode private key: %v", err)
	}
	if privateKey.N.BitLen() != 2048 {
		t.Errorf("expected 2048-bit modulus, got %d", privateKey.N.BitLen())
	}
}

func TestGenerate_UniqueIDs(t *testing.T) {
	a, err := Generate()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	b, err := Generate()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if a.ID == b.ID {
		t.Error("expected distinct key ids")
	}
	if a.PublicKey.N == b.PublicKey.N {
		t.Error("expected distinct moduli")
	}
}

func TestSigner_Sign(t *testing.T) {
	key, err := Generate()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	signer := NewSigner(5 * time.Minute)
	tokenString, err := signer.Sign("https://oidc.example.com", "https://github.com", key, testTokenClaims())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	// Verify against the published public half, resolving by kid
	publicKey, err := publicKeyFromJWK(key.PublicKey)
	if err != nil {
		t.Fatalf("failed to decode public key: %v", err)
	}

	token, err := jwt.Parse(tokenString, func(token *jwt.Token) (interface{}, error) {
		if token.Header["kid"] != key.ID {
			t.Errorf("expected kid %s, got %v", key.ID, token.Header["kid"])
		}
		return publicKey, nil
	}, jwt.WithValidMethods([]string{"RS256"}))
	if err != nil {
		t.Fatalf("failed to verify token: %v", err)
	}

	claims := token.Claims.(jwt.MapClaims)

	if claims["iss"] != "https://oidc.example.com" {
		t.Errorf("unexpected iss: %v", claims["iss"])
	}
	if claims["aud"] != "https://github.com" {
		t.Errorf("unexpected aud: %v", claims["aud"])
	}
	if claims["sub"] != "repo:acme/widgets:pull_request" {
		t.Errorf("unexpected sub: %v", claims["sub"])
	}
	if claims["job_id"] != "77" {
		t.Errorf("unexpected job_id: %v", claims["job_id"])
	}
	if claims["jti"] == "" {
		t.Error("expected non-empty jti")
	}

	iat := int64(claims["iat"].(float64))
	exp := int64(claims["exp"].(float64))
	nbf := int64(claims["nbf"].(float64))
	if exp-iat != 300 {
		t.Errorf("expected 300s lifetime, got %d", exp-iat)
	}
	if nbf != iat {
		t.Errorf("expected nbf == iat, got nbf=%d iat=%d", nbf, iat)
	}
}

func TestSigner_ImportCache(t *testing.T) {
	key, err := Generate()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	signer := NewSigner(5 * time.Minute)
	if _, err := signer.Sign("iss", "aud", key, testTokenClaims()); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	signer.mu.RLock()
	cached, exists := signer.imported[key.ID]
	signer.mu.RUnlock()
	if !exists {
		t.Fatal("expected private key to be cached after first use")
	}

	if _, err := signer.Sign("iss", "aud", key, testTokenClaims()); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	signer.mu.RLock()
	again := signer.imported[key.ID]
	signer.mu.RUnlock()
	if cached != again {
		t.Error("expected the cached key to be reused")
	}
}

func TestSigner_RejectsBadPrivateKey(t *testing.T) {
	signer := NewSigner(5 * time.Minute)
	bad := types.SigningKey{
		ID:         "bad",
		PrivateKey: types.JWK{Kty: "RSA", N: "AQAB", E: "AQAB"},
	}
	if _, err := signer.Sign("iss", "aud", bad, testTokenClaims()); err == nil {
		t.Error("expected error for malformed private key")
	}
}

func TestPublicJWKS(t *testing.T) {
	key, err := Generate()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	jwks := PublicJWKS([]types.SigningKey{key})
	if len(jwks.Keys) != 1 {
		t.Fatalf("expected 1 key, got %d", len(jwks.Keys))
	}

	published := jwks.Keys[0]
	if published.Kid != key.ID {
		t.Errorf("expected kid %s, got %s", key.ID, published.Kid)
	}
	if published.Use != "sig" {
		t.Errorf("expected use sig, got %s", published.Use)
	}
	if published.D != "" || published.P != "" {
		t.Error("JWKS must never expose private material")
	}

	empty := PublicJWKS(nil)
	if empty.Keys == nil {
		t.Error("expected empty key list, not null")
	}
}

// publicKeyFromJWK builds the verification key the way a relying party
// consuming the JWKS would
func publicKeyFromJWK(jwk types.JWK) (*rsa.PublicKey, error) {
	n, err := decodeBigInt(jwk.N)
	if err != nil {
		return nil, err
	}
	e, err := decodeBigInt(jwk.E)
	if err != nil {
		return nil, err
	}
	return &rsa.PublicKey{N: n, E: int(e.Int64())}, nil
}
