package types

import "time"

// ClaimRequest represents the incoming claim creation request
type ClaimRequest struct {
	EventName string `json:"eventName"`
	Repo      string `json:"repo"`
	RunID     string `json:"runID"`
	Attempt   string `json:"attempt,omitempty"`
	Audience  string `json:"aud,omitempty"`
}

// ClaimResponse represents the successful claim creation response
type ClaimResponse struct {
	ChallengeCode string `json:"challengeCode"`
	ExchangeURL   string `json:"exchangeURL"`
}

// SubjectContext is the validated subject of a claim, parsed from a
// ClaimRequest at creation time
type SubjectContext struct {
	EventName string `json:"event_name"`
	Owner     string `json:"owner"`
	Repo      string `json:"repo"`
	RunID     int64  `json:"run_id"`
	Attempt   int64  `json:"attempt,omitempty"`
}

// Claim represents one pending proof-of-execution request
type Claim struct {
	ID            string         `json:"id"`
	Issuer        string         `json:"issuer"`
	Audience      string         `json:"audience"`
	Subject       SubjectContext `json:"subject"`
	ChallengeCode string         `json:"challenge_code"`
	Exchanged     bool           `json:"exchanged"`
	CreatedAt     time.Time      `json:"created_at"`
	ExpiresAt     time.Time      `json:"expires_at"`
}

// TokenClaims is the GitHub-Actions-compatible OIDC claim set, assembled
// strictly from provider API responses, never from caller input
type TokenClaims struct {
	Subject               string `json:"sub"`
	ActorID               string `json:"actor_id"`
	Actor                 string `json:"actor"`
	EventName             string `json:"event_name"`
	HeadRef               string `json:"head_ref"`
	HeadRepositoryID      string `json:"head_repository_id"`
	HeadRepositoryOwnerID string `json:"head_repository_owner_id"`
	HeadRepositoryOwner   string `json:"head_repository_owner"`
	HeadRepository        string `json:"head_repository"`
	HeadSHA               string `json:"head_sha"`
	JobID                 string `json:"job_id"`
	RepositoryID          string `json:"repository_id"`
	RepositoryOwnerID     string `json:"repository_owner_id"`
	RepositoryOwner       string `json:"repository_owner"`
	RepositoryVisibility  string `json:"repository_visibility"`
	Repository            string `json:"repository"`
	RunAttempt            string `json:"run_attempt"`
	RunID                 string `json:"run_id"`
	RunNumber             string `json:"run_number"`
	Workflow              string `json:"workflow"`
}

// JWK is a JSON Web Key for a 2048-bit RSA key pair. Public keys carry
// only Kty/Alg/N/E; private keys carry the full CRT parameter set.
type JWK struct {
	Kid string `json:"kid,omitempty"`
	Kty string `json:"kty"`
	Alg string `json:"alg,omitempty"`
	Use string `json:"use,omitempty"`
	N   string `json:"n"`
	E   string `json:"e"`
	D   string `json:"d,omitempty"`
	P   string `json:"p,omitempty"`
	Q   string `json:"q,omitempty"`
	DP  string `json:"dp,omitempty"`
	DQ  string `json:"dq,omitempty"`
	QI  string `json:"qi,omitempty"`
}

// JWKS is the published JSON Web Key Set
type JWKS struct {
	Keys []JWK `json:"keys"`
}

// SigningKey is an asymmetric key pair used to sign issued tokens
type SigningKey struct {
	ID         string    `json:"id"`
	PublicKey  JWK       `json:"public_key"`
	PrivateKey JWK       `json:"private_key"`
	CreatedAt  time.Time `json:"created_at"`
}

// PublicKeyInfo is the admin-facing view of a signing key, with the
// private half withheld
type PublicKeyInfo struct {
	ID        string    `json:"id"`
	PublicKey JWK       `json:"public_key"`
	CreatedAt time.Time `json:"created_at"`
}

// ErrorResponse represents an error response
type ErrorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message,omitempty"`
}
