package claims

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/robohub/actions-oidc/internal/challenge"
	"github.com/robohub/actions-oidc/internal/policy"
	"github.com/robohub/actions-oidc/internal/retry"
	"github.com/robohub/actions-oidc/internal/store"
	"github.com/robohub/actions-oidc/internal/types"
)

// ErrNoSigningKey indicates no signing key has been generated yet;
// operator-actionable
var ErrNoSigningKey = errors.New("no signing key available")

// Validator proves that a claim's challenge code appeared in the
// identified run's own output
type Validator interface {
	Validate(ctx context.Context, subject types.SubjectContext, code string) (*types.TokenClaims, error)
}

// Signer issues a signed token for validated claims
type Signer interface {
	Sign(issuer, audience string, key types.SigningKey, claims types.TokenClaims) (string, error)
}

// DefaultAudience is the token audience when the caller requests none
const DefaultAudience = "https://github.com"

// Manager owns the claim lifecycle: creation with a fresh one-time
// code, the at-most-once exchange, and TTL-bound expiry via the store
type Manager struct {
	logger    *slog.Logger
	store     store.Store
	validator Validator
	signer    Signer
	policy    *policy.Enforcer

	claimTTL        time.Duration
	validateRetries int
	validateDelay   time.Duration
}

// NewManager creates a claim lifecycle manager
func NewManager(
	logger *slog.Logger,
	st store.Store,
	validator Validator,
	signer Signer,
	policyEnforcer *policy.Enforcer,
	claimTTL time.Duration,
	validateRetries int,
	validateDelay time.Duration,
) *Manager {
	return &Manager{
		logger:          logger,
		store:           st,
		validator:       validator,
		signer:          signer,
		policy:          policyEnforcer,
		claimTTL:        claimTTL,
		validateRetries: validateRetries,
		validateDelay:   validateDelay,
	}
}

// Create validates the claim request, generates a fresh challenge code,
// and persists the claim with a bounded TTL. The record expires after
// the TTL whether or not it is ever exchanged.
func (m *Manager) Create(ctx context.Context, issuer string, req types.ClaimRequest) (*types.Claim, error) {
	subject, err := parseSubject(req)
	if err != nil {
		return nil, err
	}

	if err := m.policy.Evaluate(subject.Owner + "/" + subject.Repo); err != nil {
		return nil, err
	}

	audience := req.Audience
	if audience == "" {
		audience = DefaultAudience
	}

	now := time.Now()
	claim := types.Claim{
		ID:            uuid.New().String(),
		Issuer:        issuer,
		Audience:      audience,
		Subject:       subject,
		ChallengeCode: uuid.New().String(),
		CreatedAt:     now,
		ExpiresAt:     now.Add(m.claimTTL),
	}

	if err := m.store.PutClaim(ctx, claim, m.claimTTL); err != nil {
		return nil, fmt.Errorf("failed to persist claim: %w", err)
	}

	m.logger.InfoContext(ctx, "started claim",
		"claim_id", claim.ID,
		"repository", subject.Owner+"/"+subject.Repo,
		"run_id", subject.RunID,
	)

	return &claim, nil
}

// Exchange consumes a claim's single allowed exchange and, on
// successful validation, returns a signed token. The storage transition
// happens before validation begins, so the claim is spent even when
// validation fails; a challenge code never gets a second chance.
func (m *Manager) Exchange(ctx context.Context, id string) (string, error) {
	claim, err := m.store.ExchangeClaim(ctx, id)
	if err != nil {
		return "", err
	}

	key, err := m.latestKey(ctx)
	if err != nil {
		return "", err
	}

	m.logger.InfoContext(ctx, "validating claim",
		"claim_id", claim.ID,
		"repository", claim.Subject.Owner+"/"+claim.Subject.Repo,
		"run_id", claim.Subject.RunID,
	)

	validated, err := retry.Do(ctx, func() (*types.TokenClaims, error) {
		tokenClaims, err := m.validator.Validate(ctx, claim.Subject, claim.ChallengeCode)
		if err != nil && !retryable(err) {
			return nil, retry.Permanent(err)
		}
		return tokenClaims, err
	}, m.validateRetries, m.validateDelay)
	if err != nil {
		return "", fmt.Errorf("validation failed: %w", err)
	}

	token, err := m.signer.Sign(claim.Issuer, claim.Audience, *key, *validated)
	if err != nil {
		return "", fmt.Errorf("failed to sign token: %w", err)
	}

	m.logger.InfoContext(ctx, "issued token",
		"claim_id", claim.ID,
		"job_id", validated.JobID,
		"kid", key.ID,
	)

	return token, nil
}

// retryable reports whether a validation failure may resolve on a
// later provider read. The proof race itself is never retried, and
// verdicts that cannot change are final.
func retryable(err error) bool {
	switch {
	case errors.Is(err, challenge.ErrNoValidatedJob),
		errors.Is(err, challenge.ErrPrivateRepository),
		errors.Is(err, challenge.ErrMissingActor),
		errors.Is(err, challenge.ErrNoSession):
		return false
	}
	return true
}

func (m *Manager) latestKey(ctx context.Context) (*types.SigningKey, error) {
	keyID, err := m.store.GetLatestKeyID(ctx)
	if err != nil {
		return nil, ErrNoSigningKey
	}
	key, err := m.store.GetKey(ctx, keyID)
	if err != nil {
		return nil, ErrNoSigningKey
	}
	return key, nil
}
