package challenge

import (
	"context"

	"github.com/robohub/actions-oidc/internal/types"
)

// FakeValidator is a test implementation of the validator boundary
type FakeValidator struct {
	ValidateFunc func(ctx context.Context, subject types.SubjectContext, code string) (*types.TokenClaims, error)
}

// Validate implements the validator boundary
func (f *FakeValidator) Validate(ctx context.Context, subject types.SubjectContext, code string) (*types.TokenClaims, error) {
	if f.ValidateFunc != nil {
		return f.ValidateFunc(ctx, subject, code)
	}
	// Default successful validation
	return &types.TokenClaims{
		Subject:              "repo:acme/widgets:pull_request",
		Actor:                "octocat",
		ActorID:              "9999",
		EventName:            "pull_request",
		JobID:                "77",
		Repository:           "acme/widgets",
		RepositoryOwner:      "acme",
		RepositoryVisibility: "public",
		RunID:                "482",
		RunAttempt:           "1",
		RunNumber:            "12",
		HeadSHA:              "abc123",
		Workflow:             ".github/workflows/ci.yml",
	}, nil
}
