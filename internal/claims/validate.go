package claims

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/robohub/actions-oidc/internal/types"
)

// FieldIssue is one field-level problem with a claim request
type FieldIssue struct {
	Field   string `json:"field"`
	Message string `json:"message"`
}

// ValidationError reports every field-level issue with a claim request
type ValidationError struct {
	Issues []FieldIssue
}

// Error implements the error interface
func (e *ValidationError) Error() string {
	messages := make([]string, 0, len(e.Issues))
	for _, issue := range e.Issues {
		messages = append(messages, fmt.Sprintf("%s: %s", issue.Field, issue.Message))
	}
	return "invalid claim: " + strings.Join(messages, "; ")
}

// parseSubject validates a claim request against the subject-context
// schema, collecting all field-level issues before failing
func parseSubject(req types.ClaimRequest) (types.SubjectContext, error) {
	issues := []FieldIssue{}

	if req.EventName != "pull_request" {
		issues = append(issues, FieldIssue{Field: "eventName", Message: `must be "pull_request"`})
	}

	var owner, repo string
	parts := strings.SplitN(req.Repo, "/", 2)
	if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
		issues = append(issues, FieldIssue{Field: "repo", Message: "must be in the form owner/repo"})
	} else {
		owner, repo = parts[0], parts[1]
	}

	runID, err := strconv.ParseInt(req.RunID, 10, 64)
	if err != nil || runID <= 0 {
		issues = append(issues, FieldIssue{Field: "runID", Message: "must be a number"})
	}

	var attempt int64
	if req.Attempt != "" {
		attempt, err = strconv.ParseInt(req.Attempt, 10, 64)
		if err != nil || attempt <= 0 {
			issues = append(issues, FieldIssue{Field: "attempt", Message: "must be a number"})
		}
	}

	if len(issues) > 0 {
		return types.SubjectContext{}, &ValidationError{Issues: issues}
	}

	return types.SubjectContext{
		EventName: req.EventName,
		Owner:     owner,
		Repo:      repo,
		RunID:     runID,
		Attempt:   attempt,
	}, nil
}
