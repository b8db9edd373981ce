package policy

import "fmt"

// Enforcer enforces repository allow and deny lists for claim creation
type Enforcer struct {
	allowList map[string]bool
	denyList  map[string]bool
}

// NewEnforcer creates a new policy enforcer
func NewEnforcer(allowList, denyList []string) *Enforcer {
	e := &Enforcer{
		allowList: make(map[string]bool),
		denyList:  make(map[string]bool),
	}

	for _, repo := range allowList {
		e.allowList[repo] = true
	}

	for _, repo := range denyList {
		e.denyList[repo] = true
	}

	return e
}

// Evaluate checks if the repository is allowed by policy
func (e *Enforcer) Evaluate(repository string) error {
	// Check denylist first
	if e.denyList[repository] {
		return fmt.Errorf("repository %s is denied by policy", repository)
	}

	// Check allowlist if configured
	if len(e.allowList) > 0 && !e.allowList[repository] {
		return fmt.Errorf("repository %s is not in allowlist", repository)
	}

	return nil
}
