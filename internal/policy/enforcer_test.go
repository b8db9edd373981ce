package policy

import "testing"

func TestEnforcer_Evaluate(t *testing.T) {
	tests := []struct {
		name       string
		allowList  []string
		denyList   []string
		repository string
		wantErr    bool
	}{
		{
			name:       "no lists allows everything",
			repository: "acme/widgets",
			wantErr:    false,
		},
		{
			name:       "denylist blocks repository",
			denyList:   []string{"acme/widgets"},
			repository: "acme/widgets",
			wantErr:    true,
		},
		{
			name:       "denylist allows other repositories",
			denyList:   []string{"acme/widgets"},
			repository: "acme/gadgets",
			wantErr:    false,
		},
		{
			name:       "allowlist permits listed repository",
			allowList:  []string{"acme/widgets"},
			repository: "acme/widgets",
			wantErr:    false,
		},
		{
			name:       "allowlist blocks unlisted repository",
			allowList:  []string{"acme/widgets"},
			repository: "acme/gadgets",
			wantErr:    true,
		},
		{
			name:       "denylist wins over allowlist",
			allowList:  []string{"acme/widgets"},
			denyList:   []string{"acme/widgets"},
			repository: "acme/widgets",
			wantErr:    true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			e := NewEnforcer(tt.allowList, tt.denyList)
			err := e.Evaluate(tt.repository)
			if tt.wantErr && err == nil {
				t.Error("expected policy violation")
			}
			if !tt.wantErr && err != nil {
				t.Errorf("unexpected error: %v", err)
			}
		})
	}
}
