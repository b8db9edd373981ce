package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config holds all application configuration
type Config struct {
	// Server
	Port string

	// Issuer base URL advertised in tokens and the discovery document.
	// Empty means derive from the incoming request.
	Issuer string

	// Admin bearer token gating key rotation and session upload
	AdminToken string

	// GitHub API access
	GitHubToken   string
	GitHubAPIURL  string
	GitHubHTMLURL string

	// Claim lifecycle
	ClaimTTL time.Duration
	TokenTTL time.Duration
	KeyTTL   time.Duration

	// Validation retry (provider API reads only)
	ValidateRetries int
	ValidateDelay   time.Duration

	// Live-log watcher
	WatchTimeout  time.Duration
	DialTimeout   time.Duration
	DialAttempts  int

	// Policy Configuration
	RepoDenyList  []string
	RepoAllowList []string

	// Rate Limiting
	RateLimitRPS   float64
	RateLimitBurst int
}

// LoadFromEnv loads configuration from environment variables
func LoadFromEnv() (*Config, error) {
	cfg := &Config{
		Port:            getEnv("PORT", "8080"),
		Issuer:          os.Getenv("ACTIONS_OIDC_ISSUER"),
		AdminToken:      os.Getenv("ACTIONS_OIDC_ADMIN_TOKEN"),
		GitHubToken:     os.Getenv("ACTIONS_OIDC_GITHUB_TOKEN"),
		GitHubAPIURL:    getEnv("ACTIONS_OIDC_GITHUB_API_URL", "https://api.github.com"),
		GitHubHTMLURL:   getEnv("ACTIONS_OIDC_GITHUB_HTML_URL", "https://github.com"),
		ClaimTTL:        time.Duration(getEnvInt("ACTIONS_OIDC_CLAIM_TTL_SECONDS", 300)) * time.Second,
		TokenTTL:        time.Duration(getEnvInt("ACTIONS_OIDC_TOKEN_TTL_SECONDS", 300)) * time.Second,
		KeyTTL:          time.Duration(getEnvInt("ACTIONS_OIDC_KEY_TTL_SECONDS", 60*60*24*30)) * time.Second,
		ValidateRetries: getEnvInt("ACTIONS_OIDC_VALIDATE_RETRIES", 4),
		ValidateDelay:   time.Duration(getEnvInt("ACTIONS_OIDC_VALIDATE_DELAY_MS", 2000)) * time.Millisecond,
		WatchTimeout:    time.Duration(getEnvInt("ACTIONS_OIDC_WATCH_TIMEOUT_SECONDS", 10)) * time.Second,
		DialTimeout:     time.Duration(getEnvInt("ACTIONS_OIDC_DIAL_TIMEOUT_MS", 4000)) * time.Millisecond,
		DialAttempts:    getEnvInt("ACTIONS_OIDC_DIAL_ATTEMPTS", 10),
		RepoDenyList:    parseCommaSeparated(getEnv("ACTIONS_OIDC_REPO_DENYLIST", "")),
		RepoAllowList:   parseCommaSeparated(getEnv("ACTIONS_OIDC_REPO_ALLOWLIST", "")),
		RateLimitRPS:    getEnvFloat("ACTIONS_OIDC_RATE_LIMIT_RPS", 1.0),
		RateLimitBurst:  getEnvInt("ACTIONS_OIDC_RATE_LIMIT_BURST", 5),
	}

	// Validate required fields
	if cfg.AdminToken == "" {
		return nil, fmt.Errorf("ACTIONS_OIDC_ADMIN_TOKEN is required")
	}
	if cfg.GitHubToken == "" {
		return nil, fmt.Errorf("ACTIONS_OIDC_GITHUB_TOKEN is required")
	}

	return cfg, nil
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intVal, err := strconv.Atoi(value); err == nil {
			return intVal
		}
	}
	return defaultValue
}

func getEnvFloat(key string, defaultValue float64) float64 {
	if value := os.Getenv(key); value != "" {
		if floatVal, err := strconv.ParseFloat(value, 64); err == nil {
			return floatVal
		}
	}
	return defaultValue
}

func parseCommaSeparated(value string) []string {
	if value == "" {
		return []string{}
	}
	parts := strings.Split(value, ",")
	result := make([]string, 0, len(parts))
	for _, part := range parts {
		if trimmed := strings.TrimSpace(part); trimmed != "" {
			result = append(result, trimmed)
		}
	}
	return result
}
