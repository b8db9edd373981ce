package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/robohub/actions-oidc/internal/challenge"
	"github.com/robohub/actions-oidc/internal/claims"
	"github.com/robohub/actions-oidc/internal/keys"
	"github.com/robohub/actions-oidc/internal/ratelimit"
	"github.com/robohub/actions-oidc/internal/store"
	"github.com/robohub/actions-oidc/internal/types"
)

// ClaimManager is the claim lifecycle boundary the server exposes
type ClaimManager interface {
	Create(ctx context.Context, issuer string, req types.ClaimRequest) (*types.Claim, error)
	Exchange(ctx context.Context, id string) (string, error)
}

// Server holds the HTTP API server
type Server struct {
	router     chi.Router
	logger     *slog.Logger
	claims     ClaimManager
	store      store.Store
	limiter    *ratelimit.Limiter
	issuer     string
	adminToken string
	keyTTL     time.Duration
}

// NewServer creates a new HTTP API server. issuer may be empty, in
// which case it is derived per request.
func NewServer(
	logger *slog.Logger,
	claimManager ClaimManager,
	st store.Store,
	limiter *ratelimit.Limiter,
	issuer string,
	adminToken string,
	keyTTL time.Duration,
) *Server {
	s := &Server{
		logger:     logger,
		claims:     claimManager,
		store:      st,
		limiter:    limiter,
		issuer:     issuer,
		adminToken: adminToken,
		keyTTL:     keyTTL,
	}

	s.router = s.setupRouter()
	return s
}

func (s *Server) setupRouter() chi.Router {
	r := chi.NewRouter()

	// Middleware
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(s.loggingMiddleware)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(60 * time.Second))

	// Routes
	r.Get("/", s.handleRoot)
	r.Get("/healthz", s.handleHealthz)
	r.Post("/claim", s.handleClaim)
	r.Post("/exchange/{id}", s.handleExchange)
	r.Get("/.well-known/openid-configuration", s.handleOpenIDConfiguration)
	r.Get("/.well-known/jwks", s.handleJWKS)

	// Admin routes
	r.Group(func(r chi.Router) {
		r.Use(s.adminOnly)
		r.Post("/-/generate-key", s.handleGenerateKey)
		r.Get("/-/keys", s.handleListKeys)
		r.Post("/-/github-session", s.handleGitHubSession)
	})

	return r
}

// Handler returns the HTTP handler
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) handleRoot(w http.ResponseWriter, r *http.Request) {
	s.respondJSON(w, http.StatusOK, map[string]interface{}{
		"ok":   true,
		"docs": "https://github.com/robohub/actions-oidc",
	})
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	w.Write([]byte("ok"))
}

// handleClaim starts a new proof-of-execution claim
func (s *Server) handleClaim(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	var req types.ClaimRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.logger.WarnContext(ctx, "invalid request body", "error", err)
		s.respondError(w, http.StatusBadRequest, "invalid_request", "invalid JSON in request body")
		return
	}

	if !s.limiter.Allow(req.Repo) {
		s.logger.WarnContext(ctx, "rate limit exceeded", "repository", req.Repo)
		s.respondError(w, http.StatusTooManyRequests, "rate_limited", "rate limit exceeded for repository")
		return
	}

	issuer := s.requestIssuer(r)

	claim, err := s.claims.Create(ctx, issuer, req)
	if err != nil {
		var validationErr *claims.ValidationError
		if errors.As(err, &validationErr) {
			s.logger.WarnContext(ctx, "invalid claim", "error", err)
			s.respondJSON(w, http.StatusBadRequest, map[string]interface{}{
				"error":  "invalid_claim",
				"issues": validationErr.Issues,
			})
			return
		}
		s.logger.WarnContext(ctx, "claim rejected", "repository", req.Repo, "error", err)
		s.respondError(w, http.StatusForbidden, "policy_violation", err.Error())
		return
	}

	s.respondJSON(w, http.StatusOK, types.ClaimResponse{
		ChallengeCode: claim.ChallengeCode,
		ExchangeURL:   issuer + "/exchange/" + claim.ID,
	})
}

// handleExchange consumes a claim and returns the signed token as
// plain text
func (s *Server) handleExchange(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	id := chi.URLParam(r, "id")

	token, err := s.claims.Exchange(ctx, id)
	if err != nil {
		s.respondExchangeError(w, r, err)
		return
	}

	w.Header().Set("Content-Type", "text/plain")
	w.WriteHeader(http.StatusOK)
	w.Write([]byte(token))
}

// respondExchangeError maps the error taxonomy onto status codes
// without leaking probe detail or claim existence to the caller
func (s *Server) respondExchangeError(w http.ResponseWriter, r *http.Request, err error) {
	ctx := r.Context()

	switch {
	case errors.Is(err, store.ErrNotFound), errors.Is(err, store.ErrAlreadyExchanged):
		// Deliberately indistinguishable: absent, expired, and spent
		// claims all look the same from outside
		s.logger.WarnContext(ctx, "exchange rejected", "error", err)
		s.respondError(w, http.StatusBadRequest, "invalid_claim", "challenge already used or not found")

	case errors.Is(err, challenge.ErrRunNotInProgress),
		errors.Is(err, challenge.ErrPrivateRepository),
		errors.Is(err, challenge.ErrNoRunningJobs),
		errors.Is(err, challenge.ErrNoValidatedJob),
		errors.Is(err, challenge.ErrMissingActor):
		s.logger.WarnContext(ctx, "claim validation failed", "error", err)
		s.respondError(w, http.StatusBadRequest, "not_validated", "claim could not be validated")

	default:
		s.logger.ErrorContext(ctx, "exchange failed", "error", err)
		s.respondError(w, http.StatusInternalServerError, "internal_error", "failed to exchange claim")
	}
}

func (s *Server) handleOpenIDConfiguration(w http.ResponseWriter, r *http.Request) {
	issuer := s.requestIssuer(r)

	s.respondJSON(w, http.StatusOK, map[string]interface{}{
		"issuer":                   issuer,
		"jwks_uri":                 issuer + "/.well-known/jwks",
		"subject_types_supported":  []string{"public", "pairwise"},
		"response_types_supported": []string{"id_token"},
		"claims_supported": []string{
			"sub", "aud", "exp", "iat", "iss", "jti", "nbf",
			"actor_id", "actor", "event_name", "head_ref",
			"head_repository_id", "head_repository_owner_id",
			"head_repository_owner", "head_repository", "head_sha",
			"job_id", "repository_id", "repository_owner_id",
			"repository_owner", "repository_visibility", "repository",
			"run_attempt", "run_id", "run_number", "workflow",
		},
		"id_token_signing_alg_values_supported": []string{"RS256"},
		"scopes_supported":                      []string{"openid"},
	})
}

func (s *Server) handleJWKS(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	signingKeys, err := s.store.ListKeys(ctx)
	if err != nil {
		s.logger.ErrorContext(ctx, "failed to list keys", "error", err)
		s.respondError(w, http.StatusInternalServerError, "internal_error", "failed to list keys")
		return
	}

	s.respondJSON(w, http.StatusOK, keys.PublicJWKS(signingKeys))
}

// handleGenerateKey rotates the signing key: the new key becomes
// latest, prior keys stay published until their own TTL expires
func (s *Server) handleGenerateKey(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	key, err := keys.Generate()
	if err != nil {
		s.logger.ErrorContext(ctx, "failed to generate key", "error", err)
		s.respondError(w, http.StatusInternalServerError, "internal_error", "failed to generate key")
		return
	}

	if err := s.store.PutKey(ctx, key, s.keyTTL); err != nil {
		s.logger.ErrorContext(ctx, "failed to store key", "error", err)
		s.respondError(w, http.StatusInternalServerError, "internal_error", "failed to store key")
		return
	}
	if err := s.store.SetLatestKeyID(ctx, key.ID); err != nil {
		s.logger.ErrorContext(ctx, "failed to set latest key", "error", err)
		s.respondError(w, http.StatusInternalServerError, "internal_error", "failed to set latest key")
		return
	}

	s.logger.InfoContext(ctx, "generated signing key", "kid", key.ID)
	s.respondJSON(w, http.StatusOK, map[string]bool{"ok": true})
}

func (s *Server) handleListKeys(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	signingKeys, err := s.store.ListKeys(ctx)
	if err != nil {
		s.logger.ErrorContext(ctx, "failed to list keys", "error", err)
		s.respondError(w, http.StatusInternalServerError, "internal_error", "failed to list keys")
		return
	}

	// Never expose the private halves
	infos := make([]types.PublicKeyInfo, 0, len(signingKeys))
	for _, key := range signingKeys {
		infos = append(infos, types.PublicKeyInfo{
			ID:        key.ID,
			PublicKey: key.PublicKey,
			CreatedAt: key.CreatedAt,
		})
	}

	s.respondJSON(w, http.StatusOK, infos)
}

func (s *Server) handleGitHubSession(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	var req struct {
		Session string `json:"session"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Session == "" {
		s.respondError(w, http.StatusBadRequest, "invalid_request", "missing session field")
		return
	}

	if err := s.store.SetSession(ctx, req.Session); err != nil {
		s.logger.ErrorContext(ctx, "failed to store session", "error", err)
		s.respondError(w, http.StatusInternalServerError, "internal_error", "failed to store session")
		return
	}

	s.logger.InfoContext(ctx, "updated github session")
	s.respondJSON(w, http.StatusOK, map[string]bool{"ok": true})
}

// requestIssuer returns the configured issuer, falling back to the
// request's own origin
func (s *Server) requestIssuer(r *http.Request) string {
	if s.issuer != "" {
		return s.issuer
	}
	scheme := "https"
	if r.TLS == nil {
		scheme = "http"
	}
	return scheme + "://" + r.Host
}

func (s *Server) adminOnly(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token, ok := bearerToken(r)
		if !ok || token != s.adminToken {
			s.respondError(w, http.StatusUnauthorized, "unauthorized", "invalid admin token")
			return
		}
		next.ServeHTTP(w, r)
	})
}

func bearerToken(r *http.Request) (string, bool) {
	const prefix = "Bearer "
	header := r.Header.Get("Authorization")
	if len(header) <= len(prefix) || header[:len(prefix)] != prefix {
		return "", false
	}
	return header[len(prefix):], true
}

func (s *Server) respondJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func (s *Server) respondError(w http.ResponseWriter, status int, errorCode, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(types.ErrorResponse{
		Error:   errorCode,
		Message: message,
	})
}

func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()

		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)

		s.logger.InfoContext(r.Context(), "request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", ww.Status(),
			"duration_ms", time.Since(start).Milliseconds(),
			"remote_addr", r.RemoteAddr,
		)
	})
}
