// Package admission implements the AdmissionPipeline (§4.3): the HTTP
// surface translating §6's endpoint table into TokenService/RateLimiter/
// Scheduler calls. Grounded on cmd/gateway/main.go's gorilla/mux route
// registration and cmd/gateway/handlers_auth.go's handler/JSON-helper
// style, rewritten from wallet-signature auth onto email/password +
// bearer-token auth and from blockchain proxy routes onto chat-completion
// dispatch.
package admission

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/mux"

	"github.com/helixgate/gateway/internal/auth"
	"github.com/helixgate/gateway/internal/backend"
	"github.com/helixgate/gateway/internal/config"
	"github.com/helixgate/gateway/internal/gpupool"
	"github.com/helixgate/gateway/internal/logging"
	"github.com/helixgate/gateway/internal/metrics"
	"github.com/helixgate/gateway/internal/middleware"
	"github.com/helixgate/gateway/internal/ratelimit"
	"github.com/helixgate/gateway/internal/scheduler"
	"github.com/helixgate/gateway/internal/stream"
	"github.com/helixgate/gateway/internal/svcerr"
)

// ModelInfo is one entry in the static model catalog served by
// GET /v1/models.
type ModelInfo struct {
	ID      string `json:"id"`
	Object  string `json:"object"`
	Created int64  `json:"created"`
	OwnedBy string `json:"owned_by"`
}

// DefaultCatalogEpoch is the fixed "created" timestamp the static catalog
// reports, so repeated calls are byte-identical.
const DefaultCatalogEpoch int64 = 1700000000

// DefaultCatalog mirrors internal/gpupool's model memory table: the same
// four model names, each served by the gateway's own backend.
func DefaultCatalog() []ModelInfo {
	names := []string{"gpt-4", "claude-3-sonnet", "deepseek-chat", "glm-4"}
	catalog := make([]ModelInfo, 0, len(names))
	for _, name := range names {
		catalog = append(catalog, ModelInfo{ID: name, Object: "model", Created: DefaultCatalogEpoch, OwnedBy: "helixgate"})
	}
	return catalog
}

// Server holds the collaborators the admission pipeline dispatches to.
type Server struct {
	authSvc   *auth.Service
	users     auth.UserLookup
	limiter   *ratelimit.Limiter
	scheduler *scheduler.Scheduler
	pool      *gpupool.Pool
	metrics   metrics.Sink
	logger    *logging.Logger

	tierLimits       map[string]config.TierLimit
	admissionTimeout time.Duration
	catalog          []ModelInfo
}

// NewServer builds an admission Server from its collaborators.
func NewServer(
	authSvc *auth.Service,
	users auth.UserLookup,
	limiter *ratelimit.Limiter,
	sched *scheduler.Scheduler,
	pool *gpupool.Pool,
	sink metrics.Sink,
	logger *logging.Logger,
	tierLimits map[string]config.TierLimit,
	admissionTimeout time.Duration,
) *Server {
	if admissionTimeout <= 0 {
		admissionTimeout = scheduler.DefaultAdmissionDeadline
	}
	return &Server{
		authSvc: authSvc, users: users, limiter: limiter, scheduler: sched,
		pool: pool, metrics: sink, logger: logger,
		tierLimits: tierLimits, admissionTimeout: admissionTimeout,
		catalog: DefaultCatalog(),
	}
}

// Router builds the gorilla/mux router for the full §6 HTTP surface plus
// the §6 addendum (/v1/gpus, /v1/chat/completions/ws).
func (s *Server) Router() *mux.Router {
	r := mux.NewRouter()
	r.HandleFunc("/health", s.handleHealth).Methods(http.MethodGet)
	r.HandleFunc("/v1/models", s.handleModels).Methods(http.MethodGet)
	r.HandleFunc("/v1/chat/completions", s.handleChatCompletions).Methods(http.MethodPost)
	r.HandleFunc("/v1/chat/completions/ws", s.handleChatCompletionsWS).Methods(http.MethodGet)
	r.HandleFunc("/v1/gpus", s.handleGPUs).Methods(http.MethodGet)
	r.HandleFunc("/v1/auth/login", s.handleLogin).Methods(http.MethodPost)
	r.HandleFunc("/v1/auth/refresh", s.handleRefresh).Methods(http.MethodPost)
	r.HandleFunc("/v1/auth/revoke", s.handleRevoke).Methods(http.MethodPost)
	return r
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":    "healthy",
		"service":   "helixgate-gateway",
		"timestamp": time.Now().UTC().Format(time.RFC3339),
	})
}

func (s *Server) handleModels(w http.ResponseWriter, r *http.Request) {
	// Bearer is optional for listing (§6); validate it only if present so
	// a bad/expired token on this endpoint doesn't block discovery.
	if token, ok := bearerToken(r); ok {
		if _, err := s.authSvc.Validate(r.Context(), token, auth.TokenAccess); err != nil {
			middleware.WriteError(w, err)
			return
		}
	}
	writeJSON(w, http.StatusOK, map[string]any{"object": "list", "data": s.catalog})
}

// authenticated resolves the bearer token on r to a Principal, or writes
// the appropriate error response and returns ok=false.
func (s *Server) authenticated(w http.ResponseWriter, r *http.Request) (*auth.Principal, bool) {
	token, ok := bearerToken(r)
	if !ok {
		middleware.WriteError(w, svcerr.MissingToken())
		return nil, false
	}
	claims, err := s.authSvc.Validate(r.Context(), token, auth.TokenAccess)
	if err != nil {
		middleware.WriteError(w, err)
		return nil, false
	}
	principal, err := s.users.ByID(r.Context(), claims.Subject)
	if err != nil {
		middleware.WriteError(w, svcerr.Internal("resolve principal", err))
		return nil, false
	}
	return principal, true
}

// authorize checks permission and, if granted, applies the principal's
// tier-derived rate limit, writing the rate-limit headers §6 requires on
// every rate-limited path. Returns ok=false if either check fails (with
// the response already written).
func (s *Server) authorize(w http.ResponseWriter, principal *auth.Principal, permission auth.Permission) bool {
	allowed, err := s.authSvc.Authorize(principal, permission)
	if err != nil {
		middleware.WriteError(w, svcerr.Internal("authorize", err))
		return false
	}
	if !allowed {
		middleware.WriteError(w, svcerr.Forbidden(string(permission)))
		return false
	}

	bypass, _ := s.authSvc.Authorize(principal, auth.PermAPIRateLimitBypass)
	tierLimit := s.tierLimits[string(principal.Tier)]
	if tierLimit.Limit <= 0 {
		tierLimit.Limit = s.tierLimits["free"].Limit
	}

	decision, err := s.limiter.Allow(context.Background(), principal.ID, tierLimit.Limit, bypass)
	if err != nil {
		middleware.WriteError(w, svcerr.Internal("rate limit check", err))
		return false
	}
	w.Header().Set("X-RateLimit-Limit", strconv.Itoa(decision.Limit))
	w.Header().Set("X-RateLimit-Remaining", strconv.Itoa(decision.Remaining))
	w.Header().Set("X-RateLimit-Reset", strconv.FormatInt(decision.ResetAt.Unix(), 10))
	if !decision.Allowed {
		middleware.WriteError(w, svcerr.RateLimited(decision.Limit, decision.ResetAt.Unix()))
		return false
	}
	return true
}

type chatCompletionRequest struct {
	Model       string           `json:"model"`
	Messages    []backend.Message `json:"messages"`
	MaxTokens   int              `json:"max_tokens"`
	Temperature float64          `json:"temperature"`
	Stream      bool             `json:"stream"`
}

func (s *Server) handleChatCompletions(w http.ResponseWriter, r *http.Request) {
	principal, ok := s.authenticated(w, r)
	if !ok {
		return
	}
	if !s.authorize(w, principal, auth.PermModelInference) {
		return
	}

	var req chatCompletionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		middleware.WriteError(w, svcerr.InvalidRequest(svcerr.CodeInvalidField, "malformed JSON body"))
		return
	}
	if req.Model == "" {
		middleware.WriteError(w, svcerr.MissingField("model"))
		return
	}
	if len(req.Messages) == 0 {
		middleware.WriteError(w, svcerr.MissingField("messages"))
		return
	}

	jobID := newJobID()
	ctx, cancel := context.WithTimeout(r.Context(), s.admissionTimeout)
	defer cancel()

	handle, err := s.scheduler.Submit(ctx, scheduler.Request{
		ID:          jobID,
		PrincipalID: principal.ID,
		Model:       req.Model,
		Messages:    req.Messages,
		Params:      backend.Params{MaxTokens: req.MaxTokens, Temperature: req.Temperature},
		Stream:      req.Stream,
	})
	if err != nil {
		middleware.WriteError(w, err)
		return
	}

	if req.Stream {
		if err := stream.WriteSSE(ctx, w, handle, req.Model); err != nil {
			s.logger.WithContext(ctx).WithField("job", jobID).WithField("err", err.Error()).Warn("sse stream ended early")
		}
		return
	}

	result, err := handle.Await(ctx)
	if err != nil {
		handle.Cancel()
		middleware.WriteError(w, svcerr.NoCapacity())
		return
	}
	if result.Err != nil {
		middleware.WriteError(w, result.Err)
		return
	}

	writeJSON(w, http.StatusOK, chatCompletionResponse(jobID, req.Model, result))
}

func chatCompletionResponse(jobID, model string, result scheduler.Result) map[string]any {
	return map[string]any{
		"id":      jobID,
		"object":  "chat.completion",
		"created": time.Now().Unix(),
		"model":   model,
		"choices": []map[string]any{{
			"index":         0,
			"message":       map[string]any{"role": "assistant", "content": result.Message},
			"finish_reason": "stop",
		}},
		"usage": map[string]any{
			"prompt_tokens":     result.Usage.PromptTokens,
			"completion_tokens": result.Usage.CompletionTokens,
			"total_tokens":      result.Usage.TotalTokens,
		},
	}
}

func (s *Server) handleChatCompletionsWS(w http.ResponseWriter, r *http.Request) {
	token := r.URL.Query().Get("token")
	if token == "" {
		token, _ = bearerToken(r)
	}
	if token == "" {
		middleware.WriteError(w, svcerr.MissingToken())
		return
	}
	claims, err := s.authSvc.Validate(r.Context(), token, auth.TokenAccess)
	if err != nil {
		middleware.WriteError(w, err)
		return
	}
	principal, err := s.users.ByID(r.Context(), claims.Subject)
	if err != nil {
		middleware.WriteError(w, svcerr.Internal("resolve principal", err))
		return
	}
	if !s.authorize(w, principal, auth.PermModelInference) {
		return
	}

	conn, err := stream.Upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	defer conn.Close()

	var req chatCompletionRequest
	if err := conn.ReadJSON(&req); err != nil {
		return
	}
	if req.Model == "" || len(req.Messages) == 0 {
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), s.admissionTimeout)
	defer cancel()

	handle, err := s.scheduler.Submit(ctx, scheduler.Request{
		ID:          newJobID(),
		PrincipalID: principal.ID,
		Model:       req.Model,
		Messages:    req.Messages,
		Params:      backend.Params{MaxTokens: req.MaxTokens, Temperature: req.Temperature},
		Stream:      true,
	})
	if err != nil {
		return
	}
	_ = stream.WriteWebSocket(ctx, conn, handle)
}

func (s *Server) handleGPUs(w http.ResponseWriter, r *http.Request) {
	principal, ok := s.authenticated(w, r)
	if !ok {
		return
	}
	if !s.authorize(w, principal, auth.PermMonitoringRead) {
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"devices": s.pool.Snapshot()})
}

type loginRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

func (s *Server) handleLogin(w http.ResponseWriter, r *http.Request) {
	var req loginRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		middleware.WriteError(w, svcerr.InvalidRequest(svcerr.CodeInvalidField, "malformed JSON body"))
		return
	}
	if req.Email == "" || req.Password == "" {
		middleware.WriteError(w, svcerr.MissingField("email"))
		return
	}

	principal, err := s.authSvc.Authenticate(r.Context(), req.Email, req.Password)
	if err != nil {
		middleware.WriteError(w, err)
		return
	}
	access, refresh, ttl, err := s.authSvc.Issue(r.Context(), principal)
	if err != nil {
		middleware.WriteError(w, svcerr.Internal("issue tokens", err))
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"access_token": access, "refresh_token": refresh, "expires_in": ttl,
	})
}

type refreshRequest struct {
	RefreshToken string `json:"refresh_token"`
}

func (s *Server) handleRefresh(w http.ResponseWriter, r *http.Request) {
	var req refreshRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.RefreshToken == "" {
		middleware.WriteError(w, svcerr.MissingField("refresh_token"))
		return
	}
	access, refresh, ttl, err := s.authSvc.Refresh(r.Context(), req.RefreshToken)
	if err != nil {
		middleware.WriteError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"access_token": access, "refresh_token": refresh, "expires_in": ttl,
	})
}

type revokeRequest struct {
	Token string `json:"token"`
}

func (s *Server) handleRevoke(w http.ResponseWriter, r *http.Request) {
	if _, ok := s.authenticated(w, r); !ok {
		return
	}
	var req revokeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Token == "" {
		middleware.WriteError(w, svcerr.MissingField("token"))
		return
	}
	if err := s.authSvc.Revoke(r.Context(), req.Token); err != nil {
		middleware.WriteError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func newJobID() string {
	return uuid.NewString()
}

func bearerToken(r *http.Request) (string, bool) {
	h := r.Header.Get("Authorization")
	const prefix = "Bearer "
	if !strings.HasPrefix(h, prefix) {
		return "", false
	}
	token := strings.TrimSpace(strings.TrimPrefix(h, prefix))
	if token == "" {
		return "", false
	}
	return token, true
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}
