package admission

import (
	"bytes"
	"context"
	"crypto/rand"
	"crypto/rsa"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"

	"github.com/helixgate/gateway/internal/auth"
	"github.com/helixgate/gateway/internal/auth/keys"
	"github.com/helixgate/gateway/internal/backend"
	"github.com/helixgate/gateway/internal/config"
	"github.com/helixgate/gateway/internal/gpupool"
	"github.com/helixgate/gateway/internal/jobs"
	"github.com/helixgate/gateway/internal/kvstore"
	"github.com/helixgate/gateway/internal/logging"
	"github.com/helixgate/gateway/internal/metrics"
	"github.com/helixgate/gateway/internal/ratelimit"
	"github.com/helixgate/gateway/internal/scheduler"
	"github.com/helixgate/gateway/internal/users"
	"github.com/helixgate/gateway/internal/workqueue"

	"github.com/prometheus/client_golang/prometheus"
)

type harness struct {
	server  *Server
	userStore *users.Memory
	authSvc *auth.Service
	cancel  context.CancelFunc
}

func newHarness(t *testing.T, tierLimits map[string]config.TierLimit) *harness {
	t.Helper()

	privateKey, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)
	provider := keys.NewInProcess(privateKey)

	userStore := users.NewMemory()
	rbac, err := auth.NewRBAC()
	require.NoError(t, err)
	authSvc := auth.NewService(userStore, kvstore.NewMemory(), provider, rbac, 15*time.Minute, 30*24*time.Hour)

	queue := workqueue.NewMemory(16)
	registry := jobs.NewRegistry(kvstore.NewMemory(), time.Hour)
	pool := gpupool.New([]gpupool.DeviceSpec{{ID: "gpu-0", TotalMemory: 24}}, false)
	be := backend.NewScripted(`function respond() { return "hello world"; }`)
	sched := scheduler.New(queue, registry, pool, be)

	ctx, cancel := context.WithCancel(context.Background())
	go sched.Run(ctx)

	limiter := ratelimit.New(kvstore.NewMemory(), time.Minute)
	sink := metrics.NewWithRegistry(prometheus.NewRegistry())
	logger := logging.New("test", "error", "json")

	if tierLimits == nil {
		tierLimits = map[string]config.TierLimit{
			"free": {Limit: 10, Window: time.Minute},
		}
	}

	srv := NewServer(authSvc, userStore, limiter, sched, pool, sink, logger, tierLimits, 2*time.Second)
	return &harness{server: srv, userStore: userStore, authSvc: authSvc, cancel: cancel}
}

func (h *harness) addUser(t *testing.T, id, email, password string, tier auth.Tier, roles ...string) *auth.Principal {
	t.Helper()
	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.MinCost)
	require.NoError(t, err)
	p := &auth.Principal{ID: id, Email: email, Tier: tier, Status: auth.StatusActive, PasswordHash: string(hash), Roles: roles}
	h.userStore.Put(p)
	return p
}

func (h *harness) accessToken(t *testing.T, p *auth.Principal) string {
	t.Helper()
	access, _, _, err := h.authSvc.Issue(context.Background(), p)
	require.NoError(t, err)
	return access
}

func TestHealthReportsHealthy(t *testing.T) {
	h := newHarness(t, nil)
	defer h.cancel()

	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	rec := httptest.NewRecorder()
	h.server.Router().ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	var body map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	require.Equal(t, "healthy", body["status"])
}

func TestModelsListsStaticCatalogWithoutAuth(t *testing.T) {
	h := newHarness(t, nil)
	defer h.cancel()

	req := httptest.NewRequest(http.MethodGet, "/v1/models", nil)
	rec := httptest.NewRecorder()
	h.server.Router().ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	var body struct {
		Data []ModelInfo `json:"data"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	require.Len(t, body.Data, 4)
}

func TestLoginIssuesTokenPair(t *testing.T) {
	h := newHarness(t, nil)
	defer h.cancel()
	h.addUser(t, "u1", "a@example.com", "correct-horse", auth.TierFree, "free")

	payload, _ := json.Marshal(map[string]string{"email": "a@example.com", "password": "correct-horse"})
	req := httptest.NewRequest(http.MethodPost, "/v1/auth/login", bytes.NewReader(payload))
	rec := httptest.NewRecorder()
	h.server.Router().ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	var body map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	require.NotEmpty(t, body["access_token"])
	require.NotEmpty(t, body["refresh_token"])
}

func TestLoginRejectsBadPassword(t *testing.T) {
	h := newHarness(t, nil)
	defer h.cancel()
	h.addUser(t, "u1", "a@example.com", "correct-horse", auth.TierFree, "free")

	payload, _ := json.Marshal(map[string]string{"email": "a@example.com", "password": "wrong"})
	req := httptest.NewRequest(http.MethodPost, "/v1/auth/login", bytes.NewReader(payload))
	rec := httptest.NewRecorder()
	h.server.Router().ServeHTTP(rec, req)

	require.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestChatCompletionsRequiresBearer(t *testing.T) {
	h := newHarness(t, nil)
	defer h.cancel()

	payload, _ := json.Marshal(map[string]any{"model": "gpt-4", "messages": []map[string]string{{"role": "user", "content": "hi"}}})
	req := httptest.NewRequest(http.MethodPost, "/v1/chat/completions", bytes.NewReader(payload))
	rec := httptest.NewRecorder()
	h.server.Router().ServeHTTP(rec, req)

	require.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestChatCompletionsSyncReturnsCompletion(t *testing.T) {
	h := newHarness(t, nil)
	defer h.cancel()
	p := h.addUser(t, "u1", "a@example.com", "correct-horse", auth.TierFree, "free")
	token := h.accessToken(t, p)

	payload, _ := json.Marshal(map[string]any{"model": "gpt-4", "messages": []map[string]string{{"role": "user", "content": "hi"}}})
	req := httptest.NewRequest(http.MethodPost, "/v1/chat/completions", bytes.NewReader(payload))
	req.Header.Set("Authorization", "Bearer "+token)
	rec := httptest.NewRecorder()
	h.server.Router().ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	require.NotEmpty(t, rec.Header().Get("X-RateLimit-Limit"))

	var body map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	choices := body["choices"].([]any)
	require.Len(t, choices, 1)
}

func TestChatCompletionsRejectsMissingMessages(t *testing.T) {
	h := newHarness(t, nil)
	defer h.cancel()
	p := h.addUser(t, "u1", "a@example.com", "correct-horse", auth.TierFree, "free")
	token := h.accessToken(t, p)

	payload, _ := json.Marshal(map[string]any{"model": "gpt-4"})
	req := httptest.NewRequest(http.MethodPost, "/v1/chat/completions", bytes.NewReader(payload))
	req.Header.Set("Authorization", "Bearer "+token)
	rec := httptest.NewRecorder()
	h.server.Router().ServeHTTP(rec, req)

	require.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestChatCompletionsRateLimitedReturns429(t *testing.T) {
	h := newHarness(t, map[string]config.TierLimit{"free": {Limit: 1, Window: time.Minute}})
	defer h.cancel()
	p := h.addUser(t, "u1", "a@example.com", "correct-horse", auth.TierFree, "free")
	token := h.accessToken(t, p)

	payload, _ := json.Marshal(map[string]any{"model": "gpt-4", "messages": []map[string]string{{"role": "user", "content": "hi"}}})

	req1 := httptest.NewRequest(http.MethodPost, "/v1/chat/completions", bytes.NewReader(payload))
	req1.Header.Set("Authorization", "Bearer "+token)
	rec1 := httptest.NewRecorder()
	h.server.Router().ServeHTTP(rec1, req1)
	require.Equal(t, http.StatusOK, rec1.Code)

	req2 := httptest.NewRequest(http.MethodPost, "/v1/chat/completions", bytes.NewReader(payload))
	req2.Header.Set("Authorization", "Bearer "+token)
	rec2 := httptest.NewRecorder()
	h.server.Router().ServeHTTP(rec2, req2)
	require.Equal(t, http.StatusTooManyRequests, rec2.Code)
	require.NotEmpty(t, rec2.Header().Get("Retry-After"))
}

func TestGPUsRequiresMonitoringPermission(t *testing.T) {
	h := newHarness(t, nil)
	defer h.cancel()
	p := h.addUser(t, "u1", "a@example.com", "correct-horse", auth.TierFree, "free")
	token := h.accessToken(t, p)

	req := httptest.NewRequest(http.MethodGet, "/v1/gpus", nil)
	req.Header.Set("Authorization", "Bearer "+token)
	rec := httptest.NewRecorder()
	h.server.Router().ServeHTTP(rec, req)

	require.Equal(t, http.StatusForbidden, rec.Code)
}

func TestGPUsSnapshotForEnterpriseUser(t *testing.T) {
	h := newHarness(t, nil)
	defer h.cancel()
	p := h.addUser(t, "u1", "a@example.com", "correct-horse", auth.TierEnterprise, "enterprise")
	token := h.accessToken(t, p)

	req := httptest.NewRequest(http.MethodGet, "/v1/gpus", nil)
	req.Header.Set("Authorization", "Bearer "+token)
	rec := httptest.NewRecorder()
	h.server.Router().ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
}

func TestRefreshRotatesTokenPair(t *testing.T) {
	h := newHarness(t, nil)
	defer h.cancel()
	p := h.addUser(t, "u1", "a@example.com", "correct-horse", auth.TierFree, "free")
	_, refresh, _, err := h.authSvc.Issue(context.Background(), p)
	require.NoError(t, err)

	payload, _ := json.Marshal(map[string]string{"refresh_token": refresh})
	req := httptest.NewRequest(http.MethodPost, "/v1/auth/refresh", bytes.NewReader(payload))
	rec := httptest.NewRecorder()
	h.server.Router().ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
}

func TestRevokeRequiresBearerAndReturnsNoContent(t *testing.T) {
	h := newHarness(t, nil)
	defer h.cancel()
	p := h.addUser(t, "u1", "a@example.com", "correct-horse", auth.TierFree, "free")
	access := h.accessToken(t, p)

	payload, _ := json.Marshal(map[string]string{"token": access})
	req := httptest.NewRequest(http.MethodPost, "/v1/auth/revoke", bytes.NewReader(payload))
	req.Header.Set("Authorization", "Bearer "+access)
	rec := httptest.NewRecorder()
	h.server.Router().ServeHTTP(rec, req)

	require.Equal(t, http.StatusNoContent, rec.Code)
}
