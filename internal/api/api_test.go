package api

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"halcyon/internal/admission"
	"halcyon/internal/app"
	"halcyon/internal/config"
	"halcyon/internal/domain"
	"halcyon/internal/ports"
)

// fakeInference is a scriptable ports.Inference used instead of a real
// Ollama backend in HTTP-surface tests.
type fakeInference struct{}

func (fakeInference) Generate(ctx context.Context, prompt string, opts ports.CompletionOptions) (ports.Completion, error) {
	return ports.Completion{Text: "fake reply", Model: opts.Model}, nil
}

func (fakeInference) GenerateStream(ctx context.Context, prompt string, opts ports.CompletionOptions) (<-chan ports.Delta, error) {
	out := make(chan ports.Delta, 2)
	out <- ports.Delta{Text: "fake"}
	out <- ports.Delta{Done: true, Usage: &ports.Usage{TotalTokens: 1}}
	close(out)
	return out, nil
}

func (fakeInference) Health(ctx context.Context) (ports.Health, error) {
	return ports.Health{Healthy: true}, nil
}

const testPlaintextToken = "test-bearer-token"

func newTestRouter(t *testing.T) (*Router, string) {
	t.Helper()

	digest, err := admission.HashCredential(testPlaintextToken)
	require.NoError(t, err)
	userID := mustUUID(t)

	cfg := config.Defaults()
	cfg.StoragePath = filepath.Join(t.TempDir(), "halcyon.db")
	cfg.Cache.L2Path = filepath.Join(t.TempDir(), "cache.db")
	cfg.Memory.EncryptionKeyPath = filepath.Join(t.TempDir(), "memory.key")
	cfg.Memory.FreshInstall = true
	cfg.Security.Credentials = []config.Credential{{UserID: userID.String(), Digest: digest}}

	root, err := app.New(context.Background(), cfg, app.Ports{Inference: fakeInference{}})
	require.NoError(t, err)
	t.Cleanup(func() { _ = root.Shutdown(context.Background()) })

	return NewRouter(root, true), testPlaintextToken
}

func mustUUID(t *testing.T) domain.ID {
	t.Helper()
	id, err := domain.ParseID("11111111-1111-1111-1111-111111111111")
	require.NoError(t, err)
	return id
}

func TestHealthIsUnauthenticated(t *testing.T) {
	router, _ := newTestRouter(t)
	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	router.Engine().ServeHTTP(w, req)
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestReadyReflectsInferenceHealth(t *testing.T) {
	router, _ := newTestRouter(t)
	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/ready", nil)
	router.Engine().ServeHTTP(w, req)
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestChatWithoutBearerTokenIsUnauthorized(t *testing.T) {
	router, _ := newTestRouter(t)
	body, _ := json.Marshal(map[string]string{"message": "help"})
	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/v1/chat", bytes.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	router.Engine().ServeHTTP(w, req)
	assert.Equal(t, http.StatusUnauthorized, w.Code)
}

func TestChatWithBearerTokenReturnsHelpText(t *testing.T) {
	router, token := newTestRouter(t)
	body, _ := json.Marshal(map[string]string{"message": "help"})
	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/v1/chat", bytes.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+token)
	router.Engine().ServeHTTP(w, req)
	require.Equal(t, http.StatusOK, w.Code)

	var resp map[string]any
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.NotEmpty(t, resp["text"])
}

func TestSystemStatusReportsPendingApprovalsAndEnvironment(t *testing.T) {
	router, token := newTestRouter(t)
	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/v1/system/status", nil)
	req.Header.Set("Authorization", "Bearer "+token)
	router.Engine().ServeHTTP(w, req)
	require.Equal(t, http.StatusOK, w.Code)

	var resp map[string]any
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, "development", resp["environment"])
	assert.Contains(t, resp, "pending_approvals")
}

func TestWebhookRejectsBadSignature(t *testing.T) {
	router, _ := newTestRouter(t)
	body, _ := json.Marshal(map[string]string{"principal": "11111111-1111-1111-1111-111111111111", "text": "help"})
	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/webhook/test", bytes.NewReader(body))
	req.Header.Set("X-Signature", "deadbeef")
	router.Engine().ServeHTTP(w, req)
	assert.Equal(t, http.StatusUnauthorized, w.Code)
}

func TestCommandsParseDoesNotRequireSideEffectExecution(t *testing.T) {
	router, token := newTestRouter(t)
	body, _ := json.Marshal(map[string]string{"text": "help"})
	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/v1/commands/parse", bytes.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+token)
	router.Engine().ServeHTTP(w, req)
	assert.Equal(t, http.StatusOK, w.Code)
}
