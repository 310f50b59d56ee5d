package admission

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"net/http"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"halcyon/internal/domain"
	"halcyon/internal/storage"
)

func computeHMACHex(body, secret []byte) string {
	mac := hmac.New(sha256.New, secret)
	mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}

func TestHashAndVerifyCredentialRoundTrip(t *testing.T) {
	digest, err := HashCredential("correct horse battery staple")
	require.NoError(t, err)

	ok, err := VerifyCredential("correct horse battery staple", digest)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = VerifyCredential("wrong", digest)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestVerifyCredentialRejectsMalformedDigest(t *testing.T) {
	_, err := VerifyCredential("anything", "not-a-digest")
	require.Error(t, err)
}

func TestCredentialStoreAuthenticate(t *testing.T) {
	db, err := storage.Open(context.Background(), filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	owner := domain.NewID()
	digest, err := HashCredential("s3cr3t")
	require.NoError(t, err)
	store := NewCredentialStore(db.DB, owner, digest)

	got, err := store.Authenticate(context.Background(), "s3cr3t")
	require.NoError(t, err)
	assert.Equal(t, owner, got)

	_, err = store.Authenticate(context.Background(), "wrong")
	require.Error(t, err)

	require.NoError(t, store.TouchLastSeen(context.Background(), owner, time.Now()))
}

func TestRateLimiterAllowsWithinBurstThenLimits(t *testing.T) {
	rl := NewRateLimiter(RateLimiterConfig{RequestsPerMinute: 60, Burst: 2, IdleTTL: time.Minute})
	now := time.Now()

	ok1, _ := rl.Allow("1.2.3.4", now)
	ok2, _ := rl.Allow("1.2.3.4", now)
	ok3, retryAfter := rl.Allow("1.2.3.4", now)

	assert.True(t, ok1)
	assert.True(t, ok2)
	assert.False(t, ok3)
	assert.Greater(t, retryAfter, time.Duration(0))
}

func TestRateLimiterIsolatesByRemoteAddr(t *testing.T) {
	rl := NewRateLimiter(RateLimiterConfig{RequestsPerMinute: 60, Burst: 1, IdleTTL: time.Minute})
	now := time.Now()

	ok1, _ := rl.Allow("1.2.3.4", now)
	ok2, _ := rl.Allow("5.6.7.8", now)

	assert.True(t, ok1)
	assert.True(t, ok2)
}

func TestRateLimiterSweepRemovesIdleBuckets(t *testing.T) {
	rl := NewRateLimiter(RateLimiterConfig{RequestsPerMinute: 60, Burst: 1, IdleTTL: time.Minute})
	now := time.Now()
	rl.Allow("1.2.3.4", now)

	removed := rl.Sweep(now.Add(2 * time.Minute))
	assert.Equal(t, 1, removed)
}

func TestCorrelationIDPrefersCallerSupplied(t *testing.T) {
	req, _ := http.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("X-Request-Id", "fixed-id")
	assert.Equal(t, "fixed-id", CorrelationIDFromRequest(req))

	req2, _ := http.NewRequest(http.MethodGet, "/", nil)
	id := CorrelationIDFromRequest(req2)
	assert.NotEmpty(t, id)
}

func TestBearerTokenExtraction(t *testing.T) {
	req, _ := http.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("Authorization", "Bearer abc123")
	tok, ok := BearerToken(req)
	assert.True(t, ok)
	assert.Equal(t, "abc123", tok)

	req2, _ := http.NewRequest(http.MethodGet, "/", nil)
	_, ok = BearerToken(req2)
	assert.False(t, ok)
}

func TestVerifyWebhookSignature(t *testing.T) {
	secret := []byte("webhook-secret")
	body := []byte(`{"event":"ping"}`)

	sig := computeHMACHex(body, secret)
	assert.True(t, VerifyWebhookSignature(body, sig, secret))
	assert.False(t, VerifyWebhookSignature(body, sig, []byte("wrong-secret")))
	assert.False(t, VerifyWebhookSignature([]byte("tampered"), sig, secret))
}
