package middleware

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testRateConfig() RateLimiterConfig {
	return RateLimiterConfig{
		GeneralRate:     1,
		GeneralBurst:    2,
		SyncRate:        0.1,
		SyncBurst:       1,
		CleanupInterval: time.Minute,
	}
}

func okHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
}

func doAs(h http.Handler, userID string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodGet, "/api/integrations/strava/status", nil)
	if userID != "" {
		req = req.WithContext(ContextWithUserID(req.Context(), userID))
	}
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)
	return w
}

func TestGeneralMiddleware_AllowsBurstThenLimits(t *testing.T) {
	rl := NewRateLimiter(testRateConfig())
	defer rl.Stop()
	h := rl.GeneralMiddleware()(okHandler())

	assert.Equal(t, http.StatusOK, doAs(h, "user-1").Code)
	assert.Equal(t, http.StatusOK, doAs(h, "user-1").Code)

	w := doAs(h, "user-1")
	assert.Equal(t, http.StatusTooManyRequests, w.Code)
	assert.Equal(t, "1", w.Header().Get("Retry-After"))
}

func TestGeneralMiddleware_IsolatesUsers(t *testing.T) {
	rl := NewRateLimiter(testRateConfig())
	defer rl.Stop()
	h := rl.GeneralMiddleware()(okHandler())

	doAs(h, "user-1")
	doAs(h, "user-1")
	require.Equal(t, http.StatusTooManyRequests, doAs(h, "user-1").Code)

	assert.Equal(t, http.StatusOK, doAs(h, "user-2").Code)
	assert.Equal(t, 2, rl.GeneralLimiterCount())
}

func TestRateLimit_NoUserIDReturns401(t *testing.T) {
	rl := NewRateLimiter(testRateConfig())
	defer rl.Stop()

	assert.Equal(t, http.StatusUnauthorized, doAs(rl.GeneralMiddleware()(okHandler()), "").Code)
	assert.Equal(t, http.StatusUnauthorized, doAs(rl.SyncMiddleware()(okHandler()), "").Code)
}

func TestSyncMiddleware_IndependentFromGeneral(t *testing.T) {
	rl := NewRateLimiter(testRateConfig())
	defer rl.Stop()
	general := rl.GeneralMiddleware()(okHandler())
	sync := rl.SyncMiddleware()(okHandler())

	assert.Equal(t, http.StatusOK, doAs(sync, "user-1").Code)
	w := doAs(sync, "user-1")
	assert.Equal(t, http.StatusTooManyRequests, w.Code)
	assert.Equal(t, "10", w.Header().Get("Retry-After"))

	// 手動同期の制限はAPI全般に影響しない
	assert.Equal(t, http.StatusOK, doAs(general, "user-1").Code)
	assert.Equal(t, 1, rl.SyncLimiterCount())
}

func TestRateLimit_429ResponseIsUnifiedJSON(t *testing.T) {
	rl := NewRateLimiter(testRateConfig())
	defer rl.Stop()
	h := rl.SyncMiddleware()(okHandler())

	doAs(h, "user-json")
	w := doAs(h, "user-json")
	require.Equal(t, http.StatusTooManyRequests, w.Code)
	assert.Equal(t, "application/json", w.Header().Get("Content-Type"))

	var body ErrorResponseBody
	require.NoError(t, json.NewDecoder(w.Body).Decode(&body))
	assert.Equal(t, "RATE_LIMIT_EXCEEDED", body.Code)
	assert.Equal(t, "system", body.Category)
	assert.NotEmpty(t, body.Action)
}

func TestRateLimiter_CleanupRemovesExpiredEntries(t *testing.T) {
	cfg := testRateConfig()
	cfg.CleanupInterval = 50 * time.Millisecond
	rl := NewRateLimiter(cfg)
	defer rl.Stop()

	doAs(rl.GeneralMiddleware()(okHandler()), "user-cleanup")
	doAs(rl.SyncMiddleware()(okHandler()), "user-cleanup")
	require.Equal(t, 1, rl.GeneralLimiterCount())

	// TTLは50ms * 2 = 100ms
	assert.Eventually(t, func() bool {
		return rl.GeneralLimiterCount() == 0 && rl.SyncLimiterCount() == 0
	}, 2*time.Second, 20*time.Millisecond)
}

func TestRateLimiter_StopIsIdempotent(t *testing.T) {
	rl := NewRateLimiter(testRateConfig())
	rl.Stop()
	rl.Stop()
}

func TestDefaultRateLimiterConfig(t *testing.T) {
	cfg := DefaultRateLimiterConfig()

	assert.InDelta(t, 2.0, float64(cfg.GeneralRate), 1e-9)
	assert.Equal(t, 120, cfg.GeneralBurst)
	assert.InDelta(t, 0.1, float64(cfg.SyncRate), 1e-9)
	assert.Equal(t, 6, cfg.SyncBurst)
}

func TestRateLimiterConfigPerMinute(t *testing.T) {
	cfg := RateLimiterConfigPerMinute(30, 3)
	assert.InDelta(t, 0.5, float64(cfg.GeneralRate), 1e-9)
	assert.Equal(t, 30, cfg.GeneralBurst)
	assert.Equal(t, 3, cfg.SyncBurst)
}
