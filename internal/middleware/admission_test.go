package middleware

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strconv"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aman-churiwal/admission-engine/internal/config"
	"github.com/aman-churiwal/admission-engine/internal/limiter"
	"github.com/aman-churiwal/admission-engine/internal/metrics"
	"github.com/aman-churiwal/admission-engine/internal/models"
	"github.com/aman-churiwal/admission-engine/internal/tier"
)

type mapCache struct {
	values map[string]string
}

func newMapCache() *mapCache {
	return &mapCache{values: make(map[string]string)}
}

func (c *mapCache) Get(ctx context.Context, key string) (string, error) {
	if v, ok := c.values[key]; ok {
		return v, nil
	}
	return "", redis.Nil
}

func (c *mapCache) Set(ctx context.Context, key string, value interface{}, ttl time.Duration) error {
	c.values[key] = fmt.Sprint(value)
	return nil
}

func (c *mapCache) Del(ctx context.Context, keys ...string) error {
	for _, k := range keys {
		delete(c.values, k)
	}
	return nil
}

type mapSubs struct {
	plans map[string]string
}

func (s *mapSubs) FindByCallerKey(ctx context.Context, callerKey string) (*models.Subscription, error) {
	plan, ok := s.plans[callerKey]
	if !ok {
		return nil, nil
	}
	return &models.Subscription{CallerKey: callerKey, PlanName: plan, IsActive: true}, nil
}

func (s *mapSubs) FindByCallerKeys(ctx context.Context, callerKeys []string) ([]models.Subscription, error) {
	var out []models.Subscription
	for _, key := range callerKeys {
		if plan, ok := s.plans[key]; ok {
			out = append(out, models.Subscription{CallerKey: key, PlanName: plan, IsActive: true})
		}
	}
	return out, nil
}

type testEnv struct {
	router  *gin.Engine
	catalog *tier.Catalog
}

func newTestEnv(t *testing.T, tierOverrides map[string]tier.Definition, cfg config.AdmissionConfig) *testEnv {
	t.Helper()
	gin.SetMode(gin.TestMode)

	catalog := tier.NewCatalog(tierOverrides, nil)
	subs := &mapSubs{plans: map[string]string{
		"wallet:0xpro": "pro",
	}}
	resolver := tier.NewResolver(newMapCache(), subs, time.Minute, tier.Free)

	opts := limiter.EvalOptions{
		ViolationThreshold: 100,
		PenaltyDuration:    5 * time.Minute,
		ConcurrencyMaxAge:  5 * time.Minute,
	}
	evaluator := limiter.NewEvaluator(limiter.NewMemoryCounterStore(), catalog, opts, false)
	recorder := metrics.NewRecorder(nil, 10, time.Second)

	router := gin.New()
	router.Use(Admission(resolver, evaluator, recorder, cfg))
	router.GET("/*endpoint", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"ok": true})
	})

	return &testEnv{router: router, catalog: catalog}
}

func (e *testEnv) request(key, path string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodGet, path, nil)
	if key != "" {
		req.Header.Set(CallerKeyHeader, key)
	}
	w := httptest.NewRecorder()
	e.router.ServeHTTP(w, req)
	return w
}

func body(t *testing.T, w *httptest.ResponseRecorder) map[string]interface{} {
	t.Helper()
	var out map[string]interface{}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &out))
	return out
}

func TestAdmissionAllowed(t *testing.T) {
	env := newTestEnv(t, nil, config.AdmissionConfig{})

	w := env.request("wallet:0xpro", "/api/data")
	require.Equal(t, http.StatusOK, w.Code)

	premium := env.catalog.Get(tier.Premium)
	assert.Equal(t, "premium", w.Header().Get("X-RateLimit-Tier"))
	assert.Equal(t, strconv.Itoa(premium.MaxRequests), w.Header().Get("X-RateLimit-Limit"))
	assert.Equal(t, strconv.Itoa(premium.MaxRequests-1), w.Header().Get("X-RateLimit-Remaining"))
	assert.NotEmpty(t, w.Header().Get("X-RateLimit-Reset"))
	assert.Equal(t, strconv.Itoa(premium.DailyLimit), w.Header().Get("X-RateLimit-Daily-Limit"))
	assert.Equal(t, strconv.Itoa(premium.DailyLimit-1), w.Header().Get("X-RateLimit-Daily-Remaining"))
}

func TestAdmissionUnknownCallerGetsFreeTier(t *testing.T) {
	env := newTestEnv(t, nil, config.AdmissionConfig{})

	w := env.request("wallet:0xnobody", "/api/data")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "free", w.Header().Get("X-RateLimit-Tier"))
}

func TestAdmissionMissingHeaderFallsBackToIP(t *testing.T) {
	env := newTestEnv(t, nil, config.AdmissionConfig{})

	w := env.request("", "/api/data")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "free", w.Header().Get("X-RateLimit-Tier"))
}

func TestAdmissionInvalidKey(t *testing.T) {
	env := newTestEnv(t, nil, config.AdmissionConfig{})

	w := env.request("user:42", "/api/data")
	require.Equal(t, http.StatusBadRequest, w.Code)

	resp := body(t, w)
	assert.Equal(t, "INVALID_KEY", resp["errorCode"])
}

func TestAdmissionWhitelistBypass(t *testing.T) {
	env := newTestEnv(t, map[string]tier.Definition{
		"free": {BurstLimit: 1},
	}, config.AdmissionConfig{Whitelist: []string{"wallet:0xvip"}})

	// Far past what the burst limit would allow
	for i := 0; i < 5; i++ {
		w := env.request("wallet:0xvip", "/api/data")
		require.Equal(t, http.StatusOK, w.Code)
		assert.Empty(t, w.Header().Get("X-RateLimit-Limit"), "whitelisted callers skip evaluation")
	}
}

func TestAdmissionBlacklist(t *testing.T) {
	env := newTestEnv(t, nil, config.AdmissionConfig{Blacklist: []string{"wallet:0xbad"}})

	w := env.request("wallet:0xbad", "/api/data")
	require.Equal(t, http.StatusForbidden, w.Code)

	resp := body(t, w)
	assert.Equal(t, "BLOCKED", resp["errorCode"])
}

func TestAdmissionDenialBody(t *testing.T) {
	env := newTestEnv(t, map[string]tier.Definition{
		"free": {BurstLimit: 1},
	}, config.AdmissionConfig{})

	require.Equal(t, http.StatusOK, env.request("ip:1.2.3.4", "/api/data").Code)

	w := env.request("ip:1.2.3.4", "/api/data")
	require.Equal(t, http.StatusTooManyRequests, w.Code)

	retryAfter, err := strconv.Atoi(w.Header().Get("Retry-After"))
	require.NoError(t, err)
	assert.GreaterOrEqual(t, retryAfter, 1)

	resp := body(t, w)
	assert.Equal(t, "Rate limit exceeded", resp["error"])
	assert.Equal(t, "BURST_LIMIT_EXCEEDED", resp["errorCode"])
	assert.NotEmpty(t, resp["message"])
	assert.NotEmpty(t, resp["timestamp"])

	details, ok := resp["details"].(map[string]interface{})
	require.True(t, ok)
	assert.Equal(t, "burst_limit_exceeded", details["reason"])
	assert.Equal(t, "free", details["tier"])
	assert.Equal(t, "slow_down", details["suggestion"])
	assert.EqualValues(t, retryAfter, details["retryAfter"])

	limits, ok := details["limits"].(map[string]interface{})
	require.True(t, ok)
	assert.EqualValues(t, 1, limits["burst_limit"])
}

func TestAdmissionFreeTierDenialSuggestsUpgrade(t *testing.T) {
	env := newTestEnv(t, map[string]tier.Definition{
		"free": {BurstLimit: 1},
	}, config.AdmissionConfig{})

	env.request("ip:1.2.3.4", "/api/data")
	w := env.request("ip:1.2.3.4", "/api/data")
	require.Equal(t, http.StatusTooManyRequests, w.Code)

	resp := body(t, w)
	assert.Contains(t, resp["message"], "Upgrade")
}

func TestAdmissionFreeTierWindowDenialSuggestsUpgrade(t *testing.T) {
	env := newTestEnv(t, map[string]tier.Definition{
		"free": {MaxRequests: 1},
	}, config.AdmissionConfig{})

	require.Equal(t, http.StatusOK, env.request("ip:5.6.7.8", "/api/data").Code)

	w := env.request("ip:5.6.7.8", "/api/data")
	require.Equal(t, http.StatusTooManyRequests, w.Code)

	resp := body(t, w)
	assert.Equal(t, "WINDOW_LIMIT_EXCEEDED", resp["errorCode"])

	details, ok := resp["details"].(map[string]interface{})
	require.True(t, ok)
	assert.Equal(t, "upgrade_subscription", details["suggestion"])
}

func TestAdmissionReleasesConcurrencySlot(t *testing.T) {
	env := newTestEnv(t, map[string]tier.Definition{
		"free": {ConcurrentLimit: 1},
	}, config.AdmissionConfig{})

	// Sequential requests reuse the single slot because the middleware
	// releases it when each request finishes
	for i := 0; i < 4; i++ {
		w := env.request("wallet:0xseq", "/api/data")
		require.Equal(t, http.StatusOK, w.Code, "request %d", i+1)
	}
}

func TestAdmissionEndpointMultiplier(t *testing.T) {
	gin.SetMode(gin.TestMode)

	catalog := tier.NewCatalog(nil, []tier.EndpointOverride{
		{Prefix: "/api/content/upload", Multiplier: 0.5},
	})
	resolver := tier.NewResolver(newMapCache(), &mapSubs{plans: map[string]string{}}, time.Minute, tier.Free)
	evaluator := limiter.NewEvaluator(limiter.NewMemoryCounterStore(), catalog, limiter.EvalOptions{}, false)
	recorder := metrics.NewRecorder(nil, 10, time.Second)

	router := gin.New()
	router.Use(Admission(resolver, evaluator, recorder, config.AdmissionConfig{}))
	router.GET("/*endpoint", func(c *gin.Context) { c.Status(http.StatusOK) })

	req := httptest.NewRequest(http.MethodGet, "/api/content/upload", nil)
	req.Header.Set(CallerKeyHeader, "wallet:0xabc")
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)

	free := catalog.Get(tier.Free)
	assert.Equal(t, strconv.Itoa(free.MaxRequests/2), w.Header().Get("X-RateLimit-Limit"))
}
