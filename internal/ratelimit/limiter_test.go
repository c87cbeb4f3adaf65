package ratelimit

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/M1PPosu/lazer-server-sub001/internal/chat"
	"github.com/M1PPosu/lazer-server-sub001/internal/config"
	"github.com/M1PPosu/lazer-server-sub001/internal/store"
)

func testConfig(auth, verify, messages string) *config.Config {
	return &config.Config{
		RateLimitAuth:     auth,
		RateLimitVerify:   verify,
		RateLimitMessages: messages,
	}
}

func TestNew_InvalidRateFormat(t *testing.T) {
	_, err := New(testConfig("lots", "10-M", "300-M"), nil)
	require.ErrorContains(t, err, "invalid auth rate")

	_, err = New(testConfig("30-M", "nope", "300-M"), nil)
	require.ErrorContains(t, err, "invalid verify rate")
}

func hit(r http.Handler, ip string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodPost, "/oauth/token", nil)
	req.RemoteAddr = ip + ":40000"
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	return w
}

func TestAuth_LimitsPerIP(t *testing.T) {
	gin.SetMode(gin.TestMode)
	rl, err := New(testConfig("2-M", "10-M", "300-M"), nil)
	require.NoError(t, err)

	r := gin.New()
	r.POST("/oauth/token", rl.Auth(), func(c *gin.Context) { c.Status(http.StatusOK) })

	w := hit(r, "198.51.100.1")
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "2", w.Header().Get("X-RateLimit-Limit"))
	assert.Equal(t, "1", w.Header().Get("X-RateLimit-Remaining"))

	assert.Equal(t, http.StatusOK, hit(r, "198.51.100.1").Code)

	w = hit(r, "198.51.100.1")
	assert.Equal(t, http.StatusTooManyRequests, w.Code)
	assert.NotEmpty(t, w.Header().Get("Retry-After"))
	assert.Contains(t, w.Body.String(), "Too many requests")

	// Another address has its own budget.
	assert.Equal(t, http.StatusOK, hit(r, "198.51.100.2").Code)
}

func TestMessages_KeyedByAuthenticatedUser(t *testing.T) {
	gin.SetMode(gin.TestMode)
	rl, err := New(testConfig("30-M", "10-M", "1-M"), nil)
	require.NoError(t, err)

	asUser := func(id int32) gin.HandlerFunc {
		return func(c *gin.Context) {
			c.Set(chat.ContextUserKey, &store.User{ID: id})
		}
	}

	r := gin.New()
	r.POST("/u1", asUser(1), rl.Messages(), func(c *gin.Context) { c.Status(http.StatusOK) })
	r.POST("/u2", asUser(2), rl.Messages(), func(c *gin.Context) { c.Status(http.StatusOK) })

	post := func(path string) int {
		req := httptest.NewRequest(http.MethodPost, path, nil)
		// Same source address for everyone; the user id must win.
		req.RemoteAddr = "198.51.100.9:40000"
		w := httptest.NewRecorder()
		r.ServeHTTP(w, req)
		return w.Code
	}

	assert.Equal(t, http.StatusOK, post("/u1"))
	assert.Equal(t, http.StatusTooManyRequests, post("/u1"))
	assert.Equal(t, http.StatusOK, post("/u2"))
}

func TestMessages_FallsBackToIP(t *testing.T) {
	gin.SetMode(gin.TestMode)
	rl, err := New(testConfig("30-M", "10-M", "1-M"), nil)
	require.NoError(t, err)

	r := gin.New()
	r.POST("/anon", rl.Messages(), func(c *gin.Context) { c.Status(http.StatusOK) })

	req := httptest.NewRequest(http.MethodPost, "/anon", nil)
	req.RemoteAddr = "198.51.100.7:40000"
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	assert.Equal(t, http.StatusOK, w.Code)

	w = httptest.NewRecorder()
	r.ServeHTTP(w, req)
	assert.Equal(t, http.StatusTooManyRequests, w.Code)
}
