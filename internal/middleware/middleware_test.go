package middleware

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"mailtrack/backend/internal/auth/jwt"
	"mailtrack/backend/internal/monitoring"
)

func init() {
	gin.SetMode(gin.TestMode)
}

func newTokens() *jwt.Manager {
	return jwt.NewManager("test-secret-key-for-development-32-chars", "mailtrack", time.Minute, time.Hour)
}

func TestJWTAuth(t *testing.T) {
	tokens := newTokens()

	newRouter := func(enabled bool) *gin.Engine {
		auth := NewJWTAuth(tokens, enabled, nil)
		r := gin.New()
		r.GET("/api/emails", auth.RequireAuth(), auth.RequireRole("admin"), func(c *gin.Context) {
			c.String(http.StatusOK, c.GetString(ContextKeyUsername))
		})
		return r
	}

	t.Run("缺少令牌返回401", func(t *testing.T) {
		rec := httptest.NewRecorder()
		newRouter(true).ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/emails", nil))
		assert.Equal(t, http.StatusUnauthorized, rec.Code)
	})

	t.Run("有效令牌写入上下文", func(t *testing.T) {
		pair, err := tokens.GenerateTokenPair("alice", "admin")
		require.NoError(t, err)

		req := httptest.NewRequest(http.MethodGet, "/api/emails", nil)
		req.Header.Set("Authorization", "Bearer "+pair.AccessToken)
		rec := httptest.NewRecorder()
		newRouter(true).ServeHTTP(rec, req)

		assert.Equal(t, http.StatusOK, rec.Code)
		assert.Equal(t, "alice", rec.Body.String())
	})

	t.Run("刷新令牌不能访问接口", func(t *testing.T) {
		pair, err := tokens.GenerateTokenPair("alice", "admin")
		require.NoError(t, err)

		req := httptest.NewRequest(http.MethodGet, "/api/emails", nil)
		req.Header.Set("Authorization", "Bearer "+pair.RefreshToken)
		rec := httptest.NewRecorder()
		newRouter(true).ServeHTTP(rec, req)
		assert.Equal(t, http.StatusUnauthorized, rec.Code)
	})

	t.Run("角色不足返回403", func(t *testing.T) {
		pair, err := tokens.GenerateTokenPair("bob", "viewer")
		require.NoError(t, err)

		req := httptest.NewRequest(http.MethodGet, "/api/emails", nil)
		req.AddCookie(&http.Cookie{Name: "access_token", Value: pair.AccessToken})
		rec := httptest.NewRecorder()
		newRouter(true).ServeHTTP(rec, req)
		assert.Equal(t, http.StatusForbidden, rec.Code)
	})

	t.Run("关闭认证时放行", func(t *testing.T) {
		rec := httptest.NewRecorder()
		newRouter(false).ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/emails", nil))
		assert.Equal(t, http.StatusOK, rec.Code)
	})
}

func TestMonitoringMiddleware(t *testing.T) {
	metrics := monitoring.NewMetrics(prometheus.NewRegistry())
	mm := NewMonitoringMiddleware(metrics, nil)

	r := gin.New()
	r.Use(mm.PanicRecovery(), mm.HTTPMetrics())
	r.GET("/pixel/:trackingId", func(c *gin.Context) { c.Status(http.StatusOK) })
	r.GET("/boom", func(c *gin.Context) { panic("boom") })

	t.Run("按路由模板计数", func(t *testing.T) {
		for _, id := range []string{"a.gif", "b.gif"} {
			rec := httptest.NewRecorder()
			r.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/pixel/"+id, nil))
			require.Equal(t, http.StatusOK, rec.Code)
		}
		assert.Equal(t, 2.0, testutil.ToFloat64(metrics.HTTPRequestsTotal.WithLabelValues("GET", "/pixel/:trackingId", "200")))
	})

	t.Run("恢复panic", func(t *testing.T) {
		rec := httptest.NewRecorder()
		r.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/boom", nil))
		assert.Equal(t, http.StatusInternalServerError, rec.Code)
		assert.Equal(t, 1.0, testutil.ToFloat64(metrics.PanicsTotal))
	})
}

func TestDynamicBodySizeLimit(t *testing.T) {
	r := gin.New()
	r.Use(DynamicBodySizeLimit(map[string]int64{"/api/send-email": 128}, 16))
	r.POST("/api/send-email", func(c *gin.Context) { c.Status(http.StatusOK) })
	r.POST("/api/create-tracker", func(c *gin.Context) { c.Status(http.StatusOK) })

	send := func(path string, size int) int {
		rec := httptest.NewRecorder()
		req := httptest.NewRequest(http.MethodPost, path, strings.NewReader(strings.Repeat("x", size)))
		r.ServeHTTP(rec, req)
		return rec.Code
	}

	t.Run("按路由放宽限制", func(t *testing.T) {
		assert.Equal(t, http.StatusOK, send("/api/send-email", 64))
		assert.Equal(t, http.StatusRequestEntityTooLarge, send("/api/send-email", 256))
	})

	t.Run("其他路由使用默认限制", func(t *testing.T) {
		assert.Equal(t, http.StatusRequestEntityTooLarge, send("/api/create-tracker", 64))
	})
}

func TestValidateContentType(t *testing.T) {
	r := gin.New()
	r.POST("/api/create-tracker", ValidateContentType("application/json"), func(c *gin.Context) { c.Status(http.StatusOK) })

	req := httptest.NewRequest(http.MethodPost, "/api/create-tracker", strings.NewReader("{}"))
	req.Header.Set("Content-Type", "text/plain")
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusUnsupportedMediaType, rec.Code)

	req = httptest.NewRequest(http.MethodPost, "/api/create-tracker", strings.NewReader("{}"))
	req.Header.Set("Content-Type", "application/json; charset=utf-8")
	rec = httptest.NewRecorder()
	r.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code)
}
