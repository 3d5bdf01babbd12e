package middleware

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"mailtrack/backend/internal/auth/jwt"
)

// 上下文键
const (
	ContextKeyUsername = "username"
	ContextKeyRole     = "role"
)

// JWTAuth JWT认证中间件
type JWTAuth struct {
	jwtManager *jwt.Manager
	enabled    bool
	log        *zap.Logger
}

// NewJWTAuth 创建JWT认证中间件
//
// enabled 为 false 时放行所有请求，用于本地开发。
func NewJWTAuth(jwtManager *jwt.Manager, enabled bool, log *zap.Logger) *JWTAuth {
	if log == nil {
		log = zap.NewNop()
	}
	return &JWTAuth{
		jwtManager: jwtManager,
		enabled:    enabled,
		log:        log,
	}
}

// RequireAuth 要求JWT认证
func (ja *JWTAuth) RequireAuth() gin.HandlerFunc {
	return func(c *gin.Context) {
		if !ja.enabled {
			c.Next()
			return
		}

		token := ExtractToken(c)
		if token == "" {
			c.JSON(http.StatusUnauthorized, gin.H{
				"error": "authentication required",
			})
			c.Abort()
			return
		}

		claims, err := ja.jwtManager.ValidateAccessToken(token)
		if err != nil {
			ja.log.Warn("invalid token",
				zap.String("error", err.Error()),
				zap.String("ip", c.ClientIP()),
			)
			c.JSON(http.StatusUnauthorized, gin.H{
				"error": "invalid or expired token",
			})
			c.Abort()
			return
		}

		c.Set(ContextKeyUsername, claims.Username)
		c.Set(ContextKeyRole, claims.Role)

		c.Next()
	}
}

// RequireRole 要求指定角色，需放在 RequireAuth 之后
func (ja *JWTAuth) RequireRole(role string) gin.HandlerFunc {
	return func(c *gin.Context) {
		if !ja.enabled {
			c.Next()
			return
		}
		if c.GetString(ContextKeyRole) != role {
			c.JSON(http.StatusForbidden, gin.H{
				"error": "insufficient permissions",
			})
			c.Abort()
			return
		}
		c.Next()
	}
}

// ExtractToken 从请求中提取JWT token
//
// 依次查找 Authorization header 和 access_token cookie。
func ExtractToken(c *gin.Context) string {
	authHeader := c.GetHeader("Authorization")
	if authHeader != "" {
		parts := strings.SplitN(authHeader, " ", 2)
		if len(parts) == 2 && strings.EqualFold(parts[0], "Bearer") {
			return parts[1]
		}
	}

	token, err := c.Cookie("access_token")
	if err == nil && token != "" {
		return token
	}

	return ""
}
