package httptransport

import (
	"net/http"
	"time"

	gincors "github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"mailtrack/backend/internal/auth"
	jwtpkg "mailtrack/backend/internal/auth/jwt"
	"mailtrack/backend/internal/config"
	"mailtrack/backend/internal/health"
	"mailtrack/backend/internal/middleware"
	"mailtrack/backend/internal/monitoring"
	"mailtrack/backend/internal/service"
	"mailtrack/backend/internal/websocket"
)

// RouterDependencies 路由器依赖项
type RouterDependencies struct {
	Config          *config.Config
	Recorder        *service.Recorder
	TrackingService *service.TrackingService
	MessageService  *service.MessageService
	MailService     *service.MailService
	AuthService     *auth.Service
	JWTManager      *jwtpkg.Manager
	WebSocketHub    *websocket.Hub           // 可为 nil
	Health          *health.HealthChecker    // 可为 nil
	Alerts          *monitoring.AlertManager // 可为 nil
	Metrics         *monitoring.Metrics
	Logger          *zap.Logger
}

// NewRouter 创建并返回 Gin 路由实例。
func NewRouter(deps RouterDependencies) *gin.Engine {
	log := deps.Logger
	if log == nil {
		log = zap.NewNop()
	}
	metrics := deps.Metrics
	if metrics == nil {
		metrics = monitoring.NewMetrics(nil)
	}

	router := gin.New()

	monitor := middleware.NewMonitoringMiddleware(metrics, log)
	router.Use(monitor.PanicRecovery())
	router.Use(monitor.HTTPMetrics())
	router.Use(middleware.RequestLogger(log))
	router.Use(middleware.ErrorHandler(log))
	router.Use(middleware.SecurityHeaders())

	// 发信接口的 HTML 正文与收件人列表允许更大的请求体
	router.Use(middleware.DynamicBodySizeLimit(map[string]int64{
		"/api/send-email":      middleware.EmailBodyLimit,
		"/api/send-bulk-email": middleware.EmailBodyLimit,
	}, middleware.DefaultBodyLimit))

	// CORS 配置
	corsConfig := gincors.Config{
		AllowOrigins:     deps.Config.Server.CORSOrigins,
		AllowMethods:     []string{"GET", "POST", "OPTIONS"},
		AllowHeaders:     []string{"Origin", "Content-Type", "Accept", "Authorization"},
		ExposeHeaders:    []string{"Content-Length"},
		AllowCredentials: true,
		MaxAge:           12 * time.Hour,
	}

	// 如果允许所有来源，则需清空凭证支持。
	for _, origin := range corsConfig.AllowOrigins {
		if origin == "*" {
			corsConfig.AllowOrigins = nil
			corsConfig.AllowAllOrigins = true
			corsConfig.AllowCredentials = false
			break
		}
	}
	router.Use(gincors.New(corsConfig))

	trackingHandler := NewTrackingHandler(deps.Recorder, deps.MessageService, log)
	queryHandler := NewQueryHandler(deps.TrackingService, log)
	mailHandler := NewMailHandler(deps.MailService, log)
	authHandler := NewAuthHandler(deps.AuthService, log)

	jwtAuth := middleware.NewJWTAuth(deps.JWTManager, deps.Config.Auth.Enabled, log)
	jsonOnly := middleware.ValidateContentType("application/json")

	// 健康检查
	router.GET("/health", func(c *gin.Context) {
		resp := gin.H{"status": "ok"}
		if deps.Health != nil {
			for k, v := range deps.Health.CheckHealth() {
				resp[k] = v
			}
		}
		if deps.Alerts != nil {
			resp["alerts"] = deps.Alerts.Active()
		}
		c.JSON(http.StatusOK, resp)
	})
	if deps.Health != nil {
		router.GET("/health/live", gin.WrapH(deps.Health.LiveHandler()))
		router.GET("/health/ready", gin.WrapH(deps.Health.ReadyHandler()))
	}

	// Prometheus 指标
	router.GET("/metrics", func(c *gin.Context) {
		if deps.WebSocketHub != nil {
			metrics.SetWebSocketClients(deps.WebSocketHub.ClientCount())
		}
		metrics.HTTPHandler().ServeHTTP(c.Writer, c.Request)
	})

	// 像素与点击，无需认证
	router.GET("/pixel/:file", trackingHandler.PixelByPath)

	api := router.Group("/api")
	{
		api.GET("/track", trackingHandler.Pixel)
		api.GET("/click", trackingHandler.Click)
		api.GET("/generate-tracking-id", trackingHandler.GenerateTrackingID)
		api.POST("/create-tracker", jsonOnly, trackingHandler.CreateTracker)

		// ========== 需要认证的查询与发信 ==========
		protected := api.Group("")
		protected.Use(jwtAuth.RequireAuth(), jwtAuth.RequireRole(auth.RoleAdmin))
		{
			protected.GET("/tracking-data/:id", queryHandler.TrackingData)
			protected.GET("/statistics", queryHandler.Statistics)
			protected.GET("/tracking/:id", queryHandler.EmailSummary)
			protected.GET("/tracking/:id/events", queryHandler.Events)
			protected.GET("/emails", queryHandler.ListEmails)

			protected.POST("/send-email", jsonOnly, mailHandler.SendEmail)
			protected.POST("/send-bulk-email", jsonOnly, mailHandler.SendBulkEmail)
		}
	}

	// V1 API
	v1 := router.Group("/v1")
	{
		authRoutes := v1.Group("/auth")
		{
			authRoutes.POST("/login", jsonOnly, authHandler.Login)
			authRoutes.POST("/refresh", jsonOnly, authHandler.Refresh)
		}

		// ========== WebSocket Routes ==========
		if deps.WebSocketHub != nil {
			v1.GET("/ws", websocket.HandleWebSocket(deps.WebSocketHub))
		}
	}

	return router
}
