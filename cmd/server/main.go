package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"mailtrack/backend/internal/auth"
	jwtpkg "mailtrack/backend/internal/auth/jwt"
	"mailtrack/backend/internal/config"
	"mailtrack/backend/internal/geo"
	"mailtrack/backend/internal/health"
	"mailtrack/backend/internal/logger"
	"mailtrack/backend/internal/mailer"
	"mailtrack/backend/internal/monitoring"
	"mailtrack/backend/internal/notify"
	"mailtrack/backend/internal/service"
	"mailtrack/backend/internal/storage"
	"mailtrack/backend/internal/storage/hybrid"
	"mailtrack/backend/internal/storage/memory"
	"mailtrack/backend/internal/storage/postgres"
	redisstore "mailtrack/backend/internal/storage/redis"
	sqlstore "mailtrack/backend/internal/storage/sql"
	httptransport "mailtrack/backend/internal/transport/http"
	"mailtrack/backend/internal/websocket"
)

const (
	version = "1.0.0"

	// 积压超过总容量的一半时告警
	backlogAlertRatio = 2
)

// main 启动追踪像素 HTTP 服务与事件写入流水线。
func main() {
	cfg, err := config.Load()
	if err != nil {
		panic(fmt.Sprintf("failed to load config: %v", err))
	}

	if cfg.Server.Mode != "" {
		gin.SetMode(cfg.Server.Mode)
	} else if cfg.Log.Development {
		gin.SetMode(gin.DebugMode)
	} else {
		gin.SetMode(gin.ReleaseMode)
	}

	// 初始化日志系统
	log, err := logger.New(cfg.Log)
	if err != nil {
		panic(fmt.Sprintf("failed to initialize logger: %v", err))
	}
	defer func() { _ = log.Sync() }()

	log.Info("starting mailtrack server",
		zap.String("version", version),
		zap.String("log_level", cfg.Log.Level),
		zap.Bool("development", cfg.Log.Development),
	)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	metrics := monitoring.NewMetrics(prometheus.DefaultRegisterer)

	// 初始化存储层
	deps, err := initializeStorage(ctx, cfg, log)
	if err != nil {
		log.Fatal("failed to initialize storage", zap.Error(err))
	}
	defer deps.close(log)
	store := deps.store

	// 地理位置解析
	resolver, closeGeo := initializeGeo(cfg, deps.redis, metrics, log)
	defer closeGeo()

	// 认证
	jwtManager := jwtpkg.NewManager(
		cfg.JWT.Secret,
		cfg.JWT.Issuer,
		cfg.JWT.AccessTokenExpiry,
		cfg.JWT.RefreshTokenExpiry,
	)
	authService := auth.NewService(cfg.Auth.AdminUsername, cfg.Auth.AdminPasswordHash, jwtManager)
	if cfg.Auth.Enabled {
		log.Info("JWT configuration",
			zap.String("issuer", cfg.JWT.Issuer),
			zap.Duration("access_expiry", cfg.JWT.AccessTokenExpiry),
			zap.Duration("refresh_expiry", cfg.JWT.RefreshTokenExpiry),
		)
	} else {
		log.Warn("authentication disabled, query endpoints are public")
	}

	// WebSocket Hub，关闭认证时允许匿名订阅
	var validator websocket.TokenValidator
	if cfg.Auth.Enabled {
		validator = jwtManager
	}
	wsHub := websocket.NewHub(cfg.Server.CORSOrigins, validator, log)

	// 事件广播：WebSocket 总是启用，AMQP 可选
	publishers := []notify.Publisher{wsHub}
	if cfg.AMQP.Enabled {
		amqpPublisher, err := notify.DialAMQP(cfg.AMQP.URL, cfg.AMQP.Exchange, log)
		if err != nil {
			log.Fatal("failed to connect to AMQP broker", zap.Error(err))
		}
		defer amqpPublisher.Close()
		publishers = append(publishers, amqpPublisher)
	}

	// 初始化服务层
	recorder := service.NewRecorder(store, resolver, cfg.Pipeline.Workers, cfg.Pipeline.QueueSize, log,
		service.WithPublisher(notify.NewMulti(log, publishers...)),
		service.WithMetrics(metrics),
	)
	trackingService := service.NewTrackingService(store)
	messageService := service.NewMessageService(store, cfg.Server.BaseURL)

	var sender service.MailSender
	if cfg.SMTP.Enabled {
		sender = mailer.New(cfg.SMTP, log)
		log.Info("outbound mail enabled", zap.String("host", cfg.SMTP.Host), zap.Int("port", cfg.SMTP.Port))
	}
	mailService := service.NewMailService(messageService, sender, metrics, log)

	// 健康检查
	healthChecker := health.NewHealthChecker(store, 10000, log)
	if deps.pgx != nil {
		healthChecker.AddDependency("postgres", deps.pgx)
	}
	if deps.redis != nil {
		healthChecker.AddDependency("redis", deps.redis)
	}

	// 告警
	alertManager := monitoring.NewAlertManager(log)
	alertManager.AddReceiver(monitoring.NewLogAlertReceiver(log))
	alertManager.AddRule(monitoring.HighMemoryUsageRule(512.0)) // 512MB
	alertManager.AddRule(monitoring.StoreHealthRule(store, 5*time.Second))
	alertManager.AddRule(monitoring.QueueBacklogRule(recorder.Pending,
		cfg.Pipeline.Workers*cfg.Pipeline.QueueSize/backlogAlertRatio))

	log.Info("monitoring system initialized")

	router := httptransport.NewRouter(httptransport.RouterDependencies{
		Config:          cfg,
		Recorder:        recorder,
		TrackingService: trackingService,
		MessageService:  messageService,
		MailService:     mailService,
		AuthService:     authService,
		JWTManager:      jwtManager,
		WebSocketHub:    wsHub,
		Health:          healthChecker,
		Alerts:          alertManager,
		Metrics:         metrics,
		Logger:          log,
	})

	httpAddr := cfg.Server.Addr()
	httpServer := &http.Server{
		Addr:              httpAddr,
		Handler:           router,
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       cfg.Server.ReadTimeout,
		WriteTimeout:      cfg.Server.WriteTimeout,
		IdleTimeout:       120 * time.Second,
	}

	recorder.Start(ctx)

	group, groupCtx := errgroup.WithContext(ctx)

	// HTTP 服务器 goroutine
	group.Go(func() error {
		log.Info("starting HTTP server",
			zap.String("address", httpAddr),
			zap.String("base_url", cfg.Server.BaseURL),
		)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error("HTTP server error", zap.Error(err))
			return err
		}
		return nil
	})

	// WebSocket Hub goroutine
	group.Go(func() error {
		log.Info("starting WebSocket hub")
		wsHub.Run(groupCtx)
		return nil
	})

	// 告警监控 goroutine
	group.Go(func() error {
		log.Info("starting monitoring services")
		alertManager.Run(groupCtx, 1*time.Minute)
		return nil
	})

	// 优雅关闭 goroutine
	group.Go(func() error {
		<-groupCtx.Done()
		log.Info("shutdown signal received, gracefully shutting down...")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		// 先停止接收请求，再排空写入队列
		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			log.Error("HTTP server shutdown error", zap.Error(err))
		}

		pending := recorder.Pending()
		recorder.Stop()
		log.Info("event pipeline drained", zap.Int("pending_at_shutdown", pending))
		return nil
	})

	if err := group.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		log.Fatal("server error", zap.Error(err))
	}

	log.Info("server exited cleanly")
}

// storageDeps 存储层及其附属连接
type storageDeps struct {
	store storage.Store
	pgx   *postgres.Client   // 仅 PostgreSQL
	redis *redisstore.Client // 仅启用 Redis 时
}

func (d *storageDeps) close(log *zap.Logger) {
	if err := d.store.Close(); err != nil {
		log.Warn("failed to close store", zap.Error(err))
	}
	if d.pgx != nil {
		d.pgx.Close()
	}
	if d.redis != nil {
		if err := d.redis.Close(); err != nil {
			log.Warn("failed to close redis", zap.Error(err))
		}
	}
}

// initializeStorage 根据配置选择存储实现
//
// 未启用数据库时使用内存存储；启用 Redis 时在数据库之上叠加事件缓存。
func initializeStorage(ctx context.Context, cfg *config.Config, log *zap.Logger) (*storageDeps, error) {
	deps := &storageDeps{}

	if !cfg.Database.Enabled {
		deps.store = memory.NewStore()
		log.Info("using memory storage (development mode)")
		return deps, nil
	}

	log.Info("initializing database storage",
		zap.String("driver", cfg.Database.Driver),
		zap.String("engine", cfg.Database.Engine),
	)

	var (
		db  storage.Store
		err error
	)
	switch cfg.Database.Engine {
	case "sql":
		db, err = sqlstore.NewStore(
			cfg.Database.Driver,
			cfg.Database.DSN,
			cfg.Database.MaxOpenConns,
			cfg.Database.MaxIdleConns,
			cfg.Database.ConnMaxLifetime,
		)
	default:
		opts := postgres.PoolOptions{
			MaxOpenConns:    cfg.Database.MaxOpenConns,
			MaxIdleConns:    cfg.Database.MaxIdleConns,
			ConnMaxLifetime: cfg.Database.ConnMaxLifetime,
		}
		if cfg.Database.Driver == "mysql" {
			db, err = postgres.NewMySQLStore(cfg.Database.DSN, opts)
		} else {
			db, err = postgres.NewStore(cfg.Database.DSN, opts)
		}
	}
	if err != nil {
		return nil, fmt.Errorf("failed to open %s store: %w", cfg.Database.Driver, err)
	}
	deps.store = db

	// PostgreSQL 额外建立 pgx 连接池用于就绪探针
	if cfg.Database.Driver == "postgres" {
		client, err := postgres.NewClient(ctx, cfg.Database.DSN, 2, log)
		if err != nil {
			log.Warn("pgx health client unavailable", zap.Error(err))
		} else {
			deps.pgx = client
		}
	}

	if cfg.Redis.Enabled {
		client, err := redisstore.New(&cfg.Redis, log)
		if err != nil {
			_ = db.Close()
			return nil, err
		}
		deps.redis = client
		deps.store = hybrid.NewStore(db, redisstore.NewEventCache(client), cfg.Redis.CacheTTL, log)
		log.Info("event cache enabled", zap.Duration("ttl", cfg.Redis.CacheTTL))
	}

	log.Info("database storage initialized successfully",
		zap.String("driver", cfg.Database.Driver),
	)
	return deps, nil
}

// initializeGeo 组装地理位置解析器：MaxMind 离线库优先，ip-api 兜底
//
// 返回值:
//   - *geo.Resolver: 解析器，未配置数据源时总是返回空位置
//   - func(): 释放数据库文件与内存缓存
func initializeGeo(cfg *config.Config, rdb *redisstore.Client, metrics *monitoring.Metrics, log *zap.Logger) (*geo.Resolver, func()) {
	var (
		providers []geo.Provider
		closers   []func()
	)

	if cfg.Geo.MaxMindDB != "" {
		mm, err := geo.OpenMaxMind(cfg.Geo.MaxMindDB)
		if err != nil {
			log.Warn("failed to open MaxMind database, continuing without it",
				zap.String("path", cfg.Geo.MaxMindDB), zap.Error(err))
		} else {
			providers = append(providers, mm)
			closers = append(closers, func() { _ = mm.Close() })
			log.Info("MaxMind database loaded", zap.String("path", cfg.Geo.MaxMindDB))
		}
	}
	if cfg.Geo.IPAPIEnabled {
		providers = append(providers, geo.NewIPAPIProvider(cfg.Geo.IPAPIURL, cfg.Geo.IPAPIRate, log))
	}

	var cache geo.Cache
	if rdb != nil {
		cache = redisstore.NewGeoCache(rdb)
	} else {
		mc := geo.NewMemoryCache(10000, cfg.Geo.CacheTTL)
		closers = append(closers, mc.Close)
		cache = mc
	}

	resolver := geo.NewResolver(log, providers,
		geo.WithCache(cache, cfg.Geo.CacheTTL),
		geo.WithTimeout(cfg.Geo.Timeout),
		geo.WithObserver(metrics.ObserveGeoLookup),
	)

	return resolver, func() {
		for _, c := range closers {
			c()
		}
	}
}
