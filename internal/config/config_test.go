package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoad(t *testing.T) {
	t.Run("加载默认配置成功", func(t *testing.T) {
		cfg, err := Load()
		require.NoError(t, err)

		assert.Equal(t, "0.0.0.0", cfg.Server.Host)
		assert.Equal(t, 8080, cfg.Server.Port)
		assert.Equal(t, "http://localhost:8080", cfg.Server.BaseURL)
		assert.Equal(t, 15*time.Second, cfg.Server.ReadTimeout)
		assert.Equal(t, []string{"*"}, cfg.Server.CORSOrigins)
		assert.False(t, cfg.Database.Enabled)
		assert.Equal(t, "gorm", cfg.Database.Engine)
		assert.Equal(t, 5*time.Minute, cfg.Database.ConnMaxLifetime)
		assert.False(t, cfg.Redis.Enabled)
		assert.True(t, cfg.Geo.IPAPIEnabled)
		assert.Equal(t, 40, cfg.Geo.IPAPIRate)
		assert.Equal(t, 2*time.Second, cfg.Geo.Timeout)
		assert.Equal(t, 24*time.Hour, cfg.Geo.CacheTTL)
		assert.Equal(t, 8, cfg.Pipeline.Workers)
		assert.Equal(t, 1024, cfg.Pipeline.QueueSize)
		assert.Equal(t, "mailtrack", cfg.JWT.Issuer)
		assert.Equal(t, 15*time.Minute, cfg.JWT.AccessTokenExpiry)
		assert.Equal(t, 7*24*time.Hour, cfg.JWT.RefreshTokenExpiry)
		assert.False(t, cfg.Auth.Enabled)
		assert.Equal(t, "info", cfg.Log.Level)
		assert.Equal(t, "mailtrack.events", cfg.AMQP.Exchange)
	})

	t.Run("加载自定义配置成功", func(t *testing.T) {
		t.Setenv("MAILTRACK_SERVER_PORT", "9090")
		t.Setenv("MAILTRACK_SERVER_BASE_URL", "https://track.example.com/")
		t.Setenv("MAILTRACK_SERVER_CORS_ORIGINS", "https://a.example.com, https://b.example.com")
		t.Setenv("MAILTRACK_DATABASE_ENABLED", "true")
		t.Setenv("MAILTRACK_DATABASE_DRIVER", "MySQL")
		t.Setenv("MAILTRACK_DATABASE_ENGINE", "sql")
		t.Setenv("MAILTRACK_DATABASE_DSN", "root:pw@tcp(localhost:3306)/mailtrack?parseTime=true")
		t.Setenv("MAILTRACK_PIPELINE_WORKERS", "2")
		t.Setenv("MAILTRACK_GEO_TIMEOUT", "500ms")
		t.Setenv("MAILTRACK_LOG_LEVEL", "debug")

		cfg, err := Load()
		require.NoError(t, err)

		assert.Equal(t, 9090, cfg.Server.Port)
		assert.Equal(t, "https://track.example.com", cfg.Server.BaseURL)
		assert.Equal(t, []string{"https://a.example.com", "https://b.example.com"}, cfg.Server.CORSOrigins)
		assert.True(t, cfg.Database.Enabled)
		assert.Equal(t, "mysql", cfg.Database.Driver)
		assert.Equal(t, "sql", cfg.Database.Engine)
		assert.Equal(t, 2, cfg.Pipeline.Workers)
		assert.Equal(t, 500*time.Millisecond, cfg.Geo.Timeout)
		assert.Equal(t, "debug", cfg.Log.Level)
		assert.Equal(t, "0.0.0.0:9090", cfg.Server.Addr())
	})

	t.Run("启用认证时拒绝默认JWT密钥", func(t *testing.T) {
		t.Setenv("MAILTRACK_AUTH_ENABLED", "true")
		t.Setenv("MAILTRACK_AUTH_ADMIN_PASSWORD_HASH", "$2a$10$abcdefghijklmnopqrstuv")

		_, err := Load()
		require.Error(t, err)
		assert.Contains(t, err.Error(), "default value")
	})

	t.Run("启用认证时拒绝过短密钥", func(t *testing.T) {
		t.Setenv("MAILTRACK_AUTH_ENABLED", "true")
		t.Setenv("MAILTRACK_AUTH_ADMIN_PASSWORD_HASH", "$2a$10$abcdefghijklmnopqrstuv")
		t.Setenv("MAILTRACK_JWT_SECRET", "short")

		_, err := Load()
		require.Error(t, err)
		assert.Contains(t, err.Error(), "at least 32")
	})

	t.Run("启用认证成功", func(t *testing.T) {
		t.Setenv("MAILTRACK_AUTH_ENABLED", "true")
		t.Setenv("MAILTRACK_AUTH_ADMIN_PASSWORD_HASH", "$2a$10$abcdefghijklmnopqrstuv")
		t.Setenv("MAILTRACK_JWT_SECRET", "test-secret-key-for-development-32-chars-long-at-least")

		cfg, err := Load()
		require.NoError(t, err)
		assert.True(t, cfg.Auth.Enabled)
		assert.Equal(t, "admin", cfg.Auth.AdminUsername)
	})
}

func TestValidate(t *testing.T) {
	valid := func() *Config {
		return &Config{
			Server:   ServerConfig{Port: 8080},
			Pipeline: PipelineConfig{Workers: 1, QueueSize: 1},
		}
	}

	tests := []struct {
		name    string
		mutate  func(c *Config)
		wantErr string
	}{
		{"合法配置", func(c *Config) {}, ""},
		{"端口越界", func(c *Config) { c.Server.Port = 70000 }, "server.port"},
		{"未知数据库驱动", func(c *Config) {
			c.Database = DatabaseConfig{Enabled: true, Driver: "sqlite", Engine: "gorm", DSN: "x"}
		}, "unsupported database driver"},
		{"未知访问方式", func(c *Config) {
			c.Database = DatabaseConfig{Enabled: true, Driver: "postgres", Engine: "ent", DSN: "x"}
		}, "unsupported database engine"},
		{"缺少DSN", func(c *Config) {
			c.Database = DatabaseConfig{Enabled: true, Driver: "postgres", Engine: "sql"}
		}, "database.dsn"},
		{"工作协程数为零", func(c *Config) { c.Pipeline.Workers = 0 }, "pipeline.workers"},
		{"队列长度为零", func(c *Config) { c.Pipeline.QueueSize = 0 }, "pipeline.queue_size"},
		{"SMTP缺少发件人", func(c *Config) { c.SMTP = SMTPConfig{Enabled: true, Host: "smtp.example.com"} }, "smtp.from"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := valid()
			tt.mutate(cfg)
			err := cfg.Validate()
			if tt.wantErr == "" {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestParseList(t *testing.T) {
	assert.Equal(t, []string{"a", "b"}, parseList(" a, ,b "))
	assert.Empty(t, parseList(""))
}
