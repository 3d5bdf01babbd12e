package logger

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"mailtrack/backend/internal/config"
)

func TestNew(t *testing.T) {
	t.Run("JSON输出并过滤低级别", func(t *testing.T) {
		var buf bytes.Buffer
		log, err := newWithOutput(config.LogConfig{Level: "warn"}, &buf)
		require.NoError(t, err)

		log.Info("hidden")
		log.Warn("visible", zap.String("trackingId", "abc123"))
		require.NoError(t, log.Sync())

		out := buf.String()
		assert.NotContains(t, out, "hidden")
		assert.Contains(t, out, `"message":"visible"`)
		assert.Contains(t, out, `"trackingId":"abc123"`)
		assert.Contains(t, out, `"logger":"mailtrack"`)
	})

	t.Run("非法级别回退到info", func(t *testing.T) {
		var buf bytes.Buffer
		log, err := newWithOutput(config.LogConfig{Level: "loud"}, &buf)
		require.NoError(t, err)

		log.Debug("debug")
		log.Info("info")
		require.NoError(t, log.Sync())
		assert.NotContains(t, buf.String(), `"message":"debug"`)
		assert.Contains(t, buf.String(), `"message":"info"`)
	})

	t.Run("写入轮转文件", func(t *testing.T) {
		file := filepath.Join(t.TempDir(), "logs", "mailtrack.log")
		var buf bytes.Buffer
		log, err := newWithOutput(config.LogConfig{Level: "info", File: file, MaxSize: 1}, &buf)
		require.NoError(t, err)

		log.Info("to file")
		require.NoError(t, log.Sync())

		data, err := os.ReadFile(file)
		require.NoError(t, err)
		assert.Contains(t, string(data), "to file")
		assert.Contains(t, buf.String(), "to file")
	})
}
