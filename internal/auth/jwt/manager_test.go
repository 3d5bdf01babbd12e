package jwt

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestManager() *Manager {
	return NewManager("test-secret-key-for-development-32-chars", "mailtrack", 15*time.Minute, 7*24*time.Hour)
}

func TestManager(t *testing.T) {
	t.Run("生成并验证访问令牌", func(t *testing.T) {
		m := newTestManager()
		pair, err := m.GenerateTokenPair("admin", "admin")
		require.NoError(t, err)

		assert.NotEmpty(t, pair.AccessToken)
		assert.NotEmpty(t, pair.RefreshToken)
		assert.Equal(t, "Bearer", pair.TokenType)
		assert.Equal(t, int64(15*60), pair.ExpiresIn)

		claims, err := m.ValidateAccessToken(pair.AccessToken)
		require.NoError(t, err)
		assert.Equal(t, "admin", claims.Username)
		assert.Equal(t, "admin", claims.Role)
		assert.Equal(t, "mailtrack", claims.Issuer)
	})

	t.Run("刷新令牌不能当访问令牌使用", func(t *testing.T) {
		m := newTestManager()
		pair, err := m.GenerateTokenPair("admin", "admin")
		require.NoError(t, err)

		_, err = m.ValidateAccessToken(pair.RefreshToken)
		assert.ErrorIs(t, err, ErrInvalidToken)

		_, err = m.Refresh(pair.AccessToken)
		assert.ErrorIs(t, err, ErrInvalidToken)
	})

	t.Run("刷新生成新令牌对", func(t *testing.T) {
		m := newTestManager()
		pair, err := m.GenerateTokenPair("admin", "admin")
		require.NoError(t, err)

		m.now = func() time.Time { return time.Now().Add(time.Minute) }
		next, err := m.Refresh(pair.RefreshToken)
		require.NoError(t, err)

		claims, err := m.ValidateAccessToken(next.AccessToken)
		require.NoError(t, err)
		assert.Equal(t, "admin", claims.Username)
	})

	t.Run("过期令牌", func(t *testing.T) {
		m := newTestManager()
		pair, err := m.GenerateTokenPair("admin", "admin")
		require.NoError(t, err)

		m.now = func() time.Time { return time.Now().Add(time.Hour) }
		_, err = m.ValidateAccessToken(pair.AccessToken)
		assert.ErrorIs(t, err, ErrExpiredToken)
	})

	t.Run("错误的密钥或签发者", func(t *testing.T) {
		pair, err := newTestManager().GenerateTokenPair("admin", "admin")
		require.NoError(t, err)

		other := NewManager("another-secret-key-for-development-32", "mailtrack", time.Minute, time.Hour)
		_, err = other.ValidateAccessToken(pair.AccessToken)
		assert.ErrorIs(t, err, ErrInvalidToken)

		otherIssuer := NewManager("test-secret-key-for-development-32-chars", "someone-else", time.Minute, time.Hour)
		_, err = otherIssuer.ValidateAccessToken(pair.AccessToken)
		assert.ErrorIs(t, err, ErrInvalidToken)
	})

	t.Run("格式错误", func(t *testing.T) {
		_, err := newTestManager().ValidateAccessToken("not.a.token")
		assert.ErrorIs(t, err, ErrInvalidToken)
	})
}
