package auth

import (
	"crypto/subtle"
	"errors"
	"fmt"

	"golang.org/x/crypto/bcrypt"

	"mailtrack/backend/internal/auth/jwt"
)

var (
	// ErrInvalidCredentials 凭证无效
	ErrInvalidCredentials = errors.New("invalid credentials")
	// ErrInvalidPassword 无效的密码
	ErrInvalidPassword = errors.New("invalid password")
)

// RoleAdmin 管理员角色
const RoleAdmin = "admin"

// dummyHash 用户名不匹配时仍做一次比较，避免通过耗时区分用户名
var dummyHash, _ = bcrypt.GenerateFromPassword([]byte("mailtrack-dummy-password"), bcrypt.MinCost)

// Service 管理员认证服务
//
// 只有一个由配置提供的管理员账号，密码以 bcrypt 哈希保存。
type Service struct {
	username     string
	passwordHash []byte
	tokens       *jwt.Manager
}

// NewService 创建认证服务
func NewService(username, passwordHash string, tokens *jwt.Manager) *Service {
	return &Service{
		username:     username,
		passwordHash: []byte(passwordHash),
		tokens:       tokens,
	}
}

// Login 校验管理员凭证并签发令牌对
//
// 参数:
//   - username: 用户名
//   - password: 明文密码
//
// 返回值:
//   - *jwt.TokenPair: 访问令牌和刷新令牌
//   - error: 凭证错误时返回 ErrInvalidCredentials
func (s *Service) Login(username, password string) (*jwt.TokenPair, error) {
	userOK := subtle.ConstantTimeCompare([]byte(username), []byte(s.username)) == 1

	hash := s.passwordHash
	if !userOK || len(hash) == 0 {
		hash = dummyHash
	}
	if err := bcrypt.CompareHashAndPassword(hash, []byte(password)); err != nil || !userOK || len(s.passwordHash) == 0 {
		return nil, ErrInvalidCredentials
	}

	return s.tokens.GenerateTokenPair(s.username, RoleAdmin)
}

// Refresh 使用刷新令牌换取新的令牌对
func (s *Service) Refresh(refreshToken string) (*jwt.TokenPair, error) {
	return s.tokens.Refresh(refreshToken)
}

// HashPassword 生成 bcrypt 哈希，密码至少 8 位
func HashPassword(password string) (string, error) {
	if len(password) < 8 {
		return "", fmt.Errorf("%w: must be at least 8 characters", ErrInvalidPassword)
	}
	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return "", fmt.Errorf("failed to hash password: %w", err)
	}
	return string(hash), nil
}
