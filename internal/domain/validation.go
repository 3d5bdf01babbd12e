package domain

import (
	"errors"
	"net/mail"
	"net/url"
	"regexp"
	"strings"
)

// 验证相关的错误定义
var (
	ErrInvalidEmail      = errors.New("invalid email format")
	ErrEmailTooLong      = errors.New("email address too long")
	ErrInvalidTrackingID = errors.New("invalid tracking id")
	ErrInvalidRedirect   = errors.New("invalid redirect url")
)

// 验证常量
const (
	MaxEmailLength      = 254 // RFC 5322
	MaxTrackingIDLength = 128
	MaxURLLength        = 2048
)

// 追踪 ID 只允许 URL 安全字符，客户端自带的 ID 也要满足
var trackingIDRegex = regexp.MustCompile(`^[A-Za-z0-9_-]+$`)

// ValidateEmail 校验收件人地址
//
// 参数:
//   - email: 邮箱地址，允许 "Name <addr>" 形式
//
// 返回值:
//   - error: 格式不合法时返回 ErrInvalidEmail / ErrEmailTooLong
func ValidateEmail(email string) error {
	email = strings.TrimSpace(email)
	if email == "" {
		return ErrInvalidEmail
	}
	if len(email) > MaxEmailLength {
		return ErrEmailTooLong
	}
	addr, err := mail.ParseAddress(email)
	if err != nil {
		return ErrInvalidEmail
	}
	at := strings.LastIndex(addr.Address, "@")
	if at <= 0 || at == len(addr.Address)-1 || !strings.Contains(addr.Address[at+1:], ".") {
		return ErrInvalidEmail
	}
	return nil
}

// ValidateTrackingID 校验追踪 ID
func ValidateTrackingID(id string) error {
	if id == "" || len(id) > MaxTrackingIDLength || !trackingIDRegex.MatchString(id) {
		return ErrInvalidTrackingID
	}
	return nil
}

// ValidateRedirectURL 校验点击跳转地址，只允许 http/https 绝对地址
func ValidateRedirectURL(raw string) (*url.URL, error) {
	if raw == "" || len(raw) > MaxURLLength {
		return nil, ErrInvalidRedirect
	}
	u, err := url.Parse(raw)
	if err != nil {
		return nil, ErrInvalidRedirect
	}
	if (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return nil, ErrInvalidRedirect
	}
	return u, nil
}
