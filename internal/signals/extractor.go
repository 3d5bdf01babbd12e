// Package signals 从像素/点击请求中提取身份、转发与设备信号。
package signals

import (
	"net"
	"net/http"
	"net/url"
	"strings"

	"mailtrack/backend/internal/domain"
)

// 请求中携带信号的参数、头与 Cookie 名称
const (
	ParamTrackingID    = "id"
	ParamTrackingIDAlt = "trackingId"
	ParamRecipient     = "email"
	ParamForwarded     = "forwarded"
	ParamForwardedBy   = "forwardedBy"
	ParamURL           = "url"

	HeaderForwardedEmail = "X-Forwarded-Email"
	CookieIdentifier     = "emailIdentifier"
)

// Signals 一次请求中提取出的全部信号
type Signals struct {
	TrackingID       string             `json:"trackingId"`
	ClaimedRecipient string             `json:"claimedRecipient,omitempty"`
	ForwardedBy      string             `json:"forwardedBy,omitempty"`
	Referrer         string             `json:"referrer,omitempty"`
	UserAgent        string             `json:"userAgent,omitempty"`
	IP               string             `json:"ip,omitempty"`
	Device           *domain.DeviceInfo `json:"deviceInfo,omitempty"`
}

// Extract 从请求中提取信号，缺失字段保持为空，不返回错误
func Extract(r *http.Request) Signals {
	q := r.URL.Query()

	trackingID := strings.TrimSpace(q.Get(ParamTrackingID))
	if trackingID == "" {
		trackingID = strings.TrimSpace(q.Get(ParamTrackingIDAlt))
	}

	ua := r.UserAgent()

	return Signals{
		TrackingID:       trackingID,
		ClaimedRecipient: strings.TrimSpace(q.Get(ParamRecipient)),
		ForwardedBy:      ForwardedBy(r),
		Referrer:         r.Referer(),
		UserAgent:        ua,
		IP:               ClientIP(r),
		Device:           ParseUserAgent(ua),
	}
}

// ForwardedBy 按优先级解析转发声明，首个非空值胜出：
//  1. 查询参数 forwarded / forwardedBy
//  2. X-Forwarded-Email 请求头
//  3. Referer 地址中的 forwardedBy 参数
//  4. emailIdentifier Cookie
//
// 都没有时返回空字符串，这是常态。
func ForwardedBy(r *http.Request) string {
	q := r.URL.Query()
	for _, key := range []string{ParamForwarded, ParamForwardedBy} {
		if v := strings.TrimSpace(q.Get(key)); v != "" {
			return v
		}
	}

	if v := strings.TrimSpace(r.Header.Get(HeaderForwardedEmail)); v != "" {
		return v
	}

	if ref := r.Referer(); ref != "" {
		// Referer 不可解析时直接忽略
		if u, err := url.Parse(ref); err == nil {
			if v := strings.TrimSpace(u.Query().Get(ParamForwardedBy)); v != "" {
				return v
			}
		}
	}

	if c, err := r.Cookie(CookieIdentifier); err == nil {
		if v, err := url.QueryUnescape(c.Value); err == nil {
			if v = strings.TrimSpace(v); v != "" {
				return v
			}
		}
	}

	return ""
}

// ClientIP 返回客户端地址：X-Forwarded-For 第一项，其次 X-Real-IP，最后 RemoteAddr
func ClientIP(r *http.Request) string {
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		first, _, _ := strings.Cut(xff, ",")
		if first = strings.TrimSpace(first); first != "" {
			return first
		}
	}
	if xri := strings.TrimSpace(r.Header.Get("X-Real-IP")); xri != "" {
		return xri
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
