package httptransport

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"mailtrack/backend/internal/auth"
	jwtpkg "mailtrack/backend/internal/auth/jwt"
	"mailtrack/backend/internal/domain"
	"mailtrack/backend/internal/mailer"
	"mailtrack/backend/internal/service"
	"mailtrack/backend/internal/storage"
)

// errorMapping 业务错误到 HTTP 状态码与中文消息
type errorMapping struct {
	err    error
	status int
	msg    string
}

// 按顺序匹配，错误可能被 fmt.Errorf 包装过
var errorMappings = []errorMapping{
	// 参数错误
	{domain.ErrInvalidTrackingID, http.StatusBadRequest, "追踪ID格式无效"},
	{domain.ErrInvalidRedirect, http.StatusBadRequest, "跳转地址无效，只支持 http/https"},
	{service.ErrInvalidRecipient, http.StatusBadRequest, "收件人地址无效"},
	{service.ErrParentNotFound, http.StatusBadRequest, "转发来源邮件不存在"},
	{service.ErrInvalidMail, http.StatusBadRequest, "邮件主题和正文不能为空"},
	{service.ErrNoRecipients, http.StatusBadRequest, "收件人列表不能为空"},
	{mailer.ErrUnsafeContent, http.StatusBadRequest, "邮件正文包含脚本或嵌入内容"},

	// 资源
	{storage.ErrMessageNotFound, http.StatusNotFound, "追踪邮件不存在"},
	{storage.ErrMessageExists, http.StatusConflict, "追踪ID已存在"},

	// 认证
	{auth.ErrInvalidCredentials, http.StatusUnauthorized, MsgInvalidCredentials},
	{jwtpkg.ErrExpiredToken, http.StatusUnauthorized, MsgTokenExpired},
	{jwtpkg.ErrInvalidToken, http.StatusUnauthorized, MsgTokenInvalid},

	// 依赖未启用
	{service.ErrMailerDisabled, http.StatusServiceUnavailable, "未配置邮件发送服务"},
}

// GetErrorMessage 获取错误的中文消息
func GetErrorMessage(err error) string {
	for _, m := range errorMappings {
		if errors.Is(err, m.err) {
			return m.msg
		}
	}
	return err.Error()
}

// handleError 把业务错误写成统一响应
//
// 未识别的错误记日志并返回 500，fallback 作为提示信息，不暴露内部细节。
func handleError(c *gin.Context, log *zap.Logger, err error, fallback string) {
	for _, m := range errorMappings {
		if errors.Is(err, m.err) {
			Error(c, m.status, m.msg)
			return
		}
	}

	log.Error("request failed",
		zap.String("method", c.Request.Method),
		zap.String("path", c.FullPath()),
		zap.Error(err))
	InternalError(c, fallback)
}

// 通用错误消息
const (
	// 请求相关
	MsgInvalidRequest = "请求参数格式错误"
	MsgMissingURL     = "缺少跳转地址"

	// 认证相关
	MsgInvalidCredentials = "用户名或密码错误"
	MsgTokenExpired       = "登录已过期，请重新登录"
	MsgTokenInvalid       = "无效的访问令牌"

	// 追踪相关
	MsgTrackingNotFound    = "没有该追踪ID的数据"
	MsgTrackingGetFailed   = "获取追踪数据失败"
	MsgStatisticsGetFailed = "获取统计数据失败"
	MsgEmailListFailed     = "获取邮件列表失败"
	MsgTrackerCreateFailed = "创建追踪失败"
	MsgSendFailed          = "发送邮件失败"
	MsgLoginFailed         = "登录失败"

	// 服务器错误
	MsgInternalError = "服务器内部错误，请稍后重试"
)
