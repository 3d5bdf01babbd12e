package httptransport

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"mailtrack/backend/internal/service"
)

// MailHandler 发送带追踪像素的邮件
type MailHandler struct {
	mail *service.MailService
	log  *zap.Logger
}

// NewMailHandler 创建发信处理器
func NewMailHandler(mail *service.MailService, log *zap.Logger) *MailHandler {
	return &MailHandler{mail: mail, log: log}
}

type sendEmailRequest struct {
	To               string `json:"to" binding:"required"`
	Subject          string `json:"subject" binding:"required"`
	HTMLContent      string `json:"htmlContent" binding:"required"`
	ParentTrackingID string `json:"parentTrackingId"`
}

type sendBulkEmailRequest struct {
	Recipients  []service.BulkRecipient `json:"recipients" binding:"required,min=1"`
	Subject     string                  `json:"subject" binding:"required"`
	HTMLContent string                  `json:"htmlContent" binding:"required"`
}

type bulkResponse struct {
	Results   []service.SendResult `json:"results"`
	Succeeded int                  `json:"succeeded"`
	Failed    int                  `json:"failed"`
}

// SendEmail 登记并发送单封邮件
//
// SMTP 发送失败时登记记录保留，响应 500 并带上追踪ID。
func (h *MailHandler) SendEmail(c *gin.Context) {
	var req sendEmailRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		BadRequest(c, MsgInvalidRequest)
		return
	}

	result, err := h.mail.SendEmail(c.Request.Context(), service.SendEmailInput{
		To:               req.To,
		Subject:          req.Subject,
		HTMLContent:      req.HTMLContent,
		ParentTrackingID: req.ParentTrackingID,
	})
	if err != nil {
		if result != nil && !errors.Is(err, service.ErrMailerDisabled) {
			h.log.Warn("tracked email registered but not delivered",
				zap.String("trackingId", result.TrackingID), zap.Error(err))
			c.JSON(http.StatusInternalServerError, Response{Code: CodeInternalError, Msg: MsgSendFailed, Data: result})
			return
		}
		handleError(c, h.log, err, MsgSendFailed)
		return
	}

	Success(c, result)
}

// SendBulkEmail 批量发送，{{name}} 替换为收件人姓名
func (h *MailHandler) SendBulkEmail(c *gin.Context) {
	var req sendBulkEmailRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		BadRequest(c, MsgInvalidRequest)
		return
	}

	results, err := h.mail.SendBulk(c.Request.Context(), service.BulkEmailInput{
		Recipients:  req.Recipients,
		Subject:     req.Subject,
		HTMLContent: req.HTMLContent,
	})
	if err != nil {
		handleError(c, h.log, err, MsgSendFailed)
		return
	}

	resp := bulkResponse{Results: results}
	for _, r := range results {
		if r.Success {
			resp.Succeeded++
		} else {
			resp.Failed++
		}
	}
	Success(c, resp)
}
