package httptransport

import (
	"strconv"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"mailtrack/backend/internal/service"
)

// QueryHandler 追踪数据查询接口
type QueryHandler struct {
	tracking *service.TrackingService
	log      *zap.Logger
}

// NewQueryHandler 创建查询处理器
func NewQueryHandler(tracking *service.TrackingService, log *zap.Logger) *QueryHandler {
	return &QueryHandler{tracking: tracking, log: log}
}

// TrackingData 返回追踪历史：锚点与后续打开
//
// 既没有事件也没有登记记录时返回 404。
func (h *QueryHandler) TrackingData(c *gin.Context) {
	history, err := h.tracking.GetHistory(c.Request.Context(), c.Param("id"))
	if err != nil {
		handleError(c, h.log, err, MsgTrackingGetFailed)
		return
	}
	if history.Empty() && history.Message == nil {
		NotFound(c, MsgTrackingNotFound)
		return
	}
	Success(c, history)
}

// Statistics 返回按追踪ID聚合的打开统计
func (h *QueryHandler) Statistics(c *gin.Context) {
	stats, err := h.tracking.GetStatistics(c.Request.Context())
	if err != nil {
		handleError(c, h.log, err, MsgStatisticsGetFailed)
		return
	}
	Success(c, stats)
}

// EmailSummary 返回单封邮件摘要及一层转发子邮件
func (h *QueryHandler) EmailSummary(c *gin.Context) {
	summary, err := h.tracking.GetEmailSummary(c.Request.Context(), c.Param("id"))
	if err != nil {
		handleError(c, h.log, err, MsgTrackingGetFailed)
		return
	}
	Success(c, summary)
}

// Events 返回平铺事件列表，最新在前
func (h *QueryHandler) Events(c *gin.Context) {
	list, err := h.tracking.GetEvents(c.Request.Context(), c.Param("id"))
	if err != nil {
		handleError(c, h.log, err, MsgTrackingGetFailed)
		return
	}
	Success(c, list)
}

type emailListResponse struct {
	Items  interface{} `json:"items"`
	Count  int         `json:"count"`
	Limit  int         `json:"limit"`
	Offset int         `json:"offset"`
}

// ListEmails 分页列出已登记邮件
func (h *QueryHandler) ListEmails(c *gin.Context) {
	limit, err := queryInt(c, "limit", 100)
	if err != nil {
		BadRequest(c, MsgInvalidRequest)
		return
	}
	offset, err := queryInt(c, "offset", 0)
	if err != nil {
		BadRequest(c, MsgInvalidRequest)
		return
	}

	items, err := h.tracking.ListMessages(c.Request.Context(), limit, offset)
	if err != nil {
		handleError(c, h.log, err, MsgEmailListFailed)
		return
	}
	Success(c, emailListResponse{Items: items, Count: len(items), Limit: limit, Offset: offset})
}

func queryInt(c *gin.Context, key string, def int) (int, error) {
	raw := c.Query(key)
	if raw == "" {
		return def, nil
	}
	return strconv.Atoi(raw)
}
