package httptransport

import (
	"net/http"
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"mailtrack/backend/internal/domain"
	"mailtrack/backend/internal/service"
	"mailtrack/backend/internal/signals"
)

// transparentGIF 1x1 透明 GIF
var transparentGIF = []byte{
	0x47, 0x49, 0x46, 0x38, 0x39, 0x61, 0x01, 0x00, 0x01, 0x00, 0x80, 0x00, 0x00, 0x00, 0x00, 0x00,
	0xff, 0xff, 0xff, 0x21, 0xf9, 0x04, 0x01, 0x00, 0x00, 0x00, 0x00, 0x2c, 0x00, 0x00, 0x00, 0x00,
	0x01, 0x00, 0x01, 0x00, 0x00, 0x02, 0x01, 0x44, 0x00, 0x3b,
}

// PixelBytes 返回像素内容的副本
func PixelBytes() []byte {
	return append([]byte(nil), transparentGIF...)
}

// TrackingHandler 处理像素、点击与追踪登记请求
type TrackingHandler struct {
	recorder *service.Recorder
	messages *service.MessageService
	log      *zap.Logger
}

// NewTrackingHandler 创建追踪处理器
func NewTrackingHandler(recorder *service.Recorder, messages *service.MessageService, log *zap.Logger) *TrackingHandler {
	return &TrackingHandler{recorder: recorder, messages: messages, log: log}
}

// Pixel 返回追踪像素
//
// 像素总是原样返回，与是否入队成功无关；缺少或非法的追踪ID不记录事件。
func (h *TrackingHandler) Pixel(c *gin.Context) {
	sig := signals.Extract(c.Request)
	h.enqueue(sig, domain.EventKindOpen, "")
	writePixel(c)
}

// PixelByPath 从路径中读取追踪ID，例如 /pixel/abc123.gif
func (h *TrackingHandler) PixelByPath(c *gin.Context) {
	file := c.Param("file")
	id := strings.TrimSuffix(strings.TrimSuffix(file, ".gif"), ".png")

	sig := signals.Extract(c.Request)
	sig.TrackingID = id
	h.enqueue(sig, domain.EventKindOpen, "")
	writePixel(c)
}

// Click 记录点击并跳转
//
// 跳转地址非法时返回 400 且不记录；合法时无论记录结果如何都跳转。
func (h *TrackingHandler) Click(c *gin.Context) {
	raw := c.Query(signals.ParamURL)
	if raw == "" {
		BadRequest(c, MsgMissingURL)
		return
	}
	target, err := domain.ValidateRedirectURL(raw)
	if err != nil {
		handleError(c, h.log, err, MsgInvalidRequest)
		return
	}

	h.enqueue(signals.Extract(c.Request), domain.EventKindClick, target.String())
	c.Redirect(http.StatusFound, target.String())
}

// GenerateTrackingID 签发新的追踪ID
func (h *TrackingHandler) GenerateTrackingID(c *gin.Context) {
	Success(c, gin.H{"trackingId": h.messages.GenerateTrackingID()})
}

type createTrackerRequest struct {
	Recipient        string `json:"recipient" binding:"required"`
	Subject          string `json:"subject"`
	ParentTrackingID string `json:"parentTrackingId"`
	TrackingID       string `json:"trackingId"`
}

// CreateTracker 登记一封追踪邮件并返回像素代码
func (h *TrackingHandler) CreateTracker(c *gin.Context) {
	var req createTrackerRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		BadRequest(c, MsgInvalidRequest)
		return
	}

	tracker, err := h.messages.CreateTracker(c.Request.Context(), service.CreateTrackerInput{
		Recipient:        req.Recipient,
		Subject:          req.Subject,
		ParentTrackingID: req.ParentTrackingID,
		TrackingID:       req.TrackingID,
	})
	if err != nil {
		handleError(c, h.log, err, MsgTrackerCreateFailed)
		return
	}

	Created(c, tracker)
}

func (h *TrackingHandler) enqueue(sig signals.Signals, kind domain.EventKind, linkURL string) {
	if sig.TrackingID == "" {
		return
	}
	if err := domain.ValidateTrackingID(sig.TrackingID); err != nil {
		h.log.Debug("ignoring capture with malformed tracking id",
			zap.String("trackingId", sig.TrackingID))
		return
	}
	h.recorder.Enqueue(sig, kind, linkURL)
}

func writePixel(c *gin.Context) {
	c.Header("Cache-Control", "no-store, no-cache, must-revalidate, proxy-revalidate")
	c.Header("Pragma", "no-cache")
	c.Header("Expires", "0")
	c.Header("Content-Length", strconv.Itoa(len(transparentGIF)))
	c.Data(http.StatusOK, "image/gif", transparentGIF)
}
