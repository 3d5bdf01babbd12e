package service

import (
	"context"
	"errors"
	"fmt"
	"html"
	"net/url"
	"strings"
	"time"

	"github.com/google/uuid"

	"mailtrack/backend/internal/domain"
	"mailtrack/backend/internal/storage"
)

var (
	// ErrInvalidRecipient 收件人缺失或格式错误
	ErrInvalidRecipient = errors.New("invalid recipient")
	// ErrParentNotFound 转发来源邮件不存在
	ErrParentNotFound = errors.New("parent tracked message not found")
)

// CreateTrackerInput 登记追踪邮件的输入
type CreateTrackerInput struct {
	Recipient        string
	Subject          string
	ParentTrackingID string
	// TrackingID 客户端自带的追踪 ID，留空时由服务端签发
	TrackingID string
}

// Tracker 登记结果
type Tracker struct {
	TrackingID   string                 `json:"trackingId"`
	TrackingURL  string                 `json:"trackingUrl"`
	TrackingHTML string                 `json:"trackingHtml"`
	Message      *domain.TrackedMessage `json:"message"`
}

// MessageService 追踪邮件登记服务
type MessageService struct {
	repo    storage.MessageRepository
	baseURL string
	now     func() time.Time
}

// NewMessageService 创建登记服务
//
// baseURL 为像素地址的对外前缀，例如 https://track.example.com。
func NewMessageService(repo storage.MessageRepository, baseURL string) *MessageService {
	return &MessageService{
		repo:    repo,
		baseURL: strings.TrimRight(baseURL, "/"),
		now:     time.Now,
	}
}

// GenerateTrackingID 签发 128 位随机追踪 ID
func (s *MessageService) GenerateTrackingID() string {
	return uuid.NewString()
}

// PixelURL 返回追踪 ID 对应的像素地址
func (s *MessageService) PixelURL(trackingID string) string {
	return s.baseURL + "/api/track?id=" + url.QueryEscape(trackingID)
}

// PixelHTML 返回可直接嵌入邮件的像素标签
func (s *MessageService) PixelHTML(trackingID string) string {
	return fmt.Sprintf(`<img src="%s" width="1" height="1" style="display:none" alt="" />`,
		html.EscapeString(s.PixelURL(trackingID)))
}

// CreateTracker 登记一封追踪邮件
//
// 校验在任何写入之前完成。
//
// 参数:
//   - ctx: 上下文
//   - in: 收件人必填；ParentTrackingID 非空时必须已登记
//
// 返回值:
//   - *Tracker: 追踪 ID、像素地址与像素标签
//   - error: ErrInvalidRecipient、domain.ErrInvalidTrackingID、ErrParentNotFound 或存储错误
func (s *MessageService) CreateTracker(ctx context.Context, in CreateTrackerInput) (*Tracker, error) {
	recipient := strings.TrimSpace(in.Recipient)
	if err := domain.ValidateEmail(recipient); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidRecipient, err)
	}

	trackingID := strings.TrimSpace(in.TrackingID)
	if trackingID == "" {
		trackingID = s.GenerateTrackingID()
	} else if err := domain.ValidateTrackingID(trackingID); err != nil {
		return nil, err
	}

	var parent *string
	if p := strings.TrimSpace(in.ParentTrackingID); p != "" {
		if p == trackingID {
			return nil, fmt.Errorf("%w: %s", ErrParentNotFound, p)
		}
		if _, err := s.repo.GetMessage(ctx, p); err != nil {
			if errors.Is(err, storage.ErrMessageNotFound) {
				return nil, fmt.Errorf("%w: %s", ErrParentNotFound, p)
			}
			return nil, err
		}
		parent = &p
	}

	msg := &domain.TrackedMessage{
		TrackingID:        trackingID,
		OriginalRecipient: recipient,
		Subject:           strings.TrimSpace(in.Subject),
		ParentTrackingID:  parent,
		SentAt:            s.now().UTC(),
	}
	if err := s.repo.SaveMessage(ctx, msg); err != nil {
		return nil, err
	}

	return &Tracker{
		TrackingID:   trackingID,
		TrackingURL:  s.PixelURL(trackingID),
		TrackingHTML: s.PixelHTML(trackingID),
		Message:      msg,
	}, nil
}
