package service

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"mailtrack/backend/internal/mailer"
	"mailtrack/backend/internal/monitoring"
)

var (
	// ErrMailerDisabled 未配置 SMTP
	ErrMailerDisabled = errors.New("outbound mail is not configured")
	// ErrInvalidMail 主题或正文缺失
	ErrInvalidMail = errors.New("subject and html content are required")
	// ErrNoRecipients 批量发送没有收件人
	ErrNoRecipients = errors.New("no recipients")
)

// 批量发送的并发数
const bulkConcurrency = 4

// MailSender 出站邮件发送
type MailSender interface {
	Send(ctx context.Context, msg mailer.Message) error
}

// SendEmailInput 单封发送的输入
type SendEmailInput struct {
	To               string
	Subject          string
	HTMLContent      string
	ParentTrackingID string
}

// BulkRecipient 批量发送的收件人
type BulkRecipient struct {
	Email string `json:"email"`
	Name  string `json:"name"`
}

// BulkEmailInput 批量发送的输入，HTMLContent 中的 {{name}} 会被替换
type BulkEmailInput struct {
	Recipients  []BulkRecipient
	Subject     string
	HTMLContent string
}

// SendResult 单个收件人的发送结果
type SendResult struct {
	Email      string `json:"email"`
	TrackingID string `json:"trackingId,omitempty"`
	Success    bool   `json:"success"`
	Error      string `json:"error,omitempty"`
}

// MailService 发送带追踪像素的邮件
type MailService struct {
	messages *MessageService
	sender   MailSender
	metrics  *monitoring.Metrics
	filter   *mailer.ContentFilter
	log      *zap.Logger
}

// NewMailService 创建发信服务，sender 为 nil 时发送接口返回 ErrMailerDisabled
func NewMailService(messages *MessageService, sender MailSender, metrics *monitoring.Metrics, log *zap.Logger) *MailService {
	if log == nil {
		log = zap.NewNop()
	}
	return &MailService{
		messages: messages,
		sender:   sender,
		metrics:  metrics,
		filter:   mailer.NewContentFilter(),
		log:      log,
	}
}

func (s *MailService) validate(subject, html string) error {
	if strings.TrimSpace(subject) == "" || strings.TrimSpace(html) == "" {
		return ErrInvalidMail
	}
	return s.filter.Check(html)
}

// Enabled 是否可以发信
func (s *MailService) Enabled() bool {
	return s.sender != nil
}

// SendEmail 登记追踪邮件并发送
//
// 发送失败时登记记录保留，返回的 SendResult 仍带追踪 ID。
func (s *MailService) SendEmail(ctx context.Context, in SendEmailInput) (*SendResult, error) {
	if s.sender == nil {
		return nil, ErrMailerDisabled
	}
	if err := s.validate(in.Subject, in.HTMLContent); err != nil {
		return nil, err
	}

	tracker, err := s.messages.CreateTracker(ctx, CreateTrackerInput{
		Recipient:        in.To,
		Subject:          in.Subject,
		ParentTrackingID: in.ParentTrackingID,
	})
	if err != nil {
		return nil, err
	}

	result := &SendResult{Email: tracker.Message.OriginalRecipient, TrackingID: tracker.TrackingID}
	err = s.deliver(ctx, tracker, in.Subject, in.HTMLContent)
	if err != nil {
		result.Error = err.Error()
		return result, fmt.Errorf("send email: %w", err)
	}
	result.Success = true
	return result, nil
}

// SendBulk 逐个收件人登记并发送，单个失败不影响其他收件人
//
// 返回值:
//   - []SendResult: 与 Recipients 顺序一致
//   - error: 仅在输入非法或未配置 SMTP 时返回
func (s *MailService) SendBulk(ctx context.Context, in BulkEmailInput) ([]SendResult, error) {
	if s.sender == nil {
		return nil, ErrMailerDisabled
	}
	if len(in.Recipients) == 0 {
		return nil, ErrNoRecipients
	}
	if err := s.validate(in.Subject, in.HTMLContent); err != nil {
		return nil, err
	}

	results := make([]SendResult, len(in.Recipients))
	var g errgroup.Group
	g.SetLimit(bulkConcurrency)
	for i, r := range in.Recipients {
		i, r := i, r
		g.Go(func() error {
			results[i] = s.sendOne(ctx, r, in)
			return nil
		})
	}
	_ = g.Wait()

	return results, nil
}

func (s *MailService) sendOne(ctx context.Context, r BulkRecipient, in BulkEmailInput) SendResult {
	res := SendResult{Email: r.Email}

	tracker, err := s.messages.CreateTracker(ctx, CreateTrackerInput{Recipient: r.Email, Subject: in.Subject})
	if err != nil {
		res.Error = err.Error()
		return res
	}
	res.TrackingID = tracker.TrackingID

	body := mailer.Personalize(in.HTMLContent, r.Name, "there")
	if err := s.deliver(ctx, tracker, in.Subject, body); err != nil {
		res.Error = err.Error()
		return res
	}
	res.Success = true
	return res
}

func (s *MailService) deliver(ctx context.Context, tracker *Tracker, subject, html string) error {
	err := s.sender.Send(ctx, mailer.Message{
		To:      tracker.Message.OriginalRecipient,
		Subject: subject,
		HTML:    mailer.InjectPixel(html, tracker.TrackingHTML),
	})
	if s.metrics != nil {
		s.metrics.RecordEmailSent(err)
	}
	if err != nil {
		s.log.Warn("failed to send tracked email",
			zap.String("trackingId", tracker.TrackingID),
			zap.Error(err))
	}
	return err
}
