// Package mailer 通过 SMTP 发送带追踪像素的 HTML 邮件。
package mailer

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"mime"
	"mime/quotedprintable"
	"net"
	"net/mail"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/emersion/go-sasl"
	"github.com/emersion/go-smtp"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"mailtrack/backend/internal/config"
)

// ErrNoRecipient 缺少收件人
var ErrNoRecipient = errors.New("mailer: no recipient")

// Message 一封待发送的 HTML 邮件
type Message struct {
	To      string
	Subject string
	HTML    string
}

// SendFunc 与 smtp.SendMail 签名一致，测试时替换
type SendFunc func(addr string, a sasl.Client, from string, to []string, r io.Reader) error

// Mailer SMTP 发件器
type Mailer struct {
	addr string
	from string
	auth sasl.Client
	send SendFunc
	now  func() time.Time
	log  *zap.Logger
}

// New 根据配置创建发件器
//
// 配置了用户名时使用 PLAIN 认证；go-smtp 在服务器支持时自动 STARTTLS。
func New(cfg config.SMTPConfig, log *zap.Logger) *Mailer {
	if log == nil {
		log = zap.NewNop()
	}
	var auth sasl.Client
	if cfg.Username != "" {
		auth = sasl.NewPlainClient("", cfg.Username, cfg.Password)
	}
	return &Mailer{
		addr: net.JoinHostPort(cfg.Host, strconv.Itoa(cfg.Port)),
		from: cfg.From,
		auth: auth,
		send: smtp.SendMail,
		now:  time.Now,
		log:  log,
	}
}

// WithSendFunc 替换底层发送函数
func (m *Mailer) WithSendFunc(fn SendFunc) *Mailer {
	m.send = fn
	return m
}

// Send 发送一封邮件
//
// smtp.SendMail 不支持 context，ctx 结束时立即返回，后台发送继续完成。
func (m *Mailer) Send(ctx context.Context, msg Message) error {
	to, err := mail.ParseAddress(strings.TrimSpace(msg.To))
	if err != nil {
		return fmt.Errorf("%w: %v", ErrNoRecipient, err)
	}

	body, err := Compose(m.from, msg, m.now())
	if err != nil {
		return err
	}

	sender := m.from
	if addr, err := mail.ParseAddress(m.from); err == nil {
		sender = addr.Address
	}

	done := make(chan error, 1)
	go func() {
		done <- m.send(m.addr, m.auth, sender, []string{to.Address}, bytes.NewReader(body))
	}()

	select {
	case err := <-done:
		if err != nil {
			return fmt.Errorf("smtp send to %s: %w", to.Address, err)
		}
		m.log.Info("email sent", zap.String("to", to.Address), zap.String("subject", msg.Subject))
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Compose 生成 RFC 5322 邮件，正文 quoted-printable 编码
func Compose(from string, msg Message, now time.Time) ([]byte, error) {
	var buf bytes.Buffer

	domain := "localhost"
	if addr, err := mail.ParseAddress(from); err == nil {
		if at := strings.LastIndex(addr.Address, "@"); at >= 0 {
			domain = addr.Address[at+1:]
		}
	}

	headers := [][2]string{
		{"From", from},
		{"To", msg.To},
		{"Subject", mime.QEncoding.Encode("utf-8", msg.Subject)},
		{"Date", now.Format(time.RFC1123Z)},
		{"Message-ID", fmt.Sprintf("<%s@%s>", uuid.NewString(), domain)},
		{"MIME-Version", "1.0"},
		{"Content-Type", `text/html; charset="utf-8"`},
		{"Content-Transfer-Encoding", "quoted-printable"},
	}
	for _, h := range headers {
		fmt.Fprintf(&buf, "%s: %s\r\n", h[0], h[1])
	}
	buf.WriteString("\r\n")

	qp := quotedprintable.NewWriter(&buf)
	if _, err := qp.Write([]byte(msg.HTML)); err != nil {
		return nil, err
	}
	if err := qp.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

var bodyClose = regexp.MustCompile(`(?i)</body\s*>`)

// InjectPixel 把像素标签插入 </body> 之前，没有 body 时追加到末尾
func InjectPixel(html, pixel string) string {
	if loc := bodyClose.FindStringIndex(html); loc != nil {
		return html[:loc[0]] + pixel + html[loc[0]:]
	}
	return html + pixel
}

// Personalize 替换 {{name}} 占位符，name 为空时使用 fallback
func Personalize(html, name, fallback string) string {
	if strings.TrimSpace(name) == "" {
		name = fallback
	}
	return strings.ReplaceAll(html, "{{name}}", name)
}
