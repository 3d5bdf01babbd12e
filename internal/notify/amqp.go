package notify

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/goccy/go-json"
	amqp "github.com/rabbitmq/amqp091-go"
	"go.uber.org/zap"
)

// ErrPublisherClosed Publisher 已关闭
var ErrPublisherClosed = errors.New("amqp publisher closed")

// Channel amqp091 Channel 中发布所需的部分
type Channel interface {
	ExchangeDeclare(name, kind string, durable, autoDelete, internal, noWait bool, args amqp.Table) error
	PublishWithContext(ctx context.Context, exchange, key string, mandatory, immediate bool, msg amqp.Publishing) error
	Close() error
}

// AMQPPublisher 把事件发布到 RabbitMQ topic 交换机
//
// routing key 为 "tracking.<eventKind>"，例如 tracking.forward_open。
type AMQPPublisher struct {
	exchange string
	log      *zap.Logger

	mu     sync.Mutex
	conn   *amqp.Connection
	ch     Channel
	closed bool
}

// DialAMQP 连接 RabbitMQ 并声明交换机
func DialAMQP(url, exchange string, log *zap.Logger) (*AMQPPublisher, error) {
	conn, err := amqp.Dial(url)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to amqp: %w", err)
	}

	ch, err := conn.Channel()
	if err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("failed to open amqp channel: %w", err)
	}

	p, err := NewAMQPPublisher(ch, exchange, log)
	if err != nil {
		_ = conn.Close()
		return nil, err
	}
	p.conn = conn

	p.log.Info("connected to AMQP", zap.String("exchange", exchange))
	return p, nil
}

// NewAMQPPublisher 使用已打开的 Channel 创建 Publisher
func NewAMQPPublisher(ch Channel, exchange string, log *zap.Logger) (*AMQPPublisher, error) {
	if log == nil {
		log = zap.NewNop()
	}
	if err := ch.ExchangeDeclare(exchange, amqp.ExchangeTopic, true, false, false, false, nil); err != nil {
		return nil, fmt.Errorf("failed to declare exchange %s: %w", exchange, err)
	}
	return &AMQPPublisher{exchange: exchange, ch: ch, log: log}, nil
}

// Publish 发布一条通知
func (p *AMQPPublisher) Publish(ctx context.Context, n Notification) error {
	body, err := json.Marshal(n)
	if err != nil {
		return err
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return ErrPublisherClosed
	}

	return p.ch.PublishWithContext(ctx, p.exchange, RoutingKey(n), false, false, amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		MessageId:    fmt.Sprintf("%s-%d", n.TrackingID, n.Event.ID),
		Timestamp:    n.Event.ObservedAt,
		Type:         string(n.Event.Kind),
		Body:         body,
	})
}

// Close 关闭 Channel 和连接
func (p *AMQPPublisher) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return nil
	}
	p.closed = true

	err := p.ch.Close()
	if p.conn != nil {
		if cerr := p.conn.Close(); cerr != nil && err == nil {
			err = cerr
		}
	}
	return err
}

// RoutingKey 计算通知的 routing key
func RoutingKey(n Notification) string {
	return "tracking." + string(n.Event.Kind)
}
