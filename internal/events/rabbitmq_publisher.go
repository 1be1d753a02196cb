package events

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	amqp "github.com/rabbitmq/amqp091-go"

	xerrors "PoF-Vault/internal/errors"
)

// RabbitMQConfig 描述 RabbitMQ 事件队列的连接参数。
type RabbitMQConfig struct {
	URL        string `json:"url"`
	Exchange   string `json:"exchange"`
	Queue      string `json:"queue"`
	Durable    bool   `json:"durable"`
	AutoDelete bool   `json:"auto_delete"`
}

// RabbitMQPublisher 将事件发布到 RabbitMQ 队列。
type RabbitMQPublisher struct {
	conn     *amqp.Connection
	ch       *amqp.Channel
	exchange string
	queue    string
	durable  bool
	// amqp.Channel 不支持并发发布。
	mu sync.Mutex
}

// NewRabbitMQPublisher 创建 RabbitMQ 事件发布器并声明队列。
func NewRabbitMQPublisher(cfg RabbitMQConfig) (*RabbitMQPublisher, error) {
	if cfg.URL == "" {
		return nil, errors.New("RabbitMQ URL 不能为空")
	}
	queue := cfg.Queue
	if queue == "" {
		queue = "pof.events"
	}
	conn, err := amqp.Dial(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("连接 RabbitMQ 失败: %w", err)
	}
	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("创建 RabbitMQ channel 失败: %w", err)
	}
	if _, err := ch.QueueDeclare(queue, cfg.Durable, cfg.AutoDelete, false, false, nil); err != nil {
		ch.Close()
		conn.Close()
		return nil, fmt.Errorf("声明 RabbitMQ 队列失败: %w", err)
	}
	if cfg.Exchange != "" {
		if err := ch.ExchangeDeclare(cfg.Exchange, amqp.ExchangeFanout, cfg.Durable, cfg.AutoDelete, false, false, nil); err != nil {
			ch.Close()
			conn.Close()
			return nil, fmt.Errorf("声明 RabbitMQ exchange 失败: %w", err)
		}
		if err := ch.QueueBind(queue, "", cfg.Exchange, false, nil); err != nil {
			ch.Close()
			conn.Close()
			return nil, fmt.Errorf("绑定 RabbitMQ 队列失败: %w", err)
		}
	}
	return &RabbitMQPublisher{conn: conn, ch: ch, exchange: cfg.Exchange, queue: queue, durable: cfg.Durable}, nil
}

// Publish 实现 Publisher。
func (p *RabbitMQPublisher) Publish(ctx context.Context, event Event) error {
	if p == nil || p.ch == nil {
		return errors.New("RabbitMQ 发布器未初始化")
	}
	body, err := json.Marshal(event)
	if err != nil {
		return xerrors.Wrap(xerrors.CodeInvalidArgument, err, "编码事件失败")
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	err = p.ch.PublishWithContext(ctx, p.exchange, p.routingKey(), false, false, buildPublishing(event, body, p.durable))
	if err != nil {
		return xerrors.Wrap(xerrors.CodePublishFailure, err, "RabbitMQ 发布事件失败")
	}
	return nil
}

func (p *RabbitMQPublisher) routingKey() string {
	if p.exchange != "" {
		return ""
	}
	return p.queue
}

func buildPublishing(event Event, body []byte, durable bool) amqp.Publishing {
	msg := amqp.Publishing{
		ContentType: "application/json",
		MessageId:   event.ID,
		Type:        string(event.Type),
		Timestamp:   event.OccurredAt,
		Body:        body,
	}
	if durable {
		msg.DeliveryMode = amqp.Persistent
	}
	return msg
}

// Close 关闭 RabbitMQ 连接。
func (p *RabbitMQPublisher) Close() error {
	if p == nil {
		return nil
	}
	if p.ch != nil {
		_ = p.ch.Close()
	}
	if p.conn != nil {
		return p.conn.Close()
	}
	return nil
}
