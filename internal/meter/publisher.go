package meter

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	amqp "github.com/rabbitmq/amqp091-go"
)

// UsageEvent 是广播给市场侧对账的一条用量记录。
type UsageEvent struct {
	Owner      string `json:"owner"`
	Endpoint   string `json:"endpoint"`
	Kind       string `json:"kind"`
	Amount     int64  `json:"amount"`
	OccurredAt int64  `json:"occurred_at"`
}

// EventPublisher 负责将用量事件投递到外部系统。
type EventPublisher interface {
	Publish(ctx context.Context, event UsageEvent) error
	Close() error
}

// NoopPublisher 丢弃所有事件，用于不需要对账通道的部署。
type NoopPublisher struct{}

// Publish 实现 EventPublisher。
func (NoopPublisher) Publish(context.Context, UsageEvent) error { return nil }

// Close 实现 EventPublisher。
func (NoopPublisher) Close() error { return nil }

// AMQPConfig 描述 RabbitMQ 用量事件通道的连接参数。
type AMQPConfig struct {
	URL        string
	Queue      string
	Durable    bool
	AutoDelete bool
}

// AMQPPublisher 通过 RabbitMQ 投递用量事件。
type AMQPPublisher struct {
	conn  *amqp.Connection
	ch    *amqp.Channel
	queue string
}

// NewAMQPPublisher 创建 RabbitMQ 用量事件发布器。
func NewAMQPPublisher(cfg AMQPConfig) (*AMQPPublisher, error) {
	if cfg.URL == "" {
		return nil, errors.New("RabbitMQ URL 不能为空")
	}
	queue := cfg.Queue
	if queue == "" {
		queue = "agentpay.usage"
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
	return &AMQPPublisher{conn: conn, ch: ch, queue: queue}, nil
}

// Publish 实现 EventPublisher。
func (p *AMQPPublisher) Publish(ctx context.Context, event UsageEvent) error {
	if p == nil || p.ch == nil {
		return errors.New("RabbitMQ 发布器未初始化")
	}
	body, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("序列化用量事件失败: %w", err)
	}
	return p.ch.PublishWithContext(ctx, "", p.queue, false, false, amqp.Publishing{
		ContentType: "application/json",
		Body:        body,
	})
}

// Close 关闭 RabbitMQ 连接。
func (p *AMQPPublisher) Close() error {
	if p == nil {
		return nil
	}
	var err error
	if p.ch != nil {
		err = errors.Join(err, p.ch.Close())
	}
	if p.conn != nil {
		err = errors.Join(err, p.conn.Close())
	}
	return err
}

// ensure interface compliance at compile time
var (
	_ EventPublisher = (NoopPublisher{})
	_ EventPublisher = (*AMQPPublisher)(nil)
)
