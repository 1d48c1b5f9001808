// Package relay 把规范化的 task-update 事件转发到外部消息队列，
// 供进程外的监听者（仪表盘、审计管道）消费。
package relay

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"

	"AgentMesh-Chain/internal/bus"
	xerrors "AgentMesh-Chain/internal/errors"
	"AgentMesh-Chain/pkg/logger"
)

// Config 描述 AMQP 转发器的连接参数。
type Config struct {
	URL        string
	Queue      string
	Durable    bool
	AutoDelete bool
}

// AMQPRelay 订阅 task-update 主题并把事件 JSON 发布到 AMQP 队列。
// 转发失败是非关键错误：记日志，不影响事件总线上的其他订阅者。
type AMQPRelay struct {
	conn  *amqp.Connection
	ch    *amqp.Channel
	queue string
	sub   *bus.Subscription
	bus   *bus.Bus
}

// update 是发布到队列的事件载荷。
type update struct {
	TaskID      string    `json:"task_id"`
	Status      string    `json:"status"`
	Source      string    `json:"source"`
	Destination string    `json:"destination,omitempty"`
	Result      string    `json:"result,omitempty"`
	Error       string    `json:"error,omitempty"`
	Timestamp   time.Time `json:"timestamp"`
}

// New 创建 AMQPRelay 并声明队列。
func New(cfg Config) (*AMQPRelay, error) {
	if cfg.URL == "" {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "RabbitMQ URL 不能为空")
	}
	queue := cfg.Queue
	if queue == "" {
		queue = "agentmesh.task-updates"
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
	return &AMQPRelay{conn: conn, ch: ch, queue: queue}, nil
}

// Attach 订阅事件总线的 task-update 主题。
func (r *AMQPRelay) Attach(b *bus.Bus) {
	r.bus = b
	r.sub = b.Register(bus.TopicTaskUpdate, func(ctx context.Context, event bus.Event) error {
		taskUpdate, ok := event.(bus.TaskUpdate)
		if !ok {
			return nil
		}
		if err := r.publish(ctx, taskUpdate); err != nil {
			logger.L().Warn("转发 task-update 失败",
				slog.String("task_id", taskUpdate.TaskID),
				slog.String("error", err.Error()),
			)
		}
		return nil
	})
}

func (r *AMQPRelay) publish(ctx context.Context, ev bus.TaskUpdate) error {
	if r == nil || r.ch == nil {
		return xerrors.New(xerrors.CodeInitFailure, "AMQP 转发器未初始化")
	}
	body, err := json.Marshal(update{
		TaskID:      ev.TaskID,
		Status:      ev.Status,
		Source:      ev.Source,
		Destination: ev.Destination,
		Result:      ev.Result,
		Error:       ev.Error,
		Timestamp:   ev.Timestamp,
	})
	if err != nil {
		return fmt.Errorf("编码 task-update 失败: %w", err)
	}
	return r.ch.PublishWithContext(ctx, "", r.queue, false, false, amqp.Publishing{
		ContentType: "application/json",
		Body:        body,
	})
}

// Close 注销订阅并关闭连接。
func (r *AMQPRelay) Close() error {
	if r == nil {
		return nil
	}
	if r.bus != nil {
		r.bus.Unregister(r.sub)
	}
	if r.ch != nil {
		_ = r.ch.Close()
	}
	if r.conn != nil {
		return r.conn.Close()
	}
	return nil
}
