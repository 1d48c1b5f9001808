package bus

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"AgentMesh-Chain/pkg/logger"
)

// Handler 处理某个主题上的事件。返回的错误会被转换为 agent-error
// 事件，不会传播到总线或其他订阅者。
type Handler func(ctx context.Context, event Event) error

// Subscription 是一次注册的句柄，用于后续注销。
type Subscription struct {
	topic string
	id    uint64
}

// Topic 返回订阅的主题。
func (s *Subscription) Topic() string {
	if s == nil {
		return ""
	}
	return s.topic
}

// Bus 是进程内按主题分发的发布/订阅调度器。Emit 不等待订阅方的
// 异步处理完成即返回；不提供投递保证与回放，持久化由任务日志
// 存储负责。
type Bus struct {
	mu       sync.RWMutex
	handlers map[string]map[uint64]Handler
	nextID   uint64
	inflight sync.WaitGroup
}

// New 创建一个空的事件总线。
func New() *Bus {
	return &Bus{handlers: make(map[string]map[uint64]Handler)}
}

// Register 为主题注册一个处理器，同一主题可注册多个独立处理器。
func (b *Bus) Register(topic string, handler Handler) *Subscription {
	if handler == nil {
		return nil
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	b.nextID++
	id := b.nextID
	set, ok := b.handlers[topic]
	if !ok {
		set = make(map[uint64]Handler)
		b.handlers[topic] = set
	}
	set[id] = handler
	return &Subscription{topic: topic, id: id}
}

// Unregister 注销指定订阅。对 nil 或已注销的订阅调用是安全的。
func (b *Bus) Unregister(sub *Subscription) {
	if sub == nil {
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if set, ok := b.handlers[sub.topic]; ok {
		delete(set, sub.id)
		if len(set) == 0 {
			delete(b.handlers, sub.topic)
		}
	}
}

// Emit 将事件分发给主题的所有处理器。每个处理器运行在自己的
// goroutine 中，调用方不能假设返回时订阅方的副作用已经可见。
func (b *Bus) Emit(ctx context.Context, topic string, event Event) {
	b.mu.RLock()
	set := b.handlers[topic]
	snapshot := make([]Handler, 0, len(set))
	for _, handler := range set {
		snapshot = append(snapshot, handler)
	}
	b.mu.RUnlock()

	for _, handler := range snapshot {
		b.inflight.Add(1)
		go b.dispatch(ctx, topic, handler, event)
	}
}

// Drain 阻塞直到所有在途处理器执行完毕，用于测试与有序停机。
func (b *Bus) Drain() {
	b.inflight.Wait()
}

func (b *Bus) dispatch(ctx context.Context, topic string, handler Handler, event Event) {
	defer b.inflight.Done()
	defer func() {
		if r := recover(); r != nil {
			b.isolate(ctx, topic, fmt.Sprintf("handler panic: %v", r))
		}
	}()
	if err := handler(ctx, event); err != nil {
		b.isolate(ctx, topic, err.Error())
	}
}

// isolate 将处理器内部的失败转化为 agent-error 事件。agent-error
// 主题自身的失败只记日志，避免事件风暴。
func (b *Bus) isolate(ctx context.Context, topic, message string) {
	logger.L().Error("事件处理器失败",
		slog.String("topic", topic),
		slog.String("error", message),
	)
	if topic == TopicAgentError {
		return
	}
	b.Emit(ctx, TopicAgentError, AgentError{
		Agent:     topic,
		Message:   message,
		Timestamp: time.Now(),
	})
}
