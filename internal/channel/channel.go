// Package channel 提供面向驱动端（UI、外部控制器）的 WebSocket 双工
// 通道：接收 command 信封并下发任务，同时把事件总线上的广播事件
// 推送给所有连接的客户端。
package channel

import (
	"context"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"AgentMesh-Chain/internal/a2a"
	"AgentMesh-Chain/internal/bus"
	"AgentMesh-Chain/internal/task"
	"AgentMesh-Chain/pkg/logger"
)

// Command 是客户端发来的指令信封。
type Command struct {
	Type            string               `json:"type"`
	Command         string               `json:"command"`
	UseA2A          bool                 `json:"useA2A,omitempty"`
	TargetAgent     string               `json:"targetAgent,omitempty"`
	SelectedChain   *task.ChainSelection `json:"selectedChain,omitempty"`
	AgentPreference string               `json:"agentPreference,omitempty"`
	OperationType   string               `json:"operationType,omitempty"`
}

// AgentCaller 抽象跨进程协议的提交能力，useA2A 指令走这条通道。
type AgentCaller interface {
	SendTask(ctx context.Context, agent string, req a2a.TaskRequest) (a2a.TaskResponse, error)
}

// envelope 是服务端推送给客户端的统一信封。
type envelope struct {
	Type    string `json:"type"`
	Payload any    `json:"payload,omitempty"`
	Message string `json:"message,omitempty"`
}

// session 包装一条连接并串行化写操作。gorilla/websocket 的连接不允许
// 并发写。
type session struct {
	conn *websocket.Conn
	mu   sync.Mutex
}

func (s *session) send(v any) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.conn.WriteJSON(v)
}

// Server 管理 WebSocket 连接的生命周期与指令分发。
type Server struct {
	upgrader websocket.Upgrader
	manager  *task.Manager
	remote   AgentCaller

	mu       sync.Mutex
	sessions map[*session]struct{}
	subs     []*bus.Subscription
	bus      *bus.Bus
}

// NewServer 创建通道服务。remote 可以为 nil，此时 useA2A 指令会被
// 拒绝并提示客户端。
func NewServer(manager *task.Manager, remote AgentCaller) *Server {
	return &Server{
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
		manager:  manager,
		remote:   remote,
		sessions: make(map[*session]struct{}),
	}
}

// Attach 订阅事件总线上的广播主题，把事件镜像给所有客户端。
func (s *Server) Attach(b *bus.Bus) {
	s.bus = b
	mirror := func(topic string, convert func(bus.Event) (any, bool)) {
		sub := b.Register(topic, func(_ context.Context, event bus.Event) error {
			payload, ok := convert(event)
			if !ok {
				return nil
			}
			s.broadcast(envelope{Type: topic, Payload: payload})
			return nil
		})
		s.subs = append(s.subs, sub)
	}

	mirror(bus.TopicAgentAction, func(event bus.Event) (any, bool) {
		action, ok := event.(bus.AgentAction)
		if !ok {
			return nil, false
		}
		return actionPayload{
			Agent:     action.Agent,
			Action:    action.Action,
			TaskID:    action.TaskID,
			Timestamp: action.Timestamp,
		}, true
	})
	mirror(bus.TopicAgentMessage, func(event bus.Event) (any, bool) {
		message, ok := event.(bus.AgentMessage)
		if !ok {
			return nil, false
		}
		return messagePayload{
			Agent:     message.Agent,
			Text:      message.Text,
			Timestamp: message.Timestamp,
		}, true
	})
	mirror(bus.TopicPositionUpdate, func(event bus.Event) (any, bool) {
		position, ok := event.(bus.PositionUpdate)
		if !ok {
			return nil, false
		}
		return positionPayload{
			Agent:     position.Agent,
			Domain:    position.Domain,
			Asset:     position.Asset,
			Amount:    position.Amount,
			Timestamp: position.Timestamp,
		}, true
	})
	mirror(bus.TopicTaskUpdate, func(event bus.Event) (any, bool) {
		update, ok := event.(bus.TaskUpdate)
		if !ok {
			return nil, false
		}
		return updatePayload{
			TaskID:      update.TaskID,
			Status:      update.Status,
			Source:      update.Source,
			Destination: update.Destination,
			Result:      update.Result,
			Error:       update.Error,
			Timestamp:   update.Timestamp,
		}, true
	})
}

type actionPayload struct {
	Agent     string    `json:"agent"`
	Action    string    `json:"action"`
	TaskID    string    `json:"task_id,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

type messagePayload struct {
	Agent     string    `json:"agent"`
	Text      string    `json:"text"`
	Timestamp time.Time `json:"timestamp"`
}

type positionPayload struct {
	Agent     string    `json:"agent"`
	Domain    string    `json:"domain,omitempty"`
	Asset     string    `json:"asset"`
	Amount    string    `json:"amount"`
	Timestamp time.Time `json:"timestamp"`
}

type updatePayload struct {
	TaskID      string    `json:"task_id"`
	Status      string    `json:"status"`
	Source      string    `json:"source,omitempty"`
	Destination string    `json:"destination,omitempty"`
	Result      string    `json:"result,omitempty"`
	Error       string    `json:"error,omitempty"`
	Timestamp   time.Time `json:"timestamp"`
}

// taskAccepted 是本地任务路径的受理回执。
type taskAccepted struct {
	TaskID string `json:"task_id"`
	Worker string `json:"worker"`
	Status string `json:"status"`
}

// Handler 返回处理 WebSocket 升级的 HTTP 处理器。
func (s *Server) Handler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := s.upgrader.Upgrade(w, r, nil)
		if err != nil {
			logger.L().Warn("WebSocket 升级失败", slog.String("error", err.Error()))
			return
		}
		sess := &session{conn: conn}
		s.mu.Lock()
		s.sessions[sess] = struct{}{}
		s.mu.Unlock()

		// 升级后连接已被接管，读循环保持在当前 goroutine。
		s.readLoop(r.Context(), sess)
	})
}

func (s *Server) readLoop(ctx context.Context, sess *session) {
	defer s.drop(sess)
	for {
		var cmd Command
		if err := sess.conn.ReadJSON(&cmd); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				logger.L().Warn("WebSocket 连接异常关闭", slog.String("error", err.Error()))
			}
			return
		}
		s.dispatch(ctx, sess, cmd)
	}
}

// dispatch 处理一条指令。指令失败通过 error 信封回告客户端，
// 不断开连接。
func (s *Server) dispatch(ctx context.Context, sess *session, cmd Command) {
	if cmd.Type != "command" {
		s.reply(sess, envelope{Type: "error", Message: "未知的信封类型: " + cmd.Type})
		return
	}
	if cmd.Command == "" {
		s.reply(sess, envelope{Type: "error", Message: "command 字段不能为空"})
		return
	}

	if cmd.UseA2A {
		s.dispatchRemote(ctx, sess, cmd)
		return
	}

	t, err := s.manager.Create(ctx, cmd.Command, task.CreateOptions{
		AssignedTo:    cmd.AgentPreference,
		OperationType: cmd.OperationType,
		SelectedChain: cmd.SelectedChain,
	})
	if err != nil {
		s.reply(sess, envelope{Type: "error", Message: err.Error()})
		return
	}
	worker, err := s.manager.Assign(ctx, t.ID)
	if err != nil {
		s.reply(sess, envelope{Type: "error", Message: err.Error()})
		return
	}
	s.reply(sess, envelope{Type: "task-accepted", Payload: taskAccepted{
		TaskID: t.ID,
		Worker: worker,
		Status: string(task.StatusInProgress),
	}})
}

func (s *Server) dispatchRemote(ctx context.Context, sess *session, cmd Command) {
	if s.remote == nil {
		s.reply(sess, envelope{Type: "error", Message: "跨进程协议通道未配置"})
		return
	}
	if cmd.TargetAgent == "" {
		s.reply(sess, envelope{Type: "error", Message: "useA2A 指令必须携带 targetAgent"})
		return
	}
	resp, err := s.remote.SendTask(ctx, cmd.TargetAgent, a2a.TaskRequest{
		ID: uuid.NewString(),
		Message: &a2a.Message{
			Role:  "user",
			Parts: []a2a.Part{a2a.TextPart(cmd.Command)},
		},
	})
	if err != nil {
		s.reply(sess, envelope{Type: "error", Message: err.Error()})
		return
	}
	s.reply(sess, envelope{Type: "a2a-response", Payload: resp})
}

func (s *Server) reply(sess *session, env envelope) {
	if err := sess.send(env); err != nil {
		logger.L().Warn("向客户端写入失败", slog.String("error", err.Error()))
	}
}

// broadcast 把信封推给所有连接。单个连接的写失败只影响该连接。
func (s *Server) broadcast(env envelope) {
	s.mu.Lock()
	targets := make([]*session, 0, len(s.sessions))
	for sess := range s.sessions {
		targets = append(targets, sess)
	}
	s.mu.Unlock()

	for _, sess := range targets {
		if err := sess.send(env); err != nil {
			logger.L().Warn("事件推送失败，移除连接", slog.String("error", err.Error()))
			s.drop(sess)
		}
	}
}

func (s *Server) drop(sess *session) {
	s.mu.Lock()
	_, ok := s.sessions[sess]
	delete(s.sessions, sess)
	s.mu.Unlock()
	if ok {
		_ = sess.conn.Close()
	}
}

// Close 注销总线订阅并关闭所有连接。
func (s *Server) Close() error {
	if s.bus != nil {
		for _, sub := range s.subs {
			s.bus.Unregister(sub)
		}
	}
	s.mu.Lock()
	sessions := make([]*session, 0, len(s.sessions))
	for sess := range s.sessions {
		sessions = append(sessions, sess)
	}
	s.sessions = make(map[*session]struct{})
	s.mu.Unlock()
	for _, sess := range sessions {
		_ = sess.conn.Close()
	}
	return nil
}

var _ AgentCaller = (*a2a.Client)(nil)
