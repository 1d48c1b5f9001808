package a2a

import (
	"context"
	"encoding/json"
	stdErrors "errors"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"AgentMesh-Chain/pkg/logger"
)

// Processor 处理提交给某个工作器的任务请求。
type Processor interface {
	Process(ctx context.Context, req TaskRequest) (TaskResponse, error)
}

// ProcessorFunc 允许用函数直接充当 Processor。
type ProcessorFunc func(ctx context.Context, req TaskRequest) (TaskResponse, error)

// Process 实现 Processor 接口。
func (f ProcessorFunc) Process(ctx context.Context, req TaskRequest) (TaskResponse, error) {
	return f(ctx, req)
}

// registration 是一个已注册工作器的名片与处理器。
type registration struct {
	card      AgentCard
	processor Processor
}

// Server 对外暴露协议层的四个操作：发现、提交、轮询、取消。
// 协议层只保管簿记状态，任务语义由各工作器的处理器实现。
type Server struct {
	addr string

	mu     sync.RWMutex
	agents map[string]*registration
	tasks  map[string]*TaskResponse

	middleware func(http.Handler) http.Handler
	inflight   sync.WaitGroup
}

// ServerOption 配置 Server。
type ServerOption func(*Server)

// WithMiddleware 包装整个请求链（如指标采集）。
func WithMiddleware(mw func(http.Handler) http.Handler) ServerOption {
	return func(s *Server) { s.middleware = mw }
}

// NewServer 创建协议服务器。
func NewServer(addr string, opts ...ServerOption) *Server {
	s := &Server{
		addr:   addr,
		agents: make(map[string]*registration),
		tasks:  make(map[string]*TaskResponse),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// RegisterAgent 注册一个工作器的名片与处理器。重复注册覆盖旧值。
func (s *Server) RegisterAgent(card AgentCard, processor Processor) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.agents[card.Name] = &registration{card: card, processor: processor}
}

// Handler 返回协议层的 HTTP 处理器，便于测试与外层组合。
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/agent/", s.handleAgent)
	if s.middleware != nil {
		return s.middleware(mux)
	}
	return mux
}

// Start 启动 HTTP 服务，直到上下文取消或出现错误。
func (s *Server) Start(ctx context.Context) error {
	server := &http.Server{
		Addr:              s.addr,
		Handler:           withContext(ctx, s.Handler()),
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		if err := server.ListenAndServe(); err != nil && !stdErrors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()
	logger.L().Info("协议服务已启动", slog.String("addr", s.addr))

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = server.Shutdown(shutdownCtx)
		s.inflight.Wait()
		return ctx.Err()
	case err := <-errCh:
		return err
	}
}

// handleAgent 分发 /agent/<name>[/tasks/...] 下的全部路由。
func (s *Server) handleAgent(w http.ResponseWriter, r *http.Request) {
	rest := strings.TrimPrefix(r.URL.Path, "/agent/")
	segments := strings.Split(strings.Trim(rest, "/"), "/")
	if len(segments) == 0 || segments[0] == "" {
		writeError(w, http.StatusNotFound, "未指定工作器")
		return
	}
	name := segments[0]

	switch {
	case len(segments) == 1:
		s.handleDiscover(w, r, name)
	case len(segments) == 3 && segments[1] == "tasks" && segments[2] == "send":
		s.handleSend(w, r, name)
	case len(segments) == 3 && segments[1] == "tasks":
		s.handleStatus(w, r, segments[2])
	case len(segments) == 4 && segments[1] == "tasks" && segments[3] == "cancel":
		s.handleCancel(w, r, segments[2])
	default:
		writeError(w, http.StatusNotFound, "未知路径")
	}
}

// handleDiscover 返回工作器的 AgentCard。
func (s *Server) handleDiscover(w http.ResponseWriter, r *http.Request, name string) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "仅支持 GET")
		return
	}
	reg, ok := s.lookupAgent(name)
	if !ok {
		writeError(w, http.StatusNotFound, "工作器未注册")
		return
	}
	writeJSON(w, http.StatusOK, reg.card)
}

// handleSend 处理任务提交。streaming=false 同步返回完整响应（200）；
// streaming=true 立即返回初始 pending 响应（202），处理继续异步进行，
// 最终结果通过状态轮询获取。
func (s *Server) handleSend(w http.ResponseWriter, r *http.Request, name string) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "仅支持 POST")
		return
	}
	reg, ok := s.lookupAgent(name)
	if !ok {
		writeError(w, http.StatusNotFound, "工作器未注册")
		return
	}

	var req TaskRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "请求体解析失败")
		return
	}
	// 畸形请求在任何任务创建之前同步拒绝。
	if err := req.Validate(); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	if !reg.card.Capabilities.Streaming {
		resp := s.process(r.Context(), reg, req)
		writeJSON(w, http.StatusOK, resp)
		return
	}

	initial := TaskResponse{
		ID:        req.ID,
		SessionID: req.SessionID,
		Status:    TaskStatus{State: StatePending, Timestamp: time.Now()},
	}
	s.storeTask(&initial)

	s.inflight.Add(1)
	go func() {
		defer s.inflight.Done()
		defer func() {
			if rec := recover(); rec != nil {
				logger.L().Error("处理器 panic",
					slog.String("agent", name),
					slog.String("task_id", req.ID),
					slog.Any("panic", rec),
				)
				s.finishTask(req.ID, TaskStatus{State: StateFailed, Reason: "processor panic", Timestamp: time.Now()})
			}
		}()
		resp := s.process(context.WithoutCancel(r.Context()), reg, req)
		s.storeTaskIfNotTerminal(&resp)
	}()
	writeJSON(w, http.StatusAccepted, initial)
}

// handleStatus 返回任务的当前协议视图。
func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request, id string) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "仅支持 GET")
		return
	}
	s.mu.RLock()
	resp, ok := s.tasks[id]
	s.mu.RUnlock()
	if !ok {
		writeError(w, http.StatusNotFound, "任务不存在")
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

// handleCancel 取消任务。终态任务返回 400。
func (s *Server) handleCancel(w http.ResponseWriter, r *http.Request, id string) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "仅支持 POST")
		return
	}
	s.mu.Lock()
	resp, ok := s.tasks[id]
	if !ok {
		s.mu.Unlock()
		writeError(w, http.StatusNotFound, "任务不存在")
		return
	}
	if resp.Status.State.Terminal() {
		s.mu.Unlock()
		writeError(w, http.StatusBadRequest, "任务已处于终态")
		return
	}
	resp.Status = TaskStatus{State: StateCancelled, Reason: "cancelled by caller", Timestamp: time.Now()}
	snapshot := *resp
	s.mu.Unlock()
	writeJSON(w, http.StatusOK, snapshot)
}

// process 调用处理器并统一簿记。处理器错误转化为 failed 响应。
func (s *Server) process(ctx context.Context, reg *registration, req TaskRequest) TaskResponse {
	resp, err := reg.processor.Process(ctx, req)
	if err != nil {
		resp = TaskResponse{
			ID:        req.ID,
			SessionID: req.SessionID,
			Status: TaskStatus{
				State:     StateFailed,
				Reason:    err.Error(),
				Timestamp: time.Now(),
			},
		}
	}
	if resp.ID == "" {
		resp.ID = req.ID
	}
	s.storeTaskIfNotTerminal(&resp)
	return resp
}

func (s *Server) lookupAgent(name string) (*registration, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	reg, ok := s.agents[name]
	return reg, ok
}

func (s *Server) storeTask(resp *TaskResponse) {
	s.mu.Lock()
	defer s.mu.Unlock()
	clone := *resp
	s.tasks[resp.ID] = &clone
}

// storeTaskIfNotTerminal 回写处理结果，但不覆盖已被外部取消的任务。
func (s *Server) storeTaskIfNotTerminal(resp *TaskResponse) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if existing, ok := s.tasks[resp.ID]; ok && existing.Status.State == StateCancelled {
		logger.L().Warn("丢弃已取消任务的迟到结果", slog.String("task_id", resp.ID))
		return
	}
	clone := *resp
	s.tasks[resp.ID] = &clone
}

func (s *Server) finishTask(id string, status TaskStatus) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if existing, ok := s.tasks[id]; ok && !existing.Status.State.Terminal() {
		existing.Status = status
	}
}

// withContext 确保请求处理能够感知根上下文取消。
func withContext(ctx context.Context, handler http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-ctx.Done():
			writeError(w, http.StatusServiceUnavailable, "服务正在停机")
			return
		default:
		}
		handler.ServeHTTP(w, r)
	})
}

type errorBody struct {
	Error string `json:"error"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, errorBody{Error: message})
}
