package task

import (
	"context"
	stdErrors "errors"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"AgentMesh-Chain/internal/bus"
	xerrors "AgentMesh-Chain/internal/errors"
	"AgentMesh-Chain/internal/storage"
	"AgentMesh-Chain/pkg/logger"
)

// CreateOptions 是创建任务时的可选参数。
type CreateOptions struct {
	AssignedTo    string
	OperationType string
	SelectedChain *ChainSelection
}

// ManagerOption 配置 Manager。
type ManagerOption func(*Manager)

// WithRouter 覆盖默认路由策略。
func WithRouter(router *Router) ManagerOption {
	return func(m *Manager) { m.router = router }
}

// WithArchive 注入终态任务的归档仓库。
func WithArchive(archive Archive) ManagerOption {
	return func(m *Manager) { m.archive = archive }
}

// WithCompletionHook 注入任务成功完成后的副作用（如铸造完成凭证）。
// 副作用失败只记日志，不影响结果处理主路径。
func WithCompletionHook(hook func(ctx context.Context, t *Task) error) ManagerOption {
	return func(m *Manager) { m.completion = hook }
}

// Manager 负责任务的创建、路由、结果回写与取消。内存中的任务表是
// 权威视图，任务日志存储提供崩溃后的恢复来源。
type Manager struct {
	mu         sync.RWMutex
	tasks      map[string]*Task
	bus        *bus.Bus
	store      storage.Backend
	router     *Router
	archive    Archive
	completion func(ctx context.Context, t *Task) error

	subs    []*bus.Subscription
	pending sync.WaitGroup
}

// NewManager 创建 Manager。
func NewManager(b *bus.Bus, store storage.Backend, opts ...ManagerOption) *Manager {
	m := &Manager{
		tasks:  make(map[string]*Task),
		bus:    b,
		store:  store,
		router: NewRouter(),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// RegisterWorker 订阅指定工作器的结果主题，结果统一走通用回写路径。
func (m *Manager) RegisterWorker(worker string) {
	sub := m.bus.Register(bus.TopicFromWorker(worker), func(ctx context.Context, event bus.Event) error {
		result, ok := event.(bus.WorkerResult)
		if !ok {
			return xerrors.New(xerrors.CodeProtocolViolation, "结果主题收到非结果事件")
		}
		return m.handleResult(ctx, result)
	})
	m.mu.Lock()
	m.subs = append(m.subs, sub)
	m.mu.Unlock()
}

// Create 创建一个新任务：生成 id，建内存记录，调度（而非内联）
// 一次持久化写入。id 由系统生成，不存在重复冲突。
func (m *Manager) Create(ctx context.Context, description string, opts CreateOptions) (*Task, error) {
	if strings.TrimSpace(description) == "" {
		return nil, xerrors.New(CodeTaskValidation, "任务描述不能为空")
	}

	t := &Task{
		ID:            uuid.NewString(),
		Description:   description,
		Status:        StatusPending,
		AssignedTo:    opts.AssignedTo,
		OperationType: opts.OperationType,
	}
	if opts.SelectedChain != nil {
		sc := *opts.SelectedChain
		t.SelectedChain = &sc
	}
	t.touch(time.Now())

	m.mu.Lock()
	m.tasks[t.ID] = t
	m.mu.Unlock()

	m.schedulePersist(ctx, t.Clone())
	logger.L().Info("任务已创建",
		slog.String("task_id", t.ID),
		slog.String("description", description),
	)
	return t.Clone(), nil
}

// Get 返回指定任务：优先内存，其次从任务日志存储恢复；两者都失败
// 时合成最小占位任务而不是返回"不存在"——一旦某个 id 曾经存在，
// 调用方必须总能拿到任务对象。
func (m *Manager) Get(ctx context.Context, id string) (*Task, error) {
	if strings.TrimSpace(id) == "" {
		return nil, xerrors.New(CodeTaskValidation, "任务 id 不能为空")
	}

	m.mu.RLock()
	t, ok := m.tasks[id]
	m.mu.RUnlock()
	if ok {
		return t.Clone(), nil
	}

	recovered := m.recover(ctx, id)
	m.mu.Lock()
	// 恢复期间可能有并发写入，已存在的内存记录优先。
	if existing, ok := m.tasks[id]; ok {
		recovered = existing
	} else {
		m.tasks[id] = recovered
	}
	m.mu.Unlock()
	return recovered.Clone(), nil
}

func (m *Manager) recover(ctx context.Context, id string) *Task {
	rec, err := m.store.Retrieve(ctx, storage.TaskKey(id))
	if err == nil {
		if t, decodeErr := DecodeTask(rec.Data); decodeErr == nil {
			logger.L().Info("任务已从存储恢复", slog.String("task_id", id))
			return t
		} else {
			err = decodeErr
		}
	}
	if !stdErrors.Is(err, storage.ErrRecordNotFound) {
		logger.L().Warn("任务恢复失败，合成占位任务",
			slog.String("task_id", id),
			slog.String("error", err.Error()),
		)
	}
	placeholder := &Task{
		ID:          id,
		Description: RecoveredDescription,
		Status:      StatusPending,
	}
	placeholder.touch(time.Now())
	return placeholder
}

// Assign 为任务选择工作器并派发：按路由策略选定目标，任务转入
// in_progress 并持久化，然后在目标工作器的路由主题上发出事件。
// 返回选定的工作器标识。
func (m *Manager) Assign(ctx context.Context, id string) (string, error) {
	m.mu.Lock()
	t, ok := m.tasks[id]
	if !ok {
		m.mu.Unlock()
		return "", xerrors.New(xerrors.CodeRoutingFailure, "待派发的任务不存在",
			xerrors.WithMetadata("task_id", id))
	}
	if t.Status.Terminal() {
		m.mu.Unlock()
		return "", ErrTaskTerminal
	}

	worker := m.router.Route(t)
	t.AssignedTo = worker
	t.Status = StatusInProgress
	t.touch(time.Now())
	snapshot := t.Clone()
	m.mu.Unlock()

	m.schedulePersist(ctx, snapshot)
	m.bus.Emit(ctx, bus.TopicToWorker(worker), bus.TaskRouted{
		TaskID:      snapshot.ID,
		Description: snapshot.Description,
		Kind:        m.router.Kind(worker),
		Destination: worker,
		Hints:       routingHints(snapshot),
	})
	logger.L().Info("任务已派发",
		slog.String("task_id", snapshot.ID),
		slog.String("worker", worker),
	)
	return worker, nil
}

// Redirect 在工作器拒绝领域归属时将任务改派给其他工作器。任务经过
// 可观察的 routing 过渡态后重新走派发路径。
func (m *Manager) Redirect(ctx context.Context, id, worker string) (string, error) {
	m.mu.Lock()
	t, ok := m.tasks[id]
	if !ok {
		m.mu.Unlock()
		return "", xerrors.New(xerrors.CodeRoutingFailure, "待改派的任务不存在",
			xerrors.WithMetadata("task_id", id))
	}
	if t.Status.Terminal() {
		m.mu.Unlock()
		return "", ErrTaskTerminal
	}
	t.Status = StatusRouting
	t.AssignedTo = worker
	t.touch(time.Now())
	m.mu.Unlock()

	return m.Assign(ctx, id)
}

// Cancel 显式取消任务。仅对非终态任务有效，且只更新存储状态，不会
// 打断在途的工作器操作（协作式取消）。
func (m *Manager) Cancel(ctx context.Context, id string) error {
	m.mu.Lock()
	t, ok := m.tasks[id]
	if !ok {
		m.mu.Unlock()
		return xerrors.New(xerrors.CodeNotFound, "待取消的任务不存在",
			xerrors.WithMetadata("task_id", id))
	}
	if t.Status.Terminal() {
		m.mu.Unlock()
		return ErrTaskTerminal
	}
	t.Status = StatusCancelled
	t.touch(time.Now())
	snapshot := t.Clone()
	m.mu.Unlock()

	m.schedulePersist(ctx, snapshot)
	m.archiveTask(ctx, snapshot)
	m.emitUpdate(ctx, snapshot, "external")
	logger.Audit().Info("任务已取消", slog.String("task_id", id))
	return nil
}

// handleResult 是通用结果回写路径：查找（或恢复）任务，覆盖状态与
// 结果字段，持久化，广播规范化的 task-update 事件。
func (m *Manager) handleResult(ctx context.Context, result bus.WorkerResult) error {
	if result.TaskID == "" {
		return xerrors.New(xerrors.CodeProtocolViolation, "结果事件缺少任务 id")
	}
	if _, err := m.Get(ctx, result.TaskID); err != nil {
		return err
	}

	status := Status(result.Status)
	if !IsValidStatus(status) {
		status = StatusFailed
	}

	m.mu.Lock()
	t := m.tasks[result.TaskID]
	if t.Status.Terminal() {
		// 终态任务的迟到结果丢弃：取消是协作式的，在途工作器
		// 仍可能回传结果。
		current := t.Status
		m.mu.Unlock()
		logger.L().Warn("丢弃终态任务的迟到结果",
			slog.String("task_id", result.TaskID),
			slog.String("status", string(current)),
			slog.String("worker", result.Worker),
		)
		return nil
	}
	t.Status = status
	t.Result = result.Result
	t.Error = result.Error
	t.ToolResults = append([]bus.ToolResult(nil), result.ToolResults...)
	t.touch(time.Now())
	snapshot := t.Clone()
	m.mu.Unlock()

	m.schedulePersist(ctx, snapshot)
	if snapshot.Status.Terminal() {
		m.archiveTask(ctx, snapshot)
	}
	m.emitUpdate(ctx, snapshot, result.Worker)

	if snapshot.Status == StatusCompleted && m.completion != nil {
		m.runCompletionHook(ctx, snapshot)
	}
	return nil
}

// runCompletionHook 隔离执行完成副作用，失败只记日志。
func (m *Manager) runCompletionHook(ctx context.Context, t *Task) {
	defer func() {
		if r := recover(); r != nil {
			logger.L().Error("完成副作用 panic",
				slog.String("task_id", t.ID),
				slog.Any("panic", r),
			)
		}
	}()
	if err := m.completion(ctx, t); err != nil {
		logger.L().Error("完成副作用失败",
			slog.String("task_id", t.ID),
			slog.String("error", err.Error()),
		)
	}
}

// List 返回符合过滤条件的归档任务。
func (m *Manager) List(ctx context.Context, opts ...ListOption) ([]*Task, error) {
	if m.archive == nil {
		return nil, xerrors.New(xerrors.CodeInitFailure, "任务归档未配置")
	}
	return m.archive.List(ctx, buildListOptions(opts))
}

// Stats 返回符合过滤条件的归档统计。
func (m *Manager) Stats(ctx context.Context, opts ...ListOption) (ArchiveStats, error) {
	if m.archive == nil {
		return ArchiveStats{}, xerrors.New(xerrors.CodeInitFailure, "任务归档未配置")
	}
	return m.archive.Stats(ctx, buildListOptions(opts))
}

// Flush 等待所有已调度的持久化写入完成，用于测试与有序停机。
func (m *Manager) Flush() {
	m.pending.Wait()
}

// Close 注销所有订阅并等待在途持久化完成。
func (m *Manager) Close() error {
	m.mu.Lock()
	subs := m.subs
	m.subs = nil
	m.mu.Unlock()
	for _, sub := range subs {
		m.bus.Unregister(sub)
	}
	m.pending.Wait()
	if m.archive != nil {
		return m.archive.Close()
	}
	return nil
}

// schedulePersist 调度一次异步持久化。存储失败是非关键错误：记日志
// 并广播 agent-error，调用方流程不受影响。
func (m *Manager) schedulePersist(ctx context.Context, t *Task) {
	m.pending.Add(1)
	go func() {
		defer m.pending.Done()
		data, err := t.Encode()
		if err == nil {
			err = m.store.Store(ctx, storage.Record{
				Key:  storage.TaskKey(t.ID),
				Data: data,
				Metadata: map[string]string{
					storage.MetaType:      "task",
					storage.MetaOverwrite: "true",
					storage.MetaTimestamp: time.Now().UTC().Format(time.RFC3339),
				},
			})
		}
		if err != nil {
			logger.L().Error("任务持久化失败",
				slog.String("task_id", t.ID),
				slog.String("error", err.Error()),
			)
			m.bus.Emit(ctx, bus.TopicAgentError, bus.AgentError{
				Agent:     "task-manager",
				TaskID:    t.ID,
				Message:   "任务持久化失败: " + err.Error(),
				Timestamp: time.Now(),
			})
		}
	}()
}

func (m *Manager) archiveTask(ctx context.Context, t *Task) {
	if m.archive == nil {
		return
	}
	if err := m.archive.Append(ctx, t); err != nil {
		logger.L().Warn("任务归档失败",
			slog.String("task_id", t.ID),
			slog.String("error", err.Error()),
		)
	}
}

func (m *Manager) emitUpdate(ctx context.Context, t *Task, source string) {
	m.bus.Emit(ctx, bus.TopicTaskUpdate, bus.TaskUpdate{
		TaskID:      t.ID,
		Status:      string(t.Status),
		Source:      source,
		Destination: t.AssignedTo,
		Result:      t.Result,
		Error:       t.Error,
		Timestamp:   time.Now(),
	})
}

func routingHints(t *Task) map[string]string {
	hints := make(map[string]string)
	if t.OperationType != "" {
		hints["operation_type"] = t.OperationType
	}
	if t.SelectedChain != nil {
		if t.SelectedChain.ChainID != "" {
			hints["chain_id"] = t.SelectedChain.ChainID
		}
		if t.SelectedChain.AgentID != "" {
			hints["agent_id"] = t.SelectedChain.AgentID
		}
	}
	if len(hints) == 0 {
		return nil
	}
	return hints
}
