// Package worker 实现绑定单一能力的工作器。每个工作器是独立的
// 结构体，共享行为通过注入的协作者组合，而非继承。
package worker

import (
	"context"
	"log/slog"
	"time"

	"AgentMesh-Chain/internal/a2a"
	"AgentMesh-Chain/internal/bus"
	xerrors "AgentMesh-Chain/internal/errors"
	"AgentMesh-Chain/internal/storage"
	"AgentMesh-Chain/pkg/logger"
)

// Outcome 是工作器处理一次路由任务的产出。ChainOfThought 非空时
// 由运行时持久化到 cot: 键空间。
type Outcome struct {
	Result         string
	ToolResults    []bus.ToolResult
	ChainOfThought string
}

// Worker 是单一能力工作器的最小接口。
type Worker interface {
	Name() string
	Card() a2a.AgentCard
	Handle(ctx context.Context, ev bus.TaskRouted) (Outcome, error)
}

// Runner 把工作器接到事件总线上：订阅各自的路由主题，隔离处理
// 失败，持久化思维链，回传结果事件。
type Runner struct {
	bus   *bus.Bus
	store storage.Backend
}

// NewRunner 创建 Runner。
func NewRunner(b *bus.Bus, store storage.Backend) *Runner {
	return &Runner{bus: b, store: store}
}

// Attach 订阅工作器的路由主题并返回订阅句柄。
func (r *Runner) Attach(w Worker) *bus.Subscription {
	return r.bus.Register(bus.TopicToWorker(w.Name()), func(ctx context.Context, event bus.Event) error {
		routed, ok := event.(bus.TaskRouted)
		if !ok {
			return xerrors.New(xerrors.CodeProtocolViolation, "路由主题收到非路由事件")
		}
		r.run(ctx, w, routed)
		return nil
	})
}

// run 执行一次任务处理。工作器异常是关键错误：任务以 failed 回传。
// 思维链持久化失败是非关键错误：记日志并广播 agent-error，主路径
// 继续。
func (r *Runner) run(ctx context.Context, w Worker, routed bus.TaskRouted) {
	r.bus.Emit(ctx, bus.TopicAgentAction, bus.AgentAction{
		Agent:     w.Name(),
		Action:    string(routed.Kind),
		TaskID:    routed.TaskID,
		Timestamp: time.Now(),
	})

	outcome, err := w.Handle(ctx, routed)
	result := bus.WorkerResult{
		TaskID:      routed.TaskID,
		Worker:      w.Name(),
		Status:      "completed",
		Result:      outcome.Result,
		ToolResults: outcome.ToolResults,
	}
	if err != nil {
		result.Status = "failed"
		result.Error = err.Error()
		logger.L().Error("工作器处理失败",
			slog.String("worker", w.Name()),
			slog.String("task_id", routed.TaskID),
			slog.String("error", err.Error()),
		)
	}

	if outcome.ChainOfThought != "" {
		r.persistCoT(ctx, w.Name(), routed.TaskID, outcome.ChainOfThought)
	}
	r.bus.Emit(ctx, bus.TopicFromWorker(w.Name()), result)
}

func (r *Runner) persistCoT(ctx context.Context, worker, taskID, thought string) {
	err := r.store.Store(ctx, storage.Record{
		Key:  storage.CoTKey(taskID),
		Data: []byte(thought),
		Metadata: map[string]string{
			storage.MetaType:      "cot",
			storage.MetaAgent:     worker,
			storage.MetaOverwrite: "true",
			storage.MetaTimestamp: time.Now().UTC().Format(time.RFC3339),
		},
	})
	if err != nil {
		logger.L().Warn("思维链持久化失败",
			slog.String("worker", worker),
			slog.String("task_id", taskID),
			slog.String("error", err.Error()),
		)
		r.bus.Emit(ctx, bus.TopicAgentError, bus.AgentError{
			Agent:     worker,
			TaskID:    taskID,
			Message:   "思维链持久化失败: " + err.Error(),
			Timestamp: time.Now(),
		})
	}
}

// Processor 将工作器适配为协议层处理器，供跨进程调用。
func Processor(w Worker) a2a.Processor {
	return a2a.ProcessorFunc(func(ctx context.Context, req a2a.TaskRequest) (a2a.TaskResponse, error) {
		outcome, err := w.Handle(ctx, bus.TaskRouted{
			TaskID:      req.ID,
			Description: req.Message.Text(),
			Kind:        bus.KindAnalyze,
			Destination: w.Name(),
		})
		if err != nil {
			return a2a.TaskResponse{}, err
		}
		parts := []a2a.Part{a2a.TextPart(outcome.Result)}
		return a2a.TaskResponse{
			ID:     req.ID,
			Status: a2a.TaskStatus{State: a2a.StateCompleted, Timestamp: time.Now()},
			Artifacts: []a2a.Artifact{
				{Name: w.Name() + "-result", Parts: parts},
			},
		}, nil
	})
}
