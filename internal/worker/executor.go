package worker

import (
	"context"
	"fmt"
	"time"

	"AgentMesh-Chain/internal/a2a"
	"AgentMesh-Chain/internal/bus"
	xerrors "AgentMesh-Chain/internal/errors"
)

// Intent 描述一次待执行的链上操作。
type Intent struct {
	TaskID        string
	Description   string
	OperationType string
	Hints         map[string]string
}

// Receipt 是一次链上执行的回执。
type Receipt struct {
	TxRef  string
	Domain string
	Asset  string
	Amount string
}

// ChainExecutor 抽象了实际的链上执行通道（swap、transfer、bridge）。
type ChainExecutor interface {
	Execute(ctx context.Context, intent Intent) (Receipt, error)
}

// Executor 是交易执行工作器：把 execute 类任务交给注入的链上执行
// 通道，并在成功后广播持仓变更。
type Executor struct {
	chain   ChainExecutor
	bus     *bus.Bus
	version string
}

// NewExecutor 创建 Executor。
func NewExecutor(chain ChainExecutor, b *bus.Bus) *Executor {
	return &Executor{chain: chain, bus: b, version: "1.0.0"}
}

// Name 实现 Worker 接口。
func (e *Executor) Name() string { return "executor" }

// Card 实现 Worker 接口。
func (e *Executor) Card() a2a.AgentCard {
	return a2a.AgentCard{
		Name:         e.Name(),
		Description:  "交易执行工作器：swap、transfer 与跨链操作",
		Version:      e.version,
		Capabilities: a2a.Capabilities{Streaming: true},
		Skills:       []string{"swap", "transfer", "bridge"},
	}
}

// Handle 实现 Worker 接口。
func (e *Executor) Handle(ctx context.Context, ev bus.TaskRouted) (Outcome, error) {
	if e.chain == nil {
		return Outcome{}, xerrors.New(xerrors.CodeInitFailure, "执行工作器缺少链上执行通道")
	}

	receipt, err := e.chain.Execute(ctx, Intent{
		TaskID:        ev.TaskID,
		Description:   ev.Description,
		OperationType: ev.Hints["operation_type"],
		Hints:         ev.Hints,
	})
	if err != nil {
		return Outcome{}, xerrors.Wrap(xerrors.CodeWorkerFailure, err, "链上执行失败")
	}

	if e.bus != nil && receipt.Asset != "" {
		e.bus.Emit(ctx, bus.TopicPositionUpdate, bus.PositionUpdate{
			Agent:     e.Name(),
			Domain:    receipt.Domain,
			Asset:     receipt.Asset,
			Amount:    receipt.Amount,
			Timestamp: time.Now(),
		})
	}

	return Outcome{
		Result: fmt.Sprintf("执行完成，交易回执 %s", receipt.TxRef),
		ToolResults: []bus.ToolResult{
			{Tool: "chain-execute", Output: receipt.TxRef},
		},
		ChainOfThought: fmt.Sprintf("解析执行意图并提交到 %s 执行域", receipt.Domain),
	}, nil
}

var _ Worker = (*Executor)(nil)
