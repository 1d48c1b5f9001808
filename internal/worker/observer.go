package worker

import (
	"context"

	"AgentMesh-Chain/internal/a2a"
	"AgentMesh-Chain/internal/bus"
	xerrors "AgentMesh-Chain/internal/errors"
	"AgentMesh-Chain/internal/knowledge"
	"AgentMesh-Chain/internal/llm"
)

// Observer 是兜底的通用分析工作器：接收 analyze 类任务，结合知识库
// 上下文调用大模型产出分析结论。
type Observer struct {
	llm       llm.Client
	knowledge knowledge.Provider
	version   string
}

// NewObserver 创建 Observer。knowledge 可为 nil，此时不附带知识上下文。
func NewObserver(client llm.Client, provider knowledge.Provider) *Observer {
	return &Observer{llm: client, knowledge: provider, version: "1.0.0"}
}

// Name 实现 Worker 接口。
func (o *Observer) Name() string { return "observer" }

// Card 实现 Worker 接口。
func (o *Observer) Card() a2a.AgentCard {
	return a2a.AgentCard{
		Name:        o.Name(),
		Description: "通用分析工作器：解析任务意图并产出分析结论",
		Version:     o.version,
		Skills:      []string{"analysis", "portfolio-review", "intent-parsing"},
	}
}

// Handle 实现 Worker 接口。
func (o *Observer) Handle(ctx context.Context, ev bus.TaskRouted) (Outcome, error) {
	if o.llm == nil {
		return Outcome{}, xerrors.New(xerrors.CodeInitFailure, "分析工作器缺少模型客户端")
	}

	var cards []llm.KnowledgeCard
	if o.knowledge != nil {
		for _, snippet := range o.knowledge.Query(ev.Description) {
			cards = append(cards, llm.KnowledgeCard{
				Title:   snippet.Title,
				Content: snippet.Content,
			})
		}
	}

	resp, err := o.llm.Generate(ctx, llm.Request{
		TaskID:      ev.TaskID,
		Description: ev.Description,
		Kind:        string(ev.Kind),
		Knowledge:   cards,
	})
	if err != nil {
		return Outcome{}, xerrors.Wrap(xerrors.CodeWorkerFailure, err, "模型推理失败")
	}
	return Outcome{
		Result:         resp.Reply,
		ChainOfThought: resp.Thought,
	}, nil
}

var _ Worker = (*Observer)(nil)
