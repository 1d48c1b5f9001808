package task

import (
	"strings"

	"AgentMesh-Chain/internal/bus"
)

// DefaultWorker 是兜底的通用分析工作器。
const DefaultWorker = "observer"

// keywordRoute 是描述文本中的领域标记到工作器的映射项。
type keywordRoute struct {
	marker string
	worker string
}

// Router 按优先级为任务选择工作器：显式指定 > 执行域提示 >
// 领域关键词 > 默认工作器。匹配短路，命中即返回。
type Router struct {
	keywords      []keywordRoute
	defaultWorker string
}

// RouterOption 配置 Router。
type RouterOption func(*Router)

// WithKeywordRoute 追加一条关键词路由，按追加顺序匹配。
func WithKeywordRoute(marker, worker string) RouterOption {
	return func(r *Router) {
		r.keywords = append(r.keywords, keywordRoute{marker: strings.ToLower(marker), worker: worker})
	}
}

// WithDefaultWorker 覆盖兜底工作器。
func WithDefaultWorker(worker string) RouterOption {
	return func(r *Router) {
		r.defaultWorker = worker
	}
}

// NewRouter 创建 Router。默认关键词表覆盖内置工作器的领域标记。
func NewRouter(opts ...RouterOption) *Router {
	r := &Router{
		keywords: []keywordRoute{
			{marker: "hedera", worker: "hedera"},
			{marker: "hbar", worker: "hedera"},
		},
		defaultWorker: DefaultWorker,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Route 返回任务应当派发到的工作器标识。
func (r *Router) Route(t *Task) string {
	if t.AssignedTo != "" {
		return t.AssignedTo
	}
	if t.SelectedChain != nil && t.SelectedChain.AgentID != "" {
		return t.SelectedChain.AgentID
	}
	desc := strings.ToLower(t.Description)
	for _, route := range r.keywords {
		if strings.Contains(desc, route.marker) {
			return route.worker
		}
	}
	return r.defaultWorker
}

// Kind 返回派发给指定工作器的任务类别：默认工作器做分析，
// 其余工作器做执行。
func (r *Router) Kind(worker string) bus.TaskKind {
	if worker == r.defaultWorker {
		return bus.KindAnalyze
	}
	return bus.KindExecute
}
