package bus

import "time"

// 事件总线的主题命名约定。`task-manager-<worker>` 为任务管理器发往
// 工作器的路由主题，`<worker>-task-manager` 为工作器回传结果的主题，
// 其余为面向所有监听者的广播主题。
const (
	TopicTaskUpdate     = "task-update"
	TopicAgentError     = "agent-error"
	TopicAgentMessage   = "agent-message"
	TopicAgentAction    = "agent-action"
	TopicPositionUpdate = "position-update"
)

// TopicToWorker 返回任务管理器向指定工作器派发任务的主题。
func TopicToWorker(worker string) string {
	return "task-manager-" + worker
}

// TopicFromWorker 返回指定工作器回传结果的主题。
func TopicFromWorker(worker string) string {
	return worker + "-task-manager"
}

// TaskKind 区分路由事件要求工作器执行的动作类别。
type TaskKind string

const (
	KindAnalyze TaskKind = "analyze"
	KindExecute TaskKind = "execute"
)

// Event 是总线上流转的事件的封闭集合。每个主题族对应一个具体变体，
// 订阅方通过类型断言做穷尽分发，而不是在字符串键上分支。
type Event interface {
	busEvent()
}

// TaskRouted 表示任务管理器将任务派发给某个工作器。
type TaskRouted struct {
	TaskID      string
	Description string
	Kind        TaskKind
	Destination string
	Hints       map[string]string
}

// WorkerResult 表示工作器对某个任务的执行结果。
type WorkerResult struct {
	TaskID      string
	Worker      string
	Status      string
	Result      string
	Error       string
	ToolResults []ToolResult
}

// ToolResult 记录一次子操作（工具调用）的结果。
type ToolResult struct {
	Tool   string `json:"tool"`
	Output string `json:"output"`
	Error  string `json:"error,omitempty"`
}

// TaskUpdate 是任务管理器在任务状态变化后广播的规范化事件。
type TaskUpdate struct {
	TaskID      string
	Status      string
	Source      string
	Destination string
	Result      string
	Error       string
	Timestamp   time.Time
}

// AgentError 表示某个组件内部的失败，已被隔离且不会影响其他订阅者。
type AgentError struct {
	Agent     string
	TaskID    string
	Message   string
	Timestamp time.Time
}

// AgentMessage 是工作器发给外部监听者（UI 等）的自由文本消息。
type AgentMessage struct {
	Agent     string
	Text      string
	Timestamp time.Time
}

// AgentAction 描述工作器正在执行的动作，用于外部观察。
type AgentAction struct {
	Agent     string
	Action    string
	TaskID    string
	Timestamp time.Time
}

// PositionUpdate 表示某个执行域内持仓/余额的变化通知。
type PositionUpdate struct {
	Agent     string
	Domain    string
	Asset     string
	Amount    string
	Timestamp time.Time
}

func (TaskRouted) busEvent()     {}
func (WorkerResult) busEvent()   {}
func (TaskUpdate) busEvent()     {}
func (AgentError) busEvent()     {}
func (AgentMessage) busEvent()   {}
func (AgentAction) busEvent()    {}
func (PositionUpdate) busEvent() {}
