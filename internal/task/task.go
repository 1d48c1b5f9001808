package task

import (
	"encoding/json"
	"time"

	"AgentMesh-Chain/internal/bus"
	xerrors "AgentMesh-Chain/internal/errors"
)

// Status 表示任务在生命周期中的状态。
type Status string

const (
	StatusPending    Status = "pending"
	StatusRouting    Status = "routing"
	StatusInProgress Status = "in_progress"
	StatusCompleted  Status = "completed"
	StatusFailed     Status = "failed"
	StatusCancelled  Status = "cancelled"
)

// Terminal 判断状态是否为终态。终态任务不再接受结果回写。
func (s Status) Terminal() bool {
	switch s {
	case StatusCompleted, StatusFailed, StatusCancelled:
		return true
	default:
		return false
	}
}

// IsValidStatus 检查给定的任务状态是否为支持的枚举值。
func IsValidStatus(status Status) bool {
	switch status {
	case StatusPending, StatusRouting, StatusInProgress,
		StatusCompleted, StatusFailed, StatusCancelled:
		return true
	default:
		return false
	}
}

// ChainSelection 是调用方附带的执行域提示，可直接指定处理任务的
// 工作器。
type ChainSelection struct {
	ChainID string `json:"chain_id,omitempty"`
	AgentID string `json:"agent_id,omitempty"`
}

// Task 描述一次由编排核心跟踪的多步任务。
type Task struct {
	ID            string           `json:"id"`
	Description   string           `json:"description"`
	Status        Status           `json:"status"`
	AssignedTo    string           `json:"assigned_to,omitempty"`
	OperationType string           `json:"operation_type,omitempty"`
	SelectedChain *ChainSelection  `json:"selected_chain,omitempty"`
	Result        string           `json:"result,omitempty"`
	Error         string           `json:"error,omitempty"`
	ToolResults   []bus.ToolResult `json:"tool_results,omitempty"`
	CreatedAt     int64            `json:"created_at"`
	UpdatedAt     int64            `json:"updated_at"`
}

// Clone 返回任务的深拷贝，调用方可安全修改。
func (t *Task) Clone() *Task {
	if t == nil {
		return nil
	}
	clone := *t
	if t.SelectedChain != nil {
		sc := *t.SelectedChain
		clone.SelectedChain = &sc
	}
	clone.ToolResults = append([]bus.ToolResult(nil), t.ToolResults...)
	return &clone
}

// Encode 将任务序列化为持久化字节。
func (t *Task) Encode() ([]byte, error) {
	return json.Marshal(t)
}

// DecodeTask 从持久化字节还原任务。
func DecodeTask(raw []byte) (*Task, error) {
	var t Task
	if err := json.Unmarshal(raw, &t); err != nil {
		return nil, xerrors.Wrap(CodeTaskDecode, err, "解析任务记录失败")
	}
	return &t, nil
}

// touch 更新修改时间戳。
func (t *Task) touch(now time.Time) {
	t.UpdatedAt = now.Unix()
	if t.CreatedAt == 0 {
		t.CreatedAt = t.UpdatedAt
	}
}

// RecoveredDescription 是恢复失败时合成占位任务的描述标记。
const RecoveredDescription = "recovered task, original detail lost"

var (
	// ErrTaskTerminal 表示任务已处于终态，无法进行所请求的操作。
	ErrTaskTerminal = xerrors.New(CodeTaskTerminal, "task already terminal", xerrors.WithSeverity(xerrors.SeverityWarning))
)

const (
	CodeTaskValidation xerrors.Code = "TASK_VALIDATION_FAILED"
	CodeTaskTerminal   xerrors.Code = "TASK_TERMINAL"
	CodeTaskDecode     xerrors.Code = "TASK_DECODE_FAILED"
)

func init() {
	xerrors.Register(CodeTaskValidation, xerrors.Attributes{
		Message:   "task validation failed",
		Severity:  xerrors.SeverityInfo,
		Retryable: false,
		Alert:     false,
	})
	xerrors.Register(CodeTaskTerminal, xerrors.Attributes{
		Message:   "task already terminal",
		Severity:  xerrors.SeverityWarning,
		Retryable: false,
		Alert:     false,
	})
	xerrors.Register(CodeTaskDecode, xerrors.Attributes{
		Message:   "task record decode failed",
		Severity:  xerrors.SeverityWarning,
		Retryable: false,
		Alert:     false,
	})
}
