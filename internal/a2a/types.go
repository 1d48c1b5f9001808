// Package a2a 实现跨进程任务协议：能力发现、任务提交、状态轮询与
// 取消。每个注册的工作器都以统一的请求/响应语义对外暴露。
package a2a

import (
	"strings"
	"time"

	xerrors "AgentMesh-Chain/internal/errors"
)

// TaskState 表示协议层视角下的任务状态。
type TaskState string

const (
	StatePending   TaskState = "pending"
	StateRunning   TaskState = "running"
	StateCompleted TaskState = "completed"
	StateFailed    TaskState = "failed"
	StateCancelled TaskState = "cancelled"
)

// Terminal 判断状态是否为终态。终态任务不可取消。
func (s TaskState) Terminal() bool {
	switch s {
	case StateCompleted, StateFailed, StateCancelled:
		return true
	default:
		return false
	}
}

// Capabilities 描述工作器的协议能力。
type Capabilities struct {
	Streaming         bool `json:"streaming"`
	PushNotifications bool `json:"pushNotifications,omitempty"`
}

// AgentCard 是工作器的能力名片，通过发现接口对外公布。
type AgentCard struct {
	Name         string       `json:"name"`
	Description  string       `json:"description"`
	URL          string       `json:"url"`
	Version      string       `json:"version"`
	Capabilities Capabilities `json:"capabilities"`
	Skills       []string     `json:"skills,omitempty"`
}

// Part 是消息的一个内容片段。四种表示形式中恰好有一种非空。
type Part struct {
	Type string    `json:"type"`
	Text string    `json:"text,omitempty"`
	HTML string    `json:"html,omitempty"`
	Form string    `json:"form,omitempty"`
	File *FilePart `json:"file,omitempty"`
}

// FilePart 描述文件内容片段。
type FilePart struct {
	Name     string `json:"name"`
	MimeType string `json:"mimeType,omitempty"`
	URI      string `json:"uri,omitempty"`
	Bytes    string `json:"bytes,omitempty"`
}

// TextPart 构造一个文本片段。
func TextPart(text string) Part {
	return Part{Type: "text", Text: text}
}

// validate 校验片段恰好携带一种内容表示。
func (p Part) validate() error {
	count := 0
	if p.Text != "" {
		count++
	}
	if p.HTML != "" {
		count++
	}
	if p.Form != "" {
		count++
	}
	if p.File != nil {
		count++
	}
	if count != 1 {
		return xerrors.New(xerrors.CodeProtocolViolation, "消息片段必须恰好携带一种内容表示")
	}
	return nil
}

// Message 是一次角色化的消息，由若干内容片段组成。
type Message struct {
	Role  string `json:"role"`
	Parts []Part `json:"parts"`
}

// Text 返回消息中所有文本片段拼接的结果。
func (m Message) Text() string {
	var sb strings.Builder
	for _, part := range m.Parts {
		if part.Text != "" {
			sb.WriteString(part.Text)
		}
	}
	return sb.String()
}

// TaskRequest 是任务提交请求。
type TaskRequest struct {
	ID        string   `json:"id"`
	SessionID string   `json:"sessionId,omitempty"`
	Message   *Message `json:"message"`
}

// Validate 在任何任务创建发生之前同步校验请求。
func (r TaskRequest) Validate() error {
	if strings.TrimSpace(r.ID) == "" {
		return xerrors.New(xerrors.CodeProtocolViolation, "任务请求缺少 id")
	}
	if r.Message == nil || len(r.Message.Parts) == 0 {
		return xerrors.New(xerrors.CodeProtocolViolation, "任务请求缺少消息内容")
	}
	for _, part := range r.Message.Parts {
		if err := part.validate(); err != nil {
			return err
		}
	}
	return nil
}

// TaskStatus 描述任务的当前协议状态。
type TaskStatus struct {
	State     TaskState `json:"state"`
	Reason    string    `json:"reason,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// Artifact 是任务产出的一个工件。
type Artifact struct {
	Name  string `json:"name,omitempty"`
	Parts []Part `json:"parts"`
}

// TaskResponse 是任务的完整协议视图。
type TaskResponse struct {
	ID        string     `json:"id"`
	SessionID string     `json:"sessionId,omitempty"`
	Status    TaskStatus `json:"status"`
	History   []Message  `json:"history,omitempty"`
	Artifacts []Artifact `json:"artifacts,omitempty"`
}
