// Package alerting 把需要人工关注的错误事件广播到配置的通知渠道。
package alerting

import (
	"context"
	stdErrors "errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	xerrors "AgentMesh-Chain/internal/errors"
	"AgentMesh-Chain/pkg/logger"
)

// Event 描述一次需要告警的事件。
type Event struct {
	Code       xerrors.Code
	Message    string
	Severity   xerrors.Severity
	TaskID     string
	Metadata   map[string]string
	OccurredAt time.Time
}

// FromError 从统一错误构造告警事件。任务 id 取自错误元数据。
func FromError(err error) Event {
	event := Event{
		Code:       xerrors.CodeOf(err),
		Message:    err.Error(),
		Severity:   xerrors.SeverityOf(err),
		OccurredAt: time.Now(),
	}
	var appErr *xerrors.Error
	if stdErrors.As(err, &appErr) {
		event.Metadata = appErr.Metadata()
		event.TaskID = event.Metadata["task_id"]
	}
	return event
}

// render 生成面向人的单行摘要。
func (e Event) render() string {
	var b strings.Builder
	fmt.Fprintf(&b, "[%s] %s: %s", e.Severity, e.Code, e.Message)
	if e.TaskID != "" {
		fmt.Fprintf(&b, " (task %s)", e.TaskID)
	}
	for k, v := range e.Metadata {
		if k == "task_id" {
			continue
		}
		fmt.Fprintf(&b, " %s=%s", k, v)
	}
	return b.String()
}

// Notifier 把事件投递到一个具体渠道。
type Notifier interface {
	Name() string
	Notify(ctx context.Context, event Event) error
}

// Dispatcher 将事件广播给多个通知器。
type Dispatcher interface {
	Notify(ctx context.Context, event Event) error
}

// FanoutDispatcher 把事件投递到所有注册的通知器。单个渠道的失败
// 不阻止其余渠道。
type FanoutDispatcher struct {
	notifiers []Notifier
}

// NewFanout 创建一个新的 FanoutDispatcher。
func NewFanout(notifiers ...Notifier) *FanoutDispatcher {
	kept := make([]Notifier, 0, len(notifiers))
	for _, n := range notifiers {
		if n != nil {
			kept = append(kept, n)
		}
	}
	return &FanoutDispatcher{notifiers: kept}
}

// Notify 将事件广播至所有渠道。
func (d *FanoutDispatcher) Notify(ctx context.Context, event Event) error {
	if d == nil {
		return nil
	}
	var errs []error
	for _, notifier := range d.notifiers {
		if err := notifier.Notify(ctx, event); err != nil {
			errs = append(errs, fmt.Errorf("渠道 %s: %w", notifier.Name(), err))
		}
	}
	return stdErrors.Join(errs...)
}

// AlertFunc 把调度器适配为存储层等组件期望的回调。调用方已决定
// 该错误需要告警；告警路径自身的失败只记日志。
func AlertFunc(d Dispatcher) func(error) {
	return func(err error) {
		if d == nil || err == nil {
			return
		}
		if notifyErr := d.Notify(context.Background(), FromError(err)); notifyErr != nil {
			logger.L().Warn("告警发送失败", slog.String("error", notifyErr.Error()))
		}
	}
}

// EmailSender 定义发送邮件所需的能力。
type EmailSender interface {
	Send(ctx context.Context, subject, content string, to []string) error
}

// EmailNotifier 通过邮件发送告警。
type EmailNotifier struct {
	Sender        EmailSender
	To            []string
	SubjectPrefix string
}

// Name 实现 Notifier。
func (n *EmailNotifier) Name() string { return "email" }

// Notify 发送邮件。
func (n *EmailNotifier) Notify(ctx context.Context, event Event) error {
	if n == nil || n.Sender == nil || len(n.To) == 0 {
		logger.L().Warn("EmailNotifier 未正确配置，跳过发送", slog.String("task_id", event.TaskID))
		return nil
	}
	subject := fmt.Sprintf("%s[%s] %s", n.SubjectPrefix, event.Severity, event.Code)
	content := fmt.Sprintf("告警时间: %s\n%s", event.OccurredAt.Format(time.RFC3339), event.render())
	return n.Sender.Send(ctx, subject, content, n.To)
}
