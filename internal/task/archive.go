package task

import (
	"context"
	"sort"
	"strings"
	"sync"
)

// ArchiveStats 聚合归档任务的统计信息，常用于仪表盘或健康检查。
type ArchiveStats struct {
	Total           int   `json:"total"`
	Completed       int   `json:"completed"`
	Failed          int   `json:"failed"`
	Cancelled       int   `json:"cancelled"`
	OldestUpdatedAt int64 `json:"oldest_updated_at,omitempty"`
	NewestUpdatedAt int64 `json:"newest_updated_at,omitempty"`
}

// Archive 抽象了终态任务的归档仓库。
type Archive interface {
	Append(ctx context.Context, t *Task) error
	List(ctx context.Context, opts ListOptions) ([]*Task, error)
	Stats(ctx context.Context, opts ListOptions) (ArchiveStats, error)
	Close() error
}

// MemoryArchive 以内存保存归档任务，用于测试与单机运行。
type MemoryArchive struct {
	mu    sync.RWMutex
	tasks map[string]*Task
}

// NewMemoryArchive 创建 MemoryArchive。
func NewMemoryArchive() *MemoryArchive {
	return &MemoryArchive{tasks: make(map[string]*Task)}
}

// Append 实现 Archive 接口。同一任务的终态覆盖旧记录。
func (m *MemoryArchive) Append(_ context.Context, t *Task) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.tasks[t.ID] = t.Clone()
	return nil
}

// List 实现 Archive 接口。
func (m *MemoryArchive) List(_ context.Context, opts ListOptions) ([]*Task, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	matched := make([]*Task, 0)
	for _, t := range m.tasks {
		if !opts.matches(t) {
			continue
		}
		matched = append(matched, t.Clone())
	}
	sort.Slice(matched, func(i, j int) bool {
		if opts.Order == SortByUpdatedAsc {
			return matched[i].UpdatedAt < matched[j].UpdatedAt
		}
		return matched[i].UpdatedAt > matched[j].UpdatedAt
	})
	if opts.Offset > 0 {
		if opts.Offset >= len(matched) {
			return []*Task{}, nil
		}
		matched = matched[opts.Offset:]
	}
	if opts.Limit > 0 && len(matched) > opts.Limit {
		matched = matched[:opts.Limit]
	}
	return matched, nil
}

// Stats 实现 Archive 接口。
func (m *MemoryArchive) Stats(_ context.Context, opts ListOptions) (ArchiveStats, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var stats ArchiveStats
	for _, t := range m.tasks {
		if !opts.matches(t) {
			continue
		}
		stats.accumulate(t)
	}
	return stats, nil
}

// Close 对内存归档无需操作。
func (m *MemoryArchive) Close() error { return nil }

func (s *ArchiveStats) accumulate(t *Task) {
	s.Total++
	switch t.Status {
	case StatusCompleted:
		s.Completed++
	case StatusFailed:
		s.Failed++
	case StatusCancelled:
		s.Cancelled++
	}
	if s.OldestUpdatedAt == 0 || t.UpdatedAt < s.OldestUpdatedAt {
		s.OldestUpdatedAt = t.UpdatedAt
	}
	if t.UpdatedAt > s.NewestUpdatedAt {
		s.NewestUpdatedAt = t.UpdatedAt
	}
}

// matches 在客户端完成过滤，与归档仓库的 SQL 过滤语义保持一致。
func (opts ListOptions) matches(t *Task) bool {
	if len(opts.Statuses) > 0 {
		found := false
		for _, status := range opts.Statuses {
			if t.Status == status {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	if opts.UpdatedGTE > 0 && t.UpdatedAt < opts.UpdatedGTE {
		return false
	}
	if opts.UpdatedLTE > 0 && t.UpdatedAt > opts.UpdatedLTE {
		return false
	}
	if opts.Query != "" {
		needle := strings.ToLower(opts.Query)
		if !strings.Contains(strings.ToLower(t.Description), needle) &&
			!strings.Contains(strings.ToLower(t.Result), needle) {
			return false
		}
	}
	return true
}

var _ Archive = (*MemoryArchive)(nil)
