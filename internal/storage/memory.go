package storage

import (
	"context"
	"sort"
	"strings"
	"sync"
)

// MemoryBackend 以内存方式保存记录，主要用于测试与单机运行。
type MemoryBackend struct {
	mu      sync.RWMutex
	records map[string]Record
}

// NewMemoryBackend 创建 MemoryBackend。
func NewMemoryBackend() *MemoryBackend {
	return &MemoryBackend{records: make(map[string]Record)}
}

// Store 实现 Backend 接口。
func (m *MemoryBackend) Store(_ context.Context, rec Record) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if existing, ok := m.records[rec.Key]; ok {
		if err := CheckTypeConflict(&existing, rec); err != nil {
			return err
		}
	}
	m.records[rec.Key] = cloneRecord(rec)
	return nil
}

// Retrieve 实现 Backend 接口。
func (m *MemoryBackend) Retrieve(_ context.Context, key string) (Record, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	rec, ok := m.records[key]
	if !ok {
		return Record{}, ErrRecordNotFound
	}
	return cloneRecord(rec), nil
}

// Search 实现 Backend 接口：前缀匹配加客户端 metadata 过滤。
func (m *MemoryBackend) Search(_ context.Context, q Query) ([]Record, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	results := make([]Record, 0)
	for key, rec := range m.records {
		if q.Prefix != "" && !strings.HasPrefix(key, q.Prefix) {
			continue
		}
		if !q.Matches(rec) {
			continue
		}
		results = append(results, cloneRecord(rec))
	}
	sort.Slice(results, func(i, j int) bool { return results[i].Key < results[j].Key })
	if q.Limit > 0 && len(results) > q.Limit {
		results = results[:q.Limit]
	}
	return results, nil
}

// Close 对内存后端无需操作。
func (m *MemoryBackend) Close() error { return nil }

func cloneRecord(rec Record) Record {
	clone := rec
	clone.Data = append([]byte(nil), rec.Data...)
	if rec.Metadata != nil {
		clone.Metadata = make(map[string]string, len(rec.Metadata))
		for k, v := range rec.Metadata {
			clone.Metadata[k] = v
		}
	}
	return clone
}

var _ Backend = (*MemoryBackend)(nil)
