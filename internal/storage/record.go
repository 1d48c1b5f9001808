package storage

import (
	"context"
	"encoding/json"
	"strings"
	"time"

	xerrors "AgentMesh-Chain/internal/errors"
)

// 持久化键空间约定。
const (
	KeyPrefixTask  = "task:"
	KeyPrefixCoT   = "cot:"
	KeyPrefixLog   = "log:"
	KeyPrefixBatch = "batch:"
)

// 编排核心保留的 metadata 键。
const (
	MetaAgent     = "agent"
	MetaTimestamp = "timestamp"
	MetaType      = "type"
	MetaOverwrite = "overwrite"
	MetaSynced    = "synced"
)

// TaskKey 返回任务记录的存储键。
func TaskKey(taskID string) string { return KeyPrefixTask + taskID }

// CoTKey 返回思维链记录的存储键。
func CoTKey(taskID string) string { return KeyPrefixCoT + taskID }

// LogKey 返回运行日志记录的存储键。
func LogKey(id string) string { return KeyPrefixLog + id }

// BatchKey 返回同步批次的存储键。纳秒精度保证同一轮同步内多个
// 批次的键互不冲突。
func BatchKey(ts time.Time) string {
	return KeyPrefixBatch + ts.UTC().Format("20060102T150405.000000000Z")
}

// Record 是存储层的持久化单元。
type Record struct {
	Key      string            `json:"key"`
	Data     []byte            `json:"data"`
	Metadata map[string]string `json:"metadata,omitempty"`
}

// Meta 返回指定 metadata 键的值，缺失时返回空串。
func (r Record) Meta(key string) string {
	if r.Metadata == nil {
		return ""
	}
	return r.Metadata[key]
}

// Overwrite 判断记录是否要求覆盖写。
func (r Record) Overwrite() bool {
	return strings.EqualFold(r.Meta(MetaOverwrite), "true")
}

// Synced 判断记录是否已被批量同步。
func (r Record) Synced() bool {
	return strings.EqualFold(r.Meta(MetaSynced), "true")
}

// Encode 将记录序列化为 JSON。
func (r Record) Encode() ([]byte, error) {
	return json.Marshal(r)
}

// DecodeRecord 从 JSON 还原记录。
func DecodeRecord(raw []byte) (Record, error) {
	var rec Record
	if err := json.Unmarshal(raw, &rec); err != nil {
		return Record{}, xerrors.Wrap(xerrors.CodeStorageFailure, err, "解析存储记录失败")
	}
	return rec, nil
}

// Query 描述一次前缀检索及其 metadata 过滤条件。
type Query struct {
	Prefix   string
	Metadata map[string]string
	Limit    int
}

// Matches 判断记录是否满足查询的 metadata 过滤条件。过滤在客户端完成。
func (q Query) Matches(rec Record) bool {
	for key, want := range q.Metadata {
		if rec.Meta(key) != want {
			return false
		}
	}
	return true
}

var (
	// ErrRecordNotFound 表示指定键的记录不存在。
	ErrRecordNotFound = xerrors.New(xerrors.CodeNotFound, "record not found")
	// ErrTypeMismatch 表示非覆盖写命中了不同语义类型的既有记录。
	ErrTypeMismatch = xerrors.New(xerrors.CodeConflict, "record type mismatch on non-overwrite store")
)

// Backend 抽象了单个持久化后端。
type Backend interface {
	Store(ctx context.Context, rec Record) error
	Retrieve(ctx context.Context, key string) (Record, error)
	Search(ctx context.Context, q Query) ([]Record, error)
	Close() error
}

// CheckTypeConflict 实现不变式：overwrite=false 的写入不得悄悄覆盖
// 语义类型不同的既有记录。existing 为 nil 表示键尚无记录。
func CheckTypeConflict(existing *Record, incoming Record) error {
	if existing == nil || incoming.Overwrite() {
		return nil
	}
	existingType := existing.Meta(MetaType)
	incomingType := incoming.Meta(MetaType)
	if existingType != "" && incomingType != "" && existingType != incomingType {
		return ErrTypeMismatch
	}
	return nil
}
