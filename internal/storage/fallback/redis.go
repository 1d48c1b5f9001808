// Package fallback 提供基于 Redis 的键值后备存储。
// 主账本后端不可用时，记录写入这里，保证任务流水不丢失。
package fallback

import (
	"context"
	stdErrors "errors"
	"time"

	"github.com/redis/go-redis/v9"

	xerrors "AgentMesh-Chain/internal/errors"
	"AgentMesh-Chain/internal/storage"
)

// Config 描述 Redis 后备存储的连接参数。
type Config struct {
	Address   string
	Password  string
	DB        int
	Namespace string
	TTL       time.Duration
}

// RedisBackend 把记录以 JSON 形式写入 Redis 字符串键。
// 它只承诺点查能力：Search 始终返回空集，检索语义由主后端提供。
type RedisBackend struct {
	client    *redis.Client
	namespace string
	ttl       time.Duration
}

// New 创建 RedisBackend 并校验连通性。
func New(ctx context.Context, cfg Config) (*RedisBackend, error) {
	if cfg.Address == "" {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "Redis address 不能为空")
	}
	namespace := cfg.Namespace
	if namespace == "" {
		namespace = "agentmesh:kv:"
	}
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Address,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, xerrors.Wrap(xerrors.CodeInitFailure, err, "连接 Redis 失败")
	}
	return &RedisBackend{client: client, namespace: namespace, ttl: cfg.TTL}, nil
}

// Store 实现 storage.Backend 接口。
func (r *RedisBackend) Store(ctx context.Context, rec storage.Record) error {
	existing, err := r.Retrieve(ctx, rec.Key)
	if err == nil {
		if conflictErr := storage.CheckTypeConflict(&existing, rec); conflictErr != nil {
			return conflictErr
		}
	} else if !stdErrors.Is(err, storage.ErrRecordNotFound) {
		return err
	}

	payload, err := rec.Encode()
	if err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "编码记录失败")
	}
	if err := r.client.Set(ctx, r.namespace+rec.Key, payload, r.ttl).Err(); err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "写入 Redis 失败")
	}
	return nil
}

// Retrieve 实现 storage.Backend 接口。
func (r *RedisBackend) Retrieve(ctx context.Context, key string) (storage.Record, error) {
	raw, err := r.client.Get(ctx, r.namespace+key).Bytes()
	if err != nil {
		if stdErrors.Is(err, redis.Nil) {
			return storage.Record{}, storage.ErrRecordNotFound
		}
		return storage.Record{}, xerrors.Wrap(xerrors.CodeStorageFailure, err, "读取 Redis 失败")
	}
	return storage.DecodeRecord(raw)
}

// Search 实现 storage.Backend 接口。后备存储不维护可枚举的键索引，
// 始终返回空结果而非错误，调用方据此感知降级后的检索缺口。
func (r *RedisBackend) Search(context.Context, storage.Query) ([]storage.Record, error) {
	return []storage.Record{}, nil
}

// Close 关闭 Redis 连接。
func (r *RedisBackend) Close() error {
	if r == nil || r.client == nil {
		return nil
	}
	return r.client.Close()
}

var _ storage.Backend = (*RedisBackend)(nil)
