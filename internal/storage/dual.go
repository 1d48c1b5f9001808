package storage

import (
	"context"
	stdErrors "errors"
	"log/slog"
	"sync"

	xerrors "AgentMesh-Chain/internal/errors"
	"AgentMesh-Chain/pkg/logger"
)

// Mode 表示双后端存储当前的路由状态。
type Mode int

const (
	// ModePrimary 路由到主账本后端。
	ModePrimary Mode = iota
	// ModeFallback 主后端失败后路由到后备后端，直到显式复位。
	ModeFallback
)

func (m Mode) String() string {
	if m == ModeFallback {
		return "fallback"
	}
	return "primary"
}

// DualOption 配置 DualStore 的可选参数。
type DualOption func(*DualStore)

// WithAlertFunc 注册后端降级与耗尽时的告警回调。
func WithAlertFunc(fn func(error)) DualOption {
	return func(d *DualStore) {
		d.alert = fn
	}
}

// DualStore 在主账本后端与后备键值后端之间做策略路由。
// 路由状态是存储层自身的显式字段，与 nonce 一样受互斥锁保护，
// 不依赖任何进程级全局变量。
type DualStore struct {
	mu        sync.Mutex
	mode      Mode
	primary   Backend
	secondary Backend
	alert     func(error)
}

// NewDualStore 创建 DualStore，初始路由为主后端。
func NewDualStore(primary, secondary Backend, opts ...DualOption) *DualStore {
	d := &DualStore{primary: primary, secondary: secondary}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Mode 返回当前路由状态。
func (d *DualStore) Mode() Mode {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.mode
}

// Reset 将路由复位到主后端。
func (d *DualStore) Reset() {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.mode != ModePrimary {
		logger.L().Info("存储路由复位到主后端")
	}
	d.mode = ModePrimary
}

// degrade 将路由翻转到后备后端并告警。已处于后备态时不重复告警。
func (d *DualStore) degrade(cause error) {
	d.mu.Lock()
	flipped := d.mode != ModeFallback
	d.mode = ModeFallback
	d.mu.Unlock()
	if !flipped {
		return
	}
	logger.L().Warn("主存储后端失败，切换到后备后端", slog.String("error", cause.Error()))
	if d.alert != nil {
		d.alert(xerrors.Wrap(xerrors.CodeStorageFailure, cause, "主存储后端降级"))
	}
}

// isLogical 区分业务层错误与基础设施失败：前者原样返回给调用方，
// 不触发路由翻转。
func isLogical(err error) bool {
	return stdErrors.Is(err, ErrRecordNotFound) || stdErrors.Is(err, ErrTypeMismatch)
}

// Store 写入一条记录。主态先写主后端；失败即翻转路由并改写后备后端；
// 后备也失败时以主后端做最后一次尝试，仍失败则返回耗尽错误。
// 翻转后的后续写入直接走后备，不再先试主后端。
func (d *DualStore) Store(ctx context.Context, rec Record) error {
	if d.Mode() == ModePrimary {
		err := d.primary.Store(ctx, rec)
		if err == nil || isLogical(err) {
			return err
		}
		d.degrade(err)
	}

	secondaryErr := d.secondary.Store(ctx, rec)
	if secondaryErr == nil || isLogical(secondaryErr) {
		return secondaryErr
	}

	// 最后一搏：后备也失败时再给主后端一次机会。
	if lastErr := d.primary.Store(ctx, rec); lastErr == nil {
		return nil
	}

	exhausted := xerrors.Wrap(xerrors.CodeStorageExhausted, secondaryErr, "主后端与后备后端均写入失败",
		xerrors.WithMetadata("key", rec.Key))
	logger.L().Error("存储后端耗尽", slog.String("key", rec.Key), slog.String("error", secondaryErr.Error()))
	if d.alert != nil {
		d.alert(exhausted)
	}
	return exhausted
}

// Retrieve 读取一条记录，回退逻辑与 Store 对称。
// 记录不存在属于业务结果而非后端故障，不触发路由翻转。
func (d *DualStore) Retrieve(ctx context.Context, key string) (Record, error) {
	if d.Mode() == ModePrimary {
		rec, err := d.primary.Retrieve(ctx, key)
		if err == nil || isLogical(err) {
			return rec, err
		}
		d.degrade(err)
	}

	rec, secondaryErr := d.secondary.Retrieve(ctx, key)
	if secondaryErr == nil || isLogical(secondaryErr) {
		return rec, secondaryErr
	}

	if rec, lastErr := d.primary.Retrieve(ctx, key); lastErr == nil {
		return rec, nil
	}

	return Record{}, xerrors.Wrap(xerrors.CodeStorageExhausted, secondaryErr, "主后端与后备后端均读取失败",
		xerrors.WithMetadata("key", key))
}

// Search 按当前路由状态检索。后备后端不支持枚举，降级期间返回空集，
// 调用方据此感知检索缺口。检索失败不翻转路由。
func (d *DualStore) Search(ctx context.Context, q Query) ([]Record, error) {
	if d.Mode() == ModeFallback {
		return d.secondary.Search(ctx, q)
	}
	return d.primary.Search(ctx, q)
}

// Close 关闭两个后端。
func (d *DualStore) Close() error {
	return stdErrors.Join(d.primary.Close(), d.secondary.Close())
}

var _ Backend = (*DualStore)(nil)
