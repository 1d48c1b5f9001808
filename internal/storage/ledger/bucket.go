package ledger

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"

	xerrors "AgentMesh-Chain/internal/errors"
	"AgentMesh-Chain/pkg/logger"
)

// bucketCache 缓存别名到桶地址的解析结果，进程生命周期内有效。
// 并发解析由先完成者胜出，后来者观察缓存值。
type bucketCache struct {
	mu    sync.Mutex
	addrs map[string]common.Address
}

func newBucketCache() *bucketCache {
	return &bucketCache{addrs: make(map[string]common.Address)}
}

func (c *bucketCache) get(alias string) (common.Address, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	addr, ok := c.addrs[alias]
	return addr, ok
}

func (c *bucketCache) put(alias string, addr common.Address) common.Address {
	c.mu.Lock()
	defer c.mu.Unlock()
	if cached, ok := c.addrs[alias]; ok {
		return cached
	}
	c.addrs[alias] = addr
	return addr
}

// resolveBucket 将桶别名解析为链上地址：优先读缓存，其次查注册表，
// 都未命中时创建新桶（本身是一笔带 nonce 的写入，带有界重试）。
func (l *Ledger) resolveBucket(ctx context.Context, alias string) (common.Address, error) {
	if addr, ok := l.buckets.get(alias); ok {
		return addr, nil
	}

	addr, err := l.lookupBucket(ctx, alias)
	if err != nil {
		return common.Address{}, err
	}
	if addr != (common.Address{}) {
		return l.buckets.put(alias, addr), nil
	}

	logger.L().Info("桶不存在，创建新桶", slog.String("alias", alias))
	if err := l.createBucket(ctx, alias); err != nil {
		return common.Address{}, err
	}

	var lastErr error
	for attempt := 0; attempt < l.bucketRetries; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return common.Address{}, ctx.Err()
			case <-time.After(l.retryDelay):
			}
		}
		addr, err = l.lookupBucket(ctx, alias)
		if err != nil {
			lastErr = err
			continue
		}
		if addr != (common.Address{}) {
			return l.buckets.put(alias, addr), nil
		}
		lastErr = xerrors.New(xerrors.CodeBucketFailure, "新建的桶尚未可见")
	}
	return common.Address{}, xerrors.Wrap(xerrors.CodeBucketFailure, lastErr, "解析桶地址失败")
}

func (l *Ledger) lookupBucket(ctx context.Context, alias string) (common.Address, error) {
	payload, err := l.registryABI.Pack("resolve", alias)
	if err != nil {
		return common.Address{}, xerrors.Wrap(xerrors.CodeBucketFailure, err, "编码 resolve 调用失败")
	}
	raw, err := l.call(ctx, l.registry, payload)
	if err != nil {
		return common.Address{}, xerrors.Wrap(xerrors.CodeBucketFailure, err, "查询桶注册表失败")
	}
	out, err := l.registryABI.Unpack("resolve", raw)
	if err != nil {
		return common.Address{}, xerrors.Wrap(xerrors.CodeBucketFailure, err, "解析 resolve 返回值失败")
	}
	if len(out) == 0 {
		return common.Address{}, nil
	}
	addr, ok := out[0].(common.Address)
	if !ok {
		return common.Address{}, xerrors.New(xerrors.CodeBucketFailure, "resolve 返回值类型异常")
	}
	return addr, nil
}

func (l *Ledger) createBucket(ctx context.Context, alias string) error {
	payload, err := l.registryABI.Pack("createBucket", alias)
	if err != nil {
		return xerrors.Wrap(xerrors.CodeBucketFailure, err, "编码 createBucket 调用失败")
	}
	var lastErr error
	for attempt := 0; attempt < l.bucketRetries; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(l.retryDelay):
			}
		}
		if err := l.sendNonced(ctx, l.registry, payload); err != nil {
			lastErr = err
			continue
		}
		return nil
	}
	return xerrors.Wrap(xerrors.CodeBucketFailure, lastErr, "创建桶失败")
}
