package ledger

import (
	"context"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"

	xerrors "AgentMesh-Chain/internal/errors"
)

// NonceSource 提供写入账户的 pending 与 latest 交易计数。
type NonceSource interface {
	PendingNonceAt(ctx context.Context, account common.Address) (uint64, error)
	LatestNonceAt(ctx context.Context, account common.Address) (uint64, error)
}

// NonceManager 为单个写入账户串行分配严格递增的 nonce。
// 主后端要求每笔写入携带严格递增的账户序号；并发获取必须互斥，
// 否则两个写入方会认领同一个序号。
type NonceManager struct {
	mu      sync.Mutex
	source  NonceSource
	account common.Address
	last    uint64
	issued  bool
	retries int
	delay   time.Duration
}

// NewNonceManager 创建 NonceManager。retries/delay 控制链上读取失败
// 时的有界重试。
func NewNonceManager(source NonceSource, account common.Address, retries int, delay time.Duration) *NonceManager {
	if retries <= 0 {
		retries = 3
	}
	if delay <= 0 {
		delay = 500 * time.Millisecond
	}
	return &NonceManager{source: source, account: account, retries: retries, delay: delay}
}

// Next 返回下一个可用 nonce：读取 pending 与 latest 两个交易计数，
// 取较大者加一；同时保证同进程内分配的序列严格递增且不重复。
func (m *NonceManager) Next(ctx context.Context) (uint64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var lastErr error
	for attempt := 0; attempt < m.retries; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return 0, ctx.Err()
			case <-time.After(m.delay):
			}
		}

		pending, err := m.source.PendingNonceAt(ctx, m.account)
		if err != nil {
			lastErr = err
			continue
		}
		latest, err := m.source.LatestNonceAt(ctx, m.account)
		if err != nil {
			lastErr = err
			continue
		}

		next := pending
		if latest > next {
			next = latest
		}
		next++
		if m.issued && next <= m.last {
			next = m.last + 1
		}
		m.last = next
		m.issued = true
		return next, nil
	}
	return 0, xerrors.Wrap(xerrors.CodeNonceFailure, lastErr, "获取账户 nonce 失败")
}
