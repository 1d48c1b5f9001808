package storage

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	xerrors "AgentMesh-Chain/internal/errors"
	"AgentMesh-Chain/pkg/logger"
)

// SyncerConfig 描述批量同步器的运行参数。
type SyncerConfig struct {
	// Interval 是两轮同步之间的间隔。
	Interval time.Duration
	// BatchBudgetKB 是单个批次的大小预算（KB）。
	BatchBudgetKB int
}

// Syncer 周期性地把尚未同步的 log: 记录打包成 batch: 记录，
// 然后将每条成员记录原地标记为已同步，避免下一轮重复发送。
type Syncer struct {
	store    Backend
	interval time.Duration
	budget   int
	stop     chan struct{}
	done     chan struct{}
	once     sync.Once
}

// NewSyncer 创建 Syncer。
func NewSyncer(store Backend, cfg SyncerConfig) *Syncer {
	interval := cfg.Interval
	if interval <= 0 {
		interval = 2 * time.Minute
	}
	budgetKB := cfg.BatchBudgetKB
	if budgetKB <= 0 {
		budgetKB = 60
	}
	return &Syncer{
		store:    store,
		interval: interval,
		budget:   budgetKB * 1024,
		stop:     make(chan struct{}),
		done:     make(chan struct{}),
	}
}

// Start 启动后台同步循环。
func (s *Syncer) Start(ctx context.Context) {
	go func() {
		defer close(s.done)
		ticker := time.NewTicker(s.interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-s.stop:
				return
			case <-ticker.C:
				if err := s.SyncNow(ctx); err != nil {
					// 同步失败不致命，下一轮重试。
					logger.L().Warn("批量同步失败", slog.String("error", err.Error()))
				}
			}
		}
	}()
}

// Stop 停止后台循环并等待其退出。
func (s *Syncer) Stop() {
	s.once.Do(func() { close(s.stop) })
	<-s.done
}

// SyncNow 立即执行一轮同步：收集未同步的 log: 记录，按大小预算
// 切分批次写入，再逐条回写同步标记。返回首个遇到的错误。
func (s *Syncer) SyncNow(ctx context.Context) error {
	records, err := s.store.Search(ctx, Query{Prefix: KeyPrefixLog})
	if err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "检索待同步记录失败")
	}

	pending := make([]Record, 0, len(records))
	for _, rec := range records {
		if !rec.Synced() {
			pending = append(pending, rec)
		}
	}
	if len(pending) == 0 {
		return nil
	}

	var batch []Record
	var batchSize int
	flush := func() error {
		if len(batch) == 0 {
			return nil
		}
		if err := s.writeBatch(ctx, batch); err != nil {
			return err
		}
		batch = nil
		batchSize = 0
		return nil
	}

	for _, rec := range pending {
		size := len(rec.Key) + len(rec.Data)
		if batchSize > 0 && batchSize+size > s.budget {
			if err := flush(); err != nil {
				return err
			}
		}
		batch = append(batch, rec)
		batchSize += size
	}
	return flush()
}

func (s *Syncer) writeBatch(ctx context.Context, batch []Record) error {
	payload, err := json.Marshal(batch)
	if err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "编码同步批次失败")
	}

	now := time.Now()
	batchRec := Record{
		Key:  BatchKey(now),
		Data: payload,
		Metadata: map[string]string{
			MetaType:      "batch",
			MetaTimestamp: now.UTC().Format(time.RFC3339Nano),
		},
	}
	if err := s.store.Store(ctx, batchRec); err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "写入同步批次失败")
	}

	// 批次落盘后逐条回写 synced 标记，覆盖写本身也是一次有序写入。
	for _, rec := range batch {
		marked := cloneRecord(rec)
		if marked.Metadata == nil {
			marked.Metadata = make(map[string]string, 2)
		}
		marked.Metadata[MetaSynced] = "true"
		marked.Metadata[MetaOverwrite] = "true"
		if err := s.store.Store(ctx, marked); err != nil {
			return xerrors.Wrap(xerrors.CodeStorageFailure, err, "回写同步标记失败",
				xerrors.WithMetadata("key", rec.Key))
		}
	}
	logger.L().Debug("同步批次已落盘",
		slog.String("batch", batchRec.Key),
		slog.Int("records", len(batch)),
		slog.Int("bytes", len(payload)))
	return nil
}
