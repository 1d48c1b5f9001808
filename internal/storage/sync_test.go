package storage

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"testing"
)

func seedLogRecords(t *testing.T, backend Backend, n int, size int) {
	t.Helper()
	for i := 0; i < n; i++ {
		rec := Record{
			Key:  LogKey(fmt.Sprintf("entry-%03d", i)),
			Data: []byte(strings.Repeat("x", size)),
			Metadata: map[string]string{
				MetaType:  "log",
				MetaAgent: "observer",
			},
		}
		if err := backend.Store(context.Background(), rec); err != nil {
			t.Fatalf("seed record %d: %v", i, err)
		}
	}
}

func batchRecords(t *testing.T, backend Backend) []Record {
	t.Helper()
	batches, err := backend.Search(context.Background(), Query{Prefix: KeyPrefixBatch})
	if err != nil {
		t.Fatalf("search batches: %v", err)
	}
	return batches
}

func TestSyncerBatchesAndMarksRecords(t *testing.T) {
	backend := NewMemoryBackend()
	seedLogRecords(t, backend, 3, 16)
	syncer := NewSyncer(backend, SyncerConfig{})
	ctx := context.Background()

	if err := syncer.SyncNow(ctx); err != nil {
		t.Fatalf("sync: %v", err)
	}

	batches := batchRecords(t, backend)
	if len(batches) != 1 {
		t.Fatalf("expected 1 batch, got %d", len(batches))
	}
	var members []Record
	if err := json.Unmarshal(batches[0].Data, &members); err != nil {
		t.Fatalf("decode batch payload: %v", err)
	}
	if len(members) != 3 {
		t.Fatalf("batch should carry 3 records, got %d", len(members))
	}

	logs, err := backend.Search(ctx, Query{Prefix: KeyPrefixLog})
	if err != nil {
		t.Fatalf("search logs: %v", err)
	}
	for _, rec := range logs {
		if !rec.Synced() {
			t.Fatalf("record %s not marked synced", rec.Key)
		}
	}
}

func TestSyncerIsIdempotentAcrossRounds(t *testing.T) {
	backend := NewMemoryBackend()
	seedLogRecords(t, backend, 2, 8)
	syncer := NewSyncer(backend, SyncerConfig{})
	ctx := context.Background()

	if err := syncer.SyncNow(ctx); err != nil {
		t.Fatalf("first sync: %v", err)
	}
	if err := syncer.SyncNow(ctx); err != nil {
		t.Fatalf("second sync: %v", err)
	}
	if got := len(batchRecords(t, backend)); got != 1 {
		t.Fatalf("already-synced records must not be re-sent, got %d batches", got)
	}
}

func TestSyncerSplitsBatchesByBudget(t *testing.T) {
	backend := NewMemoryBackend()
	// 每条约 1KB，预算 1KB，应当拆成一条一批。
	seedLogRecords(t, backend, 4, 1000)
	syncer := NewSyncer(backend, SyncerConfig{BatchBudgetKB: 1})
	ctx := context.Background()

	if err := syncer.SyncNow(ctx); err != nil {
		t.Fatalf("sync: %v", err)
	}
	if got := len(batchRecords(t, backend)); got != 4 {
		t.Fatalf("expected 4 budget-bounded batches, got %d", got)
	}
}

func TestSyncerNoopWithoutPendingRecords(t *testing.T) {
	backend := NewMemoryBackend()
	syncer := NewSyncer(backend, SyncerConfig{})

	if err := syncer.SyncNow(context.Background()); err != nil {
		t.Fatalf("sync: %v", err)
	}
	if got := len(batchRecords(t, backend)); got != 0 {
		t.Fatalf("expected no batches, got %d", got)
	}
}
