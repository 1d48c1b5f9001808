package storage

import (
	"context"
	stdErrors "errors"
	"testing"

	xerrors "AgentMesh-Chain/internal/errors"
)

// flakyBackend 包装 MemoryBackend，按开关注入基础设施故障。
type flakyBackend struct {
	*MemoryBackend
	failStore      bool
	storeFailsLeft int
	failRetrieve   bool
	storeCalls     int
}

func newFlakyBackend() *flakyBackend {
	return &flakyBackend{MemoryBackend: NewMemoryBackend()}
}

func (f *flakyBackend) Store(ctx context.Context, rec Record) error {
	f.storeCalls++
	if f.failStore {
		return stdErrors.New("backend unavailable")
	}
	if f.storeFailsLeft > 0 {
		f.storeFailsLeft--
		return stdErrors.New("backend unavailable")
	}
	return f.MemoryBackend.Store(ctx, rec)
}

func (f *flakyBackend) Retrieve(ctx context.Context, key string) (Record, error) {
	if f.failRetrieve {
		return Record{}, stdErrors.New("backend unavailable")
	}
	return f.MemoryBackend.Retrieve(ctx, key)
}

func taskRecord(id, data string) Record {
	return Record{
		Key:      TaskKey(id),
		Data:     []byte(data),
		Metadata: map[string]string{MetaType: "task"},
	}
}

func TestDualStoreRoutesToPrimaryByDefault(t *testing.T) {
	primary := newFlakyBackend()
	secondary := newFlakyBackend()
	store := NewDualStore(primary, secondary)
	ctx := context.Background()

	if err := store.Store(ctx, taskRecord("t1", "a")); err != nil {
		t.Fatalf("store: %v", err)
	}
	if store.Mode() != ModePrimary {
		t.Fatalf("expected primary mode, got %s", store.Mode())
	}
	if _, err := primary.Retrieve(ctx, TaskKey("t1")); err != nil {
		t.Fatalf("record should be in primary: %v", err)
	}
	if _, err := secondary.Retrieve(ctx, TaskKey("t1")); !stdErrors.Is(err, ErrRecordNotFound) {
		t.Fatalf("record should not be in secondary, got %v", err)
	}
}

func TestDualStoreFallbackActivation(t *testing.T) {
	primary := newFlakyBackend()
	secondary := newFlakyBackend()
	store := NewDualStore(primary, secondary)
	ctx := context.Background()

	primary.failStore = true
	if err := store.Store(ctx, taskRecord("t1", "a")); err != nil {
		t.Fatalf("store should succeed via secondary: %v", err)
	}
	if store.Mode() != ModeFallback {
		t.Fatalf("expected fallback mode, got %s", store.Mode())
	}

	// 降级后对不同键的写入直接走后备后端，不再先试主后端。
	callsBefore := primary.storeCalls
	if err := store.Store(ctx, taskRecord("t2", "b")); err != nil {
		t.Fatalf("store: %v", err)
	}
	if primary.storeCalls != callsBefore {
		t.Fatalf("primary should not be retried while degraded: %d calls", primary.storeCalls-callsBefore)
	}
	if _, err := secondary.Retrieve(ctx, TaskKey("t2")); err != nil {
		t.Fatalf("record should be in secondary: %v", err)
	}

	// 显式复位后恢复主后端路由。
	primary.failStore = false
	store.Reset()
	if err := store.Store(ctx, taskRecord("t3", "c")); err != nil {
		t.Fatalf("store after reset: %v", err)
	}
	if store.Mode() != ModePrimary {
		t.Fatalf("expected primary mode after reset, got %s", store.Mode())
	}
	if _, err := primary.Retrieve(ctx, TaskKey("t3")); err != nil {
		t.Fatalf("record should be in primary after reset: %v", err)
	}
}

func TestDualStoreLastResortPrimary(t *testing.T) {
	primary := newFlakyBackend()
	secondary := newFlakyBackend()
	store := NewDualStore(primary, secondary)
	ctx := context.Background()

	// 主后端只失败一次：首次写入触发降级，后备持续失败，
	// 同一次调用内的最后一搏回到主后端并成功。
	primary.storeFailsLeft = 1
	secondary.failStore = true

	if err := store.Store(ctx, taskRecord("t1", "a")); err != nil {
		t.Fatalf("last-resort primary attempt should succeed: %v", err)
	}
	if _, err := primary.Retrieve(ctx, TaskKey("t1")); err != nil {
		t.Fatalf("record should be in primary via last resort: %v", err)
	}
	// 最后一搏成功不改变降级状态，复位仍需显式调用。
	if store.Mode() != ModeFallback {
		t.Fatalf("mode should remain fallback, got %s", store.Mode())
	}
}

func TestDualStoreExhaustionAlerts(t *testing.T) {
	primary := newFlakyBackend()
	secondary := newFlakyBackend()
	primary.failStore = true
	secondary.failStore = true

	var alerts []error
	store := NewDualStore(primary, secondary, WithAlertFunc(func(err error) {
		alerts = append(alerts, err)
	}))

	err := store.Store(context.Background(), taskRecord("t1", "a"))
	if xerrors.CodeOf(err) != xerrors.CodeStorageExhausted {
		t.Fatalf("expected STORAGE_EXHAUSTED, got %v", err)
	}
	// 一次降级告警加一次耗尽告警。
	if len(alerts) != 2 {
		t.Fatalf("expected 2 alerts, got %d", len(alerts))
	}
	if xerrors.CodeOf(alerts[len(alerts)-1]) != xerrors.CodeStorageExhausted {
		t.Fatalf("final alert should carry exhaustion code, got %v", alerts[len(alerts)-1])
	}
}

func TestDualStoreRetrieveFallsBack(t *testing.T) {
	primary := newFlakyBackend()
	secondary := newFlakyBackend()
	store := NewDualStore(primary, secondary)
	ctx := context.Background()

	if err := secondary.MemoryBackend.Store(ctx, taskRecord("t1", "a")); err != nil {
		t.Fatalf("seed secondary: %v", err)
	}
	primary.failRetrieve = true

	rec, err := store.Retrieve(ctx, TaskKey("t1"))
	if err != nil {
		t.Fatalf("retrieve should fall back to secondary: %v", err)
	}
	if string(rec.Data) != "a" {
		t.Fatalf("unexpected data %q", rec.Data)
	}
	if store.Mode() != ModeFallback {
		t.Fatalf("retrieve failure should degrade routing, got %s", store.Mode())
	}
}

func TestDualStoreNotFoundDoesNotDegrade(t *testing.T) {
	primary := newFlakyBackend()
	secondary := newFlakyBackend()
	store := NewDualStore(primary, secondary)

	_, err := store.Retrieve(context.Background(), TaskKey("missing"))
	if !stdErrors.Is(err, ErrRecordNotFound) {
		t.Fatalf("expected not-found, got %v", err)
	}
	if store.Mode() != ModePrimary {
		t.Fatalf("not-found is not an infrastructure failure, mode %s", store.Mode())
	}
}

func TestDualStoreTypeMismatchDoesNotDegrade(t *testing.T) {
	primary := newFlakyBackend()
	secondary := newFlakyBackend()
	store := NewDualStore(primary, secondary)
	ctx := context.Background()

	if err := store.Store(ctx, taskRecord("t1", "a")); err != nil {
		t.Fatalf("store: %v", err)
	}
	conflicting := Record{
		Key:      TaskKey("t1"),
		Data:     []byte("b"),
		Metadata: map[string]string{MetaType: "log"},
	}
	if err := store.Store(ctx, conflicting); !stdErrors.Is(err, ErrTypeMismatch) {
		t.Fatalf("expected type mismatch, got %v", err)
	}
	if store.Mode() != ModePrimary {
		t.Fatalf("logical conflict must not degrade routing, got %s", store.Mode())
	}
}
