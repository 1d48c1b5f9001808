package storage

import (
	"context"
	stdErrors "errors"
	"testing"
)

func TestMemoryBackendRoundTripWithMetadata(t *testing.T) {
	backend := NewMemoryBackend()
	ctx := context.Background()

	rec := Record{
		Key:  TaskKey("t1"),
		Data: []byte(`{"status":"pending"}`),
		Metadata: map[string]string{
			MetaType:  "task",
			MetaAgent: "task-manager",
		},
	}
	if err := backend.Store(ctx, rec); err != nil {
		t.Fatalf("store: %v", err)
	}

	got, err := backend.Retrieve(ctx, TaskKey("t1"))
	if err != nil {
		t.Fatalf("retrieve: %v", err)
	}
	if string(got.Data) != string(rec.Data) || got.Meta(MetaAgent) != "task-manager" {
		t.Fatalf("round trip lost data or metadata: %+v", got)
	}

	if _, err := backend.Retrieve(ctx, TaskKey("absent")); !stdErrors.Is(err, ErrRecordNotFound) {
		t.Fatalf("missing key must return ErrRecordNotFound, got %v", err)
	}
}

func TestCheckTypeConflict(t *testing.T) {
	existing := Record{
		Key:      LogKey("a"),
		Metadata: map[string]string{MetaType: "log"},
	}

	incoming := Record{
		Key:      LogKey("a"),
		Metadata: map[string]string{MetaType: "cot"},
	}
	if err := CheckTypeConflict(&existing, incoming); !stdErrors.Is(err, ErrTypeMismatch) {
		t.Fatalf("non-overwrite cross-type store must be rejected, got %v", err)
	}

	incoming.Metadata[MetaOverwrite] = "true"
	if err := CheckTypeConflict(&existing, incoming); err != nil {
		t.Fatalf("overwrite store must pass: %v", err)
	}

	same := Record{Key: LogKey("a"), Metadata: map[string]string{MetaType: "log"}}
	if err := CheckTypeConflict(&existing, same); err != nil {
		t.Fatalf("same-type store must pass: %v", err)
	}
	if err := CheckTypeConflict(nil, incoming); err != nil {
		t.Fatalf("first write must pass: %v", err)
	}
}

func TestQueryMatchesFiltersMetadata(t *testing.T) {
	q := Query{Prefix: KeyPrefixLog, Metadata: map[string]string{MetaSynced: "true"}}

	synced := Record{Key: LogKey("1"), Metadata: map[string]string{MetaSynced: "true"}}
	pending := Record{Key: LogKey("2")}

	if !q.Matches(synced) {
		t.Fatal("record with matching metadata must match")
	}
	if q.Matches(pending) {
		t.Fatal("record without the metadata must not match")
	}
}
