package bus

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

func TestEmitFansOutToAllHandlers(t *testing.T) {
	b := New()
	ctx := context.Background()

	var count int32
	for i := 0; i < 3; i++ {
		b.Register("task-manager-observer", func(_ context.Context, event Event) error {
			routed, ok := event.(TaskRouted)
			if !ok {
				t.Errorf("unexpected event type %T", event)
				return nil
			}
			if routed.TaskID != "t1" {
				t.Errorf("unexpected task id %s", routed.TaskID)
			}
			atomic.AddInt32(&count, 1)
			return nil
		})
	}

	b.Emit(ctx, "task-manager-observer", TaskRouted{TaskID: "t1", Kind: KindAnalyze})
	b.Drain()

	if got := atomic.LoadInt32(&count); got != 3 {
		t.Fatalf("expected 3 deliveries, got %d", got)
	}
}

func TestUnregisterStopsDelivery(t *testing.T) {
	b := New()
	ctx := context.Background()

	var count int32
	sub := b.Register("task-update", func(context.Context, Event) error {
		atomic.AddInt32(&count, 1)
		return nil
	})

	b.Emit(ctx, "task-update", TaskUpdate{TaskID: "t1"})
	b.Drain()
	b.Unregister(sub)
	b.Emit(ctx, "task-update", TaskUpdate{TaskID: "t2"})
	b.Drain()

	if got := atomic.LoadInt32(&count); got != 1 {
		t.Fatalf("expected 1 delivery after unregister, got %d", got)
	}
}

func TestHandlerFailureIsIsolated(t *testing.T) {
	b := New()
	ctx := context.Background()

	var mu sync.Mutex
	var errored []string
	b.Register(TopicAgentError, func(_ context.Context, event Event) error {
		agentErr, ok := event.(AgentError)
		if !ok {
			t.Errorf("unexpected event type %T", event)
			return nil
		}
		mu.Lock()
		errored = append(errored, agentErr.Message)
		mu.Unlock()
		return nil
	})

	var delivered int32
	b.Register("observer-task-manager", func(context.Context, Event) error {
		return errors.New("boom")
	})
	b.Register("observer-task-manager", func(context.Context, Event) error {
		panic("kaboom")
	})
	b.Register("observer-task-manager", func(context.Context, Event) error {
		atomic.AddInt32(&delivered, 1)
		return nil
	})

	b.Emit(ctx, "observer-task-manager", WorkerResult{TaskID: "t1", Worker: "observer"})
	b.Drain()

	if got := atomic.LoadInt32(&delivered); got != 1 {
		t.Fatalf("healthy handler should still run, deliveries=%d", got)
	}
	mu.Lock()
	defer mu.Unlock()
	if len(errored) != 2 {
		t.Fatalf("expected 2 agent-error events, got %d (%v)", len(errored), errored)
	}
}

func TestEmitWithoutHandlersIsNoop(t *testing.T) {
	b := New()
	b.Emit(context.Background(), "nobody-listens", AgentMessage{Text: "hello", Timestamp: time.Now()})
	b.Drain()
}

func TestTopicNaming(t *testing.T) {
	if got := TopicToWorker("hedera"); got != "task-manager-hedera" {
		t.Fatalf("unexpected routed topic: %s", got)
	}
	if got := TopicFromWorker("observer"); got != "observer-task-manager" {
		t.Fatalf("unexpected result topic: %s", got)
	}
}
