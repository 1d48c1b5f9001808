package worker

import (
	"context"
	"encoding/json"
	stdErrors "errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"

	"AgentMesh-Chain/internal/bus"
	"AgentMesh-Chain/internal/knowledge"
	"AgentMesh-Chain/internal/llm"
	"AgentMesh-Chain/internal/storage"
)

type stubLLM struct {
	resp *llm.Response
	err  error
	last llm.Request
}

func (s *stubLLM) Generate(_ context.Context, req llm.Request) (*llm.Response, error) {
	s.last = req
	return s.resp, s.err
}

type resultCollector struct {
	mu      sync.Mutex
	results []bus.WorkerResult
}

func (c *resultCollector) handler(_ context.Context, event bus.Event) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if result, ok := event.(bus.WorkerResult); ok {
		c.results = append(c.results, result)
	}
	return nil
}

func (c *resultCollector) snapshot() []bus.WorkerResult {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]bus.WorkerResult(nil), c.results...)
}

func TestRunnerEmitsCompletedResultAndPersistsCoT(t *testing.T) {
	b := bus.New()
	backend := storage.NewMemoryBackend()
	runner := NewRunner(b, backend)
	observer := NewObserver(&stubLLM{resp: &llm.Response{Thought: "先核对持仓", Reply: "敞口均衡"}}, nil)
	runner.Attach(observer)

	results := &resultCollector{}
	b.Register(bus.TopicFromWorker("observer"), results.handler)

	ctx := context.Background()
	b.Emit(ctx, bus.TopicToWorker("observer"), bus.TaskRouted{
		TaskID:      "t1",
		Description: "分析当前持仓",
		Kind:        bus.KindAnalyze,
		Destination: "observer",
	})
	b.Drain()

	got := results.snapshot()
	if len(got) != 1 {
		t.Fatalf("expected 1 result, got %d", len(got))
	}
	if got[0].Status != "completed" || got[0].Result != "敞口均衡" {
		t.Fatalf("unexpected result %+v", got[0])
	}

	rec, err := backend.Retrieve(ctx, storage.CoTKey("t1"))
	if err != nil {
		t.Fatalf("chain of thought not persisted: %v", err)
	}
	if string(rec.Data) != "先核对持仓" {
		t.Fatalf("unexpected cot %q", rec.Data)
	}
	if rec.Meta(storage.MetaAgent) != "observer" {
		t.Fatalf("cot must carry the agent metadata, got %+v", rec.Metadata)
	}
}

func TestRunnerConvertsWorkerErrorToFailedResult(t *testing.T) {
	b := bus.New()
	runner := NewRunner(b, storage.NewMemoryBackend())
	observer := NewObserver(&stubLLM{err: stdErrors.New("model unavailable")}, nil)
	runner.Attach(observer)

	results := &resultCollector{}
	b.Register(bus.TopicFromWorker("observer"), results.handler)

	b.Emit(context.Background(), bus.TopicToWorker("observer"), bus.TaskRouted{
		TaskID:      "t1",
		Description: "probe",
		Kind:        bus.KindAnalyze,
	})
	b.Drain()

	got := results.snapshot()
	if len(got) != 1 {
		t.Fatalf("expected 1 result, got %d", len(got))
	}
	if got[0].Status != "failed" || got[0].Error == "" {
		t.Fatalf("worker error must surface as failed result, got %+v", got[0])
	}
}

func TestRunnerIsolatesCoTPersistenceFailure(t *testing.T) {
	b := bus.New()
	backend := &failingStore{}
	runner := NewRunner(b, backend)
	observer := NewObserver(&stubLLM{resp: &llm.Response{Thought: "想法", Reply: "回答"}}, nil)
	runner.Attach(observer)

	results := &resultCollector{}
	b.Register(bus.TopicFromWorker("observer"), results.handler)
	var errCount int
	var errMu sync.Mutex
	b.Register(bus.TopicAgentError, func(_ context.Context, event bus.Event) error {
		errMu.Lock()
		defer errMu.Unlock()
		if _, ok := event.(bus.AgentError); ok {
			errCount++
		}
		return nil
	})

	b.Emit(context.Background(), bus.TopicToWorker("observer"), bus.TaskRouted{
		TaskID: "t1", Description: "probe", Kind: bus.KindAnalyze,
	})
	b.Drain()

	got := results.snapshot()
	if len(got) != 1 || got[0].Status != "completed" {
		t.Fatalf("cot failure must not fail the result path, got %+v", got)
	}
	errMu.Lock()
	defer errMu.Unlock()
	if errCount != 1 {
		t.Fatalf("expected 1 agent-error for the cot failure, got %d", errCount)
	}
}

type failingStore struct{}

func (f *failingStore) Store(context.Context, storage.Record) error {
	return stdErrors.New("store unavailable")
}
func (f *failingStore) Retrieve(context.Context, string) (storage.Record, error) {
	return storage.Record{}, storage.ErrRecordNotFound
}
func (f *failingStore) Search(context.Context, storage.Query) ([]storage.Record, error) {
	return nil, nil
}
func (f *failingStore) Close() error { return nil }

func TestObserverFeedsKnowledgeToModel(t *testing.T) {
	model := &stubLLM{resp: &llm.Response{Reply: "ok"}}
	observer := NewObserver(model, knowledgeStub{})

	_, err := observer.Handle(context.Background(), bus.TaskRouted{
		TaskID:      "t1",
		Description: "hedera exposure review",
		Kind:        bus.KindAnalyze,
	})
	if err != nil {
		t.Fatalf("handle: %v", err)
	}
	if len(model.last.Knowledge) != 1 || model.last.Knowledge[0].Title != "hedera" {
		t.Fatalf("knowledge not propagated: %+v", model.last.Knowledge)
	}
}

type knowledgeStub struct{}

func (knowledgeStub) Query(string) []knowledge.Snippet {
	return []knowledge.Snippet{{Title: "hedera", Content: "Hedera balances are denominated in tinybar"}}
}

func TestHederaWorkerQueriesMirrorNode(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Query().Get("account.id") != "0.0.1234" {
			t.Errorf("unexpected account query %q", r.URL.RawQuery)
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{
			"balances": []map[string]any{
				{"account": "0.0.1234", "balance": 250000000},
			},
		})
	}))
	defer srv.Close()

	worker := NewHedera(NewMirrorClient(srv.URL, srv.Client()), "")
	outcome, err := worker.Handle(context.Background(), bus.TaskRouted{
		TaskID:      "t1",
		Description: "Hedera balance check for 0.0.1234",
		Kind:        bus.KindExecute,
	})
	if err != nil {
		t.Fatalf("handle: %v", err)
	}
	if outcome.Result != "账户 0.0.1234 余额 2.50000000 HBAR" {
		t.Fatalf("unexpected result %q", outcome.Result)
	}
	if len(outcome.ToolResults) != 1 || outcome.ToolResults[0].Tool != "hedera-mirror-balance" {
		t.Fatalf("unexpected tool results %+v", outcome.ToolResults)
	}
}

type stubChainExecutor struct {
	receipt Receipt
	err     error
	last    Intent
}

func (s *stubChainExecutor) Execute(_ context.Context, intent Intent) (Receipt, error) {
	s.last = intent
	return s.receipt, s.err
}

func TestExecutorEmitsPositionUpdate(t *testing.T) {
	b := bus.New()
	chain := &stubChainExecutor{receipt: Receipt{
		TxRef:  "0xabc",
		Domain: "base",
		Asset:  "USDC",
		Amount: "-100",
	}}
	executor := NewExecutor(chain, b)

	var mu sync.Mutex
	var positions []bus.PositionUpdate
	b.Register(bus.TopicPositionUpdate, func(_ context.Context, event bus.Event) error {
		mu.Lock()
		defer mu.Unlock()
		if p, ok := event.(bus.PositionUpdate); ok {
			positions = append(positions, p)
		}
		return nil
	})

	outcome, err := executor.Handle(context.Background(), bus.TaskRouted{
		TaskID:      "t1",
		Description: "Swap 100 USDC for EURc",
		Kind:        bus.KindExecute,
		Hints:       map[string]string{"operation_type": "swap"},
	})
	if err != nil {
		t.Fatalf("handle: %v", err)
	}
	b.Drain()

	if outcome.ToolResults[0].Output != "0xabc" {
		t.Fatalf("unexpected tool output %+v", outcome.ToolResults)
	}
	if chain.last.OperationType != "swap" {
		t.Fatalf("operation type hint not propagated: %+v", chain.last)
	}
	mu.Lock()
	defer mu.Unlock()
	if len(positions) != 1 || positions[0].Asset != "USDC" {
		t.Fatalf("expected position update, got %+v", positions)
	}
}
