package a2a

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"
)

func echoProcessor(state TaskState) Processor {
	return ProcessorFunc(func(_ context.Context, req TaskRequest) (TaskResponse, error) {
		return TaskResponse{
			ID:     req.ID,
			Status: TaskStatus{State: state, Timestamp: time.Now()},
			Artifacts: []Artifact{
				{Parts: []Part{TextPart("echo: " + req.Message.Text())}},
			},
		}, nil
	})
}

func newTestServer(t *testing.T) (*Server, *Client) {
	t.Helper()
	server := NewServer("")
	ts := httptest.NewServer(server.Handler())
	t.Cleanup(ts.Close)
	client, err := NewClient(ts.URL, ts.Client())
	if err != nil {
		t.Fatalf("new client: %v", err)
	}
	return server, client
}

func validRequest(id string) TaskRequest {
	return TaskRequest{
		ID:      id,
		Message: &Message{Role: "user", Parts: []Part{TextPart("check balance")}},
	}
}

func TestDiscoverReturnsAgentCard(t *testing.T) {
	server, client := newTestServer(t)
	server.RegisterAgent(AgentCard{
		Name:        "observer",
		Description: "analysis worker",
		Version:     "1.0.0",
	}, echoProcessor(StateCompleted))

	card, err := client.Discover(context.Background(), "observer")
	if err != nil {
		t.Fatalf("discover: %v", err)
	}
	if card.Name != "observer" || card.Description != "analysis worker" {
		t.Fatalf("unexpected card %+v", card)
	}

	if _, err := client.Discover(context.Background(), "ghost"); !isStatus(err, http.StatusNotFound) {
		t.Fatalf("expected 404 for unknown agent, got %v", err)
	}
}

func TestSendTaskSynchronous(t *testing.T) {
	server, client := newTestServer(t)
	server.RegisterAgent(AgentCard{Name: "observer"}, echoProcessor(StateCompleted))

	resp, err := client.SendTask(context.Background(), "observer", validRequest("t1"))
	if err != nil {
		t.Fatalf("send: %v", err)
	}
	if resp.Status.State != StateCompleted {
		t.Fatalf("synchronous send must return the final state, got %s", resp.Status.State)
	}
	if len(resp.Artifacts) != 1 || resp.Artifacts[0].Parts[0].Text != "echo: check balance" {
		t.Fatalf("unexpected artifacts %+v", resp.Artifacts)
	}
}

func TestSendTaskStreaming(t *testing.T) {
	server, client := newTestServer(t)

	release := make(chan struct{})
	var once sync.Once
	server.RegisterAgent(AgentCard{
		Name:         "executor",
		Capabilities: Capabilities{Streaming: true},
	}, ProcessorFunc(func(_ context.Context, req TaskRequest) (TaskResponse, error) {
		<-release
		return TaskResponse{
			ID:     req.ID,
			Status: TaskStatus{State: StateCompleted, Timestamp: time.Now()},
		}, nil
	}))
	defer once.Do(func() { close(release) })

	initial, err := client.SendTask(context.Background(), "executor", validRequest("t1"))
	if err != nil {
		t.Fatalf("send: %v", err)
	}
	if initial.Status.State != StatePending {
		t.Fatalf("streaming send must return an initial pending response, got %s", initial.Status.State)
	}

	// 处理完成前轮询仍是 pending。
	polled, err := client.GetTask(context.Background(), "executor", "t1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if polled.Status.State != StatePending {
		t.Fatalf("expected pending before completion, got %s", polled.Status.State)
	}

	once.Do(func() { close(release) })
	deadline := time.After(2 * time.Second)
	for {
		polled, err = client.GetTask(context.Background(), "executor", "t1")
		if err != nil {
			t.Fatalf("get: %v", err)
		}
		if polled.Status.State == StateCompleted {
			break
		}
		select {
		case <-deadline:
			t.Fatalf("task never completed, state %s", polled.Status.State)
		case <-time.After(10 * time.Millisecond):
		}
	}
}

func TestStatusUnknownTask(t *testing.T) {
	server, client := newTestServer(t)
	server.RegisterAgent(AgentCard{Name: "observer"}, echoProcessor(StateCompleted))

	if _, err := client.GetTask(context.Background(), "observer", "missing"); !isStatus(err, http.StatusNotFound) {
		t.Fatalf("expected 404, got %v", err)
	}
}

func TestCancelSemantics(t *testing.T) {
	server, client := newTestServer(t)

	block := make(chan struct{})
	server.RegisterAgent(AgentCard{
		Name:         "executor",
		Capabilities: Capabilities{Streaming: true},
	}, ProcessorFunc(func(_ context.Context, req TaskRequest) (TaskResponse, error) {
		<-block
		return TaskResponse{
			ID:     req.ID,
			Status: TaskStatus{State: StateCompleted, Timestamp: time.Now()},
		}, nil
	}))
	defer close(block)

	ctx := context.Background()
	if _, err := client.SendTask(ctx, "executor", validRequest("t1")); err != nil {
		t.Fatalf("send: %v", err)
	}

	cancelled, err := client.CancelTask(ctx, "executor", "t1")
	if err != nil {
		t.Fatalf("cancel: %v", err)
	}
	if cancelled.Status.State != StateCancelled {
		t.Fatalf("expected cancelled, got %s", cancelled.Status.State)
	}

	// 终态任务的再次取消返回 400。
	if _, err := client.CancelTask(ctx, "executor", "t1"); !isStatus(err, http.StatusBadRequest) {
		t.Fatalf("expected 400 on terminal cancel, got %v", err)
	}
}

func TestMalformedRequestsRejectedBeforeTaskCreation(t *testing.T) {
	server, client := newTestServer(t)
	server.RegisterAgent(AgentCard{Name: "observer"}, echoProcessor(StateCompleted))
	ctx := context.Background()

	missingID := TaskRequest{Message: &Message{Role: "user", Parts: []Part{TextPart("x")}}}
	if _, err := client.SendTask(ctx, "observer", missingID); !isStatus(err, http.StatusBadRequest) {
		t.Fatalf("missing id must be rejected 400, got %v", err)
	}

	missingMessage := TaskRequest{ID: "t1"}
	if _, err := client.SendTask(ctx, "observer", missingMessage); !isStatus(err, http.StatusBadRequest) {
		t.Fatalf("missing message must be rejected 400, got %v", err)
	}

	twoRepresentations := TaskRequest{
		ID:      "t1",
		Message: &Message{Role: "user", Parts: []Part{{Type: "text", Text: "a", HTML: "<p>a</p>"}}},
	}
	if _, err := client.SendTask(ctx, "observer", twoRepresentations); !isStatus(err, http.StatusBadRequest) {
		t.Fatalf("ambiguous part must be rejected 400, got %v", err)
	}

	// 被拒绝的请求不产生任何任务簿记。
	if _, err := client.GetTask(ctx, "observer", "t1"); !isStatus(err, http.StatusNotFound) {
		t.Fatalf("rejected request must not create a task, got %v", err)
	}
}

func TestProcessorErrorBecomesFailedResponse(t *testing.T) {
	server, client := newTestServer(t)
	server.RegisterAgent(AgentCard{Name: "observer"}, ProcessorFunc(
		func(context.Context, TaskRequest) (TaskResponse, error) {
			return TaskResponse{}, context.DeadlineExceeded
		}))

	resp, err := client.SendTask(context.Background(), "observer", validRequest("t1"))
	if err != nil {
		t.Fatalf("send: %v", err)
	}
	if resp.Status.State != StateFailed || resp.Status.Reason == "" {
		t.Fatalf("processor error must surface as failed with reason, got %+v", resp.Status)
	}
}

func isStatus(err error, status int) bool {
	apiErr, ok := err.(*APIError)
	return ok && apiErr.StatusCode == status
}
