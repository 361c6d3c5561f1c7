package natsagent

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"

	"github.com/Strob0t/Maestro/internal/port/agent"
	"github.com/Strob0t/Maestro/internal/port/messagequeue"
)

// fakeQueue answers requests with a canned reply and records publishes.
type fakeQueue struct {
	mu        sync.Mutex
	reply     []byte
	replyErr  error
	requests  [][]byte
	published map[string][][]byte
}

func (f *fakeQueue) Publish(_ context.Context, subject string, data []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.published == nil {
		f.published = make(map[string][][]byte)
	}
	f.published[subject] = append(f.published[subject], data)
	return nil
}

func (f *fakeQueue) Subscribe(context.Context, string, messagequeue.Handler) (func(), error) {
	return func() {}, nil
}

func (f *fakeQueue) Request(ctx context.Context, _ string, data []byte) ([]byte, error) {
	f.mu.Lock()
	f.requests = append(f.requests, data)
	f.mu.Unlock()
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return f.reply, f.replyErr
}

func (f *fakeQueue) Drain() error      { return nil }
func (f *fakeQueue) Close() error      { return nil }
func (f *fakeQueue) IsConnected() bool { return true }

func TestExecuteDecodesWorkerReply(t *testing.T) {
	reply, _ := json.Marshal(agent.Result{
		Status:        agent.StatusOK,
		TokensUsed:    1200,
		PromptVersion: "implement-step@abc123",
	})
	q := &fakeQueue{reply: reply}
	a := New("claude", q)

	res, err := a.Execute(context.Background(), agent.Invocation{Prompt: "do it", Model: "default"})
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if res.Status != agent.StatusOK || res.TokensUsed != 1200 {
		t.Fatalf("result = %+v", res)
	}

	// The wire request carries the engine, a call id, and the invocation.
	var sent wireInvocation
	if err := json.Unmarshal(q.requests[0], &sent); err != nil {
		t.Fatalf("decode request: %v", err)
	}
	if sent.Engine != "claude" || sent.CallID == "" {
		t.Fatalf("wire invocation = %+v", sent)
	}
	if sent.Invocation.Prompt != "do it" {
		t.Fatalf("invocation lost prompt: %+v", sent.Invocation)
	}
}

func TestExecuteBusFailureIsTransient(t *testing.T) {
	q := &fakeQueue{replyErr: errors.New("no responders available")}
	a := New("claude", q)

	res, err := a.Execute(context.Background(), agent.Invocation{})
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if res.Status != agent.StatusTransientError {
		t.Fatalf("status = %s, want transient", res.Status)
	}
	if res.Err == nil || res.Err.Class != "bus" {
		t.Fatalf("err = %+v, want bus class", res.Err)
	}
}

func TestExecuteCancelSignalsWorker(t *testing.T) {
	q := &fakeQueue{}
	a := New("claude", q)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := a.Execute(ctx, agent.Invocation{})
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("err = %v, want Canceled", err)
	}

	q.mu.Lock()
	cancels := q.published[messagequeue.SubjectAgentCancel]
	q.mu.Unlock()
	if len(cancels) != 1 {
		t.Fatalf("published %d cancel signals, want 1", len(cancels))
	}
	var sig wireCancel
	if err := json.Unmarshal(cancels[0], &sig); err != nil {
		t.Fatalf("decode cancel: %v", err)
	}
	if sig.Engine != "claude" || sig.CallID == "" {
		t.Fatalf("cancel signal = %+v", sig)
	}
}

func TestExecuteRejectsMalformedReply(t *testing.T) {
	q := &fakeQueue{reply: []byte("not-json")}
	a := New("claude", q)

	if _, err := a.Execute(context.Background(), agent.Invocation{}); err == nil {
		t.Fatal("expected decode error")
	}
}

func TestExecuteRejectsReplyWithoutStatus(t *testing.T) {
	q := &fakeQueue{reply: []byte(`{}`)}
	a := New("claude", q)

	if _, err := a.Execute(context.Background(), agent.Invocation{}); err == nil {
		t.Fatal("expected error for reply missing status")
	}
}
