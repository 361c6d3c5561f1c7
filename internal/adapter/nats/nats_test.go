package nats

import (
	"context"
	"encoding/json"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/Strob0t/Maestro/internal/domain/event"
	"github.com/Strob0t/Maestro/internal/port/messagequeue"
)

// testConnect connects to NATS or skips the test if NATS_URL is not set.
func testConnect(t *testing.T) *Queue {
	t.Helper()

	url := os.Getenv("NATS_URL")
	if url == "" {
		t.Skip("requires NATS_URL")
	}

	q, err := Connect(context.Background(), url)
	if err != nil {
		t.Fatalf("Connect: %v", err)
	}
	t.Cleanup(func() {
		if err := q.Close(); err != nil {
			t.Errorf("Close: %v", err)
		}
	})
	return q
}

// uniqueSubject returns a test subject under the "protocols." prefix, which
// the MAESTRO stream captures. The test name keeps parallel runs apart.
func uniqueSubject(t *testing.T) string {
	t.Helper()
	return "protocols.test." + t.Name()
}

func TestQueue_PublishSubscribe(t *testing.T) {
	q := testConnect(t)
	subject := uniqueSubject(t)

	type payload struct {
		Msg string `json:"msg"`
	}
	want := payload{Msg: "hello-nats"}
	data, err := json.Marshal(want)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}

	var (
		mu       sync.Mutex
		received *payload
		done     = make(chan struct{})
		once     sync.Once
	)

	stop, err := q.Subscribe(context.Background(), subject, func(_ context.Context, _ string, d []byte) error {
		var got payload
		if err := json.Unmarshal(d, &got); err != nil {
			return err
		}
		mu.Lock()
		received = &got
		mu.Unlock()
		once.Do(func() { close(done) })
		return nil
	})
	if err != nil {
		t.Fatalf("Subscribe: %v", err)
	}
	defer stop()

	if err := q.Publish(context.Background(), subject, data); err != nil {
		t.Fatalf("Publish: %v", err)
	}

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for message")
	}

	mu.Lock()
	defer mu.Unlock()

	if received == nil {
		t.Fatal("handler was not called")
	}
	if received.Msg != want.Msg {
		t.Errorf("got %q, want %q", received.Msg, want.Msg)
	}
}

func TestQueue_RequestReply(t *testing.T) {
	q := testConnect(t)
	subject := messagequeue.SubjectAgentExecute + ".test-" + t.Name()

	// Request/reply rides core NATS, so the responder subscribes directly on
	// the connection rather than through JetStream.
	sub, err := q.nc.Subscribe(subject, func(msg *nats.Msg) {
		_ = msg.Respond([]byte(`{"ok":true}`))
	})
	if err != nil {
		t.Fatalf("responder subscribe: %v", err)
	}
	defer func() { _ = sub.Unsubscribe() }()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	reply, err := q.Request(ctx, subject, []byte(`{"work":"implement"}`))
	if err != nil {
		t.Fatalf("Request: %v", err)
	}
	if string(reply) != `{"ok":true}` {
		t.Errorf("reply = %q", string(reply))
	}
}

func TestQueue_RequestNoResponder(t *testing.T) {
	q := testConnect(t)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	_, err := q.Request(ctx, messagequeue.SubjectAgentExecute+".nobody-home", []byte(`{}`))
	if err == nil {
		t.Fatal("expected error when no responder is listening")
	}
}

func TestQueue_KeyValue(t *testing.T) {
	q := testConnect(t)
	ctx := context.Background()

	kv, err := q.KeyValue(ctx, "test-kv-"+t.Name(), 30*time.Second)
	if err != nil {
		t.Fatalf("KeyValue: %v", err)
	}

	if _, err := kv.Put(ctx, "greeting", []byte("hello")); err != nil {
		t.Fatalf("Put: %v", err)
	}
	entry, err := kv.Get(ctx, "greeting")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if string(entry.Value()) != "hello" {
		t.Errorf("value = %q, want %q", string(entry.Value()), "hello")
	}

	if err := kv.Delete(ctx, "greeting"); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if _, err := kv.Get(ctx, "greeting"); err == nil {
		t.Error("expected error after delete, got nil")
	}
}

func TestSink_DeliversToProtocolSubject(t *testing.T) {
	q := testConnect(t)
	protocolID := "test-" + t.Name()
	subject := messagequeue.ProtocolEventsSubject(protocolID)

	var (
		mu   sync.Mutex
		got  event.Event
		done = make(chan struct{})
		once sync.Once
	)
	stop, err := q.Subscribe(context.Background(), subject, func(_ context.Context, _ string, d []byte) error {
		var ev event.Event
		if err := json.Unmarshal(d, &ev); err != nil {
			return err
		}
		mu.Lock()
		got = ev
		mu.Unlock()
		once.Do(func() { close(done) })
		return nil
	})
	if err != nil {
		t.Fatalf("Subscribe: %v", err)
	}
	defer stop()

	sink := NewSink(q)
	sink.Deliver(context.Background(), event.Event{
		ProtocolID: protocolID,
		Seq:        7,
		Type:       event.TypeStepStarted,
		Category:   event.CategoryExecution,
	})

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for fan-out")
	}

	mu.Lock()
	defer mu.Unlock()
	if got.Seq != 7 || got.Type != event.TypeStepStarted {
		t.Errorf("delivered event = %+v", got)
	}
}

func TestQueue_IsConnected(t *testing.T) {
	q := testConnect(t)

	if !q.IsConnected() {
		t.Error("IsConnected() = false after Connect, want true")
	}
}
