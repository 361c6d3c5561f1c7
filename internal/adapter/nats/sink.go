package nats

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/Strob0t/Maestro/internal/domain/event"
	"github.com/Strob0t/Maestro/internal/port/messagequeue"
)

const sinkPublishTimeout = 5 * time.Second

// Sink publishes every journal event to protocols.events.{protocol_id}.
// Delivery is best effort: the journal row is already durable, so a failed
// publish is logged and dropped rather than blocking the orchestrator.
type Sink struct {
	queue messagequeue.Queue
}

// NewSink creates a journal sink publishing to the given queue.
func NewSink(queue messagequeue.Queue) *Sink {
	return &Sink{queue: queue}
}

// Deliver implements journal.Sink.
func (s *Sink) Deliver(ctx context.Context, ev event.Event) {
	data, err := json.Marshal(ev)
	if err != nil {
		slog.Error("event marshal failed", "type", ev.Type, "error", err)
		return
	}

	pubCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), sinkPublishTimeout)
	defer cancel()

	subject := messagequeue.ProtocolEventsSubject(ev.ProtocolID)
	if err := s.queue.Publish(pubCtx, subject, data); err != nil {
		slog.Error("event publish failed", "subject", subject, "seq", ev.Seq, "error", err)
	}
}
