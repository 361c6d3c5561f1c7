package ws

import (
	"context"
	"encoding/json"
	"log/slog"

	"github.com/Strob0t/Maestro/internal/domain/event"
)

// EventProtocol is the message type used for journal fan-out.
const EventProtocol = "protocol.event"

// Deliver implements journal.Sink: every appended journal event is pushed to
// subscribed clients. Write failures disconnect the client; the journal
// remains the source of truth, clients catch up over the events endpoint.
func (h *Hub) Deliver(ctx context.Context, ev event.Event) {
	payload, err := json.Marshal(ev)
	if err != nil {
		slog.Error("marshal journal event", "type", ev.Type, "error", err)
		return
	}
	h.Broadcast(ctx, ev.ProtocolID, Message{
		Type:    EventProtocol,
		Payload: json.RawMessage(payload),
	})
}
