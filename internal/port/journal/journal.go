// Package journal defines the port for the append-only per-protocol event
// journal. The journal is the authoritative source of truth; stores, streams
// and metrics are projections of it.
package journal

import (
	"context"

	"github.com/Strob0t/Maestro/internal/domain/event"
)

// Sink receives every appended event, after it has been assigned a sequence
// number. Sinks must not block; slow consumers must buffer or drop.
type Sink interface {
	Deliver(ctx context.Context, ev event.Event)
}

// Journal is the port interface for appending and reading protocol events.
type Journal interface {
	// Append assigns the next per-protocol sequence number, timestamps the
	// event, persists it, and fans it out to registered sinks.
	Append(ctx context.Context, ev event.Event) (event.Event, error)

	// List returns events for a protocol with Seq > sinceSeq, ordered by Seq.
	List(ctx context.Context, protocolID string, sinceSeq int64) ([]event.Event, error)

	// AddSink registers a fan-out sink for all subsequently appended events.
	AddSink(s Sink)
}
