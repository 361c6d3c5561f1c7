package memstore

import (
	"context"
	"sync"

	"github.com/Strob0t/Maestro/internal/clock"
	"github.com/Strob0t/Maestro/internal/domain/event"
	"github.com/Strob0t/Maestro/internal/port/journal"
)

// Journal is an in-memory append-only event journal with per-protocol
// strictly increasing sequence numbers and fan-out to registered sinks.
type Journal struct {
	clk clock.Clock

	mu     sync.RWMutex
	events map[string][]event.Event // protocolID -> ordered events
	sinks  []journal.Sink
}

// NewJournal creates an empty journal.
func NewJournal(clk clock.Clock) *Journal {
	if clk == nil {
		clk = clock.NewSystem()
	}
	return &Journal{
		clk:    clk,
		events: make(map[string][]event.Event),
	}
}

func (j *Journal) Append(ctx context.Context, ev event.Event) (event.Event, error) {
	j.mu.Lock()
	seq := int64(len(j.events[ev.ProtocolID])) + 1
	ev.Seq = seq
	ev.CreatedAt = j.clk.Now()
	ev.MonotonicNS = j.clk.Monotonic()
	j.events[ev.ProtocolID] = append(j.events[ev.ProtocolID], ev)
	sinks := append([]journal.Sink(nil), j.sinks...)
	j.mu.Unlock()

	for _, s := range sinks {
		s.Deliver(ctx, ev)
	}
	return ev, nil
}

func (j *Journal) List(_ context.Context, protocolID string, sinceSeq int64) ([]event.Event, error) {
	j.mu.RLock()
	defer j.mu.RUnlock()
	all := j.events[protocolID]
	if sinceSeq <= 0 {
		return append([]event.Event(nil), all...), nil
	}
	var out []event.Event
	for _, ev := range all {
		if ev.Seq > sinceSeq {
			out = append(out, ev)
		}
	}
	return out, nil
}

func (j *Journal) AddSink(s journal.Sink) {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.sinks = append(j.sinks, s)
}
