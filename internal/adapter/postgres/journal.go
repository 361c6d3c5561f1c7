package postgres

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/Strob0t/Maestro/internal/clock"
	"github.com/Strob0t/Maestro/internal/domain/event"
	"github.com/Strob0t/Maestro/internal/port/journal"
)

// Journal implements journal.Journal on the append-only protocol_events
// table. Appends are serialized in-process so per-protocol sequence numbers
// stay dense; the unique index on (protocol_id, seq) backstops the invariant
// if a second writer ever appears.
type Journal struct {
	pool *pgxpool.Pool
	clk  clock.Clock

	mu    sync.Mutex
	sinks []journal.Sink
}

// NewJournal creates a Journal backed by the given connection pool.
func NewJournal(pool *pgxpool.Pool, clk clock.Clock) *Journal {
	if clk == nil {
		clk = clock.NewSystem()
	}
	return &Journal{pool: pool, clk: clk}
}

func (j *Journal) Append(ctx context.Context, ev event.Event) (event.Event, error) {
	meta, err := json.Marshal(ev.Meta)
	if err != nil {
		return event.Event{}, fmt.Errorf("encode event meta: %w", err)
	}

	j.mu.Lock()
	ev.MonotonicNS = j.clk.Monotonic()
	err = j.pool.QueryRow(ctx,
		`INSERT INTO protocol_events (protocol_id, seq, event_type, category, message, step_index, step_run_id, meta, monotonic_ns)
		 VALUES ($1, (SELECT COALESCE(MAX(seq), 0) + 1 FROM protocol_events WHERE protocol_id = $1), $2, $3, $4, $5, $6, $7, $8)
		 RETURNING seq, created_at`,
		ev.ProtocolID, ev.Type, ev.Category, ev.Message, ev.StepIndex, nullIfEmpty(ev.StepRunID), meta, ev.MonotonicNS,
	).Scan(&ev.Seq, &ev.CreatedAt)
	sinks := append([]journal.Sink(nil), j.sinks...)
	j.mu.Unlock()

	if err != nil {
		return event.Event{}, fmt.Errorf("append event %s: %w", ev.Type, err)
	}
	for _, s := range sinks {
		s.Deliver(ctx, ev)
	}
	return ev, nil
}

func (j *Journal) List(ctx context.Context, protocolID string, sinceSeq int64) ([]event.Event, error) {
	rows, err := j.pool.Query(ctx,
		`SELECT protocol_id, seq, event_type, category, message, step_index, COALESCE(step_run_id::text, ''), meta, created_at, monotonic_ns
		 FROM protocol_events WHERE protocol_id = $1 AND seq > $2 ORDER BY seq ASC`,
		protocolID, sinceSeq)
	if err != nil {
		return nil, fmt.Errorf("list events: %w", err)
	}
	defer rows.Close()

	var out []event.Event
	for rows.Next() {
		var ev event.Event
		var meta []byte
		if err := rows.Scan(&ev.ProtocolID, &ev.Seq, &ev.Type, &ev.Category, &ev.Message,
			&ev.StepIndex, &ev.StepRunID, &meta, &ev.CreatedAt, &ev.MonotonicNS); err != nil {
			return nil, fmt.Errorf("list events: %w", err)
		}
		if len(meta) > 0 {
			if err := json.Unmarshal(meta, &ev.Meta); err != nil {
				return nil, fmt.Errorf("decode event meta: %w", err)
			}
		}
		out = append(out, ev)
	}
	return out, rows.Err()
}

func (j *Journal) AddSink(s journal.Sink) {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.sinks = append(j.sinks, s)
}
