// Package messagequeue defines the message queue port (interface).
package messagequeue

import "context"

// Handler processes a message received from the queue.
type Handler func(ctx context.Context, subject string, data []byte) error

// Queue is the port interface for publishing and subscribing to messages.
type Queue interface {
	// Publish sends a message to the given subject.
	Publish(ctx context.Context, subject string, data []byte) error

	// Subscribe registers a handler for messages on the given subject.
	// The returned function cancels the subscription.
	Subscribe(ctx context.Context, subject string, handler Handler) (cancel func(), err error)

	// Request sends a message and waits for a single reply.
	Request(ctx context.Context, subject string, data []byte) ([]byte, error)

	// Drain gracefully drains all subscriptions before closing.
	Drain() error

	// Close shuts down the queue connection immediately.
	Close() error

	// IsConnected reports whether the queue is currently connected.
	IsConnected() bool
}

// Subject constants for NATS subjects used by Maestro.
const (
	// SubjectProtocolEvents is the prefix for journal fan-out:
	// protocols.events.{protocol_id}.
	SubjectProtocolEvents = "protocols.events"

	// SubjectAgentExecute dispatches work to remote agent workers:
	// agents.execute.{engine_id}. Request/reply with the serialized invocation.
	SubjectAgentExecute = "agents.execute"

	// SubjectAgentCancel signals cancellation of an in-flight remote invocation.
	SubjectAgentCancel = "agents.cancel"
)

// ProtocolEventsSubject returns the fan-out subject for one protocol.
func ProtocolEventsSubject(protocolID string) string {
	return SubjectProtocolEvents + "." + protocolID
}
