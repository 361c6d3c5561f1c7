package ws

import (
	"context"
	"testing"

	"github.com/Strob0t/Maestro/internal/domain/event"
)

func TestNewHub(t *testing.T) {
	hub := NewHub()
	if hub == nil {
		t.Fatal("expected non-nil hub")
	}
	if hub.ConnectionCount() != 0 {
		t.Fatalf("expected 0 connections, got %d", hub.ConnectionCount())
	}
}

func TestHubBroadcastNoConnections(t *testing.T) {
	hub := NewHub()

	// Broadcast with no connections should not panic.
	hub.Broadcast(context.Background(), "p1", Message{
		Type:    "test",
		Payload: []byte(`{"key":"value"}`),
	})
}

func TestHubDeliverNoConnections(t *testing.T) {
	hub := NewHub()

	hub.Deliver(context.Background(), event.Event{
		ProtocolID: "p1",
		Seq:        1,
		Type:       event.TypeProtocolCreated,
		Category:   event.CategoryLifecycle,
	})
}
