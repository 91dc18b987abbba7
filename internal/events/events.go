package events

import (
	"context"
	"sync"
	"time"
)

// Event types published to the fulfillment topic.
const (
	TypeOrderStatusChanged  = "order.status_changed"
	TypeLowInventory        = "alert.low_inventory"
	TypeSettlementFailed    = "alert.settlement_failed"
	TypeLateFailure         = "alert.late_settlement_failure"
	TypeLateSuccess         = "alert.late_settlement_success"
	TypeReconciliationAlert = "alert.reconciliation_discrepancy"
)

// Event is a JSON-encoded message keyed by the entity it concerns.
type Event struct {
	Type       string    `json:"type"`
	Key        string    `json:"key"`
	OccurredAt time.Time `json:"occurred_at"`
	Payload    any       `json:"payload"`
}

// Publisher delivers events after the owning transaction commits.
type Publisher interface {
	Publish(ctx context.Context, events ...Event) error
	Close() error
}

// NopPublisher drops every event.
type NopPublisher struct{}

func (NopPublisher) Publish(context.Context, ...Event) error { return nil }
func (NopPublisher) Close() error                            { return nil }

// MemoryPublisher keeps published events in memory.
type MemoryPublisher struct {
	mu     sync.Mutex
	events []Event
}

func NewMemoryPublisher() *MemoryPublisher {
	return &MemoryPublisher{}
}

func (m *MemoryPublisher) Publish(_ context.Context, events ...Event) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.events = append(m.events, events...)
	return nil
}

func (m *MemoryPublisher) Close() error { return nil }

// Events returns a copy of everything published so far.
func (m *MemoryPublisher) Events() []Event {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Event, len(m.events))
	copy(out, m.events)
	return out
}

// OfType filters published events by type.
func (m *MemoryPublisher) OfType(eventType string) []Event {
	var out []Event
	for _, e := range m.Events() {
		if e.Type == eventType {
			out = append(out, e)
		}
	}
	return out
}
