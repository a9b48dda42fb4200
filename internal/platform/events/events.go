package events

import (
	"context"
	"encoding/json"
	"sync"
	"time"
)

// Event kinds emitted by the money-movement core. Downstream consumers
// (notifications, bonus engine, reporting) subscribe to these.
const (
	KindTransactionCreated  = "transaction.created"
	KindEntryReversed       = "entry.reversed"
	KindSettlementCompleted = "settlement.completed"
)

type Event struct {
	Kind       string          `json:"kind"`
	TenantID   string          `json:"tenant_id"`
	OccurredAt time.Time       `json:"occurred_at"`
	Payload    json.RawMessage `json:"payload"`
}

// Publisher delivers ledger events. Publication is best-effort: the core
// never fails a committed operation because a consumer is unavailable.
type Publisher interface {
	Publish(ctx context.Context, e Event) error
}

// Memory collects events in-process, for tests and single-node runs.
type Memory struct {
	mu     sync.Mutex
	events []Event
}

func NewMemory() *Memory {
	return &Memory{}
}

func (m *Memory) Publish(_ context.Context, e Event) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.events = append(m.events, e)
	return nil
}

func (m *Memory) Events() []Event {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Event, len(m.events))
	copy(out, m.events)
	return out
}
