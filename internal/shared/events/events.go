// Package events publishes invoice and certificate lifecycle events.
package events

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/ledgerline/einvoicing/internal/shared/types"
)

// Event types.
const (
	TypeInvoiceIssued          = "invoice.issued"
	TypeInvoiceRejected        = "invoice.rejected"
	TypeChainHalted            = "chain.halted"
	TypeChainReconciled        = "chain.reconciled"
	TypeReconciliationRequired = "chain.reconciliation_required"
	TypeCertificateIssued      = "csid.issued"
)

// Event represents a domain event
type Event struct {
	ID            string    `json:"id"`
	Type          string    `json:"type"`
	Source        string    `json:"source"`
	Timestamp     time.Time `json:"timestamp"`
	CorrelationID string    `json:"correlation_id,omitempty"`

	OrganizationID types.ID    `json:"organization_id"`
	BranchID       types.ID    `json:"branch_id"`
	Stage          types.Stage `json:"stage,omitempty"`

	Data any `json:"data"`
}

// NewEvent creates a new event with auto-generated ID and timestamp
func NewEvent(eventType, source string, data any) Event {
	return Event{
		ID:        uuid.New().String(),
		Type:      eventType,
		Source:    source,
		Timestamp: time.Now().UTC(),
		Data:      data,
	}
}

// ForBranch scopes the event to a branch.
func (e Event) ForBranch(branch types.BranchKey) Event {
	e.OrganizationID = branch.OrganizationID
	e.BranchID = branch.BranchID
	return e
}

// ForChain scopes the event to a branch chain.
func (e Event) ForChain(key types.ChainKey) Event {
	e = e.ForBranch(key.BranchKey)
	e.Stage = key.Stage
	return e
}

// WithCorrelation sets the correlation ID for request tracing
func (e Event) WithCorrelation(correlationID string) Event {
	e.CorrelationID = correlationID
	return e
}

// Handler is a function that handles an event
type Handler func(ctx context.Context, event Event) error

// Publisher emits events.
type Publisher interface {
	Publish(ctx context.Context, event Event) error
}

// Bus publishes events and delivers them to subscribers.
type Bus interface {
	Publisher
	// Subscribe delivers events whose type matches pattern ("invoice.*",
	// "csid.issued", "*") until ctx is done.
	Subscribe(ctx context.Context, pattern string, consumerName string, handler Handler) error
	Close()
	Health() error
}

// Nop drops every event.
type Nop struct{}

func (Nop) Publish(context.Context, Event) error { return nil }

// Memory is an in-process Bus. Handlers run synchronously on Publish; the
// first handler error is returned to the publisher.
type Memory struct {
	mu     sync.RWMutex
	events []Event
	subs   []subscription
}

type subscription struct {
	ctx     context.Context
	pattern string
	handler Handler
}

var _ Bus = (*Memory)(nil)

func NewMemory() *Memory {
	return &Memory{}
}

func (m *Memory) Publish(ctx context.Context, event Event) error {
	m.mu.Lock()
	m.events = append(m.events, event)
	subs := append([]subscription(nil), m.subs...)
	m.mu.Unlock()

	for _, s := range subs {
		if s.ctx.Err() != nil || !matchesPattern(event.Type, s.pattern) {
			continue
		}
		if err := s.handler(ctx, event); err != nil {
			return err
		}
	}
	return nil
}

func (m *Memory) Subscribe(ctx context.Context, pattern string, _ string, handler Handler) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.subs = append(m.subs, subscription{ctx: ctx, pattern: pattern, handler: handler})
	return nil
}

// Events returns every published event of the given types, or all if none.
func (m *Memory) Events(eventTypes ...string) []Event {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []Event
	for _, e := range m.events {
		if len(eventTypes) == 0 {
			out = append(out, e)
			continue
		}
		for _, t := range eventTypes {
			if e.Type == t {
				out = append(out, e)
				break
			}
		}
	}
	return out
}

func (m *Memory) Close() {}

func (m *Memory) Health() error { return nil }

// matchesPattern checks if an event type matches a wildcard pattern
func matchesPattern(eventType, pattern string) bool {
	if pattern == "*" || pattern == ">" {
		return true
	}

	// "invoice.*" matches "invoice.issued" and "invoice.rejected"
	patternParts := strings.Split(pattern, ".")
	typeParts := strings.Split(eventType, ".")

	for i, pp := range patternParts {
		if pp == "*" {
			return true
		}
		if i >= len(typeParts) || pp != typeParts[i] {
			return false
		}
	}
	return len(patternParts) == len(typeParts)
}
