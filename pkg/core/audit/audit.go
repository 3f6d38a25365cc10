package audit

import (
	"context"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Event is one audited change.
type Event struct {
	ID           uuid.UUID      `json:"id"`
	Actor        string         `json:"actor"`
	Action       string         `json:"action"`
	ResourceType string         `json:"resource_type"`
	ResourceID   string         `json:"resource_id"`
	Before       map[string]any `json:"before,omitempty"`
	After        map[string]any `json:"after,omitempty"`
	Reason       string         `json:"reason,omitempty"`
	At           time.Time      `json:"at"`
}

// Sink records audit events.
type Sink interface {
	Record(ctx context.Context, e Event) error
}

// NewEvent fills in the id and timestamp of an event.
func NewEvent(actor, action, resourceType, resourceID string, before, after map[string]any) Event {
	return Event{
		ID:           uuid.New(),
		Actor:        actor,
		Action:       action,
		ResourceType: resourceType,
		ResourceID:   resourceID,
		Before:       before,
		After:        after,
		At:           time.Now().UTC(),
	}
}

var sensitiveKeys = []string{"password", "secret", "token", "api_key", "apikey", "email", "dsn"}

// Redact replaces values of sensitive keys, recursing into nested maps.
func Redact(state map[string]any) map[string]any {
	if state == nil {
		return nil
	}
	out := make(map[string]any, len(state))
	for k, v := range state {
		if isSensitive(k) {
			out[k] = "[REDACTED]"
			continue
		}
		if nested, ok := v.(map[string]any); ok {
			out[k] = Redact(nested)
			continue
		}
		out[k] = v
	}
	return out
}

func isSensitive(key string) bool {
	k := strings.ToLower(key)
	for _, s := range sensitiveKeys {
		if strings.Contains(k, s) {
			return true
		}
	}
	return false
}

// MemorySink keeps events in memory.
type MemorySink struct {
	mu     sync.Mutex
	events []Event
}

func NewMemorySink() *MemorySink {
	return &MemorySink{}
}

func (s *MemorySink) Record(_ context.Context, e Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	e.Before, e.After = Redact(e.Before), Redact(e.After)
	s.events = append(s.events, e)
	return nil
}

// Events returns a copy of the recorded events in order.
func (s *MemorySink) Events() []Event {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Event, len(s.events))
	copy(out, s.events)
	return out
}

// SlogSink writes events to a structured logger.
type SlogSink struct {
	log *slog.Logger
}

func NewSlogSink(log *slog.Logger) *SlogSink {
	return &SlogSink{log: log}
}

func (s *SlogSink) Record(ctx context.Context, e Event) error {
	s.log.InfoContext(ctx, "audit",
		"id", e.ID.String(),
		"actor", e.Actor,
		"action", e.Action,
		"resource_type", e.ResourceType,
		"resource_id", e.ResourceID,
		"before", Redact(e.Before),
		"after", Redact(e.After),
		"reason", e.Reason,
	)
	return nil
}
