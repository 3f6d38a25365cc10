package audit

import (
	"context"
	"testing"
)

var _ Sink = (*MySQLSink)(nil)

func TestRedact(t *testing.T) {
	state := map[string]any{
		"canonical_code": "efectivo",
		"api_key":        "abc",
		"uploader": map[string]any{
			"name":  "ana",
			"email": "ana@example.com",
		},
	}

	got := Redact(state)
	if got["canonical_code"] != "efectivo" {
		t.Errorf("canonical_code should be kept, got %v", got["canonical_code"])
	}
	if got["api_key"] != "[REDACTED]" {
		t.Errorf("api_key should be redacted, got %v", got["api_key"])
	}
	nested := got["uploader"].(map[string]any)
	if nested["email"] != "[REDACTED]" || nested["name"] != "ana" {
		t.Errorf("nested redaction wrong: %v", nested)
	}
	if state["api_key"] != "abc" {
		t.Error("Redact must not modify its input")
	}
}

func TestMemorySink_RecordsInOrder(t *testing.T) {
	sink := NewMemorySink()
	ctx := context.Background()
	_ = sink.Record(ctx, NewEvent("ana", "mapping.add", "mapping", "v/q1", nil, map[string]any{"canonical_code": "a"}))
	_ = sink.Record(ctx, NewEvent("ana", "mapping.replace", "mapping", "v/q1", map[string]any{"canonical_code": "a"}, map[string]any{"canonical_code": "b"}))

	events := sink.Events()
	if len(events) != 2 {
		t.Fatalf("got %d events, want 2", len(events))
	}
	if events[1].Action != "mapping.replace" || events[1].Before["canonical_code"] != "a" {
		t.Errorf("unexpected second event: %+v", events[1])
	}
	if events[0].ID == events[1].ID {
		t.Error("event ids must be unique")
	}
}
