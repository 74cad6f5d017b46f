package audit

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"strings"
	"testing"
	"time"

	"caseflow.io/internal/obs"
)

type memTrail struct {
	entries []Entry
	fail    error
}

func (m *memTrail) Append(_ context.Context, e *Entry) error {
	if m.fail != nil {
		return m.fail
	}
	m.entries = append(m.entries, *e)
	return nil
}

func fixedNow() time.Time {
	return time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
}

func TestRecordFillsDefaults(t *testing.T) {
	trail := &memTrail{}
	rec := NewRecorder(trail, fixedNow)

	ctx := WithRequestID(context.Background(), "req-42")
	err := rec.Record(ctx, &Entry{
		EntityType: "user",
		EntityID:   "u1",
		Action:     "auth.login",
	})
	if err != nil {
		t.Fatalf("Record: %v", err)
	}

	got := trail.entries[0]
	if got.ID == "" {
		t.Fatal("id not assigned")
	}
	if !got.OccurredAt.Equal(fixedNow()) {
		t.Fatalf("occurred_at = %v", got.OccurredAt)
	}
	if got.RequestID != "req-42" {
		t.Fatalf("request_id = %q", got.RequestID)
	}
}

func TestRecordValidation(t *testing.T) {
	rec := NewRecorder(&memTrail{}, fixedNow)

	if err := rec.Record(context.Background(), nil); err == nil {
		t.Fatal("nil entry accepted")
	}
	if err := rec.Record(context.Background(), &Entry{EntityType: "user", EntityID: "u1"}); err == nil {
		t.Fatal("missing action accepted")
	}
	if err := rec.Record(context.Background(), &Entry{Action: "auth.login"}); err == nil {
		t.Fatal("missing entity type accepted")
	}
}

func TestRecordPropagatesStoreError(t *testing.T) {
	boom := errors.New("db down")
	rec := NewRecorder(&memTrail{fail: boom}, fixedNow)

	err := rec.Record(context.Background(), &Entry{
		EntityType: "user", EntityID: "u1", Action: "auth.login",
	})
	if !errors.Is(err, boom) {
		t.Fatalf("got %v, want store error", err)
	}
}

func TestRecordMirrorsToLog(t *testing.T) {
	var buf bytes.Buffer
	prev := obs.SetOutput(&buf)
	defer obs.SetOutput(prev)

	rec := NewRecorder(nil, fixedNow)
	err := rec.Record(context.Background(), &Entry{
		EntityType:  "user",
		EntityID:    "u1",
		Action:      "impersonation.start",
		IsSensitive: true,
		Details:     map[string]any{"reason": "ticket 12"},
	})
	if err != nil {
		t.Fatalf("Record: %v", err)
	}

	line := strings.TrimSpace(buf.String())
	var payload map[string]any
	if err := json.Unmarshal([]byte(line), &payload); err != nil {
		t.Fatalf("log line %q: %v", line, err)
	}
	if payload["type"] != "audit" || payload["action"] != "impersonation.start" {
		t.Fatalf("payload %v", payload)
	}
	if payload["is_sensitive"] != true {
		t.Fatalf("is_sensitive missing: %v", payload)
	}
}

func TestRequestIDContext(t *testing.T) {
	ctx := context.Background()
	if got := RequestIDFromContext(ctx); got != "" {
		t.Fatalf("empty context: %q", got)
	}
	if got := RequestIDFromContext(WithRequestID(ctx, "  ")); got != "" {
		t.Fatalf("blank id stored: %q", got)
	}
	if got := RequestIDFromContext(WithRequestID(ctx, "req-1")); got != "req-1" {
		t.Fatalf("got %q", got)
	}
}
