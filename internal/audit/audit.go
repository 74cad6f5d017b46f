// Package audit maintains the append-only trail of privileged actions.
// Every entry is persisted through a Store and mirrored as a structured
// log line enriched with request context.
package audit

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	"caseflow.io/internal/ids"
	"caseflow.io/internal/obs"
)

type ctxKey string

const requestIDKey ctxKey = "audit_request_id"

// WithRequestID attaches the request identifier to the context for audit
// logging.
func WithRequestID(ctx context.Context, requestID string) context.Context {
	requestID = strings.TrimSpace(requestID)
	if requestID == "" {
		return ctx
	}
	return context.WithValue(ctx, requestIDKey, requestID)
}

// RequestIDFromContext extracts the audit request id if present.
func RequestIDFromContext(ctx context.Context) string {
	if ctx == nil {
		return ""
	}
	if v, ok := ctx.Value(requestIDKey).(string); ok {
		return v
	}
	return ""
}

// Entry is one append-only audit record.
type Entry struct {
	ID          string         `json:"id"`
	OccurredAt  time.Time      `json:"occurred_at"`
	EntityType  string         `json:"entity_type"`
	EntityID    string         `json:"entity_id"`
	Action      string         `json:"action"`
	PerformedBy string         `json:"performed_by,omitempty"`
	AccountID   string         `json:"account_id,omitempty"`
	Details     map[string]any `json:"details,omitempty"`
	IsSensitive bool           `json:"is_sensitive"`
	RequestID   string         `json:"request_id,omitempty"`
}

// Store persists entries. Append-only: there is no update or delete.
type Store interface {
	Append(ctx context.Context, entry *Entry) error
}

// Recorder validates, enriches, persists, and logs audit entries.
type Recorder struct {
	store Store
	now   func() time.Time
}

// NewRecorder constructs a Recorder. A nil store records to the log only,
// which keeps tests and storeless wiring honest about what was audited.
func NewRecorder(store Store, now func() time.Time) *Recorder {
	if now == nil {
		now = time.Now
	}
	return &Recorder{store: store, now: now}
}

// Record appends one entry. Sensitive entries (impersonation, mass
// revocation) always carry is_sensitive so downstream review queues can
// filter on it.
func (r *Recorder) Record(ctx context.Context, entry *Entry) error {
	if entry == nil {
		return errors.New("audit entry is required")
	}
	if strings.TrimSpace(entry.Action) == "" {
		return errors.New("audit action is required")
	}
	if strings.TrimSpace(entry.EntityType) == "" {
		return errors.New("audit entity type is required")
	}
	if entry.ID == "" {
		entry.ID = ids.New()
	}
	if entry.OccurredAt.IsZero() {
		entry.OccurredAt = r.now().UTC()
	}
	if entry.RequestID == "" {
		entry.RequestID = RequestIDFromContext(ctx)
	}

	if r.store != nil {
		if err := r.store.Append(ctx, entry); err != nil {
			return err
		}
	}

	fields := logrus.Fields{
		"type":         "audit",
		"entity_type":  entry.EntityType,
		"entity_id":    entry.EntityID,
		"action":       entry.Action,
		"is_sensitive": entry.IsSensitive,
	}
	if entry.PerformedBy != "" {
		fields["performed_by"] = entry.PerformedBy
	}
	if entry.AccountID != "" {
		fields["account_id"] = entry.AccountID
	}
	if entry.RequestID != "" {
		fields["request_id"] = entry.RequestID
	}
	if len(entry.Details) > 0 {
		fields["details"] = entry.Details
	}
	obs.Logger().WithFields(fields).Info(entry.Action)
	return nil
}
