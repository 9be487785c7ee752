// Package audit records the audit trail of identity lifecycle events.
//
// Every event is written to the structured log. When an archive backend is
// configured, the JSON encoded event is also stored there, content addressed,
// under the audit namespace. Archive failures are logged and never surface to
// the caller.
package audit

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/ruteri/identity-lifecycle-backend/interfaces"
)

// Auditor implements interfaces.AuditSink.
type Auditor struct {
	log     *slog.Logger
	archive interfaces.StorageBackend
	now     func() time.Time
}

// NewAuditor creates an auditor. archive may be nil.
func NewAuditor(log *slog.Logger, archive interfaces.StorageBackend) *Auditor {
	return &Auditor{
		log:     log,
		archive: archive,
		now:     time.Now,
	}
}

// Record logs and archives event, filling in its id and time when unset.
func (a *Auditor) Record(ctx context.Context, event interfaces.AuditEvent) {
	if event.ID == uuid.Nil {
		event.ID = uuid.New()
	}
	if event.At.IsZero() {
		event.At = a.now().UTC()
	}

	attrs := []any{
		slog.String("audit_id", event.ID.String()),
		slog.String("type", string(event.Type)),
	}
	if event.SubjectID != "" {
		attrs = append(attrs, slog.String("subject_id", event.SubjectID))
	}
	if event.ApplicantID != "" {
		attrs = append(attrs, slog.String("applicant_id", event.ApplicantID))
	}
	for k, v := range event.Details {
		attrs = append(attrs, slog.String(k, v))
	}
	a.log.Info("audit", attrs...)

	if a.archive == nil {
		return
	}

	data, err := json.Marshal(event)
	if err != nil {
		a.log.Error("Failed to encode audit event", slog.String("audit_id", event.ID.String()), "err", err)
		return
	}

	id, err := a.archive.Store(ctx, data, interfaces.NamespaceAuditEvents)
	if err != nil {
		a.log.Error("Failed to archive audit event",
			slog.String("audit_id", event.ID.String()),
			slog.String("backend", a.archive.Name()),
			"err", err)
		return
	}
	a.log.Debug("Archived audit event",
		slog.String("audit_id", event.ID.String()),
		slog.String("content_id", id.Short()))
}

// Nop discards events.
type Nop struct{}

// Record does nothing.
func (Nop) Record(context.Context, interfaces.AuditEvent) {}

// Recorder keeps events in memory. Used in tests.
type Recorder struct {
	mu     sync.Mutex
	events []interfaces.AuditEvent
}

// Record appends event.
func (r *Recorder) Record(_ context.Context, event interfaces.AuditEvent) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, event)
}

// Events returns a copy of the recorded events.
func (r *Recorder) Events() []interfaces.AuditEvent {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]interfaces.AuditEvent(nil), r.events...)
}

// Types returns the types of the recorded events in order.
func (r *Recorder) Types() []interfaces.AuditEventType {
	events := r.Events()
	out := make([]interfaces.AuditEventType, len(events))
	for i, e := range events {
		out[i] = e.Type
	}
	return out
}
