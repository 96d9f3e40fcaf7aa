package license

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// Audit event types.
const (
	EventTokenIssued        = "token_issued"
	EventTokenRefreshed     = "token_refreshed"
	EventTokenRejected      = "token_rejected"
	EventTokenRevoked       = "token_revoked"
	EventKeyRotated         = "key_rotated"
	EventGraceEntered       = "grace_entered"
	EventRestricted         = "license_restricted"
	EventRestored           = "license_restored"
	EventClockRollback      = "clock_rollback"
	EventPersistenceFailure = "persistence_failure"
	EventBindingChanged     = "binding_changed"
)

// AuditEvent is one structured security event.
type AuditEvent struct {
	Type         string            `json:"type"`
	Time         time.Time         `json:"time"`
	WorkshopCode string            `json:"workshop_code,omitempty"`
	JTI          string            `json:"jti,omitempty"`
	Kind         string            `json:"kind,omitempty"`
	Message      string            `json:"message,omitempty"`
	Attrs        map[string]string `json:"attrs,omitempty"`
}

// AuditSink receives security events. Log must not block the caller on
// slow delivery and has no error path.
type AuditSink interface {
	Log(ctx context.Context, event AuditEvent)
}

// SlogAuditSink writes events as structured log records.
type SlogAuditSink struct {
	Logger *slog.Logger
}

func (s SlogAuditSink) Log(ctx context.Context, e AuditEvent) {
	logger := s.Logger
	if logger == nil {
		logger = slog.Default()
	}

	attrs := []slog.Attr{
		slog.String("component", "license_audit"),
		slog.String("audit_event", e.Type),
		slog.Time("event_time", e.Time),
	}
	if e.WorkshopCode != "" {
		attrs = append(attrs, slog.String("workshop_code", e.WorkshopCode))
	}
	if e.JTI != "" {
		attrs = append(attrs, slog.String("jti", e.JTI))
	}
	if e.Kind != "" {
		attrs = append(attrs, slog.String("error_kind", e.Kind))
	}
	for k, v := range e.Attrs {
		attrs = append(attrs, slog.String(k, v))
	}

	level := slog.LevelInfo
	switch e.Type {
	case EventRestricted, EventClockRollback, EventPersistenceFailure:
		level = slog.LevelWarn
	}
	logger.LogAttrs(ctx, level, e.Message, attrs...)
}

// MultiAuditSink fans an event out to several sinks.
type MultiAuditSink []AuditSink

func (m MultiAuditSink) Log(ctx context.Context, e AuditEvent) {
	for _, s := range m {
		s.Log(ctx, e)
	}
}

// MemoryAuditSink records events in memory for inspection.
type MemoryAuditSink struct {
	mu     sync.Mutex
	events []AuditEvent
}

func (m *MemoryAuditSink) Log(_ context.Context, e AuditEvent) {
	m.mu.Lock()
	m.events = append(m.events, e)
	m.mu.Unlock()
}

// Events returns a copy of the recorded events.
func (m *MemoryAuditSink) Events() []AuditEvent {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]AuditEvent(nil), m.events...)
}

// OfType returns recorded events with the given type.
func (m *MemoryAuditSink) OfType(t string) []AuditEvent {
	var out []AuditEvent
	for _, e := range m.Events() {
		if e.Type == t {
			out = append(out, e)
		}
	}
	return out
}
