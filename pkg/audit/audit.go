// Package audit records security-relevant actions. Recording never blocks or
// fails the caller; sinks drop events they cannot keep up with.
package audit

import (
	"context"
	"log/slog"
	"time"
)

// Actions recorded by the recorder service.
const (
	ActionBlobStored      = "blob.stored"
	ActionBlobRead        = "blob.read"
	ActionBlobDeleted     = "blob.deleted"
	ActionTaskCreated     = "task.created"
	ActionTaskTerminal    = "task.terminal"
	ActionTaskDeleted     = "task.deleted"
	ActionSourceLinked    = "task.linked"
	ActionPairCreated     = "pair.created"
	ActionPairDeleted     = "pair.deleted"
	ActionRetentionPurged = "retention.purged"
	ActionSettingsChanged = "settings.changed"
	ActionAccessDenied    = "access.denied"
	ActionIntegrityFailed = "integrity.failed"
)

const (
	OutcomeSuccess = "success"
	OutcomeDenied  = "denied"
	OutcomeFailure = "failure"
)

// Event is one audit record.
type Event struct {
	Action     string            `json:"action"`
	Outcome    string            `json:"outcome"`
	OwnerID    string            `json:"ownerId,omitempty"`
	ObjectType string            `json:"objectType,omitempty"`
	ObjectID   string            `json:"objectId,omitempty"`
	RequestID  string            `json:"requestId,omitempty"`
	Detail     map[string]string `json:"detail,omitempty"`
	At         time.Time         `json:"at"`
}

// Sink receives audit events.
type Sink interface {
	Record(ctx context.Context, ev Event)
}

// LogSink writes events as security_event log lines.
type LogSink struct {
	Logger *slog.Logger
}

func (s LogSink) Record(ctx context.Context, ev Event) {
	logger := s.Logger
	if logger == nil {
		logger = slog.Default()
	}
	attrs := []any{
		"action", ev.Action,
		"outcome", ev.Outcome,
		"owner_id", ev.OwnerID,
		"object_type", ev.ObjectType,
		"object_id", ev.ObjectID,
	}
	if ev.RequestID != "" {
		attrs = append(attrs, "request_id", ev.RequestID)
	}
	for k, v := range ev.Detail {
		attrs = append(attrs, k, v)
	}
	if ev.Outcome == OutcomeSuccess {
		logger.InfoContext(ctx, "security_event", attrs...)
		return
	}
	logger.WarnContext(ctx, "security_event", attrs...)
}

// Multi fans an event out to several sinks in order.
type Multi []Sink

func (m Multi) Record(ctx context.Context, ev Event) {
	for _, s := range m {
		if s != nil {
			s.Record(ctx, ev)
		}
	}
}

// Discard drops every event.
type Discard struct{}

func (Discard) Record(context.Context, Event) {}
