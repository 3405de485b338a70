package audit

import (
	"context"
	"encoding/json"
	"log/slog"
)

// Logger records discrete audit events. Implementations must never fail
// the operation that emitted the event.
type Logger interface {
	Log(ctx context.Context, actorID uint64, action string, metadata map[string]any)
}

type Store interface {
	InsertAuditLog(ctx context.Context, actorID uint64, action string, metadata []byte) error
}

// DBLogger writes audit events to the audit_logs table, best-effort.
type DBLogger struct {
	store Store
}

func NewDBLogger(store Store) *DBLogger {
	return &DBLogger{store: store}
}

func (l *DBLogger) Log(ctx context.Context, actorID uint64, action string, metadata map[string]any) {
	b, err := json.Marshal(metadata)
	if err != nil {
		slog.Warn("audit marshal", "action", action, "error", err.Error())
		b = []byte("{}")
	}
	if err := l.store.InsertAuditLog(ctx, actorID, action, b); err != nil {
		slog.Warn("audit write", "action", action, "actor_id", actorID, "error", err.Error())
	}
}

type Noop struct{}

func (Noop) Log(ctx context.Context, actorID uint64, action string, metadata map[string]any) {}
