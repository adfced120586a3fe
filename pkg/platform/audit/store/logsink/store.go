// Package logsink writes audit events to a structured logger.
package logsink

import (
	"context"
	"log/slog"

	audit "bffgate/pkg/platform/audit"
)

// Store logs security events at WARN and everything else at INFO.
type Store struct {
	logger *slog.Logger
}

func New(logger *slog.Logger) *Store {
	return &Store{logger: logger.With("component", "audit")}
}

func (s *Store) Append(ctx context.Context, e audit.Event) error {
	level := slog.LevelInfo
	if e.Category == audit.CategorySecurity {
		level = slog.LevelWarn
	}
	attrs := []any{
		"action", e.Action,
		"category", e.Category,
		"subject", e.Subject,
		"request_id", e.RequestID,
	}
	if e.Decision != "" {
		attrs = append(attrs, "decision", e.Decision)
	}
	if e.Reason != "" {
		attrs = append(attrs, "reason", e.Reason)
	}
	if e.Path != "" {
		attrs = append(attrs, "path", e.Path)
	}
	for k, v := range e.Details {
		attrs = append(attrs, k, v)
	}
	s.logger.Log(ctx, level, "audit event", attrs...)
	return nil
}
