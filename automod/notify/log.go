package notify

import (
	"context"
	"log/slog"
)

// Writes every audit event as a structured log line.
type LogNotifier struct {
	Logger *slog.Logger
}

func NewLogNotifier(logger *slog.Logger) *LogNotifier {
	if logger == nil {
		logger = slog.Default()
	}
	return &LogNotifier{Logger: logger.With("component", "audit")}
}

func (n *LogNotifier) EmitAudit(ctx context.Context, evt AuditEvent) error {
	level := slog.LevelInfo
	if !evt.Success {
		level = slog.LevelWarn
	}
	attrs := []any{
		"kind", evt.Kind,
		"community", evt.CommunityID,
		"user", evt.UserID,
		"tier", evt.Tier.String(),
		"category", evt.Category,
		"action", evt.Action,
		"success", evt.Success,
		"messageID", evt.SourceMessageID,
		"policy", evt.PolicyVersion,
	}
	if evt.SanctionID != "" {
		attrs = append(attrs, "sanctionID", evt.SanctionID)
	}
	if evt.Duration != nil {
		attrs = append(attrs, "duration", evt.Duration.String())
	}
	if evt.Error != "" {
		attrs = append(attrs, "err", evt.Error)
	}
	n.Logger.Log(ctx, level, "moderation audit", attrs...)
	return nil
}
