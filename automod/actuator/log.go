package actuator

import (
	"context"
	"log/slog"
	"time"
)

// Logs every action without performing it. Used in read-only mode.
type LogActuator struct {
	Logger *slog.Logger
}

var _ Actuator = (*LogActuator)(nil)

func NewLogActuator(logger *slog.Logger) *LogActuator {
	if logger == nil {
		logger = slog.Default()
	}
	return &LogActuator{Logger: logger.With("component", "actuator", "readonly", true)}
}

func (a *LogActuator) DeleteMessage(ctx context.Context, communityID, messageID string) error {
	a.Logger.Info("skipping message deletion", "community", communityID, "message", messageID)
	return nil
}

func (a *LogActuator) ApplyTimeout(ctx context.Context, communityID, userID string, dur time.Duration) error {
	a.Logger.Info("skipping timeout", "community", communityID, "user", userID, "duration", dur)
	return nil
}

func (a *LogActuator) LiftTimeout(ctx context.Context, communityID, userID string) error {
	a.Logger.Info("skipping timeout lift", "community", communityID, "user", userID)
	return nil
}

func (a *LogActuator) Kick(ctx context.Context, communityID, userID string) error {
	a.Logger.Info("skipping kick", "community", communityID, "user", userID)
	return nil
}

func (a *LogActuator) Ban(ctx context.Context, communityID, userID string, dur *time.Duration) error {
	a.Logger.Info("skipping ban", "community", communityID, "user", userID, "duration", dur)
	return nil
}
