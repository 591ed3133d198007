package actuator

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/bluesky-social/warden/pkg/robusthttp"

	"golang.org/x/time/rate"
)

// Sends moderation actions to the chat platform's moderation HTTP endpoint, one POST per action.
//
// Requests are never retried once the platform may have received them.
type WebhookActuator struct {
	BaseURL string
	Token   string
	Client  *http.Client
	Limiter *rate.Limiter
	Logger  *slog.Logger
}

var _ Actuator = (*WebhookActuator)(nil)

// Body of every action request. Fields which don't apply to the action are omitted.
type actionRequest struct {
	Action      string `json:"action"`
	CommunityID string `json:"community_id"`
	UserID      string `json:"user_id,omitempty"`
	MessageID   string `json:"message_id,omitempty"`
	DurationSec int64  `json:"duration_sec,omitempty"`
}

func NewWebhookActuator(baseURL, token string, ratePerSec float64, logger *slog.Logger) *WebhookActuator {
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("component", "actuator")
	limit := rate.Inf
	if ratePerSec > 0 {
		limit = rate.Limit(ratePerSec)
	}
	return &WebhookActuator{
		BaseURL: strings.TrimSuffix(baseURL, "/"),
		Token:   token,
		Client: robusthttp.NewClient(
			robusthttp.WithRetryPolicy(robusthttp.FireOncePolicy),
			robusthttp.WithMaxRetries(2),
			robusthttp.WithLogger(logger),
			robusthttp.WithTimeout(15*time.Second),
		),
		Limiter: rate.NewLimiter(limit, 1),
		Logger:  logger,
	}
}

func (a *WebhookActuator) send(ctx context.Context, req actionRequest) error {
	start := time.Now()
	err := a.post(ctx, req)
	status := "ok"
	if err != nil {
		status = "error"
	}
	actionDuration.WithLabelValues(req.Action, status).Observe(time.Since(start).Seconds())
	if err != nil {
		a.Logger.Warn("moderation action failed", "action", req.Action, "community", req.CommunityID, "user", req.UserID, "err", err)
	}
	return err
}

func (a *WebhookActuator) post(ctx context.Context, req actionRequest) error {
	if err := a.Limiter.Wait(ctx); err != nil {
		return fmt.Errorf("%w: waiting for rate limit: %w", ErrTimeout, err)
	}
	body, err := json.Marshal(req)
	if err != nil {
		return err
	}
	hreq, err := http.NewRequestWithContext(ctx, http.MethodPost, a.BaseURL+"/v1/actions/"+req.Action, bytes.NewReader(body))
	if err != nil {
		return err
	}
	hreq.Header.Set("Content-Type", "application/json")
	if a.Token != "" {
		hreq.Header.Set("Authorization", "Bearer "+a.Token)
	}
	resp, err := a.Client.Do(hreq)
	if err != nil {
		if ctx.Err() != nil {
			return fmt.Errorf("%w: %w", ErrTimeout, err)
		}
		return fmt.Errorf("moderation action request: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return nil
	}
	msg, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
	if resp.StatusCode >= 400 && resp.StatusCode < 500 {
		return fmt.Errorf("%w: status %d: %s", ErrRejected, resp.StatusCode, strings.TrimSpace(string(msg)))
	}
	return fmt.Errorf("moderation action failed: status %d: %s", resp.StatusCode, strings.TrimSpace(string(msg)))
}

func (a *WebhookActuator) DeleteMessage(ctx context.Context, communityID, messageID string) error {
	return a.send(ctx, actionRequest{Action: "delete_message", CommunityID: communityID, MessageID: messageID})
}

func (a *WebhookActuator) ApplyTimeout(ctx context.Context, communityID, userID string, dur time.Duration) error {
	return a.send(ctx, actionRequest{Action: "timeout", CommunityID: communityID, UserID: userID, DurationSec: int64(dur.Seconds())})
}

func (a *WebhookActuator) LiftTimeout(ctx context.Context, communityID, userID string) error {
	return a.send(ctx, actionRequest{Action: "lift_timeout", CommunityID: communityID, UserID: userID})
}

func (a *WebhookActuator) Kick(ctx context.Context, communityID, userID string) error {
	return a.send(ctx, actionRequest{Action: "kick", CommunityID: communityID, UserID: userID})
}

func (a *WebhookActuator) Ban(ctx context.Context, communityID, userID string, dur *time.Duration) error {
	req := actionRequest{Action: "ban", CommunityID: communityID, UserID: userID}
	if dur != nil {
		req.DurationSec = int64(dur.Seconds())
	}
	return a.send(ctx, req)
}
