package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"slices"
	"strings"
	"time"

	"github.com/bluesky-social/warden/pkg/robusthttp"
)

// Posts actionable audit events (sanctions other than warnings, degraded applies, failures) to a Slack channel.
type SlackNotifier struct {
	SlackWebhookURL string
	Client          *http.Client
}

func NewSlackNotifier(webhookURL string) *SlackNotifier {
	return &SlackNotifier{
		SlackWebhookURL: webhookURL,
		Client:          robusthttp.NewClient(robusthttp.WithTimeout(10 * time.Second)),
	}
}

func (n *SlackNotifier) EmitAudit(ctx context.Context, evt AuditEvent) error {
	if !evt.Actionable() {
		return nil
	}
	return n.sendSlackMsg(ctx, slackBody(&evt))
}

type SlackWebhookBody struct {
	Text string `json:"text"`
}

// Sends a simple slack message to a channel via "incoming webhook".
//
// The slack incoming webhook must be already configured in the slack workplace.
func (n *SlackNotifier) sendSlackMsg(ctx context.Context, msg string) error {
	body, err := json.Marshal(SlackWebhookBody{Text: msg})
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, n.SlackWebhookURL, bytes.NewBuffer(body))
	if err != nil {
		return err
	}
	req.Header.Add("Content-Type", "application/json")
	client := n.Client
	if client == nil {
		client = http.DefaultClient
	}
	resp, err := client.Do(req)
	if err != nil {
		return err
	}

	defer resp.Body.Close()

	buf := new(bytes.Buffer)
	buf.ReadFrom(resp.Body)
	if resp.StatusCode != 200 || buf.String() != "ok" {
		return fmt.Errorf("failed slack webhook POST request. status=%d", resp.StatusCode)
	}
	return nil
}

func slackBody(evt *AuditEvent) string {
	var msg string
	switch evt.Kind {
	case AuditDegraded:
		msg = "⚠️ Automod Sanction Not Applied ⚠️\n"
	case AuditFailed:
		msg = "🚨 Automod Event Failed 🚨\n"
	default:
		msg = "⚠️ Automod Sanction ⚠️\n"
	}
	msg += fmt.Sprintf("community `%s` / user `%s`\n", evt.CommunityID, evt.UserID)
	if evt.Action != "" {
		action := string(evt.Action)
		if evt.Duration != nil {
			action += " " + evt.Duration.String()
		}
		msg += fmt.Sprintf("Action: `%s`\n", action)
	}
	msg += fmt.Sprintf("Tier: `%s`", evt.Tier)
	if evt.Category != "" {
		msg += fmt.Sprintf(" / Category: `%s`", evt.Category)
	}
	msg += "\n"
	if evt.SourceMessageID != "" {
		msg += fmt.Sprintf("Message: `%s`\n", evt.SourceMessageID)
	}
	if evt.Error != "" {
		msg += fmt.Sprintf("Error: %s\n", evt.Error)
	}
	if len(evt.Counts) > 0 {
		names := make([]string, 0, len(evt.Counts))
		for k := range evt.Counts {
			names = append(names, k)
		}
		slices.Sort(names)
		parts := make([]string, len(names))
		for i, k := range names {
			parts[i] = fmt.Sprintf("%s=%d", k, evt.Counts[k])
		}
		msg += fmt.Sprintf("Community counts: `%s`\n", strings.Join(parts, ", "))
	}
	return msg
}
