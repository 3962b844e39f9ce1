package notify

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/slack-go/slack"

	"github.com/MikeSquared-Agency/sentinel/internal/incident"
)

// Notifier posts escalation alerts to the dispatch Slack channel.
// Optional everywhere it is used: a nil *Notifier is a no-op, so the
// service runs without Slack configured.
type Notifier struct {
	client  *slack.Client
	channel string
	logger  *slog.Logger
}

func New(botToken, channel string, logger *slog.Logger) *Notifier {
	return &Notifier{
		client:  slack.New(botToken),
		channel: channel,
		logger:  logger,
	}
}

// Escalated announces that a call reached critical priority or an
// external escalation request arrived.
func (n *Notifier) Escalated(ctx context.Context, call *incident.Call, reason string) {
	if n == nil {
		return
	}

	text := fmt.Sprintf(":rotating_light: *Escalation* — call `%s`\n*Type:* %s\n*Priority:* %s\n*Location:* %s\n*Reason:* %s",
		call.CallID, orDash(call.IncidentType), call.Priority, orDash(call.LocationText), reason)

	_, _, err := n.client.PostMessageContext(ctx, n.channel,
		slack.MsgOptionText(text, false),
	)
	if err != nil {
		n.logger.Error("slack escalation post failed", "call_id", call.CallID, "error", err)
		return
	}
	n.logger.Info("escalation posted to slack", "call_id", call.CallID, "reason", reason)
}

func orDash(s string) string {
	if s == "" {
		return "—"
	}
	return s
}
