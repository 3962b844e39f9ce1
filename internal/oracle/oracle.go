package oracle

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"

	"github.com/MikeSquared-Agency/sentinel/internal/anthropic"
	"github.com/MikeSquared-Agency/sentinel/internal/incident"
	"github.com/MikeSquared-Agency/sentinel/internal/transcript"
)

const maxTokens = 1024

// Client asks the extraction model for incident updates given the full
// conversation so far.
type Client struct {
	llm    *anthropic.Client
	logger *slog.Logger
}

func New(llm *anthropic.Client, logger *slog.Logger) *Client {
	return &Client{llm: llm, logger: logger}
}

// Propose submits the conversation history and returns the proposed sparse
// update. A nil update with nil error means the model had nothing new this
// round — a valid outcome, not a failure.
func (c *Client) Propose(ctx context.Context, callID string, utterances []transcript.Utterance) (*PartialUpdate, error) {
	history := FormatHistory(utterances)

	c.logger.Info("proposing incident update",
		"call_id", callID,
		"utterances", len(utterances),
		"history_len", len(history),
	)

	messages := []anthropic.Message{
		{Role: "user", Content: "Current transcript:\n" + history},
	}

	result, err := c.llm.Invoke(ctx, systemInstruction, messages, []anthropic.Tool{updateIncidentTool}, maxTokens)
	if err != nil {
		return nil, fmt.Errorf("oracle call: %w", err)
	}

	if result.ToolUse == nil {
		// Free text instead of a function call means no update this round.
		c.logger.Debug("oracle returned no function call", "call_id", callID, "stop_reason", result.StopReason)
		return nil, nil
	}

	if result.ToolUse.Name != ToolUpdateIncident {
		c.logger.Warn("oracle called unknown tool", "call_id", callID, "tool", result.ToolUse.Name)
		return nil, nil
	}

	var upd PartialUpdate
	if err := json.Unmarshal(result.ToolUse.Input, &upd); err != nil {
		return nil, fmt.Errorf("parse oracle update: %w", err)
	}

	c.logger.Info("oracle proposed update", "call_id", callID, "empty", upd.Empty())
	return &upd, nil
}

// FormatHistory renders utterances as speaker-labeled lines for the model.
func FormatHistory(utterances []transcript.Utterance) string {
	var b strings.Builder
	for i, u := range utterances {
		if i > 0 {
			b.WriteByte('\n')
		}
		label := "Dispatcher"
		if u.Speaker == incident.SpeakerCaller {
			label = "Caller"
		}
		b.WriteString(label)
		b.WriteString(": ")
		b.WriteString(u.Text)
	}
	return b.String()
}
