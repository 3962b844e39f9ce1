package bus

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/nats-io/nats.go"
)

// Subjects on the dispatch bus.
const (
	// SubjectUtterance carries finalized speaker turns from the voice transport.
	SubjectUtterance = "dispatch.voice.utterance"
	// SubjectSession carries voice-session connect/disconnect signals.
	SubjectSession = "dispatch.voice.session"
	// SubjectCallUpdatedAll matches change notifications for every call.
	SubjectCallUpdatedAll = "dispatch.call.updated.>"
	// SubjectEscalated is published when a call reaches critical priority.
	SubjectEscalated = "dispatch.call.escalated"
)

// SubjectCallUpdated returns the change-notification subject for one call.
func SubjectCallUpdated(callID string) string {
	return "dispatch.call.updated." + callID
}

// UtteranceEvent is the payload on SubjectUtterance.
type UtteranceEvent struct {
	CallID       string   `json:"call_id"`
	Speaker      string   `json:"speaker"`
	Text         string   `json:"text"`
	TimestampISO string   `json:"timestamp_iso"`
	Tags         []string `json:"tags,omitempty"`
}

// SessionEvent is the payload on SubjectSession.
type SessionEvent struct {
	CallID string `json:"call_id"`
	Active bool   `json:"active"`
}

type Client struct {
	conn   *nats.Conn
	subs   []*nats.Subscription
	logger *slog.Logger
}

func NewClient(url, token string, logger *slog.Logger) (*Client, error) {
	opts := []nats.Option{
		nats.RetryOnFailedConnect(true),
		nats.MaxReconnects(60),
		nats.ReconnectWait(2 * time.Second),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				logger.Warn("nats disconnected", "error", err)
			}
		}),
		nats.ReconnectHandler(func(_ *nats.Conn) {
			logger.Info("nats reconnected")
		}),
	}
	if token != "" {
		opts = append(opts, nats.Token(token))
	}

	nc, err := nats.Connect(url, opts...)
	if err != nil {
		return nil, fmt.Errorf("nats connect: %w", err)
	}

	return &Client{conn: nc, logger: logger}, nil
}

func (c *Client) Publish(subject string, data any) error {
	payload, err := json.Marshal(data)
	if err != nil {
		return fmt.Errorf("marshal payload: %w", err)
	}
	return c.conn.Publish(subject, payload)
}

func (c *Client) Subscribe(subject string, handler func(subject string, data []byte)) error {
	sub, err := c.conn.Subscribe(subject, func(msg *nats.Msg) {
		handler(msg.Subject, msg.Data)
	})
	if err != nil {
		return fmt.Errorf("subscribe %s: %w", subject, err)
	}
	c.subs = append(c.subs, sub)
	c.logger.Info("subscribed", "subject", subject)
	return nil
}

func (c *Client) Close() {
	for _, sub := range c.subs {
		_ = sub.Unsubscribe()
	}
	c.conn.Close()
}
