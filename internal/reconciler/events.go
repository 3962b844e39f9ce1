package reconciler

import (
	"context"
	"encoding/json"
	"time"

	"github.com/MikeSquared-Agency/sentinel/internal/bus"
	"github.com/MikeSquared-Agency/sentinel/internal/incident"
	"github.com/MikeSquared-Agency/sentinel/internal/transcript"
)

// Ingest is the transcript entry point shared by the HTTP webhook and the
// bus handler: persist the block when the call exists, then feed the
// pipeline. A missing call is not an error — the reconciler can originate
// one at analysis time.
func (r *Reconciler) Ingest(ctx context.Context, callID string, u transcript.Utterance) {
	if u.TimestampISO == "" {
		u.TimestampISO = time.Now().UTC().Format(time.RFC3339)
	}

	call, err := r.store.GetCallByCallID(ctx, callID)
	if err != nil {
		r.logger.Warn("call lookup failed on ingest", "call_id", callID, "error", err)
	}
	if call != nil {
		if call.Closed() {
			r.Halt(callID)
			return
		}
		block := &incident.TranscriptBlock{
			CallRowID:    call.ID,
			Speaker:      u.Speaker,
			Text:         u.Text,
			TimestampISO: u.TimestampISO,
			Tags:         u.Tags,
		}
		if err := r.store.AppendTranscriptBlock(ctx, block); err != nil {
			r.logger.Error("transcript persist failed", "call_id", callID, "error", err)
		}
	}

	r.Observe(callID, u)
}

// HandleUtteranceEvent is the bus handler for dispatch.voice.utterance.
func (r *Reconciler) HandleUtteranceEvent(subject string, data []byte) {
	var evt bus.UtteranceEvent
	if err := json.Unmarshal(data, &evt); err != nil {
		r.logger.Error("failed to parse utterance event", "subject", subject, "error", err)
		return
	}
	if evt.CallID == "" || evt.Text == "" {
		r.logger.Warn("utterance event missing call_id or text", "subject", subject)
		return
	}

	r.Ingest(context.Background(), evt.CallID, transcript.Utterance{
		Speaker:      evt.Speaker,
		Text:         evt.Text,
		TimestampISO: evt.TimestampISO,
		Tags:         evt.Tags,
	})
}

// HandleSessionEvent is the bus handler for dispatch.voice.session.
func (r *Reconciler) HandleSessionEvent(subject string, data []byte) {
	var evt bus.SessionEvent
	if err := json.Unmarshal(data, &evt); err != nil {
		r.logger.Error("failed to parse session event", "subject", subject, "error", err)
		return
	}
	if evt.CallID == "" {
		return
	}

	r.logger.Info("voice session state", "call_id", evt.CallID, "active", evt.Active)
	r.SetSessionActive(evt.CallID, evt.Active)
}
