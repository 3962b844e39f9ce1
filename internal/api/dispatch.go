package api

import (
	"bytes"
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/MikeSquared-Agency/sentinel/internal/geocode"
	"github.com/MikeSquared-Agency/sentinel/internal/incident"
	"github.com/MikeSquared-Agency/sentinel/internal/transcript"
)

var knownEventTypes = map[string]bool{
	"location_update":    true,
	"location_confirmed": true,
	"escalation_request": true,
}

type callStartRequest struct {
	IncidentID   string `json:"incident_id"`
	IncidentType string `json:"incident_type"`
	LocationText string `json:"location_text"`
}

// handleCallStart creates the call record when the voice transport
// connects. Idempotent per incident id.
func (s *Server) handleCallStart(w http.ResponseWriter, r *http.Request) {
	var req callStartRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]any{"ok": false, "error": "invalid JSON body"})
		return
	}
	if req.IncidentID == "" {
		writeJSON(w, http.StatusUnprocessableEntity, map[string]any{"ok": false, "error": "Missing incident_id"})
		return
	}

	s.idemMu.Lock()
	_, dup := s.callStarts[req.IncidentID]
	s.idemMu.Unlock()
	if dup {
		writeJSON(w, http.StatusOK, map[string]any{"ok": true, "duplicate": true})
		return
	}

	call, err := s.store.StartCall(r.Context(), req.IncidentID, req.IncidentType, req.LocationText)
	if err != nil {
		s.logger.Error("call-start upsert failed", "incident_id", req.IncidentID, "error", err)
		writeJSON(w, http.StatusInternalServerError, map[string]any{"ok": false, "error": "store upsert failed"})
		return
	}

	s.idemMu.Lock()
	s.callStarts[req.IncidentID] = struct{}{}
	s.idemMu.Unlock()

	s.logger.Info("call started", "call_id", call.CallID)
	writeJSON(w, http.StatusOK, map[string]any{"ok": true, "call": call})
}

type dispatchEventRequest struct {
	IncidentID          string          `json:"incident_id"`
	EventType           string          `json:"event_type"`
	LocationJSON        json.RawMessage `json:"location_json"`
	ApproximateLocation string          `json:"approximate_location"`
	LocationText        string          `json:"location_text"`
	Reason              string          `json:"reason"`
}

// handleDispatchEvent is the one-shot location/escalation webhook. It
// bypasses the reconciler: a deterministic enrichment triggered by an
// external system event, not a continuous inference.
func (s *Server) handleDispatchEvent(w http.ResponseWriter, r *http.Request) {
	idempotencyKey := r.Header.Get("Idempotency-Key")
	if idempotencyKey != "" {
		s.idemMu.Lock()
		_, dup := s.idemKeys[idempotencyKey]
		s.idemMu.Unlock()
		if dup {
			writeJSON(w, http.StatusOK, map[string]any{"ok": true, "duplicate": true})
			return
		}
	}

	var raw map[string]any
	var req dispatchEventRequest
	buf := new(bytes.Buffer)
	if _, err := buf.ReadFrom(r.Body); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]any{"ok": false, "error": "unreadable body"})
		return
	}
	if err := json.Unmarshal(buf.Bytes(), &req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]any{"ok": false, "error": "invalid JSON body"})
		return
	}
	_ = json.Unmarshal(buf.Bytes(), &raw)

	addr, ok := parseLocationJSON(req.LocationJSON)
	if !ok {
		writeJSON(w, http.StatusUnprocessableEntity, map[string]any{"ok": false, "error": "location_json must be JSON"})
		return
	}

	if req.EventType != "" && !knownEventTypes[req.EventType] {
		s.logger.Warn("unknown event_type", "event_type", req.EventType)
	}

	if idempotencyKey != "" {
		s.idemMu.Lock()
		s.idemKeys[idempotencyKey] = struct{}{}
		s.idemMu.Unlock()
	}
	s.recordEvent(raw)

	addressString := geocode.BuildAddressString(addr, req.ApproximateLocation)
	if addressString == "" {
		addressString = req.LocationText
	}

	var pin *geocode.Pin
	if addressString != "" {
		var err error
		pin, err = s.resolver.Resolve(r.Context(), addressString)
		if err != nil {
			s.logger.Warn("webhook geocode failed", "address", addressString, "error", err)
		}
	} else {
		s.logger.Warn("no location in event, skipping geocode", "incident_id", req.IncidentID)
	}

	if req.IncidentID != "" {
		switch {
		case pin != nil:
			_, err := s.store.UpdateCallFieldsByCallID(r.Context(), req.IncidentID, map[string]any{
				"location_lat":  pin.Lat,
				"location_lon":  pin.Lng,
				"location_text": pin.FormattedAddress,
			})
			if err != nil {
				s.logger.Error("location write failed", "incident_id", req.IncidentID, "error", err)
			} else {
				s.logger.Info("call location updated", "incident_id", req.IncidentID, "lat", pin.Lat, "lon", pin.Lng)
			}
		case req.LocationText != "":
			// Keep the text description even when geocoding failed; the
			// previously resolved coordinates stay untouched.
			_, err := s.store.UpdateCallFieldsByCallID(r.Context(), req.IncidentID, map[string]any{
				"location_text": req.LocationText,
			})
			if err != nil {
				s.logger.Error("location text write failed", "incident_id", req.IncidentID, "error", err)
			}
		}
	} else {
		s.logger.Warn("event missing incident_id, nothing to update")
	}

	if req.EventType == "escalation_request" && req.IncidentID != "" && s.escalator != nil {
		if call, err := s.store.GetCallByCallID(r.Context(), req.IncidentID); err == nil && call != nil {
			reason := req.Reason
			if reason == "" {
				reason = "external escalation request"
			}
			s.escalator.Escalated(r.Context(), call, reason)
		}
	}

	writeJSON(w, http.StatusOK, map[string]any{"ok": true, "event_received": true})
}

// parseLocationJSON accepts the webhook's location payload as an object,
// a JSON-encoded string, or absent. Components may sit at the top level
// or nested under "address".
func parseLocationJSON(raw json.RawMessage) (geocode.AddressComponents, bool) {
	var addr geocode.AddressComponents
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null")) {
		return addr, true
	}

	if trimmed[0] == '"' {
		var inner string
		if err := json.Unmarshal(trimmed, &inner); err != nil {
			return addr, false
		}
		trimmed = bytes.TrimSpace([]byte(inner))
		if len(trimmed) == 0 {
			return addr, true
		}
	}

	var wrapper struct {
		Address json.RawMessage `json:"address"`
	}
	if err := json.Unmarshal(trimmed, &wrapper); err != nil {
		return addr, false
	}
	if len(wrapper.Address) > 0 {
		trimmed = wrapper.Address
	}
	if err := json.Unmarshal(trimmed, &addr); err != nil {
		return addr, false
	}
	return addr, true
}

func (s *Server) handleListEvents(w http.ResponseWriter, r *http.Request) {
	s.eventsMu.Lock()
	events := make([]storedEvent, len(s.events))
	copy(events, s.events)
	s.eventsMu.Unlock()

	writeJSON(w, http.StatusOK, map[string]any{"ok": true, "count": len(events), "data": events})
}

type utteranceRequest struct {
	Speaker      string   `json:"speaker"`
	Text         string   `json:"text"`
	TimestampISO string   `json:"timestamp_iso"`
	Tags         []string `json:"tags"`
}

// handleUtterance is the HTTP transcript-ingestion path; the bus subject
// dispatch.voice.utterance is the equivalent for transports that speak NATS.
func (s *Server) handleUtterance(w http.ResponseWriter, r *http.Request) {
	callID := chi.URLParam(r, "callID")

	var req utteranceRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]any{"ok": false, "error": "invalid JSON body"})
		return
	}
	if req.Text == "" {
		writeJSON(w, http.StatusUnprocessableEntity, map[string]any{"ok": false, "error": "Missing text"})
		return
	}
	switch req.Speaker {
	case incident.SpeakerCaller, incident.SpeakerAI, incident.SpeakerResponder:
	case "":
		req.Speaker = incident.SpeakerCaller
	default:
		writeJSON(w, http.StatusUnprocessableEntity, map[string]any{"ok": false, "error": "invalid speaker"})
		return
	}

	s.pipeline.Ingest(r.Context(), callID, transcript.Utterance{
		Speaker:      req.Speaker,
		Text:         req.Text,
		TimestampISO: req.TimestampISO,
		Tags:         req.Tags,
	})

	writeJSON(w, http.StatusOK, map[string]any{"ok": true})
}

// handleEndSession marks the voice session inactive so the final analysis
// round runs unthrottled.
func (s *Server) handleEndSession(w http.ResponseWriter, r *http.Request) {
	callID := chi.URLParam(r, "callID")
	s.pipeline.SetSessionActive(callID, false)
	writeJSON(w, http.StatusOK, map[string]any{"ok": true})
}

type actionRequest struct {
	ResponderID string         `json:"responder_id"`
	ActionType  string         `json:"action_type"`
	ActionData  map[string]any `json:"action_data"`
	Reason      string         `json:"reason"`
}

var knownActionTypes = map[string]bool{
	incident.ActionDispatch:  true,
	incident.ActionNote:      true,
	incident.ActionFieldEdit: true,
	incident.ActionTransfer:  true,
	incident.ActionMarkSafe:  true,
	incident.ActionEscalate:  true,
	incident.ActionClose:     true,
}

// handleAction appends an operator audit entry. Human judgment overrides
// extraction: mark_safe and close terminate automated reconciliation,
// escalate forces critical, transfer hands the call to a human.
func (s *Server) handleAction(w http.ResponseWriter, r *http.Request) {
	callID := chi.URLParam(r, "callID")

	var req actionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]any{"ok": false, "error": "invalid JSON body"})
		return
	}
	if !knownActionTypes[req.ActionType] {
		writeJSON(w, http.StatusUnprocessableEntity, map[string]any{"ok": false, "error": "invalid action_type"})
		return
	}
	if req.ResponderID == "" {
		writeJSON(w, http.StatusUnprocessableEntity, map[string]any{"ok": false, "error": "Missing responder_id"})
		return
	}

	call, err := s.store.GetCallByCallID(r.Context(), callID)
	if err != nil {
		s.logger.Error("call lookup failed", "call_id", callID, "error", err)
		writeJSON(w, http.StatusInternalServerError, map[string]any{"ok": false, "error": "store lookup failed"})
		return
	}
	if call == nil {
		writeJSON(w, http.StatusNotFound, map[string]any{"ok": false, "error": "call not found"})
		return
	}

	action := &incident.CallAction{
		CallRowID:   call.ID,
		ResponderID: req.ResponderID,
		ActionType:  req.ActionType,
		ActionData:  req.ActionData,
		Reason:      req.Reason,
	}
	if err := s.store.AppendAction(r.Context(), action); err != nil {
		s.logger.Error("action append failed", "call_id", callID, "error", err)
		writeJSON(w, http.StatusInternalServerError, map[string]any{"ok": false, "error": "store write failed"})
		return
	}

	switch req.ActionType {
	case incident.ActionMarkSafe, incident.ActionClose:
		if _, err := s.store.CloseCall(r.Context(), call.ID); err != nil {
			s.logger.Error("close failed", "call_id", callID, "error", err)
		}
		s.pipeline.Halt(callID)
	case incident.ActionTransfer:
		if _, err := s.store.UpdateCallFields(r.Context(), call.ID, map[string]any{
			"status": incident.StatusHumanActive,
		}); err != nil {
			s.logger.Error("transfer status write failed", "call_id", callID, "error", err)
		}
	case incident.ActionEscalate:
		updated, err := s.store.UpdateCallFields(r.Context(), call.ID, map[string]any{
			"priority": incident.PriorityCritical,
		})
		if err != nil {
			s.logger.Error("escalate priority write failed", "call_id", callID, "error", err)
		} else if s.escalator != nil {
			reason := req.Reason
			if reason == "" {
				reason = "escalated by " + req.ResponderID
			}
			s.escalator.Escalated(r.Context(), updated, reason)
		}
	}

	s.logger.Info("action recorded", "call_id", callID, "action_type", req.ActionType, "responder", req.ResponderID)
	writeJSON(w, http.StatusOK, map[string]any{"ok": true, "action": action})
}

func (s *Server) handleListCalls(w http.ResponseWriter, r *http.Request) {
	calls, err := s.store.ListCalls(r.Context(), 100)
	if err != nil {
		s.logger.Error("list calls failed", "error", err)
		writeJSON(w, http.StatusInternalServerError, map[string]any{"ok": false, "error": "store read failed"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": true, "calls": calls})
}

func (s *Server) handleGetCall(w http.ResponseWriter, r *http.Request) {
	callID := chi.URLParam(r, "callID")

	call, err := s.store.GetCallByCallID(r.Context(), callID)
	if err != nil {
		s.logger.Error("get call failed", "call_id", callID, "error", err)
		writeJSON(w, http.StatusInternalServerError, map[string]any{"ok": false, "error": "store read failed"})
		return
	}
	if call == nil {
		writeJSON(w, http.StatusNotFound, map[string]any{"ok": false, "error": "call not found"})
		return
	}

	transcripts, err := s.store.ListTranscriptBlocks(r.Context(), call.ID)
	if err != nil {
		s.logger.Error("list transcript failed", "call_id", callID, "error", err)
	}
	fields, err := s.store.ListExtractedFields(r.Context(), call.ID)
	if err != nil {
		s.logger.Error("list fields failed", "call_id", callID, "error", err)
	}
	actions, err := s.store.ListActions(r.Context(), call.ID)
	if err != nil {
		s.logger.Error("list actions failed", "call_id", callID, "error", err)
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"ok":               true,
		"call":             call,
		"transcripts":      transcripts,
		"extracted_fields": fields,
		"actions":          actions,
	})
}
