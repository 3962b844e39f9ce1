package reconciler

import (
	"context"
	"fmt"
	"sort"

	"github.com/MikeSquared-Agency/sentinel/internal/bus"
	"github.com/MikeSquared-Agency/sentinel/internal/incident"
	"github.com/MikeSquared-Agency/sentinel/internal/normalize"
	"github.com/MikeSquared-Agency/sentinel/internal/oracle"
)

// applyUpdate merges one oracle proposal into the incident record.
// Present fields overwrite, absent fields are untouched — the merge is
// additive-overwrite, never destructive.
func (r *Reconciler) applyUpdate(ctx context.Context, callID string, upd *oracle.PartialUpdate) error {
	call, err := r.store.GetCallByCallID(ctx, callID)
	if err != nil {
		return fmt.Errorf("load call: %w", err)
	}
	if call != nil && call.Closed() {
		r.Halt(callID)
		return nil
	}

	fields := r.normalizeUpdate(ctx, callID, upd)
	if len(fields) == 0 {
		r.logger.Info("all proposed fields rejected", "call_id", callID)
		return nil
	}
	fields["ai_confidence_avg"] = r.opts.RoundConfidence

	wasCritical := false
	if call == nil {
		// No record exists yet for this conversation: originate one with
		// defaults, then overlay the round's fields.
		call = incident.NewCall(callID)
		applyToCall(call, fields)
		if err := r.store.CreateCall(ctx, call); err != nil {
			return fmt.Errorf("originate call: %w", err)
		}
		r.logger.Info("call originated by reconciler", "call_id", callID)
	} else {
		wasCritical = call.Priority == incident.PriorityCritical
		call, err = r.store.UpdateCallFields(ctx, call.ID, fields)
		if err != nil {
			// Field-history upserts are skipped: they must never drift
			// ahead of the authoritative record.
			return fmt.Errorf("persist merged call: %w", err)
		}
	}

	// Best-effort field history, one upsert per applied field. A failed
	// upsert is logged and the rest still attempted.
	names := make([]string, 0, len(fields))
	for name := range fields {
		if name != "ai_confidence_avg" {
			names = append(names, name)
		}
	}
	sort.Strings(names)
	for _, name := range names {
		value := fmt.Sprint(fields[name])
		if err := r.store.UpsertExtractedField(ctx, call.ID, name, value, r.opts.RoundConfidence); err != nil {
			r.logger.Error("field history upsert failed",
				"call_id", callID, "field", name, "error", err)
		}
	}

	r.logger.Info("incident merged",
		"call_id", callID,
		"fields", names,
		"priority", call.Priority,
	)

	if call.Priority == incident.PriorityCritical && !wasCritical {
		r.escalate(ctx, call, "extraction raised priority to critical")
	}
	return nil
}

// normalizeUpdate validates the sparse proposal field by field. A field
// that fails normalization is dropped (priority excepted, which degrades
// to medium); one bad field never poisons the round.
func (r *Reconciler) normalizeUpdate(ctx context.Context, callID string, upd *oracle.PartialUpdate) map[string]any {
	fields := make(map[string]any)

	if v := strVal(upd.CallerName); v != "" {
		fields["caller_name"] = v
	}
	if v := strVal(upd.CallerPhone); v != "" {
		fields["caller_phone"] = v
	}
	if v := strVal(upd.IncidentType); v != "" {
		fields["incident_type"] = v
	}

	if raw := strVal(upd.LocationText); raw != "" {
		fields["location_text"] = raw
		pin, err := r.resolver.Resolve(ctx, raw)
		if err != nil {
			r.logger.Warn("location resolve failed", "call_id", callID, "text", raw, "error", err)
		}
		if pin != nil {
			// Overwrite with the canonical address and pin coordinates.
			// On resolver failure the raw text stays and coordinates are
			// left alone — never null out a previously resolved pin.
			if pin.FormattedAddress != "" {
				fields["location_text"] = pin.FormattedAddress
			}
			fields["location_lat"] = pin.Lat
			fields["location_lon"] = pin.Lng
		}
	}

	if raw := strVal(upd.Priority); raw != "" {
		v, ok := normalize.Priority(raw)
		if !ok {
			r.logger.Warn("invalid priority, defaulting to medium", "call_id", callID, "raw", raw)
		}
		fields["priority"] = v
	}

	if upd.MedicalEmergency != nil {
		fields["medical_emergency"] = *upd.MedicalEmergency
	}

	if upd.NumberOfVictims != nil {
		if *upd.NumberOfVictims < 0 {
			r.logger.Warn("negative victim count dropped", "call_id", callID, "raw", *upd.NumberOfVictims)
		} else {
			fields["number_of_victims"] = *upd.NumberOfVictims
		}
	}

	if raw := strVal(upd.WeaponsPresent); raw != "" {
		if v, ok := normalize.WeaponsPresent(raw); ok {
			fields["weapons_present"] = v
		} else {
			r.logger.Warn("invalid weapons_present dropped", "call_id", callID, "raw", raw)
		}
	}

	if raw := strVal(upd.ImpactCategory); raw != "" {
		if v, ok := normalize.ImpactCategory(raw); ok {
			fields["impact_category"] = v
		} else {
			r.logger.Warn("invalid impact_category dropped", "call_id", callID, "raw", raw)
		}
	}

	// summary and notes alias the same record attribute; notes wins when
	// both arrive in one round.
	if v := strVal(upd.Summary); v != "" {
		fields["notes"] = v
	}
	if v := strVal(upd.Notes); v != "" {
		fields["notes"] = v
	}

	return fields
}

// applyToCall overlays a validated field map onto a call struct. Used on
// the origination path, where the insert carries the merged state.
func applyToCall(c *incident.Call, fields map[string]any) {
	for name, value := range fields {
		switch name {
		case "caller_name":
			c.CallerName = value.(string)
		case "caller_phone":
			c.CallerPhone = value.(string)
		case "incident_type":
			c.IncidentType = value.(string)
		case "location_text":
			c.LocationText = value.(string)
		case "location_lat":
			v := value.(float64)
			c.LocationLat = &v
		case "location_lon":
			v := value.(float64)
			c.LocationLon = &v
		case "priority":
			c.Priority = value.(string)
		case "medical_emergency":
			c.MedicalEmergency = value.(bool)
		case "number_of_victims":
			c.NumberOfVictims = value.(int)
		case "weapons_present":
			c.WeaponsPresent = value.(string)
		case "impact_category":
			c.ImpactCategory = value.(string)
		case "notes":
			c.Notes = value.(string)
		case "ai_confidence_avg":
			c.AIConfidenceAvg = value.(float64)
		}
	}
}

func (r *Reconciler) escalate(ctx context.Context, call *incident.Call, reason string) {
	if r.escalator != nil {
		r.escalator.Escalated(ctx, call, reason)
	}
	if r.publisher != nil {
		if err := r.publisher.Publish(bus.SubjectEscalated, map[string]any{
			"call_id":  call.CallID,
			"priority": call.Priority,
			"reason":   reason,
		}); err != nil {
			r.logger.Warn("escalation publish failed", "call_id", call.CallID, "error", err)
		}
	}
}

func strVal(p *string) string {
	if p == nil {
		return ""
	}
	return *p
}
