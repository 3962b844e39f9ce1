package reconciler

import (
	"context"
	"errors"
	"testing"

	"github.com/MikeSquared-Agency/sentinel/internal/geocode"
	"github.com/MikeSquared-Agency/sentinel/internal/incident"
	"github.com/MikeSquared-Agency/sentinel/internal/oracle"
	"github.com/MikeSquared-Agency/sentinel/internal/transcript"
)

func newMergeReconciler(store *fakeStore, res *fakeResolver) *Reconciler {
	return New(transcript.NewLog(), store, &fakeOracle{}, res, Options{RoundConfidence: 0.85}, testLogger())
}

func TestApplyUpdate_AdditiveOverwrite(t *testing.T) {
	store := newFakeStore()
	call := incident.NewCall("call-1")
	call.CallerName = "Jordan Reyes"
	call.IncidentType = "Traffic Accident"
	call.NumberOfVictims = 2
	store.calls["call-1"] = call

	rec := newMergeReconciler(store, &fakeResolver{})

	err := rec.applyUpdate(context.Background(), "call-1", &oracle.PartialUpdate{
		Priority:        strptr("high"),
		NumberOfVictims: intptr(3),
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	got := store.get("call-1")
	if got.Priority != "high" {
		t.Errorf("priority not overwritten: %q", got.Priority)
	}
	if got.NumberOfVictims != 3 {
		t.Errorf("victim count not overwritten: %d", got.NumberOfVictims)
	}
	// Fields absent from the proposal stay as they were.
	if got.CallerName != "Jordan Reyes" {
		t.Errorf("caller name clobbered: %q", got.CallerName)
	}
	if got.IncidentType != "Traffic Accident" {
		t.Errorf("incident type clobbered: %q", got.IncidentType)
	}
	if got.AIConfidenceAvg != 0.85 {
		t.Errorf("round confidence not recorded: %f", got.AIConfidenceAvg)
	}
}

func TestApplyUpdate_OriginatesMissingCall(t *testing.T) {
	store := newFakeStore()
	rec := newMergeReconciler(store, &fakeResolver{})

	err := rec.applyUpdate(context.Background(), "call-new", &oracle.PartialUpdate{
		IncidentType: strptr("Structure Fire"),
		Priority:     strptr("critical"),
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	got := store.get("call-new")
	if got == nil {
		t.Fatal("call not originated")
	}
	if got.IncidentType != "Structure Fire" || got.Priority != "critical" {
		t.Errorf("extracted fields not overlaid: %q / %q", got.IncidentType, got.Priority)
	}
	// Origination defaults fill everything the round did not mention.
	if got.CallerName != "Anonymous" || got.WeaponsPresent != incident.WeaponsUnknown {
		t.Errorf("origination defaults missing: %q / %q", got.CallerName, got.WeaponsPresent)
	}
	if got.Status != incident.StatusAIHandling {
		t.Errorf("originated call status = %q", got.Status)
	}
}

func TestApplyUpdate_LocationResolved(t *testing.T) {
	store := newFakeStore()
	store.calls["call-1"] = incident.NewCall("call-1")
	res := &fakeResolver{pin: &geocode.Pin{Lat: 40.71, Lng: -74.0, FormattedAddress: "123 Main St, Springfield"}}
	rec := newMergeReconciler(store, res)

	err := rec.applyUpdate(context.Background(), "call-1", &oracle.PartialUpdate{
		LocationText: strptr("123 main street"),
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	got := store.get("call-1")
	if got.LocationText != "123 Main St, Springfield" {
		t.Errorf("canonical address not applied: %q", got.LocationText)
	}
	if got.LocationLat == nil || *got.LocationLat != 40.71 {
		t.Errorf("latitude not applied: %v", got.LocationLat)
	}
	if got.LocationLon == nil || *got.LocationLon != -74.0 {
		t.Errorf("longitude not applied: %v", got.LocationLon)
	}
}

func TestApplyUpdate_ResolverFailureKeepsRawText(t *testing.T) {
	store := newFakeStore()
	call := incident.NewCall("call-1")
	lat, lon := 40.71, -74.0
	call.LocationLat = &lat
	call.LocationLon = &lon
	store.calls["call-1"] = call

	res := &fakeResolver{err: errors.New("quota exceeded")}
	rec := newMergeReconciler(store, res)

	err := rec.applyUpdate(context.Background(), "call-1", &oracle.PartialUpdate{
		LocationText: strptr("behind the old mill"),
	})
	if err != nil {
		t.Fatalf("resolver failure must not fail the round: %v", err)
	}

	got := store.get("call-1")
	if got.LocationText != "behind the old mill" {
		t.Errorf("raw location text lost: %q", got.LocationText)
	}
	// Previously resolved coordinates survive a failed lookup.
	if got.LocationLat == nil || *got.LocationLat != 40.71 {
		t.Errorf("latitude nulled out: %v", got.LocationLat)
	}
	if got.LocationLon == nil || *got.LocationLon != -74.0 {
		t.Errorf("longitude nulled out: %v", got.LocationLon)
	}
}

func TestNormalizeUpdate_FieldRules(t *testing.T) {
	rec := newMergeReconciler(newFakeStore(), &fakeResolver{})
	ctx := context.Background()

	t.Run("invalid priority degrades to medium", func(t *testing.T) {
		fields := rec.normalizeUpdate(ctx, "c", &oracle.PartialUpdate{Priority: strptr("URGENT!!")})
		if fields["priority"] != "medium" {
			t.Errorf("priority = %v", fields["priority"])
		}
	})

	t.Run("invalid weapons dropped", func(t *testing.T) {
		fields := rec.normalizeUpdate(ctx, "c", &oracle.PartialUpdate{WeaponsPresent: strptr("probably")})
		if _, ok := fields["weapons_present"]; ok {
			t.Error("invalid weapons_present should be dropped")
		}
	})

	t.Run("invalid impact dropped", func(t *testing.T) {
		fields := rec.normalizeUpdate(ctx, "c", &oracle.PartialUpdate{ImpactCategory: strptr("catastrophic")})
		if _, ok := fields["impact_category"]; ok {
			t.Error("invalid impact_category should be dropped")
		}
	})

	t.Run("impact title-cased", func(t *testing.T) {
		fields := rec.normalizeUpdate(ctx, "c", &oracle.PartialUpdate{ImpactCategory: strptr("high")})
		if fields["impact_category"] != "High" {
			t.Errorf("impact_category = %v", fields["impact_category"])
		}
	})

	t.Run("negative victim count dropped", func(t *testing.T) {
		fields := rec.normalizeUpdate(ctx, "c", &oracle.PartialUpdate{NumberOfVictims: intptr(-1)})
		if _, ok := fields["number_of_victims"]; ok {
			t.Error("negative victim count should be dropped")
		}
	})

	t.Run("zero victims is valid", func(t *testing.T) {
		fields := rec.normalizeUpdate(ctx, "c", &oracle.PartialUpdate{NumberOfVictims: intptr(0)})
		if fields["number_of_victims"] != 0 {
			t.Errorf("number_of_victims = %v", fields["number_of_victims"])
		}
	})

	t.Run("medical emergency false is applied", func(t *testing.T) {
		fields := rec.normalizeUpdate(ctx, "c", &oracle.PartialUpdate{MedicalEmergency: boolptr(false)})
		if fields["medical_emergency"] != false {
			t.Errorf("medical_emergency = %v", fields["medical_emergency"])
		}
	})

	t.Run("summary maps to notes", func(t *testing.T) {
		fields := rec.normalizeUpdate(ctx, "c", &oracle.PartialUpdate{Summary: strptr("house fire reported")})
		if fields["notes"] != "house fire reported" {
			t.Errorf("notes = %v", fields["notes"])
		}
	})

	t.Run("notes wins over summary", func(t *testing.T) {
		fields := rec.normalizeUpdate(ctx, "c", &oracle.PartialUpdate{
			Summary: strptr("from summary"),
			Notes:   strptr("from notes"),
		})
		if fields["notes"] != "from notes" {
			t.Errorf("notes = %v", fields["notes"])
		}
	})

	t.Run("empty strings ignored", func(t *testing.T) {
		fields := rec.normalizeUpdate(ctx, "c", &oracle.PartialUpdate{CallerName: strptr("")})
		if len(fields) != 0 {
			t.Errorf("empty field produced output: %v", fields)
		}
	})
}

func TestApplyUpdate_EscalatesOnNewlyCritical(t *testing.T) {
	store := newFakeStore()
	store.calls["call-1"] = incident.NewCall("call-1")
	rec := newMergeReconciler(store, &fakeResolver{})
	esc := &fakeEscalator{}
	rec.SetEscalator(esc)

	if err := rec.applyUpdate(context.Background(), "call-1", &oracle.PartialUpdate{Priority: strptr("critical")}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if esc.count() != 1 {
		t.Fatalf("expected 1 escalation, got %d", esc.count())
	}

	// Already critical: a repeat round must not escalate again.
	if err := rec.applyUpdate(context.Background(), "call-1", &oracle.PartialUpdate{Notes: strptr("still bad")}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if esc.count() != 1 {
		t.Errorf("repeat critical round escalated again: %d", esc.count())
	}
}

func TestApplyUpdate_FieldHistoryRecorded(t *testing.T) {
	store := newFakeStore()
	store.calls["call-1"] = incident.NewCall("call-1")
	rec := newMergeReconciler(store, &fakeResolver{})

	err := rec.applyUpdate(context.Background(), "call-1", &oracle.PartialUpdate{
		IncidentType: strptr("Flood"),
		Priority:     strptr("high"),
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	store.mu.Lock()
	upserts := append([]upsertRecord(nil), store.upserts...)
	store.mu.Unlock()

	if len(upserts) != 2 {
		t.Fatalf("expected 2 field history rows, got %d", len(upserts))
	}
	seen := map[string]upsertRecord{}
	for _, u := range upserts {
		seen[u.field] = u
		if u.confidence != 0.85 {
			t.Errorf("field %s confidence = %f", u.field, u.confidence)
		}
		if u.field == "ai_confidence_avg" {
			t.Error("confidence aggregate must not get a history row")
		}
	}
	if seen["incident_type"].value != "Flood" || seen["priority"].value != "high" {
		t.Errorf("wrong history values: %v", seen)
	}
}

func TestApplyUpdate_StoreFailureSkipsHistory(t *testing.T) {
	store := newFakeStore()
	store.calls["call-1"] = incident.NewCall("call-1")
	store.updateErr = errors.New("connection reset")
	rec := newMergeReconciler(store, &fakeResolver{})

	err := rec.applyUpdate(context.Background(), "call-1", &oracle.PartialUpdate{Priority: strptr("high")})
	if err == nil {
		t.Fatal("expected error when the record write fails")
	}

	store.mu.Lock()
	upserts := len(store.upserts)
	store.mu.Unlock()
	if upserts != 0 {
		t.Errorf("field history written despite failed record write: %d rows", upserts)
	}
}

func TestApplyUpdate_AllFieldsRejectedIsNoOp(t *testing.T) {
	store := newFakeStore()
	store.calls["call-1"] = incident.NewCall("call-1")
	rec := newMergeReconciler(store, &fakeResolver{})

	err := rec.applyUpdate(context.Background(), "call-1", &oracle.PartialUpdate{
		WeaponsPresent:  strptr("probably"),
		NumberOfVictims: intptr(-4),
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	store.mu.Lock()
	updates := len(store.updates)
	store.mu.Unlock()
	if updates != 0 {
		t.Errorf("rejected-only round still wrote the record: %d updates", updates)
	}
}
