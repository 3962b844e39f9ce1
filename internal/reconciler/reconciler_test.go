package reconciler

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/MikeSquared-Agency/sentinel/internal/geocode"
	"github.com/MikeSquared-Agency/sentinel/internal/incident"
	"github.com/MikeSquared-Agency/sentinel/internal/oracle"
	"github.com/MikeSquared-Agency/sentinel/internal/transcript"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelError}))
}

// fakeOracle returns queued updates in order and records every round's
// snapshot. gate, when set, blocks each Propose until released.
type fakeOracle struct {
	mu      sync.Mutex
	rounds  [][]transcript.Utterance
	queue   []*oracle.PartialUpdate
	errs    []error
	gate    chan struct{}
	inRound int
	maxIn   int
}

func (f *fakeOracle) Propose(ctx context.Context, callID string, utterances []transcript.Utterance) (*oracle.PartialUpdate, error) {
	f.mu.Lock()
	f.inRound++
	if f.inRound > f.maxIn {
		f.maxIn = f.inRound
	}
	f.rounds = append(f.rounds, utterances)
	n := len(f.rounds) - 1
	gate := f.gate
	f.mu.Unlock()

	if gate != nil {
		<-gate
	}

	f.mu.Lock()
	f.inRound--
	var upd *oracle.PartialUpdate
	if n < len(f.queue) {
		upd = f.queue[n]
	}
	var err error
	if n < len(f.errs) {
		err = f.errs[n]
	}
	f.mu.Unlock()
	return upd, err
}

func (f *fakeOracle) calls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.rounds)
}

func (f *fakeOracle) round(i int) []transcript.Utterance {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.rounds[i]
}

type fakeResolver struct {
	mu      sync.Mutex
	pin     *geocode.Pin
	err     error
	queries []string
}

func (f *fakeResolver) Resolve(ctx context.Context, text string) (*geocode.Pin, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.queries = append(f.queries, text)
	return f.pin, f.err
}

type upsertRecord struct {
	field      string
	value      string
	confidence float64
}

// fakeStore keeps calls in memory keyed by external call id and applies
// UpdateCallFields the same way the origination path does.
type fakeStore struct {
	mu        sync.Mutex
	calls     map[string]*incident.Call
	created   []*incident.Call
	updates   []map[string]any
	upserts   []upsertRecord
	blocks    []*incident.TranscriptBlock
	updateErr error
}

func newFakeStore() *fakeStore {
	return &fakeStore{calls: make(map[string]*incident.Call)}
}

func (f *fakeStore) GetCallByCallID(ctx context.Context, callID string) (*incident.Call, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[callID], nil
}

func (f *fakeStore) CreateCall(ctx context.Context, c *incident.Call) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls[c.CallID] = c
	f.created = append(f.created, c)
	return nil
}

func (f *fakeStore) UpdateCallFields(ctx context.Context, id uuid.UUID, fields map[string]any) (*incident.Call, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.updateErr != nil {
		return nil, f.updateErr
	}
	f.updates = append(f.updates, fields)
	for _, c := range f.calls {
		if c.ID == id {
			applyToCall(c, fields)
			return c, nil
		}
	}
	return nil, errors.New("call not found")
}

func (f *fakeStore) UpsertExtractedField(ctx context.Context, callRowID uuid.UUID, fieldName, fieldValue string, confidence float64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.upserts = append(f.upserts, upsertRecord{field: fieldName, value: fieldValue, confidence: confidence})
	return nil
}

func (f *fakeStore) AppendTranscriptBlock(ctx context.Context, b *incident.TranscriptBlock) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.blocks = append(f.blocks, b)
	return nil
}

func (f *fakeStore) get(callID string) *incident.Call {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[callID]
}

type fakeEscalator struct {
	mu      sync.Mutex
	reasons []string
}

func (f *fakeEscalator) Escalated(ctx context.Context, call *incident.Call, reason string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.reasons = append(f.reasons, reason)
}

func (f *fakeEscalator) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.reasons)
}

func strptr(s string) *string { return &s }
func intptr(n int) *int       { return &n }
func boolptr(b bool) *bool    { return &b }

// waitFor polls until cond holds or the deadline passes.
func waitFor(t *testing.T, cond func() bool, msg string) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal(msg)
}

func newTestReconciler(store *fakeStore, orc *fakeOracle, res *fakeResolver) *Reconciler {
	return New(transcript.NewLog(), store, orc, res, Options{
		Debounce:        20 * time.Millisecond,
		Throttle:        time.Millisecond,
		AnalysisTimeout: 2 * time.Second,
		RoundConfidence: 0.85,
	}, testLogger())
}

func say(text string) transcript.Utterance {
	return transcript.Utterance{Speaker: incident.SpeakerCaller, Text: text, TimestampISO: "2026-08-29T12:00:00Z"}
}

func TestDebounceCoalescesBurst(t *testing.T) {
	store := newFakeStore()
	orc := &fakeOracle{}
	rec := newTestReconciler(store, orc, &fakeResolver{})

	for _, text := range []string{"there's", "a fire", "at", "123", "Main Street"} {
		rec.Observe("call-1", say(text))
		time.Sleep(2 * time.Millisecond)
	}

	waitFor(t, func() bool { return orc.calls() >= 1 }, "analysis round never fired")
	// Settle long enough for any stray extra round to fire.
	time.Sleep(100 * time.Millisecond)

	if got := orc.calls(); got != 1 {
		t.Fatalf("expected exactly 1 oracle round for the burst, got %d", got)
	}
	if got := len(orc.round(0)); got != 5 {
		t.Errorf("round should see all 5 utterances, got %d", got)
	}
}

func TestWatermarkSkipsRepeatRounds(t *testing.T) {
	store := newFakeStore()
	orc := &fakeOracle{}
	rec := newTestReconciler(store, orc, &fakeResolver{})

	rec.Observe("call-1", say("help"))
	waitFor(t, func() bool { return orc.calls() == 1 }, "first round never fired")

	// Session end reschedules a pass, but no new utterances arrived, so
	// the watermark suppresses a second oracle call.
	rec.SetSessionActive("call-1", false)
	time.Sleep(100 * time.Millisecond)

	if got := orc.calls(); got != 1 {
		t.Errorf("expected no repeat round without new utterances, got %d", got)
	}
}

func TestWatermarkAdvancesOnFailure(t *testing.T) {
	store := newFakeStore()
	orc := &fakeOracle{errs: []error{errors.New("model overloaded")}}
	rec := newTestReconciler(store, orc, &fakeResolver{})

	rec.Observe("call-1", say("help"))
	waitFor(t, func() bool { return orc.calls() == 1 }, "first round never fired")

	// The failed round must not retry on its own.
	rec.SetSessionActive("call-1", false)
	time.Sleep(100 * time.Millisecond)
	if got := orc.calls(); got != 1 {
		t.Fatalf("failed round retried without new input: %d calls", got)
	}

	// A new utterance re-arms analysis.
	rec.Observe("call-1", say("there's been a crash"))
	waitFor(t, func() bool { return orc.calls() == 2 }, "round after failure never fired")
}

func TestSingleRoundInFlight(t *testing.T) {
	store := newFakeStore()
	orc := &fakeOracle{gate: make(chan struct{})}
	rec := newTestReconciler(store, orc, &fakeResolver{})

	rec.Observe("call-1", say("first"))
	waitFor(t, func() bool { return orc.calls() == 1 }, "first round never started")

	// Arrivals while the oracle is in flight must not start a second round.
	rec.Observe("call-1", say("second"))
	rec.Observe("call-1", say("third"))
	time.Sleep(60 * time.Millisecond)
	if got := orc.calls(); got != 1 {
		t.Fatalf("second round started while first was in flight: %d", got)
	}

	close(orc.gate)

	// Mid-flight arrivals trigger a follow-up round covering everything.
	waitFor(t, func() bool { return orc.calls() == 2 }, "follow-up round never fired")
	if got := len(orc.round(1)); got != 3 {
		t.Errorf("follow-up round should see all 3 utterances, got %d", got)
	}

	orc.mu.Lock()
	maxIn := orc.maxIn
	orc.mu.Unlock()
	if maxIn > 1 {
		t.Errorf("observed %d concurrent rounds for one call", maxIn)
	}
}

func TestThrottleDelaysWhileSessionActive(t *testing.T) {
	store := newFakeStore()
	orc := &fakeOracle{}
	rec := New(transcript.NewLog(), store, orc, &fakeResolver{}, Options{
		Debounce:        10 * time.Millisecond,
		Throttle:        300 * time.Millisecond,
		AnalysisTimeout: 2 * time.Second,
		RoundConfidence: 0.85,
	}, testLogger())

	rec.Observe("call-1", say("first"))
	waitFor(t, func() bool { return orc.calls() == 1 }, "first round never fired")

	rec.Observe("call-1", say("second"))
	time.Sleep(100 * time.Millisecond)
	if got := orc.calls(); got != 1 {
		t.Fatalf("throttle ignored: %d rounds inside the window", got)
	}

	// Session end lifts the throttle; the pending round runs promptly.
	rec.SetSessionActive("call-1", false)
	waitFor(t, func() bool { return orc.calls() == 2 }, "final round never fired after session end")
}

func TestHaltStopsPipeline(t *testing.T) {
	store := newFakeStore()
	orc := &fakeOracle{}
	rec := newTestReconciler(store, orc, &fakeResolver{})

	rec.Halt("call-1")
	rec.Observe("call-1", say("too late"))
	time.Sleep(80 * time.Millisecond)

	if got := orc.calls(); got != 0 {
		t.Errorf("halted call still analyzed: %d rounds", got)
	}
	if got := rec.log.Count("call-1"); got != 0 {
		t.Errorf("halted call retained %d utterances", got)
	}
}

func TestClosedCallHaltsOnMerge(t *testing.T) {
	store := newFakeStore()
	closed := incident.NewCall("call-1")
	closed.Status = incident.StatusClosed
	store.calls["call-1"] = closed

	orc := &fakeOracle{queue: []*oracle.PartialUpdate{
		{Priority: strptr("critical")},
	}}
	rec := newTestReconciler(store, orc, &fakeResolver{})

	rec.Observe("call-1", say("anything"))
	waitFor(t, func() bool { return orc.calls() == 1 }, "round never fired")
	time.Sleep(50 * time.Millisecond)

	store.mu.Lock()
	updates := len(store.updates)
	store.mu.Unlock()
	if updates != 0 {
		t.Errorf("closed call was updated %d times", updates)
	}
	if store.get("call-1").Priority == incident.PriorityCritical {
		t.Error("closed call priority changed")
	}

	// The call is now halted; further utterances are dropped.
	rec.Observe("call-1", say("still talking"))
	time.Sleep(80 * time.Millisecond)
	if got := orc.calls(); got != 1 {
		t.Errorf("halted call re-analyzed: %d rounds", got)
	}
}

func TestIngestPersistsTranscript(t *testing.T) {
	store := newFakeStore()
	existing := incident.NewCall("call-1")
	store.calls["call-1"] = existing

	orc := &fakeOracle{}
	rec := newTestReconciler(store, orc, &fakeResolver{})

	rec.Ingest(context.Background(), "call-1", transcript.Utterance{
		Speaker: incident.SpeakerCaller,
		Text:    "there's a flood",
	})

	store.mu.Lock()
	blocks := len(store.blocks)
	var block *incident.TranscriptBlock
	if blocks > 0 {
		block = store.blocks[0]
	}
	store.mu.Unlock()

	if blocks != 1 {
		t.Fatalf("expected 1 persisted block, got %d", blocks)
	}
	if block.CallRowID != existing.ID {
		t.Error("block not linked to the call row")
	}
	if block.TimestampISO == "" {
		t.Error("missing timestamp should be defaulted")
	}

	waitFor(t, func() bool { return orc.calls() == 1 }, "ingest did not feed the pipeline")
}

func TestIngestUnknownCallStillObserved(t *testing.T) {
	store := newFakeStore()
	orc := &fakeOracle{queue: []*oracle.PartialUpdate{
		{IncidentType: strptr("Flood")},
	}}
	rec := newTestReconciler(store, orc, &fakeResolver{})

	rec.Ingest(context.Background(), "call-9", transcript.Utterance{
		Speaker: incident.SpeakerCaller,
		Text:    "water everywhere",
	})

	waitFor(t, func() bool { return store.get("call-9") != nil }, "call never originated")
	if got := store.get("call-9").IncidentType; got != "Flood" {
		t.Errorf("originated call missing extracted field: %q", got)
	}
}

// Full pipeline pass: a burst of caller utterances, one extraction round,
// geocoded location, record originated with the merged fields.
func TestFireAtMainStreetScenario(t *testing.T) {
	store := newFakeStore()
	orc := &fakeOracle{queue: []*oracle.PartialUpdate{{
		IncidentType: strptr("Structure Fire"),
		LocationText: strptr("123 Main Street"),
		Priority:     strptr("high"),
		Summary:      strptr("caller reports a house fire, everyone evacuated"),
	}}}
	res := &fakeResolver{pin: &geocode.Pin{Lat: 40.7128, Lng: -74.006, FormattedAddress: "123 Main St, Springfield"}}
	rec := newTestReconciler(store, orc, res)

	for _, text := range []string{"hello", "there's a fire", "at 123 Main Street", "everyone's out of the house"} {
		rec.Observe("call-1", say(text))
		time.Sleep(2 * time.Millisecond)
	}

	waitFor(t, func() bool { return store.get("call-1") != nil }, "call never originated")

	got := store.get("call-1")
	if got.IncidentType != "Structure Fire" {
		t.Errorf("incident type = %q", got.IncidentType)
	}
	if got.Priority != "high" {
		t.Errorf("priority = %q", got.Priority)
	}
	if got.LocationText != "123 Main St, Springfield" {
		t.Errorf("location not geocoded: %q", got.LocationText)
	}
	if got.LocationLat == nil || *got.LocationLat != 40.7128 {
		t.Errorf("latitude = %v", got.LocationLat)
	}
	if got.Notes != "caller reports a house fire, everyone evacuated" {
		t.Errorf("summary not aliased to notes: %q", got.Notes)
	}
	if got.AIConfidenceAvg != 0.85 {
		t.Errorf("round confidence = %f", got.AIConfidenceAvg)
	}
	if got.CallerName != "Anonymous" {
		t.Errorf("origination default missing: %q", got.CallerName)
	}

	if orc.calls() != 1 {
		t.Errorf("expected 1 extraction round, got %d", orc.calls())
	}

	store.mu.Lock()
	upserts := len(store.upserts)
	store.mu.Unlock()
	// incident_type, location_text, location_lat, location_lon, priority, notes
	if upserts != 6 {
		t.Errorf("expected 6 field history rows, got %d", upserts)
	}
}

func TestOptionsDefaults(t *testing.T) {
	o := (&Options{}).withDefaults()
	if o.Debounce != time.Second {
		t.Errorf("default debounce = %s", o.Debounce)
	}
	if o.Throttle != 3*time.Second {
		t.Errorf("default throttle = %s", o.Throttle)
	}
	if o.AnalysisTimeout != 15*time.Second {
		t.Errorf("default analysis timeout = %s", o.AnalysisTimeout)
	}
	if o.RoundConfidence != 0.85 {
		t.Errorf("default round confidence = %f", o.RoundConfidence)
	}
}
