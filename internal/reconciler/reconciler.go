package reconciler

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/MikeSquared-Agency/sentinel/internal/geocode"
	"github.com/MikeSquared-Agency/sentinel/internal/incident"
	"github.com/MikeSquared-Agency/sentinel/internal/oracle"
	"github.com/MikeSquared-Agency/sentinel/internal/transcript"
)

// Oracle proposes sparse incident updates from conversation history.
type Oracle interface {
	Propose(ctx context.Context, callID string, utterances []transcript.Utterance) (*oracle.PartialUpdate, error)
}

// Resolver turns free-text locations into coordinates.
type Resolver interface {
	Resolve(ctx context.Context, text string) (*geocode.Pin, error)
}

// CallStore is the slice of the record store the reconciler writes through.
type CallStore interface {
	GetCallByCallID(ctx context.Context, callID string) (*incident.Call, error)
	CreateCall(ctx context.Context, c *incident.Call) error
	UpdateCallFields(ctx context.Context, id uuid.UUID, fields map[string]any) (*incident.Call, error)
	UpsertExtractedField(ctx context.Context, callRowID uuid.UUID, fieldName, fieldValue string, confidence float64) error
	AppendTranscriptBlock(ctx context.Context, b *incident.TranscriptBlock) error
}

// Escalator is notified when a call first reaches critical priority.
type Escalator interface {
	Escalated(ctx context.Context, call *incident.Call, reason string)
}

// Publisher emits bus events for escalations.
type Publisher interface {
	Publish(subject string, data any) error
}

// Options tune the analysis schedule.
type Options struct {
	// Debounce is the quiet window after the last utterance before an
	// analysis round fires. New utterances reset it.
	Debounce time.Duration
	// Throttle caps oracle-call frequency while the voice session is
	// connected. Lifted once the session ends so the final round always
	// runs immediately after the debounce.
	Throttle time.Duration
	// AnalysisTimeout bounds one round end to end; expiry counts as an
	// oracle failure.
	AnalysisTimeout time.Duration
	// RoundConfidence is recorded for every field applied in a round.
	RoundConfidence float64
}

func (o *Options) withDefaults() Options {
	out := *o
	if out.Debounce <= 0 {
		out.Debounce = time.Second
	}
	if out.Throttle <= 0 {
		out.Throttle = 3 * time.Second
	}
	if out.AnalysisTimeout <= 0 {
		out.AnalysisTimeout = 15 * time.Second
	}
	if out.RoundConfidence <= 0 {
		out.RoundConfidence = 0.85
	}
	return out
}

// callState is the per-call reconciliation record: in-flight guard,
// watermark, debounce timer and session flag, held in one inspectable
// structure rather than ambient state.
type callState struct {
	timer         *time.Timer
	analyzing     bool
	watermark     int
	lastRound     time.Time
	sessionActive bool
	halted        bool
}

// Reconciler owns the merge pipeline: it watches the transcript log,
// schedules throttled oracle rounds, and applies the resulting sparse
// updates to the incident record. One Reconciler serves all calls; all
// per-call flags live in states.
type Reconciler struct {
	mu     sync.Mutex
	states map[string]*callState

	log       *transcript.Log
	store     CallStore
	oracle    Oracle
	resolver  Resolver
	escalator Escalator
	publisher Publisher
	opts      Options
	logger    *slog.Logger
}

func New(log *transcript.Log, store CallStore, orc Oracle, resolver Resolver, opts Options, logger *slog.Logger) *Reconciler {
	return &Reconciler{
		states:   make(map[string]*callState),
		log:      log,
		store:    store,
		oracle:   orc,
		resolver: resolver,
		opts:     opts.withDefaults(),
		logger:   logger,
	}
}

// SetEscalator wires the optional escalation notifier.
func (r *Reconciler) SetEscalator(e Escalator) {
	r.escalator = e
}

// SetPublisher wires the optional bus for escalation events.
func (r *Reconciler) SetPublisher(p Publisher) {
	r.publisher = p
}

// state returns the per-call record, creating it on first sight. Callers
// must hold r.mu. A fresh call is assumed session-active: utterances only
// flow while the voice channel is connected.
func (r *Reconciler) state(callID string) *callState {
	st, ok := r.states[callID]
	if !ok {
		st = &callState{sessionActive: true}
		r.states[callID] = st
	}
	return st
}

// Observe records one utterance and (re)schedules analysis after the
// debounce window. No-op for halted calls.
func (r *Reconciler) Observe(callID string, u transcript.Utterance) {
	r.mu.Lock()
	st := r.state(callID)
	if st.halted {
		r.mu.Unlock()
		return
	}
	r.mu.Unlock()

	r.log.Append(callID, u)
	r.schedule(callID, r.opts.Debounce)
}

// SetSessionActive tracks voice-session connectivity for the throttle.
// Session end also schedules a final pass so nothing said near hang-up is
// lost to the throttle.
func (r *Reconciler) SetSessionActive(callID string, active bool) {
	r.mu.Lock()
	st := r.state(callID)
	if st.halted {
		r.mu.Unlock()
		return
	}
	st.sessionActive = active
	r.mu.Unlock()

	if !active {
		r.schedule(callID, r.opts.Debounce)
	}
}

// Halt makes the call terminal for automated updates and releases its
// transcript memory. Manual paths stay unaffected.
func (r *Reconciler) Halt(callID string) {
	r.mu.Lock()
	st := r.state(callID)
	st.halted = true
	if st.timer != nil {
		st.timer.Stop()
		st.timer = nil
	}
	r.mu.Unlock()

	r.log.Forget(callID)
	r.logger.Info("reconciliation halted", "call_id", callID)
}

func (r *Reconciler) schedule(callID string, d time.Duration) {
	r.mu.Lock()
	defer r.mu.Unlock()

	st := r.state(callID)
	if st.halted {
		return
	}
	if st.timer != nil {
		st.timer.Stop()
	}
	st.timer = time.AfterFunc(d, func() {
		r.analyze(callID)
	})
}

// analyze is the debounce-timer callback: it decides whether a round is
// warranted and runs it. At most one round is in flight per call.
func (r *Reconciler) analyze(callID string) {
	r.mu.Lock()
	st := r.state(callID)
	if st.halted || st.analyzing {
		r.mu.Unlock()
		return
	}

	snapshot := r.log.Snapshot(callID)
	count := len(snapshot)
	if count == 0 || count == st.watermark {
		r.mu.Unlock()
		return
	}

	if st.sessionActive {
		if wait := r.opts.Throttle - time.Since(st.lastRound); wait > 0 {
			if st.timer != nil {
				st.timer.Stop()
			}
			st.timer = time.AfterFunc(wait, func() {
				r.analyze(callID)
			})
			r.mu.Unlock()
			return
		}
	}

	st.analyzing = true
	st.lastRound = time.Now()
	r.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), r.opts.AnalysisTimeout)
	defer cancel()

	err := r.runRound(ctx, callID, snapshot)

	r.mu.Lock()
	st.analyzing = false
	// The watermark advances even when the round failed: a transient
	// oracle error must not retry-storm, it waits for the next utterance.
	st.watermark = count
	pending := !st.halted && r.log.Count(callID) > count
	r.mu.Unlock()

	if err != nil {
		r.logger.Error("analysis round failed", "call_id", callID, "utterances", count, "error", err)
	}
	if pending {
		// Utterances arrived mid-flight; they belong to the next round.
		r.schedule(callID, r.opts.Debounce)
	}
}

func (r *Reconciler) runRound(ctx context.Context, callID string, snapshot []transcript.Utterance) error {
	upd, err := r.oracle.Propose(ctx, callID, snapshot)
	if err != nil {
		return err
	}
	if upd == nil || upd.Empty() {
		r.logger.Debug("no update this round", "call_id", callID)
		return nil
	}
	return r.applyUpdate(ctx, callID, upd)
}
