package transcript

import "sync"

// Utterance is one speaker turn as delivered by the voice transport.
type Utterance struct {
	Speaker      string   `json:"speaker"`
	Text         string   `json:"text"`
	TimestampISO string   `json:"timestamp_iso"`
	Tags         []string `json:"tags,omitempty"`
}

// Log collects utterances per call in arrival order. No reordering by
// timestamp and no dedup happen here: the reconciler keys "new
// information" off utterance count, so arrival order is the contract.
type Log struct {
	mu     sync.RWMutex
	byCall map[string][]Utterance
}

func NewLog() *Log {
	return &Log{byCall: make(map[string][]Utterance)}
}

// Append records an utterance for a call.
func (l *Log) Append(callID string, u Utterance) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.byCall[callID] = append(l.byCall[callID], u)
}

// Snapshot returns a point-in-time copy of the call's utterances, safe to
// hand to the oracle while new utterances keep arriving.
func (l *Log) Snapshot(callID string) []Utterance {
	l.mu.RLock()
	defer l.mu.RUnlock()
	src := l.byCall[callID]
	out := make([]Utterance, len(src))
	copy(out, src)
	return out
}

// Count returns the number of utterances observed for a call.
func (l *Log) Count(callID string) int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return len(l.byCall[callID])
}

// Forget drops a call's utterances once the call is closed.
func (l *Log) Forget(callID string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.byCall, callID)
}
