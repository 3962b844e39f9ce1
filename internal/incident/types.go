package incident

import (
	"time"

	"github.com/google/uuid"
)

// Call lifecycle status.
const (
	StatusAIHandling  = "ai_handling"
	StatusHumanActive = "human_active"
	StatusClosed      = "closed"
)

// Call priority. Always one of these four values, never an
// oracle-supplied free string.
const (
	PriorityLow      = "low"
	PriorityMedium   = "medium"
	PriorityHigh     = "high"
	PriorityCritical = "critical"
)

// Impact category.
const (
	ImpactNone   = "None"
	ImpactLow    = "Low"
	ImpactMedium = "Medium"
	ImpactHigh   = "High"
)

// Weapons-present values.
const (
	WeaponsYes     = "yes"
	WeaponsNo      = "no"
	WeaponsUnknown = "unknown"
)

// Transcript speaker roles.
const (
	SpeakerCaller    = "caller"
	SpeakerAI        = "ai"
	SpeakerResponder = "responder"
)

// Operator action types.
const (
	ActionDispatch  = "dispatch"
	ActionNote      = "note"
	ActionFieldEdit = "field_edit"
	ActionTransfer  = "transfer"
	ActionMarkSafe  = "mark_safe"
	ActionEscalate  = "escalate"
	ActionClose     = "close"
)

// Call is the mutable emergency-call record under reconciliation.
// CallID is the external correlation id supplied by the voice transport;
// ID is the store's row identity.
type Call struct {
	ID               uuid.UUID  `json:"id"`
	CallID           string     `json:"call_id"`
	Status           string     `json:"status"`
	Priority         string     `json:"priority"`
	CallerName       string     `json:"caller_name,omitempty"`
	CallerPhone      string     `json:"caller_phone,omitempty"`
	SourceType       string     `json:"source_type"`
	IncidentType     string     `json:"incident_type,omitempty"`
	LocationText     string     `json:"location_text,omitempty"`
	LocationLat      *float64   `json:"location_lat,omitempty"`
	LocationLon      *float64   `json:"location_lon,omitempty"`
	LocationAccuracy string     `json:"location_accuracy"`
	ImpactCategory   string     `json:"impact_category"`
	AIConfidenceAvg  float64    `json:"ai_confidence_avg"`
	NumberOfVictims  int        `json:"number_of_victims"`
	WeaponsPresent   string     `json:"weapons_present"`
	MedicalEmergency bool       `json:"medical_emergency"`
	Notes            string     `json:"notes,omitempty"`
	AssignedTo       string     `json:"assigned_responder_id,omitempty"`
	CreatedAt        time.Time  `json:"created_at"`
	UpdatedAt        time.Time  `json:"updated_at"`
	StartedAt        time.Time  `json:"started_at"`
	ClosedAt         *time.Time `json:"closed_at,omitempty"`
}

// Closed reports whether the call is terminal for automated updates.
func (c *Call) Closed() bool {
	return c.Status == StatusClosed || c.ClosedAt != nil
}

// NewCall returns a call record with the defaults used when the
// reconciler has to originate a record mid-conversation.
func NewCall(callID string) *Call {
	now := time.Now().UTC()
	return &Call{
		ID:               uuid.New(),
		CallID:           callID,
		Status:           StatusAIHandling,
		Priority:         PriorityMedium,
		CallerName:       "Anonymous",
		SourceType:       "web_voice",
		IncidentType:     "Unknown",
		LocationText:     "Identifying...",
		LocationAccuracy: "approximate",
		ImpactCategory:   ImpactNone,
		WeaponsPresent:   WeaponsUnknown,
		NumberOfVictims:  0,
		CreatedAt:        now,
		UpdatedAt:        now,
		StartedAt:        now,
	}
}

// TranscriptBlock is one persisted speaker turn.
type TranscriptBlock struct {
	ID           uuid.UUID `json:"id"`
	CallRowID    uuid.UUID `json:"call_row_id"`
	Speaker      string    `json:"speaker"`
	Text         string    `json:"text"`
	TimestampISO string    `json:"timestamp_iso"`
	Tags         []string  `json:"tags,omitempty"`
	CreatedAt    time.Time `json:"created_at"`
}

// ExtractedField is the latest known value for one (call, field) pair.
// At most one current row exists per field per call; the prior value is
// kept in PreviousValue rather than a full history list.
type ExtractedField struct {
	ID            uuid.UUID `json:"id"`
	CallRowID     uuid.UUID `json:"call_row_id"`
	FieldName     string    `json:"field_name"`
	FieldValue    string    `json:"field_value"`
	Confidence    float64   `json:"confidence"`
	VerifiedBy    string    `json:"verified_by,omitempty"`
	PreviousValue string    `json:"previous_value,omitempty"`
	UpdatedAt     time.Time `json:"updated_at"`
}

// CallAction is one append-only operator audit entry.
type CallAction struct {
	ID          uuid.UUID      `json:"id"`
	CallRowID   uuid.UUID      `json:"call_row_id"`
	ResponderID string         `json:"responder_id"`
	ActionType  string         `json:"action_type"`
	ActionData  map[string]any `json:"action_data,omitempty"`
	Reason      string         `json:"reason,omitempty"`
	CreatedAt   time.Time      `json:"created_at"`
}
