package store

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/MikeSquared-Agency/sentinel/internal/bus"
	"github.com/MikeSquared-Agency/sentinel/internal/incident"
)

const callColumns = `
	id, call_id, status, priority,
	COALESCE(caller_name, ''), COALESCE(caller_phone, ''),
	source_type, COALESCE(incident_type, ''), COALESCE(location_text, ''),
	location_lat, location_lon, location_accuracy, impact_category,
	ai_confidence_avg, number_of_victims, weapons_present, medical_emergency,
	COALESCE(notes, ''), COALESCE(assigned_responder_id, ''),
	created_at, updated_at, started_at, closed_at`

func scanCall(row pgx.Row) (*incident.Call, error) {
	var c incident.Call
	err := row.Scan(
		&c.ID, &c.CallID, &c.Status, &c.Priority,
		&c.CallerName, &c.CallerPhone,
		&c.SourceType, &c.IncidentType, &c.LocationText,
		&c.LocationLat, &c.LocationLon, &c.LocationAccuracy, &c.ImpactCategory,
		&c.AIConfidenceAvg, &c.NumberOfVictims, &c.WeaponsPresent, &c.MedicalEmergency,
		&c.Notes, &c.AssignedTo,
		&c.CreatedAt, &c.UpdatedAt, &c.StartedAt, &c.ClosedAt,
	)
	if err != nil {
		return nil, err
	}
	return &c, nil
}

// GetCall fetches a call by its row id.
func (s *Store) GetCall(ctx context.Context, id uuid.UUID) (*incident.Call, error) {
	row := s.pool.QueryRow(ctx, `SELECT`+callColumns+` FROM calls WHERE id = $1`, id)
	c, err := scanCall(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get call: %w", err)
	}
	return c, nil
}

// GetCallByCallID fetches a call by the external correlation id. Returns
// nil, nil when no call exists — the reconciler may originate one.
func (s *Store) GetCallByCallID(ctx context.Context, callID string) (*incident.Call, error) {
	row := s.pool.QueryRow(ctx, `SELECT`+callColumns+` FROM calls WHERE call_id = $1`, callID)
	c, err := scanCall(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get call by call_id: %w", err)
	}
	return c, nil
}

// CreateCall inserts a new call record.
func (s *Store) CreateCall(ctx context.Context, c *incident.Call) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO calls (
			id, call_id, status, priority, caller_name, caller_phone,
			source_type, incident_type, location_text, location_lat, location_lon,
			location_accuracy, impact_category, ai_confidence_avg,
			number_of_victims, weapons_present, medical_emergency, notes,
			created_at, updated_at, started_at
		) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17,$18,now(),now(),$19)`,
		c.ID, c.CallID, c.Status, c.Priority, c.CallerName, c.CallerPhone,
		c.SourceType, c.IncidentType, c.LocationText, c.LocationLat, c.LocationLon,
		c.LocationAccuracy, c.ImpactCategory, c.AIConfidenceAvg,
		c.NumberOfVictims, c.WeaponsPresent, c.MedicalEmergency, c.Notes,
		c.StartedAt,
	)
	if err != nil {
		return fmt.Errorf("insert call: %w", err)
	}
	s.notifyUpdated(c.CallID, bus.SubjectCallUpdated(c.CallID), c)
	return nil
}

// StartCall creates or refreshes a call from the voice transport's
// call-start signal. Idempotent on the correlation id.
func (s *Store) StartCall(ctx context.Context, callID, incidentType, locationText string) (*incident.Call, error) {
	if incidentType == "" {
		incidentType = "Incoming Call..."
	}
	if locationText == "" {
		locationText = "Identifying..."
	}
	row := s.pool.QueryRow(ctx, `
		INSERT INTO calls (id, call_id, status, incident_type, location_text, source_type, started_at)
		VALUES ($1, $2, $3, $4, $5, 'web_voice', now())
		ON CONFLICT (call_id) DO UPDATE
			SET status = EXCLUDED.status, updated_at = now()
		RETURNING`+callColumns,
		uuid.New(), callID, incident.StatusAIHandling, incidentType, locationText,
	)
	c, err := scanCall(row)
	if err != nil {
		return nil, fmt.Errorf("start call: %w", err)
	}
	s.notifyUpdated(c.CallID, bus.SubjectCallUpdated(c.CallID), c)
	return c, nil
}

// Writable call columns for sparse updates. Field names arriving from
// the merge path are checked against this set, never interpolated raw.
var updatableCallColumns = map[string]bool{
	"caller_name":       true,
	"caller_phone":      true,
	"incident_type":     true,
	"location_text":     true,
	"location_lat":      true,
	"location_lon":      true,
	"location_accuracy": true,
	"priority":          true,
	"impact_category":   true,
	"ai_confidence_avg": true,
	"number_of_victims": true,
	"weapons_present":   true,
	"medical_emergency": true,
	"notes":             true,
	"status":            true,
}

// UpdateCallFields applies a sparse field map to one call in a single
// UPDATE statement. Absent fields are untouched. Returns the refreshed
// record.
func (s *Store) UpdateCallFields(ctx context.Context, id uuid.UUID, fields map[string]any) (*incident.Call, error) {
	if len(fields) == 0 {
		return s.GetCall(ctx, id)
	}

	names := make([]string, 0, len(fields))
	for name := range fields {
		if !updatableCallColumns[name] {
			return nil, fmt.Errorf("update call: unknown column %q", name)
		}
		names = append(names, name)
	}
	sort.Strings(names)

	sets := make([]string, 0, len(names)+1)
	args := make([]any, 0, len(names)+1)
	for i, name := range names {
		sets = append(sets, fmt.Sprintf("%s = $%d", name, i+1))
		args = append(args, fields[name])
	}
	sets = append(sets, "updated_at = now()")
	args = append(args, id)

	row := s.pool.QueryRow(ctx,
		fmt.Sprintf(`UPDATE calls SET %s WHERE id = $%d RETURNING %s`,
			strings.Join(sets, ", "), len(args), callColumns),
		args...,
	)
	c, err := scanCall(row)
	if err != nil {
		return nil, fmt.Errorf("update call: %w", err)
	}
	s.notifyUpdated(c.CallID, bus.SubjectCallUpdated(c.CallID), c)
	return c, nil
}

// UpdateCallFieldsByCallID is the correlation-id variant used by the
// location webhook, which never sees row ids.
func (s *Store) UpdateCallFieldsByCallID(ctx context.Context, callID string, fields map[string]any) (*incident.Call, error) {
	c, err := s.GetCallByCallID(ctx, callID)
	if err != nil {
		return nil, err
	}
	if c == nil {
		return nil, fmt.Errorf("update call: no call with call_id %q", callID)
	}
	return s.UpdateCallFields(ctx, c.ID, fields)
}

// CloseCall marks a call terminal. Further automated writes are the
// reconciler's responsibility to suppress.
func (s *Store) CloseCall(ctx context.Context, id uuid.UUID) (*incident.Call, error) {
	row := s.pool.QueryRow(ctx, `
		UPDATE calls SET status = $1, closed_at = now(), updated_at = now()
		WHERE id = $2
		RETURNING`+callColumns,
		incident.StatusClosed, id,
	)
	c, err := scanCall(row)
	if err != nil {
		return nil, fmt.Errorf("close call: %w", err)
	}
	s.notifyUpdated(c.CallID, bus.SubjectCallUpdated(c.CallID), c)
	return c, nil
}

// ListCalls returns recent calls for the dashboard, newest first.
func (s *Store) ListCalls(ctx context.Context, limit int) ([]incident.Call, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.pool.Query(ctx,
		`SELECT`+callColumns+` FROM calls ORDER BY started_at DESC LIMIT $1`, limit)
	if err != nil {
		return nil, fmt.Errorf("list calls: %w", err)
	}
	defer rows.Close()

	var calls []incident.Call
	for rows.Next() {
		c, err := scanCall(rows)
		if err != nil {
			return nil, fmt.Errorf("scan call: %w", err)
		}
		calls = append(calls, *c)
	}
	return calls, rows.Err()
}

// ListOpenCalls returns calls still live for reconciliation.
func (s *Store) ListOpenCalls(ctx context.Context) ([]incident.Call, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT`+callColumns+` FROM calls WHERE status <> $1 ORDER BY started_at DESC`,
		incident.StatusClosed)
	if err != nil {
		return nil, fmt.Errorf("list open calls: %w", err)
	}
	defer rows.Close()

	var calls []incident.Call
	for rows.Next() {
		c, err := scanCall(rows)
		if err != nil {
			return nil, fmt.Errorf("scan call: %w", err)
		}
		calls = append(calls, *c)
	}
	return calls, rows.Err()
}
