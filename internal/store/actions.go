package store

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/google/uuid"

	"github.com/MikeSquared-Agency/sentinel/internal/incident"
)

// AppendAction writes one operator audit entry. Append-only; nothing
// updates or deletes rows here.
func (s *Store) AppendAction(ctx context.Context, a *incident.CallAction) error {
	if a.ID == uuid.Nil {
		a.ID = uuid.New()
	}

	var data []byte
	if a.ActionData != nil {
		var err error
		data, err = json.Marshal(a.ActionData)
		if err != nil {
			return fmt.Errorf("marshal action data: %w", err)
		}
	}

	_, err := s.pool.Exec(ctx, `
		INSERT INTO call_actions (id, call_row_id, responder_id, action_type, action_data, reason, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, now())`,
		a.ID, a.CallRowID, a.ResponderID, a.ActionType, data, a.Reason,
	)
	if err != nil {
		return fmt.Errorf("insert call action: %w", err)
	}
	return nil
}

// ListActions returns a call's audit trail, oldest first.
func (s *Store) ListActions(ctx context.Context, callRowID uuid.UUID) ([]incident.CallAction, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, call_row_id, responder_id, action_type, action_data, COALESCE(reason, ''), created_at
		FROM call_actions
		WHERE call_row_id = $1
		ORDER BY created_at, id`,
		callRowID,
	)
	if err != nil {
		return nil, fmt.Errorf("list call actions: %w", err)
	}
	defer rows.Close()

	var actions []incident.CallAction
	for rows.Next() {
		var a incident.CallAction
		var data []byte
		if err := rows.Scan(&a.ID, &a.CallRowID, &a.ResponderID, &a.ActionType, &data, &a.Reason, &a.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan call action: %w", err)
		}
		if len(data) > 0 {
			if err := json.Unmarshal(data, &a.ActionData); err != nil {
				return nil, fmt.Errorf("parse action data: %w", err)
			}
		}
		actions = append(actions, a)
	}
	return actions, rows.Err()
}
