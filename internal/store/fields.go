package store

import (
	"context"
	"fmt"

	"github.com/google/uuid"

	"github.com/MikeSquared-Agency/sentinel/internal/incident"
)

// UpsertExtractedField records the latest value for one (call, field)
// pair. On conflict the prior value moves into previous_value, keeping a
// one-step history without a separate log table.
func (s *Store) UpsertExtractedField(ctx context.Context, callRowID uuid.UUID, fieldName, fieldValue string, confidence float64) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO extracted_fields (id, call_row_id, field_name, field_value, confidence, updated_at)
		VALUES ($1, $2, $3, $4, $5, now())
		ON CONFLICT (call_row_id, field_name) DO UPDATE SET
			previous_value = extracted_fields.field_value,
			field_value    = EXCLUDED.field_value,
			confidence     = EXCLUDED.confidence,
			updated_at     = now()`,
		uuid.New(), callRowID, fieldName, fieldValue, confidence,
	)
	if err != nil {
		return fmt.Errorf("upsert extracted field %s: %w", fieldName, err)
	}
	return nil
}

// ListExtractedFields returns the current value rows for a call.
func (s *Store) ListExtractedFields(ctx context.Context, callRowID uuid.UUID) ([]incident.ExtractedField, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, call_row_id, field_name, field_value, confidence,
		       COALESCE(verified_by, ''), COALESCE(previous_value, ''), updated_at
		FROM extracted_fields
		WHERE call_row_id = $1
		ORDER BY field_name`,
		callRowID,
	)
	if err != nil {
		return nil, fmt.Errorf("list extracted fields: %w", err)
	}
	defer rows.Close()

	var fields []incident.ExtractedField
	for rows.Next() {
		var f incident.ExtractedField
		if err := rows.Scan(&f.ID, &f.CallRowID, &f.FieldName, &f.FieldValue,
			&f.Confidence, &f.VerifiedBy, &f.PreviousValue, &f.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan extracted field: %w", err)
		}
		fields = append(fields, f)
	}
	return fields, rows.Err()
}
