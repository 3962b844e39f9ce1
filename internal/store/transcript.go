package store

import (
	"context"
	"fmt"

	"github.com/google/uuid"

	"github.com/MikeSquared-Agency/sentinel/internal/incident"
)

// AppendTranscriptBlock persists one speaker turn. Append-only.
func (s *Store) AppendTranscriptBlock(ctx context.Context, b *incident.TranscriptBlock) error {
	if b.ID == uuid.Nil {
		b.ID = uuid.New()
	}
	_, err := s.pool.Exec(ctx, `
		INSERT INTO transcript_blocks (id, call_row_id, speaker, text, timestamp_iso, tags, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, now())`,
		b.ID, b.CallRowID, b.Speaker, b.Text, b.TimestampISO, b.Tags,
	)
	if err != nil {
		return fmt.Errorf("insert transcript block: %w", err)
	}
	return nil
}

// ListTranscriptBlocks returns a call's transcript in insertion order.
func (s *Store) ListTranscriptBlocks(ctx context.Context, callRowID uuid.UUID) ([]incident.TranscriptBlock, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, call_row_id, speaker, text, timestamp_iso, COALESCE(tags, '{}'), created_at
		FROM transcript_blocks
		WHERE call_row_id = $1
		ORDER BY created_at, id`,
		callRowID,
	)
	if err != nil {
		return nil, fmt.Errorf("list transcript blocks: %w", err)
	}
	defer rows.Close()

	var blocks []incident.TranscriptBlock
	for rows.Next() {
		var b incident.TranscriptBlock
		if err := rows.Scan(&b.ID, &b.CallRowID, &b.Speaker, &b.Text, &b.TimestampISO, &b.Tags, &b.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan transcript block: %w", err)
		}
		blocks = append(blocks, b)
	}
	return blocks, rows.Err()
}
