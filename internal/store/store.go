package store

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/jackc/pgx/v5/pgxpool"
)

// Publisher receives change notifications after successful writes. The
// bus client satisfies this; tests use fakes.
type Publisher interface {
	Publish(subject string, data any) error
}

type Store struct {
	pool      *pgxpool.Pool
	publisher Publisher
	logger    *slog.Logger
}

func New(ctx context.Context, databaseURL string, logger *slog.Logger) (*Store, error) {
	pool, err := pgxpool.New(ctx, databaseURL)
	if err != nil {
		return nil, fmt.Errorf("connect to database: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		return nil, fmt.Errorf("ping database: %w", err)
	}
	return &Store{pool: pool, logger: logger}, nil
}

// SetPublisher wires the change-notification channel. Optional; without
// it the store is write-only from the dashboard's point of view.
func (s *Store) SetPublisher(p Publisher) {
	s.publisher = p
}

func (s *Store) Close() {
	s.pool.Close()
}

// notifyUpdated publishes a per-call change notification. Failures are
// logged, never surfaced: notification is best-effort and must not fail
// the write that triggered it.
func (s *Store) notifyUpdated(callID string, subject string, payload any) {
	if s.publisher == nil {
		return
	}
	if err := s.publisher.Publish(subject, payload); err != nil {
		s.logger.Warn("change notification failed", "call_id", callID, "error", err)
	}
}
