package status

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgtype"

	"github.com/sungwon/email-notifier/internal/storage"
)

type statusUpserter interface {
	UpsertNotificationStatus(ctx context.Context, arg storage.UpsertNotificationStatusParams) error
}

// PostgresSink keeps one row per request in notification_statuses.
type PostgresSink struct {
	q statusUpserter
}

// NewPostgresSink creates a PostgresSink.
func NewPostgresSink(q statusUpserter) *PostgresSink {
	return &PostgresSink{q: q}
}

func (s *PostgresSink) Name() string { return "postgres" }

func (s *PostgresSink) Write(ctx context.Context, rec Record) error {
	err := s.q.UpsertNotificationStatus(ctx, storage.UpsertNotificationStatusParams{
		RequestID: rec.RequestID,
		Channel:   "email",
		Status:    string(rec.Status),
		Error:     pgtype.Text{String: rec.Error, Valid: rec.Error != ""},
		UpdatedAt: rec.UpdatedAt,
	})
	if err != nil {
		return fmt.Errorf("upsert status %s: %w", rec.RequestID, err)
	}
	return nil
}
