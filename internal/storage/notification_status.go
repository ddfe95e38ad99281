package storage

import (
	"context"
	"time"

	"github.com/jackc/pgx/v5/pgtype"
)

// NotificationStatus is a row of notification_statuses.
type NotificationStatus struct {
	RequestID string
	Channel   string
	Status    string
	Error     pgtype.Text
	UpdatedAt time.Time
}

// Querier is the set of status statements, for mocking.
type Querier interface {
	UpsertNotificationStatus(ctx context.Context, arg UpsertNotificationStatusParams) error
	GetNotificationStatus(ctx context.Context, requestID string) (NotificationStatus, error)
}

var _ Querier = (*Queries)(nil)

const upsertNotificationStatus = `
INSERT INTO notification_statuses (request_id, channel, status, error, updated_at)
VALUES ($1, $2, $3, $4, $5)
ON CONFLICT (request_id) DO UPDATE
SET channel = EXCLUDED.channel,
    status = EXCLUDED.status,
    error = EXCLUDED.error,
    updated_at = EXCLUDED.updated_at
WHERE notification_statuses.updated_at <= EXCLUDED.updated_at
`

// UpsertNotificationStatusParams holds the columns written by
// UpsertNotificationStatus.
type UpsertNotificationStatusParams struct {
	RequestID string
	Channel   string
	Status    string
	Error     pgtype.Text
	UpdatedAt time.Time
}

// UpsertNotificationStatus inserts or replaces a status row. An older
// UpdatedAt never overwrites a newer one.
func (q *Queries) UpsertNotificationStatus(ctx context.Context, arg UpsertNotificationStatusParams) error {
	_, err := q.db.Exec(ctx, upsertNotificationStatus,
		arg.RequestID,
		arg.Channel,
		arg.Status,
		arg.Error,
		arg.UpdatedAt,
	)
	return err
}

const getNotificationStatus = `
SELECT request_id, channel, status, error, updated_at
FROM notification_statuses
WHERE request_id = $1
`

func (q *Queries) GetNotificationStatus(ctx context.Context, requestID string) (NotificationStatus, error) {
	row := q.db.QueryRow(ctx, getNotificationStatus, requestID)
	var i NotificationStatus
	err := row.Scan(
		&i.RequestID,
		&i.Channel,
		&i.Status,
		&i.Error,
		&i.UpdatedAt,
	)
	return i, err
}
