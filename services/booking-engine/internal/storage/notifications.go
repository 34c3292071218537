package storage

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/careslot/careslot/services/booking-engine/internal/model"
)

// InsertNotifications writes a batch of scheduled messages. Runs outside the
// booking transaction: scheduling is best-effort and must not roll back an
// already-committed booking.
func (s *Store) InsertNotifications(ctx context.Context, notifications []model.Notification) error {
	for _, n := range notifications {
		_, err := s.db.Exec(ctx, `
			INSERT INTO notifications (appointment_id, type, channel, recipient, scheduled_at)
			VALUES ($1, $2, $3, $4, $5)
		`, n.AppointmentID, n.Type, n.Channel, n.Recipient, n.ScheduledAt)
		if err != nil {
			return err
		}
	}
	return nil
}

func (s *Store) GetNotification(ctx context.Context, notificationID int64) (model.Notification, error) {
	var n model.Notification
	var sentAt *time.Time
	var lastError *string
	err := s.db.QueryRow(ctx, `
		SELECT id, appointment_id, type, channel, recipient, scheduled_at, sent_at, last_error, created_at
		FROM notifications
		WHERE id = $1
	`, notificationID).Scan(
		&n.ID,
		&n.AppointmentID,
		&n.Type,
		&n.Channel,
		&n.Recipient,
		&n.ScheduledAt,
		&sentAt,
		&lastError,
		&n.CreatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return model.Notification{}, model.ErrNotFound
		}
		return model.Notification{}, err
	}
	n.SentAt = sentAt
	if lastError != nil {
		n.LastError = *lastError
	}
	return n, nil
}

// MarkNotificationSent stamps sent_at, guarded so an already-sent row is never
// overwritten. Returns false when another sender won the race.
func (s *Store) MarkNotificationSent(ctx context.Context, notificationID int64, at time.Time) (bool, error) {
	tag, err := s.db.Exec(ctx, `
		UPDATE notifications
		SET sent_at = $2, last_error = NULL
		WHERE id = $1 AND sent_at IS NULL
	`, notificationID, at)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() == 1, nil
}

// RecordNotificationError keeps the row retryable: the error is stored but
// sent_at stays unset.
func (s *Store) RecordNotificationError(ctx context.Context, notificationID int64, message string) error {
	_, err := s.db.Exec(ctx, `
		UPDATE notifications
		SET last_error = $2
		WHERE id = $1 AND sent_at IS NULL
	`, notificationID, message)
	return err
}

// DueNotificationIDs lists unsent notifications whose scheduled time has
// arrived, oldest first. The dispatcher feeds these to the idempotent sender.
func (s *Store) DueNotificationIDs(ctx context.Context, now time.Time, limit int) ([]int64, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.Query(ctx, `
		SELECT id
		FROM notifications
		WHERE sent_at IS NULL AND scheduled_at <= $1
		ORDER BY scheduled_at ASC
		LIMIT $2
	`, now, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var ids []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	if rows.Err() != nil {
		return nil, rows.Err()
	}
	return ids, nil
}
