package storage

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/careslot/careslot/services/booking-engine/internal/model"
)

const appointmentColumns = `id, tenant_id, provider_id, service_id, slot_id, start_time, end_time,
		first_name, last_name, email, phone, external_event_id, status, source, created_by,
		COALESCE(cancellation_reason, ''), cancelled_at, created_at`

func scanAppointment(row pgx.Row) (model.Appointment, error) {
	var a model.Appointment
	var cancelledAt *time.Time
	err := row.Scan(
		&a.ID,
		&a.TenantID,
		&a.ProviderID,
		&a.ServiceID,
		&a.SlotID,
		&a.StartTime,
		&a.EndTime,
		&a.FirstName,
		&a.LastName,
		&a.Email,
		&a.Phone,
		&a.ExternalEventID,
		&a.Status,
		&a.Source,
		&a.CreatedBy,
		&a.CancelReason,
		&cancelledAt,
		&a.CreatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return model.Appointment{}, model.ErrNotFound
		}
		return model.Appointment{}, err
	}
	a.CancelledAt = cancelledAt
	return a, nil
}

func (s *Store) GetAppointment(ctx context.Context, appointmentID string) (model.Appointment, error) {
	return scanAppointment(s.db.QueryRow(ctx, `
		SELECT `+appointmentColumns+`
		FROM appointments
		WHERE id = $1
	`, appointmentID))
}

func (s *Store) ListAppointments(ctx context.Context, tenantID string, limit int) ([]model.Appointment, error) {
	if limit <= 0 || limit > 200 {
		limit = 50
	}
	rows, err := s.db.Query(ctx, `
		SELECT `+appointmentColumns+`
		FROM appointments
		WHERE tenant_id = $1
		ORDER BY start_time DESC
		LIMIT $2
	`, tenantID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var appts []model.Appointment
	for rows.Next() {
		var a model.Appointment
		var cancelledAt *time.Time
		if err := rows.Scan(
			&a.ID,
			&a.TenantID,
			&a.ProviderID,
			&a.ServiceID,
			&a.SlotID,
			&a.StartTime,
			&a.EndTime,
			&a.FirstName,
			&a.LastName,
			&a.Email,
			&a.Phone,
			&a.ExternalEventID,
			&a.Status,
			&a.Source,
			&a.CreatedBy,
			&a.CancelReason,
			&cancelledAt,
			&a.CreatedAt,
		); err != nil {
			return nil, err
		}
		a.CancelledAt = cancelledAt
		appts = append(appts, a)
	}
	if rows.Err() != nil {
		return nil, rows.Err()
	}
	return appts, nil
}

func (t *storeTx) InsertAppointment(ctx context.Context, appt model.Appointment) error {
	_, err := t.tx.Exec(ctx, `
		INSERT INTO appointments
			(id, tenant_id, provider_id, service_id, slot_id, start_time, end_time,
			 first_name, last_name, email, phone, external_event_id, status, source, created_by)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15)
	`, appt.ID, appt.TenantID, appt.ProviderID, appt.ServiceID, appt.SlotID,
		appt.StartTime, appt.EndTime, appt.FirstName, appt.LastName, appt.Email,
		appt.Phone, appt.ExternalEventID, appt.Status, appt.Source, appt.CreatedBy)
	return err
}

func (t *storeTx) AppointmentForUpdate(ctx context.Context, tenantID, appointmentID string) (model.Appointment, error) {
	return scanAppointment(t.tx.QueryRow(ctx, `
		SELECT `+appointmentColumns+`
		FROM appointments
		WHERE id = $1 AND tenant_id = $2
		FOR UPDATE
	`, appointmentID, tenantID))
}

func (t *storeTx) MarkAppointmentCancelled(ctx context.Context, tenantID, appointmentID, reason string) (time.Time, error) {
	var cancelledAt time.Time
	err := t.tx.QueryRow(ctx, `
		UPDATE appointments
		SET status = 'cancelled',
			cancelled_at = now(),
			cancellation_reason = $3
		WHERE id = $1 AND tenant_id = $2
		RETURNING cancelled_at
	`, appointmentID, tenantID, reason).Scan(&cancelledAt)
	return cancelledAt, err
}
