// Package storage persists slots, holds, appointments and notifications in
// Postgres. All check-then-act logic runs through Transact so the managers
// stay independent of the transaction API.
package storage

import (
	"context"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/careslot/careslot/services/booking-engine/internal/model"
	"github.com/careslot/careslot/services/booking-engine/internal/outbox"
)

// DB is the slice of pgxpool.Pool the store needs. pgxmock satisfies it too,
// which is what the SQL-level tests run against.
type DB interface {
	Begin(ctx context.Context) (pgx.Tx, error)
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// Tx is the unit-of-work surface handed to transactional callbacks. The
// managers depend on this interface rather than on pgx, so their tests can
// substitute an in-memory implementation.
type Tx interface {
	SlotForUpdate(ctx context.Context, slotID string) (model.Slot, error)
	MarkSlotHeld(ctx context.Context, slotID string, heldUntil time.Time) error
	MarkSlotBooked(ctx context.Context, slotID string) error
	FreeSlot(ctx context.Context, slotID string) error

	HoldForSlot(ctx context.Context, slotID string) (model.Hold, error)
	UpsertHold(ctx context.Context, hold model.Hold) error
	DeleteHold(ctx context.Context, slotID string) error

	InsertAppointment(ctx context.Context, appt model.Appointment) error
	AppointmentForUpdate(ctx context.Context, tenantID, appointmentID string) (model.Appointment, error)
	MarkAppointmentCancelled(ctx context.Context, tenantID, appointmentID, reason string) (time.Time, error)

	InsertOutboxEvent(ctx context.Context, evt outbox.Event) error
}

type Store struct {
	db     DB
	outbox *outbox.Repository
}

func New(db DB, outboxRepo *outbox.Repository) *Store {
	return &Store{db: db, outbox: outboxRepo}
}

// Transact runs fn inside one database transaction. Any error (including a
// domain error used to abort) rolls the whole unit of work back.
func (s *Store) Transact(ctx context.Context, fn func(ctx context.Context, tx Tx) error) error {
	pgtx, err := s.db.Begin(ctx)
	if err != nil {
		return err
	}
	defer func() { _ = pgtx.Rollback(ctx) }()

	if err := fn(ctx, &storeTx{tx: pgtx, outbox: s.outbox}); err != nil {
		return err
	}
	return pgtx.Commit(ctx)
}

type storeTx struct {
	tx     pgx.Tx
	outbox *outbox.Repository
}

func (t *storeTx) InsertOutboxEvent(ctx context.Context, evt outbox.Event) error {
	return t.outbox.Insert(ctx, t.tx, evt)
}
