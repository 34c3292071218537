package outbox

import (
	"context"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/pashagolub/pgxmock/v3"
	"github.com/segmentio/kafka-go"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/propagation"

	"github.com/careslot/careslot/libs/kafkax"
)

type captureWriter struct {
	messages []kafka.Message
}

func (w *captureWriter) WriteMessages(_ context.Context, msgs ...kafka.Message) error {
	w.messages = append(w.messages, msgs...)
	return nil
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newMockPool(t *testing.T) pgxmock.PgxPoolIface {
	t.Helper()
	mock, err := pgxmock.NewPool(pgxmock.QueryMatcherOption(pgxmock.QueryMatcherRegexp))
	require.NoError(t, err)
	t.Cleanup(mock.Close)
	return mock
}

func outboxRows() *pgxmock.Rows {
	return pgxmock.NewRows([]string{
		"id", "event_id", "aggregate_type", "aggregate_id", "event_type",
		"payload", "traceparent", "tracestate", "created_at",
	})
}

func TestRunDrainsBacklogBeforeFirstTick(t *testing.T) {
	prev := otel.GetTextMapPropagator()
	otel.SetTextMapPropagator(propagation.TraceContext{})
	t.Cleanup(func() { otel.SetTextMapPropagator(prev) })

	mock := newMockPool(t)
	traceparent := "00-4bf92f3577b34da6a3ce929d0e0e4736-00f067aa0ba902b7-01"

	mock.ExpectBegin()
	mock.ExpectQuery("SELECT id, event_id").
		WithArgs(50).
		WillReturnRows(outboxRows().AddRow(
			int64(1), "evt-1", "appointment", "appt-1", EventAppointmentBooked,
			[]byte(`{"appointment_id":"appt-1"}`), traceparent, "",
			time.Now().UTC(),
		))
	mock.ExpectExec("UPDATE outbox_events").
		WithArgs([]int64{1}).
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))
	mock.ExpectCommit()
	mock.ExpectRollback()

	p := NewPublisher(mock, NewRepository(nil), testLogger(), PublisherConfig{
		Brokers:   "localhost:9092",
		PollEvery: time.Hour,
	})

	// With a one-hour poll interval the only way the message gets out before
	// the cancel is the startup drain.
	ctx, cancel := context.WithCancel(context.Background())
	writer := &captureWriter{}
	done := make(chan struct{})
	go func() {
		defer close(done)
		p.run(ctx, writer)
	}()
	require.Eventually(t, func() bool { return mock.ExpectationsWereMet() == nil },
		5*time.Second, 10*time.Millisecond)
	cancel()
	<-done

	require.Len(t, writer.messages, 1)
	msg := writer.messages[0]
	require.Equal(t, EventAppointmentBooked, msg.Topic)
	require.Equal(t, "appt-1", string(msg.Key))
	require.Equal(t, "evt-1", kafkax.HeaderValue(msg.Headers, "event_id"))
	require.Equal(t, traceparent, kafkax.HeaderValue(msg.Headers, "traceparent"))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestPublishBatchEmptyCommitsAndWritesNothing(t *testing.T) {
	mock := newMockPool(t)

	mock.ExpectBegin()
	mock.ExpectQuery("SELECT id, event_id").
		WithArgs(50).
		WillReturnRows(outboxRows())
	mock.ExpectCommit()
	mock.ExpectRollback()

	p := NewPublisher(mock, NewRepository(nil), testLogger(), PublisherConfig{Brokers: "localhost:9092"})
	writer := &captureWriter{}
	require.NoError(t, p.publishBatch(context.Background(), writer))
	require.Empty(t, writer.messages)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestPublishBatchMarksOnlyAfterWrite(t *testing.T) {
	mock := newMockPool(t)

	mock.ExpectBegin()
	mock.ExpectQuery("SELECT id, event_id").
		WithArgs(50).
		WillReturnRows(outboxRows().
			AddRow(int64(1), "evt-1", "appointment", "appt-1", EventAppointmentBooked,
				[]byte(`{}`), "", "", time.Now().UTC()).
			AddRow(int64(2), "evt-2", "appointment", "appt-2", EventAppointmentCancelled,
				[]byte(`{}`), "", "", time.Now().UTC()))
	mock.ExpectExec("UPDATE outbox_events").
		WithArgs([]int64{1, 2}).
		WillReturnResult(pgxmock.NewResult("UPDATE", 2))
	mock.ExpectCommit()
	mock.ExpectRollback()

	p := NewPublisher(mock, NewRepository(nil), testLogger(), PublisherConfig{Brokers: "localhost:9092"})
	writer := &captureWriter{}
	require.NoError(t, p.publishBatch(context.Background(), writer))
	require.Len(t, writer.messages, 2)
	require.Equal(t, EventAppointmentCancelled, writer.messages[1].Topic)
	require.NoError(t, mock.ExpectationsWereMet())
}
