package reminders

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/hibiken/asynq"
	"github.com/rs/zerolog"

	"github.com/ehr/booking/internal/domain/scheduling"
)

type mockDeliverer struct {
	calls []Payload
	actor string
	err   error
}

func (m *mockDeliverer) DeliverReminder(_ context.Context, id uuid.UUID, ch scheduling.Channel, actor string) (*scheduling.Reservation, error) {
	m.calls = append(m.calls, Payload{ReservationID: id, Channel: ch})
	m.actor = actor
	if m.err != nil {
		return nil, m.err
	}
	return &scheduling.Reservation{ID: id, Status: scheduling.StatusScheduled}, nil
}

func TestNewReminderTask(t *testing.T) {
	id := uuid.New()
	task, opts, err := NewReminderTask(id, scheduling.ChannelSMS, time.Now().Add(time.Hour))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if task.Type() != TypeReminderSend {
		t.Errorf("expected %s, got %s", TypeReminderSend, task.Type())
	}
	if len(opts) != 3 {
		t.Errorf("expected 3 options, got %d", len(opts))
	}
	var p Payload
	if err := json.Unmarshal(task.Payload(), &p); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if p.ReservationID != id || p.Channel != scheduling.ChannelSMS {
		t.Errorf("unexpected payload %+v", p)
	}
}

func TestHandler_Delivers(t *testing.T) {
	d := &mockDeliverer{}
	id := uuid.New()
	task, _, _ := NewReminderTask(id, scheduling.ChannelEmail, time.Now())

	if err := NewHandler(d, zerolog.Nop())(context.Background(), task); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(d.calls) != 1 || d.calls[0].ReservationID != id {
		t.Errorf("expected one delivery for %s, got %+v", id, d.calls)
	}
	if d.actor != workerActor {
		t.Errorf("expected actor %s, got %s", workerActor, d.actor)
	}
}

func TestHandler_SkipsRetryForMissingReservation(t *testing.T) {
	d := &mockDeliverer{err: &scheduling.NotFoundError{Kind: "reservation", ID: "x"}}
	task, _, _ := NewReminderTask(uuid.New(), scheduling.ChannelEmail, time.Now())

	err := NewHandler(d, zerolog.Nop())(context.Background(), task)
	if !errors.Is(err, asynq.SkipRetry) {
		t.Errorf("expected SkipRetry, got %v", err)
	}
}

func TestHandler_RetriesTransientFailure(t *testing.T) {
	d := &mockDeliverer{err: scheduling.ErrDependencyUnavailable}
	task, _, _ := NewReminderTask(uuid.New(), scheduling.ChannelEmail, time.Now())

	err := NewHandler(d, zerolog.Nop())(context.Background(), task)
	if err == nil || errors.Is(err, asynq.SkipRetry) {
		t.Errorf("expected a retryable error, got %v", err)
	}
}

func TestHandler_BadPayload(t *testing.T) {
	task := asynq.NewTask(TypeReminderSend, []byte("{"))
	err := NewHandler(&mockDeliverer{}, zerolog.Nop())(context.Background(), task)
	if !errors.Is(err, asynq.SkipRetry) {
		t.Errorf("expected SkipRetry, got %v", err)
	}
}
