package reminders

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/hibiken/asynq"
	"github.com/rs/zerolog"

	"github.com/ehr/booking/internal/domain/scheduling"
)

const (
	TypeReminderSend = "reservation:reminder"
	Queue            = "reminders"
	maxRetry         = 5
	workerActor      = "reminder-worker"
)

// Payload is the task body of a deferred reminder.
type Payload struct {
	ReservationID uuid.UUID          `json:"reservation_id"`
	Channel       scheduling.Channel `json:"channel"`
}

// NewReminderTask builds the task and its scheduling options.
func NewReminderTask(id uuid.UUID, channel scheduling.Channel, sendAt time.Time) (*asynq.Task, []asynq.Option, error) {
	b, err := json.Marshal(Payload{ReservationID: id, Channel: channel})
	if err != nil {
		return nil, nil, err
	}
	opts := []asynq.Option{
		asynq.ProcessAt(sendAt),
		asynq.Queue(Queue),
		asynq.MaxRetry(maxRetry),
	}
	return asynq.NewTask(TypeReminderSend, b), opts, nil
}

// Scheduler enqueues deferred reminders.
type Scheduler struct {
	client *asynq.Client
}

func NewScheduler(opt asynq.RedisConnOpt) *Scheduler {
	return &Scheduler{client: asynq.NewClient(opt)}
}

func (s *Scheduler) Schedule(ctx context.Context, id uuid.UUID, channel scheduling.Channel, sendAt time.Time) error {
	task, opts, err := NewReminderTask(id, channel, sendAt)
	if err != nil {
		return err
	}
	if _, err := s.client.EnqueueContext(ctx, task, opts...); err != nil {
		return fmt.Errorf("enqueue reminder: %w", err)
	}
	return nil
}

func (s *Scheduler) Close() error {
	return s.client.Close()
}

// Deliverer sends a due reminder. *scheduling.Service satisfies it.
type Deliverer interface {
	DeliverReminder(ctx context.Context, id uuid.UUID, channel scheduling.Channel, actor string) (*scheduling.Reservation, error)
}

// NewHandler returns the task handler for due reminders. Reservations that
// vanished are dropped without retry; transient failures are retried by asynq.
func NewHandler(d Deliverer, logger zerolog.Logger) asynq.HandlerFunc {
	return func(ctx context.Context, task *asynq.Task) error {
		var p Payload
		if err := json.Unmarshal(task.Payload(), &p); err != nil {
			logger.Error().Err(err).Msg("invalid reminder payload")
			return fmt.Errorf("decode reminder payload: %v: %w", err, asynq.SkipRetry)
		}

		r, err := d.DeliverReminder(ctx, p.ReservationID, p.Channel, workerActor)
		switch {
		case errors.Is(err, scheduling.ErrNotFound), errors.Is(err, scheduling.ErrValidation):
			logger.Warn().Err(err).Str("reservation_id", p.ReservationID.String()).Msg("dropping reminder")
			return fmt.Errorf("%v: %w", err, asynq.SkipRetry)
		case err != nil:
			return err
		}

		logger.Info().
			Str("reservation_id", p.ReservationID.String()).
			Str("channel", string(p.Channel)).
			Str("status", string(r.Status)).
			Msg("reminder processed")
		return nil
	}
}

// Worker runs the asynq server for due reminders.
type Worker struct {
	srv *asynq.Server
	mux *asynq.ServeMux
}

func NewWorker(opt asynq.RedisConnOpt, concurrency int, d Deliverer, logger zerolog.Logger) *Worker {
	if concurrency <= 0 {
		concurrency = 10
	}
	srv := asynq.NewServer(opt, asynq.Config{
		Concurrency: concurrency,
		Queues:      map[string]int{Queue: 1},
	})
	mux := asynq.NewServeMux()
	mux.HandleFunc(TypeReminderSend, NewHandler(d, logger))
	return &Worker{srv: srv, mux: mux}
}

// Run blocks until the server receives a termination signal.
func (w *Worker) Run() error {
	return w.srv.Run(w.mux)
}

func (w *Worker) Shutdown() {
	w.srv.Shutdown()
}
