package scheduling

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// ReservationRepository persists reservations. Implementations must honor a
// unit of work carried in ctx by UnitOfWork.Do.
type ReservationRepository interface {
	Create(ctx context.Context, r *Reservation) error
	GetByID(ctx context.Context, id uuid.UUID) (*Reservation, error)
	// Update writes r only if the stored version equals expectedVersion and
	// returns ErrStaleWrite otherwise. On success r.VersionID is advanced.
	Update(ctx context.Context, r *Reservation, expectedVersion int) error
	AppendReminder(ctx context.Context, id uuid.UUID, rem Reminder) error
	// ListOccupying returns reservations on key whose status holds their
	// interval, ordered by start time.
	ListOccupying(ctx context.Context, key SlotKey) ([]*Reservation, error)
	ListBySubject(ctx context.Context, subjectID uuid.UUID, limit, offset int) ([]*Reservation, int, error)
	Search(ctx context.Context, params map[string]string, limit, offset int) ([]*Reservation, int, error)
	CountByDateStatus(ctx context.Context, from, to Date) ([]StatusCount, error)
}

// UnitOfWork runs fn atomically. Units sharing any key are serialized, so a
// conflict check and the write that follows it cannot interleave with another
// booking on the same resource and day.
type UnitOfWork interface {
	Do(ctx context.Context, keys []SlotKey, fn func(ctx context.Context) error) error
}

// WorkingHoursProvider reads the weekly template. A missing entry is reported
// as (nil, nil).
type WorkingHoursProvider interface {
	GetTemplate(ctx context.Context, resourceID uuid.UUID, weekday time.Weekday) (*WorkingHours, error)
}

// Directory answers existence questions about providers and patients.
type Directory interface {
	ResourceExists(ctx context.Context, id uuid.UUID) (bool, error)
	SubjectExists(ctx context.Context, id uuid.UUID) (bool, error)
}

// Notifier delivers a reminder for a reservation and reports the outcome.
type Notifier interface {
	Send(ctx context.Context, r *Reservation, channel Channel) (DeliveryStatus, error)
}

// ReminderScheduler defers a reminder until sendAt.
type ReminderScheduler interface {
	Schedule(ctx context.Context, reservationID uuid.UUID, channel Channel, sendAt time.Time) error
}

// EventPublisher announces committed reservation changes.
type EventPublisher interface {
	Publish(ctx context.Context, evt ReservationEvent) error
}

// SlotCache memoizes availability answers per resource and day. Invalidate
// advances the key's generation; Set stores only while the generation still
// equals the one read before the answer was computed.
type SlotCache interface {
	Get(ctx context.Context, key SlotKey, duration, step int) (*Availability, bool)
	Generation(ctx context.Context, key SlotKey) (int64, error)
	Set(ctx context.Context, key SlotKey, duration, step int, gen int64, a *Availability)
	Invalidate(ctx context.Context, keys ...SlotKey)
}

// ReservationEvent is published after a mutation commits.
type ReservationEvent struct {
	Type          string    `json:"type"`
	ReservationID uuid.UUID `json:"reservation_id"`
	ResourceID    uuid.UUID `json:"resource_id"`
	SubjectID     uuid.UUID `json:"subject_id"`
	Date          Date      `json:"date"`
	StartTime     ClockTime `json:"start_time"`
	EndTime       ClockTime `json:"end_time"`
	Status        Status    `json:"status"`
	Actor         string    `json:"actor"`
	OccurredAt    time.Time `json:"occurred_at"`
}
