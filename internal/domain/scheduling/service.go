package scheduling

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// Deps are the collaborators of the scheduling core. Reservations, UnitOfWork
// and Hours are required; the rest may be nil.
type Deps struct {
	Reservations ReservationRepository
	UnitOfWork   UnitOfWork
	Hours        WorkingHoursProvider
	Directory    Directory
	Notifier     Notifier
	Reminders    ReminderScheduler
	Publisher    EventPublisher
	Cache        SlotCache
}

// Options tunes store interaction.
type Options struct {
	StoreTimeout time.Duration
	MaxRetries   int
	StepMinutes  int
	Logger       zerolog.Logger
}

// DefaultOptions mirrors the configuration defaults.
func DefaultOptions() Options {
	return Options{
		StoreTimeout: 5 * time.Second,
		MaxRetries:   3,
		StepMinutes:  DefaultStepMinutes,
		Logger:       zerolog.Nop(),
	}
}

type Service struct {
	reservations ReservationRepository
	uow          UnitOfWork
	directory    Directory
	notifier     Notifier
	reminders    ReminderScheduler
	publisher    EventPublisher
	cache        SlotCache

	availability *AvailabilityCalculator
	conflicts    *ConflictDetector
	stats        *StatsAggregator

	logger     zerolog.Logger
	timeout    time.Duration
	maxRetries int
	now        func() time.Time
}

func NewService(deps Deps, opts Options) *Service {
	if opts.MaxRetries < 0 {
		opts.MaxRetries = 0
	}
	s := &Service{
		reservations: deps.Reservations,
		uow:          deps.UnitOfWork,
		directory:    deps.Directory,
		notifier:     deps.Notifier,
		reminders:    deps.Reminders,
		publisher:    deps.Publisher,
		cache:        deps.Cache,
		availability: NewAvailabilityCalculator(deps.Hours, deps.Reservations, opts.StepMinutes, opts.StoreTimeout),
		conflicts:    NewConflictDetector(deps.Reservations),
		stats:        NewStatsAggregator(deps.Reservations, opts.StoreTimeout),
		logger:       opts.Logger,
		timeout:      opts.StoreTimeout,
		maxRetries:   opts.MaxRetries,
		now:          func() time.Time { return time.Now().UTC() },
	}
	if deps.Cache != nil {
		s.availability.WithCache(deps.Cache)
	}
	return s
}

// -- Reads --

func (s *Service) ListAvailableSlots(ctx context.Context, resourceID uuid.UUID, date Date, durationMinutes, step int) (*Availability, error) {
	return s.availability.ListAvailableSlots(ctx, resourceID, date, durationMinutes, step)
}

func (s *Service) GetReservation(ctx context.Context, id uuid.UUID) (*Reservation, error) {
	ctx, cancel := withTimeout(ctx, s.timeout)
	defer cancel()
	r, err := s.reservations.GetByID(ctx, id)
	if err != nil {
		return nil, storeErr("get reservation", err)
	}
	return r, nil
}

func (s *Service) SearchReservations(ctx context.Context, params map[string]string, limit, offset int) ([]*Reservation, int, error) {
	for _, k := range []string{"resource_id", "subject_id", "location_id", "department_id"} {
		if v, ok := params[k]; ok {
			if _, err := uuid.Parse(v); err != nil {
				return nil, 0, invalid(k, "invalid id %q", v)
			}
		}
	}
	for _, k := range []string{"date", "date_from", "date_to"} {
		if v, ok := params[k]; ok {
			if _, err := ParseDate(v); err != nil {
				return nil, 0, invalid(k, "%v", err)
			}
		}
	}
	if v, ok := params["status"]; ok && !Status(v).Valid() {
		return nil, 0, invalid("status", "unknown status %q", v)
	}

	ctx, cancel := withTimeout(ctx, s.timeout)
	defer cancel()
	items, total, err := s.reservations.Search(ctx, params, limit, offset)
	if err != nil {
		return nil, 0, storeErr("search reservations", err)
	}
	return items, total, nil
}

func (s *Service) ListSubjectReservations(ctx context.Context, subjectID uuid.UUID, limit, offset int) ([]*Reservation, int, error) {
	ctx, cancel := withTimeout(ctx, s.timeout)
	defer cancel()
	items, total, err := s.reservations.ListBySubject(ctx, subjectID, limit, offset)
	if err != nil {
		return nil, 0, storeErr("list subject reservations", err)
	}
	return items, total, nil
}

// ProviderSchedule returns the reservations holding time on a provider's day,
// ordered by start.
func (s *Service) ProviderSchedule(ctx context.Context, resourceID uuid.UUID, date Date) ([]*Reservation, error) {
	ctx, cancel := withTimeout(ctx, s.timeout)
	defer cancel()
	items, err := s.reservations.ListOccupying(ctx, SlotKey{ResourceID: resourceID, Date: date})
	if err != nil {
		return nil, storeErr("provider schedule", err)
	}
	return items, nil
}

func (s *Service) GetStatistics(ctx context.Context, p Period) (*Stats, error) {
	return s.stats.GetStatistics(ctx, p)
}

// -- Helpers --

type expectedVersionKey struct{}

// WithExpectedVersion pins a mutation to a version the caller has seen. A
// mismatch fails with ErrStaleWrite and is not retried.
func WithExpectedVersion(ctx context.Context, version int) context.Context {
	return context.WithValue(ctx, expectedVersionKey{}, version)
}

func expectedVersion(ctx context.Context) (int, bool) {
	v, ok := ctx.Value(expectedVersionKey{}).(int)
	return v, ok
}

func withTimeout(ctx context.Context, d time.Duration) (context.Context, context.CancelFunc) {
	if d <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, d)
}

// storeErr keeps domain errors intact and turns deadline overruns into
// ErrDependencyUnavailable.
func storeErr(op string, err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, ErrValidation), errors.Is(err, ErrNotFound), errors.Is(err, ErrConflict),
		errors.Is(err, ErrInvalidTransition), errors.Is(err, ErrStaleWrite),
		errors.Is(err, ErrDependencyUnavailable):
		return err
	case errors.Is(err, context.DeadlineExceeded):
		return unavailable(op, err)
	default:
		return fmt.Errorf("%s: %w", op, err)
	}
}

func (s *Service) afterCommit(ctx context.Context, evtType string, r *Reservation, actor string, keys ...SlotKey) {
	// The write is committed; a client that hangs up now must not leave a
	// stale availability answer behind.
	if s.cache != nil {
		ictx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.afterCommitTimeout())
		s.cache.Invalidate(ictx, keys...)
		cancel()
	}

	s.logger.Info().
		Str("event", evtType).
		Str("reservation_id", r.ID.String()).
		Str("resource_id", r.ResourceID.String()).
		Str("date", r.Date.String()).
		Str("status", string(r.Status)).
		Str("actor", actor).
		Msg("reservation committed")

	if s.publisher == nil {
		return
	}
	pctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.afterCommitTimeout())
	defer cancel()
	evt := ReservationEvent{
		Type:          evtType,
		ReservationID: r.ID,
		ResourceID:    r.ResourceID,
		SubjectID:     r.SubjectID,
		Date:          r.Date,
		StartTime:     r.StartTime,
		EndTime:       r.EndTime,
		Status:        r.Status,
		Actor:         actor,
		OccurredAt:    s.now(),
	}
	if err := s.publisher.Publish(pctx, evt); err != nil {
		s.logger.Warn().Err(err).
			Str("event", evtType).
			Str("reservation_id", r.ID.String()).
			Msg("publish reservation event failed")
	}
}

func (s *Service) afterCommitTimeout() time.Duration {
	if s.timeout > 0 {
		return s.timeout
	}
	return 5 * time.Second
}
