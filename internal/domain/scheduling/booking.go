package scheduling

import (
	"context"
	"errors"
	"math/rand"
	"strings"
	"time"

	"github.com/google/uuid"
)

// CreateReservation validates the candidate, then checks for conflicts and
// inserts it in one unit of work keyed on (resource, date).
func (s *Service) CreateReservation(ctx context.Context, req CreateRequest, actor string) (*Reservation, error) {
	if strings.TrimSpace(actor) == "" {
		return nil, invalid("actor", "is required")
	}
	now := s.now()
	r, err := buildReservation(req, actor, now)
	if err != nil {
		return nil, err
	}
	if err := s.checkReferences(ctx, r.ResourceID, &r.SubjectID); err != nil {
		return nil, err
	}

	key := r.Key()
	var created *Reservation
	err = s.withRetry(ctx, false, func(ctx context.Context) error {
		return s.uow.Do(ctx, []SlotKey{key}, func(ctx context.Context) error {
			existing, err := s.conflicts.FindConflict(ctx, key, r.Interval(), uuid.Nil)
			if err != nil {
				return err
			}
			if existing != nil {
				return &ConflictError{Existing: existing}
			}
			candidate := r.Clone()
			candidate.ID = uuid.New()
			if err := s.reservations.Create(ctx, candidate); err != nil {
				return err
			}
			created = candidate
			return nil
		})
	})
	if err != nil {
		return nil, err
	}

	s.afterCommit(ctx, "reservation.created", created, actor, key)
	return created, nil
}

// UpdateReservation applies an allow-listed patch. Patches that move the
// reservation re-run the conflict check excluding the reservation itself.
func (s *Service) UpdateReservation(ctx context.Context, id uuid.UUID, patch *ReservationPatch, actor string) (*Reservation, error) {
	if strings.TrimSpace(actor) == "" {
		return nil, invalid("actor", "is required")
	}
	if patch == nil || patch.Empty() {
		return nil, invalid("", "patch contains no fields")
	}
	if patch.ResourceID != nil {
		if err := s.checkReferences(ctx, *patch.ResourceID, nil); err != nil {
			return nil, err
		}
	}

	return s.mutate(ctx, id, actor, "reservation.updated",
		func(cur *Reservation) error {
			if cur.Status.Terminal() {
				return &TransitionError{From: cur.Status, Event: "update"}
			}
			return nil
		},
		func(ctx context.Context, r *Reservation) error {
			if err := applyPatch(r, patch); err != nil {
				return err
			}
			r.UpdatedBy = actor
			r.UpdatedAt = s.now()
			if !patch.Reschedules() {
				return nil
			}
			existing, err := s.conflicts.FindConflict(ctx, r.Key(), r.Interval(), r.ID)
			if err != nil {
				return err
			}
			if existing != nil {
				return &ConflictError{Existing: existing}
			}
			return nil
		},
		func(cur *Reservation) ([]SlotKey, error) {
			next := cur.Clone()
			if err := applyPatch(next, patch); err != nil {
				return nil, err
			}
			return []SlotKey{cur.Key(), next.Key()}, nil
		},
	)
}

// CancelReservation is the cancel lifecycle edge with its required reason.
func (s *Service) CancelReservation(ctx context.Context, id uuid.UUID, reason, actor string) (*Reservation, error) {
	if _, err := validateCancellationReason(reason); err != nil {
		return nil, err
	}
	return s.Transition(ctx, id, TransitionInput{Event: EventCancel, Reason: reason}, actor)
}

// Transition applies one lifecycle event.
func (s *Service) Transition(ctx context.Context, id uuid.UUID, in TransitionInput, actor string) (*Reservation, error) {
	if strings.TrimSpace(actor) == "" {
		return nil, invalid("actor", "is required")
	}
	if !validEvents[in.Event] {
		return nil, invalid("event", "unknown event %q", in.Event)
	}
	evtType := "reservation." + string(in.Event)
	if in.Event == EventCancel {
		evtType = "reservation.cancelled"
	}
	return s.mutate(ctx, id, actor, evtType,
		func(cur *Reservation) error {
			_, err := Transition(cur.Status, in.Event)
			return err
		},
		func(_ context.Context, r *Reservation) error {
			return r.Apply(in, actor, s.now())
		},
		nil,
	)
}

// SendReminder delivers a reminder now, or defers it when sendAt lies in the
// future and a reminder scheduler is configured. Either way the outcome is
// appended to the reservation's reminder log.
func (s *Service) SendReminder(ctx context.Context, id uuid.UUID, channel Channel, sendAt *time.Time, actor string) (*Reservation, error) {
	if strings.TrimSpace(actor) == "" {
		return nil, invalid("actor", "is required")
	}
	if !validChannels[channel] {
		return nil, invalid("channel", "must be one of email, sms, push")
	}

	cur, err := s.GetReservation(ctx, id)
	if err != nil {
		return nil, err
	}
	if cur.Status.Terminal() {
		return nil, &TransitionError{From: cur.Status, Event: "remind"}
	}

	var status DeliveryStatus
	if sendAt != nil && sendAt.After(s.now()) {
		if s.reminders == nil {
			return nil, invalid("send_at", "deferred reminders are not enabled")
		}
		sctx, cancel := withTimeout(ctx, s.timeout)
		err := s.reminders.Schedule(sctx, id, channel, *sendAt)
		cancel()
		if err != nil {
			return nil, unavailable("schedule reminder", err)
		}
		status = DeliveryQueued
	} else {
		status, err = s.deliver(ctx, cur, channel)
		if err != nil {
			return nil, err
		}
	}

	return s.recordReminder(ctx, id, Reminder{Channel: channel, SentAt: s.now(), DeliveryStatus: status}, actor)
}

// DeliverReminder sends a previously deferred reminder. Reservations that
// reached a terminal status in the meantime are skipped.
func (s *Service) DeliverReminder(ctx context.Context, id uuid.UUID, channel Channel, actor string) (*Reservation, error) {
	cur, err := s.GetReservation(ctx, id)
	if err != nil {
		return nil, err
	}
	if cur.Status.Terminal() {
		return cur, nil
	}
	status, err := s.deliver(ctx, cur, channel)
	if err != nil {
		return nil, err
	}
	return s.recordReminder(ctx, id, Reminder{Channel: channel, SentAt: s.now(), DeliveryStatus: status}, actor)
}

func (s *Service) deliver(ctx context.Context, r *Reservation, channel Channel) (DeliveryStatus, error) {
	if s.notifier == nil {
		return "", unavailable("send reminder", errors.New("notification service not configured"))
	}
	nctx, cancel := withTimeout(ctx, s.timeout)
	defer cancel()
	status, err := s.notifier.Send(nctx, r, channel)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return "", unavailable("send reminder", err)
		}
		s.logger.Warn().Err(err).
			Str("reservation_id", r.ID.String()).
			Str("channel", string(channel)).
			Msg("reminder delivery failed")
		return DeliveryFailed, nil
	}
	return status, nil
}

func (s *Service) recordReminder(ctx context.Context, id uuid.UUID, rem Reminder, actor string) (*Reservation, error) {
	return s.mutate(ctx, id, actor, "reservation.reminded",
		nil,
		func(ctx context.Context, r *Reservation) error {
			if err := s.reservations.AppendReminder(ctx, r.ID, rem); err != nil {
				return err
			}
			r.Reminders = append(r.Reminders, rem)
			r.UpdatedBy = actor
			r.UpdatedAt = s.now()
			return nil
		},
		nil,
	)
}

// mutate runs the optimistic read-modify-write loop shared by every change to
// an existing reservation. precheck sees the current state before locking;
// change edits a fresh copy inside the unit of work; keysFor names the slot
// keys to lock and defaults to the reservation's own key.
func (s *Service) mutate(
	ctx context.Context,
	id uuid.UUID,
	actor, evtType string,
	precheck func(cur *Reservation) error,
	change func(ctx context.Context, r *Reservation) error,
	keysFor func(cur *Reservation) ([]SlotKey, error),
) (*Reservation, error) {
	pinned, isPinned := expectedVersion(ctx)

	var result *Reservation
	var locked []SlotKey
	err := s.withRetry(ctx, isPinned, func(ctx context.Context) error {
		cur, err := s.reservations.GetByID(ctx, id)
		if err != nil {
			return err
		}
		if isPinned && cur.VersionID != pinned {
			return ErrStaleWrite
		}
		if precheck != nil {
			if err := precheck(cur); err != nil {
				return err
			}
		}
		keys := []SlotKey{cur.Key()}
		if keysFor != nil {
			if keys, err = keysFor(cur); err != nil {
				return err
			}
		}

		return s.uow.Do(ctx, keys, func(ctx context.Context) error {
			fresh, err := s.reservations.GetByID(ctx, id)
			if err != nil {
				return err
			}
			if fresh.VersionID != cur.VersionID {
				return ErrStaleWrite
			}
			next := fresh.Clone()
			if err := change(ctx, next); err != nil {
				return err
			}
			if err := s.reservations.Update(ctx, next, fresh.VersionID); err != nil {
				return err
			}
			result = next
			locked = append(keys, next.Key())
			return nil
		})
	})
	if err != nil {
		return nil, err
	}

	s.afterCommit(ctx, evtType, result, actor, sortedKeys(locked)...)
	return result, nil
}

// withRetry runs attempt under the store timeout and repeats it on
// ErrStaleWrite up to maxRetries times. Pinned callers are never retried.
func (s *Service) withRetry(ctx context.Context, pinned bool, attempt func(ctx context.Context) error) error {
	for n := 0; ; n++ {
		actx, cancel := withTimeout(ctx, s.timeout)
		err := attempt(actx)
		cancel()
		if err == nil {
			return nil
		}
		if errors.Is(err, context.Canceled) && ctx.Err() != nil {
			return ctx.Err()
		}
		err = storeErr("reservation store", err)
		if !errors.Is(err, ErrStaleWrite) || pinned || n >= s.maxRetries {
			if errors.Is(err, ErrStaleWrite) && !pinned {
				s.logger.Warn().Int("attempts", n+1).Msg("optimistic retries exhausted")
			}
			return err
		}

		backoff := time.Duration(n+1)*10*time.Millisecond + time.Duration(rand.Int63n(int64(10*time.Millisecond)))
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(backoff):
		}
	}
}

func (s *Service) checkReferences(ctx context.Context, resourceID uuid.UUID, subjectID *uuid.UUID) error {
	if s.directory == nil {
		return nil
	}
	ctx, cancel := withTimeout(ctx, s.timeout)
	defer cancel()

	ok, err := s.directory.ResourceExists(ctx, resourceID)
	if err != nil {
		return unavailable("resource directory", err)
	}
	if !ok {
		return &NotFoundError{Kind: "resource", ID: resourceID.String()}
	}
	if subjectID == nil {
		return nil
	}
	ok, err = s.directory.SubjectExists(ctx, *subjectID)
	if err != nil {
		return unavailable("subject directory", err)
	}
	if !ok {
		return &NotFoundError{Kind: "subject", ID: subjectID.String()}
	}
	return nil
}

// buildReservation validates a candidate and returns it in scheduled status.
// End time may be given directly or derived from the duration; when both are
// present they must agree.
func buildReservation(req CreateRequest, actor string, now time.Time) (*Reservation, error) {
	if req.ResourceID == uuid.Nil {
		return nil, invalid("resource_id", "is required")
	}
	if req.SubjectID == uuid.Nil {
		return nil, invalid("subject_id", "is required")
	}
	date, err := ParseDate(req.Date)
	if err != nil {
		return nil, invalid("date", "%v", err)
	}
	start, err := ParseClock(req.StartTime)
	if err != nil {
		return nil, invalid("start_time", "%v", err)
	}

	var end ClockTime
	switch {
	case req.EndTime != "":
		if end, err = ParseClock(req.EndTime); err != nil {
			return nil, invalid("end_time", "%v", err)
		}
		if req.DurationMinutes != 0 && int(end-start) != req.DurationMinutes {
			return nil, invalid("duration_minutes", "must equal end_time - start_time")
		}
	case req.DurationMinutes != 0:
		end = start + ClockTime(req.DurationMinutes)
	default:
		return nil, invalid("end_time", "end_time or duration_minutes is required")
	}
	if end > MinutesPerDay || start >= end {
		return nil, invalid("end_time", "must be after start_time on the same day")
	}
	if err := validateDuration(int(end - start)); err != nil {
		return nil, err
	}

	priority := req.Priority
	if priority == "" {
		priority = PriorityMedium
	}
	if !validPriorities[priority] {
		return nil, invalid("priority", "unknown priority %q", priority)
	}
	apptType := req.AppointmentType
	if apptType == "" {
		apptType = TypeConsultation
	}
	if !validAppointmentTypes[apptType] {
		return nil, invalid("appointment_type", "unknown appointment type %q", apptType)
	}
	if req.Reason != nil && len([]rune(*req.Reason)) > MaxReasonLength {
		return nil, invalid("reason", "must be at most %d characters", MaxReasonLength)
	}

	return &Reservation{
		ResourceID:      req.ResourceID,
		SubjectID:       req.SubjectID,
		LocationID:      req.LocationID,
		DepartmentID:    req.DepartmentID,
		Date:            date,
		StartTime:       start,
		EndTime:         end,
		DurationMinutes: int(end - start),
		Status:          StatusScheduled,
		Priority:        priority,
		AppointmentType: apptType,
		Reason:          req.Reason,
		Notes:           req.Notes,
		CreatedBy:       actor,
		UpdatedBy:       actor,
		CreatedAt:       now,
		UpdatedAt:       now,
	}, nil
}

// applyPatch copies the allow-listed fields of p onto r and re-derives the
// duration. Changing only start_time keeps the current duration.
func applyPatch(r *Reservation, p *ReservationPatch) error {
	if p.ResourceID != nil {
		if *p.ResourceID == uuid.Nil {
			return invalid("resource_id", "must not be empty")
		}
		r.ResourceID = *p.ResourceID
	}
	if p.Date != nil {
		d, err := ParseDate(*p.Date)
		if err != nil {
			return invalid("date", "%v", err)
		}
		r.Date = d
	}
	if p.StartTime != nil || p.EndTime != nil {
		start, end := r.StartTime, r.EndTime
		if p.StartTime != nil {
			v, err := ParseClock(*p.StartTime)
			if err != nil {
				return invalid("start_time", "%v", err)
			}
			start = v
			if p.EndTime == nil {
				end = start + ClockTime(r.DurationMinutes)
			}
		}
		if p.EndTime != nil {
			v, err := ParseClock(*p.EndTime)
			if err != nil {
				return invalid("end_time", "%v", err)
			}
			end = v
		}
		if end > MinutesPerDay || start >= end {
			return invalid("end_time", "must be after start_time on the same day")
		}
		if err := validateDuration(int(end - start)); err != nil {
			return err
		}
		r.StartTime, r.EndTime, r.DurationMinutes = start, end, int(end-start)
	}
	if p.LocationID != nil {
		r.LocationID = p.LocationID
	}
	if p.DepartmentID != nil {
		r.DepartmentID = p.DepartmentID
	}
	if p.Priority != nil {
		if !validPriorities[*p.Priority] {
			return invalid("priority", "unknown priority %q", *p.Priority)
		}
		r.Priority = *p.Priority
	}
	if p.AppointmentType != nil {
		if !validAppointmentTypes[*p.AppointmentType] {
			return invalid("appointment_type", "unknown appointment type %q", *p.AppointmentType)
		}
		r.AppointmentType = *p.AppointmentType
	}
	if p.Reason != nil {
		if len([]rune(*p.Reason)) > MaxReasonLength {
			return invalid("reason", "must be at most %d characters", MaxReasonLength)
		}
		r.Reason = p.Reason
	}
	if p.Notes != nil {
		r.Notes = p.Notes
	}
	return nil
}
