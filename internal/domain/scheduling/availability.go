package scheduling

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// DefaultStepMinutes is the candidate start granularity when neither the
// request nor the resource template sets one.
const DefaultStepMinutes = 15

// AvailabilityCalculator derives free slots from the weekly template minus
// occupying reservations. It only reads; its answer is advisory and the
// booking path re-checks under its own unit of work.
type AvailabilityCalculator struct {
	hours        WorkingHoursProvider
	reservations ReservationRepository
	cache        SlotCache
	defaultStep  int
	timeout      time.Duration
}

func NewAvailabilityCalculator(hours WorkingHoursProvider, reservations ReservationRepository, defaultStep int, timeout time.Duration) *AvailabilityCalculator {
	if defaultStep <= 0 {
		defaultStep = DefaultStepMinutes
	}
	return &AvailabilityCalculator{
		hours:        hours,
		reservations: reservations,
		defaultStep:  defaultStep,
		timeout:      timeout,
	}
}

// WithCache attaches a slot cache. A nil cache disables caching.
func (a *AvailabilityCalculator) WithCache(c SlotCache) *AvailabilityCalculator {
	a.cache = c
	return a
}

// ListAvailableSlots returns the ordered free slots of durationMinutes for
// resourceID on date. step <= 0 selects the resource's configured step, then
// the calculator default.
func (a *AvailabilityCalculator) ListAvailableSlots(ctx context.Context, resourceID uuid.UUID, date Date, durationMinutes, step int) (*Availability, error) {
	if resourceID == uuid.Nil {
		return nil, invalid("resource_id", "is required")
	}
	if date.IsZero() {
		return nil, invalid("date", "is required")
	}
	if err := validateDuration(durationMinutes); err != nil {
		return nil, err
	}
	if step < 0 || step > MaxDurationMinutes {
		return nil, invalid("step", "must be between 1 and %d minutes", MaxDurationMinutes)
	}

	ctx, cancel := withTimeout(ctx, a.timeout)
	defer cancel()

	tpl, err := a.hours.GetTemplate(ctx, resourceID, date.Weekday())
	if err != nil {
		return nil, storeErr("get working hours", err)
	}

	if step == 0 {
		step = a.defaultStep
		if tpl != nil && tpl.StepMinutes != nil && *tpl.StepMinutes > 0 {
			step = *tpl.StepMinutes
		}
	}

	out := &Availability{
		ResourceID:      resourceID,
		Date:            date,
		DurationMinutes: durationMinutes,
		StepMinutes:     step,
		Slots:           []Slot{},
	}
	if tpl == nil {
		out.Reason = "no working hours configured for " + date.Weekday().String()
		return out, nil
	}
	if !tpl.IsWorking {
		out.Reason = "resource does not work on " + date.Weekday().String()
		return out, nil
	}
	window, err := NewInterval(tpl.StartTime, tpl.EndTime)
	if err != nil {
		out.Reason = "working hours template is empty"
		return out, nil
	}
	out.Working = true

	key := SlotKey{ResourceID: resourceID, Date: date}
	var gen int64
	cacheable := false
	if a.cache != nil {
		if cached, ok := a.cache.Get(ctx, key, durationMinutes, step); ok {
			return cached, nil
		}
		// read before the reservations so a commit landing in between
		// moves the generation and the fill below is dropped
		if g, err := a.cache.Generation(ctx, key); err == nil {
			gen, cacheable = g, true
		}
	}

	existing, err := a.reservations.ListOccupying(ctx, key)
	if err != nil {
		return nil, storeErr("list reservations", err)
	}
	busy := make([]Interval, 0, len(existing))
	for _, r := range existing {
		busy = append(busy, r.Interval())
	}

	out.Slots = FreeSlots(window, busy, durationMinutes, step)
	if cacheable {
		a.cache.Set(ctx, key, durationMinutes, step, gen, out)
	}
	return out, nil
}

// FreeSlots walks candidate starts from window.Start in step increments and
// keeps every [start, start+duration) that fits the window and overlaps no
// busy interval. The result is ordered by start.
func FreeSlots(window Interval, busy []Interval, duration, step int) []Slot {
	slots := []Slot{}
	if duration <= 0 || step <= 0 {
		return slots
	}
	last := window.End - ClockTime(duration)
	for start := window.Start; start <= last; start += ClockTime(step) {
		cand := Interval{Start: start, End: start + ClockTime(duration)}
		free := true
		for _, b := range busy {
			if Overlaps(cand, b) {
				free = false
				break
			}
		}
		if free {
			slots = append(slots, Slot{Start: cand.Start, End: cand.End, DurationMinutes: duration})
		}
	}
	return slots
}

func validateDuration(minutes int) error {
	if minutes < MinDurationMinutes || minutes > MaxDurationMinutes {
		return invalid("duration_minutes", "must be between %d and %d", MinDurationMinutes, MaxDurationMinutes)
	}
	return nil
}
