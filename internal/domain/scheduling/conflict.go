package scheduling

import (
	"context"

	"github.com/google/uuid"
)

// ConflictDetector finds the committed reservation a candidate would overlap.
type ConflictDetector struct {
	reservations ReservationRepository
}

func NewConflictDetector(reservations ReservationRepository) *ConflictDetector {
	return &ConflictDetector{reservations: reservations}
}

// FindConflict returns the first occupying reservation on key whose interval
// overlaps iv, skipping excludeID so a reschedule does not collide with its
// own prior occupancy. It returns nil when the interval is free.
func (d *ConflictDetector) FindConflict(ctx context.Context, key SlotKey, iv Interval, excludeID uuid.UUID) (*Reservation, error) {
	existing, err := d.reservations.ListOccupying(ctx, key)
	if err != nil {
		return nil, err
	}
	return firstConflict(existing, iv, excludeID), nil
}

func firstConflict(existing []*Reservation, iv Interval, excludeID uuid.UUID) *Reservation {
	for _, r := range existing {
		if r.ID == excludeID || !r.Status.Occupying() {
			continue
		}
		if Overlaps(iv, r.Interval()) {
			return r
		}
	}
	return nil
}
