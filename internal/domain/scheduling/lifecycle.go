package scheduling

import (
	"strings"
	"time"
)

// Event drives a reservation from one status to the next.
type Event string

const (
	EventConfirm  Event = "confirm"
	EventStart    Event = "start"
	EventComplete Event = "complete"
	EventCancel   Event = "cancel"
	EventNoShow   Event = "no-show"
)

// transitions is the complete lifecycle graph. Any (status, event) pair
// missing here is illegal.
var transitions = map[Status]map[Event]Status{
	StatusScheduled: {
		EventConfirm: StatusConfirmed,
		EventCancel:  StatusCancelled,
		EventNoShow:  StatusNoShow,
	},
	StatusConfirmed: {
		EventStart:  StatusInProgress,
		EventCancel: StatusCancelled,
		EventNoShow: StatusNoShow,
	},
	StatusInProgress: {
		EventComplete: StatusCompleted,
		EventCancel:   StatusCancelled,
	},
}

var validEvents = map[Event]bool{
	EventConfirm: true, EventStart: true, EventComplete: true, EventCancel: true, EventNoShow: true,
}

// Transition returns the status reached by applying ev in from.
func Transition(from Status, ev Event) (Status, error) {
	if !validEvents[ev] {
		return "", invalid("event", "unknown event %q", ev)
	}
	to, ok := transitions[from][ev]
	if !ok {
		return "", &TransitionError{From: from, Event: ev}
	}
	return to, nil
}

// TransitionInput carries the event and the fields some events require.
type TransitionInput struct {
	Event   Event  `json:"event"`
	Reason  string `json:"reason,omitempty"`
	Outcome string `json:"outcome,omitempty"`
}

// Apply moves r along the lifecycle and stamps the side effects of the edge.
// r is left untouched on error.
func (r *Reservation) Apply(in TransitionInput, actor string, now time.Time) error {
	to, err := Transition(r.Status, in.Event)
	if err != nil {
		return err
	}

	switch in.Event {
	case EventCancel:
		reason, err := validateCancellationReason(in.Reason)
		if err != nil {
			return err
		}
		r.CancellationReason = &reason
		r.CancelledAt = &now
	case EventComplete:
		outcome := strings.TrimSpace(in.Outcome)
		if outcome == "" {
			return invalid("outcome", "is required to complete a reservation")
		}
		r.Outcome = &outcome
		r.CompletedAt = &now
	case EventConfirm:
		r.ConfirmedAt = &now
	case EventStart:
		r.StartedAt = &now
	}

	r.Status = to
	r.UpdatedBy = actor
	r.UpdatedAt = now
	return nil
}

func validateCancellationReason(reason string) (string, error) {
	reason = strings.TrimSpace(reason)
	if reason == "" {
		return "", invalid("reason", "is required to cancel a reservation")
	}
	if n := len([]rune(reason)); n < MinCancellationReasonLen || n > MaxCancellationReasonLen {
		return "", invalid("reason", "must be between %d and %d characters",
			MinCancellationReasonLen, MaxCancellationReasonLen)
	}
	return reason, nil
}
