package scheduling

import (
	"bytes"
	"encoding/json"
	"sort"
	"time"

	"github.com/google/uuid"
)

type Status string

const (
	StatusScheduled  Status = "scheduled"
	StatusConfirmed  Status = "confirmed"
	StatusInProgress Status = "in-progress"
	StatusCompleted  Status = "completed"
	StatusCancelled  Status = "cancelled"
	StatusNoShow     Status = "no-show"
)

// AllStatuses lists statuses in lifecycle order.
var AllStatuses = []Status{
	StatusScheduled, StatusConfirmed, StatusInProgress,
	StatusCompleted, StatusCancelled, StatusNoShow,
}

// Terminal reports whether no further transition is permitted.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusCancelled || s == StatusNoShow
}

// Occupying reports whether a reservation in this status holds its interval.
func (s Status) Occupying() bool {
	return s != StatusCancelled && s != StatusNoShow
}

func (s Status) Valid() bool {
	for _, v := range AllStatuses {
		if v == s {
			return true
		}
	}
	return false
}

type Priority string

const (
	PriorityLow    Priority = "low"
	PriorityMedium Priority = "medium"
	PriorityHigh   Priority = "high"
	PriorityUrgent Priority = "urgent"
)

var validPriorities = map[Priority]bool{
	PriorityLow: true, PriorityMedium: true, PriorityHigh: true, PriorityUrgent: true,
}

type AppointmentType string

const (
	TypeNew          AppointmentType = "new"
	TypeFollowUp     AppointmentType = "follow-up"
	TypeEmergency    AppointmentType = "emergency"
	TypeConsultation AppointmentType = "consultation"
	TypeProcedure    AppointmentType = "procedure"
	TypeCheckup      AppointmentType = "checkup"
)

var validAppointmentTypes = map[AppointmentType]bool{
	TypeNew: true, TypeFollowUp: true, TypeEmergency: true,
	TypeConsultation: true, TypeProcedure: true, TypeCheckup: true,
}

// Channel is the delivery channel of a reminder.
type Channel string

const (
	ChannelEmail Channel = "email"
	ChannelSMS   Channel = "sms"
	ChannelPush  Channel = "push"
)

var validChannels = map[Channel]bool{ChannelEmail: true, ChannelSMS: true, ChannelPush: true}

type DeliveryStatus string

const (
	DeliverySent   DeliveryStatus = "sent"
	DeliveryFailed DeliveryStatus = "failed"
	DeliveryQueued DeliveryStatus = "queued"
)

// Field limits.
const (
	MinDurationMinutes       = 5
	MaxDurationMinutes       = 240
	MaxReasonLength          = 500
	MinCancellationReasonLen = 3
	MaxCancellationReasonLen = 200
)

// Reminder is one entry of a reservation's append-only reminder log.
type Reminder struct {
	Channel        Channel        `db:"channel" json:"channel"`
	SentAt         time.Time      `db:"sent_at" json:"sent_at"`
	DeliveryStatus DeliveryStatus `db:"delivery_status" json:"delivery_status"`
}

// Reservation books one resource for one subject over [StartTime, EndTime)
// on Date.
type Reservation struct {
	ID                 uuid.UUID       `db:"id" json:"id"`
	ResourceID         uuid.UUID       `db:"resource_id" json:"resource_id"`
	SubjectID          uuid.UUID       `db:"subject_id" json:"subject_id"`
	LocationID         *uuid.UUID      `db:"location_id" json:"location_id,omitempty"`
	DepartmentID       *uuid.UUID      `db:"department_id" json:"department_id,omitempty"`
	Date               Date            `db:"date" json:"date"`
	StartTime          ClockTime       `db:"start_minute" json:"start_time"`
	EndTime            ClockTime       `db:"end_minute" json:"end_time"`
	DurationMinutes    int             `db:"duration_minutes" json:"duration_minutes"`
	Status             Status          `db:"status" json:"status"`
	Priority           Priority        `db:"priority" json:"priority"`
	AppointmentType    AppointmentType `db:"appointment_type" json:"appointment_type"`
	Reason             *string         `db:"reason" json:"reason,omitempty"`
	Notes              *string         `db:"notes" json:"notes,omitempty"`
	Outcome            *string         `db:"outcome" json:"outcome,omitempty"`
	CancellationReason *string         `db:"cancellation_reason" json:"cancellation_reason,omitempty"`
	Reminders          []Reminder      `json:"reminders,omitempty"`
	VersionID          int             `db:"version_id" json:"version_id"`
	CreatedBy          string          `db:"created_by" json:"created_by"`
	UpdatedBy          string          `db:"updated_by" json:"updated_by"`
	CreatedAt          time.Time       `db:"created_at" json:"created_at"`
	UpdatedAt          time.Time       `db:"updated_at" json:"updated_at"`
	ConfirmedAt        *time.Time      `db:"confirmed_at" json:"confirmed_at,omitempty"`
	StartedAt          *time.Time      `db:"started_at" json:"started_at,omitempty"`
	CompletedAt        *time.Time      `db:"completed_at" json:"completed_at,omitempty"`
	CancelledAt        *time.Time      `db:"cancelled_at" json:"cancelled_at,omitempty"`
}

func (r *Reservation) Interval() Interval {
	return Interval{Start: r.StartTime, End: r.EndTime}
}

func (r *Reservation) Key() SlotKey {
	return SlotKey{ResourceID: r.ResourceID, Date: r.Date}
}

func (r *Reservation) GetVersionID() int  { return r.VersionID }
func (r *Reservation) SetVersionID(v int) { r.VersionID = v }

// Clone returns a deep copy so stores never share mutable state with callers.
func (r *Reservation) Clone() *Reservation {
	if r == nil {
		return nil
	}
	c := *r
	c.LocationID = cloneUUID(r.LocationID)
	c.DepartmentID = cloneUUID(r.DepartmentID)
	c.Reason = cloneStr(r.Reason)
	c.Notes = cloneStr(r.Notes)
	c.Outcome = cloneStr(r.Outcome)
	c.CancellationReason = cloneStr(r.CancellationReason)
	c.ConfirmedAt = cloneTime(r.ConfirmedAt)
	c.StartedAt = cloneTime(r.StartedAt)
	c.CompletedAt = cloneTime(r.CompletedAt)
	c.CancelledAt = cloneTime(r.CancelledAt)
	if r.Reminders != nil {
		c.Reminders = append([]Reminder(nil), r.Reminders...)
	}
	return &c
}

func cloneUUID(p *uuid.UUID) *uuid.UUID {
	if p == nil {
		return nil
	}
	v := *p
	return &v
}

func cloneStr(p *string) *string {
	if p == nil {
		return nil
	}
	v := *p
	return &v
}

func cloneTime(p *time.Time) *time.Time {
	if p == nil {
		return nil
	}
	v := *p
	return &v
}

// SlotKey is the unit of booking serialization: one resource on one day.
type SlotKey struct {
	ResourceID uuid.UUID
	Date       Date
}

func (k SlotKey) String() string {
	return k.ResourceID.String() + "/" + k.Date.String()
}

// sortedKeys dedupes keys and orders them so every caller acquires locks in
// the same order.
func sortedKeys(keys []SlotKey) []SlotKey {
	seen := make(map[SlotKey]bool, len(keys))
	out := make([]SlotKey, 0, len(keys))
	for _, k := range keys {
		if !seen[k] {
			seen[k] = true
			out = append(out, k)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].String() < out[j].String() })
	return out
}

// WorkingHours is one entry of a resource's weekly template.
type WorkingHours struct {
	ResourceID  uuid.UUID    `db:"resource_id" json:"resource_id"`
	Weekday     time.Weekday `db:"weekday" json:"weekday"`
	IsWorking   bool         `db:"is_working" json:"is_working"`
	StartTime   ClockTime    `db:"start_minute" json:"start_time"`
	EndTime     ClockTime    `db:"end_minute" json:"end_time"`
	StepMinutes *int         `db:"step_minutes" json:"step_minutes,omitempty"`
}

// Slot is a bookable interval.
type Slot struct {
	Start           ClockTime `json:"start_time"`
	End             ClockTime `json:"end_time"`
	DurationMinutes int       `json:"duration_minutes"`
}

// Availability is the answer to a free-slot query. When Working is false the
// slot list is empty and Reason explains why.
type Availability struct {
	ResourceID      uuid.UUID `json:"resource_id"`
	Date            Date      `json:"date"`
	DurationMinutes int       `json:"duration_minutes"`
	StepMinutes     int       `json:"step_minutes"`
	Working         bool      `json:"working"`
	Reason          string    `json:"reason,omitempty"`
	Slots           []Slot    `json:"slots"`
}

// CreateRequest is the candidate for a new reservation. Times arrive as raw
// strings so malformed values surface as field-level validation errors.
type CreateRequest struct {
	ResourceID      uuid.UUID       `json:"resource_id"`
	SubjectID       uuid.UUID       `json:"subject_id"`
	LocationID      *uuid.UUID      `json:"location_id,omitempty"`
	DepartmentID    *uuid.UUID      `json:"department_id,omitempty"`
	Date            string          `json:"date"`
	StartTime       string          `json:"start_time"`
	EndTime         string          `json:"end_time,omitempty"`
	DurationMinutes int             `json:"duration_minutes,omitempty"`
	Priority        Priority        `json:"priority,omitempty"`
	AppointmentType AppointmentType `json:"appointment_type,omitempty"`
	Reason          *string         `json:"reason,omitempty"`
	Notes           *string         `json:"notes,omitempty"`
}

// ReservationPatch holds the fields a generic update may change. A nil field
// is left untouched.
type ReservationPatch struct {
	ResourceID      *uuid.UUID       `json:"resource_id,omitempty"`
	Date            *string          `json:"date,omitempty"`
	StartTime       *string          `json:"start_time,omitempty"`
	EndTime         *string          `json:"end_time,omitempty"`
	LocationID      *uuid.UUID       `json:"location_id,omitempty"`
	DepartmentID    *uuid.UUID       `json:"department_id,omitempty"`
	Priority        *Priority        `json:"priority,omitempty"`
	AppointmentType *AppointmentType `json:"appointment_type,omitempty"`
	Reason          *string          `json:"reason,omitempty"`
	Notes           *string          `json:"notes,omitempty"`
}

// Reschedules reports whether the patch moves the reservation in time or to
// another resource.
func (p *ReservationPatch) Reschedules() bool {
	return p.ResourceID != nil || p.Date != nil || p.StartTime != nil || p.EndTime != nil
}

func (p *ReservationPatch) Empty() bool {
	return !p.Reschedules() && p.LocationID == nil && p.DepartmentID == nil &&
		p.Priority == nil && p.AppointmentType == nil && p.Reason == nil && p.Notes == nil
}

var patchableFields = map[string]bool{
	"resource_id": true, "date": true, "start_time": true, "end_time": true,
	"location_id": true, "department_id": true, "priority": true,
	"appointment_type": true, "reason": true, "notes": true,
}

var immutableFields = map[string]string{
	"id":                  "is immutable",
	"subject_id":          "is immutable",
	"status":              "changes only through lifecycle transitions",
	"cancellation_reason": "is set only by cancellation",
	"outcome":             "is set only by completion",
	"reminders":           "is append-only through the reminder endpoint",
	"version_id":          "is managed by the server",
	"duration_minutes":    "is derived from start_time and end_time",
	"created_by":          "is an audit field",
	"created_at":          "is an audit field",
	"updated_by":          "is an audit field",
	"updated_at":          "is an audit field",
	"confirmed_at":        "is an audit field",
	"started_at":          "is an audit field",
	"completed_at":        "is an audit field",
	"cancelled_at":        "is an audit field",
}

// DecodePatch decodes a JSON object into a ReservationPatch, rejecting any key
// outside the allow-list instead of silently dropping it.
func DecodePatch(body []byte) (*ReservationPatch, error) {
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(body, &raw); err != nil {
		return nil, invalid("", "body must be a JSON object")
	}
	keys := make([]string, 0, len(raw))
	for k := range raw {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		if why, ok := immutableFields[k]; ok {
			return nil, invalid(k, "%s", why)
		}
		if !patchableFields[k] {
			return nil, invalid(k, "unknown field")
		}
	}

	dec := json.NewDecoder(bytes.NewReader(body))
	dec.DisallowUnknownFields()
	var p ReservationPatch
	if err := dec.Decode(&p); err != nil {
		return nil, invalid(fieldFromDecodeError(err), "malformed value")
	}
	return &p, nil
}

func fieldFromDecodeError(err error) string {
	if e, ok := err.(*json.UnmarshalTypeError); ok {
		return e.Field
	}
	return ""
}

// Stats is a read-only rollup over a period of reservation dates.
type Stats struct {
	From           Date           `json:"from"`
	To             Date           `json:"to"`
	Total          int            `json:"total"`
	ByStatus       map[Status]int `json:"by_status"`
	ByDay          []DayCount     `json:"by_day"`
	CompletionRate float64        `json:"completion_rate"`
	NoShowRate     float64        `json:"no_show_rate"`
	TrailingFrom   Date           `json:"trailing_from"`
	WeekdayCounts  map[string]int `json:"weekday_counts"`
	BusiestWeekday string         `json:"busiest_weekday,omitempty"`
}

// DayCount is the per-status reservation count for one date.
type DayCount struct {
	Date     Date           `json:"date"`
	Total    int            `json:"total"`
	ByStatus map[Status]int `json:"by_status"`
}

// StatusCount is one (date, status) row of the store's grouped count.
type StatusCount struct {
	Date   Date
	Status Status
	Count  int
}

func (s Status) String() string { return string(s) }

func (e Event) String() string { return string(e) }
