package scheduling

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

// MemoryStore is an in-process implementation of the reservation store, the
// unit of work, the working-hours provider and the directory. Units of work
// stage their writes and publish them only on success.
type MemoryStore struct {
	mu           sync.RWMutex
	reservations map[uuid.UUID]*Reservation
	hours        map[uuid.UUID]map[time.Weekday]*WorkingHours
	resources    map[uuid.UUID]bool
	subjects     map[uuid.UUID]bool

	locksMu sync.Mutex
	locks   map[SlotKey]chan struct{}
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		reservations: make(map[uuid.UUID]*Reservation),
		hours:        make(map[uuid.UUID]map[time.Weekday]*WorkingHours),
		resources:    make(map[uuid.UUID]bool),
		subjects:     make(map[uuid.UUID]bool),
		locks:        make(map[SlotKey]chan struct{}),
	}
}

// SetWorkingHours registers a template entry and the resource it belongs to.
func (m *MemoryStore) SetWorkingHours(wh WorkingHours) {
	m.mu.Lock()
	defer m.mu.Unlock()
	days, ok := m.hours[wh.ResourceID]
	if !ok {
		days = make(map[time.Weekday]*WorkingHours)
		m.hours[wh.ResourceID] = days
	}
	v := wh
	days[wh.Weekday] = &v
	m.resources[wh.ResourceID] = true
}

func (m *MemoryStore) AddResource(id uuid.UUID) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.resources[id] = true
}

func (m *MemoryStore) AddSubject(id uuid.UUID) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.subjects[id] = true
}

type seedFile struct {
	Resources    []uuid.UUID `json:"resources"`
	Subjects     []uuid.UUID `json:"subjects"`
	WorkingHours []struct {
		ResourceID  uuid.UUID `json:"resource_id"`
		Weekday     string    `json:"weekday"`
		IsWorking   bool      `json:"is_working"`
		StartTime   ClockTime `json:"start_time"`
		EndTime     ClockTime `json:"end_time"`
		StepMinutes *int      `json:"step_minutes,omitempty"`
	} `json:"working_hours"`
}

var weekdays = map[string]time.Weekday{
	"sunday": time.Sunday, "monday": time.Monday, "tuesday": time.Tuesday,
	"wednesday": time.Wednesday, "thursday": time.Thursday, "friday": time.Friday,
	"saturday": time.Saturday,
}

// LoadSeed reads providers, patients and working hours from a JSON document.
func (m *MemoryStore) LoadSeed(r io.Reader) error {
	var seed seedFile
	if err := json.NewDecoder(r).Decode(&seed); err != nil {
		return fmt.Errorf("decode seed: %w", err)
	}
	for _, id := range seed.Resources {
		m.AddResource(id)
	}
	for _, id := range seed.Subjects {
		m.AddSubject(id)
	}
	for _, wh := range seed.WorkingHours {
		day, ok := weekdays[wh.Weekday]
		if !ok {
			return fmt.Errorf("seed: unknown weekday %q", wh.Weekday)
		}
		m.SetWorkingHours(WorkingHours{
			ResourceID:  wh.ResourceID,
			Weekday:     day,
			IsWorking:   wh.IsWorking,
			StartTime:   wh.StartTime,
			EndTime:     wh.EndTime,
			StepMinutes: wh.StepMinutes,
		})
	}
	return nil
}

// -- Directory / WorkingHoursProvider --

func (m *MemoryStore) ResourceExists(_ context.Context, id uuid.UUID) (bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.resources[id], nil
}

func (m *MemoryStore) SubjectExists(_ context.Context, id uuid.UUID) (bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.subjects[id], nil
}

func (m *MemoryStore) GetTemplate(_ context.Context, resourceID uuid.UUID, weekday time.Weekday) (*WorkingHours, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	wh, ok := m.hours[resourceID][weekday]
	if !ok {
		return nil, nil
	}
	v := *wh
	return &v, nil
}

// -- UnitOfWork --

type memTx struct {
	created  map[uuid.UUID]*Reservation
	updated  map[uuid.UUID]*Reservation
	expected map[uuid.UUID]int
	appended map[uuid.UUID][]Reminder
}

type memTxKey struct{}

func txFrom(ctx context.Context) *memTx {
	tx, _ := ctx.Value(memTxKey{}).(*memTx)
	return tx
}

func (m *MemoryStore) lockFor(k SlotKey) chan struct{} {
	m.locksMu.Lock()
	defer m.locksMu.Unlock()
	ch, ok := m.locks[k]
	if !ok {
		ch = make(chan struct{}, 1)
		m.locks[k] = ch
	}
	return ch
}

// Do holds every key for the duration of fn. Keys are acquired in sorted
// order; waiting honors ctx so a stuck lock surfaces as a deadline error.
func (m *MemoryStore) Do(ctx context.Context, keys []SlotKey, fn func(ctx context.Context) error) error {
	var held []chan struct{}
	defer func() {
		for _, ch := range held {
			<-ch
		}
	}()
	for _, k := range sortedKeys(keys) {
		ch := m.lockFor(k)
		select {
		case ch <- struct{}{}:
			held = append(held, ch)
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	tx := &memTx{
		created:  make(map[uuid.UUID]*Reservation),
		updated:  make(map[uuid.UUID]*Reservation),
		expected: make(map[uuid.UUID]int),
		appended: make(map[uuid.UUID][]Reminder),
	}
	if err := fn(context.WithValue(ctx, memTxKey{}, tx)); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	return m.commit(tx)
}

func (m *MemoryStore) commit(tx *memTx) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	for id := range tx.created {
		if _, ok := m.reservations[id]; ok {
			return fmt.Errorf("reservation %s already exists", id)
		}
	}
	for id, v := range tx.expected {
		cur, ok := m.reservations[id]
		if !ok {
			return &NotFoundError{Kind: "reservation", ID: id.String()}
		}
		if cur.VersionID != v {
			return ErrStaleWrite
		}
	}

	for id, r := range tx.created {
		m.reservations[id] = r
	}
	for id, r := range tx.updated {
		r.Reminders = m.reservations[id].Reminders
		m.reservations[id] = r
	}
	for id, rems := range tx.appended {
		if r, ok := m.reservations[id]; ok {
			r.Reminders = append(append([]Reminder(nil), r.Reminders...), rems...)
		}
	}
	return nil
}

// -- ReservationRepository --

func (m *MemoryStore) Create(ctx context.Context, r *Reservation) error {
	if r.ID == uuid.Nil {
		r.ID = uuid.New()
	}
	r.VersionID = 1
	stored := r.Clone()
	stored.Reminders = nil

	if tx := txFrom(ctx); tx != nil {
		tx.created[r.ID] = stored
		return nil
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.reservations[r.ID]; ok {
		return fmt.Errorf("reservation %s already exists", r.ID)
	}
	m.reservations[r.ID] = stored
	return nil
}

func (m *MemoryStore) lookup(ctx context.Context, id uuid.UUID) (*Reservation, bool) {
	if tx := txFrom(ctx); tx != nil {
		if r, ok := tx.updated[id]; ok {
			return withReminders(r, m.committedReminders(id), tx.appended[id]), true
		}
		if r, ok := tx.created[id]; ok {
			return withReminders(r, nil, tx.appended[id]), true
		}
		m.mu.RLock()
		r, ok := m.reservations[id]
		if ok {
			r = r.Clone()
		}
		m.mu.RUnlock()
		if !ok {
			return nil, false
		}
		return withReminders(r, r.Reminders, tx.appended[id]), true
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	r, ok := m.reservations[id]
	if !ok {
		return nil, false
	}
	return r.Clone(), true
}

func (m *MemoryStore) committedReminders(id uuid.UUID) []Reminder {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if r, ok := m.reservations[id]; ok {
		return r.Reminders
	}
	return nil
}

func withReminders(r *Reservation, base, extra []Reminder) *Reservation {
	c := r.Clone()
	c.Reminders = nil
	if len(base)+len(extra) > 0 {
		c.Reminders = append(append(c.Reminders, base...), extra...)
	}
	return c
}

func (m *MemoryStore) GetByID(ctx context.Context, id uuid.UUID) (*Reservation, error) {
	r, ok := m.lookup(ctx, id)
	if !ok {
		return nil, &NotFoundError{Kind: "reservation", ID: id.String()}
	}
	return r, nil
}

func (m *MemoryStore) Update(ctx context.Context, r *Reservation, expectedVersion int) error {
	cur, ok := m.lookup(ctx, r.ID)
	if !ok {
		return &NotFoundError{Kind: "reservation", ID: r.ID.String()}
	}
	if cur.VersionID != expectedVersion {
		return ErrStaleWrite
	}
	next := r.Clone()
	next.VersionID = expectedVersion + 1
	next.Reminders = nil

	if tx := txFrom(ctx); tx != nil {
		if _, created := tx.created[r.ID]; created {
			tx.created[r.ID] = next
		} else {
			if _, seen := tx.expected[r.ID]; !seen {
				tx.expected[r.ID] = expectedVersion
			}
			tx.updated[r.ID] = next
		}
		r.VersionID = next.VersionID
		return nil
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	stored, ok := m.reservations[r.ID]
	if !ok {
		return &NotFoundError{Kind: "reservation", ID: r.ID.String()}
	}
	if stored.VersionID != expectedVersion {
		return ErrStaleWrite
	}
	next.Reminders = stored.Reminders
	m.reservations[r.ID] = next
	r.VersionID = next.VersionID
	return nil
}

func (m *MemoryStore) AppendReminder(ctx context.Context, id uuid.UUID, rem Reminder) error {
	if _, ok := m.lookup(ctx, id); !ok {
		return &NotFoundError{Kind: "reservation", ID: id.String()}
	}
	if tx := txFrom(ctx); tx != nil {
		tx.appended[id] = append(tx.appended[id], rem)
		return nil
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	r := m.reservations[id]
	r.Reminders = append(append([]Reminder(nil), r.Reminders...), rem)
	return nil
}

// snapshot returns clones of the reservations keep accepts, reading committed
// state overlaid with the staged writes of the unit of work in ctx, if any.
// keep sees the stored value and must not retain or modify it.
func (m *MemoryStore) snapshot(ctx context.Context, keep func(*Reservation) bool) []*Reservation {
	tx := txFrom(ctx)
	staged := func(id uuid.UUID) bool {
		if tx == nil {
			return false
		}
		_, updated := tx.updated[id]
		_, created := tx.created[id]
		return updated || created
	}

	var list []*Reservation
	m.mu.RLock()
	for id, r := range m.reservations {
		if !staged(id) && keep(r) {
			list = append(list, r.Clone())
		}
	}
	m.mu.RUnlock()

	if tx != nil {
		for id, r := range tx.updated {
			if _, created := tx.created[id]; !created && keep(r) {
				list = append(list, r.Clone())
			}
		}
		for _, r := range tx.created {
			if keep(r) {
				list = append(list, r.Clone())
			}
		}
	}
	sortReservations(list)
	return list
}

func sortReservations(list []*Reservation) {
	sort.Slice(list, func(i, j int) bool {
		a, b := list[i], list[j]
		if a.Date != b.Date {
			return a.Date.Before(b.Date)
		}
		if a.StartTime != b.StartTime {
			return a.StartTime < b.StartTime
		}
		return a.ID.String() < b.ID.String()
	})
}

func (m *MemoryStore) ListOccupying(ctx context.Context, key SlotKey) ([]*Reservation, error) {
	return m.snapshot(ctx, func(r *Reservation) bool {
		return r.ResourceID == key.ResourceID && r.Date == key.Date && r.Status.Occupying()
	}), nil
}

func (m *MemoryStore) ListBySubject(ctx context.Context, subjectID uuid.UUID, limit, offset int) ([]*Reservation, int, error) {
	matched := m.snapshot(ctx, func(r *Reservation) bool { return r.SubjectID == subjectID })
	return page(matched, limit, offset), len(matched), nil
}

func (m *MemoryStore) Search(ctx context.Context, params map[string]string, limit, offset int) ([]*Reservation, int, error) {
	matched := m.snapshot(ctx, func(r *Reservation) bool { return matchesParams(r, params) })
	return page(matched, limit, offset), len(matched), nil
}

func matchesParams(r *Reservation, params map[string]string) bool {
	for k, v := range params {
		switch k {
		case "resource_id":
			if r.ResourceID.String() != v {
				return false
			}
		case "subject_id":
			if r.SubjectID.String() != v {
				return false
			}
		case "location_id":
			if r.LocationID == nil || r.LocationID.String() != v {
				return false
			}
		case "department_id":
			if r.DepartmentID == nil || r.DepartmentID.String() != v {
				return false
			}
		case "date":
			if r.Date.String() != v {
				return false
			}
		case "date_from":
			if d, err := ParseDate(v); err == nil && r.Date.Before(d) {
				return false
			}
		case "date_to":
			if d, err := ParseDate(v); err == nil && d.Before(r.Date) {
				return false
			}
		case "status":
			if string(r.Status) != v {
				return false
			}
		case "priority":
			if string(r.Priority) != v {
				return false
			}
		case "appointment_type":
			if string(r.AppointmentType) != v {
				return false
			}
		}
	}
	return true
}

func page(items []*Reservation, limit, offset int) []*Reservation {
	if offset >= len(items) {
		return []*Reservation{}
	}
	end := len(items)
	if limit > 0 && offset+limit < end {
		end = offset + limit
	}
	return items[offset:end]
}

func (m *MemoryStore) CountByDateStatus(ctx context.Context, from, to Date) ([]StatusCount, error) {
	type k struct {
		d Date
		s Status
	}
	counts := make(map[k]int)
	inRange := func(r *Reservation) bool { return !r.Date.Before(from) && !to.Before(r.Date) }
	for _, r := range m.snapshot(ctx, inRange) {
		counts[k{r.Date, r.Status}]++
	}
	out := make([]StatusCount, 0, len(counts))
	for key, n := range counts {
		out = append(out, StatusCount{Date: key.d, Status: key.s, Count: n})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Date != out[j].Date {
			return out[i].Date.Before(out[j].Date)
		}
		return out[i].Status < out[j].Status
	})
	return out, nil
}
