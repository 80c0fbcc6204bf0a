package scheduling

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
)

func newStoredReservation(t *testing.T, m *MemoryStore, resource uuid.UUID, start, end string) *Reservation {
	t.Helper()
	r := &Reservation{
		ResourceID: resource,
		SubjectID:  uuid.New(),
		Date:       monday,
		StartTime:  clock(t, start),
		EndTime:    clock(t, end),
		Status:     StatusScheduled,
	}
	if err := m.Create(context.Background(), r); err != nil {
		t.Fatalf("create: %v", err)
	}
	return r
}

func TestMemoryStore_UnitOfWorkDiscardsOnError(t *testing.T) {
	m := NewMemoryStore()
	resource := uuid.New()
	key := SlotKey{resource, monday}
	boom := errors.New("boom")

	err := m.Do(context.Background(), []SlotKey{key}, func(ctx context.Context) error {
		r := &Reservation{ResourceID: resource, Date: monday, StartTime: 600, EndTime: 630, Status: StatusScheduled}
		if err := m.Create(ctx, r); err != nil {
			return err
		}
		staged, _ := m.ListOccupying(ctx, key)
		if len(staged) != 1 {
			t.Errorf("expected staged write to be visible inside the unit, got %d", len(staged))
		}
		return boom
	})
	if !errors.Is(err, boom) {
		t.Fatalf("expected boom, got %v", err)
	}
	if got, _ := m.ListOccupying(context.Background(), key); len(got) != 0 {
		t.Errorf("expected rollback, found %d reservations", len(got))
	}
}

// Staged writes decide membership: a reservation cancelled inside the unit no
// longer occupies its key there, while committed readers still see it.
func TestMemoryStore_ListOccupyingFiltersStagedState(t *testing.T) {
	m := NewMemoryStore()
	resource := uuid.New()
	key := SlotKey{resource, monday}
	moving := newStoredReservation(t, m, resource, "10:00", "10:30")
	newStoredReservation(t, m, resource, "11:00", "11:30")
	newStoredReservation(t, m, uuid.New(), "10:00", "10:30")

	err := m.Do(context.Background(), []SlotKey{key}, func(ctx context.Context) error {
		cur, err := m.GetByID(ctx, moving.ID)
		if err != nil {
			return err
		}
		cur.Status = StatusCancelled
		if err := m.Update(ctx, cur, cur.VersionID); err != nil {
			return err
		}
		added := &Reservation{ResourceID: resource, Date: monday, StartTime: 600, EndTime: 630, Status: StatusScheduled}
		if err := m.Create(ctx, added); err != nil {
			return err
		}

		inside, _ := m.ListOccupying(ctx, key)
		if len(inside) != 2 || inside[0].ID != added.ID {
			t.Errorf("expected staged create and untouched 11:00 inside the unit, got %d", len(inside))
		}
		outside, _ := m.ListOccupying(context.Background(), key)
		if len(outside) != 2 || outside[0].ID != moving.ID {
			t.Errorf("expected committed view to be unchanged, got %d", len(outside))
		}
		return nil
	})
	if err != nil {
		t.Fatalf("do: %v", err)
	}

	got, _ := m.ListOccupying(context.Background(), key)
	for _, r := range got {
		if r.ID == moving.ID {
			t.Error("cancelled reservation still occupies after commit")
		}
	}
	if len(got) != 2 {
		t.Errorf("expected 2 occupying after commit, got %d", len(got))
	}

	// returned values are copies
	got[0].StartTime = 0
	again, _ := m.ListOccupying(context.Background(), key)
	if again[0].StartTime == 0 {
		t.Error("mutating a listed reservation leaked into the store")
	}
}

func TestMemoryStore_UpdateChecksVersion(t *testing.T) {
	m := NewMemoryStore()
	r := newStoredReservation(t, m, uuid.New(), "10:00", "10:30")
	ctx := context.Background()

	r.Status = StatusConfirmed
	if err := m.Update(ctx, r, 1); err != nil {
		t.Fatalf("update: %v", err)
	}
	if r.VersionID != 2 {
		t.Errorf("expected version bump to 2, got %d", r.VersionID)
	}
	if err := m.Update(ctx, r, 1); !errors.Is(err, ErrStaleWrite) {
		t.Errorf("expected ErrStaleWrite, got %v", err)
	}
	missing := &Reservation{ID: uuid.New()}
	if err := m.Update(ctx, missing, 1); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}

func TestMemoryStore_CommitDetectsConcurrentWrite(t *testing.T) {
	m := NewMemoryStore()
	r := newStoredReservation(t, m, uuid.New(), "10:00", "10:30")
	other := SlotKey{uuid.New(), monday}

	// the unit locks an unrelated key, so a direct write can slip in before commit
	err := m.Do(context.Background(), []SlotKey{other}, func(ctx context.Context) error {
		cur, _ := m.GetByID(ctx, r.ID)
		cur.Notes = strPtr("staged")
		if err := m.Update(ctx, cur, 1); err != nil {
			return err
		}
		direct, _ := m.GetByID(context.Background(), r.ID)
		direct.Status = StatusConfirmed
		return m.Update(context.Background(), direct, 1)
	})
	if !errors.Is(err, ErrStaleWrite) {
		t.Fatalf("expected commit to fail with ErrStaleWrite, got %v", err)
	}
	got, _ := m.GetByID(context.Background(), r.ID)
	if got.Notes != nil || got.Status != StatusConfirmed {
		t.Errorf("expected the direct write to win, got %+v", got)
	}
}

func TestMemoryStore_LockHonorsDeadline(t *testing.T) {
	m := NewMemoryStore()
	key := SlotKey{uuid.New(), monday}
	held := make(chan struct{})
	release := make(chan struct{})
	go func() {
		_ = m.Do(context.Background(), []SlotKey{key}, func(context.Context) error {
			close(held)
			<-release
			return nil
		})
	}()
	<-held
	defer close(release)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	err := m.Do(ctx, []SlotKey{key}, func(context.Context) error { return nil })
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("expected deadline exceeded while waiting for the lock, got %v", err)
	}
}

func TestMemoryStore_RemindersAppendOnly(t *testing.T) {
	m := NewMemoryStore()
	r := newStoredReservation(t, m, uuid.New(), "10:00", "10:30")
	ctx := context.Background()

	if err := m.AppendReminder(ctx, r.ID, Reminder{Channel: ChannelSMS, DeliveryStatus: DeliverySent}); err != nil {
		t.Fatalf("append: %v", err)
	}
	cur, _ := m.GetByID(ctx, r.ID)
	cur.Reminders = nil
	if err := m.Update(ctx, cur, cur.VersionID); err != nil {
		t.Fatalf("update: %v", err)
	}
	got, _ := m.GetByID(ctx, r.ID)
	if len(got.Reminders) != 1 {
		t.Errorf("update must not drop reminders, got %d", len(got.Reminders))
	}
	if err := m.AppendReminder(ctx, uuid.New(), Reminder{}); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}

func TestMemoryStore_SearchFilters(t *testing.T) {
	m := NewMemoryStore()
	resource := uuid.New()
	a := newStoredReservation(t, m, resource, "10:00", "10:30")
	newStoredReservation(t, m, resource, "09:00", "09:30")
	newStoredReservation(t, m, uuid.New(), "09:00", "09:30")
	ctx := context.Background()

	items, total, _ := m.Search(ctx, map[string]string{"resource_id": resource.String()}, 10, 0)
	if total != 2 || items[0].StartTime.String() != "09:00" {
		t.Errorf("expected 2 ordered results, got %d", total)
	}
	items, total, _ = m.Search(ctx, map[string]string{"subject_id": a.SubjectID.String()}, 10, 0)
	if total != 1 || items[0].ID != a.ID {
		t.Errorf("expected subject filter to match one, got %d", total)
	}
	_, total, _ = m.Search(ctx, map[string]string{"date_from": "2024-05-07"}, 10, 0)
	if total != 0 {
		t.Errorf("expected date_from to exclude everything, got %d", total)
	}
	items, total, _ = m.Search(ctx, nil, 2, 2)
	if total != 3 || len(items) != 1 {
		t.Errorf("expected last page of 1 out of 3, got %d of %d", len(items), total)
	}
}

func TestMemoryStore_LoadSeed(t *testing.T) {
	m := NewMemoryStore()
	resource, subject := uuid.New(), uuid.New()
	seed := `{
		"resources": ["` + resource.String() + `"],
		"subjects": ["` + subject.String() + `"],
		"working_hours": [
			{"resource_id": "` + resource.String() + `", "weekday": "monday", "is_working": true,
			 "start_time": "08:30", "end_time": "16:00", "step_minutes": 10}
		]
	}`
	if err := m.LoadSeed(strings.NewReader(seed)); err != nil {
		t.Fatalf("load seed: %v", err)
	}
	ctx := context.Background()
	if ok, _ := m.SubjectExists(ctx, subject); !ok {
		t.Error("expected subject to be registered")
	}
	wh, _ := m.GetTemplate(ctx, resource, time.Monday)
	if wh == nil || wh.StartTime.String() != "08:30" || wh.StepMinutes == nil || *wh.StepMinutes != 10 {
		t.Errorf("unexpected template %+v", wh)
	}
	if wh, _ := m.GetTemplate(ctx, resource, time.Tuesday); wh != nil {
		t.Errorf("expected no template for Tuesday, got %+v", wh)
	}

	bad := `{"working_hours":[{"resource_id":"` + resource.String() + `","weekday":"funday"}]}`
	if err := m.LoadSeed(strings.NewReader(bad)); err == nil {
		t.Error("expected unknown weekday to fail")
	}
}

func strPtr(s string) *string { return &s }
