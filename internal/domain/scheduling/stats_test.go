package scheduling

import (
	"context"
	"errors"
	"testing"
	"time"
)

type countingRepo struct {
	*MemoryStore
	rows []StatusCount
	err  error
}

func (c *countingRepo) CountByDateStatus(_ context.Context, from, to Date) ([]StatusCount, error) {
	if c.err != nil {
		return nil, c.err
	}
	var out []StatusCount
	for _, r := range c.rows {
		if !r.Date.Before(from) && !to.Before(r.Date) {
			out = append(out, r)
		}
	}
	return out, nil
}

func day(t *testing.T, s string) Date {
	t.Helper()
	d, err := ParseDate(s)
	if err != nil {
		t.Fatalf("ParseDate(%q): %v", s, err)
	}
	return d
}

func TestGetStatistics(t *testing.T) {
	repo := &countingRepo{rows: []StatusCount{
		{Date: day(t, "2024-05-06"), Status: StatusCompleted, Count: 6},
		{Date: day(t, "2024-05-06"), Status: StatusNoShow, Count: 2},
		{Date: day(t, "2024-05-06"), Status: StatusCancelled, Count: 3},
		{Date: day(t, "2024-05-07"), Status: StatusScheduled, Count: 2},
		{Date: day(t, "2024-04-01"), Status: StatusCompleted, Count: 9},
	}}
	agg := NewStatsAggregator(repo, time.Second)

	st, err := agg.GetStatistics(context.Background(), Period{From: day(t, "2024-05-01"), To: day(t, "2024-05-31")})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if st.Total != 13 {
		t.Errorf("expected total 13, got %d", st.Total)
	}
	if st.ByStatus[StatusCompleted] != 6 || st.ByStatus[StatusConfirmed] != 0 {
		t.Errorf("unexpected by_status %v", st.ByStatus)
	}
	// 10 reservations were due (13 minus 3 cancelled)
	if st.CompletionRate != 0.6 {
		t.Errorf("expected completion rate 0.6, got %v", st.CompletionRate)
	}
	if st.NoShowRate != 0.2 {
		t.Errorf("expected no-show rate 0.2, got %v", st.NoShowRate)
	}
	if len(st.ByDay) != 2 || st.ByDay[0].Date != day(t, "2024-05-06") || st.ByDay[0].Total != 11 {
		t.Errorf("unexpected by_day %+v", st.ByDay)
	}
	if st.TrailingFrom != day(t, "2024-05-04") {
		t.Errorf("expected trailing window from 2024-05-04, got %s", st.TrailingFrom)
	}
	if st.BusiestWeekday != "Monday" {
		t.Errorf("expected Monday, got %q", st.BusiestWeekday)
	}
	if st.WeekdayCounts["Monday"] != 11 || st.WeekdayCounts["Tuesday"] != 2 {
		t.Errorf("unexpected weekday counts %v", st.WeekdayCounts)
	}
}

func TestGetStatistics_EmptyAndTies(t *testing.T) {
	agg := NewStatsAggregator(&countingRepo{}, time.Second)
	st, err := agg.GetStatistics(context.Background(), Period{From: day(t, "2024-05-01"), To: day(t, "2024-05-31")})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if st.Total != 0 || st.CompletionRate != 0 || st.BusiestWeekday != "" {
		t.Errorf("expected empty rollup, got %+v", st)
	}

	repo := &countingRepo{rows: []StatusCount{
		{Date: day(t, "2024-05-10"), Status: StatusScheduled, Count: 4}, // Friday
		{Date: day(t, "2024-05-07"), Status: StatusScheduled, Count: 4}, // Tuesday
	}}
	st, _ = NewStatsAggregator(repo, time.Second).GetStatistics(context.Background(),
		Period{From: day(t, "2024-05-01"), To: day(t, "2024-05-31")})
	if st.BusiestWeekday != "Tuesday" {
		t.Errorf("expected tie to go to the earlier weekday, got %q", st.BusiestWeekday)
	}
}

func TestGetStatistics_Validation(t *testing.T) {
	agg := NewStatsAggregator(&countingRepo{}, time.Second)
	periods := []Period{
		{},
		{From: day(t, "2024-05-31"), To: day(t, "2024-05-01")},
		{From: day(t, "2023-01-01"), To: day(t, "2024-05-01")},
		{From: day(t, "2024-05-01"), To: day(t, "2024-05-31"), WindowDays: -1},
	}
	for _, p := range periods {
		if _, err := agg.GetStatistics(context.Background(), p); !errors.Is(err, ErrValidation) {
			t.Errorf("expected %+v to fail validation, got %v", p, err)
		}
	}
}

func TestGetStatistics_StoreTimeout(t *testing.T) {
	agg := NewStatsAggregator(&countingRepo{err: context.DeadlineExceeded}, time.Second)
	_, err := agg.GetStatistics(context.Background(), Period{From: day(t, "2024-05-01"), To: day(t, "2024-05-02")})
	if !errors.Is(err, ErrDependencyUnavailable) {
		t.Errorf("expected ErrDependencyUnavailable, got %v", err)
	}
}

func TestGetStatistics_FromMemoryStore(t *testing.T) {
	f := newFixture(t)
	a := f.book(t, "09:00", "09:30")
	f.book(t, "10:00", "10:30")
	ctx := context.Background()
	if _, err := f.svc.Transition(ctx, a.ID, TransitionInput{Event: EventNoShow}, "desk-1"); err != nil {
		t.Fatalf("no-show: %v", err)
	}

	st, err := f.svc.GetStatistics(ctx, Period{From: monday, To: monday})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if st.Total != 2 || st.ByStatus[StatusNoShow] != 1 || st.NoShowRate != 0.5 {
		t.Errorf("unexpected rollup %+v", st)
	}
}
