package scheduling

import (
	"context"
	"sort"
	"time"

	"golang.org/x/sync/errgroup"
)

const (
	DefaultStatsWindowDays = 28
	maxStatsSpanDays       = 366
)

// Period selects the reservation dates a rollup covers. WindowDays is the
// trailing window, ending at To, used for the busiest-weekday ranking.
type Period struct {
	From       Date
	To         Date
	WindowDays int
}

// StatsAggregator computes read-only rollups. Results may trail in-flight
// bookings.
type StatsAggregator struct {
	reservations ReservationRepository
	timeout      time.Duration
}

func NewStatsAggregator(reservations ReservationRepository, timeout time.Duration) *StatsAggregator {
	return &StatsAggregator{reservations: reservations, timeout: timeout}
}

func (a *StatsAggregator) GetStatistics(ctx context.Context, p Period) (*Stats, error) {
	if p.From.IsZero() || p.To.IsZero() {
		return nil, invalid("period", "from and to are required")
	}
	if p.To.Before(p.From) {
		return nil, invalid("period", "from must not be after to")
	}
	if p.From.AddDays(maxStatsSpanDays).Before(p.To) {
		return nil, invalid("period", "must span at most %d days", maxStatsSpanDays)
	}
	if p.WindowDays == 0 {
		p.WindowDays = DefaultStatsWindowDays
	}
	if p.WindowDays < 1 || p.WindowDays > maxStatsSpanDays {
		return nil, invalid("window_days", "must be between 1 and %d", maxStatsSpanDays)
	}
	trailingFrom := p.To.AddDays(1 - p.WindowDays)

	ctx, cancel := withTimeout(ctx, a.timeout)
	defer cancel()

	var periodRows, windowRows []StatusCount
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		rows, err := a.reservations.CountByDateStatus(gctx, p.From, p.To)
		periodRows = rows
		return err
	})
	g.Go(func() error {
		rows, err := a.reservations.CountByDateStatus(gctx, trailingFrom, p.To)
		windowRows = rows
		return err
	})
	if err := g.Wait(); err != nil {
		return nil, storeErr("reservation statistics", err)
	}

	st := summarize(periodRows)
	st.From, st.To = p.From, p.To
	st.TrailingFrom = trailingFrom
	st.WeekdayCounts, st.BusiestWeekday = busiestWeekday(windowRows)
	return st, nil
}

// summarize folds grouped counts into totals. Rates are taken over every
// reservation that was not cancelled, since a cancelled visit was never due.
func summarize(rows []StatusCount) *Stats {
	st := &Stats{ByStatus: make(map[Status]int, len(AllStatuses)), ByDay: []DayCount{}}
	for _, s := range AllStatuses {
		st.ByStatus[s] = 0
	}

	days := make(map[Date]*DayCount)
	for _, row := range rows {
		st.ByStatus[row.Status] += row.Count
		st.Total += row.Count
		dc, ok := days[row.Date]
		if !ok {
			dc = &DayCount{Date: row.Date, ByStatus: make(map[Status]int)}
			days[row.Date] = dc
		}
		dc.ByStatus[row.Status] += row.Count
		dc.Total += row.Count
	}
	for _, dc := range days {
		st.ByDay = append(st.ByDay, *dc)
	}
	sort.Slice(st.ByDay, func(i, j int) bool { return st.ByDay[i].Date.Before(st.ByDay[j].Date) })

	due := st.Total - st.ByStatus[StatusCancelled]
	if due > 0 {
		st.CompletionRate = round4(float64(st.ByStatus[StatusCompleted]) / float64(due))
		st.NoShowRate = round4(float64(st.ByStatus[StatusNoShow]) / float64(due))
	}
	return st
}

// busiestWeekday counts reservations per weekday. Ties go to the earlier
// weekday, Sunday first, so the answer is deterministic.
func busiestWeekday(rows []StatusCount) (map[string]int, string) {
	var counts [7]int
	for _, row := range rows {
		counts[row.Date.Weekday()] += row.Count
	}
	out := make(map[string]int, 7)
	best, bestN := -1, 0
	for d := time.Sunday; d <= time.Saturday; d++ {
		out[d.String()] = counts[d]
		if counts[d] > bestN {
			best, bestN = int(d), counts[d]
		}
	}
	if best < 0 {
		return out, ""
	}
	return out, time.Weekday(best).String()
}

func round4(f float64) float64 {
	return float64(int64(f*10000+0.5)) / 10000
}
