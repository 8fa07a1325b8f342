// Package aggregate turns daily service counts into the monthly averages a
// subscription is billed against.
package aggregate

import (
	"sort"
	"time"

	"github.com/thannaske/licenseusage/pkg/models"
	"github.com/thannaske/licenseusage/pkg/usage"
)

// MaxDays is the number of most recent days kept in the daily series.
const MaxDays = 400

// DailyCount is the service count of one UTC calendar day.
type DailyCount struct {
	Day   time.Time `json:"day"`
	Count int64     `json:"count"`
}

// Report is what the usage page shows for one subscription.
type Report struct {
	Username     string                        `json:"username"`
	Subscription *usage.SubscriptionDetails    `json:"-"`
	Daily        []DailyCount                  `json:"daily"`
	Monthly      []models.MonthlyServiceAverage `json:"monthly"`
	// Last is the most recent complete month.
	Last *models.MonthlyServiceAverage `json:"last,omitempty"`
	// Highest is the month with the highest average; the earliest wins a
	// tie.
	Highest *models.MonthlyServiceAverage `json:"highest,omitempty"`
	// FirstBreach is the first month whose average reached the limit. It
	// is never set for unlimited subscriptions.
	FirstBreach *models.MonthlyServiceAverage `json:"first_breach,omitempty"`
}

// Aggregate builds the report for samples observed up to now. Without
// subscription details only the daily series is filled in.
func Aggregate(now time.Time, username string, details *usage.SubscriptionDetails, samples []usage.CountAt) Report {
	r := Report{
		Username:     username,
		Subscription: details,
		Daily:        DailyCounts(samples),
	}
	if details == nil {
		return r
	}

	r.Monthly = MonthlyAverages(now, *details, r.Daily)
	if len(r.Monthly) == 0 {
		return r
	}
	r.Last = &r.Monthly[len(r.Monthly)-1]
	r.Highest = &r.Monthly[0]
	for i := range r.Monthly {
		if r.Monthly[i].AvgServices > r.Highest.AvgServices {
			r.Highest = &r.Monthly[i]
		}
	}
	r.FirstBreach = FirstBreach(details.Limit, r.Monthly)
	return r
}

// DailyCounts sums the counts observed on each UTC day and returns the
// most recent MaxDays days, oldest first. There is normally a single sample
// per day.
func DailyCounts(samples []usage.CountAt) []DailyCount {
	byDay := make(map[time.Time]int64, len(samples))
	for _, s := range samples {
		byDay[startOfDay(s.Time)] += s.Count
	}
	daily := make([]DailyCount, 0, len(byDay))
	for day, count := range byDay {
		daily = append(daily, DailyCount{Day: day, Count: count})
	}
	sort.Slice(daily, func(i, j int) bool {
		return daily[i].Day.Before(daily[j].Day)
	})
	if len(daily) > MaxDays {
		daily = daily[len(daily)-MaxDays:]
	}
	return daily
}

// MonthlyAverages walks subscription months from the subscription start and
// averages the daily counts of every month that is complete: it ended
// before today and does not reach past the subscription end day. Months
// without any samples are left out.
func MonthlyAverages(now time.Time, details usage.SubscriptionDetails, daily []DailyCount) []models.MonthlyServiceAverage {
	start := startOfDay(details.StartTime())
	limit := startOfDay(details.EndTime()).AddDate(0, 0, 1)
	today := startOfDay(now)
	if today.Before(limit) {
		limit = today
	}

	var out []models.MonthlyServiceAverage
	for i := 0; ; i++ {
		from, to := AddMonths(start, i), AddMonths(start, i+1)
		if to.After(limit) {
			break
		}
		var (
			sum int64
			n   int
		)
		for _, d := range daily {
			if !d.Day.Before(from) && d.Day.Before(to) {
				sum += d.Count
				n++
			}
		}
		if n == 0 {
			continue
		}
		out = append(out, models.MonthlyServiceAverage{
			Start:       from,
			End:         to,
			AvgServices: float64(sum) / float64(n),
			DataPoints:  n,
		})
	}
	return out
}

// FirstBreach returns the first month whose average reached limit.
func FirstBreach(limit usage.Limit, monthly []models.MonthlyServiceAverage) *models.MonthlyServiceAverage {
	if !limit.Finite() || limit.Value <= 0 {
		return nil
	}
	for i := range monthly {
		if monthly[i].AvgServices >= float64(limit.Value) {
			return &monthly[i]
		}
	}
	return nil
}

// AddMonths adds n calendar months to t, clamping the day to the end of the
// target month: Jan 31 plus one month is Feb 28 (or 29).
func AddMonths(t time.Time, n int) time.Time {
	firstOfTarget := time.Date(t.Year(), t.Month()+time.Month(n), 1, t.Hour(), t.Minute(), t.Second(), t.Nanosecond(), t.Location())
	day := t.Day()
	if last := daysIn(firstOfTarget); day > last {
		day = last
	}
	return firstOfTarget.AddDate(0, 0, day-1)
}

func daysIn(t time.Time) int {
	return time.Date(t.Year(), t.Month()+1, 0, 0, 0, 0, 0, t.Location()).Day()
}

func startOfDay(t time.Time) time.Time {
	t = t.UTC()
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)
}
