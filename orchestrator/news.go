package orchestrator

import (
	"sort"
	"time"
)

// NewsEvent is one scheduled high-impact economic release.
type NewsEvent struct {
	Name string    `json:"name"`
	Time time.Time `json:"time"`
}

// NewsScheduler is a passive clock over a static calendar of high-impact
// events (FOMC, CPI, NFP, GDP). It never fetches anything; the calendar is
// compiled in and extended by hand.
type NewsScheduler struct {
	events []NewsEvent
	now    func() time.Time
}

func utc(year int, month time.Month, day, hour, min int) time.Time {
	return time.Date(year, month, day, hour, min, 0, 0, time.UTC)
}

// NewNewsScheduler creates a scheduler over the built-in calendar.
func NewNewsScheduler() *NewsScheduler {
	// FOMC decisions 19:00 UTC, US releases 13:30 UTC.
	events := []NewsEvent{
		{Name: "FOMC Rate Decision", Time: utc(2026, time.July, 29, 19, 0)},
		{Name: "FOMC Rate Decision", Time: utc(2026, time.September, 16, 19, 0)},
		{Name: "FOMC Rate Decision", Time: utc(2026, time.October, 28, 19, 0)},
		{Name: "FOMC Rate Decision", Time: utc(2026, time.December, 9, 19, 0)},

		{Name: "CPI Release", Time: utc(2026, time.August, 12, 13, 30)},
		{Name: "CPI Release", Time: utc(2026, time.September, 11, 13, 30)},
		{Name: "CPI Release", Time: utc(2026, time.October, 13, 13, 30)},
		{Name: "CPI Release", Time: utc(2026, time.November, 12, 13, 30)},
		{Name: "CPI Release", Time: utc(2026, time.December, 10, 13, 30)},

		{Name: "Non-Farm Payrolls", Time: utc(2026, time.September, 4, 13, 30)},
		{Name: "Non-Farm Payrolls", Time: utc(2026, time.October, 2, 13, 30)},
		{Name: "Non-Farm Payrolls", Time: utc(2026, time.November, 6, 13, 30)},
		{Name: "Non-Farm Payrolls", Time: utc(2026, time.December, 4, 13, 30)},

		{Name: "GDP Advance Estimate", Time: utc(2026, time.October, 29, 13, 30)},
		{Name: "GDP Advance Estimate", Time: utc(2027, time.January, 28, 13, 30)},
	}
	sort.Slice(events, func(i, j int) bool { return events[i].Time.Before(events[j].Time) })
	return &NewsScheduler{events: events, now: time.Now}
}

// IsNewsWindow reports whether any event falls within (now, now+minutesBefore].
func (s *NewsScheduler) IsNewsWindow(minutesBefore int) bool {
	now := s.now()
	limit := now.Add(time.Duration(minutesBefore) * time.Minute)
	for _, e := range s.events {
		if e.Time.After(now) && !e.Time.After(limit) {
			return true
		}
	}
	return false
}

// UpcomingEvents returns events strictly after now within the window, sorted.
func (s *NewsScheduler) UpcomingEvents(hours int) []NewsEvent {
	now := s.now()
	limit := now.Add(time.Duration(hours) * time.Hour)
	var out []NewsEvent
	for _, e := range s.events {
		if e.Time.After(now) && !e.Time.After(limit) {
			out = append(out, e)
		}
	}
	return out
}
