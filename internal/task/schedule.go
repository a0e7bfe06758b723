package task

import "time"

// Schedule describes when a task runs. A zero Interval means one-off; a
// non-zero Interval means the task recurs with fixed delay from the
// previously scheduled time (not from actual completion time, so execution
// latency does not accumulate wall-clock drift).
type Schedule struct {
	RunAt    time.Time     `json:"run_at"`
	Interval time.Duration `json:"interval,omitempty"`
}

// At returns a one-off schedule firing at t.
func At(t time.Time) Schedule {
	return Schedule{RunAt: t}
}

// Now returns a one-off schedule due immediately.
func Now() Schedule {
	return Schedule{RunAt: time.Now()}
}

// Recurring returns a schedule firing at t and every interval thereafter.
func Recurring(t time.Time, interval time.Duration) Schedule {
	return Schedule{RunAt: t, Interval: interval}
}

// IsRecurring reports whether the schedule repeats.
func (s Schedule) IsRecurring() bool {
	return s.Interval > 0
}

// Due reports whether the schedule has fired at the given instant.
func (s Schedule) Due(now time.Time) bool {
	return !s.RunAt.After(now)
}

// advance moves RunAt forward by whole intervals until it is after now.
// The first step is always taken, so a task completing on time reschedules
// exactly one interval later; a task completing several intervals late skips
// the missed slots instead of firing a catch-up burst.
func (s Schedule) advance(now time.Time) Schedule {
	next := s.RunAt.Add(s.Interval)
	for !next.After(now) {
		next = next.Add(s.Interval)
	}
	return Schedule{RunAt: next, Interval: s.Interval}
}
