package cron

import (
	"fmt"
	"time"

	"github.com/robfig/cron/v3"
)

// DefaultSchedule sends the digest every morning at 07:00.
const DefaultSchedule = "0 7 * * *"

var parser = cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow)

// Schedule is a parsed digest schedule bound to a time zone.
type Schedule struct {
	expr  string
	sched cron.Schedule
	loc   *time.Location
}

// ParseSchedule validates a 5-field cron expression and time zone.
func ParseSchedule(expr, tz string) (*Schedule, error) {
	if expr == "" {
		return nil, fmt.Errorf("digest schedule requires a cron expression")
	}
	sched, err := parser.Parse(expr)
	if err != nil {
		return nil, fmt.Errorf("invalid cron expression: %w", err)
	}

	loc := time.Local
	if tz != "" {
		loc, err = time.LoadLocation(tz)
		if err != nil {
			return nil, fmt.Errorf("invalid timezone: %w", err)
		}
	}
	return &Schedule{expr: expr, sched: sched, loc: loc}, nil
}

// Next returns the first activation strictly after from.
func (s *Schedule) Next(from time.Time) time.Time {
	return s.sched.Next(from.In(s.loc))
}

// Date is the calendar day of t in the schedule's zone. Digest event IDs
// and the due check use it.
func (s *Schedule) Date(t time.Time) string {
	return t.In(s.loc).Format(time.DateOnly)
}

// String returns the original expression.
func (s *Schedule) String() string {
	return s.expr
}
