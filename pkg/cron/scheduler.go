package cron

import (
	"fmt"
	"time"

	"github.com/robfig/cron/v3"
)

// parser accepts five-field expressions and descriptors such as @every 30s.
var parser = cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)

// ParseSchedule validates expr.
func ParseSchedule(expr string) (cron.Schedule, error) {
	if expr == "" {
		return nil, fmt.Errorf("schedule is required")
	}
	sched, err := parser.Parse(expr)
	if err != nil {
		return nil, fmt.Errorf("invalid schedule %q: %w", expr, err)
	}
	return sched, nil
}

// NextRun returns the first activation of expr after from.
func NextRun(expr string, from time.Time) (time.Time, error) {
	sched, err := ParseSchedule(expr)
	if err != nil {
		return time.Time{}, err
	}
	return sched.Next(from), nil
}

// Every renders an interval as an @every descriptor.
func Every(d time.Duration) string {
	return "@every " + d.String()
}
