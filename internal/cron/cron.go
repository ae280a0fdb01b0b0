// Package cron parses 5-field POSIX cron expressions and drives due
// schedules.
package cron

import (
	"fmt"
	"log"
	"strconv"
	"strings"
	"time"

	"github.com/chengis/chengis/internal/clock"
	"github.com/chengis/chengis/internal/store"
)

// Expr is a parsed cron expression: one allowed-value set per field.
type Expr struct {
	Minute map[int]bool
	Hour   map[int]bool
	Dom    map[int]bool
	Month  map[int]bool
	Dow    map[int]bool
}

type fieldSpec struct {
	name     string
	min, max int
}

var fields = []fieldSpec{
	{"minute", 0, 59},
	{"hour", 0, 23},
	{"day of month", 1, 31},
	{"month", 1, 12},
	{"day of week", 0, 6},
}

// Parse parses a 5-field cron expression supporting `*`, `*/N`, `A-B`, and
// comma lists.
func Parse(expr string) (*Expr, error) {
	parts := strings.Fields(expr)
	if len(parts) != len(fields) {
		return nil, fmt.Errorf("cron %q: expected 5 fields, got %d", expr, len(parts))
	}
	sets := make([]map[int]bool, len(fields))
	for i, part := range parts {
		set, err := parseField(part, fields[i])
		if err != nil {
			return nil, fmt.Errorf("cron %q: %w", expr, err)
		}
		sets[i] = set
	}
	return &Expr{Minute: sets[0], Hour: sets[1], Dom: sets[2], Month: sets[3], Dow: sets[4]}, nil
}

func parseField(part string, spec fieldSpec) (map[int]bool, error) {
	set := make(map[int]bool)
	for _, item := range strings.Split(part, ",") {
		switch {
		case item == "*":
			for v := spec.min; v <= spec.max; v++ {
				set[v] = true
			}
		case strings.HasPrefix(item, "*/"):
			step, err := strconv.Atoi(item[2:])
			if err != nil || step <= 0 {
				return nil, fmt.Errorf("%s: invalid step %q", spec.name, item)
			}
			for v := spec.min; v <= spec.max; v += step {
				set[v] = true
			}
		case strings.Contains(item, "-"):
			bounds := strings.SplitN(item, "-", 2)
			lo, err1 := strconv.Atoi(bounds[0])
			hi, err2 := strconv.Atoi(bounds[1])
			if err1 != nil || err2 != nil || lo > hi || lo < spec.min || hi > spec.max {
				return nil, fmt.Errorf("%s: invalid range %q", spec.name, item)
			}
			for v := lo; v <= hi; v++ {
				set[v] = true
			}
		default:
			v, err := strconv.Atoi(item)
			if err != nil || v < spec.min || v > spec.max {
				return nil, fmt.Errorf("%s: invalid value %q", spec.name, item)
			}
			set[v] = true
		}
	}
	return set, nil
}

// Matches reports whether t satisfies the expression in t's location.
func (e *Expr) Matches(t time.Time) bool {
	return e.Minute[t.Minute()] &&
		e.Hour[t.Hour()] &&
		e.Dom[t.Day()] &&
		e.Month[int(t.Month())] &&
		e.Dow[int(t.Weekday())]
}

// nextScanLimit bounds the minute-by-minute scan: a bit over a year.
const nextScanLimit = 366 * 24 * 60

// Next computes the first fire time strictly after from, in tz. Returns the
// zero time when no match exists within the scan horizon.
func (e *Expr) Next(from time.Time, tz *time.Location) time.Time {
	if tz == nil {
		tz = time.UTC
	}
	t := from.In(tz).Truncate(time.Minute).Add(time.Minute)
	for i := 0; i < nextScanLimit; i++ {
		if e.Matches(t) {
			return t
		}
		t = t.Add(time.Minute)
	}
	return time.Time{}
}

// Scheduler processes due schedules on each tick.
type Scheduler struct {
	store           store.ScheduleStore
	clock           clock.Clock
	missedThreshold time.Duration
	trigger         func(s store.Schedule) error
}

// NewScheduler creates a cron scheduler. trigger is called once per fired
// schedule, typically to enqueue a build.
func NewScheduler(st store.ScheduleStore, c clock.Clock, missedThreshold time.Duration, trigger func(s store.Schedule) error) *Scheduler {
	return &Scheduler{store: st, clock: c, missedThreshold: missedThreshold, trigger: trigger}
}

// ProcessDue fires every enabled schedule whose next-run-at has passed. A
// run later than the missed threshold is logged as missed instead of fired.
// The conditional tick update guarantees the same (schedule, tick) never
// fires twice. Returns the number of schedules triggered.
func (s *Scheduler) ProcessDue(orgID string) (int, error) {
	now := s.clock.Now()
	due, err := s.store.ListDueSchedules(orgID, now)
	if err != nil {
		return 0, fmt.Errorf("listing due schedules: %w", err)
	}

	fired := 0
	for _, sched := range due {
		expr, err := Parse(sched.Expr)
		if err != nil {
			log.Printf("warning: schedule %s has invalid expression: %v", sched.ID, err)
			continue
		}
		tz := time.UTC
		if sched.Timezone != "" {
			if loc, err := time.LoadLocation(sched.Timezone); err == nil {
				tz = loc
			}
		}

		tick := sched.NextRunAt
		next := expr.Next(now, tz)
		n, err := s.store.MarkScheduleTick(sched.ID, tick, next)
		if err != nil {
			log.Printf("warning: marking schedule %s tick: %v", sched.ID, err)
			continue
		}
		if n == 0 {
			// Another worker consumed this tick.
			continue
		}

		if now.Sub(tick) > s.missedThreshold {
			log.Printf("schedule %s missed its window (due %s, now %s)", sched.ID, tick.Format(time.RFC3339), now.Format(time.RFC3339))
			continue
		}
		if err := s.trigger(sched); err != nil {
			log.Printf("warning: triggering schedule %s: %v", sched.ID, err)
			continue
		}
		fired++
	}
	return fired, nil
}
