package cron

import (
	"testing"
	"time"

	"github.com/chengis/chengis/internal/clock"
	"github.com/chengis/chengis/internal/store"
)

func TestParse_Invalid(t *testing.T) {
	for _, expr := range []string{
		"", "* * * *", "* * * * * *", "60 * * * *", "* 24 * * *",
		"*/0 * * * *", "a * * * *", "5-1 * * * *", "* * 0 * *", "* * * 13 *", "* * * * 7",
	} {
		if _, err := Parse(expr); err == nil {
			t.Errorf("expression %q accepted", expr)
		}
	}
}

func TestParse_FieldForms(t *testing.T) {
	e, err := Parse("*/15 9-17 1,15 * 1-5")
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if !e.Minute[0] || !e.Minute[45] || e.Minute[10] {
		t.Error("*/15 minutes wrong")
	}
	if !e.Hour[9] || !e.Hour[17] || e.Hour[8] {
		t.Error("9-17 hours wrong")
	}
	if !e.Dom[1] || !e.Dom[15] || e.Dom[2] {
		t.Error("1,15 dom wrong")
	}
	if !e.Dow[1] || !e.Dow[5] || e.Dow[0] {
		t.Error("1-5 dow wrong")
	}
}

func TestMatches(t *testing.T) {
	e, _ := Parse("30 9 * * 1")
	monday := time.Date(2026, 8, 24, 9, 30, 0, 0, time.UTC) // Monday
	if !e.Matches(monday) {
		t.Error("should match Monday 09:30")
	}
	if e.Matches(monday.Add(time.Minute)) {
		t.Error("should not match 09:31")
	}
	if e.Matches(monday.AddDate(0, 0, 1)) {
		t.Error("should not match Tuesday")
	}
}

func TestNext(t *testing.T) {
	e, _ := Parse("0 12 * * *")
	from := time.Date(2026, 8, 24, 13, 0, 0, 0, time.UTC)
	next := e.Next(from, time.UTC)
	want := time.Date(2026, 8, 25, 12, 0, 0, 0, time.UTC)
	if !next.Equal(want) {
		t.Errorf("next = %s, want %s", next, want)
	}

	// Strictly after from, even when from matches.
	atNoon := time.Date(2026, 8, 24, 12, 0, 0, 0, time.UTC)
	if next := e.Next(atNoon, time.UTC); !next.Equal(want) {
		t.Errorf("next from matching instant = %s, want %s", next, want)
	}
}

func TestProcessDue_TriggersAndAdvances(t *testing.T) {
	now := time.Date(2026, 8, 24, 12, 0, 30, 0, time.UTC)
	fake := clock.NewFake(now)
	st := store.NewMemory()
	st.SeedSchedule(&store.Schedule{
		ID: "s1", OrgID: "org1", JobID: "j1", Expr: "* * * * *",
		Enabled: true, NextRunAt: now.Add(-time.Minute),
	})

	var triggered []string
	s := NewScheduler(st, fake, 10*time.Minute, func(sched store.Schedule) error {
		triggered = append(triggered, sched.JobID)
		return nil
	})

	fired, err := s.ProcessDue("org1")
	if err != nil {
		t.Fatalf("process: %v", err)
	}
	if fired != 1 || len(triggered) != 1 || triggered[0] != "j1" {
		t.Fatalf("fired=%d triggered=%v", fired, triggered)
	}

	// Same tick never fires twice.
	fired, err = s.ProcessDue("org1")
	if err != nil {
		t.Fatalf("process again: %v", err)
	}
	if fired != 0 {
		t.Errorf("same tick fired again: %d", fired)
	}
}

func TestProcessDue_MissedThreshold(t *testing.T) {
	now := time.Date(2026, 8, 24, 12, 0, 0, 0, time.UTC)
	fake := clock.NewFake(now)
	st := store.NewMemory()
	st.SeedSchedule(&store.Schedule{
		ID: "s1", OrgID: "org1", JobID: "j1", Expr: "* * * * *",
		Enabled: true, NextRunAt: now.Add(-time.Hour),
	})

	triggered := 0
	s := NewScheduler(st, fake, 10*time.Minute, func(store.Schedule) error {
		triggered++
		return nil
	})

	fired, err := s.ProcessDue("org1")
	if err != nil {
		t.Fatalf("process: %v", err)
	}
	if fired != 0 || triggered != 0 {
		t.Errorf("missed run should not trigger: fired=%d triggered=%d", fired, triggered)
	}
}
