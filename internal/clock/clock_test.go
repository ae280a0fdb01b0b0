package clock

import (
	"sort"
	"testing"
	"time"
)

func TestFakeAdvance(t *testing.T) {
	start := time.Date(2026, 8, 24, 12, 0, 0, 0, time.UTC)
	fc := NewFake(start)
	if !fc.Now().Equal(start) {
		t.Errorf("now = %v, want %v", fc.Now(), start)
	}
	fc.Advance(90 * time.Second)
	if got := fc.Now(); !got.Equal(start.Add(90 * time.Second)) {
		t.Errorf("after advance: %v", got)
	}
}

func TestNewID_SortsByTime(t *testing.T) {
	fc := NewFake(time.Date(2026, 8, 24, 12, 0, 0, 0, time.UTC))

	var ids []string
	for i := 0; i < 5; i++ {
		ids = append(ids, NewID(fc))
		fc.Advance(time.Millisecond)
	}
	if !sort.StringsAreSorted(ids) {
		t.Errorf("ids not time-ordered: %v", ids)
	}
}

func TestNewID_UniqueWithinMillisecond(t *testing.T) {
	fc := NewFake(time.Date(2026, 8, 24, 12, 0, 0, 0, time.UTC))

	seen := make(map[string]bool)
	for i := 0; i < 100; i++ {
		id := NewID(fc)
		if seen[id] {
			t.Fatalf("duplicate id %s", id)
		}
		seen[id] = true
	}
}
