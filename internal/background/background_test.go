package background

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/chengis/chengis/internal/clock"
	"github.com/chengis/chengis/internal/store"
)

func TestLoop_TicksAndStops(t *testing.T) {
	var ticks atomic.Int32
	loop := NewLoop("test", 5*time.Millisecond, func(ctx context.Context) error {
		ticks.Add(1)
		return nil
	})
	loop.Start()

	deadline := time.Now().Add(time.Second)
	for ticks.Load() < 2 && time.Now().Before(deadline) {
		time.Sleep(time.Millisecond)
	}
	if ticks.Load() < 2 {
		t.Fatal("loop never ticked")
	}

	loop.Stop()
	after := ticks.Load()
	time.Sleep(20 * time.Millisecond)
	if ticks.Load() != after {
		t.Error("loop ticked after Stop")
	}

	// both are idempotent
	loop.Stop()
	loop.Start()
}

func seedBuild(t *testing.T, st *store.Memory, id, status string, createdAt time.Time, dur time.Duration) {
	t.Helper()
	b := &store.Build{
		ID:        id,
		OrgID:     "org1",
		JobID:     "j1",
		Status:    status,
		CreatedAt: createdAt,
	}
	if dur > 0 {
		b.StartedAt = createdAt
		b.CompletedAt = createdAt.Add(dur)
	}
	if err := st.CreateBuild(b); err != nil {
		t.Fatal(err)
	}
}

func TestRetention_SweepsOldTerminalBuilds(t *testing.T) {
	st := store.NewMemory()
	now := time.Date(2026, 8, 24, 12, 0, 0, 0, time.UTC)
	fc := clock.NewFake(now)
	if err := st.CreateJob(&store.Job{ID: "j1", OrgID: "org1", Name: "app"}); err != nil {
		t.Fatal(err)
	}
	seedBuild(t, st, "old-done", store.StatusSuccess, now.Add(-48*time.Hour), time.Minute)
	seedBuild(t, st, "old-running", store.StatusRunning, now.Add(-48*time.Hour), 0)
	seedBuild(t, st, "fresh", store.StatusSuccess, now.Add(-time.Hour), time.Minute)

	r := NewRetention(st, fc, 24*time.Hour)
	n, err := r.Sweep(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if n != 1 {
		t.Fatalf("swept %d builds, want 1", n)
	}
	if _, err := st.GetBuild("org1", "old-done"); err != store.ErrNotFound {
		t.Error("old terminal build survived sweep")
	}
	if _, err := st.GetBuild("org1", "old-running"); err != nil {
		t.Error("running build must never be swept")
	}
	if _, err := st.GetBuild("org1", "fresh"); err != nil {
		t.Error("fresh build must survive sweep")
	}
}

func TestRotation_FlagsOverdueSecrets(t *testing.T) {
	now := time.Date(2026, 8, 24, 12, 0, 0, 0, time.UTC)
	fc := clock.NewFake(now)
	source := func() ([]SecretAge, error) {
		return []SecretAge{
			{Name: "deploy-key", RotatedAt: now.Add(-100 * 24 * time.Hour)},
			{Name: "api-token", RotatedAt: now.Add(-10 * 24 * time.Hour)},
			{Name: "webhook-secret", RotatedAt: now.Add(-91 * 24 * time.Hour)},
		}, nil
	}
	r := NewRotation(source, fc, 90*24*time.Hour)

	due, err := r.Check(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	want := []string{"deploy-key", "webhook-secret"}
	if len(due) != 2 || due[0] != want[0] || due[1] != want[1] {
		t.Errorf("due = %v, want %v", due, want)
	}
}

func TestAnalytics_Aggregate(t *testing.T) {
	st := store.NewMemory()
	now := time.Date(2026, 8, 24, 12, 0, 0, 0, time.UTC)
	if err := st.CreateJob(&store.Job{ID: "j1", OrgID: "org1", Name: "app"}); err != nil {
		t.Fatal(err)
	}
	seedBuild(t, st, "b1", store.StatusSuccess, now, 2*time.Minute)
	seedBuild(t, st, "b2", store.StatusSuccess, now, 4*time.Minute)
	seedBuild(t, st, "b3", store.StatusFailure, now, 3*time.Minute)
	seedBuild(t, st, "b4", store.StatusAborted, now, 0)
	seedBuild(t, st, "b5", store.StatusRunning, now, 0)

	stats, err := NewAnalytics(st).Aggregate(context.Background(), "org1")
	if err != nil {
		t.Fatal(err)
	}
	if len(stats) != 1 {
		t.Fatalf("stats: %+v", stats)
	}
	s := stats[0]
	if s.Total != 4 || s.Succeeded != 2 || s.Failed != 1 || s.Aborted != 1 {
		t.Errorf("counts: %+v", s)
	}
	if s.SuccessRate != 50 {
		t.Errorf("success rate = %v", s.SuccessRate)
	}
	if s.AvgDuration != 3 {
		t.Errorf("avg duration = %v", s.AvgDuration)
	}
}
