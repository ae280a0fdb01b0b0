package background

import (
	"context"
	"fmt"
	"math"
	"sort"

	"github.com/chengis/chengis/internal/store"
)

// JobStats summarizes a job's recent builds.
type JobStats struct {
	JobID       string  `json:"job_id"`
	JobName     string  `json:"job_name"`
	Total       int     `json:"total"`
	Succeeded   int     `json:"succeeded"`
	Failed      int     `json:"failed"`
	Aborted     int     `json:"aborted"`
	SuccessRate float64 `json:"success_rate_pct"`
	AvgDuration float64 `json:"avg_duration_minutes"`
}

// Analytics aggregates per-job build statistics.
type Analytics struct {
	store store.BuildStore
}

// NewAnalytics creates an aggregator over the build store.
func NewAnalytics(st store.BuildStore) *Analytics {
	return &Analytics{store: st}
}

// Aggregate computes stats for every job in an org, sorted by job name.
// Only terminal builds count; running builds have no duration yet.
func (a *Analytics) Aggregate(ctx context.Context, orgID string) ([]JobStats, error) {
	jobs, err := a.store.ListJobs(orgID)
	if err != nil {
		return nil, fmt.Errorf("listing jobs: %w", err)
	}

	var out []JobStats
	for _, job := range jobs {
		builds, err := a.store.ListBuilds(orgID, job.ID)
		if err != nil {
			return nil, fmt.Errorf("listing builds for %s: %w", job.ID, err)
		}
		stats := JobStats{JobID: job.ID, JobName: job.Name}
		var durations []float64
		for _, b := range builds {
			if !store.IsTerminal(b.Status) {
				continue
			}
			stats.Total++
			switch b.Status {
			case store.StatusSuccess:
				stats.Succeeded++
			case store.StatusFailure:
				stats.Failed++
			case store.StatusAborted:
				stats.Aborted++
			}
			if !b.StartedAt.IsZero() && !b.CompletedAt.IsZero() {
				durations = append(durations, b.CompletedAt.Sub(b.StartedAt).Minutes())
			}
		}
		stats.SuccessRate = pct(stats.Succeeded, stats.Total)
		stats.AvgDuration = avg(durations)
		out = append(out, stats)
	}

	sort.Slice(out, func(i, k int) bool { return out[i].JobName < out[k].JobName })
	return out, nil
}

// --- helpers ---

func avg(values []float64) float64 {
	if len(values) == 0 {
		return 0
	}
	sum := 0.0
	for _, v := range values {
		sum += v
	}
	return math.Round(sum/float64(len(values))*10) / 10
}

func pct(n, total int) float64 {
	if total == 0 {
		return 0
	}
	return math.Round(float64(n)/float64(total)*1000) / 10
}
