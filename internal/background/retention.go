package background

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/chengis/chengis/internal/clock"
	"github.com/chengis/chengis/internal/store"
)

// Retention deletes terminal builds older than the configured age.
type Retention struct {
	store  store.BuildStore
	clock  clock.Clock
	maxAge time.Duration
}

// NewRetention creates a sweeper keeping builds newer than maxAge.
func NewRetention(st store.BuildStore, c clock.Clock, maxAge time.Duration) *Retention {
	return &Retention{store: st, clock: c, maxAge: maxAge}
}

// Sweep removes expired builds and returns the count removed.
func (r *Retention) Sweep(ctx context.Context) (int, error) {
	cutoff := r.clock.Now().Add(-r.maxAge)
	n, err := r.store.DeleteBuildsBefore(cutoff)
	if err != nil {
		return 0, fmt.Errorf("deleting builds before %s: %w", cutoff.Format(time.RFC3339), err)
	}
	if n > 0 {
		log.Printf("retention: removed %d builds older than %s", n, r.maxAge)
	}
	return n, nil
}

// Loop wraps Sweep as a background loop.
func (r *Retention) Loop(interval time.Duration) *Loop {
	return NewLoop("retention", interval, func(ctx context.Context) error {
		_, err := r.Sweep(ctx)
		return err
	})
}
