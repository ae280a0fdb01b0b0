package background

import (
	"context"
	"fmt"
	"log"
	"sort"
	"time"

	"github.com/chengis/chengis/internal/clock"
)

// SecretAge names a secret and when it was last rotated.
type SecretAge struct {
	Name      string
	RotatedAt time.Time
}

// Rotation flags secrets that have gone too long without rotation. The
// source yields the current secret inventory each check.
type Rotation struct {
	source func() ([]SecretAge, error)
	clock  clock.Clock
	maxAge time.Duration
}

// NewRotation creates a rotation checker.
func NewRotation(source func() ([]SecretAge, error), c clock.Clock, maxAge time.Duration) *Rotation {
	return &Rotation{source: source, clock: c, maxAge: maxAge}
}

// Check returns the names of secrets due for rotation, sorted.
func (r *Rotation) Check(ctx context.Context) ([]string, error) {
	secrets, err := r.source()
	if err != nil {
		return nil, fmt.Errorf("listing secrets: %w", err)
	}
	cutoff := r.clock.Now().Add(-r.maxAge)
	var due []string
	for _, s := range secrets {
		if s.RotatedAt.Before(cutoff) {
			due = append(due, s.Name)
		}
	}
	sort.Strings(due)
	return due, nil
}

// Loop wraps Check as a background loop that logs overdue secrets.
func (r *Rotation) Loop(interval time.Duration) *Loop {
	return NewLoop("secret-rotation", interval, func(ctx context.Context) error {
		due, err := r.Check(ctx)
		if err != nil {
			return err
		}
		for _, name := range due {
			log.Printf("warning: secret %s is overdue for rotation", name)
		}
		return nil
	})
}
