// Package background hosts the long-running maintenance loops: retention
// sweeping, secret-rotation checks, and build analytics aggregation. Each
// loop ticks on an interval and stops gracefully.
package background

import (
	"context"
	"log"
	"sync"
	"time"
)

// Loop runs a tick function on an interval until stopped. Start and Stop are
// both idempotent; Stop waits for an in-flight tick to finish.
type Loop struct {
	name     string
	interval time.Duration
	tick     func(ctx context.Context) error

	startOnce sync.Once
	stopOnce  sync.Once
	cancel    context.CancelFunc
	done      chan struct{}
}

// NewLoop creates a loop named for log lines.
func NewLoop(name string, interval time.Duration, tick func(ctx context.Context) error) *Loop {
	return &Loop{name: name, interval: interval, tick: tick, done: make(chan struct{})}
}

// Start launches the loop. The first tick fires after one interval.
func (l *Loop) Start() {
	l.startOnce.Do(func() {
		ctx, cancel := context.WithCancel(context.Background())
		l.cancel = cancel
		go l.run(ctx)
	})
}

func (l *Loop) run(ctx context.Context) {
	defer close(l.done)
	ticker := time.NewTicker(l.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := l.tick(ctx); err != nil {
				log.Printf("warning: %s tick: %v", l.name, err)
			}
		}
	}
}

// Stop cancels the loop and waits for it to exit.
func (l *Loop) Stop() {
	l.stopOnce.Do(func() {
		if l.cancel != nil {
			l.cancel()
			<-l.done
		}
	})
}
