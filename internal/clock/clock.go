// Package clock provides the time source and ID generator shared by the
// engine. Injecting Clock keeps every subsystem testable without sleeps.
package clock

import (
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Clock is the time source consumed by the engine.
type Clock interface {
	Now() time.Time
}

// System is the wall clock.
type System struct{}

func (System) Now() time.Time { return time.Now().UTC() }

// Fake is a manually advanced clock for tests.
type Fake struct {
	mu  sync.Mutex
	now time.Time
}

// NewFake creates a Fake clock starting at t.
func NewFake(t time.Time) *Fake {
	return &Fake{now: t}
}

func (f *Fake) Now() time.Time {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.now
}

// Advance moves the fake clock forward by d.
func (f *Fake) Advance(d time.Duration) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.now = f.now.Add(d)
}

// idSeq breaks ties for IDs generated within the same millisecond.
var (
	idMu  sync.Mutex
	idSeq uint32
)

// NewID returns a unique ID that sorts lexicographically by creation time:
// a zero-padded millisecond timestamp, a per-process sequence, and a random
// suffix for cross-process uniqueness.
func NewID(c Clock) string {
	idMu.Lock()
	idSeq++
	seq := idSeq
	idMu.Unlock()
	return fmt.Sprintf("%013x-%06x-%s", c.Now().UnixMilli(), seq&0xffffff, uuid.NewString()[:8])
}
