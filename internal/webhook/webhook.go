// Package webhook persists raw webhook deliveries and replays them through
// the inbound handler.
package webhook

import (
	"encoding/json"
	"fmt"

	"github.com/chengis/chengis/internal/clock"
	"github.com/chengis/chengis/internal/store"
)

// Handler is the inbound webhook handler. Replay re-invokes it with the
// original event headers and body.
type Handler func(provider, eventType string, headers map[string]string, body []byte) error

// Recorder persists deliveries and replays them by id.
type Recorder struct {
	store   store.SCMStore
	clock   clock.Clock
	handler Handler
	enabled bool
}

// NewRecorder creates a webhook recorder. When enabled is false Record still
// persists nothing and Replay refuses.
func NewRecorder(st store.SCMStore, c clock.Clock, handler Handler, enabled bool) *Recorder {
	return &Recorder{store: st, clock: c, handler: handler, enabled: enabled}
}

// Record persists one raw delivery and returns its id.
func (r *Recorder) Record(orgID, provider, eventType string, headers map[string]string, body []byte) (string, error) {
	if !r.enabled {
		return "", nil
	}
	rec := &store.WebhookRecord{
		ID:         clock.NewID(r.clock),
		OrgID:      orgID,
		Provider:   provider,
		EventType:  eventType,
		Headers:    headers,
		Body:       body,
		ReceivedAt: r.clock.Now(),
	}
	if err := r.store.SaveWebhook(rec); err != nil {
		return "", fmt.Errorf("saving webhook: %w", err)
	}
	return rec.ID, nil
}

// Replay re-invokes the inbound handler with the stored delivery.
func (r *Recorder) Replay(id string) error {
	if !r.enabled {
		return fmt.Errorf("webhook replay disabled")
	}
	rec, err := r.store.GetWebhook(id)
	if err != nil {
		return fmt.Errorf("loading webhook %s: %w", id, err)
	}
	if r.handler == nil {
		return fmt.Errorf("no inbound handler configured")
	}
	return r.handler(rec.Provider, rec.EventType, rec.Headers, rec.Body)
}

// pushPayload covers the commit file lists shared by GitHub and GitLab push
// payloads.
type pushPayload struct {
	Commits []struct {
		Added    []string `json:"added"`
		Modified []string `json:"modified"`
		Removed  []string `json:"removed"`
	} `json:"commits"`
}

// ChangedPaths extracts the deduplicated set of file paths touched by a push
// payload.
func ChangedPaths(body []byte) ([]string, error) {
	var p pushPayload
	if err := json.Unmarshal(body, &p); err != nil {
		return nil, fmt.Errorf("parsing push payload: %w", err)
	}
	seen := make(map[string]bool)
	var out []string
	add := func(paths []string) {
		for _, path := range paths {
			if !seen[path] {
				seen[path] = true
				out = append(out, path)
			}
		}
	}
	for _, c := range p.Commits {
		add(c.Added)
		add(c.Modified)
		add(c.Removed)
	}
	return out, nil
}
