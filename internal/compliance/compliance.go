// Package compliance maintains the tamper-evident audit chain and scores
// regulatory readiness frameworks against observed system state.
package compliance

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"time"

	"github.com/chengis/chengis/internal/clock"
	"github.com/chengis/chengis/internal/store"
)

// canonicalEntry fixes the field set and order hashed into the chain. The
// hash fields themselves are excluded so verification can recompute them.
type canonicalEntry struct {
	ID           int64  `json:"id"`
	UserID       string `json:"user_id"`
	Username     string `json:"username"`
	Action       string `json:"action"`
	ResourceType string `json:"resource_type"`
	ResourceID   string `json:"resource_id"`
	Detail       string `json:"detail"`
	IPAddress    string `json:"ip_address"`
	Timestamp    string `json:"timestamp"`
}

// Canonical serializes an audit entry in the fixed hashing order.
func Canonical(e *store.AuditEntry) string {
	c := canonicalEntry{
		ID:           e.ID,
		UserID:       e.UserID,
		Username:     e.Username,
		Action:       e.Action,
		ResourceType: e.ResourceType,
		ResourceID:   e.ResourceID,
		Detail:       e.Detail,
		IPAddress:    e.IPAddress,
		Timestamp:    e.Timestamp.UTC().Format(time.RFC3339),
	}
	out, _ := json.Marshal(c)
	return string(out)
}

// ChainHash computes SHA-256(prevHash || canonical(entry)).
func ChainHash(prevHash string, e *store.AuditEntry) string {
	sum := sha256.Sum256([]byte(prevHash + Canonical(e)))
	return hex.EncodeToString(sum[:])
}

// Auditor appends chained entries and verifies the chain.
type Auditor struct {
	store store.AuditStore
	clock clock.Clock
}

// NewAuditor creates an auditor over the audit store.
func NewAuditor(st store.AuditStore, c clock.Clock) *Auditor {
	return &Auditor{store: st, clock: c}
}

// Record appends an audit entry linked to the current chain head. The entry
// id is taken from the head before hashing, because the canonical form
// covers it; the Store then persists the fully hashed row.
func (a *Auditor) Record(e *store.AuditEntry) error {
	last, err := a.store.LastAudit()
	if err != nil {
		return fmt.Errorf("reading chain head: %w", err)
	}
	prev := ""
	nextID := int64(1)
	if last != nil {
		prev = last.Hash
		nextID = last.ID + 1
	}
	if e.Timestamp.IsZero() {
		e.Timestamp = a.clock.Now()
	}
	e.ID = nextID
	e.PrevHash = prev
	e.Hash = ChainHash(prev, e)
	if _, err := a.store.AppendAudit(e); err != nil {
		return fmt.Errorf("appending audit entry: %w", err)
	}
	return nil
}

// VerifyResult is the outcome of a chain walk.
type VerifyResult struct {
	Valid          bool  `json:"valid"`
	EntriesChecked int   `json:"entries_checked"`
	FirstInvalidID int64 `json:"first_invalid_id,omitempty"`
}

// Verify walks the audit log in id order, recomputing every link. An empty
// log is valid.
func (a *Auditor) Verify() (*VerifyResult, error) {
	entries, err := a.store.ListAudit()
	if err != nil {
		return nil, fmt.Errorf("listing audit entries: %w", err)
	}
	res := &VerifyResult{Valid: true}
	prev := ""
	for i := range entries {
		e := &entries[i]
		res.EntriesChecked++
		if e.PrevHash != prev || e.Hash != ChainHash(prev, e) {
			res.Valid = false
			res.FirstInvalidID = e.ID
			return res, nil
		}
		prev = e.Hash
	}
	return res, nil
}
