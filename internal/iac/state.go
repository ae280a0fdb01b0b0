package iac

import (
	"bytes"
	"compress/gzip"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"sort"

	"github.com/chengis/chengis/internal/clock"
	"github.com/chengis/chengis/internal/store"
)

// DefaultMaxStateSize bounds the plaintext state size.
const DefaultMaxStateSize = 8 << 20

// States versions infrastructure state in the Store and guards it with the
// per-project lock.
type States struct {
	store   store.IaCStore
	clock   clock.Clock
	maxSize int
}

// NewStates creates a state manager. maxSize ≤ 0 selects the default.
func NewStates(st store.IaCStore, c clock.Clock, maxSize int) *States {
	if maxSize <= 0 {
		maxSize = DefaultMaxStateSize
	}
	return &States{store: st, clock: c, maxSize: maxSize}
}

// Compress gzips then base64-encodes a plaintext state.
func Compress(plaintext string) (string, error) {
	var buf bytes.Buffer
	zw := gzip.NewWriter(&buf)
	if _, err := zw.Write([]byte(plaintext)); err != nil {
		return "", fmt.Errorf("compressing state: %w", err)
	}
	if err := zw.Close(); err != nil {
		return "", fmt.Errorf("compressing state: %w", err)
	}
	return base64.StdEncoding.EncodeToString(buf.Bytes()), nil
}

// Decompress reverses Compress.
func Decompress(encoded string) (string, error) {
	raw, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return "", fmt.Errorf("decoding state: %w", err)
	}
	zr, err := gzip.NewReader(bytes.NewReader(raw))
	if err != nil {
		return "", fmt.Errorf("decompressing state: %w", err)
	}
	defer zr.Close()
	plain, err := io.ReadAll(zr)
	if err != nil {
		return "", fmt.Errorf("decompressing state: %w", err)
	}
	return string(plain), nil
}

// Save writes a new immutable state version. The Store assigns the version
// number; the hash covers the plaintext so readers can verify after
// decompression.
func (s *States) Save(projectID, workspace, plaintext, createdBy string) (*store.IaCState, error) {
	if len(plaintext) > s.maxSize {
		return nil, fmt.Errorf("state size %d exceeds limit %d", len(plaintext), s.maxSize)
	}
	content, err := Compress(plaintext)
	if err != nil {
		return nil, err
	}
	sum := sha256.Sum256([]byte(plaintext))
	st := &store.IaCState{
		ProjectID:     projectID,
		WorkspaceName: workspace,
		Content:       content,
		Hash:          hex.EncodeToString(sum[:]),
		Size:          len(plaintext),
		CreatedBy:     createdBy,
		CreatedAt:     s.clock.Now(),
	}
	if err := s.store.SaveIaCState(st); err != nil {
		return nil, fmt.Errorf("saving state version: %w", err)
	}
	return st, nil
}

// Latest returns the newest state version's plaintext, or "" when the
// project has no state yet.
func (s *States) Latest(projectID, workspace string) (string, *store.IaCState, error) {
	st, err := s.store.LatestIaCState(projectID, workspace)
	if err != nil {
		return "", nil, fmt.Errorf("loading state: %w", err)
	}
	if st == nil {
		return "", nil, nil
	}
	plain, err := Decompress(st.Content)
	if err != nil {
		return "", nil, err
	}
	return plain, st, nil
}

// Lock acquires the project lock for owner. Refused when another owner
// holds it.
func (s *States) Lock(projectID, owner string) error {
	n, err := s.store.AcquireIaCLock(projectID, owner, s.clock.Now())
	if err != nil {
		return fmt.Errorf("acquiring lock for %s: %w", projectID, err)
	}
	if n == 0 {
		lock, _ := s.store.GetIaCLock(projectID)
		holder := "another owner"
		if lock != nil {
			holder = lock.LockedBy
		}
		return fmt.Errorf("project %s is locked by %s", projectID, holder)
	}
	return nil
}

// Unlock releases the project lock when owner holds it.
func (s *States) Unlock(projectID, owner string) error {
	return s.store.ReleaseIaCLock(projectID, owner, false)
}

// ForceUnlock releases the project lock regardless of owner.
func (s *States) ForceUnlock(projectID string) error {
	return s.store.ReleaseIaCLock(projectID, "", true)
}

// StateDiff compares two state documents resource-by-resource.
type StateDiff struct {
	Added   []string `json:"added"`
	Removed []string `json:"removed"`
	Changed []string `json:"changed"`
}

type stateDoc struct {
	Resources []struct {
		Type      string          `json:"type"`
		Name      string          `json:"name"`
		Instances json.RawMessage `json:"instances"`
	} `json:"resources"`
}

// Diff compares two plaintext states and reports resources added, removed,
// and changed between them. Resources are keyed by "type.name".
func Diff(before, after string) (*StateDiff, error) {
	old, err := stateResources(before)
	if err != nil {
		return nil, fmt.Errorf("parsing old state: %w", err)
	}
	cur, err := stateResources(after)
	if err != nil {
		return nil, fmt.Errorf("parsing new state: %w", err)
	}

	diff := &StateDiff{}
	for key, body := range cur {
		prev, ok := old[key]
		switch {
		case !ok:
			diff.Added = append(diff.Added, key)
		case prev != body:
			diff.Changed = append(diff.Changed, key)
		}
	}
	for key := range old {
		if _, ok := cur[key]; !ok {
			diff.Removed = append(diff.Removed, key)
		}
	}
	sort.Strings(diff.Added)
	sort.Strings(diff.Removed)
	sort.Strings(diff.Changed)
	return diff, nil
}

func stateResources(plaintext string) (map[string]string, error) {
	if plaintext == "" {
		return map[string]string{}, nil
	}
	var doc stateDoc
	if err := json.Unmarshal([]byte(plaintext), &doc); err != nil {
		return nil, err
	}
	out := make(map[string]string, len(doc.Resources))
	for _, r := range doc.Resources {
		out[r.Type+"."+r.Name] = string(r.Instances)
	}
	return out, nil
}
