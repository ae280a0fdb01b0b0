// Package workspace allocates scoped working directories per build.
package workspace

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"
)

// Manager creates and removes per-build workspaces under a root directory.
type Manager struct {
	root string
}

// NewManager creates a Manager rooted at root.
func NewManager(root string) *Manager {
	return &Manager{root: root}
}

// Workspace is an allocated build directory. Cleanup removes it entirely and
// is safe to call more than once.
type Workspace struct {
	Path    string
	cleanup func() error
	cleaned bool
}

// Cleanup removes the workspace directory tree.
func (w *Workspace) Cleanup() error {
	if w.cleaned {
		return nil
	}
	w.cleaned = true
	return w.cleanup()
}

var unsafeID = regexp.MustCompile(`[^a-zA-Z0-9._-]+`)

// Allocate creates a fresh directory for the build. The build ID is
// sanitized so a hostile ID cannot escape the root.
func (m *Manager) Allocate(buildID string) (*Workspace, error) {
	id := unsafeID.ReplaceAllString(buildID, "-")
	id = strings.Trim(id, "-.")
	if id == "" {
		return nil, fmt.Errorf("invalid build id %q", buildID)
	}
	path := filepath.Join(m.root, id)
	if err := os.MkdirAll(path, 0o755); err != nil {
		return nil, fmt.Errorf("create workspace %s: %w", path, err)
	}
	return &Workspace{
		Path:    path,
		cleanup: func() error { return os.RemoveAll(path) },
	}, nil
}

// Path returns the workspace path a build would be allocated, without
// creating it.
func (m *Manager) Path(buildID string) string {
	id := strings.Trim(unsafeID.ReplaceAllString(buildID, "-"), "-.")
	return filepath.Join(m.root, id)
}
