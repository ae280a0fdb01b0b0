package workspace

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestAllocateCleanup(t *testing.T) {
	m := NewManager(t.TempDir())

	ws, err := m.Allocate("build-1")
	if err != nil {
		t.Fatalf("allocate: %v", err)
	}
	if _, err := os.Stat(ws.Path); err != nil {
		t.Fatalf("workspace dir missing: %v", err)
	}

	if err := os.WriteFile(filepath.Join(ws.Path, "out.txt"), []byte("x"), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	if err := ws.Cleanup(); err != nil {
		t.Fatalf("cleanup: %v", err)
	}
	if _, err := os.Stat(ws.Path); !os.IsNotExist(err) {
		t.Error("workspace dir survived cleanup")
	}

	// Second cleanup is a no-op.
	if err := ws.Cleanup(); err != nil {
		t.Errorf("second cleanup: %v", err)
	}
}

func TestAllocateSanitizesID(t *testing.T) {
	root := t.TempDir()
	m := NewManager(root)

	ws, err := m.Allocate("../../etc/passwd")
	if err != nil {
		t.Fatalf("allocate: %v", err)
	}
	defer ws.Cleanup()

	if !strings.HasPrefix(ws.Path, root) {
		t.Errorf("workspace escaped root: %s", ws.Path)
	}
	rel, err := filepath.Rel(root, ws.Path)
	if err != nil || strings.Contains(rel, "..") {
		t.Errorf("relative path %q suspicious", rel)
	}
}

func TestAllocateRejectsEmptyID(t *testing.T) {
	m := NewManager(t.TempDir())
	if _, err := m.Allocate("///"); err == nil {
		t.Fatal("expected error for id that sanitizes to nothing")
	}
}

func TestPathMatchesAllocate(t *testing.T) {
	m := NewManager(t.TempDir())
	ws, err := m.Allocate("b1")
	if err != nil {
		t.Fatalf("allocate: %v", err)
	}
	defer ws.Cleanup()
	if m.Path("b1") != ws.Path {
		t.Errorf("Path = %q, Allocate = %q", m.Path("b1"), ws.Path)
	}
}
