package dag

import (
	"strings"
	"testing"
)

func TestBuild_RejectsCycle(t *testing.T) {
	_, err := Build([]Node{
		{Name: "a", DependsOn: []string{"c"}},
		{Name: "b", DependsOn: []string{"a"}},
		{Name: "c", DependsOn: []string{"b"}},
	})
	if err == nil || !strings.Contains(err.Error(), "cycle") {
		t.Fatalf("expected cycle error, got %v", err)
	}
}

func TestBuild_RejectsSelfAndUnknown(t *testing.T) {
	if _, err := Build([]Node{{Name: "a", DependsOn: []string{"a"}}}); err == nil {
		t.Error("expected self-dependency error")
	}
	if _, err := Build([]Node{{Name: "a", DependsOn: []string{"ghost"}}}); err == nil {
		t.Error("expected unknown-dependency error")
	}
}

func TestTopoSort_DiamondDeterministic(t *testing.T) {
	g, err := Build([]Node{
		{Name: "build"},
		{Name: "test-linux", DependsOn: []string{"build"}},
		{Name: "test-mac", DependsOn: []string{"build"}},
		{Name: "deploy", DependsOn: []string{"test-linux", "test-mac"}},
	})
	if err != nil {
		t.Fatalf("build: %v", err)
	}
	got := g.TopoSort()
	want := []string{"build", "test-linux", "test-mac", "deploy"}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("expected %v, got %v", want, got)
		}
	}
}

func TestReady_SkipsBlockedAndIncomplete(t *testing.T) {
	g, _ := Build([]Node{
		{Name: "a"},
		{Name: "b", DependsOn: []string{"a"}},
		{Name: "c", DependsOn: []string{"a"}},
		{Name: "d", DependsOn: []string{"b", "c"}},
	})

	ready := g.Ready(map[string]bool{}, map[string]bool{})
	if len(ready) != 1 || ready[0] != "a" {
		t.Fatalf("initial ready: %v", ready)
	}

	ready = g.Ready(map[string]bool{"a": true}, map[string]bool{"c": true})
	if len(ready) != 1 || ready[0] != "b" {
		t.Fatalf("after a, c blocked: %v", ready)
	}

	// d never becomes ready while c is incomplete.
	ready = g.Ready(map[string]bool{"a": true, "b": true}, map[string]bool{"c": true})
	if len(ready) != 0 {
		t.Fatalf("expected nothing ready, got %v", ready)
	}
}

func TestDependents_Transitive(t *testing.T) {
	g, _ := Build([]Node{
		{Name: "a"},
		{Name: "b", DependsOn: []string{"a"}},
		{Name: "c", DependsOn: []string{"b"}},
		{Name: "d"},
	})
	got := g.Dependents("a")
	if len(got) != 2 || got[0] != "b" || got[1] != "c" {
		t.Fatalf("dependents of a: %v", got)
	}
	if len(g.Dependents("d")) != 0 {
		t.Error("d should have no dependents")
	}
}

func TestHasDAG(t *testing.T) {
	if HasDAG([]Node{{Name: "a"}, {Name: "b"}}) {
		t.Error("no dependencies declared")
	}
	if !HasDAG([]Node{{Name: "a"}, {Name: "b", DependsOn: []string{"a"}}}) {
		t.Error("dependency declared")
	}
}
