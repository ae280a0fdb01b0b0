// Package cache implements the per-job artifact cache and the stage-result
// fingerprint gate.
package cache

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"regexp"
	"sort"

	"github.com/chengis/chengis/internal/pipeline"
)

var hashFilesExpr = regexp.MustCompile(`\{\{\s*hashFiles\('([^']*)'\)\s*\}\}`)

// ResolveKey expands `{{ hashFiles('glob') }}` expressions in a cache key
// template against the workspace. A glob matching nothing resolves to the
// literal "missing".
func ResolveKey(template, workspace string) string {
	return hashFilesExpr.ReplaceAllStringFunc(template, func(m string) string {
		glob := hashFilesExpr.FindStringSubmatch(m)[1]
		matches, err := filepath.Glob(filepath.Join(workspace, glob))
		if err != nil || len(matches) == 0 {
			return "missing"
		}
		sort.Strings(matches)
		h := sha256.New()
		for _, path := range matches {
			data, err := os.ReadFile(path)
			if err != nil {
				continue
			}
			h.Write(data)
		}
		return hex.EncodeToString(h.Sum(nil))
	})
}

// Artifacts is a filesystem artifact cache rooted at a single directory.
// Entries live at <root>/<job-id>/<resolved-key> and are immutable once
// written.
type Artifacts struct {
	root string
}

// NewArtifacts returns an artifact cache rooted at root.
func NewArtifacts(root string) *Artifacts {
	return &Artifacts{root: root}
}

func (a *Artifacts) entryDir(jobID, key string) string {
	return filepath.Join(a.root, jobID, key)
}

// Save copies the named workspace paths into the cache entry. If the entry
// already exists the save is a no-op and the existing content is kept.
func (a *Artifacts) Save(jobID, key, workspace string, paths []string) (string, error) {
	dir := a.entryDir(jobID, key)
	if _, err := os.Stat(dir); err == nil {
		return dir, nil
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("creating cache entry: %w", err)
	}
	for _, p := range paths {
		src := filepath.Join(workspace, p)
		if _, err := os.Stat(src); err != nil {
			continue
		}
		if err := copyTree(src, filepath.Join(dir, p)); err != nil {
			return "", fmt.Errorf("saving %s: %w", p, err)
		}
	}
	return dir, nil
}

// Restore copies a cache entry back into the workspace. A miss returns
// (false, nil).
func (a *Artifacts) Restore(jobID, key, workspace string) (bool, error) {
	dir := a.entryDir(jobID, key)
	if _, err := os.Stat(dir); err != nil {
		return false, nil
	}
	if err := copyTree(dir, workspace); err != nil {
		return false, fmt.Errorf("restoring cache entry: %w", err)
	}
	return true, nil
}

func copyTree(src, dst string) error {
	return filepath.WalkDir(src, func(path string, d os.DirEntry, err error) error {
		if err != nil {
			return err
		}
		rel, err := filepath.Rel(src, path)
		if err != nil {
			return err
		}
		target := filepath.Join(dst, rel)
		if d.IsDir() {
			return os.MkdirAll(target, 0o755)
		}
		info, err := d.Info()
		if err != nil {
			return err
		}
		in, err := os.Open(path)
		if err != nil {
			return err
		}
		defer in.Close()
		if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
			return err
		}
		out, err := os.OpenFile(target, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, info.Mode().Perm())
		if err != nil {
			return err
		}
		defer out.Close()
		_, err = io.Copy(out, in)
		return err
	})
}

// --- Stage fingerprints ---

// Env vars that vary per build and must not affect the fingerprint.
var unstableEnv = map[string]bool{
	"BUILD_ID":     true,
	"BUILD_NUMBER": true,
	"WORKSPACE":    true,
	"JOB_NAME":     true,
}

// StableEnv strips the per-build env vars from env.
func StableEnv(env map[string]string) map[string]string {
	out := make(map[string]string, len(env))
	for k, v := range env {
		if !unstableEnv[k] {
			out[k] = v
		}
	}
	return out
}

// Fingerprint computes the stage fingerprint: SHA-256 over the git commit,
// the canonical step definitions, and the stable environment. Two builds of
// the same commit with the same steps and env share a fingerprint regardless
// of build id, number, workspace, or job name.
func Fingerprint(gitCommit string, steps []pipeline.StepDef, env map[string]string) string {
	h := sha256.New()
	h.Write([]byte(gitCommit))
	// json.Marshal sorts map keys, so both encodings are canonical.
	stepJSON, _ := json.Marshal(steps)
	h.Write(stepJSON)
	envJSON, _ := json.Marshal(StableEnv(env))
	h.Write(envJSON)
	return hex.EncodeToString(h.Sum(nil))
}
