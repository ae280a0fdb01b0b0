// Package provenance runs the post-build supply-chain steps: SBOM
// generation, license scanning, artifact signing, and SLSA attestation.
// Every step is feature-flagged and tolerates upstream skips.
package provenance

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"log"
	"os"
	"os/exec"
	"strings"

	"github.com/chengis/chengis/internal/clock"
	"github.com/chengis/chengis/internal/store"
)

// CommandRunner shells out to external supply-chain tools. Tests substitute
// a fake so syft/cosign/gpg are not required.
type CommandRunner interface {
	Run(ctx context.Context, name string, args []string, dir string) (stdout []byte, exitCode int, err error)
}

// ExecRunner invokes the real binaries.
type ExecRunner struct{}

func (ExecRunner) Run(ctx context.Context, name string, args []string, dir string) ([]byte, int, error) {
	cmd := exec.CommandContext(ctx, name, args...)
	cmd.Dir = dir
	out, err := cmd.Output()
	if err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			return out, exitErr.ExitCode(), nil
		}
		var execErr *exec.Error
		if errors.As(err, &execErr) {
			// Missing binary behaves like exit 127.
			return nil, 127, nil
		}
		return nil, -1, err
	}
	return out, 0, nil
}

// Config selects which provenance steps run and with what tools.
type Config struct {
	SBOMEnabled    bool
	SBOMTool       string // default "syft"
	SBOMFormat     string // default "cyclonedx-json"
	LicenseEnabled bool
	LicenseAllow   []string
	LicenseDeny    []string
	SigningEnabled bool
	SigningTool    string // "cosign" or "gpg"
	KeyReference   string
	AttestEnabled  bool
}

func (c *Config) applyDefaults() {
	if c.SBOMTool == "" {
		c.SBOMTool = "syft"
	}
	if c.SBOMFormat == "" {
		c.SBOMFormat = "cyclonedx-json"
	}
	if c.SigningTool == "" {
		c.SigningTool = "cosign"
	}
}

// Chain runs the provenance steps in order.
type Chain struct {
	store  store.ProvenanceStore
	clock  clock.Clock
	runner CommandRunner
	cfg    Config
}

// NewChain creates a provenance chain.
func NewChain(st store.ProvenanceStore, c clock.Clock, runner CommandRunner, cfg Config) *Chain {
	cfg.applyDefaults()
	return &Chain{store: st, clock: c, runner: runner, cfg: cfg}
}

// Run executes SBOM, license scan, signing, and attestation for a successful
// build. Individual step failures are logged and never fail the build.
func (c *Chain) Run(ctx context.Context, job *store.Job, build *store.Build, workspaceDir string, artifacts []string) {
	sbom := c.generateSBOM(ctx, build, workspaceDir)
	if c.cfg.LicenseEnabled && sbom != nil {
		c.scanLicenses(build, sbom)
	}
	if c.cfg.SigningEnabled {
		c.signArtifacts(ctx, build, artifacts)
	}
	if c.cfg.AttestEnabled {
		c.attest(job, build, artifacts)
	}
}

// --- SBOM ---

// cycloneDX covers the fields we read from scanner output.
type cycloneDX struct {
	SpecVersion string `json:"specVersion"`
	Metadata    struct {
		Tools []struct {
			Name    string `json:"name"`
			Version string `json:"version"`
		} `json:"tools"`
	} `json:"metadata"`
	Components []struct {
		Name     string `json:"name"`
		Licenses []struct {
			License struct {
				ID string `json:"id"`
			} `json:"license"`
		} `json:"licenses"`
	} `json:"components"`
}

func (c *Chain) generateSBOM(ctx context.Context, build *store.Build, workspaceDir string) *store.SBOM {
	if !c.cfg.SBOMEnabled {
		return nil
	}
	out, exitCode, err := c.runner.Run(ctx, c.cfg.SBOMTool, []string{"dir:" + workspaceDir, "-o", c.cfg.SBOMFormat}, workspaceDir)
	if exitCode == 127 {
		return nil
	}
	if err != nil || exitCode != 0 {
		log.Printf("warning: sbom generation failed for build %s (exit %d, err %v)", build.ID, exitCode, err)
		return nil
	}

	var doc cycloneDX
	if err := json.Unmarshal(out, &doc); err != nil {
		log.Printf("warning: sbom output not parsable for build %s: %v", build.ID, err)
		return nil
	}
	toolName, toolVersion := c.cfg.SBOMTool, ""
	if len(doc.Metadata.Tools) > 0 {
		toolName = doc.Metadata.Tools[0].Name
		toolVersion = doc.Metadata.Tools[0].Version
	}
	hash := sha256.Sum256(out)
	sbom := &store.SBOM{
		ID:             clock.NewID(c.clock),
		BuildID:        build.ID,
		Format:         c.cfg.SBOMFormat,
		Version:        doc.SpecVersion,
		ComponentCount: len(doc.Components),
		ContentHash:    hex.EncodeToString(hash[:]),
		ToolName:       toolName,
		ToolVersion:    toolVersion,
		Content:        string(out),
		CreatedAt:      c.clock.Now(),
	}
	if err := c.store.SaveSBOM(sbom); err != nil {
		log.Printf("warning: saving sbom for build %s: %v", build.ID, err)
		return nil
	}
	return sbom
}

// --- License scan ---

func (c *Chain) scanLicenses(build *store.Build, sbom *store.SBOM) {
	var doc cycloneDX
	if err := json.Unmarshal([]byte(sbom.Content), &doc); err != nil {
		return
	}
	allow := toSet(c.cfg.LicenseAllow)
	deny := toSet(c.cfg.LicenseDeny)

	report := &store.LicenseReport{
		ID:        clock.NewID(c.clock),
		BuildID:   build.ID,
		CreatedAt: c.clock.Now(),
	}
	for _, comp := range doc.Components {
		if len(comp.Licenses) == 0 {
			report.Unknown++
			continue
		}
		for _, l := range comp.Licenses {
			id := l.License.ID
			switch {
			case id == "":
				report.Unknown++
			case deny[id]:
				report.Denied++
			case len(allow) == 0 || allow[id]:
				report.Allowed++
			default:
				report.Denied++
			}
		}
	}
	report.Passed = report.Denied == 0
	if err := c.store.SaveLicenseReport(report); err != nil {
		log.Printf("warning: saving license report for build %s: %v", build.ID, err)
	}
}

func toSet(items []string) map[string]bool {
	set := make(map[string]bool, len(items))
	for _, i := range items {
		set[i] = true
	}
	return set
}

// --- Signing ---

func (c *Chain) signArtifacts(ctx context.Context, build *store.Build, artifacts []string) {
	for _, artifact := range artifacts {
		digest, err := fileDigest(artifact)
		if err != nil {
			log.Printf("warning: digesting %s: %v", artifact, err)
			continue
		}

		var args []string
		switch c.cfg.SigningTool {
		case "gpg":
			args = []string{"--batch", "--yes", "--armor", "--detach-sign", artifact}
			if c.cfg.KeyReference != "" {
				args = append([]string{"--local-user", c.cfg.KeyReference}, args...)
			}
		default:
			args = []string{"sign-blob", "--yes", artifact}
			if c.cfg.KeyReference != "" {
				args = append(args, "--key", c.cfg.KeyReference)
			}
		}
		out, exitCode, err := c.runner.Run(ctx, c.cfg.SigningTool, args, "")
		if exitCode == 127 {
			return
		}
		if err != nil || exitCode != 0 {
			log.Printf("warning: signing %s failed (exit %d, err %v)", artifact, exitCode, err)
			continue
		}
		sig := &store.Signature{
			ID:           clock.NewID(c.clock),
			BuildID:      build.ID,
			Artifact:     artifact,
			Signer:       c.cfg.SigningTool,
			KeyReference: c.cfg.KeyReference,
			Value:        strings.TrimSpace(string(out)),
			TargetDigest: digest,
			CreatedAt:    c.clock.Now(),
		}
		if err := c.store.SaveSignature(sig); err != nil {
			log.Printf("warning: saving signature for %s: %v", artifact, err)
		}
	}
}

func fileDigest(path string) (string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return "", err
	}
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:]), nil
}

// --- Attestation ---

func (c *Chain) attest(job *store.Job, build *store.Build, artifacts []string) {
	subjects := make([]Subject, 0, len(artifacts))
	for _, artifact := range artifacts {
		digest, err := fileDigest(artifact)
		if err != nil {
			continue
		}
		subjects = append(subjects, Subject{
			Name:   artifact,
			Digest: map[string]string{"sha256": digest},
		})
	}

	predicate := SLSAPredicate(job, build)
	envelope, err := WrapDSSE(subjects, predicate)
	if err != nil {
		log.Printf("warning: building attestation for build %s: %v", build.ID, err)
		return
	}

	predJSON, _ := json.Marshal(predicate)
	subjJSON, _ := json.Marshal(subjects)
	att := &store.Attestation{
		ID:          clock.NewID(c.clock),
		BuildID:     build.ID,
		Envelope:    envelope,
		Predicate:   string(predJSON),
		SubjectJSON: string(subjJSON),
		RepoURL:     job.RepoURL,
		Branch:      build.GitBranch,
		Commit:      build.GitCommit,
		CreatedAt:   c.clock.Now(),
	}
	if err := c.store.SaveAttestation(att); err != nil {
		log.Printf("warning: saving attestation for build %s: %v", build.ID, err)
	}
}
