// Package config loads the daemon configuration: feature flags plus
// per-subsystem settings. Pipeline definitions are parsed separately by
// internal/pipeline.
package config

import (
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

// Config is the top-level structure parsed from chengis.yaml.
type Config struct {
	OrgID        string          `yaml:"org_id"`
	FeatureFlags map[string]bool `yaml:"feature_flags"`
	Workspace    WorkspaceConfig `yaml:"workspace"`
	Cache        CacheConfig     `yaml:"cache"`
	Events       EventsConfig    `yaml:"events"`
	Approvals    ApprovalsConfig `yaml:"approvals"`
	Executor     ExecutorConfig  `yaml:"executor"`
	SCM          SCMConfig       `yaml:"scm"`
	Signing      SigningConfig   `yaml:"signing"`
	SBOM         SBOMConfig      `yaml:"sbom"`
	Retention    RetentionConfig `yaml:"retention"`
	Cron         CronConfig      `yaml:"cron"`
	Tracing      TracingConfig   `yaml:"tracing"`
	IaC          IaCConfig       `yaml:"iac"`
	Secrets      SecretsConfig   `yaml:"secrets"`
	Analytics    AnalyticsConfig `yaml:"analytics"`
}

// KnownFlags lists every feature flag the engine consults. Flags absent from
// the config are off.
var KnownFlags = []string{
	"build-analytics",
	"auto-merge",
	"pr-status-checks",
	"branch-overrides",
	"monorepo-filtering",
	"build-dependencies",
	"artifact-cache",
	"build-result-cache",
	"cost-attribution",
	"license-scanning",
	"sbom-generation",
	"slsa-provenance",
	"artifact-signing",
	"artifact-checksums",
	"policy-engine",
	"cron-scheduling",
	"tracing",
	"webhook-replay",
	"secret-rotation",
	"regulatory-dashboards",
	"parallel-stage-execution",
}

// Enabled reports whether a feature flag is on.
func (c *Config) Enabled(flag string) bool {
	return c.FeatureFlags[flag]
}

type WorkspaceConfig struct {
	Root string `yaml:"root"`
}

type CacheConfig struct {
	Root string `yaml:"root"`
}

type EventsConfig struct {
	Buffer            int `yaml:"buffer"`
	CriticalTimeoutMs int `yaml:"critical_timeout_ms"`
}

type ApprovalsConfig struct {
	PollIntervalMs int `yaml:"poll_interval_ms"`
}

type ExecutorConfig struct {
	MaxConcurrent int `yaml:"max_concurrent"`
	MaxMatrix     int `yaml:"max_matrix"`
}

// SCMConfig holds per-provider credentials and endpoint overrides.
type SCMConfig struct {
	GitHub    ProviderConfig `yaml:"github"`
	GitLab    ProviderConfig `yaml:"gitlab"`
	Bitbucket ProviderConfig `yaml:"bitbucket"`
	Gitea     ProviderConfig `yaml:"gitea"`
}

type ProviderConfig struct {
	Token       string `yaml:"token"`
	Username    string `yaml:"username"`
	AppPassword string `yaml:"app_password"`
	BaseURL     string `yaml:"base_url"`
}

type SigningConfig struct {
	Tool   string `yaml:"tool"` // cosign or gpg
	KeyRef string `yaml:"key_ref"`
}

type SBOMConfig struct {
	Tool   string `yaml:"tool"`
	Format string `yaml:"format"`
}

type RetentionConfig struct {
	MaxAgeDays       int `yaml:"max_age_days"`
	SweepIntervalMin int `yaml:"sweep_interval_min"`
}

type CronConfig struct {
	TickIntervalSec int `yaml:"tick_interval_sec"`
}

type TracingConfig struct {
	ServiceName string  `yaml:"service_name"`
	SampleRate  float64 `yaml:"sample_rate"`
}

type IaCConfig struct {
	MaxStateBytes int `yaml:"max_state_bytes"`
}

// SecretsConfig tunes the rotation checker.
type SecretsConfig struct {
	MaxAgeDays       int `yaml:"max_age_days"`
	CheckIntervalMin int `yaml:"check_interval_min"`
}

type AnalyticsConfig struct {
	SweepIntervalMin int `yaml:"sweep_interval_min"`
}

// Load reads and parses a configuration from the given YAML file path, then
// applies defaults for unset values.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parsing config YAML: %w", err)
	}

	applyDefaults(&cfg)
	return &cfg, nil
}

// LoadDefault searches for a config in standard locations and loads the first
// one found. Search order: ./chengis.yaml, ~/.chengis/config.yaml. When none
// exists, a default config is returned.
func LoadDefault() (*Config, error) {
	candidates := []string{"chengis.yaml"}

	home, err := os.UserHomeDir()
	if err == nil {
		candidates = append(candidates, filepath.Join(home, ".chengis", "config.yaml"))
	}

	for _, path := range candidates {
		if _, err := os.Stat(path); err == nil {
			return Load(path)
		}
	}

	cfg := &Config{}
	applyDefaults(cfg)
	return cfg, nil
}

func applyDefaults(cfg *Config) {
	if cfg.OrgID == "" {
		cfg.OrgID = "default"
	}
	if cfg.FeatureFlags == nil {
		cfg.FeatureFlags = map[string]bool{}
	}
	if cfg.Workspace.Root == "" {
		cfg.Workspace.Root = filepath.Join(os.TempDir(), "chengis", "workspaces")
	}
	if cfg.Cache.Root == "" {
		cfg.Cache.Root = filepath.Join(os.TempDir(), "chengis", "cache")
	}
	if cfg.Events.Buffer == 0 {
		cfg.Events.Buffer = 64
	}
	if cfg.Events.CriticalTimeoutMs == 0 {
		cfg.Events.CriticalTimeoutMs = 5000
	}
	if cfg.Approvals.PollIntervalMs == 0 {
		cfg.Approvals.PollIntervalMs = 1000
	}
	if cfg.Executor.MaxConcurrent == 0 {
		cfg.Executor.MaxConcurrent = 4
	}
	if cfg.Executor.MaxMatrix == 0 {
		cfg.Executor.MaxMatrix = 16
	}
	if cfg.SCM.GitHub.BaseURL == "" {
		cfg.SCM.GitHub.BaseURL = "https://api.github.com"
	}
	if cfg.SCM.GitLab.BaseURL == "" {
		cfg.SCM.GitLab.BaseURL = "https://gitlab.com/api/v4"
	}
	if cfg.SCM.Bitbucket.BaseURL == "" {
		cfg.SCM.Bitbucket.BaseURL = "https://api.bitbucket.org/2.0"
	}
	if cfg.Signing.Tool == "" {
		cfg.Signing.Tool = "cosign"
	}
	if cfg.SBOM.Tool == "" {
		cfg.SBOM.Tool = "syft"
	}
	if cfg.SBOM.Format == "" {
		cfg.SBOM.Format = "cyclonedx-json"
	}
	if cfg.Retention.MaxAgeDays == 0 {
		cfg.Retention.MaxAgeDays = 90
	}
	if cfg.Retention.SweepIntervalMin == 0 {
		cfg.Retention.SweepIntervalMin = 60
	}
	if cfg.Cron.TickIntervalSec == 0 {
		cfg.Cron.TickIntervalSec = 30
	}
	if cfg.Tracing.ServiceName == "" {
		cfg.Tracing.ServiceName = "chengis"
	}
	if cfg.Tracing.SampleRate == 0 {
		cfg.Tracing.SampleRate = 1
	}
	if cfg.IaC.MaxStateBytes == 0 {
		cfg.IaC.MaxStateBytes = 8 << 20
	}
	if cfg.Secrets.MaxAgeDays == 0 {
		cfg.Secrets.MaxAgeDays = 90
	}
	if cfg.Secrets.CheckIntervalMin == 0 {
		cfg.Secrets.CheckIntervalMin = 24 * 60
	}
	if cfg.Analytics.SweepIntervalMin == 0 {
		cfg.Analytics.SweepIntervalMin = 60
	}
}
