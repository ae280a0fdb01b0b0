package store

import "time"

// Build statuses.
const (
	StatusQueued          = "queued"
	StatusRunning         = "running"
	StatusSuccess         = "success"
	StatusFailure         = "failure"
	StatusAborted         = "aborted"
	StatusSkipped         = "skipped"
	StatusWaitingApproval = "waiting-approval"
)

// IsTerminal reports whether a build status is terminal.
func IsTerminal(status string) bool {
	return status == StatusSuccess || status == StatusFailure || status == StatusAborted
}

// Job is a named pipeline owner. Immutable once created except for
// PipelineSource and Triggers.
type Job struct {
	ID             string
	OrgID          string
	Name           string
	PipelineSource string
	Triggers       []string
	Dependencies   []string // upstream job IDs that trigger this job
	TriggerOn      string   // "success" (default) or "any"
	RepoURL        string
	AutoMerge      bool
	MergeMethod    string
	DeleteBranch   bool
	CreatedAt      time.Time
}

// Build is one execution attempt of a Job against a source ref.
type Build struct {
	ID             string
	OrgID          string
	JobID          string
	BuildNumber    int
	Status         string
	TriggerType    string
	GitBranch      string
	GitCommit      string
	GitCommitShort string
	GitAuthor      string
	GitMessage     string
	PRNumber       int
	MRNumber       int
	Parameters     map[string]string
	StartedAt      time.Time
	CompletedAt    time.Time
	CreatedAt      time.Time
}

// BuildUpdate names the mutable Build fields for a typed update. Nil fields
// are left untouched.
type BuildUpdate struct {
	Status      *string
	StartedAt   *time.Time
	CompletedAt *time.Time
}

// Stage is a recorded stage execution within a build.
type Stage struct {
	ID                string
	BuildID           string
	StageName         string
	Status            string
	DependsOn         []string
	MatrixCombination map[string]string
	StartedAt         time.Time
	CompletedAt       time.Time
}

// Step is a recorded step execution within a stage.
type Step struct {
	ID              string
	BuildID         string
	StageName       string
	StepName        string
	Status          string
	ExitCode        int
	StdoutTruncated bool
	StderrTruncated bool
	StartedAt       time.Time
	CompletedAt     time.Time
}

// BuildLog is an append-only log line attached to a build.
type BuildLog struct {
	BuildID   string
	Timestamp time.Time
	Level     string
	Source    string
	Message   string
}

// BuildEvent is an append-only, time-ordered build event. Replaying events
// for a build in ID order reproduces the full build story.
type BuildEvent struct {
	ID        string
	BuildID   string
	EventType string
	StageName string
	StepName  string
	Data      map[string]string
	CreatedAt time.Time
}

// Approval gate statuses.
const (
	GatePending   = "pending"
	GateApproved  = "approved"
	GateRejected  = "rejected"
	GateTimedOut  = "timed-out"
	GateCancelled = "cancelled"
)

// ApprovalGate is an approval barrier attached to a stage.
type ApprovalGate struct {
	ID             string
	BuildID        string
	StageName      string
	Status         string
	RequiredRole   string
	Message        string
	TimeoutMinutes int
	MinApprovals   int
	ApproverGroup  []string
	ApprovedBy     string
	ApprovedAt     time.Time
	RejectedBy     string
	RejectedAt     time.Time
	CreatedAt      time.Time
}

// AuditEntry is one row of the tamper-evident audit chain.
type AuditEntry struct {
	ID           int64
	UserID       string
	Username     string
	Action       string
	ResourceType string
	ResourceID   string
	Detail       string
	IPAddress    string
	Timestamp    time.Time
	PrevHash     string
	Hash         string
}

// CacheEntry maps a resolved artifact-cache key to a stored path. Immutable.
type CacheEntry struct {
	JobID       string
	ResolvedKey string
	Path        string
	CreatedAt   time.Time
}

// StageCacheRecord is a stage result keyed by fingerprint. First writer wins.
type StageCacheRecord struct {
	JobID       string
	Fingerprint string
	StageName   string
	BuildID     string
	Status      string
	CreatedAt   time.Time
}

// PolicyRule is a stored policy evaluated before stage execution.
type PolicyRule struct {
	ID       string
	OrgID    string
	Type     string
	Priority int
	Enabled  bool
	Config   map[string]any
}

// PolicyEvaluation records one policy decision for audit.
type PolicyEvaluation struct {
	BuildID   string
	StageName string
	PolicyID  string
	Decision  string
	Reason    string
	CreatedAt time.Time
}

// Schedule is a cron-triggered job schedule.
type Schedule struct {
	ID        string
	OrgID     string
	JobID     string
	Expr      string
	Timezone  string
	Enabled   bool
	NextRunAt time.Time
	LastTick  time.Time
}

// StatusCheck is a recorded external status check result for a build.
type StatusCheck struct {
	JobID    string
	BuildID  string
	Name     string
	Required bool
	Status   string
}

// WebhookRecord is a persisted raw webhook delivery.
type WebhookRecord struct {
	ID         string
	OrgID      string
	Provider   string
	EventType  string
	Headers    map[string]string
	Body       []byte
	ReceivedAt time.Time
}

// Signature is a detached artifact signature produced after a build.
type Signature struct {
	ID           string
	BuildID      string
	Artifact     string
	Signer       string
	KeyReference string
	Value        string
	TargetDigest string
	Verified     bool
	CreatedAt    time.Time
}

// Attestation is a SLSA provenance record wrapped in a DSSE envelope.
type Attestation struct {
	ID          string
	BuildID     string
	Envelope    string
	Predicate   string
	SubjectJSON string
	RepoURL     string
	Branch      string
	Commit      string
	CreatedAt   time.Time
}

// SBOM is a persisted software bill of materials.
type SBOM struct {
	ID             string
	BuildID        string
	Format         string
	Version        string
	ComponentCount int
	ContentHash    string
	ToolName       string
	ToolVersion    string
	Content        string
	CreatedAt      time.Time
}

// LicenseReport is the outcome of scanning an SBOM against license policy.
type LicenseReport struct {
	ID        string
	BuildID   string
	Allowed   int
	Denied    int
	Unknown   int
	Passed    bool
	CreatedAt time.Time
}

// Environment is a deployment target ordered by EnvOrder.
type Environment struct {
	ID               string
	OrgID            string
	Name             string
	EnvOrder         int
	RequiresApproval bool
	AutoPromote      bool
	LockedBy         string
	LockedAt         time.Time
}

// Deployment statuses.
const (
	DeployPending   = "pending"
	DeployRunning   = "running"
	DeploySucceeded = "succeeded"
	DeployFailed    = "failed"
)

// Deployment is one strategy-driven rollout of a build to an environment.
type Deployment struct {
	ID            string
	OrgID         string
	BuildID       string
	EnvironmentID string
	Strategy      string
	Status        string
	Rollback      bool
	CreatedAt     time.Time
	CompletedAt   time.Time
}

// DeploymentStep is one ordered step inside a deployment.
type DeploymentStep struct {
	ID           string
	DeploymentID string
	Name         string
	StepOrder    int
	Status       string
}

// Promotion moves a build between environments.
type Promotion struct {
	ID        string
	OrgID     string
	BuildID   string
	FromEnv   string
	ToEnv     string
	Status    string
	CreatedAt time.Time
}

// EnvironmentArtifact is an artifact placed into an environment.
type EnvironmentArtifact struct {
	EnvironmentID string
	BuildID       string
	Name          string
	PlacedAt      time.Time
}

// IaCState is one immutable version of infrastructure state.
type IaCState struct {
	ProjectID     string
	WorkspaceName string
	Version       int
	Content       string // gzipped + base64
	Hash          string // SHA-256 of plaintext
	Size          int
	CreatedBy     string
	CreatedAt     time.Time
}

// IaCLock is a per-project advisory lock.
type IaCLock struct {
	ProjectID string
	LockedBy  string
	LockedAt  time.Time
}
