// Package store defines the persistence boundary the execution engine talks
// to. The engine never sees a database handle; it sees this interface. The
// in-memory implementation backs tests, internal/db backs production.
package store

import (
	"errors"
	"time"
)

// ErrNotFound is returned when an entity does not exist in the caller's org.
var ErrNotFound = errors.New("not found")

// BuildStore covers jobs, builds, stages, steps, and logs.
type BuildStore interface {
	CreateJob(job *Job) error
	GetJob(orgID, jobID string) (*Job, error)
	ListJobs(orgID string) ([]Job, error)

	// CreateBuild assigns the next per-job build number and persists the build.
	CreateBuild(build *Build) error
	GetBuild(orgID, buildID string) (*Build, error)
	// UpdateBuild applies the non-nil fields of upd.
	UpdateBuild(orgID, buildID string, upd BuildUpdate) error
	// FindActiveBuild returns a non-terminal build for (jobID, commit), or nil.
	FindActiveBuild(orgID, jobID, commit string) (*Build, error)
	// ListBuilds returns a job's builds ordered by build number ascending.
	ListBuilds(orgID, jobID string) ([]Build, error)
	// DeleteBuildsBefore removes terminal builds created before cutoff along
	// with their owned stage/step/log/event records. Returns builds removed.
	DeleteBuildsBefore(cutoff time.Time) (int, error)

	AppendStage(stage *Stage) error
	UpdateStage(stageID string, status string, completedAt time.Time) error
	ListStages(buildID string) ([]Stage, error)

	AppendStep(step *Step) error
	UpdateStep(stepID string, status string, exitCode int, completedAt time.Time) error
	ListSteps(buildID string) ([]Step, error)

	AppendLog(entry *BuildLog) error
	ListLogs(buildID string) ([]BuildLog, error)
}

// EventStore is the durable side of the event bus.
type EventStore interface {
	AppendEvent(event *BuildEvent) error
	// ListEvents returns events for a build ordered by ID ascending.
	ListEvents(buildID string) ([]BuildEvent, error)
}

// GateStore enforces the single-winner transition with a conditional update.
type GateStore interface {
	CreateGate(gate *ApprovalGate) error
	GetGate(gateID string) (*ApprovalGate, error)
	// ResolveGate sets the terminal status iff the gate is still pending.
	// Returns 1 when this caller won the transition, 0 otherwise.
	ResolveGate(gateID, status, user string, at time.Time) (int, error)
}

// AuditStore is the hash-chained audit log.
type AuditStore interface {
	// AppendAudit persists the entry and returns its assigned ID. The caller
	// is responsible for computing PrevHash and Hash.
	AppendAudit(entry *AuditEntry) (int64, error)
	// LastAudit returns the most recent entry, or nil when the log is empty.
	LastAudit() (*AuditEntry, error)
	ListAudit() ([]AuditEntry, error)
}

// CacheStore covers artifact-cache keys and stage-result fingerprints.
type CacheStore interface {
	// SaveCacheEntry is a no-op when (jobID, resolvedKey) already exists.
	SaveCacheEntry(entry *CacheEntry) error
	GetCacheEntry(jobID, resolvedKey string) (*CacheEntry, error)

	// SaveStageCache is a no-op when (jobID, fingerprint) already exists:
	// first writer wins.
	SaveStageCache(rec *StageCacheRecord) error
	GetStageCache(jobID, fingerprint string) (*StageCacheRecord, error)
}

// PolicyStore covers stored policy rules and their evaluation audit trail.
type PolicyStore interface {
	ListPolicies(orgID string) ([]PolicyRule, error)
	RecordPolicyEvaluation(eval *PolicyEvaluation) error
}

// ScheduleStore covers cron schedules.
type ScheduleStore interface {
	ListDueSchedules(orgID string, now time.Time) ([]Schedule, error)
	// MarkScheduleTick updates next_run_at iff last_tick differs from tick,
	// returning 1 on success and 0 when the tick was already consumed.
	MarkScheduleTick(scheduleID string, tick, nextRun time.Time) (int, error)
}

// SCMStore covers status checks and webhook deliveries.
type SCMStore interface {
	ListStatusChecks(jobID, buildID string) ([]StatusCheck, error)
	SaveWebhook(rec *WebhookRecord) error
	GetWebhook(id string) (*WebhookRecord, error)
}

// ProvenanceStore covers signatures, attestations, SBOMs, license reports.
type ProvenanceStore interface {
	SaveSignature(sig *Signature) error
	SaveAttestation(att *Attestation) error
	SaveSBOM(s *SBOM) error
	GetSBOM(buildID string) (*SBOM, error)
	SaveLicenseReport(rep *LicenseReport) error
}

// DeployStore covers environments, deployments, and promotions.
type DeployStore interface {
	GetEnvironment(orgID, envID string) (*Environment, error)
	ListEnvironments(orgID string) ([]Environment, error)
	// LockEnvironment acquires the environment lock for owner iff unlocked or
	// already held by owner. Returns 1 on acquire, 0 on refusal.
	LockEnvironment(envID, owner string, at time.Time) (int, error)
	UnlockEnvironment(envID, owner string) error

	CreateDeployment(d *Deployment) error
	UpdateDeploymentStatus(deployID, status string, at time.Time) error
	ListDeployments(envID string) ([]Deployment, error)
	CreateDeploymentStep(s *DeploymentStep) error
	UpdateDeploymentStep(stepID, status string) error

	CreatePromotion(p *Promotion) error
	PlaceArtifact(a *EnvironmentArtifact) error
}

// IaCStore covers infrastructure state versions and locks.
type IaCStore interface {
	// SaveIaCState assigns the next version per (project, workspace).
	SaveIaCState(st *IaCState) error
	LatestIaCState(projectID, workspaceName string) (*IaCState, error)
	// AcquireIaCLock succeeds iff no lock exists or owner matches. Returns 1
	// on acquire, 0 on refusal.
	AcquireIaCLock(projectID, owner string, at time.Time) (int, error)
	ReleaseIaCLock(projectID, owner string, force bool) error
	GetIaCLock(projectID string) (*IaCLock, error)
}

// Store is the full persistence surface consumed by the engine.
type Store interface {
	BuildStore
	EventStore
	GateStore
	AuditStore
	CacheStore
	PolicyStore
	ScheduleStore
	SCMStore
	ProvenanceStore
	DeployStore
	IaCStore
}
