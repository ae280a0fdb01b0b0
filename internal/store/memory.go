package store

import (
	"fmt"
	"sort"
	"sync"
	"time"
)

// Memory is an in-memory Store. It backs the engine tests and the
// single-process dry-run mode. All conditional updates hold the same mutex,
// which gives them the serializable semantics the engine relies on.
type Memory struct {
	mu sync.Mutex

	jobs        map[string]*Job
	builds      map[string]*Build
	buildNums   map[string]int
	stages      map[string][]*Stage
	steps       map[string][]*Step
	logs        map[string][]*BuildLog
	events      map[string][]*BuildEvent
	eventSeq    int64
	gates       map[string]*ApprovalGate
	audit       []*AuditEntry
	cacheKeys   map[string]*CacheEntry
	stageCache  map[string]*StageCacheRecord
	policies    map[string][]PolicyRule
	policyEvals []*PolicyEvaluation
	schedules   map[string]*Schedule
	checks      map[string][]StatusCheck
	webhooks    map[string]*WebhookRecord
	signatures  []*Signature
	attests     []*Attestation
	sboms       map[string]*SBOM
	licenses    []*LicenseReport
	envs        map[string]*Environment
	deploys     map[string]*Deployment
	deploySteps map[string][]*DeploymentStep
	promotions  []*Promotion
	artifacts   []*EnvironmentArtifact
	iacStates   map[string][]*IaCState
	iacLocks    map[string]*IaCLock
}

// NewMemory creates an empty in-memory Store.
func NewMemory() *Memory {
	return &Memory{
		jobs:        make(map[string]*Job),
		builds:      make(map[string]*Build),
		buildNums:   make(map[string]int),
		stages:      make(map[string][]*Stage),
		steps:       make(map[string][]*Step),
		logs:        make(map[string][]*BuildLog),
		events:      make(map[string][]*BuildEvent),
		gates:       make(map[string]*ApprovalGate),
		cacheKeys:   make(map[string]*CacheEntry),
		stageCache:  make(map[string]*StageCacheRecord),
		policies:    make(map[string][]PolicyRule),
		schedules:   make(map[string]*Schedule),
		checks:      make(map[string][]StatusCheck),
		webhooks:    make(map[string]*WebhookRecord),
		sboms:       make(map[string]*SBOM),
		envs:        make(map[string]*Environment),
		deploys:     make(map[string]*Deployment),
		deploySteps: make(map[string][]*DeploymentStep),
		iacStates:   make(map[string][]*IaCState),
		iacLocks:    make(map[string]*IaCLock),
	}
}

var _ Store = (*Memory)(nil)

// --- Jobs and builds ---

func (m *Memory) CreateJob(job *Job) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *job
	m.jobs[job.ID] = &cp
	return nil
}

func (m *Memory) GetJob(orgID, jobID string) (*Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	j, ok := m.jobs[jobID]
	if !ok || j.OrgID != orgID {
		return nil, ErrNotFound
	}
	cp := *j
	return &cp, nil
}

func (m *Memory) ListJobs(orgID string) ([]Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []Job
	for _, j := range m.jobs {
		if j.OrgID == orgID {
			out = append(out, *j)
		}
	}
	sort.Slice(out, func(i, k int) bool { return out[i].ID < out[k].ID })
	return out, nil
}

func (m *Memory) CreateBuild(build *Build) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.buildNums[build.JobID]++
	build.BuildNumber = m.buildNums[build.JobID]
	cp := *build
	m.builds[build.ID] = &cp
	return nil
}

func (m *Memory) GetBuild(orgID, buildID string) (*Build, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	b, ok := m.builds[buildID]
	if !ok || b.OrgID != orgID {
		return nil, ErrNotFound
	}
	cp := *b
	return &cp, nil
}

func (m *Memory) UpdateBuild(orgID, buildID string, upd BuildUpdate) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	b, ok := m.builds[buildID]
	if !ok || b.OrgID != orgID {
		return ErrNotFound
	}
	if upd.Status != nil {
		b.Status = *upd.Status
	}
	if upd.StartedAt != nil {
		b.StartedAt = *upd.StartedAt
	}
	if upd.CompletedAt != nil {
		b.CompletedAt = *upd.CompletedAt
	}
	return nil
}

func (m *Memory) FindActiveBuild(orgID, jobID, commit string) (*Build, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, b := range m.builds {
		if b.OrgID == orgID && b.JobID == jobID && b.GitCommit == commit && !IsTerminal(b.Status) {
			cp := *b
			return &cp, nil
		}
	}
	return nil, nil
}

func (m *Memory) ListBuilds(orgID, jobID string) ([]Build, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []Build
	for _, b := range m.builds {
		if b.OrgID == orgID && b.JobID == jobID {
			out = append(out, *b)
		}
	}
	sort.Slice(out, func(i, k int) bool { return out[i].BuildNumber < out[k].BuildNumber })
	return out, nil
}

func (m *Memory) DeleteBuildsBefore(cutoff time.Time) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	removed := 0
	for id, b := range m.builds {
		if !IsTerminal(b.Status) || !b.CreatedAt.Before(cutoff) {
			continue
		}
		delete(m.builds, id)
		delete(m.stages, id)
		delete(m.steps, id)
		delete(m.logs, id)
		delete(m.events, id)
		removed++
	}
	return removed, nil
}

// --- Stages, steps, logs ---

func (m *Memory) AppendStage(stage *Stage) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *stage
	m.stages[stage.BuildID] = append(m.stages[stage.BuildID], &cp)
	return nil
}

func (m *Memory) UpdateStage(stageID string, status string, completedAt time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, list := range m.stages {
		for _, s := range list {
			if s.ID == stageID {
				s.Status = status
				s.CompletedAt = completedAt
				return nil
			}
		}
	}
	return ErrNotFound
}

func (m *Memory) ListStages(buildID string) ([]Stage, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []Stage
	for _, s := range m.stages[buildID] {
		out = append(out, *s)
	}
	return out, nil
}

func (m *Memory) AppendStep(step *Step) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *step
	m.steps[step.BuildID] = append(m.steps[step.BuildID], &cp)
	return nil
}

func (m *Memory) UpdateStep(stepID string, status string, exitCode int, completedAt time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, list := range m.steps {
		for _, s := range list {
			if s.ID == stepID {
				s.Status = status
				s.ExitCode = exitCode
				s.CompletedAt = completedAt
				return nil
			}
		}
	}
	return ErrNotFound
}

func (m *Memory) ListSteps(buildID string) ([]Step, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []Step
	for _, s := range m.steps[buildID] {
		out = append(out, *s)
	}
	return out, nil
}

func (m *Memory) AppendLog(entry *BuildLog) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *entry
	m.logs[entry.BuildID] = append(m.logs[entry.BuildID], &cp)
	return nil
}

func (m *Memory) ListLogs(buildID string) ([]BuildLog, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []BuildLog
	for _, l := range m.logs[buildID] {
		out = append(out, *l)
	}
	return out, nil
}

// --- Events ---

func (m *Memory) AppendEvent(event *BuildEvent) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.eventSeq++
	if event.ID == "" {
		event.ID = fmt.Sprintf("%016x", m.eventSeq)
	}
	cp := *event
	m.events[event.BuildID] = append(m.events[event.BuildID], &cp)
	return nil
}

func (m *Memory) ListEvents(buildID string) ([]BuildEvent, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []BuildEvent
	for _, e := range m.events[buildID] {
		out = append(out, *e)
	}
	sort.Slice(out, func(i, k int) bool { return out[i].ID < out[k].ID })
	return out, nil
}

// --- Gates ---

func (m *Memory) CreateGate(gate *ApprovalGate) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *gate
	m.gates[gate.ID] = &cp
	return nil
}

func (m *Memory) GetGate(gateID string) (*ApprovalGate, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	g, ok := m.gates[gateID]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *g
	return &cp, nil
}

func (m *Memory) ResolveGate(gateID, status, user string, at time.Time) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	g, ok := m.gates[gateID]
	if !ok {
		return 0, ErrNotFound
	}
	if g.Status != GatePending {
		return 0, nil
	}
	g.Status = status
	switch status {
	case GateApproved:
		g.ApprovedBy = user
		g.ApprovedAt = at
	case GateRejected:
		g.RejectedBy = user
		g.RejectedAt = at
	}
	return 1, nil
}

// --- Audit ---

func (m *Memory) AppendAudit(entry *AuditEntry) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	entry.ID = int64(len(m.audit) + 1)
	cp := *entry
	m.audit = append(m.audit, &cp)
	return entry.ID, nil
}

func (m *Memory) LastAudit() (*AuditEntry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.audit) == 0 {
		return nil, nil
	}
	cp := *m.audit[len(m.audit)-1]
	return &cp, nil
}

// ReplaceAudit overwrites an audit entry in place without rehashing
// (test helper for tamper scenarios).
func (m *Memory) ReplaceAudit(e AuditEntry) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i, cur := range m.audit {
		if cur.ID == e.ID {
			cp := e
			m.audit[i] = &cp
			return
		}
	}
}

func (m *Memory) ListAudit() ([]AuditEntry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []AuditEntry
	for _, e := range m.audit {
		out = append(out, *e)
	}
	return out, nil
}

// --- Caches ---

func cacheKey(jobID, key string) string { return jobID + "\x00" + key }

func (m *Memory) SaveCacheEntry(entry *CacheEntry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	k := cacheKey(entry.JobID, entry.ResolvedKey)
	if _, exists := m.cacheKeys[k]; exists {
		return nil
	}
	cp := *entry
	m.cacheKeys[k] = &cp
	return nil
}

func (m *Memory) GetCacheEntry(jobID, resolvedKey string) (*CacheEntry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.cacheKeys[cacheKey(jobID, resolvedKey)]
	if !ok {
		return nil, nil
	}
	cp := *e
	return &cp, nil
}

func (m *Memory) SaveStageCache(rec *StageCacheRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	k := cacheKey(rec.JobID, rec.Fingerprint)
	if _, exists := m.stageCache[k]; exists {
		return nil
	}
	cp := *rec
	m.stageCache[k] = &cp
	return nil
}

func (m *Memory) GetStageCache(jobID, fingerprint string) (*StageCacheRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.stageCache[cacheKey(jobID, fingerprint)]
	if !ok {
		return nil, nil
	}
	cp := *r
	return &cp, nil
}

// --- Policies ---

// SeedPolicies installs policy rules for an org (test/seed helper).
func (m *Memory) SeedPolicies(orgID string, rules []PolicyRule) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.policies[orgID] = rules
}

func (m *Memory) ListPolicies(orgID string) ([]PolicyRule, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]PolicyRule(nil), m.policies[orgID]...), nil
}

func (m *Memory) RecordPolicyEvaluation(eval *PolicyEvaluation) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *eval
	m.policyEvals = append(m.policyEvals, &cp)
	return nil
}

// PolicyEvaluations returns recorded evaluations (test helper).
func (m *Memory) PolicyEvaluations() []PolicyEvaluation {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []PolicyEvaluation
	for _, e := range m.policyEvals {
		out = append(out, *e)
	}
	return out
}

// --- Schedules ---

// SeedSchedule installs a schedule (test/seed helper).
func (m *Memory) SeedSchedule(s *Schedule) {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *s
	m.schedules[s.ID] = &cp
}

func (m *Memory) ListDueSchedules(orgID string, now time.Time) ([]Schedule, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []Schedule
	for _, s := range m.schedules {
		if s.OrgID == orgID && s.Enabled && !s.NextRunAt.After(now) {
			out = append(out, *s)
		}
	}
	sort.Slice(out, func(i, k int) bool { return out[i].ID < out[k].ID })
	return out, nil
}

func (m *Memory) MarkScheduleTick(scheduleID string, tick, nextRun time.Time) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.schedules[scheduleID]
	if !ok {
		return 0, ErrNotFound
	}
	if s.LastTick.Equal(tick) {
		return 0, nil
	}
	s.LastTick = tick
	s.NextRunAt = nextRun
	return 1, nil
}

// --- SCM ---

// SeedStatusChecks installs status-check rows (test/seed helper).
func (m *Memory) SeedStatusChecks(jobID string, checks []StatusCheck) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.checks[jobID] = checks
}

func (m *Memory) ListStatusChecks(jobID, buildID string) ([]StatusCheck, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []StatusCheck
	for _, c := range m.checks[jobID] {
		if c.BuildID == "" || c.BuildID == buildID {
			out = append(out, c)
		}
	}
	return out, nil
}

func (m *Memory) SaveWebhook(rec *WebhookRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *rec
	m.webhooks[rec.ID] = &cp
	return nil
}

func (m *Memory) GetWebhook(id string) (*WebhookRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	w, ok := m.webhooks[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *w
	return &cp, nil
}

// --- Provenance ---

func (m *Memory) SaveSignature(sig *Signature) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *sig
	m.signatures = append(m.signatures, &cp)
	return nil
}

func (m *Memory) SaveAttestation(att *Attestation) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *att
	m.attests = append(m.attests, &cp)
	return nil
}

// Attestations returns saved attestations (test helper).
func (m *Memory) Attestations() []Attestation {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []Attestation
	for _, a := range m.attests {
		out = append(out, *a)
	}
	return out
}

func (m *Memory) SaveSBOM(s *SBOM) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *s
	m.sboms[s.BuildID] = &cp
	return nil
}

func (m *Memory) GetSBOM(buildID string) (*SBOM, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sboms[buildID]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *s
	return &cp, nil
}

func (m *Memory) SaveLicenseReport(rep *LicenseReport) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *rep
	m.licenses = append(m.licenses, &cp)
	return nil
}

// LicenseReports returns saved license reports (test helper).
func (m *Memory) LicenseReports() []LicenseReport {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []LicenseReport
	for _, r := range m.licenses {
		out = append(out, *r)
	}
	return out
}

// --- Deployments ---

// SeedEnvironment installs an environment (test/seed helper).
func (m *Memory) SeedEnvironment(e *Environment) {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *e
	m.envs[e.ID] = &cp
}

func (m *Memory) GetEnvironment(orgID, envID string) (*Environment, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.envs[envID]
	if !ok || e.OrgID != orgID {
		return nil, ErrNotFound
	}
	cp := *e
	return &cp, nil
}

func (m *Memory) ListEnvironments(orgID string) ([]Environment, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []Environment
	for _, e := range m.envs {
		if e.OrgID == orgID {
			out = append(out, *e)
		}
	}
	sort.Slice(out, func(i, k int) bool { return out[i].EnvOrder < out[k].EnvOrder })
	return out, nil
}

func (m *Memory) LockEnvironment(envID, owner string, at time.Time) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.envs[envID]
	if !ok {
		return 0, ErrNotFound
	}
	if e.LockedBy != "" && e.LockedBy != owner {
		return 0, nil
	}
	e.LockedBy = owner
	e.LockedAt = at
	return 1, nil
}

func (m *Memory) UnlockEnvironment(envID, owner string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.envs[envID]
	if !ok {
		return ErrNotFound
	}
	if e.LockedBy == owner {
		e.LockedBy = ""
		e.LockedAt = time.Time{}
	}
	return nil
}

func (m *Memory) CreateDeployment(d *Deployment) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *d
	m.deploys[d.ID] = &cp
	return nil
}

func (m *Memory) UpdateDeploymentStatus(deployID, status string, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	d, ok := m.deploys[deployID]
	if !ok {
		return ErrNotFound
	}
	d.Status = status
	if status == DeploySucceeded || status == DeployFailed {
		d.CompletedAt = at
	}
	return nil
}

func (m *Memory) ListDeployments(envID string) ([]Deployment, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []Deployment
	for _, d := range m.deploys {
		if d.EnvironmentID == envID {
			out = append(out, *d)
		}
	}
	sort.Slice(out, func(i, k int) bool { return out[i].CreatedAt.Before(out[k].CreatedAt) })
	return out, nil
}

func (m *Memory) CreateDeploymentStep(s *DeploymentStep) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *s
	m.deploySteps[s.DeploymentID] = append(m.deploySteps[s.DeploymentID], &cp)
	return nil
}

func (m *Memory) UpdateDeploymentStep(stepID, status string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, list := range m.deploySteps {
		for _, s := range list {
			if s.ID == stepID {
				s.Status = status
				return nil
			}
		}
	}
	return ErrNotFound
}

// DeploymentSteps returns steps for a deployment in order (test helper).
func (m *Memory) DeploymentSteps(deployID string) []DeploymentStep {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []DeploymentStep
	for _, s := range m.deploySteps[deployID] {
		out = append(out, *s)
	}
	sort.Slice(out, func(i, k int) bool { return out[i].StepOrder < out[k].StepOrder })
	return out
}

func (m *Memory) CreatePromotion(p *Promotion) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *p
	m.promotions = append(m.promotions, &cp)
	return nil
}

// Promotions returns recorded promotions (test helper).
func (m *Memory) Promotions() []Promotion {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []Promotion
	for _, p := range m.promotions {
		out = append(out, *p)
	}
	return out
}

func (m *Memory) PlaceArtifact(a *EnvironmentArtifact) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *a
	m.artifacts = append(m.artifacts, &cp)
	return nil
}

// Artifacts returns placed artifacts (test helper).
func (m *Memory) Artifacts() []EnvironmentArtifact {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []EnvironmentArtifact
	for _, a := range m.artifacts {
		out = append(out, *a)
	}
	return out
}

// --- IaC ---

func (m *Memory) SaveIaCState(st *IaCState) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	k := st.ProjectID + "\x00" + st.WorkspaceName
	st.Version = len(m.iacStates[k]) + 1
	cp := *st
	m.iacStates[k] = append(m.iacStates[k], &cp)
	return nil
}

func (m *Memory) LatestIaCState(projectID, workspaceName string) (*IaCState, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	list := m.iacStates[projectID+"\x00"+workspaceName]
	if len(list) == 0 {
		return nil, nil
	}
	cp := *list[len(list)-1]
	return &cp, nil
}

func (m *Memory) AcquireIaCLock(projectID, owner string, at time.Time) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	l, ok := m.iacLocks[projectID]
	if ok && l.LockedBy != owner {
		return 0, nil
	}
	m.iacLocks[projectID] = &IaCLock{ProjectID: projectID, LockedBy: owner, LockedAt: at}
	return 1, nil
}

func (m *Memory) ReleaseIaCLock(projectID, owner string, force bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	l, ok := m.iacLocks[projectID]
	if !ok {
		return nil
	}
	if force || l.LockedBy == owner {
		delete(m.iacLocks, projectID)
	}
	return nil
}

func (m *Memory) GetIaCLock(projectID string) (*IaCLock, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	l, ok := m.iacLocks[projectID]
	if !ok {
		return nil, nil
	}
	cp := *l
	return &cp, nil
}
