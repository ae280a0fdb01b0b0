// Package pipeline holds the typed pipeline definition tree the engine
// executes. Parsers produce this tree; the engine never sees raw maps.
package pipeline

// Definition is a full parsed pipeline.
type Definition struct {
	Name        string           `yaml:"pipeline_name"`
	Description string           `yaml:"description"`
	Stages      []StageDef       `yaml:"stages"`
	Matrix      *MatrixDef       `yaml:"matrix"`
	Parameters  []ParameterDef   `yaml:"parameters"`
	PostActions *PostActionsDef  `yaml:"post_actions"`
	Source      *SourceDef       `yaml:"source"`
	Notify      []NotifyDef      `yaml:"notify"`
	Triggers    []map[string]any `yaml:"triggers"`
}

// StageDef is one named phase of the pipeline.
type StageDef struct {
	Name      string       `yaml:"stage_name"`
	Parallel  bool         `yaml:"parallel"`
	DependsOn []string     `yaml:"depends_on"`
	Approval  *ApprovalDef `yaml:"approval"`
	Cache     *CacheDef    `yaml:"cache"`
	Steps     []StepDef    `yaml:"steps"`
}

// ApprovalDef gates a stage behind human approval.
type ApprovalDef struct {
	Message        string   `yaml:"message"`
	Role           string   `yaml:"role"`
	MinApprovals   int      `yaml:"min_approvals"`
	ApproverGroup  []string `yaml:"approver_group"`
	TimeoutMinutes int      `yaml:"timeout_minutes"`
}

// CacheDef declares the artifact cache for a stage.
type CacheDef struct {
	Key   string   `yaml:"key"`
	Paths []string `yaml:"paths"`
}

// Step types dispatched through the plugin registry.
const (
	StepShell   = "shell"
	StepDocker  = "docker"
	StepCompose = "compose"
)

// StepDef is a leaf command inside a stage.
type StepDef struct {
	Name         string            `yaml:"step_name"`
	Type         string            `yaml:"type"`
	Command      string            `yaml:"command"`
	Image        string            `yaml:"image"`
	Env          map[string]string `yaml:"env"`
	TimeoutMs    int               `yaml:"timeout"`
	Condition    *ConditionDef     `yaml:"condition"`
	CacheVolumes map[string]string `yaml:"cache_volumes"`
	Volumes      []string          `yaml:"volumes"`
	Network      string            `yaml:"network"`
	Workdir      string            `yaml:"workdir"`
	ExtraArgs    []string          `yaml:"extra_args"`
}

// Condition types.
const (
	CondAlways = "always"
	CondBranch = "branch"
	CondParam  = "param"
)

// ConditionDef guards a step. A falsy condition skips the step.
type ConditionDef struct {
	Type   string `yaml:"type"`
	Branch string `yaml:"branch"`
	Param  string `yaml:"param"`
	Value  string `yaml:"value"`
}

// MatrixDef expands stages over a cartesian product of axis values.
type MatrixDef struct {
	Axes    map[string][]string `yaml:"axes"`
	Exclude []map[string]string `yaml:"exclude"`
}

// ParameterDef declares a build parameter.
type ParameterDef struct {
	Name    string   `yaml:"name"`
	Type    string   `yaml:"type"` // text, choice, bool, number
	Choices []string `yaml:"choices"`
}

// PostActionsDef holds steps run after the stage loop.
type PostActionsDef struct {
	Always    []StepDef `yaml:"always"`
	OnSuccess []StepDef `yaml:"on_success"`
	OnFailure []StepDef `yaml:"on_failure"`
}

// SourceDef names the source of the pipeline's workspace.
type SourceDef struct {
	Type string `yaml:"type"`
	URL  string `yaml:"url"`
}

// NotifyDef configures a notifier plugin.
type NotifyDef struct {
	Type   string            `yaml:"type"`
	Config map[string]string `yaml:"config"`
}
