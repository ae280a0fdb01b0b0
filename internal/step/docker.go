package step

import (
	"context"
	"fmt"
	"path"
	"regexp"
	"sort"
	"strings"

	"github.com/chengis/chengis/internal/pipeline"
	"github.com/chengis/chengis/internal/plugin"
	"github.com/chengis/chengis/internal/procexec"
)

// ValidationError reports an unsafe docker step definition. It fails the
// step before any process is spawned.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid docker step: %s: %s", e.Field, e.Message)
}

var (
	safeIdent   = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)
	safeImage   = regexp.MustCompile(`^[a-zA-Z0-9][a-zA-Z0-9._/:@-]*$`)
	safeNetwork = regexp.MustCompile(`^[a-zA-Z0-9][a-zA-Z0-9._-]*$`)
)

// maxImageLen caps docker image references.
const maxImageLen = 256

// DockerExecutor runs containerized steps by composing a docker run command
// and handing it to the process sub-executor.
type DockerExecutor struct {
	proc      *procexec.Executor
	chunkSize int
}

// NewDockerExecutor creates a docker step executor.
func NewDockerExecutor(chunkSize int) *DockerExecutor {
	return &DockerExecutor{proc: procexec.NewExecutor(), chunkSize: chunkSize}
}

// Run validates the step definition, composes the docker run command, and
// executes it.
func (e *DockerExecutor) Run(ctx context.Context, bc *plugin.BuildContext, def pipeline.StepDef) (plugin.Result, error) {
	command, err := ComposeDockerCommand(bc, def)
	if err != nil {
		return plugin.Result{}, err
	}
	return runCommand(ctx, e.proc, bc, command, def, e.chunkSize)
}

// ComposeDockerCommand builds the docker run invocation for a docker step.
// Every user-controlled fragment is validated before it reaches the command
// line.
func ComposeDockerCommand(bc *plugin.BuildContext, def pipeline.StepDef) (string, error) {
	if def.Image == "" {
		return "", &ValidationError{Field: "image", Message: "required"}
	}
	if len(def.Image) > maxImageLen || !safeImage.MatchString(def.Image) {
		return "", &ValidationError{Field: "image", Message: fmt.Sprintf("unsafe image reference %q", def.Image)}
	}

	workdir := def.Workdir
	if workdir == "" {
		workdir = "/workspace"
	}
	if !path.IsAbs(workdir) {
		return "", &ValidationError{Field: "workdir", Message: "must be absolute"}
	}

	args := []string{"docker", "run", "--rm",
		"-v", bc.Workspace + ":" + workdir,
		"-w", workdir,
	}

	env := mergeEnv(bc.Env, def.Env)
	for _, k := range sortedKeys(env) {
		if !safeIdent.MatchString(k) {
			return "", &ValidationError{Field: "env", Message: fmt.Sprintf("unsafe variable name %q", k)}
		}
		args = append(args, "-e", k+"="+env[k])
	}

	for _, name := range sortedKeys(def.CacheVolumes) {
		target := def.CacheVolumes[name]
		if !safeIdent.MatchString(name) {
			return "", &ValidationError{Field: "cache_volumes", Message: fmt.Sprintf("unsafe volume name %q", name)}
		}
		if !path.IsAbs(target) || strings.Contains(target, "..") {
			return "", &ValidationError{Field: "cache_volumes", Message: fmt.Sprintf("mount target %q must be absolute without ..", target)}
		}
		args = append(args, "-v", name+":"+target)
	}

	for _, vol := range def.Volumes {
		args = append(args, "-v", substituteWorkspace(vol, bc.Workspace))
	}

	if def.Network != "" {
		if !safeNetwork.MatchString(def.Network) {
			return "", &ValidationError{Field: "network", Message: fmt.Sprintf("unsafe network name %q", def.Network)}
		}
		args = append(args, "--network", def.Network)
	}

	for _, extra := range def.ExtraArgs {
		if !strings.HasPrefix(extra, "-") {
			return "", &ValidationError{Field: "extra_args", Message: fmt.Sprintf("only flags allowed, got %q", extra)}
		}
		args = append(args, extra)
	}

	args = append(args, def.Image, "sh", "-c", def.Command)

	quoted := make([]string, len(args))
	for i, a := range args {
		quoted[i] = shellQuote(a)
	}
	return strings.Join(quoted, " "), nil
}

// substituteWorkspace resolves the workspace tokens in a volume spec: a
// leading ":workspace" and any "${WORKSPACE}" both become the workspace path.
func substituteWorkspace(vol, workspace string) string {
	if strings.HasPrefix(vol, ":workspace") {
		vol = workspace + strings.TrimPrefix(vol, ":workspace")
	}
	return strings.ReplaceAll(vol, "${WORKSPACE}", workspace)
}

func sortedKeys(m map[string]string) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// shellQuote wraps an argument in single quotes, escaping embedded quotes.
func shellQuote(s string) string {
	if s != "" && !strings.ContainsAny(s, " \t\n'\"\\$`;&|<>(){}*?![]#~") {
		return s
	}
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}
