package policy

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os/exec"
	"time"

	"github.com/chengis/chengis/internal/store"
)

// OPARunner invokes an external opa binary. The indirection exists so tests
// can run without opa installed.
type OPARunner interface {
	// Eval runs `opa eval` against a policy path with JSON input and returns
	// raw stdout and the process exit code.
	Eval(ctx context.Context, policyPath, query string, input []byte) (stdout []byte, exitCode int, err error)
}

// ExecOPARunner shells out to opa.
type ExecOPARunner struct{}

func (ExecOPARunner) Eval(ctx context.Context, policyPath, query string, input []byte) ([]byte, int, error) {
	cmd := exec.CommandContext(ctx, "opa", "eval", "--format", "json", "--data", policyPath, "--stdin-input", query)
	cmd.Stdin = bytes.NewReader(input)
	out, err := cmd.Output()
	if err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			return out, exitErr.ExitCode(), nil
		}
		// exec.Error for a missing binary behaves like exit 127.
		var execErr *exec.Error
		if errors.As(err, &execErr) {
			return nil, 127, nil
		}
		return nil, -1, err
	}
	return out, 0, nil
}

// opaOutput is the shape of `opa eval --format json`.
type opaOutput struct {
	Result []struct {
		Expressions []struct {
			Value any `json:"value"`
		} `json:"expressions"`
	} `json:"result"`
}

// evalOPA runs one opa policy. Exit 127 means opa is not installed and the
// rule allows; a timeout or unparsable output denies.
func (e *Engine) evalOPA(ctx context.Context, rule store.PolicyRule, in Input) Decision {
	if e.opa == nil {
		return Decision{Allow: true, Reason: "opa runner not configured"}
	}

	timeout := time.Duration(cfgInt(rule.Config, "timeout_ms", 5000)) * time.Millisecond
	evalCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	input, _ := json.Marshal(map[string]any{
		"build_id":   in.BuildID,
		"job_id":     in.JobID,
		"org_id":     in.OrgID,
		"branch":     in.Branch,
		"author":     in.Author,
		"parameters": in.Parameters,
		"stage_name": in.StageName,
	})

	policyPath := cfgString(rule.Config, "policy_path", "")
	query := cfgString(rule.Config, "query", "data.chengis.allow")

	stdout, exitCode, err := e.opa.Eval(evalCtx, policyPath, query, input)
	if evalCtx.Err() == context.DeadlineExceeded {
		return Decision{Allow: false, Reason: "opa evaluation timed out"}
	}
	if exitCode == 127 {
		return Decision{Allow: true, Reason: "opa not installed"}
	}
	if err != nil || exitCode != 0 {
		return Decision{Allow: false, Reason: fmt.Sprintf("opa evaluation failed (exit %d)", exitCode)}
	}

	var out opaOutput
	if err := json.Unmarshal(stdout, &out); err != nil {
		return Decision{Allow: false, Reason: "opa output not parsable"}
	}
	if len(out.Result) == 0 || len(out.Result[0].Expressions) == 0 {
		return Decision{Allow: false, Reason: "opa returned no result"}
	}
	if allowed, ok := out.Result[0].Expressions[0].Value.(bool); ok && allowed {
		return Decision{Allow: true, Reason: "opa allowed"}
	}
	return Decision{Allow: false, Reason: "opa denied"}
}
