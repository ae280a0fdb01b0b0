package compliance

// Check statuses.
const (
	CheckPassing     = "passing"
	CheckFailing     = "failing"
	CheckNotAssessed = "not-assessed"
)

// Signals a check can observe. A signal absent from the system state means
// the capability was never assessed.
const (
	SignalAuth              = "auth"
	SignalTracing           = "tracing"
	SignalSLSA              = "slsa"
	SignalSBOM              = "sbom"
	SignalPolicy            = "policy"
	SignalArtifactChecksums = "artifact-checksums"
	SignalAuditLog          = "audit-log"
)

// SystemState maps signals to their observed value. Missing key means
// not assessed.
type SystemState map[string]bool

// Check ties one framework control to a system signal.
type Check struct {
	ID     string
	Name   string
	Signal string
}

// Framework is a named set of checks.
type Framework struct {
	Name   string
	Checks []Check
}

// SOC2 returns the SOC 2 readiness framework.
func SOC2() Framework {
	return Framework{
		Name: "SOC 2",
		Checks: []Check{
			{ID: "CC6.1", Name: "Logical access controls", Signal: SignalAuth},
			{ID: "CC7.2", Name: "System monitoring", Signal: SignalTracing},
			{ID: "CC8.1", Name: "Change management policy gates", Signal: SignalPolicy},
			{ID: "CC7.1", Name: "Integrity of build artifacts", Signal: SignalArtifactChecksums},
			{ID: "CC4.1", Name: "Audit trail retained", Signal: SignalAuditLog},
		},
	}
}

// ISO27001 returns the ISO 27001 readiness framework.
func ISO27001() Framework {
	return Framework{
		Name: "ISO 27001",
		Checks: []Check{
			{ID: "A.9", Name: "Access control", Signal: SignalAuth},
			{ID: "A.12.4", Name: "Logging and monitoring", Signal: SignalTracing},
			{ID: "A.14.2", Name: "Secure development provenance", Signal: SignalSLSA},
			{ID: "A.8.1", Name: "Software inventory", Signal: SignalSBOM},
			{ID: "A.12.1", Name: "Operational policy controls", Signal: SignalPolicy},
			{ID: "A.18.1", Name: "Compliance records", Signal: SignalAuditLog},
		},
	}
}

// CheckResult is one assessed check.
type CheckResult struct {
	Check  Check
	Status string
}

// Assessment scores a framework against system state.
type Assessment struct {
	Framework   string
	Results     []CheckResult
	Passing     int
	Failing     int
	NotAssessed int
	Score       float64
}

// Assess evaluates every check of a framework. Score is passing over total,
// as a percentage; not-assessed checks count against the score.
func Assess(fw Framework, state SystemState) *Assessment {
	a := &Assessment{Framework: fw.Name}
	for _, c := range fw.Checks {
		status := CheckNotAssessed
		if on, assessed := state[c.Signal]; assessed {
			if on {
				status = CheckPassing
			} else {
				status = CheckFailing
			}
		}
		switch status {
		case CheckPassing:
			a.Passing++
		case CheckFailing:
			a.Failing++
		default:
			a.NotAssessed++
		}
		a.Results = append(a.Results, CheckResult{Check: c, Status: status})
	}
	if total := len(fw.Checks); total > 0 {
		a.Score = float64(a.Passing) / float64(total) * 100
	}
	return a
}
